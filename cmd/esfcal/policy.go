package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"esfcal/internal/model"
	"esfcal/internal/policy"
	"esfcal/internal/scheduler"
)

var policyFlags struct {
	interval      int
	startHour     int
	endHour       int
	wifiOnly      bool
	batteryFloor  bool
	notifications bool
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show or change the background sync policy",
}

var policyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current sync policy",
	RunE: func(cmd *cobra.Command, _ []string) error {
		pol, loc, err := openPolicy()
		if err != nil {
			return err
		}
		return printPolicy(cmd.OutOrStdout(), pol.Get(), loc)
	},
}

var policySetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change sync policy fields",
	Example: `  esfcal policy set --interval 30
  esfcal policy set --start-hour 6 --end-hour 21 --wifi-only`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		pol, loc, err := openPolicy()
		if err != nil {
			return err
		}

		p := pol.Get()
		f := cmd.Flags()
		if f.Changed("interval") {
			p.SyncIntervalMinutes = policyFlags.interval
		}
		if f.Changed("start-hour") {
			p.StartHour = policyFlags.startHour
		}
		if f.Changed("end-hour") {
			p.EndHour = policyFlags.endHour
		}
		if f.Changed("wifi-only") {
			p.WifiOnly = policyFlags.wifiOnly
		}
		if f.Changed("battery-floor") {
			p.RespectBatteryFloor = policyFlags.batteryFloor
		}
		if f.Changed("notifications") {
			p.NotificationsEnabled = policyFlags.notifications
		}

		if err := pol.Update(p); err != nil {
			return err
		}
		return printPolicy(cmd.OutOrStdout(), pol.Get(), loc)
	},
}

func init() {
	rootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyShowCmd)
	policyCmd.AddCommand(policySetCmd)

	f := policySetCmd.Flags()
	f.IntVar(&policyFlags.interval, "interval", 15, fmt.Sprintf("Sync interval in minutes, one of %v (0 = manual)", model.SyncIntervals))
	f.IntVar(&policyFlags.startHour, "start-hour", 7, "First hour of the allowed window (0-23)")
	f.IntVar(&policyFlags.endHour, "end-hour", 20, "Last hour of the allowed window (0-23, inclusive)")
	f.BoolVar(&policyFlags.wifiOnly, "wifi-only", false, "Only sync on an unmetered link")
	f.BoolVar(&policyFlags.batteryFloor, "battery-floor", true, fmt.Sprintf("Defer syncs below %d%% battery", model.BatteryFloorPercent))
	f.BoolVar(&policyFlags.notifications, "notifications", true, "Notify about new entries")
}

// openPolicy only needs the config, not the whole app. A running daemon
// re-reads the file within watchInterval.
func openPolicy() (*policy.Store, *time.Location, error) {
	cfg, loc, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	pol, err := policy.Open(cfg.PolicyPath())
	if err != nil {
		return nil, nil, err
	}
	return pol, loc, nil
}

func printPolicy(w io.Writer, p model.SyncPolicy, loc *time.Location) error {
	data, err := yaml.Marshal(&p)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}

	if p.SyncIntervalMinutes > 0 {
		next := scheduler.NextEligible(p, time.Now(), loc)
		fmt.Fprintf(w, "# next eligible: %s\n", next.In(loc).Format("2006-01-02 15:04 MST"))
	}
	return nil
}
