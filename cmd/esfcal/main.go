package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"esfcal/internal/battery"
	"esfcal/internal/config"
	"esfcal/internal/ics"
	appLog "esfcal/internal/log"
	"esfcal/internal/network"
	"esfcal/internal/notify"
	"esfcal/internal/policy"
	"esfcal/internal/remote"
	"esfcal/internal/scheduler"
	"esfcal/internal/session"
	"esfcal/internal/store"
	"esfcal/internal/syncer"
)

const version = "0.1.0-dev"

// rootFlags are shared by every subcommand.
var rootFlags struct {
	configPath string
	debug      bool
}

var rootCmd = &cobra.Command{
	Use:           "esfcal",
	Short:         "Keep an ESF monitor planning in a local calendar",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&rootFlags.configPath, "config", "/etc/esfcal/config.yaml", "Path to config file")
	rootCmd.PersistentFlags().BoolVar(&rootFlags.debug, "debug", false, "Enable debug logging")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		appLog.Error("esfcal failed", err)
		os.Exit(1)
	}
}

// app holds the wired components. Commands open it, use what they need
// and Close it.
type app struct {
	cfg      *config.Config
	loc      *time.Location
	store    *store.Store
	policies *policy.Store
	sessions *session.FileStore
	engine   *syncer.Engine
	runner   *scheduler.Runner
	battery  battery.Reader
	notifier notify.Notifier
}

// loadConfig reads the config file, applies the log level and resolves
// the reference zone.
func loadConfig() (*config.Config, *time.Location, error) {
	cfg, err := config.Load(rootFlags.configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config %s: %w", rootFlags.configPath, err)
	}

	level := appLog.ParseLevel(cfg.LogLevel)
	if rootFlags.debug {
		level = appLog.LevelDebug
	}
	appLog.SetLevel(level)

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	return cfg, loc, nil
}

func openApp(ctx context.Context) (*app, error) {
	cfg, loc, err := loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.DatabasePath(), loc)
	if err != nil {
		return nil, err
	}
	pol, err := policy.Open(cfg.PolicyPath())
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open policy: %w", err)
	}
	sessions := session.NewFileStore(cfg.SessionPath())

	engine := syncer.New(sessions, remote.NewClient(cfg.Portal, &http.Client{Timeout: cfg.FetchTimeout()}), st, pol, syncer.Options{
		FetchMonths:  cfg.FetchMonths,
		Retention:    cfg.Retention(),
		AbsenceCodes: cfg.AbsenceCodes,
		Location:     loc,
	})

	br := battery.FromConfig(ctx, cfg.Battery)
	var bp scheduler.BatteryProbe
	if br != nil {
		bp = battery.Probe{Reader: br}
	}
	gate := scheduler.NewGate(network.FromConfig(cfg.Network), bp, loc)
	runner := scheduler.NewRunner(engine, pol, sessions, st, gate, scheduler.RunnerOptions{Location: loc})

	appLog.Debug("effective config",
		"listen", cfg.Listen,
		"timezone", cfg.Timezone,
		"database", cfg.DatabasePath(),
		"fetch_months", cfg.FetchMonths,
		"retention_days", cfg.RetentionDays,
		"battery_mode", cfg.Battery.Mode,
		"network_mode", cfg.Network.Mode,
		"fetch_timeout", cfg.FetchTimeout().String(),
	)

	return &app{
		cfg:      cfg,
		loc:      loc,
		store:    st,
		policies: pol,
		sessions: sessions,
		engine:   engine,
		runner:   runner,
		battery:  br,
		notifier: notify.FromConfig(cfg.Pushover),
	}, nil
}

func (a *app) exporter() *ics.Exporter {
	return ics.NewExporter("Planning ESF", a.loc)
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		appLog.Error("close store failed", err)
	}
}
