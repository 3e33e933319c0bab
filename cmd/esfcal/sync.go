package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"esfcal/internal/model"
	"esfcal/internal/notify"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now, ignoring the policy constraints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		out := a.manualSync(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), out.String())
		if out.Kind == model.OutcomeError {
			return fmt.Errorf("sync failed: %s", out.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}

// manualSync runs one cycle and delivers its notification before
// returning, since the process may exit right after.
func (a *app) manualSync(ctx context.Context) model.SyncOutcome {
	out := a.runner.SyncNow(ctx)
	notify.NewDispatcher(a.notifier, a.policies).Handle(out)
	return out
}
