package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	appLog "esfcal/internal/log"
	"esfcal/internal/model"
	"esfcal/internal/notify"
	"esfcal/internal/web"
)

var runListen string

const watchInterval = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background scheduler and the HTTP API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		appLog.Info("esfcal starting", "version", version)

		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if runListen != "" {
			a.cfg.Listen = runListen
		}

		dispatcher := notify.NewDispatcher(a.notifier, a.policies)
		a.runner.OnOutcome(func(out model.SyncOutcome) {
			go dispatcher.Handle(out)
		})

		a.runner.Start(ctx)
		defer a.runner.Stop()

		armed, err := a.runner.Boot(ctx)
		if err != nil {
			return err
		}
		appLog.Info("scheduler booted", "armed", armed, "next_run", a.runner.NextRun())

		go a.runner.Follow(ctx, a.policies.Subscribe(ctx))
		// login, logout and policy set run as separate processes
		go a.runner.WatchSessions(ctx, watchInterval)
		go a.policies.Poll(ctx, watchInterval)

		srv := web.NewServer(a.cfg, web.Deps{
			Calendar: a.store,
			Runner:   a.runner,
			Engine:   a.engine,
			Policies: a.policies,
			Sessions: a.sessions,
			Battery:  a.battery,
			Exporter: a.exporter(),
		})
		if err := srv.ListenAndServe(ctx); err != nil {
			return err
		}

		appLog.Info("esfcal exiting")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runListen, "listen", "", "HTTP listen address (overrides config if set)")
}

// signalContext cancels on SIGINT/SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
