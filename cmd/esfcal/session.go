package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"esfcal/internal/model"
)

var loginFlags struct {
	identity string
	token    string
	noSync   bool
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Store the session captured from the portal login",
	Long: `Store the monitor id and the portal session cookie obtained by logging
in through a browser, then run a first sync.

The cookie header value is what the browser sends to the portal after login,
e.g. "ASP.NET_SessionId=...; .ASPXAUTH=...".`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		creds := model.SessionCredentials{Identity: loginFlags.identity, SessionToken: loginFlags.token}
		if err := a.sessions.Save(ctx, creds); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session saved for monitor %s\n", creds.Identity)

		if loginFlags.noSync {
			return nil
		}
		out := a.manualSync(ctx)
		fmt.Fprintln(cmd.OutOrStdout(), out.String())
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the session and wipe the local calendar",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.runner.Logout(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().StringVar(&loginFlags.identity, "identity", "", "Monitor id (idTecMoniteur)")
	loginCmd.Flags().StringVar(&loginFlags.token, "token", "", "Portal session cookie header value")
	loginCmd.Flags().BoolVar(&loginFlags.noSync, "no-sync", false, "Do not sync after storing the session")
	_ = loginCmd.MarkFlagRequired("identity")
	_ = loginCmd.MarkFlagRequired("token")
}
