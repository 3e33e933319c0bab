package main

import (
	"bytes"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"esfcal/internal/config"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the cached calendar as an .ics file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signalContext(cmd.Context())
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		entries, err := a.store.All(ctx)
		if err != nil {
			return err
		}

		var buf bytes.Buffer
		if err := a.exporter().Write(&buf, entries, time.Now()); err != nil {
			return err
		}

		if exportOutput == "" || exportOutput == "-" {
			_, err := cmd.OutOrStdout().Write(buf.Bytes())
			return err
		}
		if err := config.WriteFileAtomic(exportOutput, buf.Bytes()); err != nil {
			return fmt.Errorf("write %s: %w", exportOutput, err)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries to %s\n", len(entries), exportOutput)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default stdout)")
}
