package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/italolelis/transferd/internal/logctx"
)

var version = "dev"

func main() {
	if err := newRootCmd(afero.NewOsFs()).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(afs afero.Fs) *cobra.Command {
	var logLevel string

	root := &cobra.Command{
		Use:   "transferctl",
		Short: "Inspect and exercise transferd files",
		Long: `transferctl works on the files transferd leaves on the storage.

It dumps transfer backups, decrypts encrypted downloads and streams gcode
through the prefetch buffer, including files still being transferred.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			var level slog.Level
			if err := level.UnmarshalText([]byte(strings.ToUpper(logLevel))); err != nil {
				level = slog.LevelWarn
			}

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
			cmd.SetContext(logctx.WithLogger(contextOf(cmd), logger))
		},
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	root.AddCommand(
		newBackupCmd(afs),
		newDecryptCmd(afs),
		newStreamCmd(afs),
	)

	return root
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}

	return context.Background()
}
