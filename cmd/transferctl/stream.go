package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/italolelis/transferd/internal/prefetch"
	"github.com/italolelis/transferd/internal/transfer"
)

func newStreamCmd(afs afero.Fs) *cobra.Command {
	var (
		offset     uint32
		bufferSize int
		positions  bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "stream <gcode>",
		Short: "Print the commands of a gcode file as a printer would read them",
		Long: `Stream a gcode file through the prefetch buffer and print every command.
Comments and blank lines are dropped. A file that is still being transferred
is read up to the valid part recorded in its backup.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := prefetch.DefaultConfig()
			cfg.BufferSize = bufferSize

			m := prefetch.New(cmd.Context(), backupOpener(afs), cfg, nil)
			defer m.Close()

			if err := m.Start(args[0], prefetch.Position{Offset: offset}); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			deadline := time.Now().Add(timeout)

			for {
				result, status := m.ReadCommand()

				switch {
				case status == prefetch.StatusOK:
					if positions {
						fmt.Fprintf(out, "%d\t", result.ReplayPos.Offset)
					}

					fmt.Fprintln(out, result.Gcode)

					deadline = time.Now().Add(timeout)

					continue
				case status == prefetch.StatusEndOfFile:
					return nil
				case status == prefetch.StatusNotDownloaded:
					return errors.New("the rest of the file is not downloaded yet")
				case time.Now().After(deadline):
					// Errors are retried by the manager until the deadline.
					return fmt.Errorf("no gcode read for %s: %s", timeout, status)
				}

				m.IssueFetch()
				time.Sleep(time.Millisecond)
			}
		},
	}

	cmd.Flags().Uint32Var(&offset, "offset", 0, "Start at this byte offset")
	cmd.Flags().IntVar(&bufferSize, "buffer-size", prefetch.DefaultConfig().BufferSize, "Prefetch buffer size in bytes")
	cmd.Flags().BoolVar(&positions, "positions", false, "Prefix every command with its offset")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "Give up when no command arrives for this long")

	return cmd
}

// backupOpener reads running transfers through their partial file, up to the
// valid head stored in the backup.
func backupOpener(afs afero.Fs) prefetch.Opener {
	return func(path string) (prefetch.GcodeProvider, error) {
		if transfer.Check(afs, path) != transfer.CheckRunning {
			p, err := prefetch.OpenFile(afs, path, nil)
			if err != nil {
				return nil, err
			}

			return p, nil
		}

		dest := transfer.NewPath(path)

		f, err := afs.Open(dest.Backup())
		if err != nil {
			return nil, fmt.Errorf("failed to open backup: %w", err)
		}
		defer f.Close()

		backup, err := transfer.Restore(f)
		if err != nil {
			return nil, err
		}

		var valid uint64
		if head, ok := backup.PartialFileState.Head(); ok {
			valid = head.End
		}

		p, err := prefetch.OpenFile(afs, dest.Partial(), func() uint64 { return valid })
		if err != nil {
			return nil, err
		}

		return p, nil
	}
}
