package main

import (
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/italolelis/transferd/internal/partialfile"
	"github.com/italolelis/transferd/internal/transfer"
)

func newBackupCmd(afs afero.Fs) *cobra.Command {
	return &cobra.Command{
		Use:   "backup <transfer-dir>",
		Short: "Show the state stored in a transfer backup",
		Long: `Print the request, slot and validity state kept in the backup of a
running transfer. The argument is the transfer destination, which is a
directory while the transfer runs.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := transfer.NewPath(args[0])

			if check := transfer.Check(afs, path.Destination()); check != transfer.CheckRunning {
				return fmt.Errorf("%s is not a running transfer (%s)", path.Destination(), check)
			}

			f, err := afs.Open(path.Backup())
			if err != nil {
				return fmt.Errorf("failed to open backup: %w", err)
			}
			defer f.Close()

			backup, err := transfer.Restore(f)
			if err != nil {
				return err
			}

			printBackup(cmd.OutOrStdout(), backup)

			return nil
		},
	}
}

func printBackup(w io.Writer, b *transfer.Backup) {
	fmt.Fprintf(w, "id:          %d\n", b.Slot.ID)
	fmt.Fprintf(w, "type:        %s\n", b.Slot.Type)
	fmt.Fprintf(w, "destination: %s\n", b.Slot.Destination)
	fmt.Fprintf(w, "url:         %s\n", b.Request.URL())
	fmt.Fprintf(w, "size:        %s\n", humanize.IBytes(b.Request.OrigSize))
	fmt.Fprintf(w, "encrypted:   %t\n", b.Request.Encryption != nil)

	for _, h := range b.Request.Headers() {
		fmt.Fprintf(w, "header:      %s: %s\n", h.Name, h.Render())
	}

	state := b.PartialFileState
	fmt.Fprintf(w, "valid:       %s (%d%%)\n", humanize.IBytes(state.ValidSize()), state.PercentValid())

	printPart(w, "head", state.Head)
	printPart(w, "tail", state.Tail)
}

func printPart(w io.Writer, name string, part func() (partialfile.ValidPart, bool)) {
	p, ok := part()
	if !ok {
		fmt.Fprintf(w, "%-12s-\n", name+":")

		return
	}

	fmt.Fprintf(w, "%-12s%d-%d\n", name+":", p.Start, p.End)
}
