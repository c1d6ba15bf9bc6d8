package cleanup

import (
	"context"

	"github.com/spf13/afero"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/monitor"
	"github.com/italolelis/transferd/internal/transfer"
)

// Transfers walks the transfer index. Aborted transfers are deleted, finished
// ones are moved into place and only running transfers stay in the index.
// The transfer currently owning the monitor slot is left alone.
func Transfers(ctx context.Context, afs afero.Fs, indexPath string, mon *monitor.Monitor) error {
	logger := logctx.LoggerFromContext(ctx)

	dests, err := transfer.ReadIndex(afs, indexPath)
	if err != nil {
		return err
	}

	var active transfer.Path

	status, running := mon.Status(false)
	if running {
		active = transfer.NewPath(status.Destination)
	}

	keep := make([]string, 0, len(dests))

	for _, dest := range dests {
		path := transfer.NewPath(dest)

		if running && path == active {
			keep = append(keep, dest)

			continue
		}

		switch result := transfer.Check(afs, dest); result {
		case transfer.CheckRunning:
			keep = append(keep, dest)
		case transfer.CheckAborted:
			if err := transfer.RemoveAborted(afs, path); err != nil {
				logger.Error("Failed to remove aborted transfer", "destination", dest, "err", err)
				keep = append(keep, dest)

				continue
			}

			logger.Info("Removed aborted transfer", "destination", dest)
		case transfer.CheckFinished:
			if err := transfer.Finalize(afs, path); err != nil {
				logger.Error("Failed to finalize transfer", "destination", dest, "err", err)
				keep = append(keep, dest)

				continue
			}

			logger.Info("Finalized transfer", "destination", dest)
		default:
			logger.Debug("Dropping transfer from index", "destination", dest, "check", result.String())
		}
	}

	if len(keep) == len(dests) {
		return nil
	}

	return transfer.RewriteIndex(afs, indexPath, keep)
}
