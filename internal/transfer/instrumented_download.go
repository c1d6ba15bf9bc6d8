package transfer

import (
	"context"

	"github.com/italolelis/transferd/internal/partialfile"
	"github.com/italolelis/transferd/internal/telemetry"
)

// InstrumentDownload wraps fn so that opening a download is traced and every
// failed step is counted.
func InstrumentDownload(fn DownloadFunc, tel *telemetry.Telemetry) DownloadFunc {
	if tel == nil {
		return fn
	}

	return func(ctx context.Context, req Request, file *partialfile.PartialFile, position uint64, endRange *uint64) (Download, error) {
		var result Download

		err := tel.InstrumentOperation(ctx, "open_download", "transfer", func(ctx context.Context) error {
			var err error

			result, err = fn(ctx, req, file, position, endRange)

			return err
		})
		if err != nil {
			return nil, err
		}

		return &instrumentedDownload{download: result, tel: tel}, nil
	}
}

type instrumentedDownload struct {
	download Download
	tel      *telemetry.Telemetry
}

func (d *instrumentedDownload) Step(ctx context.Context) StepResult {
	result := d.download.Step(ctx)

	switch result {
	case StepFailedNetwork, StepFailedStorage, StepFailedRemote:
		d.tel.RecordSystemError("transfer", result.String())
	}

	return result
}

func (d *instrumentedDownload) Close() error {
	return d.download.Close()
}
