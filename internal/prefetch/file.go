package prefetch

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/spf13/afero"

	"github.com/italolelis/transferd/internal/monitor"
	"github.com/italolelis/transferd/internal/transfer"
)

// ValidFunc returns how many bytes from the start of a file may be read.
type ValidFunc func() uint64

// FileProvider streams a plain gcode file. Reads past the valid part report
// ResultOutOfRange, which lets a print start while the file downloads.
type FileProvider struct {
	file   afero.File
	reader *bufio.Reader
	size   uint64
	pos    uint64
	valid  ValidFunc
	limit  uint64
}

// OpenFile opens path for streaming. valid may be nil for complete files.
func OpenFile(afs afero.Fs, path string, valid ValidFunc) (*FileProvider, error) {
	f, err := afs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open gcode file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()

		return nil, fmt.Errorf("failed to stat gcode file: %w", err)
	}

	p := &FileProvider{
		file:   f,
		reader: bufio.NewReaderSize(f, 4096),
		size:   uint64(info.Size()),
		valid:  valid,
	}
	p.refreshLimit()

	return p, nil
}

func (p *FileProvider) refreshLimit() {
	if p.valid == nil {
		p.limit = p.size

		return
	}

	p.limit = min(p.valid(), p.size)
}

func (p *FileProvider) StreamGcodeStart(offset uint32) Result {
	p.refreshLimit()

	if uint64(offset) > p.size {
		return ResultOutOfRange
	}

	if _, err := p.file.Seek(int64(offset), io.SeekStart); err != nil {
		return ResultError
	}

	p.reader.Reset(p.file)
	p.pos = uint64(offset)

	return ResultOK
}

func (p *FileProvider) StreamGetc() (byte, Result) {
	if p.pos >= p.size {
		return 0, ResultEOF
	}

	if p.pos >= p.limit {
		p.refreshLimit()

		if p.pos >= p.limit {
			return 0, ResultOutOfRange
		}
	}

	c, err := p.reader.ReadByte()
	if errors.Is(err, io.EOF) {
		return 0, ResultEOF
	}

	if err != nil {
		return 0, ResultError
	}

	p.pos++

	return c, ResultOK
}

func (p *FileProvider) StreamSizeEstimate() uint32 {
	return uint32(min(p.size, math.MaxUint32))
}

func (p *FileProvider) Close() error {
	return p.file.Close()
}

// TransferOpener opens finished files directly and files still being
// transferred through their partial file, limited to its valid head.
func TransferOpener(afs afero.Fs, mon *monitor.Monitor) Opener {
	return func(path string) (GcodeProvider, error) {
		if transfer.Check(afs, path) != transfer.CheckRunning {
			return asProvider(OpenFile(afs, path, nil))
		}

		dest := transfer.NewPath(path)

		return asProvider(OpenFile(afs, dest.Partial(), func() uint64 {
			status, ok := mon.Status(false)
			if !ok || transfer.NewPath(status.Destination) != dest {
				return 0
			}

			if head, ok := status.DownloadProgress.Head(); ok {
				return head.End
			}

			return 0
		}))
	}
}

// asProvider keeps a failed open from turning into a non-nil interface.
func asProvider(p *FileProvider, err error) (GcodeProvider, error) {
	if err != nil {
		return nil, err
	}

	return p, nil
}
