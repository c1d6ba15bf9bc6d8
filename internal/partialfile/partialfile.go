package partialfile

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/afero"
)

// SectorSize is the write granularity. Validity is tracked per written
// sector, so a sector only becomes valid once it was handed to the storage.
const SectorSize = 512

// ErrWritePastEnd is returned when a write would exceed the preallocated size.
var ErrWritePastEnd = errors.New("write past the end of the partial file")

// ErrReleased is returned when writing into a released file.
var ErrReleased = errors.New("partial file was released")

// PartialFile is a preallocated file being filled, possibly out of order.
//
// Writing is meant for a single goroutine; State and the validity queries are
// safe to call concurrently.
type PartialFile struct {
	path string
	file afero.File
	size uint64

	mu    sync.Mutex
	state State

	offset   uint64
	bufStart uint64
	buf      []byte
	writeErr error
}

// Create creates the file at path and preallocates size bytes.
func Create(fs afero.Fs, path string, size uint64) (*PartialFile, error) {
	f, err := fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to create partial file: %w", err)
	}

	if err := f.Truncate(int64(size)); err != nil {
		_ = f.Close()
		_ = fs.Remove(path)

		return nil, fmt.Errorf("failed to preallocate partial file: %w", err)
	}

	return newPartialFile(path, f, NewState(size)), nil
}

// Open reopens an existing partial file with a previously saved state. The
// total size is taken from the file itself.
func Open(fs afero.Fs, path string, state State) (*PartialFile, error) {
	f, err := fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()

		return nil, fmt.Errorf("failed to stat partial file: %w", err)
	}

	state.TotalSize = uint64(info.Size())

	return newPartialFile(path, f, state), nil
}

func newPartialFile(path string, f afero.File, state State) *PartialFile {
	return &PartialFile{
		path:  path,
		file:  f,
		size:  state.TotalSize,
		state: state,
		buf:   make([]byte, 0, SectorSize),
	}
}

// Path returns the location of the file.
func (p *PartialFile) Path() string {
	return p.path
}

// FinalSize returns the preallocated size of the file.
func (p *PartialFile) FinalSize() uint64 {
	return p.size
}

// Offset returns the current write position.
func (p *PartialFile) Offset() uint64 {
	return p.offset
}

// State returns a snapshot of the validity state.
func (p *PartialFile) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// ValidHead returns the valid range starting at offset 0, if any.
func (p *PartialFile) ValidHead() (ValidPart, bool) {
	return p.State().Head()
}

// ValidTail returns the valid range closest to the end of the file, if any.
func (p *PartialFile) ValidTail() (ValidPart, bool) {
	return p.State().Tail()
}

// HasValidHead reports whether the first n bytes are valid.
func (p *PartialFile) HasValidHead(n uint64) bool {
	return p.State().HasValidHead(n)
}

// HasValidTail reports whether the last n bytes are valid.
func (p *PartialFile) HasValidTail(n uint64) bool {
	return p.State().HasValidTail(n)
}

// Seek moves the write position. Pending data of the previous position is
// written out first.
func (p *PartialFile) Seek(offset uint64) error {
	if offset > p.FinalSize() {
		return fmt.Errorf("%w: seek to %d", ErrWritePastEnd, offset)
	}

	if err := p.flush(); err != nil {
		return err
	}

	p.offset = offset
	p.bufStart = offset

	return nil
}

// Write stores data at the current position. It implements io.Writer.
func (p *PartialFile) Write(data []byte) (int, error) {
	if p.writeErr != nil {
		return 0, p.writeErr
	}

	if p.offset+uint64(len(data)) > p.FinalSize() {
		return 0, fmt.Errorf("%w: %d bytes at %d", ErrWritePastEnd, len(data), p.offset)
	}

	written := 0

	for written < len(data) {
		sectorEnd := min((p.offset/SectorSize+1)*SectorSize, p.FinalSize())
		n := min(uint64(len(data)-written), sectorEnd-p.offset)

		p.buf = append(p.buf, data[written:written+int(n)]...)
		p.offset += n
		written += int(n)

		if p.offset == sectorEnd {
			if err := p.flush(); err != nil {
				return written, err
			}
		}
	}

	return written, nil
}

// Sync writes out any pending data and syncs the file.
func (p *PartialFile) Sync() error {
	if err := p.flush(); err != nil {
		return err
	}

	if err := p.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync partial file: %w", err)
	}

	return nil
}

// Release writes out pending data and closes the file. Any later write fails,
// the validity state stays available.
func (p *PartialFile) Release() error {
	if errors.Is(p.writeErr, ErrReleased) {
		return nil
	}

	flushErr := p.flush()
	closeErr := p.file.Close()
	p.writeErr = ErrReleased

	if flushErr != nil {
		return flushErr
	}

	if closeErr != nil {
		return fmt.Errorf("failed to close partial file: %w", closeErr)
	}

	return nil
}

// Close is Release, so a PartialFile can be used as an io.Closer.
func (p *PartialFile) Close() error {
	return p.Release()
}

func (p *PartialFile) flush() error {
	if len(p.buf) == 0 {
		p.bufStart = p.offset

		return nil
	}

	if p.writeErr != nil {
		return p.writeErr
	}

	if _, err := p.file.WriteAt(p.buf, int64(p.bufStart)); err != nil {
		p.writeErr = fmt.Errorf("failed to write sector at %d: %w", p.bufStart, err)

		return p.writeErr
	}

	p.mu.Lock()
	p.state.Extend(ValidPart{Start: p.bufStart, End: p.bufStart + uint64(len(p.buf))})
	p.mu.Unlock()

	p.buf = p.buf[:0]
	p.bufStart = p.offset

	return nil
}
