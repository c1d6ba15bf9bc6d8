// Package prefetchtest provides an in memory gcode provider for tests of
// prefetch consumers.
package prefetchtest

import (
	"sync"

	"github.com/italolelis/transferd/internal/prefetch"
)

// Stub serves gcode from memory. Breakpoints make the read at a given offset
// fail once with the chosen result; the retried read succeeds.
type Stub struct {
	mu          sync.Mutex
	data        []byte
	pos         uint32
	breakpoints map[uint32]prefetch.Result
	startResult map[uint32]prefetch.Result
	starts      []uint32
	opens       int
	closes      int
}

// NewStub returns a stub serving gcode.
func NewStub(gcode string) *Stub {
	return &Stub{
		data:        []byte(gcode),
		breakpoints: make(map[uint32]prefetch.Result),
		startResult: make(map[uint32]prefetch.Result),
	}
}

// AddBreakpoint makes the next read of the byte at offset return result.
func (s *Stub) AddBreakpoint(offset uint32, result prefetch.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.breakpoints[offset] = result
}

// FailStart makes the next StreamGcodeStart at offset return result.
func (s *Stub) FailStart(offset uint32, result prefetch.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.startResult[offset] = result
}

// Append adds data to the end of the stream, as a download would.
func (s *Stub) Append(gcode string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = append(s.data, gcode...)
}

// Starts returns the offsets the stream was started at, in order.
func (s *Stub) Starts() []uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]uint32(nil), s.starts...)
}

// OpenCount and CloseCount report how often the stub was opened and closed.
func (s *Stub) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.opens
}

func (s *Stub) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closes
}

// Opener returns an opener handing out the stub for any path.
func (s *Stub) Opener() prefetch.Opener {
	return func(string) (prefetch.GcodeProvider, error) {
		s.mu.Lock()
		s.opens++
		s.mu.Unlock()

		return s, nil
	}
}

func (s *Stub) StreamGcodeStart(offset uint32) prefetch.Result {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.starts = append(s.starts, offset)

	if result, ok := s.startResult[offset]; ok {
		delete(s.startResult, offset)

		return result
	}

	if offset > uint32(len(s.data)) {
		return prefetch.ResultOutOfRange
	}

	s.pos = offset

	return prefetch.ResultOK
}

func (s *Stub) StreamGetc() (byte, prefetch.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if result, ok := s.breakpoints[s.pos]; ok {
		delete(s.breakpoints, s.pos)

		return 0, result
	}

	if s.pos >= uint32(len(s.data)) {
		return 0, prefetch.ResultEOF
	}

	c := s.data[s.pos]
	s.pos++

	return c, prefetch.ResultOK
}

func (s *Stub) StreamSizeEstimate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return uint32(len(s.data))
}

func (s *Stub) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closes++

	return nil
}
