// Package prefetch reads gcode ahead of the consumer into a bounded buffer.
//
// A single worker goroutine fills the buffer with records produced from a
// GcodeProvider. The consumer takes whole commands out with ReadCommand. Both
// sides only meet under the manager mutex when publishing or consuming
// positions; the buffer regions they touch never overlap.
package prefetch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/telemetry"
)

// Status describes why ReadCommand returned no command, or StatusOK.
type Status int

const (
	StatusOK Status = iota
	// StatusEndOfBuffer means the worker has not fetched further yet.
	StatusEndOfBuffer
	StatusEndOfFile
	StatusUSBError
	// StatusNotDownloaded means the file is still being transferred.
	StatusNotDownloaded
	StatusCorruption
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusEndOfBuffer:
		return "end_of_buffer"
	case StatusEndOfFile:
		return "end_of_file"
	case StatusUSBError:
		return "usb_error"
	case StatusNotDownloaded:
		return "not_downloaded"
	case StatusCorruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// IsError reports whether the status needs the stream to be reopened.
func (s Status) IsError() bool {
	return s == StatusUSBError || s == StatusNotDownloaded || s == StatusCorruption
}

func statusFromResult(r Result) Status {
	switch r {
	case ResultOK, ResultTimeout:
		return StatusEndOfBuffer
	case ResultEOF:
		return StatusEndOfFile
	case ResultOutOfRange:
		return StatusNotDownloaded
	case ResultCorrupt:
		return StatusCorruption
	default:
		return StatusUSBError
	}
}

// Position is a place in the gcode stream.
type Position struct {
	Offset uint32
}

// ReadResult is a command taken out of the buffer.
type ReadResult struct {
	Gcode string
	// Cropped is set when the command did not fit and was shortened.
	Cropped bool
	// ReplayPos is where the command starts, ResumePos where it ends.
	ReplayPos Position
	ResumePos Position
}

// Metrics is a snapshot of the buffer.
type Metrics struct {
	CommandsInBuffer       int
	StreamSizeEstimate     uint32
	BufferOccupancyPercent int
	TailStatus             Status
}

// Config tunes the manager.
type Config struct {
	BufferSize     int
	MaxCommandSize int
	// MaxRetries is how many failed fetches in a row are retried before the
	// error sticks until the next Start.
	MaxRetries int
	// RetryInitialInterval and RetryMaxInterval bound the exponential delay
	// between retries.
	RetryInitialInterval time.Duration
	RetryMaxInterval     time.Duration
}

// DefaultConfig returns the settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		BufferSize:           8 * 1024,
		MaxCommandSize:       96,
		MaxRetries:           5,
		RetryInitialInterval: 100 * time.Millisecond,
		RetryMaxInterval:     5 * time.Second,
	}
}

const maxCommandSize = 255

// ErrClosed is returned by Start after Close.
var ErrClosed = errors.New("prefetch manager closed")

type readTail struct {
	pos       Position
	bufferPos int
	status    Status
}

// sharedState is guarded by Manager.mu.
type sharedState struct {
	path               string
	readHead           int
	readTail           readTail
	commandsInBuffer   int
	streamSizeEstimate uint32
	workerResetPending bool
	fetchRequested     bool

	failures int
	retryAt  time.Time
}

func initialSharedState() sharedState {
	return sharedState{
		workerResetPending: true,
		readTail:           readTail{status: StatusEndOfBuffer},
	}
}

type commandBuffer struct {
	data         []byte
	cropped      bool
	skipRestLine bool
	flushPending bool
}

func (c *commandBuffer) reset() {
	c.data = c.data[:0]
	c.cropped = false
	c.skipRestLine = false
	c.flushPending = false
}

// workerState is owned by the worker goroutine.
type workerState struct {
	provider  GcodeProvider
	readerPos uint32
	writeTail struct {
		pos       Position
		bufferPos int
	}
	readHead int
	cmd      commandBuffer
}

// Manager prefetches the gcode of one file at a time.
type Manager struct {
	open    Opener
	cfg     Config
	tel     *telemetry.Telemetry
	ctx     context.Context
	buffer  ring
	backoff *backoff.ExponentialBackOff
	now     func() time.Time

	mu         sync.Mutex
	generation uint64
	shared     sharedState
	headPos    Position
	closed     bool

	wake      chan struct{}
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	worker workerState
}

// New creates a manager and starts its worker. ctx carries the logger; the
// worker runs until Close. tel may be nil.
func New(ctx context.Context, open Opener, cfg Config, tel *telemetry.Telemetry) *Manager {
	// The length of a command record is a single byte.
	cfg.MaxCommandSize = min(max(cfg.MaxCommandSize, 1), maxCommandSize)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryInitialInterval
	b.MaxInterval = cfg.RetryMaxInterval

	m := &Manager{
		open:    open,
		cfg:     cfg,
		tel:     tel,
		ctx:     ctx,
		buffer:  ring{data: make([]byte, cfg.BufferSize)},
		backoff: b,
		now:     time.Now,
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.shared = initialSharedState()
	m.worker.cmd.data = make([]byte, 0, cfg.MaxCommandSize)

	go m.run()

	return m
}

// Start begins prefetching path from pos, dropping whatever was buffered.
func (m *Manager) Start(path string, pos Position) error {
	m.Stop()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	logctx.LoggerFromContext(m.ctx).Debug("media prefetch start", "path", path, "offset", pos.Offset)

	m.shared.path = path
	m.shared.workerResetPending = true
	m.shared.readTail.pos = pos
	m.shared.readTail.status = StatusEndOfBuffer
	m.headPos = pos

	return nil
}

// Stop drops the buffer and lets the worker close the file.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.generation++
	m.shared = initialSharedState()
	m.headPos = Position{}
	m.backoff.Reset()
	m.mu.Unlock()

	m.signal()
}

// IssueFetch asks the worker to fill the buffer. It returns immediately.
func (m *Manager) IssueFetch() {
	m.mu.Lock()

	if m.shared.failures > m.cfg.MaxRetries {
		m.mu.Unlock()

		return
	}

	m.shared.fetchRequested = true
	m.mu.Unlock()

	m.signal()
}

// ReadCommand takes the next command out of the buffer. When there is none
// it returns the status of the buffer end.
func (m *Manager) ReadCommand() (ReadResult, Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.shared

	if s.readHead == s.readTail.bufferPos {
		return ReadResult{}, s.readTail.status
	}

	result := ReadResult{ReplayPos: m.headPos}
	pos := s.readHead

	// The worker only publishes a tail that ends with a command record.
	for {
		var header byte
		header, pos = m.buffer.readByte(pos)

		switch recordType(header) {
		case recordOffsetUpdate:
			m.headPos.Offset, pos = m.buffer.readUint32(pos)

			continue
		case recordIncrementalOffsetUpdate:
			var diff byte
			diff, pos = m.buffer.readByte(pos)
			m.headPos.Offset += uint32(diff)

			continue
		case recordCroppedFlag:
			result.Cropped = true

			continue
		case recordPlainGcode:
			var n byte
			n, pos = m.buffer.readByte(pos)

			gcode := make([]byte, n)
			pos = m.buffer.read(pos, gcode)
			result.Gcode = string(gcode)
		default:
			panic("prefetch: corrupted record buffer")
		}

		break
	}

	s.readHead = pos
	s.commandsInBuffer--
	result.ResumePos = m.headPos

	return result, StatusOK
}

// Metrics returns a snapshot of the buffer.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := &m.shared

	return Metrics{
		CommandsInBuffer:       s.commandsInBuffer,
		StreamSizeEstimate:     s.streamSizeEstimate,
		BufferOccupancyPercent: m.buffer.used(s.readHead, s.readTail.bufferPos) * 100 / m.buffer.size(),
		TailStatus:             s.readTail.status,
	}
}

// CheckBufferEmpty reports whether everything fetched so far was consumed
// and the worker has nothing to report.
func (m *Manager) CheckBufferEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.shared.readHead == m.shared.readTail.bufferPos && m.shared.readTail.status == StatusEndOfBuffer
}

// CheckReadyToStartPrint reports whether enough is buffered to start.
func (m *Manager) CheckReadyToStartPrint() bool {
	metrics := m.Metrics()

	return metrics.BufferOccupancyPercent > 90 || metrics.TailStatus == StatusEndOfFile
}

// Close stops the worker and closes the file.
func (m *Manager) Close() error {
	m.closeOnce.Do(func() {
		m.Stop()

		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()

		close(m.quit)
		<-m.done
	})

	return nil
}

func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) run() {
	defer close(m.done)
	defer m.closeProvider()

	for {
		select {
		case <-m.quit:
			return
		case <-m.wake:
			m.fetch()
		}
	}
}

func (m *Manager) closeProvider() {
	if m.worker.provider != nil {
		if err := m.worker.provider.Close(); err != nil {
			logctx.LoggerFromContext(m.ctx).Warn("failed to close gcode provider", "err", err)
		}

		m.worker.provider = nil
	}
}

// discarded must be called with mu held.
func (m *Manager) discarded(generation uint64) bool {
	return m.generation != generation
}

func (m *Manager) fetch() {
	start := m.now()
	logger := logctx.LoggerFromContext(m.ctx)
	w := &m.worker

	m.mu.Lock()

	generation := m.generation
	path := m.shared.path

	if !m.shared.workerResetPending {
		// Nothing to do until the next Start after the end or a sticky error.
		if st := m.shared.readTail.status; st == StatusEndOfFile || st.IsError() {
			m.mu.Unlock()

			return
		}
	}

	fetchRequested := m.shared.fetchRequested
	needsInit := w.provider == nil

	if m.shared.workerResetPending {
		if !m.shared.retryAt.IsZero() && start.Before(m.shared.retryAt) {
			// Still backing off, the next fetch request retries.
			m.mu.Unlock()

			return
		}

		m.shared.workerResetPending = false
		m.shared.readTail.status = StatusEndOfBuffer
		needsInit = true

		tail := m.shared.readTail
		cmd := w.cmd.data[:0]
		provider := w.provider

		*w = workerState{provider: provider, readerPos: tail.pos.Offset}
		w.writeTail.pos = tail.pos
		w.writeTail.bufferPos = tail.bufferPos
		w.cmd.data = cmd
	}

	m.shared.fetchRequested = false
	w.readHead = m.shared.readHead
	m.mu.Unlock()

	if needsInit {
		m.closeProvider()

		if path == "" {
			return
		}

		provider, err := m.open(path)
		if err != nil {
			logger.Warn("failed to open gcode file", "path", path, "err", err)
			m.handleError(generation, ResultError)
			m.tel.RecordPrefetchFetch("open_failed", m.now().Sub(start))

			return
		}

		w.provider = provider

		if result := provider.StreamGcodeStart(w.readerPos); result != ResultOK {
			logger.Debug("failed to start gcode stream", "path", path, "offset", w.readerPos, "result", result.String())
			m.handleError(generation, result)
			m.tel.RecordPrefetchFetch(result.String(), m.now().Sub(start))

			return
		}

		estimate := provider.StreamSizeEstimate()

		m.mu.Lock()
		if !m.discarded(generation) {
			m.shared.streamSizeEstimate = estimate
		}
		m.mu.Unlock()
	}

	if !fetchRequested {
		return
	}

	initial := w.readerPos
	result := ResultOK

	for {
		if w.cmd.flushPending && !m.flushCommand(generation) {
			break
		}

		var ok bool
		if ok, result = m.fetchCommand(generation); !ok {
			break
		}
	}

	logger.Debug("media prefetch fetched", "path", path, "offset", w.readerPos, "bytes", w.readerPos-initial)
	m.tel.RecordPrefetchFetch(result.String(), m.now().Sub(start))
}

// fetchCommand reads one byte into the command buffer. It returns false when
// the stream stopped.
func (m *Manager) fetchCommand(generation uint64) (bool, Result) {
	w := &m.worker
	cmd := &w.cmd

	ch, result := w.provider.StreamGetc()

	switch {
	case result == ResultEOF && len(cmd.data) > 0:
		// Flush the last command before reporting the end.
		ch = '\n'
	case result != ResultOK:
		m.handleError(generation, result)

		return false, result
	default:
		w.readerPos++
	}

	switch {
	case ch == '\n':
		cmd.data = cmd.data[:compactGcode(cmd.data)]

		if len(cmd.data) == 0 {
			cmd.reset()

			return true, ResultOK
		}

		if cmd.cropped {
			logctx.LoggerFromContext(m.ctx).Warn("gcode did not fit in the command buffer, cropped", "gcode", string(cmd.data))
		}

		cmd.flushPending = true
	case len(cmd.data) == 0 && ch == ';':
		cmd.skipRestLine = true
	case len(cmd.data) == 0 && isSpace(ch):
	case !cmd.skipRestLine && len(cmd.data) < m.cfg.MaxCommandSize:
		cmd.data = append(cmd.data, ch)
	case !cmd.skipRestLine:
		cmd.cropped = true
	}

	return true, ResultOK
}

// flushCommand moves the finished command into the buffer and publishes it.
// It returns false when the buffer has no room.
func (m *Manager) flushCommand(generation uint64) bool {
	w := &m.worker

	if offset := w.readerPos; offset != w.writeTail.pos.Offset {
		diff := offset - w.writeTail.pos.Offset

		if diff < 256 {
			if !m.writeRecord(byte(recordIncrementalOffsetUpdate), byte(diff)) {
				return false
			}
		} else {
			if !m.writeRecord(byte(recordOffsetUpdate), byte(offset>>24), byte(offset>>16), byte(offset>>8), byte(offset)) {
				return false
			}
		}

		w.writeTail.pos.Offset = offset
	}

	if w.cmd.cropped {
		if !m.writeRecord(byte(recordCroppedFlag)) {
			return false
		}

		w.cmd.cropped = false
	}

	record := append([]byte{byte(recordPlainGcode), byte(len(w.cmd.data))}, w.cmd.data...)
	if !m.writeRecord(record...) {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.discarded(generation) {
		return false
	}

	m.shared.commandsInBuffer++
	m.shared.readTail = readTail{
		pos:       w.writeTail.pos,
		bufferPos: w.writeTail.bufferPos,
		status:    StatusEndOfBuffer,
	}
	m.shared.failures = 0
	m.shared.retryAt = time.Time{}
	m.backoff.Reset()

	// The consumer may have made room meanwhile.
	w.readHead = m.shared.readHead

	w.cmd.reset()

	return true
}

func (m *Manager) writeRecord(b ...byte) bool {
	w := &m.worker

	if len(b) > m.buffer.free(w.writeTail.bufferPos, w.readHead) {
		return false
	}

	w.writeTail.bufferPos = m.buffer.write(w.writeTail.bufferPos, b)

	return true
}

func (m *Manager) handleError(generation uint64, result Result) {
	status := statusFromResult(result)

	// Release the file as soon as possible.
	if status != StatusEndOfBuffer {
		m.closeProvider()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.discarded(generation) {
		return
	}

	m.shared.readTail.status = status

	if !status.IsError() {
		return
	}

	m.shared.failures++

	if m.shared.failures > m.cfg.MaxRetries {
		logctx.LoggerFromContext(m.ctx).Error("media prefetch giving up",
			"path", m.shared.path,
			"offset", m.shared.readTail.pos.Offset,
			"status", status.String(),
			"failures", m.shared.failures)

		return
	}

	// Reading on after an error would not work: restart from the read tail.
	m.shared.workerResetPending = true
	m.shared.retryAt = m.now().Add(m.backoff.NextBackOff())
}
