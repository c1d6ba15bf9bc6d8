// Package monitor arbitrates the single system wide transfer slot and keeps a
// short history of transfer outcomes.
package monitor

import (
	"sync"
	"time"

	"github.com/italolelis/transferd/internal/partialfile"
)

// DefaultHistoryDepth is the number of finished transfers whose outcome stays
// queryable.
const DefaultHistoryDepth = 4

// TransferID identifies a transfer for the lifetime of the process.
type TransferID uint32

// Type tells where a transfer was started from.
type Type uint8

const (
	// Link transfers were requested through the local API.
	Link Type = iota
	// Connect transfers were requested by the remote service.
	Connect
)

func (t Type) String() string {
	switch t {
	case Link:
		return "link"
	case Connect:
		return "connect"
	default:
		return "unknown"
	}
}

// Outcome is the terminal classification of a transfer.
type Outcome uint8

const (
	Finished Outcome = iota
	Stopped
	ErrorNetwork
	ErrorStorage
	ErrorOther
)

func (o Outcome) String() string {
	switch o {
	case Finished:
		return "finished"
	case Stopped:
		return "stopped"
	case ErrorNetwork:
		return "error_network"
	case ErrorStorage:
		return "error_storage"
	case ErrorOther:
		return "error_other"
	default:
		return "unknown"
	}
}

// MarshalText renders the outcome by name.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Successful reports whether the transfer produced its file.
func (o Outcome) Successful() bool {
	return o == Finished
}

// Status is a consistent snapshot of a transfer.
type Status struct {
	ID               TransferID
	Type             Type
	Destination      string
	Expected         uint64
	Start            time.Time
	DownloadProgress partialfile.State
	Stalled          bool

	// Set once the transfer has finished; only visible in stale snapshots.
	Done    bool
	Outcome Outcome
}

// ProgressEstimate returns the valid share of the expected size, in [0, 1].
func (s Status) ProgressEstimate() float64 {
	if s.Expected == 0 {
		return 0
	}

	return min(float64(s.DownloadProgress.ValidSize())/float64(s.Expected), 1)
}

// Record describes a finished transfer. It is handed to outcome hooks.
type Record struct {
	ID          TransferID
	Type        Type
	Destination string
	Expected    uint64
	Outcome     Outcome
	Start       time.Time
	FinishedAt  time.Time
	// Suspended records a transfer that was interrupted with its files kept.
	// It is recovered later under the same id and reports its real outcome
	// then.
	Suspended bool
}

type historyEntry struct {
	id      TransferID
	outcome Outcome
}

// Monitor is safe for concurrent use. None of its operations block beyond a
// short critical section.
type Monitor struct {
	mu sync.Mutex

	nextID  TransferID
	live    bool
	current Status
	stop    bool

	last    Status
	hasLast bool

	history []historyEntry
	histLen int
	histPos int

	hooks []func(Record)
	now   func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithHistoryDepth sets how many outcomes are kept.
func WithHistoryDepth(depth int) Option {
	return func(m *Monitor) {
		if depth > 0 {
			m.history = make([]historyEntry, depth)
		}
	}
}

// WithOutcomeHook registers fn to be called with every finished transfer.
// Hooks run on the goroutine finishing the transfer, outside of the lock.
func WithOutcomeHook(fn func(Record)) Option {
	return func(m *Monitor) {
		m.hooks = append(m.hooks, fn)
	}
}

// WithFirstID sets the id handed to the next allocated transfer, so ids keep
// growing across restarts.
func WithFirstID(id TransferID) Option {
	return func(m *Monitor) {
		m.nextID = id
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// New creates an idle Monitor.
func New(opts ...Option) *Monitor {
	m := &Monitor{
		nextID:  1,
		history: make([]historyEntry, DefaultHistoryDepth),
		now:     time.Now,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

type allocateOptions struct {
	id    TransferID
	hasID bool
}

// AllocateOption configures a single allocation.
type AllocateOption func(*allocateOptions)

// WithTransferID reuses an existing id, used when recovering a transfer.
func WithTransferID(id TransferID) AllocateOption {
	return func(o *allocateOptions) {
		o.id, o.hasID = id, true
	}
}

// Allocate takes the transfer slot. It returns false when another transfer is
// running; that is flow control, not an error.
func (m *Monitor) Allocate(typ Type, destination string, expected uint64, opts ...AllocateOption) (*Slot, bool) {
	var o allocateOptions
	for _, opt := range opts {
		opt(&o)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live {
		return nil, false
	}

	id := m.nextID
	if o.hasID {
		id = o.id
	}

	if id >= m.nextID {
		m.nextID = id + 1
	}

	m.live = true
	m.stop = false
	m.current = Status{
		ID:               id,
		Type:             typ,
		Destination:      destination,
		Expected:         expected,
		Start:            m.now(),
		DownloadProgress: partialfile.NewState(expected),
	}

	return &Slot{m: m, id: id}, true
}

// Status returns the running transfer. With allowStale it falls back to the
// last finished one.
func (m *Monitor) Status(allowStale bool) (Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live {
		return m.current, true
	}

	if allowStale && m.hasLast {
		return m.last, true
	}

	return Status{}, false
}

// Outcome looks up a finished transfer. Transfers older than the history depth
// are forgotten.
func (m *Monitor) Outcome(id TransferID) (Outcome, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < m.histLen; i++ {
		e := m.history[(m.histPos-1-i+len(m.history))%len(m.history)]
		if e.id == id {
			return e.outcome, true
		}
	}

	return 0, false
}

// ID returns the id of the running transfer.
func (m *Monitor) ID() (TransferID, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.current.ID, m.live
}

// SignalStop asks the running transfer to stop. The owner of the slot observes
// it at its next checkpoint.
func (m *Monitor) SignalStop(id TransferID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.live || m.current.ID != id {
		return false
	}

	m.stop = true

	return true
}

func (m *Monitor) update(id TransferID, fn func(*Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.live && m.current.ID == id {
		fn(&m.current)
	}
}

func (m *Monitor) finish(id TransferID, outcome Outcome, suspended bool) {
	m.mu.Lock()

	if !m.live || m.current.ID != id {
		m.mu.Unlock()

		return
	}

	finishedAt := m.now()

	m.current.Done = true
	m.current.Outcome = outcome
	m.last, m.hasLast = m.current, true
	m.live = false
	m.stop = false

	m.history[m.histPos] = historyEntry{id: id, outcome: outcome}
	m.histPos = (m.histPos + 1) % len(m.history)
	m.histLen = min(m.histLen+1, len(m.history))

	rec := Record{
		ID:          id,
		Type:        m.last.Type,
		Destination: m.last.Destination,
		Expected:    m.last.Expected,
		Outcome:     outcome,
		Start:       m.last.Start,
		FinishedAt:  finishedAt,
		Suspended:   suspended,
	}
	hooks := m.hooks

	m.mu.Unlock()

	for _, hook := range hooks {
		hook(rec)
	}
}

// Slot is the exclusive handle of the running transfer. Release it exactly
// once, typically with defer slot.Close().
type Slot struct {
	m  *Monitor
	id TransferID

	mu   sync.Mutex
	done bool
}

// ID returns the id of the transfer owning the slot.
func (s *Slot) ID() TransferID {
	return s.id
}

// Progress reports that the first validBytes of the file are valid.
func (s *Slot) Progress(validBytes uint64) {
	s.m.update(s.id, func(st *Status) {
		progress := partialfile.NewState(st.Expected)
		progress.MarkValid(0, validBytes)
		st.DownloadProgress = progress
	})
}

// UpdateProgress replaces the progress with the state of the partial file.
func (s *Slot) UpdateProgress(state partialfile.State, stalled bool) {
	s.m.update(s.id, func(st *Status) {
		st.DownloadProgress = state
		st.Stalled = stalled
	})
}

// UpdateExpectedSize corrects the expected size once the server reported it.
func (s *Slot) UpdateExpectedSize(expected uint64) {
	s.m.update(s.id, func(st *Status) {
		st.Expected = expected
		st.DownloadProgress.TotalSize = expected
	})
}

// IsStopped reports whether a stop was signalled for this transfer.
func (s *Slot) IsStopped() bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	return s.m.live && s.m.current.ID == s.id && s.m.stop
}

// Done records the outcome and frees the slot. Only the first call counts.
func (s *Slot) Done(outcome Outcome) {
	s.release(outcome, false)
}

// Suspend frees the slot of a transfer that is interrupted but kept for
// recovery. The outcome is ErrorOther like a dropped slot, and hooks see a
// suspended record. Suspend after Done is a no-op.
func (s *Slot) Suspend() {
	s.release(ErrorOther, true)
}

func (s *Slot) release(outcome Outcome, suspended bool) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()

		return
	}

	s.done = true
	s.mu.Unlock()

	s.m.finish(s.id, outcome, suspended)
}

// Close frees the slot, recording ErrorOther unless Done was called.
func (s *Slot) Close() error {
	s.Done(ErrorOther)

	return nil
}
