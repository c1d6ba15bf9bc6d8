package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/partialfile"
)

func TestMonitor_StatusScenario(t *testing.T) {
	m := New()

	s, ok := m.Allocate(Connect, "/usb/path.gcode", 1024)
	require.True(t, ok)
	defer s.Close()

	st, ok := m.Status(false)
	require.True(t, ok)
	assert.Equal(t, uint64(1024), st.Expected)
	assert.Equal(t, uint64(0), st.DownloadProgress.ValidSize())
	assert.Equal(t, Connect, st.Type)
	assert.Equal(t, "/usb/path.gcode", st.Destination)

	s.Progress(30)

	st, ok = m.Status(false)
	require.True(t, ok)
	assert.Equal(t, uint64(30), st.DownloadProgress.ValidSize())
}

func TestMonitor_Exclusivity(t *testing.T) {
	m := New()

	s, ok := m.Allocate(Link, "/usb/a.gcode", 10)
	require.True(t, ok)

	other, ok := m.Allocate(Link, "/usb/b.gcode", 10)
	assert.False(t, ok)
	assert.Nil(t, other)

	s.Done(Finished)

	next, ok := m.Allocate(Link, "/usb/b.gcode", 10)
	require.True(t, ok)
	assert.NotEqual(t, s.ID(), next.ID())
	next.Done(Finished)
}

func TestMonitor_DroppedSlotDefaultsToErrorOther(t *testing.T) {
	m := New()

	var id TransferID

	func() {
		s, ok := m.Allocate(Link, "/usb/a.gcode", 10)
		require.True(t, ok)
		defer s.Close()

		id = s.ID()
	}()

	outcome, ok := m.Outcome(id)
	require.True(t, ok)
	assert.Equal(t, ErrorOther, outcome)

	_, running := m.ID()
	assert.False(t, running)
}

func TestMonitor_DoneIsFinal(t *testing.T) {
	m := New()

	s, ok := m.Allocate(Link, "/usb/a.gcode", 10)
	require.True(t, ok)

	s.Done(Stopped)
	s.Done(Finished)
	require.NoError(t, s.Close())

	outcome, ok := m.Outcome(s.ID())
	require.True(t, ok)
	assert.Equal(t, Stopped, outcome)
}

func TestMonitor_HistoryEvictsOldest(t *testing.T) {
	const depth = 3

	m := New(WithHistoryDepth(depth))

	var ids []TransferID

	outcomes := []Outcome{Finished, Stopped, ErrorNetwork, ErrorStorage}
	for _, o := range outcomes {
		s, ok := m.Allocate(Link, "/usb/a.gcode", 10)
		require.True(t, ok)

		ids = append(ids, s.ID())
		s.Done(o)
	}

	_, ok := m.Outcome(ids[0])
	assert.False(t, ok, "oldest outcome must be evicted")

	for i := 1; i < len(ids); i++ {
		got, ok := m.Outcome(ids[i])
		require.True(t, ok)
		assert.Equal(t, outcomes[i], got)
	}

	_, ok = m.Outcome(999)
	assert.False(t, ok)
}

func TestMonitor_StaleStatus(t *testing.T) {
	m := New()

	_, ok := m.Status(true)
	assert.False(t, ok)

	s, ok := m.Allocate(Link, "/usb/a.gcode", 10)
	require.True(t, ok)
	s.Progress(10)
	s.Done(Finished)

	_, ok = m.Status(false)
	assert.False(t, ok)

	st, ok := m.Status(true)
	require.True(t, ok)
	assert.True(t, st.Done)
	assert.Equal(t, Finished, st.Outcome)
	assert.Equal(t, s.ID(), st.ID)
	assert.InDelta(t, 1.0, st.ProgressEstimate(), 0.0001)
}

func TestMonitor_SignalStop(t *testing.T) {
	m := New()

	s, ok := m.Allocate(Link, "/usb/a.gcode", 10)
	require.True(t, ok)
	defer s.Close()

	assert.False(t, m.SignalStop(s.ID()+1))
	assert.False(t, s.IsStopped())

	assert.True(t, m.SignalStop(s.ID()))
	assert.True(t, s.IsStopped())
}

func TestMonitor_RecoveredID(t *testing.T) {
	m := New()

	s, ok := m.Allocate(Connect, "/usb/a.gcode", 10, WithTransferID(40))
	require.True(t, ok)
	assert.Equal(t, TransferID(40), s.ID())
	s.Done(Finished)

	next, ok := m.Allocate(Connect, "/usb/b.gcode", 10)
	require.True(t, ok)
	assert.Equal(t, TransferID(41), next.ID())
	next.Done(Finished)
}

func TestMonitor_UpdateProgress(t *testing.T) {
	m := New()

	s, ok := m.Allocate(Link, "/usb/a.gcode", 0)
	require.True(t, ok)
	defer s.Close()

	s.UpdateExpectedSize(2048)

	state := partialfile.NewState(2048)
	state.MarkValid(1024, 2048)
	s.UpdateProgress(state, true)

	st, ok := m.Status(false)
	require.True(t, ok)
	assert.Equal(t, uint64(2048), st.Expected)
	assert.True(t, st.Stalled)
	assert.Equal(t, uint64(1024), st.DownloadProgress.ValidSize())
	assert.InDelta(t, 0.5, st.ProgressEstimate(), 0.0001)
}

func TestMonitor_OutcomeHook(t *testing.T) {
	start := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	var records []Record

	m := New(
		WithClock(func() time.Time { return start }),
		WithFirstID(7),
		WithOutcomeHook(func(r Record) {
			records = append(records, r)
		}),
	)

	s, ok := m.Allocate(Connect, "/usb/a.gcode", 99)
	require.True(t, ok)
	s.Done(ErrorNetwork)

	require.Len(t, records, 1)
	assert.Equal(t, Record{
		ID:          7,
		Type:        Connect,
		Destination: "/usb/a.gcode",
		Expected:    99,
		Outcome:     ErrorNetwork,
		Start:       start,
		FinishedAt:  start,
	}, records[0])
}

func TestMonitor_Suspend(t *testing.T) {
	var records []Record

	m := New(WithOutcomeHook(func(r Record) {
		records = append(records, r)
	}))

	s, ok := m.Allocate(Link, "/usb/a.gcode", 10)
	require.True(t, ok)
	s.Suspend()
	s.Done(Finished)

	require.Len(t, records, 1)
	assert.True(t, records[0].Suspended)
	assert.Equal(t, ErrorOther, records[0].Outcome)

	// The slot is free again and the id can be taken up by a recovery.
	s, ok = m.Allocate(Link, "/usb/a.gcode", 10, WithTransferID(records[0].ID))
	require.True(t, ok)
	s.Done(Finished)

	require.Len(t, records, 2)
	assert.False(t, records[1].Suspended)

	outcome, ok := m.Outcome(records[0].ID)
	require.True(t, ok)
	assert.Equal(t, Finished, outcome)
}

func TestMonitor_HookMayQueryMonitor(t *testing.T) {
	var (
		m    *Monitor
		seen Outcome
	)

	// deadlocks if hooks ran under the lock
	m = New(WithOutcomeHook(func(r Record) {
		seen, _ = m.Outcome(r.ID)
	}))

	s, ok := m.Allocate(Link, "/usb/a.gcode", 1)
	require.True(t, ok)
	s.Done(Stopped)

	assert.Equal(t, Stopped, seen)
}

func TestMonitor_ConcurrentReaders(t *testing.T) {
	m := New()

	var wg sync.WaitGroup

	stop := make(chan struct{})

	for range 4 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for {
				select {
				case <-stop:
					return
				default:
				}

				if st, ok := m.Status(true); ok {
					assert.LessOrEqual(t, st.DownloadProgress.ValidSize(), st.Expected)
				}

				m.ID()
			}
		}()
	}

	for range 50 {
		s, ok := m.Allocate(Link, "/usb/a.gcode", 100)
		require.True(t, ok)

		for i := uint64(0); i <= 100; i += 10 {
			s.Progress(i)
		}

		s.Done(Finished)
	}

	close(stop)
	wg.Wait()
}
