package prefetch_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/transferd/internal/prefetch"
	"github.com/italolelis/transferd/internal/prefetch/prefetchtest"
)

func testConfig() prefetch.Config {
	cfg := prefetch.DefaultConfig()
	cfg.RetryInitialInterval = 20 * time.Millisecond
	cfg.RetryMaxInterval = 50 * time.Millisecond

	return cfg
}

func newManager(t *testing.T, open prefetch.Opener, cfg prefetch.Config) *prefetch.Manager {
	t.Helper()

	m := prefetch.New(context.Background(), open, cfg, nil)
	t.Cleanup(func() { require.NoError(t, m.Close()) })

	return m
}

type drained struct {
	commands []prefetch.ReadResult
	statuses map[prefetch.Status]int
	last     prefetch.Status
}

func (d drained) gcodes() []string {
	out := make([]string, 0, len(d.commands))
	for _, c := range d.commands {
		out = append(out, c.Gcode)
	}

	return out
}

// drain reads commands like a planner would until done accepts the status
// found at the end of the buffer.
func drain(t *testing.T, m *prefetch.Manager, done func(prefetch.Status) bool) drained {
	t.Helper()

	d := drained{statuses: make(map[prefetch.Status]int)}
	deadline := time.Now().Add(5 * time.Second)

	for time.Now().Before(deadline) {
		result, status := m.ReadCommand()
		if status == prefetch.StatusOK {
			d.commands = append(d.commands, result)

			continue
		}

		d.statuses[status]++
		d.last = status

		if done(status) {
			return d
		}

		m.IssueFetch()
		time.Sleep(time.Millisecond)
	}

	t.Fatalf("prefetch did not finish, last status %s", d.last)

	return d
}

func untilEOF(s prefetch.Status) bool {
	return s == prefetch.StatusEndOfFile
}

func TestManager_ReadsCommands(t *testing.T) {
	gcode := "G28 ; home\n; comment line\n\n   G1 X10 Y10\nM104 S200"
	stub := prefetchtest.NewStub(gcode)
	m := newManager(t, stub.Opener(), testConfig())

	require.NoError(t, m.Start("/usb/a.gcode", prefetch.Position{}))

	d := drain(t, m, untilEOF)

	require.Equal(t, []string{"G28", "G1 X10 Y10", "M104 S200"}, d.gcodes())

	assert.Equal(t, prefetch.Position{Offset: 0}, d.commands[0].ReplayPos)
	assert.Equal(t, prefetch.Position{Offset: 11}, d.commands[0].ResumePos)
	assert.Equal(t, prefetch.Position{Offset: 11}, d.commands[1].ReplayPos)
	assert.Equal(t, prefetch.Position{Offset: 41}, d.commands[1].ResumePos)
	assert.Equal(t, prefetch.Position{Offset: 50}, d.commands[2].ResumePos)

	metrics := m.Metrics()
	assert.Equal(t, 0, metrics.CommandsInBuffer)
	assert.Equal(t, uint32(len(gcode)), metrics.StreamSizeEstimate)
	assert.Equal(t, prefetch.StatusEndOfFile, metrics.TailStatus)
	assert.True(t, m.CheckReadyToStartPrint())
	assert.False(t, m.CheckBufferEmpty())
}

func TestManager_StartFromOffset(t *testing.T) {
	stub := prefetchtest.NewStub("G28\nG1 X1\nG1 X2\n")
	m := newManager(t, stub.Opener(), testConfig())

	require.NoError(t, m.Start("/usb/a.gcode", prefetch.Position{Offset: 10}))

	d := drain(t, m, untilEOF)

	assert.Equal(t, []string{"G1 X2"}, d.gcodes())
	assert.Equal(t, prefetch.Position{Offset: 10}, d.commands[0].ReplayPos)
	assert.Equal(t, prefetch.Position{Offset: 16}, d.commands[0].ResumePos)
	assert.Equal(t, []uint32{10}, stub.Starts())
}

func TestManager_CropsLongCommands(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCommandSize = 8

	stub := prefetchtest.NewStub("G1 X100 Y200 Z300\nG28\n")
	m := newManager(t, stub.Opener(), cfg)

	require.NoError(t, m.Start("/usb/a.gcode", prefetch.Position{}))

	d := drain(t, m, untilEOF)

	require.Len(t, d.commands, 2)
	assert.Equal(t, "G1 X100", d.commands[0].Gcode)
	assert.True(t, d.commands[0].Cropped)
	assert.Equal(t, "G28", d.commands[1].Gcode)
	assert.False(t, d.commands[1].Cropped)
}

func TestManager_SmallBufferKeepsOrder(t *testing.T) {
	cfg := testConfig()
	cfg.BufferSize = 32

	var (
		b    strings.Builder
		want []string
	)

	for i := range 200 {
		cmd := "G1 X" + strings.Repeat("1", i%7+1)
		want = append(want, cmd)
		b.WriteString(cmd + "\n")
	}

	stub := prefetchtest.NewStub(b.String())
	m := newManager(t, stub.Opener(), cfg)

	require.NoError(t, m.Start("/usb/a.gcode", prefetch.Position{}))

	d := drain(t, m, untilEOF)

	assert.Equal(t, want, d.gcodes())

	// A full buffer is not an error, the stream is never reopened.
	assert.Equal(t, []uint32{0}, stub.Starts())
}

func TestManager_TimeoutKeepsStreamOpen(t *testing.T) {
	stub := prefetchtest.NewStub("G28\nG1 X1\nG1 X2\n")
	stub.AddBreakpoint(6, prefetch.ResultTimeout)

	m := newManager(t, stub.Opener(), testConfig())
	require.NoError(t, m.Start("/usb/a.gcode", prefetch.Position{}))

	d := drain(t, m, untilEOF)

	assert.Equal(t, []string{"G28", "G1 X1", "G1 X2"}, d.gcodes())
	assert.Equal(t, []uint32{0}, stub.Starts())
	assert.Equal(t, 1, stub.OpenCount())
}

func TestManager_ErrorsRestartFromReadTail(t *testing.T) {
	tests := []struct {
		name   string
		result prefetch.Result
		status prefetch.Status
	}{
		{name: "usb error", result: prefetch.ResultError, status: prefetch.StatusUSBError},
		{name: "not downloaded", result: prefetch.ResultOutOfRange, status: prefetch.StatusNotDownloaded},
		{name: "corruption", result: prefetch.ResultCorrupt, status: prefetch.StatusCorruption},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := prefetchtest.NewStub("G28\nG1 X1\nG1 X2\nG1 X3\n")
			stub.AddBreakpoint(12, tt.result)

			m := newManager(t, stub.Opener(), testConfig())
			require.NoError(t, m.Start("/usb/a.gcode", prefetch.Position{}))

			d := drain(t, m, untilEOF)

			assert.Equal(t, []string{"G28", "G1 X1", "G1 X2", "G1 X3"}, d.gcodes())
			assert.Positive(t, d.statuses[tt.status])

			// The second start resumes after the last published command.
			assert.Equal(t, []uint32{0, 10}, stub.Starts())
		})
	}
}

func TestManager_StartFailureIsRetried(t *testing.T) {
	stub := prefetchtest.NewStub("G28\n")
	stub.FailStart(0, prefetch.ResultError)

	m := newManager(t, stub.Opener(), testConfig())
	require.NoError(t, m.Start("/usb/a.gcode", prefetch.Position{}))

	d := drain(t, m, untilEOF)

	assert.Equal(t, []string{"G28"}, d.gcodes())
	assert.Equal(t, []uint32{0, 0}, stub.Starts())
}

func TestManager_GivesUpAfterMaxRetries(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRetries = 2
	cfg.RetryInitialInterval = time.Millisecond
	cfg.RetryMaxInterval = time.Millisecond

	var opens atomic.Int32

	open := func(string) (prefetch.GcodeProvider, error) {
		opens.Add(1)

		return nil, errors.New("usb gone")
	}

	m := newManager(t, open, cfg)
	require.NoError(t, m.Start("/usb/a.gcode", prefetch.Position{}))

	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		m.IssueFetch()
		time.Sleep(time.Millisecond)
	}

	_, status := m.ReadCommand()
	assert.Equal(t, prefetch.StatusUSBError, status)
	assert.Equal(t, int32(3), opens.Load())

	// A new start clears the sticky error.
	require.NoError(t, m.Start("/usb/a.gcode", prefetch.Position{}))
	m.IssueFetch()

	assert.Eventually(t, func() bool { return opens.Load() > 3 }, time.Second, time.Millisecond)
}

func TestManager_StopClosesProvider(t *testing.T) {
	stub := prefetchtest.NewStub("G28\nG1 X1\n")
	stub.AddBreakpoint(10, prefetch.ResultTimeout)

	m := newManager(t, stub.Opener(), testConfig())

	assert.True(t, m.CheckBufferEmpty())

	require.NoError(t, m.Start("/usb/a.gcode", prefetch.Position{}))
	m.IssueFetch()

	assert.Eventually(t, func() bool { return m.Metrics().CommandsInBuffer == 2 }, time.Second, time.Millisecond)

	m.Stop()

	assert.Eventually(t, func() bool { return stub.CloseCount() == 1 }, time.Second, time.Millisecond)

	_, status := m.ReadCommand()
	assert.Equal(t, prefetch.StatusEndOfBuffer, status)
	assert.True(t, m.CheckBufferEmpty())
}

func TestManager_StartAfterClose(t *testing.T) {
	m := prefetch.New(context.Background(), prefetchtest.NewStub("").Opener(), testConfig(), nil)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	require.ErrorIs(t, m.Start("/usb/a.gcode", prefetch.Position{}), prefetch.ErrClosed)
}
