package transfer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/monitor"
)

// ErrQueueFull is returned when no more transfers can be queued.
var ErrQueueFull = errors.New("transfer queue is full")

// Job is a queued transfer request.
type Job struct {
	Type        monitor.Type
	Destination string
	Request     Request
}

// Worker runs transfers one at a time on a single goroutine.
type Worker struct {
	o            *Orchestrator
	queue        chan Job
	stepInterval time.Duration
	isPrinting   func() bool

	maintenance         func(ctx context.Context)
	maintenanceInterval time.Duration
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithPrintingCheck reports whether a print is running, which keeps failing
// transfers from running out of retries.
func WithPrintingCheck(fn func() bool) WorkerOption {
	return func(w *Worker) {
		w.isPrinting = fn
	}
}

// WithMaintenance runs fn every interval while no transfer is running. fn
// runs on the worker goroutine, so it never races with a transfer.
func WithMaintenance(interval time.Duration, fn func(ctx context.Context)) WorkerOption {
	return func(w *Worker) {
		w.maintenance = fn
		w.maintenanceInterval = interval
	}
}

// NewWorker creates a worker with room for queueSize pending jobs.
func NewWorker(o *Orchestrator, queueSize int, stepInterval time.Duration, opts ...WorkerOption) *Worker {
	w := &Worker{
		o:            o,
		queue:        make(chan Job, queueSize),
		stepInterval: stepInterval,
		isPrinting:   func() bool { return false },
	}

	for _, opt := range opts {
		opt(w)
	}

	return w
}

// Enqueue adds a job without blocking.
func (w *Worker) Enqueue(job Job) error {
	select {
	case w.queue <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run recovers unfinished transfers and then processes queued jobs until ctx
// is cancelled.
func (w *Worker) Run(ctx context.Context) (err error) {
	logger := logctx.LoggerFromContext(ctx)

	defer func() {
		if r := recover(); r != nil {
			logger.Error("transfer worker panic",
				"operation", "run",
				"panic", r,
				"stack", string(debug.Stack()))

			err = fmt.Errorf("transfer worker panic: %v", r)
		}
	}()

	w.recoverTransfers(ctx)

	var tick <-chan time.Time

	if w.maintenance != nil && w.maintenanceInterval > 0 {
		ticker := time.NewTicker(w.maintenanceInterval)
		defer ticker.Stop()

		tick = ticker.C
	}

	for {
		select {
		case <-tick:
			w.maintenance(ctx)
		case <-ctx.Done():
			logger.Info("transfer worker shutdown", "reason", "context_cancelled")

			return nil
		case job := <-w.queue:
			t, err := w.o.Begin(ctx, job.Type, job.Destination, job.Request)
			if err != nil {
				logger.Error("failed to begin transfer", "destination", job.Destination, "err", err)

				continue
			}

			w.drive(ctx, t)
		}
	}
}

func (w *Worker) recoverTransfers(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	paths, err := ReadIndex(w.o.fs, w.o.cfg.IndexPath)
	if err != nil {
		logger.Error("failed to read transfer index", "err", err)

		return
	}

	for _, dest := range paths {
		if ctx.Err() != nil {
			return
		}

		if Check(w.o.fs, dest) != CheckRunning {
			continue
		}

		t, err := w.o.Recover(ctx, dest)
		if err != nil {
			logger.Error("failed to recover transfer", "destination", dest, "err", err)

			continue
		}

		w.drive(ctx, t)
	}
}

// drive steps t until it is over or ctx is cancelled. A cancelled transfer
// keeps its backup and is recovered on the next start.
func (w *Worker) drive(ctx context.Context, t *Transfer) {
	ctx = logctx.WithTransferID(ctx, uint32(t.ID()))
	logger := logctx.LoggerFromContext(ctx)

	err := w.o.tel.InstrumentTransfer(ctx, "download", func(ctx context.Context) error {
		defer func() {
			if err := t.Close(); err != nil {
				logger.Error("failed to close transfer", "err", err)
			}
		}()

		ticker := time.NewTicker(w.stepInterval)
		defer ticker.Stop()

		for {
			state := t.Step(ctx, w.isPrinting())
			if state.Terminal() {
				if state == StateFailed {
					return fmt.Errorf("transfer of %s failed", t.Path().Destination())
				}

				return nil
			}

			select {
			case <-ctx.Done():
				logger.Info("transfer interrupted", "destination", t.Path().Destination())

				return ctx.Err()
			case <-ticker.C:
			}
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("transfer ended", "err", err)
	}
}
