package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes feed the metrics, so they only take values from small
// fixed sets: operation and component names, statuses, transfer types and
// outcomes. Transfer ids, destinations, URLs and error messages are logged
// instead and correlated by trace_id.

// InstrumentedFunc is the unit of work wrapped by the Instrument helpers.
type InstrumentedFunc func(ctx context.Context) error

const (
	statusSuccess = "success"
	statusError   = "error"
)

// InstrumentOperation runs fn inside a span named after the operation.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operation, component string, fn InstrumentedFunc) error {
	_, err := t.instrument(ctx, operation, component, fn)

	return err
}

// InstrumentDBOperation runs a database operation in a span and records its
// latency per operation.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	elapsed, err := t.instrument(ctx, "db_"+operation, "database", fn)
	t.RecordDBOperation(operation, statusOf(err), elapsed)

	return err
}

// InstrumentTransfer covers a whole transfer, from begin or recovery until
// it is over, and counts it as active meanwhile.
func (t *Telemetry) InstrumentTransfer(ctx context.Context, operation string, fn InstrumentedFunc) error {
	t.IncrementActiveTransfers()
	defer t.DecrementActiveTransfers()

	elapsed, err := t.instrument(ctx, "transfer_"+operation, "transfer", fn)
	t.RecordTransfer(operation, statusOf(err), elapsed)

	return err
}

func (t *Telemetry) instrument(ctx context.Context, name, component string, fn InstrumentedFunc) (time.Duration, error) {
	start := time.Now()

	ctx, span := t.Tracer().Start(ctx, name)
	defer span.End()

	err := fn(ctx)
	elapsed := time.Since(start)

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("status", statusOf(err)),
		attribute.Float64("duration_seconds", elapsed.Seconds()),
	)

	if err != nil {
		// The message is unbounded, it only goes to the span status.
		span.SetStatus(codes.Error, err.Error())
	}

	return elapsed, err
}

func statusOf(err error) string {
	if err != nil {
		return statusError
	}

	return statusSuccess
}
