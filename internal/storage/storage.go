// Package storage keeps the outcomes of finished transfers beyond the short
// in-memory history of the monitor.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/italolelis/transferd/internal/monitor"
)

// ErrNotFound is returned when no outcome is stored for a transfer.
var ErrNotFound = errors.New("transfer not found")

// TransferRecord is a finished transfer.
type TransferRecord struct {
	ID          uint32    `json:"id"`
	Type        string    `json:"type"`
	Destination string    `json:"destination"`
	Expected    uint64    `json:"expected"`
	Outcome     string    `json:"outcome"`
	StartedAt   time.Time `json:"startedAt"`
	FinishedAt  time.Time `json:"finishedAt"`
}

// FromMonitor converts a record handed out by the monitor outcome hook.
func FromMonitor(r monitor.Record) TransferRecord {
	return TransferRecord{
		ID:          uint32(r.ID),
		Type:        r.Type.String(),
		Destination: r.Destination,
		Expected:    r.Expected,
		Outcome:     r.Outcome.String(),
		StartedAt:   r.Start,
		FinishedAt:  r.FinishedAt,
	}
}

type TransferHistoryReader interface {
	GetOutcome(ctx context.Context, id uint32) (TransferRecord, error)
	ListRecent(ctx context.Context, limit int) ([]TransferRecord, error)
	// MaxID returns the highest stored id, false when nothing is stored yet.
	MaxID(ctx context.Context) (uint32, bool, error)
}

type TransferHistoryWriter interface {
	RecordOutcome(ctx context.Context, record TransferRecord) error
}

type TransferHistory interface {
	TransferHistoryReader
	TransferHistoryWriter
}
