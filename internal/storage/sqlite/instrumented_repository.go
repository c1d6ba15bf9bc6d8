package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/transferd/internal/storage"
	"github.com/italolelis/transferd/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      NewHistoryRepository(dbConn),
		telemetry: tel,
	}
}

// RecordOutcome stores a finished transfer with telemetry.
func (r *InstrumentedHistoryRepository) RecordOutcome(ctx context.Context, rec storage.TransferRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "record_outcome", func(ctx context.Context) error {
		return r.repo.RecordOutcome(ctx, rec)
	})
}

// GetOutcome looks up a transfer with telemetry.
func (r *InstrumentedHistoryRepository) GetOutcome(ctx context.Context, id uint32) (storage.TransferRecord, error) {
	var result storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_outcome", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetOutcome(ctx, id)

		return err
	})

	return result, err
}

// ListRecent lists transfers with telemetry.
func (r *InstrumentedHistoryRepository) ListRecent(ctx context.Context, limit int) ([]storage.TransferRecord, error) {
	var result []storage.TransferRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_recent", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListRecent(ctx, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// MaxID returns the highest stored id with telemetry.
func (r *InstrumentedHistoryRepository) MaxID(ctx context.Context) (uint32, bool, error) {
	var (
		id    uint32
		found bool
	)

	err := r.telemetry.InstrumentDBOperation(ctx, "max_id", func(ctx context.Context) error {
		var err error
		id, found, err = r.repo.MaxID(ctx)

		return err
	})

	return id, found, err
}
