package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/transferd/internal/storage"
)

type HistoryRepository struct {
	db *sql.DB
}

func NewHistoryRepository(dbConn *sql.DB) *HistoryRepository {
	return &HistoryRepository{db: dbConn}
}

// RecordOutcome stores a finished transfer. Ids restart after a wipe of the
// index, so a newer record replaces an older one with the same id.
func (r *HistoryRepository) RecordOutcome(ctx context.Context, rec storage.TransferRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO transfers (id, type, destination, expected, outcome, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			destination = excluded.destination,
			expected = excluded.expected,
			outcome = excluded.outcome,
			started_at = excluded.started_at,
			finished_at = excluded.finished_at
	`, rec.ID, rec.Type, rec.Destination, rec.Expected, rec.Outcome,
		rec.StartedAt.UTC().Format(time.RFC3339), rec.FinishedAt.UTC().Format(time.RFC3339))

	return err
}

func (r *HistoryRepository) GetOutcome(ctx context.Context, id uint32) (storage.TransferRecord, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, type, destination, expected, outcome, started_at, finished_at
		FROM transfers WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TransferRecord{}, storage.ErrNotFound
	}

	return rec, err
}

// ListRecent returns up to limit transfers, newest first.
func (r *HistoryRepository) ListRecent(ctx context.Context, limit int) ([]storage.TransferRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, destination, expected, outcome, started_at, finished_at
		FROM transfers
		ORDER BY finished_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.TransferRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

func (r *HistoryRepository) MaxID(ctx context.Context) (uint32, bool, error) {
	var id sql.NullInt64

	if err := r.db.QueryRowContext(ctx, `SELECT MAX(id) FROM transfers`).Scan(&id); err != nil {
		return 0, false, err
	}

	if !id.Valid {
		return 0, false, nil
	}

	return uint32(id.Int64), true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (storage.TransferRecord, error) {
	var (
		rec                   storage.TransferRecord
		startedAt, finishedAt sql.NullString
	)

	if err := s.Scan(&rec.ID, &rec.Type, &rec.Destination, &rec.Expected, &rec.Outcome, &startedAt, &finishedAt); err != nil {
		return storage.TransferRecord{}, err
	}

	rec.StartedAt = parseTime(startedAt)
	rec.FinishedAt = parseTime(finishedAt)

	return rec, nil
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}

	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return time.Time{}
	}

	return t
}
