package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/reelforge/reelforge/internal/models"
)

// InsertRenderRecord writes the audit row for a finished render job. The
// in-memory job table is bounded, so this row is what survives eviction.
func (db *DB) InsertRenderRecord(ctx context.Context, rec *models.RenderRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}

	query := `
		INSERT INTO render_records (
			id, job_id, kind, scope, status, encoder_used,
			error_code, error_message, output_path, duration_ms,
			queued_ms, render_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING created_at
	`

	return db.QueryRowContext(
		ctx, query,
		rec.ID, rec.JobID, rec.Kind, rec.Scope, rec.Status,
		rec.EncoderUsed, rec.ErrorCode, rec.ErrorMessage,
		rec.OutputPath, rec.DurationMs, rec.QueuedMs, rec.RenderMs,
	).Scan(&rec.CreatedAt)
}

// ListRenderRecords returns the most recent audit rows, newest first.
func (db *DB) ListRenderRecords(ctx context.Context, limit, offset int) ([]models.RenderRecord, error) {
	query := `
		SELECT
			id, job_id, kind, scope, status, encoder_used,
			error_code, error_message, output_path, duration_ms,
			queued_ms, render_ms, created_at
		FROM render_records
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list render records: %w", err)
	}
	defer rows.Close()

	var records []models.RenderRecord
	for rows.Next() {
		var r models.RenderRecord
		if err := rows.Scan(
			&r.ID, &r.JobID, &r.Kind, &r.Scope, &r.Status,
			&r.EncoderUsed, &r.ErrorCode, &r.ErrorMessage,
			&r.OutputPath, &r.DurationMs, &r.QueuedMs, &r.RenderMs,
			&r.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan render record: %w", err)
		}
		records = append(records, r)
	}

	return records, nil
}
