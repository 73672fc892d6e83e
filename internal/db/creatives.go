package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/reelforge/reelforge/internal/models"
)

func (db *DB) CreateCreative(ctx context.Context, creative *models.Creative) error {
	query := `
		INSERT INTO creatives (
			id, brief, aspect_ratio, target_seconds, scene_count,
			voice_id, avatar_id, style_reference_url, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		creative.ID, creative.Brief, creative.AspectRatio,
		creative.TargetSeconds, creative.SceneCount, creative.VoiceID,
		creative.AvatarID, creative.StyleReferenceURL, creative.Status,
	).Scan(&creative.CreatedAt, &creative.UpdatedAt)
}

func (db *DB) GetCreative(ctx context.Context, id uuid.UUID) (*models.Creative, error) {
	query := `
		SELECT
			id, brief, aspect_ratio, target_seconds, scene_count,
			voice_id, avatar_id, style_reference_url, status, headline,
			script, final_url, render_job_id, error_message,
			created_at, updated_at
		FROM creatives
		WHERE id = $1
	`

	creative := &models.Creative{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&creative.ID, &creative.Brief, &creative.AspectRatio,
		&creative.TargetSeconds, &creative.SceneCount, &creative.VoiceID,
		&creative.AvatarID, &creative.StyleReferenceURL, &creative.Status,
		&creative.Headline, &creative.Script, &creative.FinalURL,
		&creative.RenderJobID, &creative.ErrorMessage,
		&creative.CreatedAt, &creative.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("creative not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get creative: %w", err)
	}

	return creative, nil
}

// ListCreatives returns creatives ordered by creation date (newest first).
// Supports optional status filter, limit, and offset for pagination.
func (db *DB) ListCreatives(ctx context.Context, status string, limit, offset int) ([]models.Creative, error) {
	var (
		rows *sql.Rows
		err  error
	)

	baseSelect := `
		SELECT
			id, brief, aspect_ratio, target_seconds, scene_count,
			voice_id, avatar_id, style_reference_url, status, headline,
			script, final_url, render_job_id, error_message,
			created_at, updated_at
		FROM creatives
	`

	if status != "" {
		query := baseSelect + ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		rows, err = db.QueryContext(ctx, query, status, limit, offset)
	} else {
		query := baseSelect + ` ORDER BY created_at DESC LIMIT $1 OFFSET $2`
		rows, err = db.QueryContext(ctx, query, limit, offset)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to list creatives: %w", err)
	}
	defer rows.Close()

	var creatives []models.Creative
	for rows.Next() {
		var c models.Creative
		if err := rows.Scan(
			&c.ID, &c.Brief, &c.AspectRatio,
			&c.TargetSeconds, &c.SceneCount, &c.VoiceID,
			&c.AvatarID, &c.StyleReferenceURL, &c.Status,
			&c.Headline, &c.Script, &c.FinalURL,
			&c.RenderJobID, &c.ErrorMessage,
			&c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan creative: %w", err)
		}
		creatives = append(creatives, c)
	}

	return creatives, nil
}

// CountCreatives returns the total number of creatives, optionally filtered
// by status.
func (db *DB) CountCreatives(ctx context.Context, status string) (int, error) {
	var count int
	if status != "" {
		err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM creatives WHERE status = $1`, status).Scan(&count)
		return count, err
	}
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM creatives`).Scan(&count)
	return count, err
}

func (db *DB) UpdateCreativeStatus(ctx context.Context, id uuid.UUID, status models.CreativeStatus) error {
	query := `UPDATE creatives SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, status, id)
	return err
}

// SetCreativeScript records the generated script and moves the creative into
// asset generation.
func (db *DB) SetCreativeScript(ctx context.Context, id uuid.UUID, headline string, script models.JSONB) error {
	query := `
		UPDATE creatives
		SET headline = $1, script = $2, status = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, headline, script, models.CreativeStatusGenerating, id)
	return err
}

// SetCreativeRenderJob links the creative to its render-queue job.
func (db *DB) SetCreativeRenderJob(ctx context.Context, id uuid.UUID, renderJobID string) error {
	query := `
		UPDATE creatives
		SET render_job_id = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, renderJobID, models.CreativeStatusRendering, id)
	return err
}

func (db *DB) SetCreativeFinalURL(ctx context.Context, id uuid.UUID, finalURL string) error {
	query := `
		UPDATE creatives
		SET final_url = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, finalURL, models.CreativeStatusCompleted, id)
	return err
}

func (db *DB) UpdateCreativeError(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE creatives
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.CreativeStatusFailed, errorMessage, id)
	return err
}
