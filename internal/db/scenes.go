package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/reelforge/reelforge/internal/models"
)

func (db *DB) CreateScene(ctx context.Context, scene *models.Scene) error {
	query := `
		INSERT INTO scenes (
			id, creative_id, idx, narration, visual_prompt,
			duration_seconds, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	return db.QueryRowContext(
		ctx, query,
		scene.ID, scene.CreativeID, scene.Idx, scene.Narration,
		scene.VisualPrompt, scene.DurationSeconds, scene.Status,
	).Scan(&scene.CreatedAt, &scene.UpdatedAt)
}

func (db *DB) GetScene(ctx context.Context, id uuid.UUID) (*models.Scene, error) {
	query := `
		SELECT
			id, creative_id, idx, narration, visual_prompt, status,
			audio_url, image_url, video_url, duration_seconds,
			error_message, created_at, updated_at
		FROM scenes
		WHERE id = $1
	`

	scene := &models.Scene{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&scene.ID, &scene.CreativeID, &scene.Idx, &scene.Narration,
		&scene.VisualPrompt, &scene.Status,
		&scene.AudioURL, &scene.ImageURL, &scene.VideoURL,
		&scene.DurationSeconds, &scene.ErrorMessage,
		&scene.CreatedAt, &scene.UpdatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("scene not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get scene: %w", err)
	}

	return scene, nil
}

func (db *DB) GetCreativeScenes(ctx context.Context, creativeID uuid.UUID) ([]models.Scene, error) {
	query := `
		SELECT
			id, creative_id, idx, narration, visual_prompt, status,
			audio_url, image_url, video_url, duration_seconds,
			error_message, created_at, updated_at
		FROM scenes
		WHERE creative_id = $1
		ORDER BY idx
	`

	rows, err := db.QueryContext(ctx, query, creativeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenes: %w", err)
	}
	defer rows.Close()

	var scenes []models.Scene
	for rows.Next() {
		var s models.Scene
		if err := rows.Scan(
			&s.ID, &s.CreativeID, &s.Idx, &s.Narration,
			&s.VisualPrompt, &s.Status,
			&s.AudioURL, &s.ImageURL, &s.VideoURL,
			&s.DurationSeconds, &s.ErrorMessage,
			&s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan scene: %w", err)
		}
		scenes = append(scenes, s)
	}

	return scenes, nil
}

func (db *DB) UpdateSceneStatus(ctx context.Context, id uuid.UUID, status models.SceneStatus) error {
	query := `UPDATE scenes SET status = $1, updated_at = NOW() WHERE id = $2`
	_, err := db.ExecContext(ctx, query, status, id)
	return err
}

// SetSceneAudio records the voice-over asset and its measured length.
func (db *DB) SetSceneAudio(ctx context.Context, id uuid.UUID, audioURL string, durationSeconds float64) error {
	query := `
		UPDATE scenes
		SET audio_url = $1, duration_seconds = $2, status = $3, updated_at = NOW()
		WHERE id = $4
	`
	_, err := db.ExecContext(ctx, query, audioURL, durationSeconds, models.SceneStatusVoiced, id)
	return err
}

func (db *DB) SetSceneImage(ctx context.Context, id uuid.UUID, imageURL string) error {
	query := `
		UPDATE scenes
		SET image_url = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, imageURL, models.SceneStatusImaged, id)
	return err
}

func (db *DB) SetSceneVideo(ctx context.Context, id uuid.UUID, videoURL string) error {
	query := `
		UPDATE scenes
		SET video_url = $1, status = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, videoURL, models.SceneStatusClipped, id)
	return err
}

func (db *DB) UpdateSceneError(ctx context.Context, id uuid.UUID, errorMessage string) error {
	query := `
		UPDATE scenes
		SET status = $1, error_message = $2, updated_at = NOW()
		WHERE id = $3
	`
	_, err := db.ExecContext(ctx, query, models.SceneStatusFailed, errorMessage, id)
	return err
}
