package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enums

type CreativeStatus string

const (
	CreativeStatusQueued     CreativeStatus = "queued"
	CreativeStatusScripting  CreativeStatus = "scripting"
	CreativeStatusGenerating CreativeStatus = "generating"
	CreativeStatusRendering  CreativeStatus = "rendering"
	CreativeStatusCompleted  CreativeStatus = "completed"
	CreativeStatusFailed     CreativeStatus = "failed"
)

type SceneStatus string

const (
	SceneStatusPending SceneStatus = "pending"
	SceneStatusVoiced  SceneStatus = "voiced"
	SceneStatusImaged  SceneStatus = "imaged"
	SceneStatusClipped SceneStatus = "clipped"
	SceneStatusFailed  SceneStatus = "failed"
)

// Aspect ratios accepted for a creative.
const (
	AspectPortrait  = "9:16"
	AspectLandscape = "16:9"
	AspectSquare    = "1:1"
)

// AspectDims maps an aspect-ratio label to output pixel dimensions.
func AspectDims(aspect string) (width, height int, err error) {
	switch aspect {
	case AspectPortrait, "":
		return 1080, 1920, nil
	case AspectLandscape:
		return 1920, 1080, nil
	case AspectSquare:
		return 1080, 1080, nil
	}
	return 0, 0, fmt.Errorf("unsupported aspect ratio %q (want %s, %s or %s)", aspect, AspectPortrait, AspectLandscape, AspectSquare)
}

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Models

// Creative is one requested video ad, tracked from brief to finished file.
type Creative struct {
	ID                uuid.UUID      `json:"id"`
	Brief             string         `json:"brief"`
	AspectRatio       string         `json:"aspect_ratio"`
	TargetSeconds     int            `json:"target_seconds"`
	SceneCount        int            `json:"scene_count"`
	VoiceID           string         `json:"voice_id"`
	AvatarID          *string        `json:"avatar_id,omitempty"`          // set = avatar spokesperson ad, unset = b-roll ad
	StyleReferenceURL *string        `json:"style_reference_url,omitempty"` // brand style image for scene stills
	Status            CreativeStatus `json:"status"`
	Headline          *string        `json:"headline,omitempty"`
	Script            JSONB          `json:"script,omitempty"` // raw script payload as returned by the model
	FinalURL          *string        `json:"final_url,omitempty"`
	RenderJobID       *string        `json:"render_job_id,omitempty"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Scene is one segment of a creative: a narration line plus the generated
// voice/image/clip assets that realize it.
type Scene struct {
	ID              uuid.UUID   `json:"id"`
	CreativeID      uuid.UUID   `json:"creative_id"`
	Idx             int         `json:"idx"`
	Narration       string      `json:"narration"`
	VisualPrompt    string      `json:"visual_prompt"`
	Status          SceneStatus `json:"status"`
	AudioURL        *string     `json:"audio_url,omitempty"`
	ImageURL        *string     `json:"image_url,omitempty"`
	VideoURL        *string     `json:"video_url,omitempty"`
	DurationSeconds float64     `json:"duration_seconds,omitempty"`
	ErrorMessage    *string     `json:"error_message,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// AdScript is the structured script a creative is generated from.
type AdScript struct {
	Headline string          `json:"headline"`
	Scenes   []AdScriptScene `json:"scenes"`
}

type AdScriptScene struct {
	Narration       string  `json:"narration"`
	VisualPrompt    string  `json:"visual_prompt"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// Validate checks the decoded script is usable before any asset generation.
func (s *AdScript) Validate() error {
	if len(s.Scenes) == 0 {
		return fmt.Errorf("script has no scenes")
	}
	for i, sc := range s.Scenes {
		if sc.Narration == "" {
			return fmt.Errorf("scene %d has empty narration", i)
		}
		if sc.VisualPrompt == "" {
			return fmt.Errorf("scene %d has empty visual_prompt", i)
		}
	}
	return nil
}

// RenderRecord is one audit row written when a render job finishes, success
// or failure. The in-memory job store is bounded; this is the durable trace.
type RenderRecord struct {
	ID           uuid.UUID    `json:"id"`
	JobID        string       `json:"job_id"`
	Kind         JobKind      `json:"kind"`
	Scope        string       `json:"scope,omitempty"`
	Status       RenderStatus `json:"status"`
	EncoderUsed  string       `json:"encoder_used,omitempty"`
	ErrorCode    *string      `json:"error_code,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	OutputPath   *string      `json:"output_path,omitempty"`
	DurationMs   *int64       `json:"duration_ms,omitempty"`
	QueuedMs     int64        `json:"queued_ms"`
	RenderMs     int64        `json:"render_ms"`
	CreatedAt    time.Time    `json:"created_at"`
}

// DTOs for API requests/responses

type CreateCreativeRequest struct {
	Brief             string  `json:"brief"`
	AspectRatio       string  `json:"aspect_ratio,omitempty"`  // Default: "9:16"
	TargetSeconds     int     `json:"target_seconds,omitempty"` // Default: 30
	SceneCount        int     `json:"scene_count,omitempty"`    // Default: 4
	VoiceID           string  `json:"voice_id,omitempty"`       // Default: env ELEVENLABS_VOICE_ID
	AvatarID          *string `json:"avatar_id,omitempty"`
	StyleReferenceURL *string `json:"style_reference_url,omitempty"`
}

type CreateCreativeResponse struct {
	CreativeID uuid.UUID      `json:"creative_id"`
	Status     CreativeStatus `json:"status"`
}

// CreativeDetail is a creative with its scenes and, while a render is in
// flight, the live render-queue view.
type CreativeDetail struct {
	Creative
	Scenes []Scene  `json:"scenes"`
	Render *JobView `json:"render,omitempty"`
}

type ListCreativesResponse struct {
	Creatives []Creative `json:"creatives"`
	Total     int        `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}

// SubmitRenderRequest is the render-queue submission boundary.
type SubmitRenderRequest struct {
	Kind     JobKind   `json:"kind"`
	Input    InputSpec `json:"input"`
	Priority Priority  `json:"priority,omitempty"` // Default: "normal"
}
