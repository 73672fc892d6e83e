package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"google.golang.org/genai"
)

// ---------------------------------------------------------------------------
// Veo Motion Clip Service
// Uses the Google Gen AI SDK to animate scene stills into short b-roll
// clips. The scene image is passed as the first frame and the prompt
// describes the motion that should happen.
// ---------------------------------------------------------------------------

const (
	defaultVeoModel    = "veo-3.1-generate-preview"
	veoPollInterval    = 10 * time.Second
	veoMaxPollDuration = 5 * time.Minute // Max time to wait for a single clip
)

// VeoService handles motion clip generation via Google's Veo model.
type VeoService struct {
	apiKey string
	model  string
}

// NewVeoService creates a new Veo clip generation service.
// apiKey: the Gemini API key (same key works for both Gemini and Veo)
// model: the Veo model to use (empty string defaults to veo-3.1-generate-preview)
func NewVeoService(apiKey, model string) *VeoService {
	if model == "" {
		model = defaultVeoModel
	}
	return &VeoService{
		apiKey: apiKey,
		model:  model,
	}
}

// buildMotionPrompt wraps the scene's visual prompt with motion direction
// suited to ad b-roll: polished, calm, product-forward movement.
func buildMotionPrompt(rawPrompt string) string {
	return fmt.Sprintf(`%s

Visual style direction: Match the look of the input image exactly. Keep the color grading, lighting, and composition from the source frame — the clip should look like the still has come to life.

Motion direction: Generate subtle, polished, commercial-grade movement. Favor slow camera push-ins, gentle parallax, soft light shifts, and small environmental motion (steam rising, fabric moving, particles drifting). Avoid jerky movements, morphing, style changes between frames, or dramatic camera swoops.

Important: This is a fictional advertising scene. All subjects are unnamed, generic figures. Do not identify or associate any subject with a real person, celebrity, or public figure.

No generated audio or dialogue. Silent video only.`, rawPrompt)
}

// GenerateMotionClip animates a scene still into a short clip.
//
// The async operation is polled internally with a hard timeout. This blocks
// the calling goroutine — intentional, since each scene is processed in its
// own goroutine.
//
// Parameters:
//   - prompt: the scene's visual prompt (motion is layered on top of it)
//   - imageData: raw bytes of the still to use as the first frame
//   - imageMimeType: MIME type of the image (e.g., "image/png")
//   - aspectRatio: "9:16", "16:9", or "1:1"
//
// Returns the raw video bytes (MP4) or an error.
func (s *VeoService) GenerateMotionClip(ctx context.Context, prompt string, imageData []byte, imageMimeType, aspectRatio string) ([]byte, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  s.apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	if aspectRatio == "" {
		aspectRatio = "9:16"
	}

	enhancedPrompt := buildMotionPrompt(prompt)

	firstFrame := &genai.Image{
		ImageBytes: imageData,
		MIMEType:   imageMimeType,
	}

	config := &genai.GenerateVideosConfig{
		AspectRatio:      aspectRatio,
		Resolution:       "1080p",
		PersonGeneration: "allow_adult",
		NumberOfVideos:   1,
	}

	log.Printf("[Veo] Starting clip generation (model=%s, promptLen=%d, imageSize=%d bytes, aspect=%s)",
		s.model, len(prompt), len(imageData), aspectRatio)

	operation, err := client.Models.GenerateVideos(ctx, s.model, enhancedPrompt, firstFrame, config)
	if err != nil {
		return nil, fmt.Errorf("failed to start clip generation: %w", err)
	}

	log.Printf("[Veo] Operation started: %s", operation.Name)

	// Poll until done, cancelled, or timed out
	deadline := time.Now().Add(veoMaxPollDuration)
	pollCount := 0
	for !operation.Done {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("clip generation timed out after %v (polled %d times)", veoMaxPollDuration, pollCount)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("clip generation cancelled: %w", ctx.Err())
		case <-time.After(veoPollInterval):
		}

		pollCount++
		operation, err = client.Operations.GetVideosOperation(ctx, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to poll operation (attempt %d): %w", pollCount, err)
		}

		log.Printf("[Veo] Poll %d: done=%v", pollCount, operation.Done)
	}

	// Check for operation-level errors (e.g. invalid request, quota exceeded)
	if operation.Error != nil && len(operation.Error) > 0 {
		errJSON, _ := json.Marshal(operation.Error)
		return nil, fmt.Errorf("clip generation operation failed: %s", string(errJSON))
	}

	if operation.Response == nil {
		if operation.Metadata != nil {
			metaJSON, _ := json.Marshal(operation.Metadata)
			log.Printf("[Veo] Operation metadata: %s", string(metaJSON))
		}
		return nil, fmt.Errorf("no response in completed operation after %d polls (operation: %s)", pollCount, operation.Name)
	}

	// Check if videos were blocked by RAI (Responsible AI) safety filters
	if operation.Response.RAIMediaFilteredCount > 0 {
		reasons := "unknown"
		if len(operation.Response.RAIMediaFilteredReasons) > 0 {
			reasons = strings.Join(operation.Response.RAIMediaFilteredReasons, ", ")
		}
		return nil, fmt.Errorf("clip blocked by safety filters: %d video(s) filtered, reasons: %s", operation.Response.RAIMediaFilteredCount, reasons)
	}

	if len(operation.Response.GeneratedVideos) == 0 {
		respJSON, _ := json.Marshal(operation.Response)
		return nil, fmt.Errorf("no videos in response (full response: %s)", string(respJSON))
	}

	video := operation.Response.GeneratedVideos[0]
	if video.Video == nil {
		return nil, fmt.Errorf("generated video object is nil")
	}

	log.Printf("[Veo] Clip ready, downloading...")

	downloadURI := genai.NewDownloadURIFromVideo(video.Video)
	videoBytes, err := client.Files.Download(ctx, downloadURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download generated clip: %w", err)
	}

	if len(videoBytes) == 0 {
		return nil, fmt.Errorf("downloaded clip is empty (0 bytes)")
	}

	log.Printf("[Veo] Clip generated successfully (%d bytes, %d polls)", len(videoBytes), pollCount)

	return videoBytes, nil
}
