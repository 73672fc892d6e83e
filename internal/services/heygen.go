package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/reelforge/reelforge/internal/models"
)

// ---------------------------------------------------------------------------
// HeyGen Avatar Clip Service
// Renders one talking-avatar scene: a chosen avatar lip-syncs the scene's
// voiceover audio in front of the scene's background still.
// Follows a deferred request pattern: submit generation → poll by video_id →
// return the hosted clip URL.
// ---------------------------------------------------------------------------

const (
	heygenBaseURL           = "https://api.heygen.com"
	heygenInitialDelay      = 30 * time.Second // Avatar clips typically take 1-3 minutes
	heygenPollMinInterval   = 5 * time.Second
	heygenPollMaxInterval   = 20 * time.Second
	heygenPollBackoffFactor = 1.5
	heygenMaxPollDuration   = 10 * time.Minute // Hard timeout per clip
	heygenAvatarStyle       = "normal"
)

// HeyGenService handles avatar clip generation via HeyGen's video API.
// It's optional — when nil, creatives that request an avatar fail upfront.
type HeyGenService struct {
	apiKey     string
	httpClient *http.Client
}

// NewHeyGenService creates a new HeyGen avatar clip service.
func NewHeyGenService(apiKey string) *HeyGenService {
	return &HeyGenService{
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second, // Per-call timeout, not the full poll cycle
		},
	}
}

// ---------------------------------------------------------------------------
// Request / Response types
// ---------------------------------------------------------------------------

// heygenGenerateRequest is the body for POST /v2/video/generate
type heygenGenerateRequest struct {
	VideoInputs []heygenVideoInput `json:"video_inputs"`
	Dimension   heygenDimension    `json:"dimension"`
}

type heygenVideoInput struct {
	Character  heygenCharacter   `json:"character"`
	Voice      heygenVoice       `json:"voice"`
	Background *heygenBackground `json:"background,omitempty"`
}

type heygenCharacter struct {
	Type        string `json:"type"` // "avatar"
	AvatarID    string `json:"avatar_id"`
	AvatarStyle string `json:"avatar_style,omitempty"`
}

// heygenVoice references pre-generated audio so the avatar lip-syncs our
// own TTS narration instead of HeyGen's built-in voices.
type heygenVoice struct {
	Type     string `json:"type"` // "audio"
	AudioURL string `json:"audio_url"`
}

type heygenBackground struct {
	Type string `json:"type"` // "image"
	URL  string `json:"url"`
}

type heygenDimension struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// heygenGenerateResponse is the response from POST /v2/video/generate
type heygenGenerateResponse struct {
	Error *heygenError `json:"error"`
	Data  struct {
		VideoID string `json:"video_id"`
	} `json:"data"`
}

type heygenError struct {
	Code    interface{} `json:"code"`
	Message string      `json:"message"`
	Detail  string      `json:"detail,omitempty"`
}

// heygenStatusResponse is the response from GET /v1/video_status.get.
// data.status runs pending → waiting → processing → completed | failed.
type heygenStatusResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Status   string       `json:"status"`
		VideoURL string       `json:"video_url"`
		Duration float64      `json:"duration"`
		Error    *heygenError `json:"error"`
	} `json:"data"`
}

// GenerateAvatarClip renders one avatar scene and returns the hosted clip
// URL plus its duration in seconds. The URL is short-lived — callers should
// hand it to the render pipeline promptly.
//
// Parameters:
//   - avatarID: the HeyGen avatar to front the scene
//   - audioURL: publicly reachable URL of the scene's voiceover audio
//   - backgroundURL: optional scene still behind the avatar (empty = default)
//   - aspectRatio: "9:16", "16:9", or "1:1"
func (s *HeyGenService) GenerateAvatarClip(ctx context.Context, avatarID, audioURL, backgroundURL, aspectRatio string) (string, float64, error) {
	width, height, err := models.AspectDims(aspectRatio)
	if err != nil {
		return "", 0, err
	}

	input := heygenVideoInput{
		Character: heygenCharacter{
			Type:        "avatar",
			AvatarID:    avatarID,
			AvatarStyle: heygenAvatarStyle,
		},
		Voice: heygenVoice{
			Type:     "audio",
			AudioURL: audioURL,
		},
	}
	if backgroundURL != "" {
		input.Background = &heygenBackground{Type: "image", URL: backgroundURL}
	}

	reqBody := heygenGenerateRequest{
		VideoInputs: []heygenVideoInput{input},
		Dimension:   heygenDimension{Width: width, Height: height},
	}

	log.Printf("[HeyGen] Starting avatar clip (avatar=%s, hasBackground=%v, %dx%d)",
		avatarID, backgroundURL != "", width, height)

	videoID, err := s.submitGeneration(ctx, reqBody)
	if err != nil {
		return "", 0, fmt.Errorf("failed to submit avatar clip: %w", err)
	}

	log.Printf("[HeyGen] Generation submitted, video_id=%s", videoID)

	status, err := s.pollForResult(ctx, videoID)
	if err != nil {
		return "", 0, err
	}

	log.Printf("[HeyGen] Avatar clip ready (duration=%.1fs)", status.Data.Duration)
	return status.Data.VideoURL, status.Data.Duration, nil
}

// submitGeneration sends the initial generation request and returns the video_id.
func (s *HeyGenService) submitGeneration(ctx context.Context, reqBody heygenGenerateRequest) (string, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", heygenBaseURL+"/v2/video/generate", bytes.NewReader(jsonData))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("heygen returned status %d: %s", resp.StatusCode, string(body))
	}

	var genResp heygenGenerateResponse
	if err := json.Unmarshal(body, &genResp); err != nil {
		return "", fmt.Errorf("failed to parse generation response: %w (body: %s)", err, string(body))
	}

	if genResp.Error != nil && genResp.Error.Message != "" {
		return "", fmt.Errorf("heygen rejected generation: %s %s", genResp.Error.Message, genResp.Error.Detail)
	}

	if genResp.Data.VideoID == "" {
		return "", fmt.Errorf("no video_id in generation response: %s", string(body))
	}

	return genResp.Data.VideoID, nil
}

// pollForResult polls GET /v1/video_status.get until the clip is ready or
// fails.
//
// Polling strategy: exponential backoff starting at 5s, scaling by 1.5x up
// to a 20s cap, after an initial 30s delay — avatar clips are never ready
// sooner. Hard timeout: 10 minutes per clip.
func (s *HeyGenService) pollForResult(ctx context.Context, videoID string) (*heygenStatusResponse, error) {
	deadline := time.Now().Add(heygenMaxPollDuration)
	pollCount := 0
	currentInterval := heygenPollMinInterval

	log.Printf("[HeyGen] Waiting %v before first poll (avatar clips typically take 1-3 minutes)...", heygenInitialDelay)
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("avatar clip cancelled during initial wait: %w", ctx.Err())
	case <-time.After(heygenInitialDelay):
	}

	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("avatar clip timed out after %v (polled %d times, video_id=%s)", heygenMaxPollDuration, pollCount, videoID)
		}

		pollCount++

		status, err := s.getVideoStatus(ctx, videoID)
		if err != nil {
			return nil, fmt.Errorf("failed to poll avatar clip (attempt %d): %w", pollCount, err)
		}

		log.Printf("[HeyGen] Poll %d: status=%s", pollCount, status.Data.Status)

		switch status.Data.Status {
		case "completed":
			if status.Data.VideoURL == "" {
				return nil, fmt.Errorf("avatar clip completed but no video_url returned (video_id=%s)", videoID)
			}
			return status, nil

		case "failed":
			errMsg := "unknown error"
			if status.Data.Error != nil && status.Data.Error.Message != "" {
				errMsg = status.Data.Error.Message
				if status.Data.Error.Detail != "" {
					errMsg += ": " + status.Data.Error.Detail
				}
			}
			return nil, fmt.Errorf("avatar clip failed: %s (video_id=%s)", errMsg, videoID)

		default:
			// pending / waiting / processing — back off before the next poll
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("avatar clip cancelled: %w", ctx.Err())
			case <-time.After(currentInterval):
			}

			next := time.Duration(float64(currentInterval) * heygenPollBackoffFactor)
			if next > heygenPollMaxInterval {
				next = heygenPollMaxInterval
			}
			currentInterval = next
		}
	}
}

// getVideoStatus fetches the current status of an avatar clip.
func (s *HeyGenService) getVideoStatus(ctx context.Context, videoID string) (*heygenStatusResponse, error) {
	url := fmt.Sprintf("%s/v1/video_status.get?video_id=%s", heygenBaseURL, videoID)
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Api-Key", s.apiKey)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("heygen returned status %d: %s", resp.StatusCode, string(body))
	}

	var status heygenStatusResponse
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("failed to parse status response: %w (body: %s)", err, string(body))
	}

	return &status, nil
}
