package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Gemini Scene Image Service
// Generates the still image for each ad scene. When the creative carries a
// brand style reference URL, the image is passed inline so every scene
// inherits the brand's look.
// ---------------------------------------------------------------------------

const geminiImageModel = "gemini-3-pro-image-preview"

type GeminiService struct {
	apiKey string
	client *http.Client

	// Scenes of one creative generate in parallel and share a style image;
	// cache the last downloaded reference so it is fetched once.
	mu        sync.Mutex
	cacheURL  string
	cacheData []byte
	cacheMime string
}

func NewGeminiService(apiKey string) *GeminiService {
	return &GeminiService{
		apiKey: apiKey,
		client: &http.Client{Timeout: 300 * time.Second},
	}
}

// Gemini API request/response structures
type geminiGenerateContentRequest struct {
	Contents         []geminiContent         `json:"contents"`
	GenerationConfig *geminiGenerationConfig `json:"generationConfig,omitempty"`
}

type geminiGenerationConfig struct {
	ResponseModalities []string           `json:"responseModalities,omitempty"`
	ImageConfig        *geminiImageConfig `json:"imageConfig,omitempty"`
}

type geminiImageConfig struct {
	AspectRatio string `json:"aspectRatio,omitempty"`
	ImageSize   string `json:"imageSize,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

type geminiInlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiGenerateContentResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
}

type geminiCandidate struct {
	Content geminiResponseContent `json:"content"`
}

type geminiResponseContent struct {
	Parts []geminiResponsePart `json:"parts"`
}

type geminiResponsePart struct {
	Text       string            `json:"text,omitempty"`
	InlineData *geminiInlineData `json:"inlineData,omitempty"`
}

// GenerateSceneImage renders one scene still. styleRefURL optionally points
// at a brand style image; when set it is downloaded and attached inline so
// the model copies its look. Each call is independent — safe for parallel
// execution across scenes.
func (s *GeminiService) GenerateSceneImage(ctx context.Context, visualPrompt string, styleRefURL *string, aspectRatio string) ([]byte, error) {
	if aspectRatio == "" {
		aspectRatio = "9:16"
	}

	var styleData []byte
	var mimeType string
	if styleRefURL != nil && *styleRefURL != "" {
		var err error
		styleData, mimeType, err = s.styleImage(ctx, *styleRefURL)
		if err != nil {
			log.Printf("[Gemini] WARNING: could not download style reference %s: %v (proceeding without)", *styleRefURL, err)
		}
	}

	promptText := composeImagePrompt(visualPrompt, aspectRatio, styleData != nil)

	parts := []geminiPart{{Text: promptText}}
	if styleData != nil {
		parts = append(parts, geminiPart{
			InlineData: &geminiInlineData{
				MimeType: mimeType,
				Data:     base64.StdEncoding.EncodeToString(styleData),
			},
		})
	}

	reqBody := geminiGenerateContentRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: parts},
		},
		GenerationConfig: &geminiGenerationConfig{
			ResponseModalities: []string{"TEXT", "IMAGE"},
			ImageConfig: &geminiImageConfig{
				AspectRatio: aspectRatio,
				ImageSize:   "2K",
			},
		},
	}

	return s.doGenerateContent(ctx, reqBody)
}

// styleImage returns the style reference bytes for url, downloading on a
// cache miss.
func (s *GeminiService) styleImage(ctx context.Context, url string) ([]byte, string, error) {
	s.mu.Lock()
	if s.cacheURL == url && s.cacheData != nil {
		data, mime := s.cacheData, s.cacheMime
		s.mu.Unlock()
		return data, mime, nil
	}
	s.mu.Unlock()

	data, mime, err := s.downloadStyleImage(ctx, url)
	if err != nil {
		return nil, "", err
	}

	s.mu.Lock()
	s.cacheURL, s.cacheData, s.cacheMime = url, data, mime
	s.mu.Unlock()

	return data, mime, nil
}

// downloadStyleImage fetches a style reference image from a URL.
func (s *GeminiService) downloadStyleImage(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download style image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("style image download returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", fmt.Errorf("failed to read style image body: %w", err)
	}

	mimeType := resp.Header.Get("Content-Type")
	if mimeType == "" {
		mimeType = "image/jpeg"
	}

	log.Printf("[Gemini] Downloaded style reference (%d bytes, %s)", len(data), mimeType)
	return data, mimeType, nil
}

func (s *GeminiService) doGenerateContent(ctx context.Context, reqBody geminiGenerateContentRequest) ([]byte, error) {
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("https://generativelanguage.googleapis.com/v1beta/models/%s:generateContent?key=%s", geminiImageModel, s.apiKey)
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gemini returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var geminiResp geminiGenerateContentResponse
	if err := json.Unmarshal(bodyBytes, &geminiResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	if len(geminiResp.Candidates) == 0 {
		return nil, fmt.Errorf("no candidates in response")
	}

	var textParts []string
	for _, part := range geminiResp.Candidates[0].Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			imageData, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
			if err != nil {
				return nil, fmt.Errorf("failed to decode base64 image: %w", err)
			}
			return imageData, nil
		}
		if part.Text != "" {
			textParts = append(textParts, part.Text)
		}
	}

	if len(textParts) > 0 {
		return nil, fmt.Errorf("gemini returned text instead of image: %s", textParts[0][:min(200, len(textParts[0]))])
	}
	return nil, fmt.Errorf("no image data found in response (got %d parts, none with inlineData)", len(geminiResp.Candidates[0].Content.Parts))
}

// composeImagePrompt builds the full prompt for one scene still. When a style
// reference is attached, the text only needs to describe the scene and remind
// the model to follow the reference's look.
func composeImagePrompt(visualPrompt, aspectRatio string, hasStyleRef bool) string {
	var prompt bytes.Buffer

	if hasStyleRef {
		prompt.WriteString("STYLE REFERENCE: Use the attached reference image as the style guide. Copy ONLY the color palette, lighting, and overall aesthetic from the reference. Do NOT copy the subject, people, or scene from the reference.\n\n")
	}

	prompt.WriteString("SCENE TO DEPICT:\n")
	prompt.WriteString(visualPrompt)

	orientLabel := "Portrait"
	if aspectRatio == "16:9" {
		orientLabel = "Landscape"
	} else if aspectRatio == "1:1" {
		orientLabel = "Square"
	}
	prompt.WriteString(fmt.Sprintf("\n\nOutput: %s %s, photographic quality, no text or watermarks.", orientLabel, aspectRatio))

	return prompt.String()
}
