package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/reelforge/reelforge/internal/models"
)

// OpenAIService turns a product brief into a structured ad script.
type OpenAIService struct {
	client *openai.Client
}

func NewOpenAIService(apiKey string) *OpenAIService {
	return &OpenAIService{
		client: openai.NewClient(apiKey),
	}
}

// GenerateAdScript asks the model for a complete ad script using JSON mode.
// The creative carries the brief plus format knobs (aspect ratio, target
// duration, scene count) and whether the ad fronts an avatar spokesperson.
func (s *OpenAIService) GenerateAdScript(ctx context.Context, creative *models.Creative) (*models.AdScript, error) {
	systemPrompt := buildScriptSystemPrompt(creative)
	userPrompt := buildScriptUserPrompt(creative)

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: "gpt-5-mini", // gpt-5-mini best for reasoning and cost efficiency
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: systemPrompt,
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: userPrompt,
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 1.0,
	})

	if err != nil {
		return nil, fmt.Errorf("openai request failed: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no response from openai")
	}

	rawContent := resp.Choices[0].Message.Content
	const maxLogLen = 2000

	var script models.AdScript
	if err := json.Unmarshal([]byte(rawContent), &script); err != nil {
		log.Printf("[OpenAI script] parse failed: %v", err)
		if len(rawContent) > maxLogLen {
			log.Printf("[OpenAI script] raw response (truncated): %s...", rawContent[:maxLogLen])
		} else {
			log.Printf("[OpenAI script] raw response: %s", rawContent)
		}
		return nil, fmt.Errorf("failed to parse script: %w", err)
	}

	if err := script.Validate(); err != nil {
		log.Printf("[OpenAI script] invalid script: %v", err)
		if len(rawContent) > maxLogLen {
			log.Printf("[OpenAI script] raw response (truncated): %s...", rawContent[:maxLogLen])
		} else {
			log.Printf("[OpenAI script] raw response: %s", rawContent)
		}
		return nil, fmt.Errorf("invalid script: %w", err)
	}

	// Fill in any missing per-scene durations with an even split of the target.
	perScene := float64(creative.TargetSeconds) / float64(len(script.Scenes))
	for i := range script.Scenes {
		if script.Scenes[i].DurationSeconds <= 0 {
			script.Scenes[i].DurationSeconds = perScene
		}
	}

	log.Printf("[OpenAI script] script generated: headline=%q, %d scenes",
		script.Headline, len(script.Scenes))

	return &script, nil
}

func buildScriptSystemPrompt(creative *models.Creative) string {
	aspectRatio := creative.AspectRatio
	if aspectRatio == "" {
		aspectRatio = "9:16"
	}
	orientationDesc := "portrait-format viewing (like TikTok/Reels/Shorts)"
	if aspectRatio == "16:9" {
		orientationDesc = "landscape-format viewing (like YouTube)"
	} else if aspectRatio == "1:1" {
		orientationDesc = "square-format viewing (like Instagram feed)"
	}

	sceneCount := creative.SceneCount
	if sceneCount <= 0 {
		sceneCount = 4
	}
	targetSeconds := creative.TargetSeconds
	if targetSeconds <= 0 {
		targetSeconds = 30
	}
	perScene := float64(targetSeconds) / float64(sceneCount)

	basePrompt := fmt.Sprintf(`You are an expert direct-response copywriter creating short-form video ad scripts for %s (%s aspect ratio).

Your task is to create a %d-second ad with exactly %d scenes.

WRITING PROCESS - THINK LIKE AN AD, NOT A DOCUMENTARY:
An ad has one job: stop the scroll, build desire, and drive action. Before writing any scene, decide the single strongest angle for this product — the pain it kills or the outcome it unlocks — and build every scene around that one idea.
- Scene 1 is the hook. Lead with the problem or a bold claim, never with the product name.
- Middle scenes build desire: show the product solving the problem, name a concrete benefit per scene.
- The final scene is the call to action. Make it direct and urgent.

Guidelines:
- Each scene's narration should take about %.0f seconds to say aloud — that's 1-2 short sentences.
- Write conversationally, as spoken voiceover. Use contractions. Short, punchy sentences.
- Never pad with filler ("in today's world", "have you ever wondered"). Every word earns its place.
- narration is read aloud by text-to-speech. No stage directions, no emoji, no ALL CAPS.`,
		orientationDesc, aspectRatio, targetSeconds, sceneCount, perScene)

	if creative.AvatarID != nil && *creative.AvatarID != "" {
		basePrompt += `

VISUAL PROMPTS - AVATAR AD:
This ad is fronted by an on-camera spokesperson. Each visual_prompt describes the BACKGROUND behind the presenter, not the presenter. Describe a clean, product-relevant setting (studio, kitchen, gym, office) with clear negative space in the center of frame where the presenter stands. No people in the visual_prompt.`
	} else {
		basePrompt += fmt.Sprintf(`

VISUAL PROMPTS - B-ROLL AD:
Each visual_prompt is rendered as a still image and then animated into a short cinematic clip. Describe a complete scene: subject, setting, lighting, mood, and composition framed for %s. Write in present tense. No text overlays, no logos, no brand names in the image.`, aspectRatio)
	}

	basePrompt += fmt.Sprintf(`

Respond with JSON matching this schema exactly:
{
  "headline": "short punchy ad headline",
  "scenes": [
    {"narration": "spoken line", "visual_prompt": "scene description", "duration_seconds": %.0f}
  ]
}

ALL FIELDS ARE REQUIRED. headline must never be empty. Every scene must have non-empty narration and visual_prompt and a duration_seconds near %.0f. Produce exactly %d scenes.`,
		perScene, perScene, sceneCount)

	return basePrompt
}

func buildScriptUserPrompt(creative *models.Creative) string {
	prompt := fmt.Sprintf("Write a video ad script for this product brief:\n\n%s", creative.Brief)

	var extras []string
	if creative.TargetSeconds > 0 {
		extras = append(extras, fmt.Sprintf("Target duration: %d seconds", creative.TargetSeconds))
	}
	if creative.SceneCount > 0 {
		extras = append(extras, fmt.Sprintf("Scenes: %d", creative.SceneCount))
	}
	if creative.AvatarID != nil && *creative.AvatarID != "" {
		extras = append(extras, "Format: avatar spokesperson ad")
	} else {
		extras = append(extras, "Format: b-roll ad with voiceover")
	}
	if len(extras) > 0 {
		prompt += "\n\n" + strings.Join(extras, "\n")
	}

	return prompt
}
