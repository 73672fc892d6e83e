package worker

import (
	"testing"

	"github.com/google/uuid"

	"github.com/reelforge/reelforge/internal/models"
)

func sampleScript() *models.AdScript {
	return &models.AdScript{
		Headline: "Stop scrolling, start sleeping",
		Scenes: []models.AdScriptScene{
			{Narration: "Tired of waking up tired?", VisualPrompt: "rumpled bed at dawn", DurationSeconds: 7},
			{Narration: "DreamFoam adapts to you.", VisualPrompt: "mattress close-up", DurationSeconds: 8},
			{Narration: "Order tonight.", VisualPrompt: "phone with checkout screen", DurationSeconds: 5},
		},
	}
}

func TestConcatRequestBrollCarriesVoiceoverBed(t *testing.T) {
	creative := &models.Creative{ID: uuid.New()}
	clips := []string{"/work/creatives/x/scene_0.mp4", "/work/creatives/x/scene_1.mp4"}

	req := concatRequest(creative, clips, "/work/creatives/x/voiceover.mp3")

	if req.Kind != models.JobKindMultiSourceConcat {
		t.Fatalf("kind = %q, want multi_source_concat", req.Kind)
	}
	if len(req.Input.SourceURLs) != 2 || req.Input.SourceURLs[0] != clips[0] || req.Input.SourceURLs[1] != clips[1] {
		t.Fatalf("sourceUrls = %v, want clips in scene order", req.Input.SourceURLs)
	}
	if req.Input.AudioTrackURL != "/work/creatives/x/voiceover.mp3" {
		t.Fatalf("audioTrackUrl = %q", req.Input.AudioTrackURL)
	}
	if req.Input.Scope != creative.ID.String() {
		t.Fatalf("scope = %q, want creative id", req.Input.Scope)
	}
	if req.Priority != models.PriorityNormal {
		t.Fatalf("priority = %q", req.Priority)
	}
	if err := req.Input.Validate(req.Kind); err != nil {
		t.Fatalf("generated request does not validate: %v", err)
	}
}

func TestConcatRequestAvatarOmitsAudioTrack(t *testing.T) {
	creative := &models.Creative{ID: uuid.New()}
	clips := []string{"https://cdn.heygen.test/a.mp4", "https://cdn.heygen.test/b.mp4"}

	req := concatRequest(creative, clips, "")

	if req.Input.AudioTrackURL != "" {
		t.Fatalf("avatar request should not carry an audio bed, got %q", req.Input.AudioTrackURL)
	}
	if err := req.Input.Validate(req.Kind); err != nil {
		t.Fatalf("generated request does not validate: %v", err)
	}
}

func TestFullNarrationJoinsScenesInOrder(t *testing.T) {
	got := fullNarration(sampleScript())
	want := "Tired of waking up tired? DreamFoam adapts to you. Order tonight."
	if got != want {
		t.Fatalf("fullNarration = %q, want %q", got, want)
	}
}

func TestScriptToJSONBPreservesShape(t *testing.T) {
	raw, err := scriptToJSONB(sampleScript())
	if err != nil {
		t.Fatalf("scriptToJSONB: %v", err)
	}
	if raw["headline"] != "Stop scrolling, start sleeping" {
		t.Fatalf("headline = %v", raw["headline"])
	}
	scenes, ok := raw["scenes"].([]interface{})
	if !ok || len(scenes) != 3 {
		t.Fatalf("scenes = %v", raw["scenes"])
	}
}
