package services

import "context"

// ---------------------------------------------------------------------------
// TTSService — common interface for text-to-speech providers
// The worker depends on this interface so a different provider can be
// swapped in without touching the pipeline code.
// ---------------------------------------------------------------------------

// TTSResponse is the common response type from any TTS provider.
type TTSResponse struct {
	AudioData  []byte
	DurationMs int    // estimated; callers probe the real duration before trusting it
	Format     string // "mp3", "wav", etc.
}

// TTSService is the interface that any TTS provider must implement.
type TTSService interface {
	// GenerateSpeech converts text to audio. voiceID selects the provider
	// voice; an empty string uses the provider's configured default.
	GenerateSpeech(ctx context.Context, text, voiceID string) (*TTSResponse, error)
}
