package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	Port               string
	WorkerEnabled      bool
	WorkerConcurrency  int    // concurrent creatives per process
	BackendAPIKey      string // API key for authenticating requests (empty = no auth, dev mode)
	CorsAllowedOrigins string // Comma-separated allowed origins (empty = *, dev mode)

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Supabase
	SupabaseURL           string
	SupabaseServiceKey    string
	SupabaseStorageBucket string

	// OpenAI (ad script generation)
	OpenAIKey string

	// Gemini (scene stills; also the key for Veo motion clips)
	GeminiKey string
	VeoModel  string

	// ElevenLabs (voice-over)
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	// HeyGen (avatar presenter clips)
	HeyGenKey string

	// Render queue
	FFmpegPath           string
	FFprobePath          string
	WorkDir              string   // scratch space for staged sources
	OutputDir            string   // finished renders
	AllowedInputDirs     []string // extra local dirs clients may reference, besides work+output
	MaxConcurrentRenders int      // 0 = derive from detected hardware
	MaxPendingJobs       int
	MaxRetainedJobs      int
	RenderTimeoutSeconds int
	MaxOutputSeconds     int
	HWEncoder            string
	SWEncoder            string
	PublicOutputBaseURL  string // when set, finished artifacts get a public URL under it
}

func Load() (*Config, error) {
	// Load .env file if it exists (ignore error in production)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 3),
		BackendAPIKey:      getEnv("BACKEND_API_KEY", ""),
		CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", ""),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		RedisURL:           getEnv("REDIS_URL", "redis://localhost:6379"),

		SupabaseURL:           getEnv("SUPABASE_URL", ""),
		SupabaseServiceKey:    getEnv("SUPABASE_SERVICE_KEY", ""),
		SupabaseStorageBucket: getEnv("SUPABASE_STORAGE_BUCKET", "reelforge-creatives"),

		OpenAIKey:         getEnv("OPENAI_API_KEY", ""),
		GeminiKey:         getEnv("GEMINI_API_KEY", ""),
		VeoModel:          getEnv("VEO_MODEL", "veo-3.1-generate-preview"),
		ElevenLabsKey:     getEnv("ELEVENLABS_API_KEY", ""),
		ElevenLabsVoiceID: getEnv("ELEVENLABS_VOICE_ID", ""),
		HeyGenKey:         getEnv("HEYGEN_API_KEY", ""),

		FFmpegPath:           getEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:          getEnv("FFPROBE_PATH", "ffprobe"),
		WorkDir:              getEnv("RENDER_WORK_DIR", "./data/work"),
		OutputDir:            getEnv("RENDER_OUTPUT_DIR", "./data/outputs"),
		AllowedInputDirs:     getEnvList("RENDER_ALLOWED_INPUT_DIRS"),
		MaxConcurrentRenders: getEnvInt("RENDER_MAX_CONCURRENT", 0),
		MaxPendingJobs:       getEnvInt("RENDER_MAX_PENDING", 100),
		MaxRetainedJobs:      getEnvInt("RENDER_MAX_JOBS", 100),
		RenderTimeoutSeconds: getEnvInt("RENDER_TIMEOUT_SECONDS", 600),
		MaxOutputSeconds:     getEnvInt("RENDER_MAX_OUTPUT_SECONDS", 300),
		HWEncoder:            getEnv("RENDER_HW_ENCODER", "h264_nvenc"),
		SWEncoder:            getEnv("RENDER_SW_ENCODER", "libx264"),
		PublicOutputBaseURL:  getEnv("PUBLIC_OUTPUT_BASE_URL", ""),
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	// The creative worker needs the full provider stack; the render queue
	// alone does not.
	if cfg.WorkerEnabled {
		if cfg.OpenAIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is required when the worker is enabled")
		}
		if cfg.GeminiKey == "" {
			return nil, fmt.Errorf("GEMINI_API_KEY is required when the worker is enabled")
		}
		if cfg.ElevenLabsKey == "" {
			return nil, fmt.Errorf("ELEVENLABS_API_KEY is required when the worker is enabled")
		}
		if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
			return nil, fmt.Errorf("SUPABASE_URL and SUPABASE_SERVICE_KEY are required when the worker is enabled")
		}
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		i, err := strconv.Atoi(value)
		if err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
