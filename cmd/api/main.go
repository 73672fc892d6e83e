package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/reelforge/reelforge/internal/api"
	"github.com/reelforge/reelforge/internal/config"
	"github.com/reelforge/reelforge/internal/db"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/queue"
	"github.com/reelforge/reelforge/internal/render"
	"github.com/reelforge/reelforge/internal/scheduler"
	"github.com/reelforge/reelforge/internal/services"
	"github.com/reelforge/reelforge/internal/sources"
	"github.com/reelforge/reelforge/internal/storage"
	"github.com/reelforge/reelforge/internal/worker"
)

func main() {
	log.Println("Starting ReelForge API...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Everything downstream (path allow-list, staged sources, render outputs)
	// compares absolute paths, so resolve the roots once up front.
	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		log.Fatalf("Failed to resolve work dir %q: %v", cfg.WorkDir, err)
	}
	outputDir, err := filepath.Abs(cfg.OutputDir)
	if err != nil {
		log.Fatalf("Failed to resolve output dir %q: %v", cfg.OutputDir, err)
	}
	for _, dir := range []string{workDir, outputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf("Failed to create directory %s: %v", dir, err)
		}
	}

	// Connect to database
	database, err := db.New(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()
	log.Println("Connected to database")

	// Connect to Redis queue
	q, err := queue.New(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Failed to connect to queue: %v", err)
	}
	defer q.Close()
	log.Println("Connected to Redis queue")

	// Initialize storage
	stor := storage.New(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket)
	log.Println("Initialized Supabase storage")

	// Probe the encoder stack before accepting any work. A missing ffmpeg is
	// a deployment error, not something to discover on the first job.
	detectCtx, detectCancel := context.WithTimeout(context.Background(), 15*time.Second)
	capacity, err := render.DetectCapacity(detectCtx, cfg.FFmpegPath, cfg.HWEncoder, cfg.SWEncoder, cfg.MaxConcurrentRenders)
	detectCancel()
	if err != nil {
		log.Fatalf("Failed to detect render capacity: %v", err)
	}
	if capacity.Hardware != nil {
		log.Printf("Render capacity: %d slot(s), hardware encoder %s (software fallback %s)", capacity.Slots, capacity.Hardware.Name, capacity.Software.Name)
	} else {
		log.Printf("Render capacity: %d slot(s), software encoder %s", capacity.Slots, capacity.Software.Name)
	}

	// Local paths a render job may reference directly. Everything else must
	// arrive as a URL.
	allowedRoots := []string{workDir, outputDir}
	for _, dir := range cfg.AllowedInputDirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			log.Fatalf("Failed to resolve allowed input dir %q: %v", dir, err)
		}
		allowedRoots = append(allowedRoots, abs)
	}

	runner := render.NewRunner(cfg.FFmpegPath, time.Duration(cfg.RenderTimeoutSeconds)*time.Second)
	prober := render.NewProber(cfg.FFprobePath)
	engine := render.NewEngine(capacity, runner, prober, cfg.FFmpegPath, outputDir, cfg.PublicOutputBaseURL, float64(cfg.MaxOutputSeconds))
	resolver := sources.NewResolver(workDir)

	sched := scheduler.New(resolver, engine, scheduler.Options{
		Slots:        capacity.Slots,
		MaxPending:   cfg.MaxPendingJobs,
		MaxJobs:      cfg.MaxRetainedJobs,
		AllowedRoots: allowedRoots,
		OnFinished: func(view models.JobView) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := q.PublishRenderFinished(ctx, view); err != nil {
				log.Printf("[Scheduler] WARNING: failed to publish finished event for job %s: %v", view.JobID, err)
			}
			if err := database.InsertRenderRecord(ctx, renderRecordFromView(view)); err != nil {
				log.Printf("[Scheduler] WARNING: failed to persist render record for job %s: %v", view.JobID, err)
			}
		},
	})

	// Create API handler
	handler := api.NewHandler(database, q, stor, sched, cfg.ElevenLabsVoiceID)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Println("API key authentication enabled")
	} else {
		log.Println("WARNING: No BACKEND_API_KEY set — API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Start worker if enabled
	var workerCtx context.Context
	var workerCancel context.CancelFunc
	if cfg.WorkerEnabled {
		log.Println("Worker enabled, starting background processing...")

		// Initialize services
		openaiSvc := services.NewOpenAIService(cfg.OpenAIKey)
		geminiSvc := services.NewGeminiService(cfg.GeminiKey)
		veoSvc := services.NewVeoService(cfg.GeminiKey, cfg.VeoModel)
		ttsSvc := services.NewElevenLabsService(cfg.ElevenLabsKey, cfg.ElevenLabsVoiceID)
		log.Printf("TTS provider: ElevenLabs (voice: %s, model: eleven_flash_v2_5)", cfg.ElevenLabsVoiceID)

		// Avatar creatives need HeyGen; without a key they are rejected at
		// scripting time and only b-roll creatives run.
		var heygenSvc *services.HeyGenService
		if cfg.HeyGenKey != "" {
			heygenSvc = services.NewHeyGenService(cfg.HeyGenKey)
			log.Println("HeyGen avatar generation enabled")
		} else {
			log.Println("HeyGen disabled — avatar creatives will fail, b-roll only")
		}

		// Create worker
		w := worker.New(database, q, stor, openaiSvc, ttsSvc, geminiSvc, veoSvc, heygenSvc, sched, prober, workDir)

		// Start worker in background
		workerCtx, workerCancel = context.WithCancel(context.Background())
		go w.Start(workerCtx, cfg.WorkerConcurrency)
	}

	// Start server in goroutine
	go func() {
		log.Printf("API server listening on :%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Shutdown worker
	if workerCancel != nil {
		workerCancel()
	}

	// Shutdown HTTP server, then drain running renders
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}
	if err := sched.Shutdown(ctx); err != nil {
		log.Printf("WARNING: render scheduler shutdown: %v", err)
	}

	log.Println("Server exited")
}

// renderRecordFromView flattens a terminal job view into the durable history
// row. Queued and render durations come from the job's own timestamps.
func renderRecordFromView(view models.JobView) *models.RenderRecord {
	rec := &models.RenderRecord{
		JobID:       view.JobID,
		Kind:        view.Kind,
		Scope:       view.Scope,
		Status:      view.Status,
		EncoderUsed: view.EncoderUsed,
	}
	if view.Error != nil {
		code := string(view.Error.Code)
		msg := view.Error.Message
		rec.ErrorCode = &code
		rec.ErrorMessage = &msg
	}
	if len(view.Artifacts) > 0 {
		art := view.Artifacts[0]
		rec.OutputPath = &art.Path
		rec.DurationMs = &art.DurationMs
	}
	end := time.Now().UTC()
	if view.CompletedAt != nil {
		end = *view.CompletedAt
	}
	if view.StartedAt != nil {
		rec.QueuedMs = view.StartedAt.Sub(view.CreatedAt).Milliseconds()
		rec.RenderMs = end.Sub(*view.StartedAt).Milliseconds()
	} else {
		rec.QueuedMs = end.Sub(view.CreatedAt).Milliseconds()
	}
	return rec
}
