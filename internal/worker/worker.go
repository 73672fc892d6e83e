package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/reelforge/reelforge/internal/db"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/queue"
	"github.com/reelforge/reelforge/internal/render"
	"github.com/reelforge/reelforge/internal/scheduler"
	"github.com/reelforge/reelforge/internal/services"
	"github.com/reelforge/reelforge/internal/storage"
)

const (
	renderPollInterval = 2 * time.Second
	renderWaitTimeout  = 30 * time.Minute
)

// Worker drives a creative from brief to finished ad: script, per-scene
// assets, one render job, final upload.
type Worker struct {
	db        *db.DB
	queue     *queue.Queue
	storage   *storage.Storage
	openai    *services.OpenAIService
	tts       services.TTSService
	gemini    *services.GeminiService
	veo       *services.VeoService
	heygen    *services.HeyGenService // Optional: nil disables avatar creatives
	scheduler *scheduler.Scheduler
	prober    *render.Prober
	workDir   string
	sceneSem  chan struct{} // Limits concurrent scene asset generation per process
	uploadSem chan struct{} // Limits concurrent storage uploads to prevent congestion
}

func New(
	database *db.DB,
	q *queue.Queue,
	stor *storage.Storage,
	openaiSvc *services.OpenAIService,
	ttsSvc services.TTSService,
	geminiSvc *services.GeminiService,
	veoSvc *services.VeoService,
	heygenSvc *services.HeyGenService,
	sched *scheduler.Scheduler,
	prober *render.Prober,
	workDir string,
) *Worker {
	return &Worker{
		db:        database,
		queue:     q,
		storage:   stor,
		openai:    openaiSvc,
		tts:       ttsSvc,
		gemini:    geminiSvc,
		veo:       veoSvc,
		heygen:    heygenSvc,
		scheduler: sched,
		prober:    prober,
		workDir:   workDir,
		sceneSem:  make(chan struct{}, 2), // At most 2 scenes generate assets at once
		uploadSem: make(chan struct{}, 4), // At most 4 concurrent uploads
	}
}

// uploadWithLimit wraps an upload call with a semaphore so a burst of scene
// assets cannot saturate the storage API.
func (w *Worker) uploadWithLimit(ctx context.Context, label string, fn func() error) error {
	select {
	case w.uploadSem <- struct{}{}:
	case <-ctx.Done():
		return fmt.Errorf("upload cancelled while waiting for slot: %w", ctx.Err())
	}
	defer func() { <-w.uploadSem }()

	log.Printf("[Upload] %s uploading...", label)
	return fn()
}

// Start begins consuming creatives from the queue. Blocks until ctx is done.
func (w *Worker) Start(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	log.Printf("[Worker] started with concurrency: %d", concurrency)

	for i := 0; i < concurrency; i++ {
		go w.consumeCreatives(ctx)
	}

	<-ctx.Done()
	log.Println("[Worker] shutting down...")
}

func (w *Worker) consumeCreatives(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
			job, err := w.queue.Dequeue(ctx, queue.QueueCreatives, 5*time.Second)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Worker] error dequeuing creative: %v", err)
				continue
			}
			if job == nil {
				continue // No job available, retry
			}

			log.Printf("[Worker] processing creative %s (job %s)", job.CreativeID, job.ID)

			if err := w.processCreative(ctx, job.CreativeID); err != nil {
				log.Printf("[Worker] creative %s failed: %v", job.CreativeID, err)
				if dbErr := w.db.UpdateCreativeError(ctx, job.CreativeID, err.Error()); dbErr != nil {
					log.Printf("[Worker] could not record creative error: %v", dbErr)
				}
			} else {
				log.Printf("[Worker] creative %s completed", job.CreativeID)
			}
		}
	}
}

// processCreative runs the full pipeline for one creative.
func (w *Worker) processCreative(ctx context.Context, creativeID uuid.UUID) error {
	creative, err := w.db.GetCreative(ctx, creativeID)
	if err != nil {
		return fmt.Errorf("failed to load creative: %w", err)
	}

	// Redelivered messages for finished creatives are dropped, not re-run.
	if creative.Status == models.CreativeStatusCompleted {
		log.Printf("[Worker] creative %s already completed, skipping", creativeID)
		return nil
	}

	hasAvatar := creative.AvatarID != nil && *creative.AvatarID != ""
	if hasAvatar && w.heygen == nil {
		return fmt.Errorf("avatar creatives are disabled (no HeyGen key configured)")
	}

	// ── Script ──────────────────────────────────────────────────────────
	if err := w.db.UpdateCreativeStatus(ctx, creativeID, models.CreativeStatusScripting); err != nil {
		return fmt.Errorf("failed to update creative status: %w", err)
	}

	script, err := w.openai.GenerateAdScript(ctx, creative)
	if err != nil {
		return fmt.Errorf("script generation failed: %w", err)
	}

	scriptJSON, err := scriptToJSONB(script)
	if err != nil {
		return fmt.Errorf("failed to encode script: %w", err)
	}
	if err := w.db.SetCreativeScript(ctx, creativeID, script.Headline, scriptJSON); err != nil {
		return fmt.Errorf("failed to store script: %w", err)
	}

	scenes := make([]*models.Scene, len(script.Scenes))
	for i, sc := range script.Scenes {
		scene := &models.Scene{
			ID:              uuid.New(),
			CreativeID:      creativeID,
			Idx:             i,
			Narration:       sc.Narration,
			VisualPrompt:    sc.VisualPrompt,
			DurationSeconds: sc.DurationSeconds,
			Status:          models.SceneStatusPending,
		}
		if err := w.db.CreateScene(ctx, scene); err != nil {
			return fmt.Errorf("failed to create scene %d: %w", i, err)
		}
		scenes[i] = scene
	}

	// ── Scene assets ────────────────────────────────────────────────────
	scratch := filepath.Join(w.workDir, "creatives", creativeID.String())
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratch); err != nil {
			log.Printf("[Worker] could not remove scratch dir %s: %v", scratch, err)
		}
	}()

	var req models.SubmitRenderRequest
	if hasAvatar {
		req, err = w.buildAvatarScenes(ctx, creative, scenes, scratch)
	} else {
		req, err = w.buildBrollScenes(ctx, creative, script, scenes, scratch)
	}
	if err != nil {
		return err
	}

	// ── Render ──────────────────────────────────────────────────────────
	view, err := w.scheduler.Submit(req)
	if err != nil {
		return fmt.Errorf("render submit failed: %w", err)
	}
	if err := w.db.SetCreativeRenderJob(ctx, creativeID, view.JobID); err != nil {
		return fmt.Errorf("failed to store render job id: %w", err)
	}

	log.Printf("[Worker] creative %s render job %s submitted", creativeID, view.JobID)

	final, err := w.waitForRender(ctx, view.JobID)
	if err != nil {
		return err
	}

	// ── Final upload ────────────────────────────────────────────────────
	if len(final.Artifacts) == 0 {
		return fmt.Errorf("render job %s finished without an artifact", view.JobID)
	}
	artifact := final.Artifacts[0]

	storagePath := w.storage.CreativePath(creativeID, "final.mp4")
	if err := w.uploadWithLimit(ctx, "final.mp4", func() error {
		return w.storage.UploadFile(ctx, storagePath, artifact.Path, artifact.Mime)
	}); err != nil {
		return fmt.Errorf("failed to upload final video: %w", err)
	}

	finalURL := w.storage.GetPublicURL(storagePath)
	if err := w.db.SetCreativeFinalURL(ctx, creativeID, finalURL); err != nil {
		return fmt.Errorf("failed to store final url: %w", err)
	}

	log.Printf("[Worker] creative %s final video ready (%d bytes, %s)", creativeID, artifact.SizeBytes, finalURL)
	return nil
}

// buildAvatarScenes generates per-scene voiceover, background still, and
// avatar clip, then maps the clip URLs to a concat render request. Avatar
// clips carry their own speech, so the render needs no separate audio track.
func (w *Worker) buildAvatarScenes(ctx context.Context, creative *models.Creative, scenes []*models.Scene, scratch string) (models.SubmitRenderRequest, error) {
	clipURLs := make([]string, len(scenes))

	g, gctx := errgroup.WithContext(ctx)
	for i := range scenes {
		scene := scenes[i]
		g.Go(func() error {
			select {
			case w.sceneSem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-w.sceneSem }()

			clipURL, err := w.generateAvatarScene(gctx, creative, scene, scratch)
			if err != nil {
				w.failScene(scene.ID, err)
				return fmt.Errorf("scene %d: %w", scene.Idx, err)
			}
			clipURLs[scene.Idx] = clipURL
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.SubmitRenderRequest{}, err
	}

	return concatRequest(creative, clipURLs, ""), nil
}

// generateAvatarScene produces one avatar clip: voiceover → background
// still → HeyGen render. Returns the hosted clip URL.
func (w *Worker) generateAvatarScene(ctx context.Context, creative *models.Creative, scene *models.Scene, scratch string) (string, error) {
	// Voiceover. HeyGen lip-syncs from a URL, so the audio must be uploaded.
	log.Printf("[Worker] scene %d: generating voiceover...", scene.Idx)
	speech, err := w.tts.GenerateSpeech(ctx, scene.Narration, creative.VoiceID)
	if err != nil {
		return "", fmt.Errorf("voiceover failed: %w", err)
	}

	voPath := filepath.Join(scratch, fmt.Sprintf("scene_%d_vo.mp3", scene.Idx))
	if err := os.WriteFile(voPath, speech.AudioData, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage voiceover: %w", err)
	}

	durationSec := float64(speech.DurationMs) / 1000.0
	if probed, err := w.prober.Duration(ctx, voPath); err != nil {
		log.Printf("[Worker] scene %d: could not probe voiceover duration, using estimate: %v", scene.Idx, err)
	} else {
		durationSec = probed
	}

	voStorage := w.storage.CreativePath(creative.ID, fmt.Sprintf("scene_%d_vo.mp3", scene.Idx))
	label := fmt.Sprintf("scene_%d_vo", scene.Idx)
	if err := w.uploadWithLimit(ctx, label, func() error {
		return w.storage.Upload(ctx, voStorage, speech.AudioData, "audio/mpeg")
	}); err != nil {
		return "", fmt.Errorf("failed to upload voiceover: %w", err)
	}
	audioURL := w.storage.GetPublicURL(voStorage)

	if err := w.db.SetSceneAudio(ctx, scene.ID, audioURL, durationSec); err != nil {
		return "", fmt.Errorf("failed to store scene audio: %w", err)
	}

	// Background still behind the presenter. Non-critical: a failed
	// background falls back to HeyGen's default backdrop.
	backgroundURL := ""
	imageData, err := w.gemini.GenerateSceneImage(ctx, scene.VisualPrompt, creative.StyleReferenceURL, creative.AspectRatio)
	if err != nil {
		log.Printf("[Worker] scene %d: WARNING — background still failed, using default backdrop: %v", scene.Idx, err)
	} else {
		bgStorage := w.storage.CreativePath(creative.ID, fmt.Sprintf("scene_%d_bg.png", scene.Idx))
		label := fmt.Sprintf("scene_%d_bg", scene.Idx)
		if err := w.uploadWithLimit(ctx, label, func() error {
			return w.storage.Upload(ctx, bgStorage, imageData, "image/png")
		}); err != nil {
			log.Printf("[Worker] scene %d: WARNING — background upload failed, using default backdrop: %v", scene.Idx, err)
		} else {
			backgroundURL = w.storage.GetPublicURL(bgStorage)
			if err := w.db.SetSceneImage(ctx, scene.ID, backgroundURL); err != nil {
				return "", fmt.Errorf("failed to store scene image: %w", err)
			}
		}
	}

	log.Printf("[Worker] scene %d: generating avatar clip...", scene.Idx)
	clipURL, _, err := w.heygen.GenerateAvatarClip(ctx, *creative.AvatarID, audioURL, backgroundURL, creative.AspectRatio)
	if err != nil {
		return "", fmt.Errorf("avatar clip failed: %w", err)
	}

	if err := w.db.SetSceneVideo(ctx, scene.ID, clipURL); err != nil {
		return "", fmt.Errorf("failed to store scene video: %w", err)
	}

	return clipURL, nil
}

// buildBrollScenes generates one full-script voiceover plus per-scene
// stills animated into motion clips, then maps the staged clip paths to a
// concat render request with the voiceover as the audio bed.
func (w *Worker) buildBrollScenes(ctx context.Context, creative *models.Creative, script *models.AdScript, scenes []*models.Scene, scratch string) (models.SubmitRenderRequest, error) {
	// One continuous voiceover reads better than stitched per-scene lines.
	log.Printf("[Worker] creative %s: generating voiceover...", creative.ID)
	speech, err := w.tts.GenerateSpeech(ctx, fullNarration(script), creative.VoiceID)
	if err != nil {
		return models.SubmitRenderRequest{}, fmt.Errorf("voiceover failed: %w", err)
	}

	voPath := filepath.Join(scratch, "voiceover.mp3")
	if err := os.WriteFile(voPath, speech.AudioData, 0o644); err != nil {
		return models.SubmitRenderRequest{}, fmt.Errorf("failed to stage voiceover: %w", err)
	}

	if dur, err := w.prober.Duration(ctx, voPath); err != nil {
		log.Printf("[Worker] creative %s: could not probe voiceover duration: %v", creative.ID, err)
	} else {
		log.Printf("[Worker] creative %s: voiceover staged (%.1fs)", creative.ID, dur)
	}

	clipPaths := make([]string, len(scenes))

	g, gctx := errgroup.WithContext(ctx)
	for i := range scenes {
		scene := scenes[i]
		g.Go(func() error {
			select {
			case w.sceneSem <- struct{}{}:
			case <-gctx.Done():
				return gctx.Err()
			}
			defer func() { <-w.sceneSem }()

			clipPath, err := w.generateBrollScene(gctx, creative, scene, scratch)
			if err != nil {
				w.failScene(scene.ID, err)
				return fmt.Errorf("scene %d: %w", scene.Idx, err)
			}
			clipPaths[scene.Idx] = clipPath
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return models.SubmitRenderRequest{}, err
	}

	return concatRequest(creative, clipPaths, voPath), nil
}

// generateBrollScene produces one motion clip: still → Veo animation.
// The clip is staged locally for the render and mirrored to storage so
// scene rows keep a browsable asset trail.
func (w *Worker) generateBrollScene(ctx context.Context, creative *models.Creative, scene *models.Scene, scratch string) (string, error) {
	log.Printf("[Worker] scene %d: generating still...", scene.Idx)
	imageData, err := w.gemini.GenerateSceneImage(ctx, scene.VisualPrompt, creative.StyleReferenceURL, creative.AspectRatio)
	if err != nil {
		return "", fmt.Errorf("scene still failed: %w", err)
	}

	stillStorage := w.storage.CreativePath(creative.ID, fmt.Sprintf("scene_%d_still.png", scene.Idx))
	label := fmt.Sprintf("scene_%d_still", scene.Idx)
	if err := w.uploadWithLimit(ctx, label, func() error {
		return w.storage.Upload(ctx, stillStorage, imageData, "image/png")
	}); err != nil {
		return "", fmt.Errorf("failed to upload scene still: %w", err)
	}
	if err := w.db.SetSceneImage(ctx, scene.ID, w.storage.GetPublicURL(stillStorage)); err != nil {
		return "", fmt.Errorf("failed to store scene image: %w", err)
	}

	log.Printf("[Worker] scene %d: animating still...", scene.Idx)
	clipData, err := w.veo.GenerateMotionClip(ctx, scene.VisualPrompt, imageData, "image/png", creative.AspectRatio)
	if err != nil {
		return "", fmt.Errorf("motion clip failed: %w", err)
	}

	clipPath := filepath.Join(scratch, fmt.Sprintf("scene_%d.mp4", scene.Idx))
	if err := os.WriteFile(clipPath, clipData, 0o644); err != nil {
		return "", fmt.Errorf("failed to stage motion clip: %w", err)
	}

	clipStorage := w.storage.CreativePath(creative.ID, fmt.Sprintf("scene_%d.mp4", scene.Idx))
	label = fmt.Sprintf("scene_%d_clip", scene.Idx)
	if err := w.uploadWithLimit(ctx, label, func() error {
		return w.storage.Upload(ctx, clipStorage, clipData, "video/mp4")
	}); err != nil {
		return "", fmt.Errorf("failed to upload motion clip: %w", err)
	}
	if err := w.db.SetSceneVideo(ctx, scene.ID, w.storage.GetPublicURL(clipStorage)); err != nil {
		return "", fmt.Errorf("failed to store scene video: %w", err)
	}

	return clipPath, nil
}

// waitForRender polls the scheduler until the job reaches a terminal state.
func (w *Worker) waitForRender(ctx context.Context, jobID string) (models.JobView, error) {
	ticker := time.NewTicker(renderPollInterval)
	defer ticker.Stop()
	deadline := time.NewTimer(renderWaitTimeout)
	defer deadline.Stop()

	for {
		view, err := w.scheduler.Get(jobID)
		if err != nil {
			return models.JobView{}, fmt.Errorf("render job %s vanished: %w", jobID, err)
		}

		switch view.Status {
		case models.RenderStatusDone:
			return view, nil
		case models.RenderStatusError:
			msg := "unknown render error"
			if view.Error != nil {
				msg = fmt.Sprintf("%s: %s", view.Error.Code, view.Error.Message)
			}
			return models.JobView{}, fmt.Errorf("render failed: %s", msg)
		}

		select {
		case <-ctx.Done():
			return models.JobView{}, fmt.Errorf("render wait cancelled: %w", ctx.Err())
		case <-deadline.C:
			return models.JobView{}, fmt.Errorf("render job %s did not finish within %v", jobID, renderWaitTimeout)
		case <-ticker.C:
		}
	}
}

// failScene records a scene failure without clobbering the pipeline error.
func (w *Worker) failScene(sceneID uuid.UUID, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.db.UpdateSceneError(ctx, sceneID, cause.Error()); err != nil {
		log.Printf("[Worker] could not record scene error: %v", err)
	}
}

// concatRequest maps finished scene clips to the render submission for a
// creative. Avatar clips arrive as hosted URLs and carry their own speech;
// b-roll clips are local staged paths laid over the voiceover bed.
func concatRequest(creative *models.Creative, clipRefs []string, audioTrack string) models.SubmitRenderRequest {
	return models.SubmitRenderRequest{
		Kind: models.JobKindMultiSourceConcat,
		Input: models.InputSpec{
			SourceURLs:    clipRefs,
			AudioTrackURL: audioTrack,
			Transitions:   []string{"fade"},
			Scope:         creative.ID.String(),
		},
		Priority: models.PriorityNormal,
	}
}

// fullNarration joins the per-scene narration into one voiceover script.
func fullNarration(script *models.AdScript) string {
	lines := make([]string, 0, len(script.Scenes))
	for _, sc := range script.Scenes {
		lines = append(lines, strings.TrimSpace(sc.Narration))
	}
	return strings.Join(lines, " ")
}

// scriptToJSONB converts the typed script to the raw map stored on the
// creative row.
func scriptToJSONB(script *models.AdScript) (models.JSONB, error) {
	raw, err := json.Marshal(script)
	if err != nil {
		return nil, err
	}
	var out models.JSONB
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
