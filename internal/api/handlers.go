package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/reelforge/reelforge/internal/db"
	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/queue"
	"github.com/reelforge/reelforge/internal/scheduler"
	"github.com/reelforge/reelforge/internal/storage"
)

type Handler struct {
	db             *db.DB
	queue          *queue.Queue
	storage        *storage.Storage
	scheduler      *scheduler.Scheduler
	defaultVoiceID string
}

func NewHandler(database *db.DB, q *queue.Queue, stor *storage.Storage, sched *scheduler.Scheduler, defaultVoiceID string) *Handler {
	return &Handler{
		db:             database,
		queue:          q,
		storage:        stor,
		scheduler:      sched,
		defaultVoiceID: defaultVoiceID,
	}
}

// CreateCreative handles POST /v1/creatives
func (h *Handler) CreateCreative(w http.ResponseWriter, r *http.Request) {
	var req models.CreateCreativeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Brief == "" {
		respondError(w, http.StatusBadRequest, "Brief is required")
		return
	}

	// Set defaults
	aspect := req.AspectRatio
	if aspect == "" {
		aspect = models.AspectPortrait
	}
	if _, _, err := models.AspectDims(aspect); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	targetSeconds := req.TargetSeconds
	if targetSeconds == 0 {
		targetSeconds = 30
	}
	if targetSeconds < 10 || targetSeconds > 120 {
		respondError(w, http.StatusBadRequest, "target_seconds must be between 10 and 120")
		return
	}

	sceneCount := req.SceneCount
	if sceneCount == 0 {
		sceneCount = 4
	}
	if sceneCount < 1 || sceneCount > 10 {
		respondError(w, http.StatusBadRequest, "scene_count must be between 1 and 10")
		return
	}

	voiceID := req.VoiceID
	if voiceID == "" {
		voiceID = h.defaultVoiceID
	}

	creative := &models.Creative{
		ID:                uuid.New(),
		Brief:             req.Brief,
		AspectRatio:       aspect,
		TargetSeconds:     targetSeconds,
		SceneCount:        sceneCount,
		VoiceID:           voiceID,
		AvatarID:          req.AvatarID,
		StyleReferenceURL: req.StyleReferenceURL,
		Status:            models.CreativeStatusQueued,
	}

	if err := h.db.CreateCreative(r.Context(), creative); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to create creative")
		return
	}

	if err := h.queue.EnqueueCreative(r.Context(), creative.ID); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue creative")
		return
	}

	respondJSON(w, http.StatusAccepted, models.CreateCreativeResponse{
		CreativeID: creative.ID,
		Status:     creative.Status,
	})
}

// ListCreatives handles GET /v1/creatives
// Query params:
//   - status: filter by creative status (queued, scripting, generating, rendering, completed, failed)
//   - limit:  max results per page (default 20, max 100)
//   - offset: number of results to skip (default 0)
func (h *Handler) ListCreatives(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	if statusFilter != "" {
		switch models.CreativeStatus(statusFilter) {
		case models.CreativeStatusQueued, models.CreativeStatusScripting,
			models.CreativeStatusGenerating, models.CreativeStatusRendering,
			models.CreativeStatusCompleted, models.CreativeStatusFailed:
			// valid
		default:
			respondError(w, http.StatusBadRequest, "Invalid status filter. Allowed: queued, scripting, generating, rendering, completed, failed")
			return
		}
	}

	limit, offset := pageParams(r)

	total, err := h.db.CountCreatives(r.Context(), statusFilter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to count creatives")
		return
	}

	creatives, err := h.db.ListCreatives(r.Context(), statusFilter, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list creatives")
		return
	}

	respondJSON(w, http.StatusOK, models.ListCreativesResponse{
		Creatives: creatives,
		Total:     total,
		Limit:     limit,
		Offset:    offset,
	})
}

// GetCreative handles GET /v1/creatives/{id}
func (h *Handler) GetCreative(w http.ResponseWriter, r *http.Request) {
	creativeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid creative ID")
		return
	}

	creative, err := h.db.GetCreative(r.Context(), creativeID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Creative not found")
		return
	}

	scenes, err := h.db.GetCreativeScenes(r.Context(), creativeID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to get scenes")
		return
	}

	detail := models.CreativeDetail{
		Creative: *creative,
		Scenes:   scenes,
	}

	// Attach the live render view while the job is still retained in the
	// queue. Evicted jobs simply drop out of the detail.
	if creative.RenderJobID != nil {
		if view, err := h.scheduler.Get(*creative.RenderJobID); err == nil {
			detail.Render = &view
		}
	}

	respondJSON(w, http.StatusOK, detail)
}

// DownloadCreative handles GET /v1/creatives/{id}/download
func (h *Handler) DownloadCreative(w http.ResponseWriter, r *http.Request) {
	creativeID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid creative ID")
		return
	}

	creative, err := h.db.GetCreative(r.Context(), creativeID)
	if err != nil {
		respondError(w, http.StatusNotFound, "Creative not found")
		return
	}

	if creative.FinalURL == nil {
		respondError(w, http.StatusNotFound, "Video not ready")
		return
	}

	// Signed URL valid for 1 hour
	signedURL, err := h.storage.GetSignedURL(r.Context(), h.storage.CreativePath(creativeID, "final.mp4"), 3600)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to generate download URL")
		return
	}

	http.Redirect(w, r, signedURL, http.StatusTemporaryRedirect)
}

// SubmitRenderJob handles POST /v1/render/jobs
func (h *Handler) SubmitRenderJob(w http.ResponseWriter, r *http.Request) {
	var req models.SubmitRenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	view, err := h.scheduler.Submit(req)
	if err != nil {
		respondRenderError(w, err)
		return
	}

	respondJSON(w, http.StatusAccepted, view)
}

// GetRenderJob handles GET /v1/render/jobs/{id}
func (h *Handler) GetRenderJob(w http.ResponseWriter, r *http.Request) {
	view, err := h.scheduler.Get(chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Render job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get render job")
		return
	}

	respondJSON(w, http.StatusOK, view)
}

// GetRenderJobLogs handles GET /v1/render/jobs/{id}/logs
func (h *Handler) GetRenderJobLogs(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	logs, command, err := h.scheduler.Logs(id)
	if err != nil {
		if errors.Is(err, scheduler.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Render job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to get render job logs")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobId":   id,
		"command": command,
		"logs":    logs,
	})
}

// GetRenderQueue handles GET /v1/render/queue
func (h *Handler) GetRenderQueue(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.scheduler.Stats())
}

// ListRenderRecords handles GET /v1/render/records — the durable audit
// trail of finished jobs, newest first.
func (h *Handler) ListRenderRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset := pageParams(r)

	records, err := h.db.ListRenderRecords(r.Context(), limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to list render records")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"limit":   limit,
		"offset":  offset,
	})
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Helpers

func pageParams(r *http.Request) (limit, offset int) {
	limit = 20
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset = 0
	if o := r.URL.Query().Get("offset"); o != "" {
		if parsed, err := strconv.Atoi(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

// respondRenderError maps render-queue submission failures onto HTTP:
// rejected inputs are the caller's fault, a full queue asks them to retry
// later, anything else is ours.
func respondRenderError(w http.ResponseWriter, err error) {
	jobErr, ok := models.AsJobError(err)
	if !ok {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch jobErr.Code {
	case models.ErrCodeValidation:
		status = http.StatusBadRequest
	case models.ErrCodeQueueOverflow:
		status = http.StatusTooManyRequests
	}

	respondJSON(w, status, map[string]interface{}{"error": jobErr})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
