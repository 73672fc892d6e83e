package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/render"
	"github.com/reelforge/reelforge/internal/scheduler"
	"github.com/reelforge/reelforge/internal/sources"
)

type stubResolver struct{}

func (stubResolver) ScratchDir(jobID string) string { return "/tmp/" + jobID }

func (stubResolver) Resolve(ctx context.Context, jobID string, kind models.JobKind, in models.InputSpec, register sources.RegisterTemp) (*sources.Resolved, error) {
	return &sources.Resolved{Inputs: []string{"/tmp/" + jobID + "/src_00.mp4"}}, nil
}

// stubRenderer blocks until released, then reports success.
type stubRenderer struct {
	release  chan struct{}
	released sync.Once
}

func (r *stubRenderer) releaseAll() {
	r.released.Do(func() { close(r.release) })
}

func (r *stubRenderer) Render(ctx context.Context, task render.Task, cb render.Callbacks) (*render.Result, error) {
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, models.NewJobError(models.ErrCodeTimeout, "attempt aborted: %v", ctx.Err())
	}
	cb.Log("frame=1 time=00:00:05.00")
	return &render.Result{
		EncoderUsed: "libx264",
		Artifact: models.Artifact{
			Type:       models.ArtifactTypeVideo,
			Mime:       "video/mp4",
			Path:       "/outputs/" + task.JobID + ".mp4",
			SizeBytes:  8,
			DurationMs: 5000,
		},
	}, nil
}

func newTestRouter(t *testing.T, apiKey string, opts scheduler.Options) (*stubRenderer, http.Handler, *scheduler.Scheduler) {
	t.Helper()
	renderer := &stubRenderer{release: make(chan struct{})}
	sched := scheduler.New(stubResolver{}, renderer, opts)
	t.Cleanup(func() {
		renderer.releaseAll()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sched.Shutdown(ctx)
	})

	h := NewHandler(nil, nil, nil, sched, "")
	return renderer, NewRouter(h, RouterConfig{BackendAPIKey: apiKey}), sched
}

func submitBody() string {
	return `{"kind":"simple_edit","input":{"sourceUrl":"https://cdn.example.com/in.mp4"}}`
}

func doJSON(t *testing.T, router http.Handler, method, path, apiKey, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != "" {
		reader = strings.NewReader(body)
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	_, router, _ := newTestRouter(t, "secret", scheduler.Options{Slots: 1, MaxPending: 4})

	rec := doJSON(t, router, "GET", "/health", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want 200", rec.Code)
	}
}

func TestAPIKeyRequired(t *testing.T) {
	_, router, _ := newTestRouter(t, "secret", scheduler.Options{Slots: 1, MaxPending: 4})

	if rec := doJSON(t, router, "GET", "/v1/render/queue", "", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing key status = %d, want 401", rec.Code)
	}
	if rec := doJSON(t, router, "GET", "/v1/render/queue", "wrong", ""); rec.Code != http.StatusForbidden {
		t.Fatalf("bad key status = %d, want 403", rec.Code)
	}

	req := httptest.NewRequest("GET", "/v1/render/queue", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("bearer key status = %d, want 200", rec.Code)
	}
}

func TestSubmitRenderJobAccepted(t *testing.T) {
	_, router, _ := newTestRouter(t, "secret", scheduler.Options{Slots: 1, MaxPending: 4})

	rec := doJSON(t, router, "POST", "/v1/render/jobs", "secret", submitBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d, want 202 (body %s)", rec.Code, rec.Body.String())
	}

	var view models.JobView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode view: %v", err)
	}
	if view.JobID == "" {
		t.Fatal("submit response is missing jobId")
	}
	if view.Status != models.RenderStatusQueued {
		t.Fatalf("status = %q, want queued", view.Status)
	}
	if view.QueuePosition == nil {
		t.Fatal("submit response is missing queuePosition")
	}
}

func TestSubmitRenderJobValidationError(t *testing.T) {
	_, router, _ := newTestRouter(t, "secret", scheduler.Options{Slots: 1, MaxPending: 4})

	rec := doJSON(t, router, "POST", "/v1/render/jobs", "secret",
		`{"kind":"gif_loop","input":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad kind status = %d, want 400", rec.Code)
	}

	var body struct {
		Error models.JobError `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Code != models.ErrCodeValidation {
		t.Fatalf("error code = %q, want validation", body.Error.Code)
	}
}

func TestSubmitRenderJobOverflow(t *testing.T) {
	_, router, _ := newTestRouter(t, "secret", scheduler.Options{Slots: 1, MaxPending: 1})

	// First job occupies the slot, second fills the pending queue.
	for i := 0; i < 2; i++ {
		if rec := doJSON(t, router, "POST", "/v1/render/jobs", "secret", submitBody()); rec.Code != http.StatusAccepted {
			t.Fatalf("submit %d status = %d, want 202", i, rec.Code)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec := doJSON(t, router, "POST", "/v1/render/jobs", "secret", submitBody())
		if rec.Code == http.StatusTooManyRequests {
			var body struct {
				Error models.JobError `json:"error"`
			}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode error body: %v", err)
			}
			if body.Error.Code != models.ErrCodeQueueOverflow {
				t.Fatalf("error code = %q, want queue_overflow", body.Error.Code)
			}
			return
		}
		// A 202 means the first job had not yet claimed the slot when this
		// submission landed; give the dispatcher a beat and try again.
		if time.Now().After(deadline) {
			t.Fatalf("queue never reported overflow (last status %d)", rec.Code)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGetRenderJobLifecycle(t *testing.T) {
	renderer, router, _ := newTestRouter(t, "secret", scheduler.Options{Slots: 1, MaxPending: 4})

	rec := doJSON(t, router, "POST", "/v1/render/jobs", "secret", submitBody())
	if rec.Code != http.StatusAccepted {
		t.Fatalf("submit status = %d", rec.Code)
	}
	var submitted models.JobView
	if err := json.Unmarshal(rec.Body.Bytes(), &submitted); err != nil {
		t.Fatalf("decode view: %v", err)
	}

	renderer.releaseAll()

	deadline := time.Now().Add(3 * time.Second)
	for {
		rec = doJSON(t, router, "GET", "/v1/render/jobs/"+submitted.JobID, "secret", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("get status = %d", rec.Code)
		}
		var view models.JobView
		if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
			t.Fatalf("decode view: %v", err)
		}
		if view.Status == models.RenderStatusDone {
			if view.ProgressPercent != 100 {
				t.Fatalf("done job progress = %d, want 100", view.ProgressPercent)
			}
			if view.EncoderUsed != "libx264" {
				t.Fatalf("encoderUsed = %q", view.EncoderUsed)
			}
			if len(view.Artifacts) != 1 {
				t.Fatalf("artifacts = %v", view.Artifacts)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished (status %s)", view.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Logs include the renderer's streamed line.
	rec = doJSON(t, router, "GET", "/v1/render/jobs/"+submitted.JobID+"/logs", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("logs status = %d", rec.Code)
	}
	var logsBody struct {
		JobID string   `json:"jobId"`
		Logs  []string `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &logsBody); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if logsBody.JobID != submitted.JobID {
		t.Fatalf("logs jobId = %q", logsBody.JobID)
	}
	found := false
	for _, line := range logsBody.Logs {
		if strings.Contains(line, "time=00:00:05.00") {
			found = true
		}
	}
	if !found {
		t.Fatalf("logs missing renderer output: %v", logsBody.Logs)
	}
}

func TestGetRenderJobNotFound(t *testing.T) {
	_, router, _ := newTestRouter(t, "secret", scheduler.Options{Slots: 1, MaxPending: 4})

	if rec := doJSON(t, router, "GET", "/v1/render/jobs/nope", "secret", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job status = %d, want 404", rec.Code)
	}
	if rec := doJSON(t, router, "GET", "/v1/render/jobs/nope/logs", "secret", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job logs status = %d, want 404", rec.Code)
	}
}

func TestGetRenderQueueStats(t *testing.T) {
	_, router, _ := newTestRouter(t, "secret", scheduler.Options{Slots: 2, MaxPending: 4})

	rec := doJSON(t, router, "GET", "/v1/render/queue", "secret", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status = %d", rec.Code)
	}
	var stats scheduler.QueueStats
	if err := json.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}
	if stats.Slots != 2 {
		t.Fatalf("slots = %d, want 2", stats.Slots)
	}
}
