package scheduler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/render"
	"github.com/reelforge/reelforge/internal/sources"
)

type fakeResolver struct {
	workDir string
	fail    *models.JobError
	stage   bool // create and register a scratch file per job

	mu    sync.Mutex
	calls int
}

func (f *fakeResolver) ScratchDir(jobID string) string {
	return filepath.Join(f.workDir, jobID)
}

func (f *fakeResolver) Resolve(_ context.Context, jobID string, _ models.JobKind, in models.InputSpec, register sources.RegisterTemp) (*sources.Resolved, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	res := &sources.Resolved{Inputs: []string{"/resolved/input.mp4"}}
	if f.stage {
		scratch := f.ScratchDir(jobID)
		if err := os.MkdirAll(scratch, 0o755); err != nil {
			return nil, err
		}
		staged := filepath.Join(scratch, "src_00.mp4")
		if err := os.WriteFile(staged, []byte("staged"), 0o644); err != nil {
			return nil, err
		}
		register(staged)
		res.Inputs = []string{staged}
	}
	if in.AudioTrackURL != "" {
		res.AudioTrack = "/resolved/audio.mp3"
	}
	return res, nil
}

type fakeRenderer struct {
	release    chan struct{} // when set, each render consumes one token
	started    chan string
	fail       *models.JobError
	respectCtx bool
	sleep      time.Duration

	mu      sync.Mutex
	order   []string
	cur     int
	maxSeen int
}

func (f *fakeRenderer) Render(ctx context.Context, task render.Task, cb render.Callbacks) (*render.Result, error) {
	f.mu.Lock()
	f.order = append(f.order, task.JobID)
	f.cur++
	if f.cur > f.maxSeen {
		f.maxSeen = f.cur
	}
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.cur--
		f.mu.Unlock()
	}()

	if f.started != nil {
		f.started <- task.JobID
	}
	if f.respectCtx {
		<-ctx.Done()
		return nil, models.NewJobError(models.ErrCodeTimeout, "attempt aborted: %v", ctx.Err())
	}
	if f.release != nil {
		<-f.release
	}
	if f.sleep > 0 {
		time.Sleep(f.sleep)
	}
	if f.fail != nil {
		return nil, f.fail
	}

	cb.CommandLine([]string{"ffmpeg", "-y", "-i", task.Inputs[0]})
	cb.Log("frame=1 time=00:00:05.00")
	cb.Progress(50, 4, true)
	return &render.Result{
		EncoderUsed: "libx264",
		Artifact: models.Artifact{
			Type:       models.ArtifactTypeVideo,
			Mime:       "video/mp4",
			Path:       "/out/" + task.JobID + ".mp4",
			SizeBytes:  8,
			DurationMs: 5000,
		},
	}, nil
}

func simpleSubmit(root string) models.SubmitRenderRequest {
	return models.SubmitRenderRequest{
		Kind:  models.JobKindSimpleEdit,
		Input: models.InputSpec{SourcePath: filepath.Join(root, "in.mp4")},
	}
}

func waitForStatus(t *testing.T, s *Scheduler, id string, want models.RenderStatus) models.JobView {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if v, err := s.Get(id); err == nil && v.Status == want {
			return v
		}
		time.Sleep(5 * time.Millisecond)
	}
	v, err := s.Get(id)
	t.Fatalf("job %s never reached %s (last: %+v, err %v)", id, want, v, err)
	return models.JobView{}
}

func TestSubmitValidation(t *testing.T) {
	root := t.TempDir()
	s := New(&fakeResolver{workDir: root}, &fakeRenderer{}, Options{AllowedRoots: []string{root}})

	cases := []struct {
		name string
		req  models.SubmitRenderRequest
	}{
		{"unknown kind", models.SubmitRenderRequest{Kind: "gif_loop"}},
		{"unknown priority", models.SubmitRenderRequest{
			Kind:     models.JobKindSimpleEdit,
			Input:    models.InputSpec{SourcePath: filepath.Join(root, "a.mp4")},
			Priority: "urgent",
		}},
		{"missing source", models.SubmitRenderRequest{Kind: models.JobKindSimpleEdit}},
		{"escaping path", models.SubmitRenderRequest{
			Kind:  models.JobKindSimpleEdit,
			Input: models.InputSpec{SourcePath: "/etc/passwd"},
		}},
	}
	for _, tc := range cases {
		_, err := s.Submit(tc.req)
		if err == nil {
			t.Errorf("%s: submission should be refused", tc.name)
			continue
		}
		jerr, ok := models.AsJobError(err)
		if !ok || jerr.Code != models.ErrCodeValidation {
			t.Errorf("%s: err = %v, want validation", tc.name, err)
		}
	}
}

func TestSubmitOverflowAtCap(t *testing.T) {
	root := t.TempDir()
	renderer := &fakeRenderer{release: make(chan struct{})}
	s := New(&fakeResolver{workDir: root}, renderer, Options{
		Slots:        1,
		MaxPending:   100,
		MaxJobs:      100,
		AllowedRoots: []string{root},
	})

	// One dispatches into the slot and blocks; one hundred more fill the
	// pending queue to its cap.
	var ids []string
	for i := 0; i < 101; i++ {
		v, err := s.Submit(simpleSubmit(root))
		if err != nil {
			t.Fatalf("submission %d refused: %v", i+1, err)
		}
		ids = append(ids, v.JobID)
	}

	_, err := s.Submit(simpleSubmit(root))
	jerr, ok := models.AsJobError(err)
	if !ok || jerr.Code != models.ErrCodeQueueOverflow {
		t.Fatalf("over-cap submission err = %v, want queue_overflow", err)
	}

	close(renderer.release)
	for _, id := range ids {
		waitForStatus(t, s, id, models.RenderStatusDone)
	}
}

func TestPriorityOrderWithinSlot(t *testing.T) {
	root := t.TempDir()
	renderer := &fakeRenderer{
		release: make(chan struct{}, 8),
		started: make(chan string, 8),
	}
	s := New(&fakeResolver{workDir: root}, renderer, Options{Slots: 1, AllowedRoots: []string{root}})

	first, err := s.Submit(simpleSubmit(root))
	if err != nil {
		t.Fatal(err)
	}

	submit := func(p models.Priority) string {
		req := simpleSubmit(root)
		req.Priority = p
		v, err := s.Submit(req)
		if err != nil {
			t.Fatal(err)
		}
		return v.JobID
	}
	low := submit(models.PriorityLow)
	high := submit(models.PriorityHigh)
	normal := submit(models.PriorityNormal)

	for i := 0; i < 4; i++ {
		renderer.release <- struct{}{}
	}

	var startedOrder []string
	for i := 0; i < 4; i++ {
		select {
		case id := <-renderer.started:
			startedOrder = append(startedOrder, id)
		case <-time.After(3 * time.Second):
			t.Fatalf("only %d jobs started: %v", len(startedOrder), startedOrder)
		}
	}

	want := []string{first.JobID, high, normal, low}
	for i := range want {
		if startedOrder[i] != want[i] {
			t.Fatalf("dispatch order = %v, want [first high normal low]", startedOrder)
		}
	}
}

func TestConcurrencyStaysWithinSlots(t *testing.T) {
	root := t.TempDir()
	renderer := &fakeRenderer{sleep: 30 * time.Millisecond}
	s := New(&fakeResolver{workDir: root}, renderer, Options{Slots: 1, AllowedRoots: []string{root}})

	var ids []string
	for i := 0; i < 4; i++ {
		v, err := s.Submit(simpleSubmit(root))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, v.JobID)
	}
	for _, id := range ids {
		waitForStatus(t, s, id, models.RenderStatusDone)
	}

	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	if renderer.maxSeen != 1 {
		t.Errorf("observed %d concurrent renders, want 1", renderer.maxSeen)
	}
}

func TestQueuePositionReporting(t *testing.T) {
	root := t.TempDir()
	renderer := &fakeRenderer{release: make(chan struct{})}
	s := New(&fakeResolver{workDir: root}, renderer, Options{Slots: 1, AllowedRoots: []string{root}})

	a, err := s.Submit(simpleSubmit(root))
	if err != nil {
		t.Fatal(err)
	}

	b, err := s.Submit(simpleSubmit(root))
	if err != nil {
		t.Fatal(err)
	}
	if b.QueuePosition == nil || *b.QueuePosition != 1 {
		t.Fatalf("first queued job position = %v, want 1", b.QueuePosition)
	}

	c, _ := s.Submit(simpleSubmit(root))
	if c.QueuePosition == nil || *c.QueuePosition != 2 {
		t.Fatalf("second queued job position = %v, want 2", c.QueuePosition)
	}

	hi := simpleSubmit(root)
	hi.Priority = models.PriorityHigh
	d, _ := s.Submit(hi)
	if d.QueuePosition == nil || *d.QueuePosition != 1 {
		t.Fatalf("high-priority job position = %v, want 1", d.QueuePosition)
	}

	bNow, _ := s.Get(b.JobID)
	if bNow.QueuePosition == nil || *bNow.QueuePosition != 2 {
		t.Errorf("normal job position = %v after high jumped ahead, want 2", bNow.QueuePosition)
	}

	close(renderer.release)
	for _, id := range []string{a.JobID, b.JobID, c.JobID, d.JobID} {
		waitForStatus(t, s, id, models.RenderStatusDone)
	}
}

func TestTempFilesCleanedAfterCompletion(t *testing.T) {
	root := t.TempDir()
	resolver := &fakeResolver{workDir: root, stage: true}
	s := New(resolver, &fakeRenderer{}, Options{AllowedRoots: []string{root}})

	v, err := s.Submit(simpleSubmit(root))
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, s, v.JobID, models.RenderStatusDone)

	scratch := resolver.ScratchDir(v.JobID)
	deadline := time.Now().Add(2 * time.Second)
	removed := false
	for time.Now().Before(deadline) {
		if _, err := os.Stat(scratch); os.IsNotExist(err) {
			removed = true
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !removed {
		t.Fatalf("scratch dir %s still present after completion", scratch)
	}

	// The record keeps the audit trail of what was staged, and every entry
	// is gone from disk.
	rec, ok := s.store.job(v.JobID)
	if !ok {
		t.Fatal("job record missing after completion")
	}
	if len(rec.TempFiles) != 1 {
		t.Fatalf("recorded temp files = %v, want the one staged source", rec.TempFiles)
	}
	if _, err := os.Stat(rec.TempFiles[0]); !os.IsNotExist(err) {
		t.Errorf("recorded temp %s still on disk", rec.TempFiles[0])
	}
}

func TestResolveFailureFailsJob(t *testing.T) {
	root := t.TempDir()
	resolver := &fakeResolver{
		workDir: root,
		fail:    models.NewJobError(models.ErrCodeSourceUnavailable, "source 1 (https://cdn/broken.mp4): status 404"),
	}
	renderer := &fakeRenderer{}
	s := New(resolver, renderer, Options{AllowedRoots: []string{root}})

	v, err := s.Submit(simpleSubmit(root))
	if err != nil {
		t.Fatal(err)
	}
	got := waitForStatus(t, s, v.JobID, models.RenderStatusError)

	if got.Error == nil || got.Error.Code != models.ErrCodeSourceUnavailable {
		t.Fatalf("error = %+v, want source_unavailable", got.Error)
	}
	renderer.mu.Lock()
	defer renderer.mu.Unlock()
	if len(renderer.order) != 0 {
		t.Errorf("renderer ran %d times for an unresolvable job, want 0", len(renderer.order))
	}
}

func TestRenderFailureRecordsError(t *testing.T) {
	root := t.TempDir()
	renderer := &fakeRenderer{fail: models.NewJobError(models.ErrCodeProcessFailure, "encoder exited with code 1")}
	s := New(&fakeResolver{workDir: root}, renderer, Options{AllowedRoots: []string{root}})

	v, err := s.Submit(simpleSubmit(root))
	if err != nil {
		t.Fatal(err)
	}
	got := waitForStatus(t, s, v.JobID, models.RenderStatusError)

	if got.Error == nil || got.Error.Code != models.ErrCodeProcessFailure {
		t.Errorf("error = %+v, want process_failure", got.Error)
	}
	if got.ProgressPercent == 100 {
		t.Errorf("failed job reports 100%%")
	}
	if got.CompletedAt == nil {
		t.Errorf("failed job missing completion time")
	}
}

func TestJobLifecycleView(t *testing.T) {
	root := t.TempDir()
	s := New(&fakeResolver{workDir: root}, &fakeRenderer{}, Options{AllowedRoots: []string{root}})

	v, err := s.Submit(simpleSubmit(root))
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != models.RenderStatusQueued {
		t.Fatalf("submission returned status %s, want queued", v.Status)
	}
	if v.QueuePosition == nil {
		t.Fatal("submission response is missing the queue position")
	}

	got := waitForStatus(t, s, v.JobID, models.RenderStatusDone)
	if got.ProgressPercent != 100 {
		t.Errorf("progress = %d, want 100", got.ProgressPercent)
	}
	if got.EncoderUsed != "libx264" {
		t.Errorf("encoderUsed = %q", got.EncoderUsed)
	}
	if len(got.Artifacts) != 1 || got.Artifacts[0].DurationMs != 5000 {
		t.Errorf("artifacts = %+v, want one 5000ms video", got.Artifacts)
	}
	if got.EtaSeconds != nil {
		t.Errorf("finished job still reports an ETA")
	}
	if got.Command == "" {
		t.Errorf("command line was not recorded")
	}
	found := false
	for _, l := range got.LogsTail {
		if l == "frame=1 time=00:00:05.00" {
			found = true
		}
	}
	if !found {
		t.Errorf("log tail missing renderer output: %v", got.LogsTail)
	}
}

func TestGetUnknownJob(t *testing.T) {
	root := t.TempDir()
	s := New(&fakeResolver{workDir: root}, &fakeRenderer{}, Options{AllowedRoots: []string{root}})
	if _, err := s.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestOnFinishedFiresPerTerminalJob(t *testing.T) {
	root := t.TempDir()
	finished := make(chan models.JobView, 2)
	s := New(&fakeResolver{workDir: root}, &fakeRenderer{}, Options{
		AllowedRoots: []string{root},
		OnFinished:   func(v models.JobView) { finished <- v },
	})

	sub, err := s.Submit(simpleSubmit(root))
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, s, sub.JobID, models.RenderStatusDone)

	select {
	case v := <-finished:
		if v.JobID != sub.JobID || v.Status != models.RenderStatusDone {
			t.Errorf("notification = %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion notification")
	}
}

func TestShutdownAbortsRunningJobs(t *testing.T) {
	root := t.TempDir()
	renderer := &fakeRenderer{respectCtx: true}
	s := New(&fakeResolver{workDir: root}, renderer, Options{Slots: 1, AllowedRoots: []string{root}})

	v, err := s.Submit(simpleSubmit(root))
	if err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, s, v.JobID, models.RenderStatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	got, err := s.Get(v.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != models.RenderStatusError || got.Error == nil || got.Error.Code != models.ErrCodeTimeout {
		t.Errorf("aborted job = %+v, want timeout error", got)
	}
}

func TestSubmitRefusedAfterShutdown(t *testing.T) {
	root := t.TempDir()
	s := New(&fakeResolver{workDir: root}, &fakeRenderer{}, Options{AllowedRoots: []string{root}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_, err := s.Submit(simpleSubmit(root))
	jerr, ok := models.AsJobError(err)
	if !ok || jerr.Code != models.ErrCodeInternal {
		t.Fatalf("post-shutdown submit err = %v, want internal refusal", err)
	}
}
