package scheduler

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reelforge/reelforge/internal/models"
	"github.com/reelforge/reelforge/internal/render"
	"github.com/reelforge/reelforge/internal/sources"
)

// Resolver stages a job's sources into local files.
type Resolver interface {
	ScratchDir(jobID string) string
	Resolve(ctx context.Context, jobID string, kind models.JobKind, in models.InputSpec, register sources.RegisterTemp) (*sources.Resolved, error)
}

// Renderer runs one job against the encoder stack.
type Renderer interface {
	Render(ctx context.Context, task render.Task, cb render.Callbacks) (*render.Result, error)
}

// Options sizes the queue and wires its collaborators' knobs.
type Options struct {
	Slots      int // concurrent renders
	MaxPending int // queued jobs beyond which submission is refused
	MaxJobs    int // retained records, live or terminal
	TailLines  int // log lines exposed on a job view

	// Local paths clients may reference directly. Anything outside is
	// refused at submission.
	AllowedRoots []string

	// OnFinished fires once per job after it reaches done or error.
	OnFinished func(models.JobView)
}

type queuedJob struct {
	id     string
	weight int
	seq    uint64
}

// Scheduler admits, orders, and runs render jobs: bounded pending queue,
// priority-then-FIFO dispatch, and a fixed number of concurrent slots.
type Scheduler struct {
	store    *Store
	resolver Resolver
	renderer Renderer
	opts     Options

	mu      sync.Mutex
	pending []queuedJob
	nextSeq uint64
	closed  bool

	slots chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func New(resolver Resolver, renderer Renderer, opts Options) *Scheduler {
	if opts.Slots < 1 {
		opts.Slots = 1
	}
	if opts.MaxPending < 1 {
		opts.MaxPending = 100
	}
	if opts.MaxJobs < 1 {
		opts.MaxJobs = 100
	}
	if opts.TailLines < 1 {
		opts.TailLines = 40
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		store:    NewStore(opts.MaxJobs, opts.TailLines),
		resolver: resolver,
		renderer: renderer,
		opts:     opts,
		slots:    make(chan struct{}, opts.Slots),
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// Submit validates and enqueues a job. The returned view always reports the
// job as queued with its starting position; poll Get for live state.
// Validation problems and a full queue come back as *models.JobError so
// callers can map them onto status codes.
func (s *Scheduler) Submit(req models.SubmitRenderRequest) (models.JobView, error) {
	if !req.Kind.Valid() {
		return models.JobView{}, models.NewJobError(models.ErrCodeValidation, "unknown job kind %q", string(req.Kind))
	}
	priority := req.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	if !priority.Valid() {
		return models.JobView{}, models.NewJobError(models.ErrCodeValidation, "unknown priority %q", string(req.Priority))
	}
	if err := req.Input.Validate(req.Kind); err != nil {
		return models.JobView{}, err
	}
	if err := s.checkLocalPaths(req.Input); err != nil {
		return models.JobView{}, err
	}

	job := &models.RenderJob{
		ID:        uuid.New().String(),
		Kind:      req.Kind,
		Input:     req.Input,
		Priority:  priority,
		Status:    models.RenderStatusQueued,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return models.JobView{}, models.NewJobError(models.ErrCodeInternal, "scheduler is shutting down")
	}
	if len(s.pending) >= s.opts.MaxPending {
		s.mu.Unlock()
		return models.JobView{}, models.NewJobError(models.ErrCodeQueueOverflow, "render queue is full (%d jobs pending)", s.opts.MaxPending)
	}
	s.nextSeq++
	entry := queuedJob{id: job.ID, weight: priority.Weight(), seq: s.nextSeq}
	// Snapshot before the job is shared with the store; after Put a pipeline
	// goroutine may already be mutating it.
	view := job.View(s.opts.TailLines)
	s.store.Put(job)
	s.pending = append(s.pending, entry)
	pos := s.positionLocked(entry)
	s.mu.Unlock()
	view.QueuePosition = &pos

	log.Printf("[Scheduler] Job %s submitted (%s, priority %s, position %d)", job.ID, job.Kind, priority, pos)
	s.drain()
	return view, nil
}

// checkLocalPaths refuses client-supplied filesystem paths outside the
// allowed roots. Remote URLs are not restricted here. The resolver treats
// any non-URL reference as a local path, so URL-shaped fields are screened
// too — a path hidden in sourceUrls gets the same treatment as sourcePath.
func (s *Scheduler) checkLocalPaths(in models.InputSpec) error {
	paths := []string{}
	addRef := func(ref string) {
		if ref != "" && !sources.IsURL(ref) {
			paths = append(paths, ref)
		}
	}
	addRef(in.SourcePath)
	addRef(in.SourceURL)
	for i := range in.Segments {
		addRef(in.Segments[i].SourcePath)
		addRef(in.Segments[i].SourceURL)
	}
	for _, u := range in.SourceURLs {
		addRef(u)
	}
	addRef(in.AudioTrackURL)
	for _, p := range paths {
		if err := sources.ValidateLocalPath(p, s.opts.AllowedRoots); err != nil {
			return models.NewJobError(models.ErrCodeValidation, "sourcePath %q: %v", p, err)
		}
	}
	return nil
}

// Get returns the current snapshot of a job, including its queue position
// while it is still waiting.
func (s *Scheduler) Get(id string) (models.JobView, error) {
	view, err := s.store.Get(id)
	if err != nil {
		return models.JobView{}, err
	}
	if view.Status == models.RenderStatusQueued {
		s.mu.Lock()
		for _, e := range s.pending {
			if e.id == id {
				pos := s.positionLocked(e)
				view.QueuePosition = &pos
				break
			}
		}
		s.mu.Unlock()
	}
	return view, nil
}

// Logs returns the full retained log for a job.
func (s *Scheduler) Logs(id string) ([]string, string, error) {
	return s.store.Logs(id)
}

// QueueStats is the operational summary for the queue endpoint.
type QueueStats struct {
	Pending int `json:"pending"`
	Running int `json:"running"`
	Slots   int `json:"slots"`
}

func (s *Scheduler) Stats() QueueStats {
	s.mu.Lock()
	pending := len(s.pending)
	s.mu.Unlock()
	return QueueStats{Pending: pending, Running: len(s.slots), Slots: cap(s.slots)}
}

// positionLocked ranks an entry within the pending queue: 1 plus the number
// of entries that would be dispatched ahead of it.
func (s *Scheduler) positionLocked(target queuedJob) int {
	pos := 1
	for _, e := range s.pending {
		if e.id == target.id {
			continue
		}
		if e.weight > target.weight || (e.weight == target.weight && e.seq < target.seq) {
			pos++
		}
	}
	return pos
}

// drain moves jobs from pending into free slots until one side runs out.
// Dispatch happens under the queue lock so no pipeline can start after
// Shutdown has flipped closed.
func (s *Scheduler) drain() {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		select {
		case s.slots <- struct{}{}:
		default:
			s.mu.Unlock()
			return
		}
		id, ok := s.popNextLocked()
		if !ok {
			<-s.slots
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.runJob(id)
	}
}

// popNextLocked removes the highest-weight entry, FIFO within a weight.
func (s *Scheduler) popNextLocked() (string, bool) {
	if len(s.pending) == 0 {
		return "", false
	}
	best := 0
	for i := 1; i < len(s.pending); i++ {
		e, b := s.pending[i], s.pending[best]
		if e.weight > b.weight || (e.weight == b.weight && e.seq < b.seq) {
			best = i
		}
	}
	id := s.pending[best].id
	s.pending = append(s.pending[:best], s.pending[best+1:]...)
	return id, true
}

func (s *Scheduler) runJob(id string) {
	defer s.wg.Done()
	defer func() {
		<-s.slots
		s.drain()
	}()

	var temps []string
	scratch := s.resolver.ScratchDir(id)
	defer func() {
		for _, f := range temps {
			if err := os.Remove(f); err != nil && !os.IsNotExist(err) {
				log.Printf("[Scheduler] Job %s: could not remove temp %s: %v", id, f, err)
			}
		}
		if err := os.RemoveAll(scratch); err != nil {
			log.Printf("[Scheduler] Job %s: could not remove scratch dir: %v", id, err)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Scheduler] Job %s panicked: %v", id, r)
			s.failJob(id, models.NewJobError(models.ErrCodeInternal, "internal failure: %v", r))
		}
	}()

	job, ok := s.store.job(id)
	if !ok {
		return
	}

	s.store.MarkRunning(id)
	log.Printf("[Scheduler] Job %s started (%s)", id, job.Kind)

	resolved, err := s.resolver.Resolve(s.baseCtx, id, job.Kind, job.Input, func(path string) {
		temps = append(temps, path)
		s.store.AddTempFile(id, path)
	})
	if err != nil {
		s.failJob(id, err)
		return
	}

	result, err := s.renderer.Render(s.baseCtx, render.Task{
		JobID:      id,
		Kind:       job.Kind,
		Input:      job.Input,
		Inputs:     resolved.Inputs,
		AudioTrack: resolved.AudioTrack,
	}, render.Callbacks{
		Progress: func(percent, etaSeconds int, hasETA bool) {
			var eta *int
			if hasETA {
				eta = &etaSeconds
			}
			s.store.SetProgress(id, percent, eta)
		},
		Log: func(line string) {
			s.store.AppendLog(id, line)
		},
		CommandLine: func(args []string) {
			s.store.SetCommandLine(id, args)
		},
	})
	if err != nil {
		s.failJob(id, err)
		return
	}

	s.store.Complete(id, result.EncoderUsed, result.Artifact)
	log.Printf("[Scheduler] Job %s done (encoder %s, %d bytes)", id, result.EncoderUsed, result.Artifact.SizeBytes)
	s.notifyFinished(id)
}

func (s *Scheduler) failJob(id string, err error) {
	jobErr, ok := models.AsJobError(err)
	if !ok {
		jobErr = models.NewJobError(models.ErrCodeInternal, "%v", err)
	}
	s.store.Fail(id, jobErr)
	log.Printf("[Scheduler] Job %s failed: %s", id, jobErr.Error())
	s.notifyFinished(id)
}

func (s *Scheduler) notifyFinished(id string) {
	if s.opts.OnFinished == nil {
		return
	}
	if view, err := s.store.Get(id); err == nil {
		s.opts.OnFinished(view)
	}
}

// Shutdown refuses new submissions, aborts running attempts, and waits for
// their pipelines to unwind, up to ctx's deadline. Jobs still queued never
// start.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
