package scheduler

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/reelforge/reelforge/internal/models"
)

var ErrNotFound = errors.New("job not found")

// maxLogLines bounds the per-job log buffer; older lines roll off.
const maxLogLines = 2000

// Store is the bounded in-memory job table. It retains the most recent jobs
// up to its cap and evicts only terminal records, oldest first; a live job
// is never dropped even when the table runs over.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*models.RenderJob
	order   []string // creation order, oldest first
	maxJobs int
	tail    int
}

func NewStore(maxJobs, tailLines int) *Store {
	if maxJobs < 1 {
		maxJobs = 1
	}
	return &Store{
		jobs:    make(map[string]*models.RenderJob),
		maxJobs: maxJobs,
		tail:    tailLines,
	}
}

// Put inserts a freshly created job and evicts old terminal records if the
// table is over its cap.
func (st *Store) Put(job *models.RenderJob) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.jobs[job.ID] = job
	st.order = append(st.order, job.ID)
	st.evictLocked()
}

func (st *Store) evictLocked() {
	if len(st.jobs) <= st.maxJobs {
		return
	}
	i := 0
	for i < len(st.order) && len(st.jobs) > st.maxJobs {
		id := st.order[i]
		if j, ok := st.jobs[id]; ok && j.Status.Terminal() {
			delete(st.jobs, id)
			st.order = append(st.order[:i], st.order[i+1:]...)
			continue
		}
		i++
	}
}

// Get returns a client-facing snapshot of the job.
func (st *Store) Get(id string) (models.JobView, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return models.JobView{}, ErrNotFound
	}
	return j.View(st.tail), nil
}

// Logs returns the full retained log of the job and its last-known command
// line, joined for display.
func (st *Store) Logs(id string) ([]string, string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return nil, "", ErrNotFound
	}
	return append([]string(nil), j.Logs...), strings.Join(j.CommandLine, " "), nil
}

// Len reports how many records the table currently holds.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.jobs)
}

// job returns a working copy for the pipeline. The Input inside is shared
// and treated as read-only after submission.
func (st *Store) job(id string) (models.RenderJob, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok {
		return models.RenderJob{}, false
	}
	return *j, true
}

// mutate applies fn to a live job. Terminal jobs are immutable; late
// callbacks from an already-finished pipeline fall through here silently.
func (st *Store) mutate(id string, fn func(*models.RenderJob)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	j, ok := st.jobs[id]
	if !ok || j.Status.Terminal() {
		return
	}
	fn(j)
}

func (st *Store) MarkRunning(id string) {
	st.mutate(id, func(j *models.RenderJob) {
		now := time.Now().UTC()
		j.Status = models.RenderStatusRunning
		j.StartedAt = &now
	})
}

// SetProgress raises the job's percentage. Regressions are dropped so the
// number never moves backwards, and 100 stays reserved for completion.
func (st *Store) SetProgress(id string, percent int, etaSeconds *int) {
	st.mutate(id, func(j *models.RenderJob) {
		if percent > 99 {
			percent = 99
		}
		if percent > j.ProgressPercent {
			j.ProgressPercent = percent
		}
		if etaSeconds != nil {
			eta := *etaSeconds
			j.EtaSeconds = &eta
		}
	})
}

func (st *Store) AppendLog(id, line string) {
	st.mutate(id, func(j *models.RenderJob) {
		j.Logs = append(j.Logs, line)
		if len(j.Logs) > maxLogLines {
			j.Logs = j.Logs[len(j.Logs)-maxLogLines:]
		}
	})
}

func (st *Store) SetCommandLine(id string, args []string) {
	st.mutate(id, func(j *models.RenderJob) {
		j.CommandLine = append([]string(nil), args...)
	})
}

// AddTempFile records a staged scratch file on the job's audit trail.
func (st *Store) AddTempFile(id, path string) {
	st.mutate(id, func(j *models.RenderJob) {
		j.TempFiles = append(j.TempFiles, path)
	})
}

func (st *Store) Complete(id, encoder string, artifact models.Artifact) {
	st.mutate(id, func(j *models.RenderJob) {
		now := time.Now().UTC()
		j.Status = models.RenderStatusDone
		j.ProgressPercent = 100
		j.EtaSeconds = nil
		j.EncoderUsed = encoder
		j.Artifacts = []models.Artifact{artifact}
		j.CompletedAt = &now
	})
}

func (st *Store) Fail(id string, jobErr *models.JobError) {
	st.mutate(id, func(j *models.RenderJob) {
		now := time.Now().UTC()
		j.Status = models.RenderStatusError
		j.EtaSeconds = nil
		j.Error = jobErr
		j.CompletedAt = &now
	})
}
