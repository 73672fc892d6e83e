package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Render job enums

type JobKind string

const (
	JobKindSimpleEdit        JobKind = "simple_edit"
	JobKindTimedPlan         JobKind = "timed_plan"
	JobKindMultiSourceConcat JobKind = "multi_source_concat"
)

func (k JobKind) Valid() bool {
	switch k {
	case JobKindSimpleEdit, JobKindTimedPlan, JobKindMultiSourceConcat:
		return true
	}
	return false
}

type RenderStatus string

const (
	RenderStatusQueued  RenderStatus = "queued"
	RenderStatusRunning RenderStatus = "running"
	RenderStatusDone    RenderStatus = "done"
	RenderStatusError   RenderStatus = "error"
)

func (s RenderStatus) Terminal() bool {
	return s == RenderStatusDone || s == RenderStatusError
}

type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Weight maps a priority to its dequeue weight. Higher weight is dequeued first.
func (p Priority) Weight() int {
	switch p {
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Error taxonomy

type ErrorCode string

const (
	ErrCodeValidation         ErrorCode = "validation"
	ErrCodeQueueOverflow      ErrorCode = "queue_overflow"
	ErrCodeSourceUnavailable  ErrorCode = "source_unavailable"
	ErrCodeArgumentBuild      ErrorCode = "argument_build"
	ErrCodeEncoderUnavailable ErrorCode = "encoder_unavailable"
	ErrCodeProcessFailure     ErrorCode = "process_failure"
	ErrCodeTimeout            ErrorCode = "timeout"
	ErrCodeInternal           ErrorCode = "internal"
)

// JobError is the structured {code, message} recorded on a failed job and
// returned synchronously for submission-time failures.
type JobError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *JobError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewJobError(code ErrorCode, format string, args ...interface{}) *JobError {
	return &JobError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsJobError unwraps err looking for a *JobError anywhere in the chain.
func AsJobError(err error) (*JobError, bool) {
	var je *JobError
	if errors.As(err, &je) {
		return je, true
	}
	return nil, false
}

// Input shapes

type TrimSpec struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

func (t *TrimSpec) Duration() float64 {
	return t.End - t.Start
}

type ResizeSpec struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

type AudioSpec struct {
	Mute   bool     `json:"mute,omitempty"`
	Volume *float64 `json:"volume,omitempty"`
}

// SegmentSpec is one entry of a timed_plan: a source with its own timing
// transformations, rendered in sequence with its siblings.
type SegmentSpec struct {
	SourcePath string    `json:"sourcePath,omitempty"`
	SourceURL  string    `json:"sourceUrl,omitempty"`
	Trim       *TrimSpec `json:"trim,omitempty"`
	Speed      float64   `json:"speed,omitempty"`
}

func (s *SegmentSpec) HasSource() bool {
	return s.SourcePath != "" || s.SourceURL != ""
}

// InputSpec is the job-kind-specific payload. One struct covers all three
// kinds; Validate enforces the per-kind structural requirements.
type InputSpec struct {
	SourcePath string        `json:"sourcePath,omitempty"`
	SourceURL  string        `json:"sourceUrl,omitempty"`
	SourceURLs []string      `json:"sourceUrls,omitempty"`
	Segments   []SegmentSpec `json:"segments,omitempty"`

	Trim   *TrimSpec   `json:"trim,omitempty"`
	Speed  float64     `json:"speed,omitempty"`
	Resize *ResizeSpec `json:"resize,omitempty"`
	Audio  *AudioSpec  `json:"audio,omitempty"`

	// Concatenation options: one transition per adjacent pair; when fewer
	// names than pairs are given the last one repeats.
	Transitions []string `json:"transitions,omitempty"`

	// Optional audio bed (voice-over or music) laid under a concatenated
	// output, mixed at a fixed level relative to the sources.
	AudioTrackURL string `json:"audioTrackUrl,omitempty"`

	OutputFormat string `json:"outputFormat,omitempty"`

	// Scope is an opaque project/tenant tag carried through to events and
	// audit records.
	Scope string `json:"scope,omitempty"`
}

func (in *InputSpec) hasSingleSource() bool {
	return in.SourcePath != "" || in.SourceURL != ""
}

// Validate checks the structural requirements for the given kind. It is the
// submission-time gate: deeper semantic checks (clamps, filter assembly)
// belong to the argument builder.
func (in *InputSpec) Validate(kind JobKind) error {
	if !kind.Valid() {
		return NewJobError(ErrCodeValidation, "unknown job kind %q", string(kind))
	}

	switch kind {
	case JobKindSimpleEdit:
		if !in.hasSingleSource() {
			return NewJobError(ErrCodeValidation, "simple_edit requires sourcePath or sourceUrl")
		}
	case JobKindTimedPlan:
		if len(in.Segments) == 0 {
			return NewJobError(ErrCodeValidation, "timed_plan requires at least one segment")
		}
		for i := range in.Segments {
			if !in.Segments[i].HasSource() {
				return NewJobError(ErrCodeValidation, "timed_plan segment %d has no source", i)
			}
			if err := validateTrim(in.Segments[i].Trim); err != nil {
				return NewJobError(ErrCodeValidation, "timed_plan segment %d: %v", i, err)
			}
		}
	case JobKindMultiSourceConcat:
		if len(in.SourceURLs) == 0 {
			return NewJobError(ErrCodeValidation, "multi_source_concat requires sourceUrls")
		}
		for i, u := range in.SourceURLs {
			if strings.TrimSpace(u) == "" {
				return NewJobError(ErrCodeValidation, "multi_source_concat source %d is empty", i)
			}
		}
	}

	if err := validateTrim(in.Trim); err != nil {
		return NewJobError(ErrCodeValidation, "%v", err)
	}
	return nil
}

func validateTrim(t *TrimSpec) error {
	if t == nil {
		return nil
	}
	if t.Start < 0 {
		return fmt.Errorf("trim.start must be >= 0, got %v", t.Start)
	}
	if t.End <= t.Start {
		return fmt.Errorf("trim.end (%v) must be greater than trim.start (%v)", t.End, t.Start)
	}
	return nil
}

// Artifacts

type ArtifactType string

const (
	ArtifactTypeVideo ArtifactType = "video"
)

type Artifact struct {
	Type       ArtifactType `json:"type"`
	Mime       string       `json:"mime"`
	Path       string       `json:"path"`
	URL        string       `json:"url,omitempty"`
	SizeBytes  int64        `json:"sizeBytes"`
	DurationMs int64        `json:"durationMs"`
}

// RenderJob is the central record of the render queue. It is owned by the
// scheduler: only the job's own pipeline task mutates it after creation.
type RenderJob struct {
	ID       string    `json:"jobId"`
	Kind     JobKind   `json:"kind"`
	Input    InputSpec `json:"input"`
	Priority Priority  `json:"priority"`

	Status          RenderStatus `json:"status"`
	ProgressPercent int          `json:"progressPercent"`
	EtaSeconds      *int         `json:"etaSeconds,omitempty"`

	CommandLine []string   `json:"commandLine,omitempty"`
	Logs        []string   `json:"logs,omitempty"`
	EncoderUsed string     `json:"encoderUsed,omitempty"`
	Artifacts   []Artifact `json:"artifacts,omitempty"`
	Error       *JobError  `json:"error,omitempty"`

	// TempFiles records every scratch file staged for the job. The files are
	// deleted once the job is terminal; the list stays behind as the audit
	// trail of what was staged.
	TempFiles []string `json:"tempFiles,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// JobView is the polling-client snapshot of a job, shaped for the HTTP
// boundary. Everything is copied; mutating a view never touches the job.
type JobView struct {
	JobID           string       `json:"jobId"`
	Kind            JobKind      `json:"kind"`
	Status          RenderStatus `json:"status"`
	Priority        Priority     `json:"priority"`
	ProgressPercent int          `json:"progressPercent"`
	EtaSeconds      *int         `json:"etaSeconds,omitempty"`
	QueuePosition   *int         `json:"queuePosition,omitempty"`
	LogsTail        []string     `json:"logsTail"`
	Command         string       `json:"command,omitempty"`
	EncoderUsed     string       `json:"encoderUsed,omitempty"`
	Artifacts       []Artifact   `json:"artifacts,omitempty"`
	OutputURL       string       `json:"outputUrl,omitempty"`
	Error           *JobError    `json:"error,omitempty"`
	Scope           string       `json:"scope,omitempty"`
	CreatedAt       time.Time    `json:"createdAt"`
	StartedAt       *time.Time   `json:"startedAt,omitempty"`
	CompletedAt     *time.Time   `json:"completedAt,omitempty"`
}

// View snapshots the job. tail limits LogsTail to the most recent lines;
// tail <= 0 means no limit.
func (j *RenderJob) View(tail int) JobView {
	v := JobView{
		JobID:           j.ID,
		Kind:            j.Kind,
		Status:          j.Status,
		Priority:        j.Priority,
		ProgressPercent: j.ProgressPercent,
		Scope:           j.Input.Scope,
		CreatedAt:       j.CreatedAt,
	}
	if j.EtaSeconds != nil {
		eta := *j.EtaSeconds
		v.EtaSeconds = &eta
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		v.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		v.CompletedAt = &t
	}
	if len(j.CommandLine) > 0 {
		v.Command = strings.Join(j.CommandLine, " ")
	}
	v.EncoderUsed = j.EncoderUsed
	if j.Error != nil {
		e := *j.Error
		v.Error = &e
	}
	if len(j.Artifacts) > 0 {
		v.Artifacts = append([]Artifact(nil), j.Artifacts...)
		v.OutputURL = j.Artifacts[0].URL
	}

	logs := j.Logs
	if tail > 0 && len(logs) > tail {
		logs = logs[len(logs)-tail:]
	}
	v.LogsTail = append([]string(nil), logs...)
	return v
}
