package render

import (
	"bufio"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"

	"github.com/reelforge/reelforge/internal/models"
)

// AttemptClass is the mechanical outcome of one encoder attempt, before any
// fallback decision is made.
type AttemptClass string

const (
	ClassExitedZero    AttemptClass = "exited_zero"
	ClassExitedNonzero AttemptClass = "exited_nonzero"
	ClassTimedOut      AttemptClass = "timed_out"
	ClassSpawnFailed   AttemptClass = "spawn_failed"
	ClassEmptyOutput   AttemptClass = "empty_output"
)

// Outcome reports one attempt. Err is nil exactly when Class is
// ClassExitedZero.
type Outcome struct {
	Class    AttemptClass
	ExitCode int
	Err      *models.JobError
}

// Callbacks stream attempt telemetry back to the caller. Any field may be
// nil.
type Callbacks struct {
	Progress    func(percent int, etaSeconds int, hasETA bool)
	Log         func(line string)
	CommandLine func(args []string)
}

func (c Callbacks) normalized() Callbacks {
	if c.Progress == nil {
		c.Progress = func(int, int, bool) {}
	}
	if c.Log == nil {
		c.Log = func(string) {}
	}
	if c.CommandLine == nil {
		c.CommandLine = func([]string) {}
	}
	return c
}

// Runner launches one encoder process per attempt and classifies how it
// ended.
type Runner struct {
	Binary  string
	Timeout time.Duration
}

func NewRunner(binary string, timeout time.Duration) *Runner {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &Runner{Binary: binary, Timeout: timeout}
}

// Run executes one attempt. Progress lines are read from stderr as they
// arrive; the process is killed when the wall-clock timeout elapses or ctx
// is canceled. expectedSeconds of zero disables percent/ETA reporting but
// log lines still flow.
func (r *Runner) Run(ctx context.Context, args []string, outputPath string, expectedSeconds float64, cb Callbacks) Outcome {
	cb = cb.normalized()

	cmd := exec.Command(r.Binary, args...)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return Outcome{Class: ClassSpawnFailed, Err: models.NewJobError(models.ErrCodeProcessFailure, "attach stderr: %v", err)}
	}
	if err := cmd.Start(); err != nil {
		return Outcome{Class: ClassSpawnFailed, Err: models.NewJobError(models.ErrCodeProcessFailure, "start %s: %v", r.Binary, err)}
	}

	started := time.Now()

	// The pipe must be drained before Wait is allowed to close it, so the
	// waiter blocks on the scanner finishing first.
	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			line := sc.Text()
			cb.Log(line)
			if cur, ok := ParseTimecode(line); ok && expectedSeconds > 0 {
				pct := ProgressPercent(cur, expectedSeconds)
				eta, hasETA := EstimateETA(time.Since(started), cur, expectedSeconds)
				cb.Progress(pct, eta, hasETA)
			}
		}
	}()

	waitCh := make(chan error, 1)
	go func() {
		<-scanDone
		waitCh <- cmd.Wait()
	}()

	var timerC <-chan time.Time
	if r.Timeout > 0 {
		timer := time.NewTimer(r.Timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-timerC:
		_ = cmd.Process.Kill()
		<-waitCh
		return Outcome{Class: ClassTimedOut, Err: models.NewJobError(models.ErrCodeTimeout, "exceeded %s wall-clock limit", r.Timeout)}
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-waitCh
		return Outcome{Class: ClassTimedOut, Err: models.NewJobError(models.ErrCodeTimeout, "attempt aborted: %v", ctx.Err())}
	}

	if waitErr == nil {
		if fi, err := os.Stat(outputPath); err != nil || fi.Size() == 0 {
			return Outcome{Class: ClassEmptyOutput, Err: models.NewJobError(models.ErrCodeProcessFailure, "encoder exited cleanly but produced no output")}
		}
		return Outcome{Class: ClassExitedZero}
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	return Outcome{
		Class:    ClassExitedNonzero,
		ExitCode: exitCode,
		Err:      models.NewJobError(models.ErrCodeProcessFailure, "encoder exited with code %d", exitCode),
	}
}
