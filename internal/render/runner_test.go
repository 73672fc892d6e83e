package render

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/reelforge/reelforge/internal/models"
)

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests drive /bin/sh as an encoder stand-in")
	}
}

func TestRunnerSuccessStreamsProgress(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "out.mp4")
	script := `echo "time=00:00:02.00" >&2; echo "time=00:00:08.00" >&2; echo data > "$1"`

	r := NewRunner("/bin/sh", 5*time.Second)
	var pcts []int
	var lines []string
	outcome := r.Run(context.Background(), []string{"-c", script, "sh", out}, out, 10, Callbacks{
		Progress: func(p, _ int, _ bool) { pcts = append(pcts, p) },
		Log:      func(l string) { lines = append(lines, l) },
	})

	if outcome.Class != ClassExitedZero || outcome.Err != nil {
		t.Fatalf("outcome = %+v, want exited_zero", outcome)
	}
	if len(pcts) != 2 || pcts[0] != 20 || pcts[1] != 80 {
		t.Errorf("progress = %v, want [20 80]", pcts)
	}
	if len(lines) != 2 {
		t.Errorf("captured %d log lines, want 2: %v", len(lines), lines)
	}
}

func TestRunnerNonzeroExit(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "out.mp4")

	r := NewRunner("/bin/sh", 5*time.Second)
	outcome := r.Run(context.Background(), []string{"-c", "exit 3"}, out, 0, Callbacks{})

	if outcome.Class != ClassExitedNonzero {
		t.Fatalf("class = %s, want exited_nonzero", outcome.Class)
	}
	if outcome.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", outcome.ExitCode)
	}
	if outcome.Err == nil || outcome.Err.Code != models.ErrCodeProcessFailure {
		t.Errorf("err = %v, want process_failure", outcome.Err)
	}
}

func TestRunnerEmptyOutput(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	r := NewRunner("/bin/sh", 5*time.Second)

	// Clean exit without the output file.
	missing := filepath.Join(dir, "missing.mp4")
	outcome := r.Run(context.Background(), []string{"-c", "true"}, missing, 0, Callbacks{})
	if outcome.Class != ClassEmptyOutput {
		t.Fatalf("class = %s, want empty_output when nothing was written", outcome.Class)
	}
	if outcome.Err == nil || outcome.Err.Code != models.ErrCodeProcessFailure {
		t.Errorf("err = %v, want process_failure", outcome.Err)
	}

	// Clean exit with a zero-byte file is just as useless.
	empty := filepath.Join(dir, "empty.mp4")
	outcome = r.Run(context.Background(), []string{"-c", `: > "$1"`, "sh", empty}, empty, 0, Callbacks{})
	if outcome.Class != ClassEmptyOutput {
		t.Fatalf("class = %s, want empty_output for a zero-byte file", outcome.Class)
	}
}

func TestRunnerTimeout(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "out.mp4")

	r := NewRunner("/bin/sh", 200*time.Millisecond)
	start := time.Now()
	outcome := r.Run(context.Background(), []string{"-c", "exec sleep 5"}, out, 0, Callbacks{})

	if outcome.Class != ClassTimedOut {
		t.Fatalf("class = %s, want timed_out", outcome.Class)
	}
	if outcome.Err == nil || outcome.Err.Code != models.ErrCodeTimeout {
		t.Errorf("err = %v, want timeout", outcome.Err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("run blocked %s after the deadline, process was not killed", elapsed)
	}
}

func TestRunnerContextCanceled(t *testing.T) {
	requireShell(t)
	out := filepath.Join(t.TempDir(), "out.mp4")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	r := NewRunner("/bin/sh", time.Minute)
	outcome := r.Run(ctx, []string{"-c", "exec sleep 5"}, out, 0, Callbacks{})

	if outcome.Class != ClassTimedOut {
		t.Fatalf("class = %s, want timed_out on cancellation", outcome.Class)
	}
	if outcome.Err == nil || outcome.Err.Code != models.ErrCodeTimeout {
		t.Errorf("err = %v, want timeout", outcome.Err)
	}
}

func TestRunnerSpawnFailed(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()

	r := NewRunner(filepath.Join(dir, "no-such-binary"), time.Second)
	outcome := r.Run(context.Background(), nil, filepath.Join(dir, "out.mp4"), 0, Callbacks{})

	if outcome.Class != ClassSpawnFailed {
		t.Fatalf("class = %s, want spawn_failed", outcome.Class)
	}
	if outcome.Err == nil || outcome.Err.Code != models.ErrCodeProcessFailure {
		t.Errorf("err = %v, want process_failure", outcome.Err)
	}
	if _, err := os.Stat(filepath.Join(dir, "out.mp4")); err == nil {
		t.Error("no output should exist for a failed spawn")
	}
}
