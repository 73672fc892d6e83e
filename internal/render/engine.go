package render

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/reelforge/reelforge/internal/models"
)

type attemptRunner interface {
	Run(ctx context.Context, args []string, outputPath string, expectedSeconds float64, cb Callbacks) Outcome
}

type mediaProber interface {
	Duration(ctx context.Context, path string) (float64, error)
	Dimensions(ctx context.Context, path string) (width, height int, err error)
	HasAudio(ctx context.Context, path string) (bool, error)
}

// Engine renders one job end to end: probe the resolved inputs, build the
// argument vector, run the encoder, and fall back from hardware to software
// when the first attempt fails.
type Engine struct {
	runner           attemptRunner
	prober           mediaProber
	hw               *Encoder
	sw               Encoder
	ffmpegPath       string
	outputDir        string
	publicBaseURL    string
	maxOutputSeconds float64
}

func NewEngine(capacity *Capacity, runner attemptRunner, prober mediaProber, ffmpegPath, outputDir, publicBaseURL string, maxOutputSeconds float64) *Engine {
	return &Engine{
		runner:           runner,
		prober:           prober,
		hw:               capacity.Hardware,
		sw:               capacity.Software,
		ffmpegPath:       ffmpegPath,
		outputDir:        outputDir,
		publicBaseURL:    strings.TrimRight(publicBaseURL, "/"),
		maxOutputSeconds: maxOutputSeconds,
	}
}

// Task is one render handed to the engine: the validated input plus the
// resolver's local paths, in the same order the input declared them.
type Task struct {
	JobID      string
	Kind       models.JobKind
	Input      models.InputSpec
	Inputs     []string
	AudioTrack string
}

// Result reports a finished render.
type Result struct {
	EncoderUsed string
	Artifact    models.Artifact
}

// Render runs the job, preferring the hardware encoder when one was
// detected. A hardware failure of any class gets one software retry; a
// software failure is final. The error is always a *models.JobError.
func (e *Engine) Render(ctx context.Context, task Task, cb Callbacks) (*Result, error) {
	cb = cb.normalized()

	probed, err := e.probeInputs(ctx, task)
	if err != nil {
		return nil, err
	}

	outputPath := filepath.Join(e.outputDir, task.JobID+"."+OutputExt(task.Input.OutputFormat))

	encoders := []Encoder{e.sw}
	if e.hw != nil {
		encoders = []Encoder{*e.hw, e.sw}
	}

	var lastErr *models.JobError
	for i, enc := range encoders {
		if i > 0 {
			if ctx.Err() != nil {
				break
			}
			cb.Log(fmt.Sprintf("retrying with %s after %s failed", enc.Name, encoders[i-1].Name))
			log.Printf("[Render] job %s: falling back to %s", task.JobID, enc.Name)
		}

		inv, err := BuildArgs(BuildRequest{
			Kind:             task.Kind,
			Input:            task.Input,
			Inputs:           probed,
			AudioTrack:       task.AudioTrack,
			OutputPath:       outputPath,
			MaxOutputSeconds: e.maxOutputSeconds,
		}, enc)
		if err != nil {
			return nil, err
		}

		cb.CommandLine(append([]string{e.ffmpegPath}, inv.Args...))
		cb.Log(fmt.Sprintf("starting %s attempt (expected %.1fs of output)", enc.Name, inv.ExpectedSeconds))

		out := e.runner.Run(ctx, inv.Args, inv.OutputPath, inv.ExpectedSeconds, cb)
		if out.Class == ClassExitedZero {
			art := e.artifact(ctx, inv)
			return &Result{EncoderUsed: enc.Name, Artifact: art}, nil
		}

		lastErr = out.Err
		cb.Log(fmt.Sprintf("%s attempt failed (%s): %s", enc.Name, out.Class, out.Err.Message))
	}

	// No attempt succeeded; drop whatever partial file the last one left.
	_ = os.Remove(outputPath)
	if lastErr == nil {
		lastErr = models.NewJobError(models.ErrCodeInternal, "no encoder attempt completed")
	}
	return nil, lastErr
}

func (e *Engine) probeInputs(ctx context.Context, task Task) ([]ProbedInput, error) {
	probed := make([]ProbedInput, 0, len(task.Inputs))
	for i, path := range task.Inputs {
		in := ProbedInput{Path: path}
		if d, err := e.prober.Duration(ctx, path); err == nil {
			in.DurationSec = d
		} else if task.Kind == models.JobKindMultiSourceConcat && len(task.Inputs) > 1 {
			return nil, models.NewJobError(models.ErrCodeArgumentBuild, "cannot determine duration of input %d (%s): %v", i, path, err)
		}
		if w, h, err := e.prober.Dimensions(ctx, path); err == nil {
			in.Width, in.Height = w, h
		}
		if has, err := e.prober.HasAudio(ctx, path); err == nil {
			in.HasAudio = has
		}
		probed = append(probed, in)
	}
	return probed, nil
}

func (e *Engine) artifact(ctx context.Context, inv *Invocation) models.Artifact {
	art := models.Artifact{
		Type: models.ArtifactTypeVideo,
		Mime: mimeFor(inv.OutputPath),
		Path: inv.OutputPath,
	}
	if fi, err := os.Stat(inv.OutputPath); err == nil {
		art.SizeBytes = fi.Size()
	}
	if d, err := e.prober.Duration(ctx, inv.OutputPath); err == nil && d > 0 {
		art.DurationMs = int64(d * 1000)
	} else {
		art.DurationMs = int64(inv.ExpectedSeconds * 1000)
	}
	if e.publicBaseURL != "" {
		art.URL = e.publicBaseURL + "/" + filepath.Base(inv.OutputPath)
	}
	return art
}

func mimeFor(path string) string {
	if strings.EqualFold(filepath.Ext(path), ".mov") {
		return "video/quicktime"
	}
	return "video/mp4"
}
