package render

import (
	"context"
	"log"
	"os/exec"
	"runtime"
	"strings"

	"github.com/reelforge/reelforge/internal/models"
)

// Encoder identifies a codec implementation by its ffmpeg encoder name.
type Encoder struct {
	Name     string
	Hardware bool
}

// Capacity is the startup detection result the scheduler consumes: how many
// encodes may run at once, and which encoders to run them with.
type Capacity struct {
	Slots    int
	Hardware *Encoder // nil when no usable hardware encoder
	Software Encoder
}

// DetectCapacity fails fast when the encoder binary is missing, probes for a
// usable hardware encoder, and sizes the concurrency gate: one slot per GPU,
// or a small CPU-derived limit when encoding in software. slotsOverride > 0
// wins over detection.
func DetectCapacity(ctx context.Context, ffmpegPath, hwName, swName string, slotsOverride int) (*Capacity, error) {
	resolved, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, models.NewJobError(models.ErrCodeEncoderUnavailable, "encoder binary %q not found: %v", ffmpegPath, err)
	}

	available := listEncoders(ctx, resolved)
	if len(available) > 0 && !available[swName] {
		return nil, models.NewJobError(models.ErrCodeEncoderUnavailable, "software encoder %q not supported by %s", swName, resolved)
	}

	c := &Capacity{Software: Encoder{Name: swName}}

	gpus := detectGPUCount(ctx)
	if gpus > 0 && hwName != "" && available[hwName] {
		c.Hardware = &Encoder{Name: hwName, Hardware: true}
		c.Slots = gpus
		log.Printf("[Render] Hardware encoder %s available (%d GPU slot(s))", hwName, gpus)
	} else {
		c.Slots = cpuSlots()
		log.Printf("[Render] No hardware encoder; using %s with %d slot(s)", swName, c.Slots)
	}

	if slotsOverride > 0 {
		c.Slots = slotsOverride
		log.Printf("[Render] Concurrency overridden to %d slot(s)", slotsOverride)
	}
	if c.Slots < 1 {
		c.Slots = 1
	}
	return c, nil
}

// cpuSlots derives the software-encoding limit from the core count. Encoding
// saturates several cores, so one slot per four cores.
func cpuSlots() int {
	n := runtime.NumCPU() / 4
	if n < 1 {
		n = 1
	}
	return n
}

// listEncoders asks ffmpeg for its encoder table. An empty map means the
// listing itself failed and callers should not draw conclusions from it.
func listEncoders(ctx context.Context, ffmpegPath string) map[string]bool {
	cmd := exec.CommandContext(ctx, ffmpegPath, "-hide_banner", "-encoders")
	output, err := cmd.Output()
	if err != nil {
		log.Printf("[Render] Could not list encoders: %v", err)
		return nil
	}
	return parseEncoderNames(string(output))
}

// parseEncoderNames extracts encoder names from `ffmpeg -encoders` output.
// Lines look like " V....D h264_nvenc           NVIDIA NVENC H.264 encoder".
func parseEncoderNames(output string) map[string]bool {
	names := make(map[string]bool)
	inTable := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "---") {
			inTable = true
			continue
		}
		if !inTable || trimmed == "" {
			continue
		}
		fields := strings.Fields(trimmed)
		if len(fields) >= 2 {
			names[fields[1]] = true
		}
	}
	return names
}

// detectGPUCount counts NVIDIA GPUs via nvidia-smi. Zero means none usable.
func detectGPUCount(ctx context.Context) int {
	smi, err := exec.LookPath("nvidia-smi")
	if err != nil {
		return 0
	}
	cmd := exec.CommandContext(ctx, smi, "--query-gpu=name", "--format=csv,noheader")
	output, err := cmd.Output()
	if err != nil {
		return 0
	}
	return countGPULines(string(output))
}

func countGPULines(output string) int {
	count := 0
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			count++
		}
	}
	return count
}
