package render

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Prober answers media questions the builder needs: how long is an input,
// and does it carry an audio stream.
type Prober struct {
	Binary string // ffprobe path
}

func NewProber(binary string) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{Binary: binary}
}

// Duration returns the container duration of a media file in seconds.
func (p *Prober) Duration(ctx context.Context, path string) (float64, error) {
	cmd := exec.CommandContext(ctx, p.Binary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var durationSec float64
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%f", &durationSec); err != nil {
		return 0, fmt.Errorf("failed to parse duration %q: %w", strings.TrimSpace(string(output)), err)
	}
	return durationSec, nil
}

// Dimensions returns the pixel size of the first video stream.
func (p *Prober) Dimensions(ctx context.Context, path string) (width, height int, err error) {
	cmd := exec.CommandContext(ctx, p.Binary,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "csv=s=x:p=0",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}
	if _, err := fmt.Sscanf(strings.TrimSpace(string(output)), "%dx%d", &width, &height); err != nil {
		return 0, 0, fmt.Errorf("failed to parse dimensions %q: %w", strings.TrimSpace(string(output)), err)
	}
	return width, height, nil
}

// HasAudio reports whether the file contains at least one audio stream.
func (p *Prober) HasAudio(ctx context.Context, path string) (bool, error) {
	cmd := exec.CommandContext(ctx, p.Binary,
		"-v", "error",
		"-select_streams", "a",
		"-show_entries", "stream=codec_type",
		"-of", "csv=p=0",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}
	return strings.TrimSpace(string(output)) != "", nil
}
