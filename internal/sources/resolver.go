package sources

import (
	"context"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/reelforge/reelforge/internal/models"
)

const (
	// Download timeout per attempt — generous for multi-hundred-MB sources
	downloadTimeout = 5 * time.Minute

	// Retry configuration
	maxDownloadRetries = 2
	baseRetryDelay     = 500 * time.Millisecond
	maxRetryDelay      = 5 * time.Second
)

// Resolver turns a job's declared inputs (local paths, remote URLs, or a
// mix) into verified local file paths. Remote assets are streamed into a
// job-scoped scratch directory and registered for cleanup as they appear.
type Resolver struct {
	workDir string
	client  *http.Client
}

func NewResolver(workDir string) *Resolver {
	return &Resolver{
		workDir: workDir,
		client:  &http.Client{Timeout: downloadTimeout},
	}
}

// Resolved is the product of a successful resolution: ordered input paths,
// plus the optional audio bed.
type Resolved struct {
	Inputs     []string
	AudioTrack string
}

// RegisterTemp is invoked for every scratch file the resolver creates, in
// creation order, so the owning job can guarantee cleanup even when
// resolution fails partway through.
type RegisterTemp func(path string)

// ScratchDir returns the job-scoped scratch directory for jobID. It is
// deterministic so the caller can schedule its removal before resolution
// starts.
func (r *Resolver) ScratchDir(jobID string) string {
	return filepath.Join(r.workDir, jobID)
}

// Resolve materializes every source the input spec declares, in order. A
// failure on any one aborts the whole resolution with the source index and
// originating reference in the error.
func (r *Resolver) Resolve(ctx context.Context, jobID string, kind models.JobKind, in models.InputSpec, register RegisterTemp) (*Resolved, error) {
	if register == nil {
		register = func(string) {}
	}

	refs := collectRefs(kind, in)
	if len(refs) == 0 {
		return nil, models.NewJobError(models.ErrCodeSourceUnavailable, "no sources declared")
	}

	scratch := r.ScratchDir(jobID)
	if err := os.MkdirAll(scratch, 0o755); err != nil {
		return nil, models.NewJobError(models.ErrCodeSourceUnavailable, "create scratch dir: %v", err)
	}

	res := &Resolved{}
	for i, ref := range refs {
		dest := filepath.Join(scratch, fmt.Sprintf("src_%02d%s", i, extFor(ref, ".mp4")))
		local, err := r.resolveOne(ctx, ref, dest, register)
		if err != nil {
			return nil, models.NewJobError(models.ErrCodeSourceUnavailable, "source %d (%s): %v", i, ref, err)
		}
		res.Inputs = append(res.Inputs, local)
	}

	if in.AudioTrackURL != "" {
		dest := filepath.Join(scratch, "audio_track"+extFor(in.AudioTrackURL, ".mp3"))
		local, err := r.resolveOne(ctx, in.AudioTrackURL, dest, register)
		if err != nil {
			return nil, models.NewJobError(models.ErrCodeSourceUnavailable, "audio track (%s): %v", in.AudioTrackURL, err)
		}
		res.AudioTrack = local
	}

	return res, nil
}

// collectRefs flattens the kind-specific source declarations into one
// ordered list. Validation has already guaranteed each entry has a source.
func collectRefs(kind models.JobKind, in models.InputSpec) []string {
	switch kind {
	case models.JobKindSimpleEdit:
		if in.SourceURL != "" {
			return []string{in.SourceURL}
		}
		return []string{in.SourcePath}
	case models.JobKindTimedPlan:
		refs := make([]string, 0, len(in.Segments))
		for _, seg := range in.Segments {
			if seg.SourceURL != "" {
				refs = append(refs, seg.SourceURL)
			} else {
				refs = append(refs, seg.SourcePath)
			}
		}
		return refs
	case models.JobKindMultiSourceConcat:
		return append([]string(nil), in.SourceURLs...)
	}
	return nil
}

// resolveOne maps a single reference to a local path. URL-shaped references
// are always downloaded, even when they arrived in a path field; local paths
// are used as-is after an existence and non-empty check.
func (r *Resolver) resolveOne(ctx context.Context, ref, dest string, register RegisterTemp) (string, error) {
	if IsURL(ref) {
		register(dest)
		if err := r.download(ctx, ref, dest); err != nil {
			return "", err
		}
		return dest, nil
	}

	info, err := os.Stat(ref)
	if err != nil {
		return "", fmt.Errorf("local file not found: %v", err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("local path is a directory")
	}
	if info.Size() == 0 {
		return "", fmt.Errorf("local file is empty")
	}
	return ref, nil
}

// download streams srcURL into dest with retries and exponential backoff.
func (r *Resolver) download(ctx context.Context, srcURL, dest string) error {
	var lastErr error
	for attempt := 0; attempt <= maxDownloadRetries; attempt++ {
		if attempt > 0 {
			delay := retryDelay(attempt)
			log.Printf("[Sources] Download retry %d/%d for %s (waiting %v)...", attempt, maxDownloadRetries, srcURL, delay)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		retryable, err := r.tryDownload(ctx, srcURL, dest)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable {
			return err
		}
		log.Printf("[Sources] Download attempt %d failed (retryable): %v", attempt+1, err)
	}
	return fmt.Errorf("download failed after %d attempts: %w", maxDownloadRetries+1, lastErr)
}

func (r *Resolver) tryDownload(ctx context.Context, srcURL, dest string) (retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srcURL, nil)
	if err != nil {
		return false, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return isRetryableError(err), fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return isRetryableStatus(resp.StatusCode), fmt.Errorf("download returned status %d", resp.StatusCode)
	}

	f, err := os.Create(dest)
	if err != nil {
		return false, fmt.Errorf("failed to create %s: %w", dest, err)
	}

	written, err := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if err != nil {
		os.Remove(dest)
		return isRetryableError(err), fmt.Errorf("failed to stream body: %w", err)
	}
	if closeErr != nil {
		os.Remove(dest)
		return false, fmt.Errorf("failed to close %s: %w", dest, closeErr)
	}
	if written == 0 {
		os.Remove(dest)
		return false, fmt.Errorf("downloaded file is empty")
	}

	return false, nil
}

// extFor pulls a usable file extension out of a reference, falling back when
// the URL path has none.
func extFor(ref, fallback string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(filepath.Ext(p))
	if len(ext) >= 2 && len(ext) <= 5 {
		return ext
	}
	return fallback
}

// retryDelay calculates exponential backoff with jitter: base * 2^attempt + random jitter
func retryDelay(attempt int) time.Duration {
	delay := float64(baseRetryDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxRetryDelay) {
		delay = float64(maxRetryDelay)
	}
	// Add 0–25% jitter to avoid thundering herd
	jitter := delay * 0.25 * rand.Float64()
	return time.Duration(delay + jitter)
}

// isRetryableError checks if a network-level error is worth retrying
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "deadline exceeded") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF") ||
		strings.Contains(errStr, "broken pipe")
}

// isRetryableStatus checks if an HTTP status code is worth retrying
func isRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || // 429
		status == http.StatusRequestTimeout || // 408
		status == http.StatusBadGateway || // 502
		status == http.StatusServiceUnavailable || // 503
		status == http.StatusGatewayTimeout // 504
}
