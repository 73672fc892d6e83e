package sources

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reelforge/reelforge/internal/models"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestResolveLocalPathPassthrough(t *testing.T) {
	dir := t.TempDir()
	src := writeTestFile(t, dir, "in.mp4", "not a real video")

	r := NewResolver(t.TempDir())
	var temps []string
	res, err := r.Resolve(context.Background(), "job-1", models.JobKindSimpleEdit,
		models.InputSpec{SourcePath: src}, func(p string) { temps = append(temps, p) })
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Inputs) != 1 || res.Inputs[0] != src {
		t.Errorf("expected passthrough of %s, got %v", src, res.Inputs)
	}
	if len(temps) != 0 {
		t.Errorf("local passthrough must not register temp files, got %v", temps)
	}
}

func TestResolveMissingLocalPath(t *testing.T) {
	r := NewResolver(t.TempDir())
	_, err := r.Resolve(context.Background(), "job-1", models.JobKindSimpleEdit,
		models.InputSpec{SourcePath: "/nonexistent/in.mp4"}, nil)
	if err == nil {
		t.Fatal("expected error for missing local file")
	}
	je, ok := models.AsJobError(err)
	if !ok || je.Code != models.ErrCodeSourceUnavailable {
		t.Errorf("expected source_unavailable, got %v", err)
	}
}

func TestResolveDownloadsRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("remote video bytes"))
	}))
	defer srv.Close()

	work := t.TempDir()
	r := NewResolver(work)
	var temps []string
	res, err := r.Resolve(context.Background(), "job-2", models.JobKindSimpleEdit,
		models.InputSpec{SourceURL: srv.URL + "/clip.mp4"}, func(p string) { temps = append(temps, p) })
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}

	if len(res.Inputs) != 1 {
		t.Fatalf("expected one input, got %v", res.Inputs)
	}
	local := res.Inputs[0]
	if !strings.HasPrefix(local, r.ScratchDir("job-2")) {
		t.Errorf("download should land in the job scratch dir, got %s", local)
	}
	data, err := os.ReadFile(local)
	if err != nil {
		t.Fatalf("read downloaded file: %v", err)
	}
	if string(data) != "remote video bytes" {
		t.Errorf("unexpected file content: %q", data)
	}
	if len(temps) != 1 || temps[0] != local {
		t.Errorf("downloaded file must be registered as temp, got %v", temps)
	}
}

func TestResolveURLShapedPathTreatedAsRemote(t *testing.T) {
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hits++
		w.Write([]byte("bytes"))
	}))
	defer srv.Close()

	r := NewResolver(t.TempDir())
	// A URL supplied in the local-path field must still be downloaded.
	res, err := r.Resolve(context.Background(), "job-3", models.JobKindSimpleEdit,
		models.InputSpec{SourcePath: srv.URL + "/a.mp4"}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if hits != 1 {
		t.Errorf("expected one download, got %d", hits)
	}
	if res.Inputs[0] == srv.URL+"/a.mp4" {
		t.Error("URL-shaped path must resolve to a local file, not pass through")
	}
}

func TestResolveMultiSourceAbortsOnFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if strings.Contains(req.URL.Path, "second") {
			http.NotFound(w, req)
			return
		}
		w.Write([]byte("ok bytes"))
	}))
	defer srv.Close()

	r := NewResolver(t.TempDir())
	urls := []string{srv.URL + "/first.mp4", srv.URL + "/second.mp4", srv.URL + "/third.mp4"}
	_, err := r.Resolve(context.Background(), "job-4", models.JobKindMultiSourceConcat,
		models.InputSpec{SourceURLs: urls}, nil)
	if err == nil {
		t.Fatal("expected resolution to fail on the 404 source")
	}

	je, ok := models.AsJobError(err)
	if !ok || je.Code != models.ErrCodeSourceUnavailable {
		t.Fatalf("expected source_unavailable, got %v", err)
	}
	if !strings.Contains(je.Message, "source 1") {
		t.Errorf("error must identify the failing source index, got %q", je.Message)
	}
	if !strings.Contains(je.Message, "second.mp4") {
		t.Errorf("error must include the originating URL, got %q", je.Message)
	}
}

func TestResolveRejectsEmptyDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := NewResolver(t.TempDir())
	_, err := r.Resolve(context.Background(), "job-5", models.JobKindSimpleEdit,
		models.InputSpec{SourceURL: srv.URL + "/empty.mp4"}, nil)
	if err == nil {
		t.Fatal("expected error for empty download")
	}
	if !strings.Contains(err.Error(), "empty") {
		t.Errorf("expected empty-file error, got %v", err)
	}

	// The zero-byte file must not be left behind.
	entries, _ := os.ReadDir(r.ScratchDir("job-5"))
	for _, e := range entries {
		t.Errorf("scratch dir should hold no files after a failed resolve, found %s", e.Name())
	}
}

func TestResolveRetriesTransientStatus(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("finally"))
	}))
	defer srv.Close()

	r := NewResolver(t.TempDir())
	res, err := r.Resolve(context.Background(), "job-6", models.JobKindSimpleEdit,
		models.InputSpec{SourceURL: srv.URL + "/flaky.mp4"}, nil)
	if err != nil {
		t.Fatalf("resolve should survive one 503: %v", err)
	}
	if attempts != 2 {
		t.Errorf("expected 2 attempts, got %d", attempts)
	}
	data, _ := os.ReadFile(res.Inputs[0])
	if string(data) != "finally" {
		t.Errorf("unexpected content after retry: %q", data)
	}
}

func TestResolveAudioTrack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Write([]byte("mp3 bytes"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	a := writeTestFile(t, dir, "a.mp4", "va")
	b := writeTestFile(t, dir, "b.mp4", "vb")

	r := NewResolver(t.TempDir())
	res, err := r.Resolve(context.Background(), "job-7", models.JobKindMultiSourceConcat,
		models.InputSpec{
			SourceURLs:    []string{a, b},
			AudioTrackURL: srv.URL + "/vo.mp3",
		}, nil)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.AudioTrack == "" {
		t.Fatal("audio track was not resolved")
	}
	if filepath.Ext(res.AudioTrack) != ".mp3" {
		t.Errorf("audio track should keep its extension, got %s", res.AudioTrack)
	}
}
