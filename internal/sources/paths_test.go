package sources

import "testing"

func TestIsURL(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"https://cdn.example.com/a.mp4", true},
		{"http://cdn.example.com/a.mp4", true},
		{"HTTPS://CDN.EXAMPLE.COM/A.MP4", true},
		{"  https://cdn.example.com/a.mp4", true},
		{"/data/work/a.mp4", false},
		{"ftp://example.com/a.mp4", false},
		{"file:///data/a.mp4", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsURL(tt.value); got != tt.want {
			t.Errorf("IsURL(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestValidateLocalPath(t *testing.T) {
	allowed := []string{"/data/work", "/data/outputs"}

	tests := []struct {
		name string
		path string
		ok   bool
	}{
		{"inside work dir", "/data/work/in.mp4", true},
		{"nested inside work dir", "/data/work/job-1/src_00.mp4", true},
		{"inside outputs dir", "/data/outputs/final.mp4", true},
		{"exactly a root", "/data/work", true},
		{"relative", "work/in.mp4", false},
		{"outside roots", "/etc/passwd", false},
		{"traversal segment", "/data/work/../secrets/key.pem", false},
		{"traversal into allowed", "/data/other/../work/in.mp4", false},
		{"prefix but different dir", "/data/workspace/in.mp4", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		err := ValidateLocalPath(tt.path, allowed)
		if tt.ok && err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
		}
		if !tt.ok && err == nil {
			t.Errorf("%s: expected rejection for %q", tt.name, tt.path)
		}
	}
}
