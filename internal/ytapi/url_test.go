package ytapi

import "testing"

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://www.youtube.com/watch?v=V9abcdefgh", "V9abcdefgh"},
		{"https://youtu.be/V9abcdefgh", "V9abcdefgh"},
		{"https://youtu.be/V9abcdefgh/extra", "V9abcdefgh"},
		{"https://music.youtube.com/watch?v=M1&list=PL1", "M1"},
		{"https://example.test/other", ""},
		{"not a url at all ://", ""},
	}
	for _, tt := range tests {
		if got := ExtractVideoID(tt.url); got != tt.want {
			t.Errorf("ExtractVideoID(%q) = %q, want %q", tt.url, got, tt.want)
		}
	}
}

func TestIsMusicURL(t *testing.T) {
	if !IsMusicURL("https://music.youtube.com/watch?v=M1") {
		t.Error("music host not detected")
	}
	if IsMusicURL("https://www.youtube.com/watch?v=V1") {
		t.Error("plain host detected as music")
	}
}

func TestBuildDownloadURL(t *testing.T) {
	tests := []struct {
		name      string
		videoID   string
		musicMode bool
		sourceURL string
		want      string
	}{
		{"plain id", "V1", false, "", "https://www.youtube.com/watch?v=V1"},
		{"music mode", "V1", true, "", "https://music.youtube.com/watch?v=V1"},
		{"music mode from source url", "", true, "https://www.youtube.com/watch?v=V2", "https://music.youtube.com/watch?v=V2"},
		{"source url kept", "V1", false, "https://example.test/watch?v=V9", "https://example.test/watch?v=V9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildDownloadURL(tt.videoID, tt.musicMode, tt.sourceURL); got != tt.want {
				t.Errorf("BuildDownloadURL = %q, want %q", got, tt.want)
			}
		})
	}
}
