package ytapi

import (
	"net/url"
	"strings"
)

// ExtractVideoID pulls the item id out of a watch URL, best effort.
func ExtractVideoID(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	if strings.Contains(parsed.Host, "youtu.be") && parsed.Path != "" {
		parts := strings.Split(strings.Trim(parsed.Path, "/"), "/")
		if len(parts) > 0 {
			return parts[0]
		}
	}
	if v := parsed.Query().Get("v"); v != "" {
		return v
	}
	return ""
}

// IsMusicURL reports whether the URL targets the music host.
func IsMusicURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.Contains(parsed.Host, "music.youtube.com")
}

// BuildDownloadURL picks the canonical watch URL for an item. Music mode
// routes through the music host for richer tag metadata; otherwise an
// original http(s) source URL is kept as-is.
func BuildDownloadURL(videoID string, musicMode bool, sourceURL string) string {
	vid := videoID
	if sourceURL != "" {
		if extracted := ExtractVideoID(sourceURL); extracted != "" {
			vid = extracted
		}
	}
	if musicMode {
		return "https://music.youtube.com/watch?v=" + vid
	}
	if strings.HasPrefix(sourceURL, "http") {
		return sourceURL
	}
	return "https://www.youtube.com/watch?v=" + vid
}

// PlaylistURL is the public playlist page for the unauthenticated fallback.
func PlaylistURL(playlistID string) string {
	return "https://www.youtube.com/playlist?list=" + playlistID
}
