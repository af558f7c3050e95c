package worker

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		message string
		want    Classification
	}{
		{"", ClassUnknown},
		{"yt-dlp error: Connection reset by peer", ClassRetryable},
		{"read tcp: connection refused", ClassRetryable},
		{"HTTP Error 429: Too Many Requests", ClassRetryable},
		{"HTTP Error 503: Service Unavailable", ClassRetryable},
		{"unexpected EOF", ClassRetryable},
		{"TLS handshake timeout", ClassRetryable},
		{"ExtractorError: unable to extract player response", ClassRetryable},
		{"This video is DRM protected", ClassFatal},
		{"HTTP Error 403: Forbidden", ClassFatal},
		{"HTTP Error 404: Not Found", ClassFatal},
		{"Private video. Sign in if you've been granted access", ClassFatal},
		{"Video unavailable", ClassFatal},
		{"something entirely different happened", ClassUnknown},
		// Fatal tokens win even when a retryable token is also present.
		{"timeout while checking DRM license", ClassFatal},
	}
	for _, tt := range tests {
		if got := Classify(tt.message); got != tt.want {
			t.Errorf("Classify(%q) = %v, want %v", tt.message, got, tt.want)
		}
	}
}
