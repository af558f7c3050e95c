package metadata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"
)

// AcoustIDClient matches files by audio fingerprint. The fingerprint itself
// comes from the chromaprint fpcalc binary; a missing binary downgrades the
// lookup to a warning, exactly like a missing fingerprint library upstream.
type AcoustIDClient struct {
	http   *resty.Client
	logger *logrus.Logger
}

// NewAcoustIDClient builds the lookup client.
func NewAcoustIDClient(logger *logrus.Logger) *AcoustIDClient {
	return &AcoustIDClient{
		http:   resty.New().SetTimeout(15 * time.Second),
		logger: logger,
	}
}

type fpcalcOutput struct {
	Duration    float64 `json:"duration"`
	Fingerprint string  `json:"fingerprint"`
}

type acoustidResponse struct {
	Status  string `json:"status"`
	Results []struct {
		Score      float64 `json:"score"`
		Recordings []struct {
			ID      string `json:"id"`
			Title   string `json:"title"`
			Artists []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"recordings"`
	} `json:"results"`
}

// MatchRecording fingerprints the file and asks AcoustID for the best
// recording. Returns nil when nothing matches or fingerprinting is
// unavailable.
func (c *AcoustIDClient) MatchRecording(ctx context.Context, filePath, apiKey string) (*Candidate, error) {
	fpcalc, err := exec.LookPath("fpcalc")
	if err != nil {
		c.logger.Warn("fpcalc not installed; skipping acoustid lookup")
		return nil, nil
	}

	cmd := exec.CommandContext(ctx, fpcalc, "-json", filePath)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("fingerprinting failed: %w", err)
	}
	var fp fpcalcOutput
	if err := json.Unmarshal(stdout.Bytes(), &fp); err != nil || fp.Fingerprint == "" {
		return nil, fmt.Errorf("fingerprint output malformed: %v", err)
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"client":      apiKey,
			"fingerprint": fp.Fingerprint,
			"duration":    strconv.Itoa(int(fp.Duration)),
			"meta":        "recordings",
		}).
		Get("https://api.acoustid.org/v2/lookup")
	if err != nil {
		return nil, fmt.Errorf("acoustid lookup failed: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("acoustid lookup failed: status %d", resp.StatusCode())
	}

	var body acoustidResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.Status != "ok" {
		return nil, fmt.Errorf("acoustid response malformed")
	}

	var best *Candidate
	bestScore := 0.0
	for _, result := range body.Results {
		if result.Score < bestScore || len(result.Recordings) == 0 {
			continue
		}
		rec := result.Recordings[0]
		artist := ""
		if len(rec.Artists) > 0 {
			artist = rec.Artists[0].Name
		}
		best = &Candidate{
			RecordingID:   rec.ID,
			Title:         rec.Title,
			Artist:        artist,
			AcoustIDScore: result.Score,
		}
		bestScore = result.Score
	}
	return best, nil
}
