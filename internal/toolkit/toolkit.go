// Package toolkit wraps the yt-dlp binary: flat playlist enumeration,
// metadata probing and downloads with a typed option surface.
package toolkit

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"tapedeck/pkg/models"

	"github.com/sirupsen/logrus"
)

// Client invokes yt-dlp as a subprocess.
type Client struct {
	binPath string
	logger  *logrus.Logger
}

// NewClient locates an executable yt-dlp binary. The first hit from a small
// set of common names is cached.
func NewClient(logger *logrus.Logger) (*Client, error) {
	possiblePaths := []string{"yt-dlp", "yt-dlp.exe", "./yt-dlp", "./yt-dlp.exe"}
	for _, path := range possiblePaths {
		if resolved, err := exec.LookPath(path); err == nil {
			return &Client{binPath: resolved, logger: logger}, nil
		}
	}
	return nil, errors.New("yt-dlp not found in PATH")
}

// BinPath returns the resolved binary path.
func (c *Client) BinPath() string { return c.binPath }

// flatEntry is one line of --flat-playlist --dump-json output.
type flatEntry struct {
	ID            string  `json:"id"`
	URL           string  `json:"url"`
	Title         string  `json:"title"`
	PlaylistIndex *int    `json:"playlist_index"`
	Duration      float64 `json:"duration"`
}

// ExtractPlaylist enumerates a collection without authentication using the
// toolkit's extract-only mode. Returns the entries in the order yt-dlp
// reports them.
func (c *Client) ExtractPlaylist(ctx context.Context, playlistURL, cookiesPath string) ([]models.PlaylistEntry, error) {
	args := []string{
		"--dump-json",
		"--flat-playlist",
		"--skip-download",
		"--force-ipv4",
		"--quiet",
		"--no-warnings",
	}
	if cookiesPath != "" {
		args = append(args, "--cookies", cookiesPath)
	}
	args = append(args, playlistURL)

	out, err := c.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("playlist extraction failed: %w", err)
	}

	var entries []models.PlaylistEntry
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Buffer(make([]byte, 1024*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "{") {
			continue
		}
		var fe flatEntry
		if err := json.Unmarshal([]byte(line), &fe); err != nil {
			continue
		}
		itemID := fe.ID
		if itemID == "" {
			itemID = fe.URL
		}
		if itemID == "" {
			continue
		}
		entry := models.PlaylistEntry{
			ItemID: itemID,
			Title:  fe.Title,
			URL:    fe.URL,
		}
		if fe.PlaylistIndex != nil {
			entry.Position = *fe.PlaylistIndex
			entry.HasPosition = true
		}
		entries = append(entries, entry)
	}
	return entries, scanner.Err()
}

// probeInfo is the subset of --dump-json output the archiver keeps.
type probeInfo struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Uploader    string   `json:"uploader"`
	Channel     string   `json:"channel"`
	Artist      string   `json:"artist"`
	Album       string   `json:"album"`
	AlbumArtist string   `json:"album_artist"`
	Track       string   `json:"track"`
	TrackNumber int      `json:"track_number"`
	DiscNumber  int      `json:"disc_number"`
	ReleaseDate string   `json:"release_date"`
	UploadDate  string   `json:"upload_date"`
	Description string   `json:"description"`
	Tags        []string `json:"tags"`
	WebpageURL  string   `json:"webpage_url"`
	Thumbnail   string   `json:"thumbnail"`
	Duration    float64  `json:"duration"`
}

// ProbeMetadata fetches metadata for one URL without downloading.
func (c *Client) ProbeMetadata(ctx context.Context, url, cookiesPath string) (*models.MediaMeta, error) {
	args := []string{
		"--dump-json",
		"--no-playlist",
		"--skip-download",
		"--force-ipv4",
		"--quiet",
		"--no-warnings",
	}
	if cookiesPath != "" {
		args = append(args, "--cookies", cookiesPath)
	}
	args = append(args, url)

	out, err := c.run(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("metadata probe failed: %w", err)
	}

	var info probeInfo
	if err := json.Unmarshal(bytes.TrimSpace(out), &info); err != nil {
		return nil, fmt.Errorf("failed to parse metadata: %w", err)
	}

	channel := info.Channel
	if channel == "" {
		channel = info.Uploader
	}
	return &models.MediaMeta{
		ItemID:       info.ID,
		Title:        info.Title,
		Channel:      channel,
		Artist:       info.Artist,
		Album:        info.Album,
		AlbumArtist:  info.AlbumArtist,
		Track:        info.Track,
		TrackNumber:  info.TrackNumber,
		Disc:         info.DiscNumber,
		ReleaseDate:  info.ReleaseDate,
		UploadDate:   info.UploadDate,
		Description:  info.Description,
		Tags:         info.Tags,
		URL:          info.WebpageURL,
		ThumbnailURL: info.Thumbnail,
		DurationSec:  int(info.Duration),
	}, nil
}

// DownloadRequest describes one download attempt step.
type DownloadRequest struct {
	URL            string
	OutputTemplate string // yt-dlp outtmpl, usually <staging>/%(id)s.%(ext)s
	TempDir        string
	FormatSelector string
	ClientProfile  string            // extractor player_client name; empty = default
	Headers        map[string]string // header bundle of the client profile
	CookiesPath    string
	JSRuntime      string // "name:/path" or empty
	AudioExtract   bool   // run the audio extraction postprocessor
	AudioCodec     string
	ExtraOpts      map[string]any // already allowlist-filtered
}

// Download runs one attempt. Progress lines are parsed and forwarded to
// progressFn; a canceled context kills the subprocess.
func (c *Client) Download(ctx context.Context, req DownloadRequest, progressFn func(Progress)) error {
	if err := assertNoMetadataFlags(req.ExtraOpts); err != nil {
		return err
	}

	args := []string{
		"--newline",
		"--no-playlist",
		"--continue",
		"--force-ipv4",
		"--socket-timeout", "120",
		"--retries", "5",
		"--output", req.OutputTemplate,
	}
	if req.TempDir != "" {
		args = append(args, "--paths", "temp:"+req.TempDir)
	}
	if req.FormatSelector != "" {
		args = append(args, "--format", req.FormatSelector)
	}
	if req.ClientProfile != "" {
		args = append(args, "--extractor-args", "youtube:player_client="+req.ClientProfile)
	}
	for name, value := range req.Headers {
		args = append(args, "--add-header", name+":"+value)
	}
	if req.CookiesPath != "" {
		args = append(args, "--cookies", req.CookiesPath)
	}
	if req.JSRuntime != "" {
		name, path, ok := strings.Cut(req.JSRuntime, ":")
		if ok {
			args = append(args, "--extractor-args", fmt.Sprintf("youtubejs:runtime=%s@%s", name, path))
		}
	}
	if req.AudioExtract {
		codec := req.AudioCodec
		if codec == "" {
			codec = "mp3"
		}
		args = append(args, "--extract-audio", "--audio-format", codec, "--audio-quality", "0")
	}
	args = append(args, renderOptArgs(req.ExtraOpts)...)
	args = append(args, req.URL)

	cmd := exec.CommandContext(ctx, c.binPath, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe error: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("pipe error: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start error: %w", err)
	}

	var lastError string
	var mu sync.Mutex
	var wg sync.WaitGroup
	scan := func(r io.Reader) {
		defer wg.Done()
		s := bufio.NewScanner(r)
		s.Buffer(make([]byte, 64*1024), 1024*1024)
		for s.Scan() {
			line := s.Text()
			if p, ok := ParseProgressLine(line); ok && progressFn != nil {
				progressFn(p)
			}
			if strings.HasPrefix(line, "ERROR:") {
				mu.Lock()
				lastError = strings.TrimSpace(strings.TrimPrefix(line, "ERROR:"))
				mu.Unlock()
			}
		}
	}
	wg.Add(2)
	go scan(stdout)
	go scan(stderr)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu.Lock()
		msg := lastError
		mu.Unlock()
		var exitErr *exec.ExitError
		if msg == "" && errors.As(err, &exitErr) {
			msg = strings.TrimSpace(string(exitErr.Stderr))
		}
		if msg != "" {
			return fmt.Errorf("yt-dlp error: %s", msg)
		}
		return fmt.Errorf("yt-dlp failed: %w", err)
	}
	return nil
}

// ListFormats logs what the extractor believed available for url under the
// given client profile. Used as a post-failure probe; best effort.
func (c *Client) ListFormats(ctx context.Context, url, clientProfile string) {
	args := []string{"--list-formats", "--no-playlist", "--force-ipv4", "--quiet"}
	if clientProfile != "" {
		args = append(args, "--extractor-args", "youtube:player_client="+clientProfile)
	}
	args = append(args, url)
	out, err := c.run(ctx, args)
	if err != nil {
		c.logger.WithError(err).WithField("client", clientProfile).Debug("format probe failed")
		return
	}
	c.logger.WithFields(logrus.Fields{
		"client":  clientProfile,
		"formats": strings.TrimSpace(string(out)),
	}).Debug("format probe")
}

func (c *Client) run(ctx context.Context, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return stdout.Bytes(), fmt.Errorf("%s: %w", firstLine(msg), err)
		}
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
