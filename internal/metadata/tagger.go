package metadata

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/dhowden/tag"
	"github.com/sirupsen/logrus"
)

// Tags is the enriched tag set a confirmed match yields.
type Tags struct {
	Artist      string
	Album       string
	Title       string
	AlbumArtist string
	TrackNumber int
	Year        string
	Genre       string
	RecordingID string
}

// Tagger writes tags into finished audio files. The container is copied,
// never re-encoded; artwork becomes an attached picture stream.
type Tagger struct {
	logger *logrus.Logger
}

// NewTagger builds the tag writer.
func NewTagger(logger *logrus.Logger) *Tagger {
	return &Tagger{logger: logger}
}

// Apply writes the enriched tags. With allowOverwrite false, fields the file
// already carries are left alone. dryRun only logs what would be written.
func (t *Tagger) Apply(ctx context.Context, filePath string, tags Tags, artwork *Artwork, sourceTitle string, allowOverwrite, dryRun bool) error {
	if dryRun {
		t.logger.WithFields(logrus.Fields{
			"file": filepath.Base(filePath), "artist": tags.Artist,
			"album": tags.Album, "title": tags.Title, "track": tags.TrackNumber,
		}).Info("music metadata dry-run tags")
		return nil
	}

	if !allowOverwrite {
		tags = t.dropExisting(filePath, tags)
		if artwork != nil && hasPicture(filePath) {
			artwork = nil
		}
	}

	pairs := tagPairs(tags, sourceTitle)
	if len(pairs) == 0 && artwork == nil {
		return nil
	}

	ext := filepath.Ext(filePath)
	tmpPath := filepath.Join(filepath.Dir(filePath), ".retagged-"+filepath.Base(filePath))

	args := []string{"-y", "-i", filePath}
	artworkPath := ""
	if artwork != nil && len(artwork.Data) > 0 {
		coverExt := ".jpg"
		if strings.Contains(artwork.MIME, "png") {
			coverExt = ".png"
		}
		artworkPath = filepath.Join(filepath.Dir(filePath), ".cover-"+strings.TrimSuffix(filepath.Base(filePath), ext)+coverExt)
		if err := os.WriteFile(artworkPath, artwork.Data, 0o644); err != nil {
			artworkPath = ""
		} else {
			defer os.Remove(artworkPath)
			args = append(args, "-i", artworkPath, "-map", "0", "-map", "1", "-disposition:v:0", "attached_pic")
		}
	}
	for _, pair := range pairs {
		args = append(args, "-metadata", pair)
	}
	args = append(args, "-c", "copy", tmpPath)

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Run(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("tag write failed: %w", err)
	}
	if err := os.Rename(tmpPath, filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("tag write rename failed: %w", err)
	}
	return nil
}

// dropExisting clears tag fields the file already has, so only gaps are
// filled.
func (t *Tagger) dropExisting(filePath string, tags Tags) Tags {
	file, err := os.Open(filePath)
	if err != nil {
		return tags
	}
	defer file.Close()
	existing, err := tag.ReadFrom(file)
	if err != nil {
		return tags
	}

	if existing.Artist() != "" {
		tags.Artist = ""
	}
	if existing.Album() != "" {
		tags.Album = ""
	}
	if existing.Title() != "" {
		tags.Title = ""
	}
	if existing.AlbumArtist() != "" {
		tags.AlbumArtist = ""
	}
	if n, _ := existing.Track(); n > 0 {
		tags.TrackNumber = 0
	}
	if existing.Year() > 0 {
		tags.Year = ""
	}
	if existing.Genre() != "" {
		tags.Genre = ""
	}
	return tags
}

func hasPicture(filePath string) bool {
	file, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer file.Close()
	existing, err := tag.ReadFrom(file)
	if err != nil {
		return false
	}
	return existing.Picture() != nil
}

// tagPairs renders the non-empty fields as ffmpeg -metadata arguments.
func tagPairs(tags Tags, sourceTitle string) []string {
	var pairs []string
	add := func(key, value string) {
		if value != "" {
			pairs = append(pairs, key+"="+value)
		}
	}
	add("artist", tags.Artist)
	add("album", tags.Album)
	add("title", tags.Title)
	add("album_artist", tags.AlbumArtist)
	if tags.TrackNumber > 0 {
		pairs = append(pairs, fmt.Sprintf("track=%d", tags.TrackNumber))
	}
	add("date", tags.Year)
	add("genre", tags.Genre)
	add("SOURCE", "YouTube")
	add("SOURCE_TITLE", sourceTitle)
	add("MBID", tags.RecordingID)
	return pairs
}
