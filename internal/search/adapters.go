package search

import (
	"context"
	"fmt"

	"tapedeck/internal/toolkit"

	"github.com/sirupsen/logrus"
)

// Adapter is the capability set one search source provides.
type Adapter interface {
	SourceName() string
	SearchTrack(ctx context.Context, artist, track, album string, limit int) ([]*Candidate, error)
	SearchAlbum(ctx context.Context, artist, album string, limit int) ([]*Candidate, error)
	SourceModifier(candidate *Candidate) float64
}

// Registry maps source names to adapters.
type Registry map[string]Adapter

// DefaultSourcePriority is used when a request carries none.
var DefaultSourcePriority = []string{"bandcamp", "youtube_music", "soundcloud"}

// DefaultRegistry wires the built-in adapters over the toolkit's search
// support.
func DefaultRegistry(tk *toolkit.Client, logger *logrus.Logger) Registry {
	return Registry{
		"bandcamp":      &BandcampAdapter{},
		"youtube_music": &YouTubeMusicAdapter{toolkit: tk, logger: logger},
		"soundcloud":    &SoundCloudAdapter{toolkit: tk, logger: logger},
	}
}

// toolkitSearch runs one search-prefix query through the toolkit's flat
// extraction and maps entries to candidates.
func toolkitSearch(ctx context.Context, tk *toolkit.Client, source, prefix, query string, limit int, logger *logrus.Logger) ([]*Candidate, error) {
	if tk == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	entries, err := tk.ExtractPlaylist(ctx, fmt.Sprintf("%s%d:%s", prefix, limit, query), "")
	if err != nil {
		logger.WithError(err).WithField("source", source).Warn("search query failed")
		return nil, err
	}
	var out []*Candidate
	for _, entry := range entries {
		if entry.URL == "" {
			continue
		}
		out = append(out, &Candidate{
			Source: source,
			URL:    entry.URL,
			Title:  entry.Title,
		})
	}
	return out, nil
}

// BandcampAdapter is catalog-native; it has no programmatic search surface,
// so it only contributes its modifier when candidates arrive another way.
type BandcampAdapter struct{}

func (a *BandcampAdapter) SourceName() string { return "bandcamp" }

func (a *BandcampAdapter) SearchTrack(ctx context.Context, artist, track, album string, limit int) ([]*Candidate, error) {
	return nil, nil
}

func (a *BandcampAdapter) SearchAlbum(ctx context.Context, artist, album string, limit int) ([]*Candidate, error) {
	return nil, nil
}

func (a *BandcampAdapter) SourceModifier(candidate *Candidate) float64 { return 1.05 }

// YouTubeMusicAdapter searches the general video index; official music
// candidates keep the full modifier, everything else is discounted.
type YouTubeMusicAdapter struct {
	toolkit *toolkit.Client
	logger  *logrus.Logger
}

func (a *YouTubeMusicAdapter) SourceName() string { return "youtube_music" }

func (a *YouTubeMusicAdapter) SearchTrack(ctx context.Context, artist, track, album string, limit int) ([]*Candidate, error) {
	return toolkitSearch(ctx, a.toolkit, a.SourceName(), "ytsearch", artist+" "+track, limit, a.logger)
}

func (a *YouTubeMusicAdapter) SearchAlbum(ctx context.Context, artist, album string, limit int) ([]*Candidate, error) {
	return toolkitSearch(ctx, a.toolkit, a.SourceName(), "ytsearch", artist+" "+album+" full album", limit, a.logger)
}

func (a *YouTubeMusicAdapter) SourceModifier(candidate *Candidate) float64 {
	if candidate.IsOfficial {
		return 1.00
	}
	return 0.90
}

// SoundCloudAdapter is a general audio source.
type SoundCloudAdapter struct {
	toolkit *toolkit.Client
	logger  *logrus.Logger
}

func (a *SoundCloudAdapter) SourceName() string { return "soundcloud" }

func (a *SoundCloudAdapter) SearchTrack(ctx context.Context, artist, track, album string, limit int) ([]*Candidate, error) {
	return toolkitSearch(ctx, a.toolkit, a.SourceName(), "scsearch", artist+" "+track, limit, a.logger)
}

func (a *SoundCloudAdapter) SearchAlbum(ctx context.Context, artist, album string, limit int) ([]*Candidate, error) {
	return toolkitSearch(ctx, a.toolkit, a.SourceName(), "scsearch", artist+" "+album, limit, a.logger)
}

func (a *SoundCloudAdapter) SourceModifier(candidate *Candidate) float64 { return 0.95 }
