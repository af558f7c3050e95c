package metadata

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tapedeck/internal/config"
	"tapedeck/internal/library"
	"tapedeck/pkg/models"

	"github.com/sirupsen/logrus"
)

// Searcher finds candidate recordings for an artist/title pair.
type Searcher interface {
	SearchRecordings(ctx context.Context, artist, title, album string) ([]Candidate, error)
}

// Fingerprinter matches a file by audio fingerprint.
type Fingerprinter interface {
	MatchRecording(ctx context.Context, filePath, apiKey string) (*Candidate, error)
}

// ArtworkFetcher fetches release cover art.
type ArtworkFetcher interface {
	FetchArtwork(ctx context.Context, releaseID string, maxSizePx int) (*Artwork, error)
}

// TagWriter applies the enriched tags.
type TagWriter interface {
	Apply(ctx context.Context, filePath string, tags Tags, artwork *Artwork, sourceTitle string, allowOverwrite, dryRun bool) error
}

// Item is one queued enrichment request. The config is captured at enqueue
// time so later config edits don't retroactively change in-flight items.
type Item struct {
	FilePath string
	Meta     *models.MediaMeta
	Config   config.MusicMetadataConfig
}

// Worker drains the enrichment queue in the background, one item at a time,
// sleeping the configured rate limit between items to stay polite with the
// remote APIs.
type Worker struct {
	Search      Searcher
	Fingerprint Fingerprinter
	Artwork     ArtworkFetcher
	Tagger      TagWriter
	Logger      *logrus.Logger

	mu      sync.Mutex
	queue   chan Item
	started bool
}

// NewWorker wires the default providers.
func NewWorker(logger *logrus.Logger) *Worker {
	return &Worker{
		Search:      NewMusicBrainzClient(logger),
		Fingerprint: NewAcoustIDClient(logger),
		Artwork:     NewArtworkClient(logger),
		Tagger:      NewTagger(logger),
		Logger:      logger,
		queue:       make(chan Item, 256),
	}
}

// Enqueue queues one file for enrichment, starting the background loop on
// first use. Disabled config or an empty path is a no-op.
func (w *Worker) Enqueue(ctx context.Context, item Item) bool {
	if item.FilePath == "" {
		return false
	}
	item.Config = item.Config.Normalized()
	if !item.Config.Enabled {
		return false
	}

	w.mu.Lock()
	if w.queue == nil {
		w.queue = make(chan Item, 256)
	}
	if !w.started {
		w.started = true
		go w.run(ctx)
		w.Logger.Info("music metadata worker started")
	}
	w.mu.Unlock()

	select {
	case w.queue <- item:
		return true
	default:
		w.Logger.WithField("file", filepath.Base(item.FilePath)).Warn("music metadata queue full; dropping item")
		return false
	}
}

func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case item := <-w.queue:
			w.process(ctx, item)
			rate := time.Duration(item.Config.RateLimitSeconds * float64(time.Second))
			if rate > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(rate):
				}
			}
		}
	}
}

// process runs one item through match -> fingerprint boost -> artwork ->
// tag write. Failures are logged and never surface to the download path.
func (w *Worker) process(ctx context.Context, item Item) {
	if _, err := os.Stat(item.FilePath); err != nil {
		w.Logger.WithField("file", item.FilePath).Warn("music metadata skipped: file missing")
		return
	}
	cfg := item.Config
	source := ParseSource(item.Meta, item.FilePath)
	if source.Title == "" || source.Artist == "" {
		w.Logger.WithField("file", filepath.Base(item.FilePath)).Warn("music metadata skipped: missing source artist/title")
		return
	}

	duration := fileDuration(item.FilePath, item.Meta, w.Logger)

	candidates, err := w.Search.SearchRecordings(ctx, source.Artist, source.Title, source.Album)
	if err != nil {
		w.Logger.WithError(err).Warn("musicbrainz search failed")
	}

	if cfg.UseAcoustID {
		if cfg.AcoustIDAPIKey == "" {
			w.Logger.Warn("music metadata: acoustid enabled but API key is missing")
		} else if w.Fingerprint != nil {
			hit, err := w.Fingerprint.MatchRecording(ctx, item.FilePath, cfg.AcoustIDAPIKey)
			if err != nil {
				w.Logger.WithError(err).Warn("acoustid match failed")
			} else if hit != nil {
				candidates = MergeCandidates(candidates, []Candidate{*hit})
			}
		}
	}

	best, score := SelectBestMatch(source, candidates, duration)
	if best == nil || score < cfg.ConfidenceThreshold {
		w.Logger.WithFields(logrus.Fields{
			"file": filepath.Base(item.FilePath), "score": score,
			"threshold": cfg.ConfidenceThreshold,
		}).Warn("music metadata skipped: no match above threshold")
		return
	}

	tags := Tags{
		Artist:      best.Artist,
		Album:       best.Album,
		Title:       best.Title,
		AlbumArtist: firstNonEmpty(best.AlbumArtist, best.Artist),
		TrackNumber: best.TrackNumber,
		Year:        best.Year,
		Genre:       best.Genre,
		RecordingID: best.RecordingID,
	}

	var artwork *Artwork
	if cfg.EmbedArtwork && best.ReleaseID != "" && w.Artwork != nil {
		artwork, err = w.Artwork.FetchArtwork(ctx, best.ReleaseID, cfg.MaxArtworkSizePx)
		if err != nil {
			w.Logger.WithError(err).Debug("artwork fetch failed")
		}
	}

	w.Logger.WithFields(logrus.Fields{
		"score": score, "artist": orDash(tags.Artist),
		"title": orDash(tags.Title), "album": orDash(tags.Album),
	}).Info("metadata matched")

	if err := w.Tagger.Apply(ctx, item.FilePath, tags, artwork, source.SourceTitle, cfg.AllowOverwriteTags, cfg.DryRun); err != nil {
		w.Logger.WithError(err).WithField("file", filepath.Base(item.FilePath)).Error("music metadata tagging failed")
	}
}

// fileDuration probes the file, falling back to the download metadata.
func fileDuration(filePath string, meta *models.MediaMeta, logger *logrus.Logger) int {
	probe := library.Probe(filePath, logger)
	if probe.DurationSec > 0 {
		return probe.DurationSec
	}
	if meta != nil {
		return meta.DurationSec
	}
	return 0
}

func orDash(value string) string {
	if value == "" {
		return "-"
	}
	return value
}
