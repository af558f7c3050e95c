package metadata

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"tapedeck/internal/config"
	"tapedeck/pkg/models"

	"github.com/sirupsen/logrus"
)

type stubSearcher struct {
	candidates []Candidate
}

func (s *stubSearcher) SearchRecordings(ctx context.Context, artist, title, album string) ([]Candidate, error) {
	return s.candidates, nil
}

type stubFingerprinter struct {
	hit    *Candidate
	called bool
}

func (s *stubFingerprinter) MatchRecording(ctx context.Context, filePath, apiKey string) (*Candidate, error) {
	s.called = true
	return s.hit, nil
}

type stubArtwork struct {
	artwork *Artwork
	called  bool
}

func (s *stubArtwork) FetchArtwork(ctx context.Context, releaseID string, maxSizePx int) (*Artwork, error) {
	s.called = true
	return s.artwork, nil
}

type stubTagger struct {
	applied  bool
	tags     Tags
	artwork  *Artwork
	source   string
	override bool
	dryRun   bool
}

func (s *stubTagger) Apply(ctx context.Context, filePath string, tags Tags, artwork *Artwork, sourceTitle string, allowOverwrite, dryRun bool) error {
	s.applied = true
	s.tags = tags
	s.artwork = artwork
	s.source = sourceTitle
	s.override = allowOverwrite
	s.dryRun = dryRun
	return nil
}

func newTestWorker(search Searcher, fp Fingerprinter, art ArtworkFetcher, tagger TagWriter) *Worker {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return &Worker{
		Search:      search,
		Fingerprint: fp,
		Artwork:     art,
		Tagger:      tagger,
		Logger:      logger,
	}
}

func musicFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "Artist - Song.mp3")
	if err := os.WriteFile(path, []byte("not real audio"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	return path
}

func testConfig() config.MusicMetadataConfig {
	return config.MusicMetadataConfig{
		Enabled:             true,
		ConfidenceThreshold: 70,
		EmbedArtwork:        true,
		AllowOverwriteTags:  true,
		MaxArtworkSizePx:    1500,
		RateLimitSeconds:    0.01,
	}
}

func TestProcessAppliesTagsAboveThreshold(t *testing.T) {
	search := &stubSearcher{candidates: []Candidate{{
		RecordingID: "mbid-1", Artist: "Artist", Title: "Song",
		Album: "Album", AlbumArtist: "Artist", TrackNumber: 3,
		Year: "2020", ReleaseID: "rel-1", DurationSec: 200,
	}}}
	art := &stubArtwork{artwork: &Artwork{Data: []byte("img"), MIME: "image/jpeg"}}
	tagger := &stubTagger{}
	w := newTestWorker(search, nil, art, tagger)

	w.process(context.Background(), Item{
		FilePath: musicFile(t),
		Meta:     &models.MediaMeta{Artist: "Artist", Track: "Song", Album: "Album", DurationSec: 200},
		Config:   testConfig(),
	})

	if !tagger.applied {
		t.Fatal("tags not applied for a confident match")
	}
	if tagger.tags.RecordingID != "mbid-1" || tagger.tags.TrackNumber != 3 {
		t.Fatalf("tags = %+v", tagger.tags)
	}
	if !art.called || tagger.artwork == nil {
		t.Error("artwork not fetched and passed through")
	}
	if !tagger.override {
		t.Error("allow_overwrite_tags not forwarded")
	}
}

func TestProcessSkipsBelowThreshold(t *testing.T) {
	// Artist+title only (no album, no duration): 70 points, threshold 80.
	search := &stubSearcher{candidates: []Candidate{{
		RecordingID: "mbid-1", Artist: "Artist", Title: "Song",
	}}}
	tagger := &stubTagger{}
	w := newTestWorker(search, nil, nil, tagger)

	cfg := testConfig()
	cfg.ConfidenceThreshold = 80
	w.process(context.Background(), Item{
		FilePath: musicFile(t),
		Meta:     &models.MediaMeta{Artist: "Artist", Track: "Song"},
		Config:   cfg,
	})

	if tagger.applied {
		t.Fatal("tags applied despite score below threshold")
	}
}

func TestProcessMergesAcoustIDHit(t *testing.T) {
	search := &stubSearcher{} // MusicBrainz finds nothing
	fp := &stubFingerprinter{hit: &Candidate{
		RecordingID: "fp-1", Artist: "Artist", Title: "Song", AcoustIDScore: 0.97,
	}}
	tagger := &stubTagger{}
	w := newTestWorker(search, fp, nil, tagger)

	cfg := testConfig()
	cfg.UseAcoustID = true
	cfg.AcoustIDAPIKey = "key"
	w.process(context.Background(), Item{
		FilePath: musicFile(t),
		Meta:     &models.MediaMeta{Artist: "Artist", Track: "Song"},
		Config:   cfg,
	})

	if !fp.called {
		t.Fatal("fingerprinter not consulted")
	}
	if !tagger.applied || tagger.tags.RecordingID != "fp-1" {
		t.Fatalf("fingerprint hit not used: %+v", tagger.tags)
	}
}

func TestProcessSkipsWithoutAPIKey(t *testing.T) {
	fp := &stubFingerprinter{hit: &Candidate{RecordingID: "fp-1"}}
	tagger := &stubTagger{}
	w := newTestWorker(&stubSearcher{}, fp, nil, tagger)

	cfg := testConfig()
	cfg.UseAcoustID = true // but no key
	w.process(context.Background(), Item{
		FilePath: musicFile(t),
		Meta:     &models.MediaMeta{Artist: "Artist", Track: "Song"},
		Config:   cfg,
	})

	if fp.called {
		t.Fatal("fingerprinter consulted without an API key")
	}
}

func TestProcessSkipsMissingFileAndSource(t *testing.T) {
	tagger := &stubTagger{}
	w := newTestWorker(&stubSearcher{}, nil, nil, tagger)

	// Missing file.
	w.process(context.Background(), Item{
		FilePath: "/nonexistent/file.mp3",
		Config:   testConfig(),
	})
	if tagger.applied {
		t.Fatal("processed a missing file")
	}

	// No artist/title derivable.
	path := filepath.Join(t.TempDir(), "noise.mp3")
	os.WriteFile(path, []byte("x"), 0o644)
	w.process(context.Background(), Item{
		FilePath: path,
		Config:   testConfig(),
	})
	if tagger.applied {
		t.Fatal("processed a file with no source artist/title")
	}
}

func TestEnqueueRespectsEnableGate(t *testing.T) {
	w := newTestWorker(&stubSearcher{}, nil, nil, &stubTagger{})

	cfg := testConfig()
	cfg.Enabled = false
	if w.Enqueue(context.Background(), Item{FilePath: "/x.mp3", Config: cfg}) {
		t.Fatal("enqueue accepted while disabled")
	}
	if w.Enqueue(context.Background(), Item{FilePath: "", Config: testConfig()}) {
		t.Fatal("enqueue accepted an empty path")
	}
}

func TestDryRunReachesTagger(t *testing.T) {
	search := &stubSearcher{candidates: []Candidate{{
		RecordingID: "mbid-1", Artist: "Artist", Title: "Song", DurationSec: 200,
	}}}
	tagger := &stubTagger{}
	w := newTestWorker(search, nil, nil, tagger)

	cfg := testConfig()
	cfg.DryRun = true
	w.process(context.Background(), Item{
		FilePath: musicFile(t),
		Meta:     &models.MediaMeta{Artist: "Artist", Track: "Song", DurationSec: 200},
		Config:   cfg,
	})

	if !tagger.applied || !tagger.dryRun {
		t.Fatal("dry-run flag not forwarded to the tagger")
	}
}
