package search

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"tapedeck/internal/config"
	"tapedeck/internal/jobstore"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

type stubAdapter struct {
	name     string
	tracks   []*Candidate
	albums   []*Candidate
	modifier func(*Candidate) float64
}

func (a *stubAdapter) SourceName() string { return a.name }
func (a *stubAdapter) SearchTrack(ctx context.Context, artist, track, album string, limit int) ([]*Candidate, error) {
	return a.tracks, nil
}
func (a *stubAdapter) SearchAlbum(ctx context.Context, artist, album string, limit int) ([]*Candidate, error) {
	return a.albums, nil
}
func (a *stubAdapter) SourceModifier(c *Candidate) float64 {
	if a.modifier != nil {
		return a.modifier(c)
	}
	return 1.0
}

func newTestResolver(t *testing.T, adapters Registry) (*Resolver, *Store, *jobstore.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	store, err := OpenStore(filepath.Join(t.TempDir(), "search.db"), logger)
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "jobs.db")+"?_busy_timeout=30000&_txlock=immediate")
	if err != nil {
		t.Fatalf("open jobs db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	jobs, err := jobstore.New(db, logger)
	if err != nil {
		t.Fatalf("jobstore.New: %v", err)
	}

	resolver := &Resolver{
		Store:     store,
		Jobs:      jobs,
		Adapters:  adapters,
		Logger:    logger,
		Config:    config.DefaultConfig(),
		OutputDir: "/downloads",
	}
	return resolver, store, jobs
}

func TestResolveTrackSelectsCatalogCandidate(t *testing.T) {
	catalog := &stubAdapter{
		name: "catalog",
		tracks: []*Candidate{{
			URL: "https://catalog.test/track", Title: "Track",
			ArtistDetected: "Artist", TrackDetected: "Track", IsOfficial: true,
		}},
		modifier: func(*Candidate) float64 { return 1.05 },
	}
	general := &stubAdapter{
		name: "general",
		tracks: []*Candidate{{
			URL: "https://general.test/track", Title: "Track (cover)", ArtistDetected: "Artist",
		}},
		modifier: func(*Candidate) float64 { return 0.95 },
	}
	resolver, store, jobs := newTestResolver(t, Registry{"catalog": catalog, "general": general})

	// Perfect artist+track with neutral album/duration baselines scores
	// 0.83 weighted; 0.80 puts the catalog hit above and the cover below.
	minScore := 0.80
	requestID, err := store.CreateRequest(CreateParams{
		Intent: "track", Artist: "Artist", Track: "Track",
		MinMatchScore:  &minScore,
		SourcePriority: []string{"catalog", "general"},
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}

	got, err := resolver.ResolveOnce(context.Background())
	if err != nil || got != requestID {
		t.Fatalf("ResolveOnce = %q, %v", got, err)
	}

	req, _, _ := store.GetRequest(requestID)
	if req.Status != RequestCompleted {
		t.Fatalf("request status = %s, want completed", req.Status)
	}

	items, _ := store.ListItems(requestID)
	if len(items) != 1 || items[0].Status != ItemEnqueued {
		t.Fatalf("items = %+v", items)
	}
	if items[0].ChosenSource != "catalog" {
		t.Errorf("chosen source = %s", items[0].ChosenSource)
	}

	candidates, _ := store.ListCandidates(items[0].ID)
	if len(candidates) != 2 {
		t.Fatalf("persisted candidates = %d", len(candidates))
	}
	if candidates[0].Source != "catalog" || candidates[0].PenaltyMultiplier != 1.0 {
		t.Errorf("top candidate: %+v", candidates[0])
	}
	if candidates[1].PenaltyMultiplier > 0.11 {
		t.Errorf("cover penalty multiplier = %v", candidates[1].PenaltyMultiplier)
	}

	// Exactly one download job, origin=search.
	if prior, _ := jobs.HasJobForOrigin(jobstore.OriginSearch, requestID, "https://catalog.test/track"); !prior {
		t.Error("download job not recorded for search origin")
	}
	if prior, _ := jobs.HasJobForOrigin(jobstore.OriginSearch, requestID, "https://general.test/track"); prior {
		t.Error("cover candidate was enqueued")
	}
}

func TestResolveFailsBelowThreshold(t *testing.T) {
	weak := &stubAdapter{
		name:   "general",
		tracks: []*Candidate{{URL: "https://g.test/x", Title: "Entirely Different Thing"}},
	}
	resolver, store, _ := newTestResolver(t, Registry{"general": weak})

	requestID, _ := store.CreateRequest(CreateParams{
		Intent: "track", Artist: "Artist", Track: "Track",
		SourcePriority: []string{"general"},
	})
	resolver.ResolveOnce(context.Background())

	req, _, _ := store.GetRequest(requestID)
	if req.Status != RequestFailed || req.Error != "no_items_enqueued" {
		t.Fatalf("request = %s / %s", req.Status, req.Error)
	}
	items, _ := store.ListItems(requestID)
	if items[0].Status != ItemFailed || items[0].Error != "no_candidate_above_threshold" {
		t.Fatalf("item = %s / %s", items[0].Status, items[0].Error)
	}
}

func TestResolveFailsWithNoCandidates(t *testing.T) {
	empty := &stubAdapter{name: "general"}
	resolver, store, _ := newTestResolver(t, Registry{"general": empty})

	requestID, _ := store.CreateRequest(CreateParams{
		Intent: "track", Artist: "A", Track: "T", SourcePriority: []string{"general"},
	})
	resolver.ResolveOnce(context.Background())

	items, _ := store.ListItems(requestID)
	if items[0].Status != ItemFailed || items[0].Error != "no_candidates" {
		t.Fatalf("item = %s / %s", items[0].Status, items[0].Error)
	}
}

func TestResolveUnsupportedIntents(t *testing.T) {
	resolver, store, _ := newTestResolver(t, Registry{})
	requestID, err := store.CreateRequest(CreateParams{Intent: "artist", Artist: "A"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	resolver.ResolveOnce(context.Background())

	req, _, _ := store.GetRequest(requestID)
	if req.Status != RequestFailed || req.Error != "not_implemented" {
		t.Fatalf("artist intent = %s / %s", req.Status, req.Error)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	_, store, _ := newTestResolver(t, Registry{})
	tests := []struct {
		name   string
		params CreateParams
	}{
		{"bad intent", CreateParams{Intent: "mixtape", Artist: "A"}},
		{"missing artist", CreateParams{Intent: "track", Track: "T"}},
		{"track without track", CreateParams{Intent: "track", Artist: "A"}},
		{"album without album", CreateParams{Intent: "album", Artist: "A"}},
		{"bad media type", CreateParams{Intent: "track", Artist: "A", Track: "T", MediaType: "hologram"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.CreateRequest(tt.params); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCancelRequest(t *testing.T) {
	resolver, store, _ := newTestResolver(t, Registry{})
	_ = resolver
	requestID, _ := store.CreateRequest(CreateParams{Intent: "track", Artist: "A", Track: "T"})

	canceled, err := store.CancelRequest(requestID)
	if err != nil || !canceled {
		t.Fatalf("CancelRequest = %v, %v", canceled, err)
	}
	// A second cancel is a no-op on the terminal request.
	canceled, _ = store.CancelRequest(requestID)
	if canceled {
		t.Error("canceled a terminal request twice")
	}
}
