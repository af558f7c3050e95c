package discovery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tapedeck/internal/config"
	"tapedeck/internal/database"
	"tapedeck/internal/jobstore"
	"tapedeck/internal/status"
	"tapedeck/pkg/models"

	"github.com/sirupsen/logrus"
)

type fakeAuth struct {
	entries []models.PlaylistEntry
	err     error
}

func (f *fakeAuth) ListPlaylistItems(ctx context.Context, playlistID string) ([]models.PlaylistEntry, error) {
	return f.entries, f.err
}

type fakePublic struct {
	entries []models.PlaylistEntry
	err     error
}

func (f *fakePublic) ExtractPlaylist(ctx context.Context, playlistURL, cookiesPath string) ([]models.PlaylistEntry, error) {
	return f.entries, f.err
}

func newTestDiscovery(t *testing.T, public PublicEnumerator) (*Discovery, *database.Store, *jobstore.Store) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	history, err := database.Open(filepath.Join(t.TempDir(), "main.db"), logger)
	if err != nil {
		t.Fatalf("database.Open: %v", err)
	}
	t.Cleanup(func() { history.Close() })

	jobs, err := jobstore.New(history.Conn(), logger)
	if err != nil {
		t.Fatalf("jobstore.New: %v", err)
	}

	disc := &Discovery{
		History:  history,
		Jobs:     jobs,
		Public:   public,
		Status:   status.NewPublisher(),
		Logger:   logger,
		Config:   config.DefaultConfig(),
		Enqueued: map[string]bool{},
	}
	return disc, history, jobs
}

func entries(ids ...string) []models.PlaylistEntry {
	out := make([]models.PlaylistEntry, 0, len(ids))
	for _, id := range ids {
		out = append(out, models.PlaylistEntry{ItemID: id})
	}
	return out
}

func TestFullModeEnqueuesNewItems(t *testing.T) {
	disc, history, jobs := newTestDiscovery(t, &fakePublic{entries: entries("V1", "V2")})

	pl := config.PlaylistSpec{PlaylistID: "PL1", Folder: "a"}
	res, err := disc.DiscoverPlaylist(context.Background(), pl, nil, "/downloads/a")
	if err != nil {
		t.Fatalf("DiscoverPlaylist: %v", err)
	}
	if res.Enqueued != 2 {
		t.Fatalf("enqueued = %d, want 2", res.Enqueued)
	}

	// Second pass with one item already downloaded enqueues nothing: V1 is
	// in the downloads log, V2 is deduplicated against the active queue.
	history.RecordDownload("V1", "PL1", "/downloads/a/v1.webm")
	res, err = disc.DiscoverPlaylist(context.Background(), pl, nil, "/downloads/a")
	if err != nil {
		t.Fatalf("second DiscoverPlaylist: %v", err)
	}
	if res.Enqueued != 0 {
		t.Fatalf("second pass enqueued = %d, want 0", res.Enqueued)
	}

	if active, _ := jobs.HasActiveJob("youtube", "https://www.youtube.com/watch?v=V2"); !active {
		t.Error("expected V2 job in queue")
	}
}

func TestSubscribeModeSeedsFirstObservation(t *testing.T) {
	public := &fakePublic{entries: entries("V1", "V2")}
	disc, history, _ := newTestDiscovery(t, public)

	pl := config.PlaylistSpec{PlaylistID: "PL1", Folder: "a", Mode: "subscribe"}
	res, err := disc.DiscoverPlaylist(context.Background(), pl, nil, "/downloads/a")
	if err != nil {
		t.Fatalf("DiscoverPlaylist: %v", err)
	}
	if res.Enqueued != 0 || !res.Seeded {
		t.Fatalf("first observation: enqueued=%d seeded=%v", res.Enqueued, res.Seeded)
	}
	for _, id := range []string{"V1", "V2"} {
		seen, _ := history.IsSeen("PL1", id)
		if !seen {
			t.Errorf("%s not marked seen", id)
		}
	}
	var downloaded int
	history.Conn().QueryRow("SELECT MAX(downloaded) FROM playlist_seen WHERE collection_id='PL1'").Scan(&downloaded)
	if downloaded != 0 {
		t.Error("baseline rows marked downloaded")
	}

	// Second observation with the same listing still enqueues nothing.
	res, _ = disc.DiscoverPlaylist(context.Background(), pl, nil, "/downloads/a")
	if res.Enqueued != 0 {
		t.Fatalf("second observation enqueued = %d", res.Enqueued)
	}
}

func TestSubscribeModeCutoff(t *testing.T) {
	public := &fakePublic{entries: entries("a", "b", "c")}
	disc, _, jobs := newTestDiscovery(t, public)
	pl := config.PlaylistSpec{PlaylistID: "PL1", Folder: "x", Mode: "subscribe"}

	if _, err := disc.DiscoverPlaylist(context.Background(), pl, nil, "/downloads/x"); err != nil {
		t.Fatalf("seed pass: %v", err)
	}

	// Newest-first listing gains d and e above the old backlog.
	public.entries = entries("d", "e", "a", "b", "c")
	res, err := disc.DiscoverPlaylist(context.Background(), pl, nil, "/downloads/x")
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if res.Enqueued != 2 {
		t.Fatalf("enqueued = %d, want exactly {d, e}", res.Enqueued)
	}
	for _, id := range []string{"d", "e"} {
		active, _ := jobs.HasActiveJob("youtube", "https://www.youtube.com/watch?v="+id)
		if !active {
			t.Errorf("%s not enqueued", id)
		}
	}
	for _, id := range []string{"a", "b", "c"} {
		active, _ := jobs.HasActiveJob("youtube", "https://www.youtube.com/watch?v="+id)
		if active {
			t.Errorf("backlog item %s was enqueued", id)
		}
	}

	// FIFO: d was enqueued before e.
	jobD, _ := jobs.ClaimNext("youtube", time.Now())
	if jobD == nil || jobD.Context["item_id"] != "d" {
		t.Fatalf("first claim = %+v, want d", jobD)
	}
}

func TestDuplicateSuppressionAcrossRuns(t *testing.T) {
	public := &fakePublic{entries: entries("V1")}
	disc, _, jobs := newTestDiscovery(t, public)
	pl := config.PlaylistSpec{PlaylistID: "PL1", Folder: "a"}

	disc.DiscoverPlaylist(context.Background(), pl, nil, "/downloads/a")

	// Complete the job without recording a download (simulates a crash
	// between placement and history insert).
	job, _ := jobs.ClaimNext("youtube", time.Now())
	jobs.MarkCompleted(job)

	// The (origin, origin_id, url) record suppresses a re-enqueue.
	disc2 := &Discovery{
		History: disc.History, Jobs: jobs, Public: public,
		Status: status.NewPublisher(), Logger: disc.Logger,
		Config: disc.Config, Enqueued: map[string]bool{},
	}
	res, _ := disc2.DiscoverPlaylist(context.Background(), pl, nil, "/downloads/a")
	if res.Enqueued != 0 {
		t.Fatalf("re-enqueued a previously recorded origin: %d", res.Enqueued)
	}
}

func TestAuthPathFailureRecordsWatchError(t *testing.T) {
	disc, history, _ := newTestDiscovery(t, &fakePublic{})
	pl := config.PlaylistSpec{PlaylistID: "PL1", Folder: "a", Account: "main"}

	auth := &fakeAuth{err: errors.New("boom")}
	_, err := disc.DiscoverPlaylist(context.Background(), pl, auth, "/downloads/a")
	if err == nil {
		t.Fatal("expected error from failing auth path")
	}
	row, _ := history.GetWatch("PL1")
	if row == nil || row.LastError == "" {
		t.Fatalf("watch error not recorded: %+v", row)
	}
}

func TestMusicModeRoutesToMusicSource(t *testing.T) {
	disc, _, jobs := newTestDiscovery(t, &fakePublic{entries: entries("V1")})
	pl := config.PlaylistSpec{PlaylistID: "PL1", Folder: "a", MusicMode: true}

	disc.DiscoverPlaylist(context.Background(), pl, nil, "/downloads/a")
	active, _ := jobs.HasActiveJob("youtube_music", "https://music.youtube.com/watch?v=V1")
	if !active {
		t.Fatal("music-mode item not routed through the music source")
	}
}
