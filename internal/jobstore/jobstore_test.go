package jobstore

import (
	"database/sql"
	"path/filepath"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "jobs.db")+"?_busy_timeout=30000&_txlock=immediate")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	db.Exec("PRAGMA journal_mode=WAL;")
	t.Cleanup(func() { db.Close() })

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	store, err := New(db, logger)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return store
}

func enqueueTest(t *testing.T, store *Store, source, url string) string {
	t.Helper()
	id, err := store.Enqueue(EnqueueParams{
		Origin:      OriginPlaylist,
		OriginID:    "PL1",
		MediaType:   MediaVideo,
		MediaIntent: IntentPlaylist,
		Source:      source,
		URL:         url,
		OutputDir:   "/downloads",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return id
}

func TestEnqueueValidation(t *testing.T) {
	store := openTestStore(t)

	tests := []struct {
		name   string
		params EnqueueParams
	}{
		{"bad origin", EnqueueParams{Origin: "webhook", MediaType: MediaVideo, MediaIntent: IntentTrack, Source: "s", URL: "u", OutputDir: "d"}},
		{"bad media type", EnqueueParams{Origin: OriginSearch, MediaType: "image", MediaIntent: IntentTrack, Source: "s", URL: "u", OutputDir: "d"}},
		{"bad intent", EnqueueParams{Origin: OriginSearch, MediaType: MediaAudio, MediaIntent: "short", Source: "s", URL: "u", OutputDir: "d"}},
		{"missing source", EnqueueParams{Origin: OriginSearch, MediaType: MediaAudio, MediaIntent: IntentTrack, URL: "u", OutputDir: "d"}},
		{"missing url", EnqueueParams{Origin: OriginSearch, MediaType: MediaAudio, MediaIntent: IntentTrack, Source: "s", OutputDir: "d"}},
		{"missing output dir", EnqueueParams{Origin: OriginSearch, MediaType: MediaAudio, MediaIntent: IntentTrack, Source: "s", URL: "u"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.Enqueue(tt.params); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestClaimFIFOPerSource(t *testing.T) {
	store := openTestStore(t)

	idA := enqueueTest(t, store, "youtube", "https://example.test/a")
	idB := enqueueTest(t, store, "youtube", "https://example.test/b")
	enqueueTest(t, store, "soundcloud", "https://example.test/c")

	job, err := store.ClaimNext("youtube", time.Now())
	if err != nil || job == nil {
		t.Fatalf("first claim: %v %v", job, err)
	}
	if job.ID != idA {
		t.Fatalf("claim order: got %s, want %s first", job.ID, idA)
	}
	if job.Status != StatusRunning || job.RunningAt == nil {
		t.Fatalf("claimed job not running: %+v", job)
	}

	job2, _ := store.ClaimNext("youtube", time.Now())
	if job2 == nil || job2.ID != idB {
		t.Fatalf("second claim got %+v, want %s", job2, idB)
	}
	if job3, _ := store.ClaimNext("youtube", time.Now()); job3 != nil {
		t.Fatalf("third claim should be empty, got %s", job3.ID)
	}
}

func TestClaimMutualExclusion(t *testing.T) {
	store := openTestStore(t)
	enqueueTest(t, store, "youtube", "https://example.test/a")

	var mu sync.Mutex
	var claimed []*Job
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := store.ClaimNext("youtube", time.Now())
			if err == nil && job != nil {
				mu.Lock()
				claimed = append(claimed, job)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != 1 {
		t.Fatalf("claimed by %d workers, want exactly 1", len(claimed))
	}
}

func TestScheduledRetryNotClaimableEarly(t *testing.T) {
	store := openTestStore(t)
	enqueueTest(t, store, "youtube", "https://example.test/a")

	job, _ := store.ClaimNext("youtube", time.Now())
	retryAt := time.Now().Add(30 * time.Second)
	ok, err := store.MarkFailed(job, "timeout", &retryAt, 1)
	if err != nil || !ok {
		t.Fatalf("MarkFailed: %v %v", ok, err)
	}

	// Before retry_at the job is invisible to claims.
	if early, _ := store.ClaimNext("youtube", time.Now()); early != nil {
		t.Fatal("claimed a scheduled retry before its time")
	}
	if sources, _ := store.ListReadySources(time.Now()); len(sources) != 0 {
		t.Fatalf("ListReadySources = %v, want empty", sources)
	}
	next, err := store.NextReadyTime(time.Now())
	if err != nil || next == nil {
		t.Fatalf("NextReadyTime: %v %v", next, err)
	}
	if next.Before(time.Now().Add(25 * time.Second)) {
		t.Fatalf("retry scheduled too early: %v", next)
	}

	// After retry_at it becomes claimable again with attempts bumped.
	late, _ := store.ClaimNext("youtube", time.Now().Add(time.Minute))
	if late == nil {
		t.Fatal("retry not claimable after its time")
	}
	if late.Attempts != 1 || late.LastError != "timeout" {
		t.Fatalf("retry state: %+v", late)
	}
}

func TestTerminalTransitionsRequireRunning(t *testing.T) {
	store := openTestStore(t)
	enqueueTest(t, store, "youtube", "https://example.test/a")

	job, _ := store.ClaimNext("youtube", time.Now())
	if ok, _ := store.MarkCompleted(job); !ok {
		t.Fatal("MarkCompleted on running job failed")
	}
	// Second transition must not fire; the job is no longer running.
	if ok, _ := store.MarkCompleted(job); ok {
		t.Fatal("MarkCompleted succeeded twice")
	}
	if ok, _ := store.MarkCanceled(job, "canceled"); ok {
		t.Fatal("MarkCanceled succeeded on completed job")
	}
	if ok, _ := store.MarkFailed(job, "x", nil, 1); ok {
		t.Fatal("MarkFailed succeeded on completed job")
	}

	got, _ := store.GetJob(job.ID)
	if got.Status != StatusCompleted || got.CompletedAt == nil {
		t.Fatalf("final state: %+v", got)
	}
}

func TestImmutableIdentityFields(t *testing.T) {
	store := openTestStore(t)
	id := enqueueTest(t, store, "youtube", "https://example.test/a")

	tests := []struct {
		name string
		stmt string
	}{
		{"source", "UPDATE download_jobs SET source = 'other' WHERE id = ?"},
		{"url", "UPDATE download_jobs SET url = 'https://other' WHERE id = ?"},
		{"output_template", "UPDATE download_jobs SET output_template = 'x' WHERE id = ?"},
		{"media_intent", "UPDATE download_jobs SET media_intent = 'movie' WHERE id = ?"},
		{"trace_id", "UPDATE download_jobs SET trace_id = 'forged' WHERE id = ?"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := store.db.Exec(tt.stmt, id); err == nil {
				t.Errorf("update of %s was not rejected", tt.name)
			}
		})
	}

	// Mutable fields still update fine.
	if _, err := store.db.Exec("UPDATE download_jobs SET last_error = 'note' WHERE id = ?", id); err != nil {
		t.Fatalf("mutable update rejected: %v", err)
	}
}

func TestDeduplicationHelpers(t *testing.T) {
	store := openTestStore(t)
	enqueueTest(t, store, "youtube", "https://example.test/a")

	if active, _ := store.HasActiveJob("youtube", "https://example.test/a"); !active {
		t.Error("HasActiveJob false for queued job")
	}
	if active, _ := store.HasActiveJob("youtube", "https://example.test/zzz"); active {
		t.Error("HasActiveJob true for unknown url")
	}
	if prior, _ := store.HasJobForOrigin(OriginPlaylist, "PL1", "https://example.test/a"); !prior {
		t.Error("HasJobForOrigin false for recorded origin")
	}
	if prior, _ := store.HasJobForOrigin(OriginSearch, "PL1", "https://example.test/a"); prior {
		t.Error("HasJobForOrigin true for different origin")
	}

	job, _ := store.ClaimNext("youtube", time.Now())
	store.MarkCompleted(job)
	if active, _ := store.HasActiveJob("youtube", "https://example.test/a"); active {
		t.Error("HasActiveJob true after completion")
	}
	// Origin dedup persists across terminal states.
	if prior, _ := store.HasJobForOrigin(OriginPlaylist, "PL1", "https://example.test/a"); !prior {
		t.Error("HasJobForOrigin false after completion")
	}
}

func TestContextRoundTrip(t *testing.T) {
	store := openTestStore(t)
	id, err := store.Enqueue(EnqueueParams{
		Origin: OriginSearch, OriginID: "req1", MediaType: MediaAudio,
		MediaIntent: IntentTrack, Source: "soundcloud", URL: "https://example.test/t",
		OutputDir: "/downloads",
		Context: map[string]any{
			"item_id":    "T1",
			"music_mode": true,
			"metadata":   map[string]any{"title": "Song"},
		},
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	job, _ := store.GetJob(id)
	if job.Context["item_id"] != "T1" {
		t.Errorf("context item_id = %v", job.Context["item_id"])
	}
	if job.Context["music_mode"] != true {
		t.Errorf("context music_mode = %v", job.Context["music_mode"])
	}
	meta, ok := job.Context["metadata"].(map[string]any)
	if !ok || meta["title"] != "Song" {
		t.Errorf("context metadata = %v", job.Context["metadata"])
	}
}
