// Package jobstore is the durable, source-partitioned download-job queue.
// Jobs are append-only on their identity fields; state transitions are
// guarded so that a job in running has exactly one owner.
package jobstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Origin says where a job came from.
type Origin string

const (
	OriginPlaylist Origin = "playlist"
	OriginSearch   Origin = "search"
)

// MediaType selects the broad media class.
type MediaType string

const (
	MediaAudio MediaType = "audio"
	MediaVideo MediaType = "video"
)

// MediaIntent narrows what the URL is expected to yield.
type MediaIntent string

const (
	IntentTrack    MediaIntent = "track"
	IntentAlbum    MediaIntent = "album"
	IntentPlaylist MediaIntent = "playlist"
	IntentEpisode  MediaIntent = "episode"
	IntentMovie    MediaIntent = "movie"
)

// Status is the closed set of job states. Persistence uses the string form;
// in-memory transitions go through the store methods only.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// DefaultMaxAttempts bounds retries when the enqueuer does not say otherwise.
const DefaultMaxAttempts = 3

var (
	// ErrImmutableField is surfaced when an update would touch an identity field.
	ErrImmutableField = errors.New("download job immutable field update blocked")

	validOrigins = map[Origin]bool{OriginPlaylist: true, OriginSearch: true}
	validTypes   = map[MediaType]bool{MediaAudio: true, MediaVideo: true}
	validIntents = map[MediaIntent]bool{
		IntentTrack: true, IntentAlbum: true, IntentPlaylist: true,
		IntentEpisode: true, IntentMovie: true,
	}
)

// Job is one stored download job.
type Job struct {
	ID             string
	Origin         Origin
	OriginID       string
	MediaType      MediaType
	MediaIntent    MediaIntent
	Source         string
	URL            string
	OutputTemplate string
	OutputDir      string
	Status         Status
	QueuedAt       *time.Time
	RunningAt      *time.Time
	CompletedAt    *time.Time
	FailedAt       *time.Time
	CanceledAt     *time.Time
	Attempts       int
	MaxAttempts    int
	CreatedAt      time.Time
	UpdatedAt      time.Time
	LastError      string
	TraceID        string
	Context        map[string]any
}

// Store persists download jobs. It shares the main database handle.
type Store struct {
	db     *sql.DB
	logger *logrus.Logger
}

// New ensures the download_jobs schema on the shared handle.
func New(db *sql.DB, logger *logrus.Logger) (*Store, error) {
	s := &Store{db: db, logger: logger}
	if err := s.ensureTable(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureTable() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS download_jobs (
			id TEXT PRIMARY KEY,
			origin TEXT NOT NULL,
			origin_id TEXT NOT NULL,
			media_type TEXT NOT NULL,
			media_intent TEXT NOT NULL,
			source TEXT NOT NULL,
			url TEXT NOT NULL,
			output_template TEXT,
			output_dir TEXT NOT NULL,
			status TEXT NOT NULL,
			queued_at TIMESTAMP,
			running_at TIMESTAMP,
			completed_at TIMESTAMP,
			failed_at TIMESTAMP,
			canceled_at TIMESTAMP,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			last_error TEXT,
			trace_id TEXT NOT NULL UNIQUE,
			context_json TEXT
		)`)
	if err != nil {
		return err
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_download_jobs_status ON download_jobs (status)",
		"CREATE INDEX IF NOT EXISTS idx_download_jobs_source_status ON download_jobs (source, status)",
		"CREATE INDEX IF NOT EXISTS idx_download_jobs_created_at ON download_jobs (created_at)",
	}
	for _, index := range indices {
		if _, err := s.db.Exec(index); err != nil {
			return err
		}
	}

	// Identity fields are frozen at insert; the trigger rejects any update
	// that would rewrite them, whatever code path issued it.
	_, err = s.db.Exec(`
		CREATE TRIGGER IF NOT EXISTS download_jobs_immutable_fields
		BEFORE UPDATE ON download_jobs
		FOR EACH ROW
		WHEN
			OLD.source != NEW.source
			OR OLD.url != NEW.url
			OR COALESCE(OLD.output_template, '') != COALESCE(NEW.output_template, '')
			OR OLD.media_intent != NEW.media_intent
			OR OLD.trace_id != NEW.trace_id
		BEGIN
			SELECT RAISE(ABORT, 'download job immutable field update blocked');
		END`)
	return err
}

// EnqueueParams are the identity fields plus queue tuning for a new job.
type EnqueueParams struct {
	Origin         Origin
	OriginID       string
	MediaType      MediaType
	MediaIntent    MediaIntent
	Source         string
	URL            string
	OutputTemplate string
	OutputDir      string
	Context        map[string]any
	MaxAttempts    int
	TraceID        string
}

// Enqueue validates and inserts a new queued job, returning its id.
func (s *Store) Enqueue(p EnqueueParams) (string, error) {
	if !validOrigins[p.Origin] {
		return "", fmt.Errorf("invalid origin: %s", p.Origin)
	}
	if !validTypes[p.MediaType] {
		return "", fmt.Errorf("invalid media_type: %s", p.MediaType)
	}
	if !validIntents[p.MediaIntent] {
		return "", fmt.Errorf("invalid media_intent: %s", p.MediaIntent)
	}
	if p.Source == "" {
		return "", errors.New("source is required")
	}
	if p.URL == "" {
		return "", errors.New("url is required")
	}
	if p.OutputDir == "" {
		return "", errors.New("output_dir is required")
	}

	jobID := uuid.NewString()
	traceID := p.TraceID
	if traceID == "" {
		traceID = strings.ReplaceAll(uuid.NewString(), "-", "")
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var contextJSON any
	if len(p.Context) > 0 {
		raw, err := json.Marshal(p.Context)
		if err != nil {
			return "", fmt.Errorf("failed to serialize job context: %w", err)
		}
		contextJSON = string(raw)
	}

	now := time.Now().UTC()
	_, err := s.db.Exec(`
		INSERT INTO download_jobs (
			id, origin, origin_id, media_type, media_intent, source, url,
			output_template, output_dir, status, queued_at, attempts, max_attempts,
			created_at, updated_at, trace_id, context_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?)`,
		jobID, string(p.Origin), p.OriginID, string(p.MediaType), string(p.MediaIntent),
		p.Source, p.URL, nullable(p.OutputTemplate), p.OutputDir,
		string(StatusQueued), now, maxAttempts, now, now, traceID, contextJSON,
	)
	if err != nil {
		return "", err
	}

	s.logger.WithFields(logrus.Fields{
		"event": "job_enqueued", "trace_id": traceID, "job_id": jobID,
		"source": p.Source, "origin": p.Origin, "media_type": p.MediaType,
		"media_intent": p.MediaIntent, "status": StatusQueued,
	}).Info("job enqueued")
	return jobID, nil
}

const jobColumns = `id, origin, origin_id, media_type, media_intent, source, url,
	COALESCE(output_template, ''), output_dir, status,
	queued_at, running_at, completed_at, failed_at, canceled_at,
	attempts, max_attempts, created_at, updated_at, COALESCE(last_error, ''),
	trace_id, COALESCE(context_json, '')`

// ClaimNext selects the oldest claimable queued job for the source and flips
// it to running, all inside a single immediate transaction. At most one
// worker per source can hold a job at any instant.
func (s *Store) ClaimNext(source string, now time.Time) (*Job, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(`
		SELECT `+jobColumns+`
		FROM download_jobs
		WHERE status = ? AND source = ? AND (queued_at IS NULL OR queued_at <= ?)
		ORDER BY queued_at ASC, created_at ASC
		LIMIT 1`,
		string(StatusQueued), source, now.UTC(),
	)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	runAt := now.UTC()
	res, err := tx.Exec(
		`UPDATE download_jobs SET status = ?, running_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusRunning), runAt, runAt, job.ID, string(StatusQueued),
	)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	job.Status = StatusRunning
	job.RunningAt = &runAt
	return job, nil
}

// GetJob returns a job by id, or nil when absent.
func (s *Store) GetJob(id string) (*Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM download_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return job, err
}

// HasActiveJob reports whether (source, url) is queued or running.
func (s *Store) HasActiveJob(source, url string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM download_jobs WHERE source = ? AND url = ? AND status IN (?, ?) LIMIT 1`,
		source, url, string(StatusQueued), string(StatusRunning),
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// HasJobForOrigin reports whether (origin, origin_id, url) was ever enqueued.
func (s *Store) HasJobForOrigin(origin Origin, originID, url string) (bool, error) {
	var one int
	err := s.db.QueryRow(
		`SELECT 1 FROM download_jobs WHERE origin = ? AND origin_id = ? AND url = ? LIMIT 1`,
		string(origin), originID, url,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// ListReadySources returns the sources with at least one claimable job.
func (s *Store) ListReadySources(now time.Time) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT DISTINCT source FROM download_jobs
		 WHERE status = ? AND (queued_at IS NULL OR queued_at <= ?)`,
		string(StatusQueued), now.UTC(),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

// NextReadyTime returns the earliest future queued_at, or nil when no
// scheduled retry is pending.
func (s *Store) NextReadyTime(now time.Time) (*time.Time, error) {
	var queuedAt time.Time
	err := s.db.QueryRow(
		`SELECT queued_at FROM download_jobs
		 WHERE status = ? AND queued_at IS NOT NULL AND queued_at > ?
		 ORDER BY queued_at ASC LIMIT 1`,
		string(StatusQueued), now.UTC(),
	).Scan(&queuedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &queuedAt, nil
}

// MarkCompleted transitions running -> completed. Returns whether the
// transition happened.
func (s *Store) MarkCompleted(job *Job) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE download_jobs SET status = ?, completed_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
		string(StatusCompleted), now, now, job.ID, string(StatusRunning),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		s.logger.WithFields(logrus.Fields{
			"event": "job_completed", "trace_id": job.TraceID, "job_id": job.ID,
			"source": job.Source, "status": StatusCompleted,
		}).Info("job completed")
	}
	return n == 1, nil
}

// MarkCanceled transitions running -> canceled with a reason.
func (s *Store) MarkCanceled(job *Job, reason string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(
		`UPDATE download_jobs SET status = ?, canceled_at = ?, updated_at = ?, last_error = ? WHERE id = ? AND status = ?`,
		string(StatusCanceled), now, now, reason, job.ID, string(StatusRunning),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		s.logger.WithFields(logrus.Fields{
			"event": "job_canceled", "trace_id": job.TraceID, "job_id": job.ID,
			"source": job.Source, "status": StatusCanceled, "reason": reason,
		}).Warn("job canceled")
	}
	return n == 1, nil
}

// MarkFailed records a failure. With retryAt set the job goes back to queued
// with a future queued_at (a scheduled retry); without it the failure is
// terminal.
func (s *Store) MarkFailed(job *Job, errMsg string, retryAt *time.Time, attempts int) (bool, error) {
	now := time.Now().UTC()
	status := StatusFailed
	var queuedAt, failedAt any
	if retryAt != nil {
		status = StatusQueued
		queuedAt = retryAt.UTC()
	} else {
		failedAt = now
	}

	res, err := s.db.Exec(
		`UPDATE download_jobs
		 SET status = ?, failed_at = COALESCE(failed_at, ?), queued_at = ?, attempts = ?, updated_at = ?, last_error = ?
		 WHERE id = ? AND status = ?`,
		string(status), failedAt, queuedAt, attempts, now, errMsg, job.ID, string(StatusRunning),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 1 {
		event := "job_failed"
		entry := s.logger.WithFields(logrus.Fields{
			"trace_id": job.TraceID, "job_id": job.ID, "source": job.Source,
			"status": status, "attempts": attempts, "error": errMsg,
		})
		if retryAt != nil {
			event = "job_requeued"
			entry.WithField("event", event).WithField("retry_at", retryAt.UTC()).Warn("job requeued")
		} else {
			entry.WithField("event", event).Error("job failed")
		}
	}
	return n == 1, nil
}

// CountActive returns how many jobs are queued or running.
func (s *Store) CountActive() (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM download_jobs WHERE status IN (?, ?)`,
		string(StatusQueued), string(StatusRunning),
	).Scan(&n)
	return n, err
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*Job, error) {
	var j Job
	var origin, mediaType, mediaIntent, status, contextJSON string
	var queuedAt, runningAt, completedAt, failedAt, canceledAt sql.NullTime
	err := row.Scan(
		&j.ID, &origin, &j.OriginID, &mediaType, &mediaIntent, &j.Source, &j.URL,
		&j.OutputTemplate, &j.OutputDir, &status,
		&queuedAt, &runningAt, &completedAt, &failedAt, &canceledAt,
		&j.Attempts, &j.MaxAttempts, &j.CreatedAt, &j.UpdatedAt, &j.LastError,
		&j.TraceID, &contextJSON,
	)
	if err != nil {
		return nil, err
	}
	j.Origin = Origin(origin)
	j.MediaType = MediaType(mediaType)
	j.MediaIntent = MediaIntent(mediaIntent)
	j.Status = Status(status)
	j.QueuedAt = nullTimePtr(queuedAt)
	j.RunningAt = nullTimePtr(runningAt)
	j.CompletedAt = nullTimePtr(completedAt)
	j.FailedAt = nullTimePtr(failedAt)
	j.CanceledAt = nullTimePtr(canceledAt)
	if contextJSON != "" {
		j.Context = map[string]any{}
		if err := json.Unmarshal([]byte(contextJSON), &j.Context); err != nil {
			j.Context = map[string]any{}
		}
	}
	return &j, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
