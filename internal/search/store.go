package search

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// RequestStatus is the closed set of request states.
type RequestStatus string

const (
	RequestQueued    RequestStatus = "queued"
	RequestResolving RequestStatus = "resolving"
	RequestRunning   RequestStatus = "running"
	RequestCompleted RequestStatus = "completed"
	RequestFailed    RequestStatus = "failed"
	RequestCanceled  RequestStatus = "canceled"
)

// ItemStatus is the closed set of item states.
type ItemStatus string

const (
	ItemQueued         ItemStatus = "queued"
	ItemSearching      ItemStatus = "searching"
	ItemCandidateFound ItemStatus = "candidate_found"
	ItemSelected       ItemStatus = "selected"
	ItemEnqueued       ItemStatus = "enqueued"
	ItemSkipped        ItemStatus = "skipped"
	ItemFailed         ItemStatus = "failed"
)

var (
	validIntents  = map[string]bool{"track": true, "album": true, "artist": true, "artist_collection": true}
	validMedia    = map[string]bool{"audio": true, "video": true}
	validStatuses = map[RequestStatus]bool{
		RequestQueued: true, RequestResolving: true, RequestRunning: true,
		RequestCompleted: true, RequestFailed: true, RequestCanceled: true,
	}
)

// Request is one stored search request.
type Request struct {
	ID                     string        `json:"id"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
	CreatedBy              string        `json:"created_by,omitempty"`
	Intent                 string        `json:"intent"`
	MediaType              string        `json:"media_type"`
	Artist                 string        `json:"artist"`
	Album                  string        `json:"album,omitempty"`
	Track                  string        `json:"track,omitempty"`
	IncludeAlbums          bool          `json:"include_albums"`
	IncludeSingles         bool          `json:"include_singles"`
	MinMatchScore          float64       `json:"min_match_score"`
	DurationHintSec        *int          `json:"duration_hint_sec,omitempty"`
	SourcePriority         []string      `json:"source_priority"`
	MaxCandidatesPerSource int           `json:"max_candidates_per_source"`
	Status                 RequestStatus `json:"status"`
	Error                  string        `json:"error,omitempty"`
}

// Item is one resolvable unit of a request.
type Item struct {
	ID              string     `json:"id"`
	RequestID       string     `json:"request_id"`
	Position        int        `json:"position"`
	ItemType        string     `json:"item_type"`
	MediaType       string     `json:"media_type"`
	Artist          string     `json:"artist"`
	Album           string     `json:"album,omitempty"`
	Track           string     `json:"track,omitempty"`
	DurationHintSec *int       `json:"duration_hint_sec,omitempty"`
	Status          ItemStatus `json:"status"`
	ChosenSource    string     `json:"chosen_source,omitempty"`
	ChosenURL       string     `json:"chosen_url,omitempty"`
	ChosenScore     *float64   `json:"chosen_score,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// Candidate is one scored search result.
type Candidate struct {
	ID                string  `json:"id"`
	ItemID            string  `json:"item_id"`
	Source            string  `json:"source"`
	URL               string  `json:"url"`
	Title             string  `json:"title"`
	Uploader          string  `json:"uploader,omitempty"`
	ArtistDetected    string  `json:"artist_detected,omitempty"`
	AlbumDetected     string  `json:"album_detected,omitempty"`
	TrackDetected     string  `json:"track_detected,omitempty"`
	DurationSec       *int    `json:"duration_sec,omitempty"`
	ArtworkURL        string  `json:"artwork_url,omitempty"`
	ScoreArtist       float64 `json:"score_artist"`
	ScoreTrack        float64 `json:"score_track"`
	ScoreAlbum        float64 `json:"score_album"`
	ScoreDuration     float64 `json:"score_duration"`
	SourceModifier    float64 `json:"source_modifier"`
	PenaltyMultiplier float64 `json:"penalty_multiplier"`
	FinalScore        float64 `json:"final_score"`
	Rank              int     `json:"rank"`
	IsOfficial        bool    `json:"-"`
}

// Store persists search requests, items and candidates in their own
// database file.
type Store struct {
	conn   *sql.DB
	logger *logrus.Logger
}

// OpenStore opens (or creates) the search database and ensures its schema.
func OpenStore(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc&_busy_timeout=30000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open search database: %w", err)
	}
	conn.SetMaxOpenConns(5)
	if _, err := conn.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		logger.WithError(err).Warn("Failed to set pragma")
	}

	s := &Store{conn: conn, logger: logger}
	if err := s.createTables(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS search_requests (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			created_by TEXT,
			intent TEXT NOT NULL,
			media_type TEXT NOT NULL,
			artist TEXT NOT NULL,
			album TEXT,
			track TEXT,
			include_albums INTEGER DEFAULT 1,
			include_singles INTEGER DEFAULT 1,
			min_match_score REAL DEFAULT 0.92,
			duration_hint_sec INTEGER,
			source_priority_json TEXT NOT NULL,
			max_candidates_per_source INTEGER DEFAULT 5,
			status TEXT NOT NULL,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS search_items (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			item_type TEXT NOT NULL,
			media_type TEXT NOT NULL,
			artist TEXT NOT NULL,
			album TEXT,
			track TEXT,
			duration_hint_sec INTEGER,
			status TEXT NOT NULL,
			chosen_source TEXT,
			chosen_url TEXT,
			chosen_score REAL,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS search_candidates (
			id TEXT PRIMARY KEY,
			item_id TEXT NOT NULL,
			source TEXT NOT NULL,
			url TEXT NOT NULL,
			title TEXT NOT NULL,
			uploader TEXT,
			artist_detected TEXT,
			album_detected TEXT,
			track_detected TEXT,
			duration_sec INTEGER,
			artwork_url TEXT,
			score_artist REAL,
			score_track REAL,
			score_album REAL,
			score_duration REAL,
			source_modifier REAL,
			penalty_multiplier REAL,
			final_score REAL,
			rank INTEGER
		)`,
	}
	for _, table := range tables {
		if _, err := s.conn.Exec(table); err != nil {
			return err
		}
	}
	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_search_requests_status ON search_requests (status)",
		"CREATE INDEX IF NOT EXISTS idx_search_requests_created_at ON search_requests (created_at)",
		"CREATE INDEX IF NOT EXISTS idx_search_items_request_status ON search_items (request_id, status)",
		"CREATE INDEX IF NOT EXISTS idx_search_candidates_item_score ON search_candidates (item_id, final_score DESC)",
	}
	for _, index := range indices {
		if _, err := s.conn.Exec(index); err != nil {
			return err
		}
	}
	return nil
}

// CreateParams is the request-creation payload.
type CreateParams struct {
	Intent                 string   `json:"intent"`
	MediaType              string   `json:"media_type"`
	Artist                 string   `json:"artist"`
	Album                  string   `json:"album"`
	Track                  string   `json:"track"`
	IncludeAlbums          *bool    `json:"include_albums"`
	IncludeSingles         *bool    `json:"include_singles"`
	MinMatchScore          *float64 `json:"min_match_score"`
	DurationHintSec        *int     `json:"duration_hint_sec"`
	SourcePriority         []string `json:"source_priority"`
	MaxCandidatesPerSource int      `json:"max_candidates_per_source"`
	CreatedBy              string   `json:"created_by"`
}

// CreateRequest validates and inserts a queued search request.
func (s *Store) CreateRequest(p CreateParams) (string, error) {
	intent := strings.ToLower(strings.TrimSpace(p.Intent))
	mediaType := strings.ToLower(strings.TrimSpace(p.MediaType))
	if mediaType == "" {
		mediaType = "audio"
	}
	artist := strings.TrimSpace(p.Artist)
	album := strings.TrimSpace(p.Album)
	track := strings.TrimSpace(p.Track)

	if !validIntents[intent] {
		return "", errors.New("intent must be track, album, artist, or artist_collection")
	}
	if !validMedia[mediaType] {
		return "", errors.New("media_type must be audio or video")
	}
	if artist == "" {
		return "", errors.New("artist is required")
	}
	if intent == "track" && track == "" {
		return "", errors.New("track is required for track intent")
	}
	if intent == "album" && album == "" {
		return "", errors.New("album is required for album intent")
	}

	minScore := 0.92
	if p.MinMatchScore != nil && *p.MinMatchScore > 0 {
		minScore = *p.MinMatchScore
	}
	maxCandidates := p.MaxCandidatesPerSource
	if maxCandidates <= 0 {
		maxCandidates = 5
	}
	priority := p.SourcePriority
	if len(priority) == 0 {
		priority = append([]string(nil), DefaultSourcePriority...)
	}
	priorityJSON, err := json.Marshal(priority)
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()
	requestID := strings.ReplaceAll(uuid.NewString(), "-", "")
	_, err = s.conn.Exec(
		`INSERT INTO search_requests (
			id, created_at, updated_at, created_by, intent, media_type, artist,
			album, track, include_albums, include_singles, min_match_score,
			duration_hint_sec, source_priority_json, max_candidates_per_source, status, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		requestID, now, now, p.CreatedBy, intent, mediaType, artist,
		nullString(album), nullString(track),
		boolFlag(p.IncludeAlbums, true), boolFlag(p.IncludeSingles, true),
		minScore, nullInt(p.DurationHintSec), string(priorityJSON), maxCandidates,
		string(RequestQueued),
	)
	if err != nil {
		return "", err
	}
	s.logger.WithFields(logrus.Fields{
		"event": "search_request_created", "request_id": requestID,
		"intent": intent, "media_type": mediaType, "status": RequestQueued,
	}).Info("search request created")
	return requestID, nil
}

const requestColumns = `id, created_at, updated_at, COALESCE(created_by, ''), intent, media_type,
	artist, COALESCE(album, ''), COALESCE(track, ''), include_albums, include_singles,
	min_match_score, duration_hint_sec, source_priority_json, max_candidates_per_source,
	status, COALESCE(error, '')`

// GetRequest returns one request plus its per-status item summary.
func (s *Store) GetRequest(requestID string) (*Request, map[string]int, error) {
	row := s.conn.QueryRow(`SELECT `+requestColumns+` FROM search_requests WHERE id = ?`, requestID)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.conn.Query(
		`SELECT status, COUNT(*) FROM search_items WHERE request_id = ? GROUP BY status`, requestID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()
	summary := map[string]int{}
	for rows.Next() {
		var st string
		var count int
		if err := rows.Scan(&st, &count); err != nil {
			return nil, nil, err
		}
		summary[st] = count
	}
	return req, summary, rows.Err()
}

// ListRequests returns requests, oldest first, optionally filtered by status.
func (s *Store) ListRequests(statusFilter string, limit int) ([]*Request, error) {
	if statusFilter != "" && !validStatuses[RequestStatus(statusFilter)] {
		return nil, errors.New("invalid status")
	}
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if statusFilter != "" {
		rows, err = s.conn.Query(
			`SELECT `+requestColumns+` FROM search_requests WHERE status = ? ORDER BY created_at ASC LIMIT ?`,
			statusFilter, limit)
	} else {
		rows, err = s.conn.Query(
			`SELECT `+requestColumns+` FROM search_requests ORDER BY created_at ASC LIMIT ?`, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// ClaimNextRequest flips the oldest queued request to resolving under an
// immediate transaction.
func (s *Store) ClaimNextRequest() (*Request, error) {
	tx, err := s.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRow(
		`SELECT ` + requestColumns + ` FROM search_requests WHERE status = 'queued' ORDER BY created_at ASC LIMIT 1`)
	req, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return nil, tx.Commit()
	}
	if err != nil {
		return nil, err
	}

	res, err := tx.Exec(
		`UPDATE search_requests SET status = ?, updated_at = ? WHERE id = ? AND status = 'queued'`,
		string(RequestResolving), time.Now().UTC(), req.ID)
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, tx.Commit()
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	req.Status = RequestResolving
	return req, nil
}

// UpdateRequestStatus records a request transition.
func (s *Store) UpdateRequestStatus(requestID string, st RequestStatus, errMsg string) error {
	_, err := s.conn.Exec(
		`UPDATE search_requests SET status = ?, updated_at = ?, error = ? WHERE id = ?`,
		string(st), time.Now().UTC(), nullString(errMsg), requestID)
	if err == nil {
		s.logger.WithFields(logrus.Fields{
			"event": "search_request_status", "request_id": requestID,
			"status": st, "error": errMsg,
		}).Info("search request status")
	}
	return err
}

// EnsureItems materializes the request's items if none exist yet: one item
// for track intent, one for album intent.
func (s *Store) EnsureItems(req *Request) error {
	var one int
	err := s.conn.QueryRow(`SELECT 1 FROM search_items WHERE request_id = ? LIMIT 1`, req.ID).Scan(&one)
	if err == nil {
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}

	itemType := req.Intent
	track := req.Track
	if req.Intent == "album" {
		track = ""
	}
	_, err = s.conn.Exec(
		`INSERT INTO search_items (
			id, request_id, position, item_type, media_type, artist, album, track,
			duration_hint_sec, status
		) VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?, ?)`,
		strings.ReplaceAll(uuid.NewString(), "-", ""), req.ID, itemType, req.MediaType,
		req.Artist, nullString(req.Album), nullString(track),
		nullInt(req.DurationHintSec), string(ItemQueued),
	)
	if err == nil {
		s.logger.WithFields(logrus.Fields{
			"event": "search_items_created", "request_id": req.ID, "count": 1,
		}).Info("search items created")
	}
	return err
}

// ListItems returns a request's items in position order.
func (s *Store) ListItems(requestID string) ([]*Item, error) {
	rows, err := s.conn.Query(
		`SELECT id, request_id, position, item_type, media_type, artist,
		        COALESCE(album, ''), COALESCE(track, ''), duration_hint_sec, status,
		        COALESCE(chosen_source, ''), COALESCE(chosen_url, ''), chosen_score, COALESCE(error, '')
		 FROM search_items WHERE request_id = ? ORDER BY position ASC`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Item
	for rows.Next() {
		var item Item
		var status string
		var duration sql.NullInt64
		var score sql.NullFloat64
		if err := rows.Scan(&item.ID, &item.RequestID, &item.Position, &item.ItemType,
			&item.MediaType, &item.Artist, &item.Album, &item.Track, &duration, &status,
			&item.ChosenSource, &item.ChosenURL, &score, &item.Error); err != nil {
			return nil, err
		}
		item.Status = ItemStatus(status)
		if duration.Valid {
			v := int(duration.Int64)
			item.DurationHintSec = &v
		}
		if score.Valid {
			v := score.Float64
			item.ChosenScore = &v
		}
		out = append(out, &item)
	}
	return out, rows.Err()
}

// MarkItemSearching flips queued -> searching; false when another pass won.
func (s *Store) MarkItemSearching(itemID string) (bool, error) {
	res, err := s.conn.Exec(
		`UPDATE search_items SET status = ? WHERE id = ? AND status = ?`,
		string(ItemSearching), itemID, string(ItemQueued))
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// UpdateItemStatus records an item transition.
func (s *Store) UpdateItemStatus(itemID string, st ItemStatus, errMsg string) error {
	_, err := s.conn.Exec(
		`UPDATE search_items SET status = ?, error = ? WHERE id = ?`,
		string(st), nullString(errMsg), itemID)
	if err == nil {
		s.logger.WithFields(logrus.Fields{
			"event": "search_item_status", "item_id": itemID, "status": st, "error": errMsg,
		}).Info("search item status")
	}
	return err
}

// UpdateItemChoice records the selected candidate on the item.
func (s *Store) UpdateItemChoice(itemID, source, url string, score float64, st ItemStatus) error {
	_, err := s.conn.Exec(
		`UPDATE search_items SET chosen_source = ?, chosen_url = ?, chosen_score = ?, status = ? WHERE id = ?`,
		source, url, score, string(st), itemID)
	if err == nil {
		s.logger.WithFields(logrus.Fields{
			"event": "search_item_selected", "item_id": itemID,
			"source": source, "url": url, "score": score, "status": st,
		}).Info("search item selected")
	}
	return err
}

// InsertCandidates persists the full ranked breakdown for an item.
func (s *Store) InsertCandidates(itemID string, ranked []Ranked) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, r := range ranked {
		c := r.Candidate
		b := r.Breakdown
		_, err := tx.Exec(
			`INSERT INTO search_candidates (
				id, item_id, source, url, title, uploader, artist_detected,
				album_detected, track_detected, duration_sec, artwork_url,
				score_artist, score_track, score_album, score_duration,
				source_modifier, penalty_multiplier, final_score, rank
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			strings.ReplaceAll(uuid.NewString(), "-", ""), itemID, c.Source, c.URL, c.Title,
			nullString(c.Uploader), nullString(c.ArtistDetected), nullString(c.AlbumDetected),
			nullString(c.TrackDetected), nullInt(c.DurationSec), nullString(c.ArtworkURL),
			b.ScoreArtist, b.ScoreTrack, b.ScoreAlbum, b.ScoreDuration,
			b.SourceModifier, b.PenaltyMultiplier, b.FinalScore, r.Rank,
		)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ListCandidates returns an item's candidates in rank order.
func (s *Store) ListCandidates(itemID string) ([]*Candidate, error) {
	rows, err := s.conn.Query(
		`SELECT id, item_id, source, url, title, COALESCE(uploader, ''),
		        COALESCE(artist_detected, ''), COALESCE(album_detected, ''), COALESCE(track_detected, ''),
		        duration_sec, COALESCE(artwork_url, ''),
		        score_artist, score_track, score_album, score_duration,
		        source_modifier, penalty_multiplier, final_score, rank
		 FROM search_candidates WHERE item_id = ? ORDER BY rank ASC`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Candidate
	for rows.Next() {
		var c Candidate
		var duration sql.NullInt64
		if err := rows.Scan(&c.ID, &c.ItemID, &c.Source, &c.URL, &c.Title, &c.Uploader,
			&c.ArtistDetected, &c.AlbumDetected, &c.TrackDetected, &duration, &c.ArtworkURL,
			&c.ScoreArtist, &c.ScoreTrack, &c.ScoreAlbum, &c.ScoreDuration,
			&c.SourceModifier, &c.PenaltyMultiplier, &c.FinalScore, &c.Rank); err != nil {
			return nil, err
		}
		if duration.Valid {
			v := int(duration.Int64)
			c.DurationSec = &v
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// CancelRequest cancels a non-terminal request and skips its open items.
func (s *Store) CancelRequest(requestID string) (bool, error) {
	now := time.Now().UTC()
	res, err := s.conn.Exec(
		`UPDATE search_requests SET status = ?, updated_at = ?, error = 'canceled'
		 WHERE id = ? AND status NOT IN ('completed', 'failed', 'canceled')`,
		string(RequestCanceled), now, requestID)
	if err != nil {
		return false, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}
	_, err = s.conn.Exec(
		`UPDATE search_items SET status = ?, error = 'request_canceled'
		 WHERE request_id = ? AND status IN ('queued', 'searching', 'candidate_found', 'selected')`,
		string(ItemSkipped), requestID)
	if err != nil {
		return true, err
	}
	s.logger.WithFields(logrus.Fields{
		"event": "search_request_canceled", "request_id": requestID, "status": RequestCanceled,
	}).Info("search request canceled")
	return true, nil
}

func scanRequest(row interface{ Scan(...any) error }) (*Request, error) {
	var r Request
	var status, priorityJSON string
	var duration sql.NullInt64
	var includeAlbums, includeSingles int
	err := row.Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt, &r.CreatedBy, &r.Intent, &r.MediaType,
		&r.Artist, &r.Album, &r.Track, &includeAlbums, &includeSingles,
		&r.MinMatchScore, &duration, &priorityJSON, &r.MaxCandidatesPerSource,
		&status, &r.Error)
	if err != nil {
		return nil, err
	}
	r.Status = RequestStatus(status)
	r.IncludeAlbums = includeAlbums != 0
	r.IncludeSingles = includeSingles != 0
	if duration.Valid {
		v := int(duration.Int64)
		r.DurationHintSec = &v
	}
	if err := json.Unmarshal([]byte(priorityJSON), &r.SourcePriority); err != nil || len(r.SourcePriority) == 0 {
		r.SourcePriority = append([]string(nil), DefaultSourcePriority...)
	}
	return &r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func boolFlag(v *bool, def bool) int {
	val := def
	if v != nil {
		val = *v
	}
	if val {
		return 1
	}
	return 0
}
