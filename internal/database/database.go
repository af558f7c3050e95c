// Package database is the durable history store: the downloads log, the
// per-playlist seen-set and the playlist-watch bookkeeping that feeds
// adaptive polling.
package database

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"tapedeck/internal/config"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

// Store wraps a *sql.DB with the history-store contract. Safe for concurrent
// use; the underlying *sql.DB serializes access.
type Store struct {
	conn   *sql.DB
	logger *logrus.Logger
}

// HistoryRow is one completed download.
type HistoryRow struct {
	ItemID       string    `json:"item_id"`
	CollectionID string    `json:"collection_id,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
	FinalPath    string    `json:"final_path"`
	SizeBytes    int64     `json:"size_bytes,omitempty"`
}

// WatchRow mirrors one playlist_watch record.
type WatchRow struct {
	CollectionID        string
	LastCheckedAt       *time.Time
	NextPollAt          *time.Time
	CurrentIntervalMin  int
	ConsecutiveNoChange int
	LastChangeAt        *time.Time
	LastError           string
	LastErrorAt         *time.Time
	SkipReason          string
}

// Open opens (or creates) the main database and ensures the schema. Missing
// columns are added in place; renames and type changes need a migration.
func Open(dbPath string, logger *logrus.Logger) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	// _txlock=immediate makes explicit transactions take the write lock up
	// front; the job-store claim depends on this being the serialization point.
	conn, err := sql.Open("sqlite3", dbPath+"?cache=shared&mode=rwc&_busy_timeout=30000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	conn.SetMaxOpenConns(5)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(15 * time.Minute)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA temp_store=memory;",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			logger.WithError(err).WithField("pragma", pragma).Warn("Failed to set pragma")
		}
	}

	s := &Store{conn: conn, logger: logger}
	if err := s.createTables(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

// Conn exposes the underlying handle for stores sharing this database file.
func (s *Store) Conn() *sql.DB { return s.conn }

// Close closes the database.
func (s *Store) Close() error { return s.conn.Close() }

func (s *Store) createTables() error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS downloads (
			item_id TEXT PRIMARY KEY,
			collection_id TEXT,
			completed_at TIMESTAMP,
			final_path TEXT
		);`,
		// playlist_seen backs subscribe mode. (collection_id, item_id) is
		// unique; downloaded only ever flips 0 -> 1.
		`CREATE TABLE IF NOT EXISTS playlist_seen (
			collection_id TEXT NOT NULL,
			item_id TEXT NOT NULL,
			first_seen_at TIMESTAMP,
			downloaded INTEGER DEFAULT 0,
			PRIMARY KEY (collection_id, item_id)
		);`,
		`CREATE TABLE IF NOT EXISTS playlist_watch (
			collection_id TEXT PRIMARY KEY,
			last_checked_at TIMESTAMP,
			next_poll_at TIMESTAMP,
			current_interval_min INTEGER,
			consecutive_no_change INTEGER DEFAULT 0,
			last_change_at TIMESTAMP,
			last_error TEXT,
			last_error_at TIMESTAMP,
			skip_reason TEXT
		);`,
	}
	for _, table := range tables {
		if _, err := s.conn.Exec(table); err != nil {
			return err
		}
	}

	indices := []string{
		"CREATE INDEX IF NOT EXISTS idx_downloads_collection ON downloads(collection_id);",
		"CREATE INDEX IF NOT EXISTS idx_downloads_completed ON downloads(completed_at);",
		"CREATE INDEX IF NOT EXISTS idx_playlist_seen_collection ON playlist_seen(collection_id);",
		"CREATE INDEX IF NOT EXISTS idx_playlist_watch_next_poll ON playlist_watch(next_poll_at);",
	}
	for _, index := range indices {
		if _, err := s.conn.Exec(index); err != nil {
			return err
		}
	}

	if err := s.ensureColumns("downloads", map[string]string{
		"collection_id": "collection_id TEXT",
		"completed_at":  "completed_at TIMESTAMP",
		"final_path":    "final_path TEXT",
	}); err != nil {
		return err
	}
	if err := s.ensureColumns("playlist_seen", map[string]string{
		"first_seen_at": "first_seen_at TIMESTAMP",
		"downloaded":    "downloaded INTEGER DEFAULT 0",
	}); err != nil {
		return err
	}
	return s.ensureColumns("playlist_watch", map[string]string{
		"last_checked_at":       "last_checked_at TIMESTAMP",
		"next_poll_at":          "next_poll_at TIMESTAMP",
		"current_interval_min":  "current_interval_min INTEGER",
		"consecutive_no_change": "consecutive_no_change INTEGER DEFAULT 0",
		"last_change_at":        "last_change_at TIMESTAMP",
		"last_error":            "last_error TEXT",
		"last_error_at":         "last_error_at TIMESTAMP",
		"skip_reason":           "skip_reason TEXT",
	})
}

// ensureColumns adds any missing column in place.
func (s *Store) ensureColumns(table string, columns map[string]string) error {
	rows, err := s.conn.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return err
	}
	existing := map[string]bool{}
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			rows.Close()
			return err
		}
		existing[name] = true
	}
	rows.Close()

	for name, ddl := range columns {
		if existing[name] {
			continue
		}
		if _, err := s.conn.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, ddl)); err != nil {
			return err
		}
		s.logger.WithFields(logrus.Fields{"table": table, "column": name}).Warn("Schema migrated: added column")
	}
	return nil
}

// RecordDownload inserts a completed download. Duplicate inserts are
// silently dropped so a crash between file placement and recording is
// tolerated on the next pass.
func (s *Store) RecordDownload(itemID, collectionID, finalPath string) error {
	_, err := s.conn.Exec(
		`INSERT OR IGNORE INTO downloads (item_id, collection_id, completed_at, final_path) VALUES (?, ?, ?, ?)`,
		itemID, nullable(collectionID), time.Now().UTC(), finalPath,
	)
	return err
}

// IsDownloaded reports whether the item is already in the downloads log.
func (s *Store) IsDownloaded(itemID string) (bool, error) {
	var one int
	err := s.conn.QueryRow(`SELECT 1 FROM downloads WHERE item_id = ?`, itemID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// HasSeenAny reports whether the collection has ever been observed.
func (s *Store) HasSeenAny(collectionID string) (bool, error) {
	var one int
	err := s.conn.QueryRow(`SELECT 1 FROM playlist_seen WHERE collection_id = ? LIMIT 1`, collectionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// IsSeen reports whether (collection, item) is in the seen-set.
func (s *Store) IsSeen(collectionID, itemID string) (bool, error) {
	var one int
	err := s.conn.QueryRow(
		`SELECT 1 FROM playlist_seen WHERE collection_id = ? AND item_id = ?`,
		collectionID, itemID,
	).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

// MarkSeen records (collection, item) in the seen-set. Idempotent; the
// downloaded flag is monotonic, setting false after true is a no-op.
func (s *Store) MarkSeen(collectionID, itemID string, downloaded bool) error {
	flag := 0
	if downloaded {
		flag = 1
	}
	_, err := s.conn.Exec(
		`INSERT INTO playlist_seen (collection_id, item_id, first_seen_at, downloaded)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (collection_id, item_id)
		 DO UPDATE SET downloaded = MAX(playlist_seen.downloaded, excluded.downloaded)`,
		collectionID, itemID, time.Now().UTC(), flag,
	)
	return err
}

// HistoryQuery filters and orders history rows.
type HistoryQuery struct {
	Limit        int
	Search       string
	CollectionID string
	DateFrom     *time.Time
	DateTo       *time.Time
	SortBy       string // date | title | size
	SortDir      string // asc | desc
}

// QueryHistory returns download rows. Sorting by size stats the filesystem
// lazily and pushes rows whose file is missing to the end.
func (s *Store) QueryHistory(q HistoryQuery) ([]HistoryRow, error) {
	clauses := []string{}
	params := []any{}
	if q.Search != "" {
		like := "%" + q.Search + "%"
		clauses = append(clauses, "(final_path LIKE ? OR item_id LIKE ?)")
		params = append(params, like, like)
	}
	if q.CollectionID != "" {
		clauses = append(clauses, "collection_id = ?")
		params = append(params, q.CollectionID)
	}
	if q.DateFrom != nil {
		clauses = append(clauses, "completed_at >= ?")
		params = append(params, q.DateFrom.UTC())
	}
	if q.DateTo != nil {
		clauses = append(clauses, "completed_at <= ?")
		params = append(params, q.DateTo.UTC())
	}

	query := "SELECT item_id, COALESCE(collection_id, ''), completed_at, COALESCE(final_path, '') FROM downloads"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	sortBy := strings.ToLower(q.SortBy)
	desc := strings.ToLower(q.SortDir) != "asc"

	if sortBy == "" || sortBy == "date" {
		if desc {
			query += " ORDER BY completed_at DESC"
		} else {
			query += " ORDER BY completed_at ASC"
		}
		if q.Limit > 0 {
			query += " LIMIT ?"
			params = append(params, q.Limit)
		}
		return s.scanHistory(query, params)
	}

	rows, err := s.scanHistory(query, params)
	if err != nil {
		return nil, err
	}

	switch sortBy {
	case "title":
		sort.SliceStable(rows, func(i, j int) bool {
			a := strings.ToLower(filepath.Base(rows[i].FinalPath))
			b := strings.ToLower(filepath.Base(rows[j].FinalPath))
			if desc {
				return a > b
			}
			return a < b
		})
	case "size":
		type sized struct {
			row     HistoryRow
			missing bool
		}
		sizes := make([]sized, len(rows))
		for i := range rows {
			info, err := os.Stat(rows[i].FinalPath)
			if err != nil {
				sizes[i] = sized{row: rows[i], missing: true}
				continue
			}
			rows[i].SizeBytes = info.Size()
			sizes[i] = sized{row: rows[i]}
		}
		sort.SliceStable(sizes, func(i, j int) bool {
			si, sj := sizes[i], sizes[j]
			if si.missing != sj.missing {
				return !si.missing
			}
			if desc {
				return si.row.SizeBytes > sj.row.SizeBytes
			}
			return si.row.SizeBytes < sj.row.SizeBytes
		})
		for i := range sizes {
			rows[i] = sizes[i].row
		}
	}

	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

func (s *Store) scanHistory(query string, params []any) ([]HistoryRow, error) {
	rows, err := s.conn.Query(query, params...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var r HistoryRow
		if err := rows.Scan(&r.ItemID, &r.CollectionID, &r.CompletedAt, &r.FinalPath); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordWatchError stores a fetch failure on the playlist-watch row.
func (s *Store) RecordWatchError(collectionID, message string) error {
	now := time.Now().UTC()
	_, err := s.conn.Exec(
		`INSERT INTO playlist_watch (collection_id, last_error, last_error_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (collection_id)
		 DO UPDATE SET last_error = excluded.last_error, last_error_at = excluded.last_error_at`,
		collectionID, message, now,
	)
	return err
}

// RecordWatchChecked updates the adaptive-poll fields after a discovery pass.
// A changed playlist resets to the minimum interval; an idle one backs off by
// the configured factor up to the maximum.
func (s *Store) RecordWatchChecked(collectionID string, changed bool, pol config.WatchPolicy) error {
	row, err := s.GetWatch(collectionID)
	if err != nil {
		return err
	}

	minInt := pol.MinIntervalMinutes
	if minInt <= 0 {
		minInt = 30
	}
	maxInt := pol.MaxIntervalMinutes
	if maxInt < minInt {
		maxInt = minInt
	}
	factor := pol.IdleBackoffFactor
	if factor < 1 {
		factor = 1.5
	}

	interval := minInt
	noChange := 0
	if row != nil && !changed {
		prev := row.CurrentIntervalMin
		if prev <= 0 {
			prev = minInt
		}
		interval = int(float64(prev) * factor)
		if interval > maxInt {
			interval = maxInt
		}
		noChange = row.ConsecutiveNoChange + 1
	}

	now := time.Now().UTC()
	next := now.Add(time.Duration(interval) * time.Minute)
	var lastChange any
	if changed {
		lastChange = now
	} else if row != nil && row.LastChangeAt != nil {
		lastChange = *row.LastChangeAt
	}

	_, err = s.conn.Exec(
		`INSERT INTO playlist_watch
		   (collection_id, last_checked_at, next_poll_at, current_interval_min, consecutive_no_change, last_change_at, last_error, last_error_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, NULL)
		 ON CONFLICT (collection_id) DO UPDATE SET
		   last_checked_at = excluded.last_checked_at,
		   next_poll_at = excluded.next_poll_at,
		   current_interval_min = excluded.current_interval_min,
		   consecutive_no_change = excluded.consecutive_no_change,
		   last_change_at = excluded.last_change_at,
		   last_error = NULL,
		   last_error_at = NULL`,
		collectionID, now, next, interval, noChange, lastChange,
	)
	return err
}

// GetWatch returns the watch row for a collection, or nil when absent.
func (s *Store) GetWatch(collectionID string) (*WatchRow, error) {
	row := s.conn.QueryRow(
		`SELECT collection_id, last_checked_at, next_poll_at,
		        COALESCE(current_interval_min, 0), COALESCE(consecutive_no_change, 0),
		        last_change_at, COALESCE(last_error, ''), last_error_at, COALESCE(skip_reason, '')
		 FROM playlist_watch WHERE collection_id = ?`, collectionID)

	var w WatchRow
	var lastChecked, nextPoll, lastChange, lastErrorAt sql.NullTime
	err := row.Scan(&w.CollectionID, &lastChecked, &nextPoll, &w.CurrentIntervalMin,
		&w.ConsecutiveNoChange, &lastChange, &w.LastError, &lastErrorAt, &w.SkipReason)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.LastCheckedAt = timePtr(lastChecked)
	w.NextPollAt = timePtr(nextPoll)
	w.LastChangeAt = timePtr(lastChange)
	w.LastErrorAt = timePtr(lastErrorAt)
	return &w, nil
}

func timePtr(t sql.NullTime) *time.Time {
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
