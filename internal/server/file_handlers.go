package server

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"tapedeck/internal/database"
	"tapedeck/internal/delivery"
	"tapedeck/internal/library"
	"tapedeck/internal/paths"
)

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := database.HistoryQuery{
		Search:       q.Get("search"),
		CollectionID: q.Get("playlist_id"),
		SortBy:       q.Get("sort_by"),
		SortDir:      q.Get("sort_dir"),
		Limit:        100,
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		query.Limit = n
	}
	if t, ok := parseDate(q.Get("date_from"), false); ok {
		query.DateFrom = &t
	}
	if t, ok := parseDate(q.Get("date_to"), true); ok {
		query.DateTo = &t
	}

	rows, err := s.History.QueryHistory(query)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	type historyEntry struct {
		database.HistoryRow
		FileID string `json:"file_id,omitempty"`
	}
	out := make([]historyEntry, 0, len(rows))
	for _, row := range rows {
		entry := historyEntry{HistoryRow: row}
		if rel, err := filepath.Rel(s.Library.Root(), row.FinalPath); err == nil && !strings.HasPrefix(rel, "..") {
			entry.FileID = library.EncodeFileID(rel)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"history": out})
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.Library.List(r.URL.Query().Get("durations") == "true")
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) {
	path, err := s.Library.DecodeFileID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid file id")
		return
	}
	file, err := os.Open(path)
	if err != nil {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}
	defer file.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeContent(w, r, filepath.Base(path), time.Time{}, file)
}

// handleDeliveryClaim streams a client-delivery file to exactly one
// consumer, then releases the handle so the watcher removes the file.
func (s *Server) handleDeliveryClaim(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	handle, err := s.Deliveries.Claim(id)
	if err != nil {
		switch err {
		case delivery.ErrAlreadyClaimed:
			writeError(w, http.StatusGone, "delivery already claimed")
		default:
			writeError(w, http.StatusNotFound, "delivery not found")
		}
		return
	}

	file, err := os.Open(handle.Path)
	if err != nil {
		writeError(w, http.StatusNotFound, "delivery file missing")
		return
	}
	defer file.Close()

	w.Header().Set("Content-Disposition", `attachment; filename="`+handle.Filename+`"`)
	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, file); err != nil {
		s.Logger.WithError(err).Warn("delivery stream interrupted")
		return
	}
	s.Deliveries.Finish(id)
}

// handleBrowse lists a directory under one of the browseable roots.
func (s *Server) handleBrowse(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rootName := q.Get("root")
	base := ""
	switch rootName {
	case "", "downloads":
		base = s.Roots.Downloads
	case "config":
		base = s.Roots.Config
	case "tokens":
		base = s.Roots.Tokens
	default:
		writeError(w, http.StatusBadRequest, "root must be downloads, config, or tokens")
		return
	}

	dir, err := paths.Resolve(q.Get("path"), base)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	mode := q.Get("mode")
	if mode == "" {
		mode = "all"
	}
	extFilter := strings.TrimPrefix(strings.ToLower(q.Get("ext")), ".")
	limit := 500
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 5000 {
			limit = n
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		writeError(w, http.StatusNotFound, "directory not found")
		return
	}

	type browseEntry struct {
		Name  string `json:"name"`
		IsDir bool   `json:"is_dir"`
		Size  int64  `json:"size,omitempty"`
	}
	var out []browseEntry
	for _, entry := range entries {
		if len(out) >= limit {
			break
		}
		isDir := entry.IsDir()
		switch mode {
		case "dirs":
			if !isDir {
				continue
			}
		case "files":
			if isDir {
				continue
			}
		}
		if extFilter != "" && !isDir {
			if strings.TrimPrefix(strings.ToLower(filepath.Ext(entry.Name())), ".") != extFilter {
				continue
			}
		}
		be := browseEntry{Name: entry.Name(), IsDir: isDir}
		if info, err := entry.Info(); err == nil && !isDir {
			be.Size = info.Size()
		}
		out = append(out, be)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].IsDir != out[j].IsDir {
			return out[i].IsDir
		}
		return out[i].Name < out[j].Name
	})
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func parseDate(value string, endOfDay bool) (time.Time, bool) {
	if value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		if t, err = time.Parse(time.RFC3339, value); err != nil {
			return time.Time{}, false
		}
		return t, true
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t, true
}
