package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"tapedeck/internal/config"
	"tapedeck/internal/engine"
	"tapedeck/pkg/version"
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.Status.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"schema_version": schemaVersion,
		"status":         snap,
	})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	cfg := s.Config()
	lastRun, nextRun := s.Scheduler.State()
	writeJSON(w, http.StatusOK, map[string]any{
		"schedule": cfg.Schedule,
		"last_run": lastRun,
		"next_run": nextRun,
	})
}

// handleUpdateSchedule merges a partial schedule update, validates, persists
// the config and reapplies the scheduler.
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Enabled       *bool   `json:"enabled"`
		Mode          *string `json:"mode"`
		IntervalHours *int    `json:"interval_hours"`
		RunOnStartup  *bool   `json:"run_on_startup"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	s.cfgMu.Lock()
	cfg := s.cfg
	merged := cfg.Schedule
	if payload.Enabled != nil {
		merged.Enabled = *payload.Enabled
	}
	if payload.Mode != nil {
		merged.Mode = *payload.Mode
	}
	if payload.IntervalHours != nil {
		merged.IntervalHours = *payload.IntervalHours
	}
	if payload.RunOnStartup != nil {
		merged.RunOnStartup = *payload.RunOnStartup
	}
	if errs := config.ValidateSchedule(merged); len(errs) > 0 {
		s.cfgMu.Unlock()
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": errs})
		return
	}
	cfg.Schedule = merged
	configPath := s.configPath
	s.cfgMu.Unlock()

	if err := cfg.SaveToFile(configPath); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist config: "+err.Error())
		return
	}
	s.Scheduler.Apply(merged, false)
	s.handleGetSchedule(w, r)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.Library.Metrics()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    version.Version,
		"commit":     version.Commit,
		"build_date": version.BuildDate,
		"go":         runtime.Version(),
	})
}

// handleRun starts a run; 409 when one is already active.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SingleURL           string `json:"single_url"`
		Destination         string `json:"destination"`
		FinalFormatOverride string `json:"final_format_override"`
		JSRuntime           string `json:"js_runtime"`
		Delivery            string `json:"delivery"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if payload.Delivery != "" && payload.Delivery != "server" && payload.Delivery != "client" {
		writeError(w, http.StatusBadRequest, "delivery must be server or client")
		return
	}
	if payload.Delivery == "client" && payload.SingleURL == "" {
		writeError(w, http.StatusBadRequest, "client delivery requires single_url")
		return
	}

	cfg := s.Config()
	if errs := cfg.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": errs})
		return
	}

	runCtx := s.RunCtx
	if runCtx == nil {
		runCtx = context.Background()
	}
	err := s.Engine.StartRun(runCtx, cfg, engine.RunOptions{
		Source:              "manual",
		SingleURL:           payload.SingleURL,
		Destination:         payload.Destination,
		FinalFormatOverride: payload.FinalFormatOverride,
		JSRuntimeOverride:   payload.JSRuntime,
		DeliveryMode:        payload.Delivery,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"state": "started"})
}

// handleLogs returns the tail of the log file as plain text.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	lines := 200
	if raw := r.URL.Query().Get("lines"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 5000 {
			writeError(w, http.StatusBadRequest, "lines must be between 1 and 5000")
			return
		}
		lines = n
	}
	if s.LogPath == "" {
		http.Error(w, "log file not configured", http.StatusNotFound)
		return
	}
	tail, err := tailLines(s.LogPath, lines, 1024*1024)
	if err != nil {
		http.Error(w, "failed to read log file", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(tail))
}

// handleCleanup wipes the transient staging areas.
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	removed := []string{}
	for _, dir := range []string{s.Layout.TempDownloads, s.Layout.ToolkitTemp} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			target := filepath.Join(dir, entry.Name())
			if err := os.RemoveAll(target); err != nil {
				s.Logger.WithError(err).WithField("path", target).Warn("cleanup failed")
				continue
			}
			removed = append(removed, target)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": len(removed)})
}

// handleToolkitUpdate spawns the toolkit updater; 409 if already running.
func (s *Server) handleToolkitUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.updaterRunning.CompareAndSwap(false, true) {
		writeError(w, http.StatusConflict, "updater already running")
		return
	}

	script := filepath.Join(s.Roots.Config, "update-yt-dlp.sh")
	go func() {
		defer s.updaterRunning.Store(false)
		var cmd *exec.Cmd
		if _, err := os.Stat(script); err == nil {
			cmd = exec.Command(script)
		} else {
			cmd = exec.Command("yt-dlp", "-U")
		}
		out, err := cmd.CombinedOutput()
		if err != nil {
			s.Logger.WithError(err).WithField("output", strings.TrimSpace(string(out))).Error("toolkit update failed")
			return
		}
		s.Logger.Info("toolkit update finished")
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"state": "updating"})
}

// tailLines reads up to maxBytes from the end of path and returns the last
// n lines.
func tailLines(path string, n int, maxBytes int64) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	offset := int64(0)
	if info.Size() > maxBytes {
		offset = info.Size() - maxBytes
	}
	buf := make([]byte, info.Size()-offset)
	if _, err := file.ReadAt(buf, offset); err != nil && len(buf) > 0 {
		return "", err
	}

	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n", nil
}
