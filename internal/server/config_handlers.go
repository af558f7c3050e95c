package server

import (
	"encoding/json"
	"net/http"

	"tapedeck/internal/config"
	"tapedeck/internal/paths"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config())
}

// handlePutConfig atomically replaces the active config: validate, write to
// temp + fsync + rename, then reapply the schedule.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	incoming := config.DefaultConfig()
	if err := json.NewDecoder(r.Body).Decode(incoming); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if errs := incoming.Validate(); len(errs) > 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"errors": errs})
		return
	}

	s.cfgMu.Lock()
	configPath := s.configPath
	s.cfgMu.Unlock()

	if err := incoming.SaveToFile(configPath); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to persist config: "+err.Error())
		return
	}

	s.cfgMu.Lock()
	s.cfg = incoming
	s.cfgMu.Unlock()

	s.Scheduler.Apply(incoming.Schedule, false)
	writeJSON(w, http.StatusOK, incoming)
}

func (s *Server) handleGetConfigPath(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"path": s.ConfigPath()})
}

// handlePutConfigPath switches which config file is active.
func (s *Server) handlePutConfigPath(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	resolved, err := paths.Resolve(payload.Path, s.Roots.Config)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	cfg, err := config.LoadConfig(resolved)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.SetConfig(cfg, resolved)
	s.Scheduler.Apply(cfg.Schedule, false)
	writeJSON(w, http.StatusOK, map[string]string{"path": resolved})
}
