// Package server is the archiver's HTTP surface. Handlers only read status
// snapshots and dispatch work; runs execute on their own goroutines so a
// stuck download can never stall /api/status.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"tapedeck/internal/config"
	"tapedeck/internal/database"
	"tapedeck/internal/delivery"
	"tapedeck/internal/engine"
	"tapedeck/internal/library"
	"tapedeck/internal/ngrok"
	"tapedeck/internal/paths"
	"tapedeck/internal/scheduler"
	"tapedeck/internal/search"
	"tapedeck/internal/status"

	"github.com/sirupsen/logrus"
)

// schemaVersion is reported with /api/status so clients can detect shape
// changes.
const schemaVersion = 2

// Server wires the HTTP surface to the core collaborators.
type Server struct {
	Roots      paths.Roots
	Layout     paths.Layout
	Engine     *engine.Engine
	Scheduler  *scheduler.Scheduler
	Status     *status.Publisher
	History    *database.Store
	Search     *search.Store
	Library    *library.Library
	Deliveries *delivery.Registry
	Tunnel     *ngrok.Service
	Logger     *logrus.Logger
	LogPath    string
	// RunCtx carries the process stop event into dispatched runs.
	RunCtx context.Context

	BasicAuthUser string
	BasicAuthPass string
	TrustProxy    bool

	cfgMu      sync.RWMutex
	cfg        *config.Config
	configPath string

	updaterRunning atomic.Bool
	httpServer     *http.Server
}

// SetConfig installs the active config and its file path.
func (s *Server) SetConfig(cfg *config.Config, path string) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.configPath = path
	s.cfgMu.Unlock()
}

// Config returns the active config.
func (s *Server) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

// ConfigPath returns the active config file path.
func (s *Server) ConfigPath() string {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.configPath
}

// Routes builds the handler tree with middleware applied.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/schedule", s.handleGetSchedule)
	mux.HandleFunc("POST /api/schedule", s.handleUpdateSchedule)
	mux.HandleFunc("GET /api/metrics", s.handleMetrics)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	mux.HandleFunc("POST /api/run", s.handleRun)
	mux.HandleFunc("GET /api/logs", s.handleLogs)
	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)
	mux.HandleFunc("GET /api/config/path", s.handleGetConfigPath)
	mux.HandleFunc("PUT /api/config/path", s.handlePutConfigPath)
	mux.HandleFunc("GET /api/history", s.handleHistory)
	mux.HandleFunc("GET /api/files", s.handleFiles)
	mux.HandleFunc("GET /api/files/{id}/download", s.handleFileDownload)
	mux.HandleFunc("POST /api/cleanup", s.handleCleanup)
	mux.HandleFunc("GET /api/browse", s.handleBrowse)
	mux.HandleFunc("POST /api/yt-dlp/update", s.handleToolkitUpdate)
	mux.HandleFunc("GET /api/delivery/{id}", s.handleDeliveryClaim)

	mux.HandleFunc("POST /api/search", s.handleCreateSearch)
	mux.HandleFunc("GET /api/search", s.handleListSearch)
	mux.HandleFunc("GET /api/search/{id}", s.handleGetSearch)
	mux.HandleFunc("POST /api/search/{id}/cancel", s.handleCancelSearch)
	mux.HandleFunc("GET /api/search/items/{id}/candidates", s.handleSearchCandidates)

	var handler http.Handler = mux
	handler = s.basicAuthMiddleware(handler)
	handler = s.requestLoggingMiddleware(handler)
	handler = s.panicRecoveryMiddleware(handler)
	return handler
}

// Start serves until Shutdown, optionally bringing up the tunnel.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Routes(),
		ReadTimeout: 30 * time.Second,
	}

	if s.Tunnel != nil {
		if err := s.Tunnel.StartTunnel(context.Background(), "http://"+addr); err != nil {
			s.Logger.WithError(err).Warn("could not start tunnel")
		}
	}

	s.Logger.WithField("addr", addr).Info("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown(ctx context.Context) {
	if s.Tunnel != nil {
		s.Tunnel.Stop()
	}
	if s.httpServer != nil {
		s.httpServer.Shutdown(ctx)
	}
}

// writeJSON is the common JSON response helper.
func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

// writeError returns a structured error body.
func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
