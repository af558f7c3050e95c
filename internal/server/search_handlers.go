package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"tapedeck/internal/search"
)

func (s *Server) handleCreateSearch(w http.ResponseWriter, r *http.Request) {
	var params search.CreateParams
	if err := json.NewDecoder(r.Body).Decode(&params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	requestID, err := s.Search.CreateRequest(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": requestID, "status": "queued"})
}

func (s *Server) handleListSearch(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	requests, err := s.Search.ListRequests(r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": requests})
}

func (s *Server) handleGetSearch(w http.ResponseWriter, r *http.Request) {
	req, summary, err := s.Search.GetRequest(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if req == nil {
		writeError(w, http.StatusNotFound, "search request not found")
		return
	}
	items, err := s.Search.ListItems(req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"request": req,
		"summary": summary,
		"items":   items,
	})
}

func (s *Server) handleCancelSearch(w http.ResponseWriter, r *http.Request) {
	canceled, err := s.Search.CancelRequest(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !canceled {
		writeError(w, http.StatusConflict, "request already terminal or not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceled"})
}

func (s *Server) handleSearchCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.Search.ListCandidates(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"candidates": candidates})
}
