package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/jhradil/pifleet/controller"
	"github.com/jhradil/pifleet/observability"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleContract describes the API in the API itself.
func (s *Server) handleContract(w http.ResponseWriter, r *http.Request) {
	doc := map[string]any{
		"errors": map[string]any{
			"description": "Error responses have the following form",
			"response":    map[string]string{"error": "Error message"},
		},
		"requests": []map[string]any{
			{"uri": "/", "method": "GET", "description": "API contract description"},
			{"uri": "/controllers", "method": "GET", "description": "Enabled controllers and their types"},
			{"uri": "/get_state[/<cname>]", "method": "GET", "description": "Current controller state(s)"},
			{"uri": "/set_state[/<cname>]", "method": "POST", "description": "Apply a partial state change"},
			{"uri": "/set_state_deferred[/<cname>]", "method": "POST", "description": "Schedule a state change; body: {state, at, repeat}"},
			{"uri": "/list_deferred[/<cname>]", "method": "GET", "description": "Scheduled deferred state changes"},
			{"uri": "/cancel_deferred", "method": "GET", "description": "Drop all scheduled state changes"},
			{"uri": "/downstream[/<cname>]", "method": "POST", "description": "Chunked telemetry stream; body: {controllers: [{name, query}]} or query"},
			{"uri": "/downstream_ws/<cname>", "method": "GET", "description": "Telemetry stream over WebSocket"},
			{"uri": "/journal", "method": "GET", "description": "Recently applied state changes"},
			{"uri": "/metrics", "method": "GET", "description": "Prometheus metrics"},
			{"uri": "/health", "method": "GET", "description": "Liveness probe"},
		},
		"time_format": timeLayout,
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleControllers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Controllers())
}

func (s *Server) handleGetStateAll(w http.ResponseWriter, r *http.Request) {
	states, err := s.backend.GetStateAll(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleGetState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.backend.Get(chi.URLParam(r, "cname"))
	if !ok {
		writeError(w, http.StatusNotFound, msgUnknownController)
		return
	}
	state, err := d.GetState(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// handleSetStateAll applies a batch of state changes:
// {"controllers": [{"name": ..., "state": ...}, ...]} and responds with the
// resulting states of the whole fleet.
func (s *Server) handleSetStateAll(w http.ResponseWriter, r *http.Request) {
	var body fleetState
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed body: %v", err))
		return
	}

	// Validate every target before touching any device.
	for _, target := range body.Controllers {
		if _, ok := s.backend.Get(target.Name); !ok {
			writeError(w, http.StatusNotFound, msgUnknownController)
			return
		}
	}

	for _, target := range body.Controllers {
		d, _ := s.backend.Get(target.Name)
		if _, err := d.SetState(r.Context(), target.State); err != nil {
			writeFailure(w, err)
			return
		}
	}

	states, err := s.backend.GetStateAll(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleSetState(w http.ResponseWriter, r *http.Request) {
	d, ok := s.backend.Get(chi.URLParam(r, "cname"))
	if !ok {
		writeError(w, http.StatusNotFound, msgUnknownController)
		return
	}
	var partial controller.State
	if err := json.NewDecoder(r.Body).Decode(&partial); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed body: %v", err))
		return
	}
	state, err := d.SetState(r.Context(), partial)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleJournal(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	entries, err := s.journal.Recent(r.Context(), limit)
	if err != nil {
		observability.JournalErrors.WithLabelValues("read").Inc()
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
