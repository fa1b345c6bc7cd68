package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/jhradil/pifleet/controller"
	"github.com/jhradil/pifleet/stream"
)

// namedQuery pairs a controller name with a downstream query.
type namedQuery struct {
	Name  string           `json:"name"`
	Query controller.State `json:"query"`
}

// downstreamRequest is the aggregate downstream body.
type downstreamRequest struct {
	Controllers []namedQuery `json:"controllers"`
}

func (s *Server) handleDownstream(w http.ResponseWriter, r *http.Request) {
	cname := chi.URLParam(r, "cname")
	if _, ok := s.backend.Get(cname); !ok {
		writeError(w, http.StatusNotFound, msgUnknownController)
		return
	}
	var query controller.State
	if err := json.NewDecoder(r.Body).Decode(&query); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed body: %v", err))
		return
	}
	s.serveDownstream(w, r, []namedQuery{{Name: cname, Query: query}})
}

// handleDownstreamAll merges the telemetry streams of several controllers
// into one chunked response.
func (s *Server) handleDownstreamAll(w http.ResponseWriter, r *http.Request) {
	var body downstreamRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed body: %v", err))
		return
	}
	for _, target := range body.Controllers {
		if _, ok := s.backend.Get(target.Name); !ok {
			writeError(w, http.StatusNotFound, msgUnknownController)
			return
		}
	}
	s.serveDownstream(w, r, body.Controllers)
}

// serveDownstream opens one stream per target, multiplexes them and writes
// the merged sequence as a chunked JSON array. The response begins only after
// every stream has been opened, so open failures still get a clean status.
func (s *Server) serveDownstream(w http.ResponseWriter, r *http.Request, targets []namedQuery) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sources := make([]stream.Source, 0, len(targets))
	for _, target := range targets {
		d, _ := s.backend.Get(target.Name)
		st, err := d.Downstream(ctx, target.Query)
		if err != nil {
			for _, src := range sources {
				src.Stream.Close()
			}
			writeFailure(w, err)
			return
		}
		sources = append(sources, stream.Source{Name: target.Name, Stream: st})
	}

	mux := stream.Multiplex(ctx, sources, s.chunkingTimeout)
	// Producer teardown needs the cancel to land before the join.
	defer func() {
		cancel()
		mux.Wait()
	}()

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	if err := stream.WriteArray(w, mux.Out()); err != nil {
		// The client went away mid-stream; nothing to report to it.
		log.Printf("server: downstream write aborted: %v", err)
	}
}
