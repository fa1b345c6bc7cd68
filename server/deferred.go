package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/jhradil/pifleet/controller"
	"github.com/jhradil/pifleet/scheduler"
)

// timeLayout is the wire format of deferred execution times, in local time.
const timeLayout = "2006/01/02 15:04:05"

// repeatSpec is one element of the "repeat" list: times executions separated
// by interval seconds. Absent times means repeat forever.
type repeatSpec struct {
	Times    *int    `json:"times"`
	Interval float64 `json:"interval"`
}

// deferredRequest is the single-controller set_state_deferred body. The
// aggregate form carries the same At/Repeat with a controllers list instead
// of State.
type deferredRequest struct {
	State       controller.State `json:"state"`
	At          json.RawMessage  `json:"at"`
	Repeat      []repeatSpec     `json:"repeat"`
	Controllers []namedState     `json:"controllers"`
}

// parseAt accepts a single "YYYY/MM/DD HH:MM:SS" string or a list of them and
// returns the normalized (sorted, deduplicated) absolute times. A nil raw
// value yields nil, meaning "now".
func parseAt(raw json.RawMessage) ([]time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var one string
	if err := json.Unmarshal(raw, &one); err == nil {
		t, err := time.ParseInLocation(timeLayout, one, time.Local)
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable at %q", errBadRequest, one)
		}
		return []time.Time{t}, nil
	}

	var many []string
	if err := json.Unmarshal(raw, &many); err != nil {
		return nil, fmt.Errorf("%w: at must be a time string or a list of them", errBadRequest)
	}
	if len(many) == 0 {
		return nil, fmt.Errorf("%w: at list must not be empty", errBadRequest)
	}
	times := make([]time.Time, 0, len(many))
	for _, s := range many {
		t, err := time.ParseInLocation(timeLayout, s, time.Local)
		if err != nil {
			return nil, fmt.Errorf("%w: unparseable at %q", errBadRequest, s)
		}
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	normalized := times[:1]
	for _, t := range times[1:] {
		if !t.Equal(normalized[len(normalized)-1]) {
			normalized = append(normalized, t)
		}
	}
	return normalized, nil
}

// buildTask turns one (controller, state, at, repeat) spec into a scheduler
// task performing a fire-and-forget state change.
func buildTask(cname string, state controller.State, at []time.Time, repeat []repeatSpec) (*scheduler.Task, error) {
	t := scheduler.NewTask(muteSetStateAction, at...)
	t.Controller = cname
	t.State = state

	for _, spec := range repeat {
		interval := time.Duration(spec.Interval * float64(time.Second))
		if spec.Times == nil {
			if err := t.RepeatForever(interval); err != nil {
				return nil, err
			}
			continue
		}
		if err := t.Repeat(*spec.Times, interval); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func muteSetStateAction(_ context.Context, fleet scheduler.Fleet, t *scheduler.Task) {
	fleet.MuteSetState(t.Controller, t.State)
}

func (s *Server) handleSetStateDeferred(w http.ResponseWriter, r *http.Request) {
	cname := chi.URLParam(r, "cname")
	if _, ok := s.backend.Get(cname); !ok {
		writeError(w, http.StatusNotFound, msgUnknownController)
		return
	}
	var body deferredRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("malformed body: %v", err))
		return
	}
	s.scheduleDeferred(w, []namedState{{Name: cname, State: body.State}}, body.At, body.Repeat)
}

// handleSetStateDeferredAll flattens the aggregate form into one deferred
// task per target controller, all sharing the same schedule.
func (s *Server) handleSetStateDeferredAll(w http.ResponseWriter, r *http.Request) {
	var body deferredRequest
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
	s.scheduleDeferred(w, body.Controllers, body.At, body.Repeat)
}

func (s *Server) scheduleDeferred(w http.ResponseWriter, targets []namedState, at json.RawMessage, repeat []repeatSpec) {
	times, err := parseAt(at)
	if err != nil {
		writeFailure(w, err)
		return
	}

	tasks := make([]*scheduler.Task, 0, len(targets))
	for _, target := range targets {
		t, err := buildTask(target.Name, target.State, times, repeat)
		if err != nil {
			writeFailure(w, err)
			return
		}
		tasks = append(tasks, t)
	}

	for _, t := range tasks {
		if !s.sched.Schedule(t) {
			writeFailure(w, scheduler.ErrStopped)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

// deferredEntry is one element of the list_deferred response.
type deferredEntry struct {
	Controller string           `json:"controller"`
	State      controller.State `json:"state"`
	At         []string         `json:"at"`
}

func (s *Server) handleListDeferred(w http.ResponseWriter, r *http.Request) {
	cname := chi.URLParam(r, "cname")
	if cname != "" {
		if _, ok := s.backend.Get(cname); !ok {
			writeError(w, http.StatusNotFound, msgUnknownController)
			return
		}
	}

	infos, err := s.sched.Tasks(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}

	entries := make([]deferredEntry, 0, len(infos))
	for _, info := range infos {
		if cname != "" && info.Controller != cname {
			continue
		}
		at := make([]string, 0, len(info.At))
		for _, t := range info.At {
			at = append(at, t.Local().Format(timeLayout))
		}
		entries = append(entries, deferredEntry{
			Controller: info.Controller,
			State:      info.State,
			At:         at,
		})
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCancelDeferred(w http.ResponseWriter, _ *http.Request) {
	if !s.sched.Cancel() {
		writeFailure(w, scheduler.ErrStopped)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
