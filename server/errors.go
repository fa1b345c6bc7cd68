package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/jhradil/pifleet/controller"
	"github.com/jhradil/pifleet/dispatch"
	"github.com/jhradil/pifleet/scheduler"
)

// msgUnknownController is the wire message for lookups of a name that is not
// present or not enabled.
const msgUnknownController = "No such controller or not enabled"

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Printf("server: writing response: %v", err)
	}
}

// errorBody is the uniform error envelope.
type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

// writeFailure maps core errors onto HTTP statuses:
// device failures → 500, owner unavailable → 503, bad repeat specs → 400.
func writeFailure(w http.ResponseWriter, err error) {
	var devErr *controller.DeviceError
	switch {
	case errors.As(err, &devErr):
		writeError(w, http.StatusInternalServerError, devErr.Error())
	case errors.Is(err, dispatch.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "controller is not responding")
	case errors.Is(err, scheduler.ErrBadRepeat), errors.Is(err, errBadRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, "scheduler is not running")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// errBadRequest tags client errors detected while decoding request bodies.
var errBadRequest = errors.New("bad request")
