package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/jhradil/pifleet/controller"
)

// envelopeWire is the JSON shape of one data envelope on the wire.
type envelopeWire struct {
	Name string           `json:"name"`
	Data controller.State `json:"data"`
}

// WriteArray frames the envelope sequence as a single JSON array: data
// envelopes separated by commas, idle markers rendered as a single space
// (syntactically insignificant, keeps the connection alive). An exhausted
// empty sequence yields "[]". The writer is flushed after every element when
// it supports http.Flusher so chunks reach the client as they are produced.
func WriteArray(w io.Writer, envelopes <-chan Envelope) error {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	flush()

	first := true
	for env := range envelopes {
		if env.Chunk.Idle {
			if _, err := io.WriteString(w, " "); err != nil {
				return err
			}
			flush()
			continue
		}
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false
		payload, err := json.Marshal(envelopeWire{Name: env.Name, Data: env.Chunk.Data})
		if err != nil {
			return fmt.Errorf("marshaling chunk envelope: %w", err)
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		flush()
	}

	if _, err := io.WriteString(w, "]"); err != nil {
		return err
	}
	flush()
	return nil
}
