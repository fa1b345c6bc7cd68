package server

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jhradil/pifleet/controller"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Same stance as the CORS middleware: the frontend may live anywhere.
		return true
	},
}

// wsWriteWait bounds a single frame write so a dead client cannot stall the
// producer side.
const wsWriteWait = 5 * time.Second

// wsEnvelope is one telemetry frame on the WebSocket. Idle markers become
// frames with Idle set and no data.
type wsEnvelope struct {
	Name string           `json:"name,omitempty"`
	Data controller.State `json:"data,omitempty"`
	Idle bool             `json:"idle,omitempty"`
}

// handleDownstreamWS serves one controller's telemetry over a WebSocket. The
// query is taken from the URL parameters, so plain browser clients can
// subscribe without a request body.
func (s *Server) handleDownstreamWS(w http.ResponseWriter, r *http.Request) {
	cname := chi.URLParam(r, "cname")
	d, ok := s.backend.Get(cname)
	if !ok {
		// Reject before upgrading; a failed lookup is an HTTP-level error.
		writeError(w, http.StatusNotFound, msgUnknownController)
		return
	}

	// URL parameters arrive as strings; coerce them into the scalar types
	// body queries would carry.
	query := make(controller.State)
	for key, values := range r.URL.Query() {
		if len(values) == 0 {
			continue
		}
		switch v := values[0]; {
		case v == "true" || v == "false":
			query[key] = v == "true"
		default:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				query[key] = f
			} else {
				query[key] = v
			}
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	st, err := d.Downstream(ctx, query)
	if err != nil {
		writeFailure(w, err)
		return
	}
	defer st.Close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("server: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Read pump: the only reads we expect are control frames and the client
	// close, either of which ends the stream.
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("server: websocket read: %v", err)
				}
				return
			}
		}
	}()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	chunks := make(chan controller.Chunk)
	go func() {
		defer close(chunks)
		for {
			chunk, ok := st.Next()
			if !ok {
				return
			}
			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			env := wsEnvelope{Name: cname, Data: chunk.Data}
			if chunk.Idle {
				env = wsEnvelope{Idle: true}
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(env); err != nil {
				log.Printf("server: websocket write: %v", err)
				return
			}

		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}
