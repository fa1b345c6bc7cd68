package server

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWebSocketStream(t *testing.T) {
	h := newHarness(t, 0)

	url := "ws" + strings.TrimPrefix(h.URL, "http") + "/downstream_ws/mpu?interval=0.01&duration=0.08&accel_unit_g=true"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	var frames int
	for {
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		var env wsEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			// Normal closure ends the stream once the duration elapses.
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)
			break
		}
		if env.Idle {
			continue
		}
		frames++
		assert.Equal(t, "mpu", env.Name)
		assert.Contains(t, env.Data, "timestamp")
	}
	assert.Greater(t, frames, 0)
}
