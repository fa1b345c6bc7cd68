package controller

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayBoardInitialState(t *testing.T) {
	io := NewMemoryGPIO()
	b, err := NewRelayBoard("rb", RelayOpen, io)
	require.NoError(t, err)

	assert.Equal(t, State{"relay1": "open", "relay2": "open", "relay3": "open"}, b.GetState())
	for _, channel := range relayChannels {
		assert.False(t, io.Levels[channel])
	}
}

func TestRelayBoardInvalidInitialState(t *testing.T) {
	_, err := NewRelayBoard("rb", "half-open", NewMemoryGPIO())
	assert.Error(t, err)
}

func TestRelayBoardSetState(t *testing.T) {
	io := NewMemoryGPIO()
	b, err := NewRelayBoard("rb", RelayOpen, io)
	require.NoError(t, err)

	state, err := b.SetState(State{"relay2": "closed"})
	require.NoError(t, err)

	assert.Equal(t, "closed", state["relay2"])
	assert.Equal(t, "open", state["relay1"], "untouched relays keep their state")
	assert.True(t, io.Levels[relayChannels["relay2"]])
}

func TestRelayBoardIgnoresUnknownRelaysAndStates(t *testing.T) {
	b, err := NewRelayBoard("rb", RelayOpen, NewMemoryGPIO())
	require.NoError(t, err)

	state, err := b.SetState(State{
		"relay9": "closed", // no such relay
		"relay1": "ajar",   // no such state
		"relay2": 42,       // not even a string
	})
	require.NoError(t, err)
	assert.Equal(t, State{"relay1": "open", "relay2": "open", "relay3": "open"}, state)
}

func TestRelayBoardEmptyPartialIsNoop(t *testing.T) {
	b, err := NewRelayBoard("rb", RelayClosed, NewMemoryGPIO())
	require.NoError(t, err)

	before := b.GetState()
	after, err := b.SetState(State{})
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// failingGPIO fails every write after setup, to exercise the device error
// path.
type failingGPIO struct {
	MemoryGPIO
}

func (f *failingGPIO) Write(channel int, closed bool) error {
	return errors.New("pin stuck")
}

func TestRelayBoardDeviceError(t *testing.T) {
	io := &failingGPIO{MemoryGPIO: *NewMemoryGPIO()}
	b, err := NewRelayBoard("rb", RelayOpen, io)
	require.NoError(t, err)

	_, err = b.SetState(State{"relay1": "closed"})
	var devErr *DeviceError
	require.ErrorAs(t, err, &devErr)
	assert.Equal(t, "rb", devErr.Controller)

	// The failed relay did not change.
	assert.Equal(t, "open", b.GetState()["relay1"])
}

func TestRelayBoardCloseRestoresInitial(t *testing.T) {
	io := NewMemoryGPIO()
	b, err := NewRelayBoard("rb", RelayOpen, io)
	require.NoError(t, err)

	_, err = b.SetState(State{"relay1": "closed", "relay3": "closed"})
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.Equal(t, State{"relay1": "open", "relay2": "open", "relay3": "open"}, b.GetState())
	assert.False(t, io.Levels[relayChannels["relay1"]])
}

func TestRelayBoardEmptyDownstream(t *testing.T) {
	b, err := NewRelayBoard("rb", RelayOpen, NewMemoryGPIO())
	require.NoError(t, err)

	s := b.Downstream(nil)
	defer s.Close()
	_, ok := s.Next()
	assert.False(t, ok, "relay boards have no telemetry")
}
