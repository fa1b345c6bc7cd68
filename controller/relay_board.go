package controller

import "fmt"

// GPIO abstracts the output pins the relay board is wired to. The default
// implementation is an in-memory fake so the daemon runs on any host; a real
// deployment swaps in an implementation backed by the Pi's GPIO character
// device.
type GPIO interface {
	// Setup configures the channel as an output with the given level.
	Setup(channel int, closed bool) error
	// Write drives the channel.
	Write(channel int, closed bool) error
	// Release returns all configured channels to their initial level.
	Release() error
}

// Relay channel map for the RPi Relay Board (3 power relays expansion board).
var relayChannels = map[string]int{
	"relay1": 26,
	"relay2": 20,
	"relay3": 21,
}

const (
	RelayOpen   = "open"
	RelayClosed = "closed"
)

// RelayBoard controls a bank of three power relays. Relay states are "open"
// and "closed"; unknown relays and unknown states in a SetState partial are
// ignored.
type RelayBoard struct {
	Base
	io      GPIO
	initial string
	state   State
}

// NewRelayBoard wires a relay board on the given GPIO with every relay in the
// initial state.
func NewRelayBoard(name, initial string, io GPIO) (*RelayBoard, error) {
	if initial != RelayOpen && initial != RelayClosed {
		return nil, fmt.Errorf("relay_board %s: invalid initial state %q", name, initial)
	}
	b := &RelayBoard{
		Base:    NewBase(name, "relay_board"),
		io:      io,
		initial: initial,
		state:   make(State, len(relayChannels)),
	}
	for relay, channel := range relayChannels {
		if err := io.Setup(channel, initial == RelayClosed); err != nil {
			return nil, &DeviceError{Controller: name, Op: "setup " + relay, Err: err}
		}
		b.state[relay] = initial
	}
	return b, nil
}

func (b *RelayBoard) GetState() State { return b.state.Clone() }

func (b *RelayBoard) SetState(partial State) (State, error) {
	for relay, v := range partial {
		channel, known := relayChannels[relay]
		if !known {
			continue // non-existing relay
		}
		next, ok := v.(string)
		if !ok || (next != RelayOpen && next != RelayClosed) {
			continue
		}
		if next == b.state[relay] {
			continue // nothing to do
		}
		if err := b.io.Write(channel, next == RelayClosed); err != nil {
			return nil, &DeviceError{Controller: b.Name(), Op: "set " + relay, Err: err}
		}
		b.state[relay] = next
	}
	return b.GetState(), nil
}

// Close drops every relay back to its initial state.
func (b *RelayBoard) Close() error {
	for relay, channel := range relayChannels {
		if b.state[relay] != b.initial {
			if err := b.io.Write(channel, b.initial == RelayClosed); err != nil {
				return &DeviceError{Controller: b.Name(), Op: "release " + relay, Err: err}
			}
			b.state[relay] = b.initial
		}
	}
	return b.io.Release()
}

// MemoryGPIO is the default GPIO: it remembers pin levels and never fails.
type MemoryGPIO struct {
	Levels map[int]bool
}

func NewMemoryGPIO() *MemoryGPIO { return &MemoryGPIO{Levels: make(map[int]bool)} }

func (m *MemoryGPIO) Setup(channel int, closed bool) error {
	m.Levels[channel] = closed
	return nil
}

func (m *MemoryGPIO) Write(channel int, closed bool) error {
	m.Levels[channel] = closed
	return nil
}

func (m *MemoryGPIO) Release() error { return nil }

func init() {
	Register("relay_board", func(name string, params map[string]any) (Controller, error) {
		return NewRelayBoard(name, stringParam(params, "initial_state", RelayOpen), NewMemoryGPIO())
	})
}
