// Package controller defines the contract every device adapter implements and
// the registry the bootstrap uses to build controllers from configuration.
package controller

import "fmt"

// Chunk is one element of a downstream telemetry sequence. A chunk either
// carries data or is an idle marker ("alive, nothing to report yet"). The idle
// marker is a distinct variant rather than a nil Data so it can never collide
// with a legitimately empty data chunk.
type Chunk struct {
	Data State
	Idle bool
}

// IdleChunk is the marker producers yield when they have nothing yet.
var IdleChunk = Chunk{Idle: true}

// Stream is a lazy sequence of chunks. It is pulled by a single consumer;
// implementations need not be safe for concurrent use.
//
// Next blocks until the next chunk is available and reports false when the
// sequence is exhausted. Close releases producer resources; Next must not be
// called after Close. Closing an exhausted stream is a no-op.
type Stream interface {
	Next() (Chunk, bool)
	Close()
}

// Controller is a single hardware (or logical) device adapter.
//
// Controllers are not safe for concurrent use. All serialisation is the
// dispatcher's job; a controller is only ever touched by its dispatcher's
// owner goroutine after start-up.
type Controller interface {
	// Name is the unique name of this controller instance.
	Name() string

	// Baseclass is the human-readable type tag, e.g. "relay_board".
	Baseclass() string

	// GetState returns the current device-visible state.
	GetState() State

	// SetState applies the partial state with merge semantics and returns the
	// new full state. On a device failure it returns a *DeviceError and the
	// device is left either fully applied or unchanged. SetState with an empty
	// partial is a no-op.
	SetState(partial State) (State, error)

	// Downstream produces a lazy sequence of telemetry chunks for the query.
	// Controllers without telemetry return an empty stream.
	Downstream(query State) Stream
}

// DeviceError reports a failure of the underlying device during a controller
// operation. The HTTP layer maps it to a 5xx response.
type DeviceError struct {
	Controller string
	Op         string
	Err        error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Controller, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Base carries the identity common to all controller implementations and a
// default empty Downstream.
type Base struct {
	name      string
	baseclass string
}

func NewBase(name, baseclass string) Base {
	return Base{name: name, baseclass: baseclass}
}

func (b Base) Name() string      { return b.name }
func (b Base) Baseclass() string { return b.baseclass }

// Downstream returns an empty stream. Implementations with telemetry override
// this.
func (b Base) Downstream(query State) Stream { return emptyStream{} }

type emptyStream struct{}

func (emptyStream) Next() (Chunk, bool) { return Chunk{}, false }
func (emptyStream) Close()              {}
