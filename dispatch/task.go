package dispatch

import (
	"context"

	"github.com/jhradil/pifleet/controller"
)

// task is the tagged variant submitted to a dispatcher owner. Each variant
// carries its own reply sink; the owner writes results only there, so there
// is no cross-talk between callers.
type task interface {
	kind() string
	execute(d *Dispatcher)
}

// result is what request/reply tasks deliver to their caller.
type result struct {
	state controller.State
	err   error
}

type getStateTask struct {
	reply chan result
}

func (t getStateTask) kind() string { return "get_state" }

func (t getStateTask) execute(d *Dispatcher) {
	t.reply <- result{state: d.ctrl.GetState()}
}

type setStateTask struct {
	state controller.State
	reply chan result
}

func (t setStateTask) kind() string { return "set_state" }

func (t setStateTask) execute(d *Dispatcher) {
	state, err := d.ctrl.SetState(t.state)
	if err == nil {
		d.applied(t.kind(), t.state)
	}
	t.reply <- result{state: state, err: err}
}

// muteSetStateTask is a fire-and-forget state change; the scheduler uses it
// for deferred actions where nobody is waiting on the outcome.
type muteSetStateTask struct {
	state controller.State
}

func (t muteSetStateTask) kind() string { return "mute_set_state" }

func (t muteSetStateTask) execute(d *Dispatcher) {
	if _, err := d.ctrl.SetState(t.state); err != nil {
		d.logf("mute_set_state on %s failed: %v", d.ctrl.Name(), err)
		return
	}
	d.applied(t.kind(), t.state)
}

type downstreamTask struct {
	ctx   context.Context
	query controller.State
	reply chan controller.Chunk
}

func (t downstreamTask) kind() string { return "downstream" }

// execute iterates the controller's lazy sequence, forwarding each chunk to
// the caller's sink. Closing the sink is the end-of-stream sentinel. The
// caller cancels ctx when it stops pulling; the owner observes that on the
// next chunk and releases the stream.
func (t downstreamTask) execute(d *Dispatcher) {
	defer close(t.reply)

	s := d.ctrl.Downstream(t.query)
	defer s.Close()

	for {
		select {
		case <-t.ctx.Done():
			return
		default:
		}
		chunk, ok := s.Next()
		if !ok {
			return
		}
		select {
		case t.reply <- chunk:
		case <-t.ctx.Done():
			return
		}
	}
}

type shutdownTask struct{}

func (t shutdownTask) kind() string        { return "shutdown" }
func (t shutdownTask) execute(*Dispatcher) {}
