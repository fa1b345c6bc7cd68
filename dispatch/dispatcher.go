// Package dispatch multiplexes concurrent API callers onto the single owner
// goroutine of each controller, serialising all device access while keeping
// per-caller response identity.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jhradil/pifleet/controller"
	"github.com/jhradil/pifleet/observability"
)

// ErrUnavailable is reported when a dispatcher owner does not reply within
// the reply timeout or has already exited. The HTTP layer maps it to 503.
var ErrUnavailable = errors.New("dispatch: controller owner unavailable")

// DefaultReplyTimeout bounds how long a caller waits on its reply sink.
const DefaultReplyTimeout = 5 * time.Second

// AppliedFunc is an optional hook invoked by the owner after a state change
// has been applied to the device (used to feed the audit journal).
type AppliedFunc func(ctrlName, op string, partial controller.State)

// Dispatcher wraps one non-thread-safe controller. All access goes through a
// single request channel read only by the owner goroutine; sends are
// serialised by a lock so the channel behaves like a single-writer pipe and
// task submission order per caller is preserved.
type Dispatcher struct {
	ctrl         controller.Controller
	reqs         chan task
	sendMu       sync.Mutex
	replyTimeout time.Duration
	onApplied    AppliedFunc

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{} // closed when the owner exits
}

// Option tweaks a dispatcher at construction.
type Option func(*Dispatcher)

// WithReplyTimeout overrides DefaultReplyTimeout.
func WithReplyTimeout(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.replyTimeout = d
		}
	}
}

// WithAppliedHook registers the applied-state hook.
func WithAppliedHook(fn AppliedFunc) Option {
	return func(disp *Dispatcher) { disp.onApplied = fn }
}

// New creates a dispatcher for ctrl. Start must be called before any other
// method.
func New(ctrl controller.Controller, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ctrl:         ctrl,
		reqs:         make(chan task),
		replyTimeout: DefaultReplyTimeout,
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Name is the wrapped controller's name.
func (d *Dispatcher) Name() string { return d.ctrl.Name() }

// Baseclass is the wrapped controller's type tag.
func (d *Dispatcher) Baseclass() string { return d.ctrl.Baseclass() }

// Start launches the owner goroutine. Idempotent.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		go d.run()
	})
}

// Stop shuts the owner down and joins it. Safe to call multiple times and
// concurrently with in-flight requests; callers racing with shutdown see
// either their result or ErrUnavailable.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.send(shutdownTask{})
	})
	<-d.done
}

// GetState reads the controller state through the owner.
func (d *Dispatcher) GetState(ctx context.Context) (controller.State, error) {
	reply := make(chan result, 1)
	if !d.send(getStateTask{reply: reply}) {
		return nil, ErrUnavailable
	}
	return d.await(ctx, reply)
}

// SetState applies a partial state through the owner and returns the new full
// state.
func (d *Dispatcher) SetState(ctx context.Context, partial controller.State) (controller.State, error) {
	reply := make(chan result, 1)
	if !d.send(setStateTask{state: partial, reply: reply}) {
		return nil, ErrUnavailable
	}
	return d.await(ctx, reply)
}

// MuteSetState submits a fire-and-forget state change and returns
// immediately. Failures are logged by the owner, not reported.
func (d *Dispatcher) MuteSetState(partial controller.State) {
	d.send(muteSetStateTask{state: partial})
}

// Downstream submits a streaming query and returns the resulting lazy
// sequence. The stream ends when the controller's sequence ends; Close stops
// pulling and triggers producer teardown through ctx. The returned stream is
// also torn down when ctx is cancelled.
func (d *Dispatcher) Downstream(ctx context.Context, query controller.State) (controller.Stream, error) {
	ctx, cancel := context.WithCancel(ctx)
	reply := make(chan controller.Chunk, 8)
	if !d.send(downstreamTask{ctx: ctx, query: query, reply: reply}) {
		cancel()
		return nil, ErrUnavailable
	}
	return &replyStream{ch: reply, cancel: cancel}, nil
}

// send submits a task under the request-channel lock. It reports false when
// the owner has already exited.
func (d *Dispatcher) send(t task) bool {
	d.sendMu.Lock()
	defer d.sendMu.Unlock()
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.reqs <- t:
		return true
	case <-d.done:
		return false
	}
}

// await reads one result off the caller's private reply sink, bounded by the
// reply timeout.
func (d *Dispatcher) await(ctx context.Context, reply <-chan result) (controller.State, error) {
	timer := time.NewTimer(d.replyTimeout)
	defer timer.Stop()
	select {
	case res := <-reply:
		return res.state, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		observability.DispatcherTimeouts.WithLabelValues(d.ctrl.Name()).Inc()
		return nil, ErrUnavailable
	case <-d.done:
		// The owner exited between submission and execution.
		return nil, ErrUnavailable
	}
}

// run is the owner loop: receive a task, execute it against the wrapped
// controller, repeat until shutdown. A panicking controller does not kill the
// owner; the failure is logged and the worker continues.
func (d *Dispatcher) run() {
	defer close(d.done)
	log.Printf("dispatch: owner for %s (%s) started", d.ctrl.Name(), d.ctrl.Baseclass())

	for t := range d.reqs {
		if _, ok := t.(shutdownTask); ok {
			log.Printf("dispatch: owner for %s stopping", d.ctrl.Name())
			return
		}
		start := time.Now()
		d.runTask(t)
		observability.DispatcherTasks.WithLabelValues(d.ctrl.Name(), t.kind()).Inc()
		observability.DispatcherTaskDuration.WithLabelValues(d.ctrl.Name(), t.kind()).
			Observe(time.Since(start).Seconds())
	}
}

func (d *Dispatcher) runTask(t task) {
	defer func() {
		if r := recover(); r != nil {
			d.logf("controller %s panicked in %s: %v", d.ctrl.Name(), t.kind(), r)
			// A caller blocked on a reply sink will hit its timeout and
			// report ErrUnavailable; the owner keeps serving.
			if st, ok := t.(setStateTask); ok {
				st.reply <- result{err: &controller.DeviceError{
					Controller: d.ctrl.Name(), Op: st.kind(), Err: fmt.Errorf("panic: %v", r),
				}}
			}
		}
	}()
	t.execute(d)
}

func (d *Dispatcher) applied(op string, partial controller.State) {
	if d.onApplied != nil {
		d.onApplied(d.ctrl.Name(), op, partial)
	}
}

func (d *Dispatcher) logf(format string, args ...any) {
	log.Printf("dispatch: "+format, args...)
}

// replyStream adapts a per-request reply channel to the Stream interface.
type replyStream struct {
	ch     chan controller.Chunk
	cancel context.CancelFunc
}

func (s *replyStream) Next() (controller.Chunk, bool) {
	chunk, ok := <-s.ch
	return chunk, ok
}

func (s *replyStream) Close() {
	s.cancel()
	// Drain so the owner never blocks pushing a final chunk.
	for range s.ch {
	}
}
