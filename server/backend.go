package server

import (
	"context"
	"log"

	"github.com/jhradil/pifleet/controller"
	"github.com/jhradil/pifleet/dispatch"
)

// Backend is the view the HTTP handlers (and the scheduler) have of the
// controller fleet: a name-keyed set of dispatchers.
type Backend struct {
	dispatchers map[string]*dispatch.Dispatcher
	order       []string // stable listing order (configuration order)
}

// NewBackend indexes the started dispatchers by controller name.
func NewBackend(dispatchers []*dispatch.Dispatcher) *Backend {
	b := &Backend{dispatchers: make(map[string]*dispatch.Dispatcher, len(dispatchers))}
	for _, d := range dispatchers {
		b.dispatchers[d.Name()] = d
		b.order = append(b.order, d.Name())
	}
	return b
}

// Controllers returns name → baseclass for every enabled controller.
func (b *Backend) Controllers() map[string]string {
	out := make(map[string]string, len(b.order))
	for name, d := range b.dispatchers {
		out[name] = d.Baseclass()
	}
	return out
}

// Names returns controller names in configuration order.
func (b *Backend) Names() []string {
	return append([]string(nil), b.order...)
}

// Get looks a dispatcher up by controller name.
func (b *Backend) Get(cname string) (*dispatch.Dispatcher, bool) {
	d, ok := b.dispatchers[cname]
	return d, ok
}

// MuteSetState implements scheduler.Fleet: fire-and-forget state change used
// by deferred actions.
func (b *Backend) MuteSetState(cname string, partial controller.State) bool {
	d, ok := b.dispatchers[cname]
	if !ok {
		log.Printf("backend: deferred state change for unknown controller %q dropped", cname)
		return false
	}
	d.MuteSetState(partial)
	return true
}

// namedState pairs a controller name with a state on the wire.
type namedState struct {
	Name  string           `json:"name"`
	State controller.State `json:"state"`
}

// fleetState is the aggregate get_state / set_state response body.
type fleetState struct {
	Controllers []namedState `json:"controllers"`
}

// GetStateAll reads every controller's state in configuration order.
func (b *Backend) GetStateAll(ctx context.Context) (fleetState, error) {
	out := fleetState{Controllers: make([]namedState, 0, len(b.order))}
	for _, name := range b.order {
		state, err := b.dispatchers[name].GetState(ctx)
		if err != nil {
			return fleetState{}, err
		}
		out.Controllers = append(out.Controllers, namedState{Name: name, State: state})
	}
	return out, nil
}

// Stop shuts every dispatcher down in reverse construction order.
func (b *Backend) Stop() {
	for i := len(b.order) - 1; i >= 0; i-- {
		b.dispatchers[b.order[i]].Stop()
	}
}
