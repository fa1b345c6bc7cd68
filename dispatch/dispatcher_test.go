package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhradil/pifleet/controller"
)

// fakeController is a scriptable controller for dispatcher tests. It is
// deliberately not safe for concurrent use: the inFlight counter trips if the
// dispatcher ever lets two operations overlap.
type fakeController struct {
	controller.Base
	state    controller.State
	setDelay time.Duration
	panicOn  bool
	stream   controller.Stream

	mu       sync.Mutex
	inFlight int
	overlap  bool
	sets     int
}

func newFakeController(name string) *fakeController {
	return &fakeController{
		Base:  controller.NewBase(name, "fake"),
		state: controller.State{"power": "on"},
	}
}

func (f *fakeController) enter() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > 1 {
		f.overlap = true
	}
	f.mu.Unlock()
}

func (f *fakeController) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeController) GetState() controller.State {
	f.enter()
	defer f.leave()
	return f.state.Clone()
}

func (f *fakeController) SetState(partial controller.State) (controller.State, error) {
	f.enter()
	defer f.leave()
	if f.panicOn {
		panic("device wedged")
	}
	if f.setDelay > 0 {
		time.Sleep(f.setDelay)
	}
	f.state = f.state.Merge(partial)
	f.sets++
	return f.state.Clone(), nil
}

func (f *fakeController) Downstream(query controller.State) controller.Stream {
	if f.stream != nil {
		return f.stream
	}
	return f.Base.Downstream(query)
}

// sliceStream yields a fixed chunk sequence. A negative limit never ends.
type sliceStream struct {
	chunks []controller.Chunk
	next   int
	closed chan struct{}
}

func newSliceStream(n int) *sliceStream {
	s := &sliceStream{closed: make(chan struct{})}
	for i := 0; i < n; i++ {
		s.chunks = append(s.chunks, controller.Chunk{Data: controller.State{"seq": i}})
	}
	return s
}

func (s *sliceStream) Next() (controller.Chunk, bool) {
	if s.chunks != nil && s.next >= len(s.chunks) {
		return controller.Chunk{}, false
	}
	if s.chunks == nil {
		return controller.Chunk{Data: controller.State{"seq": s.next}}, true
	}
	c := s.chunks[s.next]
	s.next++
	return c, true
}

func (s *sliceStream) Close() {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}
}

func startDispatcher(t *testing.T, ctrl controller.Controller, opts ...Option) *Dispatcher {
	t.Helper()
	d := New(ctrl, opts...)
	d.Start()
	t.Cleanup(d.Stop)
	return d
}

func TestDispatcherRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := startDispatcher(t, newFakeController("dev"))

	state, err := d.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, controller.State{"power": "on"}, state)

	state, err = d.SetState(ctx, controller.State{"power": "off"})
	require.NoError(t, err)
	assert.Equal(t, "off", state["power"])

	state, err = d.GetState(ctx)
	require.NoError(t, err)
	assert.Equal(t, "off", state["power"])
}

func TestDispatcherSerialisesAccess(t *testing.T) {
	ctx := context.Background()
	fake := newFakeController("dev")
	fake.setDelay = time.Millisecond
	d := startDispatcher(t, fake, WithReplyTimeout(10*time.Second))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := d.SetState(ctx, controller.State{"n": i})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.False(t, fake.overlap, "operations must never overlap on the controller")
	assert.Equal(t, 20, fake.sets)
}

func TestDispatcherReplyTimeout(t *testing.T) {
	fake := newFakeController("dev")
	fake.setDelay = 300 * time.Millisecond
	d := startDispatcher(t, fake, WithReplyTimeout(20*time.Millisecond))

	_, err := d.SetState(context.Background(), controller.State{"power": "off"})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestDispatcherContextCancellation(t *testing.T) {
	fake := newFakeController("dev")
	fake.setDelay = 300 * time.Millisecond
	d := startDispatcher(t, fake, WithReplyTimeout(10*time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := d.SetState(ctx, controller.State{"power": "off"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDispatcherPanicBecomesDeviceError(t *testing.T) {
	fake := newFakeController("dev")
	fake.panicOn = true
	d := startDispatcher(t, fake)

	_, err := d.SetState(context.Background(), controller.State{"power": "off"})
	var devErr *controller.DeviceError
	require.ErrorAs(t, err, &devErr)

	// The owner survives the panic.
	fake.panicOn = false
	_, err = d.GetState(context.Background())
	assert.NoError(t, err)
}

func TestDispatcherMuteSetState(t *testing.T) {
	var mu sync.Mutex
	var applied []string
	fake := newFakeController("dev")
	d := startDispatcher(t, fake, WithAppliedHook(func(name, op string, partial controller.State) {
		mu.Lock()
		applied = append(applied, op)
		mu.Unlock()
	}))

	d.MuteSetState(controller.State{"power": "off"})

	// The same owner serves the follow-up read, so the mute write has landed
	// by the time it returns.
	state, err := d.GetState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "off", state["power"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"mute_set_state"}, applied)
}

func TestDispatcherDownstreamDrainsToEnd(t *testing.T) {
	fake := newFakeController("dev")
	src := newSliceStream(5)
	fake.stream = src
	d := startDispatcher(t, fake)

	s, err := d.Downstream(context.Background(), nil)
	require.NoError(t, err)
	defer s.Close()

	var got []int
	for {
		chunk, ok := s.Next()
		if !ok {
			break
		}
		got = append(got, chunk.Data["seq"].(int))
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, got)

	select {
	case <-src.closed:
	case <-time.After(time.Second):
		t.Fatal("controller stream was not released")
	}
}

func TestDispatcherDownstreamCloseFreesOwner(t *testing.T) {
	fake := newFakeController("dev")
	src := &sliceStream{closed: make(chan struct{})} // endless
	fake.stream = src
	d := startDispatcher(t, fake)

	s, err := d.Downstream(context.Background(), nil)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, ok := s.Next()
		require.True(t, ok)
	}
	s.Close()

	// The owner must be free to serve other requests again.
	_, err = d.GetState(context.Background())
	assert.NoError(t, err)

	select {
	case <-src.closed:
	case <-time.After(time.Second):
		t.Fatal("controller stream was not released")
	}
}

func TestDispatcherStop(t *testing.T) {
	d := New(newFakeController("dev"))
	d.Start()
	d.Stop()

	_, err := d.GetState(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	s, err := d.Downstream(context.Background(), nil)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Nil(t, s)

	d.Stop() // idempotent
}

func TestDispatcherConcurrentStop(t *testing.T) {
	d := New(newFakeController("dev"))
	d.Start()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Stop()
		}()
	}
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Racing callers see their result or ErrUnavailable, never a hang.
			_, _ = d.GetState(context.Background())
		}()
	}
	wg.Wait()
}
