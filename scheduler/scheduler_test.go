package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhradil/pifleet/controller"
)

// recordingFleet captures every mute state change with its arrival time.
type recordingFleet struct {
	mu    sync.Mutex
	calls []fleetCall
	seen  chan fleetCall
}

type fleetCall struct {
	Controller string
	State      controller.State
	At         time.Time
}

func newRecordingFleet() *recordingFleet {
	return &recordingFleet{seen: make(chan fleetCall, 64)}
}

func (f *recordingFleet) MuteSetState(cname string, partial controller.State) bool {
	call := fleetCall{Controller: cname, State: partial, At: time.Now()}
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	f.seen <- call
	return true
}

func (f *recordingFleet) wait(t *testing.T, timeout time.Duration) fleetCall {
	t.Helper()
	select {
	case call := <-f.seen:
		return call
	case <-time.After(timeout):
		t.Fatal("timed out waiting for a fleet call")
		return fleetCall{}
	}
}

func (f *recordingFleet) controllers() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Controller
	}
	return out
}

func muteAction(_ context.Context, fleet Fleet, t *Task) {
	fleet.MuteSetState(t.Controller, t.State)
}

func startScheduler(t *testing.T, fleet Fleet, opts ...Option) *Scheduler {
	t.Helper()
	s := New(fleet, opts...)
	s.Start()
	t.Cleanup(s.Stop)
	return s
}

func deferredTask(cname string, at ...time.Time) *Task {
	task := NewTask(muteAction, at...)
	task.Controller = cname
	task.State = controller.State{"power": "off"}
	return task
}

func TestTaskRepeatComposes(t *testing.T) {
	t0 := time.Date(2026, 8, 24, 12, 0, 0, 0, time.Local)
	task := NewTask(muteAction, t0)

	require.NoError(t, task.Repeat(2, 5*time.Second))
	require.NoError(t, task.Repeat(1, 10*time.Second))

	assert.Equal(t, []time.Time{
		t0,
		t0.Add(5 * time.Second),
		t0.Add(10 * time.Second),
		t0.Add(20 * time.Second),
	}, task.At())
}

func TestTaskRepeatValidation(t *testing.T) {
	task := NewTask(muteAction)
	assert.ErrorIs(t, task.Repeat(-1, time.Second), ErrBadRepeat)
	assert.ErrorIs(t, task.Repeat(2, 0), ErrBadRepeat)
	assert.ErrorIs(t, task.RepeatForever(-time.Second), ErrBadRepeat)

	assert.NoError(t, task.Repeat(0, time.Second), "zero repeats is a no-op, not an error")
	assert.Len(t, task.At(), 1)
}

func TestTaskAdvance(t *testing.T) {
	t0 := time.Now()
	task := NewTask(muteAction, t0, t0.Add(time.Second))

	assert.True(t, task.advance())
	assert.Equal(t, t0.Add(time.Second), task.head())
	assert.False(t, task.advance(), "exhausted task is not re-scheduled")
}

func TestTaskAdvanceForever(t *testing.T) {
	t0 := time.Now()
	task := NewTask(muteAction, t0)
	require.NoError(t, task.RepeatForever(time.Minute))

	assert.True(t, task.advance())
	assert.Equal(t, t0.Add(time.Minute), task.head(),
		"the forever cadence extends from the consumed execution time")
	assert.True(t, task.advance())
	assert.Equal(t, t0.Add(2*time.Minute), task.head())
}

func TestSchedulerExecutesInDueOrder(t *testing.T) {
	fleet := newRecordingFleet()
	s := startScheduler(t, fleet)

	now := time.Now()
	// Scheduled out of order on purpose.
	require.True(t, s.Schedule(deferredTask("c", now.Add(90*time.Millisecond))))
	require.True(t, s.Schedule(deferredTask("a", now.Add(30*time.Millisecond))))
	require.True(t, s.Schedule(deferredTask("b", now.Add(60*time.Millisecond))))

	for i := 0; i < 3; i++ {
		fleet.wait(t, 2*time.Second)
	}
	assert.Equal(t, []string{"a", "b", "c"}, fleet.controllers())
}

func TestSchedulerImmediateTask(t *testing.T) {
	fleet := newRecordingFleet()
	s := startScheduler(t, fleet)

	require.True(t, s.Schedule(deferredTask("now")))
	call := fleet.wait(t, 2*time.Second)
	assert.Equal(t, "now", call.Controller)
	assert.Equal(t, controller.State{"power": "off"}, call.State)
}

func TestSchedulerRepeatRuns(t *testing.T) {
	fleet := newRecordingFleet()
	s := startScheduler(t, fleet)

	task := deferredTask("rep", time.Now())
	require.NoError(t, task.Repeat(2, 30*time.Millisecond))
	require.True(t, s.Schedule(task))

	for i := 0; i < 3; i++ {
		fleet.wait(t, 2*time.Second)
	}
	assert.Equal(t, []string{"rep", "rep", "rep"}, fleet.controllers())

	// Nothing left behind.
	infos, err := s.Tasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestSchedulerForeverKeepsRunning(t *testing.T) {
	fleet := newRecordingFleet()
	s := startScheduler(t, fleet)

	task := deferredTask("tick", time.Now())
	require.NoError(t, task.RepeatForever(20*time.Millisecond))
	require.True(t, s.Schedule(task))

	for i := 0; i < 4; i++ {
		fleet.wait(t, 2*time.Second)
	}

	infos, err := s.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 1, "a forever task stays scheduled")
	assert.Equal(t, 20*time.Millisecond, infos[0].ForeverInterval)
}

func TestSchedulerCancelDropsPending(t *testing.T) {
	fleet := newRecordingFleet()
	s := startScheduler(t, fleet)

	require.True(t, s.Schedule(deferredTask("late", time.Now().Add(time.Hour))))
	require.True(t, s.Cancel())

	infos, err := s.Tasks(context.Background())
	require.NoError(t, err)
	assert.Empty(t, infos)

	// The scheduler keeps accepting work after a cancel.
	require.True(t, s.Schedule(deferredTask("fresh")))
	call := fleet.wait(t, 2*time.Second)
	assert.Equal(t, "fresh", call.Controller)
}

func TestSchedulerTasksSnapshot(t *testing.T) {
	fleet := newRecordingFleet()
	s := startScheduler(t, fleet)

	now := time.Now()
	t2 := deferredTask("b", now.Add(2*time.Hour))
	t1 := deferredTask("a", now.Add(time.Hour))
	require.True(t, s.Schedule(t2))
	require.True(t, s.Schedule(t1))

	infos, err := s.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "a", infos[0].Controller, "listing is sorted by next execution")
	assert.Equal(t, "b", infos[1].Controller)
	assert.Equal(t, t1.ID, infos[0].ID)
}

func TestSchedulerFIFOOnEqualTimes(t *testing.T) {
	fleet := newRecordingFleet()
	s := startScheduler(t, fleet)

	at := time.Now().Add(50 * time.Millisecond)
	require.True(t, s.Schedule(deferredTask("first", at)))
	require.True(t, s.Schedule(deferredTask("second", at)))

	fleet.wait(t, 2*time.Second)
	fleet.wait(t, 2*time.Second)
	assert.Equal(t, []string{"first", "second"}, fleet.controllers())
}

func TestSchedulerStop(t *testing.T) {
	s := New(newRecordingFleet())
	s.Start()
	s.Stop()

	assert.False(t, s.Schedule(deferredTask("x")))
	assert.False(t, s.Cancel())
	_, err := s.Tasks(context.Background())
	assert.ErrorIs(t, err, ErrStopped)

	s.Stop() // idempotent
}

func TestLimiterPacesPerKey(t *testing.T) {
	l := NewTokenBucketLimiter(10, 1)

	assert.Zero(t, l.Reserve("a"), "first event per key is free")
	assert.Greater(t, l.Reserve("a"), time.Duration(0))
	assert.Zero(t, l.Reserve("b"), "keys are paced independently")

	assert.False(t, l.Allow("a"), "bucket a is exhausted")
	assert.True(t, NewTokenBucketLimiter(1, 1).Allow("a"))
}
