package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jhradil/pifleet/controller"
)

// ErrBadRepeat is reported for an invalid repeat specification (negative
// times, non-positive interval). The HTTP layer maps it to 400.
var ErrBadRepeat = errors.New("scheduler: invalid repeat specification")

// Action is the work a task performs. It receives the fleet bundle the
// scheduler was constructed with; everything else the action needs is carried
// on the task itself.
type Action func(ctx context.Context, fleet Fleet, task *Task)

// Task is one deferred action with its remaining execution times. A task is
// owned by the scheduler loop once scheduled; callers must not touch it after
// Schedule.
type Task struct {
	// ID identifies the task in listings and logs.
	ID string
	// Controller and State describe what the action will apply, for the
	// benefit of list_deferred and the journal.
	Controller string
	State      controller.State

	action          Action
	at              []time.Time
	foreverInterval time.Duration
	seq             uint64 // FIFO tiebreak for equal head times
}

// NewTask builds a task executing action at the given absolute times. With no
// times the task runs immediately. Times must be in chronological order.
func NewTask(action Action, at ...time.Time) *Task {
	if len(at) == 0 {
		at = []time.Time{time.Now()}
	}
	return &Task{
		ID:     uuid.NewString(),
		action: action,
		at:     append([]time.Time(nil), at...),
	}
}

// Repeat appends times further executions, each interval after the previously
// last scheduled one. Calls compose: NewTask(a, now).Repeat(2, 5s) then
// Repeat(1, 10s) yields executions at now, now+5s, now+10s, now+20s.
func (t *Task) Repeat(times int, interval time.Duration) error {
	if times < 0 || interval <= 0 {
		return ErrBadRepeat
	}
	last := t.at[len(t.at)-1]
	for i := 0; i < times; i++ {
		last = last.Add(interval)
		t.at = append(t.at, last)
	}
	return nil
}

// RepeatForever makes the task re-schedule itself every interval once its
// explicit time list is exhausted.
func (t *Task) RepeatForever(interval time.Duration) error {
	if interval <= 0 {
		return ErrBadRepeat
	}
	t.foreverInterval = interval
	return nil
}

// At returns the remaining execution times.
func (t *Task) At() []time.Time {
	return append([]time.Time(nil), t.at...)
}

// head is the next execution time. The at list is never empty while the task
// is scheduled.
func (t *Task) head() time.Time { return t.at[0] }

// advance consumes the head slot after an execution (successful or not) and
// reports whether the task must be re-scheduled. The forever interval extends
// from the consumed execution time, keeping the cadence independent of action
// runtime.
func (t *Task) advance() bool {
	execTime := t.at[0]
	t.at = t.at[1:]
	if len(t.at) > 0 {
		return true
	}
	if t.foreverInterval > 0 {
		t.at = append(t.at, execTime.Add(t.foreverInterval))
		return true
	}
	return false
}

// taskHeap orders tasks by head execution time, FIFO on ties.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].head().Equal(h[j].head()) {
		return h[i].seq < h[j].seq
	}
	return h[i].head().Before(h[j].head())
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*Task)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil // avoid memory leak
	*h = old[:n-1]
	return t
}

var _ heap.Interface = (*taskHeap)(nil)
