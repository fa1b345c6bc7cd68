// Package scheduler executes deferred and repeating state changes off the
// request-handling path. A single owner goroutine holds the pending-task heap
// and alternates between sleeping until the next due time and serving control
// messages.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jhradil/pifleet/controller"
	"github.com/jhradil/pifleet/observability"
)

// ErrStopped is reported for control calls made after Stop.
var ErrStopped = errors.New("scheduler: stopped")

// Fleet is the fixed argument bundle handed to every action. It is supplied
// at scheduler construction; the production implementation is the API
// backend's fire-and-forget dispatcher access.
type Fleet interface {
	// MuteSetState submits a fire-and-forget state change to the named
	// controller. It reports false for unknown controllers.
	MuteSetState(cname string, partial controller.State) bool
}

// TaskInfo is a snapshot of one scheduled task, as returned by Tasks.
type TaskInfo struct {
	ID              string
	Controller      string
	State           controller.State
	At              []time.Time
	ForeverInterval time.Duration
}

// Control messages for the owner loop.
type message interface{ msg() }

type scheduleMsg struct{ task *Task }
type cancelMsg struct{}
type queryMsg struct{ reply chan []TaskInfo }
type shutdownMsg struct{}

func (scheduleMsg) msg() {}
func (cancelMsg) msg()   {}
func (queryMsg) msg()    {}
func (shutdownMsg) msg() {}

// Scheduler owns a min-heap of pending tasks keyed by next execution time.
type Scheduler struct {
	fleet   Fleet
	limiter *TokenBucketLimiter

	ctl    chan message
	sendMu sync.Mutex

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	seq       uint64
}

// Option tweaks a scheduler at construction.
type Option func(*Scheduler)

// WithActionRate overrides the per-controller action pacing (events per
// second, burst). The default is generous enough to be invisible outside of
// runaway repeats.
func WithActionRate(r float64, b int) Option {
	return func(s *Scheduler) { s.limiter = NewTokenBucketLimiter(r, b) }
}

// New creates a scheduler whose actions receive fleet. Start must be called
// before Schedule/Cancel/Tasks.
func New(fleet Fleet, opts ...Option) *Scheduler {
	s := &Scheduler{
		fleet:   fleet,
		limiter: NewTokenBucketLimiter(50, 50),
		ctl:     make(chan message),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the owner loop. Idempotent.
func (s *Scheduler) Start() {
	s.startOnce.Do(func() {
		go s.run()
		log.Println("scheduler: started")
	})
}

// Stop shuts the owner down and joins it. Pending tasks are dropped; an
// action already executing runs to completion first.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.send(shutdownMsg{})
	})
	<-s.done
	log.Println("scheduler: stopped")
}

// Schedule hands a task to the owner. It reports false after Stop.
func (s *Scheduler) Schedule(t *Task) bool {
	return s.send(scheduleMsg{task: t})
}

// Cancel drops all pending tasks. Already-dispatched actions are unaffected.
func (s *Scheduler) Cancel() bool {
	return s.send(cancelMsg{})
}

// Tasks returns the currently scheduled tasks sorted by next execution time.
func (s *Scheduler) Tasks(ctx context.Context) ([]TaskInfo, error) {
	reply := make(chan []TaskInfo, 1)
	if !s.send(queryMsg{reply: reply}) {
		return nil, ErrStopped
	}
	select {
	case infos := <-reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrStopped
	}
}

// send serialises control-channel writes; one lock per scheduler keeps the
// channel single-writer and preserves per-caller submission order.
func (s *Scheduler) send(m message) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.ctl <- m:
		return true
	case <-s.done:
		return false
	}
}

// run is the owner loop. It waits on the control channel with a deadline set
// to the head task's execution time (unbounded when the heap is empty), then
// executes everything that has come due.
func (s *Scheduler) run() {
	defer close(s.done)

	ctx := context.Background()
	var tasks taskHeap

	for {
		var timerC <-chan time.Time
		var timer *time.Timer
		if len(tasks) > 0 {
			wait := time.Until(tasks[0].head())
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			timerC = timer.C
		}

		select {
		case m := <-s.ctl:
			stopTimer(timer)
			switch m := m.(type) {
			case shutdownMsg:
				return
			case cancelMsg:
				log.Printf("scheduler: cancelling %d scheduled tasks", len(tasks))
				observability.SchedulerCancellations.Inc()
				tasks = nil
			case queryMsg:
				m.reply <- snapshot(tasks)
			case scheduleMsg:
				t := m.task
				t.seq = s.seq
				s.seq++
				log.Printf("scheduler: scheduling task %s (%s) at %s", t.ID, t.Controller, t.head())
				heap.Push(&tasks, t)
			}

		case <-timerC:
			now := time.Now()
			for len(tasks) > 0 && !tasks[0].head().After(now) {
				t := heap.Pop(&tasks).(*Task)
				s.execute(ctx, t)
				if t.advance() {
					heap.Push(&tasks, t)
				}
				now = time.Now()
			}
		}

		observability.SchedulerQueueDepth.Set(float64(len(tasks)))
	}
}

// execute runs one action synchronously on the owner. A failing or panicking
// action is logged and otherwise treated as executed: its at slot has already
// been consumed and re-scheduling proceeds as if it succeeded.
func (s *Scheduler) execute(ctx context.Context, t *Task) {
	if delay := s.limiter.Reserve(t.Controller); delay > 0 {
		log.Printf("scheduler: pacing task %s (%s) by %s", t.ID, t.Controller, delay)
		time.Sleep(delay)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("scheduler: action of task %s panicked: %v", t.ID, r)
			observability.SchedulerActions.WithLabelValues("panic").Inc()
		}
	}()

	log.Printf("scheduler: executing task %s (%s)", t.ID, t.Controller)
	t.action(ctx, s.fleet, t)
	observability.SchedulerActions.WithLabelValues("ok").Inc()
}

func stopTimer(t *time.Timer) {
	if t != nil && !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}

func snapshot(tasks taskHeap) []TaskInfo {
	infos := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		infos = append(infos, TaskInfo{
			ID:              t.ID,
			Controller:      t.Controller,
			State:           t.State.Clone(),
			At:              t.At(),
			ForeverInterval: t.foreverInterval,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].At[0].Before(infos[j].At[0]) })
	return infos
}
