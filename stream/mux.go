// Package stream merges independently-producing telemetry sources into one
// lazy sequence and frames it as a chunked JSON array.
package stream

import (
	"context"
	"sync"
	"time"

	"github.com/jhradil/pifleet/controller"
	"github.com/jhradil/pifleet/observability"
)

// DefaultIdleAfter is how long the aggregate may stay silent before a
// liveness marker is emitted.
const DefaultIdleAfter = 20 * time.Second

// Envelope tags a chunk with the name of the source that produced it. An
// envelope with Chunk.Idle set carries no data and exists only to keep the
// transport alive.
type Envelope struct {
	Name  string           `json:"name"`
	Chunk controller.Chunk `json:"-"`

	done bool // producer-exhausted sentinel, never leaves the package
}

// Source is one named telemetry stream feeding the multiplexer.
type Source struct {
	Name   string
	Stream controller.Stream
}

// Mux interleaves N sources into a single envelope sequence. One producer
// goroutine per source pushes into a shared FIFO; the consumer loop forwards
// envelopes in arrival order and injects an idle marker whenever the
// aggregate produces nothing for idleAfter.
type Mux struct {
	out chan Envelope
	wg  sync.WaitGroup
}

// Multiplex starts the producers and the merge loop. The output channel is
// closed when every source has ended or ctx is cancelled. Cancelling ctx is
// how a consumer that stops pulling triggers producer teardown; Wait blocks
// until all producers have released their streams.
func Multiplex(ctx context.Context, sources []Source, idleAfter time.Duration) *Mux {
	if idleAfter <= 0 {
		idleAfter = DefaultIdleAfter
	}
	m := &Mux{out: make(chan Envelope)}

	// Buffer one slot per source so a done sentinel never blocks a producer
	// that outlived the consumer.
	fifo := make(chan Envelope, len(sources))

	for _, src := range sources {
		m.wg.Add(1)
		go m.produce(ctx, src, fifo)
	}

	m.wg.Add(1)
	go m.consume(ctx, fifo, idleAfter, len(sources))

	return m
}

// Out is the merged sequence. Within one source, envelope order matches the
// source's production order; across sources the order is arrival order.
func (m *Mux) Out() <-chan Envelope { return m.out }

// Wait blocks until every producer goroutine has exited and closed its
// stream. Callers must cancel the context first if the output has not been
// drained to completion.
func (m *Mux) Wait() { m.wg.Wait() }

func (m *Mux) produce(ctx context.Context, src Source, fifo chan<- Envelope) {
	defer m.wg.Done()
	defer src.Stream.Close()

	for {
		chunk, ok := src.Stream.Next()
		if !ok {
			break
		}
		if !chunk.Idle {
			observability.StreamChunks.WithLabelValues(src.Name).Inc()
		}
		select {
		case fifo <- Envelope{Name: src.Name, Chunk: chunk}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case fifo <- Envelope{Name: src.Name, done: true}:
	case <-ctx.Done():
	}
}

func (m *Mux) consume(ctx context.Context, fifo <-chan Envelope, idleAfter time.Duration, live int) {
	defer m.wg.Done()
	defer close(m.out)

	timer := time.NewTimer(idleAfter)
	defer timer.Stop()

	for live > 0 {
		select {
		case env := <-fifo:
			if env.done {
				live--
				continue
			}
			if env.Chunk.Idle {
				// A producer signalled bare liveness; forward it as an
				// anonymous idle marker.
				env = Envelope{Chunk: controller.IdleChunk}
				observability.StreamHeartbeats.Inc()
			}
			select {
			case m.out <- env:
			case <-ctx.Done():
				return
			}
			if !timer.Stop() {
				<-timer.C
			}
			timer.Reset(idleAfter)

		case <-timer.C:
			observability.StreamHeartbeats.Inc()
			select {
			case m.out <- Envelope{Chunk: controller.IdleChunk}:
			case <-ctx.Done():
				return
			}
			timer.Reset(idleAfter)

		case <-ctx.Done():
			return
		}
	}
}
