package pipeline

import (
	"context"
	"sync"

	"github.com/itzam-ai/itzam/internal/generation"
)

// relay is an unbounded buffer between the tee and the transport, so the
// tee never waits on a slow reader.
type relay struct {
	mu     sync.Mutex
	buf    []generation.Event
	closed bool
	signal chan struct{}
}

func newRelay() *relay {
	return &relay{signal: make(chan struct{}, 1)}
}

func (r *relay) push(ev generation.Event) {
	r.mu.Lock()
	r.buf = append(r.buf, ev)
	r.mu.Unlock()
	r.wake()
}

func (r *relay) close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.wake()
}

func (r *relay) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// run forwards buffered events to out until the relay is closed and empty,
// or ctx ends. It closes out on return.
func (r *relay) run(ctx context.Context, out chan<- generation.Event) {
	defer close(out)
	for {
		r.mu.Lock()
		batch, closed := r.buf, r.closed
		r.buf = nil
		r.mu.Unlock()

		for _, ev := range batch {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		select {
		case <-r.signal:
		case <-ctx.Done():
			return
		}
	}
}
