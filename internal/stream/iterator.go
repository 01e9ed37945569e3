package stream

import (
	"context"
	"iter"
	"sync"

	"github.com/itzam-ai/itzam/internal/generation"
)

// Iterator is a pull-based view of a run's text deltas. A background
// goroutine drains the event channel into an in-memory queue, so a slow
// reader never holds up the run. The sequence is finite and ends after the
// terminal event; once consumed it cannot be restarted.
type Iterator struct {
	mu     sync.Mutex
	queue  []string
	result *generation.Event
	closed bool
	wake   chan struct{} // closed and replaced on every change
}

// NewIterator starts draining events.
func NewIterator(events <-chan generation.Event) *Iterator {
	it := &Iterator{wake: make(chan struct{})}
	go it.fill(events)
	return it
}

func (it *Iterator) fill(events <-chan generation.Event) {
	for ev := range events {
		it.mu.Lock()
		switch {
		case ev.Kind == generation.EventTextDelta:
			it.queue = append(it.queue, ev.Delta)
		case ev.Terminal():
			it.result = &ev
		}
		close(it.wake)
		it.wake = make(chan struct{})
		it.mu.Unlock()
	}
	it.mu.Lock()
	it.closed = true
	close(it.wake)
	it.mu.Unlock()
}

// Next blocks for the next delta. ok is false once the stream is over or
// ctx is done.
func (it *Iterator) Next(ctx context.Context) (delta string, ok bool) {
	for {
		it.mu.Lock()
		if len(it.queue) > 0 {
			delta = it.queue[0]
			it.queue = it.queue[1:]
			it.mu.Unlock()
			return delta, true
		}
		if it.closed {
			it.mu.Unlock()
			return "", false
		}
		wake := it.wake
		it.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return "", false
		}
	}
}

// All ranges over the remaining deltas.
func (it *Iterator) All(ctx context.Context) iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			d, ok := it.Next(ctx)
			if !ok || !yield(d) {
				return
			}
		}
	}
}

// Result returns the terminal event once the producer has sent it.
func (it *Iterator) Result() (generation.Event, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	if it.result == nil {
		return generation.Event{}, false
	}
	return *it.result, true
}

// Err is the terminal error, if the run failed.
func (it *Iterator) Err() error {
	ev, ok := it.Result()
	if !ok {
		return nil
	}
	return ev.Err()
}
