package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/itzam-ai/itzam/internal/generation"
)

func TestRelayPreservesOrderAndNeverBlocksPush(t *testing.T) {
	r := newRelay()
	out := make(chan generation.Event)

	// Nobody reads yet; pushes must still return.
	for i := range 1000 {
		r.push(generation.Event{Kind: generation.EventTextDelta, Delta: string(rune('a' + i%26))})
	}
	r.push(generation.Event{Kind: generation.EventFinish})
	r.close()

	go r.run(context.Background(), out)

	var got []generation.Event
	for ev := range out {
		got = append(got, ev)
	}
	assert.Len(t, got, 1001)
	assert.Equal(t, "a", got[0].Delta)
	assert.Equal(t, "b", got[1].Delta)
	assert.Equal(t, generation.EventFinish, got[1000].Kind)
}

func TestRelayStopsOnContext(t *testing.T) {
	r := newRelay()
	out := make(chan generation.Event)
	ctx, cancel := context.WithCancel(context.Background())
	go r.run(ctx, out)

	r.push(generation.Event{Kind: generation.EventTextDelta})
	cancel()

	select {
	case _, ok := <-out:
		// One buffered send may race the cancellation.
		if ok {
			_, ok = <-out
		}
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
}
