package notify

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryFanOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := NewMemory()
	a, err := n.Subscribe(ctx)
	require.NoError(t, err)
	b, err := n.Subscribe(ctx)
	require.NoError(t, err)

	evt := Event{Course: "CS101", Session: "sess-1", Cause: CauseScan}
	require.NoError(t, n.Publish(ctx, evt))

	for _, ch := range []<-chan Event{a, b} {
		select {
		case got := <-ch:
			assert.Equal(t, evt, got)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestMemorySubscriptionClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	n := NewMemory()
	ch, err := n.Subscribe(ctx)
	require.NoError(t, err)

	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	// publishing after the subscriber is gone must not panic or block
	require.NoError(t, n.Publish(context.Background(), Event{Cause: CauseClose}))
}
