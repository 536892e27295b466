package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case data, ok := <-ch:
		require.True(t, ok, "subscription closed unexpectedly")
		return data
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestMemoryBusBroadcastsToEverySubscriber(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	subs := make([]<-chan []byte, 3)
	for i := range subs {
		ch, err := b.Subscribe(ctx)
		require.NoError(t, err)
		subs[i] = ch
	}
	assert.Equal(t, 3, b.SubscriberCount())

	require.NoError(t, b.Publish(ctx, []byte("hello")))
	for _, ch := range subs {
		assert.Equal(t, "hello", string(receive(t, ch)))
	}
}

func TestMemoryBusPreservesOrderPerSubscriber(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	for _, m := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Publish(ctx, []byte(m)))
	}
	for _, want := range []string{"a", "b", "c", "d"} {
		assert.Equal(t, want, string(receive(t, ch)))
	}
}

func TestMemoryBusSubscriptionEndsWithContext(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, b.SubscriberCount())
}

func TestMemoryBusClose(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	ch, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")

	_, ok := <-ch
	assert.False(t, ok, "subscriber channel closed on bus close")

	err = b.Publish(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, b.Ping(ctx), ErrClosed)

	_, err = b.Subscribe(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBusPublishCancelled(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := b.Publish(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrPublish)
	assert.ErrorIs(t, err, context.Canceled)
}
