package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/rs/zerolog"
)

const (
	memoryQueueSize      = 1024
	memorySubscriberSize = 256
)

// MemoryBus is an in-process Bus. Several gateway nodes in one process (tests,
// single-binary deployments) share one MemoryBus and each receives every
// message through its own subscription.
type MemoryBus struct {
	subscribers map[chan []byte]struct{}
	mu          sync.RWMutex
	msgCh       chan []byte
	stopCh      chan struct{}
	stopOnce    sync.Once
	logger      zerolog.Logger
}

// NewMemoryBus creates a bus and starts its distribution loop
func NewMemoryBus() *MemoryBus {
	b := &MemoryBus{
		subscribers: make(map[chan []byte]struct{}),
		msgCh:       make(chan []byte, memoryQueueSize),
		stopCh:      make(chan struct{}),
		logger:      log.WithComponent("bus"),
	}
	go b.run()
	return b
}

// Publish queues data for broadcast
func (b *MemoryBus) Publish(ctx context.Context, data []byte) error {
	select {
	case <-b.stopCh:
		return fmt.Errorf("%w: %w", ErrPublish, ErrClosed)
	default:
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}

	select {
	case b.msgCh <- data:
		return nil
	case <-b.stopCh:
		return fmt.Errorf("%w: %w", ErrPublish, ErrClosed)
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrPublish, ctx.Err())
	}
}

// Subscribe registers a new subscriber. It is removed and its channel closed
// when ctx is done or the bus is closed.
func (b *MemoryBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.stopCh:
		return nil, ErrClosed
	default:
	}

	sub := make(chan []byte, memorySubscriberSize)
	b.subscribers[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			b.unsubscribe(sub)
		case <-b.stopCh:
		}
	}()
	return sub, nil
}

func (b *MemoryBus) unsubscribe(sub chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subscribers[sub]; ok {
		delete(b.subscribers, sub)
		close(sub)
	}
}

// Ping reports ErrClosed once the bus is closed
func (b *MemoryBus) Ping(ctx context.Context) error {
	select {
	case <-b.stopCh:
		return ErrClosed
	default:
		return nil
	}
}

// Close stops distribution and closes every subscriber channel
func (b *MemoryBus) Close() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)

		b.mu.Lock()
		defer b.mu.Unlock()
		for sub := range b.subscribers {
			delete(b.subscribers, sub)
			close(sub)
		}
	})
	return nil
}

// SubscriberCount returns the number of active subscribers
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (b *MemoryBus) run() {
	for {
		select {
		case data := <-b.msgCh:
			b.broadcast(data)
		case <-b.stopCh:
			return
		}
	}
}

func (b *MemoryBus) broadcast(data []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		select {
		case sub <- data:
		default:
			// Subscriber buffer full, drop for this subscriber
			metrics.BusMessagesDropped.Inc()
			b.logger.Warn().Int("bytes", len(data)).Msg("Subscriber buffer full, message dropped")
		}
	}
}
