package bus

import (
	"context"
	"errors"
)

var (
	// ErrPublish wraps any failure to hand a message to the transport
	ErrPublish = errors.New("bus publish failed")

	// ErrClosed is returned by operations on a closed bus
	ErrClosed = errors.New("bus closed")
)

// Bus is a single-topic broadcast shared by every gateway process. It does
// no addressing: every subscriber sees every message.
type Bus interface {
	// Publish broadcasts data to every subscriber of the topic
	Publish(ctx context.Context, data []byte) error

	// Subscribe returns the process's message stream. The channel is closed
	// when ctx is done or the transport is lost for good; callers tell the
	// two apart through ctx.Err().
	Subscribe(ctx context.Context) (<-chan []byte, error)

	// Ping checks that the transport is usable
	Ping(ctx context.Context) error

	Close() error
}
