package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const natsPendingSize = 4096

// NATSConfig configures the NATS-backed bus
type NATSConfig struct {
	URL           string
	Subject       string
	ClientName    string
	ReconnectWait time.Duration
}

// NATSBus broadcasts on one NATS subject. Every gateway process subscribes
// without a queue group so each one sees every message.
type NATSBus struct {
	conn    *nats.Conn
	subject string
	closed  chan struct{}
	logger  zerolog.Logger
}

// NewNATSBus connects to NATS. Reconnection is unbounded; the bus is only
// considered lost when the client gives up and closes the connection.
func NewNATSBus(cfg NATSConfig) (*NATSBus, error) {
	if cfg.Subject == "" {
		return nil, fmt.Errorf("nats bus subject is required")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	b := &NATSBus{
		subject: cfg.Subject,
		closed:  make(chan struct{}),
		logger:  log.WithComponent("bus").With().Str("subject", cfg.Subject).Logger(),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.ClientName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			metrics.BusConnected.Set(0)
			b.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			metrics.BusConnected.Set(1)
			metrics.BusReconnects.Inc()
			b.logger.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			metrics.BusConnected.Set(0)
			b.logger.Warn().Msg("NATS connection closed")
			close(b.closed)
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			b.logger.Error().Err(err).Msg("NATS async error")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	if conn.IsConnected() {
		metrics.BusConnected.Set(1)
	}

	b.conn = conn
	return b, nil
}

// Publish sends data on the bus subject
func (b *NATSBus) Publish(ctx context.Context, data []byte) error {
	if err := b.conn.Publish(b.subject, data); err != nil {
		return fmt.Errorf("%w: %w", ErrPublish, err)
	}
	return nil
}

// Subscribe starts the process's subscription on the bus subject
func (b *NATSBus) Subscribe(ctx context.Context) (<-chan []byte, error) {
	msgs := make(chan *nats.Msg, natsPendingSize)
	sub, err := b.conn.ChanSubscribe(b.subject, msgs)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", b.subject, err)
	}

	out := make(chan []byte)
	go func() {
		defer close(out)
		defer func() {
			if err := sub.Unsubscribe(); err != nil && ctx.Err() == nil {
				b.logger.Debug().Err(err).Msg("Unsubscribe failed")
			}
		}()

		for {
			select {
			case msg := <-msgs:
				select {
				case out <- msg.Data:
				case <-ctx.Done():
					return
				}
			case <-b.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Ping round-trips to the server
func (b *NATSBus) Ping(ctx context.Context) error {
	return b.conn.FlushWithContext(ctx)
}

// Close drains pending messages and closes the connection
func (b *NATSBus) Close() error {
	return b.conn.Drain()
}

// Conn exposes the underlying connection for other publishers sharing it
func (b *NATSBus) Conn() *nats.Conn {
	return b.conn
}
