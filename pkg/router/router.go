package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// ErrDecode is returned for bus messages that are not valid routed envelopes
var ErrDecode = errors.New("malformed routed message")

// Publisher is the send side of the bus
type Publisher interface {
	Publish(ctx context.Context, data []byte) error
}

// LocalSender delivers to connections held by this process
type LocalSender interface {
	SendLocal(id string, env types.Envelope) error
}

// wireMessage is the JSON shape published on the bus
type wireMessage struct {
	TargetConnectionID string         `json:"target_connection_id"`
	Message            types.Envelope `json:"message"`
}

// Router addresses connections anywhere in the fleet. Route broadcasts on the
// bus; OnMessage runs on every node and delivers only where the target is local.
type Router struct {
	bus    Publisher
	local  LocalSender
	logger zerolog.Logger
}

// New creates a router publishing on pub and delivering through local
func New(pub Publisher, local LocalSender) *Router {
	return &Router{
		bus:    pub,
		local:  local,
		logger: log.WithComponent("router"),
	}
}

// Route publishes env for delivery to the connection target
func (r *Router) Route(ctx context.Context, target string, env types.Envelope) error {
	data, err := json.Marshal(wireMessage{TargetConnectionID: target, Message: env})
	if err != nil {
		metrics.RoutePublishTotal.WithLabelValues("encode_error").Inc()
		return fmt.Errorf("failed to encode %s for %s: %w", env.MessageType, target, err)
	}

	if err := r.bus.Publish(ctx, data); err != nil {
		metrics.RoutePublishTotal.WithLabelValues("failed").Inc()
		r.logger.Error().
			Err(err).
			Str("connection_id", target).
			Str("message_type", env.MessageType).
			Msg("Failed to publish routed message")
		return fmt.Errorf("failed to route %s to %s: %w", env.MessageType, target, err)
	}

	metrics.RoutePublishTotal.WithLabelValues("published").Inc()
	return nil
}

// BatchRoute publishes env once per target. A failed target does not stop
// the remaining ones; all failures are combined into the returned error.
func (r *Router) BatchRoute(ctx context.Context, targets []string, env types.Envelope) error {
	var errs error
	for _, target := range targets {
		errs = multierr.Append(errs, r.Route(ctx, target, env))
	}
	return errs
}

// OnMessage handles one raw bus message. A target that is not local is the
// normal case on every non-owning node and returns nil.
func (r *Router) OnMessage(raw []byte) error {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		metrics.BusMessagesReceived.WithLabelValues("malformed").Inc()
		r.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("Discarding malformed bus message")
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if msg.TargetConnectionID == "" {
		metrics.BusMessagesReceived.WithLabelValues("malformed").Inc()
		r.logger.Warn().Str("message_type", msg.Message.MessageType).Msg("Discarding bus message without target")
		return fmt.Errorf("%w: missing target_connection_id", ErrDecode)
	}

	err := r.local.SendLocal(msg.TargetConnectionID, msg.Message)
	switch {
	case err == nil:
		metrics.BusMessagesReceived.WithLabelValues("delivered").Inc()
		return nil
	case errors.Is(err, registry.ErrNotFound):
		metrics.BusMessagesReceived.WithLabelValues("not_local").Inc()
		r.logger.Debug().Str("connection_id", msg.TargetConnectionID).Msg("Target not local")
		return nil
	default:
		metrics.BusMessagesReceived.WithLabelValues("queue_full").Inc()
		r.logger.Warn().
			Err(err).
			Str("connection_id", msg.TargetConnectionID).
			Str("message_type", msg.Message.MessageType).
			Msg("Failed to deliver routed message")
		return err
	}
}
