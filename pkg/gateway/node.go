package gateway

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/relay/pkg/analytics"
	"github.com/cuemby/relay/pkg/bus"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/presence"
	"github.com/cuemby/relay/pkg/registry"
	"github.com/cuemby/relay/pkg/router"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const (
	defaultOutboundSize = 64
	cleanupTimeout      = 10 * time.Second
)

var (
	// ErrBusClosed is returned by Run when the bus subscription ends for a
	// reason other than the caller cancelling it
	ErrBusClosed = errors.New("message bus subscription closed")

	// ErrUnknownAction is returned by Track for an unrecognized action
	ErrUnknownAction = errors.New("unknown presence action")
)

// Sink is the transport of one client connection
type Sink interface {
	Send(ctx context.Context, env types.Envelope) error
}

// SinkFunc adapts a function to Sink
type SinkFunc func(ctx context.Context, env types.Envelope) error

func (f SinkFunc) Send(ctx context.Context, env types.Envelope) error { return f(ctx, env) }

// Config holds node settings
type Config struct {
	// NodeID defaults to a random uuid
	NodeID string

	// OutboundSize is the per-connection queue length
	OutboundSize int

	// DefaultThreshold is the activity window for membership notifications
	DefaultThreshold time.Duration

	Clock clock.Clock
}

// Node is one gateway process: it owns the local connection registry, runs
// the bus subscriber loop and exposes the collaborator API.
type Node struct {
	id           string
	outboundSize int

	registry *registry.Registry
	bus      bus.Bus
	router   *router.Router
	tracker  *presence.Tracker

	senders sync.WaitGroup
	logger  zerolog.Logger
}

// New wires a node over a bus and a presence store. A nil sink discards
// analytics events.
func New(cfg Config, b bus.Bus, store storage.Store, sink analytics.Sink) *Node {
	if cfg.NodeID == "" {
		cfg.NodeID = uuid.NewString()
	}
	if cfg.OutboundSize <= 0 {
		cfg.OutboundSize = defaultOutboundSize
	}

	reg := registry.New()
	rt := router.New(b, reg)

	return &Node{
		id:           cfg.NodeID,
		outboundSize: cfg.OutboundSize,
		registry:     reg,
		bus:          b,
		router:       rt,
		tracker: presence.NewTracker(store, rt, sink, presence.Config{
			DefaultThreshold: cfg.DefaultThreshold,
			NodeID:           cfg.NodeID,
			Clock:            cfg.Clock,
		}),
		logger: log.WithNodeID(cfg.NodeID).With().Str("component", "gateway").Logger(),
	}
}

// ID returns the node id
func (n *Node) ID() string {
	return n.id
}

// Len returns the number of connections attached to this node
func (n *Node) Len() int {
	return n.registry.Len()
}

// DefaultThreshold returns the configured activity window
func (n *Node) DefaultThreshold() time.Duration {
	return n.tracker.DefaultThreshold()
}

// Attach registers connection id with this node and starts its sender, which
// drains the outbound queue into sink in order. Re-attaching an id replaces
// the previous connection and stops its sender.
func (n *Node) Attach(id string, sink Sink) (context.CancelFunc, error) {
	if id == "" {
		return nil, fmt.Errorf("connection id is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	outbound := make(chan types.Envelope, n.outboundSize)

	if replaced := n.registry.Register(id, outbound, cancel); replaced != nil {
		replaced()
		metrics.ConnectionsTotal.WithLabelValues("replaced").Inc()
	}
	metrics.ConnectionsTotal.WithLabelValues("attached").Inc()
	metrics.ConnectionsActive.Set(float64(n.registry.Len()))

	n.senders.Add(1)
	go n.send(ctx, id, outbound, sink)

	n.logger.Debug().Str("connection_id", id).Msg("Connection attached")
	return cancel, nil
}

// send drains outbound into sink until ctx is cancelled or the sink fails.
// Either way the connection is torn down unless Detach or a re-attach already
// took it over. Cancelling the handle returned by Attach detaches.
func (n *Node) send(ctx context.Context, id string, outbound chan types.Envelope, sink Sink) {
	defer n.senders.Done()

	for {
		select {
		case <-ctx.Done():
			n.teardown(id, outbound, "detached")
			return
		case env := <-outbound:
			if err := sink.Send(ctx, env); err != nil {
				if ctx.Err() != nil {
					n.teardown(id, outbound, "detached")
					return
				}
				n.logger.Warn().
					Err(err).
					Str("connection_id", id).
					Str("message_type", env.MessageType).
					Msg("Connection sink failed, tearing down")
				n.teardown(id, outbound, "failed")
				return
			}
		}
	}
}

// teardown removes a connection unless it was detached or re-attached
// meanwhile, then closes its presence.
func (n *Node) teardown(id string, outbound chan types.Envelope, event string) {
	cancel, ok := n.registry.Release(id, outbound)
	if !ok {
		return
	}
	cancel()
	metrics.ConnectionsTotal.WithLabelValues(event).Inc()
	metrics.ConnectionsActive.Set(float64(n.registry.Len()))

	ctx, done := context.WithTimeout(context.Background(), cleanupTimeout)
	defer done()
	if err := n.tracker.CloseConnection(ctx, id); err != nil {
		n.logger.Error().Err(err).Str("connection_id", id).Msg("Failed to clean up presence of released connection")
	}
}

// Detach unregisters connection id, stops its sender and closes every
// presence attachment it holds. Detaching an unknown id still cleans up
// presence left behind in the store.
func (n *Node) Detach(ctx context.Context, id string) error {
	if cancel, ok := n.registry.Unregister(id); ok {
		cancel()
		metrics.ConnectionsTotal.WithLabelValues("detached").Inc()
		metrics.ConnectionsActive.Set(float64(n.registry.Len()))
	}

	if err := n.tracker.CloseConnection(ctx, id); err != nil {
		return fmt.Errorf("failed to detach %s: %w", id, err)
	}
	n.logger.Debug().Str("connection_id", id).Msg("Connection detached")
	return nil
}

// Track applies a presence transition for a connection
func (n *Node) Track(ctx context.Context, entity types.Entity, connID, userID string, action types.Action) error {
	switch action {
	case types.ActionOpen:
		return n.tracker.HandleOpen(ctx, entity, connID, userID)
	case types.ActionPing:
		return n.tracker.HandlePing(ctx, entity, connID)
	case types.ActionClose:
		return n.tracker.HandleClose(ctx, entity, connID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

// SendToUsers routes env to every connection of every listed user. Publish
// failures are recorded per connection in the report; only a failure to
// resolve connections is returned as an error.
func (n *Node) SendToUsers(ctx context.Context, userIDs []string, env types.Envelope) (*types.DeliveryReport, error) {
	conns, err := n.tracker.ConnectionsForUsers(ctx, userIDs)
	if err != nil {
		return nil, err
	}

	report := types.NewDeliveryReport()
	for user, ids := range conns {
		if len(ids) == 0 {
			report.Unreachable = append(report.Unreachable, user)
			continue
		}
		for _, id := range ids {
			if err := n.router.Route(ctx, id, env); err != nil {
				report.Failed[user] = append(report.Failed[user], id)
				continue
			}
			report.Routed[user] = append(report.Routed[user], id)
		}
	}
	slices.Sort(report.Unreachable)
	return report, nil
}

// PresentUsers returns the users active on entity within threshold.
// A threshold <= 0 returns every attached user.
func (n *Node) PresentUsers(ctx context.Context, entity types.Entity, threshold time.Duration) ([]string, error) {
	return n.tracker.ActiveUsers(ctx, entity, threshold)
}

// Run consumes the bus until ctx is cancelled, delivering messages addressed
// to local connections. It returns nil on cancellation and ErrBusClosed if
// the subscription ends on its own.
func (n *Node) Run(ctx context.Context) error {
	msgs, err := n.bus.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBusClosed, err)
	}
	n.logger.Info().Msg("Bus subscriber started")

	for data := range msgs {
		// Errors are logged by the router; one bad message never stops the loop
		_ = n.router.OnMessage(data)
	}

	if ctx.Err() != nil {
		n.logger.Info().Msg("Bus subscriber stopped")
		return nil
	}
	n.logger.Error().Msg("Bus subscription lost")
	return ErrBusClosed
}

// DrainAll detaches every local connection so its presence is removed, then
// waits for all senders to stop or for ctx to end, whichever comes first.
func (n *Node) DrainAll(ctx context.Context) error {
	var errs error
	for _, id := range n.registry.IDs() {
		errs = multierr.Append(errs, n.Detach(ctx, id))
	}

	stopped := make(chan struct{})
	go func() {
		n.senders.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("connection senders still running: %w", ctx.Err()))
	}
	return errs
}
