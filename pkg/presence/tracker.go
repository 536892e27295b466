package presence

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/relay/pkg/analytics"
	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/metrics"
	"github.com/cuemby/relay/pkg/storage"
	"github.com/cuemby/relay/pkg/types"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// MembershipMessageType is the message type of membership notifications
const MembershipMessageType = "presence.membership"

// Notifier routes envelopes to connections anywhere in the fleet
type Notifier interface {
	BatchRoute(ctx context.Context, targets []string, env types.Envelope) error
}

// Config holds tracker settings
type Config struct {
	// DefaultThreshold is the activity window used for membership
	// notifications. Zero or negative disables filtering.
	DefaultThreshold time.Duration

	// NodeID tags analytics events
	NodeID string

	// Clock defaults to the wall clock
	Clock clock.Clock
}

// Membership is the payload of a membership notification
type Membership struct {
	EntityType types.EntityType `json:"entity_type"`
	EntityID   string           `json:"entity_id"`
	UserIDs    []string         `json:"user_ids"`
}

// Tracker drives the presence state machine. Every transition mutates the
// store first and then notifies; notification failures never fail the
// transition.
type Tracker struct {
	store     storage.Store
	notifier  Notifier
	sink      analytics.Sink
	clock     clock.Clock
	threshold time.Duration
	nodeID    string
	logger    zerolog.Logger
}

// NewTracker creates a tracker. A nil sink discards analytics events.
func NewTracker(store storage.Store, notifier Notifier, sink analytics.Sink, cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if sink == nil {
		sink = analytics.Nop{}
	}
	return &Tracker{
		store:     store,
		notifier:  notifier,
		sink:      sink,
		clock:     cfg.Clock,
		threshold: cfg.DefaultThreshold,
		nodeID:    cfg.NodeID,
		logger:    log.WithComponent("presence"),
	}
}

// DefaultThreshold returns the configured activity window
func (t *Tracker) DefaultThreshold() time.Duration {
	return t.threshold
}

// HandleOpen records that connID is attached to entity on behalf of userID
func (t *Tracker) HandleOpen(ctx context.Context, entity types.Entity, connID, userID string) error {
	timer := metrics.NewTimer()
	rec, err := t.store.UpsertOpen(ctx, entity, connID, userID, t.clock.Now())
	timer.ObserveDurationVec(metrics.PresenceOperationDuration, string(types.ActionOpen))
	if err != nil {
		metrics.PresenceOperationsTotal.WithLabelValues(string(types.ActionOpen), "error").Inc()
		return fmt.Errorf("failed to open presence on %s for %s: %w", entity, connID, err)
	}
	metrics.PresenceOperationsTotal.WithLabelValues(string(types.ActionOpen), "ok").Inc()

	t.afterTransition(ctx, types.ActionOpen, rec)
	return nil
}

// HandlePing refreshes the activity of an attached connection. Pings are
// heartbeats and never notify.
func (t *Tracker) HandlePing(ctx context.Context, entity types.Entity, connID string) error {
	timer := metrics.NewTimer()
	err := t.store.RefreshPing(ctx, entity, connID, t.clock.Now())
	timer.ObserveDurationVec(metrics.PresenceOperationDuration, string(types.ActionPing))
	if err != nil {
		metrics.PresenceOperationsTotal.WithLabelValues(string(types.ActionPing), "error").Inc()
		return fmt.Errorf("failed to refresh presence on %s for %s: %w", entity, connID, err)
	}
	metrics.PresenceOperationsTotal.WithLabelValues(string(types.ActionPing), "ok").Inc()
	return nil
}

// HandleClose removes the attachment of connID to entity. Closing an
// attachment that does not exist is not an error.
func (t *Tracker) HandleClose(ctx context.Context, entity types.Entity, connID string) error {
	timer := metrics.NewTimer()
	rec, err := t.store.Remove(ctx, entity, connID)
	timer.ObserveDurationVec(metrics.PresenceOperationDuration, string(types.ActionClose))
	if err != nil {
		metrics.PresenceOperationsTotal.WithLabelValues(string(types.ActionClose), "error").Inc()
		return fmt.Errorf("failed to close presence on %s for %s: %w", entity, connID, err)
	}
	metrics.PresenceOperationsTotal.WithLabelValues(string(types.ActionClose), "ok").Inc()

	if rec == nil {
		rec = &types.PresenceRecord{Entity: entity, ConnectionID: connID}
	}
	t.afterTransition(ctx, types.ActionClose, rec)
	return nil
}

// CloseConnection closes every attachment of connID, as found through the
// reverse index. Failures are combined; the remaining entities are still closed.
func (t *Tracker) CloseConnection(ctx context.Context, connID string) error {
	recs, err := t.store.ListByConnection(ctx, connID)
	if err != nil {
		return fmt.Errorf("failed to list presence of %s: %w", connID, err)
	}

	var errs error
	for _, rec := range recs {
		errs = multierr.Append(errs, t.HandleClose(ctx, rec.Entity, connID))
	}
	return errs
}

// afterTransition runs the analytics emission and the membership notification
// side by side and waits for both. Neither cancels the other and neither
// failure reaches the caller.
func (t *Tracker) afterTransition(ctx context.Context, action types.Action, rec *types.PresenceRecord) {
	logger := t.logger.With().
		Str("action", string(action)).
		Str("entity", rec.Entity.String()).
		Str("connection_id", rec.ConnectionID).
		Logger()

	var g errgroup.Group
	g.Go(func() error {
		ev := analytics.NewEvent(action, rec.Entity, rec.ConnectionID, rec.UserID, t.clock.Now())
		ev.NodeID = t.nodeID
		if err := t.sink.Emit(ctx, ev); err != nil {
			metrics.AnalyticsEventsTotal.WithLabelValues("failed").Inc()
			logger.Warn().Err(err).Msg("Failed to emit analytics event")
			return nil
		}
		metrics.AnalyticsEventsTotal.WithLabelValues("emitted").Inc()
		return nil
	})
	g.Go(func() error {
		// The user entity is the reverse index of a user's connections,
		// nobody watches its membership.
		if rec.Entity.IsUser() {
			return nil
		}
		if err := t.NotifyMembershipChange(ctx, rec.Entity); err != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			logger.Warn().Err(err).Msg("Failed to notify membership change")
			return nil
		}
		metrics.NotificationsTotal.WithLabelValues("sent").Inc()
		return nil
	})
	_ = g.Wait()
}

// ActiveUsers returns the distinct users with an active attachment to entity,
// sorted. A threshold <= 0 treats every record as active.
func (t *Tracker) ActiveUsers(ctx context.Context, entity types.Entity, threshold time.Duration) ([]string, error) {
	if entity.IsUser() {
		t.logger.Warn().Str("entity", entity.String()).Msg("Presence of a user entity queried against itself")
		return []string{entity.ID}, nil
	}

	recs, err := t.store.ListByEntity(ctx, entity)
	if err != nil {
		return nil, fmt.Errorf("failed to list presence on %s: %w", entity, err)
	}

	now := t.clock.Now()
	users := mapset.NewThreadUnsafeSet[string]()
	for _, rec := range recs {
		if rec.ActiveAt(now, threshold) {
			users.Add(rec.UserID)
		}
	}

	out := users.ToSlice()
	slices.Sort(out)
	return out, nil
}

// ConnectionsForUsers resolves every connection attached for each user
// through the user entity presence set. Users without a connection map to
// an empty slice.
func (t *Tracker) ConnectionsForUsers(ctx context.Context, userIDs []string) (map[string][]string, error) {
	out := make(map[string][]string, len(userIDs))
	for _, id := range mapset.NewThreadUnsafeSet(userIDs...).ToSlice() {
		recs, err := t.store.ListByEntity(ctx, types.UserEntity(id))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve connections of user %s: %w", id, err)
		}
		conns := make([]string, 0, len(recs))
		for _, rec := range recs {
			conns = append(conns, rec.ConnectionID)
		}
		slices.Sort(conns)
		out[id] = conns
	}
	return out, nil
}

// NotifyMembershipChange sends the current active-user set of entity to every
// connection of every active user.
func (t *Tracker) NotifyMembershipChange(ctx context.Context, entity types.Entity) error {
	users, err := t.ActiveUsers(ctx, entity, t.threshold)
	if err != nil {
		return err
	}

	env, err := types.NewEnvelope(MembershipMessageType, Membership{
		EntityType: entity.Type,
		EntityID:   entity.ID,
		UserIDs:    users,
	})
	if err != nil {
		return err
	}

	conns, err := t.ConnectionsForUsers(ctx, users)
	if err != nil {
		return err
	}

	var targets []string
	for _, user := range users {
		targets = append(targets, conns[user]...)
	}
	if len(targets) == 0 {
		return nil
	}
	return t.notifier.BatchRoute(ctx, targets, env)
}
