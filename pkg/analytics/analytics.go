package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/types"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// Event is one presence transition reported to the ingestion pipeline
type Event struct {
	ID           string       `json:"id"`
	Action       types.Action `json:"action"`
	Entity       types.Entity `json:"entity"`
	ConnectionID string       `json:"connection_id"`
	UserID       string       `json:"user_id,omitempty"`
	NodeID       string       `json:"node_id,omitempty"`
	At           time.Time    `json:"at"`
}

// NewEvent stamps a fresh event id
func NewEvent(action types.Action, entity types.Entity, connID, userID string, at time.Time) Event {
	return Event{
		ID:           uuid.NewString(),
		Action:       action,
		Entity:       entity,
		ConnectionID: connID,
		UserID:       userID,
		At:           at,
	}
}

// Sink receives analytics events. Emission is best effort.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// LogSink writes events as structured log lines
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink logging through the analytics component logger
func NewLogSink() *LogSink {
	return &LogSink{logger: log.WithComponent("analytics")}
}

// NewLogSinkWithLogger creates a sink logging through logger
func NewLogSinkWithLogger(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Emit(_ context.Context, ev Event) error {
	s.logger.Info().
		Str("event_id", ev.ID).
		Str("action", string(ev.Action)).
		Str("entity", ev.Entity.String()).
		Str("connection_id", ev.ConnectionID).
		Str("user_id", ev.UserID).
		Time("at", ev.At).
		Msg("Presence event")
	return nil
}

// NATSSink publishes events as JSON on a NATS subject. It shares the
// connection of the bus; closing the connection is the owner's job.
type NATSSink struct {
	conn    *nats.Conn
	subject string
	nodeID  string
}

// NewNATSSink creates a sink publishing on subject
func NewNATSSink(conn *nats.Conn, subject, nodeID string) (*NATSSink, error) {
	if conn == nil {
		return nil, fmt.Errorf("analytics sink requires a NATS connection")
	}
	if subject == "" {
		return nil, fmt.Errorf("analytics sink subject is required")
	}
	return &NATSSink{conn: conn, subject: subject, nodeID: nodeID}, nil
}

func (s *NATSSink) Emit(_ context.Context, ev Event) error {
	if ev.NodeID == "" {
		ev.NodeID = s.nodeID
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode analytics event: %w", err)
	}
	if err := s.conn.Publish(s.subject, data); err != nil {
		return fmt.Errorf("failed to publish analytics event %s: %w", ev.ID, err)
	}
	return nil
}

// Nop discards every event
type Nop struct{}

func (Nop) Emit(context.Context, Event) error { return nil }
