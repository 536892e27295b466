package types

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntityType identifies the kind of domain object presence is tracked for
type EntityType string

const (
	EntityChannel  EntityType = "channel"
	EntityDocument EntityType = "document"
	EntityThread   EntityType = "thread"
	EntityUser     EntityType = "user"
)

// Valid reports whether t is a known entity type
func (t EntityType) Valid() bool {
	switch t {
	case EntityChannel, EntityDocument, EntityThread, EntityUser:
		return true
	}
	return false
}

// Entity is an opaque reference to a watched domain object
type Entity struct {
	Type EntityType `json:"entity_type"`
	ID   string     `json:"entity_id"`
}

// UserEntity returns the user-as-entity reference for userID
func UserEntity(userID string) Entity {
	return Entity{Type: EntityUser, ID: userID}
}

// String returns the canonical "type:id" form
func (e Entity) String() string {
	return string(e.Type) + ":" + e.ID
}

// IsUser reports whether the entity denotes a single user
func (e Entity) IsUser() bool {
	return e.Type == EntityUser
}

// ParseEntity parses the canonical "type:id" form
func ParseEntity(s string) (Entity, error) {
	kind, id, ok := strings.Cut(s, ":")
	if !ok || id == "" {
		return Entity{}, fmt.Errorf("invalid entity %q: want type:id", s)
	}
	e := Entity{Type: EntityType(kind), ID: id}
	if !e.Type.Valid() {
		return Entity{}, fmt.Errorf("invalid entity %q: unknown type %q", s, kind)
	}
	return e, nil
}

// PresenceRecord records that a connection is attached to an entity
type PresenceRecord struct {
	Entity       Entity     `json:"entity"`
	ConnectionID string     `json:"connection_id"`
	UserID       string     `json:"user_id"`
	CreatedAt    time.Time  `json:"created_at"`
	LastPing     *time.Time `json:"last_ping,omitempty"`
}

// LastActivity returns last_ping when set, created_at otherwise
func (r *PresenceRecord) LastActivity() time.Time {
	if r.LastPing != nil {
		return *r.LastPing
	}
	return r.CreatedAt
}

// ActiveAt reports whether the record is active at now for the given
// threshold. A threshold <= 0 disables filtering.
func (r *PresenceRecord) ActiveAt(now time.Time, threshold time.Duration) bool {
	if threshold <= 0 {
		return true
	}
	return now.Sub(r.LastActivity()) < threshold
}

// Action is a presence transition requested by a collaborator
type Action string

const (
	ActionOpen  Action = "open"
	ActionPing  Action = "ping"
	ActionClose Action = "close"
)

// Envelope is a generic message addressed to a connection. On the wire the
// type-specific payload fields sit next to message_type in one object.
type Envelope struct {
	MessageType string
	Payload     json.RawMessage
}

// NewEnvelope builds an envelope from any JSON-object-encodable payload
func NewEnvelope(messageType string, payload any) (Envelope, error) {
	env := Envelope{MessageType: messageType}
	if payload == nil {
		return env, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to encode %s payload: %w", messageType, err)
	}
	env.Payload = data
	return env, nil
}

// MarshalJSON flattens the payload object and message_type into one object
func (e Envelope) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage)
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &fields); err != nil {
			return nil, fmt.Errorf("envelope payload must be a JSON object: %w", err)
		}
		if fields == nil {
			fields = make(map[string]json.RawMessage)
		}
	}
	mt, err := json.Marshal(e.MessageType)
	if err != nil {
		return nil, err
	}
	fields["message_type"] = mt
	return json.Marshal(fields)
}

// UnmarshalJSON splits message_type from the remaining payload fields
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	raw, ok := fields["message_type"]
	if !ok {
		return fmt.Errorf("envelope missing message_type")
	}
	if err := json.Unmarshal(raw, &e.MessageType); err != nil {
		return fmt.Errorf("envelope message_type: %w", err)
	}
	delete(fields, "message_type")

	e.Payload = nil
	if len(fields) > 0 {
		payload, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		e.Payload = payload
	}
	return nil
}

// DeliveryReport summarizes a fan-out to users
type DeliveryReport struct {
	// Routed maps user id to the connection ids a publish succeeded for
	Routed map[string][]string
	// Failed maps user id to the connection ids whose publish failed
	Failed map[string][]string
	// Unreachable lists users with no attached connection
	Unreachable []string
}

// NewDeliveryReport returns an empty report
func NewDeliveryReport() *DeliveryReport {
	return &DeliveryReport{
		Routed: make(map[string][]string),
		Failed: make(map[string][]string),
	}
}
