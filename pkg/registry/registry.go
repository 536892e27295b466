package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned when a connection is not registered on this node.
	// On non-owning nodes this is the expected outcome.
	ErrNotFound = errors.New("connection not registered on this node")

	// ErrOutboundFull is returned when a connection's outbound queue is saturated
	ErrOutboundFull = errors.New("connection outbound queue full")
)

type entry struct {
	outbound chan<- types.Envelope
	cancel   context.CancelFunc
}

// Registry maps connection ids to the outbound queue and cancel handle of
// connections held by this process. It has no cross-process knowledge.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*entry
	logger zerolog.Logger
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		conns:  make(map[string]*entry),
		logger: log.WithComponent("registry"),
	}
}

// Register inserts or replaces the entry for id. When an entry is replaced
// its cancel handle is returned so the caller can stop the previous sender.
func (r *Registry) Register(id string, outbound chan<- types.Envelope, cancel context.CancelFunc) context.CancelFunc {
	r.mu.Lock()
	defer r.mu.Unlock()

	var replaced context.CancelFunc
	if prev, ok := r.conns[id]; ok {
		r.logger.Info().Str("connection_id", id).Msg("Connection re-registered, replacing previous entry")
		replaced = prev.cancel
	}
	r.conns[id] = &entry{outbound: outbound, cancel: cancel}
	return replaced
}

// Unregister removes id and returns its cancel handle. Removing an absent
// connection is not an error.
func (r *Registry) Unregister(id string) (context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	delete(r.conns, id)
	return e.cancel, true
}

// Release removes id only while it is still bound to outbound. A sender that
// fails after its connection was re-registered must not remove the new entry.
func (r *Registry) Release(id string, outbound chan<- types.Envelope) (context.CancelFunc, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok || e.outbound != outbound {
		return nil, false
	}
	delete(r.conns, id)
	return e.cancel, true
}

// Has reports whether id is registered on this node
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

// Len returns the number of local connections
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// IDs returns a snapshot of the registered connection ids
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}

// SendLocal enqueues env on the outbound queue of id. The enqueue never
// blocks so a slow client cannot stall the bus subscriber.
func (r *Registry) SendLocal(id string, env types.Envelope) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[id]
	if !ok {
		return ErrNotFound
	}

	select {
	case e.outbound <- env:
		return nil
	default:
		return ErrOutboundFull
	}
}
