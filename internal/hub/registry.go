package hub

import (
	"errors"
	"sync"

	"github.com/capitalize-ai/support-router/pkg/metrics"
)

var (
	// ErrUnknownConnection is returned for a connection that is not registered.
	ErrUnknownConnection = errors.New("unknown connection")
	// ErrInvalidTransition is returned when a role change is not allowed from the current state.
	ErrInvalidTransition = errors.New("invalid connection state transition")
)

// State is the authentication state of a live connection.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateCustomer
	StateAgent
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateCustomer:
		return "customer"
	case StateAgent:
		return "agent"
	case StateRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Identity is what the registry knows about a connection.
type Identity struct {
	State      State
	SiteID     string
	CustomerID string
	AgentID    string
}

type registration struct {
	conn     Conn
	identity Identity
}

// Registry is the authoritative record of which connection belongs to whom.
// Rooms are delegated to the Broadcaster; the registry guarantees that a
// connection leaves every room when it is unregistered.
type Registry struct {
	mu          sync.RWMutex
	conns       map[string]*registration
	broadcaster *Broadcaster
}

// NewRegistry creates a registry backed by b.
func NewRegistry(b *Broadcaster) *Registry {
	return &Registry{
		conns:       make(map[string]*registration),
		broadcaster: b,
	}
}

// Broadcaster returns the broadcaster rooms are kept in.
func (r *Registry) Broadcaster() *Broadcaster {
	return r.broadcaster
}

// Register records a new unauthenticated connection.
func (r *Registry) Register(conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.conns[conn.ID()]; ok {
		return
	}
	r.conns[conn.ID()] = &registration{conn: conn}
	metrics.ActiveConnections.WithLabelValues(StateUnauthenticated.String()).Inc()
}

// Unregister removes a connection and takes it out of all rooms. It returns
// the identity the connection had.
func (r *Registry) Unregister(connID string) (Identity, bool) {
	r.mu.Lock()
	reg, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		metrics.ActiveConnections.WithLabelValues(reg.identity.State.String()).Dec()
	}
	r.mu.Unlock()

	r.broadcaster.LeaveAll(connID)
	if !ok {
		return Identity{}, false
	}
	return reg.identity, true
}

// Lookup returns the connection and its identity.
func (r *Registry) Lookup(connID string) (Conn, Identity, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.conns[connID]
	if !ok {
		return nil, Identity{}, false
	}
	return reg.conn, reg.identity, true
}

// BindCustomer binds an unauthenticated connection to a customer. Rebinding
// the same pair is allowed so a client may repeat initChat.
func (r *Registry) BindCustomer(connID, siteID, customerID string) error {
	return r.transition(connID, func(id *Identity) error {
		switch id.State {
		case StateUnauthenticated:
		case StateCustomer:
			if id.SiteID != siteID || id.CustomerID != customerID {
				return ErrInvalidTransition
			}
		default:
			return ErrInvalidTransition
		}
		*id = Identity{State: StateCustomer, SiteID: siteID, CustomerID: customerID}
		return nil
	})
}

// BeginAuth marks an agent handshake in progress. A rejected connection may retry.
func (r *Registry) BeginAuth(connID string) error {
	return r.transition(connID, func(id *Identity) error {
		if id.State != StateUnauthenticated && id.State != StateRejected {
			return ErrInvalidTransition
		}
		*id = Identity{State: StateAuthenticating}
		return nil
	})
}

// CompleteAuth binds an authenticating connection to agentID.
func (r *Registry) CompleteAuth(connID, agentID string) error {
	return r.transition(connID, func(id *Identity) error {
		if id.State != StateAuthenticating {
			return ErrInvalidTransition
		}
		*id = Identity{State: StateAgent, AgentID: agentID}
		return nil
	})
}

// RejectAuth records a failed agent handshake.
func (r *Registry) RejectAuth(connID string) error {
	return r.transition(connID, func(id *Identity) error {
		if id.State != StateAuthenticating {
			return ErrInvalidTransition
		}
		*id = Identity{State: StateRejected}
		return nil
	})
}

// Join puts a registered connection into room.
func (r *Registry) Join(connID, room string) error {
	conn, _, ok := r.Lookup(connID)
	if !ok {
		return ErrUnknownConnection
	}
	r.broadcaster.Join(room, conn)
	return nil
}

// Leave takes a connection out of room.
func (r *Registry) Leave(connID, room string) {
	r.broadcaster.Leave(room, connID)
}

// Count returns the number of connections in state s.
func (r *Registry) Count(s State) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, reg := range r.conns {
		if reg.identity.State == s {
			n++
		}
	}
	return n
}

func (r *Registry) transition(connID string, apply func(id *Identity) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.conns[connID]
	if !ok {
		return ErrUnknownConnection
	}
	before := reg.identity.State
	if err := apply(&reg.identity); err != nil {
		return err
	}
	if after := reg.identity.State; after != before {
		metrics.ActiveConnections.WithLabelValues(before.String()).Dec()
		metrics.ActiveConnections.WithLabelValues(after.String()).Inc()
	}
	return nil
}
