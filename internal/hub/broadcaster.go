// Package hub tracks live connections, their identities and room memberships,
// and fans events out to rooms.
package hub

import (
	"sync"

	"go.uber.org/zap"

	"github.com/capitalize-ai/support-router/internal/model"
	"github.com/capitalize-ai/support-router/pkg/logger"
	"github.com/capitalize-ai/support-router/pkg/metrics"
)

// AgentRoom is the room every authenticated agent joins on connect.
const AgentRoom = "agents"

// Conn is a live connection handle. Send must not block: it enqueues the
// event and reports false when the connection cannot accept it.
type Conn interface {
	ID() string
	Send(event model.Event) bool
	Close()
}

// Broadcaster maps room IDs to sets of connections.
type Broadcaster struct {
	mu      sync.RWMutex
	rooms   map[string]map[string]Conn     // roomID -> connID -> conn
	members map[string]map[string]struct{} // connID -> roomIDs
	logger  *logger.Logger
}

// NewBroadcaster creates an empty broadcaster. Pass nil logger for the global one.
func NewBroadcaster(log *logger.Logger) *Broadcaster {
	return &Broadcaster{
		rooms:   make(map[string]map[string]Conn),
		members: make(map[string]map[string]struct{}),
		logger:  logger.OrGlobal(log).Named("broadcaster"),
	}
}

// Join adds conn to room. Joining twice has no additional effect.
func (b *Broadcaster) Join(room string, conn Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.rooms[room]; !ok {
		b.rooms[room] = make(map[string]Conn)
	}
	if _, already := b.rooms[room][conn.ID()]; already {
		return
	}
	b.rooms[room][conn.ID()] = conn

	if _, ok := b.members[conn.ID()]; !ok {
		b.members[conn.ID()] = make(map[string]struct{})
	}
	b.members[conn.ID()][room] = struct{}{}

	metrics.RoomJoinsTotal.Inc()
}

// Leave removes a connection from room. Leaving a room twice is a no-op.
func (b *Broadcaster) Leave(room, connID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.leaveLocked(room, connID)
}

// LeaveAll removes a connection from every room and returns how many it left.
func (b *Broadcaster) LeaveAll(connID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	rooms := b.members[connID]
	n := len(rooms)
	for room := range rooms {
		b.leaveLocked(room, connID)
	}
	delete(b.members, connID)
	return n
}

func (b *Broadcaster) leaveLocked(room, connID string) {
	if subs, ok := b.rooms[room]; ok {
		delete(subs, connID)
		if len(subs) == 0 {
			delete(b.rooms, room)
		}
	}
	if rooms, ok := b.members[connID]; ok {
		delete(rooms, room)
		if len(rooms) == 0 {
			delete(b.members, connID)
		}
	}
}

// Broadcast delivers event to every connection currently in room and
// returns the number of connections that accepted it. A connection that
// cannot accept the event is evicted from all rooms and closed, so what any
// member observes is always a gap-free prefix of what was broadcast.
func (b *Broadcaster) Broadcast(room string, event model.Event) int {
	return b.broadcast(room, event, nil)
}

// BroadcastUnion delivers event once to every connection in any of rooms.
// A connection in several of the rooms receives a single copy.
func (b *Broadcaster) BroadcastUnion(event model.Event, rooms ...string) int {
	seen := make(map[string]struct{})
	delivered := 0
	for _, room := range rooms {
		delivered += b.broadcast(room, event, seen)
	}
	return delivered
}

func (b *Broadcaster) broadcast(room string, event model.Event, seen map[string]struct{}) int {
	b.mu.RLock()
	subs := b.rooms[room]
	targets := make([]Conn, 0, len(subs))
	for id, conn := range subs {
		if seen != nil {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
		}
		targets = append(targets, conn)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if conn.Send(event) {
			delivered++
			continue
		}
		b.logger.Warn("evicting slow connection",
			zap.String("room", room),
			zap.String("connection_id", conn.ID()),
			zap.String("event", string(event.Name)),
		)
		metrics.BroadcastEvictionsTotal.Inc()
		b.LeaveAll(conn.ID())
		conn.Close()
	}

	metrics.BroadcastDeliveriesTotal.WithLabelValues(string(event.Name)).Add(float64(delivered))
	return delivered
}

// Members returns the IDs of connections in room.
func (b *Broadcaster) Members(room string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	ids := make([]string, 0, len(b.rooms[room]))
	for id := range b.rooms[room] {
		ids = append(ids, id)
	}
	return ids
}

// IsMember reports whether connID is in room.
func (b *Broadcaster) IsMember(room, connID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.rooms[room][connID]
	return ok
}

// Rooms returns the rooms connID belongs to.
func (b *Broadcaster) Rooms(connID string) []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	rooms := make([]string, 0, len(b.members[connID]))
	for room := range b.members[connID] {
		rooms = append(rooms, room)
	}
	return rooms
}
