package registry

import (
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

const shardCount = 32

// Conn is a live client connection. Send must not block: implementations queue
// the event and drop the connection when the peer cannot keep up.
type Conn interface {
	ID() string
	Principal() models.Principal
	Send(ev models.Event) error
	Close() error
}

type member struct {
	conn  Conn
	rooms map[string]struct{}
}

type principalShard struct {
	mu    sync.RWMutex
	conns map[string]map[string]*member // principal id -> connection id -> member
}

type roomShard struct {
	mu      sync.RWMutex
	members map[string]map[string]Conn // ride id -> connection id -> conn
}

// Registry tracks which connections are online, grouped by principal and by
// ride room. Lock order is always principal shard before room shard.
type Registry struct {
	principals [shardCount]principalShard
	rooms      [shardCount]roomShard
	closed     atomic.Bool
	logger     *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{logger: logger}
	for i := range r.principals {
		r.principals[i].conns = make(map[string]map[string]*member)
		r.rooms[i].members = make(map[string]map[string]Conn)
	}
	return r
}

func shardOf(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}

func (r *Registry) principalShard(id string) *principalShard { return &r.principals[shardOf(id)] }
func (r *Registry) roomShard(rideID string) *roomShard       { return &r.rooms[shardOf(rideID)] }

// Register admits c. It returns false once the registry is closed.
func (r *Registry) Register(c Conn) bool {
	if r.closed.Load() {
		return false
	}
	p := c.Principal()
	s := r.principalShard(p.ID)
	s.mu.Lock()
	// Close flips closed before it walks the shards
	if r.closed.Load() {
		s.mu.Unlock()
		return false
	}
	byConn, ok := s.conns[p.ID]
	if !ok {
		byConn = make(map[string]*member)
		s.conns[p.ID] = byConn
	}
	byConn[c.ID()] = &member{conn: c, rooms: make(map[string]struct{})}
	n := len(byConn)
	s.mu.Unlock()

	observability.ConnectionsOpen.Inc()
	r.logger.Debug("connection registered", "principal_id", p.ID, "role", p.Role, "connection_id", c.ID(), "connections", n)
	return true
}

// Unregister removes c from its principal and every room it joined. It reports
// whether c was the principal's last connection.
func (r *Registry) Unregister(c Conn) bool {
	p := c.Principal()
	s := r.principalShard(p.ID)
	s.mu.Lock()
	byConn := s.conns[p.ID]
	m, ok := byConn[c.ID()]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(byConn, c.ID())
	last := len(byConn) == 0
	if last {
		delete(s.conns, p.ID)
	}
	for rideID := range m.rooms {
		r.removeFromRoom(rideID, c.ID())
	}
	s.mu.Unlock()

	observability.ConnectionsOpen.Dec()
	r.logger.Debug("connection unregistered", "principal_id", p.ID, "connection_id", c.ID(), "last", last)
	return last
}

func (r *Registry) removeFromRoom(rideID, connID string) {
	rs := r.roomShard(rideID)
	rs.mu.Lock()
	if set, ok := rs.members[rideID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(rs.members, rideID)
		}
	}
	rs.mu.Unlock()
}

// JoinRoom subscribes c to rideID's events. Unknown connections are ignored.
func (r *Registry) JoinRoom(c Conn, rideID string) bool {
	s := r.principalShard(c.Principal().ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.conns[c.Principal().ID][c.ID()]
	if !ok {
		return false
	}
	r.joinLocked(m, rideID)
	return true
}

func (r *Registry) joinLocked(m *member, rideID string) {
	m.rooms[rideID] = struct{}{}
	rs := r.roomShard(rideID)
	rs.mu.Lock()
	set, ok := rs.members[rideID]
	if !ok {
		set = make(map[string]Conn)
		rs.members[rideID] = set
	}
	set[m.conn.ID()] = m.conn
	rs.mu.Unlock()
}

func (r *Registry) LeaveRoom(c Conn, rideID string) {
	s := r.principalShard(c.Principal().ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.conns[c.Principal().ID][c.ID()]
	if !ok {
		return
	}
	delete(m.rooms, rideID)
	r.removeFromRoom(rideID, c.ID())
}

// JoinPrincipal subscribes every live connection of principalID to rideID and
// returns how many joined.
func (r *Registry) JoinPrincipal(principalID, rideID string) int {
	s := r.principalShard(principalID)
	s.mu.Lock()
	defer s.mu.Unlock()
	byConn := s.conns[principalID]
	for _, m := range byConn {
		r.joinLocked(m, rideID)
	}
	return len(byConn)
}

// Rooms lists the rides c is subscribed to.
func (r *Registry) Rooms(c Conn) []string {
	s := r.principalShard(c.Principal().ID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.conns[c.Principal().ID][c.ID()]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

func (r *Registry) IsOnline(principalID string) bool {
	s := r.principalShard(principalID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[principalID]) > 0
}

// Emit delivers ev to every connection of principalID. With no live connection
// the event is dropped.
func (r *Registry) Emit(principalID string, ev models.Event) int {
	s := r.principalShard(principalID)
	s.mu.RLock()
	targets := make([]Conn, 0, len(s.conns[principalID]))
	for _, m := range s.conns[principalID] {
		targets = append(targets, m.conn)
	}
	s.mu.RUnlock()
	return r.deliver(targets, ev)
}

// EmitToRoom delivers ev to every connection joined to rideID's room, skipping
// connections owned by excludePrincipal when it is not empty.
func (r *Registry) EmitToRoom(rideID string, ev models.Event, excludePrincipal string) int {
	return r.deliver(r.roomTargets(rideID, func(c Conn) bool {
		return excludePrincipal == "" || c.Principal().ID != excludePrincipal
	}), ev)
}

// EmitToMember delivers ev only to principalID's connections that are joined to
// rideID's room.
func (r *Registry) EmitToMember(rideID, principalID string, ev models.Event) int {
	return r.deliver(r.roomTargets(rideID, func(c Conn) bool {
		return c.Principal().ID == principalID
	}), ev)
}

func (r *Registry) roomTargets(rideID string, keep func(Conn) bool) []Conn {
	rs := r.roomShard(rideID)
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	set := rs.members[rideID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		if keep(c) {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) deliver(targets []Conn, ev models.Event) int {
	if len(targets) == 0 {
		observability.EventsDropped.WithLabelValues(string(ev.Type)).Inc()
		return 0
	}
	sent := 0
	for _, c := range targets {
		if err := c.Send(ev); err != nil {
			r.logger.Warn("event send failed", "connection_id", c.ID(), "principal_id", c.Principal().ID, "type", ev.Type, "error", err)
			continue
		}
		sent++
	}
	observability.EventsEmitted.WithLabelValues(string(ev.Type)).Add(float64(sent))
	return sent
}

// Close refuses further registrations and closes every live connection.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	var all []Conn
	for i := range r.principals {
		s := &r.principals[i]
		s.mu.RLock()
		for _, byConn := range s.conns {
			for _, m := range byConn {
				all = append(all, m.conn)
			}
		}
		s.mu.RUnlock()
	}
	for _, c := range all {
		_ = c.Close()
	}
	r.logger.Info("registry closed", "connections", len(all))
}
