package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Transport is the send side of one live connection. *transport.Connection
// satisfies it; tests substitute fakes.
type Transport interface {
	ID() uuid.UUID
	Send(message []byte)
}

// Connection is the registry's record of one transport-level link and the
// username it is currently authenticated as ("" while anonymous). The record
// never owns the session, only the username back-reference.
type Connection struct {
	ID         uuid.UUID
	RemoteAddr string
	Transport  Transport
	Username   string
	CreatedAt  time.Time
}

// Registry tracks live connections and maintains the username → connection-set
// broadcast groups that message fan-out iterates.
type Registry struct {
	mu     sync.RWMutex
	conns  map[uuid.UUID]*Connection
	groups map[string]map[uuid.UUID]*Connection

	logger *slog.Logger
}

func New(logger *slog.Logger) *Registry {
	return &Registry{
		conns:  make(map[uuid.UUID]*Connection),
		groups: make(map[string]map[uuid.UUID]*Connection),
		logger: logger.With(slog.String("component", "connection_registry")),
	}
}

// Register adds a new transport connection in the anonymous state.
func (r *Registry) Register(t Transport, remoteAddr string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := t.ID()
	if _, exists := r.conns[id]; exists {
		return nil, errors.New("connection is already registered")
	}
	conn := &Connection{
		ID:         id,
		RemoteAddr: remoteAddr,
		Transport:  t,
		CreatedAt:  time.Now(),
	}
	r.conns[id] = conn
	r.logger.Debug("Connection registered", slog.String("connID", id.String()))
	return conn, nil
}

// Deregister removes the connection entirely and returns the username it was
// bound to, "" if it was anonymous or unknown.
func (r *Registry) Deregister(connID uuid.UUID) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ""
	}
	delete(r.conns, connID)

	username := conn.Username
	if username != "" {
		r.dropFromGroup(username, connID)
	}
	r.logger.Debug("Connection deregistered", slog.String("connID", connID.String()))
	return username
}

// Get returns the connection record for the given ID.
func (r *Registry) Get(connID uuid.UUID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	return conn, ok
}

// BoundUsername returns the username the connection is authenticated as,
// "" while anonymous.
func (r *Registry) BoundUsername(connID uuid.UUID) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return ""
	}
	return conn.Username
}

// Bind authenticates the connection as username and joins it to the
// username's broadcast group.
func (r *Registry) Bind(connID uuid.UUID, username string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.conns[connID]
	if !ok {
		return errors.New("cannot bind unknown connection")
	}
	if conn.Username != "" {
		r.dropFromGroup(conn.Username, connID)
	}
	conn.Username = username

	group, exists := r.groups[username]
	if !exists {
		group = make(map[uuid.UUID]*Connection)
		r.groups[username] = group
	}
	group[connID] = conn
	r.logger.Debug("Connection bound", slog.String("connID", connID.String()), slog.String("username", username))
	return nil
}

// UnbindAll clears the binding of every connection in the username's group and
// removes the group. The connections themselves stay registered, back in the
// anonymous state. Returns the number of connections unbound.
func (r *Registry) UnbindAll(username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	group, ok := r.groups[username]
	if !ok {
		return 0
	}
	for _, conn := range group {
		conn.Username = ""
	}
	n := len(group)
	delete(r.groups, username)
	r.logger.Debug("Group unbound", slog.String("username", username), slog.Int("connections", n))
	return n
}

// Broadcast pushes the message to every connection in the username's group.
// Sends go to buffered per-connection channels and never block on the
// registry lock. Returns the number of connections targeted.
func (r *Registry) Broadcast(username string, message []byte) int {
	targets := r.groupSnapshot(username)
	for _, t := range targets {
		t.Send(message)
	}
	return len(targets)
}

// BroadcastAll pushes the message to every registered connection, bound or
// anonymous. Returns the number of connections targeted.
func (r *Registry) BroadcastAll(message []byte) int {
	r.mu.RLock()
	targets := make([]Transport, 0, len(r.conns))
	for _, conn := range r.conns {
		targets = append(targets, conn.Transport)
	}
	r.mu.RUnlock()

	for _, t := range targets {
		t.Send(message)
	}
	return len(targets)
}

// Count returns the number of registered connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.conns)
}

// CountAddr returns the number of registered connections from the given
// remote IP. Feeds the per-IP connection limiter.
func (r *Registry) CountAddr(ip string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conn := range r.conns {
		if conn.RemoteAddr == ip {
			n++
		}
	}
	return n
}

// OldestAddrConnection returns the longest-lived connection from the given
// remote IP, used when the limiter runs in cycle mode.
func (r *Registry) OldestAddrConnection(ip string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var oldest *Connection
	for _, conn := range r.conns {
		if conn.RemoteAddr != ip {
			continue
		}
		if oldest == nil || conn.CreatedAt.Before(oldest.CreatedAt) {
			oldest = conn
		}
	}
	if oldest == nil {
		return nil, false
	}
	return oldest, true
}

// All returns a snapshot of every registered connection, for shutdown.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		all = append(all, conn)
	}
	return all
}

func (r *Registry) groupSnapshot(username string) []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group, ok := r.groups[username]
	if !ok {
		return nil
	}
	targets := make([]Transport, 0, len(group))
	for _, conn := range group {
		targets = append(targets, conn.Transport)
	}
	return targets
}

// dropFromGroup removes the connection from a group, deleting the group when
// emptied. Caller must hold the write lock.
func (r *Registry) dropFromGroup(username string, connID uuid.UUID) {
	group, ok := r.groups[username]
	if !ok {
		return
	}
	delete(group, connID)
	if len(group) == 0 {
		delete(r.groups, username)
	}
}
