package chat

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("connection closed")

// client is one live WebSocket connection for a user. A user may hold several
// clients at once (multiple devices or tabs); each gets its own write mutex so
// a slow device never blocks its siblings.
type client struct {
	id     string
	userID string
	conn   *websocket.Conn

	mu     sync.Mutex // guards writes to conn and the closed flag
	closed bool
}

// send writes one frame to the connection. It fails fast once the client has
// been deregistered so no write can race with removal.
func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Registry tracks which users currently hold live connections. Connections
// are indexed by connection id for O(1) add and remove.
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]*client            // conn_id -> client
	users map[string]map[string]*client // user_id -> conn_id -> client
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "registry"),
		conns:  make(map[string]*client),
		users:  make(map[string]map[string]*client),
	}
}

// Register binds a connection to a user and returns the tracked client.
// It never fails; the per-user set is created on first use.
func (r *Registry) Register(userID string, conn *websocket.Conn) *client {
	c, _ := r.RegisterCapped(userID, conn, 0)
	return c
}

// RegisterCapped is Register with a per-user connection cap. The count check
// and the insert happen under one lock so concurrent connects cannot slip
// past the limit. A maxPerUser of 0 means unlimited.
func (r *Registry) RegisterCapped(userID string, conn *websocket.Conn, maxPerUser int) (*client, bool) {
	c := &client{
		id:     uuid.New().String(),
		userID: userID,
		conn:   conn,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if maxPerUser > 0 && len(r.users[userID]) >= maxPerUser {
		return nil, false
	}
	r.conns[c.id] = c
	if r.users[userID] == nil {
		r.users[userID] = make(map[string]*client)
	}
	r.users[userID][c.id] = c
	return c, true
}

// Deregister removes a connection. Removing an unknown connection is a no-op;
// disconnect races make that an expected event, not an error. It returns true
// when this was the user's last connection.
func (r *Registry) Deregister(userID, connID string) (last bool) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("deregister of unknown connection", "user_id", userID, "conn_id", connID)
		return false
	}
	delete(r.conns, connID)
	if set := r.users[userID]; set != nil {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.users, userID)
			last = true
		}
	}
	r.mu.Unlock()

	// Mark closed under the client's own lock so an in-flight Broadcast
	// cannot write after removal.
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	return last
}

// Broadcast sends a frame to every live connection of a user. Fan-out is
// best effort and independent per connection: one failed write neither blocks
// nor fails the others. It reports whether at least one write succeeded.
func (r *Registry) Broadcast(userID string, frame []byte) bool {
	r.mu.RLock()
	set := r.users[userID]
	targets := make([]*client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := false
	for _, c := range targets {
		if err := c.send(frame); err != nil {
			r.logger.Debug("broadcast write failed", "user_id", userID, "conn_id", c.id, "error", err)
			continue
		}
		delivered = true
	}
	return delivered
}

// Online reports whether a user has at least one live connection.
func (r *Registry) Online(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// CountUser returns the number of live connections for a user.
func (r *Registry) CountUser(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID])
}

// Count returns the total number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
