// Package registry tracks live client connections and their bus
// subscriptions. A connection joins with one identity and a role set;
// several connections may share an identity (multi-tab, multi-device) and
// each receives its own copy of a pushed notification.
package registry

import (
	"errors"
	"log"
	"sync"
	"time"

	"campusfeed/internal/bus"
	"campusfeed/internal/metrics"
	"campusfeed/internal/model"
)

var errAlreadyJoined = errors.New("connection id already joined")

// Connection is the registry's handle for one live client. Notifications
// arrive on C until the connection leaves.
type Connection struct {
	ID       string
	Identity string
	Roles    []string
	JoinedAt time.Time

	mu     sync.Mutex
	closed bool
	out    chan model.Notification
	subs   []*bus.Subscription
}

// C is the stream of notifications pushed to this connection.
func (c *Connection) C() <-chan model.Notification {
	return c.out
}

func (c *Connection) deliver(n model.Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- n:
	default:
		log.Printf("registry: connection %s full, dropped %s notification", c.ID, n.Kind)
		metrics.NotificationsDropped.WithLabelValues("connection_full").Inc()
	}
}

func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.out)
}

// Registry owns all live connections. Lookup by identity is O(1) amortized.
type Registry struct {
	bus *bus.Bus

	mu         sync.RWMutex
	conns      map[string]*Connection
	byIdentity map[string]map[string]*Connection
	bufferSize int
}

// New builds a registry fanning out through b. bufferSize bounds each
// connection's pending pushes.
func New(b *bus.Bus, bufferSize int) *Registry {
	if bufferSize <= 0 {
		bufferSize = 32
	}
	return &Registry{
		bus:        b,
		conns:      make(map[string]*Connection),
		byIdentity: make(map[string]map[string]*Connection),
		bufferSize: bufferSize,
	}
}

// Join registers the connection and subscribes it to its identity topic,
// one topic per role, and the broadcast topic.
func (r *Registry) Join(connectionID, identity string, roles []string) (*Connection, error) {
	conn := &Connection{
		ID:       connectionID,
		Identity: identity,
		Roles:    roles,
		JoinedAt: time.Now().UTC(),
		out:      make(chan model.Notification, r.bufferSize),
	}

	// Subscriptions are completed before the connection becomes visible in
	// the maps, so a concurrent Leave always sees the full set.
	topics := []string{model.IdentityAudience(identity).Topic(), model.BroadcastAudience().Topic()}
	for _, role := range roles {
		topics = append(topics, model.RoleAudience(role).Topic())
	}
	for _, topicName := range topics {
		conn.subs = append(conn.subs, r.bus.Subscribe(topicName, conn.deliver))
	}

	r.mu.Lock()
	if _, exists := r.conns[connectionID]; exists {
		r.mu.Unlock()
		for _, sub := range conn.subs {
			sub.Close()
		}
		conn.close()
		return nil, errAlreadyJoined
	}
	r.conns[connectionID] = conn
	if r.byIdentity[identity] == nil {
		r.byIdentity[identity] = make(map[string]*Connection)
	}
	r.byIdentity[identity][connectionID] = conn
	r.mu.Unlock()

	metrics.LiveConnections.Inc()
	return conn, nil
}

// Leave unsubscribes every topic and drops the connection mapping. Repeated
// calls for the same id are harmless; already-queued pushes are discarded.
func (r *Registry) Leave(connectionID string) {
	r.mu.Lock()
	conn, ok := r.conns[connectionID]
	if ok {
		delete(r.conns, connectionID)
		if set := r.byIdentity[conn.Identity]; set != nil {
			delete(set, connectionID)
			if len(set) == 0 {
				delete(r.byIdentity, conn.Identity)
			}
		}
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	for _, sub := range conn.subs {
		sub.Close()
	}
	conn.close()
	metrics.LiveConnections.Dec()
}

// ConnectionsFor returns the live connections held by identity.
func (r *Registry) ConnectionsFor(identity string) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byIdentity[identity]
	conns := make([]*Connection, 0, len(set))
	for _, conn := range set {
		conns = append(conns, conn)
	}
	return conns
}

// Len reports the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll removes every connection, for shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.Leave(id)
	}
}
