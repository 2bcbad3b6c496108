package delivery

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Registry maps users to their live connections. Reads go through an
// immutable snapshot and never take a lock.
type Registry struct {
	mu           sync.Mutex
	snap         atomic.Pointer[registrySnapshot]
	now          func() time.Time
	onRegister   func(*Connection)
	onDeregister func(*Connection)
}

type registrySnapshot struct {
	byUser map[string][]*Connection
	byID   map[string]*Connection
}

func NewRegistry() *Registry {
	r := &Registry{now: func() time.Time { return time.Now().UTC() }}
	r.snap.Store(&registrySnapshot{
		byUser: map[string][]*Connection{},
		byID:   map[string]*Connection{},
	})
	return r
}

// SetHooks installs callbacks run after a connection is added or removed.
// They run outside the registry lock.
func (r *Registry) SetHooks(onRegister, onDeregister func(*Connection)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRegister = onRegister
	r.onDeregister = onDeregister
}

// Register attaches a channel for userID. resume maps task ids to the last
// seq the client acknowledged; delivery resumes after those.
func (r *Registry) Register(userID, connectionID string, channel Channel, resume map[string]uint64) (*Connection, error) {
	userID = strings.TrimSpace(userID)
	connectionID = strings.TrimSpace(connectionID)
	if userID == "" || connectionID == "" {
		return nil, errors.New("user id and connection id are required")
	}
	if channel == nil {
		return nil, errors.New("channel is required")
	}

	r.mu.Lock()
	cur := r.snap.Load()
	if _, exists := cur.byID[connectionID]; exists {
		r.mu.Unlock()
		return nil, ErrDuplicateConnection
	}
	conn := newConnection(userID, connectionID, channel, resume, r.now())

	next := cur.clone()
	next.byID[connectionID] = conn
	next.byUser[userID] = append(append([]*Connection(nil), cur.byUser[userID]...), conn)
	r.snap.Store(next)
	hook := r.onRegister
	r.mu.Unlock()

	if hook != nil {
		hook(conn)
	}
	return conn, nil
}

// Deregister removes the connection. It reports false when the id was not
// registered, which makes repeated calls harmless.
func (r *Registry) Deregister(connectionID string) bool {
	r.mu.Lock()
	cur := r.snap.Load()
	conn, ok := cur.byID[connectionID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	next := cur.clone()
	delete(next.byID, connectionID)
	remaining := make([]*Connection, 0, len(cur.byUser[conn.userID]))
	for _, c := range cur.byUser[conn.userID] {
		if c.id != connectionID {
			remaining = append(remaining, c)
		}
	}
	if len(remaining) == 0 {
		delete(next.byUser, conn.userID)
	} else {
		next.byUser[conn.userID] = remaining
	}
	r.snap.Store(next)
	hook := r.onDeregister
	r.mu.Unlock()

	if hook != nil {
		hook(conn)
	}
	return true
}

// Lookup returns the connection ids registered for userID.
func (r *Registry) Lookup(userID string) []string {
	conns := r.snap.Load().byUser[userID]
	ids := make([]string, 0, len(conns))
	for _, c := range conns {
		ids = append(ids, c.id)
	}
	return ids
}

func (r *Registry) Connections(userID string) []*Connection {
	return append([]*Connection(nil), r.snap.Load().byUser[userID]...)
}

func (r *Registry) Get(connectionID string) (*Connection, bool) {
	c, ok := r.snap.Load().byID[connectionID]
	return c, ok
}

func (r *Registry) Count() int {
	return len(r.snap.Load().byID)
}

// All returns every registered connection ordered by id.
func (r *Registry) All() []*Connection {
	snap := r.snap.Load()
	out := make([]*Connection, 0, len(snap.byID))
	for _, c := range snap.byID {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (s *registrySnapshot) clone() *registrySnapshot {
	next := &registrySnapshot{
		byUser: make(map[string][]*Connection, len(s.byUser)),
		byID:   make(map[string]*Connection, len(s.byID)),
	}
	for k, v := range s.byUser {
		next.byUser[k] = v
	}
	for k, v := range s.byID {
		next.byID[k] = v
	}
	return next
}
