// Package registry holds the process-wide index from UserId to the set of
// that user's live connections, and the reverse index needed to remove a
// connection without knowing its user ahead of time.
package registry

import (
	"sync"

	"github.com/notifypush/server/internal/model"
)

// ConnectionId is a monotonic, process-unique identifier for one connection.
type ConnectionId uint64

// Handle is what the registry stores per connection: enough to reach it
// from the router without the registry depending on the connection package
// (which in turn depends on registry to register itself).
type Handle interface {
	ID() ConnectionId
	User() model.UserId
	// Enqueue offers msg to the connection's outbound path. It must never
	// block; on backpressure it drops and reports false.
	Enqueue(msg interface{}) bool
	// Close tears down the connection from outside its own goroutines,
	// used by the control-plane reset and by shutdown.
	Close()
}

// Registry is a concurrent multimap UserId -> set of Handle, sharded to
// bound lock contention between the router's readers and connection
// actors' writers.
type Registry struct {
	shards    [shardCount]shard
	totalConn int64
	mu        sync.Mutex // guards totalConn only
}

const shardCount = 32

type shard struct {
	mu       sync.RWMutex
	byUser   map[model.UserId]map[ConnectionId]Handle
	byConnID map[ConnectionId]model.UserId
}

// New builds an empty Registry.
func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].byUser = make(map[model.UserId]map[ConnectionId]Handle)
		r.shards[i].byConnID = make(map[ConnectionId]model.UserId)
	}
	return r
}

func shardIndex(user model.UserId) int {
	var h uint32 = 2166136261
	for i := 0; i < len(user); i++ {
		h ^= uint32(user[i])
		h *= 16777619
	}
	return int(h % shardCount)
}

// connShardIndex picks the shard holding id's reverse-index entry. It is
// independent of shardIndex: removal by ConnectionId alone needs its own
// lookup path, so each shard also keeps a small index keyed by connection
// id, and Remove doesn't need to scan every shard.
func connShardIndex(id ConnectionId) int {
	return int(uint64(id) % shardCount)
}

// Add registers h under h.User(). A UserId may have arbitrarily many
// connections. It reports whether h is that user's first connection, so
// callers can drive an active-user-count metric without double-counting.
func (r *Registry) Add(h Handle) bool {
	us := &r.shards[shardIndex(h.User())]
	us.mu.Lock()
	conns, ok := us.byUser[h.User()]
	firstForUser := !ok || len(conns) == 0
	if !ok {
		conns = make(map[ConnectionId]Handle)
		us.byUser[h.User()] = conns
	}
	conns[h.ID()] = h
	us.mu.Unlock()

	cs := &r.shards[connShardIndex(h.ID())]
	cs.mu.Lock()
	cs.byConnID[h.ID()] = h.User()
	cs.mu.Unlock()

	r.mu.Lock()
	r.totalConn++
	r.mu.Unlock()

	return firstForUser
}

// Remove drops id from the registry, looking up its owning user via the
// reverse index so callers don't need to track it themselves. It returns
// the owning UserId and whether this removal dropped that user's last
// remaining connection, so callers can drive an active-user-count metric.
func (r *Registry) Remove(id ConnectionId) (model.UserId, bool) {
	cs := &r.shards[connShardIndex(id)]
	cs.mu.Lock()
	user, ok := cs.byConnID[id]
	if ok {
		delete(cs.byConnID, id)
	}
	cs.mu.Unlock()
	if !ok {
		return "", false
	}

	us := &r.shards[shardIndex(user)]
	us.mu.Lock()
	lastForUser := false
	if conns, ok := us.byUser[user]; ok {
		delete(conns, id)
		if len(conns) == 0 {
			delete(us.byUser, user)
			lastForUser = true
		}
	}
	us.mu.Unlock()

	r.mu.Lock()
	r.totalConn--
	r.mu.Unlock()

	return user, lastForUser
}

// ConnectionsForUser returns a snapshot slice of the handles currently
// registered for user. The slice is safe to iterate without holding any
// lock; it may be stale by the time the caller uses it.
func (r *Registry) ConnectionsForUser(user model.UserId) []Handle {
	s := &r.shards[shardIndex(user)]
	s.mu.RLock()
	defer s.mu.RUnlock()
	conns, ok := s.byUser[user]
	if !ok {
		return nil
	}
	out := make([]Handle, 0, len(conns))
	for _, h := range conns {
		out = append(out, h)
	}
	return out
}

// AllConnections returns a snapshot of every registered handle, used by the
// control plane's reset broadcast.
func (r *Registry) AllConnections() []Handle {
	var out []Handle
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		for _, conns := range s.byUser {
			for _, h := range conns {
				out = append(out, h)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// ConnectionCount returns the number of registered connections.
func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.totalConn)
}

// UserCount returns the number of distinct users with at least one
// connection.
func (r *Registry) UserCount() int {
	n := 0
	for i := range r.shards {
		s := &r.shards[i]
		s.mu.RLock()
		n += len(s.byUser)
		s.mu.RUnlock()
	}
	return n
}
