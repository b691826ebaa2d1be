package registry

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session describes a registered peer endpoint
type Session struct {
	ID          uuid.UUID      `json:"session_id"`
	Addr        netip.AddrPort `json:"addr"`
	ConnectedAt time.Time      `json:"connected_at"`
}

// Registry is the set of peer endpoints currently connected to the relay.
// All operations are atomic with respect to one another. There is no capacity limit.
type Registry struct {
	mu       sync.RWMutex
	sessions map[netip.AddrPort]Session
	now      func() time.Time
}

// New creates an empty registry
func New() *Registry {
	return &Registry{
		sessions: make(map[netip.AddrPort]Session),
		now:      time.Now,
	}
}

// Add admits peer. Adding a peer that is already registered keeps its
// existing session and reports false.
func (r *Registry) Add(peer netip.AddrPort) (Session, bool) {
	key := canonical(peer)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[key]; ok {
		return existing, false
	}

	session := Session{
		ID:          uuid.New(),
		Addr:        key,
		ConnectedAt: r.now(),
	}
	r.sessions[key] = session

	return session, true
}

// Remove deletes peer if present
func (r *Registry) Remove(peer netip.AddrPort) (Session, bool) {
	key := canonical(peer)

	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	return session, ok
}

// Contains reports whether peer is registered
func (r *Registry) Contains(peer netip.AddrPort) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.sessions[canonical(peer)]
	return ok
}

// SnapshotExcept returns a copy of every registered endpoint other than excluded.
// The copy is taken under a single read lock and is safe to iterate while the registry changes.
func (r *Registry) SnapshotExcept(excluded netip.AddrPort) []netip.AddrPort {
	key := canonical(excluded)

	r.mu.RLock()
	defer r.mu.RUnlock()

	peers := make([]netip.AddrPort, 0, len(r.sessions))
	for addr := range r.sessions {
		if addr == key {
			continue
		}
		peers = append(peers, addr)
	}
	return peers
}

// Sessions returns a copy of every session ordered by connection time
func (r *Registry) Sessions() []Session {
	r.mu.RLock()
	sessions := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].ConnectedAt.Equal(sessions[j].ConnectedAt) {
			return sessions[i].Addr.String() < sessions[j].Addr.String()
		}
		return sessions[i].ConnectedAt.Before(sessions[j].ConnectedAt)
	})
	return sessions
}

// Len returns the number of registered peers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// canonical unmaps IPv4-mapped IPv6 addresses so both forms name the same peer
func canonical(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}
