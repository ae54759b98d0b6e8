package discovery

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"

	"lanshare/models"
)

// Registry is the set of known peers keyed by address.
type Registry struct {
	clock clock.Clock

	mu    sync.RWMutex
	peers map[string]models.Peer
}

// NewRegistry returns an empty registry. A nil clock uses wall time.
func NewRegistry(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	return &Registry{
		clock: clk,
		peers: make(map[string]models.Peer),
	}
}

// Upsert inserts peer or refreshes an existing entry with the same address.
// It reports whether the address was not known before. A zero LastSeen is
// stamped with the registry clock.
func (r *Registry) Upsert(peer models.Peer) bool {
	if peer.Address == "" {
		return false
	}
	if peer.LastSeen.IsZero() {
		peer.LastSeen = r.clock.Now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	_, exists := r.peers[peer.Address]
	r.peers[peer.Address] = peer
	return !exists
}

// Reap removes every peer whose last announcement is older than ttl and
// returns the removed peers sorted by address.
func (r *Registry) Reap(now time.Time, ttl time.Duration) []models.Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed []models.Peer
	for addr, peer := range r.peers {
		if now.Sub(peer.LastSeen) > ttl {
			removed = append(removed, peer)
			delete(r.peers, addr)
		}
	}
	sortPeers(removed)
	return removed
}

// Snapshot returns a copy of the known peers, sorted by display name then address.
func (r *Registry) Snapshot() []models.Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.Peer, 0, len(r.peers))
	for _, peer := range r.peers {
		out = append(out, peer)
	}
	sortPeers(out)
	return out
}

// Get returns the peer registered under addr.
func (r *Registry) Get(addr string) (models.Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	peer, ok := r.peers[addr]
	return peer, ok
}

// Lookup resolves target as an address first, then as a case-insensitive
// display name. Ambiguous names do not resolve.
func (r *Registry) Lookup(target string) (models.Peer, bool) {
	target = strings.TrimSpace(target)
	if peer, ok := r.Get(target); ok {
		return peer, true
	}

	var (
		match models.Peer
		count int
	)
	for _, peer := range r.Snapshot() {
		if strings.EqualFold(peer.DisplayName, target) {
			match = peer
			count++
		}
	}
	return match, count == 1
}

// Len returns the number of known peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func sortPeers(peers []models.Peer) {
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].DisplayName == peers[j].DisplayName {
			return peers[i].Address < peers[j].Address
		}
		return peers[i].DisplayName < peers[j].DisplayName
	})
}
