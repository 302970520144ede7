package dht

import (
	"math/big"
	"sync"
	"time"

	"github.com/nodedht/mdht/dhtid"
	"github.com/nodedht/mdht/kbucket"
)

// DefaultPeerTimeout is PEER_TIMEOUT from spec §5 (43200s / 12h).
const DefaultPeerTimeout = 43200 * time.Second

type peerEntry struct {
	ep          dhtid.Endpoint
	announcedAt time.Time
}

// PeerStore maps target_id -> set<Endpoint> (spec §3). Per the resolved
// open question on PEER_TIMEOUT (spec §9), expiry is not enforced eagerly;
// entries past PEER_TIMEOUT are lazily pruned the next time their target is
// read, not on a background timer.
type PeerStore struct {
	mu       sync.Mutex
	timeout  time.Duration
	clock    kbucket.Clock
	byTarget map[string][]*peerEntry
}

// NewPeerStore constructs an empty store. timeout <= 0 defaults to
// DefaultPeerTimeout; clock nil defaults to kbucket.RealClock.
func NewPeerStore(timeout time.Duration, clock kbucket.Clock) *PeerStore {
	if timeout <= 0 {
		timeout = DefaultPeerTimeout
	}
	if clock == nil {
		clock = kbucket.RealClock
	}
	return &PeerStore{timeout: timeout, clock: clock, byTarget: make(map[string][]*peerEntry)}
}

// Put records (or refreshes) ep as announcing for target.
func (s *PeerStore) Put(target *big.Int, ep dhtid.Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := target.String()
	now := s.clock.Now()
	for _, e := range s.byTarget[key] {
		if e.ep.Equal(ep) {
			e.announcedAt = now
			return
		}
	}
	s.byTarget[key] = append(s.byTarget[key], &peerEntry{ep: ep, announcedAt: now})
	recordPeerEntriesDelta(1)
}

// Get returns the live (non-expired) peers for target, pruning any expired
// entries found along the way.
func (s *PeerStore) Get(target *big.Int) []dhtid.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := target.String()
	entries := s.byTarget[key]
	if len(entries) == 0 {
		return nil
	}

	now := s.clock.Now()
	live := entries[:0]
	var expired float64
	for _, e := range entries {
		if now.Sub(e.announcedAt) > s.timeout {
			expired++
			continue
		}
		live = append(live, e)
	}
	if len(live) == 0 {
		delete(s.byTarget, key)
	} else {
		s.byTarget[key] = live
	}
	if expired > 0 {
		recordPeerEntriesDelta(-expired)
		recordPeerExpired(expired)
	}

	out := make([]dhtid.Endpoint, len(live))
	for i, e := range live {
		out[i] = e.ep
	}
	return out
}

// InfohashCount returns the number of distinct target ids currently
// tracked, including any not-yet-pruned expired entries.
func (s *PeerStore) InfohashCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byTarget)
}
