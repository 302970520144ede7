package dht

import (
	"crypto/rand"
	"math/big"
	"sync"
	"time"

	"github.com/minio/sha256-simd"

	"github.com/nodedht/mdht/dhtid"
	"github.com/nodedht/mdht/kbucket"
)

// DefaultSecretTimeout is SECRET_TIMEOUT (spec §5): how often the active
// secret is rotated.
const DefaultSecretTimeout = 300 * time.Second

// DefaultTokenTimeout is TOKEN_TIMEOUT (spec §5): the maximum age of a
// token the authority will still accept.
const DefaultTokenTimeout = 600 * time.Second

type secret struct {
	value     []byte
	createdAt time.Time
}

// TokenAuthority issues and verifies the get_peers/announce_peer tokens
// (spec §4.4): a deterministic digest over
// (querier_id || target_id || querier_endpoint || secret), with a bounded
// rotating deque of recent secrets so a token remains valid for a sliding
// window after it was minted.
type TokenAuthority struct {
	mu            sync.Mutex
	secretTimeout time.Duration
	tokenTimeout  time.Duration
	maxSecrets    int
	clock         kbucket.Clock
	secrets       []secret // index 0 is the newest
}

// NewTokenAuthority constructs an authority rotating secrets every
// secretTimeout, retaining tokenTimeout worth of history. Both <= 0 default
// to DefaultSecretTimeout/DefaultTokenTimeout; clock nil defaults to
// kbucket.RealClock.
func NewTokenAuthority(secretTimeout, tokenTimeout time.Duration, clock kbucket.Clock) *TokenAuthority {
	if secretTimeout <= 0 {
		secretTimeout = DefaultSecretTimeout
	}
	if tokenTimeout <= 0 {
		tokenTimeout = DefaultTokenTimeout
	}
	if clock == nil {
		clock = kbucket.RealClock
	}
	maxSecrets := int(tokenTimeout / secretTimeout)
	if maxSecrets < 1 {
		maxSecrets = 1
	}
	return &TokenAuthority{
		secretTimeout: secretTimeout,
		tokenTimeout:  tokenTimeout,
		maxSecrets:    maxSecrets,
		clock:         clock,
	}
}

// Generate mints a token for (querierID, targetID, querierEndpoint) using
// the current secret, rotating it first if it has aged past secretTimeout.
func (a *TokenAuthority) Generate(querierID, targetID *big.Int, querierEndpoint dhtid.Endpoint) *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	a.pruneLocked(now)
	if len(a.secrets) == 0 || now.Sub(a.secrets[0].createdAt) >= a.secretTimeout {
		a.rotateLocked(now)
	}
	return hashToken(querierID, targetID, querierEndpoint, a.secrets[0].value)
}

// Verify reports whether token could have been produced by Generate for
// (querierID, targetID, querierEndpoint) under any retained secret.
func (a *TokenAuthority) Verify(querierID, targetID *big.Int, querierEndpoint dhtid.Endpoint, token *big.Int) bool {
	if token == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	a.pruneLocked(now)
	for _, s := range a.secrets {
		if hashToken(querierID, targetID, querierEndpoint, s.value).Cmp(token) == 0 {
			return true
		}
	}
	return false
}

func (a *TokenAuthority) rotateLocked(now time.Time) {
	a.secrets = append([]secret{{value: newSecret(), createdAt: now}}, a.secrets...)
	if len(a.secrets) > a.maxSecrets {
		a.secrets = a.secrets[:a.maxSecrets]
	}
}

func (a *TokenAuthority) pruneLocked(now time.Time) {
	kept := a.secrets[:0]
	for _, s := range a.secrets {
		if now.Sub(s.createdAt) < a.tokenTimeout {
			kept = append(kept, s)
		}
	}
	a.secrets = kept
}

func hashToken(querierID, targetID *big.Int, querierEndpoint dhtid.Endpoint, secretValue []byte) *big.Int {
	h := sha256.New()
	if qb, err := dhtid.Encode(querierID); err == nil {
		h.Write(qb)
	}
	if tb, err := dhtid.Encode(targetID); err == nil {
		h.Write(tb)
	}
	if eb, err := dhtid.EncodeEndpoint(querierEndpoint); err == nil {
		h.Write(eb)
	}
	h.Write(secretValue)
	return new(big.Int).SetBytes(h.Sum(nil))
}

func newSecret() []byte {
	b := make([]byte, sha256.Size)
	_, _ = rand.Read(b)
	return b
}
