package dht

import (
	"time"

	"github.com/nodedht/mdht/kbucket"
	"github.com/nodedht/mdht/transaction"
)

// Config aggregates the tunable constants from spec §5 into a single value
// so a Server can be built with either the production defaults or values
// substituted for tests.
type Config struct {
	K int

	RPCTimeout        time.Duration
	NodeTimeout       time.Duration
	QueryTimeout      time.Duration
	QuarantineTimeout time.Duration
	PeerTimeout       time.Duration
	SecretTimeout     time.Duration
	TokenTimeout      time.Duration

	SplitPolicy kbucket.SplitPolicy
}

// DefaultConfig returns the constants named in spec §5.
func DefaultConfig() Config {
	return Config{
		K:                 kbucket.DefaultK,
		RPCTimeout:        transaction.DefaultTimeout,
		NodeTimeout:       kbucket.NodeTimeout,
		QueryTimeout:      60 * time.Second,
		QuarantineTimeout: 180 * time.Second,
		PeerTimeout:       DefaultPeerTimeout,
		SecretTimeout:     DefaultSecretTimeout,
		TokenTimeout:      DefaultTokenTimeout,
		SplitPolicy:       kbucket.BasicSplitPolicy{},
	}
}
