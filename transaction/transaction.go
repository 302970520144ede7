// Package transaction implements the transport/transaction engine (spec
// C3): per-call timeout, transaction-id demultiplexing, and the
// routing-table-driven-by-outcome semantics that keep C2 fresh.
package transaction

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/nodedht/mdht/dhtid"
	"github.com/nodedht/mdht/krpc"
)

// DefaultTimeout is RPC_TIMEOUT from spec §4.3.
const DefaultTimeout = 30 * time.Second

// ErrTimeout is the outcome when a transaction's deadline fires before any
// response or error arrives.
var ErrTimeout = errors.New("transaction: timed out")

// ErrClosed is returned by SendQuery once the owning Engine has been closed.
var ErrClosed = errors.New("transaction: engine is closed")

// RemoteError wraps a decoded KRPC error reply (spec §4.1 Error).
type RemoteError struct {
	Code    int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transaction: remote error %d: %s", e.Code, e.Message)
}

// Transaction is the bookkeeping record kept for one outstanding query
// (spec §3): id, query, target endpoint, deadline timer, completion slot,
// and the wall-clock time it was sent.
type Transaction struct {
	ID         uint32
	Query      *krpc.Query
	Endpoint   dhtid.Endpoint
	OriginTime time.Time

	resultCh chan Result
	timer    *clock.Timer
	done     bool
}

// Result is delivered exactly once to a Transaction's completion slot.
type Result struct {
	Response *krpc.Response
	Err      error
}
