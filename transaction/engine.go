package transaction

import (
	"context"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log"
	"go.uber.org/atomic"

	"github.com/nodedht/mdht/dhtid"
	"github.com/nodedht/mdht/kbucket"
	"github.com/nodedht/mdht/krpc"
	"github.com/nodedht/mdht/transport"
)

var log = logging.Logger("transaction")

// QueryHandler is the responder hook (C4a): inbound Queries are handed off
// here rather than being processed by the engine itself.
type QueryHandler interface {
	HandleQuery(q *krpc.Query, from dhtid.Endpoint)
}

// Engine owns the socket, the live transaction table, and the
// routing-table-outcome wiring described in spec §4.3. One Engine serves
// one local identity.
type Engine struct {
	selfID  *big.Int
	conn    transport.Conn
	clock   clock.Clock
	rt      *kbucket.RoutingTable
	timeout time.Duration
	handler QueryHandler

	mu           sync.Mutex
	transactions map[uint32]*Transaction
	closed       bool

	rngMu sync.Mutex
	rng   *rand.Rand

	totalSent *atomic.Uint64
}

// NewEngine constructs an Engine. timeout <= 0 defaults to DefaultTimeout;
// clk nil defaults to the real clock.
func NewEngine(selfID *big.Int, conn transport.Conn, rt *kbucket.RoutingTable, clk clock.Clock, timeout time.Duration, handler QueryHandler) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		selfID:       new(big.Int).Set(selfID),
		conn:         conn,
		clock:        clk,
		rt:           rt,
		timeout:      timeout,
		handler:      handler,
		transactions: make(map[uint32]*Transaction),
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		totalSent:    atomic.NewUint64(0),
	}
}

// SendQuery implements spec §4.3 send_query: it stamps the query with the
// local id and a fresh transaction id, transmits it, arms a deadline, and
// blocks until the transaction completes (response, remote error, timeout)
// or ctx is cancelled.
func (e *Engine) SendQuery(ctx context.Context, q *krpc.Query, to dhtid.Endpoint) (*krpc.Response, error) {
	q.From = e.selfID

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	tid := e.allocateTransactionID()
	q.TransactionID = tid

	encoded, err := krpc.Encode(q)
	if err != nil {
		e.mu.Unlock()
		return nil, err
	}

	tx := &Transaction{
		ID:         tid,
		Query:      q,
		Endpoint:   to,
		OriginTime: e.clock.Now(),
		resultCh:   make(chan Result, 1),
	}
	e.transactions[tid] = tx
	tx.timer = e.clock.AfterFunc(e.timeout, func() {
		e.completeTimeout(tid)
	})
	e.mu.Unlock()
	recordTransactionOpened()
	e.totalSent.Inc()

	if werr := e.conn.WriteTo(encoded, to); werr != nil {
		log.Debugf("write failed to %s: %v", to, werr)
	}

	select {
	case res := <-tx.resultCh:
		return res.Response, res.Err
	case <-ctx.Done():
		e.cancel(tid)
		return nil, ctx.Err()
	}
}

// allocateTransactionID draws a uint32 uniformly at random until one not
// currently live is found (spec §4.3). Caller must hold e.mu.
func (e *Engine) allocateTransactionID() uint32 {
	e.rngMu.Lock()
	defer e.rngMu.Unlock()
	for {
		tid := e.rng.Uint32()
		if _, inUse := e.transactions[tid]; !inUse {
			return tid
		}
	}
}

// Serve reads inbound datagrams until the Conn is closed or ctx is done.
func (e *Engine) Serve(ctx context.Context) error {
	buf := make([]byte, 8192)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, from, err := e.conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		e.handleDatagram(append([]byte(nil), buf[:n]...), from)
	}
}

func (e *Engine) handleDatagram(data []byte, from dhtid.Endpoint) {
	msg, err := krpc.Decode(data)
	if err != nil {
		log.Debugf("dropping malformed datagram from %s: %v", from, err)
		return
	}
	switch m := msg.(type) {
	case *krpc.Query:
		if e.handler != nil {
			e.handler.HandleQuery(m, from)
		}
	case *krpc.Response:
		e.completeSuccess(m, from)
	case *krpc.Error:
		e.completeRemoteError(m, from)
	}
}

// takeTransaction removes and returns the transaction for tid if it is
// still live, stopping its deadline timer exactly once.
func (e *Engine) takeTransaction(tid uint32) *Transaction {
	e.mu.Lock()
	defer e.mu.Unlock()
	tx, ok := e.transactions[tid]
	if !ok || tx.done {
		return nil
	}
	tx.done = true
	delete(e.transactions, tid)
	if tx.timer != nil {
		tx.timer.Stop()
	}
	recordTransactionClosed()
	return tx
}

func (e *Engine) completeSuccess(resp *krpc.Response, from dhtid.Endpoint) {
	tx := e.takeTransaction(resp.TransactionID)
	if tx == nil {
		log.Debugf("dropping orphan response from %s", from)
		return
	}
	e.recordSuccess(resp, from, tx.OriginTime)
	tx.resultCh <- Result{Response: resp}
}

func (e *Engine) completeRemoteError(kerr *krpc.Error, from dhtid.Endpoint) {
	tx := e.takeTransaction(kerr.TransactionID)
	if tx == nil {
		log.Debugf("dropping orphan error from %s", from)
		return
	}
	e.recordFailure(from, tx.OriginTime)
	tx.resultCh <- Result{Err: &RemoteError{Code: kerr.Code, Message: kerr.Message}}
}

func (e *Engine) completeTimeout(tid uint32) {
	tx := e.takeTransaction(tid)
	if tx == nil {
		return
	}
	e.recordTimeout(tx.Endpoint)
	tx.resultCh <- Result{Err: ErrTimeout}
}

func (e *Engine) cancel(tid uint32) {
	e.takeTransaction(tid)
}

// recordSuccess implements spec §4.3's "successful response" routing-table
// effect: fetch-or-construct the Node, record the query, offer it.
func (e *Engine) recordSuccess(resp *krpc.Response, from dhtid.Endpoint, originTime time.Time) {
	if e.rt == nil || resp.From == nil {
		return
	}
	n := e.rt.GetNode(resp.From)
	if n == nil {
		n = kbucket.NewNode(resp.From, from, e.clock)
	}
	n.SuccessfulQuery(originTime)
	e.rt.OfferNode(n)
}

// recordTimeout implements the "not fresh -> evict, fresh -> retain"
// eviction policy for every node sharing the timed-out endpoint.
func (e *Engine) recordTimeout(ep dhtid.Endpoint) {
	if e.rt == nil {
		return
	}
	for _, n := range e.rt.GetByEndpoint(ep) {
		if !n.Fresh(kbucket.NodeTimeout) {
			e.rt.RemoveNode(n.ID)
		}
	}
}

// recordFailure implements the remote-error routing-table effect: every
// node at the endpoint has a failed query recorded against it.
func (e *Engine) recordFailure(ep dhtid.Endpoint, originTime time.Time) {
	if e.rt == nil {
		return
	}
	for _, n := range e.rt.GetByEndpoint(ep) {
		n.FailedQuery(originTime)
	}
}

// Close shuts down the underlying Conn and fails every outstanding
// transaction with ErrClosed.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.closed = true
	pending := make([]*Transaction, 0, len(e.transactions))
	for tid, tx := range e.transactions {
		tx.done = true
		if tx.timer != nil {
			tx.timer.Stop()
		}
		pending = append(pending, tx)
		delete(e.transactions, tid)
		recordTransactionClosed()
	}
	e.mu.Unlock()

	for _, tx := range pending {
		tx.resultCh <- Result{Err: ErrClosed}
	}
	return e.conn.Close()
}

// PendingCount returns the number of outstanding transactions, for tests
// and introspection.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.transactions)
}

// TotalSent returns the lifetime count of queries sent through SendQuery,
// tracked independently of the live transaction table so it survives past
// completion for Stats-style introspection.
func (e *Engine) TotalSent() uint64 {
	return e.totalSent.Load()
}

// SetHandler installs the responder that will receive inbound Queries.
// Exists so a Responder can be constructed after the Engine it replies
// through, since the two depend on each other.
func (e *Engine) SetHandler(h QueryHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = h
}

// Reply encodes and sends an unsolicited Response datagram, used by a
// QueryHandler to answer an inbound Query (spec §4.4).
func (e *Engine) Reply(resp *krpc.Response, to dhtid.Endpoint) error {
	b, err := krpc.Encode(resp)
	if err != nil {
		return err
	}
	return e.conn.WriteTo(b, to)
}

// ReplyError encodes and sends a KRPC Error datagram.
func (e *Engine) ReplyError(kerr *krpc.Error, to dhtid.Endpoint) error {
	b, err := krpc.Encode(kerr)
	if err != nil {
		return err
	}
	return e.conn.WriteTo(b, to)
}
