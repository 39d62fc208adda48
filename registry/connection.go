package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tradeweave/relay/types"
)

// sendQueueSize bounds the per-connection outbound buffer. A consistently
// full queue means the client is not reading; the write loop kills the
// connection after maxFailedSends consecutive drops.
const (
	sendQueueSize  = 64
	maxFailedSends = 10
)

// Connection is the per-process record of one live client channel. It is
// exclusively owned by the Registry of the hosting process and destroyed on
// close or a missed heartbeat.
type Connection struct {
	id        string
	createdAt time.Time

	mtx       sync.RWMutex
	chainID   types.ChainID
	userID    string
	markets   map[string]struct{}
	swapScope string // "", a canonical market key, or types.AllMarkets

	alive       uint32 // atomic; reset by the heartbeat sweeper, set on pong
	failedSends uint32 // atomic

	sendCh    chan *types.Message
	closeOnce sync.Once
	closed    chan struct{}
}

// NewConnection allocates a connection record for a freshly accepted channel.
func NewConnection(chainID types.ChainID) *Connection {
	c := &Connection{
		id:        uuid.NewString(),
		chainID:   chainID,
		createdAt: time.Now(),
		markets:   make(map[string]struct{}),
		sendCh:    make(chan *types.Message, sendQueueSize),
		closed:    make(chan struct{}),
	}
	atomic.StoreUint32(&c.alive, 1)
	return c
}

// ID returns the connection's opaque unique token.
func (c *Connection) ID() string { return c.id }

// ChainID returns the chain the connection declared at open, or the chain
// of its most recent login.
func (c *Connection) ChainID() types.ChainID {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.chainID
}

// CreatedAt returns the connection's creation time.
func (c *Connection) CreatedAt() time.Time { return c.createdAt }

// UserID returns the bound identity, or "" when not logged in.
func (c *Connection) UserID() string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.userID
}

func (c *Connection) bindUser(chainID types.ChainID, userID string) {
	c.mtx.Lock()
	c.chainID = chainID
	c.userID = userID
	c.mtx.Unlock()
}

// Subscribed reports whether the connection follows the given market.
func (c *Connection) Subscribed(market string) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	_, ok := c.markets[market]
	return ok
}

// Markets returns a snapshot of the subscribed market keys.
func (c *Connection) Markets() []string {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	out := make([]string, 0, len(c.markets))
	for m := range c.markets {
		out = append(out, m)
	}
	return out
}

// SetSwapScope sets the swap-event subscription: a specific market key,
// types.AllMarkets, or "" to clear it.
func (c *Connection) SetSwapScope(scope string) {
	c.mtx.Lock()
	c.swapScope = scope
	c.mtx.Unlock()
}

// WantsSwapEvents reports whether swap events for the market should be
// delivered to this connection.
func (c *Connection) WantsSwapEvents(market string) bool {
	c.mtx.RLock()
	defer c.mtx.RUnlock()
	return c.swapScope == types.AllMarkets || (c.swapScope != "" && c.swapScope == market)
}

// Send enqueues an outbound message without blocking. It reports false when
// the connection is closed or its queue has overflowed too many times in a
// row, in which case the caller should drop the connection.
func (c *Connection) Send(msg *types.Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	select {
	case c.sendCh <- msg:
		atomic.StoreUint32(&c.failedSends, 0)
		return true
	default:
		return atomic.AddUint32(&c.failedSends, 1) <= maxFailedSends
	}
}

// Outbound is drained by the hosting transport's write loop.
func (c *Connection) Outbound() <-chan *types.Message { return c.sendCh }

// Close marks the connection dead. Idempotent.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Closed returns a channel closed when the connection is dead.
func (c *Connection) Closed() <-chan struct{} { return c.closed }

// TouchAlive records a heartbeat response.
func (c *Connection) TouchAlive() { atomic.StoreUint32(&c.alive, 1) }

// exchangeAlive clears the liveness flag, returning its previous state. The
// sweeper uses this so a connection that misses a full cycle reads as dead.
func (c *Connection) exchangeAlive() bool {
	return atomic.SwapUint32(&c.alive, 0) == 1
}
