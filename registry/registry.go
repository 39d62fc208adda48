// Package registry tracks the live connections hosted by this worker process
// and their subscriptions and identity bindings. Every process holds a
// disjoint registry; cross-process reach happens over the event bus, whose
// subscriber re-derives local recipients from this table.
package registry

import (
	"sync"

	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/types"
)

type userKey struct {
	chainID types.ChainID
	userID  string
}

// Registry is the per-process table of live connections.
type Registry struct {
	logger log.Logger

	mtx     sync.RWMutex
	conns   map[string]*Connection
	byUser  map[userKey]string // last-login-wins routing binding
}

// New creates an empty registry.
func New(logger log.Logger) *Registry {
	return &Registry{
		logger: logger,
		conns:  make(map[string]*Connection),
		byUser: make(map[userKey]string),
	}
}

// Register adds a connection and returns its id.
func (r *Registry) Register(conn *Connection) string {
	r.mtx.Lock()
	r.conns[conn.ID()] = conn
	r.mtx.Unlock()

	r.logger.Debug("connection registered", "conn", conn.ID(), "chain", conn.ChainID())
	return conn.ID()
}

// Deregister removes and closes a connection. Identity bindings pointing at
// it are dropped; a later login re-creates them.
func (r *Registry) Deregister(id string) {
	r.mtx.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
		key := userKey{conn.ChainID(), conn.UserID()}
		if key.userID != "" && r.byUser[key] == id {
			delete(r.byUser, key)
		}
	}
	r.mtx.Unlock()

	if ok {
		conn.Close()
		r.logger.Debug("connection deregistered", "conn", id)
	}
}

// Lookup returns the connection with the given id.
func (r *Registry) Lookup(id string) (*Connection, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	conn, ok := r.conns[id]
	return conn, ok
}

// BindUser binds (chainID, userID) to the connection for routing and moves
// the connection onto the login chain. A second login for the same identity
// rebinds to the new connection without closing the previous socket: last
// login wins for routing, not for liveness. A re-login under a different
// identity releases the connection's previous binding so the old user's
// events no longer land on this socket.
func (r *Registry) BindUser(id string, chainID types.ChainID, userID string) bool {
	r.mtx.Lock()
	defer r.mtx.Unlock()

	conn, ok := r.conns[id]
	if !ok {
		return false
	}
	prev := userKey{conn.ChainID(), conn.UserID()}
	if prev.userID != "" && r.byUser[prev] == id {
		delete(r.byUser, prev)
	}
	conn.bindUser(chainID, userID)
	r.byUser[userKey{chainID, userID}] = id
	return true
}

// LookupByUser returns the connection currently bound to (chainID, userID),
// if it is hosted by this process.
func (r *Registry) LookupByUser(chainID types.ChainID, userID string) (*Connection, bool) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()

	id, ok := r.byUser[userKey{chainID, userID}]
	if !ok {
		return nil, false
	}
	conn, ok := r.conns[id]
	return conn, ok
}

// AddSubscription subscribes the connection to a canonical market key.
func (r *Registry) AddSubscription(id, market string) bool {
	conn, ok := r.Lookup(id)
	if !ok {
		return false
	}
	conn.mtx.Lock()
	conn.markets[market] = struct{}{}
	conn.mtx.Unlock()
	return true
}

// RemoveSubscription drops the connection's subscription to a market key.
func (r *Registry) RemoveSubscription(id, market string) bool {
	conn, ok := r.Lookup(id)
	if !ok {
		return false
	}
	conn.mtx.Lock()
	delete(conn.markets, market)
	conn.mtx.Unlock()
	return true
}

// Len returns the number of live local connections.
func (r *Registry) Len() int {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	return len(r.conns)
}

// All returns a snapshot of every local connection.
func (r *Registry) All() []*Connection {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		out = append(out, conn)
	}
	return out
}

// ByMarket returns the local connections subscribed to a market on a chain.
// The bus subscriber uses this to re-derive recipients for market-scoped
// events without any global socket visibility.
func (r *Registry) ByMarket(chainID types.ChainID, market string) []*Connection {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var out []*Connection
	for _, conn := range r.conns {
		if conn.ChainID() == chainID && conn.Subscribed(market) {
			out = append(out, conn)
		}
	}
	return out
}

// ByChain returns the local connections on a chain.
func (r *Registry) ByChain(chainID types.ChainID) []*Connection {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var out []*Connection
	for _, conn := range r.conns {
		if conn.ChainID() == chainID {
			out = append(out, conn)
		}
	}
	return out
}

// SwapSubscribers returns the local connections whose swap-event scope
// matches the market (either the specific key or the "all" sentinel).
func (r *Registry) SwapSubscribers(chainID types.ChainID, market string) []*Connection {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	var out []*Connection
	for _, conn := range r.conns {
		if conn.ChainID() == chainID && conn.WantsSwapEvents(market) {
			out = append(out, conn)
		}
	}
	return out
}

// SweepStale clears every connection's liveness flag and removes the ones
// that had not refreshed it since the previous sweep. The removed connections
// are returned so the transport can close their sockets. Run once per
// heartbeat cycle, this bounds registry growth from silent disconnects to a
// single cycle.
func (r *Registry) SweepStale() []*Connection {
	var stale []*Connection
	for _, conn := range r.All() {
		if !conn.exchangeAlive() {
			stale = append(stale, conn)
		}
	}
	for _, conn := range stale {
		r.Deregister(conn.ID())
	}
	return stale
}
