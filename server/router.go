// Package server carries client traffic: the operation router, the
// persistent websocket channel, the one-shot HTTP path that reuses the same
// handlers, and the bus subscriber that fans cluster events out to the
// connections this process owns.
package server

import (
	"context"
	"encoding/json"
	"runtime/debug"

	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/registry"
	"github.com/tradeweave/relay/types"
)

// Caller identifies the origin of a dispatched operation. Conn is nil when
// the operation arrived over the one-shot HTTP path; handlers that need a
// logged-in identity or a subscription target must tolerate that.
type Caller struct {
	Conn       *registry.Connection
	RemoteAddr string
}

// UserID returns the caller's logged-in identity, or "" for anonymous and
// one-shot callers.
func (c *Caller) UserID() string {
	if c == nil || c.Conn == nil {
		return ""
	}
	return c.Conn.UserID()
}

// ConnID returns a stable identifier for the caller, falling back to the
// remote address for one-shot callers so their liquidity entries still key
// consistently.
func (c *Caller) ConnID() string {
	if c != nil && c.Conn != nil {
		return c.Conn.ID()
	}
	if c != nil && c.RemoteAddr != "" {
		return "http:" + c.RemoteAddr
	}
	return "http:unknown"
}

// HandlerFunc serves one operation. The returned messages are sent back to
// the origin in order; broadcast effects flow through the bus instead.
type HandlerFunc func(ctx context.Context, caller *Caller, args []json.RawMessage) ([]*types.Message, error)

// Router dispatches inbound envelopes over a closed handler table. A
// handler's panic or error is confined to the origin: it becomes an error
// reply naming the op and never disturbs another connection.
type Router struct {
	handlers map[string]HandlerFunc
	logger   log.Logger
	metrics  *Metrics
}

// NewRouter creates a router over a fixed handler table.
func NewRouter(handlers map[string]HandlerFunc, logger log.Logger, metrics *Metrics) *Router {
	return &Router{
		handlers: handlers,
		logger:   logger,
		metrics:  metrics,
	}
}

// Handles reports whether the op is in the table.
func (r *Router) Handles(op string) bool {
	_, ok := r.handlers[op]
	return ok
}

// Dispatch routes one envelope and returns the replies for the origin.
func (r *Router) Dispatch(ctx context.Context, caller *Caller, msg *types.Message) []*types.Message {
	r.metrics.OpsDispatched.With("op", msg.Op).Add(1)

	handler, ok := r.handlers[msg.Op]
	if !ok {
		r.logger.Debug("unknown op", "op", msg.Op, "remote", caller.RemoteAddr)
		r.metrics.OpErrors.With("op", msg.Op, "kind", "validation").Add(1)
		return []*types.Message{types.ErrorMessage(
			types.WithOp(msg.Op, types.Validationf("unknown op %q", msg.Op)))}
	}

	// indicateliq2 arrives continuously from every market maker and would
	// drown the debug log.
	if msg.Op != types.OpIndicateLiq {
		r.logger.Debug("dispatching", "op", msg.Op, "remote", caller.RemoteAddr)
	}

	replies, err := r.dispatch(ctx, handler, caller, msg)
	if err != nil {
		err = types.WithOp(msg.Op, err)
		r.metrics.OpErrors.With("op", msg.Op, "kind", types.KindOf(err).String()).Add(1)
		if types.KindOf(err) == types.KindUpstream {
			r.logger.Error("op failed", "op", msg.Op, "err", err)
		}
		replies = append(replies, types.ErrorMessage(err))
	}
	return replies
}

func (r *Router) dispatch(ctx context.Context, handler HandlerFunc, caller *Caller, msg *types.Message) (replies []*types.Message, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in op handler",
				"op", msg.Op, "panic", rec, "stack", string(debug.Stack()))
			replies = nil
			err = types.Upstreamf(nil, "internal error serving %s", msg.Op)
		}
	}()
	return handler(ctx, caller, msg.Args)
}
