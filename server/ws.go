package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/libs/service"
	"github.com/tradeweave/relay/marketdata"
	"github.com/tradeweave/relay/registry"
	"github.com/tradeweave/relay/types"
)

const (
	defaultWSWriteWait    = 10 * time.Second
	defaultWSPingInterval = 30 * time.Second
	defaultWSReadLimit    = int64(1 << 20) // 1MB
)

// WebsocketManager upgrades HTTP requests to persistent client channels. Each
// connection gets a read loop that dispatches envelopes strictly in receipt
// order and a write loop that owns the socket's outbound side; no other
// goroutine ever writes to the socket.
type WebsocketManager struct {
	upgrader websocket.Upgrader
	router   *Router
	reg      *registry.Registry
	book     *marketdata.LiquidityBook
	logger   log.Logger
	metrics  *Metrics

	defaultChain types.ChainID
	writeWait    time.Duration
	pingInterval time.Duration
	readLimit    int64
}

// WSOption configures the WebsocketManager.
type WSOption func(*WebsocketManager)

// WithDefaultChain sets the chain assumed when a client connects without a
// chainId query parameter.
func WithDefaultChain(chainID types.ChainID) WSOption {
	return func(wm *WebsocketManager) { wm.defaultChain = chainID }
}

// WithPingInterval overrides the keepalive ping period.
func WithPingInterval(d time.Duration) WSOption {
	return func(wm *WebsocketManager) {
		if d > 0 {
			wm.pingInterval = d
		}
	}
}

// WithReadLimit overrides the per-message read limit.
func WithReadLimit(n int64) WSOption {
	return func(wm *WebsocketManager) {
		if n > 0 {
			wm.readLimit = n
		}
	}
}

// NewWebsocketManager creates a manager dispatching through the router.
func NewWebsocketManager(router *Router, reg *registry.Registry, book *marketdata.LiquidityBook, logger log.Logger, metrics *Metrics, opts ...WSOption) *WebsocketManager {
	wm := &WebsocketManager{
		upgrader: websocket.Upgrader{
			// Origin checks are the proxy's concern; the relay itself
			// accepts any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		router:       router,
		reg:          reg,
		book:         book,
		logger:       logger,
		metrics:      metrics,
		defaultChain: 1,
		writeWait:    defaultWSWriteWait,
		pingInterval: defaultWSPingInterval,
		readLimit:    defaultWSReadLimit,
	}
	for _, opt := range opts {
		opt(wm)
	}
	return wm
}

// WebsocketHandler upgrades the request and serves the connection until it
// drops. On exit the connection is deregistered and its liquidity entries
// removed.
func (wm *WebsocketManager) WebsocketHandler(w http.ResponseWriter, r *http.Request) {
	chainID := wm.defaultChain
	if raw := r.URL.Query().Get("chainId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "bad chainId", http.StatusBadRequest)
			return
		}
		chainID = types.ChainID(id)
	}

	ws, err := wm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wm.logger.Error("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	conn := registry.NewConnection(chainID)
	wm.reg.Register(conn)
	wm.metrics.Connections.Add(1)
	wm.logger.Info("client connected", "conn", conn.ID(), "chain", chainID, "remote", r.RemoteAddr)

	go wm.writeRoutine(ws, conn)
	wm.readRoutine(r.Context(), ws, conn, r.RemoteAddr)

	wm.reg.Deregister(conn.ID())
	wm.book.DropConnection(context.Background(), chainID, conn.ID())
	wm.metrics.Connections.Add(-1)
	wm.logger.Info("client disconnected", "conn", conn.ID(), "remote", r.RemoteAddr)
}

// readRoutine dispatches inbound envelopes one at a time, preserving receipt
// order per connection.
func (wm *WebsocketManager) readRoutine(ctx context.Context, ws *websocket.Conn, conn *registry.Connection, remoteAddr string) {
	ws.SetReadLimit(wm.readLimit)
	ws.SetPongHandler(func(string) error {
		conn.TouchAlive()
		return nil
	})

	caller := &Caller{Conn: conn, RemoteAddr: remoteAddr}
	for {
		select {
		case <-conn.Closed():
			return
		default:
		}

		_, raw, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wm.logger.Debug("websocket read failed", "conn", conn.ID(), "err", err)
			}
			conn.Close()
			return
		}
		conn.TouchAlive()

		var msg types.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			conn.Send(types.ErrorMessage(types.Validationf("malformed envelope: %v", err)))
			continue
		}
		for _, reply := range wm.router.Dispatch(ctx, caller, &msg) {
			conn.Send(reply)
		}
	}
}

// writeRoutine owns the socket's outbound side: queued replies and
// broadcasts, plus keepalive pings.
func (wm *WebsocketManager) writeRoutine(ws *websocket.Conn, conn *registry.Connection) {
	ticker := time.NewTicker(wm.pingInterval)
	defer func() {
		ticker.Stop()
		conn.Close()
		ws.Close()
	}()

	for {
		select {
		case msg := <-conn.Outbound():
			ws.SetWriteDeadline(time.Now().Add(wm.writeWait))
			if err := ws.WriteJSON(msg); err != nil {
				wm.logger.Debug("websocket write failed", "conn", conn.ID(), "err", err)
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(wm.writeWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-conn.Closed():
			return
		}
	}
}

// Sweeper periodically deregisters connections that stopped answering pings
// and clears the liquidity they indicated.
type Sweeper struct {
	service.BaseService

	reg      *registry.Registry
	book     *marketdata.LiquidityBook
	interval time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper over the process's registry.
func NewSweeper(reg *registry.Registry, book *marketdata.LiquidityBook, interval time.Duration, logger log.Logger) *Sweeper {
	s := &Sweeper{
		reg:      reg,
		book:     book,
		interval: interval,
		done:     make(chan struct{}),
	}
	s.BaseService = *service.NewBaseService(logger, "Sweeper", s)
	return s
}

func (s *Sweeper) OnStart(context.Context) error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.loop(ctx)
	return nil
}

func (s *Sweeper) OnStop() {
	s.cancel()
	<-s.done
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, conn := range s.reg.SweepStale() {
				s.Logger().Info("sweeping stale connection", "conn", conn.ID(), "chain", conn.ChainID())
				s.book.DropConnection(ctx, conn.ChainID(), conn.ID())
			}
		case <-ctx.Done():
			return
		}
	}
}
