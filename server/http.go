package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/libs/service"
	"github.com/tradeweave/relay/types"
)

// oneShotOps is the fixed allow-list of operations servable over a single
// request/response call. Everything else requires the persistent channel.
var oneShotOps = map[string]struct{}{
	types.OpSubmitOrder:     {},
	types.OpSubmitOrder2:    {},
	types.OpSubmitOrder3:    {},
	types.OpCancelOrder:     {},
	types.OpCancelOrder2:    {},
	types.OpCancelOrder3:    {},
	types.OpRequestQuote:    {},
	types.OpIndicateLiq:     {},
	types.OpMarketsReq:      {},
	types.OpOrderReceiptReq: {},
	types.OpFillReceiptReq:  {},
	types.OpDailyVolumeReq:  {},
}

const httpRequestTimeout = 15 * time.Second

// HTTPServer serves the websocket endpoint, the one-shot envelope path and
// the metrics endpoint on one listener.
type HTTPServer struct {
	service.BaseService

	addr   string
	router *Router
	ws     *WebsocketManager
	srv    *http.Server

	listener net.Listener
}

// CORSConfig carries the allowed cross-origin surface.
type CORSConfig struct {
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
}

// NewHTTPServer creates the server. Start binds the listener.
func NewHTTPServer(addr string, router *Router, ws *WebsocketManager, corsCfg CORSConfig, logger log.Logger) *HTTPServer {
	s := &HTTPServer{
		addr:   addr,
		router: router,
		ws:     ws,
	}
	s.BaseService = *service.NewBaseService(logger, "HTTPServer", s)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.ServeOneShot)
	mux.HandleFunc("/websocket", ws.WebsocketHandler)
	mux.Handle("/metrics", promhttp.Handler())

	var handler http.Handler = mux
	if len(corsCfg.AllowedOrigins) > 0 {
		handler = cors.New(cors.Options{
			AllowedOrigins: corsCfg.AllowedOrigins,
			AllowedMethods: corsCfg.AllowedMethods,
			AllowedHeaders: corsCfg.AllowedHeaders,
		}).Handler(handler)
	}
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.recoverAndLog(handler),
	}
	return s
}

// Addr returns the bound listener address, useful when the configured port
// was 0.
func (s *HTTPServer) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

func (s *HTTPServer) OnStart(context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.Logger().Info("serving", "addr", ln.Addr().String())

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.Logger().Error("http server terminated", "err", err)
		}
	}()
	return nil
}

func (s *HTTPServer) OnStop() {
	if err := s.srv.Close(); err != nil {
		s.Logger().Error("closing http server", "err", err)
	}
}

// ServeOneShot serves one envelope per request through the same handler
// table as the websocket path, with no connection bound to the caller.
func (s *HTTPServer) ServeOneShot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var msg types.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeReplies(w, http.StatusBadRequest, types.ErrorMessage(
			types.Validationf("malformed envelope: %v", err)))
		return
	}
	if _, ok := oneShotOps[msg.Op]; !ok {
		writeReplies(w, http.StatusBadRequest, types.ErrorMessage(
			types.WithOp(msg.Op, types.Validationf("op %q is not servable over http", msg.Op))))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), httpRequestTimeout)
	defer cancel()

	caller := &Caller{RemoteAddr: r.RemoteAddr}
	replies := s.router.Dispatch(ctx, caller, &msg)
	writeReplies(w, http.StatusOK, replies...)
}

// writeReplies encodes a single reply as an object and several as an array.
func writeReplies(w http.ResponseWriter, status int, replies ...*types.Message) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	switch len(replies) {
	case 0:
		_ = enc.Encode(struct{}{})
	case 1:
		_ = enc.Encode(replies[0])
	default:
		_ = enc.Encode(replies)
	}
}

// recoverAndLog confines a handler panic to its request.
func (s *HTTPServer) recoverAndLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.Logger().Error("panic serving request",
					"path", r.URL.Path, "panic", rec, "stack", string(debug.Stack()))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}
