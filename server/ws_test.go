package server_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/server"
	"github.com/tradeweave/relay/types"
)

func newWSServer(t *testing.T, w *world) *httptest.Server {
	t.Helper()
	wm := server.NewWebsocketManager(w.router, w.reg, w.env.Book,
		log.NewTestingLogger(t), server.NopMetrics(),
		server.WithPingInterval(50*time.Millisecond))
	srv := httptest.NewServer(http.HandlerFunc(wm.WebsocketHandler))
	t.Cleanup(srv.Close)
	return srv
}

func wsDial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?chainId=1"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return ws
}

func wsSend(t *testing.T, ws *websocket.Conn, op string, args ...interface{}) {
	t.Helper()
	msg, err := types.NewMessage(op, args...)
	require.NoError(t, err)
	require.NoError(t, ws.WriteJSON(msg))
}

func wsRead(t *testing.T, ws *websocket.Conn) *types.Message {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg types.Message
	require.NoError(t, ws.ReadJSON(&msg))
	return &msg
}

func TestWebsocketRoundTrip(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	w := newWorld(t)
	srv := newWSServer(t, w)
	defer srv.Close()

	ws := wsDial(t, srv)
	defer ws.Close()

	wsSend(t, ws, types.OpLogin, 1, "0xmaker")
	assert.Equal(t, types.OpOrders, wsRead(t, ws).Op)
	assert.Equal(t, types.OpFills, wsRead(t, ws).Op)

	wsSend(t, ws, types.OpSubmitOrder, 1, "ETH-USDC", wireOrder("0xmaker", types.Buy))
	ack := wsRead(t, ws)
	require.Equal(t, types.OpUserOrderAck, ack.Op)

	var tuple []interface{}
	require.NoError(t, json.Unmarshal(ack.Args[0], &tuple))
	assert.Equal(t, "o", tuple[len(tuple)-1], "acked order is open")
}

func TestWebsocketMalformedEnvelope(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	w := newWorld(t)
	srv := newWSServer(t, w)
	defer srv.Close()

	ws := wsDial(t, srv)
	defer ws.Close()

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	reply := wsRead(t, ws)
	assert.Equal(t, types.OpError, reply.Op)

	// the connection survives the bad envelope
	wsSend(t, ws, types.OpLogin, 1, "0xmaker")
	assert.Equal(t, types.OpOrders, wsRead(t, ws).Op)
}

func TestWebsocketDisconnectCleansUp(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()

	w := newWorld(t)
	srv := newWSServer(t, w)
	defer srv.Close()

	ws := wsDial(t, srv)
	require.Eventually(t, func() bool { return w.reg.Len() == 1 }, time.Second, 5*time.Millisecond)

	wsSend(t, ws, types.OpIndicateLiq, 1, "ETH-USDC",
		[]types.LiquidityLevel{{Side: types.Sell, Price: 2000, Quantity: 1}})

	require.Eventually(t, func() bool {
		book, err := w.env.Book.Aggregate(context.Background(), 1, "ETH-USDC")
		return err == nil && len(book) == 1
	}, time.Second, 5*time.Millisecond)

	ws.Close()

	require.Eventually(t, func() bool { return w.reg.Len() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		book, err := w.env.Book.Aggregate(context.Background(), 1, "ETH-USDC")
		return err == nil && len(book) == 0
	}, time.Second, 5*time.Millisecond)
}
