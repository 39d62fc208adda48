package node_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeweave/relay/config"
	"github.com/tradeweave/relay/libs/log"
	"github.com/tradeweave/relay/node"
	"github.com/tradeweave/relay/types"
)

func TestNodeStartStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 5*time.Second)()
	defer http.DefaultClient.CloseIdleConnections()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n, err := node.New(ctx, config.TestConfig(), log.NewTestingLogger(t))
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	defer n.Wait()
	defer cancel()

	req, err := types.NewMessage(types.OpMarketsReq, 1)
	require.NoError(t, err)
	body, err := json.Marshal(req)
	require.NoError(t, err)
	resp, err := http.Post(fmt.Sprintf("http://%s/", n.Addr()), "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var reply types.Message
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&reply))
	assert.Equal(t, types.OpMarkets, reply.Op)
}

func TestNodeRejectsInvalidConfig(t *testing.T) {
	cfg := config.TestConfig()
	cfg.Lock.TTL = 0
	_, err := node.New(context.Background(), cfg, log.NewNopLogger())
	require.Error(t, err)

	cfg = config.TestConfig()
	cfg.Market.Markets = nil
	_, err = node.New(context.Background(), cfg, log.NewNopLogger())
	require.Error(t, err)

	cfg = config.TestConfig()
	cfg.Server.ListenAddress = "unix:///tmp/relay.sock"
	_, err = node.New(context.Background(), cfg, log.NewNopLogger())
	require.Error(t, err)

	// the websocket default chain must have configured markets
	cfg = config.TestConfig()
	cfg.Websocket.DefaultChain = 999
	_, err = node.New(context.Background(), cfg, log.NewNopLogger())
	require.Error(t, err)
}
