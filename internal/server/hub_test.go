package server

import (
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/types"
)

func TestNewHub(t *testing.T) {
	hub := NewHub(zap.NewNop())
	defer hub.Stop()

	assert.NotNil(t, hub.clients)
	assert.NotNil(t, hub.register)
	assert.NotNil(t, hub.unregister)
	assert.Equal(t, 0, hub.Clients())

	// Broadcasting with no clients is a no-op
	hub.Broadcast(api.StatusUpdate{ServerID: "us-east"})
}

func TestHub_RawClientReceivesJSON(t *testing.T) {
	h := newHarness(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+api.DemoAdminToken)
	conn, resp, err := websocket.DefaultDialer.Dial(h.streamURL(), header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	require.Eventually(t, func() bool { return h.srv.Hub().Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.store.SetServerStatus("us-west", types.ServerOnline, 77))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var update api.StatusUpdate
	require.NoError(t, json.Unmarshal(data, &update))
	assert.Equal(t, "us-west", update.ServerID)
	assert.Equal(t, 77, update.Load)

	conn.Close()
	assert.Eventually(t, func() bool { return h.srv.Hub().Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_RejectsMissingToken(t *testing.T) {
	h := newHarness(t)

	_, resp, err := websocket.DefaultDialer.Dial(h.streamURL(), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
