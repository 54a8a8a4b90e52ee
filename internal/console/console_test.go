package console

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/config"
	"vpnconsole-go/internal/session"
	"vpnconsole-go/internal/types"
)

func demoConfig(t *testing.T, token string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DataDir = t.TempDir()
	cfg.Demo = true
	cfg.SessionToken = token
	cfg.Logging.EnableConsole = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestOpen_DemoAdmin(t *testing.T) {
	ctx := context.Background()
	c, err := Open(ctx, demoConfig(t, api.DemoAdminToken), zap.NewNop())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, api.DemoAdminID, c.User.ID)
	assert.True(t, c.User.IsAdmin())
	require.NotNil(t, c.Storage)

	require.NoError(t, c.Start(ctx))
	assert.Equal(t, 6, c.Registry.Len())
	state, _ := c.Session.State()
	assert.Equal(t, session.Disconnected, state)
}

func TestOpen_DemoWithoutTokenIsRegularUser(t *testing.T) {
	c, err := Open(context.Background(), demoConfig(t, ""), zap.NewNop(), WithoutCache())
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, api.DemoUserID, c.User.ID)
	assert.Nil(t, c.Storage)

	err = c.Admin.RefreshUsers(context.Background())
	assert.ErrorIs(t, err, types.ErrForbidden)
}

func TestOpen_UnknownDemoTokenIsUnauthenticated(t *testing.T) {
	_, err := Open(context.Background(), demoConfig(t, "stolen"), zap.NewNop(), WithoutCache())
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestOpen_HTTPBackendUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"detail":"Not authenticated"}`))
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.APIBaseURL = srv.URL
	cfg.DataDir = t.TempDir()
	cfg.Logging.LogDir = t.TempDir()
	require.NoError(t, cfg.Validate())

	_, err := Open(context.Background(), cfg, zap.NewNop(), WithoutCache())
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestConsole_ConnectFlowSharesState(t *testing.T) {
	ctx := context.Background()
	store := api.NewMemoryStore()
	c, err := Open(ctx, demoConfig(t, api.DemoUserToken), zap.NewNop(), WithMemoryStore(store))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(ctx))

	_, err = c.Session.Connect(ctx, "us-east")
	require.NoError(t, err)
	assert.Len(t, store.ActiveConnections(api.DemoUserID), 1)

	_, err = c.Session.Disconnect(ctx)
	require.NoError(t, err)

	require.NoError(t, c.History.Refresh(ctx))
	recs := c.History.Records()
	require.Len(t, recs, 1)
	assert.Equal(t, "us-east", recs[0].ServerID)
	assert.False(t, recs[0].IsActive())
}

func TestConsole_StartRestoresActiveSession(t *testing.T) {
	ctx := context.Background()
	store := api.NewMemoryStore()
	_, err := store.As(api.DemoUserID).Connect(ctx, "de-berlin")
	require.NoError(t, err)

	c, err := Open(ctx, demoConfig(t, api.DemoUserToken), zap.NewNop(), WithMemoryStore(store))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(ctx))

	state, serverID := c.Session.State()
	assert.Equal(t, session.Connected, state)
	assert.Equal(t, "de-berlin", serverID)
	assert.Equal(t, "de-berlin", c.Session.Current().ServerID)
}

func TestConsole_StartReportsRefreshFailure(t *testing.T) {
	ctx := context.Background()
	store := api.NewMemoryStore()
	c, err := Open(ctx, demoConfig(t, api.DemoUserToken), zap.NewNop(), WithMemoryStore(store))
	require.NoError(t, err)
	defer c.Close()

	store.FailNext("list_servers", types.NewError(types.KindUpstreamUnavailable, "boom"))
	err = c.Start(ctx)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.Equal(t, 0, c.Registry.Len())
}

func TestConsole_WatchAppliesDemoUpdates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := api.NewMemoryStore()
	c, err := Open(ctx, demoConfig(t, api.DemoUserToken), zap.NewNop(), WithMemoryStore(store))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Start(ctx))

	done := make(chan error, 1)
	go func() { done <- c.Watch(ctx) }()

	assert.Eventually(t, func() bool {
		_ = store.SetServerStatus("us-east", types.ServerMaintenance, 10)
		srv, err := c.Registry.Get("us-east")
		return err == nil && srv.Status == types.ServerMaintenance
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}

	// The store outlives this console; later changes must not reach its registry
	require.NoError(t, store.SetServerStatus("us-east", types.ServerOffline, 0))
	srv, err := c.Registry.Get("us-east")
	require.NoError(t, err)
	assert.Equal(t, types.ServerMaintenance, srv.Status)
}
