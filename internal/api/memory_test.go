package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vpnconsole-go/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryStore_SampleInventory(t *testing.T) {
	store := NewMemoryStore()
	servers, err := store.As(DemoUserID).ListServers(context.Background())
	require.NoError(t, err)
	require.Len(t, servers, 6)

	var maintenance int
	for _, s := range servers {
		if s.Status == types.ServerMaintenance {
			maintenance++
			assert.Equal(t, "Japan (Tokyo)", s.Name)
		}
	}
	assert.Equal(t, 1, maintenance)
}

func TestMemoryBackend_UnknownUserIsUnauthenticated(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.As("ghost").ListServers(context.Background())
	assert.ErrorIs(t, err, types.ErrUnauthenticated)
}

func TestMemoryBackend_ConnectRules(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithClock(clock.Now))
	b := store.As(DemoUserID)

	_, err := b.Connect(ctx, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = b.Connect(ctx, "jp-tokyo")
	assert.ErrorIs(t, err, types.ErrValidation)

	first, err := b.Connect(ctx, "uk-london")
	require.NoError(t, err)
	assert.Equal(t, "UK (London)", first.ServerName)
	assert.Equal(t, "United Kingdom", first.ServerCountry)

	clock.Advance(90 * time.Second)
	second, err := b.Connect(ctx, "sg")
	require.NoError(t, err)

	active := store.ActiveConnections(DemoUserID)
	require.Len(t, active, 1, "connecting closes the previous active connection")
	assert.Equal(t, second.ID, active[0].ID)

	history, err := b.History(ctx)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, first.ID, history[1].ID)
	assert.Equal(t, int64(90), history[1].DurationSeconds())
}

func TestMemoryBackend_Disconnect(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithClock(clock.Now))
	b := store.As(DemoUserID)

	_, err := b.Disconnect(ctx)
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = b.Connect(ctx, "us-east")
	require.NoError(t, err)
	clock.Advance(time.Hour)

	closed, err := b.Disconnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.ConnectionDisconnected, closed.Status)
	assert.Equal(t, int64(3600), closed.DurationSeconds())

	current, err := b.ActiveConnection(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
}

func TestMemoryBackend_AdminOnly(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	user := store.As(DemoUserID)

	_, err := user.ListUsers(ctx)
	assert.ErrorIs(t, err, types.ErrForbidden)
	_, err = user.CreateServer(ctx, types.ServerFields{Name: "x"})
	assert.ErrorIs(t, err, types.ErrForbidden)
	assert.ErrorIs(t, user.DeleteServer(ctx, "sg"), types.ErrForbidden)
}

func TestMemoryBackend_CreateDefaultsToOffline(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	admin := store.As(DemoAdminID)

	id, err := admin.CreateServer(ctx, types.ServerFields{Name: "Paris", Country: "France", City: "Paris", IPAddress: "198.51.100.70", MaxConnections: 300})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	servers, err := admin.ListServers(ctx)
	require.NoError(t, err)
	var found *types.Server
	for _, s := range servers {
		if s.ID == id {
			found = s
		}
	}
	require.NotNil(t, found)
	assert.Equal(t, types.ServerOffline, found.Status)
	assert.Equal(t, 300, found.MaxConnections)
}

func TestMemoryBackend_AdminStats(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)}
	store := NewMemoryStore(WithClock(clock.Now))
	store.AddConnection(&types.Connection{ID: "old", UserID: DemoUserID, ServerID: "sg",
		ConnectedAt: clock.Now().Add(-10 * 24 * time.Hour), Status: types.ConnectionDisconnected})
	_, err := store.As(DemoUserID).Connect(ctx, "sg")
	require.NoError(t, err)

	stats, err := store.As(DemoAdminID).AdminStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.TotalUsers)
	assert.Equal(t, 6, stats.TotalServers)
	assert.Equal(t, 5, stats.OnlineServers)
	assert.Equal(t, 1, stats.ActiveConnections)
	assert.Equal(t, 1, stats.RecentConnections)
}

func TestMemoryStore_FaultInjectionAndCalls(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	b := store.As(DemoUserID)
	boom := errors.New("boom")

	store.FailNext("list_servers", boom)
	_, err := b.ListServers(ctx)
	assert.ErrorIs(t, err, boom)

	_, err = b.ListServers(ctx)
	assert.NoError(t, err, "fault fires once")
	assert.Equal(t, 2, store.Calls("list_servers"))
	assert.Equal(t, 0, store.Calls("connect"))
}

func TestMemoryStore_StaleReads(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	admin := store.As(DemoAdminID)

	store.SetStaleReads(1)
	require.NoError(t, admin.DeleteServer(ctx, "sg"))

	stale, err := admin.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, stale, 6, "first read after the write still sees the deleted server")

	fresh, err := admin.ListServers(ctx)
	require.NoError(t, err)
	assert.Len(t, fresh, 5)
}

func TestMemoryStore_SetServerStatusNotifies(t *testing.T) {
	store := NewMemoryStore()
	var got []StatusUpdate
	store.Subscribe(func(u StatusUpdate) { got = append(got, u) })

	require.NoError(t, store.SetServerStatus("sg", types.ServerOffline, 0))
	assert.ErrorIs(t, store.SetServerStatus("missing", types.ServerOnline, 1), types.ErrNotFound)

	require.Len(t, got, 1)
	assert.Equal(t, "sg", got[0].ServerID)
	assert.Equal(t, types.ServerOffline, got[0].Status)
}

func TestMemoryStore_UnsubscribeStopsNotifications(t *testing.T) {
	store := NewMemoryStore()
	var first, second int
	stopFirst := store.Subscribe(func(StatusUpdate) { first++ })
	store.Subscribe(func(StatusUpdate) { second++ })

	require.NoError(t, store.SetServerStatus("sg", types.ServerOffline, 0))
	stopFirst()
	stopFirst()
	require.NoError(t, store.SetServerStatus("sg", types.ServerOnline, 40))

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
