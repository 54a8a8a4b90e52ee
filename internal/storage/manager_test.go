package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vpnconsole-go/internal/types"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	tempDir := t.TempDir()
	manager, err := NewManager(tempDir, zap.NewNop().Sugar())
	require.NoError(t, err)
	t.Cleanup(func() { manager.Close() })
	return manager, tempDir
}

func TestManager_SchemaVersion(t *testing.T) {
	manager, _ := newTestManager(t)

	version, err := manager.GetSchemaVersion()
	require.NoError(t, err)
	assert.Equal(t, uint64(CurrentSchemaVersion), version)
	assert.NotNil(t, manager.GetDB())
}

func TestManager_SaveServersReplacesSnapshot(t *testing.T) {
	manager, _ := newTestManager(t)
	refreshed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, manager.SaveServers([]*types.Server{
		{ID: "s1", Name: "US East", Status: types.ServerOnline, Load: 20},
		{ID: "s2", Name: "Japan", Status: types.ServerMaintenance},
	}, refreshed))

	require.NoError(t, manager.SaveServers([]*types.Server{
		{ID: "s3", Name: "Germany", Status: types.ServerOnline},
	}, refreshed.Add(time.Minute)))

	servers, at, err := manager.LoadServers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "s3", servers[0].ID)
	assert.True(t, at.Equal(refreshed.Add(time.Minute)))
}

func TestManager_LoadServersEmpty(t *testing.T) {
	manager, _ := newTestManager(t)

	servers, at, err := manager.LoadServers()
	require.NoError(t, err)
	assert.Empty(t, servers)
	assert.True(t, at.IsZero())
}

func TestManager_SessionLifecycle(t *testing.T) {
	manager, _ := newTestManager(t)

	record, err := manager.LoadSession("u1")
	require.NoError(t, err)
	assert.Nil(t, record)

	conn := &types.Connection{ID: "c1", UserID: "u1", ServerID: "s1", Status: types.ConnectionActive, ConnectedAt: time.Now().UTC()}
	require.NoError(t, manager.SaveSession("u1", conn))

	// Later mutation of the caller's value must not leak into the cache
	conn.ServerID = "mutated"

	record, err = manager.LoadSession("u1")
	require.NoError(t, err)
	require.NotNil(t, record)
	require.NotNil(t, record.Connection)
	assert.Equal(t, "s1", record.Connection.ServerID)

	require.NoError(t, manager.SaveSession("u1", nil))
	record, err = manager.LoadSession("u1")
	require.NoError(t, err)
	assert.Nil(t, record.Connection)

	require.NoError(t, manager.ClearSession("u1"))
	record, err = manager.LoadSession("u1")
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestManager_HistoryIsPerUserAndSorted(t *testing.T) {
	manager, _ := newTestManager(t)
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, manager.SaveHistory("u1", []*types.Connection{
		{ID: "a", ServerID: "s1", ConnectedAt: base},
		{ID: "b", ServerID: "s2", ConnectedAt: base.Add(2 * time.Hour)},
	}))
	require.NoError(t, manager.SaveHistory("u10", []*types.Connection{
		{ID: "z", ServerID: "s3", ConnectedAt: base},
	}))

	records, err := manager.LoadHistory("u1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "b", records[0].ID, "most recent first")
	assert.Equal(t, "a", records[1].ID)

	// Replacing u1's history leaves u10 untouched
	require.NoError(t, manager.SaveHistory("u1", []*types.Connection{{ID: "c", ConnectedAt: base}}))
	records, err = manager.LoadHistory("u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "c", records[0].ID)

	other, err := manager.LoadHistory("u10")
	require.NoError(t, err)
	require.Len(t, other, 1)
}

func TestManager_UsersAndStats(t *testing.T) {
	manager, _ := newTestManager(t)
	now := time.Now().UTC()

	require.NoError(t, manager.SaveUsers([]*types.User{
		{ID: "u1", Email: "a@example.com", Role: types.RoleAdmin},
		{ID: "u2", Email: "b@example.com", Role: types.RoleUser},
	}, now))

	users, at, err := manager.LoadUsers()
	require.NoError(t, err)
	assert.Len(t, users, 2)
	assert.True(t, at.Equal(now))

	stats, err := manager.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats[UsersBucket])
	assert.Equal(t, 0, stats[ServersBucket])
}

func TestManager_Backup(t *testing.T) {
	manager, tempDir := newTestManager(t)
	require.NoError(t, manager.SaveServers([]*types.Server{{ID: "s1"}}, time.Now()))

	backupDir := t.TempDir()
	require.NoError(t, manager.Backup(filepath.Join(backupDir, DatabaseFileName)))
	assert.FileExists(t, filepath.Join(backupDir, DatabaseFileName))
	assert.FileExists(t, filepath.Join(tempDir, DatabaseFileName))

	restored, err := NewManager(backupDir, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer restored.Close()

	servers, _, err := restored.LoadServers()
	require.NoError(t, err)
	require.Len(t, servers, 1)
	assert.Equal(t, "s1", servers[0].ID)
}
