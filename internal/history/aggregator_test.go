package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/storage"
	"vpnconsole-go/internal/types"
)

func seededStore(now time.Time) *api.MemoryStore {
	store := api.NewMemoryStore(api.WithClock(func() time.Time { return now }))
	store.AddConnection(&types.Connection{ID: "c1", UserID: api.DemoUserID, ServerID: "sg",
		ConnectedAt: now.Add(-2 * time.Hour), Status: types.ConnectionDisconnected, Duration: types.Int64(600)})
	store.AddConnection(&types.Connection{ID: "c2", UserID: api.DemoUserID, ServerID: "uk-london",
		ConnectedAt: now.Add(-10 * 24 * time.Hour), Status: types.ConnectionDisconnected, Duration: types.Int64(60)})
	store.AddConnection(&types.Connection{ID: "other", UserID: api.DemoAdminID, ServerID: "sg",
		ConnectedAt: now.Add(-time.Hour), Status: types.ConnectionDisconnected, Duration: types.Int64(5)})
	return store
}

func TestAggregator_RefreshAndView(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	store := seededStore(now)
	agg := NewAggregator(store.As(api.DemoUserID), api.DemoUserID, zap.NewNop(),
		WithNow(func() time.Time { return now }), WithLocation(time.UTC))

	require.NoError(t, agg.Refresh(context.Background()))
	assert.Len(t, agg.Records(), 2, "only the acting user's records")

	all := agg.View(Criteria{}, SortDuration)
	assert.Equal(t, []string{"c1", "c2"}, ids(all.Records))
	assert.Equal(t, Summary{Count: 2, TotalDurationSeconds: 660, UniqueServerCount: 2, AverageDurationSeconds: 330}, all.Summary)

	week := agg.View(Criteria{Period: PeriodWeek}, SortRecent)
	assert.Equal(t, []string{"c1"}, ids(week.Records))
	assert.Equal(t, "Singapore", week.Records[0].ServerName, "names are denormalised by the API")
	assert.Equal(t, 1, week.Summary.Count)
}

func TestAggregator_FailureKeepsRecords(t *testing.T) {
	now := time.Now()
	store := seededStore(now)
	agg := NewAggregator(store.As(api.DemoUserID), api.DemoUserID, zap.NewNop())
	ctx := context.Background()

	require.NoError(t, agg.Refresh(ctx))
	store.FailNext("history", types.NewError(types.KindUpstreamUnavailable, "down"))
	assert.ErrorIs(t, agg.Refresh(ctx), types.ErrUpstreamUnavailable)
	assert.Len(t, agg.Records(), 2)

	store.FailNext("history", types.NewError(types.KindUnauthenticated, "expired"))
	assert.ErrorIs(t, agg.Refresh(ctx), types.ErrUnauthenticated)
}

func TestAggregator_CacheFallback(t *testing.T) {
	mgr, err := storage.NewManager(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer mgr.Close()

	now := time.Now()
	store := seededStore(now)
	online := NewAggregator(store.As(api.DemoUserID), api.DemoUserID, zap.NewNop(), WithCache(mgr))
	require.NoError(t, online.Refresh(context.Background()))

	offline := NewAggregator(store.As(api.DemoUserID), api.DemoUserID, zap.NewNop(), WithCache(mgr))
	store.FailNext("history", types.NewError(types.KindUpstreamUnavailable, "down"))
	require.Error(t, offline.Refresh(context.Background()))

	ok, err := offline.LoadCached()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, offline.FromCache())
	assert.Len(t, offline.Records(), 2)

	ok, err = online.LoadCached()
	require.NoError(t, err)
	assert.False(t, ok, "fetched records are not replaced by the cache")
}

func TestAggregator_KnownServers(t *testing.T) {
	now := time.Now()
	store := seededStore(now)
	agg := NewAggregator(store.As(api.DemoUserID), api.DemoUserID, zap.NewNop(),
		WithServerLookup(func(id string) bool { return id == "sg" }))
	require.NoError(t, agg.Refresh(context.Background()))

	v := agg.View(Criteria{}, SortRecent)
	assert.Equal(t, 2, v.Summary.Count)
	assert.Equal(t, 1, v.Summary.UniqueServerCount)
}
