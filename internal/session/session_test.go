package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/events"
	"vpnconsole-go/internal/logs"
	"vpnconsole-go/internal/registry"
	"vpnconsole-go/internal/storage"
	"vpnconsole-go/internal/types"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
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

type fixture struct {
	store *api.MemoryStore
	reg   *registry.Registry
	ctrl  *Controller
	clock *fakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := newFakeClock()
	store := api.NewMemoryStore(api.WithClock(clock.Now))
	backend := store.As(api.DemoUserID)

	reg := registry.New(backend, zap.NewNop())
	require.NoError(t, reg.Refresh(context.Background()))

	opts = append([]Option{WithNow(clock.Now)}, opts...)
	ctrl := New(backend, reg, api.DemoUserID, zap.NewNop(), opts...)
	return &fixture{store: store, reg: reg, ctrl: ctrl, clock: clock}
}

func TestConnect_Succeeds(t *testing.T) {
	f := newFixture(t)

	view, err := f.ctrl.Connect(context.Background(), "uk-london")
	require.NoError(t, err)
	assert.Equal(t, "UK (London)", view.ServerName)
	assert.Equal(t, "United Kingdom", view.ServerCountry)

	state, serverID := f.ctrl.State()
	assert.Equal(t, Connected, state)
	assert.Equal(t, "uk-london", serverID)
	assert.Len(t, f.store.ActiveConnections(api.DemoUserID), 1)
}

func TestConnect_SameServerIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.ctrl.Connect(ctx, "sg")
	require.NoError(t, err)
	calls := f.store.Calls("connect")

	again, err := f.ctrl.Connect(ctx, "sg")
	require.NoError(t, err)
	assert.Equal(t, first.ConnectionID, again.ConnectionID)
	assert.Equal(t, calls, f.store.Calls("connect"), "no new external call")
	assert.Equal(t, 1, f.store.Calls("current_connection"))

	history, err := f.store.As(api.DemoUserID).History(ctx)
	require.NoError(t, err)
	assert.Len(t, history, 1, "no duplicate connection record")
}

func TestConnect_OfflineServerNeverContactsBackend(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"jp-tokyo", "does-not-exist"} {
		_, err := f.ctrl.Connect(ctx, id)
		assert.ErrorIs(t, err, types.ErrServerUnavailable, id)
	}

	require.NoError(t, f.store.SetServerStatus("sg", types.ServerOffline, 0))
	f.reg.Apply(api.StatusUpdate{ServerID: "sg", Status: types.ServerOffline})
	_, err := f.ctrl.Connect(ctx, "sg")
	assert.ErrorIs(t, err, types.ErrServerUnavailable)

	assert.Equal(t, 0, f.store.Calls("connect"))
	assert.Equal(t, 0, f.store.Calls("current_connection"))
	history, err := f.store.As(api.DemoUserID).History(ctx)
	require.NoError(t, err)
	assert.Empty(t, history)

	state, _ := f.ctrl.State()
	assert.Equal(t, Disconnected, state)
}

func TestConnect_AlreadyConnectedElsewhere(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// another client of the same user
	_, err := f.store.As(api.DemoUserID).Connect(ctx, "us-east")
	require.NoError(t, err)

	_, err = f.ctrl.Connect(ctx, "sg")
	assert.ErrorIs(t, err, types.ErrAlreadyConnectedElsewhere)
	assert.Equal(t, 1, f.store.Calls("connect"))
	assert.Len(t, f.store.ActiveConnections(api.DemoUserID), 1)
	assert.Nil(t, f.ctrl.Current())
}

func TestConnect_SwitchDisconnectsFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Connect(ctx, "uk-london")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)

	view, err := f.ctrl.Connect(ctx, "de-berlin")
	require.NoError(t, err)
	assert.Equal(t, "de-berlin", view.ServerID)
	assert.Equal(t, 1, f.store.Calls("disconnect"))

	active := f.store.ActiveConnections(api.DemoUserID)
	require.Len(t, active, 1)
	assert.Equal(t, "de-berlin", active[0].ServerID)
}

func TestConnect_SwitchLeavesDisconnectedWhenConnectFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Connect(ctx, "uk-london")
	require.NoError(t, err)

	f.store.FailNext("connect", types.NewError(types.KindUpstreamUnavailable, "timeout"))
	_, err = f.ctrl.Connect(ctx, "de-berlin")
	assert.ErrorIs(t, err, types.ErrConnectionFailed)

	state, _ := f.ctrl.State()
	assert.Equal(t, Disconnected, state, "never silently restored to the previous server")
	assert.Empty(t, f.store.ActiveConnections(api.DemoUserID))
}

func TestConnect_FailureLeavesStateUnchanged(t *testing.T) {
	dir := t.TempDir()
	f := newFixture(t, WithFailureLog(dir))
	ctx := context.Background()

	f.store.FailNext("connect", types.NewError(types.KindUpstreamUnavailable, "502"))
	_, err := f.ctrl.Connect(ctx, "sg")
	assert.ErrorIs(t, err, types.ErrConnectionFailed)
	assert.Nil(t, f.ctrl.Current())

	f.store.FailNext("connect", types.NewError(types.KindUnauthenticated, "expired"))
	_, err = f.ctrl.Connect(ctx, "sg")
	assert.ErrorIs(t, err, types.ErrUnauthenticated, "auth failures keep their kind")

	lines, err := logs.ReadConnectionFailures(dir, 10)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], `"sg"`)
	assert.Contains(t, lines[1], "Unauthenticated")

	_, err = f.ctrl.Connect(ctx, "sg")
	require.NoError(t, err)
	lines, err = logs.ReadConnectionFailures(dir, 10)
	require.NoError(t, err)
	assert.Empty(t, lines, "a successful connect clears the server's failures")
}

func TestDisconnect_IsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	closed, err := f.ctrl.Disconnect(ctx)
	require.NoError(t, err)
	assert.Nil(t, closed)
	assert.Equal(t, 0, f.store.Calls("disconnect"))

	_, err = f.ctrl.Connect(ctx, "sg")
	require.NoError(t, err)
	f.clock.Advance(90*time.Second + 400*time.Millisecond)

	closed, err = f.ctrl.Disconnect(ctx)
	require.NoError(t, err)
	require.NotNil(t, closed)
	assert.Equal(t, int64(90), closed.DurationSeconds())
	assert.Equal(t, types.ConnectionDisconnected, closed.Status)

	closed, err = f.ctrl.Disconnect(ctx)
	require.NoError(t, err)
	assert.Nil(t, closed)
	assert.Equal(t, 1, f.store.Calls("disconnect"), "second disconnect is a no-op")
}

func TestDisconnect_ClosedElsewhereCountsAsSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Connect(ctx, "sg")
	require.NoError(t, err)
	_, err = f.store.As(api.DemoUserID).Disconnect(ctx)
	require.NoError(t, err)
	f.clock.Advance(30 * time.Second)

	closed, err := f.ctrl.Disconnect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(30), closed.DurationSeconds(), "local duration when the API has no record")
	assert.Nil(t, f.ctrl.Current())
}

func TestDisconnect_FailureKeepsConnected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.ctrl.Connect(ctx, "sg")
	require.NoError(t, err)

	f.store.FailNext("disconnect", types.NewError(types.KindUpstreamUnavailable, "reset"))
	_, err = f.ctrl.Disconnect(ctx)
	assert.ErrorIs(t, err, types.ErrConnectionFailed)

	state, serverID := f.ctrl.State()
	assert.Equal(t, Connected, state)
	assert.Equal(t, "sg", serverID)
}

func TestTransitions_AreSingleFlight(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	f.store.OnCall("connect", func() {
		close(entered)
		<-release
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.ctrl.Connect(ctx, "sg")
		done <- err
	}()
	<-entered
	assert.True(t, f.ctrl.Pending())

	_, err := f.ctrl.Connect(ctx, "uk-london")
	assert.ErrorIs(t, err, types.ErrOperationInProgress)
	_, err = f.ctrl.Disconnect(ctx)
	assert.ErrorIs(t, err, types.ErrOperationInProgress)

	close(release)
	require.NoError(t, <-done)
	f.store.OnCall("connect", nil)

	assert.False(t, f.ctrl.Pending())
	assert.Equal(t, 1, f.store.Calls("connect"))
}

func TestAtMostOneActiveConnection(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	steps := []string{"sg", "uk-london", "", "", "us-east", "us-east", "jp-tokyo", "de-berlin", "", "sg", "us-west"}

	for _, step := range steps {
		if step == "" {
			_, _ = f.ctrl.Disconnect(ctx)
		} else {
			_, _ = f.ctrl.Connect(ctx, step)
		}
		f.clock.Advance(time.Minute)
		assert.LessOrEqual(t, len(f.store.ActiveConnections(api.DemoUserID)), 1, "after %q", step)
	}

	state, serverID := f.ctrl.State()
	assert.Equal(t, Connected, state)
	assert.Equal(t, "us-west", serverID)
}

func TestCurrent_NeverCallsBackend(t *testing.T) {
	f := newFixture(t)
	_, err := f.ctrl.Connect(context.Background(), "sg")
	require.NoError(t, err)
	before := f.store.Calls("current_connection")

	view := f.ctrl.Current()
	require.NotNil(t, view)
	f.clock.Advance(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, f.ctrl.ConnectedFor(f.clock.Now()))
	assert.Equal(t, before, f.store.Calls("current_connection"))

	var none *View
	assert.Equal(t, time.Duration(0), none.ConnectedFor(time.Now()))
}

func TestRestore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.store.As(api.DemoUserID).Connect(ctx, "us-west")
	require.NoError(t, err)

	require.NoError(t, f.ctrl.Restore(ctx))
	state, serverID := f.ctrl.State()
	assert.Equal(t, Connected, state)
	assert.Equal(t, "us-west", serverID)

	f.store.FailNext("current_connection", types.NewError(types.KindUnauthenticated, "expired"))
	assert.ErrorIs(t, f.ctrl.Restore(ctx), types.ErrUnauthenticated)

	f.store.FailNext("current_connection", types.NewError(types.KindValidation, "boom"))
	assert.ErrorIs(t, f.ctrl.Restore(ctx), types.ErrUpstreamUnavailable)
	assert.NotNil(t, f.ctrl.Current(), "failure keeps prior state")
}

// staleBackend returns a pre-recorded active connection on its first query, after the
// caller has been released, to simulate a slow startup query.
type staleBackend struct {
	api.SessionBackend
	once    sync.Once
	entered chan struct{}
	release chan struct{}
	stale   *types.Connection
}

func (b *staleBackend) ActiveConnection(ctx context.Context) (*types.Connection, error) {
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.release
		return b.stale.Clone(), nil
	}
	return b.SessionBackend.ActiveConnection(ctx)
}

func TestRestore_SupersededByTransitionIsDiscarded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	backend := &staleBackend{
		SessionBackend: f.store.As(api.DemoUserID),
		entered:        make(chan struct{}),
		release:        make(chan struct{}),
		stale:          &types.Connection{ID: "old", ServerID: "us-east", Status: types.ConnectionActive},
	}
	ctrl := New(backend, f.reg, api.DemoUserID, zap.NewNop(), WithNow(f.clock.Now))

	done := make(chan error, 1)
	go func() { done <- ctrl.Restore(ctx) }()
	<-backend.entered

	_, err := ctrl.Connect(ctx, "sg")
	require.NoError(t, err)

	close(backend.release)
	require.NoError(t, <-done)

	_, serverID := ctrl.State()
	assert.Equal(t, "sg", serverID, "startup query issued before the connect must not win")
}

func TestPersistAndLoadCached(t *testing.T) {
	mgr, err := storage.NewManager(t.TempDir(), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer mgr.Close()

	f := newFixture(t, WithCache(mgr))
	_, err = f.ctrl.Connect(context.Background(), "sg")
	require.NoError(t, err)

	restarted := New(f.store.As(api.DemoUserID), f.reg, api.DemoUserID, zap.NewNop(), WithCache(mgr))
	saved, err := restarted.LoadCached()
	require.NoError(t, err)
	assert.False(t, saved.IsZero())
	_, serverID := restarted.State()
	assert.Equal(t, "sg", serverID)

	_, err = f.ctrl.Disconnect(context.Background())
	require.NoError(t, err)
	fresh := New(f.store.As(api.DemoUserID), f.reg, api.DemoUserID, zap.NewNop(), WithCache(mgr))
	_, err = fresh.LoadCached()
	require.NoError(t, err)
	assert.Nil(t, fresh.Current())
}

func TestPublishesSessionChanged(t *testing.T) {
	bus := events.NewBus()
	defer bus.Close()
	ch := bus.Subscribe(events.SessionChanged)

	f := newFixture(t, WithPublisher(bus))
	_, err := f.ctrl.Connect(context.Background(), "sg")
	require.NoError(t, err)

	select {
	case ev := <-ch:
		assert.Equal(t, "disconnected", ev.OldState)
		assert.Equal(t, "connected:sg", ev.NewState)
	case <-time.After(time.Second):
		t.Fatal("expected a session event")
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())
	f := newFixture(t, WithMetrics(m))

	_, err := f.ctrl.Connect(context.Background(), "jp-tokyo")
	require.Error(t, err)
	_, err = f.ctrl.Connect(context.Background(), "sg")
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(m.transitions.WithLabelValues("connect", "ServerUnavailable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.transitions.WithLabelValues("connect", "ok")))
}
