// Package session owns the acting user's single VPN connection: the Disconnected /
// Connected(server) state machine and the connect and disconnect transitions.
//
// Connecting while connected to a different server disconnects first and then connects.
// When the second call fails the session is left Disconnected; it is never rolled back
// to the previous server.
package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/events"
	"vpnconsole-go/internal/logs"
	"vpnconsole-go/internal/lww"
	"vpnconsole-go/internal/storage"
	"vpnconsole-go/internal/types"
)

// State of the session state machine
type State int

const (
	Disconnected State = iota
	Connected
)

// String returns the state name
func (s State) String() string {
	switch s {
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// View is the current connection as presented to callers, derived from the active record
type View struct {
	ConnectionID  string    `json:"connection_id"`
	ServerID      string    `json:"server_id"`
	ServerName    string    `json:"server_name"`
	ServerCountry string    `json:"server_country"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// ConnectedFor is the elapsed time since the connection started, never negative
func (v *View) ConnectedFor(now time.Time) time.Duration {
	if v == nil || now.Before(v.ConnectedAt) {
		return 0
	}
	return now.Sub(v.ConnectedAt)
}

// ServerLookup resolves servers from the registry's cached inventory
type ServerLookup interface {
	Get(id string) (*types.Server, error)
}

// Cache persists the last known session
type Cache interface {
	SaveSession(userID string, conn *types.Connection) error
	LoadSession(userID string) (*storage.SessionRecord, error)
}

// Controller is the session state machine for one user. It is safe for concurrent
// use; at most one connect/disconnect transition runs at a time.
type Controller struct {
	backend api.SessionBackend
	servers ServerLookup
	userID  string
	cache   Cache
	bus     events.Publisher
	clock   *lww.Clock
	metrics *Metrics
	logger  *zap.Logger
	now     func() time.Time

	failureLogDir string

	mu      sync.Mutex
	busy    bool
	current *types.Connection
}

// Option configures a Controller
type Option func(*Controller)

// WithCache persists the session after every transition
func WithCache(c Cache) Option {
	return func(s *Controller) { s.cache = c }
}

// WithPublisher publishes SessionChanged events
func WithPublisher(p events.Publisher) Option {
	return func(s *Controller) { s.bus = p }
}

// WithClock shares a sequence clock with other components
func WithClock(c *lww.Clock) Option {
	return func(s *Controller) { s.clock = c }
}

// WithMetrics records transition outcomes
func WithMetrics(m *Metrics) Option {
	return func(s *Controller) { s.metrics = m }
}

// WithNow overrides the time source
func WithNow(now func() time.Time) Option {
	return func(s *Controller) { s.now = now }
}

// WithFailureLog appends failed transitions to the connection failure log in dir
func WithFailureLog(dir string) Option {
	return func(s *Controller) { s.failureLogDir = dir }
}

// New creates a controller for userID. The initial state is Disconnected until Restore
// (or LoadCached) runs.
func New(backend api.SessionBackend, servers ServerLookup, userID string, logger *zap.Logger, opts ...Option) *Controller {
	c := &Controller{
		backend: backend,
		servers: servers,
		userID:  userID,
		bus:     events.Nop{},
		clock:   lww.New(),
		logger:  logger,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Controller) key() string {
	return "session:" + c.userID
}

// Restore queries the API for an active connection that survived a restart. A result
// that arrives after a transition started is discarded.
func (c *Controller) Restore(ctx context.Context) error {
	ticket := c.clock.Observe(c.key())

	active, err := c.backend.ActiveConnection(ctx)
	if err != nil {
		if types.IsAuthFailure(err) {
			return err
		}
		return types.WrapError(types.KindUpstreamUnavailable, err, "query active connection")
	}

	c.mu.Lock()
	if c.busy || c.clock.Stale(ticket) {
		c.mu.Unlock()
		c.logger.Debug("Discarding superseded session query")
		return nil
	}
	old := c.current
	c.current = active.Clone()
	c.mu.Unlock()

	c.persist(active)
	c.publish(old, active)
	return nil
}

// LoadCached seeds the state from the last persisted session without network I/O.
// It returns the time the record was saved, zero when nothing was cached.
func (c *Controller) LoadCached() (time.Time, error) {
	if c.cache == nil {
		return time.Time{}, nil
	}
	record, err := c.cache.LoadSession(c.userID)
	if err != nil || record == nil {
		return time.Time{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil && record.Connection.IsActive() {
		c.current = record.Connection.Clone()
	}
	return record.Saved, nil
}

// State returns the current state and, when connected, the server id
func (c *Controller) State() (State, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Disconnected, ""
	}
	return Connected, c.current.ServerID
}

// Current returns the current connection view or nil. It never performs network I/O.
func (c *Controller) Current() *View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return viewOf(c.current)
}

// ConnectedFor is how long the current session has lasted, 0 when disconnected
func (c *Controller) ConnectedFor(now time.Time) time.Duration {
	return c.Current().ConnectedFor(now)
}

// Pending reports whether a transition is in flight
func (c *Controller) Pending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

// acquire starts a transition or fails fast when one is already running
func (c *Controller) acquire(op string) (*types.Connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		c.metrics.transition(op, types.KindOperationInProgress)
		return nil, types.NewError(types.KindOperationInProgress, "a connect or disconnect is already in progress")
	}
	c.busy = true
	c.clock.Begin(c.key())
	return c.current.Clone(), nil
}

func (c *Controller) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// set replaces the current connection and publishes the change
func (c *Controller) set(conn *types.Connection) {
	c.mu.Lock()
	old := c.current
	c.current = conn.Clone()
	c.mu.Unlock()

	c.persist(conn)
	c.publish(old, conn)
}

// Connect connects to serverID.
//
// Already connected to serverID: success without any API call. The server must be known
// and online, otherwise ServerUnavailable is returned without contacting the API.
// Connected elsewhere: the current connection is closed first. The API is then asked for an
// active connection; one held by another client yields AlreadyConnectedElsewhere.
func (c *Controller) Connect(ctx context.Context, serverID string) (*View, error) {
	current, err := c.acquire("connect")
	if err != nil {
		return nil, err
	}
	defer c.release()

	if current != nil && current.ServerID == serverID {
		c.metrics.transition("connect", "")
		return viewOf(current), nil
	}

	srv, err := c.servers.Get(serverID)
	if err != nil {
		c.metrics.transition("connect", types.KindServerUnavailable)
		return nil, types.WrapError(types.KindServerUnavailable, err, "server %s is not known", serverID)
	}
	if !srv.Status.AcceptsConnections() {
		c.metrics.transition("connect", types.KindServerUnavailable)
		return nil, types.NewError(types.KindServerUnavailable, "%s is %s", srv.Name, srv.Status.DisplayString())
	}

	if current != nil {
		c.logger.Info("Switching servers",
			zap.String("from", current.ServerID),
			zap.String("to", serverID))
		if _, err := c.closeRemote(ctx, current); err != nil {
			return nil, c.connectFailed(srv, err)
		}
		c.set(nil)
	}

	active, err := c.backend.ActiveConnection(ctx)
	if err != nil {
		return nil, c.connectFailed(srv, err)
	}
	if active != nil {
		err := types.NewError(types.KindAlreadyConnectedElsewhere,
			"an active connection to %s already exists", displayServer(active))
		return nil, c.connectFailed(srv, err)
	}

	conn, err := c.backend.Connect(ctx, serverID)
	if err != nil {
		return nil, c.connectFailed(srv, err)
	}
	if conn == nil {
		return nil, c.connectFailed(srv, types.NewError(types.KindUpstreamUnavailable, "connect returned no record"))
	}

	conn = conn.Clone()
	if conn.ServerID == "" {
		conn.ServerID = serverID
	}
	if conn.ServerName == "" {
		conn.ServerName = srv.Name
	}
	if conn.ServerCountry == "" {
		conn.ServerCountry = srv.Country
	}
	if conn.UserID == "" {
		conn.UserID = c.userID
	}
	if conn.ConnectedAt.IsZero() {
		conn.ConnectedAt = c.now().UTC()
	}
	conn.Status = types.ConnectionActive

	c.set(conn)
	c.metrics.transition("connect", "")
	if c.failureLogDir != "" {
		if err := logs.RemoveServerFromFailureLog(c.failureLogDir, serverID); err != nil {
			c.logger.Debug("Failed to prune connection failure log", zap.Error(err))
		}
	}
	c.logger.Info("Connected",
		zap.String("server_id", serverID),
		zap.String("server", srv.Name),
		zap.String("connection_id", conn.ID))
	return viewOf(conn), nil
}

// Disconnect closes the current connection and returns the closed record.
// Disconnecting while disconnected is a successful no-op returning nil.
func (c *Controller) Disconnect(ctx context.Context) (*types.Connection, error) {
	current, err := c.acquire("disconnect")
	if err != nil {
		return nil, err
	}
	defer c.release()

	if current == nil {
		c.metrics.transition("disconnect", "")
		return nil, nil
	}

	closed, err := c.closeRemote(ctx, current)
	if err != nil {
		mapped := mapFailure(err, "disconnect")
		c.metrics.transition("disconnect", types.KindOf(mapped))
		c.logFailure(current.ServerID, current.ServerName, mapped)
		return nil, mapped
	}

	c.set(nil)
	c.metrics.transition("disconnect", "")
	c.logger.Info("Disconnected",
		zap.String("server_id", closed.ServerID),
		zap.Int64("duration_seconds", closed.DurationSeconds()))
	return closed, nil
}

// closeRemote asks the API to close current. NotFound means the connection was already
// closed elsewhere and counts as success. The duration reported by the API wins over
// the locally computed one.
func (c *Controller) closeRemote(ctx context.Context, current *types.Connection) (*types.Connection, error) {
	record, err := c.backend.Disconnect(ctx)
	if err != nil && types.KindOf(err) != types.KindNotFound {
		return nil, err
	}

	now := c.now().UTC()
	closed := current.Clone()
	closed.Status = types.ConnectionDisconnected
	closed.DisconnectedAt = &now
	closed.Duration = types.Int64(types.ElapsedSeconds(current.ConnectedAt, now))

	if record != nil {
		if record.DisconnectedAt != nil {
			closed.DisconnectedAt = record.DisconnectedAt
		}
		if record.Duration != nil {
			closed.Duration = types.Int64(*record.Duration)
		}
		if record.DataTransferred != nil {
			closed.DataTransferred = types.Int64(*record.DataTransferred)
		}
	}
	return closed, nil
}

func (c *Controller) connectFailed(srv *types.Server, err error) error {
	mapped := mapFailure(err, "connect to "+srv.Name)
	c.metrics.transition("connect", types.KindOf(mapped))
	c.logFailure(srv.ID, srv.Name, mapped)
	c.logger.Warn("Connect failed",
		zap.String("server_id", srv.ID),
		zap.Error(mapped))
	return mapped
}

func (c *Controller) logFailure(serverID, serverName string, err error) {
	if c.failureLogDir == "" {
		return
	}
	if logErr := logs.LogConnectionFailure(c.failureLogDir, serverID, serverName, err); logErr != nil {
		c.logger.Debug("Failed to write connection failure log", zap.Error(logErr))
	}
}

// mapFailure keeps auth and conflict kinds and reports everything else as ConnectionFailed
func mapFailure(err error, action string) error {
	switch types.KindOf(err) {
	case types.KindUnauthenticated, types.KindForbidden, types.KindAlreadyConnectedElsewhere:
		return err
	default:
		return types.WrapError(types.KindConnectionFailed, err, "%s", action)
	}
}

func (c *Controller) persist(conn *types.Connection) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SaveSession(c.userID, conn); err != nil {
		c.logger.Warn("Failed to persist session", zap.Error(err))
	}
}

func (c *Controller) publish(old, next *types.Connection) {
	if old == nil && next == nil {
		return
	}
	ev := events.Event{
		Type:      events.SessionChanged,
		OldState:  stateLabel(old),
		NewState:  stateLabel(next),
		Timestamp: c.now(),
	}
	if next != nil {
		ev.EntityID = next.ID
		ev.Data = viewOf(next)
	} else {
		ev.EntityID = old.ID
	}
	c.bus.Publish(ev)
}

func stateLabel(conn *types.Connection) string {
	if conn == nil {
		return Disconnected.String()
	}
	return Connected.String() + ":" + conn.ServerID
}

func viewOf(conn *types.Connection) *View {
	if conn == nil {
		return nil
	}
	return &View{
		ConnectionID:  conn.ID,
		ServerID:      conn.ServerID,
		ServerName:    conn.ServerName,
		ServerCountry: conn.ServerCountry,
		ConnectedAt:   conn.ConnectedAt,
	}
}

func displayServer(conn *types.Connection) string {
	if conn.ServerName != "" {
		return conn.ServerName
	}
	return conn.ServerID
}
