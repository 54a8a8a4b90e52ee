package api

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"vpnconsole-go/internal/types"
)

// Demo identities seeded into every MemoryStore
const (
	DemoAdminID    = "demo-admin"
	DemoUserID     = "demo-user"
	DemoAdminToken = "demo-admin-token"
	DemoUserToken  = "demo-user-token"
)

// MemoryStore is an in-memory stand-in for the persistence API. It enforces the same
// rules as the real API (auth, admin-only routes, 404s, one active connection per user)
// and lets tests count calls, inject failures and simulate stale reads.
type MemoryStore struct {
	mu          sync.Mutex
	servers     map[string]*types.Server
	users       map[string]*types.User
	tokens      map[string]string
	connections []*types.Connection

	calls  map[string]int
	faults map[string]error
	hooks  map[string]func()

	staleReads     int
	serverSnapshot []*types.Server
	userSnapshot   []*types.User

	now       func() time.Time
	listeners []*statusListener
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the store's time source
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) { s.now = now }
}

// WithoutSampleServers starts the store with an empty inventory
func WithoutSampleServers() MemoryOption {
	return func(s *MemoryStore) { s.servers = map[string]*types.Server{} }
}

// NewMemoryStore returns a store seeded with the sample inventory and two demo users
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		users:  map[string]*types.User{},
		tokens: map[string]string{},
		calls:  map[string]int{},
		faults: map[string]error{},
		hooks:  map[string]func(){},
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	created := s.now()
	if s.servers == nil {
		s.servers = map[string]*types.Server{}
		for _, srv := range SampleServers(created) {
			s.servers[srv.ID] = srv
		}
	}
	s.users[DemoAdminID] = &types.User{ID: DemoAdminID, Name: "Demo Admin", Email: "admin@example.com", Role: types.RoleAdmin, CreatedAt: created}
	s.users[DemoUserID] = &types.User{ID: DemoUserID, Name: "Demo User", Email: "user@example.com", Role: types.RoleUser, CreatedAt: created}
	s.tokens[DemoAdminToken] = DemoAdminID
	s.tokens[DemoUserToken] = DemoUserID
	return s
}

// SampleServers is the demo inventory: six servers, one of them in maintenance
func SampleServers(created time.Time) []*types.Server {
	return []*types.Server{
		{ID: "us-east", Name: "US East (New York)", Country: "United States", City: "New York", IPAddress: "198.51.100.10", Status: types.ServerOnline, Load: 25, MaxConnections: 1000, CurrentConnections: 250, CreatedAt: created},
		{ID: "us-west", Name: "US West (Los Angeles)", Country: "United States", City: "Los Angeles", IPAddress: "198.51.100.20", Status: types.ServerOnline, Load: 45, MaxConnections: 1000, CurrentConnections: 450, CreatedAt: created},
		{ID: "uk-london", Name: "UK (London)", Country: "United Kingdom", City: "London", IPAddress: "198.51.100.30", Status: types.ServerOnline, Load: 60, MaxConnections: 800, CurrentConnections: 480, CreatedAt: created},
		{ID: "de-berlin", Name: "Germany (Berlin)", Country: "Germany", City: "Berlin", IPAddress: "198.51.100.40", Status: types.ServerOnline, Load: 35, MaxConnections: 1200, CurrentConnections: 420, CreatedAt: created},
		{ID: "jp-tokyo", Name: "Japan (Tokyo)", Country: "Japan", City: "Tokyo", IPAddress: "198.51.100.50", Status: types.ServerMaintenance, Load: 0, MaxConnections: 600, CurrentConnections: 0, CreatedAt: created},
		{ID: "sg", Name: "Singapore", Country: "Singapore", City: "Singapore", IPAddress: "198.51.100.60", Status: types.ServerOnline, Load: 80, MaxConnections: 500, CurrentConnections: 400, CreatedAt: created},
	}
}

// As returns a Backend acting as userID
func (s *MemoryStore) As(userID string) *MemoryBackend {
	return &MemoryBackend{store: s, userID: userID}
}

// UserForToken resolves a bearer token to a user id
func (s *MemoryStore) UserForToken(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.tokens[token]
	return id, ok
}

// AddUser registers a user and the token that authenticates as them
func (s *MemoryStore) AddUser(u *types.User, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	if token != "" {
		s.tokens[token] = u.ID
	}
}

// AddConnection inserts a historical or active connection record
func (s *MemoryStore) AddConnection(c *types.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connections = append(s.connections, c.Clone())
}

// Calls returns how many times operation was invoked
func (s *MemoryStore) Calls(operation string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[operation]
}

// FailNext makes the next call of operation return err
func (s *MemoryStore) FailNext(operation string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[operation] = err
}

// OnCall runs hook (outside the store lock) every time operation is invoked, before it executes.
// Tests use it to hold a call in flight.
func (s *MemoryStore) OnCall(operation string, hook func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if hook == nil {
		delete(s.hooks, operation)
		return
	}
	s.hooks[operation] = hook
}

// SetStaleReads makes the next n list reads return the inventory as it was before the
// most recent write, simulating an eventually consistent store.
func (s *MemoryStore) SetStaleReads(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staleReads = n
}

type statusListener struct {
	fn func(StatusUpdate)
}

// Subscribe registers fn to receive every status change made through SetServerStatus.
// The returned func removes it; calling it more than once is harmless.
func (s *MemoryStore) Subscribe(fn func(StatusUpdate)) (unsubscribe func()) {
	l := &statusListener{fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.listeners = slices.DeleteFunc(s.listeners, func(x *statusListener) bool { return x == l })
	}
}

// SetServerStatus changes a server's live status and load and notifies stream listeners
func (s *MemoryStore) SetServerStatus(id string, status types.ServerStatus, load int) error {
	s.mu.Lock()
	srv, ok := s.servers[id]
	if !ok {
		s.mu.Unlock()
		return types.NewError(types.KindNotFound, "Server not found")
	}
	srv.Status = status
	srv.Load = load
	update := StatusUpdate{ServerID: id, Status: status, Load: load, CurrentConnections: srv.CurrentConnections, At: s.now()}
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	for _, l := range listeners {
		l.fn(update)
	}
	return nil
}

// ActiveConnections returns every active connection held by userID
func (s *MemoryStore) ActiveConnections(userID string) []*types.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*types.Connection
	for _, c := range s.connections {
		if c.UserID == userID && c.IsActive() {
			out = append(out, c.Clone())
		}
	}
	return out
}

// enter records the call, runs its hook and returns an injected fault, if any.
func (s *MemoryStore) enter(operation string) error {
	s.mu.Lock()
	s.calls[operation]++
	hook := s.hooks[operation]
	err := s.faults[operation]
	delete(s.faults, operation)
	s.mu.Unlock()

	if hook != nil {
		hook()
	}
	return err
}

// authenticate resolves userID; callers hold s.mu
func (s *MemoryStore) authenticate(userID string) (*types.User, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, types.NewError(types.KindUnauthenticated, "Invalid or expired session")
	}
	return u, nil
}

// requireAdmin resolves userID and checks the admin role; callers hold s.mu
func (s *MemoryStore) requireAdmin(userID string) error {
	u, err := s.authenticate(userID)
	if err != nil {
		return err
	}
	if !u.IsAdmin() {
		return types.NewError(types.KindForbidden, "Admin access required")
	}
	return nil
}

// snapshotLocked captures the pre-write inventory for stale-read simulation
func (s *MemoryStore) snapshotLocked() {
	s.serverSnapshot = s.sortedServersLocked()
	s.userSnapshot = s.sortedUsersLocked()
}

func (s *MemoryStore) sortedServersLocked() []*types.Server {
	out := make([]*types.Server, 0, len(s.servers))
	for _, srv := range s.servers {
		cp := *srv
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) sortedUsersLocked() []*types.User {
	out := make([]*types.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copyServers(in []*types.Server) []*types.Server {
	out := make([]*types.Server, len(in))
	for i, srv := range in {
		cp := *srv
		out[i] = &cp
	}
	return out
}

func copyUsers(in []*types.User) []*types.User {
	out := make([]*types.User, len(in))
	for i, u := range in {
		cp := *u
		out[i] = &cp
	}
	return out
}

// MemoryBackend is a MemoryStore seen by one user
type MemoryBackend struct {
	store  *MemoryStore
	userID string
}

var _ Backend = (*MemoryBackend)(nil)

// UserID returns the acting user's id
func (b *MemoryBackend) UserID() string {
	return b.userID
}

// Store returns the shared store
func (b *MemoryBackend) Store() *MemoryStore {
	return b.store
}

// CurrentUser implements IdentitySource
func (b *MemoryBackend) CurrentUser(ctx context.Context) (*types.User, error) {
	if err := b.store.enter("current_user"); err != nil {
		return nil, err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	u, err := s.authenticate(b.userID)
	if err != nil {
		return nil, err
	}
	cp := *u
	return &cp, nil
}

// Logout implements IdentitySource
func (b *MemoryBackend) Logout(ctx context.Context) error {
	if err := b.store.enter("logout"); err != nil {
		return err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.authenticate(b.userID)
	return err
}

// ListServers implements ServerSource
func (b *MemoryBackend) ListServers(ctx context.Context) ([]*types.Server, error) {
	if err := b.store.enter("list_servers"); err != nil {
		return nil, err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.authenticate(b.userID); err != nil {
		return nil, err
	}
	if s.staleReads > 0 && s.serverSnapshot != nil {
		s.staleReads--
		return copyServers(s.serverSnapshot), nil
	}
	return s.sortedServersLocked(), nil
}

// GetServer implements ServerSource
func (b *MemoryBackend) GetServer(ctx context.Context, id string) (*types.Server, error) {
	if err := b.store.enter("get_server"); err != nil {
		return nil, err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.authenticate(b.userID); err != nil {
		return nil, err
	}
	srv, ok := s.servers[id]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "Server not found")
	}
	cp := *srv
	return &cp, nil
}

// ActiveConnection implements SessionBackend
func (b *MemoryBackend) ActiveConnection(ctx context.Context) (*types.Connection, error) {
	if err := b.store.enter("current_connection"); err != nil {
		return nil, err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.authenticate(b.userID); err != nil {
		return nil, err
	}
	for _, c := range s.connections {
		if c.UserID == b.userID && c.IsActive() {
			return c.Clone(), nil
		}
	}
	return nil, nil
}

// Connect implements SessionBackend. Like the real API, any active connection of the
// user is closed before the new one is opened.
func (b *MemoryBackend) Connect(ctx context.Context, serverID string) (*types.Connection, error) {
	if err := b.store.enter("connect"); err != nil {
		return nil, err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.authenticate(b.userID); err != nil {
		return nil, err
	}
	srv, ok := s.servers[serverID]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "Server not found")
	}
	if !srv.Status.AcceptsConnections() {
		return nil, types.NewError(types.KindValidation, "Server is not available")
	}

	now := s.now()
	for _, c := range s.connections {
		if c.UserID == b.userID && c.IsActive() {
			s.closeLocked(c, now)
		}
	}

	conn := &types.Connection{
		ID:            uuid.NewString(),
		UserID:        b.userID,
		ServerID:      srv.ID,
		ServerName:    srv.Name,
		ServerCountry: srv.Country,
		ConnectedAt:   now,
		Status:        types.ConnectionActive,
	}
	s.connections = append(s.connections, conn)
	if srv.CurrentConnections < srv.MaxConnections {
		srv.CurrentConnections++
	}
	return conn.Clone(), nil
}

// Disconnect implements SessionBackend
func (b *MemoryBackend) Disconnect(ctx context.Context) (*types.Connection, error) {
	if err := b.store.enter("disconnect"); err != nil {
		return nil, err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.authenticate(b.userID); err != nil {
		return nil, err
	}
	for _, c := range s.connections {
		if c.UserID == b.userID && c.IsActive() {
			s.closeLocked(c, s.now())
			return c.Clone(), nil
		}
	}
	return nil, types.NewError(types.KindNotFound, "No active connection found")
}

// closeLocked marks c disconnected at now; callers hold s.mu
func (s *MemoryStore) closeLocked(c *types.Connection, now time.Time) {
	at := now
	c.Status = types.ConnectionDisconnected
	c.DisconnectedAt = &at
	c.Duration = types.Int64(types.ElapsedSeconds(c.ConnectedAt, now))
	if srv, ok := s.servers[c.ServerID]; ok && srv.CurrentConnections > 0 {
		srv.CurrentConnections--
	}
}

// History implements HistorySource
func (b *MemoryBackend) History(ctx context.Context) ([]*types.Connection, error) {
	if err := b.store.enter("history"); err != nil {
		return nil, err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.authenticate(b.userID); err != nil {
		return nil, err
	}
	var out []*types.Connection
	for _, c := range s.connections {
		if c.UserID != b.userID {
			continue
		}
		cp := c.Clone()
		if srv, ok := s.servers[c.ServerID]; ok {
			cp.ServerName = srv.Name
			cp.ServerCountry = srv.Country
		}
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ConnectedAt.After(out[j].ConnectedAt) })
	return out, nil
}

// AdminStats implements AdminBackend
func (b *MemoryBackend) AdminStats(ctx context.Context) (*types.AdminStats, error) {
	if err := b.store.enter("admin_stats"); err != nil {
		return nil, err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdmin(b.userID); err != nil {
		return nil, err
	}
	stats := &types.AdminStats{TotalUsers: len(s.users), TotalServers: len(s.servers)}
	for _, srv := range s.servers {
		if srv.Status == types.ServerOnline {
			stats.OnlineServers++
		}
	}
	weekAgo := s.now().Add(-7 * 24 * time.Hour)
	for _, c := range s.connections {
		if c.IsActive() {
			stats.ActiveConnections++
		}
		if !c.ConnectedAt.Before(weekAgo) {
			stats.RecentConnections++
		}
	}
	return stats, nil
}

// ListUsers implements AdminBackend
func (b *MemoryBackend) ListUsers(ctx context.Context) ([]*types.User, error) {
	if err := b.store.enter("list_users"); err != nil {
		return nil, err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdmin(b.userID); err != nil {
		return nil, err
	}
	if s.staleReads > 0 && s.userSnapshot != nil {
		s.staleReads--
		return copyUsers(s.userSnapshot), nil
	}
	return s.sortedUsersLocked(), nil
}

// SetUserRole implements AdminBackend
func (b *MemoryBackend) SetUserRole(ctx context.Context, userID string, role types.Role) error {
	if err := b.store.enter("set_user_role"); err != nil {
		return err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdmin(b.userID); err != nil {
		return err
	}
	if _, err := types.ParseRole(string(role)); err != nil {
		return types.NewError(types.KindValidation, "Invalid role")
	}
	u, ok := s.users[userID]
	if !ok {
		return types.NewError(types.KindNotFound, "User not found")
	}
	s.snapshotLocked()
	u.Role = role
	return nil
}

// CreateServer implements AdminBackend
func (b *MemoryBackend) CreateServer(ctx context.Context, fields types.ServerFields) (string, error) {
	if err := b.store.enter("create_server"); err != nil {
		return "", err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdmin(b.userID); err != nil {
		return "", err
	}
	status := fields.Status
	if status == "" {
		status = types.ServerOffline
	}
	maxConns := fields.MaxConnections
	if maxConns == 0 {
		maxConns = 1000
	}

	s.snapshotLocked()
	srv := &types.Server{
		ID:             uuid.NewString(),
		Name:           fields.Name,
		Country:        fields.Country,
		City:           fields.City,
		IPAddress:      fields.IPAddress,
		Status:         status,
		MaxConnections: maxConns,
		CreatedAt:      s.now(),
	}
	s.servers[srv.ID] = srv
	return srv.ID, nil
}

// UpdateServer implements AdminBackend
func (b *MemoryBackend) UpdateServer(ctx context.Context, id string, fields types.ServerFields) error {
	if err := b.store.enter("update_server"); err != nil {
		return err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdmin(b.userID); err != nil {
		return err
	}
	srv, ok := s.servers[id]
	if !ok {
		return types.NewError(types.KindNotFound, "Server not found")
	}

	s.snapshotLocked()
	if fields.Name != "" {
		srv.Name = strings.TrimSpace(fields.Name)
	}
	if fields.Country != "" {
		srv.Country = fields.Country
	}
	if fields.City != "" {
		srv.City = fields.City
	}
	if fields.IPAddress != "" {
		srv.IPAddress = fields.IPAddress
	}
	if fields.Status != "" {
		srv.Status = fields.Status
	}
	if fields.MaxConnections > 0 {
		srv.MaxConnections = fields.MaxConnections
		if srv.CurrentConnections > srv.MaxConnections {
			srv.CurrentConnections = srv.MaxConnections
		}
	}
	return nil
}

// DeleteServer implements AdminBackend
func (b *MemoryBackend) DeleteServer(ctx context.Context, id string) error {
	if err := b.store.enter("delete_server"); err != nil {
		return err
	}
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.requireAdmin(b.userID); err != nil {
		return err
	}
	if _, ok := s.servers[id]; !ok {
		return types.NewError(types.KindNotFound, "Server not found")
	}
	s.snapshotLocked()
	delete(s.servers, id)
	return nil
}
