// Package admin manages the server inventory and user roles on behalf of an admin.
//
// Every write is followed by a re-read: the manager polls until the change is visible and
// returns a StaleReadWarning when it is not. The write itself has succeeded in that case.
package admin

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/config"
	"vpnconsole-go/internal/events"
	"vpnconsole-go/internal/lww"
	"vpnconsole-go/internal/types"
)

var errNotObserved = errors.New("write not observed yet")

// Inventory is the server registry the manager keeps fresh
type Inventory interface {
	Refresh(ctx context.Context) error
	Get(id string) (*types.Server, error)
}

// UserCache persists the last fetched user list
type UserCache interface {
	SaveUsers(users []*types.User, refreshedAt time.Time) error
	LoadUsers() ([]*types.User, time.Time, error)
}

// PollConfig bounds refresh-after-write polling
type PollConfig struct {
	MaxAttempts int
	Interval    time.Duration
}

// Manager performs admin operations as the acting user
type Manager struct {
	backend   api.AdminBackend
	inventory Inventory
	actor     *types.User
	cache     UserCache
	bus       events.Publisher
	clock     *lww.Clock
	poll      PollConfig
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	users   []*types.User
	usersAt time.Time
}

// Option configures a Manager
type Option func(*Manager)

// WithUserCache persists user list refreshes
func WithUserCache(c UserCache) Option {
	return func(m *Manager) { m.cache = c }
}

// WithPublisher publishes inventory and role change events
func WithPublisher(p events.Publisher) Option {
	return func(m *Manager) { m.bus = p }
}

// WithClock shares a sequence clock with other components
func WithClock(c *lww.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithPoll overrides the refresh-after-write polling bounds
func WithPoll(p PollConfig) Option {
	return func(m *Manager) { m.poll = p }
}

// PollFromConfig converts the stale_read configuration
func PollFromConfig(cfg *config.StaleReadConfig) PollConfig {
	if cfg == nil {
		return PollConfig{MaxAttempts: config.DefaultStaleReadAttempts, Interval: config.DefaultStaleReadInterval}
	}
	return PollConfig{MaxAttempts: cfg.MaxAttempts, Interval: cfg.Interval.Duration()}
}

// NewManager creates a manager acting as actor
func NewManager(backend api.AdminBackend, inventory Inventory, actor *types.User, logger *zap.Logger, opts ...Option) *Manager {
	m := &Manager{
		backend:   backend,
		inventory: inventory,
		actor:     actor,
		bus:       events.Nop{},
		clock:     lww.New(),
		poll:      PollFromConfig(nil),
		logger:    logger,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.poll.MaxAttempts < 1 {
		m.poll.MaxAttempts = 1
	}
	if m.poll.Interval <= 0 {
		m.poll.Interval = config.DefaultStaleReadInterval
	}
	return m
}

// requireAdmin is checked locally before any admin call
func (m *Manager) requireAdmin() error {
	if m.actor == nil {
		return types.NewError(types.KindUnauthenticated, "not signed in")
	}
	if !m.actor.IsAdmin() {
		return types.NewError(types.KindForbidden, "admin role required")
	}
	return nil
}

// CreateServer validates fields, creates the server and waits until the inventory lists it.
// With a StaleReadWarning the returned server is built from the submitted fields.
func (m *Manager) CreateServer(ctx context.Context, fields types.ServerFields) (*types.Server, error) {
	if err := m.requireAdmin(); err != nil {
		return nil, err
	}
	valid, err := ValidateServerFields(fields, true)
	if err != nil {
		return nil, err
	}

	id, err := m.backend.CreateServer(ctx, valid)
	if err != nil {
		return nil, writeError(err, "create server")
	}
	if id == "" {
		return nil, types.NewError(types.KindUpstreamUnavailable, "create server: no id returned")
	}
	m.logger.Info("Server created", zap.String("server_id", id), zap.String("name", valid.Name))
	m.publishInventory(id, "created")

	var created *types.Server
	err = m.awaitObserved(ctx, "create server "+id, func(ctx context.Context) (bool, error) {
		if err := m.inventory.Refresh(ctx); err != nil {
			return false, err
		}
		srv, err := m.inventory.Get(id)
		if err != nil {
			return false, nil
		}
		created = srv
		return valid.Matches(srv), nil
	})
	if err != nil {
		return &types.Server{
			ID:             id,
			Name:           valid.Name,
			Country:        valid.Country,
			City:           valid.City,
			IPAddress:      valid.IPAddress,
			Status:         valid.Status,
			MaxConnections: valid.MaxConnections,
		}, err
	}
	return created, nil
}

// UpdateServer validates fields and replaces the server's editable fields. An empty
// status keeps the current one. NotFound is surfaced from the API.
func (m *Manager) UpdateServer(ctx context.Context, id string, fields types.ServerFields) (*types.Server, error) {
	if err := m.requireAdmin(); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, types.NewError(types.KindValidation, "server id is required")
	}
	valid, err := ValidateServerFields(fields, false)
	if err != nil {
		return nil, err
	}

	m.clock.Begin(id)
	if err := m.backend.UpdateServer(ctx, id, valid); err != nil {
		return nil, writeError(err, "update server %s", id)
	}
	m.logger.Info("Server updated", zap.String("server_id", id))
	m.publishInventory(id, "updated")

	var updated *types.Server
	err = m.awaitObserved(ctx, "update server "+id, func(ctx context.Context) (bool, error) {
		if err := m.inventory.Refresh(ctx); err != nil {
			return false, err
		}
		srv, err := m.inventory.Get(id)
		if err != nil {
			return false, nil
		}
		updated = srv
		return valid.Matches(srv), nil
	})
	return updated, err
}

// DeleteServer removes a server. It refuses to run unless confirmed is set.
func (m *Manager) DeleteServer(ctx context.Context, id string, confirmed bool) error {
	if err := m.requireAdmin(); err != nil {
		return err
	}
	if id == "" {
		return types.NewError(types.KindValidation, "server id is required")
	}
	if !confirmed {
		return types.NewError(types.KindValidation, "deleting server %s is irreversible and requires confirmation", id)
	}

	m.clock.Begin(id)
	if err := m.backend.DeleteServer(ctx, id); err != nil {
		return writeError(err, "delete server %s", id)
	}
	m.logger.Info("Server deleted", zap.String("server_id", id))
	m.publishInventory(id, "deleted")

	return m.awaitObserved(ctx, "delete server "+id, func(ctx context.Context) (bool, error) {
		if err := m.inventory.Refresh(ctx); err != nil {
			return false, err
		}
		_, err := m.inventory.Get(id)
		return types.KindOf(err) == types.KindNotFound, nil
	})
}

// SetUserRole changes another user's role. Admins cannot change their own role.
func (m *Manager) SetUserRole(ctx context.Context, userID string, role types.Role) error {
	if err := m.requireAdmin(); err != nil {
		return err
	}
	if userID == "" {
		return types.NewError(types.KindValidation, "user id is required")
	}
	parsed, err := types.ParseRole(string(role))
	if err != nil {
		return types.WrapError(types.KindValidation, err, "invalid role")
	}
	if userID == m.actor.ID {
		return types.NewError(types.KindSelfRoleChangeForbidden, "admins cannot change their own role")
	}

	old := m.cachedRole(userID)
	m.clock.Begin("user:" + userID)
	if err := m.backend.SetUserRole(ctx, userID, parsed); err != nil {
		return writeError(err, "set role of %s", userID)
	}
	m.logger.Info("User role changed", zap.String("user_id", userID), zap.String("role", parsed.String()))
	m.bus.Publish(events.Event{
		Type:      events.UserRoleChanged,
		EntityID:  userID,
		OldState:  string(old),
		NewState:  string(parsed),
		Timestamp: m.now(),
	})

	return m.awaitObserved(ctx, "set role of "+userID, func(ctx context.Context) (bool, error) {
		if err := m.RefreshUsers(ctx); err != nil {
			return false, err
		}
		for _, u := range m.Users() {
			if u.ID == userID {
				return u.Role == parsed, nil
			}
		}
		return false, nil
	})
}

// RefreshUsers reloads the user list
func (m *Manager) RefreshUsers(ctx context.Context) error {
	if err := m.requireAdmin(); err != nil {
		return err
	}
	ticket := m.clock.Begin("users:list")

	users, err := m.backend.ListUsers(ctx)
	if err != nil {
		return readError(err, "list users")
	}
	if m.clock.Stale(ticket) {
		return nil
	}

	now := m.now()
	m.mu.Lock()
	m.users = users
	m.usersAt = now
	m.mu.Unlock()

	if m.cache != nil {
		if err := m.cache.SaveUsers(users, now); err != nil {
			m.logger.Warn("Failed to cache user list", zap.Error(err))
		}
	}
	return nil
}

// LoadCachedUsers seeds the user list from the local cache when nothing was fetched yet
func (m *Manager) LoadCachedUsers() (time.Time, error) {
	if m.cache == nil {
		return time.Time{}, nil
	}
	users, at, err := m.cache.LoadUsers()
	if err != nil {
		return time.Time{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.usersAt.IsZero() && len(users) > 0 {
		m.users = users
		m.usersAt = at
	}
	return m.usersAt, nil
}

// Users returns copies of the last fetched user list
func (m *Manager) Users() []*types.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.User, len(m.users))
	for i, u := range m.users {
		cp := *u
		out[i] = &cp
	}
	return out
}

// Stats returns the admin dashboard counters
func (m *Manager) Stats(ctx context.Context) (*types.AdminStats, error) {
	if err := m.requireAdmin(); err != nil {
		return nil, err
	}
	stats, err := m.backend.AdminStats(ctx)
	if err != nil {
		return nil, readError(err, "admin stats")
	}
	return stats, nil
}

func (m *Manager) cachedRole(userID string) types.Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.ID == userID {
			return u.Role
		}
	}
	return ""
}

func (m *Manager) publishInventory(id, action string) {
	m.bus.Publish(events.Event{
		Type:      events.InventoryChanged,
		EntityID:  id,
		Timestamp: m.now(),
		Data:      events.InventoryChangeData{Action: action},
	})
}

// awaitObserved re-reads until observed reports true, backing off exponentially between
// attempts. It returns a StaleReadWarning when the attempts run out or a re-read fails.
func (m *Manager) awaitObserved(ctx context.Context, what string, observed func(context.Context) (bool, error)) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.poll.Interval
	b.MaxInterval = config.MaxStaleReadInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(m.poll.MaxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		ok, err := observed(ctx)
		if err != nil {
			if types.IsAuthFailure(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if !ok {
			return errNotObserved
		}
		return nil
	}, policy)
	if err == nil {
		return nil
	}

	m.logger.Warn("Write not observed on re-read",
		zap.String("operation", what),
		zap.Int("attempts", attempts),
		zap.Error(err))
	return types.WrapError(types.KindStaleRead, err, "%s succeeded but was not visible after %d reads", what, attempts)
}

// writeError keeps typed API errors and reports untyped ones as UpstreamUnavailable
func writeError(err error, format string, args ...interface{}) error {
	if types.KindOf(err) != "" {
		return err
	}
	return types.WrapError(types.KindUpstreamUnavailable, err, format, args...)
}

// readError keeps auth failures and reports everything else as UpstreamUnavailable
func readError(err error, format string, args ...interface{}) error {
	if types.IsAuthFailure(err) {
		return err
	}
	return types.WrapError(types.KindUpstreamUnavailable, err, format, args...)
}
