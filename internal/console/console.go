// Package console wires the identity, the API backend and the four core components into
// one explicit context object that commands and tool handlers receive as a parameter.
package console

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"vpnconsole-go/internal/admin"
	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/config"
	"vpnconsole-go/internal/events"
	"vpnconsole-go/internal/history"
	"vpnconsole-go/internal/logs"
	"vpnconsole-go/internal/lww"
	"vpnconsole-go/internal/registry"
	"vpnconsole-go/internal/session"
	"vpnconsole-go/internal/storage"
	"vpnconsole-go/internal/types"
)

// Console is the per-user application context
type Console struct {
	Config  *config.Config
	Logger  *zap.Logger
	Backend api.Backend
	User    *types.User

	Bus      *events.Bus
	Clock    *lww.Clock
	Storage  *storage.Manager
	Metrics  *prometheus.Registry
	Registry *registry.Registry
	Session  *session.Controller
	History  *history.Aggregator
	Admin    *admin.Manager

	client     *api.Client
	apiMetrics *api.Metrics
	memory     *api.MemoryStore
	comm       *logs.CommunicationLogger
	stream     *api.StreamClient
}

// Option configures Open
type Option func(*openOptions)

type openOptions struct {
	backend api.Backend
	memory  *api.MemoryStore
	metrics *prometheus.Registry
	noCache bool
}

// WithBackend uses backend instead of building one from the configuration
func WithBackend(backend api.Backend) Option {
	return func(o *openOptions) { o.backend = backend }
}

// WithMemoryStore uses an existing in-memory store in demo mode
func WithMemoryStore(store *api.MemoryStore) Option {
	return func(o *openOptions) { o.memory = store }
}

// WithMetricsRegistry registers collectors with reg
func WithMetricsRegistry(reg *prometheus.Registry) Option {
	return func(o *openOptions) { o.metrics = reg }
}

// WithoutCache skips the local bbolt cache
func WithoutCache() Option {
	return func(o *openOptions) { o.noCache = true }
}

// Open resolves the acting user and builds the components. It performs one API call
// (the identity query); Start loads the initial state.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*Console, error) {
	var o openOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = prometheus.NewRegistry()
	}

	c := &Console{
		Config:  cfg,
		Logger:  logger,
		Bus:     events.NewBus(),
		Clock:   lww.New(),
		Metrics: o.metrics,
	}

	if err := c.openBackend(cfg, &o); err != nil {
		c.Close()
		return nil, err
	}

	user, err := c.Backend.CurrentUser(ctx)
	if err != nil {
		c.Close()
		if types.IsAuthFailure(err) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to resolve current user: %w", err)
	}
	c.User = user
	logger.Debug("Signed in", zap.String("user_id", user.ID), zap.String("role", user.Role.String()))

	if !o.noCache {
		mgr, err := storage.NewManager(cfg.DataDir, logger.Sugar())
		if err != nil {
			logger.Warn("Local cache unavailable, continuing without it", zap.Error(err))
		} else {
			c.Storage = mgr
		}
	}

	c.buildComponents()
	return c, nil
}

func (c *Console) openBackend(cfg *config.Config, o *openOptions) error {
	switch {
	case o.backend != nil:
		c.Backend = o.backend
		if mb, ok := o.backend.(*api.MemoryBackend); ok {
			c.memory = mb.Store()
		}
		return nil

	case cfg.Demo:
		store := o.memory
		if store == nil {
			store = api.NewMemoryStore()
		}
		// No token signs in as the demo user; an unknown token stays unauthenticated
		userID := api.DemoUserID
		if cfg.SessionToken != "" {
			userID, _ = store.UserForToken(cfg.SessionToken)
		}
		c.memory = store
		c.Backend = store.As(userID)
		return nil
	}

	comm, err := logs.NewCommunicationLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create API communication logger: %w", err)
	}
	c.comm = comm

	c.apiMetrics = api.NewMetrics(c.Metrics)
	client, err := api.NewClient(cfg, c.Logger,
		api.WithCommunicationLogger(comm),
		api.WithMetrics(c.apiMetrics))
	if err != nil {
		return err
	}
	c.client = client
	c.Backend = client
	return nil
}

func (c *Console) buildComponents() {
	cfg := c.Config

	regOpts := []registry.Option{registry.WithPublisher(c.Bus), registry.WithClock(c.Clock)}
	sessOpts := []session.Option{
		session.WithPublisher(c.Bus),
		session.WithClock(c.Clock),
		session.WithMetrics(session.NewMetrics(c.Metrics)),
		session.WithFailureLog(cfg.DataDir),
	}
	histOpts := []history.Option{history.WithClock(c.Clock), history.WithLocation(cfg.Location())}
	adminOpts := []admin.Option{
		admin.WithPublisher(c.Bus),
		admin.WithClock(c.Clock),
		admin.WithPoll(admin.PollFromConfig(cfg.StaleRead)),
	}
	if c.Storage != nil {
		regOpts = append(regOpts, registry.WithCache(c.Storage))
		sessOpts = append(sessOpts, session.WithCache(c.Storage))
		histOpts = append(histOpts, history.WithCache(c.Storage))
		adminOpts = append(adminOpts, admin.WithUserCache(c.Storage))
	}

	c.Registry = registry.New(c.Backend, c.Logger.Named("registry"), regOpts...)
	c.Session = session.New(c.Backend, c.Registry, c.User.ID, c.Logger.Named("session"), sessOpts...)

	histOpts = append(histOpts, history.WithServerLookup(func(id string) bool {
		_, err := c.Registry.Get(id)
		return err == nil
	}))
	c.History = history.NewAggregator(c.Backend, c.User.ID, c.Logger.Named("history"), histOpts...)
	c.Admin = admin.NewManager(c.Backend, c.Registry, c.User, c.Logger.Named("admin"), adminOpts...)
}

// Start seeds the registry from the cache, refreshes it and restores the session.
// A failed refresh falls back to the cached inventory and is reported but not fatal.
func (c *Console) Start(ctx context.Context) error {
	if _, err := c.Registry.LoadCached(); err != nil {
		c.Logger.Debug("No cached inventory", zap.Error(err))
	}

	var errs []error
	if err := c.Registry.Refresh(ctx); err != nil {
		if types.IsAuthFailure(err) {
			return err
		}
		errs = append(errs, err)
	}
	if err := c.Session.Restore(ctx); err != nil {
		if types.IsAuthFailure(err) {
			return err
		}
		if _, cacheErr := c.Session.LoadCached(); cacheErr != nil {
			c.Logger.Debug("No cached session", zap.Error(cacheErr))
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Watch applies live server status updates to the registry until ctx is cancelled.
// In demo mode updates come straight from the in-memory store.
func (c *Console) Watch(ctx context.Context) error {
	if c.memory != nil {
		unsubscribe := c.memory.Subscribe(c.Registry.Apply)
		defer unsubscribe()
		<-ctx.Done()
		return nil
	}
	if c.client == nil {
		return types.NewError(types.KindValidation, "live updates need the HTTP backend")
	}

	c.stream = api.NewStreamClient(c.Config.StreamURL(), c.client.Token, c.Logger.Named("stream"),
		api.WithStreamMetrics(c.apiMetrics))
	return c.stream.Run(ctx, c.Registry.Apply)
}

// StreamConnected reports whether the live status stream is open
func (c *Console) StreamConnected() bool {
	return c.stream != nil && c.stream.Connected()
}

// MemoryStore returns the in-memory store in demo mode, nil otherwise
func (c *Console) MemoryStore() *api.MemoryStore {
	return c.memory
}

// Logout ends the session at the API
func (c *Console) Logout(ctx context.Context) error {
	return c.Backend.Logout(ctx)
}

// Close releases the cache and flushes the communication log
func (c *Console) Close() error {
	var errs []error
	if c.Storage != nil {
		errs = append(errs, c.Storage.Close())
	}
	if c.comm != nil {
		errs = append(errs, c.comm.Close())
	}
	if c.Bus != nil {
		c.Bus.Close()
	}
	return errors.Join(errs...)
}
