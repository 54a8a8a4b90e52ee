// Package registry holds the set of known VPN servers and keeps their status, load and
// connection counts fresh from the inventory API and the live status stream.
package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/events"
	"vpnconsole-go/internal/lww"
	"vpnconsole-go/internal/types"
)

// listKey is the lww key of full inventory refreshes
const listKey = "servers:list"

// Cache persists the last good inventory snapshot
type Cache interface {
	SaveServers(servers []*types.Server, refreshedAt time.Time) error
	LoadServers() ([]*types.Server, time.Time, error)
}

// Registry is the in-memory server inventory
type Registry struct {
	source api.ServerSource
	cache  Cache
	bus    events.Publisher
	clock  *lww.Clock
	logger *zap.Logger
	now    func() time.Time

	mu          sync.RWMutex
	servers     map[string]*types.Server
	order       []string
	refreshedAt time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithCache persists every successful refresh and enables LoadCached
func WithCache(c Cache) Option {
	return func(r *Registry) { r.cache = c }
}

// WithPublisher publishes refresh and status-change events
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.bus = p }
}

// WithClock shares a sequence clock with other components
func WithClock(c *lww.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithNow overrides the time source
func WithNow(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates an empty registry reading from source
func New(source api.ServerSource, logger *zap.Logger, opts ...Option) *Registry {
	r := &Registry{
		source:  source,
		bus:     events.Nop{},
		clock:   lww.New(),
		logger:  logger,
		now:     time.Now,
		servers: make(map[string]*types.Server),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Refresh fetches the full inventory and replaces the in-memory set in one step.
// On failure the previous set is kept. Per-server live updates applied while the
// fetch was in flight win over the fetched values.
func (r *Registry) Refresh(ctx context.Context) error {
	ticket := r.clock.Begin(listKey)

	fetched, err := r.source.ListServers(ctx)
	if err != nil {
		r.logger.Warn("Server refresh failed, keeping previous inventory", zap.Error(err))
		return upstreamError(err, "refresh server inventory")
	}

	if r.clock.Stale(ticket) {
		r.logger.Debug("Discarding superseded server refresh")
		return nil
	}

	now := r.now()
	r.mu.Lock()
	next := make(map[string]*types.Server, len(fetched))
	order := make([]string, 0, len(fetched))
	for _, srv := range fetched {
		if srv == nil || srv.ID == "" {
			continue
		}
		if r.clock.StaleFor(srv.ID, ticket) {
			// a newer live update wins; if it removed the server, so be it
			current, ok := r.servers[srv.ID]
			if !ok {
				continue
			}
			srv = current
		} else {
			cp := *srv
			srv = &cp
		}
		if _, dup := next[srv.ID]; !dup {
			order = append(order, srv.ID)
		}
		next[srv.ID] = srv
	}
	r.servers = next
	r.order = order
	r.refreshedAt = now
	snapshot := r.listLocked()
	r.mu.Unlock()

	if r.cache != nil {
		if err := r.cache.SaveServers(snapshot, now); err != nil {
			r.logger.Warn("Failed to cache server inventory", zap.Error(err))
		}
	}

	stats := statsOf(snapshot)
	r.bus.Publish(events.Event{
		Type:      events.ServersRefreshed,
		Timestamp: now,
		Data:      events.RefreshData{Total: stats.Total, Online: stats.Online},
	})
	r.logger.Debug("Server inventory refreshed",
		zap.Int("total", stats.Total),
		zap.Int("online", stats.Online))
	return nil
}

// RefreshServer re-reads a single server. A NotFound answer removes it from the set.
func (r *Registry) RefreshServer(ctx context.Context, id string) error {
	ticket := r.clock.Begin(id)

	srv, err := r.source.GetServer(ctx, id)
	if err != nil && types.KindOf(err) != types.KindNotFound {
		return upstreamError(err, "refresh server %s", id)
	}
	if r.clock.Stale(ticket) {
		return nil
	}

	r.mu.Lock()
	old, existed := r.servers[id]
	if err != nil {
		if existed {
			delete(r.servers, id)
			r.order = removeID(r.order, id)
		}
	} else {
		cp := *srv
		if !existed {
			r.order = append(r.order, id)
		}
		r.servers[id] = &cp
	}
	r.mu.Unlock()

	if err != nil {
		if existed {
			r.publishStatus(id, old.Status, "")
		}
		return err
	}
	if !existed || old.Status != srv.Status {
		var previous types.ServerStatus
		if existed {
			previous = old.Status
		}
		r.publishStatus(id, previous, srv.Status)
	}
	return nil
}

// Apply merges a live status update. Each update supersedes any in-flight read of the
// same server. Updates for unknown servers are ignored until the next refresh.
func (r *Registry) Apply(update api.StatusUpdate) {
	if update.ServerID == "" {
		return
	}
	r.mu.Lock()
	srv, ok := r.servers[update.ServerID]
	if !ok {
		r.mu.Unlock()
		r.logger.Debug("Status update for unknown server", zap.String("server_id", update.ServerID))
		return
	}
	// ignored updates must not supersede an in-flight fetch
	r.clock.Begin(update.ServerID)
	if update.Removed {
		delete(r.servers, update.ServerID)
		r.order = removeID(r.order, update.ServerID)
		r.mu.Unlock()
		r.publishStatus(update.ServerID, srv.Status, "")
		return
	}

	next := *srv
	if update.Status != "" {
		next.Status = update.Status
	}
	next.Load = clamp(update.Load, 0, 100)
	next.CurrentConnections = clamp(update.CurrentConnections, 0, next.MaxConnections)
	r.servers[update.ServerID] = &next
	r.mu.Unlock()

	if next.Status != srv.Status {
		r.publishStatus(update.ServerID, srv.Status, next.Status)
	}
}

func (r *Registry) publishStatus(id string, old, next types.ServerStatus) {
	r.bus.Publish(events.Event{
		Type:      events.ServerStatusChanged,
		EntityID:  id,
		OldState:  string(old),
		NewState:  string(next),
		Timestamp: r.now(),
	})
}

// LoadCached seeds the registry from the persisted snapshot, if any. It never
// overrides a set loaded by Refresh.
func (r *Registry) LoadCached() (time.Time, error) {
	if r.cache == nil {
		return time.Time{}, nil
	}
	servers, at, err := r.cache.LoadServers()
	if err != nil {
		return time.Time{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.refreshedAt.IsZero() || len(servers) == 0 {
		return r.refreshedAt, nil
	}
	for _, srv := range servers {
		r.servers[srv.ID] = srv
		r.order = append(r.order, srv.ID)
	}
	r.refreshedAt = at
	return at, nil
}

// Get returns a copy of the server, or NotFound
func (r *Registry) Get(id string) (*types.Server, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	srv, ok := r.servers[id]
	if !ok {
		return nil, types.NewError(types.KindNotFound, "server %s not found", id)
	}
	cp := *srv
	return &cp, nil
}

// List returns copies of all servers in inventory order
func (r *Registry) List() []*types.Server {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.listLocked()
}

// ListOnline returns copies of the servers accepting connections
func (r *Registry) ListOnline() []*types.Server {
	var out []*types.Server
	for _, srv := range r.List() {
		if srv.Status == types.ServerOnline {
			out = append(out, srv)
		}
	}
	return out
}

// RefreshedAt is the time of the last successful refresh (or of the cached snapshot)
func (r *Registry) RefreshedAt() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refreshedAt
}

// Len returns the number of known servers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.servers)
}

func (r *Registry) listLocked() []*types.Server {
	out := make([]*types.Server, 0, len(r.order))
	for _, id := range r.order {
		if srv, ok := r.servers[id]; ok {
			cp := *srv
			out = append(out, &cp)
		}
	}
	return out
}

// Countries returns the distinct countries, sorted
func (r *Registry) Countries() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, srv := range r.List() {
		if _, ok := seen[srv.Country]; ok || srv.Country == "" {
			continue
		}
		seen[srv.Country] = struct{}{}
		out = append(out, srv.Country)
	}
	sort.Strings(out)
	return out
}

// Recommended returns up to n online servers with the lowest load
func (r *Registry) Recommended(n int) []*types.Server {
	online := r.ListOnline()
	sort.SliceStable(online, func(i, j int) bool { return online[i].Load < online[j].Load })
	if n >= 0 && len(online) > n {
		online = online[:n]
	}
	return online
}

// Stats summarises the inventory for the dashboard
func (r *Registry) Stats() Stats {
	return statsOf(r.List())
}

// upstreamError keeps auth failures as they are and turns anything else into UpstreamUnavailable
func upstreamError(err error, format string, args ...interface{}) error {
	if types.IsAuthFailure(err) {
		return err
	}
	return types.WrapError(types.KindUpstreamUnavailable, err, format, args...)
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
