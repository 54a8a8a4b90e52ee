package history

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/lww"
	"vpnconsole-go/internal/types"
)

// Cache persists the last fetched history of a user
type Cache interface {
	SaveHistory(userID string, records []*types.Connection) error
	LoadHistory(userID string) ([]*types.Connection, error)
}

// View is a filtered, sorted slice of the history with its summary
type View struct {
	Records []*types.Connection `json:"records"`
	Summary Summary             `json:"summary"`
}

// Aggregator loads a user's history and serves views over it
type Aggregator struct {
	source api.HistorySource
	userID string
	cache  Cache
	clock  *lww.Clock
	known  func(serverID string) bool
	logger *zap.Logger
	loc    *time.Location
	now    func() time.Time

	mu        sync.RWMutex
	records   []*types.Connection
	loadedAt  time.Time
	fromCache bool
}

// Option configures an Aggregator
type Option func(*Aggregator)

// WithCache persists every successful fetch and enables LoadCached
func WithCache(c Cache) Option {
	return func(a *Aggregator) { a.cache = c }
}

// WithClock shares a sequence clock with other components
func WithClock(c *lww.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// WithLocation sets the zone of the "today" period
func WithLocation(loc *time.Location) Option {
	return func(a *Aggregator) { a.loc = loc }
}

// WithNow overrides the time source
func WithNow(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// WithServerLookup makes summaries count only servers that still exist
func WithServerLookup(known func(serverID string) bool) Option {
	return func(a *Aggregator) { a.known = known }
}

// NewAggregator creates an aggregator for userID
func NewAggregator(source api.HistorySource, userID string, logger *zap.Logger, opts ...Option) *Aggregator {
	a := &Aggregator{
		source: source,
		userID: userID,
		clock:  lww.New(),
		logger: logger,
		loc:    time.Local,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Refresh fetches the full history. On failure the loaded records are kept.
func (a *Aggregator) Refresh(ctx context.Context) error {
	ticket := a.clock.Begin("history:" + a.userID)

	records, err := a.source.History(ctx)
	if err != nil {
		if types.IsAuthFailure(err) {
			return err
		}
		return types.WrapError(types.KindUpstreamUnavailable, err, "load connection history")
	}
	if a.clock.Stale(ticket) {
		return nil
	}

	copied := make([]*types.Connection, 0, len(records))
	for _, r := range records {
		if r != nil {
			copied = append(copied, r.Clone())
		}
	}

	a.mu.Lock()
	a.records = copied
	a.loadedAt = a.now()
	a.fromCache = false
	a.mu.Unlock()

	if a.cache != nil {
		if err := a.cache.SaveHistory(a.userID, copied); err != nil {
			a.logger.Warn("Failed to cache connection history", zap.Error(err))
		}
	}
	return nil
}

// LoadCached replaces the records with the persisted copy when nothing was fetched yet
func (a *Aggregator) LoadCached() (bool, error) {
	if a.cache == nil {
		return false, nil
	}
	records, err := a.cache.LoadHistory(a.userID)
	if err != nil {
		return false, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.loadedAt.IsZero() && !a.fromCache {
		return false, nil
	}
	a.records = records
	a.fromCache = true
	return len(records) > 0, nil
}

// FromCache reports whether the records came from the local cache
func (a *Aggregator) FromCache() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.fromCache
}

// Records returns copies of the loaded records, most recent first as delivered
func (a *Aggregator) Records() []*types.Connection {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*types.Connection, len(a.records))
	for i, r := range a.records {
		out[i] = r.Clone()
	}
	return out
}

// View filters, sorts and summarises the loaded records. The summary covers the
// filtered set.
func (a *Aggregator) View(c Criteria, key SortKey) View {
	filtered := Filter(a.Records(), c, a.now(), a.loc)

	var opts []SummarizeOption
	if a.known != nil {
		opts = append(opts, WithKnownServers(a.known))
	}
	return View{
		Records: Sort(filtered, key),
		Summary: Summarize(filtered, opts...),
	}
}
