// Package shutdown runs cleanup handlers for long-running console commands in a fixed
// phase order, each under its own timeout.
package shutdown

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"vpnconsole-go/internal/config"
)

// Phase groups handlers; phases run in declaration order
type Phase int

const (
	// PhaseListeners stops accepting HTTP requests (metrics endpoint, demo API)
	PhaseListeners Phase = iota
	// PhaseStreams closes live status streams and background producers
	PhaseStreams
	// PhaseSession settles the VPN session
	PhaseSession
	// PhaseStorage closes the local cache
	PhaseStorage
	// PhaseCleanup releases locks and watchers
	PhaseCleanup

	phaseCount
)

var phaseNames = [phaseCount]string{"Listeners", "Streams", "Session", "Storage", "Cleanup"}

// String returns the phase name
func (p Phase) String() string {
	if p < 0 || p >= phaseCount {
		return "Unknown"
	}
	return phaseNames[p]
}

// ShutdownFunc does the work of one handler; ctx carries the handler's deadline
type ShutdownFunc func(ctx context.Context) error

// Handler is one registered cleanup step
type Handler struct {
	Name     string
	Phase    Phase
	Priority int // higher runs first within a phase
	Fn       ShutdownFunc
	Timeout  time.Duration // 0 uses the coordinator default

	seq int
}

// Progress reports the outcome of one handler
type Progress struct {
	Phase     Phase
	Handler   string
	Completed bool
	Error     error
	Duration  time.Duration
}

// Coordinator runs registered handlers once, phase by phase
type Coordinator struct {
	logger *zap.Logger

	mu             sync.RWMutex
	handlers       []*Handler
	nextSeq        int
	defaultTimeout time.Duration
	totalTimeout   time.Duration

	once     sync.Once
	stopping atomic.Bool
	done     chan struct{}
	err      error
	progress chan Progress
}

// NewCoordinator creates a coordinator with the configured default timeouts
func NewCoordinator(logger *zap.Logger) *Coordinator {
	return &Coordinator{
		logger:         logger.Named("shutdown"),
		defaultTimeout: config.ShutdownHandlerTimeout,
		totalTimeout:   config.ShutdownTimeout,
		done:           make(chan struct{}),
		progress:       make(chan Progress, 100),
	}
}

// Register adds h. Handlers registered after Shutdown started do not run.
func (c *Coordinator) Register(h *Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h.Timeout <= 0 {
		h.Timeout = c.defaultTimeout
	}
	h.seq = c.nextSeq
	c.nextSeq++
	c.handlers = append(c.handlers, h)

	c.logger.Debug("Registered shutdown handler",
		zap.String("name", h.Name),
		zap.Stringer("phase", h.Phase),
		zap.Int("priority", h.Priority))
}

// RegisterFunc registers fn with default priority and timeout
func (c *Coordinator) RegisterFunc(name string, phase Phase, fn ShutdownFunc) {
	c.Register(&Handler{Name: name, Phase: phase, Fn: fn})
}

// RegisterCloser registers closer.Close as a handler
func (c *Coordinator) RegisterCloser(name string, phase Phase, closer io.Closer) {
	c.RegisterFunc(name, phase, func(context.Context) error {
		return closer.Close()
	})
}

// Unregister removes every handler called name
func (c *Coordinator) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = slices.DeleteFunc(c.handlers, func(h *Handler) bool { return h.Name == name })
}

// IsShuttingDown reports whether Shutdown has been called
func (c *Coordinator) IsShuttingDown() bool {
	return c.stopping.Load()
}

// Done is closed when shutdown has finished
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Progress delivers one entry per executed handler and is closed after shutdown.
// Entries are dropped when nobody reads and the buffer is full.
func (c *Coordinator) Progress() <-chan Progress {
	return c.progress
}

// Shutdown runs every handler once. Later calls return the first call's result.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.once.Do(func() {
		c.stopping.Store(true)
		c.err = c.run(ctx)
		close(c.done)
		close(c.progress)
	})
	return c.err
}

// WaitForSignal blocks until one of sigs arrives or ctx is done, then shuts down. The
// returned error is the shutdown error.
func (c *Coordinator) WaitForSignal(ctx context.Context, sigs ...os.Signal) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		c.logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
	case <-ctx.Done():
		c.logger.Debug("Context done, shutting down")
	}
	return c.Shutdown(context.Background())
}

// plan returns the handlers grouped by phase, each group in execution order
func (c *Coordinator) plan() (groups [phaseCount][]*Handler, total time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, h := range c.handlers {
		if h.Phase >= 0 && h.Phase < phaseCount {
			groups[h.Phase] = append(groups[h.Phase], h)
		}
	}
	for _, g := range groups {
		sortHandlers(g)
	}
	return groups, c.totalTimeout
}

func sortHandlers(hs []*Handler) {
	slices.SortFunc(hs, func(a, b *Handler) int {
		if a.Priority != b.Priority {
			return cmp.Compare(b.Priority, a.Priority)
		}
		return cmp.Compare(a.seq, b.seq)
	})
}

func (c *Coordinator) run(ctx context.Context) error {
	groups, total := c.plan()
	ctx, cancel := context.WithTimeout(ctx, total)
	defer cancel()

	start := time.Now()
	c.logger.Info("Shutting down")

	var errs []error
	for phase, group := range groups {
		if len(group) == 0 {
			continue
		}
		c.logger.Debug("Shutdown phase", zap.Stringer("phase", Phase(phase)), zap.Int("handlers", len(group)))

		var phaseErrs []error
		for _, h := range group {
			if err := c.call(ctx, h); err != nil {
				phaseErrs = append(phaseErrs, fmt.Errorf("%s: %w", h.Name, err))
			}
		}
		if len(phaseErrs) > 0 {
			errs = append(errs, fmt.Errorf("phase %s: %w", Phase(phase), errors.Join(phaseErrs...)))
		}

		if ctx.Err() != nil {
			c.logger.Warn("Shutdown deadline reached, skipping remaining phases",
				zap.Duration("elapsed", time.Since(start)))
			errs = append(errs, fmt.Errorf("shutdown timeout: %w", ctx.Err()))
			break
		}
	}

	if len(errs) > 0 {
		c.logger.Warn("Shutdown finished with errors",
			zap.Duration("duration", time.Since(start)),
			zap.Int("errors", len(errs)))
		return errors.Join(errs...)
	}
	c.logger.Info("Shutdown complete", zap.Duration("duration", time.Since(start)))
	return nil
}

// call runs one handler under its own timeout. A handler that ignores its context is
// abandoned when the timeout expires.
func (c *Coordinator) call(ctx context.Context, h *Handler) error {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, h.Timeout)
	defer cancel()

	result := make(chan error, 1)
	go func() { result <- h.Fn(hctx) }()

	var err error
	select {
	case err = <-result:
	case <-hctx.Done():
		err = fmt.Errorf("handler timeout after %v", h.Timeout)
	}
	elapsed := time.Since(start)

	select {
	case c.progress <- Progress{Phase: h.Phase, Handler: h.Name, Completed: err == nil, Error: err, Duration: elapsed}:
	default:
	}

	if err != nil {
		c.logger.Warn("Shutdown handler failed", zap.String("name", h.Name), zap.Duration("duration", elapsed), zap.Error(err))
	}
	return err
}

// SetTotalTimeout bounds the whole shutdown
func (c *Coordinator) SetTotalTimeout(d time.Duration) {
	c.mu.Lock()
	c.totalTimeout = d
	c.mu.Unlock()
}

// SetDefaultTimeout applies to handlers registered afterwards without their own timeout
func (c *Coordinator) SetDefaultTimeout(d time.Duration) {
	c.mu.Lock()
	c.defaultTimeout = d
	c.mu.Unlock()
}

// GetHandlerCount returns the number of registered handlers
func (c *Coordinator) GetHandlerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.handlers)
}

// GetPhaseHandlers returns the names registered for phase in execution order
func (c *Coordinator) GetPhaseHandlers(phase Phase) []string {
	c.mu.RLock()
	var group []*Handler
	for _, h := range c.handlers {
		if h.Phase == phase {
			group = append(group, h)
		}
	}
	c.mu.RUnlock()

	sortHandlers(group)
	names := make([]string, 0, len(group))
	for _, h := range group {
		names = append(names, h.Name)
	}
	return names
}
