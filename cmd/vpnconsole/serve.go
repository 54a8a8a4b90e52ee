package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"syscall"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/config"
	"vpnconsole-go/internal/console"
	"vpnconsole-go/internal/events"
	"vpnconsole-go/internal/logs"
	"vpnconsole-go/internal/mcptools"
	"vpnconsole-go/internal/processlock"
	"vpnconsole-go/internal/server"
	"vpnconsole-go/internal/shutdown"
	"vpnconsole-go/internal/types"
)

var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}

func newWatchCmd(a *app) *cobra.Command {
	var simulate time.Duration

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Follow live server status and session events until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := c.Start(ctx); err != nil {
				if types.IsAuthFailure(err) {
					c.Close()
					return err
				}
				c.Logger.Warn("Initial load incomplete", zap.Error(err))
			}

			lock := processlock.New(c.Config.DataDir, "watch", c.Logger)
			if err := lock.Acquire(c.Config.MetricsListen); err != nil {
				c.Close()
				return err
			}

			coord := shutdown.NewCoordinator(c.Logger)
			coord.RegisterCloser("process-lock", shutdown.PhaseCleanup, lock)
			serveMetrics(c, coord)
			watchConfig(a.configPath, c, coord)

			eventsDone := make(chan struct{})
			go func() {
				defer close(eventsDone)
				printEvents(cmd.OutOrStdout(), c.Bus.SubscribeAll())
			}()

			if store := c.MemoryStore(); store != nil && simulate > 0 {
				go server.Simulate(ctx, store, simulate, nil, c.Logger.Named("simulate"))
			}

			var watchErr error
			watchDone := make(chan struct{})
			go func() {
				defer close(watchDone)
				defer cancel()
				watchErr = c.Watch(ctx)
			}()

			coord.RegisterFunc("status-stream", shutdown.PhaseStreams, func(ctx context.Context) error {
				cancel()
				select {
				case <-watchDone:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			coord.RegisterCloser("console", shutdown.PhaseStorage, c)

			if err := coord.WaitForSignal(ctx, shutdownSignals...); err != nil {
				return err
			}
			<-eventsDone
			if n := c.Bus.Dropped(); n > 0 {
				c.Logger.Warn("Events dropped by slow subscribers", zap.Uint64("count", n))
			}
			if watchErr != nil && !errors.Is(watchErr, context.Canceled) {
				return watchErr
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&simulate, "simulate", 0, "In demo mode, drift server load at this interval")
	return cmd
}

// serveMetrics exposes the console's collectors when metrics_listen is configured
func serveMetrics(c *console.Console, coord *shutdown.Coordinator) {
	addr := c.Config.MetricsListen
	if addr == "" {
		return
	}

	c.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.Metrics, promhttp.HandlerOpts{Registry: c.Metrics}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.Logger.Error("Metrics endpoint failed", zap.String("address", addr), zap.Error(err))
		}
	}()
	c.Logger.Info("Serving metrics", zap.String("address", addr))
	coord.RegisterFunc("metrics-endpoint", shutdown.PhaseListeners, srv.Shutdown)
}

// watchConfig republishes configuration file changes on the console bus
func watchConfig(path string, c *console.Console, coord *shutdown.Coordinator) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	loader, err := config.NewLoader(path, c.Logger.Named("config"))
	if err != nil {
		c.Logger.Warn("Configuration watcher unavailable", zap.Error(err))
		return
	}
	if _, err := loader.Load(); err != nil {
		c.Logger.Warn("Configuration watcher unavailable", zap.Error(err))
		loader.Stop()
		return
	}
	err = loader.StartWatching(func(cfg *config.Config) error {
		c.Bus.Publish(events.Event{
			Type:      events.ConfigReloaded,
			Timestamp: time.Now(),
			Data:      map[string]interface{}{"log_level": cfg.Logging.Level, "enable_stream": cfg.EnableStream},
		})
		return nil
	})
	if err != nil {
		c.Logger.Warn("Configuration watcher unavailable", zap.Error(err))
		loader.Stop()
		return
	}
	coord.RegisterFunc("config-watcher", shutdown.PhaseCleanup, func(context.Context) error {
		return loader.Stop()
	})
}

func printEvents(w io.Writer, ch <-chan events.Event) {
	for ev := range ch {
		line := fmt.Sprintf("%s %s", ev.Timestamp.Format(time.TimeOnly), ev.Type)
		if ev.EntityID != "" {
			line += " " + ev.EntityID
		}
		if ev.OldState != "" || ev.NewState != "" {
			line += fmt.Sprintf(" %s -> %s", ev.OldState, ev.NewState)
		}
		fmt.Fprintln(w, line)
	}
}

func newMCPCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the console as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.open(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if err := c.Start(ctx); err != nil {
				if types.IsAuthFailure(err) {
					c.Close()
					return err
				}
				c.Logger.Warn("Initial load incomplete", zap.Error(err))
			}

			coord := shutdown.NewCoordinator(c.Logger)
			if c.Config.EnableStream || c.MemoryStore() != nil {
				go func() {
					if err := c.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
						c.Logger.Warn("Live updates stopped", zap.Error(err))
					}
				}()
				coord.RegisterFunc("status-stream", shutdown.PhaseStreams, func(context.Context) error {
					cancel()
					return nil
				})
			}
			coord.RegisterCloser("console", shutdown.PhaseStorage, c)

			serveErr := mcpserver.ServeStdio(mcptools.NewMCPServer(c, version, c.Logger))
			if err := coord.Shutdown(context.Background()); err != nil {
				c.Logger.Warn("Shutdown incomplete", zap.Error(err))
			}
			return serveErr
		},
	}
}

func newDemoServerCmd(a *app) *cobra.Command {
	var listen string
	var simulate time.Duration
	var seed uint64

	cmd := &cobra.Command{
		Use:   "demo-server",
		Short: "Run an in-memory implementation of the persistence API",
		Long: `Run an in-memory implementation of the persistence API with sample servers and two
accounts: demo-admin-token (admin) and demo-user-token (user).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := logs.SetupLogger(cfg.Logging)
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			defer logger.Sync()

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			lock := processlock.New(cfg.DataDir, "demo-server", logger)
			if err := lock.Acquire(listen); err != nil {
				return err
			}
			defer lock.Release()

			store := a.memory
			if store == nil {
				store = api.NewMemoryStore()
			}
			srv := server.New(store, logger)

			startErr := make(chan error, 1)
			go func() {
				startErr <- srv.Start(ctx, listen)
				cancel()
			}()

			simDone := make(chan struct{})
			go func() {
				defer close(simDone)
				if simulate <= 0 {
					<-ctx.Done()
					return
				}
				var rng *rand.Rand
				if cmd.Flags().Changed("seed") {
					rng = rand.New(rand.NewPCG(seed, seed))
				}
				server.Simulate(ctx, store, simulate, rng, logger.Named("simulate"))
			}()

			coord := shutdown.NewCoordinator(logger)
			coord.RegisterFunc("demo-api", shutdown.PhaseListeners, srv.Shutdown)
			coord.RegisterFunc("simulator", shutdown.PhaseStreams, func(ctx context.Context) error {
				cancel()
				select {
				case <-simDone:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})

			if err := coord.WaitForSignal(ctx, shutdownSignals...); err != nil {
				return err
			}
			return <-startErr
		},
	}
	cmd.Flags().StringVarP(&listen, "listen", "l", envOr("VPNCONSOLE_DEMO_LISTEN", "127.0.0.1:8001"), "Listen address [env: VPNCONSOLE_DEMO_LISTEN]")
	cmd.Flags().DurationVar(&simulate, "simulate", 5*time.Second, "Drift server load at this interval; 0 disables")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "Seed for the load simulation")
	return cmd
}

func newCacheCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect the local cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "stats",
			Short: "Show cached record counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return a.withStorage(cmd, func(c *console.Console) error {
					stats, err := c.Storage.GetStats()
					if err != nil {
						return err
					}
					schemaVersion, err := c.Storage.GetSchemaVersion()
					if err != nil {
						return err
					}
					stats["schema_version"] = schemaVersion
					stats["data_dir"] = c.Config.DataDir
					return printJSON(cmd.OutOrStdout(), stats)
				})
			},
		},
		&cobra.Command{
			Use:   "backup <path>",
			Short: "Copy the cache database to path",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.withStorage(cmd, func(c *console.Console) error {
					if err := c.Storage.Backup(args[0]); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Backup written to %s\n", args[0])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear-failures",
			Short: "Empty the connection failure log",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				cfg, err := a.loadConfig(cmd)
				if err != nil {
					return err
				}
				return logs.ClearFailureLog(cfg.DataDir)
			},
		},
	)
	return cmd
}

// withStorage opens a console and runs fn when its cache is available
func (a *app) withStorage(cmd *cobra.Command, fn func(c *console.Console) error) error {
	c, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer c.Close()
	if c.Storage == nil {
		return fmt.Errorf("local cache in %s is unavailable", c.Config.DataDir)
	}
	return fn(c)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
