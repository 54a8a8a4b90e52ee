package server

import (
	"context"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"

	"vpnconsole-go/internal/api"
	"vpnconsole-go/internal/types"
)

// Simulate drifts the load of online servers every interval until ctx is cancelled, so
// stream clients of the demo API see live updates.
func Simulate(ctx context.Context, store *api.MemoryStore, interval time.Duration, rng *rand.Rand, logger *zap.Logger) {
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(time.Now().UnixNano()), 0))
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	admin := store.As(api.DemoAdminID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		servers, err := admin.ListServers(ctx)
		if err != nil {
			logger.Debug("Simulation tick skipped", zap.Error(err))
			continue
		}
		var online []*types.Server
		for _, srv := range servers {
			if srv.Status == types.ServerOnline {
				online = append(online, srv)
			}
		}
		if len(online) == 0 {
			continue
		}

		srv := online[rng.IntN(len(online))]
		load := drift(srv.Load, rng.IntN(21)-10)
		if err := store.SetServerStatus(srv.ID, srv.Status, load); err != nil {
			logger.Debug("Simulated update failed", zap.String("server_id", srv.ID), zap.Error(err))
		}
	}
}

// drift moves load by delta and keeps it within 0..100
func drift(load, delta int) int {
	load += delta
	if load < 0 {
		return 0
	}
	if load > 100 {
		return 100
	}
	return load
}
