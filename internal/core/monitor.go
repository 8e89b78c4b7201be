package core

import (
	"context"
	"log/slog"
	"time"

	"risk-backend/internal/messaging"
)

// Monitor periodically logs queue depths and worker liveness so an operator
// can see backlog growth without querying the broker directly.
type Monitor struct {
	receiver messaging.Receiver
	pool     *WorkerPool
	interval time.Duration
}

func NewMonitor(receiver messaging.Receiver, pool *WorkerPool, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Monitor{receiver: receiver, pool: pool, interval: interval}
}

// Run blocks until ctx is cancelled, emitting one report per interval.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.report(ctx)
		}
	}
}

func (m *Monitor) report(ctx context.Context) {
	depths, err := m.receiver.QueueDepths(ctx)
	if err != nil {
		slog.Error("health monitor could not read queue depths", "error", err)
		return
	}

	args := []any{
		"in_flight", m.pool.InFlight(),
		"live_workers", m.pool.LiveWorkers(),
	}
	for _, tier := range messaging.Tiers {
		args = append(args, "depth_"+string(tier), depths[tier])
	}
	slog.Info("pipeline health", args...)
}
