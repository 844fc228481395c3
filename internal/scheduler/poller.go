// Package scheduler runs the background loops: the route poller keeps
// the in-memory routing table converged with the database, and the
// checker re-snapshots due services and reacts to capability drift.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mcpguardian/mcpguardian/internal/registry"
)

// RoutePoller reloads the routing table on an interval. Admin mutations
// reload synchronously; the poller exists so changes made by another
// process against the same database still converge.
type RoutePoller struct {
	registry *registry.Registry
	interval time.Duration
	logger   *slog.Logger
}

func NewRoutePoller(reg *registry.Registry, interval time.Duration, logger *slog.Logger) *RoutePoller {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &RoutePoller{registry: reg, interval: interval, logger: logger}
}

// Run reloads until ctx is cancelled. It always returns ctx.Err().
func (p *RoutePoller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.registry.Reload(ctx); err != nil && ctx.Err() == nil {
				p.logger.Error("route reload failed", "error", err)
			}
		}
	}
}
