// Package registry holds the in-memory routing table consulted on
// every proxied request. The table is swapped atomically on reload so
// request handlers never take a lock.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/mcpguardian/mcpguardian/internal/store"
)

// Route is one proxyable service. Disabled services stay in the table
// so the proxy can distinguish "disabled pending review" from "unknown".
type Route struct {
	ServiceID   string
	Name        string
	UpstreamURL string
	Enabled     bool
}

// Registry maps service names to routes.
type Registry struct {
	services store.ServiceStore
	logger   *slog.Logger
	table    atomic.Pointer[map[string]Route]
}

func New(services store.ServiceStore, logger *slog.Logger) *Registry {
	r := &Registry{services: services, logger: logger}
	empty := map[string]Route{}
	r.table.Store(&empty)
	return r
}

// Reload rebuilds the table from the store and swaps it in. On error
// the previous table stays live.
func (r *Registry) Reload(ctx context.Context) error {
	services, err := r.services.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("reload routes: %w", err)
	}

	table := make(map[string]Route, len(services))
	for _, s := range services {
		table[s.Name] = Route{
			ServiceID:   s.ID,
			Name:        s.Name,
			UpstreamURL: s.UpstreamURL,
			Enabled:     s.Enabled,
		}
	}
	r.table.Store(&table)

	if r.logger != nil {
		r.logger.Debug("routing table reloaded", "routes", len(table))
	}
	return nil
}

// Lookup returns the route for a service name. Disabled routes are
// returned with Enabled false.
func (r *Registry) Lookup(name string) (Route, bool) {
	table := *r.table.Load()
	route, ok := table[name]
	return route, ok
}

// Len reports the number of routes currently live.
func (r *Registry) Len() int {
	return len(*r.table.Load())
}
