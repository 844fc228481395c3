package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcpguardian/mcpguardian/internal/registry"
	"github.com/mcpguardian/mcpguardian/internal/snapshot"
	"github.com/mcpguardian/mcpguardian/internal/store"
)

// taker is the snapshot surface the checker needs.
type taker interface {
	Take(ctx context.Context, url string) (*snapshot.Result, error)
}

// Checker periodically re-snapshots services whose check frequency has
// elapsed and compares each new snapshot against the approved baseline.
// A match is recorded as system approved; a mismatch records the new
// snapshot as unapproved and disables the service in the same
// transaction, so traffic stops until a human reviews the change.
type Checker struct {
	store    store.Store
	snaps    taker
	registry *registry.Registry
	interval time.Duration
	logger   *slog.Logger
}

func NewChecker(st store.Store, snaps taker, reg *registry.Registry, interval time.Duration, logger *slog.Logger) *Checker {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Checker{
		store:    st,
		snaps:    snaps,
		registry: reg,
		interval: interval,
		logger:   logger,
	}
}

// Run ticks until ctx is cancelled. It always returns ctx.Err().
func (c *Checker) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx, time.Now().UTC())
		}
	}
}

// Tick checks every due service once. Failures on one service are
// logged and do not block the others.
func (c *Checker) Tick(ctx context.Context, now time.Time) {
	due, err := c.store.ListServicesDue(ctx, now)
	if err != nil {
		if ctx.Err() == nil {
			c.logger.Error("list due services failed", "error", err)
		}
		return
	}

	for _, svc := range due {
		if ctx.Err() != nil {
			return
		}
		if err := c.CheckService(ctx, &svc); err != nil && ctx.Err() == nil {
			c.logger.Error("capability check failed",
				"service", svc.Name, "error", err)
		}
	}
}

// CheckService snapshots one service and applies the approval verdict.
// When discovery fails, nothing is recorded: the service keeps its
// current state and is retried on the next due tick.
func (c *Checker) CheckService(ctx context.Context, svc *store.Service) error {
	result, err := c.snaps.Take(ctx, svc.UpstreamURL)
	if err != nil {
		return fmt.Errorf("take snapshot: %w", err)
	}

	baseline, err := c.store.LatestApprovedSnapshot(ctx, svc.ID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		// No approved baseline exists, so nothing vouches for this
		// surface. Record it unapproved and stop traffic.
		return c.drift(ctx, svc, result, "")
	case err != nil:
		return fmt.Errorf("load baseline: %w", err)
	}

	if result.Hash == baseline.Hash {
		sn := &store.Snapshot{
			ServiceID: svc.ID,
			Payload:   result.Payload,
			Hash:      result.Hash,
			Status:    store.StatusSystemApproved,
		}
		if err := c.store.InsertSnapshot(ctx, sn); err != nil {
			return fmt.Errorf("record matching snapshot: %w", err)
		}
		c.logger.Debug("capability surface unchanged",
			"service", svc.Name, "hash", result.Hash)
		return nil
	}

	return c.drift(ctx, svc, result, baseline.Hash)
}

// drift records the unapproved snapshot and disables the service
// atomically, then reloads the routing table so the proxy starts
// answering 403 immediately.
func (c *Checker) drift(ctx context.Context, svc *store.Service, result *snapshot.Result, baselineHash string) error {
	err := c.store.Tx(ctx, func(tx store.Store) error {
		sn := &store.Snapshot{
			ServiceID: svc.ID,
			Payload:   result.Payload,
			Hash:      result.Hash,
			Status:    store.StatusUnapproved,
		}
		if err := tx.InsertSnapshot(ctx, sn); err != nil {
			return fmt.Errorf("record drifted snapshot: %w", err)
		}

		current, err := tx.GetService(ctx, svc.ID)
		if err != nil {
			return fmt.Errorf("load service: %w", err)
		}
		current.Enabled = false
		if err := tx.UpdateService(ctx, current); err != nil {
			return fmt.Errorf("disable service: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.logger.Warn("capability drift detected, service disabled",
		"service", svc.Name,
		"baseline_hash", baselineHash,
		"observed_hash", result.Hash,
	)

	if err := c.registry.Reload(ctx); err != nil {
		return fmt.Errorf("reload routes: %w", err)
	}
	return nil
}
