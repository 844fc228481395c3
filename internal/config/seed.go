package config

import (
	"context"
	"errors"
	"log/slog"

	"github.com/mcpguardian/mcpguardian/internal/snapshot"
	"github.com/mcpguardian/mcpguardian/internal/store"
)

// taker is the snapshot surface seeding needs.
type taker interface {
	Take(ctx context.Context, url string) (*snapshot.Result, error)
}

// SeedServices registers the services declared in the config file.
// Entries whose name already exists are skipped, so repeated boots are
// idempotent. A failing entry is logged and skipped; it never stops the
// boot or the remaining entries.
func SeedServices(ctx context.Context, st store.Store, snaps taker, entries []SeedService, logger *slog.Logger) {
	for _, entry := range entries {
		if _, err := st.GetServiceByName(ctx, entry.Name); err == nil {
			logger.Debug("seed service already registered", "service", entry.Name)
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			logger.Error("seed lookup failed", "service", entry.Name, "error", err)
			continue
		}

		result, err := snaps.Take(ctx, entry.UpstreamURL)
		if err != nil {
			logger.Error("seed snapshot failed, skipping service",
				"service", entry.Name, "upstream", entry.UpstreamURL, "error", err)
			continue
		}

		enabled := true
		if entry.Enabled != nil {
			enabled = *entry.Enabled
		}
		svc := &store.Service{
			Name:                  entry.Name,
			UpstreamURL:           entry.UpstreamURL,
			Enabled:               enabled,
			CheckFrequencyMinutes: entry.CheckFrequencyMinutes,
			Source:                "config",
		}
		err = st.Tx(ctx, func(tx store.Store) error {
			if err := tx.CreateService(ctx, svc); err != nil {
				return err
			}
			return tx.InsertSnapshot(ctx, &store.Snapshot{
				ServiceID: svc.ID,
				Payload:   result.Payload,
				Hash:      result.Hash,
				Status:    store.StatusUserApproved,
			})
		})
		if err != nil {
			logger.Error("seed registration failed",
				"service", entry.Name, "error", err)
			continue
		}
		logger.Info("seed service registered",
			"service", entry.Name, "upstream", entry.UpstreamURL, "hash", result.Hash)
	}
}
