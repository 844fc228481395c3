package store

import (
	"context"
	"time"
)

// Store is the composite interface for all data access.
type Store interface {
	ServiceStore
	SnapshotStore
	Tx(ctx context.Context, fn func(Store) error) error
	Ping(ctx context.Context) error
	Close() error
}

// ServiceStore manages registered upstream MCP services.
type ServiceStore interface {
	CreateService(ctx context.Context, s *Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	GetServiceByName(ctx context.Context, name string) (*Service, error)
	ListServices(ctx context.Context) ([]Service, error)
	UpdateService(ctx context.Context, s *Service) error
	DeleteService(ctx context.Context, id string) error

	// ListServicesDue returns enabled services with a non-zero check
	// frequency whose latest snapshot is older than now minus the
	// frequency, or which have no snapshot at all.
	ListServicesDue(ctx context.Context, now time.Time) ([]Service, error)
}

// SnapshotStore manages capability snapshots. Snapshots are append-only;
// the only permitted mutation is the admin "approve latest" status flip.
type SnapshotStore interface {
	InsertSnapshot(ctx context.Context, sn *Snapshot) error
	GetSnapshot(ctx context.Context, id string) (*Snapshot, error)
	LatestSnapshot(ctx context.Context, serviceID string) (*Snapshot, error)
	LatestApprovedSnapshot(ctx context.Context, serviceID string) (*Snapshot, error)
	ListSnapshots(ctx context.Context, serviceID string, limit int) ([]Snapshot, error)
	UpdateSnapshotStatus(ctx context.Context, id string, status ApprovalStatus) error
}
