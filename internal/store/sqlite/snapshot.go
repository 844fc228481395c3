package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcpguardian/mcpguardian/internal/store"
)

const snapshotColumns = `id, service_id, payload, hash, status, created_at`

// InsertSnapshot appends a snapshot row. Rows are never updated afterwards
// except for the admin approve-latest status flip; ordering ties on
// created_at are broken by rowid (insertion order).
func (d *DB) InsertSnapshot(ctx context.Context, sn *store.Snapshot) error {
	if sn.ID == "" {
		sn.ID = uuid.NewString()
	}
	sn.CreatedAt = time.Now().UTC()

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO snapshots (id, service_id, payload, hash, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sn.ID, sn.ServiceID, string(sn.Payload), sn.Hash, string(sn.Status),
		formatTime(sn.CreatedAt),
	)
	return err
}

func (d *DB) GetSnapshot(ctx context.Context, id string) (*store.Snapshot, error) {
	row := d.q.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots WHERE id = ?`, id)
	return scanSnapshot(row)
}

func (d *DB) LatestSnapshot(ctx context.Context, serviceID string) (*store.Snapshot, error) {
	row := d.q.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots WHERE service_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1`, serviceID)
	return scanSnapshot(row)
}

func (d *DB) LatestApprovedSnapshot(ctx context.Context, serviceID string) (*store.Snapshot, error) {
	row := d.q.QueryRowContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots
		WHERE service_id = ? AND status IN (?, ?)
		ORDER BY created_at DESC, rowid DESC LIMIT 1`,
		serviceID, string(store.StatusUserApproved), string(store.StatusSystemApproved))
	return scanSnapshot(row)
}

func (d *DB) ListSnapshots(ctx context.Context, serviceID string, limit int) ([]store.Snapshot, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+snapshotColumns+`
		FROM snapshots WHERE service_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT ?`, serviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Snapshot
	for rows.Next() {
		sn, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sn)
	}
	return out, rows.Err()
}

func (d *DB) UpdateSnapshotStatus(ctx context.Context, id string, status store.ApprovalStatus) error {
	res, err := d.q.ExecContext(ctx, `
		UPDATE snapshots SET status = ? WHERE id = ?`,
		string(status), id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

func scanSnapshot(row rowScanner) (*store.Snapshot, error) {
	var sn store.Snapshot
	var payload, status, createdAt string
	err := row.Scan(&sn.ID, &sn.ServiceID, &payload, &sn.Hash, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sn.Payload = json.RawMessage(payload)
	sn.Status = store.ApprovalStatus(status)
	sn.CreatedAt = parseTime(createdAt)
	return &sn, nil
}
