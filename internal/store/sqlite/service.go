package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/mcpguardian/mcpguardian/internal/store"
)

const serviceColumns = `id, name, upstream_url, enabled, check_frequency_minutes,
       source, created_at, updated_at`

func (d *DB) CreateService(ctx context.Context, s *store.Service) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Source == "" {
		s.Source = "api"
	}
	now := time.Now().UTC()
	s.CreatedAt = now
	s.UpdatedAt = now

	_, err := d.q.ExecContext(ctx, `
		INSERT INTO services
			(id, name, upstream_url, enabled, check_frequency_minutes,
			 source, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.UpstreamURL, s.Enabled, s.CheckFrequencyMinutes,
		s.Source, formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

func (d *DB) GetService(ctx context.Context, id string) (*store.Service, error) {
	row := d.q.QueryRowContext(ctx, `
		SELECT `+serviceColumns+`
		FROM services WHERE id = ?`, id)
	return scanService(row)
}

func (d *DB) GetServiceByName(ctx context.Context, name string) (*store.Service, error) {
	row := d.q.QueryRowContext(ctx, `
		SELECT `+serviceColumns+`
		FROM services WHERE name = ?`, name)
	return scanService(row)
}

func (d *DB) ListServices(ctx context.Context) ([]store.Service, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+serviceColumns+`
		FROM services ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func (d *DB) UpdateService(ctx context.Context, s *store.Service) error {
	s.UpdatedAt = time.Now().UTC()

	res, err := d.q.ExecContext(ctx, `
		UPDATE services
		SET upstream_url = ?, enabled = ?, check_frequency_minutes = ?,
		    source = ?, updated_at = ?
		WHERE id = ?`,
		s.UpstreamURL, s.Enabled, s.CheckFrequencyMinutes,
		s.Source, formatTime(s.UpdatedAt), s.ID,
	)
	if err != nil {
		return mapConstraintError(err)
	}
	return checkRowsAffected(res)
}

func (d *DB) DeleteService(ctx context.Context, id string) error {
	res, err := d.q.ExecContext(ctx, `DELETE FROM services WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res)
}

// ListServicesDue returns enabled services whose latest snapshot is older
// than now minus their check frequency. Timestamps are stored as RFC 3339
// text, so both sides go through datetime() for a comparable form.
func (d *DB) ListServicesDue(ctx context.Context, now time.Time) ([]store.Service, error) {
	rows, err := d.q.QueryContext(ctx, `
		SELECT `+serviceColumns+`
		FROM services s
		LEFT JOIN (
			SELECT service_id, MAX(created_at) AS last_at
			FROM snapshots GROUP BY service_id
		) sn ON sn.service_id = s.id
		WHERE s.enabled = 1
		  AND s.check_frequency_minutes > 0
		  AND (sn.last_at IS NULL
		       OR datetime(sn.last_at) <= datetime(?, '-' || s.check_frequency_minutes || ' minutes'))
		ORDER BY s.name`,
		formatTime(now),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.Service
	for rows.Next() {
		s, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

func scanService(row rowScanner) (*store.Service, error) {
	var s store.Service
	var createdAt, updatedAt string
	err := row.Scan(
		&s.ID, &s.Name, &s.UpstreamURL, &s.Enabled,
		&s.CheckFrequencyMinutes, &s.Source, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return &s, nil
}
