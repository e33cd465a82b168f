package storage

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/micro-ha/northtracker/addon/internal/model"
)

var ErrNotFound = errors.New("not found")

// UpsertKnownDevices records every key seen in a cycle. first_seen_at is kept
// from the existing row.
func (r *Repository) UpsertKnownDevices(ctx context.Context, devices []model.KnownDevice) error {
	if len(devices) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO known_devices (key, parent_key, kind, name, imei, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			parent_key=excluded.parent_key,
			kind=excluded.kind,
			name=excluded.name,
			imei=excluded.imei,
			last_seen_at=excluded.last_seen_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	now := r.now()
	for _, d := range devices {
		firstSeen := d.FirstSeenAt
		if firstSeen.IsZero() {
			firstSeen = now
		}
		lastSeen := d.LastSeenAt
		if lastSeen.IsZero() {
			lastSeen = now
		}
		if _, err := stmt.ExecContext(
			ctx,
			strings.TrimSpace(d.Key),
			d.ParentKey,
			d.Kind,
			d.Name,
			d.IMEI,
			formatTime(firstSeen),
			formatTime(lastSeen),
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *Repository) ListKnownDevices(ctx context.Context) ([]model.KnownDevice, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT key, parent_key, kind, name, imei, first_seen_at, last_seen_at
		FROM known_devices
		ORDER BY key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []model.KnownDevice{}
	for rows.Next() {
		d, err := scanKnownDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, rows.Err()
}

func (r *Repository) GetKnownDevice(ctx context.Context, key string) (model.KnownDevice, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT key, parent_key, kind, name, imei, first_seen_at, last_seen_at
		FROM known_devices
		WHERE key = ?`, strings.TrimSpace(key))
	d, err := scanKnownDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.KnownDevice{}, ErrNotFound
	}
	return d, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKnownDevice(s scanner) (model.KnownDevice, error) {
	var (
		d                   model.KnownDevice
		firstSeen, lastSeen string
	)
	if err := s.Scan(&d.Key, &d.ParentKey, &d.Kind, &d.Name, &d.IMEI, &firstSeen, &lastSeen); err != nil {
		return model.KnownDevice{}, err
	}
	d.FirstSeenAt = parseTime(firstSeen)
	d.LastSeenAt = parseTime(lastSeen)
	return d, nil
}
