package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lebao3105/LocalTalk-sub002/types"
)

// UpsertDevice records a sighting of a peer. The first sighting pins
// first_seen, later ones only refresh the mutable fields.
func (s *Store) UpsertDevice(device types.Device, address string, seen time.Time) error {
	if device.Fingerprint == "" {
		return errors.New("fingerprint is required")
	}
	if seen.IsZero() {
		seen = time.Now()
	}

	_, err := s.db.Exec(
		`INSERT INTO known_devices (
			fingerprint,
			alias,
			device_model,
			device_type,
			protocol,
			last_address,
			last_port,
			first_seen,
			last_seen
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			alias = excluded.alias,
			device_model = excluded.device_model,
			device_type = excluded.device_type,
			protocol = excluded.protocol,
			last_address = excluded.last_address,
			last_port = excluded.last_port,
			last_seen = excluded.last_seen`,
		device.Fingerprint,
		device.Alias,
		device.DeviceModel,
		device.DeviceType,
		device.Protocol,
		address,
		device.Port,
		seen.Unix(),
		seen.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert device %q: %w", device.Fingerprint, err)
	}

	return nil
}

// GetDevice fetches one known peer by fingerprint.
func (s *Store) GetDevice(fingerprint string) (*KnownDevice, error) {
	row := s.db.QueryRow(
		`SELECT
			fingerprint,
			alias,
			device_model,
			device_type,
			protocol,
			last_address,
			last_port,
			first_seen,
			last_seen
		FROM known_devices
		WHERE fingerprint = ?`,
		fingerprint,
	)

	device, err := scanKnownDevice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get device %q: %w", fingerprint, err)
	}
	return device, nil
}

// ListDevices returns known peers, most recently seen first.
func (s *Store) ListDevices(limit int) ([]KnownDevice, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.db.Query(
		`SELECT
			fingerprint,
			alias,
			device_model,
			device_type,
			protocol,
			last_address,
			last_port,
			first_seen,
			last_seen
		FROM known_devices
		ORDER BY last_seen DESC, fingerprint
		LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list known devices: %w", err)
	}
	defer rows.Close()

	var out []KnownDevice
	for rows.Next() {
		device, err := scanKnownDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan known device row: %w", err)
		}
		out = append(out, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate known devices: %w", err)
	}

	return out, nil
}

// ForgetDevice removes a peer from the persisted set.
func (s *Store) ForgetDevice(fingerprint string) error {
	res, err := s.db.Exec(
		`DELETE FROM known_devices WHERE fingerprint = ?`,
		fingerprint,
	)
	if err != nil {
		return fmt.Errorf("forget device %q: %w", fingerprint, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read rows affected for device delete %q: %w", fingerprint, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKnownDevice(row rowScanner) (*KnownDevice, error) {
	var (
		device    KnownDevice
		firstSeen int64
		lastSeen  int64
	)
	if err := row.Scan(
		&device.Fingerprint,
		&device.Alias,
		&device.DeviceModel,
		&device.DeviceType,
		&device.Protocol,
		&device.LastAddress,
		&device.LastPort,
		&firstSeen,
		&lastSeen,
	); err != nil {
		return nil, err
	}
	device.FirstSeen = time.Unix(firstSeen, 0)
	device.LastSeen = time.Unix(lastSeen, 0)
	return &device, nil
}
