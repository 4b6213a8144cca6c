package manifest

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Entry represents a pulled file in the manifest.
type Entry struct {
	ID           int64
	DeviceSerial string
	RemotePath   string
	LocalPath    string
	Size         int64
	MTime        int64
	PulledAt     *time.Time
}

// Push records a file pushed to a device.
type Push struct {
	ID           int64
	DeviceSerial string
	LocalPath    string
	RemotePath   string
	Size         int64
	MTime        int64
	PushedAt     time.Time
}

// IsPulled returns true if the file has been pulled (device_serial, remote_path, size, mtime match).
func (m *DB) IsPulled(deviceSerial, remotePath string, size, mtime int64) (bool, error) {
	var count int
	err := m.db.QueryRow(
		`SELECT COUNT(*) FROM files WHERE device_serial = ? AND remote_path = ? AND size = ? AND mtime = ?`,
		deviceSerial, remotePath, size, mtime,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check pulled: %w", err)
	}
	return count > 0, nil
}

// RecordPull inserts or updates a file entry after pulling.
func (m *DB) RecordPull(deviceSerial, remotePath, localPath string, size, mtime int64) (int64, error) {
	now := time.Now()
	_, err := m.db.Exec(
		`INSERT INTO files (device_serial, remote_path, local_path, size, mtime, pulled_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_serial, remote_path) DO UPDATE SET
		   local_path = excluded.local_path,
		   size = excluded.size,
		   mtime = excluded.mtime,
		   pulled_at = excluded.pulled_at`,
		deviceSerial, remotePath, localPath, size, mtime, now,
	)
	if err != nil {
		return 0, fmt.Errorf("record pull: %w", err)
	}
	// LastInsertId is unreliable for the update branch of an upsert.
	return m.getFileID(deviceSerial, remotePath)
}

func (m *DB) getFileID(deviceSerial, remotePath string) (int64, error) {
	var id int64
	err := m.db.QueryRow(
		`SELECT id FROM files WHERE device_serial = ? AND remote_path = ?`,
		deviceSerial, remotePath,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("file not found")
		}
		return 0, err
	}
	return id, nil
}

// PulledFiles returns the files pulled from a device, newest first.
func (m *DB) PulledFiles(deviceSerial string) ([]Entry, error) {
	rows, err := m.db.Query(
		`SELECT id, device_serial, remote_path, local_path, size, mtime, pulled_at
		 FROM files WHERE device_serial = ? AND pulled_at IS NOT NULL
		 ORDER BY pulled_at DESC, id DESC`,
		deviceSerial,
	)
	if err != nil {
		return nil, fmt.Errorf("get pulled: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var pulledAt sql.NullTime
		if err := rows.Scan(&e.ID, &e.DeviceSerial, &e.RemotePath, &e.LocalPath, &e.Size, &e.MTime, &pulledAt); err != nil {
			return nil, fmt.Errorf("scan pulled: %w", err)
		}
		if pulledAt.Valid {
			t := pulledAt.Time
			e.PulledAt = &t
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// IsPushed returns true if the same local content (size, mtime) was already
// pushed to remotePath on the device.
func (m *DB) IsPushed(deviceSerial, remotePath string, size, mtime int64) (bool, error) {
	var count int
	err := m.db.QueryRow(
		`SELECT COUNT(*) FROM pushes WHERE device_serial = ? AND remote_path = ? AND size = ? AND mtime = ?`,
		deviceSerial, remotePath, size, mtime,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check pushed: %w", err)
	}
	return count > 0, nil
}

// RecordPush inserts or updates a push entry.
func (m *DB) RecordPush(deviceSerial, localPath, remotePath string, size, mtime int64) error {
	_, err := m.db.Exec(
		`INSERT INTO pushes (device_serial, local_path, remote_path, size, mtime, pushed_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(device_serial, remote_path) DO UPDATE SET
		   local_path = excluded.local_path,
		   size = excluded.size,
		   mtime = excluded.mtime,
		   pushed_at = excluded.pushed_at`,
		deviceSerial, localPath, remotePath, size, mtime, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("record push: %w", err)
	}
	return nil
}

// DeviceStats returns sync statistics for a device.
type DeviceStats struct {
	PulledFiles int
	PulledBytes int64
	PushedFiles int
}

// GetDeviceStats returns sync statistics for a device.
func (m *DB) GetDeviceStats(deviceSerial string) (DeviceStats, error) {
	var stats DeviceStats
	err := m.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(size), 0) FROM files WHERE device_serial = ? AND pulled_at IS NOT NULL`, deviceSerial,
	).Scan(&stats.PulledFiles, &stats.PulledBytes)
	if err != nil {
		return stats, err
	}
	err = m.db.QueryRow(
		`SELECT COUNT(*) FROM pushes WHERE device_serial = ?`, deviceSerial,
	).Scan(&stats.PushedFiles)
	if err != nil {
		return stats, err
	}
	return stats, nil
}
