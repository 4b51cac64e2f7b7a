// Package flightlog keeps a local SQLite record of every telemetry sample
// and sync attempt. The log survives restarts and outlives the in-memory
// buffer, so post-flight analysis does not depend on the central server
// having been reachable.
package flightlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ironbrain/groundlink/internal/telemetry"
)

// DB wraps the flight log database.
type DB struct {
	*sql.DB
	path string
}

// Open opens (or creates) the flight log at path and applies any pending
// migrations.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open flight log: %w", err)
	}
	// modernc sqlite serializes internally but a single writer keeps the
	// busy-timeout path out of the picture.
	sqldb.SetMaxOpenConns(1)
	if _, err := sqldb.Exec("PRAGMA journal_mode=WAL"); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}

	db := &DB{DB: sqldb, path: path}
	if err := db.migrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// LogRecord appends one telemetry record. Implements telemetry.FlightLogger.
func (db *DB) LogRecord(rec telemetry.Record) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	_, err = db.Exec(
		`INSERT INTO telemetry (vehicle_id, capture_time, nonce, payload, synced, retry_count)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.VehicleID, rec.CaptureTime, rec.Nonce, string(payload), rec.Synced, rec.RetryCount,
	)
	return err
}

// LogSync appends one sync attempt outcome. A status code of zero means the
// request never reached the server.
func (db *DB) LogSync(batchSize, statusCode int, elapsed time.Duration) error {
	_, err := db.Exec(
		`INSERT INTO sync_log (batch_size, status_code, duration_ms)
		 VALUES (?, ?, ?)`,
		batchSize, statusCode, elapsed.Milliseconds(),
	)
	return err
}

// LoggedRecord is a telemetry row read back from the log.
type LoggedRecord struct {
	VehicleID   string  `json:"vehicle_id"`
	CaptureTime float64 `json:"capture_time"`
	Nonce       string  `json:"nonce"`
	Payload     string  `json:"payload"`
	Synced      bool    `json:"synced"`
	RetryCount  int     `json:"retry_count"`
	RecordedAt  string  `json:"recorded_at"`
}

// RecentRecords returns the newest telemetry rows, newest first.
func (db *DB) RecentRecords(limit int) ([]LoggedRecord, error) {
	rows, err := db.Query(
		`SELECT vehicle_id, capture_time, nonce, payload, synced, retry_count, recorded_at
		 FROM telemetry ORDER BY capture_time DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []LoggedRecord
	for rows.Next() {
		var r LoggedRecord
		if err := rows.Scan(&r.VehicleID, &r.CaptureTime, &r.Nonce, &r.Payload,
			&r.Synced, &r.RetryCount, &r.RecordedAt); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// SyncAttempt is a sync_log row read back from the log.
type SyncAttempt struct {
	BatchSize  int    `json:"batch_size"`
	StatusCode int    `json:"status_code"`
	DurationMs int64  `json:"duration_ms"`
	SyncedAt   string `json:"synced_at"`
}

// SyncHistory returns the newest sync attempts, newest first.
func (db *DB) SyncHistory(limit int) ([]SyncAttempt, error) {
	rows, err := db.Query(
		`SELECT batch_size, status_code, duration_ms, synced_at
		 FROM sync_log ORDER BY synced_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []SyncAttempt
	for rows.Next() {
		var a SyncAttempt
		if err := rows.Scan(&a.BatchSize, &a.StatusCode, &a.DurationMs, &a.SyncedAt); err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// RecordCount returns the number of logged telemetry rows.
func (db *DB) RecordCount() (int64, error) {
	var n int64
	err := db.QueryRow(`SELECT COUNT(*) FROM telemetry`).Scan(&n)
	return n, err
}
