// Package oversqlite is the terminal side of the OverPOS sync engine: a durable SQLite
// outbox of local mutations, a tiered push scheduler, conflict bookkeeping and the
// orchestrator that pushes to and pulls from the gateway.
//
// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Config holds configuration for the terminal sync engine
type Config struct {
	DeviceID string // Terminal id, persisted in _sync_client_info
	BranchID string // Branch the terminal writes into

	SyncInterval  time.Duration // 30s between cycles
	ProbeInterval time.Duration // 10s between connectivity probes; 0 disables the probe

	BatchSize      int // outbox items dequeued per batch (100)
	MaxPushBatches int // batches pushed per cycle (5)
	PushChunkSize  int // items per push request (50)

	PullLimit    int // rows per pull page (500)
	MaxPullPages int // pages per cycle (10)

	MaxItemRetries    int           // item-level failures before dead-lettering (5)
	ConflictTolerance time.Duration // timestamp difference treated as equal (1s)

	Retry RetryPolicy
}

// DefaultConfig returns a configuration for the given terminal
func DefaultConfig(deviceID, branchID string) *Config {
	return &Config{
		DeviceID:          deviceID,
		BranchID:          branchID,
		SyncInterval:      30 * time.Second,
		ProbeInterval:     10 * time.Second,
		BatchSize:         100,
		MaxPushBatches:    5,
		PushChunkSize:     50,
		PullLimit:         500,
		MaxPullPages:      10,
		MaxItemRetries:    5,
		ConflictTolerance: time.Second,
		Retry:             DefaultRetryPolicy(),
	}
}

func (c *Config) normalize() error {
	if c.DeviceID == "" {
		return errors.New("config.DeviceID must be provided")
	}
	d := DefaultConfig(c.DeviceID, c.BranchID)
	if c.SyncInterval <= 0 {
		c.SyncInterval = d.SyncInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxPushBatches <= 0 {
		c.MaxPushBatches = d.MaxPushBatches
	}
	if c.PushChunkSize <= 0 {
		c.PushChunkSize = d.PushChunkSize
	}
	if c.PullLimit <= 0 {
		c.PullLimit = d.PullLimit
	}
	if c.MaxPullPages <= 0 {
		c.MaxPullPages = d.MaxPullPages
	}
	if c.MaxItemRetries <= 0 {
		c.MaxItemRetries = d.MaxItemRetries
	}
	if c.ConflictTolerance < 0 {
		c.ConflictTolerance = 0
	}
	if c.Retry.MaxRetries <= 0 {
		c.Retry = d.Retry
	}
	return nil
}

// OpenDatabase opens a terminal database file with the pragmas the engine relies on
func OpenDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate")
	if err != nil {
		return nil, err
	}
	if err := initializeDatabase(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// initializeDatabase creates the sync metadata tables
func initializeDatabase(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	tables := []string{
		// Terminal identity and pull watermark (one row)
		`CREATE TABLE IF NOT EXISTS _sync_client_info (
			device_id               TEXT PRIMARY KEY,
			branch_id               TEXT NOT NULL DEFAULT '',
			watermark               TEXT NOT NULL DEFAULT '',  -- server asOf of the last merged pull page
			last_successful_sync_at TEXT,
			last_heartbeat_at       TEXT
		)`,

		// Outbox: one row per local mutation; unsynced rows are coalesced per entity row
		`CREATE TABLE IF NOT EXISTS _sync_outbox (
			seq              INTEGER PRIMARY KEY AUTOINCREMENT,
			id               TEXT NOT NULL UNIQUE,
			mutation_id      TEXT NOT NULL,              -- idempotency key sent to the gateway
			entity           TEXT NOT NULL,
			operation        TEXT NOT NULL CHECK (operation IN ('create','update','delete')),
			entity_id        TEXT NOT NULL,
			payload          TEXT,
			branch_id        TEXT NOT NULL DEFAULT '',
			device_id        TEXT NOT NULL,
			status           TEXT NOT NULL DEFAULT 'pending'
			                 CHECK (status IN ('pending','synced','acknowledged','error')),
			retry_count      INTEGER NOT NULL DEFAULT 0,
			retryable        INTEGER NOT NULL DEFAULT 1,
			attempted        INTEGER NOT NULL DEFAULT 0, -- 1 once sent, even if the response was lost
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,
			processed_at     TEXT,
			error_message    TEXT NOT NULL DEFAULT '',
			dead_lettered_at TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS _sync_outbox_unsynced
			ON _sync_outbox(entity, entity_id) WHERE status IN ('pending','error')`,
		`CREATE INDEX IF NOT EXISTS _sync_outbox_status ON _sync_outbox(status, seq)`,

		// Conflicts awaiting resolution; at most one unresolved row per entity row
		`CREATE TABLE IF NOT EXISTS _sync_conflicts (
			id               TEXT PRIMARY KEY,
			entity           TEXT NOT NULL,
			entity_id        TEXT NOT NULL,
			local_data       TEXT,
			remote_data      TEXT,
			remote_deleted   INTEGER NOT NULL DEFAULT 0,
			device_id        TEXT NOT NULL,
			local_timestamp  TEXT NOT NULL DEFAULT '',
			remote_timestamp TEXT NOT NULL DEFAULT '',
			outbox_item_id   TEXT NOT NULL DEFAULT '',
			resolved         INTEGER NOT NULL DEFAULT 0,
			resolution       TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			resolved_at      TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS _sync_conflicts_open
			ON _sync_conflicts(entity, entity_id) WHERE resolved = 0`,
	}
	for _, q := range tables {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("failed to create sync table: %w", err)
		}
	}
	return nil
}

// EnsureDeviceID returns the persisted terminal id, generating one on first use
func EnsureDeviceID(db *sql.DB, branchID string) (string, error) {
	if err := initializeDatabase(db); err != nil {
		return "", err
	}
	var deviceID string
	err := db.QueryRow(`SELECT device_id FROM _sync_client_info LIMIT 1`).Scan(&deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		deviceID = uuid.NewString()
		if _, err := db.Exec(`INSERT INTO _sync_client_info (device_id, branch_id) VALUES (?, ?)`, deviceID, branchID); err != nil {
			return "", fmt.Errorf("failed to insert client info: %w", err)
		}
		return deviceID, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to query client info: %w", err)
	}
	return deviceID, nil
}

func ensureClientInfo(ctx context.Context, db *sql.DB, deviceID, branchID string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO _sync_client_info (device_id, branch_id) VALUES (?, ?)
		ON CONFLICT(device_id) DO UPDATE SET branch_id = excluded.branch_id`, deviceID, branchID)
	if err != nil {
		return fmt.Errorf("failed to store client info: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
