// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SyncWatermark is the server asOf of the last fully merged pull page
type SyncWatermark struct {
	DeviceID string
	AsOf     time.Time // zero before the first pull
}

// DeviceSyncStatus is the terminal's own view of its sync health
type DeviceSyncStatus struct {
	DeviceID             string         `json:"deviceId"`
	BranchID             string         `json:"branchId,omitempty"`
	PendingItems         int            `json:"pendingItems"`
	FailedItems          int            `json:"failedItems"`
	DeadLetteredItems    int            `json:"deadLetteredItems"`
	HeldItems            int            `json:"heldItems"`
	UnresolvedConflicts  int            `json:"unresolvedConflicts"`
	PendingByEntity      map[string]int `json:"pendingByEntity"`
	FailedByEntity       map[string]int `json:"failedByEntity"`
	Watermark            time.Time      `json:"watermark"`
	LastHeartbeatAt      *time.Time     `json:"lastHeartbeatAt,omitempty"`
	LastSuccessfulSyncAt *time.Time     `json:"lastSuccessfulSyncAt,omitempty"`
	IsOnline             bool           `json:"isOnline"`
	Suspended            bool           `json:"suspended"`
}

type watermarkStore struct {
	db       *sql.DB
	deviceID string
}

func (w *watermarkStore) Load(ctx context.Context) (SyncWatermark, error) {
	var raw string
	err := w.db.QueryRowContext(ctx,
		`SELECT watermark FROM _sync_client_info WHERE device_id = ?`, w.deviceID).Scan(&raw)
	if err != nil {
		return SyncWatermark{}, fmt.Errorf("failed to load watermark: %w", err)
	}
	return SyncWatermark{DeviceID: w.deviceID, AsOf: parseTime(raw)}, nil
}

// Advance stores the new watermark in the same transaction that merged the page
func (w *watermarkStore) Advance(ctx context.Context, tx *sql.Tx, asOf time.Time) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE _sync_client_info SET watermark = ? WHERE device_id = ?`, formatTime(asOf), w.deviceID)
	if err != nil {
		return fmt.Errorf("failed to advance watermark: %w", err)
	}
	return nil
}

// Reset forgets the watermark so the next pull starts from the beginning
func (w *watermarkStore) Reset(ctx context.Context) error {
	_, err := w.db.ExecContext(ctx, `UPDATE _sync_client_info SET watermark = '' WHERE device_id = ?`, w.deviceID)
	return err
}

func (w *watermarkStore) touch(ctx context.Context, column string, at time.Time) error {
	_, err := w.db.ExecContext(ctx,
		`UPDATE _sync_client_info SET `+column+` = ? WHERE device_id = ?`, formatTime(at), w.deviceID)
	return err
}

func (w *watermarkStore) times(ctx context.Context) (lastSync, lastBeat *time.Time, err error) {
	var syncAt, beatAt sql.NullString
	err = w.db.QueryRowContext(ctx, `
		SELECT last_successful_sync_at, last_heartbeat_at
		FROM _sync_client_info WHERE device_id = ?`, w.deviceID).Scan(&syncAt, &beatAt)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load client info: %w", err)
	}
	return parseNullTime(syncAt), parseNullTime(beatAt), nil
}
