// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrDeviceNotFound is returned when no heartbeat was ever recorded for a device
	ErrDeviceNotFound = errors.New("device_not_found")
	// ErrDeviceMismatch is returned when a request names a device other than the caller's
	ErrDeviceMismatch = errors.New("device_mismatch")
)

// RecordHeartbeat stores the latest liveness and queue counters reported by a terminal
func (s *SyncService) RecordHeartbeat(ctx context.Context, id Identity, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}
	if req.DeviceID != id.DeviceID {
		return nil, ErrDeviceMismatch
	}
	pendingBy := req.PendingByEntity
	if pendingBy == nil {
		pendingBy = map[string]int{}
	}
	failedBy := req.FailedByEntity
	if failedBy == nil {
		failedBy = map[string]int{}
	}

	now := time.Now().UTC()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO sync.device_heartbeats
			(device_id, user_id, branch_id, pending_items, failed_items, dlq_items, unresolved_conflicts,
			 pending_by_entity, failed_by_entity, last_sync_at, last_heartbeat_at)
		VALUES (@device_id, @user_id, @branch_id, @pending, @failed, @dlq, @conflicts,
			 @pending_by, @failed_by, @last_sync, @now)
		ON CONFLICT (device_id) DO UPDATE SET
			user_id              = EXCLUDED.user_id,
			branch_id            = EXCLUDED.branch_id,
			pending_items        = EXCLUDED.pending_items,
			failed_items         = EXCLUDED.failed_items,
			dlq_items            = EXCLUDED.dlq_items,
			unresolved_conflicts = EXCLUDED.unresolved_conflicts,
			pending_by_entity    = EXCLUDED.pending_by_entity,
			failed_by_entity     = EXCLUDED.failed_by_entity,
			last_sync_at         = COALESCE(EXCLUDED.last_sync_at, sync.device_heartbeats.last_sync_at),
			last_heartbeat_at    = EXCLUDED.last_heartbeat_at`, pgx.NamedArgs{
		"device_id":  id.DeviceID,
		"user_id":    id.UserID,
		"branch_id":  id.BranchID,
		"pending":    req.PendingItems,
		"failed":     req.FailedItems,
		"dlq":        req.DLQItems,
		"conflicts":  req.UnresolvedConflicts,
		"pending_by": pendingBy,
		"failed_by":  failedBy,
		"last_sync":  req.LastSync,
		"now":        now,
	}); err != nil {
		return nil, fmt.Errorf("failed to record heartbeat: %w", err)
	}

	if s.config.Presence != nil {
		if err := s.config.Presence.Touch(ctx, id.DeviceID, id.BranchID, now); err != nil {
			s.logger.Warn("Failed to update device presence", "error", err, "device_id", id.DeviceID)
		}
	}
	return &HeartbeatResponse{OK: true, ServerTime: now}, nil
}

// DeviceStatus returns the last heartbeat of a device with a derived online flag
func (s *SyncService) DeviceStatus(ctx context.Context, deviceID string) (*DeviceStatusResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	var hb DeviceHeartbeat
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, user_id, branch_id, pending_items, failed_items, dlq_items, unresolved_conflicts,
		       pending_by_entity, failed_by_entity, last_sync_at, last_heartbeat_at
		FROM sync.device_heartbeats
		WHERE device_id = $1`, deviceID).Scan(
		&hb.DeviceID, &hb.UserID, &hb.BranchID, &hb.PendingItems, &hb.FailedItems, &hb.DLQItems,
		&hb.UnresolvedConflicts, &hb.PendingByEntity, &hb.FailedByEntity, &hb.LastSyncAt, &hb.LastHeartbeatAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load device status: %w", err)
	}
	return &DeviceStatusResponse{
		DeviceID:            hb.DeviceID,
		UserID:              hb.UserID,
		BranchID:            hb.BranchID,
		PendingItems:        hb.PendingItems,
		FailedItems:         hb.FailedItems,
		DLQItems:            hb.DLQItems,
		UnresolvedConflicts: hb.UnresolvedConflicts,
		PendingByEntity:     hb.PendingByEntity,
		FailedByEntity:      hb.FailedByEntity,
		LastHeartbeatAt:     hb.LastHeartbeatAt,
		LastSuccessfulSync:  hb.LastSyncAt,
		IsOnline:            isOnline(hb.LastHeartbeatAt, time.Now(), s.config.HeartbeatInterval),
	}, nil
}

// isOnline treats a device as online until three heartbeat intervals pass without a beat
func isOnline(lastBeat, now time.Time, interval time.Duration) bool {
	return now.Sub(lastBeat) <= 3*interval
}
