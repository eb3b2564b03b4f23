// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"time"
)

// Database entity models for PostgreSQL tables in the sync schema

// EntityRow represents a row in sync.entity_rows, the canonical copy of one synced entity
type EntityRow struct {
	Entity          string          `db:"entity"`            // Logical entity name (e.g. "sale")
	EntityID        string          `db:"entity_id"`         // Client-supplied id
	BranchID        string          `db:"branch_id"`         // Owning branch ("" = visible to all branches)
	Payload         json.RawMessage `db:"payload"`           // Latest field set
	Deleted         bool            `db:"deleted"`           // Tombstone flag
	Version         int64           `db:"version"`           // Incremented on every applied change
	ClientUpdatedAt time.Time       `db:"client_updated_at"` // Application timestamp from the payload
	UpdatedAt       time.Time       `db:"updated_at"`        // Server stamp taken under the pull barrier
	LastDeviceID    string          `db:"last_device_id"`    // Device that wrote the current copy
	LastUserID      string          `db:"last_user_id"`
}

// toPulled converts the stored row into its wire form
func (r *EntityRow) toPulled() PulledRecord {
	return PulledRecord{
		Entity:          r.Entity,
		EntityID:        r.EntityID,
		BranchID:        r.BranchID,
		Payload:         r.Payload,
		Deleted:         r.Deleted,
		Version:         r.Version,
		UpdatedAt:       r.UpdatedAt,
		ClientUpdatedAt: r.ClientUpdatedAt,
		LastDeviceID:    r.LastDeviceID,
	}
}

// ReceivedMutation represents a row in sync.received_mutations, the idempotency gate and audit trail
type ReceivedMutation struct {
	ID              int64      `db:"id"`
	DeviceID        string     `db:"device_id"`
	MutationID      string     `db:"mutation_id"`
	UserID          string     `db:"user_id"`
	BranchID        string     `db:"branch_id"`
	Entity          string     `db:"entity"`
	EntityID        string     `db:"entity_id"`
	Operation       string     `db:"operation"`
	Status          string     `db:"status"`
	Reason          string     `db:"reason"`
	Message         string     `db:"message"`
	ClientUpdatedAt *time.Time `db:"client_updated_at"`
	ReceivedAt      time.Time  `db:"received_at"`
	AcknowledgedAt  *time.Time `db:"acknowledged_at"`
}

// DeviceHeartbeat represents a row in sync.device_heartbeats
type DeviceHeartbeat struct {
	DeviceID            string         `db:"device_id"`
	UserID              string         `db:"user_id"`
	BranchID            string         `db:"branch_id"`
	PendingItems        int            `db:"pending_items"`
	FailedItems         int            `db:"failed_items"`
	DLQItems            int            `db:"dlq_items"`
	UnresolvedConflicts int            `db:"unresolved_conflicts"`
	PendingByEntity     map[string]int `db:"pending_by_entity"`
	FailedByEntity      map[string]int `db:"failed_by_entity"`
	LastSyncAt          *time.Time     `db:"last_sync_at"`
	LastHeartbeatAt     time.Time      `db:"last_heartbeat_at"`
}
