// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// SyncConflict is a divergence between an unsynced local edit and the server copy
type SyncConflict struct {
	ID              string          `json:"id"`
	Entity          string          `json:"entity"`
	EntityID        string          `json:"entityId"`
	LocalData       json.RawMessage `json:"localData,omitempty"` // nil when the local edit is a delete
	RemoteData      json.RawMessage `json:"remoteData,omitempty"`
	RemoteDeleted   bool            `json:"remoteDeleted"`
	DeviceID        string          `json:"deviceId"`
	LocalTimestamp  time.Time       `json:"localTimestamp"`
	RemoteTimestamp time.Time       `json:"remoteTimestamp"`
	OutboxItemID    string          `json:"outboxItemId,omitempty"`
	Resolved        bool            `json:"resolved"`
	Resolution      string          `json:"resolution,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
}

// ConflictStore persists conflicts and applies resolutions
type ConflictStore struct {
	db       *sql.DB
	deviceID string
	outbox   *Outbox
	registry *Registry
	logger   *slog.Logger
	now      func() time.Time
}

// NewConflictStore creates a store sharing the terminal database
func NewConflictStore(db *sql.DB, deviceID string, outbox *Outbox, registry *Registry, logger *slog.Logger) *ConflictStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConflictStore{db: db, deviceID: deviceID, outbox: outbox, registry: registry, logger: logger, now: time.Now}
}

const selectConflict = `
	SELECT id, entity, entity_id, local_data, remote_data, remote_deleted, device_id,
	       local_timestamp, remote_timestamp, outbox_item_id, resolved, resolution, created_at, resolved_at
	FROM _sync_conflicts`

func scanConflict(sc interface{ Scan(...any) error }) (SyncConflict, error) {
	var (
		c                        SyncConflict
		local, remote            sql.NullString
		localTS, remoteTS, creat string
		resolvedAt               sql.NullString
	)
	err := sc.Scan(&c.ID, &c.Entity, &c.EntityID, &local, &remote, &c.RemoteDeleted, &c.DeviceID,
		&localTS, &remoteTS, &c.OutboxItemID, &c.Resolved, &c.Resolution, &creat, &resolvedAt)
	if err != nil {
		return c, err
	}
	if local.Valid && local.String != "" {
		c.LocalData = json.RawMessage(local.String)
	}
	if remote.Valid && remote.String != "" {
		c.RemoteData = json.RawMessage(remote.String)
	}
	c.LocalTimestamp = parseTime(localTS)
	c.RemoteTimestamp = parseTime(remoteTS)
	c.CreatedAt = parseTime(creat)
	c.ResolvedAt = parseNullTime(resolvedAt)
	return c, nil
}

// Register records a conflict within tx. Registering a pair that already has an open
// conflict refreshes its snapshots instead of adding a second row.
func (s *ConflictStore) Register(ctx context.Context, tx *sql.Tx, c SyncConflict) (id string, created bool, err error) {
	var existing string
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM _sync_conflicts WHERE entity = ? AND entity_id = ? AND resolved = 0`,
		c.Entity, c.EntityID).Scan(&existing)
	switch {
	case isNoRows(err):
	case err != nil:
		return "", false, fmt.Errorf("failed to look up conflict: %w", err)
	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE _sync_conflicts SET
				local_data = ?, remote_data = ?, remote_deleted = ?,
				local_timestamp = ?, remote_timestamp = ?, outbox_item_id = ?
			WHERE id = ?`,
			nullablePayload(c.LocalData), nullablePayload(c.RemoteData), boolInt(c.RemoteDeleted),
			formatTime(c.LocalTimestamp), formatTime(c.RemoteTimestamp), c.OutboxItemID, existing)
		if err != nil {
			return "", false, fmt.Errorf("failed to refresh conflict %s: %w", existing, err)
		}
		return existing, false, nil
	}

	id = uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO _sync_conflicts
			(id, entity, entity_id, local_data, remote_data, remote_deleted, device_id,
			 local_timestamp, remote_timestamp, outbox_item_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, c.Entity, c.EntityID, nullablePayload(c.LocalData), nullablePayload(c.RemoteData),
		boolInt(c.RemoteDeleted), s.deviceID, formatTime(c.LocalTimestamp), formatTime(c.RemoteTimestamp),
		c.OutboxItemID, formatTime(s.now()))
	if err != nil {
		return "", false, fmt.Errorf("failed to insert conflict: %w", err)
	}
	s.logger.Info("Conflict registered", "entity", c.Entity, "entity_id", c.EntityID, "conflict_id", id)
	return id, true, nil
}

// Get returns one conflict
func (s *ConflictStore) Get(ctx context.Context, id string) (*SyncConflict, error) {
	return s.get(ctx, s.db, id)
}

func (s *ConflictStore) get(ctx context.Context, q querier, id string) (*SyncConflict, error) {
	c, err := scanConflict(q.QueryRowContext(ctx, selectConflict+` WHERE id = ?`, id))
	if isNoRows(err) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load conflict %s: %w", id, err)
	}
	return &c, nil
}

// List returns conflicts, newest first. Resolved ones are included on request.
func (s *ConflictStore) List(ctx context.Context, includeResolved bool, limit int) ([]SyncConflict, error) {
	if limit <= 0 {
		limit = 100
	}
	where := `WHERE resolved = 0`
	if includeResolved {
		where = ``
	}
	rows, err := s.db.QueryContext(ctx, selectConflict+` `+where+` ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list conflicts: %w", err)
	}
	defer rows.Close()
	var out []SyncConflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UnresolvedCount counts open conflicts
func (s *ConflictStore) UnresolvedCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM _sync_conflicts WHERE resolved = 0`).Scan(&n)
	return n, err
}

// openKeys returns entity/entityId keys of all open conflicts
func (s *ConflictStore) openKeys(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT entity, entity_id FROM _sync_conflicts WHERE resolved = 0`)
	if err != nil {
		return nil, fmt.Errorf("failed to list open conflicts: %w", err)
	}
	defer rows.Close()
	keys := map[string]bool{}
	for rows.Next() {
		var entity, entityID string
		if err := rows.Scan(&entity, &entityID); err != nil {
			return nil, err
		}
		keys[rowKey(entity, entityID)] = true
	}
	return keys, rows.Err()
}

func rowKey(entity, entityID string) string { return entity + "/" + entityID }

// Resolve applies a resolution and marks the conflict resolved, all in one transaction.
//
//   - keep_local: the local snapshot is restamped past the remote timestamp and re-enqueued
//   - keep_remote: the remote snapshot overwrites the local row and the unsynced edit is dropped
//   - merge: remote fields win over local ones; the union is applied locally and enqueued
//
// Each resolution results in exactly one application: either the outbox carries the
// winning state to the server, or the local store takes the server state.
func (s *ConflictStore) Resolve(ctx context.Context, id, action string) (*SyncConflict, error) {
	switch action {
	case ResolutionKeepLocal, ResolutionKeepRemote, ResolutionMerge:
	default:
		return nil, &ValidationError{Reason: "bad_resolution", Message: "unknown resolution " + action}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	c, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if c.Resolved {
		return nil, ErrConflictResolved
	}

	now := s.now().UTC()
	stamp := now
	if floor := c.RemoteTimestamp.Add(time.Millisecond); stamp.Before(floor) {
		stamp = floor
	}

	switch action {
	case ResolutionKeepLocal:
		if err := s.keepLocal(ctx, tx, c, stamp); err != nil {
			return nil, err
		}
	case ResolutionKeepRemote:
		deleted := c.RemoteDeleted || len(c.RemoteData) == 0
		rec := snapshotRecord(c.Entity, c.EntityID, c.RemoteData, deleted, c.RemoteTimestamp)
		if err := s.registry.forceApplyLocal(ctx, tx, rec); err != nil {
			return nil, fmt.Errorf("failed to apply remote snapshot: %w", err)
		}
		if err := s.outbox.discard(ctx, tx, c.Entity, c.EntityID); err != nil {
			return nil, err
		}
	case ResolutionMerge:
		remote := c.RemoteData
		if c.RemoteDeleted {
			remote = nil
		}
		merged, err := MergeShallow(c.LocalData, remote)
		if err != nil {
			return nil, &ValidationError{Entity: c.Entity, EntityID: c.EntityID, Reason: "bad_payload", Message: err.Error()}
		}
		if err := s.writeAndEnqueue(ctx, tx, c, merged, stamp); err != nil {
			return nil, err
		}
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE _sync_conflicts SET resolved = 1, resolution = ?, resolved_at = ? WHERE id = ?`,
		action, formatTime(now), id)
	if err != nil {
		return nil, fmt.Errorf("failed to mark conflict resolved: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit resolution: %w", err)
	}

	c.Resolved = true
	c.Resolution = action
	c.ResolvedAt = &now
	s.logger.Info("Conflict resolved", "conflict_id", id, "entity", c.Entity, "entity_id", c.EntityID, "resolution", action)
	return c, nil
}

func (s *ConflictStore) keepLocal(ctx context.Context, tx *sql.Tx, c *SyncConflict, stamp time.Time) error {
	if len(c.LocalData) == 0 {
		_, err := s.outbox.Enqueue(ctx, tx, c.Entity, OpDelete, c.EntityID, nil)
		return err
	}
	return s.writeAndEnqueue(ctx, tx, c, c.LocalData, stamp)
}

// writeAndEnqueue stores data locally with the new timestamp and queues it as an update
func (s *ConflictStore) writeAndEnqueue(ctx context.Context, tx *sql.Tx, c *SyncConflict, data json.RawMessage, stamp time.Time) error {
	payload, err := WithTimestamp(data, stamp)
	if err != nil {
		return &ValidationError{Entity: c.Entity, EntityID: c.EntityID, Reason: "bad_payload", Message: err.Error()}
	}
	if err := s.registry.forceApplyLocal(ctx, tx, snapshotRecord(c.Entity, c.EntityID, payload, false, stamp)); err != nil {
		return fmt.Errorf("failed to apply resolved state: %w", err)
	}
	_, err = s.outbox.Enqueue(ctx, tx, c.Entity, OpUpdate, c.EntityID, payload)
	return err
}
