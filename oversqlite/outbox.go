// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MutationQueueItem is one local mutation waiting for, or done with, the gateway
type MutationQueueItem struct {
	Seq            int64           `json:"seq"`
	ID             string          `json:"id"`
	MutationID     string          `json:"mutationId"`
	Entity         string          `json:"entity"`
	Operation      string          `json:"operation"`
	EntityID       string          `json:"entityId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	BranchID       string          `json:"branchId,omitempty"`
	DeviceID       string          `json:"deviceId"`
	Status         string          `json:"status"`
	RetryCount     int             `json:"retryCount"`
	Retryable      bool            `json:"retryable"`
	Attempted      bool            `json:"attempted"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	ProcessedAt    *time.Time      `json:"processedAt,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	DeadLetteredAt *time.Time      `json:"deadLetteredAt,omitempty"`
}

// Unsynced reports whether the item still represents a local edit the server has not accepted
func (it *MutationQueueItem) Unsynced() bool {
	return it.Status == StatusPending || it.Status == StatusError
}

// OutboxStats summarizes the queue for status output and heartbeats
type OutboxStats struct {
	Pending         int            `json:"pending"`
	Failed          int            `json:"failed"`
	DeadLettered    int            `json:"deadLettered"`
	Held            int            `json:"held"`
	Synced          int            `json:"synced"`
	Acknowledged    int            `json:"acknowledged"`
	PendingByEntity map[string]int `json:"pendingByEntity"`
	FailedByEntity  map[string]int `json:"failedByEntity"`
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Outbox is the durable queue of local mutations.
//
// For each (entity, entityId) at most one unsynced item (pending or error) exists.
// Enqueue folds later edits into that item instead of queueing a second one, so the
// gateway never sees superseded states out of order.
type Outbox struct {
	db             *sql.DB
	deviceID       string
	branchID       string
	maxItemRetries int
	logger         *slog.Logger
	now            func() time.Time
}

// NewOutbox creates an outbox for the terminal
func NewOutbox(db *sql.DB, deviceID, branchID string, maxItemRetries int, logger *slog.Logger) *Outbox {
	if logger == nil {
		logger = slog.Default()
	}
	if maxItemRetries <= 0 {
		maxItemRetries = 5
	}
	return &Outbox{
		db:             db,
		deviceID:       deviceID,
		branchID:       branchID,
		maxItemRetries: maxItemRetries,
		logger:         logger,
		now:            time.Now,
	}
}

const selectItem = `
	SELECT seq, id, mutation_id, entity, operation, entity_id, payload, branch_id, device_id, status,
	       retry_count, retryable, attempted, created_at, updated_at, processed_at, error_message, dead_lettered_at
	FROM _sync_outbox`

func scanItem(sc interface{ Scan(...any) error }) (MutationQueueItem, error) {
	var (
		it                          MutationQueueItem
		payload                     sql.NullString
		createdAt, updatedAt        string
		processedAt, deadLetteredAt sql.NullString
		retryable, attempted        int
	)
	err := sc.Scan(&it.Seq, &it.ID, &it.MutationID, &it.Entity, &it.Operation, &it.EntityID, &payload,
		&it.BranchID, &it.DeviceID, &it.Status, &it.RetryCount, &retryable, &attempted,
		&createdAt, &updatedAt, &processedAt, &it.ErrorMessage, &deadLetteredAt)
	if err != nil {
		return it, err
	}
	if payload.Valid && payload.String != "" {
		it.Payload = json.RawMessage(payload.String)
	}
	it.Retryable = retryable == 1
	it.Attempted = attempted == 1
	it.CreatedAt = parseTime(createdAt)
	it.UpdatedAt = parseTime(updatedAt)
	it.ProcessedAt = parseNullTime(processedAt)
	it.DeadLetteredAt = parseNullTime(deadLetteredAt)
	return it, nil
}

func (o *Outbox) queryItems(ctx context.Context, q querier, where string, args ...any) ([]MutationQueueItem, error) {
	rows, err := q.QueryContext(ctx, selectItem+" "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query outbox: %w", err)
	}
	defer rows.Close()
	var out []MutationQueueItem
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan outbox item: %w", err)
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// Enqueue records a local mutation. It must run in the transaction that performs the
// local write so that a crash cannot separate the two.
//
// An existing unsynced item for the same row is overwritten in place: it keeps its
// queue position, gets the new payload and a fresh mutation id, and returns to pending.
// The merged operation is chosen so the server ends in the latest local state. A write
// on top of a create or a delete becomes update, since update is an upsert that also
// revives tombstones. A create may already be in flight, so it is never kept as create.
func (o *Outbox) Enqueue(ctx context.Context, tx *sql.Tx, entity, op, entityID string, payload json.RawMessage) (string, error) {
	entity = strings.ToLower(strings.TrimSpace(entity))
	if entity == "" || entityID == "" {
		return "", &ValidationError{Entity: entity, EntityID: entityID, Reason: "bad_item", Message: "entity and entityId are required"}
	}
	if !validOp(op) {
		return "", &ValidationError{Entity: entity, EntityID: entityID, Reason: "bad_item", Message: "unknown operation " + op}
	}
	if op != OpDelete && len(payload) == 0 {
		return "", &ValidationError{Entity: entity, EntityID: entityID, Reason: "bad_item", Message: "payload required for " + op}
	}

	now := formatTime(o.now())
	existing, err := o.unsyncedItem(ctx, tx, entity, entityID)
	if err != nil {
		return "", err
	}

	if existing == nil {
		id := uuid.NewString()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO _sync_outbox
				(id, mutation_id, entity, operation, entity_id, payload, branch_id, device_id, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?)`,
			id, uuid.NewString(), entity, op, entityID, nullablePayload(payload), o.branchID, o.deviceID, now, now)
		if err != nil {
			return "", fmt.Errorf("failed to enqueue %s/%s: %w", entity, entityID, err)
		}
		return id, nil
	}

	mergedOp := coalesceOp(existing.Operation, op)
	_, err = tx.ExecContext(ctx, `
		UPDATE _sync_outbox SET
			operation     = ?,
			payload       = ?,
			mutation_id   = ?,
			status        = 'pending',
			retry_count   = 0,
			retryable     = 1,
			error_message = '',
			dead_lettered_at = NULL,
			updated_at    = ?
		WHERE id = ?`,
		mergedOp, nullablePayload(payload), uuid.NewString(), now, existing.ID)
	if err != nil {
		return "", fmt.Errorf("failed to coalesce %s/%s: %w", entity, entityID, err)
	}
	o.logger.Debug("Coalesced outbox item", "entity", entity, "entity_id", entityID,
		"from", existing.Operation, "to", mergedOp)
	return existing.ID, nil
}

// EnqueuePayload encodes a typed payload and enqueues it
func (o *Outbox) EnqueuePayload(ctx context.Context, tx *sql.Tx, op string, p MutationPayload) (string, error) {
	var raw json.RawMessage
	if op != OpDelete {
		b, err := json.Marshal(p)
		if err != nil {
			return "", &ValidationError{Entity: p.EntityName(), EntityID: p.EntityID(), Reason: "bad_payload", Message: err.Error()}
		}
		raw = b
	}
	return o.Enqueue(ctx, tx, p.EntityName(), op, p.EntityID(), raw)
}

func coalesceOp(existing, incoming string) string {
	if incoming == OpCreate && existing != OpCreate {
		return OpUpdate
	}
	return incoming
}

func nullablePayload(p json.RawMessage) any {
	if len(p) == 0 {
		return nil
	}
	return string(p)
}

func (o *Outbox) unsyncedItem(ctx context.Context, q querier, entity, entityID string) (*MutationQueueItem, error) {
	items, err := o.queryItems(ctx, q, `WHERE entity = ? AND entity_id = ? AND status IN ('pending','error')`, entity, entityID)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// PendingEdit returns the unsynced item for a row, or nil. This is the single source of
// truth for "the local copy has edits the server has not accepted".
func (o *Outbox) PendingEdit(ctx context.Context, q querier, entity, entityID string) (*MutationQueueItem, error) {
	if q == nil {
		q = o.db
	}
	return o.unsyncedItem(ctx, q, entity, entityID)
}

// DequeueBatch returns up to limit pending items in insertion order
func (o *Outbox) DequeueBatch(ctx context.Context, limit int) ([]MutationQueueItem, error) {
	return o.queryItems(ctx, o.db, `WHERE status = 'pending' ORDER BY seq LIMIT ?`, limit)
}

// Get returns one item by id
func (o *Outbox) Get(ctx context.Context, id string) (*MutationQueueItem, error) {
	items, err := o.queryItems(ctx, o.db, `WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrItemNotFound
	}
	return &items[0], nil
}

// List returns items with the given status (all when empty), newest first
func (o *Outbox) List(ctx context.Context, status string, limit int) ([]MutationQueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	if status == "" {
		return o.queryItems(ctx, o.db, `ORDER BY seq DESC LIMIT ?`, limit)
	}
	return o.queryItems(ctx, o.db, `WHERE status = ? ORDER BY seq DESC LIMIT ?`, status, limit)
}

// MarkAttempted flags items as sent and returns those still current. An item coalesced
// since it was dequeued carries a stale payload: it is left pending for the next cycle.
func (o *Outbox) MarkAttempted(ctx context.Context, items []MutationQueueItem) ([]MutationQueueItem, error) {
	current := make([]MutationQueueItem, 0, len(items))
	for _, it := range items {
		res, err := o.db.ExecContext(ctx,
			`UPDATE _sync_outbox SET attempted = 1 WHERE id = ? AND mutation_id = ?`, it.ID, it.MutationID)
		if err != nil {
			return nil, fmt.Errorf("failed to mark %s attempted: %w", it.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			current = append(current, it)
		}
	}
	return current, nil
}

// MarkSynced records a successful remote apply. The mutation id guards against a
// concurrent coalesce: if the item was re-edited while in flight it stays pending.
func (o *Outbox) MarkSynced(ctx context.Context, id, mutationID string) (bool, error) {
	now := formatTime(o.now())
	res, err := o.db.ExecContext(ctx, `
		UPDATE _sync_outbox
		SET status = 'synced', processed_at = ?, updated_at = ?, error_message = ''
		WHERE id = ? AND mutation_id = ? AND status IN ('pending','error')`, now, now, id, mutationID)
	if err != nil {
		return false, fmt.Errorf("failed to mark %s synced: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkError records a failed attempt.
//
// countAttempt is false for connectivity outages: they say nothing about the item and
// must not push it toward the dead-letter limit. Non-retryable failures and items that
// reach MaxItemRetries are dead-lettered: kept and visible, but excluded from RetryFailed.
func (o *Outbox) MarkError(ctx context.Context, id, mutationID, message string, retryable, countAttempt bool) error {
	now := formatTime(o.now())
	inc := 0
	if countAttempt {
		inc = 1
	}
	_, err := o.db.ExecContext(ctx, `
		UPDATE _sync_outbox SET
			status        = 'error',
			error_message = ?,
			retryable     = ?,
			retry_count   = retry_count + ?,
			updated_at    = ?,
			dead_lettered_at = CASE
				WHEN ? = 0 OR retry_count + ? >= ? THEN COALESCE(dead_lettered_at, ?)
				ELSE NULL END
		WHERE id = ? AND mutation_id = ? AND status IN ('pending','error')`,
		message, boolInt(retryable), inc, now,
		boolInt(retryable), inc, o.maxItemRetries, now,
		id, mutationID)
	if err != nil {
		return fmt.Errorf("failed to mark %s error: %w", id, err)
	}
	return nil
}

// Hold parks an item behind an open conflict. It is neither retried nor dead-lettered;
// resolving the conflict re-enqueues or discards it.
func (o *Outbox) Hold(ctx context.Context, id, mutationID, message string) error {
	_, err := o.db.ExecContext(ctx, `
		UPDATE _sync_outbox SET
			status = 'error', error_message = ?, retryable = 0, dead_lettered_at = NULL, updated_at = ?
		WHERE id = ? AND mutation_id = ? AND status IN ('pending','error')`,
		message, formatTime(o.now()), id, mutationID)
	if err != nil {
		return fmt.Errorf("failed to hold %s: %w", id, err)
	}
	return nil
}

// MarkAcknowledged records that the server confirmed durable receipt
func (o *Outbox) MarkAcknowledged(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, formatTime(o.now()))
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := o.db.ExecContext(ctx, `
		UPDATE _sync_outbox SET status = 'acknowledged', updated_at = ?
		WHERE status = 'synced' AND id IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("failed to mark items acknowledged: %w", err)
	}
	return nil
}

// SyncedUnacknowledged returns synced items the server has not confirmed yet
func (o *Outbox) SyncedUnacknowledged(ctx context.Context, limit int) ([]MutationQueueItem, error) {
	return o.queryItems(ctx, o.db, `WHERE status = 'synced' ORDER BY seq LIMIT ?`, limit)
}

// RetryFailed returns retryable, not dead-lettered error items to pending
func (o *Outbox) RetryFailed(ctx context.Context) (int, error) {
	res, err := o.db.ExecContext(ctx, `
		UPDATE _sync_outbox SET status = 'pending', updated_at = ?
		WHERE status = 'error' AND retryable = 1 AND dead_lettered_at IS NULL`, formatTime(o.now()))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue failed items: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// Requeue manually returns an error or dead-lettered item to pending with a fresh budget
func (o *Outbox) Requeue(ctx context.Context, id string) error {
	res, err := o.db.ExecContext(ctx, `
		UPDATE _sync_outbox SET
			status = 'pending', retry_count = 0, retryable = 1, dead_lettered_at = NULL,
			error_message = '', updated_at = ?
		WHERE id = ? AND status = 'error'`, formatTime(o.now()), id)
	if err != nil {
		return fmt.Errorf("failed to requeue %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrItemNotFound
	}
	return nil
}

// discard removes the unsynced item of a row; used when a remote state supersedes it
func (o *Outbox) discard(ctx context.Context, tx *sql.Tx, entity, entityID string) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM _sync_outbox WHERE entity = ? AND entity_id = ? AND status IN ('pending','error')`, entity, entityID)
	if err != nil {
		return fmt.Errorf("failed to discard %s/%s: %w", entity, entityID, err)
	}
	return nil
}

// Stats counts items per status and unsynced items per entity
func (o *Outbox) Stats(ctx context.Context) (OutboxStats, error) {
	st := OutboxStats{PendingByEntity: map[string]int{}, FailedByEntity: map[string]int{}}
	rows, err := o.db.QueryContext(ctx, `
		SELECT entity, status, dead_lettered_at IS NOT NULL, retryable, COUNT(*)
		FROM _sync_outbox
		GROUP BY entity, status, dead_lettered_at IS NOT NULL, retryable`)
	if err != nil {
		return st, fmt.Errorf("failed to aggregate outbox: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			entity, status  string
			dead, retryable bool
			n               int
		)
		if err := rows.Scan(&entity, &status, &dead, &retryable, &n); err != nil {
			return st, err
		}
		switch status {
		case StatusPending:
			st.Pending += n
			st.PendingByEntity[entity] += n
		case StatusError:
			switch {
			case dead:
				st.DeadLettered += n
			case !retryable:
				st.Held += n
				continue
			default:
				st.Failed += n
			}
			st.FailedByEntity[entity] += n
		case StatusSynced:
			st.Synced += n
		case StatusAcknowledged:
			st.Acknowledged += n
		}
	}
	return st, rows.Err()
}

// PurgeAcknowledged deletes acknowledged items older than the cutoff
func (o *Outbox) PurgeAcknowledged(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := o.db.ExecContext(ctx,
		`DELETE FROM _sync_outbox WHERE status = 'acknowledged' AND updated_at < ?`, formatTime(olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to purge outbox: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
