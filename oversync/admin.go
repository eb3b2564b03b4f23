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

// ErrFailureNotFound is returned when a materialize failure id is unknown
var ErrFailureNotFound = errors.New("failure_not_found")

// MaterializeFailure represents a row in sync.materialize_failures
type MaterializeFailure struct {
	ID         int64     `json:"id"`
	Entity     string    `json:"entity"`
	EntityID   string    `json:"entityId"`
	Version    int64     `json:"version"`
	Operation  string    `json:"operation"`
	Payload    []byte    `json:"payload,omitempty"`
	DeviceID   string    `json:"deviceId"`
	Error      string    `json:"error"`
	FirstSeen  time.Time `json:"firstSeen"`
	RetryCount int       `json:"retryCount"`
}

// ListMaterializeFailures returns failures filtered by an optional entity type.
func (s *SyncService) ListMaterializeFailures(ctx context.Context, entity string, limit int) ([]MaterializeFailure, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, entity, entity_id, version, operation, payload, device_id, error, first_seen, retry_count
		FROM sync.materialize_failures
		WHERE (@entity = '' OR entity = @entity)
		ORDER BY first_seen DESC
		LIMIT @limit`, pgx.NamedArgs{"entity": entity, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("list failures: %w", err)
	}
	defer rows.Close()
	out := []MaterializeFailure{}
	for rows.Next() {
		var r MaterializeFailure
		if err := rows.Scan(&r.ID, &r.Entity, &r.EntityID, &r.Version, &r.Operation, &r.Payload,
			&r.DeviceID, &r.Error, &r.FirstSeen, &r.RetryCount); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RetryMaterializeFailure replays the handler against the current server copy of the
// failed row. On success the failure row is removed.
func (s *SyncService) RetryMaterializeFailure(ctx context.Context, id int64) error {
	err := s.runTxWithRetry(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadWrite}, "retry_failure", func(tx pgx.Tx) error {
		var f MaterializeFailure
		err := tx.QueryRow(ctx, `
			SELECT id, entity, entity_id, version, operation
			FROM sync.materialize_failures WHERE id = $1 FOR UPDATE`, id).Scan(
			&f.ID, &f.Entity, &f.EntityID, &f.Version, &f.Operation)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrFailureNotFound
		}
		if err != nil {
			return fmt.Errorf("load failure: %w", err)
		}

		ent, ok := s.entities[f.Entity]
		if !ok || ent.Handler == nil {
			return fmt.Errorf("no materialization handler for %s", f.Entity)
		}
		row, err := s.loadEntityRow(ctx, tx, f.Entity, f.EntityID, true)
		if err != nil {
			return err
		}

		var applyErr error
		switch {
		case row == nil || row.Deleted:
			applyErr = ent.Handler.ApplyDelete(ctx, tx, f.Entity, f.EntityID)
		default:
			applyErr = ent.Handler.ApplyUpsert(ctx, tx, f.Entity, f.EntityID, row.Payload)
		}
		if applyErr != nil {
			return fmt.Errorf("retry %s/%s: %w", f.Entity, f.EntityID, applyErr)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM sync.materialize_failures WHERE id = @id`, pgx.NamedArgs{"id": id}); err != nil {
			return fmt.Errorf("delete failure row: %w", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrFailureNotFound) {
		if _, incErr := s.pool.Exec(ctx, `
			UPDATE sync.materialize_failures SET retry_count = retry_count + 1, error = $2 WHERE id = $1`,
			id, err.Error()); incErr != nil {
			s.logger.Warn("Failed to record retry attempt", "error", incErr, "failure_id", id)
		}
	}
	return err
}
