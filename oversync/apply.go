// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const selectEntityRow = `
	SELECT entity, entity_id, branch_id, payload, deleted, version,
	       client_updated_at, updated_at, last_device_id, last_user_id
	FROM sync.entity_rows
	WHERE entity = $1 AND entity_id = $2`

// loadEntityRow returns the current server copy or nil when the row does not exist
func (s *SyncService) loadEntityRow(ctx context.Context, tx pgx.Tx, entity, entityID string, forUpdate bool) (*EntityRow, error) {
	q := selectEntityRow
	if forUpdate {
		q += ` FOR UPDATE`
	}
	var r EntityRow
	err := tx.QueryRow(ctx, q, entity, entityID).Scan(
		&r.Entity, &r.EntityID, &r.BranchID, &r.Payload, &r.Deleted, &r.Version,
		&r.ClientUpdatedAt, &r.UpdatedAt, &r.LastDeviceID, &r.LastUserID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s/%s: %w", entity, entityID, err)
	}
	return &r, nil
}

// isConflict reports whether the stored copy is newer than the pushed one beyond the tolerance.
// Pushes without an application timestamp never conflict.
func (s *SyncService) isConflict(existing *EntityRow, it PushItem) bool {
	if existing == nil || it.ClientUpdatedAt == nil {
		return false
	}
	return existing.ClientUpdatedAt.After(it.ClientUpdatedAt.Add(s.config.ConflictTolerance))
}

// applyMutation applies one mutation to sync.entity_rows.
//
//   - create: insert-or-ignore, so redelivery of the same id is a no-op
//   - update: upsert, so an update that overtakes its create still lands
//   - delete: tombstone; deleting a missing or already deleted row is a no-op
func (s *SyncService) applyMutation(ctx context.Context, tx pgx.Tx, id Identity, it PushItem) (PushResult, error) {
	existing, err := s.loadEntityRow(ctx, tx, it.Entity, it.EntityID, true)
	if err != nil {
		return PushResult{}, err
	}

	clientTS := time.Now().UTC()
	if it.ClientUpdatedAt != nil {
		clientTS = it.ClientUpdatedAt.UTC()
	}
	args := pgx.NamedArgs{
		"entity":            it.Entity,
		"entity_id":         it.EntityID,
		"branch_id":         it.BranchID,
		"payload":           it.Payload,
		"client_updated_at": clientTS,
		"device_id":         id.DeviceID,
		"user_id":           id.UserID,
	}

	var (
		version   int64
		updatedAt time.Time
	)
	switch it.Operation {
	case OpCreate:
		if existing != nil {
			return statusAppliedNoop(it), nil
		}
		if missing, err := s.parentsMissing(ctx, tx, it); err != nil {
			return PushResult{}, err
		} else if len(missing) > 0 {
			return statusInvalidFKMissing(it, missing), nil
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO sync.entity_rows
				(entity, entity_id, branch_id, payload, deleted, version, client_updated_at, updated_at, last_device_id, last_user_id)
			VALUES (@entity, @entity_id, @branch_id, @payload, FALSE, 1, @client_updated_at, clock_timestamp(), @device_id, @user_id)
			ON CONFLICT (entity, entity_id) DO NOTHING
			RETURNING version, updated_at`, args).Scan(&version, &updatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return statusAppliedNoop(it), nil
		}

	case OpUpdate:
		if s.isConflict(existing, it) {
			return statusConflict(it, existing), nil
		}
		if missing, err := s.parentsMissing(ctx, tx, it); err != nil {
			return PushResult{}, err
		} else if len(missing) > 0 {
			return statusInvalidFKMissing(it, missing), nil
		}
		err = tx.QueryRow(ctx, `
			INSERT INTO sync.entity_rows
				(entity, entity_id, branch_id, payload, deleted, version, client_updated_at, updated_at, last_device_id, last_user_id)
			VALUES (@entity, @entity_id, @branch_id, @payload, FALSE, 1, @client_updated_at, clock_timestamp(), @device_id, @user_id)
			ON CONFLICT (entity, entity_id) DO UPDATE SET
				branch_id         = EXCLUDED.branch_id,
				payload           = EXCLUDED.payload,
				deleted           = FALSE,
				version           = sync.entity_rows.version + 1,
				client_updated_at = EXCLUDED.client_updated_at,
				updated_at        = clock_timestamp(),
				last_device_id    = EXCLUDED.last_device_id,
				last_user_id      = EXCLUDED.last_user_id
			RETURNING version, updated_at`, args).Scan(&version, &updatedAt)

	case OpDelete:
		if existing == nil || existing.Deleted {
			return statusAppliedNoop(it), nil
		}
		if s.isConflict(existing, it) {
			return statusConflict(it, existing), nil
		}
		err = tx.QueryRow(ctx, `
			UPDATE sync.entity_rows SET
				deleted           = TRUE,
				version           = version + 1,
				client_updated_at = @client_updated_at,
				updated_at        = clock_timestamp(),
				last_device_id    = @device_id,
				last_user_id      = @user_id
			WHERE entity = @entity AND entity_id = @entity_id
			RETURNING version, updated_at`, args).Scan(&version, &updatedAt)

	default:
		return statusInvalid(it, ReasonValidationFailed, fmt.Errorf("%w: unknown operation %s", ErrValidation, it.Operation)), nil
	}
	if err != nil {
		return PushResult{}, fmt.Errorf("failed to apply %s %s/%s: %w", it.Operation, it.Entity, it.EntityID, err)
	}

	if matErr := s.materialize(ctx, tx, id, it, version); matErr != nil {
		return statusMaterializeError(it, version, updatedAt, matErr), nil
	}
	return statusApplied(it, version, updatedAt), nil
}

// parentsMissing checks that every declared parent reference of a create/update is
// present on the server and not deleted. Parents applied earlier in the same push
// are visible because items share one transaction.
func (s *SyncService) parentsMissing(ctx context.Context, tx pgx.Tx, it PushItem) ([]string, error) {
	ent := s.entities[it.Entity]
	if len(ent.References) == 0 || len(it.Payload) == 0 {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(it.Payload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	var missing []string
	for _, ref := range ent.References {
		parentID, ok := payload[ref.Field].(string)
		if !ok || parentID == "" {
			continue
		}
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM sync.entity_rows
				WHERE entity = $1 AND entity_id = $2 AND NOT deleted
			)`, ref.Entity, parentID).Scan(&exists); err != nil {
			return nil, fmt.Errorf("FK precheck failed for %s.%s: %w", it.Entity, ref.Field, err)
		}
		if !exists {
			missing = append(missing, ref.Entity+":"+parentID)
		}
	}
	return missing, nil
}

// materialize runs the optional business-table handler in a nested savepoint.
// Failures never undo the sync state; they are recorded in sync.materialize_failures.
func (s *SyncService) materialize(ctx context.Context, tx pgx.Tx, id Identity, it PushItem, version int64) error {
	handler := s.entities[it.Entity].Handler
	if handler == nil {
		return nil
	}
	start := s.stageStart()
	if _, err := tx.Exec(ctx, "SAVEPOINT sp_materialize"); err != nil {
		return fmt.Errorf("failed to create materialize savepoint: %w", err)
	}

	var matErr error
	if it.Operation == OpDelete {
		matErr = handler.ApplyDelete(ctx, tx, it.Entity, it.EntityID)
	} else {
		matErr = handler.ApplyUpsert(ctx, tx, it.Entity, it.EntityID, it.Payload)
	}
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushMaterialize, start, 1, 1, matErr != nil)

	if matErr == nil {
		_, err := tx.Exec(ctx, "RELEASE SAVEPOINT sp_materialize")
		return err
	}

	_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT sp_materialize")
	_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT sp_materialize")
	s.logger.Warn("Materialization failed", "error", matErr,
		"entity", it.Entity, "entity_id", it.EntityID, "version", version)

	if _, err := tx.Exec(ctx, `
		INSERT INTO sync.materialize_failures (entity, entity_id, version, operation, payload, device_id, error)
		VALUES (@entity, @entity_id, @version, @operation, @payload, @device_id, @error)
		ON CONFLICT (entity, entity_id, version) DO UPDATE SET
			error = EXCLUDED.error,
			retry_count = sync.materialize_failures.retry_count + 1`, pgx.NamedArgs{
		"entity":    it.Entity,
		"entity_id": it.EntityID,
		"version":   version,
		"operation": it.Operation,
		"payload":   nullableJSON(it.Payload),
		"device_id": id.DeviceID,
		"error":     matErr.Error(),
	}); err != nil {
		return fmt.Errorf("materialize failed (%v) and could not be recorded: %w", matErr, err)
	}
	return matErr
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
