// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ErrBatchTooLarge is returned when a push exceeds ServiceConfig.MaxPushBatchSize
var ErrBatchTooLarge = errors.New("batch_too_large")

// ProcessPush applies a batch of pushed mutations in request order.
//
// Every item runs inside its own SAVEPOINT within one transaction, so a failing item
// never hides the outcome of the others. The (device, mutation) idempotency gate is
// written first; a redelivered mutation returns its stored outcome without touching
// entity state. Outcomes that are expected to clear on retry (fk_missing) are not
// recorded, so the next delivery of the same mutation is evaluated again.
func (s *SyncService) ProcessPush(ctx context.Context, id Identity, req *PushRequest) (*PushResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if req == nil || len(req.Items) == 0 {
		return &PushResponse{Results: []PushResult{}}, nil
	}
	if s.config.MaxPushBatchSize > 0 && len(req.Items) > s.config.MaxPushBatchSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrBatchTooLarge, len(req.Items), s.config.MaxPushBatchSize)
	}

	totalStart := s.stageStart()

	if s.config.Locker != nil {
		lockStart := s.stageStart()
		unlock, err := s.config.Locker.LockDevice(ctx, id.DeviceID)
		s.observeStage(ctx, MetricsOpPush, MetricsStagePushLock, lockStart, len(req.Items), 1, err != nil)
		if err != nil {
			return nil, fmt.Errorf("failed to lock device %s: %w", id.DeviceID, err)
		}
		defer unlock()
	}

	items := make([]PushItem, len(req.Items))
	copy(items, req.Items)
	results := make([]PushResult, len(items))
	valid := make([]bool, len(items))

	validateStart := s.stageStart()
	for i := range items {
		reason, err := s.validatePushItem(&items[i])
		if err == nil {
			reason, err = s.resolveBranch(id, &items[i])
		}
		if err != nil {
			results[i] = statusInvalid(items[i], reason, err)
			continue
		}
		valid[i] = true
	}
	s.observeStage(ctx, MetricsOpPush, MetricsStagePushValidate, validateStart, len(items), 1, false)

	err := s.runTxWithRetry(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted, AccessMode: pgx.ReadWrite}, MetricsOpPush, func(tx pgx.Tx) error {
		// Shared barrier lock: pulls wait for in-flight pushes before freezing asOf.
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared($1)`, pullBarrierLockKey); err != nil {
			return fmt.Errorf("failed to take pull barrier lock: %w", err)
		}
		applyStart := s.stageStart()
		for i := range items {
			if !valid[i] {
				continue
			}
			res, err := s.pushOne(ctx, tx, id, items[i])
			if err != nil {
				s.observeStage(ctx, MetricsOpPush, MetricsStagePushApply, applyStart, i, 1, true)
				return err
			}
			results[i] = res
		}
		s.observeStage(ctx, MetricsOpPush, MetricsStagePushApply, applyStart, len(items), 1, false)
		return nil
	})
	s.observeStage(ctx, MetricsOpPush, MetricsStageTotal, totalStart, len(items), 1, err != nil)
	if err != nil {
		return nil, fmt.Errorf("failed to process push: %w", err)
	}

	resp := &PushResponse{Results: results}
	for _, r := range results {
		switch r.Status {
		case StApplied, StMaterializeError:
			resp.Summary.Success++
		case StConflict:
			resp.Summary.Conflicts++
		default:
			resp.Summary.Failed++
		}
	}
	s.logger.Debug("Processed push",
		"device_id", id.DeviceID, "items", len(items),
		"success", resp.Summary.Success, "failed", resp.Summary.Failed, "conflicts", resp.Summary.Conflicts)
	return resp, nil
}

// resolveBranch fills the branch of branch-scoped entities from the caller identity and
// rejects writes into another branch.
func (s *SyncService) resolveBranch(id Identity, it *PushItem) (string, error) {
	ent := s.entities[it.Entity]
	if !ent.BranchScoped {
		it.BranchID = ""
		return "", nil
	}
	if it.BranchID == "" {
		it.BranchID = id.BranchID
	}
	if id.BranchID != "" && it.BranchID != id.BranchID {
		return ReasonValidationFailed, fmt.Errorf("%w: branch %s is not the device branch", ErrValidation, it.BranchID)
	}
	return "", nil
}

// pushOne applies a single validated mutation inside its own savepoint
func (s *SyncService) pushOne(ctx context.Context, tx pgx.Tx, id Identity, it PushItem) (PushResult, error) {
	sp := pgx.Identifier{"sp_" + strings.ReplaceAll(it.MutationID, "-", "")}.Sanitize()
	if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return PushResult{}, fmt.Errorf("failed to create savepoint: %w", err)
	}
	rollback := func() {
		_, _ = tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		_, _ = tx.Exec(ctx, "RELEASE SAVEPOINT "+sp)
	}
	release := func() error {
		_, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp)
		return err
	}

	// 1) Idempotency gate: insert first, the unique key decides.
	var gateID int64
	err := tx.QueryRow(ctx, `
		INSERT INTO sync.received_mutations
			(device_id, mutation_id, user_id, branch_id, entity, entity_id, operation, client_updated_at)
		VALUES (@device_id, @mutation_id, @user_id, @branch_id, @entity, @entity_id, @operation, @client_updated_at)
		ON CONFLICT (device_id, mutation_id) DO NOTHING
		RETURNING id`, pgx.NamedArgs{
		"device_id":         id.DeviceID,
		"mutation_id":       it.MutationID,
		"user_id":           id.UserID,
		"branch_id":         it.BranchID,
		"entity":            it.Entity,
		"entity_id":         it.EntityID,
		"operation":         it.Operation,
		"client_updated_at": it.ClientUpdatedAt,
	}).Scan(&gateID)
	if errors.Is(err, pgx.ErrNoRows) {
		if err := release(); err != nil {
			return PushResult{}, err
		}
		return s.replayStoredResult(ctx, tx, id, it)
	}
	if err != nil {
		rollback()
		return PushResult{}, fmt.Errorf("idempotency gate failed: %w", err)
	}

	// 2) Apply against the canonical copy.
	res, err := s.applyMutation(ctx, tx, id, it)
	if err != nil {
		rollback()
		if isRetryablePGTxError(err) {
			return PushResult{}, err
		}
		s.logger.Error("Failed to apply mutation", "error", err,
			"entity", it.Entity, "entity_id", it.EntityID, "mutation_id", it.MutationID)
		return statusInvalid(it, ReasonInternalError, err), nil
	}
	if res.Status == StInvalid && res.Retryable {
		rollback()
		return res, nil
	}

	// 3) Record the final outcome on the gate row.
	if _, err := tx.Exec(ctx, `
		UPDATE sync.received_mutations
		SET status = @status, reason = @reason, message = @message
		WHERE id = @id`, pgx.NamedArgs{
		"status":  res.Status,
		"reason":  res.Reason,
		"message": res.Message,
		"id":      gateID,
	}); err != nil {
		rollback()
		return PushResult{}, fmt.Errorf("failed to record mutation outcome: %w", err)
	}
	if err := release(); err != nil {
		return PushResult{}, fmt.Errorf("failed to release savepoint: %w", err)
	}
	return res, nil
}

// replayStoredResult returns the recorded outcome of an already processed mutation
func (s *SyncService) replayStoredResult(ctx context.Context, tx pgx.Tx, id Identity, it PushItem) (PushResult, error) {
	var status, reason, message string
	if err := tx.QueryRow(ctx, `
		SELECT status, reason, message
		FROM sync.received_mutations
		WHERE device_id = $1 AND mutation_id = $2`, id.DeviceID, it.MutationID).Scan(&status, &reason, &message); err != nil {
		return PushResult{}, fmt.Errorf("failed to load stored outcome: %w", err)
	}
	if status != StConflict {
		return storedResult(it, status, reason, message, nil), nil
	}
	row, err := s.loadEntityRow(ctx, tx, it.Entity, it.EntityID, false)
	if err != nil {
		return PushResult{}, err
	}
	res := statusConflict(it, row)
	res.Duplicate = true
	return res, nil
}
