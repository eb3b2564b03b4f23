// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ProcessPull returns every entity row changed after since, grouped by entity type in
// dependency order.
//
// asOf is frozen before any row is read: a barrier transaction takes the pull barrier
// lock exclusively, which waits for every in-flight push (pushes hold it shared) and
// keeps new pushes out while clock_timestamp() is sampled. Every row stamped at or
// before asOf is therefore committed and visible, and every later write is stamped
// after asOf, so using asOf as the next since neither skips nor repeats rows.
//
// When more than limit rows are pending, the page is cut at a timestamp boundary and
// asOf is lowered to that boundary with HasMore set.
func (s *SyncService) ProcessPull(ctx context.Context, id Identity, since time.Time, limit int, includeSelf bool) (*PullResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.config.MaxPullRows {
		limit = s.config.MaxPullRows
	}
	totalStart := s.stageStart()

	barrierStart := s.stageStart()
	asOf, err := s.freezeAsOf(ctx)
	s.observeStage(ctx, MetricsOpPull, MetricsStagePullBarrier, barrierStart, 0, 1, err != nil)
	if err != nil {
		return nil, err
	}

	resp := &PullResponse{
		AsOf:        asOf,
		EntityOrder: []string{},
		Changes:     map[string][]PulledRecord{},
	}
	if !since.IsZero() && !since.Before(asOf) {
		return resp, nil
	}

	fetchStart := s.stageStart()
	rows, err := s.fetchChanged(ctx, id, since, asOf, limit+1, includeSelf, nil)
	if err != nil {
		s.observeStage(ctx, MetricsOpPull, MetricsStagePullFetch, fetchStart, 0, 1, true)
		return nil, err
	}
	if len(rows) > limit {
		boundary := rows[limit-1].UpdatedAt
		page := rows[:limit]
		if rows[limit].UpdatedAt.Equal(boundary) {
			// Rows sharing the boundary stamp must land in the same page.
			tail, err := s.fetchChanged(ctx, id, since, boundary, 0, includeSelf, &boundary)
			if err != nil {
				return nil, err
			}
			page = mergeBoundary(page, tail)
		}
		rows = page
		resp.AsOf = boundary
		resp.HasMore = true
	}
	s.observeStage(ctx, MetricsOpPull, MetricsStagePullFetch, fetchStart, len(rows), 1, false)

	for i := range rows {
		r := &rows[i]
		resp.Changes[r.Entity] = append(resp.Changes[r.Entity], r.toPulled())
	}
	for _, name := range s.EntityOrder() {
		if _, ok := resp.Changes[name]; ok {
			resp.EntityOrder = append(resp.EntityOrder, name)
		}
	}

	s.observeStage(ctx, MetricsOpPull, MetricsStageTotal, totalStart, len(rows), 1, false)
	s.logger.Debug("Processed pull",
		"device_id", id.DeviceID, "branch_id", id.BranchID,
		"since", since, "as_of", resp.AsOf, "rows", len(rows), "has_more", resp.HasMore)
	return resp, nil
}

// freezeAsOf samples the pull upper bound under the exclusive barrier lock
func (s *SyncService) freezeAsOf(ctx context.Context) (time.Time, error) {
	var asOf time.Time
	err := s.runTxWithRetry(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, MetricsOpPull, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, pullBarrierLockKey); err != nil {
			return fmt.Errorf("failed to take pull barrier lock: %w", err)
		}
		return tx.QueryRow(ctx, `SELECT clock_timestamp()`).Scan(&asOf)
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to freeze pull window: %w", err)
	}
	return asOf, nil
}

// fetchChanged reads rows with since < updated_at <= until visible to the caller's branch.
// exact restricts the result to rows stamped exactly at that instant.
func (s *SyncService) fetchChanged(
	ctx context.Context, id Identity, since, until time.Time, limit int, includeSelf bool, exact *time.Time,
) ([]EntityRow, error) {
	q := `
		SELECT entity, entity_id, branch_id, payload, deleted, version,
		       client_updated_at, updated_at, last_device_id, last_user_id
		FROM sync.entity_rows
		WHERE updated_at > @since
		  AND updated_at <= @until
		  AND (@branch_id = '' OR branch_id = '' OR branch_id = @branch_id)
		  AND (@include_self OR last_device_id <> @device_id)`
	args := pgx.NamedArgs{
		"since":        since,
		"until":        until,
		"branch_id":    id.BranchID,
		"include_self": includeSelf,
		"device_id":    id.DeviceID,
	}
	if exact != nil {
		q += ` AND updated_at = @exact`
		args["exact"] = *exact
	}
	q += ` ORDER BY updated_at, entity, entity_id`
	if limit > 0 {
		q += ` LIMIT @limit`
		args["limit"] = limit
	}

	rows, err := s.pool.Query(ctx, q, args)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch changed rows: %w", err)
	}
	defer rows.Close()

	var out []EntityRow
	for rows.Next() {
		var r EntityRow
		if err := rows.Scan(&r.Entity, &r.EntityID, &r.BranchID, &r.Payload, &r.Deleted, &r.Version,
			&r.ClientUpdatedAt, &r.UpdatedAt, &r.LastDeviceID, &r.LastUserID); err != nil {
			return nil, fmt.Errorf("failed to scan changed row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// mergeBoundary appends boundary rows that the limited page did not include
func mergeBoundary(page, tail []EntityRow) []EntityRow {
	seen := make(map[string]struct{}, len(page))
	for _, r := range page {
		seen[r.Entity+"\x00"+r.EntityID] = struct{}{}
	}
	for _, r := range tail {
		if _, ok := seen[r.Entity+"\x00"+r.EntityID]; ok {
			continue
		}
		page = append(page, r)
	}
	return page
}
