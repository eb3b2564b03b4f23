// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func isRetryablePGTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.SQLState() {
	case "40001", // serialization_failure
		"40P01", // deadlock_detected
		"55P03": // lock_not_available (incl. lock_timeout)
		return true
	default:
		return false
	}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runTxWithRetry runs fn in a transaction, retrying the whole transaction on
// serialization, deadlock and lock timeout failures.
func (s *SyncService) runTxWithRetry(ctx context.Context, opts pgx.TxOptions, op string, fn func(tx pgx.Tx) error) error {
	backoff := 20 * time.Millisecond
	var err error
	for attempt := 1; attempt <= s.config.TxRetryAttempts; attempt++ {
		start := s.stageStart()
		err = pgx.BeginTxFunc(ctx, s.pool, opts, fn)
		s.observeStage(ctx, op, MetricsStageTx, start, 0, attempt, err != nil)
		if err == nil || !isRetryablePGTxError(err) {
			return err
		}
		s.logger.Warn("Retrying transaction", "op", op, "attempt", attempt, "error", err)
		if sleepErr := sleepWithContext(ctx, backoff); sleepErr != nil {
			return sleepErr
		}
		backoff *= 2
	}
	return err
}
