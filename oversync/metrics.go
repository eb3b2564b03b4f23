// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"time"
)

// Operation names reported in StageTiming.Operation
const (
	MetricsOpPush      = "push"
	MetricsOpPull      = "pull"
	MetricsOpDashboard = "dashboard"
)

// Stage names reported in StageTiming.Stage
const (
	MetricsStageTotal = "total"
	MetricsStageTx    = "tx"

	MetricsStagePushValidate    = "validate"
	MetricsStagePushLock        = "device_lock"
	MetricsStagePushApply       = "apply"
	MetricsStagePushMaterialize = "materialize"

	MetricsStagePullBarrier = "barrier"
	MetricsStagePullFetch   = "fetch"
)

// StageTiming is one measured step of a gateway operation
type StageTiming struct {
	Operation string
	Stage     string
	Duration  time.Duration
	Items     int // rows or mutations handled by the stage
	Attempt   int // transaction attempt, starting at 1
	Failed    bool
}

// StageMetricsRecorder receives stage timings, e.g. to feed a histogram
type StageMetricsRecorder interface {
	ObserveStage(ctx context.Context, timing StageTiming)
}

// StageMetricsRecorderFunc adapts a function to StageMetricsRecorder
type StageMetricsRecorderFunc func(ctx context.Context, timing StageTiming)

func (f StageMetricsRecorderFunc) ObserveStage(ctx context.Context, timing StageTiming) {
	f(ctx, timing)
}

// stageStart returns the zero time when nobody consumes timings, which turns
// observeStage into a no-op without a clock read.
func (s *SyncService) stageStart() time.Time {
	if s.config.StageMetrics == nil && !s.config.LogStageTimings {
		return time.Time{}
	}
	return time.Now()
}

func (s *SyncService) observeStage(ctx context.Context, op, stage string, start time.Time, items, attempt int, failed bool) {
	if start.IsZero() {
		return
	}
	timing := StageTiming{
		Operation: op,
		Stage:     stage,
		Duration:  time.Since(start),
		Items:     items,
		Attempt:   attempt,
		Failed:    failed,
	}
	if rec := s.config.StageMetrics; rec != nil {
		rec.ObserveStage(ctx, timing)
	}
	if s.config.LogStageTimings {
		s.logger.Debug("Stage timing", "op", op, "stage", stage, "duration", timing.Duration,
			"items", items, "attempt", attempt, "failed", failed)
	}
}
