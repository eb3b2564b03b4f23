// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStage(t *testing.T) {
	svc := newOfflineService(t)
	assert.True(t, svc.stageStart().IsZero(), "timings are off without a recorder")

	var got []StageTiming
	svc.config.StageMetrics = StageMetricsRecorderFunc(func(_ context.Context, timing StageTiming) {
		got = append(got, timing)
	})
	start := svc.stageStart()
	require.False(t, start.IsZero())
	time.Sleep(time.Millisecond)
	svc.observeStage(context.Background(), MetricsOpPush, MetricsStagePushApply, start, 7, 2, true)

	require.Len(t, got, 1)
	assert.Equal(t, MetricsOpPush, got[0].Operation)
	assert.Equal(t, MetricsStagePushApply, got[0].Stage)
	assert.Equal(t, 7, got[0].Items)
	assert.Equal(t, 2, got[0].Attempt)
	assert.True(t, got[0].Failed)
	assert.Positive(t, got[0].Duration)
}
