// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

const (
	// Heartbeats older than this no longer contribute to dashboard totals.
	heartbeatRetention = 24 * time.Hour
	// Window for the active devices metric.
	activeDeviceWindow = 10 * time.Minute
	// Pending backlog above this raises a warning alert.
	pendingAlertThreshold = 100
)

// ComputeHealthScore derives a 0-100 score from backlog, failures and conflicts.
// Each dimension has its own threshold tiers; the score is for visibility only.
func ComputeHealthScore(pending, failed, conflicts int) (int, string) {
	score := 100

	switch {
	case pending > 1000:
		score -= 30
	case pending > 100:
		score -= 15
	case pending > 10:
		score -= 5
	}

	switch {
	case failed > 50:
		score -= 30
	case failed > 10:
		score -= 20
	case failed > 0:
		score -= 10
	}

	switch {
	case conflicts > 20:
		score -= 25
	case conflicts > 5:
		score -= 15
	case conflicts > 0:
		score -= 5
	}

	if score < 0 {
		score = 0
	}
	switch {
	case score >= 80:
		return score, HealthHealthy
	case score >= 50:
		return score, HealthWarning
	default:
		return score, HealthCritical
	}
}

// BuildAlerts turns a dashboard snapshot into operator alerts, errors first
func BuildAlerts(d *DashboardResponse, staleDevices int) []Alert {
	alerts := []Alert{}

	entities := make([]string, 0, len(d.Breakdown.FailedByEntity))
	for e, n := range d.Breakdown.FailedByEntity {
		if n > 0 {
			entities = append(entities, e)
		}
	}
	sort.Strings(entities)
	for _, e := range entities {
		n := d.Breakdown.FailedByEntity[e]
		alerts = append(alerts, Alert{
			Type:       AlertError,
			Message:    fmt.Sprintf("%d failed %s mutations", n, e),
			Count:      n,
			EntityType: e,
		})
	}

	if d.Overview.TotalPending > pendingAlertThreshold {
		alerts = append(alerts, Alert{
			Type:    AlertWarning,
			Message: fmt.Sprintf("%d mutations pending across terminals", d.Overview.TotalPending),
			Count:   d.Overview.TotalPending,
		})
	}
	if staleDevices > 0 {
		alerts = append(alerts, Alert{
			Type:    AlertWarning,
			Message: fmt.Sprintf("%d terminals stopped sending heartbeats", staleDevices),
			Count:   staleDevices,
		})
	}
	if d.Overview.UnresolvedConflicts > 0 {
		alerts = append(alerts, Alert{
			Type:    AlertWarning,
			Message: fmt.Sprintf("%d conflicts waiting for resolution", d.Overview.UnresolvedConflicts),
			Count:   d.Overview.UnresolvedConflicts,
		})
	}
	if d.Overview.ActiveDevices == 0 {
		alerts = append(alerts, Alert{
			Type:    AlertInfo,
			Message: "no terminal has synced in the last 10 minutes",
		})
	}
	return alerts
}

// Dashboard aggregates heartbeats and the received mutation audit trail
func (s *SyncService) Dashboard(ctx context.Context) (*DashboardResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	start := s.stageStart()
	now := time.Now().UTC()
	d := &DashboardResponse{
		Breakdown: DashboardBreakdown{
			PendingByEntity:     map[string]int{},
			FailedByEntity:      map[string]int{},
			ReceivedByEntity24h: map[string]int{},
		},
		Timestamp: now,
	}
	args := pgx.NamedArgs{
		"retention": now.Add(-heartbeatRetention),
		"day_ago":   now.Add(-24 * time.Hour),
		"active":    now.Add(-activeDeviceWindow),
	}

	var activeFromHeartbeats int
	if err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(pending_items), 0),
		       COALESCE(SUM(failed_items), 0),
		       COALESCE(SUM(dlq_items), 0),
		       COALESCE(SUM(unresolved_conflicts), 0),
		       COUNT(*) FILTER (WHERE last_heartbeat_at >= @active)
		FROM sync.device_heartbeats
		WHERE last_heartbeat_at >= @retention`, args).Scan(
		&d.Overview.TotalPending, &d.Overview.TotalFailed, &d.Overview.TotalDeadLettered,
		&d.Overview.UnresolvedConflicts, &activeFromHeartbeats); err != nil {
		return nil, fmt.Errorf("failed to aggregate heartbeats: %w", err)
	}

	if err := s.scanCounts(ctx, `
		SELECT kv.key, COALESCE(SUM(kv.value::int), 0)
		FROM sync.device_heartbeats h, jsonb_each_text(h.pending_by_entity) AS kv
		WHERE h.last_heartbeat_at >= @retention
		GROUP BY kv.key`, args, d.Breakdown.PendingByEntity); err != nil {
		return nil, err
	}
	if err := s.scanCounts(ctx, `
		SELECT kv.key, COALESCE(SUM(kv.value::int), 0)
		FROM sync.device_heartbeats h, jsonb_each_text(h.failed_by_entity) AS kv
		WHERE h.last_heartbeat_at >= @retention
		GROUP BY kv.key`, args, d.Breakdown.FailedByEntity); err != nil {
		return nil, err
	}
	if err := s.scanCounts(ctx, `
		SELECT entity, COUNT(*)
		FROM sync.received_mutations
		WHERE received_at >= @day_ago AND status IN ('applied', 'materialize_error')
		GROUP BY entity`, args, d.Breakdown.ReceivedByEntity24h); err != nil {
		return nil, err
	}
	for _, n := range d.Breakdown.ReceivedByEntity24h {
		d.Overview.TotalSynced24h += n
	}

	var avgLatency *float64
	if err := s.pool.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (received_at - client_updated_at)))::float8,
		       MAX(received_at)
		FROM sync.received_mutations
		WHERE received_at >= @day_ago AND client_updated_at IS NOT NULL`, args).Scan(
		&avgLatency, &d.Performance.LastPushAt); err != nil {
		return nil, fmt.Errorf("failed to compute sync latency: %w", err)
	}
	if avgLatency != nil {
		d.Performance.AvgSyncLatencySeconds = *avgLatency
	}

	d.Overview.ActiveDevices = activeFromHeartbeats
	if s.config.Presence != nil {
		n, err := s.config.Presence.ActiveDevices(ctx, now.Add(-activeDeviceWindow))
		if err != nil {
			s.logger.Warn("Presence lookup failed, using heartbeats", "error", err)
		} else {
			d.Overview.ActiveDevices = n
		}
	}

	d.Overview.HealthScore, d.Overview.HealthStatus = ComputeHealthScore(
		d.Overview.TotalPending, d.Overview.TotalFailed, d.Overview.UnresolvedConflicts)

	s.observeStage(ctx, MetricsOpDashboard, MetricsStageTotal, start, 0, 1, false)
	return d, nil
}

// Alerts derives operator alerts from the current dashboard
func (s *SyncService) Alerts(ctx context.Context) ([]Alert, error) {
	d, err := s.Dashboard(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var stale int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM sync.device_heartbeats
		WHERE last_heartbeat_at >= $1 AND last_heartbeat_at < $2`,
		now.Add(-heartbeatRetention), now.Add(-3*s.config.HeartbeatInterval)).Scan(&stale); err != nil {
		return nil, fmt.Errorf("failed to count stale devices: %w", err)
	}
	return BuildAlerts(d, stale), nil
}

// History lists the most recent received mutations, optionally for one entity type
func (s *SyncService) History(ctx context.Context, entity string, limit int) ([]HistoryEntry, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 1000 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, device_id, user_id, entity, entity_id, operation, status, reason, received_at, acknowledged_at
		FROM sync.received_mutations
		WHERE (@entity = '' OR entity = @entity)
		ORDER BY received_at DESC, id DESC
		LIMIT @limit`, pgx.NamedArgs{"entity": entity, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	out := []HistoryEntry{}
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.DeviceID, &h.UserID, &h.Entity, &h.EntityID, &h.Operation,
			&h.Status, &h.Reason, &h.ReceivedAt, &h.AcknowledgedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *SyncService) scanCounts(ctx context.Context, q string, args pgx.NamedArgs, into map[string]int) error {
	rows, err := s.pool.Query(ctx, q, args)
	if err != nil {
		return fmt.Errorf("failed to aggregate counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
