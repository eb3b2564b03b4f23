// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"time"
)

// REST/JSON models for the sync gateway HTTP API.
// Device and user identity come from the JWT, never from these bodies alone.

// PushRequest is a batch of mutations pushed by one terminal
type PushRequest struct {
	Items []PushItem `json:"items" validate:"required,min=1"`
}

// PushItem is a single mutation replayed from a terminal outbox
type PushItem struct {
	MutationID      string          `json:"mutationId" validate:"required,uuid"`
	Entity          string          `json:"entity" validate:"required,max=64"`
	Operation       string          `json:"operation" validate:"required,oneof=create update delete"`
	EntityID        string          `json:"entityId" validate:"required,max=128"`
	BranchID        string          `json:"branchId,omitempty" validate:"max=128"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ClientUpdatedAt *time.Time      `json:"clientUpdatedAt,omitempty"`
}

// PushResult is the outcome of one pushed mutation
type PushResult struct {
	MutationID      string          `json:"mutationId"`
	Entity          string          `json:"entity"`
	EntityID        string          `json:"entityId"`
	Status          string          `json:"status"`           // applied, conflict, invalid, materialize_error
	Reason          string          `json:"reason,omitempty"` // set when status is invalid
	Message         string          `json:"message,omitempty"`
	Retryable       bool            `json:"retryable,omitempty"`
	Duplicate       bool            `json:"duplicate,omitempty"`  // mutation id was already processed
	ServerRow       json.RawMessage `json:"serverRow,omitempty"`  // current server payload on conflict
	ServerDeleted   bool            `json:"serverDeleted,omitempty"`
	Version         int64           `json:"version,omitempty"`
	ServerUpdatedAt *time.Time      `json:"serverUpdatedAt,omitempty"`
}

// PushSummary counts batch outcomes
type PushSummary struct {
	Success   int `json:"success"`
	Failed    int `json:"failed"`
	Conflicts int `json:"conflicts"`
}

// PushResponse is the server answer to a push batch, one result per item in request order
type PushResponse struct {
	Results []PushResult `json:"results"`
	Summary PushSummary  `json:"summary"`
}

// PulledRecord is the current server copy of one entity row
type PulledRecord struct {
	Entity          string          `json:"entity"`
	EntityID        string          `json:"entityId"`
	BranchID        string          `json:"branchId,omitempty"`
	Payload         json.RawMessage `json:"payload"`
	Deleted         bool            `json:"deleted"`
	Version         int64           `json:"version"`
	UpdatedAt       time.Time       `json:"updatedAt"`       // server-assigned stamp used for watermarks
	ClientUpdatedAt time.Time       `json:"clientUpdatedAt"` // application timestamp used for conflict checks
	LastDeviceID    string          `json:"lastDeviceId"`
}

// PullResponse carries all rows changed in (since, asOf], grouped by entity type.
// EntityOrder lists the keys of Changes in dependency order.
type PullResponse struct {
	AsOf        time.Time                 `json:"asOf"`
	HasMore     bool                      `json:"hasMore"`
	EntityOrder []string                  `json:"entityOrder"`
	Changes     map[string][]PulledRecord `json:"changes"`
}

// AckRequest confirms durable receipt of pushed entities
type AckRequest struct {
	EntityIDs     []string   `json:"entityIds" validate:"required,min=1,max=1000,dive,required"`
	DeviceID      string     `json:"deviceId" validate:"required,max=128"`
	SyncTimestamp *time.Time `json:"syncTimestamp,omitempty"`
}

// AckResponse reports how many received mutations were acknowledged
type AckResponse struct {
	Acknowledged int64 `json:"acknowledged"`
}

// HeartbeatRequest reports terminal liveness and queue health
type HeartbeatRequest struct {
	DeviceID            string         `json:"deviceId" validate:"required,max=128"`
	PendingItems        int            `json:"pendingItems" validate:"gte=0"`
	FailedItems         int            `json:"failedItems" validate:"gte=0"`
	DLQItems            int            `json:"dlqItems" validate:"gte=0"`
	UnresolvedConflicts int            `json:"unresolvedConflicts" validate:"gte=0"`
	PendingByEntity     map[string]int `json:"pendingByEntity,omitempty"`
	FailedByEntity      map[string]int `json:"failedByEntity,omitempty"`
	LastSync            *time.Time     `json:"lastSync,omitempty"`
}

// HeartbeatResponse acknowledges a heartbeat
type HeartbeatResponse struct {
	OK         bool      `json:"ok"`
	ServerTime time.Time `json:"serverTime"`
}

// DeviceStatusResponse is the last known state of one terminal
type DeviceStatusResponse struct {
	DeviceID            string         `json:"deviceId"`
	UserID              string         `json:"userId"`
	BranchID            string         `json:"branchId,omitempty"`
	PendingItems        int            `json:"pendingItems"`
	FailedItems         int            `json:"failedItems"`
	DLQItems            int            `json:"dlqItems"`
	UnresolvedConflicts int            `json:"unresolvedConflicts"`
	PendingByEntity     map[string]int `json:"pendingByEntity,omitempty"`
	FailedByEntity      map[string]int `json:"failedByEntity,omitempty"`
	LastHeartbeatAt     time.Time      `json:"lastHeartbeatAt"`
	LastSuccessfulSync  *time.Time     `json:"lastSuccessfulSyncAt,omitempty"`
	IsOnline            bool           `json:"isOnline"`
}

// DashboardOverview aggregates sync health across devices
type DashboardOverview struct {
	TotalPending        int    `json:"totalPending"`
	TotalFailed         int    `json:"totalFailed"`
	TotalDeadLettered   int    `json:"totalDeadLettered"`
	TotalSynced24h      int    `json:"totalSynced24h"`
	ActiveDevices       int    `json:"activeDevices"`
	UnresolvedConflicts int    `json:"unresolvedConflicts"`
	HealthScore         int    `json:"healthScore"`
	HealthStatus        string `json:"healthStatus"`
}

// DashboardBreakdown splits backlog and throughput by entity type
type DashboardBreakdown struct {
	PendingByEntity     map[string]int `json:"pendingByEntity"`
	FailedByEntity      map[string]int `json:"failedByEntity"`
	ReceivedByEntity24h map[string]int `json:"receivedByEntity24h"`
}

// DashboardPerformance reports latency between a local edit and its arrival at the server
type DashboardPerformance struct {
	AvgSyncLatencySeconds float64    `json:"avgSyncLatencySeconds"`
	LastPushAt            *time.Time `json:"lastPushAt,omitempty"`
}

// DashboardResponse is the aggregate operational view
type DashboardResponse struct {
	Overview    DashboardOverview    `json:"overview"`
	Breakdown   DashboardBreakdown   `json:"breakdown"`
	Performance DashboardPerformance `json:"performance"`
	Timestamp   time.Time            `json:"timestamp"`
}

// HistoryEntry is one received mutation from the audit trail
type HistoryEntry struct {
	ID             int64      `json:"id"`
	DeviceID       string     `json:"deviceId"`
	UserID         string     `json:"userId"`
	Entity         string     `json:"entity"`
	EntityID       string     `json:"entityId"`
	Operation      string     `json:"operation"`
	Status         string     `json:"status"`
	Reason         string     `json:"reason,omitempty"`
	ReceivedAt     time.Time  `json:"receivedAt"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
}

// Alert is an operational warning derived from dashboard data
type Alert struct {
	Type       string `json:"type"` // error, warning, info
	Message    string `json:"message"`
	Count      int    `json:"count"`
	EntityType string `json:"entityType,omitempty"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
