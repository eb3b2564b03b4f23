// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

// Operation constants for pushed mutations
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Status constants for per-item push results
const (
	StApplied          = "applied"
	StConflict         = "conflict"
	StInvalid          = "invalid"
	StMaterializeError = "materialize_error"
)

// Invalid reason constants
const (
	ReasonFKMissing          = "fk_missing"
	ReasonBadPayload         = "bad_payload"
	ReasonValidationFailed   = "validation_failed"
	ReasonUnregisteredEntity = "unregistered_entity"
	ReasonInternalError      = "internal_error"
)

// Health status values reported by the dashboard
const (
	HealthHealthy  = "healthy"
	HealthWarning  = "warning"
	HealthCritical = "critical"
)

// Alert types reported by the dashboard
const (
	AlertError   = "error"
	AlertWarning = "warning"
	AlertInfo    = "info"
)

// pullBarrierLockKey is the advisory lock shared by pushes and taken exclusively when
// a pull freezes its asOf bound.
const pullBarrierLockKey int64 = 0x6f7665727073796e

// IsRetryableReason reports whether an invalid reason is expected to clear on its own
// (for example a parent row that has not been pushed yet).
func IsRetryableReason(reason string) bool {
	switch reason {
	case ReasonFKMissing, ReasonInternalError:
		return true
	default:
		return false
	}
}
