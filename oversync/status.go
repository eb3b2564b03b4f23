// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"encoding/json"
	"strings"
	"time"
)

// statusApplied creates a result for a mutation that is now reflected in server state
func statusApplied(it PushItem, version int64, updatedAt time.Time) PushResult {
	return PushResult{
		MutationID:      it.MutationID,
		Entity:          it.Entity,
		EntityID:        it.EntityID,
		Status:          StApplied,
		Version:         version,
		ServerUpdatedAt: &updatedAt,
	}
}

// statusAppliedNoop creates a result for an idempotent no-op (duplicate create, delete of a missing row)
func statusAppliedNoop(it PushItem) PushResult {
	return PushResult{
		MutationID: it.MutationID,
		Entity:     it.Entity,
		EntityID:   it.EntityID,
		Status:     StApplied,
	}
}

// statusConflict creates a result carrying the newer server row instead of applying the mutation
func statusConflict(it PushItem, row *EntityRow) PushResult {
	res := PushResult{
		MutationID: it.MutationID,
		Entity:     it.Entity,
		EntityID:   it.EntityID,
		Status:     StConflict,
		Message:    "server copy is newer than the pushed payload",
	}
	if row != nil {
		res.ServerRow = row.Payload
		res.ServerDeleted = row.Deleted
		res.Version = row.Version
		ts := row.ClientUpdatedAt
		res.ServerUpdatedAt = &ts
	}
	return res
}

// statusInvalidFKMissing creates a result for a mutation whose parent rows are not on the server yet
func statusInvalidFKMissing(it PushItem, missing []string) PushResult {
	return PushResult{
		MutationID: it.MutationID,
		Entity:     it.Entity,
		EntityID:   it.EntityID,
		Status:     StInvalid,
		Reason:     ReasonFKMissing,
		Message:    "missing parents: " + strings.Join(missing, ", "),
		Retryable:  true,
	}
}

// statusInvalid creates a result for a mutation rejected for the given reason
func statusInvalid(it PushItem, reason string, err error) PushResult {
	return PushResult{
		MutationID: it.MutationID,
		Entity:     it.Entity,
		EntityID:   it.EntityID,
		Status:     StInvalid,
		Reason:     reason,
		Message:    err.Error(),
		Retryable:  IsRetryableReason(reason),
	}
}

// statusMaterializeError creates a result for a mutation stored in sync state whose
// business-table materialization failed
func statusMaterializeError(it PushItem, version int64, updatedAt time.Time, err error) PushResult {
	res := statusApplied(it, version, updatedAt)
	res.Status = StMaterializeError
	res.Message = err.Error()
	return res
}

// storedResult rebuilds the result of a mutation that was already processed
func storedResult(it PushItem, status, reason, message string, serverRow json.RawMessage) PushResult {
	return PushResult{
		MutationID: it.MutationID,
		Entity:     it.Entity,
		EntityID:   it.EntityID,
		Status:     status,
		Reason:     reason,
		Message:    message,
		ServerRow:  serverRow,
		Duplicate:  true,
		Retryable:  status == StInvalid && IsRetryableReason(reason),
	}
}
