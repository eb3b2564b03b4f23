// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

// EntityAdapter binds one entity type to its local store. Business modules implement
// it; the engine only reads ids, timestamps and tiers.
type EntityAdapter interface {
	// Entity is the logical entity name, lower case
	Entity() string
	// PriorityTier orders pushes: lower tiers are sent first
	PriorityTier() int
	// Decode turns a JSON payload into the adapter's typed form, validating it
	Decode(raw json.RawMessage) (MutationPayload, error)
	// ApplyLocal writes a server record into the local store within tx.
	// Deleted records remove the local row. It must be idempotent.
	ApplyLocal(ctx context.Context, tx *sql.Tx, rec *oversync.PulledRecord) error
}

// LocalApplyResult is the outcome of merging one pulled record
type LocalApplyResult int

const (
	LocalApplied LocalApplyResult = iota
	LocalSkippedPendingEdit
)

func (r LocalApplyResult) String() string {
	if r == LocalSkippedPendingEdit {
		return "skipped_pending_edit"
	}
	return "applied"
}

// Registry maps entity names to adapters
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]EntityAdapter
}

// NewRegistry creates a registry with the given adapters
func NewRegistry(adapters ...EntityAdapter) *Registry {
	r := &Registry{adapters: map[string]EntityAdapter{}}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds or replaces the adapter for its entity
func (r *Registry) Register(a EntityAdapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[strings.ToLower(a.Entity())] = a
}

// Lookup returns the adapter for an entity
func (r *Registry) Lookup(entity string) (EntityAdapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[strings.ToLower(entity)]
	return a, ok
}

// Entities lists the registered entity names
func (r *Registry) Entities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}

// ApplyRemote pushes the items in one request and returns one error per item, aligned
// with items: nil when the server applied it, otherwise a taxonomy error.
// The second return value is a request-level failure; per-item errors are then nil.
//
// Items whose payload the adapter rejects are not sent and get a ValidationError.
func (r *Registry) ApplyRemote(ctx context.Context, remote Remote, items []MutationQueueItem) ([]error, error) {
	outcomes := make([]error, len(items))
	req := &oversync.PushRequest{}
	sent := make([]int, 0, len(items))

	for i, it := range items {
		pi, err := r.pushItem(it)
		if err != nil {
			outcomes[i] = err
			continue
		}
		req.Items = append(req.Items, pi)
		sent = append(sent, i)
	}
	if len(req.Items) == 0 {
		return outcomes, nil
	}

	resp, err := remote.Push(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(resp.Results) != len(req.Items) {
		return nil, fmt.Errorf("push returned %d results for %d items", len(resp.Results), len(req.Items))
	}
	for k, res := range resp.Results {
		outcomes[sent[k]] = resultError(res)
	}
	return outcomes, nil
}

func (r *Registry) pushItem(it MutationQueueItem) (oversync.PushItem, error) {
	pi := oversync.PushItem{
		MutationID: it.MutationID,
		Entity:     it.Entity,
		Operation:  it.Operation,
		EntityID:   it.EntityID,
		BranchID:   it.BranchID,
		Payload:    it.Payload,
	}
	ts := it.UpdatedAt
	if it.Operation != OpDelete {
		a, ok := r.Lookup(it.Entity)
		if !ok {
			return pi, &ValidationError{Entity: it.Entity, EntityID: it.EntityID, Reason: "unregistered_entity", Message: ErrNoAdapter.Error()}
		}
		p, err := a.Decode(it.Payload)
		if err != nil {
			return pi, &ValidationError{Entity: it.Entity, EntityID: it.EntityID, Reason: "bad_payload", Message: err.Error()}
		}
		if p.EntityID() != it.EntityID {
			return pi, &ValidationError{Entity: it.Entity, EntityID: it.EntityID, Reason: "bad_payload", Message: "payload id does not match entityId"}
		}
		if !p.Timestamp().IsZero() {
			ts = p.Timestamp()
		}
	}
	ts = ts.UTC()
	pi.ClientUpdatedAt = &ts
	return pi, nil
}

func resultError(res oversync.PushResult) error {
	switch res.Status {
	case oversync.StApplied, oversync.StMaterializeError:
		// materialization is server-side bookkeeping; the row itself is stored
		return nil
	case oversync.StConflict:
		c := &ConflictDetected{
			Entity:        res.Entity,
			EntityID:      res.EntityID,
			RemoteData:    res.ServerRow,
			RemoteDeleted: res.ServerDeleted,
		}
		if res.ServerUpdatedAt != nil {
			c.RemoteTimestamp = *res.ServerUpdatedAt
		}
		if ts := PayloadTimestamp(res.ServerRow); !ts.IsZero() {
			c.RemoteTimestamp = ts
		}
		return c
	case oversync.StInvalid:
		if res.Reason == oversync.ReasonFKMissing {
			return &DependencyNotReadyError{Entity: res.Entity, EntityID: res.EntityID, Message: res.Message}
		}
		if res.Retryable {
			return &ConnectivityError{Op: "push", Err: fmt.Errorf("%s: %s", res.Reason, res.Message)}
		}
		return &ValidationError{Entity: res.Entity, EntityID: res.EntityID, Reason: res.Reason, Message: res.Message}
	default:
		return &ValidationError{Entity: res.Entity, EntityID: res.EntityID, Reason: "unknown_status", Message: res.Status}
	}
}

// ApplyLocal merges a pulled record unless the row has an unsynced local edit.
// On LocalSkippedPendingEdit the pending outbox item is returned so the caller can
// compare timestamps.
func (r *Registry) ApplyLocal(ctx context.Context, tx *sql.Tx, outbox *Outbox, rec *oversync.PulledRecord) (LocalApplyResult, *MutationQueueItem, error) {
	pending, err := outbox.PendingEdit(ctx, tx, rec.Entity, rec.EntityID)
	if err != nil {
		return LocalApplied, nil, err
	}
	if pending != nil {
		return LocalSkippedPendingEdit, pending, nil
	}
	return LocalApplied, nil, r.forceApplyLocal(ctx, tx, rec)
}

// forceApplyLocal writes the record regardless of local edits
func (r *Registry) forceApplyLocal(ctx context.Context, tx *sql.Tx, rec *oversync.PulledRecord) error {
	a, ok := r.Lookup(rec.Entity)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAdapter, rec.Entity)
	}
	if !rec.Deleted {
		if _, err := a.Decode(rec.Payload); err != nil {
			return &ValidationError{Entity: rec.Entity, EntityID: rec.EntityID, Reason: "bad_payload", Message: err.Error()}
		}
	}
	return a.ApplyLocal(ctx, tx, rec)
}

// snapshotRecord builds a record for writing a stored snapshot back to the local store
func snapshotRecord(entity, entityID string, data json.RawMessage, deleted bool, ts time.Time) *oversync.PulledRecord {
	return &oversync.PulledRecord{
		Entity:          entity,
		EntityID:        entityID,
		Payload:         data,
		Deleted:         deleted,
		UpdatedAt:       ts,
		ClientUpdatedAt: ts,
	}
}
