// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"encoding/json"
	"fmt"
	"time"
)

// MutationPayload is the typed field set of one entity. Adapters decode raw JSON into
// their own implementation at the boundary; the engine only reads the identity and
// the application timestamp.
type MutationPayload interface {
	EntityName() string
	EntityID() string
	Timestamp() time.Time
}

// RawPayload is a MutationPayload over undecoded JSON. It is used for entities whose
// adapter does not need a typed form and for conflict snapshots.
type RawPayload struct {
	Entity string
	Data   json.RawMessage
}

func (p RawPayload) EntityName() string { return p.Entity }

func (p RawPayload) EntityID() string {
	var probe struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal(p.Data, &probe)
	return probe.ID
}

func (p RawPayload) Timestamp() time.Time { return PayloadTimestamp(p.Data) }

// MarshalJSON emits the raw data unchanged
func (p RawPayload) MarshalJSON() ([]byte, error) {
	if len(p.Data) == 0 {
		return []byte("null"), nil
	}
	return p.Data, nil
}

// PayloadTimestamp returns the updatedAt field of a JSON payload, or the zero time
func PayloadTimestamp(raw []byte) time.Time {
	var probe struct {
		UpdatedAt time.Time `json:"updatedAt"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &probe) != nil {
		return time.Time{}
	}
	return probe.UpdatedAt
}

// WithTimestamp returns a copy of the payload with updatedAt replaced
func WithTimestamp(raw []byte, ts time.Time) (json.RawMessage, error) {
	fields := map[string]json.RawMessage{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &fields); err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
	}
	stamp, err := json.Marshal(ts.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	fields["updatedAt"] = stamp
	return json.Marshal(fields)
}

// MergeShallow unions the top-level fields of local and remote. Remote values win for
// keys present in both. Nested objects are not merged.
func MergeShallow(local, remote []byte) (json.RawMessage, error) {
	merged := map[string]json.RawMessage{}
	for _, side := range [][]byte{local, remote} {
		if len(side) == 0 {
			continue
		}
		fields := map[string]json.RawMessage{}
		if err := json.Unmarshal(side, &fields); err != nil {
			return nil, fmt.Errorf("payload is not a JSON object: %w", err)
		}
		for k, v := range fields {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}
