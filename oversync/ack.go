// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Acknowledge marks received mutations for the given entity ids as durably received by
// the device. Acknowledging twice is harmless; already acknowledged rows are left as is.
func (s *SyncService) Acknowledge(ctx context.Context, id Identity, req *AckRequest) (*AckResponse, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	if err := s.validateStruct(req); err != nil {
		return nil, err
	}
	if req.DeviceID != id.DeviceID {
		return nil, ErrDeviceMismatch
	}
	ackAt := time.Now().UTC()
	if req.SyncTimestamp != nil {
		ackAt = req.SyncTimestamp.UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE sync.received_mutations
		SET acknowledged_at = @ack_at
		WHERE device_id = @device_id
		  AND entity_id = ANY(@entity_ids)
		  AND acknowledged_at IS NULL`, pgx.NamedArgs{
		"ack_at":     ackAt,
		"device_id":  id.DeviceID,
		"entity_ids": req.EntityIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to acknowledge mutations: %w", err)
	}
	return &AckResponse{Acknowledged: tag.RowsAffected()}, nil
}
