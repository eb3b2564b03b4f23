// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversync

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// initializeSchema creates the required sync tables if they don't exist
func (s *SyncService) initializeSchema(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	})
}

// initializeSchemaInTx creates the required sync tables within an existing transaction
func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	migrations := []string{
		/*language=postgresql*/ `CREATE SCHEMA IF NOT EXISTS sync`,

		// 1) Canonical entity copies pushed by terminals
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.entity_rows (
			entity            TEXT        NOT NULL,
			entity_id         TEXT        NOT NULL,
			branch_id         TEXT        NOT NULL DEFAULT '',
			payload           JSONB       NOT NULL,
			deleted           BOOLEAN     NOT NULL DEFAULT FALSE,
			version           BIGINT      NOT NULL DEFAULT 1,
			client_updated_at TIMESTAMPTZ NOT NULL,
			updated_at        TIMESTAMPTZ NOT NULL,
			last_device_id    TEXT        NOT NULL,
			last_user_id      TEXT        NOT NULL DEFAULT '',
			PRIMARY KEY (entity, entity_id)
		)`,
		`CREATE INDEX IF NOT EXISTS er_updated_idx ON sync.entity_rows(updated_at)`,
		`CREATE INDEX IF NOT EXISTS er_branch_updated_idx ON sync.entity_rows(branch_id, updated_at)`,

		// 2) Idempotency gate + audit trail, one row per (device, mutation)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.received_mutations (
			id                BIGSERIAL   PRIMARY KEY,
			device_id         TEXT        NOT NULL,
			mutation_id       TEXT        NOT NULL,
			user_id           TEXT        NOT NULL,
			branch_id         TEXT        NOT NULL DEFAULT '',
			entity            TEXT        NOT NULL,
			entity_id         TEXT        NOT NULL,
			operation         TEXT        NOT NULL CHECK (operation IN ('create','update','delete')),
			status            TEXT        NOT NULL DEFAULT 'processing',
			reason            TEXT        NOT NULL DEFAULT '',
			message           TEXT        NOT NULL DEFAULT '',
			client_updated_at TIMESTAMPTZ,
			received_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			acknowledged_at   TIMESTAMPTZ,
			UNIQUE (device_id, mutation_id)
		)`,
		`CREATE INDEX IF NOT EXISTS rm_received_idx ON sync.received_mutations(received_at)`,
		`CREATE INDEX IF NOT EXISTS rm_unacked_idx ON sync.received_mutations(device_id, entity_id) WHERE acknowledged_at IS NULL`,

		// 3) Last heartbeat per device
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.device_heartbeats (
			device_id            TEXT        PRIMARY KEY,
			user_id              TEXT        NOT NULL,
			branch_id            TEXT        NOT NULL DEFAULT '',
			pending_items        INT         NOT NULL DEFAULT 0,
			failed_items         INT         NOT NULL DEFAULT 0,
			dlq_items            INT         NOT NULL DEFAULT 0,
			unresolved_conflicts INT         NOT NULL DEFAULT 0,
			pending_by_entity    JSONB       NOT NULL DEFAULT '{}'::jsonb,
			failed_by_entity     JSONB       NOT NULL DEFAULT '{}'::jsonb,
			last_sync_at         TIMESTAMPTZ,
			last_heartbeat_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		// 4) Materializer failure log (for diagnostics and retries)
		/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS sync.materialize_failures (
			id          BIGSERIAL   PRIMARY KEY,
			entity      TEXT        NOT NULL,
			entity_id   TEXT        NOT NULL,
			version     BIGINT      NOT NULL,
			operation   TEXT        NOT NULL,
			payload     JSONB,
			device_id   TEXT        NOT NULL,
			error       TEXT        NOT NULL,
			first_seen  TIMESTAMPTZ NOT NULL DEFAULT now(),
			retry_count INT         NOT NULL DEFAULT 0,
			UNIQUE (entity, entity_id, version)
		)`,
		`CREATE INDEX IF NOT EXISTS mf_entity_idx ON sync.materialize_failures(entity)`,
	}

	for i, migration := range migrations {
		s.logger.Debug("Running sync schema migration", "step", i+1, "total", len(migrations))
		if _, err := tx.Exec(ctx, migration); err != nil {
			return fmt.Errorf("sync schema migration %d failed: %w", i+1, err)
		}
	}
	s.logger.Info("Sync schema initialized successfully", "migrations", len(migrations))

	return nil
}
