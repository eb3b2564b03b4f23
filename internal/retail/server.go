// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package retail

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Isna13/BarManagerPro-sub001/oversqlite"
	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

// RegisteredEntities returns the gateway registrations of the retail entities with their
// parent references. handler may be nil to keep only the sync copy.
func RegisteredEntities(handler oversync.MaterializationHandler) []oversync.RegisteredEntity {
	tier := func(entity string) int { return oversqlite.DefaultTiers[entity] }
	return []oversync.RegisteredEntity{
		{Name: EntityCategory, Tier: tier(EntityCategory), Handler: handler},
		{Name: EntityProduct, Tier: tier(EntityProduct), Handler: handler, References: []oversync.Reference{
			{Field: "categoryId", Entity: EntityCategory},
		}},
		{Name: EntityCustomer, Tier: tier(EntityCustomer), Handler: handler},
		{Name: EntitySale, Tier: tier(EntitySale), BranchScoped: true, Handler: handler, References: []oversync.Reference{
			{Field: "customerId", Entity: EntityCustomer},
		}},
		{Name: EntityDebt, Tier: tier(EntityDebt), BranchScoped: true, Handler: handler, References: []oversync.Reference{
			{Field: "saleId", Entity: EntitySale},
			{Field: "customerId", Entity: EntityCustomer},
		}},
	}
}

// InitializeServerTables creates the `retail` schema the materializer writes into
func InitializeServerTables(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		stmts := []string{
			`CREATE SCHEMA IF NOT EXISTS retail`,
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS retail.category (
				id         TEXT PRIMARY KEY,
				branch_id  TEXT NOT NULL DEFAULT '',
				name       TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL
			)`,
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS retail.product (
				id          TEXT PRIMARY KEY,
				branch_id   TEXT NOT NULL DEFAULT '',
				category_id TEXT,
				name        TEXT NOT NULL,
				price       NUMERIC(14,2) NOT NULL DEFAULT 0,
				stock       INTEGER NOT NULL DEFAULT 0,
				updated_at  TIMESTAMPTZ NOT NULL
			)`,
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS retail.customer (
				id           TEXT PRIMARY KEY,
				branch_id    TEXT NOT NULL DEFAULT '',
				name         TEXT NOT NULL,
				phone        TEXT NOT NULL DEFAULT '',
				credit_limit NUMERIC(14,2) NOT NULL DEFAULT 0,
				updated_at   TIMESTAMPTZ NOT NULL
			)`,
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS retail.sale (
				id             TEXT PRIMARY KEY,
				branch_id      TEXT NOT NULL DEFAULT '',
				customer_id    TEXT,
				total          NUMERIC(14,2) NOT NULL,
				payment_method TEXT NOT NULL,
				status         TEXT NOT NULL,
				updated_at     TIMESTAMPTZ NOT NULL
			)`,
			/*language=postgresql*/ `CREATE TABLE IF NOT EXISTS retail.debt (
				id          TEXT PRIMARY KEY,
				branch_id   TEXT NOT NULL DEFAULT '',
				sale_id     TEXT NOT NULL,
				customer_id TEXT NOT NULL,
				amount      NUMERIC(14,2) NOT NULL,
				paid        NUMERIC(14,2) NOT NULL DEFAULT 0,
				status      TEXT NOT NULL,
				updated_at  TIMESTAMPTZ NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS retail_debt_customer_idx ON retail.debt(customer_id)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("create retail schema: %w", err)
			}
		}
		logger.Info("Initialized retail schema and tables")
		return nil
	})
}

// Materializer projects synced retail rows into the retail schema. It implements
// oversync.MaterializationHandler; both methods are idempotent upserts/deletes.
type Materializer struct {
	logger *slog.Logger
}

func NewMaterializer(logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Materializer{logger: logger}
}

func (m *Materializer) ApplyUpsert(ctx context.Context, tx pgx.Tx, entity, entityID string, payload []byte) error {
	rec, err := decodeAny(entity, payload)
	if err != nil {
		return err
	}
	if rec.EntityID() != entityID {
		return fmt.Errorf("payload id %q does not match %s/%s", rec.EntityID(), entity, entityID)
	}

	cols, vals := rec.columns()
	args := pgx.NamedArgs{}
	for i, c := range cols {
		args[c] = vals[i]
	}
	// Optional parent ids are stored as NULL rather than ''
	for _, c := range []string{"category_id", "customer_id"} {
		if v, ok := args[c].(string); ok && v == "" {
			args[c] = nil
		}
	}

	q := upsertSQL(entity, cols)
	if _, err := tx.Exec(ctx, q, args); err != nil {
		return fmt.Errorf("materialize %s/%s: %w", entity, entityID, err)
	}
	m.logger.Debug("Materialized row", "entity", entity, "entity_id", entityID)
	return nil
}

func (m *Materializer) ApplyDelete(ctx context.Context, tx pgx.Tx, entity, entityID string) error {
	if _, ok := tableFor(entity); !ok {
		return fmt.Errorf("%w: %s", oversync.ErrUnregisteredEntity, entity)
	}
	_, err := tx.Exec(ctx, `DELETE FROM retail.`+entity+` WHERE id = @id`, pgx.NamedArgs{"id": entityID})
	return err
}

func upsertSQL(entity string, cols []string) string {
	q := "INSERT INTO retail." + entity + " ("
	vals := ""
	sets := ""
	for i, c := range cols {
		if i > 0 {
			q += ", "
			vals += ", "
		}
		q += c
		vals += "@" + c
		if i > 0 {
			if sets != "" {
				sets += ", "
			}
			sets += c + " = EXCLUDED." + c
		}
	}
	return q + ") VALUES (" + vals + ") ON CONFLICT (id) DO UPDATE SET " + sets
}

// decodeAny decodes a payload of any retail entity
func decodeAny(entity string, payload json.RawMessage) (Record, error) {
	switch entity {
	case EntityCategory:
		return decode[Category](entity, payload)
	case EntityProduct:
		return decode[Product](entity, payload)
	case EntityCustomer:
		return decode[Customer](entity, payload)
	case EntitySale:
		return decode[Sale](entity, payload)
	case EntityDebt:
		return decode[Debt](entity, payload)
	}
	return nil, fmt.Errorf("%w: %s", oversync.ErrUnregisteredEntity, entity)
}
