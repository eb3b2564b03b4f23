// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package retail

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Isna13/BarManagerPro-sub001/oversqlite"
	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

// Local tables carry no foreign keys: pulled pages may deliver a child before its parent
// and the terminal must still accept offline writes that reference rows it never saw.
var localTables = []string{
	`CREATE TABLE IF NOT EXISTS categories (
		id         TEXT PRIMARY KEY,
		branch_id  TEXT NOT NULL DEFAULT '',
		name       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id          TEXT PRIMARY KEY,
		branch_id   TEXT NOT NULL DEFAULT '',
		category_id TEXT NOT NULL DEFAULT '',
		name        TEXT NOT NULL,
		price       TEXT NOT NULL DEFAULT '0',
		stock       INTEGER NOT NULL DEFAULT 0,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS customers (
		id           TEXT PRIMARY KEY,
		branch_id    TEXT NOT NULL DEFAULT '',
		name         TEXT NOT NULL,
		phone        TEXT NOT NULL DEFAULT '',
		credit_limit TEXT NOT NULL DEFAULT '0',
		updated_at   TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS sales (
		id             TEXT PRIMARY KEY,
		branch_id      TEXT NOT NULL DEFAULT '',
		customer_id    TEXT NOT NULL DEFAULT '',
		total          TEXT NOT NULL,
		payment_method TEXT NOT NULL,
		status         TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS debts (
		id          TEXT PRIMARY KEY,
		branch_id   TEXT NOT NULL DEFAULT '',
		sale_id     TEXT NOT NULL,
		customer_id TEXT NOT NULL,
		amount      TEXT NOT NULL,
		paid        TEXT NOT NULL DEFAULT '0',
		status      TEXT NOT NULL,
		updated_at  TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS debts_customer_idx ON debts(customer_id)`,
}

// InitializeLocalTables creates the retail tables in a terminal database
func InitializeLocalTables(ctx context.Context, db *sql.DB) error {
	for _, stmt := range localTables {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create retail table: %w", err)
		}
	}
	return nil
}

// tableAdapter implements oversqlite.EntityAdapter for one record type and its table
type tableAdapter[T Record] struct {
	entity string
	table  string
	tier   int
}

func (a tableAdapter[T]) Entity() string    { return a.entity }
func (a tableAdapter[T]) PriorityTier() int { return a.tier }

func (a tableAdapter[T]) Decode(raw json.RawMessage) (oversqlite.MutationPayload, error) {
	rec, err := decode[T](a.entity, raw)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// ApplyLocal upserts the record, or removes the row for a tombstone
func (a tableAdapter[T]) ApplyLocal(ctx context.Context, tx *sql.Tx, rec *oversync.PulledRecord) error {
	if rec.Deleted {
		return deleteRow(ctx, tx, a.table, rec.EntityID)
	}
	r, err := decode[T](a.entity, rec.Payload)
	if err != nil {
		return err
	}
	if r.EntityID() != rec.EntityID {
		return &oversqlite.ValidationError{Entity: a.entity, EntityID: rec.EntityID, Reason: oversync.ReasonBadPayload, Message: "payload id does not match record"}
	}
	return upsertRow(ctx, tx, a.table, r)
}

func newAdapter[T Record](entity, table string) tableAdapter[T] {
	tier, ok := oversqlite.DefaultTiers[entity]
	if !ok {
		tier = oversqlite.UnknownTier
	}
	return tableAdapter[T]{entity: entity, table: table, tier: tier}
}

// Adapters returns the terminal adapters of every retail entity
func Adapters() []oversqlite.EntityAdapter {
	return []oversqlite.EntityAdapter{
		newAdapter[Category](EntityCategory, "categories"),
		newAdapter[Product](EntityProduct, "products"),
		newAdapter[Customer](EntityCustomer, "customers"),
		newAdapter[Sale](EntitySale, "sales"),
		newAdapter[Debt](EntityDebt, "debts"),
	}
}

// tableFor maps an entity name to its local table
func tableFor(entity string) (string, bool) {
	switch entity {
	case EntityCategory:
		return "categories", true
	case EntityProduct:
		return "products", true
	case EntityCustomer:
		return "customers", true
	case EntitySale:
		return "sales", true
	case EntityDebt:
		return "debts", true
	}
	return "", false
}

func upsertRow(ctx context.Context, tx *sql.Tx, table string, r Record) error {
	cols, vals := r.columns()
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	sets := make([]string, 0, len(cols)-1)
	for _, c := range cols[1:] {
		sets = append(sets, c+" = excluded."+c)
	}
	q := fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		table, strings.Join(cols, ", "), placeholders, strings.Join(sets, ", "))
	if _, err := tx.ExecContext(ctx, q, vals...); err != nil {
		return fmt.Errorf("upsert %s %s: %w", table, r.EntityID(), err)
	}
	return nil
}

func deleteRow(ctx context.Context, tx *sql.Tx, table, id string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", table, id, err)
	}
	return nil
}
