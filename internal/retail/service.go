// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package retail

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Isna13/BarManagerPro-sub001/oversqlite"
	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

// ErrNotFound is returned for rows missing from the local store
var ErrNotFound = errors.New("not found")

// Service performs local business writes. Every write and its outbox item commit in
// the same transaction, so a row is never changed without a mutation to sync it.
type Service struct {
	db       *sql.DB
	outbox   *oversqlite.Outbox
	branchID string
	logger   *slog.Logger
	now      func() time.Time
}

// NewService creates a service writing into db and queueing into outbox
func NewService(db *sql.DB, outbox *oversqlite.Outbox, branchID string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:       db,
		outbox:   outbox,
		branchID: branchID,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Save writes r locally and queues op (create or update) for it
func (s *Service) Save(ctx context.Context, op string, r Record) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.save(ctx, tx, op, r)
	})
}

func (s *Service) save(ctx context.Context, tx *sql.Tx, op string, r Record) error {
	if op != oversqlite.OpCreate && op != oversqlite.OpUpdate {
		return fmt.Errorf("save does not accept operation %q", op)
	}
	if err := Validate(r); err != nil {
		return err
	}
	table, ok := tableFor(r.EntityName())
	if !ok {
		return fmt.Errorf("%w: %s", oversqlite.ErrNoAdapter, r.EntityName())
	}
	if err := upsertRow(ctx, tx, table, r); err != nil {
		return err
	}
	_, err := s.outbox.EnqueuePayload(ctx, tx, op, r)
	return err
}

// Delete removes a row locally and queues its deletion
func (s *Service) Delete(ctx context.Context, entity, id string) error {
	table, ok := tableFor(entity)
	if !ok {
		return fmt.Errorf("%w: %s", oversqlite.ErrNoAdapter, entity)
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteRow(ctx, tx, table, id); err != nil {
			return err
		}
		_, err := s.outbox.Enqueue(ctx, tx, entity, oversqlite.OpDelete, id, nil)
		return err
	})
}

// SaleInput describes a checkout. A sale paid on credit also opens a debt for the
// customer in the same transaction.
type SaleInput struct {
	CustomerID    string
	Total         decimal.Decimal
	PaymentMethod string
	PaidNow       decimal.Decimal // credit sales only: amount paid at the counter
}

// RecordSale writes a completed sale and, for credit sales, its debt
func (s *Service) RecordSale(ctx context.Context, in SaleInput) (*Sale, *Debt, error) {
	now := s.now()
	sale := Sale{
		ID:            uuid.NewString(),
		BranchID:      s.branchID,
		CustomerID:    in.CustomerID,
		Total:         in.Total,
		PaymentMethod: in.PaymentMethod,
		Status:        SaleCompleted,
		UpdatedAt:     now,
	}
	var debt *Debt
	if in.PaymentMethod == "credit" {
		if in.CustomerID == "" {
			return nil, nil, &oversqlite.ValidationError{Entity: EntitySale, EntityID: sale.ID, Reason: oversync.ReasonValidationFailed, Message: "credit sale requires a customer"}
		}
		debt = &Debt{
			ID:         uuid.NewString(),
			BranchID:   s.branchID,
			SaleID:     sale.ID,
			CustomerID: in.CustomerID,
			Amount:     in.Total,
			Paid:       in.PaidNow,
			Status:     debtStatus(in.Total, in.PaidNow),
			UpdatedAt:  now,
		}
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		if err := s.save(ctx, tx, oversqlite.OpCreate, sale); err != nil {
			return err
		}
		if debt != nil {
			return s.save(ctx, tx, oversqlite.OpCreate, *debt)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	s.logger.Info("Recorded sale", "sale_id", sale.ID, "total", sale.Total.String(), "credit", debt != nil)
	return &sale, debt, nil
}

// PayDebt applies a payment to a debt and queues the update
func (s *Service) PayDebt(ctx context.Context, debtID string, amount decimal.Decimal) (*Debt, error) {
	if !amount.IsPositive() {
		return nil, &oversqlite.ValidationError{Entity: EntityDebt, EntityID: debtID, Reason: oversync.ReasonValidationFailed, Message: "payment must be positive"}
	}
	var out Debt
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		d, err := s.debt(ctx, tx, debtID)
		if err != nil {
			return err
		}
		d.Paid = d.Paid.Add(amount)
		d.Status = debtStatus(d.Amount, d.Paid)
		d.UpdatedAt = s.now()
		out = *d
		return s.save(ctx, tx, oversqlite.OpUpdate, out)
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func debtStatus(amount, paid decimal.Decimal) string {
	switch {
	case paid.GreaterThanOrEqual(amount):
		return DebtPaid
	case paid.IsPositive():
		return DebtPartial
	default:
		return DebtPending
	}
}

// Sale reads a sale from the local store
func (s *Service) Sale(ctx context.Context, id string) (*Sale, error) {
	var (
		sale  Sale
		total string
		ts    string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, branch_id, customer_id, total, payment_method, status, updated_at
		FROM sales WHERE id = ?`, id).
		Scan(&sale.ID, &sale.BranchID, &sale.CustomerID, &total, &sale.PaymentMethod, &sale.Status, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sale %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if sale.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("sale %s total: %w", id, err)
	}
	sale.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return &sale, nil
}

// Debt reads a debt from the local store
func (s *Service) Debt(ctx context.Context, id string) (*Debt, error) {
	return s.debt(ctx, s.db, id)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Service) debt(ctx context.Context, q rowQuerier, id string) (*Debt, error) {
	var (
		d            Debt
		amount, paid string
		ts           string
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, branch_id, sale_id, customer_id, amount, paid, status, updated_at
		FROM debts WHERE id = ?`, id).
		Scan(&d.ID, &d.BranchID, &d.SaleID, &d.CustomerID, &amount, &paid, &d.Status, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("debt %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if d.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("debt %s amount: %w", id, err)
	}
	if d.Paid, err = decimal.NewFromString(paid); err != nil {
		return nil, fmt.Errorf("debt %s paid: %w", id, err)
	}
	d.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	return &d, nil
}

// CustomerBalance sums the open balances of a customer's debts
func (s *Service) CustomerBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT amount, paid FROM debts WHERE customer_id = ? AND status != ?`, customerID, DebtPaid)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()

	total := decimal.Zero
	for rows.Next() {
		var amount, paid string
		if err := rows.Scan(&amount, &paid); err != nil {
			return decimal.Zero, err
		}
		a, err := decimal.NewFromString(amount)
		if err != nil {
			return decimal.Zero, err
		}
		p, err := decimal.NewFromString(paid)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(a.Sub(p))
	}
	return total, rows.Err()
}

func (s *Service) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
