// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package retail is the business module the sync engine carries: typed payloads for
// the catalog, customer and sales entities, their SQLite tables on the terminal and
// their materialized tables on the gateway.
package retail

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/Isna13/BarManagerPro-sub001/oversqlite"
	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

// Entity names
const (
	EntityCategory = "category"
	EntityProduct  = "product"
	EntityCustomer = "customer"
	EntitySale     = "sale"
	EntityDebt     = "debt"
)

// Sale and debt states
const (
	SaleOpen      = "open"
	SaleCompleted = "completed"
	SaleCancelled = "cancelled"

	DebtPending = "pending"
	DebtPartial = "partial"
	DebtPaid    = "paid"
)

// Record is a retail payload that knows its local table columns
type Record interface {
	oversqlite.MutationPayload
	columns() ([]string, []any)
}

type Category struct {
	ID        string    `json:"id" validate:"required"`
	BranchID  string    `json:"branchId,omitempty"`
	Name      string    `json:"name" validate:"required,max=120"`
	UpdatedAt time.Time `json:"updatedAt" validate:"required"`
}

func (c Category) EntityName() string { return EntityCategory }
func (c Category) EntityID() string { return c.ID }
func (c Category) Timestamp() time.Time { return c.UpdatedAt }
func (c Category) columns() ([]string, []any) {
	return []string{"id", "branch_id", "name", "updated_at"},
		[]any{c.ID, c.BranchID, c.Name, stamp(c.UpdatedAt)}
}

type Product struct {
	ID         string          `json:"id" validate:"required"`
	BranchID   string          `json:"branchId,omitempty"`
	CategoryID string          `json:"categoryId,omitempty"`
	Name       string          `json:"name" validate:"required,max=200"`
	Price      decimal.Decimal `json:"price" validate:"gte=0"`
	Stock      int             `json:"stock" validate:"gte=0"`
	UpdatedAt  time.Time       `json:"updatedAt" validate:"required"`
}

func (p Product) EntityName() string { return EntityProduct }
func (p Product) EntityID() string { return p.ID }
func (p Product) Timestamp() time.Time { return p.UpdatedAt }
func (p Product) columns() ([]string, []any) {
	return []string{"id", "branch_id", "category_id", "name", "price", "stock", "updated_at"},
		[]any{p.ID, p.BranchID, p.CategoryID, p.Name, p.Price.String(), p.Stock, stamp(p.UpdatedAt)}
}

type Customer struct {
	ID          string          `json:"id" validate:"required"`
	BranchID    string          `json:"branchId,omitempty"`
	Name        string          `json:"name" validate:"required,max=200"`
	Phone       string          `json:"phone,omitempty" validate:"omitempty,max=32"`
	CreditLimit decimal.Decimal `json:"creditLimit" validate:"gte=0"`
	UpdatedAt   time.Time       `json:"updatedAt" validate:"required"`
}

func (c Customer) EntityName() string { return EntityCustomer }
func (c Customer) EntityID() string { return c.ID }
func (c Customer) Timestamp() time.Time { return c.UpdatedAt }
func (c Customer) columns() ([]string, []any) {
	return []string{"id", "branch_id", "name", "phone", "credit_limit", "updated_at"},
		[]any{c.ID, c.BranchID, c.Name, c.Phone, c.CreditLimit.String(), stamp(c.UpdatedAt)}
}

type Sale struct {
	ID            string          `json:"id" validate:"required"`
	BranchID      string          `json:"branchId,omitempty"`
	CustomerID    string          `json:"customerId,omitempty"`
	Total         decimal.Decimal `json:"total" validate:"gte=0"`
	PaymentMethod string          `json:"paymentMethod" validate:"required,oneof=cash card mobile credit"`
	Status        string          `json:"status" validate:"required,oneof=open completed cancelled"`
	UpdatedAt     time.Time       `json:"updatedAt" validate:"required"`
}

func (s Sale) EntityName() string { return EntitySale }
func (s Sale) EntityID() string { return s.ID }
func (s Sale) Timestamp() time.Time { return s.UpdatedAt }
func (s Sale) columns() ([]string, []any) {
	return []string{"id", "branch_id", "customer_id", "total", "payment_method", "status", "updated_at"},
		[]any{s.ID, s.BranchID, s.CustomerID, s.Total.String(), s.PaymentMethod, s.Status, stamp(s.UpdatedAt)}
}

type Debt struct {
	ID         string          `json:"id" validate:"required"`
	BranchID   string          `json:"branchId,omitempty"`
	SaleID     string          `json:"saleId" validate:"required"`
	CustomerID string          `json:"customerId" validate:"required"`
	Amount     decimal.Decimal `json:"amount" validate:"gt=0"`
	Paid       decimal.Decimal `json:"paid" validate:"gte=0"`
	Status     string          `json:"status" validate:"required,oneof=pending partial paid"`
	UpdatedAt  time.Time       `json:"updatedAt" validate:"required"`
}

func (d Debt) EntityName() string { return EntityDebt }
func (d Debt) EntityID() string { return d.ID }
func (d Debt) Timestamp() time.Time { return d.UpdatedAt }
func (d Debt) columns() ([]string, []any) {
	return []string{"id", "branch_id", "sale_id", "customer_id", "amount", "paid", "status", "updated_at"},
		[]any{d.ID, d.BranchID, d.SaleID, d.CustomerID, d.Amount.String(), d.Paid.String(), d.Status, stamp(d.UpdatedAt)}
}

// Balance is the amount still owed
func (d Debt) Balance() decimal.Decimal { return d.Amount.Sub(d.Paid) }

var validate = newValidator()

// newValidator validates decimal fields numerically and reports json field names
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// Validate checks a record's field rules and cross-field constraints
func Validate(r Record) error {
	if err := validate.Struct(r); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return &oversqlite.ValidationError{Entity: r.EntityName(), EntityID: r.EntityID(), Reason: oversync.ReasonValidationFailed, Message: err.Error()}
		}
		fields := oversync.ValidationErrorFields(verrs)
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+"="+fields[k])
		}
		return &oversqlite.ValidationError{
			Entity:   r.EntityName(),
			EntityID: r.EntityID(),
			Reason:   oversync.ReasonValidationFailed,
			Message:  strings.Join(parts, ", "),
		}
	}
	if d, ok := r.(Debt); ok && d.Paid.GreaterThan(d.Amount) {
		return &oversqlite.ValidationError{Entity: EntityDebt, EntityID: d.ID, Reason: oversync.ReasonValidationFailed, Message: "paid exceeds amount"}
	}
	return nil
}

// decode unmarshals and validates a payload of type T
func decode[T Record](entity string, raw json.RawMessage) (T, error) {
	var rec T
	if len(raw) == 0 {
		return rec, &oversqlite.ValidationError{Entity: entity, Reason: oversync.ReasonBadPayload, Message: "empty payload"}
	}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return rec, &oversqlite.ValidationError{Entity: entity, Reason: oversync.ReasonBadPayload, Message: fmt.Sprintf("invalid %s payload: %v", entity, err)}
	}
	if err := Validate(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

func stamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
