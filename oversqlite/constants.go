// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

// Outbox item statuses
const (
	StatusPending      = "pending"
	StatusSynced       = "synced"
	StatusAcknowledged = "acknowledged"
	StatusError        = "error"
)

// Mutation operations
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Conflict resolutions
const (
	ResolutionKeepLocal  = "keep_local"
	ResolutionKeepRemote = "keep_remote"
	ResolutionMerge      = "merge"
)

// UnknownTier is used for entities missing from both the registry and DefaultTiers
const UnknownTier = 9

// DefaultTiers orders the retail entity types so that referenced rows are pushed first.
// Adapters may override the tier of their entity.
var DefaultTiers = map[string]int{
	"branch": 0,

	"user": 1,

	"category": 2,
	"supplier": 2,

	"product":  3,
	"customer": 3,
	"table":    3,

	"inventory":        4,
	"cash_box":         4,
	"customer_loyalty": 4,

	"sale":          5,
	"purchase":      5,
	"table_session": 5,

	"debt":           6,
	"sale_item":      6,
	"purchase_item":  6,
	"table_order":    6,
	"table_customer": 6,

	"payment":      7,
	"debt_payment": 7,
}

func validOp(op string) bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}
