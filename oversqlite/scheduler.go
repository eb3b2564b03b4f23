// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"slices"
	"strings"
)

// Scheduler orders outbox items by entity priority tier.
//
// Tiers approximate the foreign key graph: parents sit in lower tiers than the rows
// that reference them. The order is a stable sort by tier only, so items within a
// tier keep their outbox order; references that cross a tier boundary the other way
// are left to the fk_missing retry.
type Scheduler struct {
	registry *Registry
}

// NewScheduler returns a scheduler that consults the registry before DefaultTiers
func NewScheduler(registry *Registry) *Scheduler {
	return &Scheduler{registry: registry}
}

// Tier returns the priority tier of an entity
func (s *Scheduler) Tier(entity string) int {
	entity = strings.ToLower(entity)
	if s.registry != nil {
		if a, ok := s.registry.Lookup(entity); ok {
			return a.PriorityTier()
		}
	}
	if t, ok := DefaultTiers[entity]; ok {
		return t
	}
	return UnknownTier
}

// Sort returns the items ordered by tier; the input slice is not modified
func (s *Scheduler) Sort(items []MutationQueueItem) []MutationQueueItem {
	out := slices.Clone(items)
	slices.SortStableFunc(out, func(a, b MutationQueueItem) int {
		return s.Tier(a.Entity) - s.Tier(b.Entity)
	})
	return out
}

// SortEntities orders entity names by tier, then by name for equal tiers
func (s *Scheduler) SortEntities(entities []string) []string {
	out := slices.Clone(entities)
	slices.SortStableFunc(out, func(a, b string) int {
		if d := s.Tier(a) - s.Tier(b); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})
	return out
}
