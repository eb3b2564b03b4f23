package oversqlite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func entities(items []MutationQueueItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.Entity
	}
	return out
}

func TestSchedulerOrdersParentsFirst(t *testing.T) {
	s := NewScheduler(testRegistry())
	// enqueued in reverse dependency order
	items := []MutationQueueItem{
		{Seq: 1, Entity: "sale", EntityID: "s1"},
		{Seq: 2, Entity: "product", EntityID: "p1"},
		{Seq: 3, Entity: "category", EntityID: "c1"},
	}
	sorted := s.Sort(items)
	require.Equal(t, []string{"category", "product", "sale"}, entities(sorted))
	require.Equal(t, "sale", items[0].Entity, "input must not be reordered")
}

func TestSchedulerIsStableWithinTier(t *testing.T) {
	s := NewScheduler(nil)
	items := []MutationQueueItem{
		{Seq: 1, Entity: "purchase", EntityID: "pu1"},
		{Seq: 2, Entity: "sale", EntityID: "s1"},
		{Seq: 3, Entity: "purchase", EntityID: "pu2"},
		{Seq: 4, Entity: "customer", EntityID: "cu1"},
		{Seq: 5, Entity: "sale", EntityID: "s2"},
	}
	sorted := s.Sort(items)
	var ids []string
	for _, it := range sorted {
		ids = append(ids, it.EntityID)
	}
	assert.Equal(t, []string{"cu1", "pu1", "s1", "pu2", "s2"}, ids)
}

func TestSchedulerPutsSaleBeforeItsDebt(t *testing.T) {
	s := NewScheduler(testRegistry())
	sorted := s.Sort([]MutationQueueItem{
		{Seq: 1, Entity: "payment", EntityID: "pay1"},
		{Seq: 2, Entity: "debt", EntityID: "d1"},
		{Seq: 3, Entity: "sale", EntityID: "s1"},
	})
	assert.Equal(t, []string{"sale", "debt", "payment"}, entities(sorted))
}

func TestSchedulerTiers(t *testing.T) {
	reg := NewRegistry(jsonAdapter{entity: "payment", tier: 1})
	s := NewScheduler(reg)

	assert.Equal(t, 0, s.Tier("branch"))
	assert.Equal(t, 2, s.Tier("Category"))
	assert.Equal(t, 1, s.Tier("payment"), "registered adapters override the default table")
	assert.Equal(t, UnknownTier, s.Tier("loyalty_rule"))

	sorted := s.Sort([]MutationQueueItem{{Entity: "loyalty_rule"}, {Entity: "sale_item"}, {Entity: "branch"}})
	assert.Equal(t, []string{"branch", "sale_item", "loyalty_rule"}, entities(sorted))
}

func TestSchedulerSortEntities(t *testing.T) {
	s := NewScheduler(nil)
	got := s.SortEntities([]string{"sale_item", "sale", "supplier", "category", "user"})
	assert.Equal(t, []string{"user", "category", "supplier", "sale", "sale_item"}, got)
}
