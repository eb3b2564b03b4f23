package oversync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tillA = Identity{UserID: "cashier-a", DeviceID: "till-a", BranchID: "b1"}
	tillB = Identity{UserID: "cashier-b", DeviceID: "till-b", BranchID: "b1"}
	tillC = Identity{UserID: "cashier-c", DeviceID: "till-c", BranchID: "b2"}
)

func pushOK(t *testing.T, svc *SyncService, id Identity, items ...PushItem) []PushResult {
	t.Helper()
	resp, err := svc.ProcessPush(context.Background(), id, &PushRequest{Items: items})
	require.NoError(t, err)
	require.Len(t, resp.Results, len(items))
	return resp.Results
}

func TestSyncIntegration_PushIsIdempotent(t *testing.T) {
	svc := newTestService(t, newTestPool(t))
	ctx := context.Background()

	item := pushItem("category", OpCreate, "cat-1", `{"id":"cat-1","name":"Drinks"}`)
	first := pushOK(t, svc, tillA, item)
	assert.Equal(t, StApplied, first[0].Status)
	assert.False(t, first[0].Duplicate)
	assert.Equal(t, int64(1), first[0].Version)

	second := pushOK(t, svc, tillA, item)
	assert.Equal(t, StApplied, second[0].Status)
	assert.True(t, second[0].Duplicate)

	var version int64
	var gateRows int
	require.NoError(t, svc.Pool().QueryRow(ctx,
		`SELECT version FROM sync.entity_rows WHERE entity = 'category' AND entity_id = 'cat-1'`).Scan(&version))
	require.NoError(t, svc.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM sync.received_mutations WHERE mutation_id = $1`, item.MutationID).Scan(&gateRows))
	assert.Equal(t, int64(1), version)
	assert.Equal(t, 1, gateRows)
}

func TestSyncIntegration_MissingParentIsRetryable(t *testing.T) {
	svc := newTestService(t, newTestPool(t))

	product := pushItem("product", OpCreate, "prod-1", `{"id":"prod-1","name":"Cola","categoryId":"cat-9"}`)
	res := pushOK(t, svc, tillA, product)
	assert.Equal(t, StInvalid, res[0].Status)
	assert.Equal(t, ReasonFKMissing, res[0].Reason)
	assert.True(t, res[0].Retryable)

	// Same mutation id redelivered after the parent arrives is evaluated again.
	category := pushItem("category", OpCreate, "cat-9", `{"id":"cat-9","name":"Soft drinks"}`)
	res = pushOK(t, svc, tillA, category, product)
	assert.Equal(t, StApplied, res[0].Status)
	assert.Equal(t, StApplied, res[1].Status)
	assert.False(t, res[1].Duplicate)
}

func TestSyncIntegration_ItemsFailIndependently(t *testing.T) {
	svc := newTestService(t, newTestPool(t))

	res := pushOK(t, svc, tillA,
		pushItem("category", OpCreate, "cat-1", `{"id":"cat-1"}`),
		pushItem("spaceship", OpCreate, "x-1", `{}`),
		pushItem("category", OpCreate, "cat-2", `{"id":"cat-2"}`),
	)
	assert.Equal(t, StApplied, res[0].Status)
	assert.Equal(t, StInvalid, res[1].Status)
	assert.Equal(t, ReasonUnregisteredEntity, res[1].Reason)
	assert.Equal(t, StApplied, res[2].Status)
}

func TestSyncIntegration_ConflictReturnsServerRow(t *testing.T) {
	svc := newTestService(t, newTestPool(t))
	now := time.Now().UTC().Truncate(time.Millisecond)

	created := pushItem("sale", OpCreate, "sale-1",
		fmt.Sprintf(`{"id":"sale-1","total":120,"updatedAt":%q}`, now.Format(time.RFC3339Nano)))
	pushOK(t, svc, tillA, created)

	stale := pushItem("sale", OpUpdate, "sale-1",
		fmt.Sprintf(`{"id":"sale-1","total":100,"updatedAt":%q}`, now.Add(-time.Minute).Format(time.RFC3339Nano)))
	res := pushOK(t, svc, tillB, stale)
	require.Equal(t, StConflict, res[0].Status)
	assert.JSONEq(t, string(created.Payload), string(res[0].ServerRow))
	require.NotNil(t, res[0].ServerUpdatedAt)
	assert.True(t, res[0].ServerUpdatedAt.Equal(now))

	// A replayed conflicting mutation reports the same conflict.
	res = pushOK(t, svc, tillB, stale)
	assert.Equal(t, StConflict, res[0].Status)
	assert.True(t, res[0].Duplicate)

	fresh := pushItem("sale", OpUpdate, "sale-1",
		fmt.Sprintf(`{"id":"sale-1","total":130,"updatedAt":%q}`, now.Add(time.Minute).Format(time.RFC3339Nano)))
	res = pushOK(t, svc, tillB, fresh)
	assert.Equal(t, StApplied, res[0].Status)
	assert.Equal(t, int64(2), res[0].Version)
}

func TestSyncIntegration_DeleteIsTombstone(t *testing.T) {
	svc := newTestService(t, newTestPool(t))

	pushOK(t, svc, tillA, pushItem("category", OpCreate, "cat-1", `{"id":"cat-1"}`))
	res := pushOK(t, svc, tillA, pushItem("category", OpDelete, "cat-1", ""))
	assert.Equal(t, StApplied, res[0].Status)
	assert.Equal(t, int64(2), res[0].Version)

	// Deleting again or deleting an unknown row is a no-op.
	res = pushOK(t, svc, tillA, pushItem("category", OpDelete, "cat-1", ""), pushItem("category", OpDelete, "cat-404", ""))
	assert.Equal(t, StApplied, res[0].Status)
	assert.Equal(t, StApplied, res[1].Status)

	pull, err := svc.ProcessPull(context.Background(), tillB, time.Time{}, 0, false)
	require.NoError(t, err)
	require.Len(t, pull.Changes["category"], 1)
	assert.True(t, pull.Changes["category"][0].Deleted)
}

func TestSyncIntegration_PullPagesWithoutGaps(t *testing.T) {
	svc := newTestService(t, newTestPool(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("cat-%d", i)
		pushOK(t, svc, tillA, pushItem("category", OpCreate, id, fmt.Sprintf(`{"id":%q}`, id)))
	}

	seen := map[string]bool{}
	var since time.Time
	pages := 0
	for {
		resp, err := svc.ProcessPull(ctx, tillB, since, 2, false)
		require.NoError(t, err)
		pages++
		for _, r := range resp.Changes["category"] {
			assert.False(t, seen[r.EntityID], "row %s delivered twice", r.EntityID)
			seen[r.EntityID] = true
		}
		since = resp.AsOf
		if !resp.HasMore {
			break
		}
		require.Less(t, pages, 10)
	}
	assert.Len(t, seen, 5)
	assert.GreaterOrEqual(t, pages, 3)

	// Nothing new after the final watermark.
	resp, err := svc.ProcessPull(ctx, tillB, since, 2, false)
	require.NoError(t, err)
	assert.Empty(t, resp.Changes)
}

func TestSyncIntegration_PullWaitsForInFlightPush(t *testing.T) {
	svc := newTestService(t, newTestPool(t))
	ctx := context.Background()

	first, err := svc.ProcessPull(ctx, tillB, time.Time{}, 0, false)
	require.NoError(t, err)
	since := first.AsOf

	// A push stamps its row inside its transaction, before it commits.
	tx, err := svc.Pool().Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback(ctx) }()
	_, err = tx.Exec(ctx, `SELECT pg_advisory_xact_lock_shared($1)`, pullBarrierLockKey)
	require.NoError(t, err)
	_, err = tx.Exec(ctx, `
		INSERT INTO sync.entity_rows (entity, entity_id, branch_id, payload, client_updated_at, updated_at, last_device_id)
		VALUES ('category', 'cat-late', '', '{"id":"cat-late"}', now(), clock_timestamp(), $1)`, tillA.DeviceID)
	require.NoError(t, err)

	type pullResult struct {
		resp *PullResponse
		err  error
	}
	done := make(chan pullResult, 1)
	go func() {
		resp, err := svc.ProcessPull(ctx, tillB, since, 0, false)
		done <- pullResult{resp, err}
	}()

	select {
	case <-done:
		t.Fatal("pull froze asOf while a push held the barrier")
	case <-time.After(300 * time.Millisecond):
	}
	require.NoError(t, tx.Commit(ctx))

	got := <-done
	require.NoError(t, got.err)
	require.Len(t, got.resp.Changes["category"], 1, "the committed row lies below the frozen asOf")
	assert.Equal(t, "cat-late", got.resp.Changes["category"][0].EntityID)

	next, err := svc.ProcessPull(ctx, tillB, got.resp.AsOf, 0, false)
	require.NoError(t, err)
	assert.Empty(t, next.Changes, "a row is delivered exactly once")

	// A push right after a pull lands above its asOf and arrives with the next pull.
	pushOK(t, svc, tillA, pushItem("category", OpCreate, "cat-after", `{"id":"cat-after"}`))
	after, err := svc.ProcessPull(ctx, tillB, next.AsOf, 0, false)
	require.NoError(t, err)
	require.Len(t, after.Changes["category"], 1)
	assert.Equal(t, "cat-after", after.Changes["category"][0].EntityID)

	last, err := svc.ProcessPull(ctx, tillB, after.AsOf, 0, false)
	require.NoError(t, err)
	assert.Empty(t, last.Changes)
}

func TestSyncIntegration_PullFiltersBranchAndSelf(t *testing.T) {
	svc := newTestService(t, newTestPool(t))
	ctx := context.Background()

	pushOK(t, svc, tillA,
		pushItem("category", OpCreate, "cat-1", `{"id":"cat-1"}`),
		pushItem("sale", OpCreate, "sale-1", `{"id":"sale-1"}`),
	)

	own, err := svc.ProcessPull(ctx, tillA, time.Time{}, 0, false)
	require.NoError(t, err)
	assert.Empty(t, own.Changes, "own writes are not echoed back")

	sameBranch, err := svc.ProcessPull(ctx, tillB, time.Time{}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"category", "sale"}, sameBranch.EntityOrder)

	otherBranch, err := svc.ProcessPull(ctx, tillC, time.Time{}, 0, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"category"}, otherBranch.EntityOrder)

	recovery, err := svc.ProcessPull(ctx, tillA, time.Time{}, 0, true)
	require.NoError(t, err)
	assert.Len(t, recovery.Changes, 2)
}

func TestSyncIntegration_AckAndHeartbeat(t *testing.T) {
	svc := newTestService(t, newTestPool(t))
	ctx := context.Background()

	pushOK(t, svc, tillA, pushItem("category", OpCreate, "cat-1", `{"id":"cat-1"}`))
	ack, err := svc.Acknowledge(ctx, tillA, &AckRequest{DeviceID: tillA.DeviceID, EntityIDs: []string{"cat-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), ack.Acknowledged)

	ack, err = svc.Acknowledge(ctx, tillA, &AckRequest{DeviceID: tillA.DeviceID, EntityIDs: []string{"cat-1"}})
	require.NoError(t, err)
	assert.Equal(t, int64(0), ack.Acknowledged)

	_, err = svc.DeviceStatus(ctx, tillA.DeviceID)
	assert.ErrorIs(t, err, ErrDeviceNotFound)

	_, err = svc.RecordHeartbeat(ctx, tillA, &HeartbeatRequest{
		DeviceID:            tillA.DeviceID,
		PendingItems:        150,
		FailedItems:         2,
		UnresolvedConflicts: 1,
		PendingByEntity:     map[string]int{"sale": 150},
		FailedByEntity:      map[string]int{"sale_item": 2},
	})
	require.NoError(t, err)

	status, err := svc.DeviceStatus(ctx, tillA.DeviceID)
	require.NoError(t, err)
	assert.True(t, status.IsOnline)
	assert.Equal(t, 150, status.PendingItems)
	assert.Equal(t, "b1", status.BranchID)

	dash, err := svc.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, 150, dash.Overview.TotalPending)
	assert.Equal(t, 1, dash.Overview.ActiveDevices)
	assert.Equal(t, 1, dash.Overview.TotalSynced24h)
	assert.Equal(t, 2, dash.Breakdown.FailedByEntity["sale_item"])
	// 100 - 15 (pending) - 10 (failed) - 5 (conflicts)
	assert.Equal(t, 70, dash.Overview.HealthScore)
	assert.Equal(t, HealthWarning, dash.Overview.HealthStatus)

	history, err := svc.History(ctx, "category", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotNil(t, history[0].AcknowledgedAt)
}

type flakyHandler struct {
	fail bool
}

func (h *flakyHandler) ApplyUpsert(ctx context.Context, tx pgx.Tx, entity, entityID string, payload []byte) error {
	if h.fail {
		return errors.New("ledger unavailable")
	}
	return nil
}

func (h *flakyHandler) ApplyDelete(ctx context.Context, tx pgx.Tx, entity, entityID string) error {
	return nil
}

func TestSyncIntegration_MaterializeFailureIsRecordedAndRetried(t *testing.T) {
	pool := newTestPool(t)
	handler := &flakyHandler{fail: true}
	entities := testEntities()
	entities[0].Handler = handler
	svc, err := NewSyncService(pool, DefaultServiceConfig("overpos-test", entities), testLogger())
	require.NoError(t, err)
	defer svc.Close()
	ctx := context.Background()

	res := pushOK(t, svc, tillA, pushItem("category", OpCreate, "cat-1", `{"id":"cat-1"}`))
	assert.Equal(t, StMaterializeError, res[0].Status)

	failures, err := svc.ListMaterializeFailures(ctx, "category", 10)
	require.NoError(t, err)
	require.Len(t, failures, 1)

	// The sync copy is kept even though materialization failed.
	pull, err := svc.ProcessPull(ctx, tillB, time.Time{}, 0, false)
	require.NoError(t, err)
	assert.Len(t, pull.Changes["category"], 1)

	require.Error(t, svc.RetryMaterializeFailure(ctx, failures[0].ID))
	handler.fail = false
	require.NoError(t, svc.RetryMaterializeFailure(ctx, failures[0].ID))

	failures, err = svc.ListMaterializeFailures(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.ErrorIs(t, svc.RetryMaterializeFailure(ctx, 999999), ErrFailureNotFound)
}
