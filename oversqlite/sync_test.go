package oversqlite

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

func pulled(t *testing.T, entity, id string, fields map[string]any, ts time.Time, device string) oversync.PulledRecord {
	t.Helper()
	fields["id"] = id
	fields["updatedAt"] = ts
	return oversync.PulledRecord{
		Entity:          entity,
		EntityID:        id,
		Payload:         payload(t, fields),
		Version:         1,
		UpdatedAt:       ts,
		ClientUpdatedAt: ts,
		LastDeviceID:    device,
	}
}

func page(asOf time.Time, hasMore bool, recs ...oversync.PulledRecord) *oversync.PullResponse {
	resp := &oversync.PullResponse{AsOf: asOf, HasMore: hasMore, Changes: map[string][]oversync.PulledRecord{}}
	for _, r := range recs {
		if _, ok := resp.Changes[r.Entity]; !ok {
			resp.EntityOrder = append(resp.EntityOrder, r.Entity)
		}
		resp.Changes[r.Entity] = append(resp.Changes[r.Entity], r)
	}
	return resp
}

func TestOfflineSaleAndDebtSyncInDependencyOrder(t *testing.T) {
	gw := newFakeGateway()
	o, db := newTestOrchestrator(t, gw)
	ctx := context.Background()

	// written offline; the debt happens to be enqueued before the sale it references
	debtItem := writeLocal(t, db, o.Outbox, "debt", OpCreate, "d1",
		payload(t, map[string]any{"id": "d1", "saleId": "s1", "amount": "500.00", "updatedAt": at(2)}))
	saleItem := writeLocal(t, db, o.Outbox, "sale", OpCreate, "s1",
		payload(t, map[string]any{"id": "s1", "total": 500, "updatedAt": at(1)}))

	report, err := o.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, report.Pushed)
	require.Zero(t, report.DependencyRetried, "the sale sits in a lower tier than its debt")
	require.Zero(t, report.PushFailed)

	require.Equal(t, []string{"sale/s1", "debt/d1"}, gw.applied)
	require.EqualValues(t, 500, gw.serverRow(t, "sale", "s1")["total"])

	for _, id := range []string{saleItem, debtItem} {
		st := itemStatus(t, o.Outbox, id).Status
		assert.Contains(t, []string{StatusSynced, StatusAcknowledged}, st)
	}
	require.ElementsMatch(t, []string{"s1", "d1"}, gw.acked)
	require.Equal(t, StatusAcknowledged, itemStatus(t, o.Outbox, saleItem).Status)
}

func TestPushIsIdempotentOnRedelivery(t *testing.T) {
	gw := newFakeGateway()
	o, db := newTestOrchestrator(t, gw)
	ctx := context.Background()
	id := writeLocal(t, db, o.Outbox, "category", OpCreate, "c1", payload(t, map[string]any{"id": "c1", "name": "Drinks"}))
	it := itemStatus(t, o.Outbox, id)

	// a response lost on the way back: the same mutation is pushed twice
	outcomes, err := o.registry.ApplyRemote(ctx, gw, []MutationQueueItem{*it})
	require.NoError(t, err)
	require.Nil(t, outcomes[0])
	outcomes, err = o.registry.ApplyRemote(ctx, gw, []MutationQueueItem{*it})
	require.NoError(t, err)
	require.Nil(t, outcomes[0])

	require.Equal(t, []string{"category/c1"}, gw.applied)
}

func TestDependencyNotReadyRetriedInSamePass(t *testing.T) {
	gw := newFakeGateway()
	o, db := newTestOrchestrator(t, gw)
	// a payment type scheduled ahead of the debt it references
	o.registry.Register(jsonAdapter{entity: "payment", tier: 1})

	writeLocal(t, db, o.Outbox, "debt", OpCreate, "d1", payload(t, map[string]any{"id": "d1"}))
	payItem := writeLocal(t, db, o.Outbox, "payment", OpCreate, "pay1", payload(t, map[string]any{"id": "pay1", "debtId": "d1"}))

	report, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.DependencyRetried)
	require.Equal(t, 2, report.Pushed)
	require.Equal(t, []string{"debt/d1", "payment/pay1"}, gw.applied)

	it := itemStatus(t, o.Outbox, payItem)
	assert.Contains(t, []string{StatusSynced, StatusAcknowledged}, it.Status)
	assert.Equal(t, 1, it.RetryCount)
}

func TestMissingParentStaysVisibleAsError(t *testing.T) {
	gw := newFakeGateway()
	o, db := newTestOrchestrator(t, gw)

	id := writeLocal(t, db, o.Outbox, "sale_item", OpCreate, "si1",
		payload(t, map[string]any{"id": "si1", "saleId": "never-synced"}))
	ok := writeLocal(t, db, o.Outbox, "category", OpCreate, "c1", payload(t, map[string]any{"id": "c1"}))

	report, err := o.RunCycle(context.Background())
	require.NoError(t, err, "one bad item must not fail the cycle")
	require.Equal(t, 1, report.Pushed)

	it := itemStatus(t, o.Outbox, id)
	require.Equal(t, StatusError, it.Status)
	require.True(t, it.Retryable)
	require.Contains(t, it.ErrorMessage, "never-synced")
	assert.Contains(t, []string{StatusSynced, StatusAcknowledged}, itemStatus(t, o.Outbox, ok).Status)
}

func TestConnectivityOutageStopsPush(t *testing.T) {
	gw := newFakeGateway()
	refused := &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	gw.pushErrs = []error{refused, refused, refused}
	o, db := newTestOrchestrator(t, gw)
	o.config.PushChunkSize = 1

	var ids []string
	for _, c := range []string{"c1", "c2", "c3"} {
		ids = append(ids, writeLocal(t, db, o.Outbox, "category", OpCreate, c, payload(t, map[string]any{"id": c})))
	}

	_, err := o.RunCycle(context.Background())
	require.True(t, IsConnectivity(err))
	require.Equal(t, 3, gw.pushCalls, "only the first chunk is tried against a dead server")
	require.Empty(t, gw.pullSince, "pull is skipped while offline")

	first := itemStatus(t, o.Outbox, ids[0])
	require.Equal(t, StatusError, first.Status)
	require.Zero(t, first.RetryCount, "outages do not count toward dead-lettering")
	require.Equal(t, StatusPending, itemStatus(t, o.Outbox, ids[1]).Status)

	report, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Requeued)
	require.Equal(t, 3, report.Pushed)
}

func TestAuthFailureSuspendsSession(t *testing.T) {
	gw := newFakeGateway()
	gw.pushErrs = []error{&HTTPStatusError{StatusCode: http.StatusUnauthorized, Body: "token expired"}}
	o, db := newTestOrchestrator(t, gw)
	id := writeLocal(t, db, o.Outbox, "customer", OpCreate, "cu1", payload(t, map[string]any{"id": "cu1"}))

	_, err := o.RunCycle(context.Background())
	require.True(t, IsAuth(err))
	require.True(t, o.Session().Suspended())
	require.Equal(t, 1, gw.pushCalls)
	require.Equal(t, StatusPending, itemStatus(t, o.Outbox, id).Status, "queued items survive an auth failure")

	_, err = o.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrSessionSuspended)
	require.Equal(t, 1, gw.pushCalls)

	require.NoError(t, o.Session().Reauthenticate(context.Background()))
	report, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Pushed)
}

func TestCyclesDoNotOverlap(t *testing.T) {
	o, _ := newTestOrchestrator(t, newFakeGateway())
	o.running.Store(true)
	_, err := o.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrCycleInProgress)
}

func TestPendingEditIsNotOverwrittenByPull(t *testing.T) {
	gw := newFakeGateway()
	// the push of the local edit is refused, so it is still unsynced when the pull runs
	gw.pushErrs = []error{&HTTPStatusError{StatusCode: http.StatusBadRequest, Body: "maintenance"}}
	remote := pulled(t, "product", "p1", map[string]any{"price": "15.00"}, at(60), "till-2")
	gw.pullPages = []*oversync.PullResponse{page(at(100), false, remote), page(at(200), false, remote)}

	o, db := newTestOrchestrator(t, gw)
	writeLocal(t, db, o.Outbox, "product", OpUpdate, "p1",
		payload(t, map[string]any{"id": "p1", "price": "12.00", "updatedAt": at(10)}))

	report, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Conflicts)
	require.Equal(t, 1, report.SkippedPendingEdit)
	require.Zero(t, report.Applied)
	require.Equal(t, "12.00", localRow(t, db, "product", "p1")["price"])

	conflicts, err := o.Conflicts.List(context.Background(), false, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, at(10), c.LocalTimestamp)
	assert.Equal(t, at(60), c.RemoteTimestamp)
	assert.Equal(t, "till-1", c.DeviceID)

	// the same divergence seen again neither duplicates the conflict nor pushes the held edit
	report, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Conflicts)
	require.Equal(t, 1, report.HeldForConflict)
	require.Equal(t, 1, gw.pushCalls)
	st, err := o.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.HeldItems)
	assert.Zero(t, st.DeadLetteredItems, "a held edit is not dead-lettered")
	assert.Zero(t, st.FailedItems)
	n, err := o.Conflicts.UnresolvedCount(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, "12.00", localRow(t, db, "product", "p1")["price"])

	// keep_local sends the local state on the next cycle
	_, err = o.Conflicts.Resolve(context.Background(), c.ID, ResolutionKeepLocal)
	require.NoError(t, err)
	report, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, report.Pushed)
	require.Equal(t, "12.00", gw.serverRow(t, "product", "p1")["price"])
}

func TestPullWithinToleranceDoesNotConflict(t *testing.T) {
	gw := newFakeGateway()
	gw.pushErrs = []error{&HTTPStatusError{StatusCode: http.StatusBadRequest}}
	gw.pullPages = []*oversync.PullResponse{
		page(at(100), false, pulled(t, "product", "p1", map[string]any{"price": "12.00"}, at(10).Add(200*time.Millisecond), "till-2")),
	}
	o, db := newTestOrchestrator(t, gw)
	writeLocal(t, db, o.Outbox, "product", OpUpdate, "p1",
		payload(t, map[string]any{"id": "p1", "price": "12.00", "updatedAt": at(10)}))

	report, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Zero(t, report.Conflicts)
	require.Equal(t, 1, report.SkippedPendingEdit)
}

func TestPushConflictIsRecorded(t *testing.T) {
	gw := newFakeGateway()
	gw.rows[rowKey("sale", "s1")] = gatewayRow{payload: payload(t, map[string]any{"id": "s1", "total": 120}), ts: at(100)}
	o, db := newTestOrchestrator(t, gw)
	events := NewChannelObserver(16)
	o.Subscribe(events)

	id := writeLocal(t, db, o.Outbox, "sale", OpUpdate, "s1",
		payload(t, map[string]any{"id": "s1", "total": 100, "updatedAt": at(10)}))

	report, err := o.RunCycle(context.Background())
	require.NoError(t, err, "conflicts never fail the cycle")
	require.Equal(t, 1, report.Conflicts)

	it := itemStatus(t, o.Outbox, id)
	require.Equal(t, StatusError, it.Status)
	require.False(t, it.Retryable)

	conflicts, err := o.Conflicts.List(context.Background(), false, 10)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.JSONEq(t, `{"id":"s1","total":120}`, string(conflicts[0].RemoteData))

	var types []EventType
	for len(events.Events()) > 0 {
		types = append(types, (<-events.Events()).Type)
	}
	require.Equal(t, EventStarted, types[0])
	require.Contains(t, types, EventConflict)
	require.Equal(t, EventCompleted, types[len(types)-1])

	_, err = o.Conflicts.Resolve(context.Background(), conflicts[0].ID, ResolutionKeepRemote)
	require.NoError(t, err)
	require.EqualValues(t, 120, localRow(t, db, "sale", "s1")["total"])
}

func TestPullPagesAdvanceWatermark(t *testing.T) {
	gw := newFakeGateway()
	broken := pulled(t, "category", "c9", map[string]any{}, at(50), "till-2")
	broken.Payload = []byte(`{"name":"no id"}`)
	gw.pullPages = []*oversync.PullResponse{
		page(at(100), true,
			pulled(t, "category", "c1", map[string]any{"name": "Drinks"}, at(40), "till-2"),
			broken,
			pulled(t, "product", "p1", map[string]any{"categoryId": "c1"}, at(60), "till-1")),
		page(at(200), false,
			pulled(t, "loyalty_rule", "lr1", map[string]any{}, at(150), "till-2"),
			oversync.PulledRecord{Entity: "category", EntityID: "c1", Deleted: true, UpdatedAt: at(180), LastDeviceID: "till-2"}),
	}
	o, db := newTestOrchestrator(t, gw)

	report, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, 2, report.PullPages)
	require.Equal(t, 5, report.Pulled)
	require.Equal(t, 2, report.Applied)
	require.Equal(t, 1, report.SkippedEcho)
	require.Equal(t, 1, report.SkippedUnknown)
	require.Equal(t, 1, report.LocalFailures)
	require.Equal(t, []time.Time{{}, at(100)}, gw.pullSince)

	require.Nil(t, localRow(t, db, "category", "c1"), "the tombstone removes the row")
	require.Nil(t, localRow(t, db, "product", "p1"), "echoes of our own writes are not applied")

	st, err := o.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, at(200), st.Watermark)
	require.NotNil(t, st.LastSuccessfulSyncAt)
	require.NotNil(t, st.LastHeartbeatAt)

	// the next cycle starts where the last page ended
	_, err = o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Equal(t, at(200), gw.pullSince[2])
}

func TestHeartbeatReportsQueueHealth(t *testing.T) {
	gw := newFakeGateway()
	o, db := newTestOrchestrator(t, gw)
	writeLocal(t, db, o.Outbox, "sale_item", OpCreate, "si1", payload(t, map[string]any{"id": "si1", "saleId": "missing"}))

	_, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.Len(t, gw.heartbeats, 1)
	hb := gw.heartbeats[0]
	require.Equal(t, "till-1", hb.DeviceID)
	require.Equal(t, 0, hb.PendingItems)
	require.Equal(t, 1, hb.FailedItems)
	require.Equal(t, 1, hb.FailedByEntity["sale_item"])

	st, err := o.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, st.FailedItems)
	require.True(t, st.IsOnline)
	require.False(t, st.Suspended)
}

func TestStartRunsCyclesUntilStopped(t *testing.T) {
	gw := newFakeGateway()
	o, db := newTestOrchestrator(t, gw)
	o.config.SyncInterval = time.Hour
	require.NoError(t, o.Start(context.Background()))
	require.Error(t, o.Start(context.Background()))

	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.heartbeats) == 1
	}, 5*time.Second, 10*time.Millisecond, "the loop runs a cycle immediately")

	writeLocal(t, db, o.Outbox, "category", OpCreate, "c1", payload(t, map[string]any{"id": "c1"}))
	o.Trigger()
	require.Eventually(t, func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return len(gw.applied) == 1
	}, 5*time.Second, 10*time.Millisecond, "Trigger runs a cycle ahead of the timer")

	o.Stop()
	o.Stop()
}

func TestProbeTracksConnectivityAndReauthenticates(t *testing.T) {
	gw := newFakeGateway()
	session := NewSyncSession(StaticToken("fresh"), quietLogger())
	reconnects := 0
	p := &prober{remote: gw, session: session, interval: time.Second, timeout: time.Second,
		onReconnect: func() { reconnects++ }, logger: quietLogger()}

	gw.probeErr = &ConnectivityError{Op: "probe", Err: syscall.ECONNREFUSED}
	require.False(t, p.check(context.Background()))
	require.False(t, session.Online())

	session.Suspend(&AuthError{StatusCode: 401})
	gw.probeErr = nil
	require.True(t, p.check(context.Background()))
	require.True(t, session.Online())
	require.False(t, session.Suspended(), "regaining connectivity reauthenticates a suspended session")
	require.Equal(t, 1, reconnects)

	require.True(t, p.check(context.Background()))
	require.Equal(t, 1, reconnects, "a steady online state does not trigger cycles")
}

// editDuringPush runs edit while the first push request is in flight
type editDuringPush struct {
	*fakeGateway
	once sync.Once
	edit func()
}

func (g *editDuringPush) Push(ctx context.Context, req *oversync.PushRequest) (*oversync.PushResponse, error) {
	g.once.Do(g.edit)
	return g.fakeGateway.Push(ctx, req)
}

func TestEditDuringPushReachesServer(t *testing.T) {
	gw := &editDuringPush{fakeGateway: newFakeGateway()}
	o, db := newTestOrchestrator(t, gw)
	o.config.PushChunkSize = 1
	ctx := context.Background()

	writeLocal(t, db, o.Outbox, "category", OpCreate, "c1", payload(t, map[string]any{"id": "c1", "name": "Drinks", "updatedAt": at(1)}))
	c2 := writeLocal(t, db, o.Outbox, "category", OpCreate, "c2", payload(t, map[string]any{"id": "c2", "name": "old", "updatedAt": at(1)}))
	gw.edit = func() {
		writeLocal(t, db, o.Outbox, "category", OpUpdate, "c2", payload(t, map[string]any{"id": "c2", "name": "new", "updatedAt": at(5)}))
	}

	report, err := o.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Pushed, "the superseded snapshot of c2 is not sent")
	require.Nil(t, gw.serverRow(t, "category", "c2"))
	it := itemStatus(t, o.Outbox, c2)
	require.Equal(t, StatusPending, it.Status)
	require.Equal(t, OpUpdate, it.Operation)

	for i := 0; i < 2; i++ {
		_, err = o.RunCycle(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, "new", localRow(t, db, "category", "c2")["name"])
	assert.Equal(t, "new", gw.serverRow(t, "category", "c2")["name"])
	assert.Equal(t, StatusAcknowledged, itemStatus(t, o.Outbox, c2).Status)
}

func TestPushIsBoundedPerCycle(t *testing.T) {
	gw := newFakeGateway()
	o, db := newTestOrchestrator(t, gw)
	o.config.BatchSize = 2
	o.config.MaxPushBatches = 2
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		id := fmt.Sprintf("cu%d", i)
		writeLocal(t, db, o.Outbox, "customer", OpCreate, id, payload(t, map[string]any{"id": id, "updatedAt": at(i)}))
	}

	report, err := o.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 4, report.Pushed)
	st, err := o.Outbox.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, st.Pending, "the rest waits for the next cycle")

	report, err = o.RunCycle(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, report.Pushed)
	st, err = o.Outbox.Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, st.Pending)
}

func TestScheduledCycleLiftsSuspension(t *testing.T) {
	gw := newFakeGateway()
	o, db := newTestOrchestrator(t, gw)
	writeLocal(t, db, o.Outbox, "customer", OpCreate, "cu1", payload(t, map[string]any{"id": "cu1"}))
	o.Session().Suspend(&AuthError{StatusCode: http.StatusUnauthorized})

	o.runScheduled(context.Background())
	require.False(t, o.Session().Suspended())
	require.Equal(t, 1, gw.pushCalls)
}

func TestHeartbeatAuthFailureSuspendsSession(t *testing.T) {
	gw := newFakeGateway()
	gw.beatErr = &HTTPStatusError{StatusCode: http.StatusUnauthorized, Body: "token revoked"}
	o, _ := newTestOrchestrator(t, gw)

	_, err := o.RunCycle(context.Background())
	require.NoError(t, err)
	require.True(t, o.Session().Suspended())

	_, err = o.RunCycle(context.Background())
	require.ErrorIs(t, err, ErrSessionSuspended)
}
