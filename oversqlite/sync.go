// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package oversqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

// CycleReport summarizes one sync cycle
type CycleReport struct {
	CycleID    string    `json:"cycleId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`

	Requeued          int `json:"requeued"`
	Pushed            int `json:"pushed"`
	PushFailed        int `json:"pushFailed"`
	DependencyRetried int `json:"dependencyRetried"`
	HeldForConflict   int `json:"heldForConflict"`
	Acknowledged      int `json:"acknowledged"`

	PullPages          int `json:"pullPages"`
	Pulled             int `json:"pulled"`
	Applied            int `json:"applied"`
	SkippedPendingEdit int `json:"skippedPendingEdit"`
	SkippedEcho        int `json:"skippedEcho"`
	SkippedUnknown     int `json:"skippedUnknown"`
	LocalFailures      int `json:"localFailures"`

	Conflicts int       `json:"conflicts"`
	Watermark time.Time `json:"watermark"`
}

// Orchestrator drives the terminal's sync cycles: push in dependency order, then
// pull and merge, then acknowledgement and heartbeat. Only one cycle runs at a time.
type Orchestrator struct {
	db       *sql.DB
	remote   Remote
	registry *Registry
	session  *SyncSession
	config   *Config
	logger   *slog.Logger

	Outbox    *Outbox
	Conflicts *ConflictStore
	Retry     *RetryController

	scheduler *Scheduler
	watermark *watermarkStore
	prober    *prober
	observers observers

	running atomic.Bool
	trigger chan struct{}

	loopMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator wires the engine for one terminal database
func NewOrchestrator(db *sql.DB, remote Remote, registry *Registry, session *SyncSession, config *Config, logger *slog.Logger) (*Orchestrator, error) {
	if config == nil {
		return nil, errors.New("config must be provided")
	}
	if err := config.normalize(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if err := initializeDatabase(db); err != nil {
		return nil, fmt.Errorf("failed to initialize sync tables: %w", err)
	}
	if err := ensureClientInfo(context.Background(), db, config.DeviceID, config.BranchID); err != nil {
		return nil, err
	}

	logger = logger.With("device_id", config.DeviceID)
	outbox := NewOutbox(db, config.DeviceID, config.BranchID, config.MaxItemRetries, logger)
	retry := NewRetryController(config.Retry, logger)
	o := &Orchestrator{
		db:        db,
		remote:    remote,
		registry:  registry,
		session:   session,
		config:    config,
		logger:    logger,
		Outbox:    outbox,
		Conflicts: NewConflictStore(db, config.DeviceID, outbox, registry, logger),
		Retry:     retry,
		scheduler: NewScheduler(registry),
		watermark: &watermarkStore{db: db, deviceID: config.DeviceID},
		trigger:   make(chan struct{}, 1),
	}
	o.prober = &prober{
		remote:      remote,
		session:     session,
		interval:    config.ProbeInterval,
		timeout:     config.Retry.RequestTimeout,
		onReconnect: o.Trigger,
		logger:      logger,
	}
	return o, nil
}

// Subscribe adds an observer for lifecycle events
func (o *Orchestrator) Subscribe(obs Observer) {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()
	o.observers = append(o.observers, obs)
}

// Scheduler returns the scheduler used for push ordering
func (o *Orchestrator) Scheduler() *Scheduler { return o.scheduler }

// Session returns the injected session
func (o *Orchestrator) Session() *SyncSession { return o.session }

// RunCycle runs one push and pull cycle.
//
// Connectivity failures end the cycle early with a *ConnectivityError; unsent items
// stay pending for the next tick. Authentication failures suspend the session.
// Conflicts are recorded and never fail the cycle.
func (o *Orchestrator) RunCycle(ctx context.Context) (*CycleReport, error) {
	if !o.running.CompareAndSwap(false, true) {
		return nil, ErrCycleInProgress
	}
	defer o.running.Store(false)

	if o.session.Suspended() {
		return nil, ErrSessionSuspended
	}

	report := &CycleReport{CycleID: uuid.NewString(), StartedAt: time.Now().UTC()}
	o.publish(Event{Type: EventStarted, CycleID: report.CycleID})

	n, err := o.Outbox.RetryFailed(ctx)
	if err != nil {
		return o.fail(report, err)
	}
	report.Requeued = n

	if err := o.push(ctx, report); err != nil {
		return o.fail(report, err)
	}
	if err := ctx.Err(); err != nil {
		return o.fail(report, err)
	}
	if err := o.acknowledge(ctx, report); err != nil {
		return o.fail(report, err)
	}
	if err := o.pull(ctx, report); err != nil {
		return o.fail(report, err)
	}
	o.heartbeat(ctx)

	report.FinishedAt = time.Now().UTC()
	if err := o.watermark.touch(ctx, "last_successful_sync_at", report.FinishedAt); err != nil {
		o.logger.Warn("Failed to record sync time", "error", err)
	}
	o.logger.Info("Sync cycle completed",
		"cycle_id", report.CycleID, "pushed", report.Pushed, "push_failed", report.PushFailed,
		"pulled", report.Pulled, "applied", report.Applied, "conflicts", report.Conflicts)
	o.publish(Event{Type: EventCompleted, CycleID: report.CycleID, Report: report})
	return report, nil
}

func (o *Orchestrator) fail(report *CycleReport, err error) (*CycleReport, error) {
	report.FinishedAt = time.Now().UTC()
	switch {
	case IsAuth(err):
		o.session.Suspend(err)
	case IsConnectivity(err):
		o.logger.Warn("Sync cycle paused by connectivity failure", "cycle_id", report.CycleID, "error", err)
	default:
		o.logger.Error("Sync cycle failed", "cycle_id", report.CycleID, "error", err)
	}
	o.publish(Event{Type: EventError, CycleID: report.CycleID, Report: report, Err: err})
	return report, err
}

func (o *Orchestrator) publish(e Event) {
	o.loopMu.Lock()
	obs := o.observers
	o.loopMu.Unlock()
	obs.publish(e)
}

// push sends pending items in tier order, in chunks. Items rejected with a missing
// parent get one more attempt after the pass, since a later chunk may have created it.
func (o *Orchestrator) push(ctx context.Context, report *CycleReport) error {
	items, err := o.Outbox.DequeueBatch(ctx, o.config.BatchSize*o.config.MaxPushBatches)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return nil
	}
	held, err := o.Conflicts.openKeys(ctx)
	if err != nil {
		return err
	}

	ordered := o.scheduler.Sort(items)
	var deferred []MutationQueueItem
	for start := 0; start < len(ordered); start += o.config.PushChunkSize {
		end := min(start+o.config.PushChunkSize, len(ordered))
		if err := o.pushChunk(ctx, ordered[start:end], held, report, &deferred); err != nil {
			return err
		}
		o.publish(Event{Type: EventProgress, CycleID: report.CycleID, Phase: "push", Processed: end, Total: len(ordered)})
	}

	if len(deferred) == 0 {
		return nil
	}
	var again []MutationQueueItem
	for _, d := range deferred {
		it, err := o.Outbox.Get(ctx, d.ID)
		if err != nil {
			continue
		}
		if it.Status == StatusError && it.Retryable && it.DeadLetteredAt == nil && it.MutationID == d.MutationID {
			again = append(again, *it)
		}
	}
	if len(again) == 0 {
		return nil
	}
	report.DependencyRetried += len(again)
	o.logger.Debug("Retrying items with missing parents", "count", len(again))
	again = o.scheduler.Sort(again)
	for start := 0; start < len(again); start += o.config.PushChunkSize {
		end := min(start+o.config.PushChunkSize, len(again))
		if err := o.pushChunk(ctx, again[start:end], held, report, nil); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) pushChunk(ctx context.Context, chunk []MutationQueueItem, held map[string]bool, report *CycleReport, deferred *[]MutationQueueItem) error {
	send := make([]MutationQueueItem, 0, len(chunk))
	for _, it := range chunk {
		if held[rowKey(it.Entity, it.EntityID)] {
			report.HeldForConflict++
			if err := o.Outbox.Hold(ctx, it.ID, it.MutationID, "awaiting conflict resolution"); err != nil {
				return err
			}
			continue
		}
		send = append(send, it)
	}
	if len(send) == 0 {
		return nil
	}
	send, err := o.Outbox.MarkAttempted(ctx, send)
	if err != nil {
		return err
	}
	if len(send) == 0 {
		return nil
	}

	var outcomes []error
	err = o.Retry.Execute(ctx, "push", func(ctx context.Context) error {
		var err error
		outcomes, err = o.registry.ApplyRemote(ctx, o.remote, send)
		return err
	})
	if err != nil {
		if IsAuth(err) || errors.Is(err, ErrSessionSuspended) {
			return err
		}
		connectivity := IsConnectivity(err)
		for _, it := range send {
			// an outage says nothing about the item, so it does not count toward dead-lettering
			if mErr := o.Outbox.MarkError(ctx, it.ID, it.MutationID, err.Error(), true, !connectivity); mErr != nil {
				return mErr
			}
		}
		report.PushFailed += len(send)
		if connectivity {
			return err
		}
		o.logger.Warn("Push request rejected", "items", len(send), "error", err)
		return nil
	}

	for i, it := range send {
		if err := o.handleOutcome(ctx, it, outcomes[i], report, deferred); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) handleOutcome(ctx context.Context, it MutationQueueItem, outcome error, report *CycleReport, deferred *[]MutationQueueItem) error {
	if outcome == nil {
		if _, err := o.Outbox.MarkSynced(ctx, it.ID, it.MutationID); err != nil {
			return err
		}
		report.Pushed++
		return nil
	}

	var (
		conflict *ConflictDetected
		depErr   *DependencyNotReadyError
	)
	if errors.As(outcome, &conflict) {
		return o.recordPushConflict(ctx, it, conflict, report)
	}
	report.PushFailed++
	switch {
	case errors.As(outcome, &depErr):
		if deferred != nil {
			*deferred = append(*deferred, it)
		}
		return o.Outbox.MarkError(ctx, it.ID, it.MutationID, outcome.Error(), true, true)
	case IsRetryable(outcome):
		return o.Outbox.MarkError(ctx, it.ID, it.MutationID, outcome.Error(), true, true)
	default:
		o.logger.Warn("Mutation rejected", "entity", it.Entity, "entity_id", it.EntityID, "error", outcome)
		return o.Outbox.MarkError(ctx, it.ID, it.MutationID, outcome.Error(), false, true)
	}
}

func (o *Orchestrator) recordPushConflict(ctx context.Context, it MutationQueueItem, c *ConflictDetected, report *CycleReport) error {
	sc := SyncConflict{
		Entity:          it.Entity,
		EntityID:        it.EntityID,
		LocalData:       it.Payload,
		RemoteData:      c.RemoteData,
		RemoteDeleted:   c.RemoteDeleted,
		LocalTimestamp:  localTimestamp(&it),
		RemoteTimestamp: c.RemoteTimestamp,
		OutboxItemID:    it.ID,
	}
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	id, created, err := o.Conflicts.Register(ctx, tx, sc)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit conflict: %w", err)
	}
	if err := o.Outbox.Hold(ctx, it.ID, it.MutationID, "conflict with newer server copy"); err != nil {
		return err
	}
	if created {
		report.Conflicts++
		sc.ID = id
		sc.DeviceID = o.config.DeviceID
		o.publish(Event{Type: EventConflict, CycleID: report.CycleID, Conflict: &sc})
	}
	return nil
}

func localTimestamp(it *MutationQueueItem) time.Time {
	if ts := PayloadTimestamp(it.Payload); !ts.IsZero() {
		return ts
	}
	return it.UpdatedAt
}

func (o *Orchestrator) acknowledge(ctx context.Context, report *CycleReport) error {
	items, err := o.Outbox.SyncedUnacknowledged(ctx, 1000)
	if err != nil || len(items) == 0 {
		return err
	}
	ids := make([]string, 0, len(items))
	seen := map[string]bool{}
	var entityIDs []string
	for _, it := range items {
		ids = append(ids, it.ID)
		if !seen[it.EntityID] {
			seen[it.EntityID] = true
			entityIDs = append(entityIDs, it.EntityID)
		}
	}
	now := time.Now().UTC()
	err = o.Retry.Execute(ctx, "ack", func(ctx context.Context) error {
		_, err := o.remote.Ack(ctx, &oversync.AckRequest{EntityIDs: entityIDs, DeviceID: o.config.DeviceID, SyncTimestamp: &now})
		return err
	})
	if err != nil {
		if IsAuth(err) || IsConnectivity(err) || errors.Is(err, ErrSessionSuspended) {
			return err
		}
		o.logger.Warn("Acknowledgement rejected", "error", err)
		return nil
	}
	if err := o.Outbox.MarkAcknowledged(ctx, ids); err != nil {
		return err
	}
	report.Acknowledged = len(ids)
	return nil
}

// pull fetches pages after the watermark and merges each page in one local
// transaction that also advances the watermark, so a crash re-pulls the page.
func (o *Orchestrator) pull(ctx context.Context, report *CycleReport) error {
	wm, err := o.watermark.Load(ctx)
	if err != nil {
		return err
	}
	report.Watermark = wm.AsOf

	for page := 0; page < o.config.MaxPullPages; page++ {
		var resp *oversync.PullResponse
		err := o.Retry.Execute(ctx, "pull", func(ctx context.Context) error {
			var err error
			resp, err = o.remote.Pull(ctx, wm.AsOf, o.config.PullLimit)
			return err
		})
		if err != nil {
			return err
		}
		if err := o.mergePage(ctx, resp, report); err != nil {
			return err
		}
		wm.AsOf = resp.AsOf
		report.Watermark = resp.AsOf
		report.PullPages++
		o.publish(Event{Type: EventProgress, CycleID: report.CycleID, Phase: "pull", Processed: report.Pulled})
		if !resp.HasMore || ctx.Err() != nil {
			break
		}
	}
	return nil
}

func (o *Orchestrator) pageOrder(resp *oversync.PullResponse) []string {
	order := make([]string, 0, len(resp.Changes))
	listed := map[string]bool{}
	for _, e := range resp.EntityOrder {
		if _, ok := resp.Changes[e]; ok && !listed[e] {
			listed[e] = true
			order = append(order, e)
		}
	}
	var rest []string
	for e := range resp.Changes {
		if !listed[e] {
			rest = append(rest, e)
		}
	}
	sort.Strings(rest)
	return append(order, o.scheduler.SortEntities(rest)...)
}

func (o *Orchestrator) mergePage(ctx context.Context, resp *oversync.PullResponse, report *CycleReport) error {
	tx, err := o.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var conflicts []SyncConflict
	for _, entity := range o.pageOrder(resp) {
		for i := range resp.Changes[entity] {
			rec := &resp.Changes[entity][i]
			if rec.Entity == "" {
				rec.Entity = entity
			}
			report.Pulled++
			if rec.LastDeviceID == o.config.DeviceID {
				report.SkippedEcho++
				continue
			}
			if _, ok := o.registry.Lookup(rec.Entity); !ok {
				report.SkippedUnknown++
				continue
			}
			c, err := o.mergeRecord(ctx, tx, rec, report)
			if err != nil {
				report.LocalFailures++
				o.logger.Warn("Failed to apply pulled record", "entity", rec.Entity, "entity_id", rec.EntityID, "error", err)
				continue
			}
			if c != nil {
				conflicts = append(conflicts, *c)
			}
		}
	}

	if err := o.watermark.Advance(ctx, tx, resp.AsOf); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit pulled page: %w", err)
	}
	for i := range conflicts {
		o.publish(Event{Type: EventConflict, CycleID: report.CycleID, Conflict: &conflicts[i]})
	}
	return nil
}

// mergeRecord applies one record inside a savepoint so a local failure rolls back only
// that record. It returns the conflict it created, if any.
func (o *Orchestrator) mergeRecord(ctx context.Context, tx *sql.Tx, rec *oversync.PulledRecord, report *CycleReport) (*SyncConflict, error) {
	if _, err := tx.ExecContext(ctx, `SAVEPOINT pull_record`); err != nil {
		return nil, err
	}
	c, err := o.mergeRecordInSavepoint(ctx, tx, rec, report)
	if err != nil {
		_, _ = tx.ExecContext(ctx, `ROLLBACK TO pull_record`)
	}
	if _, relErr := tx.ExecContext(ctx, `RELEASE pull_record`); relErr != nil && err == nil {
		err = relErr
	}
	return c, err
}

func (o *Orchestrator) mergeRecordInSavepoint(ctx context.Context, tx *sql.Tx, rec *oversync.PulledRecord, report *CycleReport) (*SyncConflict, error) {
	res, pending, err := o.registry.ApplyLocal(ctx, tx, o.Outbox, rec)
	if err != nil {
		return nil, err
	}
	if res == LocalApplied {
		report.Applied++
		return nil, nil
	}

	remoteTS := rec.ClientUpdatedAt
	if remoteTS.IsZero() {
		remoteTS = rec.UpdatedAt
	}
	localTS := localTimestamp(pending)
	diff := localTS.Sub(remoteTS)
	if diff < 0 {
		diff = -diff
	}
	if diff <= o.config.ConflictTolerance {
		report.SkippedPendingEdit++
		return nil, nil
	}

	sc := SyncConflict{
		Entity:          rec.Entity,
		EntityID:        rec.EntityID,
		LocalData:       pending.Payload,
		RemoteData:      rec.Payload,
		RemoteDeleted:   rec.Deleted,
		DeviceID:        o.config.DeviceID,
		LocalTimestamp:  localTS,
		RemoteTimestamp: remoteTS,
		OutboxItemID:    pending.ID,
	}
	id, created, err := o.Conflicts.Register(ctx, tx, sc)
	if err != nil {
		return nil, err
	}
	report.SkippedPendingEdit++
	if !created {
		return nil, nil
	}
	report.Conflicts++
	sc.ID = id
	return &sc, nil
}

// heartbeat reports queue health; failures are logged only
func (o *Orchestrator) heartbeat(ctx context.Context) {
	st, err := o.Outbox.Stats(ctx)
	if err != nil {
		o.logger.Warn("Failed to collect outbox stats", "error", err)
		return
	}
	conflicts, err := o.Conflicts.UnresolvedCount(ctx)
	if err != nil {
		o.logger.Warn("Failed to count conflicts", "error", err)
		return
	}
	lastSync, _, _ := o.watermark.times(ctx)
	req := &oversync.HeartbeatRequest{
		DeviceID:            o.config.DeviceID,
		PendingItems:        st.Pending,
		FailedItems:         st.Failed,
		DLQItems:            st.DeadLettered,
		UnresolvedConflicts: conflicts,
		PendingByEntity:     st.PendingByEntity,
		FailedByEntity:      st.FailedByEntity,
		LastSync:            lastSync,
	}
	err = o.Retry.Execute(ctx, "heartbeat", func(ctx context.Context) error {
		_, err := o.remote.Heartbeat(ctx, req)
		return err
	})
	if err != nil {
		if IsAuth(err) {
			o.session.Suspend(err)
		}
		o.logger.Warn("Heartbeat failed", "error", err)
		return
	}
	if err := o.watermark.touch(ctx, "last_heartbeat_at", time.Now()); err != nil {
		o.logger.Warn("Failed to record heartbeat time", "error", err)
	}
}

// Status returns the terminal's local view of its sync health
func (o *Orchestrator) Status(ctx context.Context) (*DeviceSyncStatus, error) {
	st, err := o.Outbox.Stats(ctx)
	if err != nil {
		return nil, err
	}
	conflicts, err := o.Conflicts.UnresolvedCount(ctx)
	if err != nil {
		return nil, err
	}
	wm, err := o.watermark.Load(ctx)
	if err != nil {
		return nil, err
	}
	lastSync, lastBeat, err := o.watermark.times(ctx)
	if err != nil {
		return nil, err
	}
	return &DeviceSyncStatus{
		DeviceID:             o.config.DeviceID,
		BranchID:             o.config.BranchID,
		PendingItems:         st.Pending,
		FailedItems:          st.Failed,
		DeadLetteredItems:    st.DeadLettered,
		HeldItems:            st.Held,
		UnresolvedConflicts:  conflicts,
		PendingByEntity:      st.PendingByEntity,
		FailedByEntity:       st.FailedByEntity,
		Watermark:            wm.AsOf,
		LastHeartbeatAt:      lastBeat,
		LastSuccessfulSyncAt: lastSync,
		IsOnline:             o.session.Online(),
		Suspended:            o.session.Suspended(),
	}, nil
}

// Start runs the sync loop and, when ProbeInterval is set, the connectivity probe
func (o *Orchestrator) Start(ctx context.Context) error {
	o.loopMu.Lock()
	defer o.loopMu.Unlock()
	if o.cancel != nil {
		return errors.New("orchestrator already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.wg.Add(1)
	go o.loop(loopCtx)
	if o.config.ProbeInterval > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.prober.run(loopCtx)
		}()
	}
	o.logger.Info("Sync orchestrator started", "interval", o.config.SyncInterval)
	return nil
}

// Stop ends the loops and waits for them. A cycle in flight finishes its current
// network call before returning.
func (o *Orchestrator) Stop() {
	o.loopMu.Lock()
	cancel := o.cancel
	o.cancel = nil
	o.loopMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	o.wg.Wait()
	o.logger.Info("Sync orchestrator stopped")
}

// Trigger requests a cycle ahead of the timer
func (o *Orchestrator) Trigger() {
	select {
	case o.trigger <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer o.wg.Done()
	ticker := time.NewTicker(o.config.SyncInterval)
	defer ticker.Stop()

	o.runScheduled(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-o.trigger:
		}
		o.runScheduled(ctx)
	}
}

func (o *Orchestrator) runScheduled(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if !o.session.Online() {
		o.logger.Debug("Skipping sync cycle while offline")
		return
	}
	// without a probe nothing else lifts a suspension
	if o.session.Suspended() && o.config.ProbeInterval <= 0 {
		if err := o.session.Reauthenticate(ctx); err != nil {
			o.logger.Warn("Reauthentication failed", "error", err)
			return
		}
	}
	_, err := o.RunCycle(ctx)
	switch {
	case err == nil, errors.Is(err, ErrCycleInProgress), errors.Is(err, ErrSessionSuspended), errors.Is(err, context.Canceled):
	default:
		o.logger.Debug("Scheduled cycle ended with error", "error", err)
	}
}
