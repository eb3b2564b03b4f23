package oversqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Isna13/BarManagerPro-sub001/oversync"
)

var baseTime = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return baseTime.Add(time.Duration(sec) * time.Second) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenDatabase(filepath.Join(t.TempDir(), "terminal.db"))
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS local_rows (
		entity TEXT NOT NULL,
		id     TEXT NOT NULL,
		data   TEXT NOT NULL,
		PRIMARY KEY (entity, id)
	)`)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// jsonAdapter stores any entity as a JSON blob in local_rows
type jsonAdapter struct {
	entity string
	tier   int
}

func adapter(entity string) jsonAdapter {
	tier, ok := DefaultTiers[entity]
	if !ok {
		tier = UnknownTier
	}
	return jsonAdapter{entity: entity, tier: tier}
}

func (a jsonAdapter) Entity() string    { return a.entity }
func (a jsonAdapter) PriorityTier() int { return a.tier }

func (a jsonAdapter) Decode(raw json.RawMessage) (MutationPayload, error) {
	p := RawPayload{Entity: a.entity, Data: raw}
	if p.EntityID() == "" {
		return nil, errors.New("id is required")
	}
	return p, nil
}

func (a jsonAdapter) ApplyLocal(ctx context.Context, tx *sql.Tx, rec *oversync.PulledRecord) error {
	if rec.Deleted {
		_, err := tx.ExecContext(ctx, `DELETE FROM local_rows WHERE entity = ? AND id = ?`, a.entity, rec.EntityID)
		return err
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO local_rows (entity, id, data) VALUES (?, ?, ?)
		ON CONFLICT(entity, id) DO UPDATE SET data = excluded.data`, a.entity, rec.EntityID, string(rec.Payload))
	return err
}

func testRegistry() *Registry {
	return NewRegistry(adapter("category"), adapter("product"), adapter("customer"),
		adapter("sale"), adapter("debt"), adapter("sale_item"), adapter("payment"))
}

func payload(t *testing.T, fields map[string]any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(fields)
	require.NoError(t, err)
	return b
}

// writeLocal performs a local write and enqueues it in the same transaction
func writeLocal(t *testing.T, db *sql.DB, ob *Outbox, entity, op, id string, data json.RawMessage) string {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	if op == OpDelete {
		_, err = tx.ExecContext(ctx, `DELETE FROM local_rows WHERE entity = ? AND id = ?`, entity, id)
	} else {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO local_rows (entity, id, data) VALUES (?, ?, ?)
			ON CONFLICT(entity, id) DO UPDATE SET data = excluded.data`, entity, id, string(data))
	}
	require.NoError(t, err)
	itemID, err := ob.Enqueue(ctx, tx, entity, op, id, data)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return itemID
}

func localRow(t *testing.T, db *sql.DB, entity, id string) map[string]any {
	t.Helper()
	var data string
	err := db.QueryRow(`SELECT data FROM local_rows WHERE entity = ? AND id = ?`, entity, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(data), &out))
	return out
}

type gatewayRow struct {
	payload json.RawMessage
	deleted bool
	ts      time.Time
}

// fakeGateway is an in-memory Remote that applies pushes like the real gateway:
// idempotent by mutation id, upsert updates, parent references checked.
type fakeGateway struct {
	mu         sync.Mutex
	rows       map[string]gatewayRow
	refs       map[string]map[string]string // entity -> payload field -> parent entity
	byMutation map[string]oversync.PushResult
	applied    []string
	pushCalls  int
	pushErrs   []error
	pullPages  []*oversync.PullResponse
	pullSince  []time.Time
	acked      []string
	heartbeats []*oversync.HeartbeatRequest
	beatErr    error
	probeErr   error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		rows:       map[string]gatewayRow{},
		byMutation: map[string]oversync.PushResult{},
		refs: map[string]map[string]string{
			"product":   {"categoryId": "category"},
			"debt":      {"saleId": "sale", "customerId": "customer"},
			"sale_item": {"saleId": "sale", "productId": "product"},
			"payment":   {"debtId": "debt"},
		},
	}
}

func (g *fakeGateway) Push(_ context.Context, req *oversync.PushRequest) (*oversync.PushResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushCalls++
	if len(g.pushErrs) > 0 {
		err := g.pushErrs[0]
		g.pushErrs = g.pushErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	resp := &oversync.PushResponse{}
	for _, it := range req.Items {
		if prev, ok := g.byMutation[it.MutationID]; ok {
			prev.Duplicate = true
			resp.Results = append(resp.Results, prev)
			continue
		}
		res := g.apply(it)
		if res.Status != oversync.StInvalid || res.Reason != oversync.ReasonFKMissing {
			g.byMutation[it.MutationID] = res
		}
		resp.Results = append(resp.Results, res)
	}
	return resp, nil
}

func (g *fakeGateway) apply(it oversync.PushItem) oversync.PushResult {
	res := oversync.PushResult{MutationID: it.MutationID, Entity: it.Entity, EntityID: it.EntityID}
	key := rowKey(it.Entity, it.EntityID)
	existing, exists := g.rows[key]
	ts := *it.ClientUpdatedAt

	if exists && it.Operation != oversync.OpCreate && existing.ts.After(ts) {
		res.Status = oversync.StConflict
		res.ServerRow = existing.payload
		res.ServerDeleted = existing.deleted
		res.ServerUpdatedAt = &existing.ts
		return res
	}
	if it.Operation != oversync.OpDelete {
		fields := map[string]any{}
		_ = json.Unmarshal(it.Payload, &fields)
		for field, parent := range g.refs[it.Entity] {
			ref, _ := fields[field].(string)
			if ref == "" {
				continue
			}
			if p, ok := g.rows[rowKey(parent, ref)]; !ok || p.deleted {
				res.Status = oversync.StInvalid
				res.Reason = oversync.ReasonFKMissing
				res.Retryable = true
				res.Message = fmt.Sprintf("%s %s not found", parent, ref)
				return res
			}
		}
	}
	switch it.Operation {
	case oversync.OpCreate:
		if !exists {
			g.rows[key] = gatewayRow{payload: it.Payload, ts: ts}
		}
	case oversync.OpUpdate:
		g.rows[key] = gatewayRow{payload: it.Payload, ts: ts}
	case oversync.OpDelete:
		if exists {
			existing.deleted = true
			existing.ts = ts
			g.rows[key] = existing
		}
	}
	g.applied = append(g.applied, key)
	res.Status = oversync.StApplied
	return res
}

func (g *fakeGateway) Pull(_ context.Context, since time.Time, _ int) (*oversync.PullResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pullSince = append(g.pullSince, since)
	if len(g.pullPages) == 0 {
		return &oversync.PullResponse{AsOf: since, Changes: map[string][]oversync.PulledRecord{}}, nil
	}
	page := g.pullPages[0]
	g.pullPages = g.pullPages[1:]
	return page, nil
}

func (g *fakeGateway) Ack(_ context.Context, req *oversync.AckRequest) (*oversync.AckResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.acked = append(g.acked, req.EntityIDs...)
	return &oversync.AckResponse{Acknowledged: int64(len(req.EntityIDs))}, nil
}

func (g *fakeGateway) Heartbeat(_ context.Context, req *oversync.HeartbeatRequest) (*oversync.HeartbeatResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heartbeats = append(g.heartbeats, req)
	if g.beatErr != nil {
		return nil, g.beatErr
	}
	return &oversync.HeartbeatResponse{OK: true, ServerTime: time.Now()}, nil
}

func (g *fakeGateway) Probe(context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.probeErr
}

func (g *fakeGateway) serverRow(t *testing.T, entity, id string) map[string]any {
	t.Helper()
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rows[rowKey(entity, id)]
	if !ok {
		return nil
	}
	out := map[string]any{}
	require.NoError(t, json.Unmarshal(r.payload, &out))
	return out
}

func testConfig() *Config {
	cfg := DefaultConfig("till-1", "branch-1")
	cfg.ProbeInterval = 0
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	return cfg
}

func newTestOrchestrator(t *testing.T, gw Remote) (*Orchestrator, *sql.DB) {
	t.Helper()
	db := newTestDB(t)
	session := NewSyncSession(StaticToken("token"), quietLogger())
	o, err := NewOrchestrator(db, gw, testRegistry(), session, testConfig(), quietLogger())
	require.NoError(t, err)
	return o, db
}

func itemStatus(t *testing.T, ob *Outbox, id string) *MutationQueueItem {
	t.Helper()
	it, err := ob.Get(context.Background(), id)
	require.NoError(t, err)
	return it
}
