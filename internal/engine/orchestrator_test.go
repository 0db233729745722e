package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"ims-core/internal/breaker"
	"ims-core/internal/cache"
	"ims-core/internal/clock"
	"ims-core/internal/config"
	"ims-core/internal/inventory"
	"ims-core/internal/limits"
	"ims-core/internal/pipeline"
	"ims-core/internal/position"
	"ims-core/internal/refdata"
	"ims-core/internal/rules"
	"ims-core/internal/store"
	"ims-core/pkg/types"
)

const bizDate = types.Date("2026-08-24")

func qty(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

type fixture struct {
	orch      *Orchestrator
	broker    *pipeline.Broker
	grid      *cache.Grid
	catalog   *refdata.Catalog
	rules     *rules.Registry
	positions *position.Engine
	inv       *inventory.Engine
	lim       *limits.Engine
	store     *store.Store
	cfg       *config.Config
	clk       *clock.Fake
}

// newFixture wires the full stack behind an in-proc broker with fast retry
// timings and a temp-file store.
func newFixture(t *testing.T, backfillURL string) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	clk := clock.NewFake(time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC))

	cfg := config.Default()
	cfg.Cache.BackupCount = 0
	cfg.Pipeline.PartitionsPerTopic = 4
	cfg.Pipeline.Concurrency = 4
	cfg.Pipeline.PartitionBuffer = 256
	cfg.Pipeline.RetryBackoffBase = 5 * time.Millisecond
	cfg.Pipeline.RetryBackoffCap = 20 * time.Millisecond
	cfg.Pipeline.RetryMaxAttempts = 8
	cfg.Engines.LeaseTimeout = 2 * time.Second
	cfg.Store.Path = filepath.Join(t.TempDir(), "ims.db")
	cfg.Store.FlushInterval = 10 * time.Millisecond

	grid := cache.NewGrid(cfg.Cache, clk, logger)
	t.Cleanup(grid.Close)

	catalog := refdata.NewCatalog(logger)
	catalog.Apply(types.ReferenceDataUpdate{
		Securities: []types.Security{{InternalID: "SEC-1", Market: "US", Active: true}},
	})

	reg := rules.NewRegistry(logger)
	for _, ct := range types.CalcTypes {
		err := reg.Upsert(types.CalculationRule{
			RuleID: "R-" + string(ct), Version: 1, RuleType: ct,
			Priority: 1, EffectiveFrom: "2026-01-01", Status: types.RuleActive,
		})
		require.NoError(t, err)
	}

	pos := position.NewEngine(grid, cfg.Engines, clk, logger)
	inv, err := inventory.NewEngine(grid, catalog, reg, pos, cfg.Engines, clk, 4, logger)
	require.NoError(t, err)
	t.Cleanup(inv.Close)
	lim := limits.NewEngine(grid, pos, cfg.Engines, clk, logger)

	st, err := store.Open(cfg.Store, grid, logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	var bf *refdata.Backfiller
	if backfillURL != "" {
		bf = refdata.NewBackfiller(catalog, backfillURL, breaker.NewRegistry(config.ResilienceConfig{}, logger), logger)
	}

	brk := pipeline.NewBroker(cfg.Pipeline, logger)
	t.Cleanup(brk.Close)

	orch := New(Deps{
		Broker:     brk,
		Grid:       grid,
		Catalog:    catalog,
		Rules:      reg,
		Positions:  pos,
		Inventory:  inv,
		Limits:     lim,
		Store:      st,
		Backfiller: bf,
	}, cfg, clk, logger)

	return &fixture{
		orch: orch, broker: brk, grid: grid, catalog: catalog, rules: reg,
		positions: pos, inv: inv, lim: lim, store: st, cfg: cfg, clk: clk,
	}
}

// collect subscribes to an outbound topic and funnels deliveries to a channel.
// Must run before the events are published or they are dropped.
func (f *fixture) collect(ctx context.Context, topic string) <-chan pipeline.Envelope {
	out := make(chan pipeline.Envelope, 64)
	c := f.broker.NewConsumer(f.broker.Subscribe(topic, "test-collector"), func(ev pipeline.Envelope) pipeline.Result {
		out <- ev
		return pipeline.Ok()
	})
	go c.Run(ctx)
	return out
}

// start runs the orchestrator and waits for its consumers to subscribe.
func (f *fixture) start(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go f.orch.Run(ctx)
	time.Sleep(50 * time.Millisecond)
	return ctx
}

func (f *fixture) publishTrade(t *testing.T, ctx context.Context, eventID, securityID, side, q string) {
	t.Helper()
	ev, err := pipeline.NewEnvelope("trade.executed", "OMS", "BOOK-1|"+securityID, bizDate, types.TradeData{
		TradeID: eventID, BookID: "BOOK-1", SecurityID: securityID,
		Side: types.Side(side), Quantity: qty(q), SettlementDate: bizDate.AddDays(2),
	})
	require.NoError(t, err)
	ev.EventID = eventID // deterministic for redelivery tests
	require.NoError(t, f.broker.Publish(ctx, pipeline.TopicTradeData, ev))
}

func waitFor(t *testing.T, ch <-chan pipeline.Envelope, what string) pipeline.Envelope {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return pipeline.Envelope{}
	}
}

func TestTradeFlowsThroughToDerivedEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := f.start(t)
	posEvents := f.collect(ctx, pipeline.TopicPositionEvents)
	invEvents := f.collect(ctx, pipeline.TopicInventoryEvents)

	f.publishTrade(t, ctx, "T1", "SEC-1", "BUY", "500")

	ev := waitFor(t, posEvents, "position event")
	var pe types.PositionEvent
	require.NoError(t, ev.Decode(&pe))
	if !pe.Position.ContractualQty.Equal(qty("500")) {
		t.Errorf("contractual = %s, want 500", pe.Position.ContractualQty)
	}
	if !pe.Position.ProjectedNet.Equal(qty("1000")) {
		t.Errorf("projected = %s, want 1000 (contractual + receipt)", pe.Position.ProjectedNet)
	}

	// Every calc type recalculates off the new position.
	seen := map[types.CalcType]bool{}
	for len(seen) < len(types.CalcTypes) {
		ev := waitFor(t, invEvents, "inventory events")
		var ie types.InventoryEvent
		require.NoError(t, ev.Decode(&ie))
		seen[ie.Inventory.CalcType] = true
	}

	pos, err := f.positions.Get("BOOK-1", "SEC-1", bizDate)
	require.NoError(t, err)
	if !pos.ContractualQty.Equal(qty("500")) {
		t.Errorf("engine contractual = %s", pos.ContractualQty)
	}
}

func TestRedeliveryIsSuppressed(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := f.start(t)
	posEvents := f.collect(ctx, pipeline.TopicPositionEvents)

	f.publishTrade(t, ctx, "T1", "SEC-1", "BUY", "500")
	waitFor(t, posEvents, "first position event")

	// Same event ID again: the dedupe cache drops it before the handler.
	f.publishTrade(t, ctx, "T1", "SEC-1", "BUY", "500")
	time.Sleep(200 * time.Millisecond)

	pos, err := f.positions.Get("BOOK-1", "SEC-1", bizDate)
	require.NoError(t, err)
	if !pos.ContractualQty.Equal(qty("500")) {
		t.Errorf("contractual after redelivery = %s, want 500 (not doubled)", pos.ContractualQty)
	}
}

func TestUnknownSecurityBackfillsThenApplies(t *testing.T) {
	t.Parallel()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/securities/SEC-NEW" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(types.Security{InternalID: "SEC-NEW", Market: "US", Active: true})
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL)
	ctx := f.start(t)

	f.publishTrade(t, ctx, "T2", "SEC-NEW", "BUY", "100")

	// The trade retries until the backfill lands, then applies.
	deadline := time.Now().Add(5 * time.Second)
	for {
		pos, err := f.positions.Get("BOOK-1", "SEC-NEW", bizDate)
		if err == nil {
			if !pos.ContractualQty.Equal(qty("100")) {
				t.Errorf("contractual = %s, want 100", pos.ContractualQty)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("trade never applied after backfill")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if _, err := f.catalog.Security("SEC-NEW"); err != nil {
		t.Errorf("security not in catalog after backfill: %v", err)
	}
}

func TestMalformedEventDeadLettersWithError(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := f.start(t)
	errEvents := f.collect(ctx, pipeline.TopicErrorEvents)
	dlq := f.collect(ctx, pipeline.TopicTradeData+pipeline.DLQSuffix)

	ev, err := pipeline.NewEnvelope("trade.executed", "OMS", "BOOK-1|SEC-1", bizDate,
		map[string]any{"side": "SIDEWAYS", "quantity": "x"})
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(ctx, pipeline.TopicTradeData, ev))

	waitFor(t, dlq, "dead-lettered trade")
	ce := waitFor(t, errEvents, "calculation error event")
	var payload types.CalculationErrorEvent
	require.NoError(t, ce.Decode(&payload))
	if payload.Key != "BOOK-1|SEC-1" {
		t.Errorf("error key = %q", payload.Key)
	}
}

func TestRuleUpsertsPersistAndReplay(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	ctx := f.start(t)

	ev, err := pipeline.NewEnvelope("reference.updated", "REFDATA", "rules", bizDate, types.ReferenceDataUpdate{
		Rules: []types.CalculationRule{{
			RuleID: "R-TW", Version: 1, RuleType: types.ForLoan, Market: "TW",
			Priority: 10, EffectiveFrom: "2026-01-01", Status: types.RuleActive,
		}},
	})
	require.NoError(t, err)
	require.NoError(t, f.broker.Publish(ctx, pipeline.TopicReferenceData, ev))

	deadline := time.Now().Add(3 * time.Second)
	for {
		if rs, _ := f.store.Rules(context.Background()); len(rs) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("rule never recorded in store")
		}
		time.Sleep(20 * time.Millisecond)
	}

	// A fresh registry replays the rule log.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	fresh := rules.NewRegistry(logger)
	o2 := New(Deps{Grid: f.grid, Rules: fresh, Store: f.store}, f.cfg, f.clk, logger)
	require.NoError(t, o2.Replay(context.Background()))
	if _, err := fresh.Select(types.ForLoan, "TW", bizDate); err != nil {
		t.Errorf("replayed registry missing rule: %v", err)
	}
}

func TestSweepRetention(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "")
	old := string(types.NewDate(f.clk.Now()).AddDays(-30))
	today := string(bizDate)

	f.grid.Map(cache.MapPosition).Put("B1:S1:"+old, []byte("{}"))
	f.grid.Map(cache.MapPosition).Put("B1:S1:"+today, []byte("{}"))
	f.grid.Map(cache.MapInventory).Put("S1:::"+old+":FOR_LOAN", []byte("{}"))
	f.grid.Map(cache.MapLimit).Put("CLIENT:CP-1:S1:"+old, []byte("{}"))
	f.grid.Map(cache.MapLimit).Put("CLIENT:CP-1:S1:"+today, []byte("{}"))

	f.orch.SweepRetention()

	if _, _, ok := f.grid.Map(cache.MapPosition).Get("B1:S1:" + old); ok {
		t.Error("stale position survived the sweep")
	}
	if _, _, ok := f.grid.Map(cache.MapPosition).Get("B1:S1:" + today); !ok {
		t.Error("current position swept")
	}
	if _, _, ok := f.grid.Map(cache.MapInventory).Get("S1:::" + old + ":FOR_LOAN"); ok {
		t.Error("stale inventory survived the sweep")
	}
	if _, _, ok := f.grid.Map(cache.MapLimit).Get("CLIENT:CP-1:S1:" + today); !ok {
		t.Error("current limit swept")
	}
}
