// Package engine wires the pipeline to the calculation engines: it consumes
// the inbound topics, dispatches to the position, inventory, and limit
// engines, republishes the derived events keyed by the triggering record,
// and sweeps retention.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

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
	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

const retentionSweepInterval = time.Hour

// Orchestrator runs the event-driven side of the calculation core.
type Orchestrator struct {
	broker     *pipeline.Broker
	grid       *cache.Grid
	catalog    *refdata.Catalog
	rules      *rules.Registry
	positions  *position.Engine
	inventory  *inventory.Engine
	limits     *limits.Engine
	store      *store.Store
	backfiller *refdata.Backfiller
	cfg        *config.Config
	clk        clock.Clock
	logger     *slog.Logger
}

// Deps collects everything the orchestrator coordinates.
type Deps struct {
	Broker     *pipeline.Broker
	Grid       *cache.Grid
	Catalog    *refdata.Catalog
	Rules      *rules.Registry
	Positions  *position.Engine
	Inventory  *inventory.Engine
	Limits     *limits.Engine
	Store      *store.Store
	Backfiller *refdata.Backfiller
}

// New builds the orchestrator and hooks rule persistence: every accepted
// rule version is appended to the store and mirrored into the rule cache
// map for peers.
func New(deps Deps, cfg *config.Config, clk clock.Clock, logger *slog.Logger) *Orchestrator {
	o := &Orchestrator{
		broker:     deps.Broker,
		grid:       deps.Grid,
		catalog:    deps.Catalog,
		rules:      deps.Rules,
		positions:  deps.Positions,
		inventory:  deps.Inventory,
		limits:     deps.Limits,
		store:      deps.Store,
		backfiller: deps.Backfiller,
		cfg:        cfg,
		clk:        clk,
		logger:     logger.With("component", "engine"),
	}
	if o.rules != nil {
		o.rules.OnChange = o.onRuleChange
	}
	if o.limits != nil && o.inventory != nil {
		o.limits.SetShortSellSource(func(securityID string, date types.Date) (decimal.Decimal, bool) {
			rec, err := o.inventory.Availability(inventory.Scope{SecurityID: securityID}, date, types.ShortSale)
			if err != nil {
				return decimal.Zero, false
			}
			return rec.Remaining(), true
		})
	}
	return o
}

func (o *Orchestrator) onRuleChange(r types.CalculationRule) {
	if o.store != nil {
		if err := o.store.RecordRule(context.Background(), r); err != nil {
			o.logger.Error("persist rule failed", "rule_id", r.RuleID, "error", err)
		}
	}
	ruleCache := cache.NewTyped[types.CalculationRule](o.grid.Map(cache.MapRule))
	if _, err := ruleCache.Put(r.RuleID, r); err != nil {
		o.logger.Warn("rule cache put failed", "rule_id", r.RuleID, "error", err)
	}
}

// Replay restores durable state: the record maps, then the rule log into
// the registry. Call once before Run on a cold start.
func (o *Orchestrator) Replay(ctx context.Context) error {
	if o.store == nil {
		return nil
	}
	if _, err := o.store.Replay(ctx); err != nil {
		return err
	}
	persisted, err := o.store.Rules(ctx)
	if err != nil {
		return err
	}
	for _, r := range persisted {
		if err := o.rules.Upsert(r); err != nil && !errs.Is(err, errs.Conflict) {
			o.logger.Warn("rule replay rejected", "rule_id", r.RuleID, "error", err)
		}
	}
	return nil
}

// Run starts the consumers, the store flusher, and the retention sweeper,
// and blocks until the context is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	group := o.cfg.Pipeline.GroupID

	consume := func(topic string, h pipeline.Handler) {
		c := o.broker.NewConsumer(o.broker.Subscribe(topic, group), h)
		c.OnDead = o.emitError
		g.Go(func() error {
			c.Run(ctx)
			return nil
		})
	}

	consume(pipeline.TopicReferenceData, o.handleReferenceData)
	consume(pipeline.TopicMarketData, o.handleMarketData)
	consume(pipeline.TopicTradeData, o.handleTrade)
	consume(pipeline.TopicContractData, o.handleContract)
	consume(pipeline.TopicPositionSnapshot, o.handleSnapshot)
	consume(pipeline.TopicReferenceMissing, o.handleReferenceMissing)

	if o.store != nil {
		g.Go(func() error {
			o.store.Run(ctx)
			return nil
		})
	}
	g.Go(func() error {
		o.sweepLoop(ctx)
		return nil
	})

	o.logger.Info("engine running", "group", group)
	return g.Wait()
}

// ————————————————————————————————————————————————————————————————————————
// Inbound handlers
// ————————————————————————————————————————————————————————————————————————

func (o *Orchestrator) handleTrade(ev pipeline.Envelope) pipeline.Result {
	var t types.TradeData
	if err := ev.Decode(&t); err != nil {
		return pipeline.Dead(err.Error(), err)
	}

	if _, err := o.catalog.Security(t.SecurityID); err != nil {
		o.requestBackfill("security", t.SecurityID, ev.CorrelationID)
		return pipeline.Retry(0, errs.Wrap(errs.Timeout, err, "awaiting reference backfill"))
	}

	pos, changed, err := o.positions.ApplyTrade(context.Background(), t, ev.BusinessDate)
	if err != nil {
		return pipeline.ResultFromError(err)
	}
	if changed {
		o.publishPosition(pos, ev.CorrelationID)
		o.recalcDownstream(t.SecurityID, ev.BusinessDate, ev.CorrelationID)
	}
	return pipeline.Ok()
}

func (o *Orchestrator) handleSnapshot(ev pipeline.Envelope) pipeline.Result {
	var s types.PositionSnapshotData
	if err := ev.Decode(&s); err != nil {
		return pipeline.Dead(err.Error(), err)
	}
	if _, err := o.catalog.Security(s.SecurityID); err != nil {
		o.requestBackfill("security", s.SecurityID, ev.CorrelationID)
		return pipeline.Retry(0, errs.Wrap(errs.Timeout, err, "awaiting reference backfill"))
	}

	pos, changed, err := o.positions.ApplySnapshot(context.Background(), s, ev.BusinessDate)
	if err != nil {
		return pipeline.ResultFromError(err)
	}
	if changed {
		o.publishPosition(pos, ev.CorrelationID)
		o.recalcDownstream(s.SecurityID, ev.BusinessDate, ev.CorrelationID)
	}
	return pipeline.Ok()
}

func (o *Orchestrator) handleContract(ev pipeline.Envelope) pipeline.Result {
	var c types.ContractData
	if err := ev.Decode(&c); err != nil {
		return pipeline.Dead(err.Error(), err)
	}
	if err := o.inventory.UpsertContract(c.Contract); err != nil {
		return pipeline.ResultFromError(err)
	}
	o.recalcDownstream(c.Contract.SecurityID, ev.BusinessDate, ev.CorrelationID)
	return pipeline.Ok()
}

func (o *Orchestrator) handleMarketData(ev pipeline.Envelope) pipeline.Result {
	var md types.MarketDataSnapshot
	if err := ev.Decode(&md); err != nil {
		return pipeline.Dead(err.Error(), err)
	}
	if err := o.inventory.ApplyMarketData(md); err != nil {
		return pipeline.ResultFromError(err)
	}
	o.recalcDownstream(md.SecurityID, ev.BusinessDate, ev.CorrelationID)
	return pipeline.Ok()
}

func (o *Orchestrator) handleReferenceData(ev pipeline.Envelope) pipeline.Result {
	var u types.ReferenceDataUpdate
	if err := ev.Decode(&u); err != nil {
		return pipeline.Dead(err.Error(), err)
	}
	o.catalog.Apply(u)
	for _, r := range u.Rules {
		if err := o.rules.Upsert(r); err != nil {
			if errs.Is(err, errs.Conflict) {
				// Stale version on a redelivery: the newer one already won.
				continue
			}
			return pipeline.ResultFromError(err)
		}
	}
	return pipeline.Ok()
}

func (o *Orchestrator) handleReferenceMissing(ev pipeline.Envelope) pipeline.Result {
	if o.backfiller == nil {
		return pipeline.Ok()
	}
	var req types.ReferenceMissingEvent
	if err := ev.Decode(&req); err != nil {
		return pipeline.Dead(err.Error(), err)
	}
	return pipeline.ResultFromError(o.backfiller.Backfill(context.Background(), req))
}

// ————————————————————————————————————————————————————————————————————————
// Derived events
// ————————————————————————————————————————————————————————————————————————

// recalcDownstream refreshes availability and limits for the security after
// any position, contract, or market change, publishing the results.
// Failures surface as calculation-error events rather than failing the
// triggering event: the position mutation already committed.
func (o *Orchestrator) recalcDownstream(securityID string, date types.Date, correlationID string) {
	ctx := context.Background()
	recs, err := o.inventory.Recalculate(ctx, inventory.Scope{SecurityID: securityID}, date, types.SourceInternal)
	if err != nil {
		o.logger.Error("inventory recalc failed", "security", securityID, "error", err)
		o.publishError(securityID, "inventory.recalculate", err, correlationID)
	}
	for _, rec := range recs {
		o.publish(pipeline.TopicInventoryEvents, "inventory.updated", rec.Key(), date,
			types.InventoryEvent{Inventory: rec, CorrelationID: correlationID})
	}

	limitRecs, err := o.limits.RecalculateLimits(ctx, securityID, date)
	if err != nil {
		o.logger.Error("limit recalc failed", "security", securityID, "error", err)
		o.publishError(securityID, "limits.recalculate", err, correlationID)
	}
	for _, l := range limitRecs {
		o.publish(pipeline.TopicLimitEvents, "limit.updated", l.Key(), date,
			types.LimitEvent{Limit: l, CorrelationID: correlationID})
	}
}

func (o *Orchestrator) publishPosition(pos types.Position, correlationID string) {
	o.publish(pipeline.TopicPositionEvents, "position.updated", pos.Key(), pos.BusinessDate,
		types.PositionEvent{Position: pos, CorrelationID: correlationID})
}

func (o *Orchestrator) publish(topic, eventType, key string, date types.Date, payload any) {
	ev, err := pipeline.NewEnvelope(eventType, string(types.SourceInternal), key, date, payload)
	if err != nil {
		o.logger.Error("build envelope failed", "type", eventType, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.broker.Publish(ctx, topic, ev); err != nil {
		o.logger.Error("publish failed", "topic", topic, "key", key, "error", err)
	}
}

func (o *Orchestrator) requestBackfill(kind, id, correlationID string) {
	o.publish(pipeline.TopicReferenceMissing, "reference.missing", kind+":"+id, types.NewDate(o.clk.Now()),
		types.ReferenceMissingEvent{EntityKind: kind, EntityID: id, CorrelationID: correlationID})
}

func (o *Orchestrator) publishError(key, op string, cause error, correlationID string) {
	o.publish(pipeline.TopicErrorEvents, "calculation.error", key, types.NewDate(o.clk.Now()),
		types.CalculationErrorEvent{
			EventType:     op,
			Key:           key,
			Kind:          string(errs.KindOf(cause)),
			Reason:        cause.Error(),
			CorrelationID: correlationID,
			OccurredAt:    o.clk.Now(),
		})
}

// emitError mirrors a dead-lettered event onto the error topic so consumers
// see the failure without draining the DLQ.
func (o *Orchestrator) emitError(ev pipeline.Envelope, reason string) {
	o.publish(pipeline.TopicErrorEvents, "calculation.error", ev.Key, ev.BusinessDate,
		types.CalculationErrorEvent{
			EventID:       ev.EventID,
			EventType:     ev.EventType,
			Key:           ev.Key,
			Kind:          string(errs.Internal),
			Reason:        reason,
			CorrelationID: ev.CorrelationID,
			OccurredAt:    o.clk.Now(),
		})
}

// ————————————————————————————————————————————————————————————————————————
// Retention
// ————————————————————————————————————————————————————————————————————————

func (o *Orchestrator) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(retentionSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.SweepRetention()
		}
	}
}

// SweepRetention deletes records whose business date fell out of the
// retention window. Key layouts put the date at a fixed position per map.
func (o *Orchestrator) SweepRetention() {
	cutoff := types.NewDate(o.clk.Now()).AddDays(-o.cfg.Engines.RetentionDays)
	swept := 0
	for mapName, dateIdx := range map[string]int{
		cache.MapPosition:  2, // book:security:date
		cache.MapInventory: 3, // security:cp:au:date:calc
		cache.MapLimit:     3, // kind:owner:security:date
	} {
		m := o.grid.Map(mapName)
		for _, key := range m.Keys() {
			parts := strings.Split(key, ":")
			if len(parts) <= dateIdx {
				continue
			}
			if types.Date(parts[dateIdx]).Before(cutoff) {
				if err := m.Delete(key); err != nil {
					o.logger.Warn("retention delete failed", "key", key, "error", err)
					continue
				}
				swept++
			}
		}
	}
	if swept > 0 {
		o.logger.Info("retention sweep", "deleted", swept, "cutoff", cutoff)
	}
}
