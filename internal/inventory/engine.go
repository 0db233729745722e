// Package inventory implements the availability engine: the five calc-type
// records per security scope, recalculated from positions, contracts, and
// market data through the governing calculation rule, with market overlays
// applied on top.
//
// Reservation, release, and locate decrements mutate the records under a
// cache lease with compare-and-swap, so remaining availability can never go
// negative however the callers race.
package inventory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/shopspring/decimal"

	"ims-core/internal/cache"
	"ims-core/internal/clock"
	"ims-core/internal/config"
	"ims-core/internal/metrics"
	"ims-core/internal/position"
	"ims-core/internal/refdata"
	"ims-core/internal/rules"
	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

// Scope identifies one availability record family: a security plus optional
// counterparty or aggregation-unit qualification.
type Scope struct {
	SecurityID        string
	CounterpartyID    string
	AggregationUnitID string
}

// Engine recalculates and serves availability.
type Engine struct {
	inv       *cache.Typed[types.Inventory]
	catalog   *refdata.Catalog
	rules     *rules.Registry
	positions *position.Engine
	cfg       config.EnginesConfig
	clk       clock.Clock
	logger    *slog.Logger
	pool      *ants.Pool

	mu        sync.RWMutex
	contracts map[string]map[string]types.Contract // securityID → contractID → contract
	market    map[string]types.MarketDataSnapshot  // securityID → latest snapshot
}

// NewEngine builds the engine. poolSize bounds concurrent recalculations in
// RecalculateMany.
func NewEngine(
	grid *cache.Grid,
	catalog *refdata.Catalog,
	ruleReg *rules.Registry,
	positions *position.Engine,
	cfg config.EnginesConfig,
	clk clock.Clock,
	poolSize int,
	logger *slog.Logger,
) (*Engine, error) {
	pool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "recalc pool")
	}
	return &Engine{
		inv:       cache.NewTyped[types.Inventory](grid.Map(cache.MapInventory)),
		catalog:   catalog,
		rules:     ruleReg,
		positions: positions,
		cfg:       cfg,
		clk:       clk,
		logger:    logger.With("component", "inventory"),
		pool:      pool,
		contracts: make(map[string]map[string]types.Contract),
		market:    make(map[string]types.MarketDataSnapshot),
	}, nil
}

// Close releases the worker pool.
func (e *Engine) Close() { e.pool.Release() }

// UpsertContract installs or replaces a contract. The caller recalculates
// the security afterwards.
func (e *Engine) UpsertContract(c types.Contract) error {
	if c.ContractID == "" || c.SecurityID == "" {
		return errs.New(errs.Validation, "contract missing id or security")
	}
	e.mu.Lock()
	byID := e.contracts[c.SecurityID]
	if byID == nil {
		byID = make(map[string]types.Contract)
		e.contracts[c.SecurityID] = byID
	}
	byID[c.ContractID] = c
	e.mu.Unlock()
	return nil
}

// ApplyMarketData stores the latest market snapshot for the security.
func (e *Engine) ApplyMarketData(md types.MarketDataSnapshot) error {
	if md.SecurityID == "" {
		return errs.New(errs.Validation, "market data missing security")
	}
	e.mu.Lock()
	e.market[md.SecurityID] = md
	e.mu.Unlock()
	return nil
}

// ContractsFor returns the live contracts for the security.
func (e *Engine) ContractsFor(securityID string) []types.Contract {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]types.Contract, 0, len(e.contracts[securityID]))
	for _, c := range e.contracts[securityID] {
		out = append(out, c)
	}
	return out
}

// Recalculate rebuilds all five calc-type records for the scope on the
// date. The calculation is deterministic: rule selection, input assembly,
// body execution, and overlay application all read from immutable snapshots
// taken up front. Returns the records written.
func (e *Engine) Recalculate(ctx context.Context, scope Scope, date types.Date, source types.Source) ([]types.Inventory, error) {
	sec, err := e.catalog.Security(scope.SecurityID)
	if err != nil {
		return nil, err
	}

	var au types.AggregationUnit
	tags := tagsForMarket(sec.Market)
	if scope.AggregationUnitID != "" {
		au, err = e.catalog.AggregationUnit(scope.AggregationUnitID)
		if err != nil {
			return nil, err
		}
		tags = au.RuleTags()
	}
	if scope.CounterpartyID != "" {
		if _, err := e.catalog.Counterparty(scope.CounterpartyID); err != nil {
			return nil, err
		}
	}

	positions := e.positions.ForSecurity(scope.SecurityID, date)
	contracts := e.ContractsFor(scope.SecurityID)
	e.mu.RLock()
	md := e.market[scope.SecurityID]
	e.mu.RUnlock()

	now := e.clk.Now().In(marketLocation(sec.Market))

	out := make([]types.Inventory, 0, len(types.CalcTypes))
	for _, ct := range types.CalcTypes {
		start := time.Now()
		rec, err := e.recalcOne(ctx, scope, sec, au, tags, ct, date, source, positions, contracts, md, now)
		metrics.RecalcDuration.WithLabelValues(string(ct)).Observe(time.Since(start).Seconds())
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (e *Engine) recalcOne(
	ctx context.Context,
	scope Scope,
	sec types.Security,
	au types.AggregationUnit,
	tags []types.RuleTag,
	ct types.CalcType,
	date types.Date,
	source types.Source,
	positions []types.Position,
	contracts []types.Contract,
	md types.MarketDataSnapshot,
	now time.Time,
) (types.Inventory, error) {
	key := types.InventoryKey(scope.SecurityID, scope.CounterpartyID, scope.AggregationUnitID, date, ct)

	leaseCtx, cancel := context.WithTimeout(ctx, e.cfg.LeaseTimeout)
	defer cancel()
	lease, err := e.inv.Raw().Lease(leaseCtx, key, e.cfg.LeaseTimeout+50*time.Millisecond)
	if err != nil {
		return types.Inventory{}, err
	}
	defer lease.Release()

	prev, ver, _, err := e.inv.Get(key)
	if err != nil {
		return types.Inventory{}, errs.Wrap(errs.Internal, err, "load inventory %s", key)
	}

	rule, err := e.rules.Select(ct, sec.Market, date)
	if err != nil {
		e.flagErrorLocked(key, prev, ver, scope, ct, date)
		return types.Inventory{}, err
	}

	in := rules.Input{
		Security:        sec,
		AggregationUnit: au,
		BusinessDate:    date,
		CalcType:        ct,
		Source:          source,
		Positions:       clonePositions(positions),
		Contracts:       append([]types.Contract(nil), contracts...),
		MarketData:      md,
		Reserved:        prev.Reserved,
		Decrement:       prev.Decrement,
	}
	for _, tag := range tags {
		if ov, ok := overlays[tag]; ok && ov.ApplyInput != nil {
			ov.ApplyInput(&in, now, e.cfg.JapanCutoff)
		}
	}

	res, err := e.rules.Execute(rule, in)
	if err != nil {
		e.flagErrorLocked(key, prev, ver, scope, ct, date)
		return types.Inventory{}, err
	}

	// Reserved quantities are already committed against availability, so the
	// freshly computed supply is re-deducted by the carried reservations.
	avail := res.Available.Sub(res.Reserved)
	if avail.IsNegative() {
		avail = decimal.Zero
	}

	rec := types.Inventory{
		SecurityID:        scope.SecurityID,
		CounterpartyID:    scope.CounterpartyID,
		AggregationUnitID: scope.AggregationUnitID,
		BusinessDate:      date,
		CalcType:          ct,
		Gross:             res.Gross,
		Net:               res.Net,
		Available:         types.Quantize(avail),
		Reserved:          res.Reserved,
		Decrement:         res.Decrement,
		Temperature:       res.Temperature,
		BorrowRate:        res.BorrowRate,
		Source:            source,
		Status:            types.StatusValid,
		LastUpdated:       e.clk.Now(),
	}
	for _, tag := range tags {
		if ov, ok := overlays[tag]; ok && ov.ApplyOutput != nil {
			ov.ApplyOutput(&rec)
		}
	}

	if _, err := e.inv.CompareAndSwap(key, ver, rec); err != nil {
		return types.Inventory{}, err
	}
	return rec, nil
}

// flagErrorLocked marks the existing record ERROR while still under the
// lease, so readers see stale data flagged rather than silently wrong.
func (e *Engine) flagErrorLocked(key string, prev types.Inventory, ver int64, scope Scope, ct types.CalcType, date types.Date) {
	prev.SecurityID = scope.SecurityID
	prev.CounterpartyID = scope.CounterpartyID
	prev.AggregationUnitID = scope.AggregationUnitID
	prev.BusinessDate = date
	prev.CalcType = ct
	prev.Status = types.StatusError
	prev.LastUpdated = e.clk.Now()
	if _, err := e.inv.CompareAndSwap(key, ver, prev); err != nil {
		e.logger.Warn("flagging inventory failed", "key", key, "error", err)
	}
}

// RecalculateMany fans the recalculation over the worker pool, one task per
// scope. The first error wins; remaining scopes still run.
func (e *Engine) RecalculateMany(ctx context.Context, scopes []Scope, date types.Date, source types.Source) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for _, scope := range scopes {
		scope := scope
		wg.Add(1)
		submitErr := e.pool.Submit(func() {
			defer wg.Done()
			if _, err := e.Recalculate(ctx, scope, date, source); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
		if submitErr != nil {
			wg.Done()
			return errs.Wrap(errs.Internal, submitErr, "submit recalc")
		}
	}
	wg.Wait()
	return firstErr
}

// Availability returns the record for the scope, date, and calc type.
func (e *Engine) Availability(scope Scope, date types.Date, ct types.CalcType) (types.Inventory, error) {
	key := types.InventoryKey(scope.SecurityID, scope.CounterpartyID, scope.AggregationUnitID, date, ct)
	rec, _, ok, err := e.inv.Get(key)
	if err != nil {
		return types.Inventory{}, errs.Wrap(errs.Internal, err, "load inventory %s", key)
	}
	if !ok {
		return types.Inventory{}, errs.New(errs.NotFound, "inventory %s", key)
	}
	return rec, nil
}

// Reserve moves qty from available into reserved. Fails with
// InsufficientAvailability when remaining (available − decrement) < qty, so
// locate decrements already granted are honoured; the lease plus CAS make
// concurrent reserves a total order, so available never goes negative.
func (e *Engine) Reserve(ctx context.Context, scope Scope, date types.Date, ct types.CalcType, qty decimal.Decimal) (types.Inventory, error) {
	return e.adjust(ctx, scope, date, ct, func(rec *types.Inventory) error {
		if rec.Remaining().LessThan(qty) {
			return errs.New(errs.InsufficientAvailability,
				"inventory %s: reserve %s exceeds remaining %s", rec.Key(), qty, rec.Remaining())
		}
		rec.Available = types.Quantize(rec.Available.Sub(qty))
		rec.Reserved = types.Quantize(rec.Reserved.Add(qty))
		return nil
	}, qty)
}

// Release moves qty back from reserved into available, capped at what is
// actually reserved, so reserve-then-release leaves the record unchanged.
func (e *Engine) Release(ctx context.Context, scope Scope, date types.Date, ct types.CalcType, qty decimal.Decimal) (types.Inventory, error) {
	return e.adjust(ctx, scope, date, ct, func(rec *types.Inventory) error {
		give := qty
		if give.GreaterThan(rec.Reserved) {
			give = rec.Reserved
		}
		rec.Reserved = types.Quantize(rec.Reserved.Sub(give))
		rec.Available = types.Quantize(rec.Available.Add(give))
		return nil
	}, qty)
}

// DecrementLocate draws down locate availability. remaining = available −
// decrement stays ≥ 0 by construction.
func (e *Engine) DecrementLocate(ctx context.Context, scope Scope, date types.Date, qty decimal.Decimal) (types.Inventory, error) {
	return e.adjust(ctx, scope, date, types.Locate, func(rec *types.Inventory) error {
		if rec.Remaining().LessThan(qty) {
			return errs.New(errs.InsufficientAvailability,
				"inventory %s: decrement %s exceeds remaining %s", rec.Key(), qty, rec.Remaining())
		}
		rec.Decrement = types.Quantize(rec.Decrement.Add(qty))
		return nil
	}, qty)
}

func (e *Engine) adjust(ctx context.Context, scope Scope, date types.Date, ct types.CalcType, fn func(*types.Inventory) error, qty decimal.Decimal) (types.Inventory, error) {
	if qty.IsNegative() {
		return types.Inventory{}, errs.New(errs.Validation, "negative quantity %s", qty)
	}
	key := types.InventoryKey(scope.SecurityID, scope.CounterpartyID, scope.AggregationUnitID, date, ct)

	leaseCtx, cancel := context.WithTimeout(ctx, e.cfg.LeaseTimeout)
	defer cancel()
	lease, err := e.inv.Raw().Lease(leaseCtx, key, e.cfg.LeaseTimeout+50*time.Millisecond)
	if err != nil {
		return types.Inventory{}, err
	}
	defer lease.Release()

	var rec types.Inventory
	err = cache.RetryConflict(func() error {
		var (
			ver int64
			ok  bool
		)
		rec, ver, ok, err = e.inv.Get(key)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "load inventory %s", key)
		}
		if !ok {
			return errs.New(errs.NotFound, "inventory %s", key)
		}
		if rec.Status == types.StatusError {
			return errs.New(errs.Conflict, "inventory %s is flagged ERROR", key)
		}
		if err := fn(&rec); err != nil {
			return err
		}
		rec.LastUpdated = e.clk.Now()
		_, err = e.inv.CompareAndSwap(key, ver, rec)
		return err
	})
	if err != nil {
		return types.Inventory{}, err
	}
	return rec, nil
}

func clonePositions(in []types.Position) []types.Position {
	out := make([]types.Position, len(in))
	copy(out, in)
	return out
}
