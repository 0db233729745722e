// Package limits implements the sell-limit engine: client and
// aggregation-unit sell limits with atomic check-and-increment order
// recording.
//
// An order consumes headroom on BOTH its client limit and its aggregation
// unit limit or on neither. The engine takes short per-key leases in a fixed
// order (client, then AU), increments with compare-and-swap, and rolls the
// client back if the AU check fails. Order IDs are remembered so redelivered
// record requests are idempotent.
package limits

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/shopspring/decimal"

	"ims-core/internal/cache"
	"ims-core/internal/clock"
	"ims-core/internal/config"
	"ims-core/internal/metrics"
	"ims-core/internal/position"
	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

// recordedOrders bounds the idempotency memory.
const recordedOrders = 65536

// Order is one sell order hitting the limit checks.
type Order struct {
	OrderID           string
	ClientID          string
	AggregationUnitID string
	SecurityID        string
	BusinessDate      types.Date
	Side              types.OrderSide
	Quantity          decimal.Decimal
}

// Engine serves and mutates sell limits.
type Engine struct {
	limits    *cache.Typed[types.SellLimit]
	positions *position.Engine
	cfg       config.EnginesConfig
	clk       clock.Clock
	logger    *slog.Logger

	recorded *lru.Cache[string, struct{}]

	// shortAvail, when set, supplies the short-sell availability that caps
	// short-sell limits during recalculation.
	shortAvail ShortSellSource

	// book ownership: which client and AU a trading book rolls up to.
	mu     sync.RWMutex
	owners map[string]bookOwner
}

type bookOwner struct {
	clientID string
	auID     string
}

// NewEngine builds the engine over the limit map.
func NewEngine(grid *cache.Grid, positions *position.Engine, cfg config.EnginesConfig, clk clock.Clock, logger *slog.Logger) *Engine {
	recorded, _ := lru.New[string, struct{}](recordedOrders)
	return &Engine{
		limits:    cache.NewTyped[types.SellLimit](grid.Map(cache.MapLimit)),
		positions: positions,
		cfg:       cfg,
		clk:       clk,
		logger:    logger.With("component", "limits"),
		recorded:  recorded,
		owners:    make(map[string]bookOwner),
	}
}

// ShortSellSource returns the short-sell availability for a security and
// date, or false when no availability record exists yet.
type ShortSellSource func(securityID string, date types.Date) (decimal.Decimal, bool)

// SetShortSellSource wires the availability feed for short-sell limits.
func (e *Engine) SetShortSellSource(src ShortSellSource) {
	e.shortAvail = src
}

// SetBookOwner maps a trading book onto its client and aggregation unit.
// Limit recalculation groups positions through this mapping.
func (e *Engine) SetBookOwner(bookID, clientID, auID string) {
	e.mu.Lock()
	e.owners[bookID] = bookOwner{clientID: clientID, auID: auID}
	e.mu.Unlock()
}

// UpsertLimit installs externally configured limit amounts, preserving any
// usage already recorded against the key.
func (e *Engine) UpsertLimit(ctx context.Context, l types.SellLimit) (types.SellLimit, error) {
	if l.OwnerID == "" || l.SecurityID == "" {
		return types.SellLimit{}, errs.New(errs.Validation, "limit missing owner or security")
	}
	return e.mutate(ctx, l.Key(), func(cur *types.SellLimit) error {
		used := [2]decimal.Decimal{cur.LongSellUsed, cur.ShortSellUsed}
		*cur = l
		cur.LongSellUsed, cur.ShortSellUsed = used[0], used[1]
		return nil
	})
}

// RecalculateLimits rebuilds the sell limits for every owner with positions
// in the security: an owner may sell long what its books project to hold,
// and sell short up to the security's short-sell availability. Without an
// availability source the short-sell limits stay as configured. Usage
// counters are always preserved.
func (e *Engine) RecalculateLimits(ctx context.Context, securityID string, date types.Date) ([]types.SellLimit, error) {
	positions := e.positions.ForSecurity(securityID, date)

	var shortLimit decimal.Decimal
	haveShort := false
	if e.shortAvail != nil {
		shortLimit, haveShort = e.shortAvail(securityID, date)
	}

	type ownerKey struct {
		kind types.OwnerKind
		id   string
	}
	longs := make(map[ownerKey]decimal.Decimal)
	e.mu.RLock()
	for _, p := range positions {
		owner, ok := e.owners[p.BookID]
		if !ok {
			continue
		}
		if p.ProjectedNet.IsPositive() {
			if owner.clientID != "" {
				k := ownerKey{types.OwnerClient, owner.clientID}
				longs[k] = longs[k].Add(p.ProjectedNet)
			}
			if owner.auID != "" {
				k := ownerKey{types.OwnerAggregationUnit, owner.auID}
				longs[k] = longs[k].Add(p.ProjectedNet)
			}
		}
	}
	e.mu.RUnlock()

	out := make([]types.SellLimit, 0, len(longs))
	for k, total := range longs {
		key := types.LimitKey(k.kind, k.id, securityID, date)
		updated, err := e.mutate(ctx, key, func(cur *types.SellLimit) error {
			cur.OwnerKind, cur.OwnerID = k.kind, k.id
			cur.SecurityID, cur.BusinessDate = securityID, date
			cur.LongSellLimit = types.Quantize(total)
			if haveShort {
				cur.ShortSellLimit = types.Quantize(shortLimit)
			}
			cur.Status = "ACTIVE"
			return nil
		})
		if err != nil {
			return out, err
		}
		out = append(out, updated)
	}
	return out, nil
}

// Get returns the limit record.
func (e *Engine) Get(kind types.OwnerKind, ownerID, securityID string, date types.Date) (types.SellLimit, error) {
	key := types.LimitKey(kind, ownerID, securityID, date)
	l, _, ok, err := e.limits.Get(key)
	if err != nil {
		return types.SellLimit{}, errs.Wrap(errs.Internal, err, "load limit %s", key)
	}
	if !ok {
		return types.SellLimit{}, errs.New(errs.NotFound, "limit %s", key)
	}
	return l, nil
}

// ValidateOrder checks headroom on the client and AU limits without
// consuming any. A clean validation does not guarantee a later record:
// capacity may be taken in between.
func (e *Engine) ValidateOrder(ctx context.Context, o Order) error {
	if err := e.checkOrder(o); err != nil {
		return err
	}
	for _, ref := range e.limitRefs(o) {
		l, err := e.Get(ref.kind, ref.id, o.SecurityID, o.BusinessDate)
		if err != nil {
			return err
		}
		if l.Headroom(o.Side).LessThan(o.Quantity) {
			return errs.New(errs.LimitExceeded, "%s limit %s: headroom %s < %s",
				ref.kind, ref.id, l.Headroom(o.Side), o.Quantity)
		}
	}
	return nil
}

// RecordOrder consumes headroom on both limits atomically. The client limit
// is incremented first; if the AU then refuses, the client increment is
// rolled back, so a denied order leaves no trace. Redelivery of an already
// recorded order ID is a no-op.
func (e *Engine) RecordOrder(ctx context.Context, o Order) error {
	if err := e.checkOrder(o); err != nil {
		return err
	}
	if o.Side == types.ShortSell {
		start := time.Now()
		defer func() { metrics.ShortSellLatency.Observe(time.Since(start).Seconds()) }()
	}
	// order_id is optional: anonymous orders bypass the idempotency memory,
	// each one consumes headroom.
	if o.OrderID != "" {
		if _, seen := e.recorded.Get(o.OrderID); seen {
			e.logger.Debug("order already recorded", "order_id", o.OrderID)
			return nil
		}
	}

	refs := e.limitRefs(o)
	taken := make([]limitRef, 0, len(refs))
	for _, ref := range refs {
		if err := e.consume(ctx, ref, o); err != nil {
			for _, t := range taken {
				e.rollback(ctx, t, o)
			}
			return err
		}
		taken = append(taken, ref)
	}

	if o.OrderID != "" {
		e.recorded.Add(o.OrderID, struct{}{})
	}
	return nil
}

type limitRef struct {
	kind types.OwnerKind
	id   string
}

// limitRefs lists the limits an order consumes, in locking order.
func (e *Engine) limitRefs(o Order) []limitRef {
	refs := make([]limitRef, 0, 2)
	if o.ClientID != "" {
		refs = append(refs, limitRef{types.OwnerClient, o.ClientID})
	}
	if o.AggregationUnitID != "" {
		refs = append(refs, limitRef{types.OwnerAggregationUnit, o.AggregationUnitID})
	}
	return refs
}

func (e *Engine) checkOrder(o Order) error {
	if o.Side != types.LongSell && o.Side != types.ShortSell {
		return errs.New(errs.Validation, "order %s: unsupported order type %q", o.OrderID, o.Side)
	}
	if !o.Quantity.IsPositive() {
		return errs.New(errs.Validation, "order %s: quantity %s must be positive", o.OrderID, o.Quantity)
	}
	if o.ClientID == "" && o.AggregationUnitID == "" {
		return errs.New(errs.Validation, "order %s: no client or aggregation unit", o.OrderID)
	}
	return nil
}

func (e *Engine) consume(ctx context.Context, ref limitRef, o Order) error {
	key := types.LimitKey(ref.kind, ref.id, o.SecurityID, o.BusinessDate)
	_, err := e.mutateExisting(ctx, key, func(l *types.SellLimit) error {
		if l.Headroom(o.Side).LessThan(o.Quantity) {
			return errs.New(errs.LimitExceeded, "%s limit %s: headroom %s < %s",
				ref.kind, ref.id, l.Headroom(o.Side), o.Quantity)
		}
		addUsage(l, o.Side, o.Quantity)
		return nil
	})
	return err
}

func (e *Engine) rollback(ctx context.Context, ref limitRef, o Order) {
	key := types.LimitKey(ref.kind, ref.id, o.SecurityID, o.BusinessDate)
	_, err := e.mutateExisting(ctx, key, func(l *types.SellLimit) error {
		addUsage(l, o.Side, o.Quantity.Neg())
		return nil
	})
	if err != nil {
		// The usage counter is now overstated, which fails safe: it can only
		// reject orders, never admit one past the limit.
		e.logger.Error("limit rollback failed", "key", key, "order_id", o.OrderID, "error", err)
	}
}

func addUsage(l *types.SellLimit, side types.OrderSide, qty decimal.Decimal) {
	if side == types.LongSell {
		l.LongSellUsed = types.Quantize(l.LongSellUsed.Add(qty))
	} else {
		l.ShortSellUsed = types.Quantize(l.ShortSellUsed.Add(qty))
	}
}

// mutate applies fn under a short lease, creating the record if absent.
func (e *Engine) mutate(ctx context.Context, key string, fn func(*types.SellLimit) error) (types.SellLimit, error) {
	return e.withLease(ctx, key, fn, true)
}

// mutateExisting is mutate for records that must already exist.
func (e *Engine) mutateExisting(ctx context.Context, key string, fn func(*types.SellLimit) error) (types.SellLimit, error) {
	return e.withLease(ctx, key, fn, false)
}

func (e *Engine) withLease(ctx context.Context, key string, fn func(*types.SellLimit) error, create bool) (types.SellLimit, error) {
	leaseCtx, cancel := context.WithTimeout(ctx, e.cfg.LeaseTimeout)
	defer cancel()
	lease, err := e.limits.Raw().Lease(leaseCtx, key, e.cfg.LimitLeaseHold)
	if err != nil {
		return types.SellLimit{}, err
	}
	defer lease.Release()

	var l types.SellLimit
	err = cache.RetryConflict(func() error {
		var (
			ver int64
			ok  bool
		)
		l, ver, ok, err = e.limits.Get(key)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "load limit %s", key)
		}
		if !ok && !create {
			return errs.New(errs.NotFound, "limit %s", key)
		}
		if err := fn(&l); err != nil {
			return err
		}
		l.LastUpdated = e.clk.Now()
		_, err = e.limits.CompareAndSwap(key, ver, l)
		return err
	})
	if err != nil {
		return types.SellLimit{}, err
	}
	return l, nil
}
