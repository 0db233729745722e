// Package position implements the position engine: the authoritative holder
// of trade-date positions and their five-day settlement ladders.
//
// Every mutation runs under a cache lease on the position key, recomputes
// the derived quantities, and lands with a compare-and-swap so replicas and
// concurrent writers can never interleave half-applied updates.
package position

import (
	"context"
	"log/slog"
	"time"

	"ims-core/internal/cache"
	"ims-core/internal/clock"
	"ims-core/internal/config"
	"ims-core/internal/metrics"
	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

// Engine mutates and serves positions.
type Engine struct {
	positions *cache.Typed[types.Position]
	cfg       config.EnginesConfig
	clk       clock.Clock
	logger    *slog.Logger
}

// NewEngine builds the engine over the position map.
func NewEngine(grid *cache.Grid, cfg config.EnginesConfig, clk clock.Clock, logger *slog.Logger) *Engine {
	return &Engine{
		positions: cache.NewTyped[types.Position](grid.Map(cache.MapPosition)),
		cfg:       cfg,
		clk:       clk,
		logger:    logger.With("component", "position"),
	}
}

// ApplyTrade folds one execution into the position for (book, security,
// business date). BUY adds to contractual and to the receipt side of the
// settlement-day slot; SELL is the mirror image. The returned bool is false
// when the trade was a no-op (zero quantity) and no event should be
// published.
//
// Trades settling outside [business_date, business_date+4] are rejected
// outright: the ladder has no slot to put them in.
func (e *Engine) ApplyTrade(ctx context.Context, t types.TradeData, date types.Date) (types.Position, bool, error) {
	if t.Side != types.BUY && t.Side != types.SELL {
		return types.Position{}, false, errs.New(errs.Validation, "trade %s: unknown side %q", t.TradeID, t.Side)
	}
	if t.Quantity.IsNegative() {
		return types.Position{}, false, errs.New(errs.Validation, "trade %s: negative quantity %s", t.TradeID, t.Quantity)
	}

	day := date.DaysUntil(t.SettlementDate)
	if day < 0 || day >= types.LadderDays {
		metrics.SettlementWindowViolations.Inc()
		return types.Position{}, false, errs.New(errs.Validation,
			"trade %s: settlement %s is %d days from %s, outside the ladder",
			t.TradeID, t.SettlementDate, day, date)
	}

	key := types.PositionKey(t.BookID, t.SecurityID, date)
	if t.Quantity.IsZero() {
		pos, _, _, _ := e.positions.Get(key)
		return pos, false, nil
	}

	return e.mutate(ctx, key, func(pos *types.Position) error {
		pos.BookID, pos.SecurityID, pos.BusinessDate = t.BookID, t.SecurityID, date
		switch t.Side {
		case types.BUY:
			pos.ContractualQty = types.Quantize(pos.ContractualQty.Add(t.Quantity))
			pos.Ladder[day].Receipt = types.Quantize(pos.Ladder[day].Receipt.Add(t.Quantity))
		case types.SELL:
			pos.ContractualQty = types.Quantize(pos.ContractualQty.Sub(t.Quantity))
			pos.Ladder[day].Deliver = types.Quantize(pos.Ladder[day].Deliver.Add(t.Quantity))
		}
		return nil
	})
}

// ApplySnapshot replaces the position's primitive quantities wholesale and
// recomputes the derived ones. Used for daily opens and reconciliation.
func (e *Engine) ApplySnapshot(ctx context.Context, s types.PositionSnapshotData, date types.Date) (types.Position, bool, error) {
	key := types.PositionKey(s.BookID, s.SecurityID, date)
	return e.mutate(ctx, key, func(pos *types.Position) error {
		pos.BookID, pos.SecurityID, pos.BusinessDate = s.BookID, s.SecurityID, date
		pos.ContractualQty = types.Quantize(s.ContractualQty)
		pos.SettledQty = types.Quantize(s.SettledQty)
		for i := range s.Ladder {
			pos.Ladder[i].Deliver = types.Quantize(s.Ladder[i].Deliver)
			pos.Ladder[i].Receipt = types.Quantize(s.Ladder[i].Receipt)
		}
		return nil
	})
}

// mutate applies fn to the position under a lease and writes it back with
// CAS. The lease serialises writers on this node; the CAS catches replica
// races and stale reads.
func (e *Engine) mutate(ctx context.Context, key string, fn func(*types.Position) error) (types.Position, bool, error) {
	leaseCtx, cancel := context.WithTimeout(ctx, e.cfg.LeaseTimeout)
	defer cancel()
	lease, err := e.positions.Raw().Lease(leaseCtx, key, e.cfg.LeaseTimeout+50*time.Millisecond)
	if err != nil {
		return types.Position{}, false, err
	}
	defer lease.Release()

	var pos types.Position
	err = cache.RetryConflict(func() error {
		var ver int64
		pos, ver, _, err = e.positions.Get(key)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "load position %s", key)
		}
		if err := fn(&pos); err != nil {
			return err
		}
		pos.Recompute()
		pos.Status = types.StatusValid
		pos.LastUpdated = e.clk.Now()
		_, err = e.positions.CompareAndSwap(key, ver, pos)
		return err
	})
	if err != nil {
		return types.Position{}, false, err
	}
	return pos, true, nil
}

// FlagError marks the position ERROR after an unrecoverable calculation
// failure, so readers know not to trust the derived quantities. Best effort:
// a write race here just means another mutation already superseded us.
func (e *Engine) FlagError(ctx context.Context, bookID, securityID string, date types.Date) {
	key := types.PositionKey(bookID, securityID, date)
	pos, ver, ok, err := e.positions.Get(key)
	if err != nil || !ok {
		return
	}
	pos.Status = types.StatusError
	pos.LastUpdated = e.clk.Now()
	if _, err := e.positions.CompareAndSwap(key, ver, pos); err != nil {
		e.logger.Warn("flagging position failed", "key", key, "error", err)
	}
}

// Get returns the position for (book, security, date).
func (e *Engine) Get(bookID, securityID string, date types.Date) (types.Position, error) {
	key := types.PositionKey(bookID, securityID, date)
	pos, _, ok, err := e.positions.Get(key)
	if err != nil {
		return types.Position{}, errs.Wrap(errs.Internal, err, "load position %s", key)
	}
	if !ok {
		return types.Position{}, errs.New(errs.NotFound, "position %s", key)
	}
	return pos, nil
}

// Ladder returns the settlement ladder view for the position.
func (e *Engine) Ladder(bookID, securityID string, date types.Date) (types.Ladder, error) {
	pos, err := e.Get(bookID, securityID, date)
	if err != nil {
		return types.Ladder{}, err
	}
	return pos.Ladder, nil
}

// ForSecurity returns every position for the security on the date, across
// books. The inventory engine aggregates over this.
func (e *Engine) ForSecurity(securityID string, date types.Date) []types.Position {
	var out []types.Position
	for _, key := range e.positions.Raw().Keys() {
		pos, _, ok, err := e.positions.Get(key)
		if err != nil || !ok {
			continue
		}
		if pos.SecurityID == securityID && pos.BusinessDate == date {
			out = append(out, pos)
		}
	}
	return out
}
