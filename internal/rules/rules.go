// Package rules implements the versioned calculation rule registry and the
// built-in availability rule bodies.
//
// A rule row (rule_id, version, rule_type, market, priority, effectivity,
// status) selects WHICH body runs for a calc type in a market; the body
// itself is a pure function from a rule input snapshot to the availability
// quantities. Swapping behaviour for a market is a data change, not a code
// branch.
package rules

import (
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

// Input is the snapshot a rule body executes against. It is assembled by
// the inventory engine from the cache; bodies never reach back into shared
// state, which keeps recalculation deterministic.
type Input struct {
	Security        types.Security
	AggregationUnit types.AggregationUnit // zero value when unscoped
	BusinessDate    types.Date
	CalcType        types.CalcType
	Source          types.Source

	Positions  []types.Position
	Contracts  []types.Contract
	MarketData types.MarketDataSnapshot

	// Reserved and Decrement carry forward from the previous record so a
	// recalculation never forgets committed reservations.
	Reserved  decimal.Decimal
	Decrement decimal.Decimal
}

// Output is what a rule body produces.
type Output struct {
	Gross     decimal.Decimal
	Net       decimal.Decimal
	Available decimal.Decimal
	Reserved  decimal.Decimal
	Decrement decimal.Decimal

	Temperature types.Temperature
	BorrowRate  decimal.Decimal
}

// Body is one availability calculation.
type Body func(Input) Output

// Registry holds every rule version and answers "which rule governs this
// calc type in this market today".
type Registry struct {
	logger *slog.Logger

	mu    sync.RWMutex
	rules map[string]types.CalculationRule // rule_id → latest version
	// OnChange, when set, observes every accepted upsert (for the
	// write-behind log and rule cache).
	OnChange func(types.CalculationRule)
}

// NewRegistry creates an empty registry with the built-in bodies.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "rules"),
		rules:  make(map[string]types.CalculationRule),
	}
}

// Upsert installs a rule version. Activating a rule retires any other
// ACTIVE rule for the same (rule_type, market), so the single-active
// invariant holds by construction. Stale versions are rejected.
func (r *Registry) Upsert(rule types.CalculationRule) error {
	if rule.RuleID == "" || rule.RuleType == "" {
		return errs.New(errs.Validation, "rule missing id or type")
	}
	if _, ok := bodies[rule.RuleType]; !ok {
		return errs.New(errs.Validation, "no body for rule type %s", rule.RuleType)
	}

	r.mu.Lock()
	if cur, ok := r.rules[rule.RuleID]; ok && rule.Version <= cur.Version {
		r.mu.Unlock()
		return errs.New(errs.Conflict, "rule %s version %d is not newer than %d",
			rule.RuleID, rule.Version, cur.Version)
	}
	var retired []types.CalculationRule
	if rule.Status == types.RuleActive {
		for id, other := range r.rules {
			if id != rule.RuleID && other.Status == types.RuleActive &&
				other.RuleType == rule.RuleType && other.Market == rule.Market {
				other.Status = types.RuleRetired
				other.Version++
				r.rules[id] = other
				retired = append(retired, other)
			}
		}
	}
	r.rules[rule.RuleID] = rule
	r.mu.Unlock()

	for _, old := range retired {
		r.logger.Info("rule retired by activation",
			"retired", old.RuleID, "by", rule.RuleID,
			"rule_type", old.RuleType, "market", old.Market)
		if r.OnChange != nil {
			r.OnChange(old)
		}
	}
	if r.OnChange != nil {
		r.OnChange(rule)
	}
	return nil
}

// Select picks the governing rule for (calcType, market) on the date:
// ACTIVE, in its effectivity window, market-specific rules considered
// alongside global ones. Ties break on higher priority, then on the later
// effective_from.
func (r *Registry) Select(ct types.CalcType, market string, date types.Date) (types.CalculationRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var best types.CalculationRule
	found := false
	for _, rule := range r.rules {
		if rule.Status != types.RuleActive || rule.RuleType != ct {
			continue
		}
		if rule.Market != "" && rule.Market != market {
			continue
		}
		if !rule.InEffect(date) {
			continue
		}
		if !found || better(rule, best) {
			best, found = rule, true
		}
	}
	if !found {
		return types.CalculationRule{}, errs.New(errs.NotFound, "no active %s rule for market %s on %s", ct, market, date)
	}
	return best, nil
}

func better(a, b types.CalculationRule) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return b.EffectiveFrom.Before(a.EffectiveFrom)
}

// Execute runs the body for the selected rule and quantizes the result.
func (r *Registry) Execute(rule types.CalculationRule, in Input) (Output, error) {
	body, ok := bodies[rule.RuleType]
	if !ok {
		return Output{}, errs.New(errs.Internal, "no body for rule type %s", rule.RuleType)
	}
	out := body(in)
	out.Gross = types.Quantize(out.Gross)
	out.Net = types.Quantize(out.Net)
	out.Available = types.Quantize(out.Available)
	out.Reserved = types.Quantize(out.Reserved)
	out.Decrement = types.Quantize(out.Decrement)
	return out, nil
}

// All returns every rule version currently held, for the query API.
func (r *Registry) All() []types.CalculationRule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.CalculationRule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	return out
}
