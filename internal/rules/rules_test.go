package rules

import (
	"log/slog"
	"os"
	"testing"

	"github.com/shopspring/decimal"

	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

func testRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func activeRule(id string, ct types.CalcType, market string, prio int, from types.Date) types.CalculationRule {
	return types.CalculationRule{
		RuleID:        id,
		Version:       1,
		RuleType:      ct,
		Market:        market,
		Priority:      prio,
		EffectiveFrom: from,
		Status:        types.RuleActive,
	}
}

func TestUpsertRejectsStaleVersion(t *testing.T) {
	t.Parallel()
	r := testRegistry()
	rule := activeRule("R1", types.ForLoan, "", 1, "2026-01-01")
	if err := r.Upsert(rule); err != nil {
		t.Fatal(err)
	}
	if err := r.Upsert(rule); !errs.Is(err, errs.Conflict) {
		t.Errorf("same version again: err = %v, want Conflict", err)
	}
}

func TestUpsertRejectsUnknownBody(t *testing.T) {
	t.Parallel()
	r := testRegistry()
	bad := activeRule("R1", types.CalcType("FAIR_VALUE"), "", 1, "2026-01-01")
	if err := r.Upsert(bad); !errs.Is(err, errs.Validation) {
		t.Errorf("unknown calc type: err = %v, want Validation", err)
	}
}

func TestActivationRetiresPriorActive(t *testing.T) {
	t.Parallel()
	r := testRegistry()
	if err := r.Upsert(activeRule("R1", types.ForLoan, "JP", 1, "2026-01-01")); err != nil {
		t.Fatal(err)
	}
	if err := r.Upsert(activeRule("R2", types.ForLoan, "JP", 1, "2026-06-01")); err != nil {
		t.Fatal(err)
	}

	sel, err := r.Select(types.ForLoan, "JP", "2026-08-24")
	if err != nil {
		t.Fatal(err)
	}
	if sel.RuleID != "R2" {
		t.Errorf("selected %s, want R2", sel.RuleID)
	}

	active := 0
	for _, rule := range r.All() {
		if rule.Status == types.RuleActive && rule.RuleType == types.ForLoan && rule.Market == "JP" {
			active++
		}
	}
	if active != 1 {
		t.Errorf("active FOR_LOAN/JP rules = %d, want exactly 1", active)
	}
}

func TestSelectPrefersHigherPriority(t *testing.T) {
	t.Parallel()
	r := testRegistry()
	// Global baseline and a market-specific override with higher priority.
	r.Upsert(activeRule("R-global", types.ShortSale, "", 1, "2026-01-01"))
	r.Upsert(activeRule("R-tw", types.ShortSale, "TW", 5, "2026-01-01"))

	sel, err := r.Select(types.ShortSale, "TW", "2026-08-24")
	if err != nil {
		t.Fatal(err)
	}
	if sel.RuleID != "R-tw" {
		t.Errorf("selected %s, want R-tw", sel.RuleID)
	}

	// Other markets still get the global rule.
	sel, err = r.Select(types.ShortSale, "US", "2026-08-24")
	if err != nil {
		t.Fatal(err)
	}
	if sel.RuleID != "R-global" {
		t.Errorf("selected %s, want R-global", sel.RuleID)
	}
}

func TestSelectHonoursEffectivity(t *testing.T) {
	t.Parallel()
	r := testRegistry()
	rule := activeRule("R1", types.Locate, "", 1, "2026-09-01")
	rule.EffectiveTo = "2026-12-01"
	r.Upsert(rule)

	if _, err := r.Select(types.Locate, "US", "2026-08-24"); !errs.Is(err, errs.NotFound) {
		t.Errorf("before window: err = %v, want NotFound", err)
	}
	if _, err := r.Select(types.Locate, "US", "2026-09-01"); err != nil {
		t.Errorf("window start: %v", err)
	}
	if _, err := r.Select(types.Locate, "US", "2026-12-01"); !errs.Is(err, errs.NotFound) {
		t.Errorf("at exclusive end: err = %v, want NotFound", err)
	}
}

func qty(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

func testInput(ct types.CalcType) Input {
	pos := types.Position{SettledQty: qty("1000"), ContractualQty: qty("200")}
	pos.Ladder[1].Receipt = qty("300")
	pos.Ladder[3].Deliver = qty("100")
	pos.Recompute() // current 1200, projected 1400

	short := types.Position{SettledQty: qty("-500")}
	short.Recompute() // projected −500

	return Input{
		Security:     types.Security{InternalID: "SEC-1", Market: "US"},
		BusinessDate: "2026-08-24",
		CalcType:     ct,
		Positions:    []types.Position{pos, short},
		Contracts: []types.Contract{
			{ContractID: "B1", Direction: types.Borrow, Quantity: qty("600"), OpenTerm: true, Status: "OPEN"},
			{ContractID: "L1", Direction: types.Loan, Quantity: qty("250"), OpenTerm: true, Status: "OPEN"},
			{ContractID: "B2", Direction: types.Borrow, Quantity: qty("999"), EndDate: "2026-08-01", Status: "OPEN"}, // run off
		},
		MarketData: types.MarketDataSnapshot{Temperature: types.HTB, BorrowRate: qty("0.0325")},
		Reserved:   qty("50"),
		Decrement:  qty("10"),
	}
}

func TestBodies(t *testing.T) {
	t.Parallel()
	r := testRegistry()

	cases := []struct {
		ct   types.CalcType
		want string
	}{
		// settledLong 1000, projectedLong 1400, shortDemand 500,
		// borrowedOpen 600 (B2 expired), loanedOpen 250
		{types.ForLoan, "1350"},    // 1000 + 600 − 250
		{types.ForPledge, "750"},   // 1000 − 250
		{types.ShortSale, "2000"},  // 1400 + 600
		{types.Locate, "2000"},     // 1400 + 600
		{types.Overborrow, "100"},  // 600 − 500
	}
	for _, tc := range cases {
		rule := activeRule("R-"+string(tc.ct), tc.ct, "", 1, "2026-01-01")
		if err := r.Upsert(rule); err != nil {
			t.Fatal(err)
		}
		out, err := r.Execute(rule, testInput(tc.ct))
		if err != nil {
			t.Fatalf("%s: %v", tc.ct, err)
		}
		if !out.Available.Equal(qty(tc.want)) {
			t.Errorf("%s available = %s, want %s", tc.ct, out.Available, tc.want)
		}
		if !out.Reserved.Equal(qty("50")) || !out.Decrement.Equal(qty("10")) {
			t.Errorf("%s must carry reserved/decrement forward, got %s/%s", tc.ct, out.Reserved, out.Decrement)
		}
		if out.Temperature != types.HTB {
			t.Errorf("%s temperature = %s, want HTB", tc.ct, out.Temperature)
		}
	}
}

func TestForLoanExcludesUnsettledReceipts(t *testing.T) {
	t.Parallel()
	// A buy settling T+2: projected long, but nothing delivered yet. Shares
	// not in the box cannot be lent, while short-sell coverage is projected.
	pos := types.Position{ContractualQty: qty("1000")}
	pos.Ladder[2].Receipt = qty("1000")
	pos.Recompute()

	in := Input{
		Security:     types.Security{InternalID: "SEC-1", Market: "US"},
		BusinessDate: "2026-08-24",
		Positions:    []types.Position{pos},
	}
	if out := forLoan(in); !out.Available.IsZero() {
		t.Errorf("FOR_LOAN available = %s, want 0 before settlement", out.Available)
	}
	if out := shortSell(in); !out.Available.Equal(qty("2000")) {
		t.Errorf("SHORT_SELL available = %s, want 2000 (projected)", out.Available)
	}
}

func TestOverborrowFloorsAtZero(t *testing.T) {
	t.Parallel()
	in := testInput(types.Overborrow)
	in.Contracts = in.Contracts[1:] // drop the open borrow
	out := overborrow(in)
	if !out.Available.IsZero() {
		t.Errorf("available = %s, want 0 when short demand exceeds borrows", out.Available)
	}
}
