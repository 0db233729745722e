package inventory

import (
	"time"
	_ "time/tzdata" // market cutoffs must resolve without host zoneinfo

	"github.com/shopspring/decimal"

	"ims-core/internal/rules"
	"ims-core/pkg/types"
)

// Overlay is one market-specific adjustment, keyed by rule tag. Input
// overlays reshape the rule input before the body runs; output overlays
// adjust the finished record. Adding a market means registering tags and
// overlay entries here, never branching in the engine.
type Overlay struct {
	// ApplyInput mutates the rule input snapshot. now is the engine clock in
	// the security's market timezone.
	ApplyInput func(in *rules.Input, now time.Time, cutoff string)
	// ApplyOutput mutates the finished inventory record.
	ApplyOutput func(inv *types.Inventory)
}

// overlays is the built-in registry.
var overlays = map[types.RuleTag]Overlay{
	// Taiwan: borrowed shares cannot be re-lent. Externally sourced FOR_LOAN
	// availability is zeroed; the gross borrow still shows.
	types.TagBorrowedSharesNoRelending: {
		ApplyOutput: func(inv *types.Inventory) {
			if inv.CalcType == types.ForLoan && inv.Source == types.SourceExternal {
				inv.Available = decimal.Zero
			}
		},
	},

	// Japan: after the market settlement cutoff, quantities that would settle
	// today settle tomorrow instead. sd0 folds into sd1; the projected net is
	// unchanged because the ladder sum is preserved.
	types.TagSettlementCutoffRules: {
		ApplyInput: func(in *rules.Input, now time.Time, cutoff string) {
			if !afterCutoff(now, cutoff) {
				return
			}
			for i := range in.Positions {
				l := &in.Positions[i].Ladder
				l[1].Deliver = types.Quantize(l[1].Deliver.Add(l[0].Deliver))
				l[1].Receipt = types.Quantize(l[1].Receipt.Add(l[0].Receipt))
				l[0] = types.LadderSlot{}
				in.Positions[i].Recompute()
			}
		},
	},

	// Japan: quanto-tagged contract legs settle T+2. A quanto contract does
	// not contribute to availability until two days after its start.
	types.TagQuantoSettlementT2: {
		ApplyInput: func(in *rules.Input, _ time.Time, _ string) {
			kept := in.Contracts[:0]
			for _, c := range in.Contracts {
				if c.Quanto && in.BusinessDate.Before(c.StartDate.AddDays(2)) {
					continue
				}
				kept = append(kept, c)
			}
			in.Contracts = kept
		},
	},
}

// tagsForMarket derives the overlay tag set for a market, mirroring what
// aggregation units expose. Unscoped records fall back to this.
func tagsForMarket(market string) []types.RuleTag {
	return types.AggregationUnit{Market: market}.RuleTags()
}

// afterCutoff reports whether the local market time has passed the HH:MM
// cutoff.
func afterCutoff(now time.Time, cutoff string) bool {
	c, err := time.Parse("15:04", cutoff)
	if err != nil {
		return false
	}
	cut := time.Date(now.Year(), now.Month(), now.Day(), c.Hour(), c.Minute(), 0, 0, now.Location())
	return now.After(cut)
}

// marketLocation maps a market code to its local timezone for cutoff
// evaluation. Unknown markets evaluate cutoffs in UTC.
func marketLocation(market string) *time.Location {
	name, ok := map[string]string{
		"JP": "Asia/Tokyo",
		"TW": "Asia/Taipei",
		"US": "America/New_York",
	}[market]
	if !ok {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
