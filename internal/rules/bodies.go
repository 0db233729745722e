package rules

import (
	"github.com/shopspring/decimal"

	"ims-core/pkg/types"
)

// bodies maps each calc type to its built-in availability calculation.
// All bodies carry forward Reserved/Decrement and propagate temperature and
// borrow rate from market data, so a recalculation never loses committed
// reservations or classification.
var bodies = map[types.CalcType]Body{
	types.ForLoan:    forLoan,
	types.ForPledge:  forPledge,
	types.ShortSale:  shortSell,
	types.Locate:     locate,
	types.Overborrow: overborrow,
}

// aggregates are the common quantities the bodies work from.
type aggregates struct {
	settledLong   decimal.Decimal // Σ max(settled, 0)
	settlingToday decimal.Decimal // Σ max(sd0 net, 0): receipts landing today
	projectedLong decimal.Decimal // Σ max(projected_net, 0)
	projectedNet  decimal.Decimal // Σ projected_net
	shortDemand   decimal.Decimal // Σ max(−projected_net, 0)
	borrowedOpen  decimal.Decimal // open borrow contract quantity
	loanedOpen    decimal.Decimal // open loan contract quantity
}

func aggregate(in Input) aggregates {
	var a aggregates
	for _, p := range in.Positions {
		if p.SettledQty.IsPositive() {
			a.settledLong = a.settledLong.Add(p.SettledQty)
		}
		if net := p.Ladder[0].Net(); net.IsPositive() {
			a.settlingToday = a.settlingToday.Add(net)
		}
		a.projectedNet = a.projectedNet.Add(p.ProjectedNet)
		if p.ProjectedNet.IsPositive() {
			a.projectedLong = a.projectedLong.Add(p.ProjectedNet)
		} else {
			a.shortDemand = a.shortDemand.Add(p.ProjectedNet.Neg())
		}
	}
	for _, c := range in.Contracts {
		if c.Expired(in.BusinessDate) || c.Status == "CANCELLED" {
			continue
		}
		switch c.Direction {
		case types.Borrow:
			a.borrowedOpen = a.borrowedOpen.Add(c.Quantity)
		case types.Loan:
			a.loanedOpen = a.loanedOpen.Add(c.Quantity)
		}
	}
	return a
}

func base(in Input, a aggregates) Output {
	return Output{
		Gross:       a.projectedLong.Add(a.borrowedOpen),
		Net:         a.projectedNet,
		Reserved:    in.Reserved,
		Decrement:   in.Decrement,
		Temperature: in.MarketData.Temperature,
		BorrowRate:  in.MarketData.BorrowRate,
	}
}

// forLoan: lendable supply is settled long inventory, receipts settling
// today, and open borrows, less what is already out on loan.
func forLoan(in Input) Output {
	a := aggregate(in)
	out := base(in, a)
	out.Available = floor0(a.settledLong.Add(a.settlingToday).Add(a.borrowedOpen).Sub(a.loanedOpen))
	return out
}

// forPledge: only house inventory settled (or settling today) can be
// pledged as collateral; borrowed shares never qualify.
func forPledge(in Input) Output {
	a := aggregate(in)
	out := base(in, a)
	out.Available = floor0(a.settledLong.Add(a.settlingToday).Sub(a.loanedOpen))
	return out
}

// shortSell: coverable supply for short sales is projected long inventory
// plus open borrows.
func shortSell(in Input) Output {
	a := aggregate(in)
	out := base(in, a)
	out.Available = floor0(a.projectedLong.Add(a.borrowedOpen))
	return out
}

// locate: locate grants draw on the same supply as short selling; the
// decrement counter tracks what has already been given out.
func locate(in Input) Output {
	a := aggregate(in)
	out := base(in, a)
	out.Available = floor0(a.projectedLong.Add(a.borrowedOpen))
	return out
}

// overborrow: borrows in excess of the short demand they cover.
func overborrow(in Input) Output {
	a := aggregate(in)
	out := base(in, a)
	out.Available = floor0(a.borrowedOpen.Sub(a.shortDemand))
	return out
}

func floor0(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
