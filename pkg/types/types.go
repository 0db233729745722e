// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the calculation core — securities,
// positions, settlement ladders, contracts, inventory, sell limits, and
// calculation rules. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a trade: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// OrderSide enumerates the order sides the limit engine validates.
// Anything else is rejected with UnsupportedOrderType.
type OrderSide string

const (
	LongSell  OrderSide = "LONG_SELL"
	ShortSell OrderSide = "SHORT_SELL"
)

// CalcType enumerates the five inventory availability calculations.
type CalcType string

const (
	ForLoan    CalcType = "FOR_LOAN"
	ForPledge  CalcType = "FOR_PLEDGE"
	ShortSale  CalcType = "SHORT_SELL"
	Locate     CalcType = "LOCATE"
	Overborrow CalcType = "OVERBORROW"
)

// CalcTypes lists every calculation type, in recalculation order.
var CalcTypes = []CalcType{ForLoan, ForPledge, ShortSale, Locate, Overborrow}

// CalcStatus marks whether a derived record is trustworthy.
type CalcStatus string

const (
	StatusPending CalcStatus = "PENDING"
	StatusValid   CalcStatus = "VALID"
	StatusError   CalcStatus = "ERROR"
)

// Temperature is the borrowability classification of a security.
// HTB = hard to borrow, GC = general collateral. The inventory engine
// propagates it verbatim from the rule output.
type Temperature string

const (
	HTB Temperature = "HTB"
	GC  Temperature = "GC"
)

// ContractType enumerates financing contract flavours.
type ContractType string

const (
	SBL  ContractType = "SBL"
	Repo ContractType = "REPO"
	Swap ContractType = "SWAP"
)

// ContractDirection is whether we borrow or lend under the contract.
type ContractDirection string

const (
	Borrow ContractDirection = "BORROW"
	Loan   ContractDirection = "LOAN"
)

// RuleTag drives market-specific overlay behaviour. An aggregation unit
// exposes the tag set derived from its market; adding a market means adding
// tags and overlay entries, never new engine branches.
type RuleTag string

const (
	TagBorrowedSharesNoRelending RuleTag = "BORROWED_SHARES_NO_RELENDING" // Taiwan
	TagSettlementCutoffRules     RuleTag = "SETTLEMENT_CUTOFF_RULES"      // Japan
	TagQuantoSettlementT2        RuleTag = "QUANTO_SETTLEMENT_T2"         // Japan
)

// Source identifies where a quantity originated. Overlays distinguish
// internally-held inventory from externally-sourced borrows.
type Source string

const (
	SourceInternal Source = "INTERNAL"
	SourceExternal Source = "EXTERNAL"
)

// ————————————————————————————————————————————————————————————————————————
// Dates and quantities
// ————————————————————————————————————————————————————————————————————————

// Date is a business date in YYYY-MM-DD form. Keeping it a plain string makes
// cache keys deterministic and comparable with string ordering.
type Date string

const dateLayout = "2006-01-02"

// NewDate truncates a time to its business date in UTC.
func NewDate(t time.Time) Date {
	return Date(t.UTC().Format(dateLayout))
}

// ParseDate parses a YYYY-MM-DD string.
func ParseDate(s string) (Date, error) {
	if _, err := time.Parse(dateLayout, s); err != nil {
		return "", fmt.Errorf("parse date %q: %w", s, err)
	}
	return Date(s), nil
}

// Time returns midnight UTC of the date. A zero time is returned for
// malformed dates; validation happens at the pipeline boundary.
func (d Date) Time() time.Time {
	t, _ := time.Parse(dateLayout, string(d))
	return t
}

// AddDays returns the date shifted by n calendar days.
func (d Date) AddDays(n int) Date {
	return NewDate(d.Time().AddDate(0, 0, n))
}

// DaysUntil returns the whole-day distance from d to other (negative if
// other is earlier).
func (d Date) DaysUntil(other Date) int {
	return int(other.Time().Sub(d.Time()).Hours() / 24)
}

// Before reports whether d is strictly earlier than other.
func (d Date) Before(other Date) bool { return string(d) < string(other) }

// IsZero reports whether the date is unset.
func (d Date) IsZero() bool { return d == "" }

// QtyScale is the minimum decimal scale for all quantities.
const QtyScale = 4

// Quantize rounds a quantity to QtyScale decimals, half up. All arithmetic in
// the engines flows through this before persisting; floats never enter the
// quantity path.
func Quantize(d decimal.Decimal) decimal.Decimal {
	return d.Round(QtyScale)
}

// ————————————————————————————————————————————————————————————————————————
// Reference data
// ————————————————————————————————————————————————————————————————————————

// ExternalIdentifier is one vendor identifier for a security. Within an
// identifier type, priorities are totally ordered; lower number wins.
type ExternalIdentifier struct {
	Type     string `json:"type"` // e.g. ISIN, SEDOL, CUSIP, TICKER
	Value    string `json:"value"`
	Source   string `json:"source"` // vendor that supplied it
	Priority int    `json:"priority"`
}

// Security is the internal representation of a tradeable instrument.
// InternalID is stable across vendor feeds; vendors are reconciled onto it
// through the external identifier set.
type Security struct {
	InternalID  string               `json:"internal_id"`
	Currency    string               `json:"currency"`
	Market      string               `json:"market"` // ISO market code, e.g. US, JP, TW
	Active      bool                 `json:"active"`
	Identifiers []ExternalIdentifier `json:"identifiers,omitempty"`
}

// Counterparty is a trading client or lending counterpart.
type Counterparty struct {
	CounterpartyID string `json:"counterparty_id"`
	Name           string `json:"name,omitempty"`
	Status         string `json:"status"`
	KYCApproved    bool   `json:"kyc_approved"`
	Market         string `json:"market,omitempty"`
	Region         string `json:"region,omitempty"`
}

// AggregationUnit is a bank-internal subdivision of a legal entity used for
// regulatory position aggregation.
type AggregationUnit struct {
	AggregationUnitID string `json:"aggregation_unit_id"`
	Name              string `json:"name,omitempty"`
	Status            string `json:"status"`
	Market            string `json:"market"`
	Region            string `json:"region,omitempty"`
}

// RuleTags derives the overlay tag set for the AU's market.
func (au AggregationUnit) RuleTags() []RuleTag {
	switch au.Market {
	case "TW":
		return []RuleTag{TagBorrowedSharesNoRelending}
	case "JP":
		return []RuleTag{TagSettlementCutoffRules, TagQuantoSettlementT2}
	default:
		return nil
	}
}

// ————————————————————————————————————————————————————————————————————————
// Positions and the settlement ladder
// ————————————————————————————————————————————————————————————————————————

// LadderDays is the settlement projection horizon: sd0 (today) through sd4.
const LadderDays = 5

// LadderSlot holds the deliver/receipt quantities settling on one day.
type LadderSlot struct {
	Deliver decimal.Decimal `json:"deliver"`
	Receipt decimal.Decimal `json:"receipt"`
}

// Net returns receipt − deliver for the slot.
func (s LadderSlot) Net() decimal.Decimal {
	return s.Receipt.Sub(s.Deliver)
}

// Ladder is the five-day forward settlement projection.
type Ladder [LadderDays]LadderSlot

// NetSettlement returns the sum of per-day nets across the ladder.
func (l Ladder) NetSettlement() decimal.Decimal {
	net := decimal.Zero
	for _, slot := range l {
		net = net.Add(slot.Net())
	}
	return net
}

// Position is the authoritative holding for (book, security, business date).
// CurrentNet and ProjectedNet are derived; Recompute keeps them consistent
// with the primitive quantities.
type Position struct {
	BookID       string `json:"book_id"`
	SecurityID   string `json:"security_id"`
	BusinessDate Date   `json:"business_date"`

	ContractualQty decimal.Decimal `json:"contractual_qty"`
	SettledQty     decimal.Decimal `json:"settled_qty"`
	Ladder         Ladder          `json:"ladder"`

	CurrentNet   decimal.Decimal `json:"current_net"`
	ProjectedNet decimal.Decimal `json:"projected_net"`

	Status      CalcStatus `json:"calculation_status"`
	LastUpdated time.Time  `json:"last_updated"`
}

// Key returns the deterministic cache key for the position.
func (p Position) Key() string {
	return PositionKey(p.BookID, p.SecurityID, p.BusinessDate)
}

// Recompute refreshes the derived quantities:
//
//	current_net   = settled + contractual
//	projected_net = current_net + Σ(sdN.receipt − sdN.deliver)
func (p *Position) Recompute() {
	p.CurrentNet = Quantize(p.SettledQty.Add(p.ContractualQty))
	p.ProjectedNet = Quantize(p.CurrentNet.Add(p.Ladder.NetSettlement()))
}

// ————————————————————————————————————————————————————————————————————————
// Contracts
// ————————————————————————————————————————————————————————————————————————

// Contract is a financing contract (stock borrow/loan, repo, or swap leg)
// feeding the availability calculations.
type Contract struct {
	ContractID   string            `json:"contract_id"`
	Type         ContractType      `json:"type"`
	Direction    ContractDirection `json:"direction"`
	SecurityID   string            `json:"security_id"`
	Counterparty string            `json:"counterparty_id,omitempty"`
	Quantity     decimal.Decimal   `json:"quantity"`
	StartDate    Date              `json:"start_date"`
	EndDate      Date              `json:"end_date,omitempty"`
	MaturityDate Date              `json:"maturity_date,omitempty"`
	OpenTerm     bool              `json:"open_term"`
	Rollable     bool              `json:"rollable"`
	Source       Source            `json:"source"`
	Quanto       bool              `json:"quanto,omitempty"` // quanto-tagged leg (JP overlay)
	Status       string            `json:"status"`
}

// Expired reports whether the contract has run off as of today.
// Open-term contracts never expire by date.
func (c Contract) Expired(today Date) bool {
	return !c.OpenTerm && !c.EndDate.IsZero() && !today.Before(c.EndDate)
}

// ————————————————————————————————————————————————————————————————————————
// Inventory
// ————————————————————————————————————————————————————————————————————————

// Inventory is one availability record, keyed by security, optional
// counterparty/AU scope, business date, and calculation type.
type Inventory struct {
	SecurityID        string   `json:"security_id"`
	CounterpartyID    string   `json:"counterparty_id,omitempty"`
	AggregationUnitID string   `json:"aggregation_unit_id,omitempty"`
	BusinessDate      Date     `json:"business_date"`
	CalcType          CalcType `json:"calculation_type"`

	Gross     decimal.Decimal `json:"gross"`
	Net       decimal.Decimal `json:"net"`
	Available decimal.Decimal `json:"available"`
	Reserved  decimal.Decimal `json:"reserved"`
	Decrement decimal.Decimal `json:"decrement"`

	Temperature Temperature     `json:"security_temperature,omitempty"`
	BorrowRate  decimal.Decimal `json:"borrow_rate"`
	Source      Source          `json:"source"`

	Status      CalcStatus `json:"calculation_status"`
	LastUpdated time.Time  `json:"last_updated"`
}

// Key returns the deterministic cache key for the record.
func (i Inventory) Key() string {
	return InventoryKey(i.SecurityID, i.CounterpartyID, i.AggregationUnitID, i.BusinessDate, i.CalcType)
}

// Remaining is what availability queries see: available minus locate
// decrements. Never negative by engine invariant.
func (i Inventory) Remaining() decimal.Decimal {
	return i.Available.Sub(i.Decrement)
}

// ————————————————————————————————————————————————————————————————————————
// Sell limits
// ————————————————————————————————————————————————————————————————————————

// OwnerKind distinguishes the two limit families.
type OwnerKind string

const (
	OwnerClient          OwnerKind = "CLIENT"
	OwnerAggregationUnit OwnerKind = "AGGREGATION_UNIT"
)

// SellLimit is a client or aggregation-unit sell limit for one security and
// business date. Usage counters never exceed their limits; the limit engine
// enforces this with check-and-increment under a lease.
type SellLimit struct {
	OwnerKind    OwnerKind `json:"owner_kind"`
	OwnerID      string    `json:"owner_id"`
	SecurityID   string    `json:"security_id"`
	BusinessDate Date      `json:"business_date"`

	LongSellLimit  decimal.Decimal `json:"long_sell_limit"`
	ShortSellLimit decimal.Decimal `json:"short_sell_limit"`
	LongSellUsed   decimal.Decimal `json:"long_sell_used"`
	ShortSellUsed  decimal.Decimal `json:"short_sell_used"`

	Status      string    `json:"status"`
	LastUpdated time.Time `json:"last_updated"`
}

// Key returns the deterministic cache key for the limit.
func (l SellLimit) Key() string {
	return LimitKey(l.OwnerKind, l.OwnerID, l.SecurityID, l.BusinessDate)
}

// Headroom returns remaining capacity for the given side.
func (l SellLimit) Headroom(side OrderSide) decimal.Decimal {
	if side == LongSell {
		return l.LongSellLimit.Sub(l.LongSellUsed)
	}
	return l.ShortSellLimit.Sub(l.ShortSellUsed)
}

// ————————————————————————————————————————————————————————————————————————
// Calculation rules
// ————————————————————————————————————————————————————————————————————————

// RuleStatus is the lifecycle state of a calculation rule version.
type RuleStatus string

const (
	RuleDraft   RuleStatus = "DRAFT"
	RuleActive  RuleStatus = "ACTIVE"
	RuleRetired RuleStatus = "RETIRED"
)

// CalculationRule is one versioned availability rule. At most one ACTIVE
// rule may exist per (rule_type, market) at any instant.
type CalculationRule struct {
	RuleID        string     `json:"rule_id"`
	Version       int        `json:"version"`
	RuleType      CalcType   `json:"rule_type"`
	Market        string     `json:"market"` // empty = all markets
	Priority      int        `json:"priority"`
	EffectiveFrom Date       `json:"effective_from"`
	EffectiveTo   Date       `json:"effective_to,omitempty"` // exclusive; empty = open-ended
	Status        RuleStatus `json:"status"`
}

// InEffect reports whether the rule's [from, to) window contains the date.
func (r CalculationRule) InEffect(date Date) bool {
	if date.Before(r.EffectiveFrom) {
		return false
	}
	return r.EffectiveTo.IsZero() || date.Before(r.EffectiveTo)
}

// ————————————————————————————————————————————————————————————————————————
// Cache keys
// ————————————————————————————————————————————————————————————————————————
// Keys are colon-joined natural-key tuples. They double as routing keys, so
// everything about one record lands on the same pipeline partition.

// PositionKey builds the key bookId:securityId:businessDate.
func PositionKey(bookID, securityID string, date Date) string {
	return join(bookID, securityID, string(date))
}

// InventoryKey builds the key securityId:counterpartyId:auId:businessDate:calcType.
// Empty scope segments are kept so keys stay positionally unambiguous.
func InventoryKey(securityID, counterpartyID, auID string, date Date, ct CalcType) string {
	return join(securityID, counterpartyID, auID, string(date), string(ct))
}

// LimitKey builds the key ownerKind:ownerId:securityId:businessDate.
func LimitKey(kind OwnerKind, ownerID, securityID string, date Date) string {
	return join(string(kind), ownerID, securityID, string(date))
}

func join(parts ...string) string {
	return strings.Join(parts, ":")
}
