package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Inbound payloads
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON payloads on the inbound topics:
// trade-data, position-snapshot, contract-data, market-data, reference-data.
// The pipeline envelope (internal/pipeline) carries them as raw JSON and the
// orchestrator decodes by event type.

// TradeData is a single execution from the trade-data topic.
type TradeData struct {
	TradeID        string          `json:"trade_id"`
	BookID         string          `json:"book_id"`
	SecurityID     string          `json:"security_id"`
	Side           Side            `json:"side"`
	Quantity       decimal.Decimal `json:"quantity"`
	SettlementDate Date            `json:"settlement_date"`
}

// PositionSnapshotData replaces a position's quantity fields wholesale.
// Used for daily opens and vendor reconciliation.
type PositionSnapshotData struct {
	BookID         string          `json:"book_id"`
	SecurityID     string          `json:"security_id"`
	ContractualQty decimal.Decimal `json:"contractual_qty"`
	SettledQty     decimal.Decimal `json:"settled_qty"`
	Ladder         Ladder          `json:"ladder"`
}

// ContractData carries a contract upsert from the contract-data topic.
type ContractData struct {
	Contract Contract `json:"contract"`
}

// MarketDataSnapshot is the per-security market state the rules read.
type MarketDataSnapshot struct {
	SecurityID  string          `json:"security_id"`
	Price       decimal.Decimal `json:"price"`
	Currency    string          `json:"currency"`
	Temperature Temperature     `json:"security_temperature,omitempty"`
	BorrowRate  decimal.Decimal `json:"borrow_rate"`
	AsOf        time.Time       `json:"as_of"`
}

// ReferenceDataUpdate upserts securities, counterparties, or aggregation
// units. Only the populated slices are applied.
type ReferenceDataUpdate struct {
	Securities       []Security        `json:"securities,omitempty"`
	Counterparties   []Counterparty    `json:"counterparties,omitempty"`
	AggregationUnits []AggregationUnit `json:"aggregation_units,omitempty"`
	Rules            []CalculationRule `json:"rules,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Outbound payloads
// ————————————————————————————————————————————————————————————————————————
// Derived events republished for downstream consumers. Each carries the full
// resulting entity plus the correlation identifier of the triggering event.

// PositionEvent is published on position-events after every position mutation.
type PositionEvent struct {
	Position      Position `json:"position"`
	CorrelationID string   `json:"correlation_id"`
}

// InventoryEvent is published on inventory-events after recalculation or a
// reserve/release/decrement operation.
type InventoryEvent struct {
	Inventory     Inventory `json:"inventory"`
	CorrelationID string    `json:"correlation_id"`
}

// LimitEvent is published on limit-events after limit recalculation or a
// recorded order.
type LimitEvent struct {
	Limit         SellLimit `json:"limit"`
	CorrelationID string    `json:"correlation_id"`
}

// CalculationErrorEvent is published on calculation-error-events whenever an
// event dead-letters or an engine marks a record ERROR. Event-driven paths
// never fail silently.
type CalculationErrorEvent struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	Key           string    `json:"key"`
	Kind          string    `json:"kind"`
	Reason        string    `json:"reason"`
	CorrelationID string    `json:"correlation_id"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ReferenceMissingEvent asks the reference-data adapter to backfill an
// entity the core could not resolve.
type ReferenceMissingEvent struct {
	EntityKind    string `json:"entity_kind"` // security | counterparty | aggregation_unit
	EntityID      string `json:"entity_id"`
	CorrelationID string `json:"correlation_id"`
}
