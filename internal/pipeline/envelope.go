// Package pipeline implements the keyed event pipeline feeding the engines.
//
// The broker delivers at-least-once with per-key FIFO ordering: events are
// sharded onto partitions by hash(key), each partition is drained by exactly
// one goroutine at a time, and a bounded channel per partition blocks
// publishers when a consumer lags — back-pressure never drops.
//
// Handlers answer Ok, Retry, or Dead. Retries re-enqueue with exponential
// backoff; Dead events land on the topic's dead-letter queue together with a
// calculation-error event, so event-driven paths never fail silently.
package pipeline

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

// Inbound and outbound topic names.
const (
	TopicReferenceData    = "reference-data"
	TopicMarketData       = "market-data"
	TopicTradeData        = "trade-data"
	TopicContractData     = "contract-data"
	TopicPositionSnapshot = "position-snapshot"

	TopicPositionEvents   = "position-events"
	TopicInventoryEvents  = "inventory-events"
	TopicLimitEvents      = "limit-events"
	TopicErrorEvents      = "calculation-error-events"
	TopicReferenceMissing = "reference-missing"
)

// DLQSuffix is appended to a topic name to form its dead-letter topic.
const DLQSuffix = ".dlq"

// Envelope is the typed wrapper every event travels in. Key doubles as the
// routing key: bookId|securityId for positions and trades, securityId for
// market/reference data, ownerId|securityId for limit updates.
type Envelope struct {
	EventID       string          `json:"event_id" validate:"required"`
	EventType     string          `json:"event_type" validate:"required"`
	Source        string          `json:"source" validate:"required"`
	EmitTime      time.Time       `json:"emit_time" validate:"required"`
	BusinessDate  types.Date      `json:"business_date" validate:"required"`
	CorrelationID string          `json:"correlation_id"`
	Key           string          `json:"key" validate:"required"`
	Sequence      int64           `json:"sequence,omitempty"` // source sequence, 0 = none
	Deadline      time.Time       `json:"deadline,omitempty"` // zero = no deadline
	Payload       json.RawMessage `json:"payload" validate:"required"`

	// attempt is pipeline-managed retry bookkeeping, never serialised.
	attempt int
}

var validate = validator.New()

// NewEnvelope builds an envelope with fresh event and correlation IDs.
// The payload must be JSON-marshallable.
func NewEnvelope(eventType, source, key string, date types.Date, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errs.Wrap(errs.Validation, err, "encode %s payload", eventType)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		Source:        source,
		EmitTime:      time.Now().UTC(),
		BusinessDate:  date,
		CorrelationID: uuid.NewString(),
		Key:           key,
		Payload:       raw,
	}, nil
}

// Validate checks the required envelope fields. Failures are Validation
// errors: dead-letter immediately, no retry.
func (e Envelope) Validate() error {
	if err := validate.Struct(e); err != nil {
		return errs.Wrap(errs.Validation, err, "envelope %s", e.EventID)
	}
	if _, err := types.ParseDate(string(e.BusinessDate)); err != nil {
		return errs.Wrap(errs.Validation, err, "envelope %s business_date", e.EventID)
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.Wrap(errs.Validation, err, "decode %s payload", e.EventType)
	}
	return nil
}

// dedupeKey identifies the event for duplicate suppression: the event ID,
// plus (key, business_date, sequence) when the source numbers its events.
func (e Envelope) dedupeKeys() []string {
	keys := []string{e.EventID}
	if e.Sequence > 0 {
		keys = append(keys, e.Key+"|"+string(e.BusinessDate)+"|"+strconv.FormatInt(e.Sequence, 10))
	}
	return keys
}

// ————————————————————————————————————————————————————————————————————————
// Handler results
// ————————————————————————————————————————————————————————————————————————

// Code is the handler verdict for one delivery.
type Code int

const (
	// CodeOk commits the event. Engine-internal errors that already marked
	// the record ERROR are Ok for the pipeline: state is persisted.
	CodeOk Code = iota
	// CodeRetry re-enqueues with backoff.
	CodeRetry
	// CodeDead routes to the dead-letter topic immediately.
	CodeDead
)

// Result is what a handler returns for a delivery.
type Result struct {
	Code   Code
	After  time.Duration // minimum delay before the retry, 0 = scheduled backoff
	Reason string        // dead-letter reason
	Err    error
}

// Ok commits the delivery.
func Ok() Result { return Result{Code: CodeOk} }

// Retry re-enqueues the event after the given minimum delay.
func Retry(after time.Duration, err error) Result {
	return Result{Code: CodeRetry, After: after, Err: err}
}

// Dead dead-letters the event with a reason.
func Dead(reason string, err error) Result {
	return Result{Code: CodeDead, Reason: reason, Err: err}
}

// ResultFromError maps the error taxonomy onto a pipeline verdict:
// transient kinds retry, validation and not-found dead-letter, business
// denials and nil commit.
func ResultFromError(err error) Result {
	if err == nil {
		return Ok()
	}
	switch errs.KindOf(err) {
	case errs.Timeout, errs.LeaseUnavailable, errs.Conflict, errs.Unavailable:
		return Retry(0, err)
	case errs.Validation, errs.NotFound:
		return Dead(err.Error(), err)
	case errs.InsufficientAvailability, errs.LimitExceeded:
		// Business denial: surfaced to the caller, nothing to redeliver.
		return Ok()
	default:
		return Dead(err.Error(), err)
	}
}

// Handler processes one delivery.
type Handler func(ev Envelope) Result
