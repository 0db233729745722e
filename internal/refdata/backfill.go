package refdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"

	"ims-core/internal/breaker"
	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

// breakerName is the call-site key under resilience.breakers.
const breakerName = "refdata-backfill"

// Backfiller fetches missing reference entities from the upstream reference
// service and installs them in the catalog. It consumes reference-missing
// events: engines never call upstream on the hot path, they emit the event
// and retry once the entity lands.
type Backfiller struct {
	catalog  *Catalog
	http     *resty.Client
	breakers *breaker.Registry
	logger   *slog.Logger
}

// NewBackfiller builds the backfill client against the given base URL.
func NewBackfiller(catalog *Catalog, baseURL string, breakers *breaker.Registry, logger *slog.Logger) *Backfiller {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetHeader("Accept", "application/json")
	return &Backfiller{
		catalog:  catalog,
		http:     client,
		breakers: breakers,
		logger:   logger.With("component", "refdata-backfill"),
	}
}

// Backfill resolves one reference-missing event. NotFound from upstream is
// terminal for the event; transport failures are Unavailable and retried by
// the pipeline.
func (b *Backfiller) Backfill(ctx context.Context, ev types.ReferenceMissingEvent) error {
	switch ev.EntityKind {
	case "security":
		s, err := fetch[types.Security](ctx, b, "/securities/%s", ev.EntityID)
		if err != nil {
			return err
		}
		b.catalog.UpsertSecurity(s)
	case "counterparty":
		cp, err := fetch[types.Counterparty](ctx, b, "/counterparties/%s", ev.EntityID)
		if err != nil {
			return err
		}
		b.catalog.UpsertCounterparty(cp)
	case "aggregation_unit":
		au, err := fetch[types.AggregationUnit](ctx, b, "/aggregation-units/%s", ev.EntityID)
		if err != nil {
			return err
		}
		b.catalog.UpsertAggregationUnit(au)
	default:
		return errs.New(errs.Validation, "unknown entity kind %q", ev.EntityKind)
	}
	b.logger.Info("backfilled reference entity", "kind", ev.EntityKind, "id", ev.EntityID)
	return nil
}

func fetch[T any](ctx context.Context, b *Backfiller, pathFmt, id string) (T, error) {
	var zero T
	out, err := b.breakers.Do(breakerName, func() (any, error) {
		resp, err := b.http.R().
			SetContext(ctx).
			Get(fmt.Sprintf(pathFmt, id))
		if err != nil {
			return nil, errs.Wrap(errs.Unavailable, err, "reference service")
		}
		switch {
		case resp.StatusCode() == 404:
			// A miss upstream is a real answer, not a breaker failure.
			return nil, nil
		case resp.IsError():
			return nil, errs.New(errs.Unavailable, "reference service: %s", resp.Status())
		}
		// Decode the body directly: installing a zero-value entity on an
		// undecodable 200 would poison the catalog.
		var entity T
		if err := json.Unmarshal(resp.Body(), &entity); err != nil {
			return nil, errs.Wrap(errs.Unavailable, err, "reference service: decode %s", id)
		}
		return entity, nil
	})
	if err != nil {
		return zero, err
	}
	if out == nil {
		return zero, errs.New(errs.NotFound, "reference entity %s", id)
	}
	return out.(T), nil
}
