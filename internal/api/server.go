// Package api exposes the query and order surface over HTTP. All state
// reads come straight from the cache-backed engines; mutation endpoints
// (reserve, release, record) call the same engine paths the pipeline uses,
// so invariants hold no matter which door a request comes through.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"ims-core/internal/config"
	"ims-core/internal/inventory"
	"ims-core/internal/limits"
	"ims-core/internal/metrics"
	"ims-core/internal/position"
	"ims-core/internal/refdata"
	"ims-core/internal/rules"
	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

// Server is the HTTP query API.
type Server struct {
	cfg     config.APIConfig
	engines Engines
	limiter *rate.Limiter
	budget  time.Duration // short-sell validation deadline
	logger  *slog.Logger
	http    *http.Server
}

// Engines collects the handles the API serves from.
type Engines struct {
	Positions *position.Engine
	Inventory *inventory.Engine
	Limits    *limits.Engine
	Rules     *rules.Registry
	Catalog   *refdata.Catalog
}

// NewServer wires the routes. The "api" entry under resilience.limits
// throttles the whole surface; omitted means no throttle.
func NewServer(cfg config.APIConfig, res config.ResilienceConfig, engines Engines, budget time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		engines: engines,
		budget:  budget,
		logger:  logger.With("component", "api"),
	}
	if lc, ok := res.Limits["api"]; ok && lc.RateLimit > 0 {
		period := lc.RefreshPeriod
		if period <= 0 {
			period = time.Second
		}
		s.limiter = rate.NewLimiter(rate.Every(period/time.Duration(lc.RateLimit)), lc.RateLimit)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/positions/{book}/{security}", s.limit(s.handlePosition))
	mux.HandleFunc("GET /v1/positions/{book}/{security}/ladder", s.limit(s.handleLadder))
	mux.HandleFunc("GET /v1/positions/{book}/{security}/projected", s.limit(s.handleProjected))
	mux.HandleFunc("GET /v1/availability/{security}", s.limit(s.handleAvailability))
	mux.HandleFunc("GET /v1/rules", s.limit(s.handleRules))
	mux.HandleFunc("POST /v1/orders/validate", s.limit(s.handleValidateOrder))
	mux.HandleFunc("POST /v1/orders/record", s.limit(s.handleRecordOrder))
	mux.HandleFunc("POST /v1/inventory/reserve", s.limit(s.handleReserve))
	mux.HandleFunc("POST /v1/inventory/release", s.limit(s.handleRelease))
	mux.HandleFunc("POST /v1/inventory/locate-decrement", s.limit(s.handleDecrement))

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the route tree (tests serve it directly).
func (s *Server) Handler() http.Handler { return s.http.Handler }

// ListenAndServe blocks serving the API until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("query api listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			writeError(w, errs.New(errs.Unavailable, "rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Handlers
// ————————————————————————————————————————————————————————————————————————

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sec, cp, au := s.engines.Catalog.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "up",
		"securities":        sec,
		"counterparties":    cp,
		"aggregation_units": au,
	})
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engines.Positions.Get(r.PathValue("book"), r.PathValue("security"), dateParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

func (s *Server) handleLadder(w http.ResponseWriter, r *http.Request) {
	ladder, err := s.engines.Positions.Ladder(r.PathValue("book"), r.PathValue("security"), dateParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ladder)
}

func (s *Server) handleProjected(w http.ResponseWriter, r *http.Request) {
	pos, err := s.engines.Positions.Get(r.PathValue("book"), r.PathValue("security"), dateParam(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"projected_net":      pos.ProjectedNet,
		"current_net":        pos.CurrentNet,
		"calculation_status": pos.Status,
	})
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	ct := types.CalcType(r.URL.Query().Get("calc_type"))
	if ct == "" {
		writeError(w, errs.New(errs.Validation, "calc_type is required"))
		return
	}
	scope := inventory.Scope{
		SecurityID:        r.PathValue("security"),
		CounterpartyID:    r.URL.Query().Get("counterparty"),
		AggregationUnitID: r.URL.Query().Get("aggregation_unit"),
	}
	rec, err := s.engines.Inventory.Availability(scope, dateParam(r), ct)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"inventory": rec,
		"remaining": rec.Remaining(),
	})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engines.Rules.All())
}

// orderRequest is the wire form of a limit-check call.
type orderRequest struct {
	OrderID           string          `json:"order_id"`
	ClientID          string          `json:"client_id"`
	AggregationUnitID string          `json:"aggregation_unit_id"`
	SecurityID        string          `json:"security_id"`
	BusinessDate      types.Date      `json:"business_date"`
	Side              types.OrderSide `json:"side"`
	Quantity          decimal.Decimal `json:"quantity"`
}

func (req orderRequest) order() limits.Order {
	return limits.Order{
		OrderID:           req.OrderID,
		ClientID:          req.ClientID,
		AggregationUnitID: req.AggregationUnitID,
		SecurityID:        req.SecurityID,
		BusinessDate:      req.BusinessDate,
		Side:              req.Side,
		Quantity:          req.Quantity,
	}
}

func (s *Server) handleValidateOrder(w http.ResponseWriter, r *http.Request) {
	s.orderCall(w, r, s.engines.Limits.ValidateOrder)
}

func (s *Server) handleRecordOrder(w http.ResponseWriter, r *http.Request) {
	s.orderCall(w, r, s.engines.Limits.RecordOrder)
}

// orderCall decodes, applies the short-sell deadline, and runs the check.
// Short-sell validation must answer inside the budget; blowing it returns
// Timeout rather than a late answer.
func (s *Server) orderCall(w http.ResponseWriter, r *http.Request, fn func(context.Context, limits.Order) error) {
	var req orderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.Validation, err, "decode order"))
		return
	}
	ctx := r.Context()
	if req.Side == types.ShortSell && s.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.budget)
		defer cancel()
	}

	err := fn(ctx, req.order())
	if ctx.Err() == context.DeadlineExceeded {
		metrics.Timeouts.WithLabelValues("short_sell_validation").Inc()
		writeError(w, errs.Wrap(errs.Timeout, ctx.Err(), "short-sell budget exhausted"))
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order_id": req.OrderID, "accepted": true})
}

// adjustRequest is the wire form of reserve/release/decrement.
type adjustRequest struct {
	SecurityID        string          `json:"security_id"`
	CounterpartyID    string          `json:"counterparty_id"`
	AggregationUnitID string          `json:"aggregation_unit_id"`
	BusinessDate      types.Date      `json:"business_date"`
	CalcType          types.CalcType  `json:"calc_type"`
	Quantity          decimal.Decimal `json:"quantity"`
}

func (req adjustRequest) scope() inventory.Scope {
	return inventory.Scope{
		SecurityID:        req.SecurityID,
		CounterpartyID:    req.CounterpartyID,
		AggregationUnitID: req.AggregationUnitID,
	}
}

func (s *Server) handleReserve(w http.ResponseWriter, r *http.Request) {
	s.adjustCall(w, r, func(ctx context.Context, req adjustRequest) (types.Inventory, error) {
		return s.engines.Inventory.Reserve(ctx, req.scope(), req.BusinessDate, req.CalcType, req.Quantity)
	})
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	s.adjustCall(w, r, func(ctx context.Context, req adjustRequest) (types.Inventory, error) {
		return s.engines.Inventory.Release(ctx, req.scope(), req.BusinessDate, req.CalcType, req.Quantity)
	})
}

func (s *Server) handleDecrement(w http.ResponseWriter, r *http.Request) {
	s.adjustCall(w, r, func(ctx context.Context, req adjustRequest) (types.Inventory, error) {
		return s.engines.Inventory.DecrementLocate(ctx, req.scope(), req.BusinessDate, req.Quantity)
	})
}

func (s *Server) adjustCall(w http.ResponseWriter, r *http.Request, fn func(context.Context, adjustRequest) (types.Inventory, error)) {
	var req adjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Wrap(errs.Validation, err, "decode request"))
		return
	}
	rec, err := fn(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"inventory": rec,
		"remaining": rec.Remaining(),
	})
}

// ————————————————————————————————————————————————————————————————————————
// Responses
// ————————————————————————————————————————————————————————————————————————

func dateParam(r *http.Request) types.Date {
	if d := r.URL.Query().Get("date"); d != "" {
		return types.Date(d)
	}
	return types.NewDate(time.Now())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	body := map[string]any{
		"kind":    string(kind),
		"message": err.Error(),
	}
	if id := errs.CorrelationOf(err); id != "" {
		body["correlation_id"] = id
	}
	writeJSON(w, errs.HTTPStatus(kind), map[string]any{"error": body})
}
