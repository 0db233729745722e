// Package breaker manages named circuit breakers for outbound calls.
// Breakers are configured per call site under resilience.breakers; unnamed
// call sites get the default profile (trip at 50% failures over a 50-call
// window, 5 half-open probes).
package breaker

import (
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"ims-core/internal/config"
	"ims-core/pkg/errs"
)

var defaults = config.BreakerConfig{
	SlidingWindow:  50,
	FailureRate:    0.5,
	WaitInOpen:     10 * time.Second,
	HalfOpenProbes: 5,
}

// Registry hands out one breaker per named call site.
type Registry struct {
	cfg    config.ResilienceConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewRegistry creates the registry from the resilience section.
func NewRegistry(cfg config.ResilienceConfig, logger *slog.Logger) *Registry {
	return &Registry{
		cfg:      cfg,
		logger:   logger.With("component", "breaker"),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Get returns the breaker for the call site, creating it on first use.
func (r *Registry) Get(name string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	bc, ok := r.cfg.Breakers[name]
	if !ok {
		bc = defaults
	}
	if bc.SlidingWindow <= 0 {
		bc.SlidingWindow = defaults.SlidingWindow
	}
	if bc.FailureRate <= 0 {
		bc.FailureRate = defaults.FailureRate
	}
	if bc.WaitInOpen <= 0 {
		bc.WaitInOpen = defaults.WaitInOpen
	}
	if bc.HalfOpenProbes <= 0 {
		bc.HalfOpenProbes = defaults.HalfOpenProbes
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: uint32(bc.HalfOpenProbes),
		Timeout:     bc.WaitInOpen,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < uint32(bc.SlidingWindow) {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= bc.FailureRate
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.logger.Warn("breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})
	r.breakers[name] = cb
	return cb
}

// Do runs fn through the named breaker, translating an open circuit into
// Unavailable so callers quiesce instead of hammering.
func (r *Registry) Do(name string, fn func() (any, error)) (any, error) {
	out, err := r.Get(name).Execute(fn)
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return nil, errs.Wrap(errs.Unavailable, err, "call %s short-circuited", name)
	}
	return out, err
}
