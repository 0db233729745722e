package cache

import (
	"context"
	"time"

	"ims-core/internal/metrics"
	"ims-core/pkg/errs"
)

// leaseState tracks the current exclusive holder of a key.
type leaseState struct {
	token     int64
	expiresAt time.Time
}

func (ls *leaseState) expired(now time.Time) bool {
	return now.After(ls.expiresAt)
}

// Lease is an exclusive, revocable per-key lock. The holder must complete or
// abort its mutation within the TTL; after that the lease self-expires and a
// competing acquirer may take over.
type Lease struct {
	m     *Map
	key   string
	token int64
}

// Key returns the leased key.
func (l *Lease) Key() string { return l.key }

// Release frees the lease if this holder still owns it. Releasing an
// already-expired lease is a no-op.
func (l *Lease) Release() {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if ls, ok := l.m.leases[l.key]; ok && ls.token == l.token {
		delete(l.m.leases, l.key)
	}
}

// Valid reports whether the lease is still held by this holder.
func (l *Lease) Valid() bool {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	ls, ok := l.m.leases[l.key]
	return ok && ls.token == l.token && !ls.expired(l.m.grid.clk.Now())
}

const leasePollInterval = 2 * time.Millisecond

// Lease acquires an exclusive lock on key with the given TTL. If the key is
// already leased it polls until the context deadline, then fails with
// LeaseUnavailable. Callers bound the wait with lease_timeout.
func (m *Map) Lease(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	for {
		if l, ok := m.tryLease(key, ttl); ok {
			return l, nil
		}

		select {
		case <-ctx.Done():
			metrics.LeaseTimeouts.WithLabelValues(m.name).Inc()
			return nil, errs.Wrap(errs.LeaseUnavailable, ctx.Err(), "cache %s: lease %q", m.name, key)
		case <-time.After(leasePollInterval):
		}
	}
}

func (m *Map) tryLease(key string, ttl time.Duration) (*Lease, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.grid.clk.Now()
	if ls, ok := m.leases[key]; ok && !ls.expired(now) {
		return nil, false
	}
	token := m.nextVer.Add(1)
	m.leases[key] = &leaseState{token: token, expiresAt: now.Add(ttl)}
	return &Lease{m: m, key: key, token: token}, true
}
