// Package cache implements the distributed in-memory grid backing all hot
// engine state.
//
// A Grid is one cluster member holding named maps. Each map stores versioned
// byte values with a per-map TTL, a max size with LRU eviction, and exclusive
// per-key leases. Writes replicate synchronously to backup peers before they
// are acknowledged; evictions are coordinated across replicas so a key never
// survives on a backup after the primary dropped it.
//
// The cache is the only shared mutable state in the system. Engines mutate
// exclusively through CompareAndSwap or while holding a lease; plain Put is
// reserved for replay and replication apply paths.
package cache

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"

	"ims-core/internal/clock"
	"ims-core/internal/config"
	"ims-core/internal/metrics"
	"ims-core/pkg/errs"
)

// Map names used by the engines. A Grid creates them on demand with the TTLs
// from CacheConfig.
const (
	MapPosition  = "position"
	MapInventory = "inventory"
	MapRule      = "rule"
	MapLimit     = "limit"
)

const janitorInterval = time.Second

// Event is a change notification delivered to Subscribe channels and
// forwarded to peers for cross-node invalidation.
type Event struct {
	Map     string
	Key     string
	Op      string // put | delete | evict
	Version int64
}

// entry is one stored value. Version increases by one per mutation.
type entry struct {
	val       []byte
	version   int64
	expiresAt time.Time // zero = no TTL
}

// Grid is one cluster member: a set of named maps plus the replication links.
type Grid struct {
	cfg     config.CacheConfig
	logger  *slog.Logger
	clk     clock.Clock
	cluster *Cluster // nil in standalone mode

	mu   sync.RWMutex
	maps map[string]*Map

	stopCh chan struct{}
	done   sync.WaitGroup
}

// NewGrid creates a standalone grid. Call Join to attach it to a cluster.
func NewGrid(cfg config.CacheConfig, clk clock.Clock, logger *slog.Logger) *Grid {
	g := &Grid{
		cfg:    cfg,
		logger: logger.With("component", "cache"),
		clk:    clk,
		maps:   make(map[string]*Map),
		stopCh: make(chan struct{}),
	}
	g.done.Add(1)
	go g.janitor()
	return g
}

// Map returns the named map, creating it with the configured TTL on first use.
func (g *Grid) Map(name string) *Map {
	g.mu.Lock()
	defer g.mu.Unlock()

	if m, ok := g.maps[name]; ok {
		return m
	}
	m := newMap(g, name, g.ttlFor(name), g.cfg.MaxSizePerNode)
	g.maps[name] = m
	return m
}

func (g *Grid) ttlFor(name string) time.Duration {
	switch name {
	case MapPosition:
		return g.cfg.MapTTLs.Position
	case MapInventory:
		return g.cfg.MapTTLs.Inventory
	case MapRule:
		return g.cfg.MapTTLs.Rule
	case MapLimit:
		return g.cfg.MapTTLs.Limit
	default:
		return 0
	}
}

// Close stops the janitor and any cluster links.
func (g *Grid) Close() {
	close(g.stopCh)
	g.done.Wait()
	if g.cluster != nil {
		g.cluster.Close()
	}
}

// janitor sweeps expired entries once per second. Leased keys are skipped:
// an in-flight mutation completes and resets the TTL instead.
func (g *Grid) janitor() {
	defer g.done.Done()
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.mu.RLock()
			maps := make([]*Map, 0, len(g.maps))
			for _, m := range g.maps {
				maps = append(maps, m)
			}
			g.mu.RUnlock()
			for _, m := range maps {
				m.sweepExpired()
			}
		}
	}
}

// Map is one named partition of the grid. All operations are safe for
// concurrent use; mutations hold the map mutex so version checks and writes
// are atomic.
type Map struct {
	grid *Grid
	name string
	ttl  time.Duration

	mu      sync.Mutex
	store   *simplelru.LRU[string, *entry]
	leases  map[string]*leaseState
	nextVer atomic.Int64

	subsMu sync.RWMutex
	subs   []*subscription

	// evicting suppresses the LRU callback during deliberate removals so a
	// Delete is not double-reported as an eviction.
	evicting bool
}

type subscription struct {
	pattern string
	ch      chan Event
}

func newMap(g *Grid, name string, ttl time.Duration, maxSize int) *Map {
	m := &Map{
		grid:   g,
		name:   name,
		ttl:    ttl,
		leases: make(map[string]*leaseState),
	}
	if maxSize <= 0 {
		maxSize = 1_000_000
	}
	store, err := simplelru.NewLRU[string, *entry](maxSize, m.onEvict)
	if err != nil {
		// simplelru only errors on size <= 0, guarded above.
		panic(fmt.Sprintf("cache: lru init: %v", err))
	}
	m.store = store
	return m
}

// onEvict fires when the LRU drops the least-recently-used entry on insert.
// Evictions are coordinated: the key is removed from every replica.
func (m *Map) onEvict(key string, _ *entry) {
	if m.evicting {
		return
	}
	metrics.Evictions.WithLabelValues(m.name, "lru").Inc()
	m.notify(Event{Map: m.name, Key: key, Op: "evict"})
	if c := m.grid.cluster; c != nil {
		c.replicateAsync(repMsg{Op: opEvict, Map: m.name, Key: key})
	}
}

// Get returns the value and version for key. Expired entries read as absent.
func (m *Map) Get(key string) ([]byte, int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.store.Get(key)
	if !ok || m.expired(e) {
		return nil, 0, false
	}
	val := make([]byte, len(e.val))
	copy(val, e.val)
	return val, e.version, true
}

// Put stores val unconditionally and returns the new version. The write is
// replicated to backup peers before it is acknowledged.
func (m *Map) Put(key string, val []byte) (int64, error) {
	m.mu.Lock()
	ver := m.putLocked(key, val)
	m.mu.Unlock()

	if err := m.replicate(repMsg{Op: opPut, Map: m.name, Key: key, Val: val, Version: ver}); err != nil {
		return 0, err
	}
	m.notify(Event{Map: m.name, Key: key, Op: "put", Version: ver})
	return ver, nil
}

// CompareAndSwap writes val only if the current version equals expect.
// expect 0 means "create; key must be absent". Returns the new version, or a
// Conflict error on version mismatch.
func (m *Map) CompareAndSwap(key string, expect int64, val []byte) (int64, error) {
	m.mu.Lock()
	e, ok := m.store.Peek(key)
	if ok && m.expired(e) {
		ok = false
	}
	current := int64(0)
	if ok {
		current = e.version
	}
	if current != expect {
		m.mu.Unlock()
		metrics.CASConflicts.WithLabelValues(m.name).Inc()
		return 0, errs.New(errs.Conflict, "cache %s: version %d, expected %d for %q", m.name, current, expect, key)
	}
	ver := m.putLocked(key, val)
	m.mu.Unlock()

	if err := m.replicate(repMsg{Op: opPut, Map: m.name, Key: key, Val: val, Version: ver}); err != nil {
		return 0, err
	}
	m.notify(Event{Map: m.name, Key: key, Op: "put", Version: ver})
	return ver, nil
}

// Delete removes the key on all replicas.
func (m *Map) Delete(key string) error {
	m.mu.Lock()
	m.evicting = true
	m.store.Remove(key)
	m.evicting = false
	m.mu.Unlock()

	if err := m.replicate(repMsg{Op: opDelete, Map: m.name, Key: key}); err != nil {
		return err
	}
	m.notify(Event{Map: m.name, Key: key, Op: "delete"})
	return nil
}

// Keys returns a snapshot of live (non-expired) keys.
func (m *Map) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, m.store.Len())
	for _, k := range m.store.Keys() {
		if e, ok := m.store.Peek(k); ok && !m.expired(e) {
			keys = append(keys, k)
		}
	}
	return keys
}

// Len returns the number of stored entries, expired included until swept.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Len()
}

// Subscribe registers for change events on keys with the given prefix.
// An empty pattern matches every key. The channel is buffered; slow
// subscribers lose events rather than blocking writers.
func (m *Map) Subscribe(pattern string) <-chan Event {
	sub := &subscription{pattern: pattern, ch: make(chan Event, 256)}
	m.subsMu.Lock()
	m.subs = append(m.subs, sub)
	m.subsMu.Unlock()
	return sub.ch
}

// putLocked writes the entry and resets its TTL. Caller holds m.mu.
func (m *Map) putLocked(key string, val []byte) int64 {
	ver := m.nextVer.Add(1)
	e := &entry{val: append([]byte(nil), val...), version: ver}
	if m.ttl > 0 {
		e.expiresAt = m.grid.clk.Now().Add(m.ttl)
	}
	m.store.Add(key, e)
	return ver
}

// applyReplica installs a replicated write without re-replicating.
func (m *Map) applyReplica(msg repMsg) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch msg.Op {
	case opPut:
		e := &entry{val: append([]byte(nil), msg.Val...), version: msg.Version}
		if m.ttl > 0 {
			e.expiresAt = m.grid.clk.Now().Add(m.ttl)
		}
		// Keep the local version counter ahead of anything seen from peers.
		for {
			cur := m.nextVer.Load()
			if cur >= msg.Version || m.nextVer.CompareAndSwap(cur, msg.Version) {
				break
			}
		}
		m.evicting = true
		m.store.Add(msg.Key, e)
		m.evicting = false
	case opDelete, opEvict:
		m.evicting = true
		m.store.Remove(msg.Key)
		m.evicting = false
		if msg.Op == opEvict {
			metrics.Evictions.WithLabelValues(m.name, "coordinated").Inc()
		}
	}
	m.notify(Event{Map: m.name, Key: msg.Key, Op: string(msg.Op), Version: msg.Version})
}

func (m *Map) replicate(msg repMsg) error {
	c := m.grid.cluster
	if c == nil {
		return nil
	}
	return c.replicateSync(msg)
}

func (m *Map) notify(ev Event) {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for _, sub := range m.subs {
		if sub.pattern != "" && !hasPrefix(ev.Key, sub.pattern) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Subscriber lagging; invalidation consumers must tolerate gaps.
		}
	}
}

func (m *Map) expired(e *entry) bool {
	return !e.expiresAt.IsZero() && m.grid.clk.Now().After(e.expiresAt)
}

// sweepExpired removes entries past their TTL. Keys under an active lease
// are left alone so in-flight mutations complete and refresh the TTL.
func (m *Map) sweepExpired() {
	m.mu.Lock()
	var dead []string
	for _, k := range m.store.Keys() {
		e, ok := m.store.Peek(k)
		if !ok || !m.expired(e) {
			continue
		}
		if ls, held := m.leases[k]; held && !ls.expired(m.grid.clk.Now()) {
			continue
		}
		dead = append(dead, k)
	}
	m.evicting = true
	for _, k := range dead {
		m.store.Remove(k)
	}
	m.evicting = false
	m.mu.Unlock()

	for _, k := range dead {
		metrics.Evictions.WithLabelValues(m.name, "ttl").Inc()
		m.notify(Event{Map: m.name, Key: k, Op: "evict"})
		if c := m.grid.cluster; c != nil {
			c.replicateAsync(repMsg{Op: opEvict, Map: m.name, Key: k})
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
