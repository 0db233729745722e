// Package store implements the durable write-behind log under the cache
// grid. Mutations land in the cache first and trickle into SQLite on a
// flush interval; on cold start the log is replayed to rebuild the maps, so
// a full cluster restart recovers the same records the cache held.
//
// Rules are append-only: every accepted version is kept, giving an audit
// trail of which rule governed which period.
package store

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"ims-core/internal/breaker"
	"ims-core/internal/cache"
	"ims-core/internal/config"
	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

// breakerName is the call-site key under resilience.breakers.
const breakerName = "store-flush"

// recordMaps are the cache maps the store persists key-for-key.
var recordMaps = []string{cache.MapPosition, cache.MapInventory, cache.MapLimit}

const schema = `
CREATE TABLE IF NOT EXISTS records (
	map_name   TEXT NOT NULL,
	key        TEXT NOT NULL,
	payload    BLOB NOT NULL,
	version    INTEGER NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (map_name, key)
);
CREATE TABLE IF NOT EXISTS calculation_rules (
	rule_id     TEXT NOT NULL,
	version     INTEGER NOT NULL,
	payload     BLOB NOT NULL,
	recorded_at TEXT NOT NULL,
	PRIMARY KEY (rule_id, version)
);
`

// Store is the write-behind persistence layer.
type Store struct {
	db       *sql.DB
	grid     *cache.Grid
	cfg      config.StoreConfig
	breakers *breaker.Registry
	logger   *slog.Logger

	mu    sync.Mutex
	dirty map[string]map[string]string // map name → key → last op (put | delete)
}

// UseBreakers routes store writes through the named circuit breaker, so a
// wedged database backs off instead of being hammered every flush tick.
func (s *Store) UseBreakers(r *breaker.Registry) { s.breakers = r }

func (s *Store) guard(fn func() error) error {
	if s.breakers == nil {
		return fn()
	}
	_, err := s.breakers.Do(breakerName, func() (any, error) { return nil, fn() })
	return err
}

// Open opens (and migrates) the SQLite log.
func Open(cfg config.StoreConfig, grid *cache.Grid, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "open store %s", cfg.Path)
	}
	// SQLite allows one writer; the flush loop is the only one, but replay
	// reads race startup, so keep the pool at a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errs.Wrap(errs.Internal, err, "migrate store")
	}

	s := &Store{
		db:     db,
		grid:   grid,
		cfg:    cfg,
		logger: logger.With("component", "store"),
		dirty:  make(map[string]map[string]string),
	}
	for _, name := range recordMaps {
		s.dirty[name] = make(map[string]string)
	}
	return s, nil
}

// Replay rebuilds the cache maps from the log. Call before serving, on an
// empty grid: replayed records re-enter with fresh cache versions, and the
// law is that the record CONTENT matches what was last flushed.
func (s *Store) Replay(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT map_name, key, payload FROM records`)
	if err != nil {
		return 0, errs.Wrap(errs.Internal, err, "replay query")
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var mapName, key string
		var payload []byte
		if err := rows.Scan(&mapName, &key, &payload); err != nil {
			return n, errs.Wrap(errs.Internal, err, "replay scan")
		}
		if _, err := s.grid.Map(mapName).Put(key, payload); err != nil {
			return n, errs.Wrap(errs.Internal, err, "replay %s %q", mapName, key)
		}
		n++
	}
	if err := rows.Err(); err != nil {
		return n, errs.Wrap(errs.Internal, err, "replay rows")
	}
	s.logger.Info("cold start replay complete", "records", n)
	return n, nil
}

// Rules returns every persisted rule version, oldest first, for replaying
// into the rule registry.
func (s *Store) Rules(ctx context.Context) ([]types.CalculationRule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM calculation_rules ORDER BY recorded_at, version`)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "rules query")
	}
	defer rows.Close()

	var out []types.CalculationRule
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "rules scan")
		}
		var r types.CalculationRule
		if err := unmarshalRule(payload, &r); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordRule appends one accepted rule version. Duplicate (rule_id, version)
// appends are ignored so redelivered events stay idempotent.
func (s *Store) RecordRule(ctx context.Context, r types.CalculationRule) error {
	payload, err := marshalRule(r)
	if err != nil {
		return err
	}
	return s.guard(func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO calculation_rules (rule_id, version, payload, recorded_at)
			 VALUES (?, ?, ?, ?)`,
			r.RuleID, r.Version, payload, time.Now().UTC().Format(time.RFC3339Nano))
		if err != nil {
			return errs.Wrap(errs.Internal, err, "record rule %s v%d", r.RuleID, r.Version)
		}
		return nil
	})
}

// Run watches the cache maps and flushes dirty keys every flush_interval.
// TTL/LRU evictions do not delete rows: evicted entries must survive in the
// cold layer. Explicit deletes do.
func (s *Store) Run(ctx context.Context) {
	chans := make(map[string]<-chan cache.Event, len(recordMaps))
	for _, name := range recordMaps {
		chans[name] = s.grid.Map(name).Subscribe("")
	}

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.flushAll(context.Background())
			return
		case ev := <-chans[cache.MapPosition]:
			s.observe(ev)
		case ev := <-chans[cache.MapInventory]:
			s.observe(ev)
		case ev := <-chans[cache.MapLimit]:
			s.observe(ev)
		case <-ticker.C:
			s.flushDirty(ctx)
		}
	}
}

func (s *Store) observe(ev cache.Event) {
	switch ev.Op {
	case "put", "delete":
		s.mu.Lock()
		s.dirty[ev.Map][ev.Key] = ev.Op
		s.mu.Unlock()
	}
	// evict: the row stays; the cache entry alone is dropped.
}

// flushDirty writes every pending key in one transaction. Only an explicit
// delete removes a row: a dirty key that TTL-expired before the tick keeps
// its last flushed value in the cold layer.
func (s *Store) flushDirty(ctx context.Context) {
	s.mu.Lock()
	batch := s.dirty
	s.dirty = make(map[string]map[string]string, len(recordMaps))
	for _, name := range recordMaps {
		s.dirty[name] = make(map[string]string)
	}
	s.mu.Unlock()

	total := 0
	for _, keys := range batch {
		total += len(keys)
	}
	if total == 0 {
		return
	}

	if err := s.guard(func() error { return s.writeBatch(ctx, batch) }); err != nil {
		s.logger.Error("flush failed", "error", err)
		s.requeue(batch)
		return
	}
	s.logger.Debug("flushed", "records", total)
}

// writeBatch persists one dirty batch in a single transaction.
func (s *Store) writeBatch(ctx context.Context, batch map[string]map[string]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(errs.Unavailable, err, "flush begin")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	for mapName, keys := range batch {
		m := s.grid.Map(mapName)
		for key, op := range keys {
			if op == "delete" {
				if _, err := tx.ExecContext(ctx,
					`DELETE FROM records WHERE map_name = ? AND key = ?`, mapName, key); err != nil {
					tx.Rollback()
					return errs.Wrap(errs.Unavailable, err, "flush %s %q", mapName, key)
				}
				continue
			}
			val, ver, ok := m.Get(key)
			if !ok {
				// Expired between the put and the tick; the row stays.
				continue
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO records (map_name, key, payload, version, updated_at)
				 VALUES (?, ?, ?, ?, ?)
				 ON CONFLICT (map_name, key) DO UPDATE
				 SET payload = excluded.payload, version = excluded.version, updated_at = excluded.updated_at`,
				mapName, key, val, ver, now); err != nil {
				tx.Rollback()
				return errs.Wrap(errs.Unavailable, err, "flush %s %q", mapName, key)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Wrap(errs.Unavailable, err, "flush commit")
	}
	return nil
}

// flushAll marks every live key dirty and flushes, catching any change
// notifications dropped under load. Runs on shutdown.
func (s *Store) flushAll(ctx context.Context) {
	s.mu.Lock()
	for _, name := range recordMaps {
		for _, key := range s.grid.Map(name).Keys() {
			s.dirty[name][key] = "put"
		}
	}
	s.mu.Unlock()
	s.flushDirty(ctx)
}

func (s *Store) requeue(batch map[string]map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for mapName, keys := range batch {
		for key, op := range keys {
			// Anything dirtied since the failed flush is newer; keep it.
			if _, ok := s.dirty[mapName][key]; !ok {
				s.dirty[mapName][key] = op
			}
		}
	}
}

// Flush forces a synchronous flush of pending writes. Tests and shutdown
// paths use it; steady state relies on the interval.
func (s *Store) Flush(ctx context.Context) {
	s.flushDirty(ctx)
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.flushAll(context.Background())
	return s.db.Close()
}
