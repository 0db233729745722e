package cache

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"ims-core/pkg/errs"
)

// Typed wraps a Map with JSON (de)serialisation for one record type. Each
// engine receives a typed handle at construction; the raw map stays the
// single source of truth for versions and replication.
type Typed[T any] struct {
	m *Map
}

// NewTyped creates a typed view over a map.
func NewTyped[T any](m *Map) *Typed[T] {
	return &Typed[T]{m: m}
}

// Raw returns the underlying map (for leases and subscriptions).
func (t *Typed[T]) Raw() *Map { return t.m }

// Get decodes the record at key. ok is false when absent or expired.
func (t *Typed[T]) Get(key string) (rec T, version int64, ok bool, err error) {
	val, ver, found := t.m.Get(key)
	if !found {
		return rec, 0, false, nil
	}
	if err := json.Unmarshal(val, &rec); err != nil {
		return rec, 0, false, fmt.Errorf("cache %s: decode %q: %w", t.m.name, key, err)
	}
	return rec, ver, true, nil
}

// Put stores the record unconditionally (replay/replication paths only).
func (t *Typed[T]) Put(key string, rec T) (int64, error) {
	val, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("cache %s: encode %q: %w", t.m.name, key, err)
	}
	return t.m.Put(key, val)
}

// CompareAndSwap writes the record only at the expected version.
func (t *Typed[T]) CompareAndSwap(key string, expect int64, rec T) (int64, error) {
	val, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("cache %s: encode %q: %w", t.m.name, key, err)
	}
	return t.m.CompareAndSwap(key, expect, val)
}

const (
	casAttempts  = 3
	casJitterMin = time.Millisecond
	casJitterMax = 10 * time.Millisecond
)

// RetryConflict runs a read-modify-CAS op, retrying up to three times with a
// 1–10 ms jitter while it keeps losing the version race. A replica write can
// land between the read and the swap even when the caller holds the local
// lease. Any other error returns immediately.
func RetryConflict(op func() error) error {
	var err error
	for i := 0; i < casAttempts; i++ {
		if err = op(); !errs.Is(err, errs.Conflict) {
			return err
		}
		time.Sleep(casJitterMin + time.Duration(rand.Int63n(int64(casJitterMax-casJitterMin))))
	}
	return err
}
