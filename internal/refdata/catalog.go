// Package refdata holds the reference-data catalog: securities with their
// vendor identifier sets, counterparties, and aggregation units. The catalog
// is the resolution layer every engine consults before touching a record;
// unresolvable entities surface as NotFound and trigger a backfill request.
package refdata

import (
	"log/slog"
	"sync"

	"ims-core/pkg/errs"
	"ims-core/pkg/types"
)

// Catalog is the in-memory reference store. Lookups vastly outnumber
// updates, so a single RWMutex over plain maps is enough.
type Catalog struct {
	logger *slog.Logger

	mu             sync.RWMutex
	securities     map[string]types.Security
	counterparties map[string]types.Counterparty
	aggUnits       map[string]types.AggregationUnit

	// byExternal indexes identifier type → value → internal security ID of
	// the winning (lowest-priority-number) identifier.
	byExternal map[string]map[string]extRef
}

type extRef struct {
	internalID string
	priority   int
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger *slog.Logger) *Catalog {
	return &Catalog{
		logger:         logger.With("component", "refdata"),
		securities:     make(map[string]types.Security),
		counterparties: make(map[string]types.Counterparty),
		aggUnits:       make(map[string]types.AggregationUnit),
		byExternal:     make(map[string]map[string]extRef),
	}
}

// Apply upserts everything in the update. Rules are not reference data;
// the orchestrator routes them to the rule registry separately.
func (c *Catalog) Apply(u types.ReferenceDataUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range u.Securities {
		c.upsertSecurityLocked(s)
	}
	for _, cp := range u.Counterparties {
		c.counterparties[cp.CounterpartyID] = cp
	}
	for _, au := range u.AggregationUnits {
		c.aggUnits[au.AggregationUnitID] = au
	}
}

// UpsertSecurity installs or replaces one security and reindexes its
// identifiers.
func (c *Catalog) UpsertSecurity(s types.Security) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.upsertSecurityLocked(s)
}

func (c *Catalog) upsertSecurityLocked(s types.Security) {
	if old, ok := c.securities[s.InternalID]; ok {
		for _, id := range old.Identifiers {
			byType := c.byExternal[id.Type]
			if ref, ok := byType[id.Value]; ok && ref.internalID == s.InternalID {
				delete(byType, id.Value)
			}
		}
	}
	c.securities[s.InternalID] = s
	for _, id := range s.Identifiers {
		byType := c.byExternal[id.Type]
		if byType == nil {
			byType = make(map[string]extRef)
			c.byExternal[id.Type] = byType
		}
		// Lowest priority number wins when two vendors claim one value.
		if cur, ok := byType[id.Value]; ok && cur.priority <= id.Priority {
			continue
		}
		byType[id.Value] = extRef{internalID: s.InternalID, priority: id.Priority}
	}
}

// UpsertCounterparty installs or replaces one counterparty.
func (c *Catalog) UpsertCounterparty(cp types.Counterparty) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counterparties[cp.CounterpartyID] = cp
}

// UpsertAggregationUnit installs or replaces one aggregation unit.
func (c *Catalog) UpsertAggregationUnit(au types.AggregationUnit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aggUnits[au.AggregationUnitID] = au
}

// Security returns the security by internal ID.
func (c *Catalog) Security(id string) (types.Security, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.securities[id]
	if !ok {
		return types.Security{}, errs.New(errs.NotFound, "security %s", id)
	}
	return s, nil
}

// Resolve maps an external identifier (type, value) onto the security it
// identifies. When multiple vendors supplied the same value the identifier
// with the lowest priority number was indexed.
func (c *Catalog) Resolve(idType, value string) (types.Security, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ref, ok := c.byExternal[idType][value]
	if !ok {
		return types.Security{}, errs.New(errs.NotFound, "no security for %s %q", idType, value)
	}
	return c.securities[ref.internalID], nil
}

// Counterparty returns the counterparty by ID.
func (c *Catalog) Counterparty(id string) (types.Counterparty, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp, ok := c.counterparties[id]
	if !ok {
		return types.Counterparty{}, errs.New(errs.NotFound, "counterparty %s", id)
	}
	return cp, nil
}

// AggregationUnit returns the aggregation unit by ID.
func (c *Catalog) AggregationUnit(id string) (types.AggregationUnit, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	au, ok := c.aggUnits[id]
	if !ok {
		return types.AggregationUnit{}, errs.New(errs.NotFound, "aggregation unit %s", id)
	}
	return au, nil
}

// Counts returns the catalog sizes, for the health endpoint.
func (c *Catalog) Counts() (securities, counterparties, aggUnits int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.securities), len(c.counterparties), len(c.aggUnits)
}
