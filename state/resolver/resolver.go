// Package resolver implements the relationship resolver (C3): alias and
// foreign-key chain canonicalisation for column names and for
// (column, value) pairs observed on concrete rows.
package resolver

import (
	"strings"
	"sync"

	"github.com/ultraverse-io/retrostate/state/item"
	"github.com/ultraverse-io/retrostate/state/value"
)

func normalize(col string) string { return strings.ToLower(col) }

type rowAliasKey struct {
	column    string
	rangeHash uint64
}

type rowAliasValue struct {
	column string
	rng    value.Range
}

// Resolver canonicalises column references through user-declared alias
// chains (posts.author_name -> posts.author) and foreign-key chains
// (posts.author -> users.id), plus row-level aliases discovered by
// observing transactions that write both an aliased and canonical column
// in the same statement. All column-name comparisons are case-folded on
// entry.
type Resolver struct {
	mu sync.RWMutex

	aliases     map[string]string
	foreignKeys map[string]string
	rowAliases  map[rowAliasKey]rowAliasValue
}

func New() *Resolver {
	return &Resolver{
		aliases:     make(map[string]string),
		foreignKeys: make(map[string]string),
		rowAliases:  make(map[rowAliasKey]rowAliasValue),
	}
}

// AddAlias declares that alias is another name for real.
func (r *Resolver) AddAlias(alias, real string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.aliases[normalize(alias)] = normalize(real)
}

// AddForeignKey declares that child references parent.
func (r *Resolver) AddForeignKey(child, parent string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.foreignKeys[normalize(child)] = normalize(parent)
}

// ResolveColumnAlias follows a user-declared alias chain with cycle
// detection. Returns ("", false) if col is not aliased.
func (r *Resolver) ResolveColumnAlias(col string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveAliasLocked(col)
}

func (r *Resolver) resolveAliasLocked(col string) (string, bool) {
	col = normalize(col)
	visited := map[string]bool{col: true}
	cur, ok := r.aliases[col]
	if !ok {
		return "", false
	}
	for {
		if visited[cur] {
			return cur, true // cycle: stop at the last resolved name
		}
		visited[cur] = true
		next, ok := r.aliases[cur]
		if !ok {
			return cur, true
		}
		cur = next
	}
}

// ResolveForeignKey follows FK declarations until no more match;
// cycle-safe.
func (r *Resolver) ResolveForeignKey(col string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveFKLocked(col)
}

func (r *Resolver) resolveFKLocked(col string) (string, bool) {
	col = normalize(col)
	visited := map[string]bool{col: true}
	cur, ok := r.foreignKeys[col]
	if !ok {
		return "", false
	}
	for {
		if visited[cur] {
			return cur, true
		}
		visited[cur] = true
		next, ok := r.foreignKeys[cur]
		if !ok {
			return cur, true
		}
		cur = next
	}
}

// ResolveChain alternates alias and FK resolution until a fixed point or
// a cycle is detected; returns ("", false) if no resolution was ever
// applied.
func (r *Resolver) ResolveChain(col string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.resolveChainLocked(col)
}

func (r *Resolver) resolveChainLocked(col string) (string, bool) {
	cur := normalize(col)
	resolvedOnce := false
	visited := map[string]bool{cur: true}
	for {
		progressed := false
		if next, ok := r.resolveAliasLocked(cur); ok && next != cur {
			cur = next
			progressed = true
		} else if next, ok := r.resolveFKLocked(cur); ok && next != cur {
			cur = next
			progressed = true
		}
		if !progressed {
			break
		}
		resolvedOnce = true
		if visited[cur] {
			break
		}
		visited[cur] = true
	}
	if !resolvedOnce {
		return "", false
	}
	return cur, true
}

// ObserveRowAlias records that aliasedColumn with the given range was
// observed in the same statement as realColumn with realRange, so that
// ResolveRowAlias can later map one to the other. Returns true if this
// was a new association (callers use this to decide cache invalidation).
func (r *Resolver) ObserveRowAlias(aliasedColumn string, aliasedRange value.Range, realColumn string, realRange value.Range) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := rowAliasKey{column: normalize(aliasedColumn), rangeHash: aliasedRange.Hash()}
	if existing, ok := r.rowAliases[k]; ok && existing.column == normalize(realColumn) {
		return false
	}
	r.rowAliases[k] = rowAliasValue{column: normalize(realColumn), rng: realRange}
	return true
}

// ResolveRowAlias consults the row-alias table populated by
// ObserveRowAlias, mapping (aliased-column, range) -> (real-column,
// range).
func (r *Resolver) ResolveRowAlias(it item.Item) (item.Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k := rowAliasKey{column: normalize(it.Name), rangeHash: it.Range().Hash()}
	v, ok := r.rowAliases[k]
	if !ok {
		return item.Item{}, false
	}
	resolved := it
	resolved.Name = v.column
	return resolved, true
}

// ResolveRowChain combines row-alias resolution with FK name resolution
// until a fixed point or a cycle is detected (a row alias and an FK
// declaration can form a loop, e.g. alias A->B plus FK B->A).
func (r *Resolver) ResolveRowChain(it item.Item) (item.Item, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	resolvedOnce := false
	cur := it
	visited := map[string]bool{normalize(cur.Name): true}
	for {
		progressed := false
		if ra, ok := r.resolveRowAliasLocked(cur); ok && ra.Name != cur.Name {
			cur = ra
			progressed = true
		} else if fk, ok := r.resolveFKLocked(cur.Name); ok && fk != cur.Name {
			next := cur
			next.Name = fk
			cur = next
			progressed = true
		}
		if !progressed {
			break
		}
		resolvedOnce = true
		key := normalize(cur.Name)
		if visited[key] {
			break
		}
		visited[key] = true
	}
	if !resolvedOnce {
		return item.Item{}, false
	}
	return cur, true
}

func (r *Resolver) resolveRowAliasLocked(it item.Item) (item.Item, bool) {
	k := rowAliasKey{column: normalize(it.Name), rangeHash: it.Range().Hash()}
	v, ok := r.rowAliases[k]
	if !ok {
		return item.Item{}, false
	}
	resolved := it
	resolved.Name = v.column
	return resolved, true
}

// ObserveTransaction scans a transaction's queries for statements that
// write both an aliased-looking and canonical column together and
// records row aliases. Returns true if any new association was learned
// (CachedResolver uses this to decide whether to clear its caches).
//
// The core does not itself detect "aliased-looking" columns from SQL
// text (that is the out-of-scope parser's job); this entry point accepts
// already-paired observations from the collaborator.
func (r *Resolver) ObserveTransaction(pairs []RowAliasObservation) bool {
	changed := false
	for _, p := range pairs {
		if r.ObserveRowAlias(p.AliasedColumn, p.AliasedRange, p.RealColumn, p.RealRange) {
			changed = true
		}
	}
	return changed
}

// RowAliasObservation is one (aliased, real) column/range pairing
// extracted from a single transaction statement.
type RowAliasObservation struct {
	AliasedColumn string
	AliasedRange  value.Range
	RealColumn    string
	RealRange     value.Range
}
