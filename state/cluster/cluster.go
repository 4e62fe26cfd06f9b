// Package cluster implements the state cluster (C4): a per-key-column
// mapping from value Range to the set of historical transaction gids
// that read or wrote that range, used to decide which downstream
// transactions a rollback/prepend target could possibly influence.
package cluster

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ultraverse-io/retrostate/state/item"
	"github.com/ultraverse-io/retrostate/state/resolver"
	"github.com/ultraverse-io/retrostate/state/txn"
	"github.com/ultraverse-io/retrostate/state/value"
)

type GID = uint64

type Side int

const (
	Read Side = iota
	Write
)

// ForeignKey is a single declared reference between two tables, used by
// GenerateReplaceQuery when grouping key columns by table.
type ForeignKey struct {
	ChildTable, ChildColumn   string
	ParentTable, ParentColumn string
}

type rangeGidEntry struct {
	rng  value.Range
	gids mapset.Set[GID]
	// fill is the subset of gids for which this entry's membership came
	// from extractItems' composite-group gap-filling rather than a
	// genuine read or write of this column. Gap-filled entries are still
	// recorded here for consumers like the row graph, but columnMatches
	// must not let them satisfy a composite-group match.
	fill mapset.Set[GID]
}

// columnSide holds one of the read/write maps for a single key column,
// split into a finalised hash-keyed map and a pending list accumulated
// under its own mutex while transactions stream in concurrently. Ported
// from StateCluster::Cluster's ClusterMap/PendingClusterMap split.
type columnSide struct {
	mu       sync.Mutex
	pending  []rangeGidEntry
	finalMu  sync.Mutex
	finalize map[uint64]*rangeGidEntry // keyed by Range.Hash()
}

func newColumnSide() *columnSide {
	return &columnSide{finalize: make(map[uint64]*rangeGidEntry)}
}

func (s *columnSide) addPending(rng value.Range, gid GID, filled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fill := mapset.NewThreadUnsafeSet[GID]()
	if filled {
		fill.Add(gid)
	}
	s.pending = append(s.pending, rangeGidEntry{rng: rng, gids: mapset.NewThreadUnsafeSet(gid), fill: fill})
}

// merge drains pending into the finalised map, range-unioning entries
// that share a hash and gid-set-unioning their members. Safe to call
// more than once: after the first call pending is empty, so later calls
// are no-ops.
func (s *columnSide) merge() {
	s.mu.Lock()
	drained := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(drained) == 0 {
		return
	}

	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	for _, e := range drained {
		h := e.rng.Hash()
		if existing, ok := s.finalize[h]; ok {
			existing.rng = existing.rng.Or(e.rng)
			existing.gids = existing.gids.Union(e.gids)
			existing.fill = existing.fill.Union(e.fill)
			continue
		}
		cp := e
		s.finalize[h] = &cp
	}
}

// entriesContaining returns every finalised entry whose gid set contains
// gid.
func (s *columnSide) entriesContaining(gid GID) []*rangeGidEntry {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	var out []*rangeGidEntry
	for _, e := range s.finalize {
		if e.gids.Contains(gid) {
			out = append(out, e)
		}
	}
	return out
}

// unionRange ORs together the ranges of every finalised entry, used by
// the testable-properties check ("a range whose union includes every
// read/write range produced by compiling t's items").
func (s *columnSide) unionRange() value.Range {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	out := value.Range{}
	for _, e := range s.finalize {
		out = out.Or(e.rng)
	}
	return out
}

func (s *columnSide) gidsForRange(rng value.Range) (mapset.Set[GID], bool) {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	e, ok := s.finalize[rng.Hash()]
	if !ok {
		return nil, false
	}
	return e.gids, true
}

type columnCluster struct {
	read  *columnSide
	write *columnSide
}

func newColumnCluster() *columnCluster {
	return &columnCluster{read: newColumnSide(), write: newColumnSide()}
}

func (c *columnCluster) side(s Side) *columnSide {
	if s == Read {
		return c.read
	}
	return c.write
}

// targetTransactionCache is the per-column read/write range a single
// rollback/prepend target touches, ported from StateCluster's
// TargetTransactionCache.
type targetTransactionCache struct {
	transaction *txn.Transaction
	read        map[string]value.Range
	write       map[string]value.Range
}

// StateCluster is the row-level cluster (C4).
type StateCluster struct {
	mu sync.Mutex // serialises Insert calls with each other and with NormalizeWithResolver

	keyColumns        map[string]bool
	keyColumnGroups   [][]string
	groupIsComposite  []bool
	resolvedGroups    [][]string
	resolvedComposite []bool

	clusters map[string]*columnCluster // keyed by normalised key column

	targetMu        sync.RWMutex
	rollbackTargets map[GID]*targetTransactionCache
	prependTargets  map[GID]*targetTransactionCache
	// targetCache[column] is the Or of every target's read+write ranges
	// on that column.
	targetCache map[string]value.Range
}

// New constructs a StateCluster over the given key columns (each a
// "table.column" string) and optional composite key-column groups.
func New(keyColumns []string, keyColumnGroups [][]string) *StateCluster {
	kc := make(map[string]bool, len(keyColumns))
	for _, c := range keyColumns {
		kc[strings.ToLower(c)] = true
	}

	groups := make([][]string, len(keyColumnGroups))
	composite := make([]bool, len(keyColumnGroups))
	for i, g := range keyColumnGroups {
		norm := make([]string, len(g))
		for j, c := range g {
			norm[j] = strings.ToLower(c)
		}
		groups[i] = norm
		composite[i] = len(norm) > 1
	}
	// Every key column without an explicit group is its own singleton
	// group.
	grouped := make(map[string]bool)
	for _, g := range groups {
		for _, c := range g {
			grouped[c] = true
		}
	}
	for c := range kc {
		if !grouped[c] {
			groups = append(groups, []string{c})
			composite = append(composite, false)
		}
	}

	sc := &StateCluster{
		keyColumns:       kc,
		keyColumnGroups:  groups,
		groupIsComposite: composite,
		clusters:         make(map[string]*columnCluster),
		rollbackTargets:  make(map[GID]*targetTransactionCache),
		prependTargets:   make(map[GID]*targetTransactionCache),
		targetCache:      make(map[string]value.Range),
	}
	for c := range kc {
		sc.clusters[c] = newColumnCluster()
	}
	sc.resolvedGroups = groups
	sc.resolvedComposite = composite
	return sc
}

func (sc *StateCluster) KeyColumns() map[string]bool { return sc.keyColumns }

// IsKeyColumnItem reports whether item, after resolving through the
// relationship resolver, names a configured key column.
func (sc *StateCluster) IsKeyColumnItem(r *resolver.CachedResolver, it item.Item) bool {
	name := strings.ToLower(it.Name)
	if sc.keyColumns[name] {
		return true
	}
	if resolved, ok := r.ResolveRowChain(it); ok && sc.keyColumns[strings.ToLower(resolved.Name)] {
		return true
	}
	if resolved, ok := r.ResolveChain(it.Name); ok && sc.keyColumns[strings.ToLower(resolved)] {
		return true
	}
	return false
}

// NormalizeWithResolver re-expresses key-column groups under their
// resolver-canonical names. Call once after the resolver has been seeded
// from schema introspection (phase A step 2).
func (sc *StateCluster) NormalizeWithResolver(r *resolver.CachedResolver) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	resolved := make([][]string, len(sc.keyColumnGroups))
	for i, g := range sc.keyColumnGroups {
		out := make([]string, len(g))
		for j, c := range g {
			if canon, ok := r.ResolveChain(c); ok {
				out[j] = strings.ToLower(canon)
			} else {
				out[j] = c
			}
		}
		resolved[i] = out
	}
	sc.resolvedGroups = resolved
	sc.resolvedComposite = append([]bool(nil), sc.groupIsComposite...)
}

// extractItems resolves each item to a key column (row-chain first, then
// column-chain fallback), merges items sharing a column via OR, then
// fills composite-group gaps with wildcard items. The second return
// value names which columns were gap-filled rather than genuinely
// touched, so the caller can tag the resulting cluster entries: a
// gap-filled entry records that the transaction exists for the row
// graph's benefit, but must never by itself satisfy a composite-group
// match in ShouldReplay.
func (sc *StateCluster) extractItems(items []item.Item, r *resolver.CachedResolver) (map[string]item.Item, map[string]bool) {
	merged := make(map[string]item.Item)
	for _, it := range items {
		name := ""
		resolvedItem := it
		if ra, ok := r.ResolveRowChain(it); ok && sc.keyColumns[strings.ToLower(ra.Name)] {
			name = strings.ToLower(ra.Name)
			resolvedItem = ra
		} else if canon, ok := r.ResolveChain(it.Name); ok && sc.keyColumns[strings.ToLower(canon)] {
			name = strings.ToLower(canon)
			resolvedItem = it
			resolvedItem.Name = name
		} else if sc.keyColumns[strings.ToLower(it.Name)] {
			name = strings.ToLower(it.Name)
		} else {
			continue
		}

		if existing, ok := merged[name]; ok {
			merged[name] = item.Or(existing, resolvedItem)
		} else {
			merged[name] = resolvedItem
		}
	}

	filled := make(map[string]bool)
	for gi, group := range sc.resolvedGroups {
		if !sc.resolvedComposite[gi] {
			continue
		}
		present := 0
		for _, c := range group {
			if _, ok := merged[c]; ok {
				present++
			}
		}
		if present > 0 && present < len(group) {
			for _, c := range group {
				if _, ok := merged[c]; !ok {
					merged[c] = item.WildcardItem(c)
					filled[c] = true
				}
			}
		}
	}

	return merged, filled
}

// Insert2 appends a single (range, gid) pair directly to a column's
// pending list for the given side, as a genuine touch of that column.
func (sc *StateCluster) Insert2(side Side, columnName string, rng value.Range, gid GID) {
	sc.insertEntry(side, columnName, rng, gid, false)
}

func (sc *StateCluster) insertEntry(side Side, columnName string, rng value.Range, gid GID, filled bool) {
	columnName = strings.ToLower(columnName)
	cc, ok := sc.clusters[columnName]
	if !ok {
		return
	}
	cc.side(side).addPending(rng, gid, filled)
}

// InsertItems inserts a set of already-resolved key-column items for gid
// on the given side.
func (sc *StateCluster) InsertItems(side Side, items []item.Item, gid GID) {
	for _, it := range items {
		sc.Insert2(side, it.Name, it.Range(), gid)
	}
}

// Insert normalises transaction t's read- and write-sets through
// resolver and inserts the resulting key-column items.
func (sc *StateCluster) Insert(t *txn.Transaction, r *resolver.CachedResolver) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	reads, readsFilled := sc.extractItems(t.ReadItems(), r)
	writes, writesFilled := sc.extractItems(t.WriteItems(), r)

	for name, it := range reads {
		sc.insertEntry(Read, name, it.Range(), t.Gid, readsFilled[name])
	}
	for name, it := range writes {
		sc.insertEntry(Write, name, it.Range(), t.Gid, writesFilled[name])
	}
}

// Merge drains every column's pending lists into its finalised map. Must
// be called exactly once after all inserts, before ShouldReplay queries;
// subsequent calls are no-ops.
func (sc *StateCluster) Merge() {
	for _, cc := range sc.clusters {
		cc.read.merge()
		cc.write.merge()
	}
}

// Describe returns a short human-readable summary of cluster occupancy,
// for diagnostics/logging.
func (sc *StateCluster) Describe() string {
	var b strings.Builder
	for col, cc := range sc.clusters {
		fmt.Fprintf(&b, "%s: reads=%d writes=%d\n", col, len(cc.read.finalize), len(cc.write.finalize))
	}
	return b.String()
}

func extractTargetRanges(t *txn.Transaction, r *resolver.CachedResolver, keyColumns map[string]bool) (map[string]value.Range, map[string]value.Range) {
	read := make(map[string]value.Range)
	write := make(map[string]value.Range)
	collect := func(items []item.Item, dst map[string]value.Range) {
		for _, it := range items {
			name := strings.ToLower(it.Name)
			if ra, ok := r.ResolveRowChain(it); ok && keyColumns[strings.ToLower(ra.Name)] {
				name = strings.ToLower(ra.Name)
			} else if canon, ok := r.ResolveChain(it.Name); ok && keyColumns[strings.ToLower(canon)] {
				name = strings.ToLower(canon)
			} else if !keyColumns[name] {
				continue
			}
			if existing, ok := dst[name]; ok {
				dst[name] = existing.Or(it.Range())
			} else {
				dst[name] = it.Range()
			}
		}
	}
	collect(t.ReadItems(), read)
	collect(t.WriteItems(), write)
	return read, write
}

// AddRollbackTarget registers t as a transaction the user wishes to
// undo; its per-key-column read/write ranges are cached for
// ShouldReplay. revalidate controls whether the target cache is rebuilt
// immediately (batched callers may defer this, see Phase B §4.5 step 3).
func (sc *StateCluster) AddRollbackTarget(t *txn.Transaction, r *resolver.CachedResolver, revalidate bool) {
	read, write := extractTargetRanges(t, r, sc.keyColumns)

	sc.targetMu.Lock()
	sc.rollbackTargets[t.Gid] = &targetTransactionCache{transaction: t, read: read, write: write}
	sc.targetMu.Unlock()

	if revalidate {
		sc.RefreshTargetCache(r)
	}
}

// AddPrependTarget registers a user-supplied transaction to splice in
// before gid.
func (sc *StateCluster) AddPrependTarget(gid GID, t *txn.Transaction, r *resolver.CachedResolver) {
	read, write := extractTargetRanges(t, r, sc.keyColumns)

	sc.targetMu.Lock()
	sc.prependTargets[gid] = &targetTransactionCache{transaction: t, read: read, write: write}
	sc.targetMu.Unlock()

	sc.RefreshTargetCache(r)
}

// RefreshTargetCache rebuilds the per-column union of every registered
// target's read+write ranges.
func (sc *StateCluster) RefreshTargetCache(r *resolver.CachedResolver) {
	sc.targetMu.Lock()
	defer sc.targetMu.Unlock()

	next := make(map[string]value.Range)
	fold := func(m map[string]value.Range) {
		for col, rng := range m {
			if existing, ok := next[col]; ok {
				next[col] = existing.Or(rng)
			} else {
				next[col] = rng
			}
		}
	}
	for _, tc := range sc.rollbackTargets {
		fold(tc.read)
		fold(tc.write)
	}
	for _, tc := range sc.prependTargets {
		fold(tc.read)
		fold(tc.write)
	}
	sc.targetCache = next
}

func (sc *StateCluster) isTargetGid(gid GID) bool {
	sc.targetMu.RLock()
	defer sc.targetMu.RUnlock()
	if _, ok := sc.rollbackTargets[gid]; ok {
		return true
	}
	_, ok := sc.prependTargets[gid]
	return ok
}

// ShouldReplay reports whether gid is a candidate for replay: true iff,
// for at least one key-column group, every column of that group has a
// cluster entry whose range overlaps the target cache's range on that
// column and whose gid set contains gid as a genuine touch (not a
// composite-group gap-fill). Composite groups require every member
// column to match; singleton groups need only themselves. The target's
// own gid always returns false.
func (sc *StateCluster) ShouldReplay(gid GID) bool {
	if sc.isTargetGid(gid) {
		return false
	}

	sc.targetMu.RLock()
	targetCache := sc.targetCache
	sc.targetMu.RUnlock()

	for gi, group := range sc.resolvedGroups {
		allMatch := true
		for _, col := range group {
			if !sc.columnMatches(col, gid, targetCache) {
				allMatch = false
				break
			}
		}
		if allMatch && len(group) > 0 {
			return true
		}
		_ = gi
	}
	return false
}

func (sc *StateCluster) columnMatches(col string, gid GID, targetCache map[string]value.Range) bool {
	target, ok := targetCache[col]
	if !ok {
		return false
	}
	cc, ok := sc.clusters[col]
	if !ok {
		return false
	}
	for _, side := range []Side{Read, Write} {
		for _, e := range cc.side(side).entriesContaining(gid) {
			if e.fill.Contains(gid) {
				continue
			}
			if e.rng.Intersects(target) {
				return true
			}
		}
	}
	return false
}

// GenerateReplaceQuery emits the deterministic SQL script that rebuilds
// the live tables from the intermediate schema, using intermediateDB as
// the source-of-truth for the REPLACE INTO ... SELECT step. The
// __INTERMEDIATE_DB__ placeholder is substituted with intermediateDB
// directly since this cluster already knows it; phase B callers that
// need the placeholder form instead should pass "__INTERMEDIATE_DB__"
// as intermediateDB.
func (sc *StateCluster) GenerateReplaceQuery(liveDB, intermediateDB string, r *resolver.CachedResolver, foreignKeys []ForeignKey) []string {
	sc.targetMu.RLock()
	targetCache := make(map[string]value.Range, len(sc.targetCache))
	for k, v := range sc.targetCache {
		targetCache[k] = v
	}
	sc.targetMu.RUnlock()

	tableGroups := make(map[string][]int) // table -> indices into resolvedGroups
	for gi, group := range sc.resolvedGroups {
		if len(group) == 0 {
			continue
		}
		table := tableOf(group[0])
		tableGroups[table] = append(tableGroups[table], gi)
	}

	out := []string{
		fmt.Sprintf("USE %s", liveDB),
		"SET FOREIGN_KEY_CHECKS=0",
	}

	tables := make([]string, 0, len(tableGroups))
	for t := range tableGroups {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	for _, table := range tables {
		wildcard := false
		var clauses []string
		for _, gi := range tableGroups[table] {
			group := sc.resolvedGroups[gi]
			composite := sc.resolvedComposite[gi]
			var memberClauses []string
			for _, col := range group {
				rng, ok := targetCache[col]
				if !ok {
					continue
				}
				if rng.IsWildcard() {
					wildcard = true
				}
				memberClauses = append(memberClauses, rng.WhereClause(col))
			}
			if len(memberClauses) == 0 {
				continue
			}
			joiner := " OR "
			if composite {
				joiner = " AND "
			}
			clauses = append(clauses, "("+strings.Join(memberClauses, joiner)+")")
		}

		if wildcard || len(clauses) == 0 {
			out = append(out,
				fmt.Sprintf("TRUNCATE %s", table),
				fmt.Sprintf("REPLACE INTO %s SELECT * FROM %s.%s", table, intermediateDB, table),
			)
			continue
		}

		where := strings.Join(clauses, " OR ")
		out = append(out,
			fmt.Sprintf("DELETE FROM %s WHERE %s", table, where),
			fmt.Sprintf("REPLACE INTO %s SELECT * FROM %s.%s WHERE %s", table, intermediateDB, table, where),
		)
	}

	out = append(out, "SET FOREIGN_KEY_CHECKS=1")
	return out
}

// RangeGidSnapshot is one finalised (range, gid-set) entry for a single
// column side, in a form that serialises without exposing columnSide's
// internal locking.
type RangeGidSnapshot struct {
	Range value.Range `json:"range"`
	Gids  []GID       `json:"gids"`
	// FillGids is the subset of Gids that reached this entry via
	// composite-group gap-filling rather than a genuine read/write; see
	// rangeGidEntry.fill.
	FillGids []GID `json:"fill_gids,omitempty"`
}

// ColumnSnapshot is the finalised read/write state for one key column.
type ColumnSnapshot struct {
	Column string             `json:"column"`
	Reads  []RangeGidSnapshot `json:"reads,omitempty"`
	Writes []RangeGidSnapshot `json:"writes,omitempty"`
}

// Snapshot is the serialisable form of a StateCluster's finalised state,
// the "logical schema mirrors the in-memory model" cluster-store format.
// Pending (unmerged) entries are never persisted: Save is only meaningful
// after Merge.
type Snapshot struct {
	KeyColumns      []string   `json:"key_columns"`
	KeyColumnGroups [][]string `json:"key_column_groups,omitempty"`
	Columns         []ColumnSnapshot `json:"columns"`
}

func (s *columnSide) snapshot() []RangeGidSnapshot {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	out := make([]RangeGidSnapshot, 0, len(s.finalize))
	for _, e := range s.finalize {
		out = append(out, RangeGidSnapshot{Range: e.rng, Gids: e.gids.ToSlice(), FillGids: e.fill.ToSlice()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Range.Hash() < out[j].Range.Hash() })
	return out
}

func (s *columnSide) restore(entries []RangeGidSnapshot) {
	s.finalMu.Lock()
	defer s.finalMu.Unlock()
	for _, e := range entries {
		gids := mapset.NewThreadUnsafeSet(e.Gids...)
		fill := mapset.NewThreadUnsafeSet(e.FillGids...)
		s.finalize[e.Range.Hash()] = &rangeGidEntry{rng: e.Range, gids: gids, fill: fill}
	}
}

// Snapshot returns sc's finalised state as a serialisable value. Call
// Merge first: Snapshot only reads each column's finalised map.
func (sc *StateCluster) Snapshot() Snapshot {
	cols := make([]string, 0, len(sc.clusters))
	for c := range sc.clusters {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	out := Snapshot{
		KeyColumns:      cols,
		KeyColumnGroups: sc.keyColumnGroups,
		Columns:         make([]ColumnSnapshot, 0, len(cols)),
	}
	for _, c := range cols {
		cc := sc.clusters[c]
		out.Columns = append(out.Columns, ColumnSnapshot{
			Column: c,
			Reads:  cc.read.snapshot(),
			Writes: cc.write.snapshot(),
		})
	}
	return out
}

// FromSnapshot rebuilds a StateCluster from a previously captured
// Snapshot. The result has already had Merge applied: targets must still
// be re-added and RefreshTargetCache called by the caller, mirroring
// phase B's own startup sequence.
func FromSnapshot(snap Snapshot) *StateCluster {
	sc := New(snap.KeyColumns, snap.KeyColumnGroups)
	for _, col := range snap.Columns {
		cc, ok := sc.clusters[strings.ToLower(col.Column)]
		if !ok {
			continue
		}
		cc.read.restore(col.Reads)
		cc.write.restore(col.Writes)
	}
	return sc
}

func tableOf(column string) string {
	if idx := strings.IndexByte(column, '.'); idx >= 0 {
		return column[:idx]
	}
	return column
}

