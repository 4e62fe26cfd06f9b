// Package rowgraph implements the row dependency graph (C5): a
// streaming DAG constructor that serialises transaction pairs with true
// RAW/WAW/WAR conflicts on any key column while letting independent
// transactions execute concurrently on a worker pool.
package rowgraph

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/emicklei/dot"
	"github.com/google/btree"

	"github.com/ultraverse-io/retrostate/state/item"
	"github.com/ultraverse-io/retrostate/state/resolver"
	"github.com/ultraverse-io/retrostate/state/txn"
	"github.com/ultraverse-io/retrostate/state/value"
)

// NodeID is an opaque graph vertex identifier; it is distinct from a
// transaction's gid.
type NodeID uint64

// RangeComparisonMethod selects how a key column's node_map is searched:
// EqOnly compares ranges by hash equality only (the documented
// speed/false-positive trade-off); Intersect scans for any intersecting
// entry and additionally verifies a structural match to mitigate that
// trade-off.
type RangeComparisonMethod int

const (
	EqOnly RangeComparisonMethod = iota
	Intersect
)

// Node is a transaction vertex. ready transitions from false to true
// exactly once; processedBy is set by exactly one worker via CAS from
// -1; finalized is set after the claiming worker commits.
type Node struct {
	ID          NodeID
	mu          sync.Mutex
	transaction *txn.Transaction

	ready          atomic.Bool
	hold           atomic.Bool
	processedBy    atomic.Int32
	finalized      atomic.Bool
	willBeRemoved  atomic.Bool
	pendingColumns atomic.Uint32
}

func newNode(id NodeID, t *txn.Transaction, hold bool) *Node {
	n := &Node{ID: id, transaction: t}
	n.processedBy.Store(-1)
	n.hold.Store(hold)
	return n
}

func (n *Node) Transaction() *txn.Transaction {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transaction
}

// ReleaseTransaction drops the node's reference to its transaction once
// the worker has consumed it. A node becomes GC-eligible only once this
// has been called and Finalized() is true.
func (n *Node) ReleaseTransaction() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.transaction = nil
}

func (n *Node) Ready() bool      { return n.ready.Load() }
func (n *Node) Hold() bool       { return n.hold.Load() }
func (n *Node) Finalized() bool  { return n.finalized.Load() }
func (n *Node) ProcessedBy() int { return int(n.processedBy.Load()) }

// MarkFinalized is called by the worker that committed this node's
// transaction.
func (n *Node) MarkFinalized() { n.finalized.Store(true) }

type columnWorker struct {
	column string
	mapMu  sync.Mutex
	// entries is a hash-ordered index of known ranges for this column,
	// the Go analogue of the original's node_map. Ordering by hash gives
	// the EqOnly comparison mode a Get lookup; the Intersect mode walks
	// every entry with Ascend.
	entries *btree.BTreeG[*rwEntry]

	wildcard *rwHolder

	queue *taskQueue[columnTask]
}

type rwEntry struct {
	hash   uint64
	rng    value.Range
	holder *rwHolder
}

func rwEntryLess(a, b *rwEntry) bool { return a.hash < b.hash }

// rwHolder records the most recent reader/writer NodeID of a range, and
// the gid each was installed at. Ported from RowGraph::RWStateHolder.
type rwHolder struct {
	mu       sync.Mutex
	hasRead  bool
	read     NodeID
	readGid  uint64
	hasWrite bool
	write    NodeID
	writeGid uint64
}

type columnTask struct {
	nodeID     NodeID
	gid        uint64
	readItems  []item.Item
	writeItems []item.Item
}

type compositeWorker struct {
	columns []string
	mapMu   sync.Mutex
	entries *btree.BTreeG[*compositeEntry]

	wildcard *rwHolder

	queue *taskQueue[compositeTask]
}

type compositeEntry struct {
	hash   uint64
	ranges []value.Range
	holder *rwHolder
}

func compositeEntryLess(a, b *compositeEntry) bool { return a.hash < b.hash }

type compositeTask struct {
	nodeID     NodeID
	gid        uint64
	readRanges [][]value.Range
	writeRanges [][]value.Range
}

// Graph is the row dependency graph (C5).
type Graph struct {
	resolver *resolver.CachedResolver

	keyColumns       map[string]bool
	keyColumnGroups  [][]string // composite groups only (size > 1)
	groupIndexByCol  map[string]int

	graphMu  sync.RWMutex
	nodes    map[NodeID]*Node
	edgesOut map[NodeID]map[NodeID]bool
	edgesIn  map[NodeID]map[NodeID]bool
	nextID   atomic.Uint64

	columnWorkers map[string]*columnWorker
	compositeWorkers []*compositeWorker

	comparisonMode RangeComparisonMethod

	workerWG sync.WaitGroup
}

// New constructs a Graph over keyColumns (each "table.column") and
// optional composite keyColumnGroups, and starts one goroutine per
// column/composite-group worker.
func New(keyColumns []string, keyColumnGroups [][]string, r *resolver.CachedResolver) *Graph {
	g := &Graph{
		resolver:        r,
		keyColumns:      make(map[string]bool, len(keyColumns)),
		groupIndexByCol: make(map[string]int),
		nodes:           make(map[NodeID]*Node),
		edgesOut:        make(map[NodeID]map[NodeID]bool),
		edgesIn:         make(map[NodeID]map[NodeID]bool),
		columnWorkers:   make(map[string]*columnWorker),
		comparisonMode:  EqOnly,
	}
	for _, c := range keyColumns {
		g.keyColumns[strings.ToLower(c)] = true
	}
	for _, c := range keyColumns {
		cw := &columnWorker{
			column:   strings.ToLower(c),
			entries:  btree.NewG(32, rwEntryLess),
			wildcard: &rwHolder{},
			queue:    newTaskQueue[columnTask](),
		}
		g.columnWorkers[cw.column] = cw
		g.workerWG.Add(1)
		go g.columnWorkerLoop(cw)
	}
	for _, group := range keyColumnGroups {
		if len(group) < 2 {
			continue
		}
		norm := make([]string, len(group))
		for i, c := range group {
			norm[i] = strings.ToLower(c)
		}
		gi := len(g.keyColumnGroups)
		g.keyColumnGroups = append(g.keyColumnGroups, norm)
		for _, c := range norm {
			g.groupIndexByCol[c] = gi
		}
		cw := &compositeWorker{
			columns:  norm,
			entries:  btree.NewG(32, compositeEntryLess),
			wildcard: &rwHolder{},
			queue:    newTaskQueue[compositeTask](),
		}
		g.compositeWorkers = append(g.compositeWorkers, cw)
		g.workerWG.Add(1)
		go g.compositeWorkerLoop(cw)
	}
	return g
}

func (g *Graph) RangeComparisonMethod() RangeComparisonMethod { return g.comparisonMode }
func (g *Graph) SetRangeComparisonMethod(m RangeComparisonMethod) { g.comparisonMode = m }

// Close stops every worker goroutine. Call once the graph is fully
// drained.
func (g *Graph) Close() {
	for _, cw := range g.columnWorkers {
		cw.queue.Close()
	}
	for _, cw := range g.compositeWorkers {
		cw.queue.Close()
	}
	g.workerWG.Wait()
}

// resolvedColumnItems buckets a transaction's key-column items by
// canonical column name, the same extraction cluster insertion uses.
func (g *Graph) resolvedColumnItems(items []item.Item) map[string]item.Item {
	out := make(map[string]item.Item)
	for _, it := range items {
		name := ""
		resolved := it
		if ra, ok := g.resolver.ResolveRowChain(it); ok && g.keyColumns[strings.ToLower(ra.Name)] {
			name = strings.ToLower(ra.Name)
			resolved = ra
		} else if canon, ok := g.resolver.ResolveChain(it.Name); ok && g.keyColumns[strings.ToLower(canon)] {
			name = strings.ToLower(canon)
			resolved.Name = name
		} else if g.keyColumns[strings.ToLower(it.Name)] {
			name = strings.ToLower(it.Name)
		} else {
			continue
		}
		if existing, ok := out[name]; ok {
			out[name] = item.Or(existing, resolved)
		} else {
			out[name] = resolved
		}
	}
	return out
}

// AddNode adds transaction t to the graph and schedules its dependency
// tasks. A node added with hold=true will not be claimed by an executor
// until ReleaseNode is called.
func (g *Graph) AddNode(t *txn.Transaction, hold bool) NodeID {
	id := NodeID(g.nextID.Add(1))
	node := newNode(id, t, hold)

	g.graphMu.Lock()
	g.nodes[id] = node
	g.edgesOut[id] = make(map[NodeID]bool)
	g.edgesIn[id] = make(map[NodeID]bool)
	g.graphMu.Unlock()

	reads := g.resolvedColumnItems(t.ReadItems())
	writes := g.resolvedColumnItems(t.WriteItems())

	touchedColumns := make(map[string]bool)
	for c := range reads {
		touchedColumns[c] = true
	}
	for c := range writes {
		touchedColumns[c] = true
	}

	touchedGroups := make(map[int]bool)
	for c := range touchedColumns {
		if gi, ok := g.groupIndexByCol[c]; ok {
			touchedGroups[gi] = true
		}
	}

	totalTasks := len(touchedColumns) + len(touchedGroups)
	node.pendingColumns.Store(uint32(totalTasks))
	if totalTasks == 0 {
		node.ready.Store(true)
		return id
	}

	for col := range touchedColumns {
		cw, ok := g.columnWorkers[col]
		if !ok {
			g.markColumnTaskDone(id)
			continue
		}
		var ri, wi []item.Item
		if it, ok := reads[col]; ok {
			ri = []item.Item{it}
		}
		if it, ok := writes[col]; ok {
			wi = []item.Item{it}
		}
		cw.queue.Push(columnTask{nodeID: id, gid: t.Gid, readItems: ri, writeItems: wi})
	}

	for gi := range touchedGroups {
		group := g.keyColumnGroups[gi]
		cw := g.compositeWorkers[gi]
		readRanges := make([]value.Range, len(group))
		writeRanges := make([]value.Range, len(group))
		anyRead, anyWrite := false, false
		for i, c := range group {
			if it, ok := reads[c]; ok {
				readRanges[i] = it.Range()
				anyRead = true
			} else {
				readRanges[i] = value.Wildcard()
			}
			if it, ok := writes[c]; ok {
				writeRanges[i] = it.Range()
				anyWrite = true
			} else {
				writeRanges[i] = value.Wildcard()
			}
		}
		task := compositeTask{nodeID: id, gid: t.Gid}
		if anyRead {
			task.readRanges = [][]value.Range{readRanges}
		}
		if anyWrite {
			task.writeRanges = [][]value.Range{writeRanges}
		}
		cw.queue.Push(task)
	}

	return id
}

// markColumnTaskDone decrements a node's pending-column counter; the
// worker that takes it to zero sets ready = true.
func (g *Graph) markColumnTaskDone(id NodeID) {
	g.graphMu.RLock()
	node, ok := g.nodes[id]
	g.graphMu.RUnlock()
	if !ok {
		return
	}
	if node.pendingColumns.Add(^uint32(0)) == 0 { // decrement
		node.ready.Store(true)
	}
}

// addEdge adds a directed edge from -> to unless from is to, from is the
// zero NodeID, or either node is no longer in the graph. The gid-order
// check is made by its caller, recordConflict. Safe to call
// concurrently; acquires the graph lock.
func (g *Graph) addEdge(from, to NodeID) {
	if from == to || from == 0 {
		return
	}
	g.graphMu.Lock()
	defer g.graphMu.Unlock()
	if _, ok := g.nodes[from]; !ok {
		return
	}
	if _, ok := g.nodes[to]; !ok {
		return
	}
	g.edgesOut[from][to] = true
	g.edgesIn[to][from] = true
}

// AddEdge is the public, unconditional manual-edge primitive used to
// order a prepended user query before its host gid.
func (g *Graph) AddEdge(from, to NodeID) {
	g.graphMu.Lock()
	defer g.graphMu.Unlock()
	if _, ok := g.edgesOut[from]; !ok {
		return
	}
	g.edgesOut[from][to] = true
	g.edgesIn[to][from] = true
}

// ReleaseNode clears a manually-held node's hold flag.
func (g *Graph) ReleaseNode(id NodeID) {
	g.graphMu.RLock()
	node, ok := g.nodes[id]
	g.graphMu.RUnlock()
	if ok {
		node.hold.Store(false)
	}
}

func (g *Graph) NodeFor(id NodeID) (*Node, bool) {
	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	n, ok := g.nodes[id]
	return n, ok
}

// Entrypoint atomically claims the first ready, unheld, non-finalised
// node whose in-edges are all finalised, CAS-ing processedBy from -1 to
// workerID. Returns (0, false) if no node currently qualifies.
func (g *Graph) Entrypoint(workerID int) (NodeID, bool) {
	g.graphMu.RLock()
	defer g.graphMu.RUnlock()

	for id, n := range g.nodes {
		if !n.Ready() || n.Hold() || n.Finalized() {
			continue
		}
		if n.ProcessedBy() != -1 {
			continue
		}
		if !g.inEdgesFinalizedLocked(id) {
			continue
		}
		if n.processedBy.CompareAndSwap(-1, int32(workerID)) {
			return id, true
		}
	}
	return 0, false
}

func (g *Graph) inEdgesFinalizedLocked(id NodeID) bool {
	for src := range g.edgesIn[id] {
		srcNode, ok := g.nodes[src]
		if !ok {
			continue // already GC'd, therefore already finalized
		}
		if !srcNode.Finalized() {
			return false
		}
	}
	return true
}

// IsFinalized reports whether every node currently in the graph is
// finalised.
func (g *Graph) IsFinalized() bool {
	g.graphMu.RLock()
	defer g.graphMu.RUnlock()
	for _, n := range g.nodes {
		if !n.Finalized() {
			return false
		}
	}
	return true
}

// GC removes every node that is finalised and has had its transaction
// released, scrubbing any holder that still references it. The graph's
// own sync.RWMutex provides mutual exclusion against concurrent
// topology mutation, since every topology mutation (AddNode's edge
// installs, addEdge, GC's removal) takes the same lock — see DESIGN.md.
func (g *Graph) GC() {
	g.graphMu.Lock()
	defer g.graphMu.Unlock()

	var removed []NodeID
	for id, n := range g.nodes {
		if n.Finalized() && n.Transaction() == nil {
			removed = append(removed, id)
		}
	}
	if len(removed) == 0 {
		return
	}
	removedSet := make(map[NodeID]bool, len(removed))
	for _, id := range removed {
		removedSet[id] = true
		for dst := range g.edgesOut[id] {
			delete(g.edgesIn[dst], id)
		}
		for src := range g.edgesIn[id] {
			delete(g.edgesOut[src], id)
		}
		delete(g.edgesOut, id)
		delete(g.edgesIn, id)
		delete(g.nodes, id)
	}

	scrubHolder := func(h *rwHolder) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.hasRead && removedSet[h.read] {
			h.hasRead = false
			h.read = 0
		}
		if h.hasWrite && removedSet[h.write] {
			h.hasWrite = false
			h.write = 0
		}
	}
	for _, cw := range g.columnWorkers {
		cw.mapMu.Lock()
		cw.entries.Ascend(func(e *rwEntry) bool {
			scrubHolder(e.holder)
			return true
		})
		cw.mapMu.Unlock()
		scrubHolder(cw.wildcard)
	}
	for _, cw := range g.compositeWorkers {
		cw.mapMu.Lock()
		cw.entries.Ascend(func(e *compositeEntry) bool {
			scrubHolder(e.holder)
			return true
		})
		cw.mapMu.Unlock()
		scrubHolder(cw.wildcard)
	}
}

// Dump renders the current graph as Graphviz DOT, a diagnostic surface
// for visualizing node dependencies during debugging.
func (g *Graph) Dump(w io.Writer) error {
	g.graphMu.RLock()
	defer g.graphMu.RUnlock()

	dg := dot.NewGraph(dot.Directed)
	nodeByID := make(map[NodeID]dot.Node, len(g.nodes))
	for id, n := range g.nodes {
		gid := uint64(0)
		if t := n.transaction; t != nil {
			gid = t.Gid
		}
		label := fmt.Sprintf("node=%d gid=%d ready=%v finalized=%v", id, gid, n.Ready(), n.Finalized())
		nodeByID[id] = dg.Node(fmt.Sprintf("%d", id)).Label(label)
	}
	for from, outs := range g.edgesOut {
		for to := range outs {
			dg.Edge(nodeByID[from], nodeByID[to])
		}
	}
	_, err := io.WriteString(w, dg.String())
	return err
}

func (g *Graph) debugNodeMapSize(column string) int {
	cw, ok := g.columnWorkers[strings.ToLower(column)]
	if !ok {
		return 0
	}
	cw.mapMu.Lock()
	defer cw.mapMu.Unlock()
	return cw.entries.Len()
}

func (g *Graph) debugTotalNodeMapSize() int {
	total := 0
	for _, cw := range g.columnWorkers {
		cw.mapMu.Lock()
		total += cw.entries.Len()
		cw.mapMu.Unlock()
	}
	return total
}
