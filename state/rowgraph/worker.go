package rowgraph

import (
	"github.com/ultraverse-io/retrostate/state/value"
)

// columnWorkerLoop drains a single key column's task queue, one task at
// a time, so that edge decisions for a given column are always made
// against a consistent view of that column's node map. Ported from
// RowGraph::ColumnWorker's dedicated worker thread.
func (g *Graph) columnWorkerLoop(cw *columnWorker) {
	defer g.workerWG.Done()
	for {
		task, ok := cw.queue.Pop()
		if !ok {
			return
		}
		g.processColumnTask(cw, task)
		g.markColumnTaskDone(task.nodeID)
	}
}

func (g *Graph) compositeWorkerLoop(cw *compositeWorker) {
	defer g.workerWG.Done()
	for {
		task, ok := cw.queue.Pop()
		if !ok {
			return
		}
		g.processCompositeTask(cw, task)
		g.markColumnTaskDone(task.nodeID)
	}
}

// recordConflict emits an edge from the holder's previous occupant to
// the current node when the gid ordering and self-reference checks
// pass.
func (g *Graph) recordConflict(h *rwHolder, nodeID NodeID, gid uint64, fromRead, fromWrite bool) {
	h.mu.Lock()
	var srcRead, srcWrite NodeID
	var srcReadGid, srcWriteGid uint64
	hasRead, hasWrite := h.hasRead, h.hasWrite
	srcRead, srcReadGid = h.read, h.readGid
	srcWrite, srcWriteGid = h.write, h.writeGid
	h.mu.Unlock()

	// WAR / WAW: a write conflicts with any prior reader and writer.
	// RAW: a read conflicts with any prior writer.
	if fromWrite {
		if hasRead && srcRead != nodeID && srcReadGid <= gid {
			g.addEdge(srcRead, nodeID)
		}
		if hasWrite && srcWrite != nodeID && srcWriteGid <= gid {
			g.addEdge(srcWrite, nodeID)
		}
	}
	if fromRead {
		if hasWrite && srcWrite != nodeID && srcWriteGid <= gid {
			g.addEdge(srcWrite, nodeID)
		}
	}
}

func (g *Graph) installHolder(h *rwHolder, nodeID NodeID, gid uint64, asRead, asWrite bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if asRead {
		h.hasRead = true
		h.read = nodeID
		h.readGid = gid
	}
	if asWrite {
		h.hasWrite = true
		h.write = nodeID
		h.writeGid = gid
	}
}

// findEntry locates the node_map entry matching rng under the worker's
// configured comparison mode. EqOnly compares by hash only, an O(log n)
// btree lookup; Intersect ascends the hash-ordered tree from zero,
// scanning for any intersecting range and additionally requiring a
// structural match to bound Intersect mode's false-positive risk (see
// DESIGN.md open question).
func (g *Graph) findEntry(cw *columnWorker, rng value.Range) *rwEntry {
	if g.comparisonMode == EqOnly {
		probe := &rwEntry{hash: rng.Hash()}
		if found, ok := cw.entries.Get(probe); ok {
			return found
		}
		return nil
	}
	var match *rwEntry
	cw.entries.Ascend(func(e *rwEntry) bool {
		if e.rng.Intersects(rng) && e.rng.StructuralEqual(rng) {
			match = e
			return false
		}
		return true
	})
	return match
}

func (g *Graph) processColumnTask(cw *columnWorker, task columnTask) {
	process := func(it value.Range, asRead, asWrite bool) {
		if it.IsWildcard() {
			cw.mapMu.Lock()
			entries := make([]*rwEntry, 0, cw.entries.Len())
			cw.entries.Ascend(func(e *rwEntry) bool {
				entries = append(entries, e)
				return true
			})
			cw.mapMu.Unlock()

			for _, e := range entries {
				g.recordConflict(e.holder, task.nodeID, task.gid, asRead, asWrite)
			}
			g.recordConflict(cw.wildcard, task.nodeID, task.gid, asRead, asWrite)
			g.installHolder(cw.wildcard, task.nodeID, task.gid, asRead, asWrite)
			return
		}

		g.recordConflict(cw.wildcard, task.nodeID, task.gid, asRead, asWrite)

		cw.mapMu.Lock()
		entry := g.findEntry(cw, it)
		if entry == nil {
			entry = &rwEntry{hash: it.Hash(), rng: it, holder: &rwHolder{}}
			cw.entries.ReplaceOrInsert(entry)
		}
		cw.mapMu.Unlock()

		g.recordConflict(entry.holder, task.nodeID, task.gid, asRead, asWrite)
		g.installHolder(entry.holder, task.nodeID, task.gid, asRead, asWrite)
	}

	for _, it := range task.readItems {
		process(it.Range(), true, false)
	}
	for _, it := range task.writeItems {
		process(it.Range(), false, true)
	}
}

func (g *Graph) findCompositeEntry(cw *compositeWorker, ranges []value.Range) *compositeEntry {
	h := compositeHash(ranges)
	if g.comparisonMode == EqOnly {
		probe := &compositeEntry{hash: h}
		if found, ok := cw.entries.Get(probe); ok {
			return found
		}
		return nil
	}
	var match *compositeEntry
	cw.entries.Ascend(func(e *compositeEntry) bool {
		if compositeIntersects(e.ranges, ranges) && compositeStructuralEqual(e.ranges, ranges) {
			match = e
			return false
		}
		return true
	})
	return match
}

func (g *Graph) processCompositeTask(cw *compositeWorker, task compositeTask) {
	process := func(ranges []value.Range, asRead, asWrite bool) {
		if compositeAllWildcard(ranges) {
			cw.mapMu.Lock()
			entries := make([]*compositeEntry, 0, cw.entries.Len())
			cw.entries.Ascend(func(e *compositeEntry) bool {
				entries = append(entries, e)
				return true
			})
			cw.mapMu.Unlock()

			for _, e := range entries {
				g.recordConflict(e.holder, task.nodeID, task.gid, asRead, asWrite)
			}
			g.recordConflict(cw.wildcard, task.nodeID, task.gid, asRead, asWrite)
			g.installHolder(cw.wildcard, task.nodeID, task.gid, asRead, asWrite)
			return
		}

		g.recordConflict(cw.wildcard, task.nodeID, task.gid, asRead, asWrite)

		cw.mapMu.Lock()
		entry := g.findCompositeEntry(cw, ranges)
		if entry == nil {
			entry = &compositeEntry{hash: compositeHash(ranges), ranges: ranges, holder: &rwHolder{}}
			cw.entries.ReplaceOrInsert(entry)
		}
		cw.mapMu.Unlock()

		g.recordConflict(entry.holder, task.nodeID, task.gid, asRead, asWrite)
		g.installHolder(entry.holder, task.nodeID, task.gid, asRead, asWrite)
	}

	for _, ranges := range task.readRanges {
		process(ranges, true, false)
	}
	for _, ranges := range task.writeRanges {
		process(ranges, false, true)
	}
}

func compositeAllWildcard(ranges []value.Range) bool {
	for _, r := range ranges {
		if !r.IsWildcard() {
			return false
		}
	}
	return true
}

func compositeIntersects(a, b []value.Range) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Intersects(b[i]) {
			return false
		}
	}
	return true
}

func compositeStructuralEqual(a, b []value.Range) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].StructuralEqual(b[i]) {
			return false
		}
	}
	return true
}

func compositeHash(ranges []value.Range) uint64 {
	var h uint64
	for _, r := range ranges {
		h ^= r.Hash()
	}
	return h
}
