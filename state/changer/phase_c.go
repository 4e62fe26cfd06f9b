package changer

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ultraverse-io/retrostate/internal/report"
	"github.com/ultraverse-io/retrostate/state/plan"
	"github.com/ultraverse-io/retrostate/state/rowgraph"
	"github.com/ultraverse-io/retrostate/state/txn"
)

// entrypointPollInterval and backpressureSleep are the busy-poll and
// backpressure intervals the entrypoint queue uses while waiting on
// row-graph progress.
const (
	entrypointPollInterval = 5 * time.Millisecond
	backpressureSleep      = 16 * time.Millisecond
	backpressureThreshold  = 4000
	gcInterval             = 10 * time.Second
)

// Replay runs phase C: load the replay plan, optionally pre-replay a
// warm-up window, feed the plan's gids through a RowGraph, and drive N
// executor workers until the graph finalises, then apply the generated
// replace queries against the live database.
func (c *Changer) Replay(ctx context.Context) (*report.Report, error) {
	rep := report.New("replay")
	start := time.Now()

	store := plan.NewStore(plan.PathFor(c.Config.StateLogPath, c.Config.StateLogName))
	p, err := store.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load replay plan")
	}
	c.Logger.Info("loaded replay plan", zap.String("plan", p.String()))

	_, err = c.seedSchema(ctx, c.Config.DBName)
	if err != nil {
		return nil, err
	}

	schema := newIntermediateSchemaName()
	rep.IntermediateDBName = schema
	if err := c.useSchemaOnPool(ctx, schema, true); err != nil {
		return nil, err
	}
	if c.Config.DBDumpPath != "" {
		if err := c.BackupLoader.LoadBackup(ctx, schema, c.Config.DBDumpPath); err != nil {
			return nil, errors.Wrap(err, "load backup")
		}
	}

	if err := c.LogReader.Open(c.Config.StateLogPath); err != nil {
		return nil, errors.Wrap(err, "open state log")
	}
	defer c.LogReader.Close()

	if firstTarget, ok := firstTargetGid(p); ok && c.Config.ReplayFromGid != 0 && c.Config.ReplayFromGid < firstTarget {
		if err := c.preReplay(ctx, c.Config.ReplayFromGid, firstTarget-1, toSkipSet(p.RollbackGids)); err != nil {
			return nil, errors.Wrap(err, "pre-replay")
		}
	}

	replaceQueries := p.SubstituteIntermediateDB(schema)

	queryCount, err := c.runReplay(ctx, p)
	if err != nil {
		return nil, err
	}

	if c.Config.ExecuteReplaceQuery {
		if err := c.applyReplaceQueries(ctx, replaceQueries); err != nil {
			return nil, errors.Wrap(err, "apply replace queries")
		}
	}

	if c.Config.DropIntermediateDB {
		if err := c.useSchemaOnPool(ctx, "", false); err == nil {
			_ = c.dropSchema(ctx, schema)
		}
	}

	rep.ReplayGidCount = len(p.Gids)
	rep.TotalCount = len(p.Gids) + len(p.RollbackGids)
	rep.ReplayQueryCount = queryCount
	rep.ExecutionTime = time.Since(start)
	if c.Config.ReportPath != "" {
		if err := rep.Write(c.Config.ReportPath); err != nil {
			return nil, err
		}
	}
	return rep, nil
}

// useSchemaOnPool runs "USE <schema>" against every pooled connection,
// per §4.5 phase C step 2. When create is true the schema is created
// first.
func (c *Changer) useSchemaOnPool(ctx context.Context, schema string, create bool) error {
	n := c.DBPool.PoolSize()
	if n <= 0 {
		n = 1
	}
	for i := 0; i < n; i++ {
		lease, err := c.takeLease(ctx)
		if err != nil {
			return errors.Wrap(err, "take db handle")
		}
		handle := lease.Get()
		if err := handle.Connect(ctx); err != nil {
			lease.Release()
			return errors.Wrap(err, "connect db handle")
		}
		if create && schema != "" {
			if _, err := handle.ExecuteQuery(ctx, "CREATE DATABASE IF NOT EXISTS "+schema); err != nil {
				lease.Release()
				return errors.Wrap(err, "create intermediate database")
			}
		}
		if schema != "" {
			if _, err := handle.ExecuteQuery(ctx, "USE "+schema); err != nil {
				lease.Release()
				return errors.Wrap(err, "select intermediate database")
			}
		}
		lease.Release()
	}
	return nil
}

func (c *Changer) dropSchema(ctx context.Context, schema string) error {
	lease, err := c.takeLease(ctx)
	if err != nil {
		return err
	}
	defer lease.Release()
	handle := lease.Get()
	_, err = handle.ExecuteQuery(ctx, "DROP DATABASE "+schema)
	return err
}

// firstTargetGid returns the smallest gid the plan actually targets —
// either a rollback gid or the log gid a replayed transaction hangs
// off — which bounds the pre-replay window from above: a target itself
// is replaced by a no-op and must never execute, pre-replayed or
// otherwise.
func firstTargetGid(p *plan.ReplayPlan) (uint64, bool) {
	found := false
	var min uint64
	consider := func(gid uint64) {
		if !found || gid < min {
			min = gid
			found = true
		}
	}
	if len(p.Gids) > 0 {
		consider(p.Gids[0])
	}
	if len(p.RollbackGids) > 0 {
		consider(p.RollbackGids[0])
	}
	for gid := range p.UserQueries {
		consider(gid)
	}
	return min, found
}

// preReplay streams [fromGid, toGid] through an isolated RowGraph with
// its own worker pool and drains it before the main replay continues,
// per §4.5 phase C step 3. Gids in skip (rollback targets) are never
// added to the graph: they are replaced by a no-op in the new history.
func (c *Changer) preReplay(ctx context.Context, fromGid, toGid uint64, skip map[uint64]bool) error {
	c.Logger.Info("pre-replay window", zap.Uint64("from", fromGid), zap.Uint64("to", toGid))

	g := rowgraph.New(c.Config.KeyColumns, c.Config.KeyColumnGroups, c.Resolver)
	g.SetRangeComparisonMethod(c.Config.RangeComparison.ToGraphMode())
	defer g.Close()

	found, err := c.LogReader.SeekGid(fromGid)
	if err != nil || !found {
		return errors.Wrapf(err, "seek pre-replay start gid %d", fromGid)
	}

	err = c.loadAllTransactions(func(h txn.Header, t *txn.Transaction) error {
		if t.Gid > toGid {
			return errStopStreaming
		}
		if !skip[t.Gid] {
			g.AddNode(t, false)
		}
		return nil
	})
	if err != nil && err != errStopStreaming {
		return err
	}

	return c.drainGraph(ctx, g, c.Config.ThreadNum)
}

// errStopStreaming is a sentinel used to end loadAllTransactions early
// once the caller's gid window has been fully consumed.
var errStopStreaming = errors.New("stop streaming")

// runReplay feeds p's gids (plus any prepended user transactions) into a
// fresh RowGraph and drives it to completion, per §4.5 phase C step 4.
func (c *Changer) runReplay(ctx context.Context, p *plan.ReplayPlan) (int, error) {
	g := rowgraph.New(c.Config.KeyColumns, c.Config.KeyColumnGroups, c.Resolver)
	g.SetRangeComparisonMethod(c.Config.RangeComparison.ToGraphMode())
	defer g.Close()

	sortedUserGids := make([]uint64, 0, len(p.UserQueries))
	for gid := range p.UserQueries {
		sortedUserGids = append(sortedUserGids, gid)
	}
	sort.Slice(sortedUserGids, func(i, j int) bool { return sortedUserGids[i] < sortedUserGids[j] })

	var pending []rowgraph.NodeID

	queryCount := 0
	for _, gid := range p.Gids {
		for len(sortedUserGids) > 0 && sortedUserGids[0] < gid {
			ugid := sortedUserGids[0]
			sortedUserGids = sortedUserGids[1:]
			pending = append(pending, g.AddNode(p.UserQueries[ugid], false))
		}

		t, err := c.fetchTransaction(gid)
		if err != nil {
			return 0, errors.Wrapf(err, "fetch replay transaction %d", gid)
		}
		queryCount += len(t.Queries)

		if len(sortedUserGids) > 0 && sortedUserGids[0] == gid {
			ugid := sortedUserGids[0]
			sortedUserGids = sortedUserGids[1:]
			userID := g.AddNode(p.UserQueries[ugid], false)
			logID := g.AddNode(t, true)
			g.AddEdge(userID, logID)
			g.ReleaseNode(logID)
			pending = append(pending, userID, logID)
		} else {
			pending = append(pending, g.AddNode(t, false))
		}

		pending = c.awaitBackpressure(g, pending)
	}
	for _, ugid := range sortedUserGids {
		g.AddNode(p.UserQueries[ugid], false)
	}

	if err := c.drainGraph(ctx, g, c.Config.ThreadNum); err != nil {
		return 0, err
	}
	return queryCount, nil
}

// awaitBackpressure sleeps the feeder while more than backpressureThreshold
// fed-but-unfinalised nodes remain outstanding, per §5 "Backpressure in
// the replay feeder is a loop with 16ms sleeps when pending > 4000." It
// returns pending with every already-finalised node id dropped.
func (c *Changer) awaitBackpressure(g *rowgraph.Graph, pending []rowgraph.NodeID) []rowgraph.NodeID {
	if len(pending) <= backpressureThreshold {
		return pending
	}
	for {
		alive := pending[:0]
		for _, id := range pending {
			if n, ok := g.NodeFor(id); ok && !n.Finalized() {
				alive = append(alive, id)
			}
		}
		pending = alive
		if len(pending) <= backpressureThreshold {
			return pending
		}
		time.Sleep(backpressureSleep)
	}
}

// drainGraph runs a GC loop and thread-num executor workers against g
// until every node is finalised.
func (c *Changer) drainGraph(ctx context.Context, g *rowgraph.Graph, workers int) error {
	if workers <= 0 {
		workers = 4
	}

	gcStop := make(chan struct{})
	gcDone := make(chan struct{})
	go func() {
		defer close(gcDone)
		ticker := time.NewTicker(gcInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gcStop:
				return
			case <-ticker.C:
				g.GC()
			}
		}
	}()

	var fatal atomic.Value
	var workersWG sync.WaitGroup
	for i := 0; i < workers; i++ {
		workersWG.Add(1)
		go func(workerID int) {
			defer workersWG.Done()
			for {
				id, ok := g.Entrypoint(workerID)
				if !ok {
					if g.IsFinalized() {
						return
					}
					time.Sleep(entrypointPollInterval)
					continue
				}
				if err := c.executeNode(ctx, g, id); err != nil {
					fatal.Store(err.Error())
				}
			}
		}(i)
	}

	workersWG.Wait()
	close(gcStop)
	<-gcDone

	if v := fatal.Load(); v != nil {
		c.Logger.Error("replay worker reported an error", zap.String("error", v.(string)))
	}
	return nil
}

// executeNode runs a claimed node's queries as a single SET
// autocommit=0; BEGIN; ...; COMMIT block, per §4.5 phase C step 6,
// rolling back and finalising without commit on any execution error per
// §7 "DB execution error".
func (c *Changer) executeNode(ctx context.Context, g *rowgraph.Graph, id rowgraph.NodeID) error {
	node, ok := g.NodeFor(id)
	if !ok {
		return nil
	}
	t := node.Transaction()
	defer func() {
		node.ReleaseTransaction()
		node.MarkFinalized()
	}()
	if t == nil {
		return nil
	}

	lease, err := c.takeLease(ctx)
	if err != nil {
		return errors.Wrap(err, "take db handle")
	}
	defer lease.Release()
	handle := lease.Get()

	queries := t.Queries
	if t.HasDDL() {
		return nil
	}
	if procQueries := t.ProcedureQueries(); len(procQueries) > 0 {
		queries = procQueries
	}

	if _, err := handle.ExecuteQuery(ctx, "SET autocommit=0"); err != nil {
		return errors.Wrap(err, "set autocommit")
	}
	if _, err := handle.ExecuteQuery(ctx, "BEGIN"); err != nil {
		return errors.Wrap(err, "begin transaction")
	}

	for _, q := range queries {
		if q.Flags.Has(txn.QueryFlagDDL) {
			continue
		}
		if _, err := handle.ExecuteQuery(ctx, q.Statement); err != nil {
			c.Logger.Error("replay statement failed, rolling back",
				zap.Uint64("gid", t.Gid), zap.Error(handle.LastError()))
			_, _ = handle.ExecuteQuery(ctx, "ROLLBACK")
			return err
		}
		if err := handle.ConsumeResults(); err != nil {
			_, _ = handle.ExecuteQuery(ctx, "ROLLBACK")
			return errors.Wrap(err, "consume results")
		}
	}

	if _, err := handle.ExecuteQuery(ctx, "COMMIT"); err != nil {
		return errors.Wrap(err, "commit transaction")
	}
	return nil
}

// applyReplaceQueries executes the already-substituted replace-query
// script against the live database in one transaction, per §4.5 phase C
// step 8.
func (c *Changer) applyReplaceQueries(ctx context.Context, queries []string) error {
	lease, err := c.takeLease(ctx)
	if err != nil {
		return errors.Wrap(err, "take db handle")
	}
	defer lease.Release()
	handle := lease.Get()

	if _, err := handle.ExecuteQuery(ctx, "START TRANSACTION"); err != nil {
		return errors.Wrap(err, "start transaction")
	}
	for _, q := range queries {
		if strings.TrimSpace(q) == "" {
			continue
		}
		if _, err := handle.ExecuteQuery(ctx, q); err != nil {
			_, _ = handle.ExecuteQuery(ctx, "ROLLBACK")
			return errors.Wrapf(err, "execute replace query %q", q)
		}
	}
	_, err = handle.ExecuteQuery(ctx, "COMMIT")
	return err
}
