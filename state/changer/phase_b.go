package changer

import (
	"context"
	"os"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ultraverse-io/retrostate/internal/report"
	"github.com/ultraverse-io/retrostate/state/plan"
	"github.com/ultraverse-io/retrostate/state/taint"
	"github.com/ultraverse-io/retrostate/state/txn"
)

// loadUserQuery reads a prepend-target SQL file into a single-query
// Transaction. Statement parsing (item extraction) is the out-of-scope
// SQL parser's job; a prepended query therefore carries no read/write
// items of its own and is scheduled purely by its manual graph edge.
func loadUserQuery(gid uint64, filePath string) (*txn.Transaction, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "read user query file %q", filePath)
	}
	q := txn.NewQuery("", string(data))
	q.Flags = txn.QueryFlagForceExecute
	return &txn.Transaction{Gid: gid, Queries: []txn.Query{q}}, nil
}

// fetchTransaction seeks the log to gid and returns its transaction.
func (c *Changer) fetchTransaction(gid uint64) (*txn.Transaction, error) {
	found, err := c.LogReader.SeekGid(gid)
	if err != nil {
		return nil, errors.Wrapf(err, "seek gid %d", gid)
	}
	if !found {
		return nil, errors.Errorf("gid %d not found in state log", gid)
	}
	if ok, err := c.LogReader.NextHeader(); err != nil || !ok {
		return nil, errors.Wrapf(err, "read header at gid %d", gid)
	}
	if ok, err := c.LogReader.NextTransaction(); err != nil || !ok {
		return nil, errors.Wrapf(err, "read transaction at gid %d", gid)
	}
	return c.LogReader.TxnBody(), nil
}

// Prepare runs phase B: load the cluster, seed rollback/prepend targets,
// stream the log computing taint, and emit the replay plan to disk.
func (c *Changer) Prepare(ctx context.Context) (*report.Report, error) {
	rep := report.New("prepare")
	start := time.Now()

	sc, err := c.ClusterStore.Load()
	if err != nil {
		return nil, errors.Wrap(err, "load cluster")
	}
	sc.NormalizeWithResolver(c.Resolver)

	if c.Config.FullReplay {
		schema := newIntermediateSchemaName()
		rep.IntermediateDBName = schema
		lease, err := c.takeLease(ctx)
		if err != nil {
			return nil, errors.Wrap(err, "take db handle for schema recreation")
		}
		handle := lease.Get()
		if err := handle.Connect(ctx); err != nil {
			lease.Release()
			return nil, errors.Wrap(err, "connect db handle")
		}
		_, err = handle.ExecuteQuery(ctx, "CREATE DATABASE "+schema)
		lease.Release()
		if err != nil {
			return nil, errors.Wrap(err, "recreate intermediate database")
		}
	}

	fks, err := c.seedSchema(ctx, c.Config.DBName)
	if err != nil {
		return nil, err
	}

	skip := toSkipSet(c.Config.SkipGids)

	var taintMu sync.Mutex
	columnTaint := mapset.NewThreadUnsafeSet[string]()
	unionTaint := func(cols mapset.Set[string]) {
		taintMu.Lock()
		columnTaint = columnTaint.Union(cols)
		taintMu.Unlock()
	}
	isRelated := func(candidate mapset.Set[string]) bool {
		taintMu.Lock()
		defer taintMu.Unlock()
		return taint.ColumnSetsRelated(columnTaint, candidate, fks)
	}

	isTarget := make(map[uint64]bool)
	userQueries := make(map[uint64]*txn.Transaction, len(c.Config.UserQueries))

	for _, gid := range c.Config.RollbackGids {
		t, err := c.fetchTransaction(gid)
		if err != nil {
			return nil, errors.Wrap(err, "seed rollback target")
		}
		sc.AddRollbackTarget(t, c.Resolver, false)
		isTarget[gid] = true
		unionTaint(t.WriteColumns())
	}
	for gid, path := range c.Config.UserQueries {
		t, err := loadUserQuery(gid, path)
		if err != nil {
			return nil, errors.Wrap(err, "seed prepend target")
		}
		sc.AddPrependTarget(gid, t, c.Resolver)
		isTarget[gid] = true
		userQueries[gid] = t
	}
	sc.RefreshTargetCache(c.Resolver)

	if err := c.LogReader.Open(c.Config.StateLogPath); err != nil {
		return nil, errors.Wrap(err, "open state log")
	}
	defer c.LogReader.Close()

	planWorkers := c.Config.ThreadNum
	if planWorkers <= 0 {
		planWorkers = 4
	}
	g := new(errgroup.Group)
	g.SetLimit(planWorkers)

	var planMu sync.Mutex
	p := plan.New()
	for gid, t := range userQueries {
		p.UserQueries[gid] = t
	}
	for _, gid := range c.Config.RollbackGids {
		p.AddRollbackGid(gid)
	}

	total := 0
	err = c.loadAllTransactions(func(h txn.Header, t *txn.Transaction) error {
		total++
		if !inRange(t.Gid, c.Config.StartGid, c.Config.EndGid, skip) {
			return nil
		}
		if t.HasDDL() {
			c.Logger.Warn("skipping DDL transaction", zap.Uint64("gid", t.Gid))
			return nil
		}

		if isTarget[t.Gid] {
			unionTaint(t.WriteColumns())
			planMu.Lock()
			p.AddRollbackGid(t.Gid)
			planMu.Unlock()
			return nil
		}

		touchSet := t.ReadColumns().Union(t.WriteColumns())
		columnRelated := isRelated(touchSet)
		hasKeyItems := taint.HasKeyColumnItems(t, sc, c.Resolver)

		if !columnRelated && !hasKeyItems {
			return nil
		}

		// Column-dependent or key-column-touching: if key columns are
		// configured at all, the cluster's range-level should_replay
		// decides; otherwise there is nothing finer to check against, so
		// the column-taint match alone is enough to include the gid. A
		// transaction included this way also extends column_taint with
		// its own writes, so taint propagates transitively downstream.
		if len(sc.KeyColumns()) == 0 {
			unionTaint(t.WriteColumns())
			planMu.Lock()
			p.AddGid(t.Gid)
			planMu.Unlock()
			return nil
		}

		gid := t.Gid
		writes := t.WriteColumns()
		g.Go(func() error {
			if sc.ShouldReplay(gid) {
				unionTaint(writes)
				planMu.Lock()
				p.AddGid(gid)
				planMu.Unlock()
			}
			return nil
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := g.Wait(); err != nil {
		return nil, errors.Wrap(err, "fan-out should-replay evaluation")
	}

	p.SortAndDedupe()
	p.ReplaceQueries = sc.GenerateReplaceQuery(c.Config.DBName, plan.IntermediateDBPlaceholder, c.Resolver, fks)

	store := plan.NewStore(plan.PathFor(c.Config.StateLogPath, c.Config.StateLogName))
	if err := store.Save(p); err != nil {
		return nil, errors.Wrap(err, "save replay plan")
	}
	c.Logger.Info("prepared replay plan", zap.String("plan", p.String()))

	rep.TotalCount = total
	rep.ReplayGidCount = len(p.Gids)
	rep.RollbackGids = p.RollbackGids
	rep.ExecutionTime = time.Since(start)
	if c.Config.ReportPath != "" {
		if err := rep.Write(c.Config.ReportPath); err != nil {
			return nil, err
		}
	}
	return rep, nil
}
