// Package changer implements the orchestrator (C6): the three
// idempotent, restartable phases that drive the rest of the module —
// makeCluster, prepare and replay.
package changer

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ultraverse-io/retrostate/internal/config"
	"github.com/ultraverse-io/retrostate/state/cluster"
	"github.com/ultraverse-io/retrostate/state/iface"
	"github.com/ultraverse-io/retrostate/state/resolver"
	"github.com/ultraverse-io/retrostate/state/txn"
)

// SchemaNamePrefix names every intermediate database this module
// creates during phase A.
const SchemaNamePrefix = "ultrareplay_"

// Changer holds the external collaborators every phase needs and the
// parsed configuration driving them. Each phase method is independently
// callable and idempotent.
type Changer struct {
	Config *config.Config
	Logger *zap.Logger

	LogReader     iface.LogReader
	ClusterStore  iface.ClusterStore
	BackupLoader  iface.BackupLoader
	DBPool        iface.DBHandlePool
	Introspector  iface.SchemaIntrospector

	Resolver *resolver.CachedResolver
}

// New wires a Changer from its collaborators; the resolver is created
// fresh and wrapped in a bounded LRU cache.
func New(cfg *config.Config, logger *zap.Logger, logReader iface.LogReader, clusterStore iface.ClusterStore, backupLoader iface.BackupLoader, dbPool iface.DBHandlePool, introspector iface.SchemaIntrospector) (*Changer, error) {
	cr, err := resolver.NewCachedResolver(resolver.New(), 4096)
	if err != nil {
		return nil, errors.Wrap(err, "construct resolver cache")
	}
	for _, ca := range cfg.ColumnAliases {
		cr.Inner().AddAlias(ca.Alias, ca.Real)
	}
	return &Changer{
		Config:       cfg,
		Logger:       logger,
		LogReader:    logReader,
		ClusterStore: clusterStore,
		BackupLoader: backupLoader,
		DBPool:       dbPool,
		Introspector: introspector,
		Resolver:     cr,
	}, nil
}

// newIntermediateSchemaName mints a unique schema name, per phase A
// step 1 (SCHEMA_NAME_PREFIX + random).
func newIntermediateSchemaName() string {
	return SchemaNamePrefix + uuid.NewString()[:8]
}

// takeLease wraps DBPool.Take in a bounded exponential backoff, since a
// pool handout can transiently fail under load (connection churn,
// momentary pool exhaustion) well before §7's fatal DB-error path
// applies.
func (c *Changer) takeLease(ctx context.Context) (iface.DBHandleLease, error) {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5), ctx)
	var lease iface.DBHandleLease
	err := backoff.RetryNotify(func() error {
		l, err := c.DBPool.Take(ctx)
		if err != nil {
			return err
		}
		lease = l
		return nil
	}, bo, func(err error, d time.Duration) {
		c.Logger.Warn("db handle lease failed, retrying", zap.Error(err), zap.Duration("backoff", d))
	})
	if err != nil {
		return nil, errors.Wrap(err, "take db handle lease")
	}
	return lease, nil
}

// seedSchema runs schema introspection, registers every foreign key
// discovered with the resolver and returns them; used by phases A, B
// and C.
func (c *Changer) seedSchema(ctx context.Context, schema string) ([]cluster.ForeignKey, error) {
	pks, err := c.Introspector.PrimaryKeys(ctx, schema)
	if err != nil {
		return nil, errors.Wrap(err, "introspect primary keys")
	}
	c.Logger.Debug("introspected primary keys", zap.Int("count", len(pks)))

	fkRefs, err := c.Introspector.ForeignKeys(ctx, schema)
	if err != nil {
		return nil, errors.Wrap(err, "introspect foreign keys")
	}

	fks := make([]cluster.ForeignKey, 0, len(fkRefs))
	for _, ref := range fkRefs {
		c.Resolver.Inner().AddForeignKey(
			fmt.Sprintf("%s.%s", ref.ChildTable, ref.ChildColumn),
			fmt.Sprintf("%s.%s", ref.ParentTable, ref.ParentColumn),
		)
		fks = append(fks, cluster.ForeignKey{
			ChildTable: ref.ChildTable, ChildColumn: ref.ChildColumn,
			ParentTable: ref.ParentTable, ParentColumn: ref.ParentColumn,
		})
	}
	c.Logger.Debug("introspected foreign keys", zap.Int("count", len(fks)))
	return fks, nil
}

// inRange reports whether gid falls within [start, end] (end == 0 means
// unbounded), and is not in skip.
func inRange(gid, start, end uint64, skip map[uint64]bool) bool {
	if gid < start {
		return false
	}
	if end != 0 && gid > end {
		return false
	}
	return !skip[gid]
}

func toSkipSet(gids []uint64) map[uint64]bool {
	out := make(map[uint64]bool, len(gids))
	for _, g := range gids {
		out[g] = true
	}
	return out
}

// loadAllTransactions streams the full log through fn, stopping (without
// error) when the reader is exhausted.
func (c *Changer) loadAllTransactions(fn func(h txn.Header, t *txn.Transaction) error) error {
	for {
		ok, err := c.LogReader.NextHeader()
		if err != nil {
			return errors.Wrap(err, "read transaction header")
		}
		if !ok {
			return nil
		}
		header := c.LogReader.TxnHeader()

		ok, err = c.LogReader.NextTransaction()
		if err != nil {
			return errors.Wrap(err, "read transaction body")
		}
		if !ok {
			return nil
		}
		body := c.LogReader.TxnBody()

		if err := fn(header, body); err != nil {
			return err
		}
	}
}
