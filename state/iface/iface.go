// Package iface holds the external collaborator contracts (C7): the
// state-log reader, cluster store, backup loader and DB handle pool
// that the orchestrator depends on but does not implement.
package iface

import (
	"context"

	"github.com/ultraverse-io/retrostate/state/cluster"
	"github.com/ultraverse-io/retrostate/state/txn"
)

// LogReader is the state-log binary reader contract: two-phase reads
// (header, then body) over a byte-addressable, seekable position space.
type LogReader interface {
	Open(path string) error
	Close() error
	Reset() error
	Seek(pos uint64) error
	Pos() uint64

	NextHeader() (bool, error)
	NextTransaction() (bool, error)
	SkipTransaction() error

	TxnHeader() txn.Header
	TxnBody() *txn.Transaction

	// SeekGid performs a fast random seek through an external gid index.
	SeekGid(gid uint64) (bool, error)
}

// ClusterStore persists and restores a serialised StateCluster.
type ClusterStore interface {
	Load() (*cluster.StateCluster, error)
	Save(sc *cluster.StateCluster) error
}

// BackupLoader loads a SQL dump file into a named database, typically by
// piping the file into a `mysql` client subprocess and waiting on it.
type BackupLoader interface {
	LoadBackup(ctx context.Context, dbName, filePath string) error
}

// DBHandle is a single pooled database connection.
type DBHandle interface {
	Connect(ctx context.Context) error
	Disconnect() error
	ExecuteQuery(ctx context.Context, query string) (int64, error)
	LastError() error
	ConsumeResults() error
}

// DBHandleLease is an owning lease on a pooled DBHandle; releasing it
// returns the handle to the pool.
type DBHandleLease interface {
	Get() DBHandle
	Release()
}

// DBHandlePool hands out leased connections up to a fixed capacity.
type DBHandlePool interface {
	Take(ctx context.Context) (DBHandleLease, error)
	PoolSize() int
}

// ForeignKeyRef is one primary/foreign-key pair as reported by schema
// introspection.
type ForeignKeyRef struct {
	ChildTable, ChildColumn   string
	ParentTable, ParentColumn string
}

// SchemaIntrospector queries information_schema for primary and foreign
// keys over the configured schema, to seed the resolver and the
// table-dependency graph at phase-A startup.
type SchemaIntrospector interface {
	PrimaryKeys(ctx context.Context, schema string) ([]string, error)
	ForeignKeys(ctx context.Context, schema string) ([]ForeignKeyRef, error)
}
