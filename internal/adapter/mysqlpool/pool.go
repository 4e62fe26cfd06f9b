// Package mysqlpool is the reference database/sql-backed implementation
// of the DB handle pool and schema introspection contracts (§6): a fixed
// slice of connections handed out by a buffered-channel semaphore, and
// information_schema queries for primary/foreign keys.
package mysqlpool

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql" // register driver
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/ultraverse-io/retrostate/state/iface"
)

// Config is the subset of connection parameters the pool needs to open
// its fixed set of handles.
type Config struct {
	Host     string
	User     string
	Password string
	Database string
	PoolSize int
}

func (c Config) dsn(database string) string {
	if database == "" {
		database = c.Database
	}
	return fmt.Sprintf("%s:%s@tcp(%s)/%s?sql_mode=ansi&parseTime=true", c.User, c.Password, c.Host, database)
}

// handle wraps a single *sql.DB opened against one connection: a pool of
// fully independent connections rather than database/sql's own internal
// pooling, which would hide the one-handle-one-goroutine discipline the
// row graph's worker model depends on.
type handle struct {
	db     *sql.DB
	logger *zap.Logger
	lastErr error
}

func (h *handle) Connect(ctx context.Context) error {
	return errors.Wrap(h.db.PingContext(ctx), "connect")
}

func (h *handle) Disconnect() error {
	return h.db.Close()
}

// ExecuteQuery runs query and returns rows affected, per the execute_query(str)→i32
// contract. SELECTs and other statements returning rows go through Query
// and are drained rather than ever attempted here.
func (h *handle) ExecuteQuery(ctx context.Context, query string) (int64, error) {
	res, err := h.db.ExecContext(ctx, query)
	if err != nil {
		h.lastErr = err
		h.logger.Error("query execution failed", zap.String("query", query), zap.Error(err))
		return 0, err
	}
	h.lastErr = nil
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil // driver does not report rows affected for this statement kind
	}
	return n, nil
}

func (h *handle) LastError() error { return h.lastErr }

// ConsumeResults is a no-op for database/sql: ExecContext already drains
// and closes its result set before returning.
func (h *handle) ConsumeResults() error { return nil }

// lease is the owning wrapper returned by Take: it holds its handle
// exclusively until Release returns the handle's slot to the pool
// semaphore.
type lease struct {
	h    *handle
	free func()
}

func (l *lease) Get() iface.DBHandle { return l.h }
func (l *lease) Release()            { l.free() }

// Pool is a fixed-size set of independently-connected handles, each
// claimed exclusively for the lifetime of a lease.
type Pool struct {
	cfg     Config
	logger  *zap.Logger
	handles []*handle
	sem     chan int // each slot holds the index of a free handle
}

// Open dials cfg.PoolSize connections against database (overriding
// cfg.Database when non-empty, for the intermediate schema), pinging
// each with a bounded retry for transient startup errors.
func Open(ctx context.Context, cfg Config, database string, logger *zap.Logger) (*Pool, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	p := &Pool{cfg: cfg, logger: logger, sem: make(chan int, cfg.PoolSize)}
	for i := 0; i < cfg.PoolSize; i++ {
		db, err := sql.Open("mysql", cfg.dsn(database))
		if err != nil {
			p.Close()
			return nil, errors.Wrapf(err, "open connection %d", i)
		}
		if err := pingWithRetry(ctx, db, logger); err != nil {
			p.Close()
			return nil, errors.Wrapf(err, "ping connection %d", i)
		}
		p.handles = append(p.handles, &handle{db: db, logger: logger})
		p.sem <- i
	}
	return p, nil
}

func pingWithRetry(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	deadline := time.Now().Add(30 * time.Second)
	for {
		err := db.PingContext(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return err
		}
		logger.Info("waiting for database to become ready", zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
}

// Take blocks until a handle's slot is free, per §5 "take() blocks until
// a handle is available".
func (p *Pool) Take(ctx context.Context) (iface.DBHandleLease, error) {
	select {
	case idx := <-p.sem:
		return &lease{h: p.handles[idx], free: func() { p.sem <- idx }}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pool) PoolSize() int { return len(p.handles) }

// Close disconnects every handle. Callers must not call Take concurrently
// with Close.
func (p *Pool) Close() error {
	var firstErr error
	for _, h := range p.handles {
		if h.db == nil {
			continue
		}
		if err := h.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Introspector queries information_schema for primary and foreign keys
// over a single connection, independent of the handle pool used for
// query execution.
type Introspector struct {
	db *sql.DB
}

func NewIntrospector(cfg Config) (*Introspector, error) {
	db, err := sql.Open("mysql", cfg.dsn(""))
	if err != nil {
		return nil, errors.Wrap(err, "open introspection connection")
	}
	return &Introspector{db: db}, nil
}

func (in *Introspector) Close() error { return in.db.Close() }

// PrimaryKeys returns "table.column" for every row of
// information_schema.KEY_COLUMN_USAGE where CONSTRAINT_NAME = 'PRIMARY',
// per §6 "Schema introspection".
func (in *Introspector) PrimaryKeys(ctx context.Context, schema string) ([]string, error) {
	rows, err := in.db.QueryContext(ctx, `
		SELECT TABLE_NAME, COLUMN_NAME
		FROM information_schema.KEY_COLUMN_USAGE
		WHERE TABLE_SCHEMA = ? AND CONSTRAINT_NAME = 'PRIMARY'`, schema)
	if err != nil {
		return nil, errors.Wrap(err, "query primary keys")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return nil, errors.Wrap(err, "scan primary key row")
		}
		out = append(out, table+"."+column)
	}
	return out, errors.Wrap(rows.Err(), "iterate primary keys")
}

// ForeignKeys joins REFERENTIAL_CONSTRAINTS against KEY_COLUMN_USAGE to
// recover each FK's child and parent table.column pair.
func (in *Introspector) ForeignKeys(ctx context.Context, schema string) ([]iface.ForeignKeyRef, error) {
	rows, err := in.db.QueryContext(ctx, `
		SELECT k.TABLE_NAME, k.COLUMN_NAME, k.REFERENCED_TABLE_NAME, k.REFERENCED_COLUMN_NAME
		FROM information_schema.REFERENTIAL_CONSTRAINTS r
		JOIN information_schema.KEY_COLUMN_USAGE k
		  ON r.CONSTRAINT_SCHEMA = k.TABLE_SCHEMA AND r.CONSTRAINT_NAME = k.CONSTRAINT_NAME
		WHERE r.CONSTRAINT_SCHEMA = ? AND k.REFERENCED_TABLE_NAME IS NOT NULL`, schema)
	if err != nil {
		return nil, errors.Wrap(err, "query foreign keys")
	}
	defer rows.Close()

	var out []iface.ForeignKeyRef
	for rows.Next() {
		var ref iface.ForeignKeyRef
		if err := rows.Scan(&ref.ChildTable, &ref.ChildColumn, &ref.ParentTable, &ref.ParentColumn); err != nil {
			return nil, errors.Wrap(err, "scan foreign key row")
		}
		out = append(out, ref)
	}
	return out, errors.Wrap(rows.Err(), "iterate foreign keys")
}
