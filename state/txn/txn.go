// Package txn holds the shared data model streamed from the state log:
// queries, transactions and their header framing.
package txn

import (
	mapset "github.com/deckarep/golang-set/v2"

	"github.com/ultraverse-io/retrostate/state/item"
)

// QueryFlags distinguishes DDL, procedure-call bodies and force-execute
// queries.
type QueryFlags uint8

const (
	QueryFlagNone QueryFlags = 0
	QueryFlagDDL  QueryFlags = 1 << iota
	QueryFlagProcedureCall
	QueryFlagForceExecute
)

func (f QueryFlags) Has(flag QueryFlags) bool { return f&flag != 0 }

// Query is a single statement within a Transaction, with its read/write
// predicate items already extracted by the (out-of-scope) SQL parser.
type Query struct {
	Database    string
	Statement   string
	ReadItems   []item.Item
	WriteItems  []item.Item
	ReadColumns mapset.Set[string]
	WriteColumns mapset.Set[string]
	Flags       QueryFlags

	// Proc, when non-nil, identifies this query as a CALL statement
	// matched against a previously observed procedure signature (see
	// ProcMatcher). Child queries executed as part of the call carry
	// QueryFlagProcedureCall instead.
	Proc *ProcCall
}

func NewQuery(database, statement string) Query {
	return Query{
		Database:     database,
		Statement:    statement,
		ReadColumns:  mapset.NewThreadUnsafeSet[string](),
		WriteColumns: mapset.NewThreadUnsafeSet[string](),
	}
}

// TransactionFlags carries transaction-level metadata (reserved for
// collaborator use; the core inspects only per-query flags).
type TransactionFlags uint8

// Transaction is {gid, xid, timestamp, flags, queries}. gid is the
// ultraverse-global monotone identifier assigned at log write time; xid
// is the native DB transaction id.
type Transaction struct {
	Gid       uint64
	Xid       uint64
	Timestamp uint64
	Flags     TransactionFlags
	Queries   []Query
}

// ReadItems concatenates the read-set items of every non-DDL query.
func (t *Transaction) ReadItems() []item.Item {
	var out []item.Item
	for i := range t.Queries {
		if t.Queries[i].Flags.Has(QueryFlagDDL) {
			continue
		}
		out = append(out, t.Queries[i].ReadItems...)
	}
	return out
}

func (t *Transaction) WriteItems() []item.Item {
	var out []item.Item
	for i := range t.Queries {
		if t.Queries[i].Flags.Has(QueryFlagDDL) {
			continue
		}
		out = append(out, t.Queries[i].WriteItems...)
	}
	return out
}

// ReadColumns is the union of every non-DDL query's read column set.
func (t *Transaction) ReadColumns() mapset.Set[string] {
	out := mapset.NewThreadUnsafeSet[string]()
	for i := range t.Queries {
		if t.Queries[i].Flags.Has(QueryFlagDDL) || t.Queries[i].ReadColumns == nil {
			continue
		}
		out = out.Union(t.Queries[i].ReadColumns)
	}
	return out
}

func (t *Transaction) WriteColumns() mapset.Set[string] {
	out := mapset.NewThreadUnsafeSet[string]()
	for i := range t.Queries {
		if t.Queries[i].Flags.Has(QueryFlagDDL) || t.Queries[i].WriteColumns == nil {
			continue
		}
		out = out.Union(t.Queries[i].WriteColumns)
	}
	return out
}

// HasDDL reports whether any query in the transaction is a DDL
// statement; DDL is detected and always skipped.
func (t *Transaction) HasDDL() bool {
	for i := range t.Queries {
		if t.Queries[i].Flags.Has(QueryFlagDDL) {
			return true
		}
	}
	return false
}

// ProcedureQueries returns only the queries tagged as procedure-call
// children: a transaction executing a stored procedure replays only
// those child queries, not the CALL statement itself.
func (t *Transaction) ProcedureQueries() []Query {
	var out []Query
	for i := range t.Queries {
		if t.Queries[i].Flags.Has(QueryFlagProcedureCall) {
			out = append(out, t.Queries[i])
		}
	}
	return out
}
