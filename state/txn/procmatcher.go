package txn

import (
	"fmt"
	"strings"
	"sync"
)

// ProcCall identifies a query as a `CALL proc(...)` statement matched
// against a previously observed procedure signature, keyed by procedure
// name and argument arity. A procedure-call transaction replays only its
// child queries, not the CALL statement itself; ProcMatcher gives the
// core a concrete, testable seam for associating a CALL with the child
// queries it produced.
type ProcCall struct {
	Name  string
	Arity int
}

func (p ProcCall) key() string { return fmt.Sprintf("%s/%d", strings.ToLower(p.Name), p.Arity) }

// signature is the recorded shape of a procedure's body: the ordered
// list of statements its child queries execute, observed the first time
// the procedure was called in the log.
type signature struct {
	statements []string
}

// ProcMatcher associates CALL statements with the child-query template
// observed the first time that procedure signature appeared in the log.
// Safe for concurrent use, matching the resolver's single reader/writer
// lock convention.
type ProcMatcher struct {
	mu    sync.RWMutex
	known map[string]signature
}

func NewProcMatcher() *ProcMatcher {
	return &ProcMatcher{known: make(map[string]signature)}
}

// Observe records the child-statement template for a procedure call the
// first time it is seen; later calls with the same name/arity are left
// untouched (the first observation is treated as canonical).
func (m *ProcMatcher) Observe(call ProcCall, childStatements []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := call.key()
	if _, ok := m.known[k]; ok {
		return
	}
	stmts := append([]string(nil), childStatements...)
	m.known[k] = signature{statements: stmts}
}

// Match reports whether call has a previously recorded signature and, if
// so, returns its child-statement template.
func (m *ProcMatcher) Match(call ProcCall) ([]string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sig, ok := m.known[call.key()]
	if !ok {
		return nil, false
	}
	return append([]string(nil), sig.statements...), true
}
