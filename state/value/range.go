package value

import (
	"fmt"
	"sort"
	"strings"

	"github.com/goccy/go-json"

	"github.com/ultraverse-io/retrostate/common/mathutil"
)

// Range is either the wildcard top element (intersects/matches
// everything) or an unordered union of Intervals.
type Range struct {
	wildcard  bool
	intervals []Interval
}

// Wildcard returns the top Range.
func Wildcard() Range { return Range{wildcard: true} }

func (r Range) IsWildcard() bool { return r.wildcard }

// Empty reports a Range with no intervals and no wildcard: matches
// nothing.
func (r Range) Empty() bool {
	return !r.wildcard && len(r.intervals) == 0
}

func (r Range) Intervals() []Interval {
	out := make([]Interval, len(r.intervals))
	copy(out, r.intervals)
	return out
}

// SetValue appends a single-point interval [v, v] (closed iff equal).
func (r Range) SetValue(v Value, equal bool) Range {
	if equal {
		v = v.SetEqual()
	}
	r.intervals = append(r.intervals, Interval{Begin: v, End: v})
	return r
}

// SetBetween appends a closed interval [begin, end].
func (r Range) SetBetween(begin, end Value) Range {
	r.intervals = append(r.intervals, Interval{Begin: begin.SetEqual(), End: end.SetEqual()})
	return r
}

// SetBegin appends a half-bounded interval [begin, +inf) or (begin, +inf).
func (r Range) SetBegin(begin Value, equal bool) Range {
	if equal {
		begin = begin.SetEqual()
	}
	r.intervals = append(r.intervals, Interval{Begin: begin, End: Null()})
	return r
}

// SetEnd appends a half-bounded interval (-inf, end] or (-inf, end).
func (r Range) SetEnd(end Value, equal bool) Range {
	if equal {
		end = end.SetEqual()
	}
	r.intervals = append(r.intervals, Interval{Begin: Null(), End: end})
	return r
}

// Arrange merges intersecting intervals pairwise until the fixed point.
// Worst case O(n^2) — acceptable since ranges in practice hold few
// intervals.
func (r Range) Arrange() Range {
	if r.wildcard || len(r.intervals) < 2 {
		return r
	}
	merged := append([]Interval(nil), r.intervals...)
	for {
		changed := false
	outer:
		for i := 0; i < len(merged); i++ {
			for j := i + 1; j < len(merged); j++ {
				if merged[i].Intersects(merged[j]) {
					merged[i] = merged[i].Or(merged[j])
					merged = append(merged[:j], merged[j+1:]...)
					changed = true
					break outer
				}
			}
		}
		if !changed {
			break
		}
	}
	r.intervals = merged
	return r
}

// And is the Range intersection operator (∩). Wildcard is the two-sided
// identity.
func (r Range) And(other Range) Range {
	if r.wildcard {
		return other
	}
	if other.wildcard {
		return r
	}
	a := sortedByBegin(r.intervals)
	b := sortedByBegin(other.intervals)

	var out []Interval
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		if a[i].Intersects(b[j]) {
			out = append(out, a[i].And(b[j]))
			if endLess(a[i].End, b[j].End) {
				i++
			} else {
				j++
			}
			continue
		}
		if beginLess(a[i].Begin, b[j].Begin) {
			i++
		} else {
			j++
		}
	}
	return Range{intervals: out}.Arrange()
}

// Or is the Range union operator (∪). Wildcard is absorbing.
func (r Range) Or(other Range) Range {
	if r.wildcard || other.wildcard {
		return Wildcard()
	}
	out := append([]Interval(nil), r.intervals...)
	for _, b := range other.intervals {
		merged := false
		for i, a := range out {
			if a.Intersects(b) {
				out[i] = a.Or(b)
				merged = true
				break
			}
		}
		if !merged {
			out = append(out, b)
		}
	}
	return Range{intervals: out}.Arrange()
}

// Intersects reports whether r.And(other) is non-empty.
func (r Range) Intersects(other Range) bool {
	if r.wildcard || other.wildcard {
		return true
	}
	return !r.And(other).Empty()
}

func sortedByBegin(in []Interval) []Interval {
	out := append([]Interval(nil), in...)
	sort.Slice(out, func(i, j int) bool { return beginLess(out[i].Begin, out[j].Begin) })
	return out
}

// Hash is the wildcard sentinel MAX_U64 for wildcard, otherwise an
// order-independent XOR-then-scramble of per-interval hashes. Equality
// is hash equality — an explicit, documented trade of a low-probability
// false positive for speed (see DESIGN.md Open Questions).
func (r Range) Hash() uint64 {
	if r.wildcard {
		return mathutil.MaxUint64
	}
	var h uint64
	for _, iv := range r.intervals {
		h ^= ivHash(iv)
	}
	return mathutil.Scramble(h)
}

func ivHash(iv Interval) uint64 {
	return mathutil.Scramble(iv.Begin.Hash()) ^ mathutil.Scramble(iv.End.Hash()<<1)
}

// Equal is Range equality as specified: hash equality.
func (r Range) Equal(other Range) bool {
	return r.Hash() == other.Hash()
}

// StructuralEqual performs a full element-wise compare instead of hash
// equality — used by the rowgraph's Intersect lookup as a secondary
// check alongside hash equality to bound the false-positive rate.
func (r Range) StructuralEqual(other Range) bool {
	if r.wildcard != other.wildcard {
		return false
	}
	if r.wildcard {
		return true
	}
	if len(r.intervals) != len(other.intervals) {
		return false
	}
	a := sortedByBegin(r.intervals)
	b := sortedByBegin(other.intervals)
	for i := range a {
		if !a[i].Equals(b[i]) {
			return false
		}
	}
	return true
}

// WhereClause renders r as a SQL predicate fragment on column. An empty
// Range renders to the empty string.
func (r Range) WhereClause(column string) string {
	if r.Empty() {
		return ""
	}
	if r.wildcard {
		return "1=1"
	}
	parts := make([]string, 0, len(r.intervals))
	for _, iv := range r.intervals {
		parts = append(parts, intervalClause(column, iv))
	}
	if len(parts) == 1 {
		return parts[0]
	}
	return "(" + strings.Join(parts, " OR ") + ")"
}

// wireRange is Range's on-the-wire shape; see Value's wireValue for why
// this is hand-written rather than relying on reflection over unexported
// fields.
type wireRange struct {
	Wildcard  bool       `json:"wildcard,omitempty"`
	Intervals []Interval `json:"intervals,omitempty"`
}

func (r Range) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRange{Wildcard: r.wildcard, Intervals: r.intervals})
}

func (r *Range) UnmarshalJSON(data []byte) error {
	var w wireRange
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	r.wildcard = w.Wildcard
	r.intervals = w.Intervals
	return nil
}

func intervalClause(column string, iv Interval) string {
	if iv.Begin.Equal(iv.End) && iv.Begin.IsEqual() && iv.End.IsEqual() && !iv.Begin.IsNone() {
		return fmt.Sprintf("%s = %s", column, iv.Begin.String())
	}
	var clauses []string
	if !iv.Begin.IsNone() {
		op := ">"
		if iv.Begin.IsEqual() {
			op = ">="
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", column, op, iv.Begin.String()))
	}
	if !iv.End.IsNone() {
		op := "<"
		if iv.End.IsEqual() {
			op = "<="
		}
		clauses = append(clauses, fmt.Sprintf("%s %s %s", column, op, iv.End.String()))
	}
	if len(clauses) == 0 {
		return "1=1"
	}
	return strings.Join(clauses, " AND ")
}
