package value

// Interval is a pair (Begin, End) of Values. Begin.IsNone() means "-inf",
// End.IsNone() means "+inf". Each bound's IsEqual() flag decides
// inclusive/exclusive.
type Interval struct {
	Begin Value
	End   Value
}

// Empty reports the default-constructed (Null, Null) interval, used as
// the canonical "no intersection" result.
func (iv Interval) Empty() bool {
	return iv.Begin.IsNone() && iv.End.IsNone()
}

// Intersects reports whether iv and other share at least one point,
// treating a Null bound as unbounded on that side. Ported from
// StateRange::ST_RANGE::isIntersection.
func (iv Interval) Intersects(other Interval) bool {
	if !iv.End.IsNone() && !other.Begin.IsNone() {
		if iv.End.Less(other.Begin) {
			return false
		}
		if iv.End.Equal(other.Begin) && !(iv.End.IsEqual() && other.Begin.IsEqual()) {
			return false
		}
	}
	if !other.End.IsNone() && !iv.Begin.IsNone() {
		if other.End.Less(iv.Begin) {
			return false
		}
		if other.End.Equal(iv.Begin) && !(other.End.IsEqual() && iv.Begin.IsEqual()) {
			return false
		}
	}
	return true
}

func (iv Interval) Equals(other Interval) bool {
	return iv.Begin.Equal(other.Begin) && iv.End.Equal(other.End)
}

// And returns the intersection of iv and other. If they do not intersect
// the zero Interval (Empty() == true) is returned. Bound tie-break
// (pick_begin/pick_end) is ported from ST_RANGE::operator&.
func (iv Interval) And(other Interval) Interval {
	if !iv.Intersects(other) {
		return Interval{}
	}
	return Interval{
		Begin: pickBegin(iv.Begin, other.Begin),
		End:   pickEnd(iv.End, other.End),
	}
}

func pickBegin(a, b Value) Value {
	if a.IsNone() {
		return b
	}
	if b.IsNone() {
		return a
	}
	if a.Less(b) {
		return b
	}
	if b.Less(a) {
		return a
	}
	if !a.IsEqual() {
		return a
	}
	if !b.IsEqual() {
		return b
	}
	return a
}

func pickEnd(a, b Value) Value {
	if a.IsNone() {
		return b
	}
	if b.IsNone() {
		return a
	}
	if a.Less(b) {
		return a
	}
	if b.Less(a) {
		return b
	}
	if !a.IsEqual() {
		return a
	}
	if !b.IsEqual() {
		return b
	}
	return a
}

// Or returns the envelope of two intersecting intervals: min-of-begins to
// max-of-ends, a Null bound on either side is dominant (stays unbounded),
// and on a tie the closed endpoint is preserved over the open one.
func (iv Interval) Or(other Interval) Interval {
	return Interval{
		Begin: minBegin(iv.Begin, other.Begin),
		End:   maxEnd(iv.End, other.End),
	}
}

func minBegin(a, b Value) Value {
	if a.IsNone() || b.IsNone() {
		return Null()
	}
	if a.Less(b) {
		return a
	}
	if b.Less(a) {
		return b
	}
	if a.IsEqual() {
		return a
	}
	return b
}

func maxEnd(a, b Value) Value {
	if a.IsNone() || b.IsNone() {
		return Null()
	}
	if a.Greater(b) {
		return a
	}
	if b.Greater(a) {
		return b
	}
	if a.IsEqual() {
		return a
	}
	return b
}

// beginLess orders intervals by begin, treating Null as -inf, for the
// sorted two-pointer walk used by Range's AND/arrange algorithms.
func beginLess(a, b Value) bool {
	if a.IsNone() {
		return !b.IsNone()
	}
	if b.IsNone() {
		return false
	}
	return a.Less(b)
}

func endLess(a, b Value) bool {
	if a.IsNone() {
		return false
	}
	if b.IsNone() {
		return true
	}
	return a.Less(b)
}
