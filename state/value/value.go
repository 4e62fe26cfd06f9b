// Package value implements the Value/Range algebra (C1): a tagged scalar
// type and a union-of-intervals range abstraction closed under
// intersection and union, with a wildcard top element.
package value

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"

	"github.com/ultraverse-io/retrostate/common/mathutil"
)

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindInt
	KindUint
	KindDouble
	KindString
	KindDecimal
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindDecimal:
		return "decimal"
	default:
		return "unknown"
	}
}

// Value is a tagged scalar. The zero value is Null. fromSubselect and
// equal are orthogonal flags: fromSubselect tracks predicate provenance,
// equal marks a Range bound as closed rather than open.
type Value struct {
	kind Kind

	i int64
	u uint64
	f float64
	s string // also holds the decimal digit string for KindDecimal

	fromSubselect bool
	equal         bool

	hash uint64
}

func Null() Value { return Value{kind: KindNull} }

func Int(v int64) Value {
	val := Value{kind: KindInt, i: v}
	val.rehash()
	return val
}

func Uint(v uint64) Value {
	val := Value{kind: KindUint, u: v}
	val.rehash()
	return val
}

func Double(v float64) Value {
	val := Value{kind: KindDouble, f: v}
	val.rehash()
	return val
}

func String(v string) Value {
	val := Value{kind: KindString, s: v}
	val.rehash()
	return val
}

// Decimal stores digits verbatim; comparison is string-lexicographic, so
// callers must normalise (consistent sign, no leading zeros beyond one)
// before constructing.
func Decimal(digits string) Value {
	val := Value{kind: KindDecimal, s: digits}
	val.rehash()
	return val
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNone() bool { return v.kind == KindNull }

// SetEqual marks this value as a closed Range endpoint.
func (v Value) SetEqual() Value {
	v.equal = true
	v.rehash()
	return v
}

func (v Value) IsEqual() bool         { return v.equal }
func (v Value) FromSubselect() bool   { return v.fromSubselect }
func (v Value) WithSubselect() Value  { v.fromSubselect = true; return v }

func (v Value) GetInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Value) GetUint() (uint64, bool) {
	if v.kind != KindUint {
		return 0, false
	}
	return v.u, true
}

func (v Value) GetDouble() (float64, bool) {
	if v.kind != KindDouble {
		return 0, false
	}
	return v.f, true
}

func (v Value) GetString() (string, bool) {
	if v.kind != KindString && v.kind != KindDecimal {
		return "", false
	}
	return v.s, true
}

// Equal is variant-then-bytes equality, per spec.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindInt:
		return v.i == o.i
	case KindUint:
		return v.u == o.u
	case KindDouble:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindDecimal:
		return v.s == o.s
	default:
		return false
	}
}

// Less reports v < o. Values of different variants are unordered: Less
// always returns false across variants, and so does Greater. Null never
// compares less than anything.
func (v Value) Less(o Value) bool {
	if v.kind != o.kind || v.kind == KindNull {
		return false
	}
	switch v.kind {
	case KindInt:
		return v.i < o.i
	case KindUint:
		return v.u < o.u
	case KindDouble:
		return v.f < o.f
	case KindString:
		return v.s < o.s
	case KindDecimal:
		return v.s < o.s
	default:
		return false
	}
}

func (v Value) Greater(o Value) bool { return o.Less(v) }

// Hash is variant-discriminated so that zero values of distinct variants
// hash differently.
func (v Value) Hash() uint64 { return v.hash }

func (v *Value) rehash() {
	h := uint64(v.kind) * 0x9E3779B97F4A7C15
	switch v.kind {
	case KindInt:
		h ^= mathutil.Scramble(uint64(v.i))
	case KindUint:
		h ^= mathutil.Scramble(v.u)
	case KindDouble:
		h ^= mathutil.Scramble(uint64(v.f))
	case KindString, KindDecimal:
		var sh uint64 = 1469598103934665603 // FNV offset basis
		for i := 0; i < len(v.s); i++ {
			sh ^= uint64(v.s[i])
			sh *= 1099511628211
		}
		h ^= sh
	}
	if v.equal {
		h ^= 0xA5A5A5A5A5A5A5A5
	}
	v.hash = mathutil.Scramble(h)
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "NULL"
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindUint:
		return strconv.FormatUint(v.u, 10)
	case KindDouble:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindString:
		return "'" + strings.ReplaceAll(v.s, "'", "''") + "'"
	case KindDecimal:
		return v.s
	default:
		return fmt.Sprintf("<value kind=%d>", v.kind)
	}
}

// ConvertTo attempts to coerce v into the target kind. Legal conversions:
// Int<->Uint (range-checked), Int/Uint<->Double (lossy; a negative Double
// is refused as Uint),
// String<->Int/Uint/Double (via parse). Decimal never cross-converts,
// including to/from itself-as-string.
func (v Value) ConvertTo(target Kind) (Value, bool) {
	if v.kind == target {
		return v, true
	}
	if v.kind == KindDecimal || target == KindDecimal {
		return Value{}, false
	}
	switch target {
	case KindInt:
		switch v.kind {
		case KindUint:
			if v.u > mathutil.MaxInt64 {
				return Value{}, false
			}
			return preserveFlags(v, Int(int64(v.u))), true
		case KindDouble:
			return preserveFlags(v, Int(int64(v.f))), true
		case KindString:
			n, err := strconv.ParseInt(v.s, 10, 64)
			if err != nil {
				return Value{}, false
			}
			return preserveFlags(v, Int(n)), true
		}
	case KindUint:
		switch v.kind {
		case KindInt:
			if v.i < 0 {
				return Value{}, false
			}
			return preserveFlags(v, Uint(uint64(v.i))), true
		case KindDouble:
			if v.f < 0 {
				return Value{}, false
			}
			return preserveFlags(v, Uint(uint64(v.f))), true
		case KindString:
			n, ok := mathutil.ParseUint64(v.s)
			if !ok {
				return Value{}, false
			}
			return preserveFlags(v, Uint(n)), true
		}
	case KindDouble:
		switch v.kind {
		case KindInt:
			return preserveFlags(v, Double(float64(v.i))), true
		case KindUint:
			return preserveFlags(v, Double(float64(v.u))), true
		case KindString:
			f, err := strconv.ParseFloat(v.s, 64)
			if err != nil {
				return Value{}, false
			}
			return preserveFlags(v, Double(f)), true
		}
	case KindString:
		return preserveFlags(v, String(v.String())), true
	}
	return Value{}, false
}

func preserveFlags(orig, converted Value) Value {
	converted.equal = orig.equal
	converted.fromSubselect = orig.fromSubselect
	converted.rehash()
	return converted
}

// wireValue is Value's on-the-wire shape, used by MarshalJSON/UnmarshalJSON
// so the cluster store and replay plan codecs can round-trip a Value
// without exposing its private fields.
type wireValue struct {
	Kind          Kind    `json:"kind"`
	I             int64   `json:"i,omitempty"`
	U             uint64  `json:"u,omitempty"`
	F             float64 `json:"f,omitempty"`
	S             string  `json:"s,omitempty"`
	FromSubselect bool    `json:"from_subselect,omitempty"`
	Equal         bool    `json:"equal,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireValue{
		Kind: v.kind, I: v.i, U: v.u, F: v.f, S: v.s,
		FromSubselect: v.fromSubselect, Equal: v.equal,
	})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*v = Value{kind: w.Kind, i: w.I, u: w.U, f: w.F, s: w.S, fromSubselect: w.FromSubselect, equal: w.Equal}
	v.rehash()
	return nil
}
