// Package item implements the Item predicate tree (C2): a tree of
// boolean operators over column comparisons that compiles lazily to a
// value.Range and caches the result.
package item

import (
	"sync"

	"github.com/ultraverse-io/retrostate/state/value"
)

type Condition int

const (
	ConditionNone Condition = iota
	ConditionAnd
	ConditionOr
)

type Function int

const (
	FunctionNone Function = iota
	FunctionEq
	FunctionNe
	FunctionLt
	FunctionLe
	FunctionGt
	FunctionGe
	FunctionBetween
	FunctionIn
	FunctionWildcard
)

// Item is either an internal AND/OR node over Args, or a leaf that
// compiles to a Range over Data per Function. Range() is built once and
// cached; cache invalidation is monotone (never recomputed once built),
// matching StateItem's _rangeCache/_isRangeCacheBuilt.
type Item struct {
	Condition  Condition
	Function   Function
	Name       string
	Args       []Item
	Data       []value.Value
	Subqueries []Item

	once  sync.Once
	cache value.Range
}

// EQ builds a leaf equality item, the StateItem::EQ convenience
// constructor.
func EQ(name string, v value.Value) Item {
	return Item{Function: FunctionEq, Name: name, Data: []value.Value{v}}
}

// WildcardItem builds a leaf wildcard item for name (StateItem::Wildcard).
func WildcardItem(name string) Item {
	return Item{Function: FunctionWildcard, Name: name}
}

func Between(name string, begin, end value.Value) Item {
	return Item{Function: FunctionBetween, Name: name, Data: []value.Value{begin, end}}
}

func In(name string, values ...value.Value) Item {
	return Item{Function: FunctionIn, Name: name, Data: values}
}

func Compare(name string, fn Function, v value.Value) Item {
	return Item{Function: fn, Name: name, Data: []value.Value{v}}
}

func And(items ...Item) Item {
	return Item{Condition: ConditionAnd, Args: items}
}

func Or(items ...Item) Item {
	return Item{Condition: ConditionOr, Args: items}
}

// Range compiles (and caches) the Range represented by this item:
//
//	Eq        -> closed single point
//	Ne        -> two open unbounded halves meeting at the value
//	Lt/Le/Gt/Ge -> one half-bounded interval
//	Between   -> one closed interval
//	In        -> union of equalities
//	Wildcard  -> the wildcard range
//	And/Or    -> fold children's ranges with ∩/∪
func (it *Item) Range() value.Range {
	it.once.Do(func() {
		it.cache = it.buildRange()
	})
	return it.cache
}

func (it *Item) buildRange() value.Range {
	if it.Condition != ConditionNone {
		if len(it.Args) == 0 {
			return value.Range{}
		}
		acc := it.Args[0].Range()
		for _, child := range it.Args[1:] {
			cr := child.Range()
			if it.Condition == ConditionAnd {
				acc = acc.And(cr)
			} else {
				acc = acc.Or(cr)
			}
		}
		return acc
	}

	switch it.Function {
	case FunctionEq:
		return value.Range{}.SetValue(it.Data[0], true)
	case FunctionNe:
		r := value.Range{}.SetEnd(it.Data[0], false)
		r = r.Or(value.Range{}.SetBegin(it.Data[0], false))
		return r
	case FunctionLt:
		return value.Range{}.SetEnd(it.Data[0], false)
	case FunctionLe:
		return value.Range{}.SetEnd(it.Data[0], true)
	case FunctionGt:
		return value.Range{}.SetBegin(it.Data[0], false)
	case FunctionGe:
		return value.Range{}.SetBegin(it.Data[0], true)
	case FunctionBetween:
		return value.Range{}.SetBetween(it.Data[0], it.Data[1])
	case FunctionIn:
		r := value.Range{}
		for _, v := range it.Data {
			r = r.Or(value.Range{}.SetValue(v, true))
		}
		return r
	case FunctionWildcard:
		return value.Wildcard()
	default:
		return value.Range{}
	}
}
