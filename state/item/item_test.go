package item

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ultraverse-io/retrostate/state/value"
)

func TestItem_RangeIsIdempotent(t *testing.T) {
	it := EQ("users.id", value.Int(1))
	r1 := it.Range()
	r2 := it.Range()
	assert.True(t, r1.Equal(r2))
}

func TestItem_AndOrDistributesOverRange(t *testing.T) {
	p := Between("items.id", value.Int(1), value.Int(10))
	q := Between("items.id", value.Int(5), value.Int(20))

	and := And(p, q)
	assert.True(t, and.Range().Equal(p.Range().And(q.Range())))

	or := Or(p, q)
	assert.True(t, or.Range().Equal(p.Range().Or(q.Range())))
}

func TestItem_WildcardIsAbsorbingForOrIdentityForAnd(t *testing.T) {
	w := WildcardItem("items.id")
	eq := EQ("items.id", value.Int(1))

	assert.True(t, And(w, eq).Range().Equal(eq.Range()))
	assert.True(t, Or(w, eq).Range().IsWildcard())
}

func TestItem_InIsUnionOfEqualities(t *testing.T) {
	in := In("items.id", value.Int(1), value.Int(2), value.Int(3))
	expect := Or(EQ("items.id", value.Int(1)), Or(EQ("items.id", value.Int(2)), EQ("items.id", value.Int(3))))
	assert.True(t, in.Range().Equal(expect.Range()))
}

func TestItem_IntersectsMatchesNonEmptyAnd(t *testing.T) {
	p := Between("items.id", value.Int(1), value.Int(10))
	q := Between("items.id", value.Int(20), value.Int(30))
	require.False(t, p.Range().Intersects(q.Range()))
	assert.True(t, p.Range().And(q.Range()).Empty())
}

func TestItem_JSONRoundTrip(t *testing.T) {
	it := And(
		EQ("items.id", value.Int(1)),
		Or(WildcardItem("items.name"), Between("items.price", value.Int(5), value.Int(50))),
	)

	data, err := json.Marshal(it)
	require.NoError(t, err)

	var got Item
	require.NoError(t, json.Unmarshal(data, &got))

	assert.True(t, it.Range().Equal(got.Range()))
}
