package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetTestClear(t *testing.T) {
	b := New(130)
	assert.Equal(t, 0, b.Count())
	b.Set(0)
	b.Set(64)
	b.Set(129)
	assert.True(t, b.Test(0))
	assert.True(t, b.Test(64))
	assert.True(t, b.Test(129))
	assert.False(t, b.Test(1))
	assert.Equal(t, 3, b.Count())
	b.Clear(64)
	assert.False(t, b.Test(64))
	assert.Equal(t, 2, b.Count())

	// Out-of-range operations are ignored.
	b.Set(-1)
	b.Set(130)
	assert.Equal(t, 2, b.Count())
}

func TestSetRangeInclusive(t *testing.T) {
	b := New(16)
	b.SetRange(3, 7)
	for i := 0; i < 16; i++ {
		assert.Equal(t, i >= 3 && i <= 7, b.Test(i), "bit %d", i)
	}
	assert.Equal(t, 5, b.Count())
}

func TestFullEmpty(t *testing.T) {
	b := New(8)
	assert.True(t, b.Empty())
	assert.False(t, b.Full())
	b.SetRange(0, 7)
	assert.True(t, b.Full())
	assert.False(t, b.Empty())
}

func TestBytesRoundTrip(t *testing.T) {
	b := New(100)
	for _, i := range []int{0, 31, 63, 64, 99} {
		b.Set(i)
	}
	out := FromBytes(100, b.Bytes())
	assert.True(t, b.Equal(out))
}

func TestPickContiguous(t *testing.T) {
	b := New(16)
	b.Set(1)
	b.SetRange(4, 8)
	b.Set(11)

	run := b.PickContiguous(3)
	require.NotNil(t, run)
	assert.Equal(t, []int{4, 5, 6}, run.Indices())

	assert.Nil(t, b.PickContiguous(6))
	assert.Nil(t, b.PickContiguous(0))
}

func TestSetOps(t *testing.T) {
	a := New(8)
	a.SetRange(0, 3)
	b := New(8)
	b.SetRange(2, 5)

	or := a.Clone()
	or.Or(b)
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5}, or.Indices())

	and := a.Clone()
	and.And(b)
	assert.Equal(t, []int{2, 3}, and.Indices())

	diff := a.Clone()
	diff.AndNot(b)
	assert.Equal(t, []int{0, 1}, diff.Indices())
}

func TestString(t *testing.T) {
	b := New(12)
	b.SetRange(0, 3)
	b.Set(7)
	b.SetRange(9, 10)
	assert.Equal(t, "0-3,7,9-10", b.String())
	assert.Equal(t, "", New(4).String())
}

func TestFirstNextSet(t *testing.T) {
	b := New(70)
	assert.Equal(t, -1, b.FirstSet())
	b.Set(65)
	b.Set(5)
	assert.Equal(t, 5, b.FirstSet())
	assert.Equal(t, 65, b.NextSet(6))
	assert.Equal(t, -1, b.NextSet(66))
}
