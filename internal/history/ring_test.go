package history

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRing_SnapshotBeforeFull(t *testing.T) {
	r := NewRing[int](5)
	r.Add(1)
	r.Add(2)
	assert.Equal(t, []int{1, 2}, r.Snapshot())
	assert.Equal(t, 2, r.Len())
}

func TestRing_DiscardsOldestWhenFull(t *testing.T) {
	r := NewRing[int](3)
	r.Add(1)
	r.Add(2)
	r.Add(3)
	r.Add(4) // discards 1

	assert.Equal(t, []int{2, 3, 4}, r.Snapshot())
	assert.Equal(t, 3, r.Len())
}

func TestRing_WrapsMultipleTimes(t *testing.T) {
	r := NewRing[int](2)
	for i := 1; i <= 7; i++ {
		r.Add(i)
	}
	assert.Equal(t, []int{6, 7}, r.Snapshot())
}

func TestRing_ZeroCapacityTreatedAsOne(t *testing.T) {
	r := NewRing[string](0)
	r.Add("a")
	r.Add("b")
	assert.Equal(t, []string{"b"}, r.Snapshot())
}
