package shard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssign_Deterministic(t *testing.T) {
	for i := 0; i < 100; i++ {
		first, err := Assign(i, 7)
		require.NoError(t, err)
		second, err := Assign(i, 7)
		require.NoError(t, err)
		assert.Equal(t, first, second, "assignment must be stable for index %d", i)
	}
}

func TestAssign_CoverageAndDisjointness(t *testing.T) {
	const items = 1000
	for _, numShards := range []int{1, 2, 3, 5, 8} {
		seen := make(map[int]int)
		for i := 0; i < items; i++ {
			id, err := Assign(i, numShards)
			require.NoError(t, err)
			require.GreaterOrEqual(t, id, 0)
			require.Less(t, id, numShards)
			seen[id]++
		}
		// Every shard gets items, and totals cover the whole range.
		total := 0
		for id := 0; id < numShards; id++ {
			assert.Greater(t, seen[id], 0, "shard %d/%d received no items", id, numShards)
			total += seen[id]
		}
		assert.Equal(t, items, total)
	}
}

func TestAssign_TenEntitiesTwoShards(t *testing.T) {
	var even, odd []int
	for i := 0; i < 10; i++ {
		id, err := Assign(i, 2)
		require.NoError(t, err)
		if id == 0 {
			even = append(even, i)
		} else {
			odd = append(odd, i)
		}
	}
	assert.Equal(t, []int{0, 2, 4, 6, 8}, even)
	assert.Equal(t, []int{1, 3, 5, 7, 9}, odd)
}

func TestAssign_InvalidShardCount(t *testing.T) {
	for _, numShards := range []int{0, -1} {
		_, err := Assign(0, numShards)
		assert.ErrorIs(t, err, ErrInvalidShardCount)
	}
}

func TestNewPartition(t *testing.T) {
	p, err := NewPartition(1, 3)
	require.NoError(t, err)
	assert.True(t, p.Owns(1))
	assert.True(t, p.Owns(4))
	assert.False(t, p.Owns(0))
	assert.False(t, p.Owns(-1))
	assert.Equal(t, "shard 1/3", p.String())

	_, err = NewPartition(3, 3)
	assert.Error(t, err)
	_, err = NewPartition(-1, 3)
	assert.Error(t, err)
	_, err = NewPartition(0, 0)
	assert.ErrorIs(t, err, ErrInvalidShardCount)
}
