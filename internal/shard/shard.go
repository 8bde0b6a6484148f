// Package shard assigns dataset items to workers by index modulo shard count.
package shard

import (
	"errors"
	"fmt"
)

// ErrInvalidShardCount is returned when a shard count is zero or negative.
var ErrInvalidShardCount = errors.New("shard count must be >= 1")

// Assign maps a dataset item index to its owning shard.
// For a fixed numShards, every non-negative index belongs to exactly one shard.
func Assign(itemIndex, numShards int) (int, error) {
	if numShards < 1 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidShardCount, numShards)
	}
	if itemIndex < 0 {
		return 0, fmt.Errorf("item index must be >= 0: got %d", itemIndex)
	}
	return itemIndex % numShards, nil
}

// Partition identifies the subset of dataset items owned by one worker.
type Partition struct {
	ShardID   int
	NumShards int
}

// NewPartition validates the shard parameters and returns a Partition.
func NewPartition(shardID, numShards int) (Partition, error) {
	if numShards < 1 {
		return Partition{}, fmt.Errorf("%w: got %d", ErrInvalidShardCount, numShards)
	}
	if shardID < 0 || shardID >= numShards {
		return Partition{}, fmt.Errorf("shard id %d out of range [0, %d)", shardID, numShards)
	}
	return Partition{ShardID: shardID, NumShards: numShards}, nil
}

// Owns reports whether an item index belongs to this partition.
func (p Partition) Owns(itemIndex int) bool {
	return itemIndex >= 0 && itemIndex%p.NumShards == p.ShardID
}

// String implements fmt.Stringer for log output.
func (p Partition) String() string {
	return fmt.Sprintf("shard %d/%d", p.ShardID, p.NumShards)
}
