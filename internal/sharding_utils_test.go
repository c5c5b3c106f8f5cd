package internal

import (
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardForKey_Deterministic(t *testing.T) {
	key := "sender-user-42"
	shardCount := 8

	result1 := ShardForKey(key, shardCount)
	result2 := ShardForKey(key, shardCount)

	assert.Equal(t, result1, result2)
}

func TestShardForKey_WithinRange(t *testing.T) {
	keys := []string{
		"coach-1",
		"athlete-2",
		"",
		"a",
		"very-long-user-identifier-that-should-still-map-into-range",
	}

	for _, shardCount := range []int{1, 2, 3, 8, 32, 100} {
		for _, key := range keys {
			result := ShardForKey(key, shardCount)
			assert.GreaterOrEqual(t, result, 0,
				"shard for key=%q shardCount=%d should be >= 0", key, shardCount)
			assert.Less(t, result, shardCount,
				"shard for key=%q shardCount=%d should be < %d", key, shardCount, shardCount)
		}
	}
}

func TestShardForKey_Distribution(t *testing.T) {
	// Verify roughly even distribution across shards
	shardCount := 8
	counts := make([]int, shardCount)

	numKeys := 10000
	for i := range numKeys {
		key := fmt.Sprintf("user_%d", i)
		shard := ShardForKey(key, shardCount)
		counts[shard]++
	}

	expected := float64(numKeys) / float64(shardCount)
	tolerance := expected * 0.3

	for i, count := range counts {
		deviation := math.Abs(float64(count) - expected)
		assert.Less(t, deviation, tolerance,
			"shard %d has %d keys (expected ~%.0f, tolerance %.0f)", i, count, expected, tolerance)
	}
}

func TestShardForKey_PanicsOnZeroShardCount(t *testing.T) {
	assert.Panics(t, func() {
		ShardForKey("key", 0)
	})
}

func BenchmarkShardForKey(b *testing.B) {
	key := "sender-user-42"
	shardCount := 32

	b.ResetTimer()
	for range b.N {
		ShardForKey(key, shardCount)
	}
}
