package internal

import (
	"github.com/zeebo/xxh3"
)

// ShardIndex maps a key onto one of shardCount partitions using XXH3.
// The hash is extremely fast and distributes agent / connection ids evenly,
// so different agents almost never contend on the same shard lock.
func ShardIndex(key string, shardCount uint64) uint64 {
	if shardCount == 0 {
		return 0
	}
	return xxh3.HashString(key) % shardCount
}

// AsXXHash returns the XXH3-64 of the given byte slices, for use as a cache key.
func AsXXHash(inputs ...[]byte) uint64 {
	h := xxh3.New()
	for _, input := range inputs {
		// Write on xxh3 never fails
		_, _ = h.Write(input)
	}
	return h.Sum64()
}
