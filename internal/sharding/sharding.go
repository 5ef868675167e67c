package sharding

import (
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// ShardFor assigns a saga to one of n shards. The same id always lands on the
// same shard, so one worker owns it within a process.
func ShardFor(id uuid.UUID, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64(id[:]) % uint64(n))
}

// ShardName labels a shard in logs.
func ShardName(shard int) string {
	return "shard-" + strconv.Itoa(shard+1)
}
