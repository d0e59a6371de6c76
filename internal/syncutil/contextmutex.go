// Package syncutil contains small concurrency helpers shared across the
// service.
package syncutil

import (
	"context"
	"hash/fnv"
)

// shardCount fixes the lock pool size. Keys that hash to the same shard
// contend with each other; with 256 shards that is rare enough for the
// webhook workload this serves.
const shardCount = 256

// ContextShardedMutex is a fixed-size pool of per-key locks whose acquire
// respects context cancellation. Memory stays bounded no matter how many
// distinct keys are locked over the process lifetime.
//
// Each shard is a one-slot channel: holding the token means holding the
// lock, which lets acquisition participate in a select with ctx.Done().
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex creates the pool with every shard unlocked.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the lock for key, blocking until it is free or ctx
// is cancelled. On success it returns the unlock function, which the caller
// must invoke exactly once. On cancellation it returns ctx.Err() and the
// lock is not held.
func (m *ContextShardedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	shard := m.shards[shardFor(key)]
	select {
	case token := <-shard:
		return func() { shard <- token }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
