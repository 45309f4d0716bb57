// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"sync"
)

const userShards = 256

// UserMutex serializes work per user ID across a fixed pool of shards.
// Two users may share a shard; the same user always maps to one shard.
// Acquisition honours context cancellation.
type UserMutex struct {
	shards [userShards]chan struct{}
	once   sync.Once
}

// NewUserMutex returns an unlocked UserMutex.
func NewUserMutex() *UserMutex {
	m := &UserMutex{}
	m.init()
	return m
}

func (m *UserMutex) init() {
	m.once.Do(func() {
		for i := range m.shards {
			m.shards[i] = make(chan struct{}, 1)
			m.shards[i] <- struct{}{}
		}
	})
}

// LockContext blocks until the shard owning userID is free or ctx is done.
// On success the caller must invoke the returned unlock exactly once.
func (m *UserMutex) LockContext(ctx context.Context, userID int64) (func(), error) {
	m.init()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	shard := m.shards[shardFor(userID)]

	select {
	case <-shard:
		var once sync.Once
		return func() { once.Do(func() { shard <- struct{}{} }) }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// shardFor mixes the ID (splitmix64 finalizer) so sequential IDs spread evenly.
func shardFor(userID int64) uint64 {
	x := uint64(userID)
	x ^= x >> 30
	x *= 0xbf58476d1ce4e5b9
	x ^= x >> 27
	x *= 0x94d049bb133111eb
	x ^= x >> 31
	return x % userShards
}
