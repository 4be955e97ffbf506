// Package keylock provides sharded per-key mutexes so that operations on
// unrelated keys (identities, groups, conversations) never serialize against
// each other.
package keylock

import (
	"hash/fnv"
	"sync"
)

const defaultShards = 64

type KeyLock struct {
	shards []sync.Mutex
}

func New() *KeyLock {
	return &KeyLock{shards: make([]sync.Mutex, defaultShards)}
}

func (k *KeyLock) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &k.shards[h.Sum32()%uint32(len(k.shards))]
}

// Lock acquires the mutex guarding key. Keys hashing to the same shard share
// a mutex, which over-serializes but never under-serializes.
func (k *KeyLock) Lock(key string) {
	k.shard(key).Lock()
}

func (k *KeyLock) Unlock(key string) {
	k.shard(key).Unlock()
}
