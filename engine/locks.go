package engine

import (
	"hash/fnv"
	"sync"
)

const lockShards = 16

type lockEntry struct {
	mutex sync.Mutex
	refs  int
}

type lockShard struct {
	mutex   sync.Mutex
	entries map[string]*lockEntry
}

// KeyedLocks : per-key mutual exclusion with reference counting. An entry
// exists only while at least one goroutine holds or waits on its key, so the
// map does not grow with the payment history.
type KeyedLocks struct {
	shards [lockShards]*lockShard
}

func NewKeyedLocks() *KeyedLocks {
	locks := &KeyedLocks{}
	for i := range locks.shards {
		locks.shards[i] = &lockShard{entries: map[string]*lockEntry{}}
	}
	return locks
}

func (locks *KeyedLocks) shard(key string) *lockShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return locks.shards[h.Sum32()%lockShards]
}

// Lock : acquire the mutex for a key, creating it on first use
func (locks *KeyedLocks) Lock(key string) {
	shard := locks.shard(key)
	shard.mutex.Lock()
	entry, ok := shard.entries[key]
	if !ok {
		entry = &lockEntry{}
		shard.entries[key] = entry
	}
	entry.refs++
	shard.mutex.Unlock()
	entry.mutex.Lock()
}

// Unlock : release the mutex for a key, dropping the entry when no other
// goroutine references it
func (locks *KeyedLocks) Unlock(key string) {
	shard := locks.shard(key)
	shard.mutex.Lock()
	entry, ok := shard.entries[key]
	if !ok {
		shard.mutex.Unlock()
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		delete(shard.entries, key)
	}
	shard.mutex.Unlock()
	entry.mutex.Unlock()
}

// Len : number of live entries, used by tests to verify reclamation
func (locks *KeyedLocks) Len() int {
	total := 0
	for _, shard := range locks.shards {
		shard.mutex.Lock()
		total += len(shard.entries)
		shard.mutex.Unlock()
	}
	return total
}
