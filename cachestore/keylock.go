package cachestore

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const lockStripes = 256

// keyLocks serializes writers per key without a map of mutexes. Distinct keys
// may share a stripe; that only costs contention.
type keyLocks struct {
	mu [lockStripes]sync.Mutex
}

func (k *keyLocks) lock(key string) func() {
	m := &k.mu[xxhash.Sum64String(key)%lockStripes]
	m.Lock()
	return m.Unlock
}
