package cachestore

import (
	"errors"
	"time"

	"github.com/dgraph-io/ristretto"
)

// memoryTier holds decoded mappings. Every key costs 1 so MaxCost bounds the
// number of keys.
type memoryTier struct {
	c   *ristretto.Cache
	ttl time.Duration
}

func newMemoryTier(maxKeys int64, ttl time.Duration) (*memoryTier, error) {
	if maxKeys <= 0 {
		return nil, errors.New("cachestore: max keys must be positive")
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxKeys * 10,
		MaxCost:            maxKeys,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &memoryTier{c: c, ttl: ttl}, nil
}

func (m *memoryTier) get(key string) (Entries, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return nil, false
	}
	e, ok := v.(Entries)
	if !ok {
		m.c.Del(key)
		return nil, false
	}
	return e, true
}

// set stores a mapping the caller must not mutate afterwards. Wait makes the
// write visible to the next get.
func (m *memoryTier) set(key string, e Entries) {
	m.c.SetWithTTL(key, e, 1, m.ttl)
	m.c.Wait()
}

func (m *memoryTier) del(key string) {
	m.c.Del(key)
}

func (m *memoryTier) close() {
	m.c.Close()
}
