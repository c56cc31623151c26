package cachestore

// Hooks receives high-signal cache events. Implementations must be cheap and
// non-blocking; they run on lookup and put paths.
type Hooks interface {
	// EntryDropped reports an entry discarded because its payload did not
	// hash to its digest. tier is "memory" or "durable".
	EntryDropped(key, digest, tier string)
	// RecordCorrupt reports a durable record that could not be decompressed
	// or decoded. The lookup is treated as a miss.
	RecordCorrupt(key string, err error)
	// TierError reports a durable tier I/O failure. op is "load", "store" or
	// "delete".
	TierError(op, key string, err error)
}

// NopHooks is the default.
type NopHooks struct{}

func (NopHooks) EntryDropped(string, string, string) {}
func (NopHooks) RecordCorrupt(string, error)         {}
func (NopHooks) TierError(string, string, error)     {}
