package cachestore

import "context"

// Tier is the durable backing store for encoded records. Implementations
// store opaque bytes; verification and merging happen in Store.
type Tier interface {
	// Load returns the record for key. ok is false when no record exists.
	Load(ctx context.Context, key string) (b []byte, ok bool, err error)
	// Store replaces the record for key. Readers must never observe a
	// partially written record.
	Store(ctx context.Context, key string, b []byte) error
	Delete(ctx context.Context, key string) error
	Close(ctx context.Context) error
}
