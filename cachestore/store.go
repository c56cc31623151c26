package cachestore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	gateway "github.com/ggoodman/render-gateway"
)

const (
	DefaultMaxKeys = 1000
	DefaultTTL     = 24 * time.Hour
)

// Options configures a Store. Zero values select defaults.
type Options struct {
	// MaxKeys bounds the memory tier. Default 1000. Once it is full the
	// admission policy may decline a new key; without Durable such a Put
	// is not retained, so a memory-only Store is a best-effort cache.
	MaxKeys int64
	// TTL is the per-key lifetime in the memory tier. Default 24h.
	TTL time.Duration
	// Durable is the authoritative tier. Nil keeps everything in memory.
	Durable Tier
	// Codec serializes durable records. Default JSON.
	Codec Codec
	// CompressionLevel is passed to gzip. Default gzip.DefaultCompression.
	CompressionLevel int
	Logger           Logger
	Hooks            Hooks
}

// Store is the two-tier content-addressed cache.
type Store struct {
	mem     *memoryTier
	durable Tier
	codec   Codec
	level   int
	log     Logger
	hooks   Hooks
	locks   keyLocks
}

func New(opts Options) (*Store, error) {
	if opts.MaxKeys == 0 {
		opts.MaxKeys = DefaultMaxKeys
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Codec == nil {
		opts.Codec = JSONCodec{}
	}
	if opts.CompressionLevel == 0 {
		opts.CompressionLevel = gzip.DefaultCompression
	}
	if opts.Logger == nil {
		opts.Logger = NopLogger{}
	}
	if opts.Hooks == nil {
		opts.Hooks = NopHooks{}
	}
	mem, err := newMemoryTier(opts.MaxKeys, opts.TTL)
	if err != nil {
		return nil, err
	}
	return &Store{
		mem:     mem,
		durable: opts.Durable,
		codec:   opts.Codec,
		level:   opts.CompressionLevel,
		log:     opts.Logger,
		hooks:   opts.Hooks,
	}, nil
}

// Lookup returns every verified entry for key, possibly none. Tier failures
// and corrupt records degrade to a miss.
func (s *Store) Lookup(ctx context.Context, key string) Entries {
	if e, ok := s.mem.get(key); ok {
		if good, bad := e.verified(); len(bad) == 0 && len(good) > 0 {
			return good.clone()
		}
	}

	// Repopulating memory is a write to the key's mapping; a Put finishing
	// meanwhile must not be overwritten with an older record.
	unlock := s.locks.lock(key)
	defer unlock()

	if e, ok := s.mem.get(key); ok {
		good, bad := e.verified()
		if len(bad) > 0 {
			for _, d := range bad {
				s.hooks.EntryDropped(key, d, "memory")
			}
			s.mem.set(key, good)
		}
		if len(good) > 0 {
			return good.clone()
		}
	}

	good, _ := s.loadDurable(ctx, key)
	if len(good) == 0 {
		return Entries{}
	}
	s.mem.set(key, good)
	return good.clone()
}

// KnownDigests returns the sorted digests Lookup would return for key.
func (s *Store) KnownDigests(ctx context.Context, key string) []string {
	return s.Lookup(ctx, key).Digests()
}

// Put merges e into key's mapping in both tiers. A non-empty e.Digest must
// match the payload or ErrIntegrity is returned and nothing is written.
// Putting an existing digest again is a no-op beyond rewriting the same
// mapping. When the durable record cannot be read the Put fails without
// writing either tier.
func (s *Store) Put(ctx context.Context, key string, e Entry) error {
	digest := Digest(e.Data)
	if e.Digest != "" && !strings.EqualFold(e.Digest, digest) {
		return fmt.Errorf("%w: digest %s does not match payload %s", gateway.ErrIntegrity, e.Digest, digest)
	}
	e.Digest = digest

	unlock := s.locks.lock(key)
	defer unlock()

	var next Entries
	if s.durable != nil {
		var loadErr error
		next, loadErr = s.loadDurable(ctx, key)
		if loadErr != nil {
			// Writing either tier now would drop digests only the unread
			// record holds.
			return fmt.Errorf("cachestore: load %q before store: %w", key, loadErr)
		}
	} else if cur, ok := s.mem.get(key); ok {
		next, _ = cur.verified()
	}
	if next == nil {
		next = Entries{}
	}
	if cur, ok := s.mem.get(key); ok && s.durable != nil {
		for d, ent := range cur {
			if _, seen := next[d]; !seen && Digest(ent.Data) == d {
				next[d] = ent
			}
		}
	}
	next[digest] = e

	s.mem.set(key, next)

	if s.durable == nil {
		return nil
	}
	b, err := s.encode(next)
	if err != nil {
		return fmt.Errorf("cachestore: encode %q: %w", key, err)
	}
	if err := s.durable.Store(ctx, key, b); err != nil {
		s.hooks.TierError("store", key, err)
		s.log.Error("cachestore.store_failed", Fields{"key": key, "err": err.Error()})
		return fmt.Errorf("cachestore: store %q: %w", key, err)
	}
	s.log.Debug("cachestore.put", Fields{"key": key, "digest": digest, "digests": len(next)})
	return nil
}

// Close releases both tiers.
func (s *Store) Close(ctx context.Context) error {
	s.mem.close()
	if s.durable != nil {
		return s.durable.Close(ctx)
	}
	return nil
}

// loadDurable returns the verified mapping from the durable tier, or nil.
// The error is set only when the tier could not be read; missing and
// corrupt records are plain misses.
func (s *Store) loadDurable(ctx context.Context, key string) (Entries, error) {
	if s.durable == nil {
		return nil, nil
	}
	b, ok, err := s.durable.Load(ctx, key)
	if err != nil {
		s.hooks.TierError("load", key, err)
		s.log.Warn("cachestore.load_failed", Fields{"key": key, "err": err.Error()})
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	raw, err := s.decode(b)
	if err != nil {
		s.hooks.RecordCorrupt(key, err)
		s.log.Warn("cachestore.record_corrupt", Fields{"key": key, "err": err.Error()})
		if err := s.durable.Delete(ctx, key); err != nil {
			s.hooks.TierError("delete", key, err)
		}
		return nil, nil
	}
	good, bad := raw.verified()
	for _, d := range bad {
		s.hooks.EntryDropped(key, d, "durable")
	}
	return good, nil
}

func (s *Store) encode(e Entries) ([]byte, error) {
	raw, err := s.codec.Encode(e)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, s.level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (s *Store) decode(b []byte) (Entries, error) {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	raw, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}
	return s.codec.Decode(raw)
}
