// Package sloghooks implements cachestore.Hooks on top of log/slog.
package sloghooks

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/ggoodman/render-gateway/cachestore"
)

type Options struct {
	// Sampling to avoid floods; 0/1 = log all.
	DroppedEvery uint64
	// Optional key redactor. Defaults to the identity, since resource
	// locators are not secret.
	Redact func(string) string
}

type Hooks struct {
	l    *slog.Logger
	opts Options

	droppedCtr atomic.Uint64
}

var _ cachestore.Hooks = (*Hooks)(nil)

func New(l *slog.Logger, opts Options) *Hooks {
	return &Hooks{l: l, opts: opts}
}

func (h *Hooks) redact(k string) string {
	if h.opts.Redact != nil {
		return h.opts.Redact(k)
	}
	return k
}

// HashKey is a redactor that logs a short SHA-256 prefix instead of the key.
func HashKey(k string) string {
	sum := sha256.Sum256([]byte(k))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (h *Hooks) EntryDropped(key, digest, tier string) {
	if h.l == nil || !sample(h.opts.DroppedEvery, &h.droppedCtr) {
		return
	}
	h.l.Warn("cachestore.entry_dropped",
		"key", h.redact(key),
		"digest", digest,
		"tier", tier)
}

func (h *Hooks) RecordCorrupt(key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Warn("cachestore.record_corrupt",
		"key", h.redact(key),
		"err", err)
}

func (h *Hooks) TierError(op, key string, err error) {
	if h.l == nil {
		return
	}
	h.l.Error("cachestore.tier_error",
		"op", op,
		"key", h.redact(key),
		"err", err)
}
