// Package cachestore implements a two-tier, content-addressed cache for
// resources fetched from render clients.
//
// A logical key (a resource locator) maps to a set of entries, each
// identified by the SHA-256 digest of its payload. Several digests may coexist
// under one key when the content changed over time.
//
// Tiers:
//   - Memory: bounded by key count and per-key TTL (Ristretto). A pure
//     accelerator; losing it loses nothing.
//   - Durable: one compressed record per key (DiskTier, or redistier for
//     shared deployments). The record is the codec encoding of the
//     digest -> entry mapping, gzip compressed.
//
// Nothing is trusted without recomputing digests. Entries that fail
// verification are dropped silently and the lookup degrades to a miss; the
// next successful Put rewrites the record without them.
package cachestore
