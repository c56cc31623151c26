package cachestore

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Entry is one payload stored under a logical key.
type Entry struct {
	Data        []byte `json:"data" msgpack:"data" cbor:"data"`
	Origin      string `json:"origin,omitempty" msgpack:"origin,omitempty" cbor:"origin,omitempty"`
	ContentType string `json:"contentType,omitempty" msgpack:"contentType,omitempty" cbor:"contentType,omitempty"`
	Digest      string `json:"digest" msgpack:"digest" cbor:"digest"`
}

// Entries maps content digest to entry for one logical key.
type Entries map[string]Entry

// Digest returns the hex SHA-256 digest of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Digests returns the digests in e, sorted.
func (e Entries) Digests() []string {
	out := make([]string, 0, len(e))
	for d := range e {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// clone returns a shallow copy of the mapping. Payload slices are shared.
func (e Entries) clone() Entries {
	out := make(Entries, len(e)+1)
	for d, ent := range e {
		out[d] = ent
	}
	return out
}

// verified returns the entries whose payload hashes to the digest they are
// keyed under, plus the digests that failed.
func (e Entries) verified() (Entries, []string) {
	var bad []string
	out := make(Entries, len(e))
	for d, ent := range e {
		if Digest(ent.Data) != d {
			bad = append(bad, d)
			continue
		}
		ent.Digest = d
		out[d] = ent
	}
	return out, bad
}
