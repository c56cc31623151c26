package cachestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/vmihailenco/msgpack/v5"
)

// Codec serializes the mapping of one key before it is compressed and
// handed to the durable tier.
type Codec interface {
	Name() string
	Encode(Entries) ([]byte, error)
	Decode([]byte) (Entries, error)
}

var errEmptyRecord = errors.New("empty record")

// ParseCodec maps a configuration name to a record codec.
func ParseCodec(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	case "cbor":
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("cachestore: unknown codec %q", name)
	}
}

// JSONCodec is the default. Payloads are written as base64, so records stay
// readable with standard tools.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Encode(e Entries) ([]byte, error) { return json.Marshal(e) }

func (JSONCodec) Decode(b []byte) (Entries, error) {
	var e Entries
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return checkRecord(e)
}

// MsgpackCodec stores payloads as raw binary, which keeps records for images
// and fonts about a quarter smaller than JSON.
type MsgpackCodec struct{}

func (MsgpackCodec) Name() string { return "msgpack" }

func (MsgpackCodec) Encode(e Entries) ([]byte, error) { return msgpack.Marshal(e) }

func (MsgpackCodec) Decode(b []byte) (Entries, error) {
	var e Entries
	if err := msgpack.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return checkRecord(e)
}

// CBORCodec uses core deterministic encoding, so rewriting an unchanged
// mapping produces the same bytes. Construct with NewCBORCodec.
type CBORCodec struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBORCodec() (CBORCodec, error) {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return CBORCodec{}, err
	}
	dm, err := (cbor.DecOptions{}).DecMode()
	if err != nil {
		return CBORCodec{}, err
	}
	return CBORCodec{enc: em, dec: dm}, nil
}

func (CBORCodec) Name() string { return "cbor" }

func (c CBORCodec) Encode(e Entries) ([]byte, error) { return c.enc.Marshal(e) }

func (c CBORCodec) Decode(b []byte) (Entries, error) {
	var e Entries
	if err := c.dec.Unmarshal(b, &e); err != nil {
		return nil, err
	}
	return checkRecord(e)
}

// checkRecord rejects records that decode to nothing, such as a JSON null
// left by an interrupted writer of another implementation.
func checkRecord(e Entries) (Entries, error) {
	if e == nil {
		return nil, errEmptyRecord
	}
	return e, nil
}
