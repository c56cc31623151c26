package wire

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"

	gateway "github.com/ggoodman/render-gateway"
)

// StaticParams is the payload of a gateway-initiated static call. Digests
// lists content the gateway already holds for File so the client can answer
// "unchanged" instead of retransmitting.
type StaticParams struct {
	File    string   `json:"file"`
	Digests []string `json:"digests,omitempty"`
}

// StaticPayload is the data of a static reply.
//
// The canonical shape is digest addressed: either {digest, unchanged:true}
// naming content the gateway offered, or {digest, file:{data}} carrying fresh
// bytes. A reply whose file carries no digest is the deprecated bare shape;
// the gateway computes the digest itself.
type StaticPayload struct {
	Digest    string      `json:"digest,omitempty"`
	Unchanged bool        `json:"unchanged,omitempty"`
	File      *StaticFile `json:"file,omitempty"`
}

// StaticFile carries resource bytes.
type StaticFile struct {
	Data Bytes `json:"data"`
}

// DecodeStatic decodes the data of a successful static reply.
func DecodeStatic(data json.RawMessage) (*StaticPayload, error) {
	var p StaticPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: static reply: %v", gateway.ErrProtocol, err)
	}
	if p.Unchanged && p.Digest == "" {
		return nil, fmt.Errorf("%w: unchanged static reply without digest", gateway.ErrProtocol)
	}
	if !p.Unchanged && p.File == nil {
		return nil, fmt.Errorf("%w: static reply without file", gateway.ErrProtocol)
	}
	return &p, nil
}

// Bytes decodes binary data sent either as a base64 string, as an array of
// byte values, or as a serialized Node Buffer ({"type":"Buffer","data":[...]}).
// It always encodes as base64.
type Bytes []byte

// MarshalJSON implements json.Marshaler.
func (b Bytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// UnmarshalJSON implements json.Unmarshaler.
func (b *Bytes) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty bytes")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		dec, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("bytes: invalid base64: %w", err)
		}
		*b = dec
		return nil
	case '[':
		var vals []int
		if err := json.Unmarshal(data, &vals); err != nil {
			return fmt.Errorf("bytes: %w", err)
		}
		out := make([]byte, len(vals))
		for i, v := range vals {
			if v < 0 || v > 255 {
				return fmt.Errorf("bytes: value %d out of range at %d", v, i)
			}
			out[i] = byte(v)
		}
		*b = out
		return nil
	case '{':
		var buf struct {
			Type string `json:"type"`
			Data Bytes  `json:"data"`
		}
		if err := json.Unmarshal(data, &buf); err != nil {
			return err
		}
		if buf.Type != "Buffer" {
			return fmt.Errorf("bytes: unsupported object type %q", buf.Type)
		}
		*b = buf.Data
		return nil
	case 'n':
		*b = nil
		return nil
	}
	return fmt.Errorf("bytes: unsupported JSON value %s", string(data))
}
