// Package render defines the boundary to the external render engine and the
// preparation every render request goes through before reaching it.
package render

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"

	"github.com/ggoodman/render-gateway/sessions"
)

const (
	StatusOK    = "ok"
	StatusError = "error"

	// Base64Prefix marks base64 result data.
	Base64Prefix = "base64://"
)

// Job is the option set handed to the render engine. It holds every field
// the client sent, with file and encoding resolved.
type Job map[string]json.RawMessage

// String returns a string-valued option, or "".
func (j Job) String(name string) string {
	var s string
	if raw, ok := j[name]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

func (j Job) File() string     { return j.String("file") }
func (j Job) Encoding() string { return j.String("encoding") }

// Set stores v under name. Values that cannot be marshalled are dropped.
func (j Job) Set(name string, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	j[name] = b
}

// Job fields that carry the identity of the submitting connection.
const (
	FieldRendererID = "rendererId"
	FieldHeaders    = "headers"
)

// SetIdentity records the connection a job renders for: as rendererId, and
// as the identity header in the extra headers the engine attaches to every
// request the page makes. Headers the client sent are kept. An empty connID
// leaves the job unchanged.
func (j Job) SetIdentity(connID string) {
	if connID == "" {
		return
	}
	j.Set(FieldRendererID, connID)
	headers := map[string]any{}
	if raw, ok := j[FieldHeaders]; ok {
		if err := json.Unmarshal(raw, &headers); err != nil || headers == nil {
			headers = map[string]any{}
		}
	}
	headers[sessions.IdentityHeader] = connID
	j.Set(FieldHeaders, headers)
}

// Result is what the engine produced for one job.
type Result struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r Result) OK() bool { return r.Status == StatusOK }

// Failed builds an error result.
func Failed(err error) Result {
	return Result{Status: StatusError, Error: err.Error()}
}

// Renderer is implemented by render engines.
type Renderer interface {
	Render(ctx context.Context, job Job) (Result, error)
}

// RendererFunc adapts a function to Renderer.
type RendererFunc func(ctx context.Context, job Job) (Result, error)

func (f RendererFunc) Render(ctx context.Context, job Job) (Result, error) { return f(ctx, job) }

// PrefixBase64 prefixes string data, or every string of an array, with
// Base64Prefix unless already present. Other shapes are returned unchanged.
func PrefixBase64(data json.RawMessage) json.RawMessage {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return data
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return data
		}
		return mustJSON(prefix(s))
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return data
		}
		for i, it := range items {
			var s string
			if json.Unmarshal(it, &s) == nil {
				items[i] = mustJSON(prefix(s))
			}
		}
		return mustJSON(items)
	}
	return data
}

func prefix(s string) string {
	if strings.HasPrefix(s, Base64Prefix) {
		return s
	}
	return Base64Prefix + s
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
