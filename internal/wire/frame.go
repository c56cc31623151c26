// Package wire defines the JSON frames exchanged with render clients over the
// duplex channel. Every WebSocket text message carries exactly one Frame.
package wire

import (
	"encoding/json"
	"fmt"

	gateway "github.com/ggoodman/render-gateway"
)

// Actions understood or emitted by the gateway.
const (
	ActionProtocol     = "protocol"
	ActionHeartbeat    = "heartbeat"
	ActionRender       = "render"
	ActionRenderHTML   = "renderHtml"
	ActionRenderResult = "renderRes"
	ActionStatic       = "static"
	ActionTimeout      = "timeout"
)

// Reply statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Frame is the envelope of every message on the channel. Which fields are set
// depends on the action.
type Frame struct {
	Action string          `json:"action,omitempty"`
	Echo   Echo            `json:"echo,omitempty"`
	Status string          `json:"status,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
	OK     *bool           `json:"ok,omitempty"`
}

// Parse decodes a single frame. Frames that are not JSON objects, or that
// carry neither an action nor a reply status, are reported as
// gateway.ErrProtocol so callers can drop them.
func Parse(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrProtocol, err)
	}
	if f.Action == "" && f.Status == "" {
		return nil, fmt.Errorf("%w: frame has no action", gateway.ErrProtocol)
	}
	return &f, nil
}

// IsReply reports whether the frame answers a gateway-initiated call. Both the
// explicit {action:"static"} shape and a bare {echo,status} reply qualify.
func (f *Frame) IsReply() bool {
	if f.Action == ActionStatic {
		return true
	}
	return f.Action == "" && f.Status != "" && !f.Echo.IsZero()
}

// ErrorMessage extracts a human readable message from the error field, which
// peers send either as a string or as an object with a message.
func (f *Frame) ErrorMessage() string {
	if len(f.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(f.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(f.Error, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(f.Error)
}

// Encode marshals a frame for the wire.
func Encode(f *Frame) ([]byte, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshal frame: %w", err)
	}
	return b, nil
}

// Capabilities is the payload of the handshake frame.
type Capabilities struct {
	Application string `json:"application"`
	Short       bool   `json:"short"`
	Cache       bool   `json:"cache"`
	Vue         bool   `json:"vue"`
}

// Handshake builds the capability frame sent right after accept.
func Handshake(c Capabilities) *Frame {
	return &Frame{Action: ActionProtocol, Data: mustJSON(c)}
}

// Timeout builds the notice sent before a lifecycle deadline closes the
// connection.
func Timeout(message string) *Frame {
	return &Frame{Action: ActionTimeout, Data: mustJSON(map[string]string{"message": message})}
}

// RenderResult builds a renderRes frame. Exactly one of data or errMsg is
// written depending on status.
func RenderResult(echo Echo, status string, data json.RawMessage, errMsg string) *Frame {
	ok := status == StatusOK
	f := &Frame{Action: ActionRenderResult, Echo: echo, Status: status, OK: &ok}
	if ok {
		f.Data = data
	} else {
		f.Error = mustJSON(errMsg)
	}
	return f
}

// Request builds a gateway-initiated call frame.
func Request(id, verb string, params json.RawMessage) *Frame {
	return &Frame{Action: verb, Echo: NewEcho(id), Params: params}
}

func mustJSON(v any) json.RawMessage { b, _ := json.Marshal(v); return b }
