package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"

	gateway "github.com/ggoodman/render-gateway"
)

// EncodingBase64 is the default result encoding of a render request.
const EncodingBase64 = "base64"

// RenderRequest is the data of a render or renderHtml frame. The typed fields
// are the ones the gateway acts on; Fields keeps everything as received so
// the render engine sees options the gateway does not know about.
type RenderRequest struct {
	File            string
	Encoding        string
	Vue             bool
	Name            string
	VueTemplate     string
	Props           json.RawMessage
	WaitForSelector json.RawMessage
	ScreensEval     json.RawMessage

	Fields map[string]json.RawMessage
}

// DecodeRender decodes render data. The file is URL-decoded and the encoding
// defaults to base64 when omitted.
func DecodeRender(data json.RawMessage) (*RenderRequest, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: render frame without data", gateway.ErrProtocol)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("%w: render data: %v", gateway.ErrProtocol, err)
	}

	r := &RenderRequest{Fields: fields}
	var err error
	if r.File, err = stringField(fields, "file"); err != nil {
		return nil, err
	}
	if r.File == "" {
		return nil, fmt.Errorf("%w: render data without file", gateway.ErrProtocol)
	}
	if dec, err := url.PathUnescape(r.File); err == nil {
		r.File = dec
	}
	if r.Encoding, err = stringField(fields, "encoding"); err != nil {
		return nil, err
	}
	if r.Encoding == "" {
		r.Encoding = EncodingBase64
	}
	if r.Name, err = stringField(fields, "name"); err != nil {
		return nil, err
	}
	if r.VueTemplate, err = stringField(fields, "vueTemplate"); err != nil {
		return nil, err
	}
	r.Vue = truthy(fields["vue"])
	r.Props = fields["props"]
	r.WaitForSelector = fields["waitForSelector"]
	r.ScreensEval = fields["screensEval"]
	return r, nil
}

// Job returns the options handed to the render engine: every received field
// with file and encoding replaced by their resolved values.
func (r *RenderRequest) Job() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage, len(r.Fields)+2)
	for k, v := range r.Fields {
		out[k] = v
	}
	out["file"] = mustJSON(r.File)
	out["encoding"] = mustJSON(r.Encoding)
	return out
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("%w: field %q must be a string", gateway.ErrProtocol, name)
	}
	return s, nil
}

// truthy mirrors loose truthiness: false, null, 0 and "" are false, anything
// else present is true.
func truthy(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	switch string(raw) {
	case "false", "null", "0", `""`:
		return false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f != 0
	}
	return true
}
