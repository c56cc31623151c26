package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Echo is the correlation token carried by a frame. Clients may send either a
// string or a number; the raw JSON is kept so it can be echoed back verbatim.
type Echo []byte

// NewEcho wraps a string correlation id.
func NewEcho(id string) Echo {
	b, _ := json.Marshal(id)
	return Echo(b)
}

// String returns the token as text: the unquoted value for strings, the
// literal for numbers and the empty string when absent.
func (e Echo) String() string {
	if len(e) == 0 || bytes.Equal(e, []byte("null")) {
		return ""
	}
	if e[0] == '"' {
		s, err := strconv.Unquote(string(e))
		if err != nil {
			return string(e)
		}
		return s
	}
	return string(e)
}

// IsZero reports whether no echo was supplied.
func (e Echo) IsZero() bool { return e.String() == "" }

// MarshalJSON implements json.Marshaler.
func (e Echo) MarshalJSON() ([]byte, error) {
	if len(e) == 0 {
		return []byte("null"), nil
	}
	return e, nil
}

// UnmarshalJSON implements json.Unmarshaler. Only strings, numbers and null
// are accepted.
func (e *Echo) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("echo must be a string or number, got empty input")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("echo: %w", err)
		}
	case 'n':
		if !bytes.Equal(data, []byte("null")) {
			return fmt.Errorf("echo must be a string or number, got: %s", string(data))
		}
		*e = nil
		return nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("echo must be a string or number, got: %s", string(data))
		}
	}
	*e = append(Echo(nil), data...)
	return nil
}
