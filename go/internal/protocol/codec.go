package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Encoding selects the wire format of outbound messages on a connection.
type Encoding string

const (
	EncodingJSON    Encoding = "json"
	EncodingMsgpack Encoding = "msgpack"
)

// ParseEncoding maps a query parameter to an Encoding, defaulting to JSON.
func ParseEncoding(s string) Encoding {
	if s == string(EncodingMsgpack) {
		return EncodingMsgpack
	}
	return EncodingJSON
}

// Binary reports whether frames of this encoding are binary.
func (e Encoding) Binary() bool {
	return e == EncodingMsgpack
}

// Encode serializes an outbound message. msgpack frames use the same field
// names as JSON.
func Encode(enc Encoding, msg any) ([]byte, error) {
	switch enc {
	case EncodingMsgpack:
		var buf bytes.Buffer
		e := msgpack.NewEncoder(&buf)
		e.SetCustomStructTag("json")
		if err := e.Encode(msg); err != nil {
			return nil, fmt.Errorf("failed to encode msgpack message: %w", err)
		}
		return buf.Bytes(), nil
	default:
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to encode json message: %w", err)
		}
		return data, nil
	}
}
