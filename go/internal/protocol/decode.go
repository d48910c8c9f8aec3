package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrMalformed = errors.New("malformed message")

// Number is a leniently decoded numeric field. It accepts JSON numbers and
// numeric strings; anything else, including null, decodes to NaN so callers
// can tell "absent or invalid" from zero.
type Number float64

func (n *Number) UnmarshalJSON(b []byte) error {
	*n = Number(math.NaN())

	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] == 'n' || b[0] == 't' || b[0] == 'f' || b[0] == '{' || b[0] == '[' {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		b = []byte(s)
	}
	if f, err := strconv.ParseFloat(string(b), 64); err == nil {
		*n = Number(f)
	}
	return nil
}

// Float returns the value, or NaN if it is absent or invalid.
func (n Number) Float() float64 {
	return float64(n)
}

// Finite reports whether the value is a usable number.
func (n Number) Finite() bool {
	f := float64(n)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Flag is a truthy boolean: true, non-zero numbers and non-empty strings are
// true; false, 0, "", null, objects and arrays are false.
type Flag bool

func (f *Flag) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		*f = false
		return nil
	}
	switch t := v.(type) {
	case bool:
		*f = Flag(t)
	case float64:
		*f = Flag(t != 0 && !math.IsNaN(t))
	case string:
		*f = Flag(t != "")
	case map[string]any, []any:
		*f = true
	default:
		*f = false
	}
	return nil
}

// Text is a string field that also accepts JSON numbers.
type Text string

func (t *Text) UnmarshalJSON(b []byte) error {
	*t = ""
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil
	}
	switch b[0] {
	case '"':
		var s string
		if err := json.Unmarshal(b, &s); err == nil {
			*t = Text(s)
		}
	case '-', '0', '1', '2', '3', '4', '5', '6', '7', '8', '9':
		*t = Text(b)
	}
	return nil
}

// ClientMessage is the union of every inbound message. REST bodies use the
// same shape without Type.
type ClientMessage struct {
	Type  string `json:"type"`
	Track Text   `json:"track"`
	Cid   Text   `json:"cid"`
	X     Number `json:"x"`
	Y     Number `json:"y"`
	VX    Number `json:"vx"`
	VY    Number `json:"vy"`
	RunMs Number `json:"runMs"`
	Ready Flag   `json:"ready"`
}

// Decode parses an inbound JSON object. Numeric fields that are missing
// decode to NaN. Anything that is not a JSON object is ErrMalformed.
func Decode(data []byte) (ClientMessage, error) {
	msg := ClientMessage{
		X:     Number(math.NaN()),
		Y:     Number(math.NaN()),
		VX:    Number(math.NaN()),
		VY:    Number(math.NaN()),
		RunMs: Number(math.NaN()),
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return ClientMessage{}, ErrMalformed
	}

	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return ClientMessage{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return msg, nil
}

// TrackOrDefault returns the requested track id, or DefaultTrack.
func (m ClientMessage) TrackOrDefault() string {
	if m.Track == "" {
		return DefaultTrack
	}
	return string(m.Track)
}

// IsFinishClaim reports whether the message claims a finish.
func (m ClientMessage) IsFinishClaim() bool {
	return m.Type == TypeFinish || m.Type == TypeFinishClaim
}

// OptionalFloat returns a pointer to the value if it is finite.
func OptionalFloat(n Number) *float64 {
	if !n.Finite() {
		return nil
	}
	f := n.Float()
	return &f
}
