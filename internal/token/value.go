package token

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

type valueKind int

const (
	kindString valueKind = iota
	kindNumber
	kindList
)

var hexColorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{3,8}$`)

// Value is a token value as handed over by the extraction engine. Producer
// versions have emitted plain strings, bare numbers, and short string arrays
// (multi-value shadows, font stacks) for the same token, so Value accepts all
// three shapes and renders a stable string form for comparison and display.
type Value struct {
	kind  valueKind
	str   string
	num   float64
	parts []string
}

// StringValue wraps a plain string.
func StringValue(s string) Value {
	return Value{kind: kindString, str: s}
}

// NumberValue wraps a bare number.
func NumberValue(n float64) Value {
	return Value{kind: kindNumber, num: n}
}

// ListValue wraps a short string array. The slice is copied.
func ListValue(parts ...string) Value {
	return Value{kind: kindList, parts: append([]string(nil), parts...)}
}

// String renders the stable display form: strings verbatim, numbers via
// default stringification, arrays joined with ", ".
func (v Value) String() string {
	switch v.kind {
	case kindNumber:
		return strconv.FormatFloat(v.num, 'f', -1, 64)
	case kindList:
		return strings.Join(v.parts, ", ")
	default:
		return v.str
	}
}

// Normalized returns the comparison form of the value: the display form with
// surrounding whitespace trimmed and hex colors lowercased. Only hex colors
// are case-folded; other values compare case-sensitively.
func (v Value) Normalized() string {
	s := strings.TrimSpace(v.String())
	if hexColorPattern.MatchString(s) {
		return strings.ToLower(s)
	}
	return s
}

// Equal reports whether two values are the same after normalization. Values
// of different shapes that stringify identically are equal, so "4" the string
// and 4 the number do not spuriously register as a modification.
func (v Value) Equal(other Value) bool {
	return v.Normalized() == other.Normalized()
}

// MarshalJSON preserves the original shape of the value.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case kindNumber:
		return json.Marshal(v.num)
	case kindList:
		return json.Marshal(v.parts)
	default:
		return json.Marshal(v.str)
	}
}

// UnmarshalJSON accepts a string, a number, or an array of strings.
func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*v = Value{}
		return nil
	}
	switch trimmed[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("decode string value: %w", err)
		}
		*v = StringValue(s)
	case '[':
		var parts []string
		if err := json.Unmarshal(data, &parts); err != nil {
			return fmt.Errorf("decode list value: %w", err)
		}
		*v = Value{kind: kindList, parts: parts}
	default:
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("decode numeric value: %w", err)
		}
		*v = NumberValue(n)
	}
	return nil
}
