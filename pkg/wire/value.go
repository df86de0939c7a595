package wire

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// Kind discriminates the variants a Value can hold.
type Kind int

const (
	KindString Kind = iota
	KindNumber
	KindBool
	KindList
	// KindStructured holds an arbitrary JSON-compatible value. Only payloads use it.
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindList:
		return "list"
	case KindStructured:
		return "structured"
	default:
		return "unknown"
	}
}

// Value is a tagged variant for parameter and payload values.
// The zero Value is an empty string.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []string
	data any
}

// String builds a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number builds a numeric value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Bool builds a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List builds a string-list value. The slice is copied.
func List(items ...string) Value {
	cp := make([]string, len(items))
	copy(cp, items)
	return Value{kind: KindList, list: cp}
}

// Structured wraps a decoded JSON value (map[string]any, []any, string, float64, bool, nil).
func Structured(v any) Value { return Value{kind: KindStructured, data: v} }

// Kind reports the variant held.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string and whether the value is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// Num returns the number and whether the value is numeric.
func (v Value) Num() (float64, bool) { return v.num, v.kind == KindNumber }

// Boolean returns the bool and whether the value is boolean.
func (v Value) Boolean() (bool, bool) { return v.b, v.kind == KindBool }

// Items returns a copy of the list items and whether the value is a list.
func (v Value) Items() ([]string, bool) {
	if v.kind != KindList {
		return nil, false
	}
	cp := make([]string, len(v.list))
	copy(cp, v.list)
	return cp, true
}

// Data returns the structured payload and whether the value is structured.
func (v Value) Data() (any, bool) { return v.data, v.kind == KindStructured }

// Text renders the value for humans: strings verbatim, numbers without
// trailing zeros, lists comma separated, structured values as compact JSON.
func (v Value) Text() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return formatNumber(v.num)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindList:
		return strings.Join(v.list, ", ")
	case KindStructured:
		if s, ok := v.data.(string); ok {
			return s
		}
		b, err := json.Marshal(v.data)
		if err != nil {
			return fmt.Sprint(v.data)
		}
		return string(b)
	}
	return ""
}

// Truthy follows loose truthiness: true, non-zero numbers, non-empty strings
// other than "false"/"0", non-empty lists.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num != 0 && !math.IsNaN(v.num)
	case KindString:
		s := strings.ToLower(strings.TrimSpace(v.str))
		return s != "" && s != "false" && s != "0" && s != "no"
	case KindList:
		return len(v.list) > 0
	case KindStructured:
		return v.data != nil
	}
	return false
}

// Equal reports semantic equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if v.list[i] != o.list[i] {
				return false
			}
		}
		return true
	case KindStructured:
		return reflect.DeepEqual(v.data, o.data)
	}
	return false
}

// MarshalJSON encodes the value as its natural JSON form.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNumber:
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindStructured:
		return json.Marshal(v.data)
	default:
		return json.Marshal(v.str)
	}
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
