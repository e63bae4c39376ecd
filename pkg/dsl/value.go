// Package dsl implements the expression language used to template the URL,
// headers, request body and response body of HTTP-backed tools. Evaluation
// is pure: the same context always yields the same value.
package dsl

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"unicode/utf8"
)

// Kind enumerates the value kinds of the language.
type Kind int

// Value kinds.
const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
	KindFunc
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "boolean"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	case KindFunc:
		return "function"
	default:
		return "unknown"
	}
}

// Func is a callable value, used by higher-order built-ins such as map and
// filter when the context supplies one.
type Func func(args ...Value) (Value, error)

// Value is the tagged variant flowing through evaluation. Member and index
// lookups are total: absence yields the null value, never an error.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	arr  []any
	obj  map[string]any
	fn   Func
}

// Null is the null value.
var Null = Value{kind: KindNull}

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a number.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array wraps a sequence.
func Array(items []any) Value { return Value{kind: KindArray, arr: items} }

// Object wraps a mapping.
func Object(m map[string]any) Value { return Value{kind: KindObject, obj: m} }

// FromAny converts an arbitrary decoded-JSON-shaped value into a Value.
// Unrecognized types are stringified.
func FromAny(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null
	case Value:
		return x
	case bool:
		return Bool(x)
	case float64:
		return Number(x)
	case float32:
		return Number(float64(x))
	case int:
		return Number(float64(x))
	case int32:
		return Number(float64(x))
	case int64:
		return Number(float64(x))
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return String(x.String())
		}
		return Number(f)
	case string:
		return String(x)
	case []any:
		return Array(x)
	case []string:
		items := make([]any, len(x))
		for i, s := range x {
			items[i] = s
		}
		return Array(items)
	case map[string]any:
		return Object(x)
	case map[string]string:
		m := make(map[string]any, len(x))
		for k, s := range x {
			m[k] = s
		}
		return Object(m)
	case Func:
		return Value{kind: KindFunc, fn: x}
	default:
		return String(fmt.Sprintf("%v", x))
	}
}

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// Any unwraps the value back to a plain Go representation.
func (v Value) Any() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindArray:
		return v.arr
	case KindObject:
		return v.obj
	case KindFunc:
		return v.fn
	default:
		return nil
	}
}

// Truthy reports the value's truthiness: null and empty/zero values are
// false, everything else true.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNull:
		return false
	case KindBool:
		return v.b
	case KindNumber:
		return v.n != 0
	case KindString:
		return len(v.s) > 0
	case KindArray:
		return len(v.arr) > 0
	case KindObject:
		return len(v.obj) > 0
	default:
		return true
	}
}

// Member resolves obj.key / obj[key] / arr[index]. Lookups that miss, index
// out of range included, yield Null.
func (v Value) Member(key Value) Value {
	switch v.kind {
	case KindObject:
		return FromAny(v.obj[keyString(key)])
	case KindArray:
		idx, ok := indexOf(key)
		if !ok || idx < 0 || idx >= len(v.arr) {
			return Null
		}
		return FromAny(v.arr[idx])
	default:
		return Null
	}
}

func keyString(key Value) string {
	switch key.kind {
	case KindString:
		return key.s
	case KindNumber:
		return formatNumber(key.n)
	default:
		return fmt.Sprintf("%v", key.Any())
	}
}

func indexOf(key Value) (int, bool) {
	switch key.kind {
	case KindNumber:
		return int(key.n), true
	case KindString:
		i, err := strconv.Atoi(key.s)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

// Equal is deep equality over the unwrapped representations.
func (v Value) Equal(other Value) bool {
	return reflect.DeepEqual(v.Any(), other.Any())
}

// runeLen is the character count used by length() on strings.
func runeLen(s string) int { return utf8.RuneCountInString(s) }

// formatNumber prints integral floats without a decimal point.
func formatNumber(n float64) string {
	if n == math.Trunc(n) && !math.IsInf(n, 0) && math.Abs(n) < 1e15 {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'g', -1, 64)
}
