package schema

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the dynamic type carried by a Value.
type Kind uint8

const (
	// KindNull is the absent value.
	KindNull Kind = iota
	// KindString carries a UTF-8 string.
	KindString
	// KindNumber carries a float64.
	KindNumber
	// KindBool carries a boolean.
	KindBool
	// KindRef carries the id of another entity.
	KindRef
	// KindArray carries an ordered list of values.
	KindArray
)

// String returns the kind name for logs and errors.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindRef:
		return "ref"
	case KindArray:
		return "array"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is the tagged union stored in triples: null, string, number, bool,
// entity reference, or an array of those.
//
// The zero Value is null. Values are immutable; Equal compares structurally,
// so two refs are equal when they point at the same entity id.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	arr  []Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// String wraps a string value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number wraps a numeric value.
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }

// Bool wraps a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Ref wraps a reference to the entity with the given id.
func Ref(entityID string) Value { return Value{kind: KindRef, str: entityID} }

// Array wraps an ordered list of values.
func Array(elems ...Value) Value {
	return Value{kind: KindArray, arr: elems}
}

// Kind returns the dynamic type tag.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// IsRef reports whether the value is an entity reference.
func (v Value) IsRef() bool { return v.kind == KindRef }

// AsString returns the string payload. ok is false for non-string kinds.
func (v Value) AsString() (s string, ok bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsNumber returns the numeric payload. ok is false for non-number kinds.
func (v Value) AsNumber() (n float64, ok bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	return v.num, true
}

// AsBool returns the boolean payload. ok is false for non-bool kinds.
func (v Value) AsBool() (b bool, ok bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

// RefID returns the referenced entity id. ok is false for non-ref kinds.
func (v Value) RefID() (id string, ok bool) {
	if v.kind != KindRef {
		return "", false
	}
	return v.str, true
}

// AsArray returns the element slice. ok is false for non-array kinds.
// Callers must not mutate the returned slice.
func (v Value) AsArray() (elems []Value, ok bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return v.arr, true
}

// Equal reports structural equality. Numbers compare by ==, so NaN never
// equals anything, matching JSON semantics where NaN cannot appear.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindString, KindRef:
		return v.str == o.str
	case KindNumber:
		return v.num == o.num
	case KindBool:
		return v.b == o.b
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Interface unwraps the value into plain Go types: nil, string, float64,
// bool, or []any. Refs unwrap to the referenced id string.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindString, KindRef:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	default:
		return nil
	}
}

// String renders the value for logs. Strings are quoted, refs are prefixed
// with #, arrays render element-wise.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindString:
		return strconv.Quote(v.str)
	case KindRef:
		return "#" + v.str
	case KindNumber:
		if v.num == math.Trunc(v.num) && math.Abs(v.num) < 1e15 {
			return strconv.FormatInt(int64(v.num), 10)
		}
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	case KindArray:
		parts := make([]string, len(v.arr))
		for i, e := range v.arr {
			parts[i] = e.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return v.kind.String()
	}
}

// FromAny converts a decoded JSON value into a Value. Supported inputs are
// nil, string, bool, any Go integer or float type, and []any of those.
// Maps and other types are rejected; nested objects are the normalizer's
// job, not a scalar payload.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case float64:
		return Number(t), nil
	case float32:
		return Number(float64(t)), nil
	case int:
		return Number(float64(t)), nil
	case int8:
		return Number(float64(t)), nil
	case int16:
		return Number(float64(t)), nil
	case int32:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case uint:
		return Number(float64(t)), nil
	case uint8:
		return Number(float64(t)), nil
	case uint16:
		return Number(float64(t)), nil
	case uint32:
		return Number(float64(t)), nil
	case uint64:
		return Number(float64(t)), nil
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Null(), fmt.Errorf("array element %d: %w", i, err)
			}
			elems[i] = v
		}
		return Array(elems...), nil
	case []string:
		elems := make([]Value, len(t))
		for i, s := range t {
			elems[i] = String(s)
		}
		return Array(elems...), nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", x)
	}
}

// SortRefIDs returns the referenced ids of an array of refs in sorted order.
// Non-ref elements are skipped. Used by tests and debug output where a
// deterministic view of a many-ref attribute is needed.
func SortRefIDs(v Value) []string {
	elems, ok := v.AsArray()
	if !ok {
		if id, isRef := v.RefID(); isRef {
			return []string{id}
		}
		return nil
	}
	ids := make([]string, 0, len(elems))
	for _, e := range elems {
		if id, isRef := e.RefID(); isRef {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
