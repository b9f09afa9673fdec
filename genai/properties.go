package genai

import (
	"errors"
	"fmt"
)

// Collaborator layers (model executor plugins, tokenizer plugins) accept
// loosely typed option bags. Instead of passing interface{} values around,
// options are modelled as a discriminated union over the closed set of
// supported kinds. Anything outside that set is rejected at the conversion
// boundary, never coerced.

var (
	// ErrMixedTypeList is returned when a list property mixes value kinds.
	ErrMixedTypeList = errors.New("mixed types in list are not allowed")

	// ErrUnsupportedValueKind is returned for values outside the supported set.
	ErrUnsupportedValueKind = errors.New("unsupported property value type")
)

// ValueKind enumerates the supported property value kinds.
type ValueKind int

const (
	KindAbsent ValueKind = iota
	KindString
	KindBool
	KindInt
	KindFloat
	KindStringList
	KindBoolList
	KindIntList
	KindFloatList
	KindMap
)

func (k ValueKind) String() string {
	switch k {
	case KindAbsent:
		return "absent"
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindStringList:
		return "string list"
	case KindBoolList:
		return "bool list"
	case KindIntList:
		return "int list"
	case KindFloatList:
		return "float list"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// AnyValue is one property value. The zero value is the absent marker.
type AnyValue struct {
	kind    ValueKind
	str     string
	boolean bool
	integer int64
	float   float64
	strs    []string
	bools   []bool
	ints    []int64
	floats  []float64
	mapping map[string]AnyValue
}

// PropertyMap is a named bag of AnyValue options.
type PropertyMap map[string]AnyValue

// Absent returns the designated "value intentionally unset" marker.
func Absent() AnyValue { return AnyValue{kind: KindAbsent} }

func StringValue(v string) AnyValue { return AnyValue{kind: KindString, str: v} }
func BoolValue(v bool) AnyValue     { return AnyValue{kind: KindBool, boolean: v} }
func IntValue(v int64) AnyValue     { return AnyValue{kind: KindInt, integer: v} }
func FloatValue(v float64) AnyValue { return AnyValue{kind: KindFloat, float: v} }

func StringListValue(v []string) AnyValue { return AnyValue{kind: KindStringList, strs: v} }
func BoolListValue(v []bool) AnyValue     { return AnyValue{kind: KindBoolList, bools: v} }
func IntListValue(v []int64) AnyValue     { return AnyValue{kind: KindIntList, ints: v} }
func FloatListValue(v []float64) AnyValue { return AnyValue{kind: KindFloatList, floats: v} }

func MapValue(v map[string]AnyValue) AnyValue { return AnyValue{kind: KindMap, mapping: v} }

// Kind reports which member of the union is set.
func (v AnyValue) Kind() ValueKind { return v.kind }

// IsAbsent reports whether v is the absent marker.
func (v AnyValue) IsAbsent() bool { return v.kind == KindAbsent }

func (v AnyValue) kindError(want ValueKind) error {
	return fmt.Errorf("%w: have %s, want %s", ErrUnsupportedValueKind, v.kind, want)
}

// String returns the string member.
func (v AnyValue) String() (string, error) {
	if v.kind != KindString {
		return "", v.kindError(KindString)
	}
	return v.str, nil
}

// Bool returns the bool member.
func (v AnyValue) Bool() (bool, error) {
	if v.kind != KindBool {
		return false, v.kindError(KindBool)
	}
	return v.boolean, nil
}

// Int returns the integer member. A float holding an integral value is not
// accepted; the caller chose the wrong kind.
func (v AnyValue) Int() (int64, error) {
	if v.kind != KindInt {
		return 0, v.kindError(KindInt)
	}
	return v.integer, nil
}

// Float returns the floating point member. Integers widen to float since the
// information is preserved.
func (v AnyValue) Float() (float64, error) {
	switch v.kind {
	case KindFloat:
		return v.float, nil
	case KindInt:
		return float64(v.integer), nil
	}
	return 0, v.kindError(KindFloat)
}

// StringList returns the string list member.
func (v AnyValue) StringList() ([]string, error) {
	if v.kind != KindStringList {
		return nil, v.kindError(KindStringList)
	}
	return v.strs, nil
}

// IntList returns the integer list member.
func (v AnyValue) IntList() ([]int64, error) {
	if v.kind != KindIntList {
		return nil, v.kindError(KindIntList)
	}
	return v.ints, nil
}

// FloatList returns the float list member.
func (v AnyValue) FloatList() ([]float64, error) {
	if v.kind != KindFloatList {
		return nil, v.kindError(KindFloatList)
	}
	return v.floats, nil
}

// Map returns the nested mapping member.
func (v AnyValue) Map() (map[string]AnyValue, error) {
	if v.kind != KindMap {
		return nil, v.kindError(KindMap)
	}
	return v.mapping, nil
}

// ValueFromAny converts a native Go value into an AnyValue.
// nil converts to the absent marker. Lists must be homogeneous; a list mixing
// kinds fails with ErrMixedTypeList. Values outside the supported set fail
// with ErrUnsupportedValueKind.
func ValueFromAny(v any) (AnyValue, error) {
	switch x := v.(type) {
	case nil:
		return Absent(), nil
	case AnyValue:
		return x, nil
	case string:
		return StringValue(x), nil
	case bool:
		return BoolValue(x), nil
	case int:
		return IntValue(int64(x)), nil
	case int64:
		return IntValue(x), nil
	case float32:
		return FloatValue(float64(x)), nil
	case float64:
		return FloatValue(x), nil
	case []string:
		return StringListValue(x), nil
	case []bool:
		return BoolListValue(x), nil
	case []int64:
		return IntListValue(x), nil
	case []int:
		ints := make([]int64, len(x))
		for i, n := range x {
			ints[i] = int64(n)
		}
		return IntListValue(ints), nil
	case []float64:
		return FloatListValue(x), nil
	case []any:
		return listFromAny(x)
	case map[string]any:
		return mapFromAny(x)
	}
	return AnyValue{}, fmt.Errorf("%w: %T", ErrUnsupportedValueKind, v)
}

// listFromAny converts a heterogeneous-typed slice, enforcing that every
// element converts to the same kind. An empty list converts to absent since
// no element kind can be established.
func listFromAny(items []any) (AnyValue, error) {
	if len(items) == 0 {
		return Absent(), nil
	}
	elems := make([]AnyValue, len(items))
	for i, item := range items {
		ev, err := ValueFromAny(item)
		if err != nil {
			return AnyValue{}, err
		}
		if ev.kind != elems[0].kind && i > 0 {
			return AnyValue{}, fmt.Errorf("%w: %s and %s", ErrMixedTypeList, elems[0].kind, ev.kind)
		}
		elems[i] = ev
	}
	switch elems[0].kind {
	case KindString:
		out := make([]string, len(elems))
		for i, e := range elems {
			out[i] = e.str
		}
		return StringListValue(out), nil
	case KindBool:
		out := make([]bool, len(elems))
		for i, e := range elems {
			out[i] = e.boolean
		}
		return BoolListValue(out), nil
	case KindInt:
		out := make([]int64, len(elems))
		for i, e := range elems {
			out[i] = e.integer
		}
		return IntListValue(out), nil
	case KindFloat:
		out := make([]float64, len(elems))
		for i, e := range elems {
			out[i] = e.float
		}
		return FloatListValue(out), nil
	}
	return AnyValue{}, fmt.Errorf("%w: list of %s", ErrUnsupportedValueKind, elems[0].kind)
}

func mapFromAny(m map[string]any) (AnyValue, error) {
	out := make(map[string]AnyValue, len(m))
	for key, item := range m {
		ev, err := ValueFromAny(item)
		if err != nil {
			return AnyValue{}, fmt.Errorf("key %q: %w", key, err)
		}
		out[key] = ev
	}
	return MapValue(out), nil
}

// PropertyMapFromAny converts a native map into a validated PropertyMap.
func PropertyMapFromAny(m map[string]any) (PropertyMap, error) {
	out := make(PropertyMap, len(m))
	for key, item := range m {
		ev, err := ValueFromAny(item)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", key, err)
		}
		out[key] = ev
	}
	return out, nil
}
