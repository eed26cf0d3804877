package tree

import (
	"fmt"
	"reflect"

	"github.com/mitchellh/mapstructure"
)

// isNil reports whether v is nil or a nil pointer, slice, map, channel, function or interface.
func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Chan, reflect.Func:
		return rv.IsNil()
	}
	return false
}

// same reports whether a and b are the same object: pointers, maps and slices are
// compared by identity, other comparable values by equality.
func same(a, b any) (eq bool) {
	if isNil(a) || isNil(b) {
		return isNil(a) && isNil(b)
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Type() != rb.Type() {
		return false
	}
	switch ra.Kind() {
	case reflect.Slice:
		return ra.Len() == rb.Len() && ra.UnsafePointer() == rb.UnsafePointer()
	case reflect.Map, reflect.Chan, reflect.Func:
		return ra.UnsafePointer() == rb.UnsafePointer()
	}
	if !ra.Type().Comparable() {
		return false
	}
	// structs holding interfaces with incomparable dynamic values panic on ==
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// hashable reports whether v can be used as a map key.
func hashable(v any) bool {
	if v == nil {
		return false
	}
	t := reflect.TypeOf(v)
	switch t.Kind() {
	case reflect.Pointer, reflect.Chan, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return true
	}
	return false
}

// ValueTyper is implemented by composite values that are not trees, so that the
// receiver can construct an empty instance when the value is added.
type ValueTyper interface {
	ValueType() string
}

func valueTypeOf(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case Tree:
		if isNil(t) {
			return ""
		}
		return t.TreeType()
	case ValueTyper:
		if isNil(t) {
			return ""
		}
		return t.ValueType()
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return ""
	}
	return fmt.Sprintf("%T", v)
}

// idOf returns the id of an added tree, which travels as the payload of its ADD token.
func idOf(v any) any {
	if t, ok := v.(Tree); ok && !isNil(t) {
		return t.TreeID()
	}
	return nil
}

// As converts a payload into T. Values that are already a T pass through, generic
// maps and slices produced by a codec are decoded with mapstructure.
func As[T any](v any) (T, error) {
	var out T
	switch val := v.(type) {
	case T:
		return val, nil
	case nil:
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(v); err != nil {
		return out, fmt.Errorf("%w: convert %T into %T: %w", ErrProtocol, v, out, err)
	}
	return out, nil
}
