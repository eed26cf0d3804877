package jsonrpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

// Typed adapts a function taking params of type P into a Handler. Params that are
// already a P (or *P) are passed through, generic maps and slices produced by a
// codec are decoded with mapstructure. Params that can't be converted, such as
// positional params for a handler expecting named ones, are reported with
// CodeInvalidParams.
func Typed[P any](fn func(ctx context.Context, params P) (any, error)) Handler {
	return func(ctx context.Context, params any) (any, error) {
		p, err := Decode[P](params)
		if err != nil {
			return nil, InvalidParams(ID{}, err.Error())
		}
		return fn(ctx, p)
	}
}

// Decode converts a decoded value into T.
func Decode[T any](v any) (T, error) {
	var out T
	switch val := v.(type) {
	case T:
		return val, nil
	case *T:
		if val == nil {
			return out, errors.New("nil value")
		}
		return *val, nil
	case nil:
		return out, nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:     &out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.TextUnmarshallerHookFunc(),
		),
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(v); err != nil {
		return out, fmt.Errorf("decode %T into %T: %w", v, out, err)
	}
	return out, nil
}

// Result converts the outcome of Call into T.
func Result[T any](v any, err error) (T, error) {
	if err != nil {
		var out T
		return out, err
	}
	return Decode[T](v)
}

// Positional builds positional params.
func Positional(params ...any) []any {
	return params
}

// Named builds named params from alternating keys and values.
func Named(kv ...any) map[string]any {
	if len(kv)%2 != 0 {
		panic("jsonrpc: odd number of arguments to Named")
	}
	params := make(map[string]any, len(kv)/2)
	for i := 0; i < len(kv); i += 2 {
		params[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return params
}
