package jsonrpc

import (
	"fmt"
	"math"
	"strconv"
)

type idKind uint8

const (
	nullID idKind = iota
	stringID
	numberID
)

// ID identifies a request. It is a string, a number or null (the zero value).
// IDs are comparable and two IDs are equal only when both the kind and the
// value match, so StringID("1") and NumberID(1) are different requests.
type ID struct {
	kind idKind
	str  string
	num  int64
}

// StringID returns a string request id.
func StringID(s string) ID {
	return ID{kind: stringID, str: s}
}

// NumberID returns a numeric request id.
func NumberID(n int64) ID {
	return ID{kind: numberID, num: n}
}

// IDFrom converts a decoded id value (string, integer, integral float or nil)
// into an ID. It is meant for transports that decode messages generically.
func IDFrom(v any) (ID, error) {
	switch id := v.(type) {
	case nil:
		return ID{}, nil
	case ID:
		return id, nil
	case string:
		return StringID(id), nil
	case int:
		return NumberID(int64(id)), nil
	case int32:
		return NumberID(int64(id)), nil
	case int64:
		return NumberID(id), nil
	case uint32:
		return NumberID(int64(id)), nil
	case float64:
		if id != math.Trunc(id) || math.IsInf(id, 0) {
			return ID{}, fmt.Errorf("non-integral id %v", id)
		}
		return NumberID(int64(id)), nil
	default:
		return ID{}, fmt.Errorf("unsupported id type %T", v)
	}
}

// IsNull reports whether the id is null. Requests with a null id are notifications.
func (id ID) IsNull() bool {
	return id.kind == nullID
}

// Value returns nil, a string or an int64.
func (id ID) Value() any {
	switch id.kind {
	case stringID:
		return id.str
	case numberID:
		return id.num
	default:
		return nil
	}
}

func (id ID) String() string {
	switch id.kind {
	case stringID:
		return strconv.Quote(id.str)
	case numberID:
		return strconv.FormatInt(id.num, 10)
	default:
		return "null"
	}
}
