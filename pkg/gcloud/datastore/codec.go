package datastore

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
)

// Encode converts a native Go value into its wire Value. Whole valued floats
// are encoded as integers and fractional ones as doubles.
func Encode(v any) (Value, error) {
	switch t := v.(type) {
	case nil:
		return NullValue(), nil
	case Value:
		return t, nil
	case bool:
		return BooleanValue(t), nil
	case int:
		return IntegerValue(int64(t)), nil
	case int8:
		return IntegerValue(int64(t)), nil
	case int16:
		return IntegerValue(int64(t)), nil
	case int32:
		return IntegerValue(int64(t)), nil
	case int64:
		return IntegerValue(t), nil
	case uint:
		return encodeUnsigned(uint64(t))
	case uint8:
		return IntegerValue(int64(t)), nil
	case uint16:
		return IntegerValue(int64(t)), nil
	case uint32:
		return IntegerValue(int64(t)), nil
	case uint64:
		return encodeUnsigned(t)
	case float32:
		return encodeNumber(float64(t))
	case float64:
		return encodeNumber(t)
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return IntegerValue(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, errors.NewUnsupportedValueError(fmt.Sprintf("invalid number %q", t.String()))
		}
		return encodeNumber(f)
	case string:
		return StringValue(t), nil
	case []byte:
		return BlobValue(t), nil
	case time.Time:
		return DateTimeValue(t), nil
	case *time.Time:
		if t == nil {
			return NullValue(), nil
		}
		return DateTimeValue(*t), nil
	case *Key:
		if t == nil {
			return NullValue(), nil
		}
		return KeyValue(t), nil
	case Key:
		return KeyValue(&t), nil
	case *Entity:
		if t == nil {
			return NullValue(), nil
		}
		return EntityValue(t), nil
	case Entity:
		return EntityValue(&t), nil
	case map[string]any:
		e, err := NewEntityFromMap(nil, t)
		if err != nil {
			return Value{}, err
		}
		return EntityValue(e), nil
	case []Value:
		return ListValue(t...), nil
	case []any:
		return encodeList(len(t), func(i int) any { return t[i] })
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array {
		return encodeList(rv.Len(), func(i int) any { return rv.Index(i).Interface() })
	}

	return Value{}, errors.NewUnsupportedValueError(fmt.Sprintf("cannot encode value of type %T", v))
}

func encodeNumber(f float64) (Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return Value{}, errors.NewUnsupportedValueError(fmt.Sprintf("cannot encode non finite number %v", f))
	}

	if math.Mod(f, 1) == 0 && f >= math.MinInt64 && f < math.MaxInt64 {
		return IntegerValue(int64(f)), nil
	}

	return DoubleValue(f), nil
}

func encodeUnsigned(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, errors.NewUnsupportedValueError(fmt.Sprintf("integer %d overflows int64", u))
	}
	return IntegerValue(int64(u)), nil
}

func encodeList(n int, elem func(int) any) (Value, error) {
	list := make([]Value, 0, n)

	for i := range n {
		v, err := Encode(elem(i))
		if err != nil {
			return Value{}, fmt.Errorf("list element %d: %w", i, err)
		}
		list = append(list, v)
	}

	return ListValue(list...), nil
}

// Decode converts a wire Value into its native Go form: nil, int64, float64,
// string, bool, []byte, time.Time, *Key, []any, and map[string]any for nested
// entities without a key or *Entity for keyed ones.
//
// Date times come back in UTC truncated to microseconds, so a decoded time
// matches the encoded one with time.Time.Equal but not with ==.
func Decode(v Value) any {
	switch v.kind {
	case IntegerKind:
		return v.integer
	case DoubleKind:
		return v.double
	case StringKind:
		return v.str
	case BooleanKind:
		return v.boolean
	case BlobKind:
		return v.blob
	case DateTimeKind:
		return v.dateTime
	case KeyKind:
		return v.key
	case EntityKind:
		if v.entity == nil {
			return nil
		}
		if v.entity.Key != nil {
			return v.entity
		}
		return v.entity.Values()
	case ListKind:
		list := make([]any, 0, len(v.list))
		for _, item := range v.list {
			list = append(list, Decode(item))
		}
		return list
	}

	return nil
}
