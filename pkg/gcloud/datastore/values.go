package datastore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
)

// Kind discriminates the variants of a Value.
type Kind int

const (
	NullKind Kind = iota
	IntegerKind
	DoubleKind
	StringKind
	BooleanKind
	BlobKind
	DateTimeKind
	KeyKind
	EntityKind
	ListKind
)

var kindNames = [...]string{"null", "integer", "double", "string", "boolean", "blob", "dateTime", "key", "entity", "list"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a property value in its wire form. The zero Value is null.
type Value struct {
	kind Kind

	integer  int64
	double   float64
	str      string
	boolean  bool
	blob     []byte
	dateTime time.Time
	key      *Key
	entity   *Entity
	list     []Value

	indexed *bool
	meaning int
}

func NullValue() Value { return Value{} }

func IntegerValue(i int64) Value { return Value{kind: IntegerKind, integer: i} }

func DoubleValue(f float64) Value { return Value{kind: DoubleKind, double: f} }

func StringValue(s string) Value { return Value{kind: StringKind, str: s} }

func BooleanValue(b bool) Value { return Value{kind: BooleanKind, boolean: b} }

func BlobValue(b []byte) Value { return Value{kind: BlobKind, blob: b} }

func KeyValue(k *Key) Value { return Value{kind: KeyKind, key: k} }

func ListValue(vs ...Value) Value { return Value{kind: ListKind, list: vs} }

// DateTimeValue stores t in UTC at microsecond precision.
func DateTimeValue(t time.Time) Value {
	return Value{kind: DateTimeKind, dateTime: t.UTC().Truncate(time.Microsecond)}
}

// EntityValue nests e. Nested entities are never indexed.
func EntityValue(e *Entity) Value {
	return Value{kind: EntityKind, entity: e, indexed: boolPtr(false)}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) Integer() int64      { return v.integer }
func (v Value) Double() float64     { return v.double }
func (v Value) Text() string        { return v.str }
func (v Value) Boolean() bool       { return v.boolean }
func (v Value) Blob() []byte        { return v.blob }
func (v Value) DateTime() time.Time { return v.dateTime }
func (v Value) Key() *Key           { return v.key }
func (v Value) Entity() *Entity     { return v.entity }
func (v Value) List() []Value       { return v.list }

// Indexed reports whether the value takes part in indexes. Values are indexed
// unless explicitly excluded.
func (v Value) Indexed() bool {
	return v.indexed == nil || *v.indexed
}

// Unindexed returns a copy of v excluded from indexes.
func (v Value) Unindexed() Value {
	v.indexed = boolPtr(false)
	return v
}

func boolPtr(b bool) *bool { return &b }

type wireValue struct {
	IntegerValue  json.RawMessage `json:"integerValue,omitempty"`
	DoubleValue   *float64        `json:"doubleValue,omitempty"`
	StringValue   *string         `json:"stringValue,omitempty"`
	BooleanValue  *bool           `json:"booleanValue,omitempty"`
	BlobValue     *string         `json:"blobValue,omitempty"`
	DateTimeValue json.RawMessage `json:"dateTimeValue,omitempty"`
	KeyValue      *Key            `json:"keyValue,omitempty"`
	EntityValue   *Entity         `json:"entityValue,omitempty"`
	ListValue     *[]Value        `json:"listValue,omitempty"`
	Indexed       *bool           `json:"indexed,omitempty"`
	Meaning       int             `json:"meaning,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	w := wireValue{
		Indexed: v.indexed,
		Meaning: v.meaning,
	}

	switch v.kind {
	case NullKind:
	case IntegerKind:
		w.IntegerValue = json.RawMessage(strconv.Quote(strconv.FormatInt(v.integer, 10)))
	case DoubleKind:
		w.DoubleValue = &v.double
	case StringKind:
		w.StringValue = &v.str
	case BooleanKind:
		w.BooleanValue = &v.boolean
	case BlobKind:
		encoded := base64.StdEncoding.EncodeToString(v.blob)
		w.BlobValue = &encoded
	case DateTimeKind:
		w.DateTimeValue = json.RawMessage(strconv.FormatInt(v.dateTime.UnixMicro(), 10))
	case KeyKind:
		if v.key == nil {
			return nil, errors.NewUnsupportedValueError("key value without a key")
		}
		w.KeyValue = v.key
	case EntityKind:
		if v.entity == nil {
			return nil, errors.NewUnsupportedValueError("entity value without an entity")
		}
		w.EntityValue = v.entity
	case ListKind:
		list := v.list
		if list == nil {
			list = []Value{}
		}
		w.ListValue = &list
	default:
		return nil, errors.NewUnsupportedValueError(fmt.Sprintf("unknown value kind %d", v.kind))
	}

	return json.Marshal(w)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	w := wireValue{}

	err := json.Unmarshal(data, &w)
	if err != nil {
		return err
	}

	*v = Value{indexed: w.Indexed, meaning: w.Meaning}
	tags := 0

	if len(w.IntegerValue) > 0 {
		tags++
		v.kind = IntegerKind
		v.integer, err = strconv.ParseInt(unquote(w.IntegerValue), 10, 64)
		if err != nil {
			return errors.NewUnsupportedValueError(fmt.Sprintf("invalid integerValue %s", string(w.IntegerValue)))
		}
	}

	if w.DoubleValue != nil {
		tags++
		v.kind = DoubleKind
		v.double = *w.DoubleValue
	}

	if w.StringValue != nil {
		tags++
		v.kind = StringKind
		v.str = *w.StringValue
	}

	if w.BooleanValue != nil {
		tags++
		v.kind = BooleanKind
		v.boolean = *w.BooleanValue
	}

	if w.BlobValue != nil {
		tags++
		v.kind = BlobKind
		v.blob, err = base64.StdEncoding.DecodeString(*w.BlobValue)
		if err != nil {
			v.blob, err = base64.URLEncoding.DecodeString(*w.BlobValue)
			if err != nil {
				return errors.NewUnsupportedValueError("blobValue is not valid base64")
			}
		}
	}

	if len(w.DateTimeValue) > 0 {
		tags++
		v.kind = DateTimeKind
		v.dateTime, err = parseDateTime(w.DateTimeValue)
		if err != nil {
			return err
		}
	}

	if w.KeyValue != nil {
		tags++
		v.kind = KeyKind
		v.key = w.KeyValue
	}

	if w.EntityValue != nil {
		tags++
		v.kind = EntityKind
		v.entity = w.EntityValue
	}

	if w.ListValue != nil {
		tags++
		v.kind = ListKind
		v.list = *w.ListValue
	}

	if tags > 1 {
		return errors.NewUnsupportedValueError(fmt.Sprintf("value carries %d type tags", tags))
	}

	return nil
}

func unquote(raw json.RawMessage) string {
	return strings.Trim(string(bytes.TrimSpace(raw)), `"`)
}

// parseDateTime accepts microseconds since the epoch, as a number or a decimal
// string, and RFC 3339 timestamps.
func parseDateTime(raw json.RawMessage) (time.Time, error) {
	s := unquote(raw)

	if micros, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMicro(micros).UTC(), nil
	}

	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.NewUnsupportedValueError(fmt.Sprintf("invalid dateTimeValue %s", string(raw)))
	}

	return t.UTC(), nil
}
