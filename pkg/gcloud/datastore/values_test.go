package datastore

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	gcerrors "github.com/diwise/gcloud-datastore/pkg/gcloud/errors"
	"github.com/matryer/is"
)

func TestEncodeUsesRemainderTestForNumbers(t *testing.T) {
	is := is.New(t)

	whole, err := Encode(20.0)
	is.NoErr(err)
	is.Equal(whole.Kind(), IntegerKind)
	is.Equal(whole.Integer(), int64(20))

	fractional, err := Encode(20.14)
	is.NoErr(err)
	is.Equal(fractional.Kind(), DoubleKind)

	typed, err := Encode(int32(939808))
	is.NoErr(err)
	is.Equal(typed.Kind(), IntegerKind)

	n, err := Encode(json.Number("0.24"))
	is.NoErr(err)
	is.Equal(n.Kind(), DoubleKind)
}

func TestWireTags(t *testing.T) {
	is := is.New(t)

	ts := time.Date(2015, 2, 3, 4, 5, 6, 7000, time.UTC)
	k := NameKey("Nasdaq100", "EBAY", nil)

	cases := []struct {
		value    any
		expected string
	}{
		{nil, `{}`},
		{true, `{"booleanValue":true}`},
		{923661, `{"integerValue":"923661"}`},
		{55.003, `{"doubleValue":55.003}`},
		{"eBay Inc", `{"stringValue":"eBay Inc"}`},
		{[]byte("hello"), `{"blobValue":"aGVsbG8="}`},
		{ts, `{"dateTimeValue":1422936306000007}`},
		{k, `{"keyValue":{"path":[{"kind":"Nasdaq100","name":"EBAY"}]}}`},
		{[]string{"a", "b"}, `{"listValue":[{"stringValue":"a"},{"stringValue":"b"}]}`},
		{map[string]any{"x": 1}, `{"entityValue":{"properties":{"x":{"integerValue":"1"}}},"indexed":false}`},
		{[]any{}, `{"listValue":[]}`},
	}

	for _, c := range cases {
		v, err := Encode(c.value)
		is.NoErr(err)

		b, err := json.Marshal(v)
		is.NoErr(err)
		is.Equal(string(b), c.expected)
	}
}

func TestRoundTripOfScalars(t *testing.T) {
	is := is.New(t)

	ts := time.Date(2024, 5, 17, 9, 30, 0, 123456000, time.UTC)
	k := IDKey("Holding", 99, NameKey("Portfolio", "p", nil))

	values := []any{
		nil,
		true,
		false,
		int64(-12),
		int64(math.MaxInt64),
		3.25,
		"",
		"Activision Blizzard Inc",
		[]byte{0, 1, 2, 255},
		ts,
	}

	for _, v := range values {
		is.Equal(roundTrip(is, v), v)
	}

	decodedKey := roundTrip(is, k).(*Key)
	is.True(decodedKey.Equal(k))
}

func TestRoundTripOfNestedComposites(t *testing.T) {
	is := is.New(t)

	nested := map[string]any{
		"symbols": []any{"ATVI", "EBAY"},
		"quote": map[string]any{
			"lastSale": 20.14,
			"volume":   int64(939808),
			"history":  []any{[]any{int64(1), 2.5}, map[string]any{"flag": true}},
		},
	}

	decoded := roundTrip(is, nested)
	is.Equal(decoded, nested)
}

func TestRoundTripOfDateTimeNormalisesToUTCMicros(t *testing.T) {
	is := is.New(t)

	stockholm := time.FixedZone("CEST", 2*60*60)
	ts := time.Date(2024, 5, 17, 11, 30, 0, 123456789, stockholm)

	decoded, ok := roundTrip(is, ts).(time.Time)
	is.True(ok)

	is.True(decoded.Equal(ts.Truncate(time.Microsecond)))
	is.True(!decoded.Equal(ts))
	is.Equal(decoded.Location(), time.UTC)
	is.Equal(decoded, time.Date(2024, 5, 17, 9, 30, 0, 123456000, time.UTC))
}

func TestDecodeAcceptsServiceFormats(t *testing.T) {
	is := is.New(t)

	v := Value{}
	is.NoErr(json.Unmarshal([]byte(`{"integerValue":5}`), &v))
	is.Equal(Decode(v), int64(5))

	is.NoErr(json.Unmarshal([]byte(`{"dateTimeValue":"2015-02-03T04:05:06.000007Z"}`), &v))
	is.Equal(Decode(v), time.Date(2015, 2, 3, 4, 5, 6, 7000, time.UTC))

	is.NoErr(json.Unmarshal([]byte(`{"dateTimeValue":"1422936306000007"}`), &v))
	is.Equal(Decode(v), time.Date(2015, 2, 3, 4, 5, 6, 7000, time.UTC))

	is.NoErr(json.Unmarshal([]byte(`{"stringValue":"x","indexed":false}`), &v))
	is.True(!v.Indexed())
}

func TestDecodeRejectsAmbiguousValues(t *testing.T) {
	is := is.New(t)

	v := Value{}
	err := json.Unmarshal([]byte(`{"stringValue":"x","booleanValue":true}`), &v)
	is.True(errors.Is(err, gcerrors.ErrUnsupportedValue))
}

func TestEncodeRejectsUnsupportedShapes(t *testing.T) {
	is := is.New(t)

	unsupported := []any{
		struct{ A int }{A: 1},
		make(chan int),
		math.NaN(),
		math.Inf(1),
		uint64(math.MaxUint64),
		map[int]string{1: "a"},
		[]any{"ok", func() {}},
	}

	for _, u := range unsupported {
		_, err := Encode(u)
		is.True(errors.Is(err, gcerrors.ErrUnsupportedValue))
	}
}

func TestEntityValuesAreNotIndexed(t *testing.T) {
	is := is.New(t)

	inner, err := NewEntity(nil, Text("street", "Storgatan"))
	is.NoErr(err)

	v, err := Encode(inner)
	is.NoErr(err)
	is.Equal(v.Kind(), EntityKind)
	is.True(!v.Indexed())
}

func roundTrip(is *is.I, v any) any {
	encoded, err := Encode(v)
	is.NoErr(err)

	b, err := json.Marshal(encoded)
	is.NoErr(err)

	decoded := Value{}
	is.NoErr(json.Unmarshal(b, &decoded))

	return Decode(decoded)
}
