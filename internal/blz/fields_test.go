package blz

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSerializeLayout(t *testing.T) {
	fields := []Field{
		{"u8", Uint8}, {"u16", Uint16}, {"be", Uint16BE}, {"u32", Uint32},
		{"s8", Int8}, {"n", Uint8}, {"data", Bytes},
	}
	got, err := Serialize(fields, []any{
		uint8(0x01), uint16(0x0302), uint16(0x0405), uint32(0x09080706),
		int8(-1), uint8(2), []byte{0xAA, 0xBB},
	})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09, 0xFF, 0x02, 0xAA, 0xBB}, got)

	values, rest, err := Deserialize(fields, append(got, 0xEE))
	require.NoError(t, err)
	assert.Equal(t, 1, rest)
	assert.Equal(t, uint16(0x0405), values[2])
	assert.Equal(t, int8(-1), values[4])
	assert.Equal(t, []byte{0xAA, 0xBB}, values[6])
}

func TestSerializeSchemaMismatch(t *testing.T) {
	lenField := []Field{{"n", Uint8}, {"data", Bytes}}
	tests := []struct {
		name   string
		fields []Field
		values []any
	}{
		{"arity", []Field{{"a", Uint8}}, []any{uint8(1), uint8(2)}},
		{"wrong type", []Field{{"a", Uint16}}, []any{uint8(1)}},
		{"length disagrees", lenField, []any{uint8(3), []byte{1}}},
		{"no length source", []Field{{"data", Bytes}}, []any{[]byte{1}}},
		{"remaining not last", []Field{{"r", Remaining}, {"a", Uint8}}, []any{[]byte{1}, uint8(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Serialize(tt.fields, tt.values)
			assert.ErrorIs(t, err, ErrSchemaMismatch)
		})
	}
}

func TestDeserializeTruncated(t *testing.T) {
	tests := []struct {
		name    string
		fields  []Field
		payload []byte
	}{
		{"uint16", []Field{{"a", Uint16}}, []byte{0x01}},
		{"eui64", []Field{{"e", EUI64Field}}, []byte{1, 2, 3}},
		{"bytes", []Field{{"n", Uint8}, {"d", Bytes}}, []byte{0x04, 0x01}},
		{"list16", []Field{{"n", Uint8}, {"l", List16}}, []byte{0x02, 0x01, 0x00, 0x02}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Deserialize(tt.fields, tt.payload)
			assert.ErrorIs(t, err, ErrTruncatedPayload)
		})
	}
}

func TestAddressByMode(t *testing.T) {
	fields := []Field{{"mode", Uint8}, {"addr", AddressByMode}}
	ieee := EUI64{1, 2, 3, 4, 5, 6, 7, 8}

	long, err := Serialize(fields, []any{AddrModeIEEE, Address{IEEE: ieee}})
	require.NoError(t, err)
	assert.Len(t, long, 9)

	short, err := Serialize(fields, []any{uint8(0x02), Address{Short: 0x1234}})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x02, 0x34, 0x12}, short)

	values, _, err := Deserialize(fields, long)
	require.NoError(t, err)
	assert.Equal(t, Address{IEEE: ieee}, values[1])
}

func TestEUI64Text(t *testing.T) {
	e, err := ParseEUI64("00:15:8d:00:01:2a:3b:4c")
	require.NoError(t, err)
	assert.Equal(t, EUI64{0x4C, 0x3B, 0x2A, 0x01, 0x00, 0x8D, 0x15, 0x00}, e)
	assert.Equal(t, "00158D00012A3B4C", e.String())
	assert.Equal(t, uint64(0x00158D00012A3B4C), e.Uint64())
	assert.Equal(t, e, EUI64FromUint64(e.Uint64()))

	_, err = ParseEUI64("0x1234")
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("01030507090B0D0F00020406080A0C0D")
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), k[0])
	assert.Equal(t, "01030507090B0D0F00020406080A0C0D", k.String())

	_, err = ParseKey("0102")
	assert.Error(t, err)
}

func TestTextMarshaling(t *testing.T) {
	type record struct {
		IEEE EUI64 `json:"ieee"`
		Key  Key   `json:"key"`
	}
	in := record{IEEE: EUI64{1, 2, 3, 4, 5, 6, 7, 8}, Key: Key{0xAA, 0x01}}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ieee":"0807060504030201","key":"AA010000000000000000000000000000"}`, string(data))

	var out record
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
