package main

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDPT(t *testing.T) {
	tests := []struct {
		input  string
		dpt    DPT
		format Format
	}{
		{"1.001", DPT{1, 1}, FormatB1},
		{"DPT9.001", DPT{9, 1}, FormatF16},
		{"5", DPT{5, 0}, FormatU8},
		{"12.001", DPT{12, 1}, FormatU32},
		{"13.010", DPT{13, 10}, FormatV32},
		{"16.000", DPT{16, 0}, FormatRaw14},
		{"60000.60000", DPTProgramming, FormatRaw14},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			d, err := ParseDPT(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.dpt, d)
			f, err := d.Format()
			require.NoError(t, err)
			assert.Equal(t, tt.format, f)
		})
	}

	for _, s := range []string{"", "x.1", "4.001", "1.x"} {
		_, err := ParseDPT(s)
		assert.Error(t, err, s)
	}
	assert.Equal(t, "9.001", DPT{9, 1}.String())
}

func TestFormat_SizeAndShort(t *testing.T) {
	tests := []struct {
		format Format
		size   int
		short  bool
	}{
		{FormatB1, 1, true},
		{FormatB2, 1, true},
		{FormatB4, 1, true},
		{FormatU8, 1, false},
		{FormatV16, 2, false},
		{FormatF16, 2, false},
		{FormatU32, 4, false},
		{FormatF32, 4, false},
		{FormatRaw14, 14, false},
	}

	for _, tt := range tests {
		t.Run(tt.format.String(), func(t *testing.T) {
			assert.Equal(t, tt.size, tt.format.Size())
			assert.Equal(t, tt.short, tt.format.Short())
		})
	}
}

func TestEncodeDecode_Integers(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		value  float64
		raw    []byte
	}{
		{"B1 on", FormatB1, 1, []byte{0x01}},
		{"B4 step", FormatB4, 9, []byte{0x09}},
		{"U8", FormatU8, 200, []byte{0xC8}},
		{"V8 negative", FormatV8, -1, []byte{0xFF}},
		{"U16", FormatU16, 0x1234, []byte{0x12, 0x34}},
		{"V16 negative", FormatV16, -2, []byte{0xFF, 0xFE}},
		{"U32", FormatU32, 0x01020304, []byte{0x01, 0x02, 0x03, 0x04}},
		{"V32 min", FormatV32, math.MinInt32, []byte{0x80, 0x00, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.value, tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, raw)

			v, err := Decode(tt.raw, tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.value, v)
		})
	}
}

func TestEncode_RoundsToNearest(t *testing.T) {
	raw, err := Encode(41.6, FormatU8)
	require.NoError(t, err)
	assert.Equal(t, []byte{42}, raw)
}

func TestEncode_OutOfRange(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		value  float64
	}{
		{"U8 overflow", FormatU8, 256},
		{"U8 negative", FormatU8, -1},
		{"V8 underflow", FormatV8, -129},
		{"B1 two", FormatB1, 2},
		{"U16 overflow", FormatU16, 65536},
		{"NaN", FormatU16, math.NaN()},
		{"Inf", FormatF16, math.Inf(1)},
		{"raw", FormatRaw14, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encode(tt.value, tt.format)
			assert.True(t, errors.Is(err, ErrGeneric), "got %v", err)
		})
	}
}

func TestF32_NotImplemented(t *testing.T) {
	_, err := Encode(1.5, FormatF32)
	assert.True(t, errors.Is(err, ErrNotImplemented))

	_, err = Decode([]byte{0, 0, 0, 0}, FormatF32)
	assert.True(t, errors.Is(err, ErrNotImplemented))
}

func TestDecode_ShortBuffer(t *testing.T) {
	_, err := Decode([]byte{0x01}, FormatU16)
	assert.True(t, errors.Is(err, ErrGeneric))
}

func TestF16(t *testing.T) {
	tests := []struct {
		name    string
		value   float64
		raw     []byte
		decoded float64
	}{
		{"zero", 0, []byte{0x00, 0x00}, 0},
		{"smallest step", 0.01, []byte{0x00, 0x01}, 0.01},
		{"room temperature", 21.0, []byte{0x0C, 0x1A}, 21.0},
		{"minus one", -1.0, []byte{0x87, 0x9C}, -1.0},
		{"mantissa limit", 20.47, []byte{0x07, 0xFF}, 20.47},
		{"first exponent step", 20.48, []byte{0x0C, 0x00}, 20.48},
		{"rounded discarded bit", 20.49, []byte{0x0C, 0x01}, 20.50},
		{"negative limit", -20.48, []byte{0x80, 0x00}, -20.48},
		{"saturate positive", 1e9, []byte{0x7F, 0xFF}, 670760.96},
		{"saturate negative", -1e9, []byte{0xF8, 0x00}, -671088.64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := Encode(tt.value, FormatF16)
			require.NoError(t, err)
			assert.Equal(t, tt.raw, raw)

			v, err := Decode(raw, FormatF16)
			require.NoError(t, err)
			assert.InDelta(t, tt.decoded, v, 1e-6)
		})
	}
}

func TestF16_UsesMinimalExponent(t *testing.T) {
	for _, v := range []float64{0.5, 3.14, 100, 655.36, -273.0, 5000} {
		raw, err := Encode(v, FormatF16)
		require.NoError(t, err)

		exp := (raw[0] >> 3) & 0x0F
		if exp == 0 {
			continue
		}
		// 前一個指數放不下四捨五入後的尾數
		scaled := int64(math.Round(v * 100))
		prev := scaled
		if exp > 1 {
			prev = ((scaled >> (exp - 2)) + 1) >> 1
		}
		assert.True(t, prev > 2047 || prev < -2048, "value %v exponent %d is not minimal", v, exp)
	}
}
