package crdt

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeScalar(t *testing.T) {
	tests := []struct {
		name  string
		value Scalar
		want  string
	}{
		{"nil", nil, "0:"},
		{"null", Null{}, "0:"},
		{"string", String("hello"), "S:hello"},
		{"empty string", String(""), "S:"},
		{"string with colon", String("a:b"), "S:a:b"},
		{"integer number", Number(200), "N:200"},
		{"fraction", Number(0.1), "N:0.1"},
		{"negative", Number(-12.5), "N:-12.5"},
		{"large", Number(1e21), "N:1e+21"},
		{"true", Bool(true), "B:1"},
		{"false", Bool(false), "B:0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, EncodeScalar(tt.value))
		})
	}
}

func TestDecodeScalar_RoundTripsExactly(t *testing.T) {
	values := []Scalar{
		Null{},
		String("naïve"),
		Number(math.MaxFloat64),
		Number(math.SmallestNonzeroFloat64),
		Number(1.0 / 3.0),
		Bool(true),
	}
	for _, v := range values {
		got, err := DecodeScalar(EncodeScalar(v))
		require.NoError(t, err)
		assert.True(t, Equal(v, got), "%v != %v", v, got)
	}
}

func TestDecodeScalar_Rejects(t *testing.T) {
	bad := []string{"", "S", "X:1", "N:abc", "N:NaN", "N:+Inf", "B:true", "B:", "0:x"}
	for _, s := range bad {
		_, err := DecodeScalar(s)
		assert.Error(t, err, "expected %q to be rejected", s)
	}
}

func TestNewString_NormalizesNFC(t *testing.T) {
	decomposed := "cafe\u0301"
	assert.Equal(t, String("caf\u00e9"), NewString(decomposed))
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(nil, Null{}))
	assert.True(t, Equal(Number(1), Number(1)))
	assert.False(t, Equal(Number(1), String("1")))
	assert.False(t, Equal(Bool(true), Bool(false)))
}

func TestParseScalar(t *testing.T) {
	v, err := ParseScalar("number", "42.5")
	require.NoError(t, err)
	assert.Equal(t, Number(42.5), v)

	v, err = ParseScalar("bool", "true")
	require.NoError(t, err)
	assert.Equal(t, Bool(true), v)

	v, err = ParseScalar("", "text")
	require.NoError(t, err)
	assert.Equal(t, String("text"), v)

	v, err = ParseScalar("null", "ignored")
	require.NoError(t, err)
	assert.Equal(t, Null{}, v)

	_, err = ParseScalar("number", "Inf")
	assert.Error(t, err)
	_, err = ParseScalar("date", "x")
	assert.Error(t, err)
}

func TestFromAnyToAny(t *testing.T) {
	for _, in := range []any{nil, "x", true, 3.5} {
		s, err := FromAny(in)
		require.NoError(t, err)
		assert.Equal(t, in, ToAny(s))
	}

	s, err := FromAny(7)
	require.NoError(t, err)
	assert.Equal(t, Number(7), s)

	_, err = FromAny([]string{"x"})
	assert.Error(t, err)
}
