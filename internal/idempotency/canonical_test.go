package idempotency

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_KeyOrderIrrelevant(t *testing.T) {
	a, err := Canonicalize(json.RawMessage(`{"b":2,"a":1}`))
	require.NoError(t, err)
	b, err := Canonicalize(json.RawMessage(`{"a":1, "b":2}`))
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Equal(t, `{"a":1,"b":2}`, string(a))
}

func TestCanonicalize_WhitespaceIrrelevant(t *testing.T) {
	a, err := Canonicalize(json.RawMessage(`{ "x": [1, 2,  3] }`))
	require.NoError(t, err)
	assert.Equal(t, `{"x":[1,2,3]}`, string(a))
}

func TestCanonicalize_UnicodeNormalization(t *testing.T) {
	// "é" as a precomposed code point vs combining sequence.
	precomposed, err := Canonicalize(json.RawMessage(`{"name":"café"}`))
	require.NoError(t, err)
	combining, err := Canonicalize(json.RawMessage(`{"name":"café"}`))
	require.NoError(t, err)
	assert.Equal(t, string(precomposed), string(combining))
}

func TestCanonicalize_NumbersKeepLiteralForm(t *testing.T) {
	out, err := Canonicalize(json.RawMessage(`{"big":9007199254740993,"dec":0.10}`))
	require.NoError(t, err)
	assert.Equal(t, `{"big":9007199254740993,"dec":0.10}`, string(out))
}

func TestCanonicalize_NoHTMLEscaping(t *testing.T) {
	out, err := Canonicalize(json.RawMessage(`{"q":"a<b>&c"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"q":"a<b>&c"}`, string(out))
}

func TestCanonicalize_NestedStructures(t *testing.T) {
	out, err := Canonicalize(json.RawMessage(`{"z":{"y":[true,null,"s"]},"a":false}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":false,"z":{"y":[true,null,"s"]}}`, string(out))
}

func TestCanonicalize_Malformed(t *testing.T) {
	_, err := Canonicalize(json.RawMessage(`{"a":`))
	assert.Error(t, err)
}
