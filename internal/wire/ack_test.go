package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gentle-giraffe-apps/Gentle-Networking-Notes/internal/intent"
)

func TestDecodeAck_Full(t *testing.T) {
	ack, err := DecodeAck([]byte(`{"entity_key":"notes/7","version":9,"status":"merged","entity":{"title":"x"}}`))
	require.NoError(t, err)
	assert.Equal(t, "notes/7", ack.EntityKey)
	assert.EqualValues(t, 9, ack.Version)
	assert.Equal(t, StatusMerged, ack.Status)
	assert.JSONEq(t, `{"title":"x"}`, string(ack.Entity))
}

func TestDecodeAck_VersionAsString(t *testing.T) {
	ack, err := DecodeAck([]byte(`{"entity_key":"notes/7","version":"9"}`))
	require.NoError(t, err)
	assert.EqualValues(t, 9, ack.Version)
}

func TestDecodeAck_MissingStatusDefaultsApplied(t *testing.T) {
	ack, err := DecodeAck([]byte(`{"entity_key":"notes/7"}`))
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, ack.Status)
	assert.Nil(t, ack.Entity)
}

func TestDecodeAck_UnknownStatusVariant(t *testing.T) {
	ack, err := DecodeAck([]byte(`{"entity_key":"notes/7","status":"quarantined"}`))
	require.NoError(t, err)
	assert.True(t, ack.Status.IsUnknown())
	assert.False(t, ack.Status.IsRejected())
	assert.Equal(t, "quarantined", ack.Status.Raw())
	assert.Equal(t, "unknown(quarantined)", ack.Status.String())
}

func TestDecodeAck_MissingEntityKeyIsStructural(t *testing.T) {
	tests := []string{
		`{"version":9}`,
		`{"entity_key":""}`,
		`{"entity_key":42}`,
		`"not an object"`,
	}
	for _, raw := range tests {
		_, err := DecodeAck([]byte(raw))
		require.Error(t, err, "input %s", raw)
		assert.True(t, intent.IsSchemaIncompatible(err), "input %s: got %v", raw, err)
	}
}

func TestDecodeAck_NullEntityReadsAsAbsent(t *testing.T) {
	ack, err := DecodeAck([]byte(`{"entity_key":"notes/7","entity":null}`))
	require.NoError(t, err)
	assert.Nil(t, ack.Entity)
}

func TestDecodeAck_UnknownKeysPreserved(t *testing.T) {
	ack, err := DecodeAck([]byte(`{"entity_key":"notes/7","shard":"eu-1"}`))
	require.NoError(t, err)
	require.Contains(t, ack.Extra, "shard")
	assert.JSONEq(t, `"eu-1"`, string(ack.Extra["shard"]))
}

func TestAckStatus_RoundTripsUnknownValues(t *testing.T) {
	var s AckStatus
	require.NoError(t, s.UnmarshalJSON([]byte(`"quarantined"`)))
	out, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"quarantined"`, string(out))
}
