package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlexInt64(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    int64
		wantErr bool
	}{
		{"number", `42`, 42, false},
		{"numeric string", `"42"`, 42, false},
		{"negative string", `"-7"`, -7, false},
		{"float", `4.2`, 0, true},
		{"word", `"forty-two"`, 0, true},
		{"object", `{}`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FlexInt64
			err := json.Unmarshal([]byte(tt.raw), &f)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, f)
		})
	}
}

func TestFlexInt64_MarshalsAsNumber(t *testing.T) {
	out, err := json.Marshal(FlexInt64(9))
	require.NoError(t, err)
	assert.Equal(t, `9`, string(out))
}

func TestFlexString(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"string", `"abc"`, "abc", false},
		{"integer keeps textual form", `42`, "42", false},
		{"float keeps textual form", `4.25`, "4.25", false},
		{"array", `[]`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f FlexString
			err := json.Unmarshal([]byte(tt.raw), &f)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.EqualValues(t, tt.want, f)
		})
	}
}

func TestFlexString_MarshalsAsString(t *testing.T) {
	out, err := json.Marshal(FlexString("42"))
	require.NoError(t, err)
	assert.Equal(t, `"42"`, string(out))
}
