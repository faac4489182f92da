package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaskConfigNested(t *testing.T) {
	in := map[string]interface{}{
		"uri": "https://example.com",
		"auth": map[string]interface{}{
			"type":     "basic",
			"username": "svc",
			"Password": "hunter2",
		},
		"headers": []interface{}{map[string]interface{}{"Authorization": "Bearer x"}},
	}

	out := MaskConfig(in)

	assert.Equal(t, "https://example.com", out["uri"])
	auth := out["auth"].(map[string]interface{})
	assert.Equal(t, "svc", auth["username"])
	assert.Equal(t, Mask, auth["Password"])
	assert.Equal(t, Mask, out["headers"].([]interface{})[0].(map[string]interface{})["Authorization"])
	assert.Equal(t, "hunter2", in["auth"].(map[string]interface{})["Password"], "input must not be mutated")
}

func TestMetaRoundTrip(t *testing.T) {
	data, err := MarshalMeta(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))

	data, err = MarshalMeta(map[string]interface{}{"raw_item": "abc"})
	require.NoError(t, err)
	meta, err := UnmarshalMeta(data)
	require.NoError(t, err)
	assert.Equal(t, "abc", meta["raw_item"])

	empty, err := UnmarshalMeta(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
