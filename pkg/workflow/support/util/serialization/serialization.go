// Package serialization provides helpers for persisting and logging loosely typed maps:
// adapter configs with secrets masked, and run-log metadata.
package serialization

import (
	"encoding/json"
	"strings"

	config "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// Mask is the replacement written over secret values.
const Mask = "********"

// MaskConfig returns a deep copy of cfg with every configured secret key masked.
// Keys are matched case-insensitively at any nesting depth.
func MaskConfig(cfg map[string]interface{}) map[string]interface{} {
	keys := config.GetMaskedConfigKeys()
	secret := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		secret[strings.ToLower(k)] = struct{}{}
	}
	return maskMap(cfg, secret)
}

func maskMap(in map[string]interface{}, secret map[string]struct{}) map[string]interface{} {
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		if _, ok := secret[strings.ToLower(k)]; ok {
			out[k] = Mask
			continue
		}
		out[k] = maskValue(v, secret)
	}
	return out
}

func maskValue(v interface{}, secret map[string]struct{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return maskMap(t, secret)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = maskValue(e, secret)
		}
		return out
	default:
		return v
	}
}

// MarshalMeta serializes run-log metadata. A nil map becomes "{}".
func MarshalMeta(meta map[string]interface{}) ([]byte, error) {
	if meta == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(meta)
	if err != nil {
		logger.Errorf("Failed to serialize log metadata: %v", err)
		return nil, exception.New(exception.InternalError, "serialization", "failed to serialize log metadata", err)
	}
	return data, nil
}

// UnmarshalMeta deserializes run-log metadata. Empty input yields an empty map.
func UnmarshalMeta(data []byte) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, exception.New(exception.InternalError, "serialization", "failed to deserialize log metadata", err)
	}
	return out, nil
}
