package configbinder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sampleConfig struct {
	URI     string        `yaml:"uri" validate:"required,url"`
	Method  string        `yaml:"method" validate:"omitempty,oneof=GET POST"`
	Retries int           `yaml:"retries" validate:"gte=0,lte=10"`
	Timeout time.Duration `yaml:"timeout"`
}

func TestBindPropertiesWeakTyping(t *testing.T) {
	var cfg sampleConfig
	err := BindProperties(map[string]interface{}{
		"uri":     "https://example.com/data",
		"retries": "3",
		"timeout": "2s",
	}, &cfg)

	require.NoError(t, err)
	assert.Equal(t, "https://example.com/data", cfg.URI)
	assert.Equal(t, 3, cfg.Retries)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
}

func TestBindAndValidateReportsYamlNames(t *testing.T) {
	var cfg sampleConfig
	err := BindAndValidate(map[string]interface{}{"method": "TRACE", "retries": 20}, &cfg)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "'uri' is required")
	assert.Contains(t, err.Error(), "'method' must be one of [GET POST]")
	assert.Contains(t, err.Error(), "'retries' must be at most 10")
}
