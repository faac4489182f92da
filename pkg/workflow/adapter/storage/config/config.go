// Package config holds the configuration of a named storage connection.
package config

import (
	"fmt"

	"github.com/tigerroll/entiflow/pkg/workflow/support/util/configbinder"
)

// StorageConfig is one entry of the `storage` section.
type StorageConfig struct {
	Type            string `yaml:"type" validate:"required,oneof=local gcs"` // Backend type.
	BucketName      string `yaml:"bucket_name"`                              // Default bucket when a request names none.
	CredentialsFile string `yaml:"credentials_file"`                         // Service account key (gcs).
	BaseDir         string `yaml:"base_dir"`                                 // Root directory (local).
	Endpoint        string `yaml:"endpoint"`                                 // Endpoint override (gcs emulators).
}

// Lookup decodes the storage config registered under name.
func Lookup(section map[string]interface{}, name string) (StorageConfig, error) {
	var cfg StorageConfig
	raw, ok := section[name]
	if !ok {
		return cfg, fmt.Errorf("storage connection '%s' is not configured", name)
	}
	props, ok := raw.(map[string]interface{})
	if !ok {
		return cfg, fmt.Errorf("storage connection '%s': expected a mapping, got %T", name, raw)
	}
	if err := configbinder.BindAndValidate(props, &cfg); err != nil {
		return cfg, fmt.Errorf("storage connection '%s': %w", name, err)
	}
	return cfg, nil
}
