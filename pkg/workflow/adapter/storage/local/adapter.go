// Package local stores objects on the local file system. A bucket is a directory below BaseDir.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/fx"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/storage"
	storageConfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/storage/config"
	coreConfig "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// ProviderType is the storage type handled by this package.
const ProviderType = "local"

type localConnection struct {
	name    string
	baseDir string
	bucket  string
}

var _ storage.StorageConnection = (*localConnection)(nil)

// Open creates a connection rooted at cfg.BaseDir, creating the directory when missing.
func Open(_ context.Context, name string, cfg storageConfig.StorageConfig) (storage.StorageConnection, error) {
	if cfg.BaseDir == "" {
		return nil, fmt.Errorf("local storage '%s': base_dir is required", name)
	}
	abs, err := filepath.Abs(cfg.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("local storage '%s': %w", name, err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("local storage '%s': cannot create base_dir '%s': %w", name, abs, err)
	}
	return &localConnection{name: name, baseDir: abs, bucket: cfg.BucketName}, nil
}

func (c *localConnection) Close() error { return nil }
func (c *localConnection) Type() string { return ProviderType }
func (c *localConnection) Name() string { return c.name }

// path maps bucket/objectName to a file below baseDir. Names escaping baseDir are rejected.
func (c *localConnection) path(bucket, objectName string) (string, error) {
	if bucket == "" {
		bucket = c.bucket
	}
	full := filepath.Join(c.baseDir, bucket, filepath.FromSlash(objectName))
	if full != c.baseDir && !strings.HasPrefix(full, c.baseDir+string(filepath.Separator)) {
		return "", fmt.Errorf("object '%s' resolves outside of base_dir", objectName)
	}
	return full, nil
}

func (c *localConnection) Upload(ctx context.Context, bucket, objectName string, data io.Reader, _ string) error {
	full, err := c.path(bucket, objectName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create directory for '%s': %w", objectName, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(full), ".upload-*")
	if err != nil {
		return fmt.Errorf("create '%s': %w", objectName, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, data); err != nil {
		tmp.Close()
		return fmt.Errorf("write '%s': %w", objectName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write '%s': %w", objectName, err)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return fmt.Errorf("write '%s': %w", objectName, err)
	}
	logger.Debugf("local storage '%s': wrote %s", c.name, full)
	return nil
}

func (c *localConnection) Download(_ context.Context, bucket, objectName string) (io.ReadCloser, error) {
	full, err := c.path(bucket, objectName)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("open '%s': %w", objectName, err)
	}
	return f, nil
}

func (c *localConnection) ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error {
	root, err := c.path(bucket, "")
	if err != nil {
		return err
	}
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !strings.HasPrefix(rel, prefix) {
			return nil
		}
		return fn(rel)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (c *localConnection) DeleteObject(_ context.Context, bucket, objectName string) error {
	full, err := c.path(bucket, objectName)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete '%s': %w", objectName, err)
	}
	return nil
}

// NewProvider creates the provider for "local" connections.
func NewProvider(cfg *coreConfig.Config) storage.StorageProvider {
	return storage.NewCachingProvider(cfg, ProviderType, Open)
}

// Module contributes the local provider to the storage_providers group.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewProvider,
		fx.ResultTags(`group:"storage_providers"`),
	)),
)
