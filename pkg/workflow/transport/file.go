package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"time"

	"github.com/tigerroll/entiflow/pkg/workflow/core/domain/model"
	"github.com/tigerroll/entiflow/pkg/workflow/dsl"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/configbinder"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/exception"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// FileConfig is the config of "file" sources and destinations.
//
// Destination paths may contain {timestamp} (UTC, 20060102T150405.000000000Z) and {uuid},
// so that repeated pushes do not overwrite each other.
type FileConfig struct {
	Storage     string `yaml:"storage" validate:"required"` // Named storage connection.
	Bucket      string `yaml:"bucket"`
	Path        string `yaml:"path" validate:"required"`
	ContentType string `yaml:"content_type"`
}

type fileAdapter struct {
	env *Env
	cfg FileConfig
}

func newFileAdapter(env *Env, raw map[string]interface{}) (*fileAdapter, error) {
	var cfg FileConfig
	if err := configbinder.BindAndValidate(raw, &cfg); err != nil {
		return nil, exception.Newf(exception.ConfigError, moduleName, "invalid file config", err)
	}
	if strings.Contains(cfg.Path, "..") {
		return nil, configErrorf("file path '%s' must not contain '..'", cfg.Path)
	}
	return &fileAdapter{env: env, cfg: cfg}, nil
}

func newFileSource(env *Env, spec *dsl.SourceSpec) (Source, error) {
	return newFileAdapter(env, spec.Config)
}

func newFileDestination(env *Env, spec *dsl.DestinationSpec) (Destination, error) {
	return newFileAdapter(env, spec.Config)
}

func (a *fileAdapter) connection(ctx context.Context, kind exception.Kind) (storageExecutor, error) {
	if a.env.Storage == nil {
		return nil, exception.New(exception.ConfigError, moduleName, "no storage resolver is configured for file adapters", nil)
	}
	conn, err := a.env.Storage.ResolveStorageConnection(ctx, a.cfg.Storage)
	if err != nil {
		return nil, exception.Newf(kind, moduleName, "cannot open storage connection '%s'", a.cfg.Storage, err)
	}
	return conn, nil
}

// Fetch implements Source.
func (a *fileAdapter) Fetch(ctx context.Context) (io.ReadCloser, error) {
	conn, err := a.connection(ctx, exception.FetchError)
	if err != nil {
		return nil, err
	}
	rc, err := conn.Download(ctx, a.cfg.Bucket, a.cfg.Path)
	if err != nil {
		return nil, exception.Newf(exception.FetchError, moduleName, "cannot read '%s' from storage '%s'", a.cfg.Path, a.cfg.Storage, err)
	}
	return rc, nil
}

// Push implements Destination.
func (a *fileAdapter) Push(ctx context.Context, data []byte, contentType string) error {
	conn, err := a.connection(ctx, exception.PushError)
	if err != nil {
		return err
	}
	if a.cfg.ContentType != "" {
		contentType = a.cfg.ContentType
	}
	object := expandObjectName(a.cfg.Path, time.Now().UTC())
	if err := conn.Upload(ctx, a.cfg.Bucket, object, bytes.NewReader(data), contentType); err != nil {
		return exception.Newf(exception.PushError, moduleName, "cannot write '%s' to storage '%s'", object, a.cfg.Storage, err)
	}
	logger.Debugf("Wrote %d bytes to %s:%s.", len(data), a.cfg.Storage, object)
	return nil
}

func expandObjectName(path string, now time.Time) string {
	r := strings.NewReplacer(
		"{timestamp}", now.Format("20060102T150405.000000000Z"),
		"{uuid}", model.NewID(),
	)
	return r.Replace(path)
}

type storageExecutor interface {
	Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error
	Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error)
}
