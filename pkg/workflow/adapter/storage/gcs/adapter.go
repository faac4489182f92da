// Package gcs stores objects in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"

	gcstorage "cloud.google.com/go/storage"
	"go.uber.org/fx"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/tigerroll/entiflow/pkg/workflow/adapter/storage"
	storageConfig "github.com/tigerroll/entiflow/pkg/workflow/adapter/storage/config"
	coreConfig "github.com/tigerroll/entiflow/pkg/workflow/core/config"
	"github.com/tigerroll/entiflow/pkg/workflow/support/util/logger"
)

// ProviderType is the storage type handled by this package.
const ProviderType = "gcs"

type gcsConnection struct {
	name   string
	bucket string
	client *gcstorage.Client
}

var _ storage.StorageConnection = (*gcsConnection)(nil)

// ClientOptions maps a storage config onto client options.
func ClientOptions(cfg storageConfig.StorageConfig) []option.ClientOption {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint), option.WithoutAuthentication())
	}
	return opts
}

// Open creates a GCS client for cfg. Application default credentials are used unless
// credentials_file is set.
func Open(ctx context.Context, name string, cfg storageConfig.StorageConfig) (storage.StorageConnection, error) {
	client, err := gcstorage.NewClient(ctx, ClientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("gcs storage '%s': %w", name, err)
	}
	return &gcsConnection{name: name, bucket: cfg.BucketName, client: client}, nil
}

func (c *gcsConnection) Close() error { return c.client.Close() }
func (c *gcsConnection) Type() string { return ProviderType }
func (c *gcsConnection) Name() string { return c.name }

func (c *gcsConnection) bucketName(bucket string) (string, error) {
	if bucket != "" {
		return bucket, nil
	}
	if c.bucket == "" {
		return "", fmt.Errorf("gcs storage '%s': no bucket given and bucket_name is not configured", c.name)
	}
	return c.bucket, nil
}

func (c *gcsConnection) Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error {
	b, err := c.bucketName(bucket)
	if err != nil {
		return err
	}
	w := c.client.Bucket(b).Object(objectName).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, data); err != nil {
		w.Close()
		return fmt.Errorf("upload gs://%s/%s: %w", b, objectName, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("upload gs://%s/%s: %w", b, objectName, err)
	}
	logger.Debugf("gcs storage '%s': wrote gs://%s/%s", c.name, b, objectName)
	return nil
}

func (c *gcsConnection) Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error) {
	b, err := c.bucketName(bucket)
	if err != nil {
		return nil, err
	}
	r, err := c.client.Bucket(b).Object(objectName).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("download gs://%s/%s: %w", b, objectName, err)
	}
	return r, nil
}

func (c *gcsConnection) ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error {
	b, err := c.bucketName(bucket)
	if err != nil {
		return err
	}
	it := c.client.Bucket(b).Objects(ctx, &gcstorage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list gs://%s/%s: %w", b, prefix, err)
		}
		if err := fn(attrs.Name); err != nil {
			return err
		}
	}
}

func (c *gcsConnection) DeleteObject(ctx context.Context, bucket, objectName string) error {
	b, err := c.bucketName(bucket)
	if err != nil {
		return err
	}
	err = c.client.Bucket(b).Object(objectName).Delete(ctx)
	if err != nil && !errors.Is(err, gcstorage.ErrObjectNotExist) {
		return fmt.Errorf("delete gs://%s/%s: %w", b, objectName, err)
	}
	return nil
}

// NewProvider creates the provider for "gcs" connections.
func NewProvider(cfg *coreConfig.Config) storage.StorageProvider {
	return storage.NewCachingProvider(cfg, ProviderType, Open)
}

// Module contributes the GCS provider to the storage_providers group.
var Module = fx.Options(
	fx.Provide(fx.Annotate(
		NewProvider,
		fx.ResultTags(`group:"storage_providers"`),
	)),
)
