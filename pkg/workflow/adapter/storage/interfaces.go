// Package storage defines the object storage connections used by the file transport and by
// upload staging. Backends (local file system, GCS) live in subpackages.
package storage

import (
	"context"
	"io"
)

// StorageExecutor is the set of object operations every backend supports.
type StorageExecutor interface {
	// Upload writes data to bucket/objectName.
	Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error
	// Download opens bucket/objectName. The caller closes the reader.
	Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error)
	// ListObjects calls fn for each object under prefix.
	ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error
	// DeleteObject removes bucket/objectName. Missing objects are not an error.
	DeleteObject(ctx context.Context, bucket, objectName string) error
}

// StorageConnection is a named, open storage backend.
type StorageConnection interface {
	StorageExecutor
	Close() error
	Type() string // Backend type ("local", "gcs").
	Name() string // Connection name from the storage config section.
}

// StorageProvider creates and caches connections of one backend type.
type StorageProvider interface {
	GetConnection(ctx context.Context, name string) (StorageConnection, error)
	CloseAll() error
	Type() string
}

// StorageConnectionResolver returns the connection configured under a name, whatever its type.
type StorageConnectionResolver interface {
	ResolveStorageConnection(ctx context.Context, name string) (StorageConnection, error)
}
