package storage

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
)

// ErrObjectNotFound is returned by Download for missing keys.
var ErrObjectNotFound = errors.New("object not found")

// ObjectStorage stores imported media files.
type ObjectStorage interface {
	// Upload stores an object under key.
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Download opens an object for reading.
	Download(ctx context.Context, key string) (io.ReadCloser, error)

	// GetURL returns the public URL of an object.
	GetURL(key string) string

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Exists checks if an object exists.
	Exists(ctx context.Context, key string) (bool, error)
}

// StorageType selects the backend.
type StorageType string

const (
	StorageTypeR2           StorageType = "r2"
	StorageTypeS3           StorageType = "s3"
	StorageTypeS3Compatible StorageType = "s3compatible"
	StorageTypeMinIO        StorageType = "minio"
	StorageTypeLocal        StorageType = "local"
	StorageTypeMemory       StorageType = "memory"
)

// Config holds settings for every backend.
type Config struct {
	Type      StorageType
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Region    string
	PublicURL string // public URL prefix, e.g. an R2.dev domain or CDN
	// Dir is the root directory of the local backend.
	Dir string
}

// MediaKey builds the object key of an imported file:
// <prefix>/<lineage>/<external id>/<file name>.
func MediaKey(prefix, lineage, externalID, filename string) string {
	filename = path.Base(strings.ReplaceAll(filename, "\\", "/"))
	if filename == "." || filename == "/" || filename == "" {
		filename = "file"
	}
	return path.Join(strings.Trim(prefix, "/"), lineage, externalID, filename)
}
