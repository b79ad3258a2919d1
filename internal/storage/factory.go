package storage

import (
	"context"
	"fmt"
	"strings"
)

// NewStorage creates an ObjectStorage instance based on the configuration.
// Parameters:
//   - ctx: used to verify or create the bucket.
//   - cfg: storage configuration including endpoint, credentials, and bucket.
//
// Returns:
//   - ObjectStorage: initialized storage client implementation.
//   - error: non-nil if the storage client cannot be created.
func NewStorage(ctx context.Context, cfg *Config) (ObjectStorage, error) {
	if cfg.Type == "" {
		cfg.Type = detectStorageType(cfg.Endpoint)
	}

	switch cfg.Type {
	case StorageTypeMemory:
		return NewMemoryStorage(cfg.PublicURL), nil
	case StorageTypeLocal:
		return NewLocalStorage(cfg.Dir, cfg.PublicURL)
	case StorageTypeMinIO:
		s, err := NewMinIOStorage(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case StorageTypeR2, StorageTypeS3, StorageTypeS3Compatible:
		s, err := NewS3Storage(cfg)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
}

// detectStorageType attempts to detect the storage type from the endpoint.
// Without an endpoint media is kept on local disk.
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case endpoint == "":
		return StorageTypeLocal
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}
