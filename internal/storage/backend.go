package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/rs/zerolog"

	"github.com/basekick-labs/canarc/internal/config"
)

// Backend defines the interface for output destinations (local, S3, Azure)
type Backend interface {
	// Write writes data to the specified path
	Write(ctx context.Context, path string, data []byte) error

	// WriteReader writes data from a reader to the specified path.
	// size is -1 when unknown.
	WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error

	// Exists checks if an object exists at the specified path
	Exists(ctx context.Context, path string) (bool, error)

	// Close closes any resources held by the backend
	Close() error

	// Type returns the storage type identifier ("local", "s3", "azure")
	Type() string

	// URI returns a human-readable location for path, e.g. s3://bucket/key
	URI(path string) string
}

// New creates the backend selected by cfg.Backend. Remote backends are
// wrapped with retries.
func New(cfg *config.StorageConfig, logger zerolog.Logger) (Backend, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.Backend {
	case "local":
		backend, err = NewLocalBackend(cfg.LocalPath, logger)
	case "s3", "minio":
		backend, err = NewS3Backend(&S3Config{
			Bucket:             cfg.S3Bucket,
			Region:             cfg.S3Region,
			Endpoint:           cfg.S3Endpoint,
			AccessKey:          cfg.S3AccessKey,
			SecretKey:          cfg.S3SecretKey,
			UseSSL:             cfg.S3UseSSL,
			PathStyle:          cfg.S3PathStyle,
			MultipartThreshold: cfg.S3MultipartThreshold,
			MultipartPartSize:  cfg.S3PartSize,
		}, logger)
	case "azure", "azblob":
		backend, err = NewAzureBlobBackend(&AzureBlobConfig{
			ConnectionString:   cfg.AzureConnectionString,
			AccountName:        cfg.AzureAccountName,
			AccountKey:         cfg.AzureAccountKey,
			SASToken:           cfg.AzureSASToken,
			UseManagedIdentity: cfg.AzureUseManagedIdentity,
			ContainerName:      cfg.AzureContainer,
			Endpoint:           cfg.AzureEndpoint,
		}, logger)
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s storage: %w", cfg.Backend, err)
	}

	if backend.Type() == "local" || cfg.MaxRetries == 0 {
		return backend, nil
	}
	rc := DefaultRetryConfig()
	rc.MaxRetries = cfg.MaxRetries
	if cfg.RetryDelayMS > 0 {
		rc.RetryDelay = msDuration(cfg.RetryDelayMS)
	}
	return NewRetryBackend(backend, rc, logger), nil
}

// ContentType returns the MIME type stored with an output object.
func ContentType(p string) string {
	switch ext := strings.ToLower(path.Base(p)); {
	case strings.HasSuffix(ext, ".parquet"):
		return "application/vnd.apache.parquet"
	case strings.HasSuffix(ext, ".msgpack.zst"):
		return "application/zstd"
	case strings.HasSuffix(ext, ".msgpack.gz"):
		return "application/gzip"
	case strings.HasSuffix(ext, ".msgpack"):
		return "application/vnd.msgpack"
	default:
		return "application/octet-stream"
	}
}
