package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
)

// RetryBackend retries failed writes on a remote backend with exponential
// backoff. A WriteReader is only retried when the reader can be rewound.
type RetryBackend struct {
	backend Backend
	logger  zerolog.Logger

	maxRetries    int
	retryDelay    time.Duration
	retryMaxDelay time.Duration
}

// RetryConfig holds retry settings
type RetryConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration
}

// DefaultRetryConfig returns default retry configuration
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:    3,
		RetryDelay:    100 * time.Millisecond,
		RetryMaxDelay: 5 * time.Second,
	}
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// NewRetryBackend wraps backend with retries
func NewRetryBackend(backend Backend, cfg *RetryConfig, logger zerolog.Logger) *RetryBackend {
	if cfg == nil {
		cfg = DefaultRetryConfig()
	}
	return &RetryBackend{
		backend:       backend,
		logger:        logger.With().Str("component", "retry-storage").Logger(),
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		retryMaxDelay: cfg.RetryMaxDelay,
	}
}

// Write writes data to the storage backend, retrying on failure
func (r *RetryBackend) Write(ctx context.Context, path string, data []byte) error {
	return r.do(ctx, path, func() error {
		return r.backend.Write(ctx, path, data)
	})
}

// WriteReader writes data from a reader. Readers that are not io.Seeker get a
// single attempt, since a failed upload may have consumed part of the stream.
func (r *RetryBackend) WriteReader(ctx context.Context, path string, reader io.Reader, size int64) error {
	seeker, ok := reader.(io.Seeker)
	if !ok {
		return r.backend.WriteReader(ctx, path, reader, size)
	}
	first := true
	return r.do(ctx, path, func() error {
		if !first {
			if _, err := seeker.Seek(0, io.SeekStart); err != nil {
				return fmt.Errorf("failed to rewind reader: %w", err)
			}
		}
		first = false
		return r.backend.WriteReader(ctx, path, reader, size)
	})
}

func (r *RetryBackend) do(ctx context.Context, path string, op func() error) error {
	var lastErr error

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		// Don't retry on context cancellation
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt == r.maxRetries {
			break
		}

		// Exponential backoff
		delay := r.retryDelay * time.Duration(1<<uint(attempt))
		if delay > r.retryMaxDelay {
			delay = r.retryMaxDelay
		}

		r.logger.Warn().
			Err(err).
			Str("path", path).
			Int("attempt", attempt+1).
			Int("max_retries", r.maxRetries).
			Dur("retry_delay", delay).
			Msg("Storage write failed, retrying")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("storage write failed after %d retries: %w", r.maxRetries, lastErr)
}

// Exists checks existence on the wrapped backend
func (r *RetryBackend) Exists(ctx context.Context, path string) (bool, error) {
	return r.backend.Exists(ctx, path)
}

// Close closes the wrapped backend
func (r *RetryBackend) Close() error {
	return r.backend.Close()
}

// Type returns the wrapped backend's type
func (r *RetryBackend) Type() string {
	return r.backend.Type()
}

// URI returns the wrapped backend's location for path
func (r *RetryBackend) URI(path string) string {
	return r.backend.URI(path)
}

// Unwrap returns the wrapped backend
func (r *RetryBackend) Unwrap() Backend {
	return r.backend
}
