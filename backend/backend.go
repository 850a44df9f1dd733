// Package backend provides the byte-level storage backends behind the content
// store and the overflow store.
package backend

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable is returned when the backend cannot be reached or an
	// operation exceeds its deadline.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrInvalidKey is returned for keys that are empty, absolute or escape
	// the backend's namespace.
	ErrInvalidKey = errors.New("invalid key")

	// ErrNotSupported is returned when a backend lacks an optional capability.
	ErrNotSupported = errors.New("not supported by backend")
)

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key.
	// If the key already exists, it is overwritten.
	Write(ctx context.Context, key string, r io.Reader, opts ...WriteOption) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// ReadSigner is implemented by backends that can hand out a time-limited
// URL for reading a key directly.
type ReadSigner interface {
	PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// WriteOptions holds per-object attributes for a Write.
type WriteOptions struct {
	ContentType string
}

// WriteOption configures a single Write call.
type WriteOption func(*WriteOptions)

// WithContentType records the object's MIME type on backends that keep one.
func WithContentType(ct string) WriteOption {
	return func(o *WriteOptions) {
		o.ContentType = ct
	}
}

// ApplyWriteOptions folds opts into a WriteOptions value.
func ApplyWriteOptions(opts ...WriteOption) WriteOptions {
	var o WriteOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// ValidateKey checks that key is a relative, slash-separated path that stays
// inside the backend namespace.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == "" || part == "." || part == ".." {
			return ErrInvalidKey
		}
	}
	return nil
}
