// Package overflow stores large uploads as whole objects, keyed by upload
// time and name, outside the content store.
package overflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kalio007/ipfs-pinning-infra/backend"
)

const (
	keyPrefix = "overflow"

	// maxNameLen bounds the sanitized filename part of a key.
	maxNameLen = 128
)

var (
	// ErrNotFound is returned when no object exists at a key.
	ErrNotFound = errors.New("overflow object not found")

	// ErrUnavailable is returned when the object store cannot be reached or
	// an operation exceeds its deadline.
	ErrUnavailable = errors.New("overflow store unavailable")
)

// Store writes and reads overflow objects through a backend.
type Store struct {
	backend      backend.Backend
	timeout      time.Duration
	writeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithTimeout bounds opening an object for reading. Once the backend has
// answered, reading the stream is limited only by the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithWriteTimeout bounds a whole Put. Zero leaves writes bounded only by
// the caller's context.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.writeTimeout = d
	}
}

// WithNow sets the clock used for key derivation.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates an overflow store over b.
func New(b backend.Backend, opts ...Option) *Store {
	s := &Store{
		backend: b,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "overflow")
	return s
}

// NewKey derives an object key for name uploaded at now.
// Format: overflow/{unix-millis}-{random}-{sanitized name}
func NewKey(name string, now time.Time) string {
	random := strings.SplitN(uuid.NewString(), "-", 2)[0]
	return keyPrefix + "/" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + random + "-" + SanitizeName(name)
}

// SanitizeName reduces name to characters that are safe in any object key.
func SanitizeName(name string) string {
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}

	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() >= maxNameLen {
			break
		}
	}

	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}

// Put writes r under a fresh key and returns the key.
func (s *Store) Put(ctx context.Context, name string, r io.Reader, contentType string) (string, error) {
	var cancel context.CancelFunc
	if s.writeTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, s.writeTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	key := NewKey(name, s.now())
	if err := s.backend.Write(ctx, key, r, backend.WithContentType(contentType)); err != nil {
		return "", s.classify(ctx, "writing overflow object", err)
	}

	s.logger.Debug("stored overflow object", "key", key)
	return key, nil
}

// Get returns a stream of the object at key. The caller must close it.
func (s *Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if !strings.HasPrefix(key, keyPrefix+"/") {
		return nil, fmt.Errorf("%w: %q", backend.ErrInvalidKey, key)
	}

	ctx, opened, release := backend.OpenContext(ctx, s.timeout)
	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		release()
		return nil, s.classify(ctx, "reading overflow object", err)
	}
	if !opened() {
		_ = rc.Close()
		release()
		return nil, s.classify(ctx, "reading overflow object", context.Cause(ctx))
	}
	return &releaseReadCloser{ReadCloser: rc, release: release}, nil
}

// PresignGet returns a URL that reads the object at key directly from the
// object store until ttl elapses. Backends that cannot sign return
// backend.ErrNotSupported.
func (s *Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if !strings.HasPrefix(key, keyPrefix+"/") {
		return "", fmt.Errorf("%w: %q", backend.ErrInvalidKey, key)
	}
	signer, ok := s.backend.(backend.ReadSigner)
	if !ok {
		return "", fmt.Errorf("signing overflow object: %w", backend.ErrNotSupported)
	}

	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	u, err := signer.PresignRead(ctx, key, ttl)
	if err != nil {
		return "", s.classify(ctx, "signing overflow object", err)
	}
	return u, nil
}

func (s *Store) classify(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, backend.ErrNotFound):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case backend.TimedOut(ctx, err):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, context.DeadlineExceeded)
	case errors.Is(err, backend.ErrUnavailable):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// releaseReadCloser releases the read's context when closed.
type releaseReadCloser struct {
	io.ReadCloser
	release func()
}

func (c *releaseReadCloser) Close() error {
	defer c.release()
	return c.ReadCloser.Close()
}
