package backend

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/kalio007/ipfs-pinning-infra/telemetry"
)

// InstrumentedBackend wraps a Backend with metrics recording.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
// name labels the metrics, e.g. "blocks" or "overflow".
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader, opts ...WriteOption) error {
	start := time.Now()
	var (
		err error
		n   func() int64
	)
	if rs, ok := r.(io.ReadSeeker); ok {
		// Backends that size the body by seeking (S3) must still see a seeker.
		cs := &countingReadSeeker{rs: rs}
		err = ib.backend.Write(ctx, key, cs, opts...)
		n = func() int64 { return cs.max }
	} else {
		cr := &countingReader{r: r}
		err = ib.backend.Write(ctx, key, cr, opts...)
		n = func() int64 { return cr.n }
	}
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), n())
	return err
}

// Read records the open immediately and the bytes streamed once the reader is closed.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &instrumentedReadCloser{ReadCloser: rc, ctx: ctx, name: ib.name, start: start}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// PresignRead signs through the wrapped backend when it is a ReadSigner.
func (ib *InstrumentedBackend) PresignRead(ctx context.Context, key string, ttl time.Duration) (string, error) {
	signer, ok := ib.backend.(ReadSigner)
	if !ok {
		return "", ErrNotSupported
	}
	start := time.Now()
	url, err := signer.PresignRead(ctx, key, ttl)
	telemetry.RecordBackendOp(ctx, ib.name, "presign", outcomeFromError(err), time.Since(start), 0)
	return url, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// countingReadSeeker counts the furthest offset read, so a body read twice
// (once to checksum, once to send) is counted once.
type countingReadSeeker struct {
	rs  io.ReadSeeker
	pos int64
	max int64
}

func (c *countingReadSeeker) Read(p []byte) (int, error) {
	n, err := c.rs.Read(p)
	c.pos += int64(n)
	if c.pos > c.max {
		c.max = c.pos
	}
	return n, err
}

func (c *countingReadSeeker) Seek(offset int64, whence int) (int64, error) {
	pos, err := c.rs.Seek(offset, whence)
	if err == nil {
		c.pos = pos
	}
	return pos, err
}

type instrumentedReadCloser struct {
	io.ReadCloser
	ctx      context.Context
	name     string
	start    time.Time
	n        int64
	failed   bool
	recorded bool
}

func (rc *instrumentedReadCloser) Read(p []byte) (int, error) {
	n, err := rc.ReadCloser.Read(p)
	rc.n += int64(n)
	if err != nil && err != io.EOF {
		rc.failed = true
	}
	return n, err
}

func (rc *instrumentedReadCloser) Close() error {
	if !rc.recorded {
		rc.recorded = true
		outcome := "success"
		if rc.failed {
			outcome = "error"
		}
		telemetry.RecordBackendOp(rc.ctx, rc.name, "read", outcome, time.Since(rc.start), rc.n)
	}
	return rc.ReadCloser.Close()
}

var _ Backend = (*InstrumentedBackend)(nil)
