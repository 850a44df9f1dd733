package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ipfs/go-cid"

	pinning "github.com/kalio007/ipfs-pinning-infra"
	"github.com/kalio007/ipfs-pinning-infra/backend"
)

// BlockStore implements ContentStore over a backend.
// Blocks live under blocks/{shard}/{cid}, framed and optionally compressed.
type BlockStore struct {
	backend  backend.Backend
	gateway  *Gateway
	timeout  time.Duration
	stageDir string
	logger   *slog.Logger
	now      func() time.Time
}

// BlockStoreOption configures a BlockStore.
type BlockStoreOption func(*BlockStore)

// WithGateway sets an HTTP gateway consulted for blocks not held locally.
func WithGateway(g *Gateway) BlockStoreOption {
	return func(s *BlockStore) {
		s.gateway = g
	}
}

// WithTimeout bounds each Put and Has. For Get it bounds opening the block
// and reading its frame header; the returned stream is then limited only by
// the caller's context.
func WithTimeout(d time.Duration) BlockStoreOption {
	return func(s *BlockStore) {
		s.timeout = d
	}
}

// WithStageDir sets the directory for staging non-seekable uploads.
func WithStageDir(dir string) BlockStoreOption {
	return func(s *BlockStore) {
		s.stageDir = dir
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) BlockStoreOption {
	return func(s *BlockStore) {
		s.logger = l
	}
}

// WithNow sets the clock used for header timestamps.
func WithNow(now func() time.Time) BlockStoreOption {
	return func(s *BlockStore) {
		s.now = now
	}
}

// NewBlockStore creates a block store over b.
func NewBlockStore(b backend.Backend, opts ...BlockStoreOption) *BlockStore {
	s := &BlockStore{
		backend: b,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "blockstore")
	return s
}

func (s *BlockStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.timeout)
}

// Put stores content and returns its CID.
// Seekable readers are hashed in place and rewound; anything else is
// staged to a temp file first.
func (s *BlockStore) Put(ctx context.Context, r io.Reader) (*PutResult, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rs, ok := r.(io.ReadSeeker)
	if !ok {
		tmpFile, err := os.CreateTemp(s.stageDir, "block-put-*")
		if err != nil {
			return nil, fmt.Errorf("creating temp file: %w", err)
		}
		defer func() { _ = os.Remove(tmpFile.Name()) }()
		defer func() { _ = tmpFile.Close() }()

		if _, err := io.Copy(tmpFile, r); err != nil {
			return nil, fmt.Errorf("staging content: %w", err)
		}
		rs = tmpFile
	}

	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking content: %w", err)
	}
	hash, size, err := pinning.HashReader(rs)
	if err != nil {
		return nil, err
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seeking content: %w", err)
	}

	c := pinning.CIDFromHash(hash)
	key := pinning.BlockKey(c)
	result := &PutResult{CID: c, Hash: hash, Size: size}

	exists, err := s.backend.Exists(ctx, key)
	if err != nil {
		return nil, s.classify(ctx, "checking block existence", err)
	}
	if exists {
		result.Exists = true
		return result, nil
	}

	encoding, err := chooseEncoding(rs, size)
	if err != nil {
		return nil, err
	}

	header := &blockHeader{
		CID:      c.String(),
		Length:   size,
		Encoding: encoding,
		StoredAt: s.now().UTC().Format(time.RFC3339),
	}
	fr := frameReader(header, rs)
	defer func() { _ = fr.Close() }()

	if err := s.backend.Write(ctx, key, fr); err != nil {
		return nil, s.classify(ctx, "writing block", err)
	}

	s.logger.Debug("stored block", "cid", header.CID, "size", size, "encoding", encoding)
	return result, nil
}

// Get returns a verifying stream of the block's bytes.
// Blocks missing locally are fetched from the gateway when one is configured.
func (s *BlockStore) Get(ctx context.Context, c cid.Cid) (io.ReadCloser, error) {
	_, want, err := pinning.ParseCID(c.String())
	if err != nil {
		return nil, err
	}

	ctx, opened, release := backend.OpenContext(ctx, s.timeout)

	rc, err := s.backend.Read(ctx, pinning.BlockKey(c))
	if err == nil {
		header, body, err := readFrame(rc)
		if err != nil {
			_ = rc.Close()
			release()
			return nil, s.classify(ctx, "reading block frame", err)
		}
		if header.CID != c.String() {
			_ = body.Close()
			_ = rc.Close()
			release()
			return nil, fmt.Errorf("%w: frame holds %s", ErrCorrupted, header.CID)
		}
		if !opened() {
			_ = body.Close()
			_ = rc.Close()
			release()
			return nil, s.classify(ctx, "reading block frame", context.Cause(ctx))
		}
		return newVerifyingReader(body, want, header.Length, func() error {
			defer release()
			_ = body.Close()
			return rc.Close()
		}), nil
	}

	if !errors.Is(err, backend.ErrNotFound) {
		release()
		return nil, s.classify(ctx, "reading block", err)
	}
	if s.gateway == nil {
		release()
		return nil, ErrNotAvailable
	}

	s.logger.Debug("block not held locally, fetching from gateway", "cid", c.String())
	body, size, err := s.gateway.Fetch(ctx, c)
	if err != nil {
		release()
		if errors.Is(err, ErrNotAvailable) {
			return nil, err
		}
		return nil, s.classify(ctx, "fetching block", err)
	}
	if !opened() {
		_ = body.Close()
		release()
		return nil, s.classify(ctx, "fetching block", context.Cause(ctx))
	}
	return newVerifyingReader(body, want, size, func() error {
		defer release()
		return body.Close()
	}), nil
}

// Has reports whether the block is held in the local backend.
func (s *BlockStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ok, err := s.backend.Exists(ctx, pinning.BlockKey(c))
	if err != nil {
		return false, s.classify(ctx, "checking block existence", err)
	}
	return ok, nil
}

// classify maps backend failures and deadlines onto ErrUnavailable.
func (s *BlockStore) classify(ctx context.Context, op string, err error) error {
	switch {
	case errors.Is(err, ErrUnavailable):
		return fmt.Errorf("%s: %w", op, err)
	case backend.TimedOut(ctx, err):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, context.DeadlineExceeded)
	case errors.Is(err, backend.ErrUnavailable):
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

var _ ContentStore = (*BlockStore)(nil)
