package store

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pinning "github.com/kalio007/ipfs-pinning-infra"
	"github.com/kalio007/ipfs-pinning-infra/backend"
)

func newTestBlockStore(t *testing.T, opts ...BlockStoreOption) (*BlockStore, *backend.Filesystem) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	opts = append([]BlockStoreOption{WithStageDir(t.TempDir())}, opts...)
	return NewBlockStore(fs, opts...), fs
}

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer func() { _ = rc.Close() }()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	return got
}

func TestBlockStorePutGet(t *testing.T) {
	s, _ := newTestBlockStore(t)
	ctx := context.Background()
	data := []byte("hello pinning gateway")

	res, err := s.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	require.False(t, res.Exists)
	require.Equal(t, int64(len(data)), res.Size)
	require.Equal(t, pinning.ComputeCID(data), res.CID)

	rc, err := s.Get(ctx, res.CID)
	require.NoError(t, err)
	require.Equal(t, data, readAll(t, rc))
}

func TestBlockStorePutIsIdempotent(t *testing.T) {
	s, _ := newTestBlockStore(t)
	ctx := context.Background()
	data := []byte("same bytes twice")

	first, err := s.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	second, err := s.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	require.True(t, second.Exists)
	require.Equal(t, first.CID, second.CID)
}

func TestBlockStorePutNonSeekable(t *testing.T) {
	s, _ := newTestBlockStore(t)
	ctx := context.Background()
	data := []byte("streamed from a pipe")

	res, err := s.Put(ctx, io.MultiReader(bytes.NewReader(data)))
	require.NoError(t, err)
	require.Equal(t, pinning.ComputeCID(data), res.CID)

	ok, err := s.Has(ctx, res.CID)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestBlockStoreEmptyContent(t *testing.T) {
	s, _ := newTestBlockStore(t)
	ctx := context.Background()

	res, err := s.Put(ctx, bytes.NewReader(nil))
	require.NoError(t, err)
	require.Zero(t, res.Size)

	rc, err := s.Get(ctx, res.CID)
	require.NoError(t, err)
	require.Empty(t, readAll(t, rc))
}

func TestBlockStoreEncodingSelection(t *testing.T) {
	s, fs := newTestBlockStore(t)
	ctx := context.Background()

	compressible := []byte(strings.Repeat("pinning gateway block ", 8192))
	random := make([]byte, 128*1024)
	_, err := rand.Read(random)
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"text", compressible, encodingZstd},
		{"random", random, encodingIdentity},
		{"tiny", []byte("abc"), encodingIdentity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.Put(ctx, bytes.NewReader(tt.data))
			require.NoError(t, err)

			raw, err := fs.Read(ctx, pinning.BlockKey(res.CID))
			require.NoError(t, err)
			header, body, err := readFrame(raw)
			require.NoError(t, err)
			_ = body.Close()
			_ = raw.Close()
			require.Equal(t, tt.want, header.Encoding)
			require.Equal(t, int64(len(tt.data)), header.Length)

			rc, err := s.Get(ctx, res.CID)
			require.NoError(t, err)
			require.Equal(t, tt.data, readAll(t, rc))
		})
	}
}

func TestBlockStoreDetectsCorruption(t *testing.T) {
	s, fs := newTestBlockStore(t)
	ctx := context.Background()
	data := []byte("original content")

	res, err := s.Put(ctx, bytes.NewReader(data))
	require.NoError(t, err)

	tampered := []byte("tampered content")
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, &blockHeader{
		CID:      res.CID.String(),
		Length:   int64(len(tampered)),
		Encoding: encodingIdentity,
	}, bytes.NewReader(tampered)))
	require.NoError(t, fs.Write(ctx, pinning.BlockKey(res.CID), &buf))

	rc, err := s.Get(ctx, res.CID)
	require.NoError(t, err)
	defer func() { _ = rc.Close() }()
	_, err = io.ReadAll(rc)
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestBlockStoreGetNotAvailable(t *testing.T) {
	s, _ := newTestBlockStore(t)

	_, err := s.Get(context.Background(), pinning.ComputeCID([]byte("never stored")))
	require.ErrorIs(t, err, ErrNotAvailable)
	require.False(t, errors.Is(err, ErrUnavailable))
}

func TestBlockStoreBackendUnavailable(t *testing.T) {
	s := NewBlockStore(failingBackend{err: backend.ErrUnavailable})
	ctx := context.Background()

	_, err := s.Get(ctx, pinning.ComputeCID([]byte("x")))
	require.ErrorIs(t, err, ErrUnavailable)
	require.False(t, errors.Is(err, ErrNotAvailable))

	_, err = s.Put(ctx, bytes.NewReader([]byte("x")))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestBlockStoreTimeout(t *testing.T) {
	s := NewBlockStore(blockingBackend{}, WithTimeout(20*time.Millisecond))

	start := time.Now()
	_, err := s.Get(context.Background(), pinning.ComputeCID([]byte("slow")))
	require.ErrorIs(t, err, ErrUnavailable)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

// failingBackend fails every operation with err.
type failingBackend struct{ err error }

func (f failingBackend) Write(context.Context, string, io.Reader, ...backend.WriteOption) error {
	return f.err
}
func (f failingBackend) Read(context.Context, string) (io.ReadCloser, error) { return nil, f.err }
func (f failingBackend) Delete(context.Context, string) error                { return f.err }
func (f failingBackend) Exists(context.Context, string) (bool, error)        { return false, f.err }
func (f failingBackend) Size(context.Context, string) (int64, error)         { return 0, f.err }

// blockingBackend blocks every operation until the context is done.
type blockingBackend struct{}

func (blockingBackend) Write(ctx context.Context, _ string, _ io.Reader, _ ...backend.WriteOption) error {
	<-ctx.Done()
	return ctx.Err()
}
func (blockingBackend) Read(ctx context.Context, _ string) (io.ReadCloser, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (blockingBackend) Delete(ctx context.Context, _ string) error {
	<-ctx.Done()
	return ctx.Err()
}
func (blockingBackend) Exists(ctx context.Context, _ string) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}
func (blockingBackend) Size(ctx context.Context, _ string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}
