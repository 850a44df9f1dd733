package backend

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/require"
)

// putRecord is what an S3 endpoint saw for one PutObject.
type putRecord struct {
	contentLength    int64
	decodedLength    string
	transferEncoding []string
}

type s3Endpoint struct {
	mu   sync.Mutex
	puts []putRecord
}

func (e *s3Endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "unsupported", http.StatusNotImplemented)
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)
	e.mu.Lock()
	e.puts = append(e.puts, putRecord{
		contentLength:    r.ContentLength,
		decodedLength:    r.Header.Get("X-Amz-Decoded-Content-Length"),
		transferEncoding: r.TransferEncoding,
	})
	e.mu.Unlock()
	w.Header().Set("ETag", `"etag"`)
	w.WriteHeader(http.StatusOK)
}

func (e *s3Endpoint) last(t *testing.T) putRecord {
	t.Helper()
	e.mu.Lock()
	defer e.mu.Unlock()
	require.NotEmpty(t, e.puts)
	return e.puts[len(e.puts)-1]
}

func newTLSS3(t *testing.T) (*S3, *s3Endpoint) {
	t.Helper()
	ep := &s3Endpoint{}
	srv := httptest.NewTLSServer(ep)
	t.Cleanup(srv.Close)

	client := s3.New(s3.Options{
		Region:           "us-east-1",
		BaseEndpoint:     aws.String(srv.URL),
		UsePathStyle:     true,
		Credentials:      credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		HTTPClient:       srv.Client(),
		RetryMaxAttempts: 1,
	})
	return NewS3(client, "overflow-bucket", WithSpoolDir(t.TempDir())), ep
}

// requireSized asserts the PUT declared its length rather than streaming chunked.
func requireSized(t *testing.T, rec putRecord, size int) {
	t.Helper()
	require.Empty(t, rec.transferEncoding)
	require.Positive(t, rec.contentLength)
	if rec.decodedLength != "" {
		require.Equal(t, strconv.Itoa(size), rec.decodedLength)
	} else {
		require.EqualValues(t, size, rec.contentLength)
	}
}

func stagedFile(t *testing.T, data []byte) *os.File {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staged")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestS3_PutDeclaresContentLength(t *testing.T) {
	data := bytes.Repeat([]byte("o"), 4096)

	t.Run("file", func(t *testing.T) {
		b, ep := newTLSS3(t)
		require.NoError(t, b.Write(context.Background(), "overflow/1-a-f.bin", stagedFile(t, data)))
		requireSized(t, ep.last(t), len(data))
	})

	t.Run("instrumented file", func(t *testing.T) {
		b, ep := newTLSS3(t)
		ib := NewInstrumentedBackend(b, "overflow")
		require.NoError(t, ib.Write(context.Background(), "overflow/1-a-f.bin", stagedFile(t, data)))
		requireSized(t, ep.last(t), len(data))
	})

	t.Run("unseekable reader", func(t *testing.T) {
		b, ep := newTLSS3(t)
		ib := NewInstrumentedBackend(b, "overflow")
		r := io.MultiReader(bytes.NewReader(data[:100]), bytes.NewReader(data[100:]))
		require.NoError(t, ib.Write(context.Background(), "overflow/1-a-f.bin", r))
		requireSized(t, ep.last(t), len(data))
	})

	t.Run("partially read file", func(t *testing.T) {
		b, ep := newTLSS3(t)
		f := stagedFile(t, data)
		_, err := f.Seek(96, io.SeekStart)
		require.NoError(t, err)
		require.NoError(t, b.Write(context.Background(), "overflow/1-a-f.bin", f))
		requireSized(t, ep.last(t), len(data)-96)
	})
}

func TestCountingReadSeeker_CountsFurthestOffset(t *testing.T) {
	c := &countingReadSeeker{rs: bytes.NewReader([]byte("0123456789"))}

	_, err := io.ReadAll(c)
	require.NoError(t, err)
	_, err = c.Seek(0, io.SeekStart)
	require.NoError(t, err)
	_, err = io.ReadAll(c)
	require.NoError(t, err)

	require.EqualValues(t, 10, c.max)
}

func TestS3_PresignRead(t *testing.T) {
	client := s3.New(s3.Options{
		Region:       "us-east-1",
		BaseEndpoint: aws.String("https://objects.example.test"),
		UsePathStyle: true,
		Credentials:  credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
	})
	b := NewInstrumentedBackend(NewS3(client, "files", WithKeyPrefix("gateway")), "overflow")

	signed, err := b.PresignRead(context.Background(), "overflow/1-a-movie.mkv", time.Hour)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)
	require.Equal(t, "objects.example.test", u.Host)
	require.Equal(t, "/files/gateway/overflow/1-a-movie.mkv", u.Path)
	require.Equal(t, "3600", u.Query().Get("X-Amz-Expires"))
	require.NotEmpty(t, u.Query().Get("X-Amz-Signature"))

	_, err = b.PresignRead(context.Background(), "../escape", time.Hour)
	require.ErrorIs(t, err, ErrInvalidKey)
}

func TestPresignRead_NotSupported(t *testing.T) {
	_, err := NewS3(newFakeS3(), "files").PresignRead(context.Background(), "k", time.Minute)
	require.ErrorIs(t, err, ErrNotSupported)

	fs, err := NewFilesystem(t.TempDir())
	require.NoError(t, err)
	_, err = NewInstrumentedBackend(fs, "overflow").PresignRead(context.Background(), "k", time.Minute)
	require.ErrorIs(t, err, ErrNotSupported)
}
