// Package pipeline implements ingestion and retrieval of files across the
// content store, the overflow store, the metadata store and the lookup cache.
package pipeline

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/kalio007/ipfs-pinning-infra/store"
	"github.com/kalio007/ipfs-pinning-infra/store/lookup"
	"github.com/kalio007/ipfs-pinning-infra/store/metadb"
	"github.com/kalio007/ipfs-pinning-infra/store/overflow"
)

const (
	// DefaultLargeFileThreshold is the size above which a file is also
	// written to the overflow store (100 MiB).
	DefaultLargeFileThreshold int64 = 100 * 1024 * 1024

	// DefaultOwnerID is recorded when an upload names no owner.
	DefaultOwnerID = "anonymous"

	// DefaultMimeType is recorded when an upload carries no MIME type.
	DefaultMimeType = "application/octet-stream"

	// DefaultLinkTTL is how long a signed overflow download link stays valid.
	DefaultLinkTTL = time.Hour
)

// Overflow is the whole-object store used for large files.
type Overflow interface {
	Put(ctx context.Context, name string, r io.Reader, contentType string) (string, error)
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

// OverflowSigner is implemented by overflow stores that can hand out
// direct, time-limited download links.
type OverflowSigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Replicator accepts fire-and-forget pin requests.
type Replicator interface {
	Request(c cid.Cid) bool
}

// Config wires the stores into the pipelines. Content, Overflow and
// Metadata are required.
type Config struct {
	Content    store.ContentStore
	Overflow   Overflow
	Metadata   metadb.Store
	Cache      lookup.Cache // nil disables caching
	Replicator Replicator   // nil disables replication

	LargeFileThreshold int64         // default: DefaultLargeFileThreshold
	CacheTTL           time.Duration // default: lookup.DefaultTTL
	LinkTTL            time.Duration // default: DefaultLinkTTL
	StageDir           string        // default: os.TempDir()
	Logger             *slog.Logger

	// wrapStage intercepts writes to the staging file in tests.
	wrapStage func(io.Writer) io.Writer
}

func (c Config) stageWriter(f io.Writer) io.Writer {
	if c.wrapStage == nil {
		return f
	}
	return c.wrapStage(f)
}

func (c Config) withDefaults() Config {
	if c.Cache == nil {
		c.Cache = lookup.Nop{}
	}
	if c.LargeFileThreshold <= 0 {
		c.LargeFileThreshold = DefaultLargeFileThreshold
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = lookup.DefaultTTL
	}
	if c.LinkTTL <= 0 {
		c.LinkTTL = DefaultLinkTTL
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

var (
	_ Overflow       = (*overflow.Store)(nil)
	_ OverflowSigner = (*overflow.Store)(nil)
)

// entryFromRecord projects a record into a cache entry.
func entryFromRecord(rec *metadb.FileRecord) *lookup.Entry {
	return &lookup.Entry{
		CID:       rec.CID,
		Filename:  rec.Filename,
		MimeType:  rec.MimeType,
		Size:      rec.Size,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
	}
}

// RetrievalRef is the public URL of cid under publicGateway.
func RetrievalRef(publicGateway, cid string) string {
	if publicGateway != "" && !strings.HasSuffix(publicGateway, "/") {
		publicGateway += "/"
	}
	return publicGateway + cid
}
