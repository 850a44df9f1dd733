package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	pinning "github.com/kalio007/ipfs-pinning-infra"
	"github.com/kalio007/ipfs-pinning-infra/backend"
	"github.com/kalio007/ipfs-pinning-infra/store/lookup"
	"github.com/kalio007/ipfs-pinning-infra/store/metadb"
	"github.com/kalio007/ipfs-pinning-infra/store/overflow"
	"github.com/kalio007/ipfs-pinning-infra/telemetry"
)

// Where a retrieval was answered from.
const (
	SourceCache    = "cache"
	SourceMetadata = "metadata"
	SourceContent  = telemetry.SourceContent
	SourceOverflow = telemetry.SourceOverflow
)

// FileInfo is the descriptive view of a file record.
type FileInfo struct {
	ID        uint64
	CID       string
	Filename  string
	MimeType  string
	Size      int64
	CreatedAt time.Time
	ExpiresAt *time.Time
}

// Resolution is the answer to ResolveByID.
type Resolution struct {
	FileInfo
	Source string
}

// Content is an open stream of a file's bytes with the record that
// describes it. The caller must close Body.
type Content struct {
	Body   io.ReadCloser
	Record *metadb.FileRecord
	Source string
}

// Retriever runs the retrieval pipeline.
type Retriever struct {
	cfg    Config
	logger *slog.Logger
	group  singleflight.Group
}

// NewRetriever creates a retriever.
func NewRetriever(cfg Config) *Retriever {
	cfg = cfg.withDefaults()
	return &Retriever{cfg: cfg, logger: cfg.Logger.With("component", "retrieve")}
}

// ResolveByID looks id up in the cache, then the metadata store.
// A metadata hit repopulates the cache. Concurrent misses for the same id
// share one metadata query.
func (r *Retriever) ResolveByID(ctx context.Context, id string) (res *Resolution, err error) {
	const op = "resolve"

	start := time.Now()
	defer func() {
		source := ""
		if res != nil {
			source = res.Source
		}
		telemetry.RecordRetrieval(ctx, op, source, outcome(err), time.Since(start))
	}()

	n, perr := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
	if perr != nil || n == 0 {
		return nil, newError(KindClient, op, fmt.Errorf("invalid file id %q", id))
	}
	key := lookup.Key(n)

	entry, cerr := r.cfg.Cache.Get(ctx, key)
	switch {
	case cerr == nil:
		telemetry.RecordCacheOp(ctx, "get", "hit")
		telemetry.SetCacheResultContext(ctx, telemetry.CacheHit)
		return &Resolution{FileInfo: infoFromEntry(n, entry), Source: SourceCache}, nil
	case errors.Is(cerr, lookup.ErrMiss):
		telemetry.RecordCacheOp(ctx, "get", "miss")
	default:
		telemetry.RecordCacheOp(ctx, "get", "error")
		r.logger.Warn("lookup cache get failed, using metadata store", "id", n, "error", cerr)
	}
	telemetry.SetCacheResultContext(ctx, telemetry.CacheMiss)

	ch := r.group.DoChan(key, func() (any, error) {
		// Detached so one caller going away does not fail the others.
		dctx := context.WithoutCancel(ctx)
		rec, err := r.cfg.Metadata.FindByID(dctx, n)
		if err != nil {
			return nil, err
		}
		setCache(dctx, r.cfg, r.logger, rec)
		return rec, nil
	})

	select {
	case out := <-ch:
		if out.Err != nil {
			if errors.Is(out.Err, metadb.ErrNotFound) {
				return nil, newError(KindNotFound, op, fmt.Errorf("file %d: %w", n, out.Err))
			}
			return nil, newError(KindInternal, op, out.Err)
		}
		return &Resolution{FileInfo: infoFromRecord(out.Val.(*metadb.FileRecord)), Source: SourceMetadata}, nil
	case <-ctx.Done():
		return nil, newError(KindUnavailable, op, ctx.Err())
	}
}

// FetchContent opens the bytes for a CID. Unknown CIDs are reported as not
// found without touching the content store. If the content store fails and
// the record has an overflow key, the overflow store serves the bytes
// instead; nothing is retried.
func (r *Retriever) FetchContent(ctx context.Context, cidStr string) (content *Content, err error) {
	const op = "fetch"

	start := time.Now()
	defer func() {
		source := ""
		if content != nil {
			source = content.Source
		}
		telemetry.RecordRetrieval(ctx, op, source, outcome(err), time.Since(start))
	}()

	c, _, err := pinning.ParseCID(strings.TrimSpace(cidStr))
	if err != nil {
		return nil, newError(KindClient, op, err)
	}

	rec, err := r.cfg.Metadata.FindByCID(ctx, c.String())
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, newError(KindNotFound, op, fmt.Errorf("cid %s: %w", c, err))
		}
		return nil, newError(KindInternal, op, err)
	}

	body, storeErr := r.cfg.Content.Get(ctx, c)
	if storeErr == nil {
		return &Content{Body: body, Record: rec, Source: SourceContent}, nil
	}

	logger := r.logger.With("cid", rec.CID, "id", rec.ID)
	if !rec.HasOverflow() {
		telemetry.RecordFallback(ctx, "no_overflow_key")
		logger.Error("content store failed and no overflow copy exists", "error", storeErr)
		return nil, newError(KindUnavailable, op, fmt.Errorf("reading content: %w", storeErr))
	}

	telemetry.RecordFallback(ctx, "engaged")
	logger.Warn("content store failed, serving from overflow", "overflow_key", rec.OverflowKey, "error", storeErr)

	body, err = r.cfg.Overflow.Get(ctx, rec.OverflowKey)
	if err != nil {
		if errors.Is(err, overflow.ErrNotFound) {
			return nil, newError(KindInternal, op, fmt.Errorf("overflow object %s missing: %w", rec.OverflowKey, err))
		}
		return nil, storeError(op, fmt.Errorf("reading overflow object: %w", err))
	}
	return &Content{Body: body, Record: rec, Source: SourceOverflow}, nil
}

// DownloadLink is a signed URL for a file's overflow copy.
type DownloadLink struct {
	URL       string
	ExpiresAt time.Time
}

// OverflowLink signs a direct download URL for the overflow copy of file
// id. Files without an overflow copy, and overflow stores that cannot sign,
// are reported as not found.
func (r *Retriever) OverflowLink(ctx context.Context, id string) (*DownloadLink, error) {
	const op = "link"

	n, err := strconv.ParseUint(strings.TrimSpace(id), 10, 64)
	if err != nil || n == 0 {
		return nil, newError(KindClient, op, fmt.Errorf("invalid file id %q", id))
	}

	rec, err := r.cfg.Metadata.FindByID(ctx, n)
	if err != nil {
		if errors.Is(err, metadb.ErrNotFound) {
			return nil, newError(KindNotFound, op, fmt.Errorf("file %d: %w", n, err))
		}
		return nil, newError(KindInternal, op, err)
	}
	if !rec.HasOverflow() {
		return nil, newError(KindNotFound, op, fmt.Errorf("file %d has no overflow copy", n))
	}

	signer, ok := r.cfg.Overflow.(OverflowSigner)
	if !ok {
		return nil, newError(KindNotFound, op, errors.New("overflow store cannot sign download links"))
	}
	expires := time.Now().Add(r.cfg.LinkTTL).UTC()
	u, err := signer.PresignGet(ctx, rec.OverflowKey, r.cfg.LinkTTL)
	switch {
	case errors.Is(err, backend.ErrNotSupported):
		return nil, newError(KindNotFound, op, fmt.Errorf("overflow store cannot sign download links: %w", err))
	case err != nil:
		return nil, storeError(op, err)
	}
	return &DownloadLink{URL: u, ExpiresAt: expires}, nil
}

func infoFromRecord(rec *metadb.FileRecord) FileInfo {
	return FileInfo{
		ID:        rec.ID,
		CID:       rec.CID,
		Filename:  rec.Filename,
		MimeType:  rec.MimeType,
		Size:      rec.Size,
		CreatedAt: rec.CreatedAt.UTC(),
		ExpiresAt: utcPtr(rec.ExpiresAt),
	}
}

func infoFromEntry(id uint64, e *lookup.Entry) FileInfo {
	return FileInfo{
		ID:        id,
		CID:       e.CID,
		Filename:  e.Filename,
		MimeType:  e.MimeType,
		Size:      e.Size,
		CreatedAt: e.CreatedAt.UTC(),
		ExpiresAt: utcPtr(e.ExpiresAt),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
