package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kalio007/ipfs-pinning-infra/store/lookup"
	"github.com/kalio007/ipfs-pinning-infra/store/metadb"
	"github.com/kalio007/ipfs-pinning-infra/telemetry"
)

// Placement says where a file's bytes are written.
type Placement int

const (
	// PlacementSmall files go to the content store only.
	PlacementSmall Placement = iota
	// PlacementLarge files go to the overflow store and the content store.
	PlacementLarge
)

func (p Placement) String() string {
	if p == PlacementLarge {
		return "large"
	}
	return "small"
}

// Classify returns PlacementLarge iff size is strictly greater than threshold.
func Classify(size, threshold int64) Placement {
	if size > threshold {
		return PlacementLarge
	}
	return PlacementSmall
}

// Upload is one file submitted for ingestion.
type Upload struct {
	Filename string
	MimeType string
	OwnerID  string
	Body     io.Reader
}

// Ingester runs the ingestion pipeline.
type Ingester struct {
	cfg    Config
	logger *slog.Logger
}

// NewIngester creates an ingester.
func NewIngester(cfg Config) *Ingester {
	cfg = cfg.withDefaults()
	return &Ingester{cfg: cfg, logger: cfg.Logger.With("component", "ingest")}
}

// Ingest stages the upload, places it by size, stores it, requests
// replication and persists its record. The metadata insert is the commit
// point: if it fails no record exists, even though content may have been
// written. The staged copy is removed on every path.
func (in *Ingester) Ingest(ctx context.Context, up Upload) (rec *metadb.FileRecord, err error) {
	const op = "ingest"

	start := time.Now()
	placement := PlacementSmall
	var size int64
	defer func() {
		telemetry.RecordIngest(ctx, placement.String(), outcome(err), size, time.Since(start))
	}()

	if up.Body == nil {
		return nil, newError(KindClient, op, errors.New("no file provided"))
	}
	filename := strings.TrimSpace(up.Filename)
	if filename == "" {
		return nil, newError(KindClient, op, errors.New("filename is required"))
	}
	mimeType := up.MimeType
	if mimeType == "" {
		mimeType = DefaultMimeType
	}
	owner := up.OwnerID
	if owner == "" {
		owner = DefaultOwnerID
	}

	staged, err := os.CreateTemp(in.cfg.StageDir, "upload-*")
	if err != nil {
		return nil, newError(KindInternal, op, fmt.Errorf("creating staging file: %w", err))
	}
	defer func() {
		_ = staged.Close()
		if rmErr := os.Remove(staged.Name()); rmErr != nil && !os.IsNotExist(rmErr) {
			in.logger.Warn("failed to remove staging file", "path", staged.Name(), "error", rmErr)
		}
	}()

	body := &bodyReader{r: up.Body}
	size, err = io.Copy(in.cfg.stageWriter(staged), body)
	if err != nil {
		switch {
		case body.err == nil:
			return nil, newError(KindInternal, op, fmt.Errorf("staging upload: %w", err))
		case ctx.Err() != nil:
			return nil, newError(KindClient, op, fmt.Errorf("upload interrupted: %w", ctx.Err()))
		default:
			return nil, newError(KindClient, op, fmt.Errorf("reading upload: %w", err))
		}
	}

	placement = Classify(size, in.cfg.LargeFileThreshold)
	logger := in.logger.With("filename", filename, "size", size, "placement", placement.String())

	var overflowKey string
	if placement == PlacementLarge {
		if _, err := staged.Seek(0, io.SeekStart); err != nil {
			return nil, newError(KindInternal, op, fmt.Errorf("rewinding staging file: %w", err))
		}
		overflowKey, err = in.cfg.Overflow.Put(ctx, filename, staged, mimeType)
		if err != nil {
			logger.Error("overflow write failed", "error", err)
			return nil, storeError(op, fmt.Errorf("writing overflow object: %w", err))
		}
	}

	if _, err := staged.Seek(0, io.SeekStart); err != nil {
		return nil, newError(KindInternal, op, fmt.Errorf("rewinding staging file: %w", err))
	}
	put, err := in.cfg.Content.Put(ctx, staged)
	if err != nil {
		logger.Error("content store write failed", "error", err)
		return nil, storeError(op, fmt.Errorf("writing content: %w", err))
	}

	if in.cfg.Replicator != nil {
		in.cfg.Replicator.Request(put.CID)
	}

	rec = &metadb.FileRecord{
		CID:         put.CID.String(),
		Filename:    filename,
		MimeType:    mimeType,
		Size:        size,
		OverflowKey: overflowKey,
		OwnerID:     owner,
	}
	if _, err := in.cfg.Metadata.Insert(ctx, rec); err != nil {
		logger.Error("metadata insert failed", "cid", rec.CID, "error", err)
		return nil, newError(KindInternal, op, fmt.Errorf("persisting record: %w", err))
	}

	setCache(ctx, in.cfg, in.logger, rec)

	logger.Info("ingested file", "id", rec.ID, "cid", rec.CID, "existing_block", put.Exists, "overflow_key", overflowKey)
	return rec, nil
}

// bodyReader remembers the first error returned by the upload body, so a
// failed read can be told apart from a failed write to the staging file.
type bodyReader struct {
	r   io.Reader
	err error
}

func (b *bodyReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

// setCache writes rec's projection to the lookup cache. Failures are
// logged and counted, never returned.
func setCache(ctx context.Context, cfg Config, logger *slog.Logger, rec *metadb.FileRecord) {
	if err := cfg.Cache.Set(ctx, lookup.Key(rec.ID), entryFromRecord(rec), cfg.CacheTTL); err != nil {
		telemetry.RecordCacheOp(ctx, "set", "error")
		logger.Warn("lookup cache set failed", "id", rec.ID, "error", err)
		return
	}
	telemetry.RecordCacheOp(ctx, "set", "ok")
}
