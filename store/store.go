// Package store provides the content store: CID-addressed blocks kept in a
// backend, with an optional HTTP gateway behind it for blocks that are not
// held locally.
package store

import (
	"context"
	"errors"
	"io"

	"github.com/ipfs/go-cid"

	pinning "github.com/kalio007/ipfs-pinning-infra"
)

var (
	// ErrNotAvailable is returned when a block is neither held locally nor
	// retrievable from the network.
	ErrNotAvailable = errors.New("content not available")

	// ErrUnavailable is returned when the store or gateway cannot be reached,
	// or an operation exceeds its deadline.
	ErrUnavailable = errors.New("content store unavailable")

	// ErrCorrupted is returned from Read when streamed bytes do not match the
	// block's CID.
	ErrCorrupted = errors.New("content corrupted")
)

// ContentStore stores immutable blocks addressed by CID.
type ContentStore interface {
	// Put stores content and returns its CID.
	// If the block already exists, no write is performed.
	Put(ctx context.Context, r io.Reader) (*PutResult, error)

	// Get returns a stream of the block's bytes. The stream verifies the
	// content against the CID and returns ErrCorrupted on mismatch.
	// The caller must close the returned ReadCloser.
	Get(ctx context.Context, c cid.Cid) (io.ReadCloser, error)

	// Has reports whether the block is held locally.
	Has(ctx context.Context, c cid.Cid) (bool, error)
}

// PutResult contains information about a Put operation.
type PutResult struct {
	CID    cid.Cid
	Hash   pinning.Hash
	Size   int64
	Exists bool // true if the block already existed
}
