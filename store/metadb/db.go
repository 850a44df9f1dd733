package metadb

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("metadb: not found")

	// ErrInvalidRecord is returned by Insert for records missing required fields.
	ErrInvalidRecord = errors.New("metadb: invalid record")
)

// Store is the file record store. There is no update or delete.
type Store interface {
	// Insert assigns the record an id and creation time and persists it.
	Insert(ctx context.Context, rec *FileRecord) (uint64, error)

	// FindByID returns the record with the given id.
	FindByID(ctx context.Context, id uint64) (*FileRecord, error)

	// FindByCID returns the earliest record for cid, preferring the earliest
	// one that carries an overflow key.
	FindByCID(ctx context.Context, cid string) (*FileRecord, error)
}
