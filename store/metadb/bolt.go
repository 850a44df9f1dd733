package metadb

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"
)

// BoltDB implements Store using bbolt.
type BoltDB struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool // disables fsync per transaction (for testing only)
}

// BoltDBOption configures a BoltDB instance.
type BoltDBOption func(*BoltDB)

// WithLogger sets the logger for the database.
func WithLogger(logger *slog.Logger) BoltDBOption {
	return func(b *BoltDB) {
		b.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) BoltDBOption {
	return func(b *BoltDB) {
		b.now = now
	}
}

// WithNoSync disables fsync per transaction.
// WARNING: This improves write performance but risks data loss on crash.
// Use only for testing or benchmarking, never in production.
func WithNoSync(noSync bool) BoltDBOption {
	return func(b *BoltDB) {
		b.noSync = noSync
	}
}

// NewBoltDB creates a new BoltDB instance with options.
func NewBoltDB(opts ...BoltDBOption) *BoltDB {
	b := &BoltDB{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open opens the database at the given path.
func (b *BoltDB) Open(path string) error {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	b.db = db

	if err := b.createBuckets(); err != nil {
		_ = db.Close()
		return err
	}

	b.logger.Debug("opened metadb", "path", path, "noSync", b.noSync)
	return nil
}

func (b *BoltDB) createBuckets() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketFiles, bucketFilesByCID} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
}

// Close closes the database and releases resources.
func (b *BoltDB) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug("closing metadb")
	err := b.db.Close()
	b.db = nil
	return err
}

// Insert assigns the next id from the bucket sequence, stamps CreatedAt and
// writes the record and its CID index entry in one transaction.
// On success rec carries the assigned id and timestamp.
func (b *BoltDB) Insert(ctx context.Context, rec *FileRecord) (uint64, error) {
	if rec == nil || rec.CID == "" || rec.Filename == "" {
		return 0, ErrInvalidRecord
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	stored := *rec
	stored.CreatedAt = b.now().UTC()

	err := b.db.Update(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		byCID := tx.Bucket(bucketFilesByCID)

		id, err := files.NextSequence()
		if err != nil {
			return fmt.Errorf("allocating id: %w", err)
		}
		stored.ID = id

		data, err := json.Marshal(&stored)
		if err != nil {
			return fmt.Errorf("marshaling record: %w", err)
		}
		if err := files.Put(encodeID(id), data); err != nil {
			return fmt.Errorf("putting record: %w", err)
		}
		if err := byCID.Put(makeCIDKey(stored.CID, id), nil); err != nil {
			return fmt.Errorf("indexing record: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	*rec = stored
	b.logger.Debug("inserted file record", "id", stored.ID, "cid", stored.CID)
	return stored.ID, nil
}

// FindByID returns the record with the given id.
func (b *BoltDB) FindByID(ctx context.Context, id uint64) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var rec *FileRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx.Bucket(bucketFiles), id)
		return err
	})
	return rec, err
}

// FindByCID scans the CID index in id order.
func (b *BoltDB) FindByCID(ctx context.Context, cid string) (*FileRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cid == "" {
		return nil, ErrNotFound
	}

	var found *FileRecord
	err := b.db.View(func(tx *bbolt.Tx) error {
		files := tx.Bucket(bucketFiles)
		prefix := cidPrefix(cid)

		c := tx.Bucket(bucketFilesByCID).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			_, id, ok := parseCIDKey(k)
			if !ok {
				continue
			}
			rec, err := getRecord(files, id)
			if err != nil {
				return fmt.Errorf("resolving index entry %d: %w", id, err)
			}
			if found == nil {
				found = rec
			}
			if rec.HasOverflow() {
				found = rec
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

// Count returns the number of stored records.
func (b *BoltDB) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketFiles).Stats().KeyN
		return nil
	})
	return n, err
}

func getRecord(files *bbolt.Bucket, id uint64) (*FileRecord, error) {
	val := files.Get(encodeID(id))
	if val == nil {
		return nil, ErrNotFound
	}
	var rec FileRecord
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("unmarshaling record %d: %w", id, err)
	}
	return &rec, nil
}

var _ Store = (*BoltDB)(nil)
