package metadb

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBoltDB(t *testing.T, opts ...BoltDBOption) *BoltDB {
	t.Helper()
	db := NewBoltDB(append([]BoltDBOption{WithNoSync(true)}, opts...)...)
	dbPath := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, db.Open(dbPath))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newRecord(cid, name string) *FileRecord {
	return &FileRecord{
		CID:      cid,
		Filename: name,
		MimeType: "text/plain",
		Size:     10,
		OwnerID:  "anonymous",
	}
}

func TestBoltDB_Insert(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	t.Run("assigns increasing ids starting at one", func(t *testing.T) {
		db := newTestBoltDB(t)

		id1, err := db.Insert(ctx, newRecord("bafk1", "a.txt"))
		require.NoError(t, err)
		id2, err := db.Insert(ctx, newRecord("bafk2", "b.txt"))
		require.NoError(t, err)

		assert.EqualValues(t, 1, id1)
		assert.Greater(t, id2, id1)
	})

	t.Run("stamps created_at and updates the caller's record", func(t *testing.T) {
		db := newTestBoltDB(t, WithNow(func() time.Time { return now }))

		rec := newRecord("bafk1", "a.txt")
		id, err := db.Insert(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, id, rec.ID)
		assert.Equal(t, now, rec.CreatedAt)

		got, err := db.FindByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("rejects records without cid or filename", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.Insert(ctx, newRecord("", "a.txt"))
		require.ErrorIs(t, err, ErrInvalidRecord)
		_, err = db.Insert(ctx, newRecord("bafk1", ""))
		require.ErrorIs(t, err, ErrInvalidRecord)
		_, err = db.Insert(ctx, nil)
		require.ErrorIs(t, err, ErrInvalidRecord)
	})

	t.Run("ids survive reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "reopen.db")

		db := NewBoltDB()
		require.NoError(t, db.Open(path))
		id1, err := db.Insert(ctx, newRecord("bafk1", "a.txt"))
		require.NoError(t, err)
		require.NoError(t, db.Close())

		db = NewBoltDB()
		require.NoError(t, db.Open(path))
		t.Cleanup(func() { _ = db.Close() })
		id2, err := db.Insert(ctx, newRecord("bafk1", "a.txt"))
		require.NoError(t, err)
		assert.Greater(t, id2, id1)

		n, err := db.Count(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})
}

func TestBoltDB_FindByID(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	_, err := db.FindByID(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBoltDB_FindByCID(t *testing.T) {
	ctx := context.Background()

	t.Run("missing cid", func(t *testing.T) {
		db := newTestBoltDB(t)
		_, err := db.FindByCID(ctx, "bafkmissing")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("earliest record wins", func(t *testing.T) {
		db := newTestBoltDB(t)

		first, err := db.Insert(ctx, newRecord("bafkshared", "first.txt"))
		require.NoError(t, err)
		_, err = db.Insert(ctx, newRecord("bafkshared", "second.txt"))
		require.NoError(t, err)

		got, err := db.FindByCID(ctx, "bafkshared")
		require.NoError(t, err)
		assert.Equal(t, first, got.ID)
		assert.Equal(t, "first.txt", got.Filename)
	})

	t.Run("record with overflow key preferred", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.Insert(ctx, newRecord("bafkshared", "small.bin"))
		require.NoError(t, err)
		large := newRecord("bafkshared", "large.bin")
		large.OverflowKey = "overflow/1-abc-large.bin"
		largeID, err := db.Insert(ctx, large)
		require.NoError(t, err)

		got, err := db.FindByCID(ctx, "bafkshared")
		require.NoError(t, err)
		assert.Equal(t, largeID, got.ID)
		assert.True(t, got.HasOverflow())
	})

	t.Run("cid that prefixes another cid does not match", func(t *testing.T) {
		db := newTestBoltDB(t)

		_, err := db.Insert(ctx, newRecord("bafkabcdef", "a.txt"))
		require.NoError(t, err)

		_, err = db.FindByCID(ctx, "bafkabc")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestBoltDB_ConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	db := newTestBoltDB(t)

	const n = 50
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := db.Insert(ctx, newRecord("bafkconcurrent", "same.txt"))
			assert.NoError(t, err)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[uint64]bool)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestCIDKeyRoundTrip(t *testing.T) {
	key := makeCIDKey("bafkreiabc", 258)
	cid, id, ok := parseCIDKey(key)
	require.True(t, ok)
	assert.Equal(t, "bafkreiabc", cid)
	assert.EqualValues(t, 258, id)

	_, _, ok = parseCIDKey([]byte("no-separator"))
	assert.False(t, ok)
}
