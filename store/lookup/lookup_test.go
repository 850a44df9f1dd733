package lookup

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func testEntry() *Entry {
	return &Entry{
		CID:       "bafkr4ifake",
		Filename:  "a.txt",
		MimeType:  "text/plain",
		Size:      10,
		CreatedAt: time.Date(2026, 5, 1, 8, 30, 0, 0, time.UTC),
	}
}

func TestKey(t *testing.T) {
	require.Equal(t, "file:42", Key(42))
}

func TestEntryCodec(t *testing.T) {
	e := testEntry()
	exp := e.CreatedAt.Add(time.Hour)
	e.ExpiresAt = &exp

	data, err := encodeEntry(e)
	require.NoError(t, err)
	got, err := decodeEntry(data)
	require.NoError(t, err)
	require.Equal(t, e.CID, got.CID)
	require.True(t, e.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.ExpiresAt)
	require.True(t, exp.Equal(*got.ExpiresAt))
}

func newTestRedis(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedis(client, nil), mr
}

func TestRedis(t *testing.T) {
	ctx := context.Background()

	t.Run("miss", func(t *testing.T) {
		c, _ := newTestRedis(t)
		_, err := c.Get(ctx, Key(1))
		require.ErrorIs(t, err, ErrMiss)
	})

	t.Run("set then get", func(t *testing.T) {
		c, mr := newTestRedis(t)
		require.NoError(t, c.Set(ctx, Key(1), testEntry(), DefaultTTL))

		got, err := c.Get(ctx, Key(1))
		require.NoError(t, err)
		require.Equal(t, "a.txt", got.Filename)
		require.Equal(t, DefaultTTL, mr.TTL(Key(1)))
	})

	t.Run("entry expires", func(t *testing.T) {
		c, mr := newTestRedis(t)
		require.NoError(t, c.Set(ctx, Key(1), testEntry(), time.Minute))

		mr.FastForward(2 * time.Minute)
		_, err := c.Get(ctx, Key(1))
		require.ErrorIs(t, err, ErrMiss)
	})

	t.Run("garbage value is a miss", func(t *testing.T) {
		c, mr := newTestRedis(t)
		require.NoError(t, mr.Set(Key(1), "not cbor"))

		_, err := c.Get(ctx, Key(1))
		require.ErrorIs(t, err, ErrMiss)
	})

	t.Run("server down is an error, not a miss", func(t *testing.T) {
		c, mr := newTestRedis(t)
		mr.Close()

		_, err := c.Get(ctx, Key(1))
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrMiss)
		require.Error(t, c.Set(ctx, Key(1), testEntry(), time.Minute))
	})
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := NewRedisClient(context.Background(), RedisConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	require.NoError(t, client.Close())

	_, err = NewRedisClient(context.Background(), RedisConfig{})
	require.Error(t, err)
}

func TestMemory(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	m := NewMemory(2, 0)
	m.now = func() time.Time { return now }

	_, err := m.Get(ctx, Key(1))
	require.ErrorIs(t, err, ErrMiss)

	require.NoError(t, m.Set(ctx, Key(1), testEntry(), time.Hour))
	got, err := m.Get(ctx, Key(1))
	require.NoError(t, err)
	require.Equal(t, "bafkr4ifake", got.CID)

	// Returned entries are copies.
	got.Filename = "changed"
	again, err := m.Get(ctx, Key(1))
	require.NoError(t, err)
	require.Equal(t, "a.txt", again.Filename)

	now = now.Add(2 * time.Hour)
	_, err = m.Get(ctx, Key(1))
	require.ErrorIs(t, err, ErrMiss)
	require.Zero(t, m.Len())
}

func TestMemoryEvictsOldest(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2, time.Hour)

	for id := uint64(1); id <= 3; id++ {
		require.NoError(t, m.Set(ctx, Key(id), testEntry(), time.Hour))
	}
	require.Equal(t, 2, m.Len())

	_, err := m.Get(ctx, Key(1))
	require.ErrorIs(t, err, ErrMiss)
}

func TestNop(t *testing.T) {
	var c Cache = Nop{}
	require.NoError(t, c.Set(context.Background(), Key(1), testEntry(), time.Hour))
	_, err := c.Get(context.Background(), Key(1))
	require.ErrorIs(t, err, ErrMiss)
}
