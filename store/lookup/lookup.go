// Package lookup is the read-through cache in front of the metadata store.
// Entries are keyed by record id and expire after a TTL; a miss, an expired
// entry or an unreachable cache all mean "ask the metadata store".
package lookup

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// DefaultTTL is the lifetime of a cache entry.
const DefaultTTL = 24 * time.Hour

// ErrMiss is returned by Get when no live entry exists for a key.
var ErrMiss = errors.New("lookup: cache miss")

// Entry is the cached projection of a file record.
type Entry struct {
	CID       string     `cbor:"1,keyasint"`
	Filename  string     `cbor:"2,keyasint"`
	MimeType  string     `cbor:"3,keyasint"`
	Size      int64      `cbor:"4,keyasint"`
	CreatedAt time.Time  `cbor:"5,keyasint"`
	ExpiresAt *time.Time `cbor:"6,keyasint,omitempty"`
}

// Cache stores entries with a TTL.
type Cache interface {
	// Get returns the entry for key, or ErrMiss.
	Get(ctx context.Context, key string) (*Entry, error)

	// Set stores e under key for ttl.
	Set(ctx context.Context, key string, e *Entry, ttl time.Duration) error
}

// Key returns the cache key for a record id.
func Key(id uint64) string {
	return "file:" + strconv.FormatUint(id, 10)
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("lookup: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("lookup: CBOR decoder initialization failed: " + err.Error())
	}
}

func encodeEntry(e *Entry) ([]byte, error) {
	return encMode.Marshal(e)
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := decMode.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
