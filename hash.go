// Package pinning holds the content-addressing primitives shared by the
// gateway: BLAKE3 digests and the CIDs derived from them.
package pinning

import (
	"encoding/hex"
	"fmt"
	"io"

	mh "github.com/multiformats/go-multihash"
	"github.com/zeebo/blake3"
)

// HashSize is the size of a BLAKE3 digest in bytes.
const HashSize = 32

// Hash is a BLAKE3-256 digest of a file's bytes.
type Hash [HashSize]byte

func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// ShortString returns the first 8 bytes in hex, for log lines.
func (h Hash) ShortString() string {
	return hex.EncodeToString(h[:8])
}

// Multihash returns the digest tagged with the blake3 multihash code.
func (h Hash) Multihash() mh.Multihash {
	buf, err := mh.Encode(h[:], mh.BLAKE3)
	if err != nil {
		// mh.Encode only fails for digests longer than the varint limit.
		panic(fmt.Sprintf("encoding blake3 multihash: %v", err))
	}
	return mh.Multihash(buf)
}

// ParseHash decodes a hex digest as printed by String.
func ParseHash(s string) (Hash, error) {
	if len(s) != HashSize*2 {
		return Hash{}, fmt.Errorf("invalid hash length: expected %d hex chars, got %d", HashSize*2, len(s))
	}
	var h Hash
	if _, err := hex.Decode(h[:], []byte(s)); err != nil {
		return Hash{}, fmt.Errorf("invalid hash: %w", err)
	}
	return h, nil
}

// HashBytes digests data in memory.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// HashReader digests everything r yields and reports how many bytes that was.
func HashReader(r io.Reader) (Hash, int64, error) {
	hr := NewHashingReader(r)
	if _, err := io.Copy(io.Discard, hr); err != nil {
		return Hash{}, hr.BytesRead(), fmt.Errorf("hashing content: %w", err)
	}
	return hr.Sum(), hr.BytesRead(), nil
}

// HashingReader digests bytes as they pass through to the caller.
type HashingReader struct {
	r io.Reader
	h *blake3.Hasher
	n int64
}

func NewHashingReader(r io.Reader) *HashingReader {
	return &HashingReader{r: r, h: blake3.New()}
}

func (hr *HashingReader) Read(p []byte) (int, error) {
	n, err := hr.r.Read(p)
	if n > 0 {
		_, _ = hr.h.Write(p[:n])
		hr.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of everything read so far.
func (hr *HashingReader) Sum() Hash {
	var hash Hash
	hr.h.Sum(hash[:0])
	return hash
}

// CID returns the CID of everything read so far.
func (hr *HashingReader) CID() string {
	return CIDFromHash(hr.Sum()).String()
}

func (hr *HashingReader) BytesRead() int64 {
	return hr.n
}
