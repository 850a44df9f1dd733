package pinning

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

// ErrInvalidCID is returned when a string is not a CID this gateway can serve.
var ErrInvalidCID = errors.New("invalid cid")

const blockKeyPrefix = "blocks"

// CIDFromHash wraps a BLAKE3 digest as a CIDv1 with the raw codec.
func CIDFromHash(h Hash) cid.Cid {
	return cid.NewCidV1(cid.Raw, h.Multihash())
}

// ComputeCID returns the CID of the given bytes.
func ComputeCID(data []byte) cid.Cid {
	return CIDFromHash(HashBytes(data))
}

// ParseCID decodes a CID string and extracts its BLAKE3 digest.
// Only raw-codec CIDs carrying a 32-byte BLAKE3 multihash are accepted.
func ParseCID(s string) (cid.Cid, Hash, error) {
	if s == "" {
		return cid.Undef, Hash{}, fmt.Errorf("%w: empty", ErrInvalidCID)
	}

	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, Hash{}, fmt.Errorf("%w %q: %w", ErrInvalidCID, s, err)
	}
	if c.Type() != cid.Raw {
		return cid.Undef, Hash{}, fmt.Errorf("%w %q: unsupported codec 0x%x", ErrInvalidCID, s, c.Type())
	}

	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return cid.Undef, Hash{}, fmt.Errorf("%w %q: %w", ErrInvalidCID, s, err)
	}
	if decoded.Code != mh.BLAKE3 || len(decoded.Digest) != HashSize {
		return cid.Undef, Hash{}, fmt.Errorf("%w %q: unsupported multihash %s", ErrInvalidCID, s, mh.Codes[decoded.Code])
	}

	var h Hash
	copy(h[:], decoded.Digest)
	return c, h, nil
}

// BlockKey returns the backend storage key for a block.
// Format: blocks/{next-to-last two chars}/{cid}
func BlockKey(c cid.Cid) string {
	s := c.String()
	return blockKeyPrefix + "/" + s[len(s)-3:len(s)-1] + "/" + s
}
