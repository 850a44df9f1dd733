package metadb

import (
	"bytes"
	"encoding/binary"
)

// Bucket names for bbolt storage.
var (
	bucketFiles      = []byte("files")        // 8-byte id -> FileRecord JSON
	bucketFilesByCID = []byte("files_by_cid") // cid|0|8-byte id -> nil
)

// encodeID converts an id to a fixed-width big-endian key so that bbolt's
// byte ordering matches insertion order.
func encodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func decodeID(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b[:8])
}

// makeCIDKey creates a key for the files_by_cid index.
// Format: [cid][separator][8-byte id]
func makeCIDKey(cid string, id uint64) []byte {
	key := make([]byte, 0, len(cid)+1+8)
	key = append(key, cid...)
	key = append(key, 0)
	return append(key, encodeID(id)...)
}

// cidPrefix returns the index prefix shared by every record for cid.
func cidPrefix(cid string) []byte {
	return append([]byte(cid), 0)
}

// parseCIDKey extracts the record id from a files_by_cid key.
func parseCIDKey(key []byte) (cid string, id uint64, ok bool) {
	i := bytes.IndexByte(key, 0)
	if i < 0 || len(key)-i-1 != 8 {
		return "", 0, false
	}
	return string(key[:i]), decodeID(key[i+1:]), true
}
