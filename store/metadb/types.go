// Package metadb persists file records in bbolt.
package metadb

import "time"

// FileRecord describes one accepted upload. Records are written once and
// never modified.
type FileRecord struct {
	ID          uint64     `json:"id"`
	CID         string     `json:"cid"`
	Filename    string     `json:"filename"`
	MimeType    string     `json:"mime_type"`
	Size        int64      `json:"size"`
	OverflowKey string     `json:"overflow_key,omitempty"`
	OwnerID     string     `json:"owner_id"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

// HasOverflow reports whether the file was also written to the overflow store.
func (r *FileRecord) HasOverflow() bool {
	return r.OverflowKey != ""
}
