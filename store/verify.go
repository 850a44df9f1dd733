package store

import (
	"fmt"
	"io"

	pinning "github.com/kalio007/ipfs-pinning-infra"
)

// verifyingReader hashes a block as it streams and checks the digest at EOF.
// A mismatch surfaces as ErrCorrupted from Read.
type verifyingReader struct {
	hr      *pinning.HashingReader
	want    pinning.Hash
	size    int64 // expected length, -1 if unknown
	closeFn func() error
	err     error
}

func newVerifyingReader(r io.Reader, want pinning.Hash, size int64, closeFn func() error) *verifyingReader {
	return &verifyingReader{
		hr:      pinning.NewHashingReader(r),
		want:    want,
		size:    size,
		closeFn: closeFn,
	}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	if v.err != nil {
		return 0, v.err
	}

	n, err := v.hr.Read(p)
	if v.size >= 0 && v.hr.BytesRead() > v.size {
		v.err = fmt.Errorf("%w: block longer than %d bytes", ErrCorrupted, v.size)
		return n, v.err
	}
	if err == io.EOF {
		if v.size >= 0 && v.hr.BytesRead() != v.size {
			v.err = fmt.Errorf("%w: read %d bytes, expected %d", ErrCorrupted, v.hr.BytesRead(), v.size)
			return n, v.err
		}
		if got := v.hr.Sum(); got != v.want {
			v.err = fmt.Errorf("%w: content hashes to %s (digest %s), expected digest %s",
				ErrCorrupted, v.hr.CID(), got.ShortString(), v.want.ShortString())
			return n, v.err
		}
	}
	if err != nil {
		v.err = err
	}
	return n, err
}

func (v *verifyingReader) Close() error {
	if v.closeFn == nil {
		return nil
	}
	fn := v.closeFn
	v.closeFn = nil
	return fn()
}
