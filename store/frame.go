package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

var (
	// frameMagic is the 4-byte prefix of every stored block.
	frameMagic = []byte("PGB1")

	errInvalidMagic   = errors.New("invalid magic bytes: expected PGB1")
	errHeaderTooLarge = errors.New("block header exceeds maximum size")
)

const (
	maxHeaderSize = 64 * 1024

	encodingIdentity = "identity"
	encodingZstd     = "zstd"

	// sampleSize is how much of a block is trial-compressed to pick an encoding.
	sampleSize = 64 * 1024
	// minCompressSize is the smallest block worth compressing.
	minCompressSize = 2 * 1024
)

// blockHeader precedes the body of a stored block.
type blockHeader struct {
	CID      string `json:"cid"`
	Length   int64  `json:"length"`
	Encoding string `json:"encoding"`
	StoredAt string `json:"stored_at"`
}

// sampleEncoder is shared; EncodeAll is safe for concurrent use.
var sampleEncoder *zstd.Encoder

func init() {
	var err error
	sampleEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
}

// chooseEncoding trial-compresses the first sampleSize bytes of r.
// r is rewound before returning.
func chooseEncoding(r io.ReadSeeker, size int64) (string, error) {
	if size < minCompressSize {
		return encodingIdentity, nil
	}

	sample := make([]byte, min(size, sampleSize))
	n, err := io.ReadFull(r, sample)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) {
		return "", fmt.Errorf("reading sample: %w", err)
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", fmt.Errorf("seeking content: %w", err)
	}

	compressed := sampleEncoder.EncodeAll(sample[:n], nil)
	// Require at least 10% savings.
	if len(compressed)*10 >= n*9 {
		return encodingIdentity, nil
	}
	return encodingZstd, nil
}

// writeFrame writes a framed block.
// Format: MAGIC (4 bytes) | HDRLEN (uint32 big-endian) | HDR (JSON) | BODY
// BODY is zstd-compressed when the header says so.
func writeFrame(w io.Writer, header *blockHeader, body io.Reader) error {
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshaling header: %w", err)
	}
	if len(headerBytes) > maxHeaderSize {
		return errHeaderTooLarge
	}

	if _, err := w.Write(frameMagic); err != nil {
		return fmt.Errorf("writing magic bytes: %w", err)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(headerBytes))); err != nil { //nolint:gosec // bounds-checked above
		return fmt.Errorf("writing header length: %w", err)
	}
	if _, err := w.Write(headerBytes); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	switch header.Encoding {
	case encodingIdentity:
		if _, err := io.Copy(w, body); err != nil {
			return fmt.Errorf("writing body: %w", err)
		}
	case encodingZstd:
		enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return fmt.Errorf("creating zstd encoder: %w", err)
		}
		if _, err := io.Copy(enc, body); err != nil {
			_ = enc.Close()
			return fmt.Errorf("compressing body: %w", err)
		}
		if err := enc.Close(); err != nil {
			return fmt.Errorf("flushing zstd encoder: %w", err)
		}
	default:
		return fmt.Errorf("unknown block encoding %q", header.Encoding)
	}
	return nil
}

// frameReader streams a framed block through a pipe so backends can consume
// it as a plain io.Reader. Close must be called to stop the encoder.
func frameReader(header *blockHeader, body io.Reader) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(writeFrame(pw, header, body))
	}()
	return pr
}

// readFrame parses the frame header and returns a decoded body stream.
func readFrame(r io.Reader) (*blockHeader, io.ReadCloser, error) {
	magic := make([]byte, len(frameMagic))
	if _, err := io.ReadFull(r, magic); err != nil {
		return nil, nil, fmt.Errorf("reading magic bytes: %w", err)
	}
	if !bytes.Equal(magic, frameMagic) {
		return nil, nil, errInvalidMagic
	}

	var headerLen uint32
	if err := binary.Read(r, binary.BigEndian, &headerLen); err != nil {
		return nil, nil, fmt.Errorf("reading header length: %w", err)
	}
	if headerLen > maxHeaderSize {
		return nil, nil, errHeaderTooLarge
	}

	headerBytes := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBytes); err != nil {
		return nil, nil, fmt.Errorf("reading header: %w", err)
	}
	var header blockHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, nil, fmt.Errorf("parsing header: %w", err)
	}

	switch header.Encoding {
	case encodingIdentity:
		return &header, io.NopCloser(r), nil
	case encodingZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, nil, fmt.Errorf("creating zstd decoder: %w", err)
		}
		return &header, dec.IOReadCloser(), nil
	default:
		return nil, nil, fmt.Errorf("unknown block encoding %q", header.Encoding)
	}
}
