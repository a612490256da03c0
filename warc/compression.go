package warc

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Codec selects the per-record compression used by Writer/Reader. Gzip is
// the interoperable default (ISO 28500's one-gzip-member-per-record
// framing); Zstd trades that interop for a faster/smaller codec and needs
// its own length-prefix framing since, unlike gzip, a zstd frame read from
// a shared stream does not reliably stop itself at the frame boundary.
type Codec int

const (
	CodecGzip Codec = iota
	CodecZstd
)

var gzipMagic = []byte{0x1f, 0x8b}
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// guessZstd peeks past the 8-byte length prefix of r to detect the zstd
// magic of a length-prefixed zstd record frame (see Codec doc).
func guessZstd(b *bufio.Reader) (bool, error) {
	head, err := b.Peek(8 + len(zstdMagic))
	if err != nil {
		if err == io.EOF {
			return false, nil
		}
		return false, err
	}
	return bytes.Equal(head[8:], zstdMagic), nil
}

// newGzipMemberReader wraps r (already positioned at a gzip member's start)
// in a gzip.Reader with multistream disabled, so Read stops cleanly at the
// member's trailer instead of continuing into the next concatenated member.
func newGzipMemberReader(r io.Reader) (*gzip.Reader, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, err
	}
	zr.Multistream(false)
	return zr, nil
}

// writeZstdFrame compresses data and writes it to w prefixed with an 8-byte
// big-endian length, so a reader sharing the stream with other records
// knows exactly how many bytes the frame occupies.
func writeZstdFrame(w io.Writer, data []byte) (int64, error) {
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return 0, err
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return 0, err
	}
	if err := enc.Close(); err != nil {
		return 0, err
	}

	var lenPrefix [8]byte
	binary.BigEndian.PutUint64(lenPrefix[:], uint64(buf.Len()))

	n1, err := w.Write(lenPrefix[:])
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(buf.Bytes())
	return int64(n1 + n2), err
}

// readZstdFrame reads an 8-byte length prefix from r followed by that many
// compressed bytes, and returns the decompressed payload.
func readZstdFrame(r io.Reader) ([]byte, error) {
	var lenPrefix [8]byte
	if _, err := io.ReadFull(r, lenPrefix[:]); err != nil {
		return nil, err
	}
	frameLen := binary.BigEndian.Uint64(lenPrefix[:])

	compressed := make([]byte, frameLen)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}

	dec, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}
