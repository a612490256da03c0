package warc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzip"
)

// countingWriter tracks bytes actually written to the underlying stream, so
// Writer can report the on-disk offset of each record for the CDX index
// (spec.md §3's OpenFile.bytes-written / §8 invariant 4).
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Writer serializes Records as gzip-framed WARC 1.0 records onto an
// append-only destination (normally an *OpenFile from the File Manager).
// Every record is its own gzip member (spec.md §4.2), so a reader can
// locate records by scanning gzip members without an external index.
type Writer struct {
	dest     *countingWriter
	filename string
	codec    Codec
}

// NewWriter wraps dest (already positioned at startOffset, i.e. an
// append-mode file whose current size is startOffset) for writing, using
// gzip per-record framing. filename is the basename recorded in
// warcinfo's WARC-Filename.
func NewWriter(dest io.Writer, filename string, startOffset int64) *Writer {
	return &Writer{dest: &countingWriter{w: dest, n: startOffset}, filename: filename, codec: CodecGzip}
}

// NewWriterWithCodec is NewWriter with an explicit per-record Codec.
func NewWriterWithCodec(dest io.Writer, filename string, startOffset int64, codec Codec) *Writer {
	return &Writer{dest: &countingWriter{w: dest, n: startOffset}, filename: filename, codec: codec}
}

// Offset returns the current byte position in the destination stream —
// where the next record, if written now, would begin.
func (w *Writer) Offset() int64 {
	return w.dest.n
}

// WriteRecord serializes r as a single gzip member and returns its
// record-id, the byte offset it started at, and its compressed length on
// disk. WARC-Date and WARC-Record-ID are filled in if absent; WARC-Type
// defaults to "resource" per WARC 1.0's fallback.
func (w *Writer) WriteRecord(r *Record) (recordID string, offset int64, length int64, err error) {
	if r.Header.Get("WARC-Date") == "" {
		r.Header.Set("WARC-Date", time.Now().UTC().Format(time.RFC3339Nano))
	}
	if r.Header.Get("WARC-Type") == "" {
		r.Header.Set("WARC-Type", "resource")
	}
	if r.Header.Get("WARC-Record-ID") == "" {
		recordID = uuid.NewString()
		r.Header.Set("WARC-Record-ID", "<urn:uuid:"+recordID+">")
	} else {
		recordID = strings.Trim(r.Header.Get("WARC-Record-ID"), "<>")
		recordID = strings.TrimPrefix(recordID, "urn:uuid:")
	}

	offset = w.Offset()

	// Assemble the uncompressed record (version line + headers + body +
	// trailer) in memory first: this lets the same bytes feed either
	// codec without duplicating the header/digest logic below.
	var plain bytes.Buffer
	plain.WriteString("WARC/1.0\r\n")

	if r.Header.Get("Content-Length") == "" {
		// Fallback path for records whose length wasn't precomputed by the
		// caller (e.g. a synthetic warcinfo/metadata record): buffer fully.
		data, rerr := io.ReadAll(r.Content)
		if rerr != nil {
			return recordID, offset, 0, rerr
		}
		r.Header.Set("Content-Length", strconv.Itoa(len(data)))
		if r.Header.Get("WARC-Block-Digest") == "" {
			r.Header.Set("WARC-Block-Digest", PayloadDigestHeader(SHA1DigestBytes(data)))
		}
		if err = writeHeaderLines(&plain, r.Header); err != nil {
			return recordID, offset, 0, err
		}
		plain.Write(data)
	} else {
		if err = writeHeaderLines(&plain, r.Header); err != nil {
			return recordID, offset, 0, err
		}
		if _, err = io.Copy(&plain, r.Content); err != nil {
			return recordID, offset, 0, err
		}
	}

	plain.WriteString("\r\n\r\n")

	switch w.codec {
	case CodecZstd:
		if _, err = writeZstdFrame(w.dest, plain.Bytes()); err != nil {
			return recordID, offset, 0, err
		}
	default:
		gz := gzip.NewWriter(w.dest)
		bw := bufio.NewWriter(gz)
		if _, err = bw.Write(plain.Bytes()); err != nil {
			gz.Close()
			return recordID, offset, 0, err
		}
		if err = bw.Flush(); err != nil {
			gz.Close()
			return recordID, offset, 0, err
		}
		if err = gz.Close(); err != nil {
			return recordID, offset, 0, err
		}
	}

	length = w.Offset() - offset
	return recordID, offset, length, nil
}

func writeHeaderLines(w io.Writer, h Header) error {
	for key, value := range h {
		if _, err := fmt.Fprintf(w, "%s: %s\r\n", canonicalWARCKey(key), value); err != nil {
			return err
		}
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// WriteWarcinfo emits a warcinfo record, recognizing the "software",
// "format", and "json-metadata" fields plus arbitrary caller-supplied
// ones, per spec.md §4.2. Returns the same (id, offset, length) triple as
// WriteRecord.
func (w *Writer) WriteWarcinfo(fields map[string]string) (recordID string, offset int64, length int64, err error) {
	r := NewRecord()
	r.Header.Set("WARC-Type", TypeWARCInfo)
	r.Header.Set("Content-Type", "application/warc-fields")
	r.Header.Set("WARC-Filename", w.filename)

	var body strings.Builder
	for k, v := range fields {
		fmt.Fprintf(&body, "%s: %s\r\n", k, v)
	}
	r.Content = strings.NewReader(body.String())

	return w.WriteRecord(r)
}

// WritePair writes the response record first, then the request record,
// sharing one WARC-Date and linked via WARC-Concurrent-To, per spec.md
// §4.2's ordering contract and §8 invariant 3. Returns offsets/lengths for
// both, in (response, request) order, for CDX row construction.
func (w *Writer) WritePair(response, request *Record) (respID string, respOffset, respLength int64, reqID string, reqOffset, reqLength int64, err error) {
	date := time.Now().UTC().Format(time.RFC3339Nano)
	if d := response.Header.Get("WARC-Date"); d != "" {
		date = d
	}
	response.Header.Set("WARC-Date", date)
	request.Header.Set("WARC-Date", date)

	respID, respOffset, respLength, err = w.WriteRecord(response)
	if err != nil {
		return
	}

	request.Header.Set("WARC-Concurrent-To", "<urn:uuid:"+respID+">")
	reqID, reqOffset, reqLength, err = w.WriteRecord(request)
	return
}
