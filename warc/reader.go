package warc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// Reader demultiplexes a WARC file one record frame at a time (gzip member
// or length-prefixed zstd frame, per Codec), the inverse of Writer. Used by
// the dedup index's offline consistency checks, cmd/warc's extract/verify
// subcommands, and round-trip tests.
type Reader struct {
	src     *bufio.Reader
	gz      *gzip.Reader
	counted *countingReader
}

// countingReader tracks total bytes read from the underlying source,
// letting Reader recover a record's file offset as counted.n minus
// whatever the wrapping bufio.Reader still has buffered and unread.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// NewReader wraps r for sequential record reading.
func NewReader(r io.Reader) *Reader {
	cr := &countingReader{r: r}
	return &Reader{src: bufio.NewReader(cr), counted: cr}
}

func (r *Reader) position() int64 {
	return r.counted.n - int64(r.src.Buffered())
}

// ReadRecord returns the next record. eol is true once the stream is
// exhausted (record is nil in that case); err is non-nil only on a
// malformed stream.
func (r *Reader) ReadRecord() (record *Record, eol bool, err error) {
	empty, peekErr := r.atEOF()
	if peekErr != nil {
		return nil, false, peekErr
	}
	if empty {
		return nil, true, nil
	}

	startOffset := r.position()

	isZstd, err := guessZstd(r.src)
	if err != nil {
		return nil, false, fmt.Errorf("warc: detecting frame codec: %w", err)
	}

	var plain []byte
	if isZstd {
		plain, err = readZstdFrame(r.src)
		if err != nil {
			return nil, false, fmt.Errorf("warc: reading zstd frame: %w", err)
		}
	} else {
		if r.gz == nil {
			r.gz, err = newGzipMemberReader(r.src)
			if err != nil {
				return nil, false, fmt.Errorf("warc: opening gzip member: %w", err)
			}
		} else {
			if err = r.gz.Reset(r.src); err != nil {
				if err == io.EOF {
					return nil, true, nil
				}
				return nil, false, fmt.Errorf("warc: resetting gzip member: %w", err)
			}
			r.gz.Multistream(false)
		}
		plain, err = io.ReadAll(r.gz)
		if err != nil {
			return nil, false, fmt.Errorf("warc: reading gzip member: %w", err)
		}
	}

	memberReader := bufio.NewReader(bytes.NewReader(plain))

	version, err := readCRLFLine(memberReader)
	if err != nil {
		return nil, false, fmt.Errorf("warc: reading version line: %w", err)
	}

	header, err := parseWARCHeader(memberReader)
	if err != nil {
		return nil, false, fmt.Errorf("warc: parsing header block: %w", err)
	}

	body, err := io.ReadAll(memberReader)
	if err != nil {
		return nil, false, fmt.Errorf("warc: reading record body: %w", err)
	}
	body = bytes.TrimSuffix(body, []byte("\r\n\r\n"))

	return &Record{Header: header, Content: bytes.NewReader(body), Version: version, Offset: startOffset}, false, nil
}

func (r *Reader) atEOF() (bool, error) {
	_, err := r.src.Peek(1)
	if err == io.EOF {
		return true, nil
	}
	return false, err
}

func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return trimCRLF(line), nil
}

func trimCRLF(s string) string {
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

func parseWARCHeader(r *bufio.Reader) (Header, error) {
	h := NewHeader()
	for {
		line, err := r.ReadString('\n')
		trimmed := trimCRLF(line)
		if trimmed == "" {
			if err != nil {
				return h, err
			}
			return h, nil
		}
		if key, value, ok := splitHeaderLine(trimmed); ok {
			h.Set(key, value)
		}
		if err != nil {
			return h, err
		}
	}
}

func splitHeaderLine(line string) (key, value string, ok bool) {
	idx := bytes.IndexByte([]byte(line), ':')
	if idx < 0 {
		return "", "", false
	}
	key = line[:idx]
	value = line[idx+1:]
	for len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	return key, value, true
}
