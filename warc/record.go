package warc

import (
	"io"

	"github.com/webrecorder/recorder/warc/spool"
)

// Record types recognized by the writer and reader, per ISO 28500 (WARC 1.0).
const (
	TypeWARCInfo = "warcinfo"
	TypeResponse = "response"
	TypeRequest  = "request"
	TypeRevisit  = "revisit"
	TypeMetadata = "metadata"
)

// RevisitProfileIdenticalPayload is the only revisit profile this engine
// produces: a response whose payload digest matches a prior record.
const RevisitProfileIdenticalPayload = "http://netpreserve.org/warc/1.0/revisit/identical-payload-digest"

// Record is a single WARC record ready to be serialized: a header plus a
// content block. Content may be backed by memory or a spool.Buffer/temp
// file; Writer only ever reads it once, start to finish.
type Record struct {
	Header  Header
	Content io.ReadSeeker

	// Version is the WARC version line ("WARC/1.0") a Reader parsed this
	// record from; empty for records built for writing.
	Version string

	// Closer, if set, is called once the record has been fully written
	// (success or failure) to release any backing spool.Buffer or file.
	Closer io.Closer

	// Offset is the byte position of this record's gzip member / zstd
	// frame in the file it was read from. Zero for records built for
	// writing; only a Reader sets it.
	Offset int64
}

// Close releases the record's backing content, if any.
func (r *Record) Close() error {
	if r.Closer != nil {
		return r.Closer.Close()
	}
	return nil
}

// NewRecord creates an empty record with an initialized header.
func NewRecord() *Record {
	return &Record{Header: NewHeader()}
}

// NewRecordFromBuffer builds a Record whose content (and Close) are backed
// by a spool.Buffer, rewound to the start for reading.
func NewRecordFromBuffer(header Header, buf *spool.Buffer) (*Record, error) {
	if _, err := buf.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	return &Record{Header: header, Content: buf, Closer: buf}, nil
}
