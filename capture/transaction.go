package capture

import (
	"time"

	"github.com/webrecorder/recorder/warc"
	"github.com/webrecorder/recorder/warc/spool"
)

// Transaction is one captured HTTP round-trip, built during streaming and
// consumed exactly once by the writer (spec.md §3 CapturedTransaction).
type Transaction struct {
	RequestMethod  string
	RequestHeaders warc.HeaderFields
	RequestBody    *spool.Buffer

	ResponseStatus  int
	ResponseReason  string
	ResponseHeaders warc.HeaderFields
	ResponseBody    *spool.Buffer

	// Digest is "sha1:<base32>" of ResponseBody, computed as the body
	// streamed past — never by re-reading the (possibly spilled) copy.
	Digest string

	Timestamp time.Time
	TargetURI string
	RemoteIP  string

	User string
	Coll string
	// SourceColl is the upstream-supplied WebAgg-Source-Coll value.
	SourceColl string

	// Truncated is set when the upstream body ended early (read error or
	// client disconnect) rather than at a clean EOF.
	Truncated bool
}

// ResponseLength reports how many response-body bytes were actually seen,
// the value that becomes the response record's Content-Length (spec.md
// §8 invariant 1).
func (t *Transaction) ResponseLength() int64 {
	if t.ResponseBody == nil {
		return 0
	}
	return int64(t.ResponseBody.Len())
}

// Close releases both spooled bodies, removing any spill files. Safe to
// call once the writer has finished with the transaction, or immediately
// on an aborted capture.
func (t *Transaction) Close() error {
	var firstErr error
	if t.RequestBody != nil {
		if err := t.RequestBody.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if t.ResponseBody != nil {
		if err := t.ResponseBody.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
