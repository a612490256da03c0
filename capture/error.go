// Package capture implements the streaming tee/digest/spill pipeline that
// mediates one upstream HTTP round-trip and produces a Transaction ready
// for the writer queue (spec.md §4.1).
package capture

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a capture failure so the Recorder Service can apply
// the right propagation rule (spec.md §7): some kinds become an HTTP 400
// to the client, some are swallowed and only logged.
type ErrorKind int

const (
	// UpstreamUnreachable means the round-trip to upstream never got a
	// response head (connection refused, DNS failure, TLS failure, ...).
	UpstreamUnreachable ErrorKind = iota
	// UpstreamTimeout means the round-trip exceeded the configured
	// upstream read timeout before a response head arrived.
	UpstreamTimeout
	// ClientDisconnect means the client connection went away mid-body.
	ClientDisconnect
	// WriteFailure means the writer's disk append failed (disk full,
	// permission denied, ...).
	WriteFailure
	// IndexFailure means the dedup store was unreachable.
	IndexFailure
	// MalformedRequest means the proxied request head could not be parsed.
	MalformedRequest
	// FilterRejection is not an error: the source collection didn't match
	// accept_colls, so the transaction is proxied but never recorded.
	FilterRejection
)

func (k ErrorKind) String() string {
	switch k {
	case UpstreamUnreachable:
		return "upstream_unreachable"
	case UpstreamTimeout:
		return "upstream_timeout"
	case ClientDisconnect:
		return "client_disconnect"
	case WriteFailure:
		return "write_failure"
	case IndexFailure:
		return "index_failure"
	case MalformedRequest:
		return "malformed_request"
	case FilterRejection:
		return "filter_rejection"
	default:
		return "unknown"
	}
}

// Error is the typed error result the capture pipeline and writer loop
// return instead of raising ad hoc exceptions (spec.md §9's "error-by-
// exception inside streaming" redesign note). The fields here are exactly
// what a logrus.WithFields call needs: kind, url, user, coll.
type Error struct {
	Kind ErrorKind
	URL  string
	User string
	Coll string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture: %s: %s: %v", e.Kind, e.URL, e.Err)
	}
	return fmt.Sprintf("capture: %s: %s", e.Kind, e.URL)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf reports the ErrorKind carried by err, if any, via errors.As.
func KindOf(err error) (ErrorKind, bool) {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind, true
	}
	return 0, false
}
