package warc

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
)

// HeaderField is a single HTTP header line, kept in arrival order.
type HeaderField struct {
	Name  string
	Value string
}

// HeaderFields is an ordered, duplicate-preserving list of HTTP headers,
// as they appear on the wire. Unlike warc.Header (single-valued, used for
// WARC record fields), HeaderFields must be able to carry repeated names
// such as Set-Cookie, and must preserve the client's original ordering.
type HeaderFields []HeaderField

// Add appends a header field, preserving any existing fields of the same name.
func (h *HeaderFields) Add(name, value string) {
	*h = append(*h, HeaderField{Name: name, Value: value})
}

// Values returns every value recorded under name (case-insensitive).
func (h HeaderFields) Values(name string) []string {
	var out []string
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			out = append(out, f.Value)
		}
	}
	return out
}

// Get returns the first value recorded under name, or "" if absent.
func (h HeaderFields) Get(name string) string {
	for _, f := range h {
		if strings.EqualFold(f.Name, name) {
			return f.Value
		}
	}
	return ""
}

// WriteTo writes the header fields as CRLF-terminated "Name: Value" lines.
func (h HeaderFields) WriteTo(w io.Writer) (int64, error) {
	var n int64
	for _, f := range h {
		written, err := fmt.Fprintf(w, "%s: %s\r\n", f.Name, f.Value)
		n += int64(written)
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

// ParseHeaderFields reads CRLF-terminated "Name: Value" lines from r until
// a blank line or EOF, preserving order and duplicates.
func ParseHeaderFields(r *bufio.Reader) (HeaderFields, error) {
	var fields HeaderFields
	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			if err != nil {
				return fields, err
			}
			return fields, nil
		}
		if name, value, ok := strings.Cut(trimmed, ":"); ok {
			fields.Add(strings.TrimSpace(name), strings.TrimSpace(value))
		}
		if err != nil {
			return fields, err
		}
	}
}

// HeaderFilter is a predicate over header names, applied independently to
// request and response headers before WARC serialization. It never touches
// body bytes; digests are always computed over the original payload.
//
// The filter does not strip hop-by-hop headers automatically — callers
// list them explicitly via ExcludeHeaders, matching spec.md §4.5.
type HeaderFilter struct {
	excluded map[string]struct{}
}

// NewHeaderFilter builds a filter that drops the named headers
// (case-insensitive) on Apply.
func NewHeaderFilter(names ...string) *HeaderFilter {
	f := &HeaderFilter{excluded: make(map[string]struct{}, len(names))}
	for _, n := range names {
		f.excluded[strings.ToLower(n)] = struct{}{}
	}
	return f
}

// Apply returns a copy of fields with every excluded header name dropped.
// A nil receiver passes fields through unchanged, so callers may leave the
// filter unset.
func (f *HeaderFilter) Apply(fields HeaderFields) HeaderFields {
	if f == nil || len(f.excluded) == 0 {
		return fields
	}
	out := make(HeaderFields, 0, len(fields))
	for _, field := range fields {
		if _, drop := f.excluded[strings.ToLower(field.Name)]; drop {
			continue
		}
		out = append(out, field)
	}
	return out
}

// httpMessageReader composes a rendered header block and a payload body
// into a single io.ReadSeeker for Record.Content. Writer.WriteRecord only
// ever reads a record's content once, start to finish, so Seek is left
// unimplemented — it exists only to satisfy the interface.
type httpMessageReader struct {
	io.Reader
}

func (httpMessageReader) Seek(int64, int) (int64, error) {
	return 0, errors.New("warc: http message reader does not support seeking")
}

// RenderHTTPMessage composes an HTTP/1.1 status or request line, a header
// block, and a body into the payload block a response/request/revisit
// WARC record's Content expects (spec.md §4.2).
func RenderHTTPMessage(firstLine string, headers HeaderFields, body io.Reader) io.ReadSeeker {
	var head bytes.Buffer
	head.WriteString(firstLine)
	head.WriteString("\r\n")
	headers.WriteTo(&head)
	head.WriteString("\r\n")
	if body == nil {
		return httpMessageReader{Reader: &head}
	}
	return httpMessageReader{Reader: io.MultiReader(&head, body)}
}
