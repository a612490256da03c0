package warc

import (
	"bufio"
	"io"
	"strings"
	"testing"
)

func TestHeaderFilterAppliesExclusions(t *testing.T) {
	var fields HeaderFields
	fields.Add("Content-Type", "text/html")
	fields.Add("Set-Cookie", "a=1")
	fields.Add("Set-Cookie", "b=2")

	filter := NewHeaderFilter("Set-Cookie")
	got := filter.Apply(fields)

	if len(got) != 1 || got[0].Name != "Content-Type" {
		t.Fatalf("Apply() = %+v, want only Content-Type", got)
	}
	if len(fields.Values("Set-Cookie")) != 2 {
		t.Error("Apply mutated the original HeaderFields")
	}
}

func TestHeaderFilterNilPassesThrough(t *testing.T) {
	var fields HeaderFields
	fields.Add("X-Test", "1")

	var filter *HeaderFilter
	got := filter.Apply(fields)
	if len(got) != 1 {
		t.Fatalf("nil filter Apply() = %+v, want passthrough", got)
	}
}

func TestRenderHTTPMessageComposesStatusLineHeadersAndBody(t *testing.T) {
	var headers HeaderFields
	headers.Add("Content-Type", "application/json")

	msg := RenderHTTPMessage("HTTP/1.1 200 OK", headers, strings.NewReader(`{"a":1}`))
	data, err := io.ReadAll(msg)
	if err != nil {
		t.Fatalf("reading rendered message: %v", err)
	}

	want := "HTTP/1.1 200 OK\r\nContent-Type: application/json\r\n\r\n" + `{"a":1}`
	if string(data) != want {
		t.Errorf("got %q, want %q", data, want)
	}
}

func TestParseHeaderFieldsPreservesOrderAndDuplicates(t *testing.T) {
	raw := "Content-Type: text/plain\r\nSet-Cookie: a=1\r\nSet-Cookie: b=2\r\n\r\n"
	fields, err := ParseHeaderFields(bufio.NewReader(strings.NewReader(raw)))
	if err != nil && err != io.EOF {
		t.Fatalf("ParseHeaderFields: %v", err)
	}
	if len(fields) != 3 {
		t.Fatalf("got %d fields, want 3: %+v", len(fields), fields)
	}
	if fields[0].Name != "Content-Type" || fields[1].Value != "a=1" || fields[2].Value != "b=2" {
		t.Errorf("fields out of order or wrong values: %+v", fields)
	}
}
