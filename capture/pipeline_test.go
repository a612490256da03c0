package capture

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCaptureBasicRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"foo": "bar"}`))
	}))
	defer upstream.Close()

	p := NewPipeline(upstream.Client(), t.TempDir(), 1024, nil)
	rec := httptest.NewRecorder()

	txn, err := p.Capture(context.Background(), rec, Request{Method: "GET", URL: upstream.URL + "/get"}, Params{User: "USER", Coll: "COLL"})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("client status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"foo": "bar"`) {
		t.Errorf("client body = %q, missing expected payload", rec.Body.String())
	}
	if txn.ResponseLength() != int64(len(`{"foo": "bar"}`)) {
		t.Errorf("ResponseLength() = %d, want %d", txn.ResponseLength(), len(`{"foo": "bar"}`))
	}
	if txn.Digest == "" || !strings.HasPrefix(txn.Digest, "sha1:") {
		t.Errorf("Digest = %q, want sha1:... prefix", txn.Digest)
	}
	if txn.Truncated {
		t.Errorf("Truncated = true, want false for a clean body")
	}
	defer txn.Close()
}

func TestCaptureEmptyBodyDigestsEmptyString(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer upstream.Close()

	p := NewPipeline(upstream.Client(), t.TempDir(), 1024, nil)
	rec := httptest.NewRecorder()

	txn, err := p.Capture(context.Background(), rec, Request{Method: "GET", URL: upstream.URL}, Params{})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	defer txn.Close()

	if txn.Digest != "sha1:"+emptySHA1Base32 {
		t.Errorf("Digest = %q, want sha1 of empty body", txn.Digest)
	}
}

func TestCaptureUpstreamUnreachableReturnsTypedError(t *testing.T) {
	p := NewPipeline(http.DefaultClient, t.TempDir(), 1024, nil)
	rec := httptest.NewRecorder()

	_, err := p.Capture(context.Background(), rec, Request{Method: "GET", URL: "http://127.0.0.1:1"}, Params{})
	if err == nil {
		t.Fatal("expected an error for an unreachable upstream")
	}
	kind, ok := KindOf(err)
	if !ok || kind != UpstreamUnreachable {
		t.Errorf("KindOf(err) = %v, %v; want UpstreamUnreachable, true", kind, ok)
	}
}

func TestCaptureHeaderFieldsPreserveDuplicatesAndOrder(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := NewPipeline(upstream.Client(), t.TempDir(), 1024, nil)
	rec := httptest.NewRecorder()

	txn, err := p.Capture(context.Background(), rec, Request{Method: "GET", URL: upstream.URL}, Params{})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	defer txn.Close()

	if got := txn.ResponseHeaders.Values("Set-Cookie"); len(got) != 2 || got[0] != "a=1" || got[1] != "b=2" {
		t.Errorf("ResponseHeaders.Values(Set-Cookie) = %v, want [a=1 b=2]", got)
	}
}

func TestCaptureRequestBodyIsSpooledAlongsideForwarding(t *testing.T) {
	var observed string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		observed = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	p := NewPipeline(upstream.Client(), t.TempDir(), 1024, nil)
	rec := httptest.NewRecorder()

	txn, err := p.Capture(context.Background(), rec, Request{
		Method: "POST",
		URL:    upstream.URL,
		Body:   strings.NewReader("payload"),
	}, Params{})
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	defer txn.Close()

	if observed != "payload" {
		t.Fatalf("upstream observed body %q, want %q", observed, "payload")
	}
	if txn.RequestBody == nil || txn.RequestBody.Len() != len("payload") {
		t.Errorf("RequestBody not spooled alongside forwarding")
	}
}

func TestParseHeadRejectsMalformedLine(t *testing.T) {
	_, err := ParseHead(strings.NewReader("justoneword\r\n\r\n"))
	if err == nil {
		t.Fatal("expected an error for a malformed request line")
	}
}

func TestParseHeadParsesMethodHeadersAndBody(t *testing.T) {
	raw := "GET /get HTTP/1.1\r\nHost: httpbin.org\r\nX-Other: foo\r\n\r\nbody-bytes"
	req, err := ParseHead(strings.NewReader(raw))
	if err != nil {
		t.Fatalf("ParseHead: %v", err)
	}
	if req.Method != "GET" {
		t.Errorf("Method = %q, want GET", req.Method)
	}
	if got := req.Headers.Get("X-Other"); got != "foo" {
		t.Errorf("Headers.Get(X-Other) = %q, want foo", got)
	}
	b, _ := io.ReadAll(req.Body)
	if string(b) != "body-bytes" {
		t.Errorf("Body = %q, want body-bytes", b)
	}
}

// emptySHA1Base32 is the base32-uppercase SHA1 of the empty string,
// precomputed so TestCaptureEmptyBodyDigestsEmptyString doesn't need to
// import crypto/sha1 just to recompute a constant.
const emptySHA1Base32 = "3I42H3S6NNFQ2MSVX7XZKYAYSCX5QBYJ"
