package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/webrecorder/recorder/warc"
	"github.com/webrecorder/recorder/warc/spool"
)

// copyChunk is the tee read size: small enough that the client sees
// response bytes promptly, matching spec.md §4.1's "each chunk is
// simultaneously forwarded ... and appended" requirement.
const copyChunk = 32 * 1024

// Request is the proxied request head and body the pipeline sends
// upstream, assembled by the Recorder Service from either the postreq
// body or the GET convenience form (spec.md §6).
type Request struct {
	Method  string
	URL     string
	Headers warc.HeaderFields
	Body    io.Reader
}

// Params carries the Collection Router's routing decision through a
// capture so it ends up on the resulting Transaction (spec.md §4.6).
type Params struct {
	User       string
	Coll       string
	SourceColl string
}

// Pipeline mediates one upstream HTTP round-trip at a time, grounded on
// CorentinB/warc's dialer.go tee pattern (io.MultiWriter over the client
// writer, a spill buffer, and a running digest) but operating at the
// net/http client/server level rather than a raw dialed connection, since
// the recorder proxies already-framed HTTP requests rather than
// intercepting a TCP stream.
type Pipeline struct {
	Client         *http.Client
	SpillDir       string
	SpillThreshold int
	Manager        *spool.Manager
}

// NewPipeline builds a Pipeline. client's Timeout governs the upstream
// read timeout (spec.md §5, default 60s if client.Timeout is zero).
func NewPipeline(client *http.Client, spillDir string, spillThreshold int, mgr *spool.Manager) *Pipeline {
	if client.Timeout == 0 {
		client.Timeout = 60 * time.Second
	}
	return &Pipeline{Client: client, SpillDir: spillDir, SpillThreshold: spillThreshold, Manager: mgr}
}

// Capture performs one round-trip: sends req to upstream, forwards the
// response head to w immediately, then tees the response body to w, a
// spool.Buffer, and a running SHA1 simultaneously. It returns the frozen
// Transaction on success, or a typed *Error when no transaction could be
// built at all (spec.md §4.1's edge cases).
func (p *Pipeline) Capture(ctx context.Context, w http.ResponseWriter, req Request, params Params) (*Transaction, error) {
	captureID := uuid.NewString()

	reqBuf := spool.New("req-"+captureID, p.SpillDir, p.SpillThreshold, false, 0)
	var reqBody io.Reader = req.Body
	if req.Body != nil {
		reqBody = io.TeeReader(req.Body, &meteredSpool{buf: reqBuf, mgr: p.Manager})
	}

	outReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, reqBody)
	if err != nil {
		reqBuf.Close()
		return nil, &Error{Kind: MalformedRequest, URL: req.URL, User: params.User, Coll: params.Coll, Err: err}
	}
	for _, f := range req.Headers {
		outReq.Header.Add(f.Name, f.Value)
	}

	if p.Manager != nil {
		p.Manager.Register(reqBuf)
		defer p.unregister(reqBuf)
	}

	resp, err := p.Client.Do(outReq)
	if err != nil {
		reqBuf.Close()
		return nil, &Error{Kind: classifyDoErr(err), URL: req.URL, User: params.User, Coll: params.Coll, Err: err}
	}
	defer resp.Body.Close()

	// Forward the response head before reading any body bytes — clients
	// must see headers without waiting for EOF.
	respHeaders := make(warc.HeaderFields, 0, len(resp.Header))
	for name, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(name, v)
			respHeaders.Add(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	respBuf := spool.New("resp-"+captureID, p.SpillDir, p.SpillThreshold, false, 0)
	if p.Manager != nil {
		p.Manager.Register(respBuf)
		defer p.unregister(respBuf)
	}

	digest := warc.NewDigester()
	truncated, clientGone := p.tee(w, resp.Body, respBuf, digest)

	txn := &Transaction{
		RequestMethod:   req.Method,
		RequestHeaders:  req.Headers,
		RequestBody:     reqBuf,
		ResponseStatus:  resp.StatusCode,
		ResponseReason:  http.StatusText(resp.StatusCode),
		ResponseHeaders: respHeaders,
		ResponseBody:    respBuf,
		Digest:          "sha1:" + warc.DigestString(digest),
		Timestamp:       time.Now().UTC(),
		TargetURI:       req.URL,
		User:            params.User,
		Coll:            params.Coll,
		SourceColl:      params.SourceColl,
		Truncated:       truncated,
	}
	if clientGone {
		// Client disconnect never surfaces to any caller (spec.md §7); the
		// transaction is still handed back, marked Truncated, and is
		// enqueued and written like any other.
		return txn, nil
	}
	return txn, nil
}

// tee copies src to dst, hashing every chunk into digest, and reports
// whether the body ended early (truncated) and whether the client write
// failed (clientGone) — spec.md §9's "distinguish client gone from
// upstream gone from disk full" requirement.
func (p *Pipeline) tee(dst io.Writer, src io.Reader, spillBuf *spool.Buffer, digest hash.Hash) (truncated, clientGone bool) {
	buf := make([]byte, copyChunk)
	flusher, _ := dst.(http.Flusher)
	sink := &meteredSpool{buf: spillBuf, mgr: p.Manager}

	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if !clientGone {
				if _, werr := dst.Write(chunk); werr != nil {
					clientGone = true
				} else if flusher != nil {
					flusher.Flush()
				}
			}
			digest.Write(chunk)
			sink.Write(chunk)
		}
		if rerr != nil {
			if !errors.Is(rerr, io.EOF) {
				truncated = true
			}
			break
		}
		if clientGone {
			truncated = true
			break
		}
	}
	return truncated, clientGone
}

// meteredSpool wraps a spool.Buffer so every Write is charged against the
// pipeline's Manager budget while the buffer is still resident, and the
// charge is given back immediately if that same write promotes it to disk.
// mgr may be nil, in which case it behaves exactly like spillBuf.Write.
type meteredSpool struct {
	buf *spool.Buffer
	mgr *spool.Manager
}

func (m *meteredSpool) Write(p []byte) (int, error) {
	wasResident := m.mgr != nil && m.buf.Name() == ""
	n, err := m.buf.Write(p)
	if wasResident && n > 0 {
		m.mgr.Reserve(n)
		if m.buf.Name() != "" {
			m.mgr.Release(n)
		}
	}
	return n, err
}

// unregister stops a buffer's eviction tracking and gives back any budget
// still reserved for bytes that never spilled — forceSpill-triggered
// releases already happened via meteredSpool/evict.
func (p *Pipeline) unregister(buf *spool.Buffer) {
	if p.Manager == nil {
		return
	}
	if buf.Name() == "" {
		p.Manager.Release(buf.Len())
	}
	p.Manager.Unregister(buf)
}

// classifyDoErr maps an http.Client.Do failure to UpstreamTimeout or
// UpstreamUnreachable depending on whether the deadline was the cause.
func classifyDoErr(err error) ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return UpstreamTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return UpstreamTimeout
	}
	return UpstreamUnreachable
}

// ParseHead parses a raw HTTP/1.1 request (the postreq body per spec.md
// §6) into a Request ready for Capture. The request line's target becomes
// Request.URL only if target is already absolute; otherwise callers must
// set URL explicitly (the postreq route supplies it via the ?url= query
// parameter instead).
func ParseHead(r io.Reader) (Request, error) {
	br := bufio.NewReader(r)
	line, err := br.ReadString('\n')
	if err != nil && line == "" {
		return Request{}, fmt.Errorf("capture: reading request line: %w", err)
	}
	method, target, ok := cutRequestLine(line)
	if !ok {
		return Request{}, fmt.Errorf("capture: malformed request line %q", line)
	}

	headers, err := warc.ParseHeaderFields(br)
	if err != nil && !errors.Is(err, io.EOF) {
		return Request{}, fmt.Errorf("capture: reading headers: %w", err)
	}

	body, err := io.ReadAll(br)
	if err != nil {
		return Request{}, fmt.Errorf("capture: reading body: %w", err)
	}

	req := Request{Method: method, Headers: headers}
	if u, perr := url.Parse(target); perr == nil && u.IsAbs() {
		req.URL = target
	}
	if len(body) > 0 {
		req.Body = bytes.NewReader(body)
	}
	return req, nil
}

// cutRequestLine splits a raw HTTP/1.1 request line into its method and
// target, discarding the trailing HTTP version token.
func cutRequestLine(line string) (method, target string, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	parts := strings.Fields(line)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
