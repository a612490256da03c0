package recorder

import (
	"context"
	"io"
	"net/url"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/webrecorder/recorder/capture"
	"github.com/webrecorder/recorder/cdx"
	"github.com/webrecorder/recorder/dedup"
	"github.com/webrecorder/recorder/warc"
	"github.com/webrecorder/recorder/warc/spool"
)

// Writer is the single dedicated task that owns the file-handle cache and
// the dedup index connection (spec.md §5): every transaction flows
// through one blocking queue, eliminating the need for per-file locks.
type Writer struct {
	cfg    Config
	fm     *warc.FileManager
	idx    dedup.Index
	policy dedup.Policy
	filter *warc.HeaderFilter
	tmpl   *warc.PathTemplate

	queue   chan *capture.Transaction
	done    chan struct{}
	runner  sync.Once
	started int32
}

// NewWriter builds a Writer around an already-constructed FileManager and
// dedup Index. fm's codec and warcinfo fields should already reflect cfg.
func NewWriter(cfg Config, fm *warc.FileManager, idx dedup.Index) *Writer {
	return &Writer{
		cfg:    cfg,
		fm:     fm,
		idx:    idx,
		policy: cfg.DedupPolicy.policy(),
		filter: warc.NewHeaderFilter(cfg.ExcludeHeaders...),
		tmpl:   warc.Compile(cfg.archivePath()),
		queue:  make(chan *capture.Transaction, cfg.highWatermark()),
		done:   make(chan struct{}),
	}
}

// Start launches the writer goroutine. Safe to call once; subsequent
// calls are no-ops.
func (w *Writer) Start() {
	w.runner.Do(func() {
		atomic.StoreInt32(&w.started, 1)
		go w.run()
	})
}

func (w *Writer) run() {
	defer close(w.done)
	for txn := range w.queue {
		if err := w.process(txn); err != nil {
			logrus.WithFields(logrus.Fields{
				"user": txn.User,
				"coll": txn.Coll,
				"url":  txn.TargetURI,
			}).Errorf("recorder: write failed: %v", err)
		}
	}
}

// Enqueue hands txn to the writer, blocking only once the queue exceeds
// its high-watermark (spec.md §5's backpressure contract). The caller
// does not wait for the write itself to finish — the client response was
// already streamed independently by the capture pipeline.
func (w *Writer) Enqueue(ctx context.Context, txn *capture.Transaction) error {
	select {
	case w.queue <- txn:
		return nil
	case <-ctx.Done():
		txn.Close()
		return ctx.Err()
	}
}

// DrainOne synchronously processes exactly one queued transaction and
// returns its result, the test-only hook spec.md §9 asks for in place of
// driving the production queue asynchronously.
func (w *Writer) DrainOne() error {
	txn, ok := <-w.queue
	if !ok {
		return nil
	}
	return w.process(txn)
}

// Close stops accepting new work. If Start was called, it waits for the
// goroutine to drain the queue and exit; otherwise (tests driving
// DrainOne directly) it returns immediately.
func (w *Writer) Close() {
	close(w.queue)
	if atomic.LoadInt32(&w.started) == 1 {
		<-w.done
	}
}

func (w *Writer) process(txn *capture.Transaction) (err error) {
	defer txn.Close()

	existing, lookupErr := w.lookup(txn)
	if lookupErr != nil {
		return lookupErr
	}

	action := w.policy.Decide(txn.Digest, existing)
	switch action {
	case dedup.ActionSkip:
		return nil
	case dedup.ActionWriteRevisit:
		return w.writeRevisitOnly(txn, existing)
	case dedup.ActionWriteDupe:
		if err := w.writeFull(txn); err != nil {
			return err
		}
		return w.insertDupeRevisitRow(txn, existing)
	default:
		return w.writeFull(txn)
	}
}

// lookup consults the dedup index, honoring IndexFailureMode on error.
func (w *Writer) lookup(txn *capture.Transaction) (*cdx.Entry, error) {
	if w.idx == nil {
		return nil, nil
	}
	existing, err := w.idx.Lookup(context.Background(), txn.User, txn.Coll, txn.Digest)
	if err != nil {
		if w.cfg.IndexFailureMode == IndexFailureLenient {
			logrus.Warnf("recorder: dedup index unavailable, writing without dedup check: %v", err)
			return nil, nil
		}
		return nil, &capture.Error{Kind: capture.IndexFailure, URL: txn.TargetURI, User: txn.User, Coll: txn.Coll, Err: err}
	}
	return existing, nil
}

// writeFull writes the response+request pair and inserts its CDX row.
func (w *Writer) writeFull(txn *capture.Transaction) error {
	of, err := w.fm.Get(w.tmpl, warc.TemplateContext{User: txn.User, Coll: txn.Coll})
	if err != nil {
		return &capture.Error{Kind: capture.WriteFailure, URL: txn.TargetURI, User: txn.User, Coll: txn.Coll, Err: err}
	}

	response, request := w.buildPair(txn)
	_, respOffset, respLength, _, _, _, err := of.WritePair(response, request)
	if err != nil {
		w.fm.Evict(of.Path)
		return &capture.Error{Kind: capture.WriteFailure, URL: txn.TargetURI, User: txn.User, Coll: txn.Coll, Err: err}
	}

	if w.idx == nil {
		return nil
	}
	ctx := context.Background()
	filename := filepath.Base(of.Path)
	if err := w.idx.RegisterFile(ctx, txn.User, txn.Coll, filename, of.Path); err != nil {
		return &capture.Error{Kind: capture.IndexFailure, URL: txn.TargetURI, User: txn.User, Coll: txn.Coll, Err: err}
	}

	entry := cdx.Entry{
		URLKey:         cdx.URLKey(txn.TargetURI),
		Timestamp:      cdxTimestamp(txn),
		Original:       txn.TargetURI,
		MIME:           mimeOf(txn),
		Status:         txn.ResponseStatus,
		Digest:         txn.Digest,
		ResponseLength: respLength,
		Offset:         respOffset,
		Filename:       filename,
	}
	if err := w.idx.Insert(ctx, txn.User, txn.Coll, entry); err != nil {
		return &capture.Error{Kind: capture.IndexFailure, URL: txn.TargetURI, User: txn.User, Coll: txn.Coll, Err: err}
	}
	return nil
}

// writeRevisitOnly writes a single revisit record in place of the full
// response, referencing existing's target-uri/date (spec.md §4.4).
func (w *Writer) writeRevisitOnly(txn *capture.Transaction, existing *cdx.Entry) error {
	of, err := w.fm.Get(w.tmpl, warc.TemplateContext{User: txn.User, Coll: txn.Coll})
	if err != nil {
		return &capture.Error{Kind: capture.WriteFailure, URL: txn.TargetURI, User: txn.User, Coll: txn.Coll, Err: err}
	}

	revisit := w.buildRevisit(txn, existing)
	_, offset, _, err := of.WriteRecord(revisit)
	if err != nil {
		w.fm.Evict(of.Path)
		return &capture.Error{Kind: capture.WriteFailure, URL: txn.TargetURI, User: txn.User, Coll: txn.Coll, Err: err}
	}

	if w.idx == nil {
		return nil
	}
	ctx := context.Background()
	filename := filepath.Base(of.Path)
	if err := w.idx.RegisterFile(ctx, txn.User, txn.Coll, filename, of.Path); err != nil {
		return &capture.Error{Kind: capture.IndexFailure, URL: txn.TargetURI, User: txn.User, Coll: txn.Coll, Err: err}
	}

	entry := cdx.Entry{
		URLKey:         cdx.URLKey(txn.TargetURI),
		Timestamp:      cdxTimestamp(txn),
		Original:       txn.TargetURI,
		MIME:           "warc/revisit",
		Status:         txn.ResponseStatus,
		Digest:         txn.Digest,
		ResponseLength: 0,
		Offset:         offset,
		Filename:       filename,
	}
	return w.idx.Insert(ctx, txn.User, txn.Coll, entry)
}

// insertDupeRevisitRow adds the extra revisit-mime CDX row WriteDupe
// requires alongside the full record just written, referencing the
// original match rather than the just-written duplicate (spec.md §9's
// pinned-down open question).
func (w *Writer) insertDupeRevisitRow(txn *capture.Transaction, existing *cdx.Entry) error {
	if w.idx == nil || existing == nil {
		return nil
	}
	entry := cdx.Entry{
		URLKey:         existing.URLKey,
		Timestamp:      existing.Timestamp,
		Original:       existing.Original,
		MIME:           "warc/revisit",
		Status:         existing.Status,
		Digest:         existing.Digest,
		ResponseLength: 0,
		Offset:         existing.Offset,
		Filename:       existing.Filename,
	}
	return w.idx.Insert(context.Background(), txn.User, txn.Coll, entry)
}

// buildPair constructs the response and request records concurrently
// (grounded on the teacher's dialer.go, which builds both records off the
// same in-flight transaction in parallel goroutines) since the two builds
// share no state and each does its own header filtering + rendering pass.
func (w *Writer) buildPair(txn *capture.Transaction) (response, request *warc.Record) {
	var g errgroup.Group

	g.Go(func() error {
		respHeaders := w.filter.Apply(txn.ResponseHeaders)
		statusLine := httpStatusLine(txn.ResponseStatus, txn.ResponseReason)

		r := warc.NewRecord()
		r.Header.Set("WARC-Type", warc.TypeResponse)
		r.Header.Set("WARC-Target-URI", txn.TargetURI)
		r.Header.Set("Content-Type", "application/http; msgtype=response")
		r.Header.Set("WARC-Payload-Digest", txn.Digest)
		if txn.Truncated {
			r.Header.Set("WARC-Truncated", "length")
		}
		r.Content = warc.RenderHTTPMessage(statusLine, respHeaders, bodyReader(txn.ResponseBody))
		response = r
		return nil
	})

	g.Go(func() error {
		reqHeaders := w.filter.Apply(txn.RequestHeaders)
		requestLine := httpRequestLine(txn.RequestMethod, txn.TargetURI)

		r := warc.NewRecord()
		r.Header.Set("WARC-Type", warc.TypeRequest)
		r.Header.Set("WARC-Target-URI", txn.TargetURI)
		r.Header.Set("Content-Type", "application/http; msgtype=request")
		r.Content = warc.RenderHTTPMessage(requestLine, reqHeaders, bodyReader(txn.RequestBody))
		request = r
		return nil
	})

	g.Wait()
	return response, request
}

// bodyReader rewinds buf to its start and returns it as a plain io.Reader
// for RenderHTTPMessage, or nil if there is no body to include.
func bodyReader(buf *spool.Buffer) io.Reader {
	if buf == nil || buf.Len() == 0 {
		return nil
	}
	buf.Seek(0, io.SeekStart)
	return buf
}

func (w *Writer) buildRevisit(txn *capture.Transaction, existing *cdx.Entry) *warc.Record {
	respHeaders := w.filter.Apply(txn.ResponseHeaders)
	statusLine := httpStatusLine(txn.ResponseStatus, txn.ResponseReason)

	r := warc.NewRecord()
	r.Header.Set("WARC-Type", warc.TypeRevisit)
	r.Header.Set("WARC-Target-URI", txn.TargetURI)
	r.Header.Set("Content-Type", "application/http; msgtype=response")
	r.Header.Set("WARC-Payload-Digest", txn.Digest)
	r.Header.Set("WARC-Profile", warc.RevisitProfileIdenticalPayload)
	r.Header.Set("WARC-Refers-To-Target-URI", existing.Original)
	if refDate, derr := cdx.ParseTimestamp(existing.Timestamp); derr == nil {
		r.Header.Set("WARC-Refers-To-Date", refDate.UTC().Format("2006-01-02T15:04:05Z"))
	}
	r.Content = warc.RenderHTTPMessage(statusLine, respHeaders, nil)
	return r
}

func cdxTimestamp(txn *capture.Transaction) string {
	t := txn.Timestamp.UTC()
	return cdx.FormatTimestamp(t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second())
}

func mimeOf(txn *capture.Transaction) string {
	if m := txn.ResponseHeaders.Get("Content-Type"); m != "" {
		return m
	}
	return "unk"
}

func httpStatusLine(status int, reason string) string {
	if reason == "" {
		reason = "OK"
	}
	return "HTTP/1.1 " + strconv.Itoa(status) + " " + reason
}

func httpRequestLine(method, targetURI string) string {
	u, err := url.Parse(targetURI)
	if err != nil {
		return method + " " + targetURI + " HTTP/1.1"
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return method + " " + path + " HTTP/1.1"
}

