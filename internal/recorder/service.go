package recorder

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/remeh/sizedwaitgroup"
	"github.com/sirupsen/logrus"

	"github.com/webrecorder/recorder/capture"
)

// Service is the Recorder Service (spec.md §2/§6): the HTTP entry point
// that accepts a proxied request, invokes upstream through the capture
// pipeline, enqueues the result to the Writer, and returns the response
// to the client unchanged except for two added headers.
type Service struct {
	Pipeline *capture.Pipeline
	Router   *Router
	Writer   *Writer

	// Concurrency bounds the number of simultaneous captures in flight
	// (spec.md §5's "one lightweight task per in-flight proxied request"
	// with an enforced cap), grounded on the teacher's sizedwaitgroup use
	// in cmd/warc/extract.go for bounding concurrent goroutines.
	swg sizedwaitgroup.SizedWaitGroup

	inFlight      int64
	highWatermark int64
}

// defaultMaxConcurrentCaptures bounds simultaneous captures when the
// caller doesn't specify one.
const defaultMaxConcurrentCaptures = 64

// NewService builds a Service. maxConcurrentCaptures <= 0 selects
// defaultMaxConcurrentCaptures.
func NewService(pipeline *capture.Pipeline, router *Router, writer *Writer, maxConcurrentCaptures int) *Service {
	if maxConcurrentCaptures <= 0 {
		maxConcurrentCaptures = defaultMaxConcurrentCaptures
	}
	return &Service{
		Pipeline: pipeline,
		Router:   router,
		Writer:   writer,
		swg:      sizedwaitgroup.New(maxConcurrentCaptures),
	}
}

// HighWatermark reports the largest number of captures this Service has
// ever had in flight simultaneously.
func (s *Service) HighWatermark() int64 {
	return atomic.LoadInt64(&s.highWatermark)
}

// ServeHTTP implements the two routes spec.md §6 lists:
//
//	POST /{source}/resource/postreq?url={target}[&param.recorder.user=U&param.recorder.coll=C]
//	GET  /{source}/resource?url={target}
func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	target := r.URL.Query().Get("url")
	if target == "" {
		writeJSONError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	var req capture.Request
	switch {
	case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/resource/postreq"):
		parsed, err := capture.ParseHead(r.Body)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		parsed.URL = target
		req = parsed
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/resource"):
		req = capture.Request{Method: http.MethodGet, URL: target}
	default:
		http.NotFound(w, r)
		return
	}

	params := s.Router.Parse(r)

	s.swg.Add()
	defer s.swg.Done()
	n := atomic.AddInt64(&s.inFlight, 1)
	defer atomic.AddInt64(&s.inFlight, -1)
	for {
		hw := atomic.LoadInt64(&s.highWatermark)
		if n <= hw || atomic.CompareAndSwapInt64(&s.highWatermark, hw, n) {
			break
		}
	}

	w.Header().Set("Link", "<"+target+">; rel=\"original\"")
	w.Header().Set("Memento-Datetime", time.Now().UTC().Format(http.TimeFormat))

	txn, err := s.Pipeline.Capture(r.Context(), w, req, params)
	if err != nil {
		kind, _ := capture.KindOf(err)
		logrus.WithFields(logrus.Fields{"kind": kind, "url": target}).Errorf("recorder: capture failed: %v", err)
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !s.Router.Accept(params.SourceColl) {
		// FilterRejection: proxied normally, nothing enqueued, no error
		// (spec.md §7). Writer.process never runs for this txn, so close it
		// here or its spooled bodies (and any spill files) leak.
		txn.Close()
		return
	}

	if err := s.Writer.Enqueue(r.Context(), txn); err != nil {
		logrus.Warnf("recorder: enqueue dropped (%v) for %s", err, target)
	}
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
