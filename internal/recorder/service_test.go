package recorder

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/webrecorder/recorder/capture"
	"github.com/webrecorder/recorder/dedup"
	"github.com/webrecorder/recorder/warc"
)

func newTestService(t *testing.T, cfg Config, idx dedup.Index) (*Service, *Writer, string) {
	t.Helper()
	dir := t.TempDir()
	if len(cfg.ArchivePaths) == 0 {
		cfg.ArchivePaths = []string{filepath.Join(dir, "warcs/{user}/{coll}/rec-{timestamp}-{hostname}.warc.gz")}
	}
	if cfg.SpillDir == "" {
		cfg.SpillDir = dir
	}

	fm := warc.NewFileManager(cfg.idleTimeout(), cfg.WarcinfoFields)
	t.Cleanup(func() { fm.Close() })

	wr := NewWriter(cfg, fm, idx)
	pipeline := capture.NewPipeline(http.DefaultClient, cfg.SpillDir, cfg.spillThreshold(), nil)
	router := NewRouter(cfg.AcceptColls)
	svc := NewService(pipeline, router, wr, 8)
	return svc, wr, dir
}

// S1: basic record.
func TestServiceBasicRecord(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"foo": "bar"}`))
	}))
	defer upstream.Close()

	svc, wr, dir := newTestService(t, Config{}, dedup.NewMemoryIndex())

	target := upstream.URL + "/get?foo=bar"
	req := httptest.NewRequest(http.MethodGet, "/live/resource?url="+url.QueryEscape(target), nil)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("client status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"foo": "bar"`) {
		t.Fatalf("client body = %q, missing payload", rec.Body.String())
	}

	if err := wr.DrainOne(); err != nil {
		t.Fatalf("DrainOne: %v", err)
	}

	files := warcFilesUnder(t, dir)
	if len(files) != 1 {
		t.Fatalf("found %d .warc.gz files, want 1: %v", len(files), files)
	}
}

// S2: wrong collection filter — client still sees 200, nothing recorded.
func TestServiceWrongCollectionFilterSkipsRecording(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	svc, _, dir := newTestService(t, Config{AcceptColls: []string{"not-live"}}, dedup.NewMemoryIndex())

	target := upstream.URL + "/get?foo=bar"
	req := httptest.NewRequest(http.MethodGet, "/live/resource?url="+url.QueryEscape(target), nil)
	req.Header.Set("WebAgg-Source-Coll", "live")
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("client status = %d, want 200", rec.Code)
	}
	if len(warcFilesUnder(t, dir)) != 0 {
		t.Fatalf("expected no WARC files written, found some under %s", dir)
	}
}

// S3: cookie header strip.
func TestServiceCookieHeaderStrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Set-Cookie", "session=abc")
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	idx := dedup.NewMemoryIndex()
	svc, wr, dir := newTestService(t, Config{ExcludeHeaders: []string{"Set-Cookie", "Cookie"}}, idx)

	target := upstream.URL + "/cookies/set"
	req := httptest.NewRequest(http.MethodGet, "/live/resource?url="+url.QueryEscape(target), nil)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)

	if rec.Header().Get("Set-Cookie") != "session=abc" {
		t.Fatalf("client response lost Set-Cookie: %v", rec.Header())
	}

	if err := wr.DrainOne(); err != nil {
		t.Fatalf("DrainOne: %v", err)
	}

	files := warcFilesUnder(t, dir)
	if len(files) != 1 {
		t.Fatalf("found %d files, want 1", len(files))
	}
	if strings.Contains(readAllRecords(t, files[0]), "Set-Cookie") {
		t.Error("stored response record retains Set-Cookie, want it stripped")
	}
}

// S4: revisit on duplicate.
func TestServiceRevisitOnDuplicate(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"foo": "bar"}`))
	}))
	defer upstream.Close()

	idx := dedup.NewMemoryIndex()
	svc, wr, dir := newTestService(t, Config{DedupPolicy: DedupRevisit}, idx)

	target := upstream.URL + "/get?foo=bar"
	for i := 0; i < 2; i++ {
		path := "/live/resource?url=" + url.QueryEscape(target) + "&param.recorder.user=USER&param.recorder.coll=COLL"
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		svc.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("capture %d: client status = %d", i, rec.Code)
		}
		if err := wr.DrainOne(); err != nil {
			t.Fatalf("DrainOne %d: %v", i, err)
		}
	}

	files := warcFilesUnder(t, filepath.Join(dir, "warcs", "USER", "COLL"))
	if len(files) != 2 {
		t.Fatalf("found %d files under warcs/USER/COLL, want 2: %v", len(files), files)
	}

	rows, err := idx.Range(context.Background(), "USER", "COLL", "", "~")
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d CDX rows, want 2", len(rows))
	}
	if rows[1].MIME != "warc/revisit" {
		t.Errorf("second row MIME = %q, want warc/revisit", rows[1].MIME)
	}
}

// S5: keep-open multi-write — two captures under one collection share one
// file, and the handle cache reports exactly one open handle.
func TestServiceKeepOpenMultiWrite(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok-" + r.URL.Path))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	tmpl := filepath.Join(dir, "warcs", "FOO", "ABC-{hostname}-{timestamp}.warc.gz")
	cfg := Config{ArchivePaths: []string{tmpl}}

	idx := dedup.NewMemoryIndex()
	fm := warc.NewFileManager(cfg.idleTimeout(), cfg.WarcinfoFields)
	defer fm.Close()
	wr := NewWriter(cfg, fm, idx)
	pipeline := capture.NewPipeline(upstream.Client(), dir, cfg.spillThreshold(), nil)
	router := NewRouter(nil)
	svc := NewService(pipeline, router, wr, 8)

	for i := 0; i < 2; i++ {
		target := upstream.URL + "/p" + strconv.Itoa(i)
		path := "/live/resource?url=" + url.QueryEscape(target) + "&param.recorder.coll=FOO"
		request := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		svc.ServeHTTP(rec, request)
		if err := wr.DrainOne(); err != nil {
			t.Fatalf("DrainOne %d: %v", i, err)
		}
	}

	files := warcFilesUnder(t, filepath.Join(dir, "warcs", "FOO"))
	if len(files) != 1 {
		t.Fatalf("found %d files under warcs/FOO, want 1: %v", len(files), files)
	}
	if got := fm.Len(); got != 1 {
		t.Errorf("FileManager.Len() = %d, want 1", got)
	}
}

// S6: warcinfo round-trip — the first write to a fresh destination gets a
// warcinfo record ahead of it, carrying the configured fields verbatim.
func TestServiceWarcinfoRoundTrip(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	dir := t.TempDir()
	tmpl := filepath.Join(dir, "testfile.warc.gz")
	fields := map[string]string{
		"software":      "recorder test",
		"format":        "WARC File Format 1.0",
		"json-metadata": `{"foo":"bar"}`,
	}
	cfg := Config{ArchivePaths: []string{tmpl}, WarcinfoFields: fields}

	idx := dedup.NewMemoryIndex()
	fm := warc.NewFileManager(cfg.idleTimeout(), cfg.WarcinfoFields)
	defer fm.Close()
	wr := NewWriter(cfg, fm, idx)
	pipeline := capture.NewPipeline(upstream.Client(), dir, cfg.spillThreshold(), nil)
	router := NewRouter(nil)
	svc := NewService(pipeline, router, wr, 8)

	target := upstream.URL + "/x"
	req := httptest.NewRequest(http.MethodGet, "/live/resource?url="+url.QueryEscape(target), nil)
	rec := httptest.NewRecorder()
	svc.ServeHTTP(rec, req)
	if err := wr.DrainOne(); err != nil {
		t.Fatalf("DrainOne: %v", err)
	}

	f, err := os.Open(tmpl)
	if err != nil {
		t.Fatalf("open %s: %v", tmpl, err)
	}
	defer f.Close()

	reader := warc.NewReader(f)
	record, eol, err := reader.ReadRecord()
	if eol || err != nil {
		t.Fatalf("ReadRecord: eol=%v err=%v", eol, err)
	}
	defer record.Close()

	if got := record.Header.Get("WARC-Type"); got != "warcinfo" {
		t.Fatalf("WARC-Type = %q, want warcinfo", got)
	}
	if got := record.Header.Get("Content-Type"); got != "application/warc-fields" {
		t.Errorf("Content-Type = %q, want application/warc-fields", got)
	}
	if got := record.Header.Get("WARC-Filename"); got != "testfile.warc.gz" {
		t.Errorf("WARC-Filename = %q, want testfile.warc.gz", got)
	}

	body, err := io.ReadAll(record.Content)
	if err != nil {
		t.Fatalf("reading body: %v", err)
	}
	bodyStr := string(body)
	for k, v := range fields {
		if want := k + ": " + v + "\r\n"; !strings.Contains(bodyStr, want) {
			t.Errorf("body missing %q, got %q", want, bodyStr)
		}
	}

	declared, err := strconv.Atoi(record.Header.Get("Content-Length"))
	if err != nil {
		t.Fatalf("Content-Length not an int: %v", record.Header.Get("Content-Length"))
	}
	if declared != len(body) {
		t.Errorf("Content-Length = %d, want %d (actual body length)", declared, len(body))
	}
}

func warcFilesUnder(t *testing.T, dir string) []string {
	t.Helper()
	var out []string
	filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info == nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".warc.gz") {
			out = append(out, path)
		}
		return nil
	})
	return out
}

func readAllRecords(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var sb strings.Builder
	reader := warc.NewReader(f)
	for {
		record, eol, err := reader.ReadRecord()
		if eol {
			break
		}
		if err != nil {
			t.Fatalf("ReadRecord: %v", err)
		}
		sb.WriteString(record.Header.Get("WARC-Type"))
		sb.WriteString("\n")
		var body strings.Builder
		buf := make([]byte, 4096)
		for {
			n, rerr := record.Content.Read(buf)
			body.Write(buf[:n])
			if rerr != nil {
				break
			}
		}
		sb.WriteString(body.String())
		record.Close()
	}
	return sb.String()
}
