package warc

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFileManagerGetCachesHandleAndWritesWarcinfoOnce(t *testing.T) {
	dir := t.TempDir()
	fm := NewFileManager(0, map[string]string{"software": "recorder test"})
	defer fm.Close()

	tmpl := Compile(filepath.Join(dir, "{coll}", "rec.warc.gz"))
	ctx := TemplateContext{Coll: "mycoll"}

	first, err := fm.Get(tmpl, ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := fm.Get(tmpl, ctx)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second {
		t.Error("Get returned two different handles for the same resolved path")
	}
	if fm.Len() != 1 {
		t.Errorf("Len() = %d, want 1", fm.Len())
	}

	r := NewRecord()
	r.Header.Set("WARC-Type", TypeResponse)
	r.Content = strings.NewReader("body")
	if _, _, _, err := first.WriteRecord(r); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	path := filepath.Join(dir, "mycoll", "rec.warc.gz")
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	reader := NewReader(f)
	record, eol, err := reader.ReadRecord()
	if eol || err != nil {
		t.Fatalf("ReadRecord: eol=%v err=%v", eol, err)
	}
	if record.Header.Get("WARC-Type") != TypeWARCInfo {
		t.Fatalf("first record type = %q, want warcinfo", record.Header.Get("WARC-Type"))
	}
	record.Close()

	record, eol, err = reader.ReadRecord()
	if eol || err != nil {
		t.Fatalf("ReadRecord: eol=%v err=%v", eol, err)
	}
	if record.Header.Get("WARC-Type") != TypeResponse {
		t.Errorf("second record type = %q, want response", record.Header.Get("WARC-Type"))
	}
	record.Close()
}

func TestFileManagerEvictDropsHandle(t *testing.T) {
	dir := t.TempDir()
	fm := NewFileManager(0, nil)
	defer fm.Close()

	tmpl := Compile(filepath.Join(dir, "x.warc.gz"))
	of, err := fm.Get(tmpl, TemplateContext{})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if err := fm.Evict(of.Path); err != nil {
		t.Fatalf("Evict: %v", err)
	}
	if fm.Len() != 0 {
		t.Errorf("Len() = %d after Evict, want 0", fm.Len())
	}

	reopened, err := fm.Get(tmpl, TemplateContext{})
	if err != nil {
		t.Fatalf("Get after evict: %v", err)
	}
	if reopened == of {
		t.Error("Get after Evict returned the same stale handle")
	}
}

func TestFileManagerCloseFileByPrefix(t *testing.T) {
	dir := t.TempDir()
	fm := NewFileManager(0, nil)
	defer fm.Close()

	tmplA := Compile(filepath.Join(dir, "coll-a", "x.warc.gz"))
	tmplB := Compile(filepath.Join(dir, "coll-b", "x.warc.gz"))
	if _, err := fm.Get(tmplA, TemplateContext{}); err != nil {
		t.Fatalf("Get A: %v", err)
	}
	if _, err := fm.Get(tmplB, TemplateContext{}); err != nil {
		t.Fatalf("Get B: %v", err)
	}
	if fm.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", fm.Len())
	}

	if err := fm.CloseFile(filepath.Join(dir, "coll-a")); err != nil {
		t.Fatalf("CloseFile: %v", err)
	}
	if fm.Len() != 1 {
		t.Errorf("Len() = %d after CloseFile(coll-a), want 1", fm.Len())
	}
}

func TestFileManagerIdleRolloverClosesHandle(t *testing.T) {
	dir := t.TempDir()
	fm := NewFileManager(20*time.Millisecond, nil)
	defer fm.Close()

	tmpl := Compile(filepath.Join(dir, "x.warc.gz"))
	if _, err := fm.Get(tmpl, TemplateContext{}); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fm.Len() != 1 {
		t.Fatalf("Len() = %d, want 1 right after Get", fm.Len())
	}

	deadline := time.Now().Add(2 * time.Second)
	for fm.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if fm.Len() != 0 {
		t.Errorf("Len() = %d after idle timeout elapsed, want 0", fm.Len())
	}
}
