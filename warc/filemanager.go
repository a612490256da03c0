package warc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// OpenFile is a single cached, append-mode WARC destination: the File
// Manager hands these out and the single writer goroutine (spec.md §5)
// is the only caller, so WriteRecord/WritePair need no extra locking
// beyond what Writer itself does — but we still serialize via mu in case
// a caller ever shares a handle across goroutines.
type OpenFile struct {
	mu   sync.Mutex
	Path string

	file      *os.File
	writer    *Writer
	lastTouch time.Time
	bad       bool
}

// WritePair serializes response+request through this file's Writer,
// touching the idle clock. Returns both records' CDX-relevant offsets.
func (of *OpenFile) WritePair(response, request *Record) (respID string, respOffset, respLength int64, reqID string, reqOffset, reqLength int64, err error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	of.lastTouch = time.Now()
	return of.writer.WritePair(response, request)
}

// WriteRecord serializes a single record (used for warcinfo/metadata/
// standalone revisit records) through this file's Writer.
func (of *OpenFile) WriteRecord(r *Record) (id string, offset, length int64, err error) {
	of.mu.Lock()
	defer of.mu.Unlock()
	of.lastTouch = time.Now()
	return of.writer.WriteRecord(r)
}

func (of *OpenFile) close() error {
	of.mu.Lock()
	defer of.mu.Unlock()
	return of.file.Close()
}

// FileManager resolves a PathTemplate + TemplateContext to a cached,
// append-mode OpenFile, maintaining at most one open handle per resolved
// path (spec.md §4.3 / §3 OpenFile invariants).
type FileManager struct {
	mu          sync.Mutex
	handles     map[string]*OpenFile
	idleTimeout time.Duration
	warcinfo    map[string]string
	codec       Codec

	stopMaintenance chan struct{}
}

// NewFileManager creates a File Manager using gzip per-record framing.
// idleTimeout <= 0 disables idle rollover. warcinfoFields seeds every
// file's warcinfo record (§4.2/§4.8).
func NewFileManager(idleTimeout time.Duration, warcinfoFields map[string]string) *FileManager {
	return NewFileManagerWithCodec(idleTimeout, warcinfoFields, CodecGzip)
}

// NewFileManagerWithCodec is NewFileManager with an explicit Codec applied
// to every file it opens.
func NewFileManagerWithCodec(idleTimeout time.Duration, warcinfoFields map[string]string, codec Codec) *FileManager {
	fm := &FileManager{
		handles:     make(map[string]*OpenFile),
		idleTimeout: idleTimeout,
		warcinfo:    warcinfoFields,
		codec:       codec,
	}
	if idleTimeout > 0 {
		fm.stopMaintenance = make(chan struct{})
		go fm.maintenanceLoop()
	}
	return fm
}

func (fm *FileManager) maintenanceLoop() {
	ticker := time.NewTicker(fm.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fm.closeIdle()
		case <-fm.stopMaintenance:
			return
		}
	}
}

func (fm *FileManager) closeIdle() {
	fm.mu.Lock()
	var toClose []*OpenFile
	for path, of := range fm.handles {
		if time.Since(of.lastTouch) >= fm.idleTimeout {
			toClose = append(toClose, of)
			delete(fm.handles, path)
		}
	}
	fm.mu.Unlock()

	for _, of := range toClose {
		of.close()
	}
}

// Get resolves tmpl against ctx and returns the cached handle, opening and
// (on first creation) writing a warcinfo record if none exists yet.
func (fm *FileManager) Get(tmpl *PathTemplate, ctx TemplateContext) (*OpenFile, error) {
	path := tmpl.Resolve(ctx)

	fm.mu.Lock()
	if of, ok := fm.handles[path]; ok && !of.bad {
		fm.mu.Unlock()
		return of, nil
	}
	fm.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filemanager: mkdir %s: %w", filepath.Dir(path), err)
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filemanager: open %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("filemanager: stat %s: %w", path, err)
	}

	of := &OpenFile{
		Path:      path,
		file:      file,
		writer:    NewWriterWithCodec(file, filepath.Base(path), stat.Size(), fm.codec),
		lastTouch: time.Now(),
	}

	if stat.Size() == 0 && len(fm.warcinfo) > 0 {
		if _, _, _, err := of.writer.WriteWarcinfo(fm.warcinfo); err != nil {
			file.Close()
			return nil, fmt.Errorf("filemanager: warcinfo %s: %w", path, err)
		}
	}

	fm.mu.Lock()
	fm.handles[path] = of
	fm.mu.Unlock()

	return of, nil
}

// Evict marks the handle for path bad, closes it, and removes it from the
// cache. Called by the writer loop on a WriteFailure (spec.md §7): the
// next transaction destined for the same path reopens from scratch.
func (fm *FileManager) Evict(path string) error {
	fm.mu.Lock()
	of, ok := fm.handles[path]
	if ok {
		of.bad = true
		delete(fm.handles, path)
	}
	fm.mu.Unlock()
	if !ok {
		return nil
	}
	return of.close()
}

// CloseFile closes and drops every cached handle whose resolved path
// begins with prefixOrExact.
func (fm *FileManager) CloseFile(prefixOrExact string) error {
	fm.mu.Lock()
	var toClose []*OpenFile
	for path, of := range fm.handles {
		if strings.HasPrefix(path, prefixOrExact) {
			toClose = append(toClose, of)
			delete(fm.handles, path)
		}
	}
	fm.mu.Unlock()

	var firstErr error
	for _, of := range toClose {
		if err := of.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every cached handle and stops idle-rollover maintenance.
func (fm *FileManager) Close() error {
	if fm.stopMaintenance != nil {
		close(fm.stopMaintenance)
	}
	return fm.CloseFile("")
}

// Len reports the number of currently open handles — exposed so tests can
// assert cache size (spec.md §8 scenario S5's fh_cache assertions).
func (fm *FileManager) Len() int {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	return len(fm.handles)
}
