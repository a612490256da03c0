// Package spool implements the scoped spill-file resource used by the
// capture pipeline: write freely, transparently promoted from an in-memory
// buffer to a temp file once a byte threshold is crossed, and guaranteed
// removed on Close regardless of which path was taken.
//
// Adapted from CorentinB/warc's pkg/spooledtempfile, itself based on
// https://github.com/tgulacsi/go/blob/master/temp/memfile.go.
package spool

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultThreshold is the default number of bytes (1 MiB) held in memory
// before a Buffer starts spilling to disk, matching spec.md §4.1's default
// tee threshold.
const DefaultThreshold = 1024 * 1024

// DefaultMaxRAMUsageFraction is the fraction of system RAM above which new
// buffers spool straight to disk rather than risk OOM under concurrent load.
const DefaultMaxRAMUsageFraction = 0.50

const memoryCheckInterval = 500 * time.Millisecond

type globalMemoryCache struct {
	sync.Mutex
	lastChecked  time.Time
	lastFraction float64
}

var memoryUsageCache = &globalMemoryCache{}

var bufferPool = sync.Pool{
	New: func() interface{} {
		return bytes.NewBuffer(nil)
	},
}

// ReaderAt is the interface for ReadAt — read at a position without moving
// the cursor.
type ReaderAt interface {
	ReadAt(p []byte, off int64) (n int, err error)
}

// ReadWriteSeekCloser is a Buffer's full interface: write freely until the
// first Read/Seek, after which further writes panic (matches the teacher's
// contract — captures never interleave writing and reading).
type ReadWriteSeekCloser interface {
	io.Writer
	io.Reader
	io.Seeker
	ReaderAt
	io.Closer
	// Name returns the backing temp file's path, or "" if still in memory.
	Name() string
	// Len returns the number of bytes written so far.
	Len() int
}

// Buffer is a capture's response (or request) body tee target: bytes
// written to it either stay resident or get promoted to a uniquely named
// temp file, and Close always removes whatever was created on disk.
type Buffer struct {
	buf             *bytes.Buffer
	mem             *bytes.Reader
	file            *os.File
	filePrefix      string
	tempDir         string
	maxInMemory     int
	forceOnDisk     bool
	reading         bool
	closed          bool
	maxRAMFraction  float64
}

// New returns a Buffer that spills filePrefix-*.tmp files into tempDir once
// threshold bytes have been written (threshold < 0 selects DefaultThreshold).
// If forceOnDisk is true, the buffer spills on the very first byte — used
// when a capture is already known to be large (e.g. Content-Length exceeds
// the threshold up front). maxRAMFraction <= 0 selects
// DefaultMaxRAMUsageFraction.
func New(filePrefix, tempDir string, threshold int, forceOnDisk bool, maxRAMFraction float64) *Buffer {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	if maxRAMFraction <= 0 {
		maxRAMFraction = DefaultMaxRAMUsageFraction
	}
	return &Buffer{
		filePrefix:     filePrefix,
		tempDir:        tempDir,
		buf:            bufferPool.Get().(*bytes.Buffer),
		maxInMemory:    threshold,
		forceOnDisk:    forceOnDisk,
		maxRAMFraction: maxRAMFraction,
	}
}

func (s *Buffer) prepareRead() error {
	if s.closed {
		return io.EOF
	}
	if s.reading && (s.file != nil || s.buf == nil || s.mem != nil) {
		return nil
	}
	s.reading = true
	if s.file != nil {
		if _, err := s.file.Seek(0, 0); err != nil {
			return fmt.Errorf("spool: seek %s: %w", s.file.Name(), err)
		}
		return nil
	}
	s.mem = bytes.NewReader(s.buf.Bytes())
	return nil
}

// Len reports bytes written so far, whether resident or spilled.
func (s *Buffer) Len() int {
	if s.file != nil {
		fi, err := s.file.Stat()
		if err != nil {
			return -1
		}
		return int(fi.Size())
	}
	return s.buf.Len()
}

// Name returns the backing temp file's path, or "" while still in memory.
func (s *Buffer) Name() string {
	if s.file != nil {
		return s.file.Name()
	}
	return ""
}

func (s *Buffer) Read(p []byte) (int, error) {
	if err := s.prepareRead(); err != nil {
		return 0, err
	}
	if s.file != nil {
		return s.file.Read(p)
	}
	return s.mem.Read(p)
}

func (s *Buffer) ReadAt(p []byte, off int64) (int, error) {
	if err := s.prepareRead(); err != nil {
		return 0, err
	}
	if s.file != nil {
		return s.file.ReadAt(p, off)
	}
	return s.mem.ReadAt(p, off)
}

func (s *Buffer) Seek(offset int64, whence int) (int64, error) {
	if err := s.prepareRead(); err != nil {
		return 0, err
	}
	if s.file != nil {
		return s.file.Seek(offset, whence)
	}
	return s.mem.Seek(offset, whence)
}

// Write appends p, spilling to disk once the in-memory threshold, system
// RAM pressure, or forceOnDisk requires it. Panics if called after Read or
// Seek — a capture's tee writes then the writer reads, never interleaved.
func (s *Buffer) Write(p []byte) (int, error) {
	if s.closed {
		return 0, io.EOF
	}
	if s.reading {
		panic("spool: write after read")
	}

	if s.file != nil {
		return s.file.Write(p)
	}

	spillNow := s.forceOnDisk ||
		s.isSystemMemoryUsageHigh() ||
		s.buf.Len()+len(p) > s.maxInMemory ||
		s.buf.Cap() > s.maxInMemory

	if !spillNow {
		return s.buf.Write(p)
	}

	var err error
	s.file, err = os.CreateTemp(s.tempDir, s.filePrefix+"-*.tmp")
	if err != nil {
		return 0, err
	}

	if _, err = io.Copy(s.file, s.buf); err != nil {
		s.file.Close()
		s.file = nil
		return 0, err
	}

	if s.buf.Cap() <= s.maxInMemory {
		s.buf.Reset()
		bufferPool.Put(s.buf)
	}
	s.buf = nil

	n, err := s.file.Write(p)
	if err != nil {
		s.file.Close()
		s.file = nil
		return n, err
	}
	return n, nil
}

// Close releases the in-memory buffer and removes the spill file, if any.
// Safe to call multiple times.
func (s *Buffer) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.mem = nil

	if s.buf != nil {
		if s.buf.Cap() <= s.maxInMemory {
			s.buf.Reset()
			bufferPool.Put(s.buf)
		}
		s.buf = nil
	}

	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	s.file.Close()
	s.file = nil
	if err := os.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// forceSpill promotes an in-memory Buffer to a disk-backed one immediately,
// used by Manager to evict the oldest buffers when a global memory limit
// is under pressure. No-op if already spilled, closed, or being read.
func (s *Buffer) forceSpill() error {
	if s.file != nil || s.closed || s.reading || s.buf == nil {
		return nil
	}
	file, err := os.CreateTemp(s.tempDir, s.filePrefix+"-*.tmp")
	if err != nil {
		return err
	}
	if _, err := io.Copy(file, s.buf); err != nil {
		file.Close()
		os.Remove(file.Name())
		return err
	}
	s.buf.Reset()
	bufferPool.Put(s.buf)
	s.buf = nil
	s.file = file
	return nil
}

func (s *Buffer) isSystemMemoryUsageHigh() bool {
	fraction, err := getCachedMemoryUsage()
	if err != nil {
		return false
	}
	return fraction >= s.maxRAMFraction
}

func getCachedMemoryUsage() (float64, error) {
	memoryUsageCache.Lock()
	defer memoryUsageCache.Unlock()

	if time.Since(memoryUsageCache.lastChecked) < memoryCheckInterval {
		return memoryUsageCache.lastFraction, nil
	}

	fraction, err := getSystemMemoryUsedFraction()
	if err != nil {
		return 0, err
	}

	memoryUsageCache.lastChecked = time.Now()
	memoryUsageCache.lastFraction = fraction
	return fraction, nil
}

// getSystemMemoryUsedFraction parses /proc/meminfo (Linux-specific) to
// compute used/total RAM. Overridable in tests.
var getSystemMemoryUsedFraction = func() (float64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, fmt.Errorf("spool: open /proc/meminfo: %w", err)
	}
	defer f.Close()

	var memTotal, memAvailable, memFree, buffers, cached uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		key := strings.TrimRight(fields[0], ":")
		value, _ := strconv.ParseUint(fields[1], 10, 64)
		switch key {
		case "MemTotal":
			memTotal = value
		case "MemAvailable":
			memAvailable = value
		case "MemFree":
			memFree = value
		case "Buffers":
			buffers = value
		case "Cached":
			cached = value
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("spool: scan /proc/meminfo: %w", err)
	}
	if memTotal == 0 {
		return 0, errors.New("spool: could not find MemTotal in /proc/meminfo")
	}

	var used uint64
	if memAvailable > 0 {
		used = memTotal - memAvailable
	} else {
		used = memTotal - (memFree + buffers + cached)
	}
	return float64(used) / float64(memTotal), nil
}
