package dedup

import (
	"context"
	"sort"
	"sync"

	"github.com/webrecorder/recorder/cdx"
)

// Index is the dedup/CDX index contract (spec.md §9: "Dynamic dispatch on
// writer / policy / index" redesigned as an explicit interface). Every
// method is scoped by (user, coll) so a single index can back many
// collections.
type Index interface {
	// Lookup returns the first prior CDX entry whose Digest matches, or
	// nil if the payload digest has never been seen for (user, coll).
	Lookup(ctx context.Context, user, coll, digest string) (*cdx.Entry, error)
	// Insert adds e to the index, keeping rows sorted by e.SortKey().
	Insert(ctx context.Context, user, coll string, e cdx.Entry) error
	// Range returns every entry whose SortKey() falls in [lo, hi).
	Range(ctx context.Context, user, coll, lo, hi string) ([]cdx.Entry, error)
	// RegisterFile records filename's absolute path, called once by the
	// File Manager when a new WARC file is opened (spec.md §6's
	// "{user}:{coll}:warc" filename->absolute-path hash).
	RegisterFile(ctx context.Context, user, coll, filename, absPath string) error
}

// MemoryIndex is an in-process reference Index implementation, used by
// tests and by single-process deployments that don't need a shared Redis
// backend.
type MemoryIndex struct {
	mu    sync.RWMutex
	rows  map[string][]cdx.Entry          // scope key -> sorted entries
	byD   map[string]map[string]cdx.Entry // scope key -> digest -> first entry seen
	files map[string]map[string]string    // scope key -> filename -> absolute path
}

// NewMemoryIndex creates an empty MemoryIndex.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		rows:  make(map[string][]cdx.Entry),
		byD:   make(map[string]map[string]cdx.Entry),
		files: make(map[string]map[string]string),
	}
}

func scopeKey(user, coll string) string {
	return user + ":" + coll
}

func (m *MemoryIndex) Lookup(_ context.Context, user, coll, digest string) (*cdx.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	scope := scopeKey(user, coll)
	byDigest, ok := m.byD[scope]
	if !ok {
		return nil, nil
	}
	entry, ok := byDigest[digest]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

func (m *MemoryIndex) Insert(_ context.Context, user, coll string, e cdx.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scope := scopeKey(user, coll)
	rows := m.rows[scope]

	pos := sort.Search(len(rows), func(i int) bool { return rows[i].SortKey() > e.SortKey() })
	rows = append(rows, cdx.Entry{})
	copy(rows[pos+1:], rows[pos:])
	rows[pos] = e
	m.rows[scope] = rows

	byDigest, ok := m.byD[scope]
	if !ok {
		byDigest = make(map[string]cdx.Entry)
		m.byD[scope] = byDigest
	}
	// Only the first sighting of a digest is kept as the dedup target,
	// matching "references the original record" (spec.md §9).
	if _, seen := byDigest[e.Digest]; !seen {
		byDigest[e.Digest] = e
	}

	return nil
}

func (m *MemoryIndex) Range(_ context.Context, user, coll, lo, hi string) ([]cdx.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rows := m.rows[scopeKey(user, coll)]
	start := sort.Search(len(rows), func(i int) bool { return rows[i].SortKey() >= lo })
	end := sort.Search(len(rows), func(i int) bool { return rows[i].SortKey() >= hi })
	if start > end {
		start = end
	}

	out := make([]cdx.Entry, end-start)
	copy(out, rows[start:end])
	return out, nil
}

func (m *MemoryIndex) RegisterFile(_ context.Context, user, coll, filename, absPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scope := scopeKey(user, coll)
	byFile, ok := m.files[scope]
	if !ok {
		byFile = make(map[string]string)
		m.files[scope] = byFile
	}
	byFile[filename] = absPath
	return nil
}

// Files returns the filename->absolute-path mapping registered for
// (user, coll), for test assertions against the live index.
func (m *MemoryIndex) Files(user, coll string) map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]string)
	for k, v := range m.files[scopeKey(user, coll)] {
		out[k] = v
	}
	return out
}
