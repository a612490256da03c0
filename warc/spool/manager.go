package spool

import (
	"container/heap"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Manager enforces a global memory budget across every Buffer a recorder
// process has open at once (one per in-flight capture, per spec.md §5's
// "per in-flight proxied request" task model) and evicts the oldest
// still-in-memory buffers to disk when that budget is exceeded. Adapted
// from CorentinB/warc's SpoolManager.
type Manager struct {
	mu           sync.Mutex
	items        bufferHeap
	index        map[*Buffer]*bufferItem
	currentUsage int64
	limit        int64
}

type bufferItem struct {
	buf      *Buffer
	priority time.Time
	index    int
}

type bufferHeap []*bufferItem

func (h bufferHeap) Len() int            { return len(h) }
func (h bufferHeap) Less(i, j int) bool  { return h[i].priority.Before(h[j].priority) }
func (h bufferHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *bufferHeap) Push(x interface{}) {
	item := x.(*bufferItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *bufferHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// NewManager returns a Manager that allows up to limit bytes of in-memory
// buffering across every registered Buffer before forcing the oldest ones
// to disk.
func NewManager(limit int64) *Manager {
	m := &Manager{limit: limit, index: make(map[*Buffer]*bufferItem)}
	heap.Init(&m.items)
	return m
}

// NewManagerHalfSystemRAM sizes the budget to half of total system RAM, the
// teacher's default heuristic for a single long-running recorder process.
func NewManagerHalfSystemRAM() *Manager {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return NewManager(DefaultThreshold * 64)
	}
	return NewManager(int64(info.Totalram) / 2)
}

// Register starts tracking buf for eviction purposes, oldest-first.
func (m *Manager) Register(buf *Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item := &bufferItem{buf: buf, priority: time.Now()}
	m.index[buf] = item
	heap.Push(&m.items, item)
}

// Unregister stops tracking buf; the capture pipeline calls it once it is
// done with a capture's buffer.
func (m *Manager) Unregister(buf *Buffer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.index[buf]
	if !ok {
		return
	}
	delete(m.index, buf)
	heap.Remove(&m.items, item.index)
}

// Reserve accounts for n additional in-memory bytes, evicting the oldest
// buffers to disk first if the budget would otherwise be exceeded. Callers
// (the capture pipeline) invoke this after each tee chunk is written to its
// Buffer.
func (m *Manager) Reserve(n int) {
	m.mu.Lock()
	m.currentUsage += int64(n)
	over := m.currentUsage > m.limit
	m.mu.Unlock()

	if over {
		m.evict()
	}
}

// Release gives back n bytes of budget, called once a Buffer's contents
// have been spilled or closed.
func (m *Manager) Release(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.currentUsage -= int64(n)
	if m.currentUsage < 0 {
		m.currentUsage = 0
	}
}

func (m *Manager) evict() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for m.currentUsage > m.limit && len(m.items) > 0 {
		item := m.items[0]
		freed := int64(item.buf.Len())
		if err := item.buf.forceSpill(); err != nil {
			// Couldn't spill (the temp file could not be created or
			// written) — drop it from consideration so eviction doesn't
			// spin on it forever.
			heap.Remove(&m.items, item.index)
			delete(m.index, item.buf)
			continue
		}
		heap.Remove(&m.items, item.index)
		delete(m.index, item.buf)
		// forceSpill moved freed bytes out of RAM onto disk. A buffer that
		// was already on disk, closed or being read is left as it is by
		// forceSpill, and its Len is subtracted all the same.
		m.currentUsage -= freed
		if m.currentUsage < 0 {
			m.currentUsage = 0
		}
	}
}
