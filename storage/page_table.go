package storage

import (
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

const (
	slotChunkShift = 9
	slotChunkSize  = 1 << slotChunkShift
	slotChunkMask  = slotChunkSize - 1
)

type slotChunk [slotChunkSize]atomic.Pointer[CacheEntry]

// fileSlots is a growable array of entry slots for one file. Slots are only
// ever changed by compare-and-swap. Growth copies the chunk directory under a
// mutex and publishes it atomically, so readers never lock.
type fileSlots struct {
	growMu sync.Mutex
	chunks atomic.Pointer[[]*slotChunk]
}

func newFileSlots() *fileSlots {
	fs := &fileSlots{}
	empty := make([]*slotChunk, 0)
	fs.chunks.Store(&empty)
	return fs
}

func (fs *fileSlots) slot(pageIndex uint64, create bool) *atomic.Pointer[CacheEntry] {
	ci := pageIndex >> slotChunkShift
	chunks := *fs.chunks.Load()
	if ci < uint64(len(chunks)) {
		return &chunks[ci][pageIndex&slotChunkMask]
	}
	if !create {
		return nil
	}

	fs.growMu.Lock()
	defer fs.growMu.Unlock()
	chunks = *fs.chunks.Load()
	if ci >= uint64(len(chunks)) {
		grown := make([]*slotChunk, ci+1)
		copy(grown, chunks)
		for i := len(chunks); i < len(grown); i++ {
			grown[i] = new(slotChunk)
		}
		fs.chunks.Store(&grown)
		chunks = grown
	}
	return &chunks[ci][pageIndex&slotChunkMask]
}

func (fs *fileSlots) forEach(fn func(e *CacheEntry) bool) bool {
	for _, chunk := range *fs.chunks.Load() {
		for i := range chunk {
			if e := chunk[i].Load(); e != nil {
				if !fn(e) {
					return false
				}
			}
		}
	}
	return true
}

// PageTable maps page identities to resident cache entries.
// Files are located through a concurrent map, pages within a file through a
// per-file slot array.
type PageTable struct {
	files *xsync.MapOf[uint64, *fileSlots]
}

// NewPageTable creates an empty page table
func NewPageTable() *PageTable {
	return &PageTable{files: xsync.NewMapOf[uint64, *fileSlots]()}
}

// Get returns the entry stored for id, or nil.
func (pt *PageTable) Get(id PageIdentity) *CacheEntry {
	fs, ok := pt.files.Load(id.FileID)
	if !ok {
		return nil
	}
	s := fs.slot(id.PageIndex, false)
	if s == nil {
		return nil
	}
	return s.Load()
}

// PutIfAbsent stores e unless another entry already occupies its slot.
// It returns the entry that ends up stored and whether e was the one stored.
func (pt *PageTable) PutIfAbsent(e *CacheEntry) (*CacheEntry, bool) {
	fs, _ := pt.files.LoadOrCompute(e.identity.FileID, newFileSlots)
	s := fs.slot(e.identity.PageIndex, true)
	for {
		if s.CompareAndSwap(nil, e) {
			return e, true
		}
		if cur := s.Load(); cur != nil {
			return cur, false
		}
	}
}

// CompareAndRemove clears the slot of e only if it still holds e.
func (pt *PageTable) CompareAndRemove(e *CacheEntry) bool {
	fs, ok := pt.files.Load(e.identity.FileID)
	if !ok {
		return false
	}
	s := fs.slot(e.identity.PageIndex, false)
	if s == nil {
		return false
	}
	return s.CompareAndSwap(e, nil)
}

// ForEachInFile calls fn for every entry of one file until fn returns false.
func (pt *PageTable) ForEachInFile(fileID uint64, fn func(e *CacheEntry) bool) {
	if fs, ok := pt.files.Load(fileID); ok {
		fs.forEach(fn)
	}
}

// ForEach calls fn for every entry in the table until fn returns false.
// Entries added or removed concurrently may or may not be visited.
func (pt *PageTable) ForEach(fn func(e *CacheEntry) bool) {
	pt.files.Range(func(_ uint64, fs *fileSlots) bool {
		return fs.forEach(fn)
	})
}

// DropFile forgets the slot array of a file. Callers remove the entries first.
func (pt *PageTable) DropFile(fileID uint64) {
	pt.files.Delete(fileID)
}

// Size counts resident entries. It walks the whole table.
func (pt *PageTable) Size() int {
	n := 0
	pt.ForEach(func(*CacheEntry) bool {
		n++
		return true
	})
	return n
}
