package storage

import (
	"sync"
	"sync/atomic"
)

// Entry state values. A non-negative state is the number of active pins.
const (
	entryFrozen int32 = -1
	entryDead   int32 = -2
)

type segmentID uint8

const (
	segmentDetached segmentID = iota
	segmentEden
	segmentProbation
	segmentProtection
)

func (s segmentID) String() string {
	switch s {
	case segmentEden:
		return "eden"
	case segmentProbation:
		return "probation"
	case segmentProtection:
		return "protection"
	default:
		return "detached"
	}
}

// CacheEntry is a page resident in the buffer cache.
//
// The pin count and the frozen/dead markers share one atomic word so that a
// pin can never race with an eviction: freezing only succeeds from zero pins,
// and pinning fails as soon as the entry is frozen. Callers that fail to pin
// a frozen entry go back to the page table and retry.
type CacheEntry struct {
	identity PageIdentity
	state    atomic.Int32
	dirty    atomic.Bool
	data     []byte

	// latch guards the bytes of data for the duration of a read or an in-place write.
	latch RWLatch
	// writeLock serializes writers of the page. Atomic operations hold it from
	// their first write access until they commit or roll back.
	writeLock sync.Mutex

	// Guarded by the eviction lock of the owning cache.
	segment    segmentID
	prev, next *CacheEntry
}

func newCacheEntry(id PageIdentity, data []byte) *CacheEntry {
	return &CacheEntry{identity: id, data: data}
}

// Identity returns the page this entry holds.
func (e *CacheEntry) Identity() PageIdentity {
	return e.identity
}

// Data returns the page buffer. Callers must hold a pin and the matching latch.
func (e *CacheEntry) Data() []byte {
	return e.data
}

// MarkDirty flags the page as modified since it was last persisted.
func (e *CacheEntry) MarkDirty() {
	e.dirty.Store(true)
}

func (e *CacheEntry) IsDirty() bool {
	return e.dirty.Load()
}

func (e *CacheEntry) clearDirty() bool {
	return e.dirty.CompareAndSwap(true, false)
}

// PinCount returns the number of active pins, zero for frozen or dead entries.
func (e *CacheEntry) PinCount() int32 {
	return max(e.state.Load(), 0)
}

// acquire adds a pin unless the entry is already being removed.
func (e *CacheEntry) acquire() bool {
	for {
		s := e.state.Load()
		if s < 0 {
			return false
		}
		if e.state.CompareAndSwap(s, s+1) {
			return true
		}
	}
}

// release drops one pin. It reports false if the entry was not pinned.
func (e *CacheEntry) release() bool {
	for {
		s := e.state.Load()
		if s <= 0 {
			return false
		}
		if e.state.CompareAndSwap(s, s-1) {
			return true
		}
	}
}

// freeze marks an unpinned entry as logically removed.
func (e *CacheEntry) freeze() bool {
	return e.state.CompareAndSwap(0, entryFrozen)
}

// unfreeze reverts a freeze that turned out to be premature.
func (e *CacheEntry) unfreeze() {
	e.state.CompareAndSwap(entryFrozen, 0)
}

func (e *CacheEntry) IsFrozen() bool {
	return e.state.Load() < 0
}

func (e *CacheEntry) makeDead() {
	e.state.Store(entryDead)
}

func (e *CacheEntry) IsDead() bool {
	return e.state.Load() == entryDead
}
