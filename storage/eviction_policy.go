package storage

import (
	"fmt"
	"iter"
	"sync/atomic"
)

// EvictionPolicy decides which resident pages leave the cache.
// All methods are called with the owning cache's eviction lock held.
type EvictionPolicy interface {
	// OnAdd admits a freshly loaded entry. The cache size counter must
	// already include it. May evict other entries.
	OnAdd(e *CacheEntry)

	// OnAccess records a hit on a resident entry.
	OnAccess(e *CacheEntry)

	// OnRemove unlinks frozen entries. Entries that are in no segment are
	// skipped. The policy is checked once all of them are unlinked.
	OnRemove(entries ...*CacheEntry)

	SetMaxSize(maxSize int)
	MaxSize() int

	// PinnedOverflow reports how many entries the cache holds above its
	// capacity because every eviction candidate was pinned.
	PinnedOverflow() int

	// Entries iterates over every resident entry, most recently used first
	// within each segment.
	Entries() iter.Seq[*CacheEntry]

	AssertSize() error
	AssertConsistency() error
}

// PolicyOptions carries the cache state an eviction policy manipulates.
type PolicyOptions struct {
	// PageTable loses evicted entries. Optional in tests.
	PageTable *PageTable
	// CacheSize is the resident entry counter shared with the cache.
	CacheSize *atomic.Int64
	// OnEvict is called, under the eviction lock, for every evicted entry
	// while it is still frozen and present in the page table.
	OnEvict func(e *CacheEntry)

	MaxSize int
	// EdenPercent is the share of MaxSize given to the admission window.
	EdenPercent int
	// ProtectionPercent is the share of the non-eden capacity given to the protected segment.
	ProtectionPercent int
}

const (
	DefaultEdenPercent       = 20
	DefaultProtectionPercent = 80

	PolicyWTinyLFU = "wtinylfu"
	PolicyLRU      = "lru"
)

// NewEvictionPolicy creates a policy by name.
func NewEvictionPolicy(name string, admittor Admittor, opts PolicyOptions) (EvictionPolicy, error) {
	switch name {
	case PolicyWTinyLFU, "":
		return NewWTinyLFUPolicy(admittor, opts), nil
	case PolicyLRU:
		return NewLRUPolicy(opts), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q", name)
	}
}

// policyCore holds what every policy needs to take an entry out of the cache.
type policyCore struct {
	table     *PageTable
	cacheSize *atomic.Int64
	onEvict   func(e *CacheEntry)
	maxSize   int
	overflow  int
}

func newPolicyCore(opts PolicyOptions) policyCore {
	size := opts.CacheSize
	if size == nil {
		size = new(atomic.Int64)
	}
	return policyCore{
		table:     opts.PageTable,
		cacheSize: size,
		onEvict:   opts.OnEvict,
		maxSize:   max(opts.MaxSize, 1),
	}
}

func (c *policyCore) overCapacity() bool {
	return c.cacheSize.Load() > int64(c.maxSize)
}

// evict finishes removing an entry that has already been frozen and unlinked.
// The eviction listener runs before the page table slot is cleared, so a
// reader that finds the slot empty also finds whatever the listener kept.
func (c *policyCore) evict(e *CacheEntry) {
	if c.onEvict != nil {
		c.onEvict(e)
	}
	if c.table != nil {
		c.table.CompareAndRemove(e)
	}
	c.cacheSize.Add(-1)
	e.makeDead()
}

func (c *policyCore) updateOverflow() {
	c.overflow = max(int(c.cacheSize.Load())-c.maxSize, 0)
}

func (c *policyCore) MaxSize() int {
	return c.maxSize
}

func (c *policyCore) PinnedOverflow() int {
	return c.overflow
}

// checkSegment walks one list and verifies its links, tags and member states.
func checkSegment(l *segmentList, seen map[*CacheEntry]segmentID) error {
	count := 0
	var prev *CacheEntry
	for e := l.head; e != nil; e = e.next {
		if owner, dup := seen[e]; dup {
			return ErrConsistency("AssertConsistency",
				fmt.Sprintf("page %s found in %s and %s", e.identity, owner, l.id))
		}
		seen[e] = l.id
		if e.segment != l.id {
			return ErrConsistency("AssertConsistency",
				fmt.Sprintf("page %s linked in %s but tagged %s", e.identity, l.id, e.segment))
		}
		if e.prev != prev {
			return ErrConsistency("AssertConsistency",
				fmt.Sprintf("broken back link at page %s in %s", e.identity, l.id))
		}
		if e.IsFrozen() {
			return ErrConsistency("AssertConsistency",
				fmt.Sprintf("frozen page %s still linked in %s", e.identity, l.id))
		}
		prev = e
		count++
	}
	if prev != l.tail {
		return ErrConsistency("AssertConsistency", fmt.Sprintf("tail of %s is not its last entry", l.id))
	}
	if count != l.size {
		return ErrConsistency("AssertConsistency",
			fmt.Sprintf("%s holds %d entries but counts %d", l.id, count, l.size))
	}
	return nil
}
