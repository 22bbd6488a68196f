package storage

import (
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sync/errgroup"
)

const (
	readBufferSize      = 128
	readDrainThreshold  = readBufferSize / 2
	loadLockStripes     = 64
	defaultFlushWorkers = 4
)

// writeBackPage is the image of a dirty page that left the cache before it
// reached disk.
type writeBackPage struct {
	id   PageIdentity
	data []byte
}

// pinMode selects the locks a pin holds on the page.
type pinMode uint8

const (
	pinRead   pinMode = iota // shared latch
	pinWrite                 // write lock and exclusive latch
	pinUpdate                // write lock only; changes are installed later
)

// BufferCacheOptions configures a BufferCache.
type BufferCacheOptions struct {
	MaxPages           int
	EvictionPolicy     string
	EdenPercent        int
	ProtectionPercent  int
	SketchSampleFactor int
	FlushWorkers       int
	Metrics            *Metrics
	Logger             *slog.Logger
}

// BufferCache keeps a bounded set of file pages in memory.
//
// Lookups go through a lock-free page table. Hits are handed to the eviction
// policy through a lossy buffer that is drained by whoever gets the eviction
// lock without waiting for it. Misses load the page, publish it and admit it to
// the policy under the eviction lock. Dirty pages chosen for eviction move to a
// write-back set and are persisted by the goroutine whose miss evicted them.
type BufferCache struct {
	files  *FileManager
	table  *PageTable
	policy EvictionPolicy

	evictionLock sync.Mutex
	cacheSize    atomic.Int64
	pending      []*writeBackPage // guarded by evictionLock

	readBuffer chan *CacheEntry
	writeBack  *xsync.MapOf[PageIdentity, *writeBackPage]
	loadLocks  [loadLockStripes]sync.Mutex
	buffers    sync.Pool

	flushWorkers int
	metrics      *Metrics
	logger       *slog.Logger
	closed       atomic.Bool
}

// NewBufferCache creates a cache over the pages of files.
func NewBufferCache(files *FileManager, opts BufferCacheOptions) (*BufferCache, error) {
	if opts.MaxPages < 1 {
		return nil, fmt.Errorf("cache must hold at least one page, got %d", opts.MaxPages)
	}
	if opts.SketchSampleFactor <= 0 {
		opts.SketchSampleFactor = DefaultSketchSampleFactor
	}
	if opts.FlushWorkers <= 0 {
		opts.FlushWorkers = defaultFlushWorkers
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	c := &BufferCache{
		files:        files,
		table:        NewPageTable(),
		readBuffer:   make(chan *CacheEntry, readBufferSize),
		writeBack:    xsync.NewMapOf[PageIdentity, *writeBackPage](),
		flushWorkers: opts.FlushWorkers,
		metrics:      opts.Metrics,
		logger:       opts.Logger,
	}
	c.buffers.New = func() any { return new([PageSize]byte) }

	policy, err := NewEvictionPolicy(opts.EvictionPolicy,
		NewFrequencySketch(opts.MaxPages, opts.SketchSampleFactor),
		PolicyOptions{
			PageTable:         c.table,
			CacheSize:         &c.cacheSize,
			OnEvict:           c.retire,
			MaxSize:           opts.MaxPages,
			EdenPercent:       opts.EdenPercent,
			ProtectionPercent: opts.ProtectionPercent,
		})
	if err != nil {
		return nil, err
	}
	c.policy = policy
	return c, nil
}

func (c *BufferCache) getBuffer() []byte {
	buf := c.buffers.Get().(*[PageSize]byte)
	return buf[:]
}

func (c *BufferCache) putBuffer(buf []byte) {
	c.buffers.Put((*[PageSize]byte)(buf))
}

func (c *BufferCache) loadLock(id PageIdentity) *sync.Mutex {
	return &c.loadLocks[id.Hash()%loadLockStripes]
}

// retire takes a frozen entry out of service. Dirty content moves to the
// write-back set; clean buffers go straight back to the pool.
// Caller holds the eviction lock.
func (c *BufferCache) retire(e *CacheEntry) {
	c.metrics.RecordPageEviction()
	if e.IsDirty() {
		wb := &writeBackPage{id: e.identity, data: e.data}
		c.writeBack.Store(e.identity, wb)
		c.pending = append(c.pending, wb)
		return
	}
	c.putBuffer(e.data)
}

// takePending hands the write-back pages queued by recent evictions to the
// caller. Caller holds the eviction lock.
func (c *BufferCache) takePending() []*writeBackPage {
	pending := c.pending
	c.pending = nil
	return pending
}

// Pin returns the page pinned in memory, loading it if needed. A write pin
// holds the page exclusively until the guard is released.
func (c *BufferCache) Pin(id PageIdentity, forWrite bool) (*PageGuard, error) {
	mode := pinRead
	if forWrite {
		mode = pinWrite
	}
	return c.pin(id, mode)
}

func (c *BufferCache) pin(id PageIdentity, mode pinMode) (*PageGuard, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	e, err := c.acquire(id)
	if err != nil {
		return nil, err
	}
	return c.guard(e, mode), nil
}

func (c *BufferCache) guard(e *CacheEntry, mode pinMode) *PageGuard {
	switch mode {
	case pinRead:
		e.latch.RLock()
	case pinWrite:
		e.writeLock.Lock()
		e.latch.Lock()
	case pinUpdate:
		e.writeLock.Lock()
	}
	return &PageGuard{cache: c, entry: e, mode: mode}
}

// acquire returns a pinned entry for id.
func (c *BufferCache) acquire(id PageIdentity) (*CacheEntry, error) {
	for {
		if e := c.table.Get(id); e != nil {
			if e.acquire() {
				c.metrics.RecordCacheHit()
				c.afterRead(e)
				return e, nil
			}
			// Frozen: the slot is about to be cleared.
			runtime.Gosched()
			continue
		}

		e, err := c.load(id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			return e, nil
		}
	}
}

// load brings a missing page into the cache. It returns nil without an error
// when another goroutine published the page first.
func (c *BufferCache) load(id PageIdentity) (*CacheEntry, error) {
	start := time.Now()

	mu := c.loadLock(id)
	mu.Lock()
	if c.table.Get(id) != nil {
		mu.Unlock()
		return nil, nil
	}

	buf := c.getBuffer()
	dirty := false
	if wb, ok := c.writeBack.LoadAndDelete(id); ok {
		copy(buf, wb.data)
		c.putBuffer(wb.data)
		dirty = true
		c.metrics.RecordWriteBackHit()
	} else if err := c.files.ReadPage(id, buf); err != nil {
		mu.Unlock()
		c.putBuffer(buf)
		return nil, err
	} else {
		c.metrics.RecordPageRead()
	}

	e := newCacheEntry(id, buf)
	if dirty {
		e.MarkDirty()
	}
	e.acquire()
	c.table.PutIfAbsent(e)
	mu.Unlock()

	c.metrics.RecordCacheMiss()
	if err := c.admit(e); err != nil {
		return nil, err
	}
	c.metrics.RecordPageFetchLatency(time.Since(start))
	return e, nil
}

// admit hands a freshly published, pinned entry to the eviction policy and
// persists whatever the admission evicted.
func (c *BufferCache) admit(e *CacheEntry) error {
	c.evictionLock.Lock()
	c.drainReads()
	c.cacheSize.Add(1)
	c.policy.OnAdd(e)
	if c.policy.PinnedOverflow() > 0 {
		c.metrics.RecordPinnedOverflow()
		c.logger.Debug("cache over capacity, eviction candidates are pinned",
			"overflow", c.policy.PinnedOverflow(), "max_pages", c.policy.MaxSize())
	}
	pending := c.takePending()
	c.evictionLock.Unlock()

	if err := c.persistEvicted(pending); err != nil {
		c.abandon(e)
		return err
	}
	return nil
}

// abandon drops an entry whose admission failed. The entry stays cached if
// somebody else pinned it in the meantime.
func (c *BufferCache) abandon(e *CacheEntry) {
	e.release()
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	if !e.freeze() {
		return
	}
	c.policy.OnRemove(e)
	c.table.CompareAndRemove(e)
	if e.IsDirty() {
		// The content came from the write-back set and must not be lost.
		c.writeBack.Store(e.identity, &writeBackPage{id: e.identity, data: e.data})
		return
	}
	c.putBuffer(e.data)
}

// afterRead queues a hit for the policy. Hits are dropped while the buffer is full.
func (c *BufferCache) afterRead(e *CacheEntry) {
	select {
	case c.readBuffer <- e:
	default:
	}
	if len(c.readBuffer) >= readDrainThreshold && c.evictionLock.TryLock() {
		c.drainReads()
		c.evictionLock.Unlock()
	}
}

// drainReads applies buffered hits. Caller holds the eviction lock.
func (c *BufferCache) drainReads() {
	for {
		select {
		case e := <-c.readBuffer:
			c.policy.OnAccess(e)
		default:
			return
		}
	}
}

// persistEvicted writes evicted dirty pages. A page that fails to persist
// stays in the write-back set.
func (c *BufferCache) persistEvicted(pending []*writeBackPage) error {
	var firstErr error
	for _, wb := range pending {
		if err := c.persistWriteBack(wb); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *BufferCache) persistWriteBack(wb *writeBackPage) error {
	mu := c.loadLock(wb.id)
	mu.Lock()
	defer mu.Unlock()

	// A miss may have taken the image back into the cache.
	if cur, ok := c.writeBack.Load(wb.id); !ok || cur != wb {
		return nil
	}
	if err := c.writePage(wb.id, wb.data); err != nil {
		if IsErrorCode(err, ErrCodeFileNotFound) {
			c.writeBack.Delete(wb.id)
			c.putBuffer(wb.data)
			return nil
		}
		return err
	}
	c.writeBack.Delete(wb.id)
	c.putBuffer(wb.data)
	return nil
}

func (c *BufferCache) writePage(id PageIdentity, data []byte) error {
	start := time.Now()
	if err := c.files.WritePage(id, data); err != nil {
		c.metrics.RecordFlushFailure()
		name, _ := c.files.FileName(id.FileID)
		c.logger.Warn("page write failed", "file", name, "page", id.String(), "error", err)
		return err
	}
	c.metrics.RecordDirtyPageFlush()
	c.metrics.RecordPageFlushLatency(time.Since(start))
	return nil
}

// Unpin drops a pin taken by Pin. Prefer PageGuard.Release, which also
// releases the latches.
func (c *BufferCache) Unpin(e *CacheEntry) error {
	if !e.release() {
		return ErrInvalidUnpin("Unpin", e.identity)
	}
	return nil
}

// MarkDirty flags a pinned page as modified.
func (c *BufferCache) MarkDirty(e *CacheEntry) {
	e.MarkDirty()
}

// flushEntry writes a resident page if it is dirty. Pages that are being
// evicted are skipped; their content is in the write-back set.
func (c *BufferCache) flushEntry(e *CacheEntry) error {
	if !e.IsDirty() || !e.acquire() {
		return nil
	}
	defer e.release()

	e.latch.RLock()
	defer e.latch.RUnlock()
	if !e.clearDirty() {
		return nil
	}
	if err := c.writePage(e.identity, e.data); err != nil {
		e.MarkDirty()
		return err
	}
	return nil
}

// Flush writes one page to disk if it is dirty and syncs its file.
func (c *BufferCache) Flush(id PageIdentity) error {
	if err := c.WriteBack(id); err != nil {
		return err
	}
	return c.files.Sync(id.FileID)
}

// FlushFile writes every dirty page of one file and syncs it.
func (c *BufferCache) FlushFile(fileID uint64) error {
	var g errgroup.Group
	g.SetLimit(c.flushWorkers)
	c.writeBack.Range(func(id PageIdentity, wb *writeBackPage) bool {
		if id.FileID == fileID {
			g.Go(func() error { return c.persistWriteBack(wb) })
		}
		return true
	})
	c.table.ForEachInFile(fileID, func(e *CacheEntry) bool {
		g.Go(func() error { return c.flushEntry(e) })
		return true
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return c.files.Sync(fileID)
}

// FlushAll writes every dirty page, resident or evicted, and syncs all files.
func (c *BufferCache) FlushAll() error {
	var g errgroup.Group
	g.SetLimit(c.flushWorkers)
	c.writeBack.Range(func(_ PageIdentity, wb *writeBackPage) bool {
		g.Go(func() error { return c.persistWriteBack(wb) })
		return true
	})
	c.table.ForEach(func(e *CacheEntry) bool {
		if e.IsDirty() {
			g.Go(func() error { return c.flushEntry(e) })
		}
		return true
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return c.files.SyncAll()
}

// DirtyPageCount counts the pages whose latest content is not on disk yet.
func (c *BufferCache) DirtyPageCount() int {
	n := c.writeBack.Size()
	c.table.ForEach(func(e *CacheEntry) bool {
		if e.IsDirty() {
			n++
		}
		return true
	})
	return n
}

// DirtyPages lists up to limit dirty pages, evicted ones first.
func (c *BufferCache) DirtyPages(limit int) []PageIdentity {
	if limit <= 0 {
		return nil
	}
	var ids []PageIdentity
	c.writeBack.Range(func(id PageIdentity, _ *writeBackPage) bool {
		ids = append(ids, id)
		return len(ids) < limit
	})
	if len(ids) < limit {
		c.table.ForEach(func(e *CacheEntry) bool {
			if e.IsDirty() {
				ids = append(ids, e.identity)
			}
			return len(ids) < limit
		})
	}
	return ids
}

// WriteBack writes one page to its file if it is dirty, without syncing.
func (c *BufferCache) WriteBack(id PageIdentity) error {
	if wb, ok := c.writeBack.Load(id); ok {
		if err := c.persistWriteBack(wb); err != nil {
			return err
		}
	}
	if e := c.table.Get(id); e != nil {
		return c.flushEntry(e)
	}
	return nil
}

// Invalidate removes a page from the cache after writing back its changes.
// It fails if the page is pinned.
func (c *BufferCache) Invalidate(id PageIdentity) error {
	e := c.table.Get(id)
	if e == nil {
		return nil
	}
	c.evictionLock.Lock()
	if !e.freeze() {
		c.evictionLock.Unlock()
		if e.IsFrozen() {
			return nil
		}
		return ErrPagePinned("Invalidate", id, e.PinCount())
	}
	c.policy.OnRemove(e)
	c.retire(e)
	c.table.CompareAndRemove(e)
	pending := c.takePending()
	c.evictionLock.Unlock()

	return c.persistEvicted(pending)
}

// AddPage appends a zeroed page to a file and returns it pinned for write.
func (c *BufferCache) AddPage(fileID uint64) (*PageGuard, error) {
	return c.addPage(fileID, pinWrite)
}

func (c *BufferCache) addPage(fileID uint64, mode pinMode) (*PageGuard, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	index, err := c.files.AllocatePage(fileID)
	if err != nil {
		return nil, err
	}
	id := PageIdentity{FileID: fileID, PageIndex: index}

	buf := c.getBuffer()
	clear(buf)
	e := newCacheEntry(id, buf)
	e.acquire()

	mu := c.loadLock(id)
	mu.Lock()
	if _, ok := c.table.PutIfAbsent(e); !ok {
		mu.Unlock()
		c.putBuffer(buf)
		return nil, ErrConsistency("AddPage", fmt.Sprintf("freshly allocated page %s is already cached", id))
	}
	// A stale image of a page that was truncated away must not resurface.
	if wb, ok := c.writeBack.LoadAndDelete(id); ok {
		c.putBuffer(wb.data)
	}
	mu.Unlock()

	if err := c.admit(e); err != nil {
		return nil, err
	}
	return c.guard(e, mode), nil
}

// FilledUpTo returns the number of pages in a file.
func (c *BufferCache) FilledUpTo(fileID uint64) (uint64, error) {
	return c.files.FilledUpTo(fileID)
}

// AddFile creates a data file.
func (c *BufferCache) AddFile(name string) (uint64, error) {
	return c.files.AddFile(name)
}

// OpenFile resolves a registered file name to its id.
func (c *BufferCache) OpenFile(name string) (uint64, error) {
	return c.files.OpenFile(name)
}

// DeleteFile drops the cached pages of a file without writing them and
// removes it from disk. It fails if any of its pages is pinned.
func (c *BufferCache) DeleteFile(fileID uint64) error {
	return c.dropFile(fileID, func() error {
		c.table.DropFile(fileID)
		return c.files.DeleteFile(fileID)
	})
}

// TruncateFile discards every page of a file. It fails if any of its pages is pinned.
func (c *BufferCache) TruncateFile(fileID uint64) error {
	return c.dropFile(fileID, func() error {
		return c.files.Truncate(fileID)
	})
}

// dropFile discards the cached and write-back pages of a file, then runs
// change. No page of the file is loaded until change returns.
func (c *BufferCache) dropFile(fileID uint64, change func() error) error {
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	c.lockLoads()
	defer c.unlockLoads()
	c.drainReads()

	var frozen []*CacheEntry
	var pinned *CacheEntry
	c.table.ForEachInFile(fileID, func(e *CacheEntry) bool {
		if !e.freeze() {
			pinned = e
			return false
		}
		frozen = append(frozen, e)
		return true
	})
	if pinned != nil {
		for _, e := range frozen {
			e.unfreeze()
		}
		return ErrPagePinned("dropFile", pinned.identity, pinned.PinCount())
	}

	c.policy.OnRemove(frozen...)
	for _, e := range frozen {
		c.table.CompareAndRemove(e)
		c.putBuffer(e.data)
	}
	c.writeBack.Range(func(id PageIdentity, wb *writeBackPage) bool {
		if id.FileID == fileID {
			c.writeBack.Delete(id)
			c.putBuffer(wb.data)
		}
		return true
	})
	c.logger.Debug("dropped cached pages", "file", fileID, "pages", len(frozen))
	return change()
}

// lockLoads takes every load stripe, in order. Caller holds the eviction lock.
func (c *BufferCache) lockLoads() {
	for i := range c.loadLocks {
		c.loadLocks[i].Lock()
	}
}

func (c *BufferCache) unlockLoads() {
	for i := range c.loadLocks {
		c.loadLocks[i].Unlock()
	}
}

// Clear empties the cache. Dirty pages are written back first. It fails if
// any page is pinned, leaving the cache as it was.
func (c *BufferCache) Clear() error {
	c.evictionLock.Lock()
	c.drainReads()

	var frozen []*CacheEntry
	var pinned *CacheEntry
	c.table.ForEach(func(e *CacheEntry) bool {
		if !e.freeze() {
			pinned = e
			return false
		}
		frozen = append(frozen, e)
		return true
	})
	if pinned != nil {
		for _, e := range frozen {
			e.unfreeze()
		}
		c.evictionLock.Unlock()
		return ErrPagePinned("Clear", pinned.identity, pinned.PinCount())
	}

	c.policy.OnRemove(frozen...)
	for _, e := range frozen {
		c.retire(e)
		c.table.CompareAndRemove(e)
	}
	pending := c.takePending()
	c.evictionLock.Unlock()

	return c.persistEvicted(pending)
}

// ChangeMaximumAmountOfMemory resizes the cache to hold bytes worth of pages.
func (c *BufferCache) ChangeMaximumAmountOfMemory(bytes uint64) error {
	pages := int(bytes / PageSize)
	if pages < 1 {
		return fmt.Errorf("cache must hold at least one page, got %d bytes", bytes)
	}
	c.evictionLock.Lock()
	c.drainReads()
	c.policy.SetMaxSize(pages)
	pending := c.takePending()
	c.evictionLock.Unlock()

	c.logger.Info("cache resized", "max_pages", pages, "resident", c.cacheSize.Load())
	return c.persistEvicted(pending)
}

// Size returns the number of resident pages.
func (c *BufferCache) Size() int {
	return int(c.cacheSize.Load())
}

// MaxSize returns the capacity in pages.
func (c *BufferCache) MaxSize() int {
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	return c.policy.MaxSize()
}

// Contains reports whether a page is resident. Intended for tests and diagnostics.
func (c *BufferCache) Contains(id PageIdentity) bool {
	e := c.table.Get(id)
	return e != nil && !e.IsFrozen()
}

// AssertSize checks that the cache respects its capacity unless pinned pages
// forced it over.
func (c *BufferCache) AssertSize() error {
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	c.drainReads()
	return c.policy.AssertSize()
}

// AssertConsistency checks the policy structures against the page table.
func (c *BufferCache) AssertConsistency() error {
	c.evictionLock.Lock()
	defer c.evictionLock.Unlock()
	c.drainReads()

	if err := c.policy.AssertConsistency(); err != nil {
		return err
	}
	linked := 0
	for e := range c.policy.Entries() {
		if got := c.table.Get(e.identity); got != e {
			return ErrConsistency("AssertConsistency",
				fmt.Sprintf("page %s is linked in the policy but not in the page table", e.identity))
		}
		linked++
	}
	if inTable := c.table.Size(); inTable != linked {
		return ErrConsistency("AssertConsistency",
			fmt.Sprintf("page table holds %d pages, policy links %d", inTable, linked))
	}
	return nil
}

// Metrics returns the metrics shared with the cache.
func (c *BufferCache) Metrics() *Metrics {
	return c.metrics
}

// Close flushes every dirty page and refuses further pins.
func (c *BufferCache) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.FlushAll()
}

// PageGuard is a pinned page. Release must be called exactly once.
type PageGuard struct {
	cache    *BufferCache
	entry    *CacheEntry
	mode     pinMode
	released bool
}

func (g *PageGuard) Entry() *CacheEntry {
	return g.entry
}

func (g *PageGuard) Identity() PageIdentity {
	return g.entry.identity
}

func (g *PageGuard) PageIndex() uint64 {
	return g.entry.identity.PageIndex
}

// Data returns the page bytes. They may only be modified through a write guard.
func (g *PageGuard) Data() []byte {
	return g.entry.data
}

func (g *PageGuard) MarkDirty() {
	g.entry.MarkDirty()
}

// install copies a new image into the page under the exclusive latch.
// The guard must hold the page's write lock.
func (g *PageGuard) install(data []byte) {
	g.entry.latch.Lock()
	copy(g.entry.data, data)
	g.entry.MarkDirty()
	g.entry.latch.Unlock()
}

// snapshot copies the current page image under the shared latch.
func (g *PageGuard) snapshot(dst []byte) {
	g.entry.latch.RLock()
	copy(dst, g.entry.data)
	g.entry.latch.RUnlock()
}

// Release unlocks and unpins the page. Further calls are no-ops.
func (g *PageGuard) Release() {
	if g.released {
		return
	}
	g.released = true
	switch g.mode {
	case pinRead:
		g.entry.latch.RUnlock()
	case pinWrite:
		g.entry.latch.Unlock()
		g.entry.writeLock.Unlock()
	case pinUpdate:
		g.entry.writeLock.Unlock()
	}
	g.entry.release()
}
