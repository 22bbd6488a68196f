package storage

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// OperationState represents the state of an atomic operation
type OperationState int32

const (
	OperationActive     OperationState = 0
	OperationCommitted  OperationState = 1
	OperationRolledBack OperationState = 2
)

func (s OperationState) String() string {
	switch s {
	case OperationActive:
		return "active"
	case OperationCommitted:
		return "committed"
	case OperationRolledBack:
		return "rolled back"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// DurablePage is a page handed out by an atomic operation.
type DurablePage interface {
	PageIndex() uint64
	Data() []byte
	Release()
}

// AtomicOperationManager starts atomic operations and coordinates their
// commits with checkpoints.
type AtomicOperationManager struct {
	cache   *BufferCache
	journal *Journal // nil when journaling is disabled

	nextID atomic.Uint64
	active *xsync.MapOf[uint64, *AtomicOperation]

	// Commits hold it shared, checkpoints exclusively.
	commitMu sync.RWMutex

	metrics *Metrics
	logger  *slog.Logger
}

// NewAtomicOperationManager creates a manager. journal may be nil.
func NewAtomicOperationManager(cache *BufferCache, journal *Journal, logger *slog.Logger) *AtomicOperationManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &AtomicOperationManager{
		cache:   cache,
		journal: journal,
		active:  xsync.NewMapOf[uint64, *AtomicOperation](),
		metrics: cache.Metrics(),
		logger:  logger,
	}
}

// Begin starts a new atomic operation. An operation must be used by one
// goroutine at a time and must end with Commit or Rollback.
func (m *AtomicOperationManager) Begin() *AtomicOperation {
	op := &AtomicOperation{
		id:        m.nextID.Add(1),
		manager:   m,
		pages:     make(map[PageIdentity]*operationPage),
		startTime: time.Now(),
	}
	m.active.Store(op.id, op)
	m.metrics.RecordOpStart()
	return op
}

// Execute runs fn inside a new atomic operation, committing it when fn
// succeeds and rolling it back otherwise.
func (m *AtomicOperationManager) Execute(fn func(op *AtomicOperation) error) error {
	op := m.Begin()
	if err := fn(op); err != nil {
		if rbErr := op.Rollback(); rbErr != nil {
			m.logger.Warn("rollback failed", "op", op.id, "error", rbErr)
		}
		return err
	}
	return op.Commit()
}

// ActiveCount returns the number of operations that have not ended yet.
func (m *AtomicOperationManager) ActiveCount() int {
	return m.active.Size()
}

// Checkpoint waits for running commits, writes every dirty page to its data
// file and empties the journal.
func (m *AtomicOperationManager) Checkpoint() error {
	m.commitMu.Lock()
	defer m.commitMu.Unlock()

	if err := m.cache.FlushAll(); err != nil {
		return NewStorageError(ErrCodeCheckpointFailed, "Checkpoint", "flushing dirty pages", err)
	}
	if m.journal != nil {
		if err := m.journal.Truncate(); err != nil {
			return NewStorageError(ErrCodeCheckpointFailed, "Checkpoint", "truncating the journal", err)
		}
	}
	m.metrics.RecordCheckpoint()
	m.logger.Debug("checkpoint complete")
	return nil
}

// operationPage is a page modified by an atomic operation. Changes go to a
// private copy that is installed into the cache on commit. The cache page's
// write lock is held until then.
type operationPage struct {
	guard *PageGuard
	data  []byte
}

func (p *operationPage) PageIndex() uint64 {
	return p.guard.PageIndex()
}

func (p *operationPage) Data() []byte {
	return p.data
}

// Release is a no-op; the page stays locked until the operation ends.
func (p *operationPage) Release() {}

// AtomicOperation groups page changes that become visible and durable together.
type AtomicOperation struct {
	id      uint64
	manager *AtomicOperationManager
	state   atomic.Int32

	pages        map[PageIdentity]*operationPage
	order        []*operationPage
	createdFiles []uint64
	deletedFiles []uint64

	startTime time.Time
}

func (op *AtomicOperation) ID() uint64 {
	return op.id
}

func (op *AtomicOperation) State() OperationState {
	return OperationState(op.state.Load())
}

func (op *AtomicOperation) checkActive(name string) error {
	if s := op.State(); s != OperationActive {
		return ErrInvalidOperationState(name, op.id, s.String())
	}
	return nil
}

func (op *AtomicOperation) isDeleted(fileID uint64) bool {
	for _, id := range op.deletedFiles {
		if id == fileID {
			return true
		}
	}
	return false
}

// LoadPageForRead returns a page for reading. Pages this operation changed
// are returned with its changes.
func (op *AtomicOperation) LoadPageForRead(fileID, pageIndex uint64) (DurablePage, error) {
	if err := op.checkActive("LoadPageForRead"); err != nil {
		return nil, err
	}
	if op.isDeleted(fileID) {
		return nil, ErrFileIDNotFound("LoadPageForRead", fileID)
	}
	id := PageIdentity{FileID: fileID, PageIndex: pageIndex}
	if p, ok := op.pages[id]; ok {
		return p, nil
	}
	return op.manager.cache.Pin(id, false)
}

// LoadPageForWrite returns a private copy of a page. With clear set the copy
// starts zeroed instead of holding the current content.
func (op *AtomicOperation) LoadPageForWrite(fileID, pageIndex uint64, clear bool) (DurablePage, error) {
	if err := op.checkActive("LoadPageForWrite"); err != nil {
		return nil, err
	}
	if op.isDeleted(fileID) {
		return nil, ErrFileIDNotFound("LoadPageForWrite", fileID)
	}
	id := PageIdentity{FileID: fileID, PageIndex: pageIndex}
	if p, ok := op.pages[id]; ok {
		if clear {
			zero(p.data)
		}
		return p, nil
	}

	guard, err := op.manager.cache.pin(id, pinUpdate)
	if err != nil {
		return nil, err
	}
	p := &operationPage{guard: guard, data: make([]byte, PageSize)}
	if !clear {
		guard.snapshot(p.data)
	}
	op.track(id, p)
	return p, nil
}

// AddPage appends a zeroed page to a file. The page is allocated at once; if
// the operation rolls back it stays in the file, zeroed.
func (op *AtomicOperation) AddPage(fileID uint64) (DurablePage, error) {
	if err := op.checkActive("AddPage"); err != nil {
		return nil, err
	}
	if op.isDeleted(fileID) {
		return nil, ErrFileIDNotFound("AddPage", fileID)
	}
	guard, err := op.manager.cache.addPage(fileID, pinUpdate)
	if err != nil {
		return nil, err
	}
	p := &operationPage{guard: guard, data: make([]byte, PageSize)}
	op.track(guard.Identity(), p)
	return p, nil
}

func (op *AtomicOperation) track(id PageIdentity, p *operationPage) {
	op.pages[id] = p
	op.order = append(op.order, p)
}

// FilledUpTo returns the number of pages in a file, including pages added by
// running operations.
func (op *AtomicOperation) FilledUpTo(fileID uint64) (uint64, error) {
	if err := op.checkActive("FilledUpTo"); err != nil {
		return 0, err
	}
	if op.isDeleted(fileID) {
		return 0, ErrFileIDNotFound("FilledUpTo", fileID)
	}
	return op.manager.cache.FilledUpTo(fileID)
}

// AddFile creates a data file. The file is removed again if the operation rolls back.
func (op *AtomicOperation) AddFile(name string) (uint64, error) {
	if err := op.checkActive("AddFile"); err != nil {
		return 0, err
	}
	id, err := op.manager.cache.AddFile(name)
	if err != nil {
		return 0, err
	}
	op.createdFiles = append(op.createdFiles, id)
	return id, nil
}

// OpenFile resolves a file name to its id.
func (op *AtomicOperation) OpenFile(name string) (uint64, error) {
	if err := op.checkActive("OpenFile"); err != nil {
		return 0, err
	}
	return op.manager.cache.OpenFile(name)
}

// FileExists reports whether a file with this name is registered.
func (op *AtomicOperation) FileExists(name string) bool {
	return op.manager.cache.files.Exists(name)
}

// DeleteFile removes a file when the operation commits.
func (op *AtomicOperation) DeleteFile(fileID uint64) error {
	if err := op.checkActive("DeleteFile"); err != nil {
		return err
	}
	if !op.manager.cache.files.HasFile(fileID) {
		return ErrFileIDNotFound("DeleteFile", fileID)
	}
	if !op.isDeleted(fileID) {
		op.deletedFiles = append(op.deletedFiles, fileID)
	}
	return nil
}

// Commit journals the operation's changes and installs them into the cache.
func (op *AtomicOperation) Commit() error {
	if err := op.checkActive("Commit"); err != nil {
		return err
	}
	m := op.manager
	start := time.Now()

	m.commitMu.RLock()
	defer m.commitMu.RUnlock()

	if m.journal != nil && (len(op.order) > 0 || len(op.deletedFiles) > 0) {
		rec := &JournalRecord{OpID: op.id, DeletedFiles: op.deletedFiles}
		for _, p := range op.order {
			if !op.isDeleted(p.guard.Identity().FileID) {
				rec.Pages = append(rec.Pages, PageWrite{ID: p.guard.Identity(), Data: p.data})
			}
		}
		if err := m.journal.Append(rec); err != nil {
			m.logger.Error("journal append failed, rolling back", "op", op.id, "error", err)
			op.abort()
			return err
		}
	}

	for _, p := range op.order {
		if !op.isDeleted(p.guard.Identity().FileID) {
			p.guard.install(p.data)
		}
		p.guard.Release()
	}

	op.state.Store(int32(OperationCommitted))
	m.active.Delete(op.id)

	var firstErr error
	for _, fileID := range op.deletedFiles {
		if err := m.cache.DeleteFile(fileID); err != nil {
			m.logger.Warn("deleting file on commit failed", "op", op.id, "file", fileID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	m.metrics.RecordOpCommit()
	m.metrics.RecordCommitLatency(time.Since(start))
	return firstErr
}

// Rollback discards the operation's changes and removes the files it created.
func (op *AtomicOperation) Rollback() error {
	if err := op.checkActive("Rollback"); err != nil {
		return err
	}
	return op.abort()
}

func (op *AtomicOperation) abort() error {
	m := op.manager
	for _, p := range op.order {
		p.guard.Release()
	}
	op.state.Store(int32(OperationRolledBack))
	m.active.Delete(op.id)

	var firstErr error
	for _, fileID := range op.createdFiles {
		if err := m.cache.DeleteFile(fileID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.metrics.RecordOpRollback()
	return firstErr
}

func zero(b []byte) {
	clear(b)
}
