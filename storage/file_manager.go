package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"
)

const registryFileName = "files.json"

type dataFile struct {
	id         uint64
	name       string
	file       *os.File
	filledUpTo atomic.Uint64
	growMu     sync.Mutex
}

type fileRegistry struct {
	NextID uint64            `json:"next_id"`
	Files  map[string]uint64 `json:"files"`
}

// FileManager stores fixed size pages in a directory of data files. Files
// are addressed by numeric ids which survive restarts through a small JSON
// registry kept next to the data.
type FileManager struct {
	dir   string
	files *xsync.MapOf[uint64, *dataFile]

	mu       sync.Mutex // protects registry and file creation/removal
	registry fileRegistry
}

// NewFileManager opens (or creates) a data directory
func NewFileManager(dir string) (*FileManager, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, ErrDiskOperation("NewFileManager", fmt.Errorf("create data directory %s: %w", dir, err))
	}

	fm := &FileManager{
		dir:      dir,
		files:    xsync.NewMapOf[uint64, *dataFile](),
		registry: fileRegistry{NextID: 1, Files: make(map[string]uint64)},
	}

	data, err := os.ReadFile(filepath.Join(dir, registryFileName))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, ErrDiskOperation("NewFileManager", fmt.Errorf("read file registry: %w", err))
	default:
		if err := json.Unmarshal(data, &fm.registry); err != nil {
			return nil, NewStorageError(ErrCodePageCorrupted, "NewFileManager", "file registry is not valid JSON", err)
		}
		if fm.registry.Files == nil {
			fm.registry.Files = make(map[string]uint64)
		}
	}

	for name, id := range fm.registry.Files {
		if _, err := fm.openDataFile(id, name, false); err != nil {
			fm.Close()
			return nil, err
		}
	}
	return fm, nil
}

func (fm *FileManager) openDataFile(id uint64, name string, create bool) (*dataFile, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(filepath.Join(fm.dir, name), flags, 0644)
	if err != nil {
		return nil, ErrDiskOperation("openDataFile", fmt.Errorf("open %s: %w", name, err))
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, ErrDiskOperation("openDataFile", fmt.Errorf("stat %s: %w", name, err))
	}

	df := &dataFile{id: id, name: name, file: f}
	df.filledUpTo.Store(uint64(info.Size()) / PageSize)
	fm.files.Store(id, df)
	return df, nil
}

// saveRegistry rewrites the registry through a temporary file. Caller holds fm.mu.
func (fm *FileManager) saveRegistry() error {
	data, err := json.MarshalIndent(fm.registry, "", " ")
	if err != nil {
		return fmt.Errorf("failed to marshal file registry: %w", err)
	}
	path := filepath.Join(fm.dir, registryFileName)
	tmp := path + ".tmp"
	if err := writeSynced(tmp, data); err != nil {
		return ErrDiskOperation("saveRegistry", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return ErrDiskOperation("saveRegistry", err)
	}
	// The rename and any data file created with this registry entry must
	// survive a power loss before the registry is relied on.
	if err := syncDir(fm.dir); err != nil {
		return ErrDiskOperation("saveRegistry", err)
	}
	return nil
}

func writeSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// AddFile creates and registers a new empty data file.
func (fm *FileManager) AddFile(name string) (uint64, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	if _, exists := fm.registry.Files[name]; exists {
		return 0, NewStorageError(ErrCodeFileExists, "AddFile", fmt.Sprintf("file %q already exists", name), nil)
	}

	id := fm.registry.NextID
	if _, err := fm.openDataFile(id, name, true); err != nil {
		return 0, err
	}
	fm.registry.NextID++
	fm.registry.Files[name] = id
	if err := fm.saveRegistry(); err != nil {
		fm.closeAndForget(id)
		delete(fm.registry.Files, name)
		return 0, err
	}
	return id, nil
}

// OpenFile returns the id of a registered file.
func (fm *FileManager) OpenFile(name string) (uint64, error) {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	id, ok := fm.registry.Files[name]
	if !ok {
		return 0, ErrFileNotFound("OpenFile", name)
	}
	return id, nil
}

// Exists reports whether a file with this name is registered.
func (fm *FileManager) Exists(name string) bool {
	fm.mu.Lock()
	defer fm.mu.Unlock()
	_, ok := fm.registry.Files[name]
	return ok
}

// HasFile reports whether a file id is registered.
func (fm *FileManager) HasFile(fileID uint64) bool {
	_, ok := fm.files.Load(fileID)
	return ok
}

// FileName returns the name a file id was registered with.
func (fm *FileManager) FileName(fileID uint64) (string, error) {
	df, err := fm.lookup("FileName", fileID)
	if err != nil {
		return "", err
	}
	return df.name, nil
}

func (fm *FileManager) lookup(op string, fileID uint64) (*dataFile, error) {
	df, ok := fm.files.Load(fileID)
	if !ok {
		return nil, ErrFileIDNotFound(op, fileID)
	}
	return df, nil
}

// ReadPage reads a page into buf, which must be PageSize bytes long.
func (fm *FileManager) ReadPage(id PageIdentity, buf []byte) error {
	if len(buf) != PageSize {
		return fmt.Errorf("page buffer must be exactly %d bytes, got %d", PageSize, len(buf))
	}
	df, err := fm.lookup("ReadPage", id.FileID)
	if err != nil {
		return err
	}
	if filled := df.filledUpTo.Load(); id.PageIndex >= filled {
		return ErrPageOutOfRange("ReadPage", id, filled)
	}

	n, err := df.file.ReadAt(buf, int64(id.PageIndex)*PageSize)
	switch {
	case err == nil || n == PageSize:
		return nil
	case errors.Is(err, io.EOF):
		// The file was cut short behind our back.
		return ErrPageNotFound("ReadPage", id)
	default:
		return ErrDiskOperation("ReadPage", fmt.Errorf("failed to read page %s: %w", id, err))
	}
}

// WritePage writes a page image. Writing past the end extends the file.
// The write is not synced; see Sync.
func (fm *FileManager) WritePage(id PageIdentity, data []byte) error {
	if len(data) != PageSize {
		return fmt.Errorf("page data must be exactly %d bytes, got %d", PageSize, len(data))
	}
	df, err := fm.lookup("WritePage", id.FileID)
	if err != nil {
		return err
	}
	if _, err := df.file.WriteAt(data, int64(id.PageIndex)*PageSize); err != nil {
		return ErrDiskOperation("WritePage", fmt.Errorf("failed to write page %s: %w", id, err))
	}
	for {
		filled := df.filledUpTo.Load()
		if id.PageIndex < filled || df.filledUpTo.CompareAndSwap(filled, id.PageIndex+1) {
			return nil
		}
	}
}

// PageWrite represents a single page write operation
type PageWrite struct {
	ID   PageIdentity
	Data []byte
}

// WritePagesV writes a batch of pages and syncs every touched file once.
func (fm *FileManager) WritePagesV(writes []PageWrite) error {
	touched := make(map[uint64]struct{})
	for _, pw := range writes {
		if err := fm.WritePage(pw.ID, pw.Data); err != nil {
			return err
		}
		touched[pw.ID.FileID] = struct{}{}
	}
	for fileID := range touched {
		if err := fm.Sync(fileID); err != nil {
			return err
		}
	}
	return nil
}

// AllocatePage appends a zeroed page to a file and returns its index.
func (fm *FileManager) AllocatePage(fileID uint64) (uint64, error) {
	df, err := fm.lookup("AllocatePage", fileID)
	if err != nil {
		return 0, err
	}

	df.growMu.Lock()
	defer df.growMu.Unlock()

	index := df.filledUpTo.Load()
	if err := preallocate(df.file, int64(index+1)*PageSize); err != nil {
		return 0, ErrDiskOperation("AllocatePage", fmt.Errorf("failed to extend %s: %w", df.name, err))
	}
	df.filledUpTo.Store(index + 1)
	return index, nil
}

// FilledUpTo returns the number of pages the file holds.
func (fm *FileManager) FilledUpTo(fileID uint64) (uint64, error) {
	df, err := fm.lookup("FilledUpTo", fileID)
	if err != nil {
		return 0, err
	}
	return df.filledUpTo.Load(), nil
}

// Truncate drops every page of a file.
func (fm *FileManager) Truncate(fileID uint64) error {
	df, err := fm.lookup("Truncate", fileID)
	if err != nil {
		return err
	}
	df.growMu.Lock()
	defer df.growMu.Unlock()
	if err := df.file.Truncate(0); err != nil {
		return ErrDiskOperation("Truncate", err)
	}
	df.filledUpTo.Store(0)
	return nil
}

// DeleteFile closes, unregisters and removes a data file.
func (fm *FileManager) DeleteFile(fileID uint64) error {
	fm.mu.Lock()
	defer fm.mu.Unlock()

	df, err := fm.lookup("DeleteFile", fileID)
	if err != nil {
		return err
	}
	fm.closeAndForget(fileID)
	delete(fm.registry.Files, df.name)
	if err := fm.saveRegistry(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(fm.dir, df.name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return ErrDiskOperation("DeleteFile", err)
	}
	return nil
}

func (fm *FileManager) closeAndForget(fileID uint64) {
	if df, ok := fm.files.LoadAndDelete(fileID); ok {
		df.file.Close()
	}
}

// Sync makes the written pages of one file durable.
func (fm *FileManager) Sync(fileID uint64) error {
	df, err := fm.lookup("Sync", fileID)
	if err != nil {
		return err
	}
	if err := syncFile(df.file); err != nil {
		return ErrDiskOperation("Sync", fmt.Errorf("failed to sync %s: %w", df.name, err))
	}
	return nil
}

// SyncAll syncs every open file.
func (fm *FileManager) SyncAll() error {
	var firstErr error
	fm.files.Range(func(id uint64, _ *dataFile) bool {
		if err := fm.Sync(id); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Files returns the registered file ids.
func (fm *FileManager) Files() []uint64 {
	ids := make([]uint64, 0, fm.files.Size())
	fm.files.Range(func(id uint64, _ *dataFile) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Close closes every data file
func (fm *FileManager) Close() error {
	var firstErr error
	fm.files.Range(func(id uint64, df *dataFile) bool {
		if err := df.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		fm.files.Delete(id)
		return true
	})
	return firstErr
}
