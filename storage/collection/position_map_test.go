package collection

import (
	"errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/sibexico/hexcache/storage"
)

type memPage struct {
	index uint64
	data  []byte
}

func (p *memPage) PageIndex() uint64 { return p.index }
func (p *memPage) Data() []byte      { return p.data }
func (p *memPage) Release()          {}

// memOperation keeps files in memory and applies changes immediately.
type memOperation struct {
	files  map[uint64][][]byte
	names  map[string]uint64
	nextID uint64
}

func newMemOperation() *memOperation {
	return &memOperation{files: make(map[uint64][][]byte), names: make(map[string]uint64)}
}

func (o *memOperation) file(op string, fileID uint64) ([][]byte, error) {
	pages, ok := o.files[fileID]
	if !ok {
		return nil, storage.ErrFileIDNotFound(op, fileID)
	}
	return pages, nil
}

func (o *memOperation) LoadPageForRead(fileID, pageIndex uint64) (storage.DurablePage, error) {
	pages, err := o.file("LoadPageForRead", fileID)
	if err != nil {
		return nil, err
	}
	if pageIndex >= uint64(len(pages)) {
		return nil, storage.ErrPageOutOfRange("LoadPageForRead",
			storage.PageIdentity{FileID: fileID, PageIndex: pageIndex}, uint64(len(pages)))
	}
	return &memPage{index: pageIndex, data: pages[pageIndex]}, nil
}

func (o *memOperation) LoadPageForWrite(fileID, pageIndex uint64, clearPage bool) (storage.DurablePage, error) {
	p, err := o.LoadPageForRead(fileID, pageIndex)
	if err != nil {
		return nil, err
	}
	if clearPage {
		clear(p.Data())
	}
	return p, nil
}

func (o *memOperation) AddPage(fileID uint64) (storage.DurablePage, error) {
	pages, err := o.file("AddPage", fileID)
	if err != nil {
		return nil, err
	}
	o.files[fileID] = append(pages, make([]byte, storage.PageSize))
	return &memPage{index: uint64(len(pages)), data: o.files[fileID][len(pages)]}, nil
}

func (o *memOperation) FilledUpTo(fileID uint64) (uint64, error) {
	pages, err := o.file("FilledUpTo", fileID)
	return uint64(len(pages)), err
}

func (o *memOperation) AddFile(name string) (uint64, error) {
	if _, ok := o.names[name]; ok {
		return 0, storage.NewStorageError(storage.ErrCodeFileExists, "AddFile", name, nil)
	}
	o.nextID++
	o.names[name] = o.nextID
	o.files[o.nextID] = nil
	return o.nextID, nil
}

func (o *memOperation) OpenFile(name string) (uint64, error) {
	id, ok := o.names[name]
	if !ok {
		return 0, storage.ErrFileNotFound("OpenFile", name)
	}
	return id, nil
}

func (o *memOperation) DeleteFile(fileID uint64) error {
	if _, err := o.file("DeleteFile", fileID); err != nil {
		return err
	}
	delete(o.files, fileID)
	for name, id := range o.names {
		if id == fileID {
			delete(o.names, name)
		}
	}
	return nil
}

func newTestMap(t *testing.T) (*PositionMap, *memOperation) {
	t.Helper()
	op := newMemOperation()
	m := NewPositionMap("positions.cpm")
	if err := m.Create(op); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return m, op
}

// fillMap adds n positions, the locator of position p pointing at page p.
func fillMap(t *testing.T, m *PositionMap, op AtomicOperation, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		pos, err := m.Add(op, uint64(i), uint32(i%4096))
		if err != nil {
			t.Fatalf("Add %d failed: %v", i, err)
		}
		if pos != int64(i) {
			t.Fatalf("Expected position %d, got %d", i, pos)
		}
	}
}

// keepOnly removes every position below n except keep.
func keepOnly(t *testing.T, m *PositionMap, op AtomicOperation, n int, keep ...int64) {
	t.Helper()
	for p := int64(0); p < int64(n); p++ {
		if slices.Contains(keep, p) {
			continue
		}
		if err := m.Remove(op, p); err != nil {
			t.Fatalf("Remove %d failed: %v", p, err)
		}
	}
}

func TestLocate(t *testing.T) {
	tests := []struct {
		position int64
		page     uint64
		slot     int
	}{
		{0, 1, 0},
		{313, 1, 313},
		{314, 2, 0},
		{629, 3, 1},
	}
	for _, tt := range tests {
		page, slot := locate(tt.position)
		if page != tt.page || slot != tt.slot {
			t.Errorf("locate(%d) = %d/%d, want %d/%d", tt.position, page, slot, tt.page, tt.slot)
		}
		if back := positionOf(page, slot); back != tt.position {
			t.Errorf("positionOf(%d, %d) = %d, want %d", page, slot, back, tt.position)
		}
	}
}

func TestPositionMapEmpty(t *testing.T) {
	m, op := newTestMap(t)

	if first, _ := m.FirstPosition(op); first != InvalidPosition {
		t.Errorf("Expected no first position, got %d", first)
	}
	if last, _ := m.LastPosition(op); last != InvalidPosition {
		t.Errorf("Expected no last position, got %d", last)
	}
	if next, _ := m.NextPosition(op); next != 0 {
		t.Errorf("Expected next position 0, got %d", next)
	}
	if _, ok, err := m.Get(op, 0); ok || err != nil {
		t.Errorf("Get on empty map = %v, %v", ok, err)
	}
	if st, _ := m.Status(op, 5); st != NotExistent {
		t.Errorf("Expected not existent, got %s", st)
	}
	if err := m.Update(op, 0, Locator{}); !errors.Is(err, storage.ErrOutOfRange) {
		t.Errorf("Expected OutOfRange, got %v", err)
	}
}

func TestPositionMapAddGet(t *testing.T) {
	m, op := newTestMap(t)

	pos, err := m.Add(op, 42, 96)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if pos != 0 {
		t.Errorf("Expected position 0, got %d", pos)
	}
	loc, ok, err := m.Get(op, pos)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if loc != (Locator{PageIndex: 42, RecordOffset: 96}) {
		t.Errorf("Unexpected locator %+v", loc)
	}
	if st, _ := m.Status(op, pos); st != Present {
		t.Errorf("Expected present, got %s", st)
	}
	if _, ok, _ := m.Get(op, -1); ok {
		t.Error("Negative position should not resolve")
	}
	if _, ok, _ := m.Get(op, 1); ok {
		t.Error("Position past the end should not resolve")
	}
}

func TestPositionMapAcrossBuckets(t *testing.T) {
	m, op := newTestMap(t)
	n := 2*MaxEntries + 5
	fillMap(t, m, op, n)

	if filled, _ := op.FilledUpTo(m.FileID()); filled != 4 {
		t.Errorf("Expected entry point and 3 buckets, got %d pages", filled)
	}
	for _, p := range []int64{0, MaxEntries - 1, MaxEntries, 2 * MaxEntries, int64(n - 1)} {
		loc, ok, err := m.Get(op, p)
		if err != nil || !ok || loc.PageIndex != uint64(p) {
			t.Errorf("Get(%d) = %+v, %v, %v", p, loc, ok, err)
		}
	}
	if next, _ := m.NextPosition(op); next != int64(n) {
		t.Errorf("Expected next position %d, got %d", n, next)
	}
	if last, _ := m.LastPosition(op); last != int64(n-1) {
		t.Errorf("Expected last position %d, got %d", n-1, last)
	}

	count := 0
	err := m.ForEachEntry(op, func(position int64, status SlotStatus, loc Locator) bool {
		if position != int64(count) || status != Present || loc.PageIndex != uint64(position) {
			t.Errorf("Unexpected entry %d: %s %+v", position, status, loc)
		}
		count++
		return true
	})
	if err != nil || count != n {
		t.Errorf("ForEachEntry visited %d entries, err %v", count, err)
	}
}

func TestPositionMapAllocateUpdate(t *testing.T) {
	m, op := newTestMap(t)
	fillMap(t, m, op, 2)

	pos, err := m.Allocate(op)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if pos != 2 {
		t.Fatalf("Expected position 2, got %d", pos)
	}
	if st, _ := m.Status(op, pos); st != NotExistent {
		t.Errorf("Allocated position should not exist yet, got %s", st)
	}
	if _, ok, _ := m.Get(op, pos); ok {
		t.Error("Allocated position should not resolve")
	}
	if next, _ := m.NextPosition(op); next != 3 {
		t.Errorf("Allocated slot should count, next position %d", next)
	}
	if ceil, _ := m.CeilingPositions(op, 0, 0); !slices.Equal(ceil, []int64{0, 1}) {
		t.Errorf("Allocated slot should be skipped, got %v", ceil)
	}

	if err := m.Update(op, pos, Locator{PageIndex: 77, RecordOffset: 3}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if loc, ok, _ := m.Get(op, pos); !ok || loc.PageIndex != 77 {
		t.Errorf("Update not visible: %+v, %v", loc, ok)
	}

	for _, bad := range []int64{-1, 3, MaxEntries, 10 * MaxEntries} {
		if err := m.Update(op, bad, Locator{}); !storage.IsErrorCode(err, storage.ErrCodeOutOfRange) {
			t.Errorf("Update(%d): expected OutOfRange, got %v", bad, err)
		}
	}
}

func TestPositionMapAllocateGrowsOnce(t *testing.T) {
	m, op := newTestMap(t)
	fileSize := func() uint64 {
		page, err := op.LoadPageForRead(m.fileID, entryPointPage)
		if err != nil {
			t.Fatalf("Loading the entry point failed: %v", err)
		}
		defer page.Release()
		return entryPoint(page.Data()).fileSize()
	}

	for i := 0; i <= MaxEntries; i++ {
		pos, err := m.Allocate(op)
		if err != nil {
			t.Fatalf("Allocate %d failed: %v", i, err)
		}
		if pos != int64(i) {
			t.Fatalf("Allocate %d returned position %d", i, pos)
		}
		want := uint64(1)
		if i == MaxEntries {
			want = 2
		}
		if got := fileSize(); got != want {
			t.Fatalf("After allocating position %d the map uses %d bucket pages, want %d", i, got, want)
		}
	}
	if filled, _ := op.FilledUpTo(m.fileID); filled != 3 {
		t.Errorf("Expected 3 pages in the file, got %d", filled)
	}
}

func TestPositionMapRemove(t *testing.T) {
	m, op := newTestMap(t)
	fillMap(t, m, op, 3)

	if err := m.Remove(op, 1); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := m.Remove(op, 1); err != nil {
		t.Fatalf("Second Remove failed: %v", err)
	}
	if st, _ := m.Status(op, 1); st != Tombstone {
		t.Errorf("Expected tombstone, got %s", st)
	}
	if _, ok, _ := m.Get(op, 1); ok {
		t.Error("Removed position should not resolve")
	}
	if err := m.Remove(op, 3); err != nil {
		t.Errorf("Removing an unused slot should do nothing, got %v", err)
	}
	if err := m.Remove(op, MaxEntries); !errors.Is(err, storage.ErrOutOfRange) {
		t.Errorf("Expected OutOfRange, got %v", err)
	}

	// Positions are never reused.
	if pos, _ := m.Add(op, 9, 9); pos != 3 {
		t.Errorf("Expected fresh position 3, got %d", pos)
	}

	var tombstones []int64
	m.ForEachEntry(op, func(position int64, status SlotStatus, loc Locator) bool {
		if status == Tombstone {
			tombstones = append(tombstones, position)
			if loc.PageIndex != 1 {
				t.Errorf("Tombstone lost its locator: %+v", loc)
			}
		}
		return true
	})
	if !slices.Equal(tombstones, []int64{1}) {
		t.Errorf("Expected tombstone at 1, got %v", tombstones)
	}

	if err := m.Update(op, 1, Locator{PageIndex: 5}); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if st, _ := m.Status(op, 1); st != Present {
		t.Errorf("Update should revive a tombstone, got %s", st)
	}
}

func TestPositionMapNavigation(t *testing.T) {
	m, op := newTestMap(t)
	fillMap(t, m, op, 10)
	keepOnly(t, m, op, 10, 0, 2, 5, 9)

	tests := []struct {
		name string
		fn   func(*PositionMap, AtomicOperation, int64, int) ([]int64, error)
		pos  int64
		lim  int
		want []int64
	}{
		{"ceiling", (*PositionMap).CeilingPositions, 3, 2, []int64{5, 9}},
		{"ceiling exact", (*PositionMap).CeilingPositions, 5, 0, []int64{5, 9}},
		{"ceiling negative", (*PositionMap).CeilingPositions, -7, 1, []int64{0}},
		{"ceiling past end", (*PositionMap).CeilingPositions, 10, 0, nil},
		{"higher", (*PositionMap).HigherPositions, 5, 0, []int64{9}},
		{"higher last", (*PositionMap).HigherPositions, 9, 0, nil},
		{"floor", (*PositionMap).FloorPositions, 6, 2, []int64{5, 2}},
		{"floor exact", (*PositionMap).FloorPositions, 5, 0, []int64{5, 2, 0}},
		{"floor past end", (*PositionMap).FloorPositions, 1000, 1, []int64{9}},
		{"floor negative", (*PositionMap).FloorPositions, -1, 0, nil},
		{"lower", (*PositionMap).LowerPositions, 5, 0, []int64{2, 0}},
		{"lower first", (*PositionMap).LowerPositions, 0, 0, nil},
	}
	for _, tt := range tests {
		got, err := tt.fn(m, op, tt.pos, tt.lim)
		if err != nil {
			t.Errorf("%s: %v", tt.name, err)
			continue
		}
		if !slices.Equal(got, tt.want) {
			t.Errorf("%s(%d, %d) = %v, want %v", tt.name, tt.pos, tt.lim, got, tt.want)
		}
	}

	if first, _ := m.FirstPosition(op); first != 0 {
		t.Errorf("Expected first 0, got %d", first)
	}
	if last, _ := m.LastPosition(op); last != 9 {
		t.Errorf("Expected last 9, got %d", last)
	}

	entries, err := m.CeilingEntries(op, 1, 2)
	if err != nil {
		t.Fatalf("CeilingEntries failed: %v", err)
	}
	if len(entries) != 2 || entries[0].Position != 2 || entries[1].Locator.PageIndex != 5 {
		t.Errorf("Unexpected entries %+v", entries)
	}
}

func TestPositionMapNavigationAcrossBuckets(t *testing.T) {
	m, op := newTestMap(t)
	n := 3 * MaxEntries
	fillMap(t, m, op, n)
	keepOnly(t, m, op, n, 100, MaxEntries-1, MaxEntries, 2*MaxEntries+10)

	got, _ := m.CeilingPositions(op, 101, 0)
	if want := []int64{MaxEntries - 1, MaxEntries, 2*MaxEntries + 10}; !slices.Equal(got, want) {
		t.Errorf("Ceiling = %v, want %v", got, want)
	}
	got, _ = m.FloorPositions(op, 2*MaxEntries+9, 0)
	if want := []int64{MaxEntries, MaxEntries - 1, 100}; !slices.Equal(got, want) {
		t.Errorf("Floor = %v, want %v", got, want)
	}
	if last, _ := m.LastPosition(op); last != 2*MaxEntries+10 {
		t.Errorf("Expected last %d, got %d", 2*MaxEntries+10, last)
	}
}

func TestPositionMapTruncate(t *testing.T) {
	m, op := newTestMap(t)
	fillMap(t, m, op, MaxEntries+3)
	filled, _ := op.FilledUpTo(m.FileID())

	for i := 0; i < 2; i++ {
		if err := m.Truncate(op); err != nil {
			t.Fatalf("Truncate %d failed: %v", i, err)
		}
		if first, _ := m.FirstPosition(op); first != InvalidPosition {
			t.Errorf("Expected empty map, first %d", first)
		}
		if next, _ := m.NextPosition(op); next != 0 {
			t.Errorf("Expected next position 0, got %d", next)
		}
	}

	// The old bucket pages are reused from a clean state.
	fillMap(t, m, op, 2)
	if after, _ := op.FilledUpTo(m.FileID()); after != filled {
		t.Errorf("Truncated map grew its file from %d to %d pages", filled, after)
	}
	if st, _ := m.Status(op, 2); st != NotExistent {
		t.Errorf("Stale slot resurfaced as %s", st)
	}
}

func TestPositionMapOpenDelete(t *testing.T) {
	m, op := newTestMap(t)
	fillMap(t, m, op, 4)

	reopened := NewPositionMap(m.Name())
	if err := reopened.Open(op); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if reopened.FileID() != m.FileID() {
		t.Errorf("Open bound file %d, want %d", reopened.FileID(), m.FileID())
	}
	if last, _ := reopened.LastPosition(op); last != 3 {
		t.Errorf("Expected last 3, got %d", last)
	}

	if err := m.Create(op); err == nil {
		t.Error("Creating an existing map should fail")
	}
	if err := m.Delete(op); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := NewPositionMap(m.Name()).Open(op); !storage.IsErrorCode(err, storage.ErrCodeFileNotFound) {
		t.Errorf("Expected FileNotFound after delete, got %v", err)
	}
}

func TestPositionMapCorruptEntryPoint(t *testing.T) {
	m, op := newTestMap(t)
	p, _ := op.LoadPageForWrite(m.FileID(), entryPointPage, false)
	entryPoint(p.Data()).setFileSize(5)

	if _, err := m.Add(op, 1, 1); !errors.Is(err, storage.ErrConsistencyViolation) {
		t.Errorf("Expected ConsistencyViolation, got %v", err)
	}
}

func openTestStorage(t *testing.T, dir string) *storage.Storage {
	t.Helper()
	config := storage.DefaultConfig()
	config.DataDirectory = dir
	config.CacheMemory = "64KiB"
	config.BackgroundFlush = false
	config.EnableMetrics = false
	s, err := storage.Open(config, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return s
}

func TestPositionMapWithStorage(t *testing.T) {
	dir := t.TempDir()
	s := openTestStorage(t, dir)
	m := NewPositionMap("positions.cpm")

	n := MaxEntries + 20
	err := s.Atomic().Execute(func(op *storage.AtomicOperation) error {
		if err := m.Create(op); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if _, err := m.Add(op, uint64(i), uint32(i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Building the map failed: %v", err)
	}

	// A rolled back removal leaves the map as it was.
	boom := errors.New("boom")
	err = s.Atomic().Execute(func(op *storage.AtomicOperation) error {
		if err := m.Remove(op, 7); err != nil {
			return err
		}
		if st, _ := m.Status(op, 7); st != Tombstone {
			t.Errorf("Operation should see its own removal, got %s", st)
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s = openTestStorage(t, dir)
	defer s.Close()
	op := s.Atomic().Begin()
	defer op.Rollback()

	reopened := NewPositionMap("positions.cpm")
	if err := reopened.Open(op); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if st, _ := reopened.Status(op, 7); st != Present {
		t.Errorf("Rolled back removal persisted: %s", st)
	}
	if next, _ := reopened.NextPosition(op); next != int64(n) {
		t.Errorf("Expected next position %d, got %d", n, next)
	}
	got, err := reopened.FloorPositions(op, MaxEntries+1, 3)
	if err != nil {
		t.Fatalf("FloorPositions failed: %v", err)
	}
	if want := []int64{MaxEntries + 1, MaxEntries, MaxEntries - 1}; !slices.Equal(got, want) {
		t.Errorf("Floor = %v, want %v", got, want)
	}
	loc, ok, err := reopened.Get(op, MaxEntries+5)
	if err != nil || !ok || loc.PageIndex != MaxEntries+5 {
		t.Errorf("Get = %+v, %v, %v", loc, ok, err)
	}
}

func TestPositionMapRemoveFirst(t *testing.T) {
	m, op := newTestMap(t)
	first, err := m.Add(op, 1, 100)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	second, err := m.Add(op, 1, 200)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := m.Remove(op, first); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}

	if got, err := m.FirstPosition(op); err != nil || got != second {
		t.Errorf("FirstPosition = %d, %v; want %d", got, err, second)
	}
	if st, _ := m.Status(op, first); st != Tombstone {
		t.Errorf("Expected Tombstone for the removed position, got %s", st)
	}
	if loc, ok, _ := m.Get(op, second); !ok || loc != (Locator{PageIndex: 1, RecordOffset: 200}) {
		t.Errorf("Get(second) = %+v, %v", loc, ok)
	}
}

// Writers on one map must not block each other forever, whatever mix of
// Remove, Update and Add each of them runs.
func TestPositionMapConcurrentWriters(t *testing.T) {
	s := openTestStorage(t, t.TempDir())
	defer s.Close()
	m := NewPositionMap("positions.cpm")
	err := s.Atomic().Execute(func(op *storage.AtomicOperation) error {
		if err := m.Create(op); err != nil {
			return err
		}
		for i := 0; i < 2; i++ {
			if _, err := m.Add(op, uint64(i), 0); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Building the map failed: %v", err)
	}

	added := make(chan int64, 2)
	errs := make(chan error, 2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		a := s.Atomic().Begin()
		if err := m.Remove(a, 0); err != nil {
			a.Rollback()
			errs <- err
			return
		}
		if err := m.Update(a, 1, Locator{PageIndex: 9}); err != nil {
			a.Rollback()
			errs <- err
			return
		}

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Atomic().Execute(func(b *storage.AtomicOperation) error {
				pos, err := m.Add(b, 20, 0)
				if err == nil {
					added <- pos
				}
				return err
			})
			if err != nil {
				errs <- err
			}
		}()
		time.Sleep(20 * time.Millisecond)

		pos, err := m.Add(a, 10, 0)
		if err != nil {
			a.Rollback()
			errs <- err
		} else {
			added <- pos
			if err := a.Commit(); err != nil {
				errs <- err
			}
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Concurrent writers on one map did not finish")
	}
	close(errs)
	for err := range errs {
		t.Errorf("Writer failed: %v", err)
	}
	close(added)
	var got []int64
	for pos := range added {
		got = append(got, pos)
	}
	slices.Sort(got)
	if !slices.Equal(got, []int64{2, 3}) {
		t.Errorf("Expected positions [2 3], got %v", got)
	}

	op := s.Atomic().Begin()
	defer op.Rollback()
	if st, _ := m.Status(op, 0); st != Tombstone {
		t.Errorf("Expected Tombstone at 0, got %s", st)
	}
	if loc, ok, _ := m.Get(op, 1); !ok || loc.PageIndex != 9 {
		t.Errorf("Update lost: %+v, %v", loc, ok)
	}
	if next, _ := m.NextPosition(op); next != 4 {
		t.Errorf("Expected next position 4, got %d", next)
	}
}
