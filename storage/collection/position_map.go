// Package collection maps the logical positions of records in a collection
// to their physical location.
package collection

import (
	"fmt"
	"math"

	"github.com/sibexico/hexcache/storage"
)

// InvalidPosition is returned by FirstPosition and LastPosition on an empty map.
const InvalidPosition int64 = -1

const entryPointPage = 0

// AtomicOperation is the page access a position map needs. Every page change
// made through it becomes visible and durable together on commit.
type AtomicOperation interface {
	LoadPageForRead(fileID, pageIndex uint64) (storage.DurablePage, error)
	LoadPageForWrite(fileID, pageIndex uint64, clear bool) (storage.DurablePage, error)
	AddPage(fileID uint64) (storage.DurablePage, error)
	FilledUpTo(fileID uint64) (uint64, error)
	AddFile(name string) (uint64, error)
	OpenFile(name string) (uint64, error)
	DeleteFile(fileID uint64) error
}

// PositionEntry is a present position together with its locator.
type PositionEntry struct {
	Position int64
	Locator  Locator
}

// PositionMap stores the locator of every record position of a collection in
// one file. Page 0 holds the number of bucket pages in use; position p lives
// in bucket page p/MaxEntries+1 at slot p%MaxEntries.
//
// A position is handed out once, by Allocate or Add, and never reused: removing
// it leaves a tombstone that only Update revives.
type PositionMap struct {
	name   string
	fileID uint64
}

// NewPositionMap returns a map stored in the file called name. Call Create or
// Open before using it.
func NewPositionMap(name string) *PositionMap {
	return &PositionMap{name: name}
}

func (m *PositionMap) Name() string {
	return m.name
}

func (m *PositionMap) FileID() uint64 {
	return m.fileID
}

// locate returns the bucket page and slot of a non-negative position.
func locate(position int64) (pageIndex uint64, slot int) {
	return uint64(position/MaxEntries) + 1, int(position % MaxEntries)
}

// positionOf is the inverse of locate.
func positionOf(pageIndex uint64, slot int) int64 {
	return int64(pageIndex-1)*MaxEntries + int64(slot)
}

// Create creates the map file with an empty entry point.
func (m *PositionMap) Create(op AtomicOperation) error {
	fileID, err := op.AddFile(m.name)
	if err != nil {
		return err
	}
	m.fileID = fileID

	filled, err := op.FilledUpTo(fileID)
	if err != nil {
		return err
	}
	var page storage.DurablePage
	if filled == 0 {
		page, err = op.AddPage(fileID)
	} else {
		page, err = op.LoadPageForWrite(fileID, entryPointPage, false)
	}
	if err != nil {
		return err
	}
	defer page.Release()
	entryPoint(page.Data()).setFileSize(0)
	return nil
}

// Open binds the map to its existing file.
func (m *PositionMap) Open(op AtomicOperation) error {
	fileID, err := op.OpenFile(m.name)
	if err != nil {
		return err
	}
	m.fileID = fileID
	return nil
}

// Delete removes the map file.
func (m *PositionMap) Delete(op AtomicOperation) error {
	return op.DeleteFile(m.fileID)
}

// Truncate forgets every position. Bucket pages stay in the file and are
// reinitialized as the map grows again.
func (m *PositionMap) Truncate(op AtomicOperation) error {
	page, err := op.LoadPageForWrite(m.fileID, entryPointPage, true)
	if err != nil {
		return err
	}
	defer page.Release()
	entryPoint(page.Data()).setFileSize(0)
	return nil
}

// Allocate reserves a new position without a locator. Its status stays
// NotExistent until Update stores one.
func (m *PositionMap) Allocate(op AtomicOperation) (int64, error) {
	return m.appendSlot(op, bucket.allocate)
}

// Add stores a locator under a new position.
func (m *PositionMap) Add(op AtomicOperation, pageIndex uint64, recordOffset uint32) (int64, error) {
	loc := Locator{PageIndex: pageIndex, RecordOffset: recordOffset}
	return m.appendSlot(op, func(b bucket) int { return b.add(loc) })
}

func (m *PositionMap) appendSlot(op AtomicOperation, fill func(b bucket) int) (int64, error) {
	ep, err := op.LoadPageForWrite(m.fileID, entryPointPage, false)
	if err != nil {
		return 0, err
	}
	defer ep.Release()
	header := entryPoint(ep.Data())
	lastPage := header.fileSize()

	filled, err := op.FilledUpTo(m.fileID)
	if err != nil {
		return 0, err
	}
	if filled == 0 || lastPage > filled-1 {
		return 0, storage.ErrConsistency("PositionMap.Allocate",
			fmt.Sprintf("map %s uses %d bucket pages but its file holds %d pages", m.name, lastPage, filled))
	}

	var page storage.DurablePage
	if lastPage > 0 {
		page, err = op.LoadPageForWrite(m.fileID, lastPage, false)
		if err != nil {
			return 0, err
		}
		if !bucket(page.Data()).isFull() {
			defer page.Release()
			return positionOf(lastPage, fill(bucket(page.Data()))), nil
		}
		page.Release()
	}

	page, err = m.nextBucket(op, lastPage, filled)
	if err != nil {
		return 0, err
	}
	defer page.Release()
	header.setFileSize(lastPage + 1)
	b := bucket(page.Data())
	b.init()
	return positionOf(lastPage+1, fill(b)), nil
}

// nextBucket returns the page following lastPage, reusing a page left over
// by a truncate or an interrupted operation before growing the file.
func (m *PositionMap) nextBucket(op AtomicOperation, lastPage, filled uint64) (storage.DurablePage, error) {
	if lastPage+1 < filled {
		return op.LoadPageForWrite(m.fileID, lastPage+1, true)
	}
	page, err := op.AddPage(m.fileID)
	if err != nil {
		return nil, err
	}
	if page.PageIndex() != lastPage+1 {
		page.Release()
		return nil, storage.ErrConsistency("PositionMap.Allocate",
			fmt.Sprintf("map %s expected new bucket page %d, file grew to page %d", m.name, lastPage+1, page.PageIndex()))
	}
	return page, nil
}

func (m *PositionMap) lastPage(op AtomicOperation) (uint64, error) {
	page, err := op.LoadPageForRead(m.fileID, entryPointPage)
	if err != nil {
		return 0, err
	}
	defer page.Release()
	return entryPoint(page.Data()).fileSize(), nil
}

// lockedLastPage is lastPage for writers: they lock the entry point before
// any bucket page.
func (m *PositionMap) lockedLastPage(op AtomicOperation) (uint64, error) {
	page, err := op.LoadPageForWrite(m.fileID, entryPointPage, false)
	if err != nil {
		return 0, err
	}
	defer page.Release()
	return entryPoint(page.Data()).fileSize(), nil
}

// Update stores a locator under a reserved position, reviving a removed one.
func (m *PositionMap) Update(op AtomicOperation, position int64, loc Locator) error {
	lastPage, err := m.lockedLastPage(op)
	if err != nil {
		return err
	}
	if position < 0 {
		return storage.ErrPositionOutOfRange("PositionMap.Update", position, lastPage)
	}
	pageIndex, slot := locate(position)
	if pageIndex > lastPage {
		return storage.ErrPositionOutOfRange("PositionMap.Update", position, lastPage)
	}

	page, err := op.LoadPageForWrite(m.fileID, pageIndex, false)
	if err != nil {
		return err
	}
	defer page.Release()
	if !bucket(page.Data()).set(slot, loc) {
		return storage.ErrPositionOutOfRange("PositionMap.Update", position, lastPage)
	}
	return nil
}

// Get returns the locator of a present position.
func (m *PositionMap) Get(op AtomicOperation, position int64) (Locator, bool, error) {
	if position < 0 {
		return Locator{}, false, nil
	}
	lastPage, err := m.lastPage(op)
	if err != nil {
		return Locator{}, false, err
	}
	pageIndex, slot := locate(position)
	if pageIndex > lastPage {
		return Locator{}, false, nil
	}

	page, err := op.LoadPageForRead(m.fileID, pageIndex)
	if err != nil {
		return Locator{}, false, err
	}
	defer page.Release()
	loc, ok := bucket(page.Data()).get(slot)
	return loc, ok, nil
}

// Remove turns a present position into a tombstone. Removing a position that
// has no locator does nothing.
func (m *PositionMap) Remove(op AtomicOperation, position int64) error {
	lastPage, err := m.lockedLastPage(op)
	if err != nil {
		return err
	}
	if position < 0 {
		return storage.ErrPositionOutOfRange("PositionMap.Remove", position, lastPage)
	}
	pageIndex, slot := locate(position)
	if pageIndex > lastPage {
		return storage.ErrPositionOutOfRange("PositionMap.Remove", position, lastPage)
	}

	page, err := op.LoadPageForWrite(m.fileID, pageIndex, false)
	if err != nil {
		return err
	}
	defer page.Release()
	bucket(page.Data()).remove(slot)
	return nil
}

// Status reports the state of a position.
func (m *PositionMap) Status(op AtomicOperation, position int64) (SlotStatus, error) {
	if position < 0 {
		return NotExistent, nil
	}
	lastPage, err := m.lastPage(op)
	if err != nil {
		return NotExistent, err
	}
	pageIndex, slot := locate(position)
	if pageIndex > lastPage {
		return NotExistent, nil
	}

	page, err := op.LoadPageForRead(m.fileID, pageIndex)
	if err != nil {
		return NotExistent, err
	}
	defer page.Release()
	return bucket(page.Data()).slotStatus(slot), nil
}

// CeilingPositions returns up to limit present positions that are >= position,
// in ascending order. A limit <= 0 means no limit.
func (m *PositionMap) CeilingPositions(op AtomicOperation, position int64, limit int) ([]int64, error) {
	var result []int64
	err := m.scanForward(op, position, limit, func(pos int64, _ bucket, _ int) {
		result = append(result, pos)
	})
	return result, err
}

// HigherPositions returns up to limit present positions that are > position.
func (m *PositionMap) HigherPositions(op AtomicOperation, position int64, limit int) ([]int64, error) {
	if position == math.MaxInt64 {
		return nil, nil
	}
	return m.CeilingPositions(op, position+1, limit)
}

// CeilingEntries is CeilingPositions returning the locators too.
func (m *PositionMap) CeilingEntries(op AtomicOperation, position int64, limit int) ([]PositionEntry, error) {
	var result []PositionEntry
	err := m.scanForward(op, position, limit, func(pos int64, b bucket, slot int) {
		loc, _ := b.get(slot)
		result = append(result, PositionEntry{Position: pos, Locator: loc})
	})
	return result, err
}

func (m *PositionMap) scanForward(op AtomicOperation, position int64, limit int, emit func(pos int64, b bucket, slot int)) error {
	position = max(position, 0)
	if limit <= 0 {
		limit = math.MaxInt
	}
	lastPage, err := m.lastPage(op)
	if err != nil {
		return err
	}

	found := 0
	pageIndex, slot := locate(position)
	for ; pageIndex <= lastPage && found < limit; pageIndex++ {
		page, err := op.LoadPageForRead(m.fileID, pageIndex)
		if err != nil {
			return err
		}
		b := bucket(page.Data())
		for size := b.size(); slot < size && found < limit; slot++ {
			if b.exists(slot) {
				emit(positionOf(pageIndex, slot), b, slot)
				found++
			}
		}
		page.Release()
		slot = 0
	}
	return nil
}

// FloorPositions returns up to limit present positions that are <= position,
// nearest first. A limit <= 0 means no limit.
func (m *PositionMap) FloorPositions(op AtomicOperation, position int64, limit int) ([]int64, error) {
	if position < 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = math.MaxInt
	}
	lastPage, err := m.lastPage(op)
	if err != nil {
		return nil, err
	}

	var result []int64
	pageIndex, slot := locate(position)
	if pageIndex > lastPage {
		pageIndex, slot = lastPage, MaxEntries-1
	}
	for ; pageIndex >= 1 && len(result) < limit; pageIndex-- {
		page, err := op.LoadPageForRead(m.fileID, pageIndex)
		if err != nil {
			return nil, err
		}
		b := bucket(page.Data())
		for i := min(slot, b.size()-1); i >= 0 && len(result) < limit; i-- {
			if b.exists(i) {
				result = append(result, positionOf(pageIndex, i))
			}
		}
		page.Release()
		slot = MaxEntries - 1
	}
	return result, nil
}

// LowerPositions returns up to limit present positions that are < position.
func (m *PositionMap) LowerPositions(op AtomicOperation, position int64, limit int) ([]int64, error) {
	if position <= 0 {
		return nil, nil
	}
	return m.FloorPositions(op, position-1, limit)
}

// FirstPosition returns the smallest present position, or InvalidPosition.
func (m *PositionMap) FirstPosition(op AtomicOperation) (int64, error) {
	positions, err := m.CeilingPositions(op, 0, 1)
	if err != nil || len(positions) == 0 {
		return InvalidPosition, err
	}
	return positions[0], nil
}

// LastPosition returns the largest present position, or InvalidPosition.
func (m *PositionMap) LastPosition(op AtomicOperation) (int64, error) {
	positions, err := m.FloorPositions(op, math.MaxInt64, 1)
	if err != nil || len(positions) == 0 {
		return InvalidPosition, err
	}
	return positions[0], nil
}

// NextPosition returns the position the next Allocate or Add will hand out
// unless the last bucket is full.
func (m *PositionMap) NextPosition(op AtomicOperation) (int64, error) {
	lastPage, err := m.lastPage(op)
	if err != nil || lastPage == 0 {
		return 0, err
	}
	page, err := op.LoadPageForRead(m.fileID, lastPage)
	if err != nil {
		return 0, err
	}
	defer page.Release()
	return positionOf(lastPage, bucket(page.Data()).size()), nil
}

// ForEachEntry calls fn for every position that has ever held a locator, in
// ascending order, until fn returns false. Removed positions are reported as
// Tombstone with the locator they last held.
func (m *PositionMap) ForEachEntry(op AtomicOperation, fn func(position int64, status SlotStatus, loc Locator) bool) error {
	lastPage, err := m.lastPage(op)
	if err != nil {
		return err
	}
	for pageIndex := uint64(1); pageIndex <= lastPage; pageIndex++ {
		page, err := op.LoadPageForRead(m.fileID, pageIndex)
		if err != nil {
			return err
		}
		b := bucket(page.Data())
		for i, size := 0, b.size(); i < size; i++ {
			status := b.slotStatus(i)
			if status == NotExistent {
				continue
			}
			if !fn(positionOf(pageIndex, i), status, b.locator(i)) {
				page.Release()
				return nil
			}
		}
		page.Release()
	}
	return nil
}
