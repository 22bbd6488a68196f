package collection

import (
	"encoding/binary"

	"github.com/sibexico/hexcache/storage"
)

// Bucket page layout:
// [0-3]: Number of slots ever handed out
// [4+]: MaxEntries slots of 13 bytes each:
//
//	[0]: Status (0=empty, 1=allocated, 2=tombstone)
//	[1-8]: Record page index
//	[9-12]: Record offset within the page
const (
	bucketSizeOffset    = 0
	bucketEntriesOffset = 4
	bucketSlotSize      = 1 + 8 + 4

	// MaxEntries is the number of positions stored in one bucket page.
	MaxEntries = (storage.PageSize - bucketEntriesOffset) / bucketSlotSize
)

const (
	slotEmpty     byte = 0
	slotAllocated byte = 1
	slotTombstone byte = 2
)

// SlotStatus is the observable state of a position.
type SlotStatus uint8

const (
	// NotExistent: the position was never given a locator, or lies past the end of the map.
	NotExistent SlotStatus = iota
	// Present: the position maps to a record.
	Present
	// Tombstone: the position was removed and is never handed out again.
	Tombstone
)

func (s SlotStatus) String() string {
	switch s {
	case Present:
		return "present"
	case Tombstone:
		return "tombstone"
	default:
		return "not existent"
	}
}

// Locator is the physical address of a record.
type Locator struct {
	PageIndex    uint64
	RecordOffset uint32
}

// bucket interprets a page as an array of position slots.
type bucket []byte

func (b bucket) init() {
	clear(b)
}

func (b bucket) size() int {
	return int(binary.LittleEndian.Uint32(b[bucketSizeOffset:]))
}

func (b bucket) setSize(n int) {
	binary.LittleEndian.PutUint32(b[bucketSizeOffset:], uint32(n))
}

func (b bucket) isFull() bool {
	return b.size() >= MaxEntries
}

func (b bucket) slot(i int) []byte {
	off := bucketEntriesOffset + i*bucketSlotSize
	return b[off : off+bucketSlotSize]
}

func (b bucket) status(i int) byte {
	if i < 0 || i >= b.size() {
		return slotEmpty
	}
	return b.slot(i)[0]
}

func (b bucket) write(i int, status byte, loc Locator) {
	s := b.slot(i)
	s[0] = status
	binary.LittleEndian.PutUint64(s[1:], loc.PageIndex)
	binary.LittleEndian.PutUint32(s[9:], loc.RecordOffset)
}

// allocate reserves the next slot without giving it a locator.
func (b bucket) allocate() int {
	i := b.size()
	b.write(i, slotEmpty, Locator{})
	b.setSize(i + 1)
	return i
}

// add stores a locator in the next slot.
func (b bucket) add(loc Locator) int {
	i := b.size()
	b.write(i, slotAllocated, loc)
	b.setSize(i + 1)
	return i
}

// set stores a locator in a reserved slot, reviving it if it was removed.
func (b bucket) set(i int, loc Locator) bool {
	if i < 0 || i >= b.size() {
		return false
	}
	b.write(i, slotAllocated, loc)
	return true
}

func (b bucket) get(i int) (Locator, bool) {
	if b.status(i) != slotAllocated {
		return Locator{}, false
	}
	return b.locator(i), true
}

// locator decodes the locator bytes of a slot whatever its status.
func (b bucket) locator(i int) Locator {
	s := b.slot(i)
	return Locator{
		PageIndex:    binary.LittleEndian.Uint64(s[1:]),
		RecordOffset: binary.LittleEndian.Uint32(s[9:]),
	}
}

// remove turns an allocated slot into a tombstone. Other slots are left alone.
func (b bucket) remove(i int) {
	if b.status(i) == slotAllocated {
		b.slot(i)[0] = slotTombstone
	}
}

func (b bucket) exists(i int) bool {
	return b.status(i) == slotAllocated
}

func (b bucket) slotStatus(i int) SlotStatus {
	switch b.status(i) {
	case slotAllocated:
		return Present
	case slotTombstone:
		return Tombstone
	default:
		return NotExistent
	}
}
