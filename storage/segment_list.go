package storage

import "iter"

// segmentList is an intrusive doubly linked LRU list. The head is the least
// recently used entry and the tail the most recently used one.
type segmentList struct {
	id         segmentID
	head, tail *CacheEntry
	size       int
}

func newSegmentList(id segmentID) *segmentList {
	return &segmentList{id: id}
}

func (l *segmentList) len() int {
	return l.size
}

func (l *segmentList) contains(e *CacheEntry) bool {
	return e.segment == l.id
}

// pushTail appends a detached entry at the MRU end.
func (l *segmentList) pushTail(e *CacheEntry) {
	if debugging {
		assert(e.segment == segmentDetached, "pushTail of an entry that is already linked")
	}
	e.segment = l.id
	e.prev = l.tail
	e.next = nil
	if l.tail != nil {
		l.tail.next = e
	} else {
		l.head = e
	}
	l.tail = e
	l.size++
}

// moveToTail makes a member entry the most recently used one.
func (l *segmentList) moveToTail(e *CacheEntry) {
	if l.tail == e {
		return
	}
	l.remove(e)
	l.pushTail(e)
}

// remove unlinks a member entry and leaves it detached.
func (l *segmentList) remove(e *CacheEntry) {
	if debugging {
		assert(e.segment == l.id, "remove of an entry owned by another segment")
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		l.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		l.tail = e.prev
	}
	e.prev, e.next = nil, nil
	e.segment = segmentDetached
	l.size--
}

// peek returns the least recently used entry without unlinking it.
func (l *segmentList) peek() *CacheEntry {
	return l.head
}

// poll unlinks and returns the least recently used entry.
func (l *segmentList) poll() *CacheEntry {
	e := l.head
	if e != nil {
		l.remove(e)
	}
	return e
}

// all iterates from most to least recently used.
func (l *segmentList) all() iter.Seq[*CacheEntry] {
	return func(yield func(*CacheEntry) bool) {
		for e := l.tail; e != nil; e = e.prev {
			if !yield(e) {
				return
			}
		}
	}
}
