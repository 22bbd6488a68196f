package storage

import (
	"runtime"
	"sync/atomic"
)

// RWLatch is the per-page reader-writer latch held by pinned page guards.
// It spins with exponential backoff instead of parking goroutines, since most
// latch hold times are a handful of slot reads or writes.
//
// Layout of the 64-bit state word:
//
//	Bits 0-30:  reader count
//	Bit 31:     writer holds the latch
//	Bits 32-63: writers waiting (new readers back off while non-zero)
const (
	latchReaderMask  uint64 = 0x7FFFFFFF
	latchWriterBit   uint64 = 0x80000000
	latchWaitingMask uint64 = 0xFFFFFFFF00000000
	latchWaitingInc  uint64 = 0x100000000

	maxLatchBackoff = 1024
)

type RWLatch struct {
	state atomic.Uint64
}

// RLock acquires the latch in shared mode.
func (l *RWLatch) RLock() {
	backoff := 1
	for {
		s := l.state.Load()
		if s&(latchWriterBit|latchWaitingMask) == 0 && l.state.CompareAndSwap(s, s+1) {
			return
		}
		backoff = latchSpin(backoff)
	}
}

// RUnlock releases a shared hold.
func (l *RWLatch) RUnlock() {
	for {
		s := l.state.Load()
		if s&latchReaderMask == 0 {
			panic("storage: RUnlock of latch without readers")
		}
		if l.state.CompareAndSwap(s, s-1) {
			return
		}
		runtime.Gosched()
	}
}

// Lock acquires the latch exclusively. The writer first announces itself so
// that new readers stop entering, then waits for current readers to drain.
func (l *RWLatch) Lock() {
	backoff := 1
	for {
		s := l.state.Load()
		if s&latchWriterBit == 0 && l.state.CompareAndSwap(s, (s+latchWaitingInc)|latchWriterBit) {
			break
		}
		backoff = latchSpin(backoff)
	}

	backoff = 1
	for l.state.Load()&latchReaderMask != 0 {
		backoff = latchSpin(backoff)
	}
}

// Unlock releases an exclusive hold.
func (l *RWLatch) Unlock() {
	for {
		s := l.state.Load()
		if s&latchWriterBit == 0 {
			panic("storage: Unlock of latch not held exclusively")
		}
		if l.state.CompareAndSwap(s, (s&^latchWriterBit)-latchWaitingInc) {
			return
		}
		runtime.Gosched()
	}
}

// TryRLock acquires the latch in shared mode only if no writer holds or waits for it.
func (l *RWLatch) TryRLock() bool {
	s := l.state.Load()
	if s&(latchWriterBit|latchWaitingMask) != 0 {
		return false
	}
	return l.state.CompareAndSwap(s, s+1)
}

// TryLock acquires the latch exclusively only if it is completely free.
func (l *RWLatch) TryLock() bool {
	s := l.state.Load()
	if s&(latchWriterBit|latchReaderMask) != 0 {
		return false
	}
	return l.state.CompareAndSwap(s, s|latchWriterBit|latchWaitingInc)
}

// Stats reports the latch state for diagnostics and tests.
func (l *RWLatch) Stats() RWLatchStats {
	s := l.state.Load()
	return RWLatchStats{
		Readers:        uint32(s & latchReaderMask),
		WriterActive:   s&latchWriterBit != 0,
		WritersWaiting: uint32((s & latchWaitingMask) >> 32),
	}
}

// RWLatchStats is a snapshot of a latch state word.
type RWLatchStats struct {
	Readers        uint32
	WriterActive   bool
	WritersWaiting uint32
}

func latchSpin(backoff int) int {
	for i := 0; i < backoff; i++ {
		runtime.Gosched()
	}
	if backoff*2 > maxLatchBackoff {
		return maxLatchBackoff
	}
	return backoff * 2
}
