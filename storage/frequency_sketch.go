package storage

import (
	"math/bits"
)

// Admittor estimates how often a page has been accessed recently.
// Implementations are called with the eviction lock held and need no locking of their own.
type Admittor interface {
	// Frequency returns the saturated access estimate for a hash.
	Frequency(hash uint64) uint8
	// Record counts one access.
	Record(hash uint64)
}

const (
	// DefaultSketchSampleFactor sets how many recordings, as a multiple of the
	// cache capacity, trigger one aging pass.
	DefaultSketchSampleFactor = 10

	sketchMaxCount  = 15
	sketchDepth     = 4
	sketchResetMask = 0x7777777777777777
)

// FrequencySketch is a count-min sketch of 4-bit counters, sixteen to a word.
// Each hash selects one word per row by double hashing and a group of four
// nibbles within it. Counters saturate at 15 and are all halved after
// sampleSize recordings so that old popularity fades.
type FrequencySketch struct {
	table        []uint64
	tableMask    uint64
	sampleFactor int
	sampleSize   int
	size         int
}

// NewFrequencySketch sizes the sketch for a cache holding up to maxSize pages.
func NewFrequencySketch(maxSize, sampleFactor int) *FrequencySketch {
	if sampleFactor <= 0 {
		sampleFactor = DefaultSketchSampleFactor
	}
	s := &FrequencySketch{sampleFactor: sampleFactor}
	s.EnsureCapacity(maxSize)
	return s
}

// EnsureCapacity resizes the table for a new cache capacity. Resizing drops all counts.
func (s *FrequencySketch) EnsureCapacity(maxSize int) {
	maxSize = max(maxSize, 1)
	n := 1 << bits.Len(uint(maxSize-1))
	n = max(n, 8)
	s.sampleSize = maxSize * s.sampleFactor
	if len(s.table) == n {
		return
	}
	s.table = make([]uint64, n)
	s.tableMask = uint64(n - 1)
	s.size = 0
}

// Frequency returns the minimum of the row counters for hash.
func (s *FrequencySketch) Frequency(hash uint64) uint8 {
	h1, h2, start := sketchSpread(hash)
	freq := uint64(sketchMaxCount)
	for i := uint64(0); i < sketchDepth; i++ {
		idx := (h1 + i*h2) & s.tableMask
		shift := (start + i) << 2
		freq = min(freq, (s.table[idx]>>shift)&0xF)
	}
	return uint8(freq)
}

// Record increments every row counter of hash that is not saturated yet.
func (s *FrequencySketch) Record(hash uint64) {
	h1, h2, start := sketchSpread(hash)
	added := false
	for i := uint64(0); i < sketchDepth; i++ {
		idx := (h1 + i*h2) & s.tableMask
		shift := (start + i) << 2
		if (s.table[idx]>>shift)&0xF < sketchMaxCount {
			s.table[idx] += 1 << shift
			added = true
		}
	}
	if added {
		s.size++
		if s.size >= s.sampleSize {
			s.reset()
		}
	}
}

// reset halves every counter.
func (s *FrequencySketch) reset() {
	for i := range s.table {
		s.table[i] = (s.table[i] >> 1) & sketchResetMask
	}
	s.size /= 2
}

func sketchSpread(hash uint64) (h1, h2, start uint64) {
	h1 = hash & 0xFFFFFFFF
	h2 = (hash >> 32) | 1
	start = (hash >> 61 & 3) << 2
	return h1, h2, start
}
