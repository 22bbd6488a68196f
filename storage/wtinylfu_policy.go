package storage

import (
	"fmt"
	"iter"
)

// WTinyLFUPolicy is a Window-TinyLFU eviction policy. New pages enter a small
// LRU window (eden). Pages aging out of eden compete with the least recently
// used page of the probation segment and the admittor's frequency estimate
// decides which of the two stays. A page hit while on probation is promoted to
// the protected segment, whose overflow is demoted back to probation.
type WTinyLFUPolicy struct {
	policyCore
	admittor Admittor

	eden       *segmentList
	probation  *segmentList
	protection *segmentList

	edenPercent       int
	protectionPercent int
	edenSize          int
	protectionSize    int
}

// NewWTinyLFUPolicy creates the policy. The admittor is owned by the caller
// and usually shared with nothing else.
func NewWTinyLFUPolicy(admittor Admittor, opts PolicyOptions) *WTinyLFUPolicy {
	p := &WTinyLFUPolicy{
		policyCore:        newPolicyCore(opts),
		admittor:          admittor,
		eden:              newSegmentList(segmentEden),
		probation:         newSegmentList(segmentProbation),
		protection:        newSegmentList(segmentProtection),
		edenPercent:       opts.EdenPercent,
		protectionPercent: opts.ProtectionPercent,
	}
	if p.edenPercent <= 0 || p.edenPercent >= 100 {
		p.edenPercent = DefaultEdenPercent
	}
	if p.protectionPercent <= 0 || p.protectionPercent > 100 {
		p.protectionPercent = DefaultProtectionPercent
	}
	p.SetMaxSize(p.maxSize)
	return p
}

// SetMaxSize changes the capacity and recomputes the segment targets.
// Eden gets EdenPercent of the capacity (at least one page) and protection
// gets ProtectionPercent of the rest, rounded up.
func (p *WTinyLFUPolicy) SetMaxSize(maxSize int) {
	p.maxSize = max(maxSize, 1)
	p.edenSize = max(p.maxSize*p.edenPercent/100, 1)
	p.protectionSize = ((p.maxSize-p.edenSize)*p.protectionPercent + 99) / 100
	if s, ok := p.admittor.(interface{ EnsureCapacity(int) }); ok {
		s.EnsureCapacity(p.maxSize)
	}
	for p.protection.len() > p.protectionSize {
		p.probation.pushTail(p.protection.poll())
	}
	p.purgeEden()
	p.shrink()
	p.debugCheck()
}

// shrink evicts unpinned entries, oldest first and probation before eden
// before protection, until the cache fits its capacity again.
func (p *WTinyLFUPolicy) shrink() {
	for _, l := range []*segmentList{p.probation, p.eden, p.protection} {
		for budget := l.len(); budget > 0 && p.overCapacity(); budget-- {
			e := l.poll()
			if e.freeze() {
				p.evict(e)
			} else {
				l.pushTail(e)
			}
		}
	}
	p.updateOverflow()
}

func (p *WTinyLFUPolicy) EdenSize() int {
	return p.edenSize
}

func (p *WTinyLFUPolicy) ProtectionSize() int {
	return p.protectionSize
}

func (p *WTinyLFUPolicy) OnAdd(e *CacheEntry) {
	if debugging {
		assert(e.segment == segmentDetached, "OnAdd of an entry that is already linked")
	}
	p.admittor.Record(e.identity.Hash())
	p.eden.pushTail(e)
	p.purgeEden()
	// Entries that were pinned during an earlier admission may be free now.
	if p.overCapacity() {
		p.shrink()
	}
	p.debugCheck()
}

func (p *WTinyLFUPolicy) OnAccess(e *CacheEntry) {
	if e.IsDead() {
		return
	}
	switch e.segment {
	case segmentEden:
		p.eden.moveToTail(e)
	case segmentProbation:
		p.probation.remove(e)
		p.protection.pushTail(e)
		if p.protection.len() > p.protectionSize {
			p.probation.pushTail(p.protection.poll())
		}
	case segmentProtection:
		p.protection.moveToTail(e)
	default:
		return
	}
	p.admittor.Record(e.identity.Hash())
	p.debugCheck()
}

func (p *WTinyLFUPolicy) OnRemove(entries ...*CacheEntry) {
	for _, e := range entries {
		if debugging {
			assert(e.IsFrozen(), "OnRemove of an entry that is not frozen")
		}
		switch e.segment {
		case segmentEden:
			p.eden.remove(e)
		case segmentProbation:
			p.probation.remove(e)
		case segmentProtection:
			p.protection.remove(e)
		default:
			continue
		}
		e.makeDead()
		p.cacheSize.Add(-1)
	}
	p.updateOverflow()
	p.debugCheck()
}

// purgeEden moves entries out of an oversized eden. While the cache is over
// capacity each eden LRU entry (the candidate) competes with the probation LRU
// entry (the victim); the candidate wins only with a strictly higher
// frequency. A pinned loser cannot be frozen and goes back to the eden MRU end
// so the next pair gets compared. Once every contestant has proven pinned the
// remaining candidates move to probation uncontested and the excess stays
// flagged in PinnedOverflow.
func (p *WTinyLFUPolicy) purgeEden() {
	budget := p.eden.len() + p.probation.len()
	for p.eden.len() > p.edenSize {
		candidate := p.eden.poll()
		if !p.overCapacity() || budget <= 0 {
			p.probation.pushTail(candidate)
			continue
		}

		victim := p.probation.peek()
		if victim == nil {
			p.probation.pushTail(candidate)
			continue
		}

		victimFreq := p.admittor.Frequency(victim.identity.Hash())
		candidateFreq := p.admittor.Frequency(candidate.identity.Hash())

		if candidateFreq > victimFreq {
			p.probation.remove(victim)
			if victim.freeze() {
				p.evict(victim)
			} else {
				p.eden.pushTail(victim)
				budget--
			}
			p.probation.pushTail(candidate)
		} else if candidate.freeze() {
			p.evict(candidate)
		} else {
			p.eden.pushTail(candidate)
			budget--
		}
	}
	p.updateOverflow()
}

// Eden iterates over the window segment, most recently used first.
func (p *WTinyLFUPolicy) Eden() iter.Seq[*CacheEntry] {
	return p.eden.all()
}

// Probation iterates over the probation segment, most recently used first.
func (p *WTinyLFUPolicy) Probation() iter.Seq[*CacheEntry] {
	return p.probation.all()
}

// Protection iterates over the protected segment, most recently used first.
func (p *WTinyLFUPolicy) Protection() iter.Seq[*CacheEntry] {
	return p.protection.all()
}

func (p *WTinyLFUPolicy) Entries() iter.Seq[*CacheEntry] {
	return func(yield func(*CacheEntry) bool) {
		for _, l := range []*segmentList{p.eden, p.probation, p.protection} {
			for e := range l.all() {
				if !yield(e) {
					return
				}
			}
		}
	}
}

// AssertSize checks that the segments together hold exactly cacheSize entries.
func (p *WTinyLFUPolicy) AssertSize() error {
	total := p.eden.len() + p.probation.len() + p.protection.len()
	if int64(total) != p.cacheSize.Load() {
		return ErrConsistency("AssertSize",
			fmt.Sprintf("segments hold %d entries (eden %d, probation %d, protection %d) but cache size is %d",
				total, p.eden.len(), p.probation.len(), p.protection.len(), p.cacheSize.Load()))
	}
	return nil
}

// AssertConsistency checks segment links and that no entry is linked twice.
func (p *WTinyLFUPolicy) AssertConsistency() error {
	seen := make(map[*CacheEntry]segmentID, p.eden.len()+p.probation.len()+p.protection.len())
	for _, l := range []*segmentList{p.eden, p.probation, p.protection} {
		if err := checkSegment(l, seen); err != nil {
			return err
		}
	}
	if p.protection.len() > p.protectionSize {
		return ErrConsistency("AssertConsistency",
			fmt.Sprintf("protection holds %d entries, cap is %d", p.protection.len(), p.protectionSize))
	}
	return nil
}

func (p *WTinyLFUPolicy) debugCheck() {
	if debugging {
		if err := p.AssertSize(); err != nil {
			panic(err)
		}
		if err := p.AssertConsistency(); err != nil {
			panic(err)
		}
	}
}
