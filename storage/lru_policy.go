package storage

import (
	"fmt"
	"iter"
)

// LRUPolicy implements plain LRU replacement over a single segment.
// Useful as a baseline and for workloads without frequency skew.
type LRUPolicy struct {
	policyCore
	lru *segmentList
}

// NewLRUPolicy creates a new LRU policy
func NewLRUPolicy(opts PolicyOptions) *LRUPolicy {
	return &LRUPolicy{
		policyCore: newPolicyCore(opts),
		lru:        newSegmentList(segmentProbation),
	}
}

func (p *LRUPolicy) SetMaxSize(maxSize int) {
	p.maxSize = max(maxSize, 1)
	p.evictOverflow()
}

func (p *LRUPolicy) OnAdd(e *CacheEntry) {
	p.lru.pushTail(e)
	p.evictOverflow()
}

func (p *LRUPolicy) OnAccess(e *CacheEntry) {
	if e.IsDead() || !p.lru.contains(e) {
		return
	}
	p.lru.moveToTail(e)
}

func (p *LRUPolicy) OnRemove(entries ...*CacheEntry) {
	for _, e := range entries {
		if !p.lru.contains(e) {
			continue
		}
		p.lru.remove(e)
		e.makeDead()
		p.cacheSize.Add(-1)
	}
	p.updateOverflow()
}

// evictOverflow evicts from the LRU end. Pinned entries are skipped by moving
// them to the MRU end, at most once each per call.
func (p *LRUPolicy) evictOverflow() {
	for budget := p.lru.len(); budget > 0 && p.overCapacity(); budget-- {
		e := p.lru.poll()
		if e.freeze() {
			p.evict(e)
		} else {
			p.lru.pushTail(e)
		}
	}
	p.updateOverflow()
}

func (p *LRUPolicy) Entries() iter.Seq[*CacheEntry] {
	return p.lru.all()
}

func (p *LRUPolicy) AssertSize() error {
	if int64(p.lru.len()) != p.cacheSize.Load() {
		return ErrConsistency("AssertSize",
			fmt.Sprintf("lru holds %d entries but cache size is %d", p.lru.len(), p.cacheSize.Load()))
	}
	return nil
}

func (p *LRUPolicy) AssertConsistency() error {
	return checkSegment(p.lru, make(map[*CacheEntry]segmentID, p.lru.len()))
}
