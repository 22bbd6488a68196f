package storage

import (
	"slices"
	"testing"
)

func TestLRUPolicyEvictsLeastRecentlyUsed(t *testing.T) {
	var h policyHarness
	p := NewLRUPolicy(h.options(3))

	for i := uint64(0); i < 3; i++ {
		h.add(p, i)
	}
	p.OnAccess(h.entries[0])
	h.add(p, 3)

	if !slices.Equal(h.evicted, []uint64{1}) {
		t.Errorf("Expected entry 1 to be evicted, got %v", h.evicted)
	}
	if got := pageIndexes(p.Entries()); !slices.Equal(got, []uint64{3, 0, 2}) {
		t.Errorf("Entries = %v, want [3 0 2]", got)
	}
	checkPolicy(t, p)
}

func TestLRUPolicySkipsPinned(t *testing.T) {
	var h policyHarness
	p := NewLRUPolicy(h.options(2))

	h.addPinned(p, 0)
	h.add(p, 1)
	h.add(p, 2)

	if !slices.Equal(h.evicted, []uint64{1}) {
		t.Errorf("Expected entry 1 to be evicted, got %v", h.evicted)
	}

	h.addPinned(p, 3)
	h.addPinned(p, 4)
	if p.PinnedOverflow() != 1 {
		t.Errorf("Expected overflow 1, got %d", p.PinnedOverflow())
	}
	checkPolicy(t, p)
}

func TestLRUPolicyRemoveAndResize(t *testing.T) {
	var h policyHarness
	p := NewLRUPolicy(h.options(10))

	for i := uint64(0); i < 10; i++ {
		h.add(p, i)
	}
	e := h.entries[4]
	e.freeze()
	p.OnRemove(e)
	p.OnRemove(e)
	if h.size.Load() != 9 {
		t.Errorf("Expected size 9, got %d", h.size.Load())
	}

	p.SetMaxSize(4)
	if got := pageIndexes(p.Entries()); !slices.Equal(got, []uint64{9, 8, 7, 6}) {
		t.Errorf("Entries = %v, want [9 8 7 6]", got)
	}
	if p.MaxSize() != 4 {
		t.Errorf("Expected max size 4, got %d", p.MaxSize())
	}
	checkPolicy(t, p)
}

func TestNewEvictionPolicy(t *testing.T) {
	for _, name := range []string{"", PolicyWTinyLFU, PolicyLRU} {
		if _, err := NewEvictionPolicy(name, &fixedAdmittor{}, PolicyOptions{MaxSize: 8}); err != nil {
			t.Errorf("NewEvictionPolicy(%q) failed: %v", name, err)
		}
	}
	if _, err := NewEvictionPolicy("clock", &fixedAdmittor{}, PolicyOptions{MaxSize: 8}); err == nil {
		t.Error("Expected error for unknown policy")
	}
}
