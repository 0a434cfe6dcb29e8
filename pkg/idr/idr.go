// Package idr provides a bounded integer identifier allocator.
// Each allocator maps IDs in a half-open range to opaque objects and is safe
// for concurrent Alloc/Remove/Find.
package idr

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/Nativu5/pdm/pkg/types"
)

const (
	// DefaultStart is the first ID handed out by a default allocator.
	DefaultStart = 0
	// DefaultEnd is the exclusive upper bound of a default allocator.
	DefaultEnd = 1024

	wordBits = 64
)

// IDR allocates IDs in [start, end).
//
// Occupancy is tracked in two bitmap levels: leaf words hold one bit per ID
// and summary words hold one bit per full leaf word, so a search skips full
// regions 4096 IDs at a time.
type IDR struct {
	mu        sync.Mutex
	start     int
	end       int
	leaves    []uint64
	summary   []uint64
	objects   []any
	count     int
	destroyed bool
}

// New returns an allocator for the half-open range [start, end).
func New(start, end int) (*IDR, error) {
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: id range [%d, %d)", types.ErrInvalidArgument, start, end)
	}
	size := end - start
	nLeaves := (size + wordBits - 1) / wordBits
	return &IDR{
		start:   start,
		end:     end,
		leaves:  make([]uint64, nLeaves),
		summary: make([]uint64, (nLeaves+wordBits-1)/wordBits),
		objects: make([]any, size),
	}, nil
}

// NewDefault returns an allocator for [DefaultStart, DefaultEnd).
func NewDefault() *IDR {
	r, _ := New(DefaultStart, DefaultEnd)
	return r
}

// Range returns the configured bounds.
func (r *IDR) Range() (start, end int) {
	return r.start, r.end
}

// Alloc reserves a free ID for obj.
func (r *IDR) Alloc(obj any) (int, error) {
	if r == nil || obj == nil {
		return -1, types.ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.destroyed {
		return -1, fmt.Errorf("%w: allocator destroyed", types.ErrInvalidArgument)
	}

	slot, ok := r.freeSlot()
	if !ok {
		return -1, fmt.Errorf("%w: range [%d, %d) exhausted", types.ErrOutOfIDs, r.start, r.end)
	}
	r.set(slot)
	r.objects[slot] = obj
	r.count++
	return r.start + slot, nil
}

// Remove releases id. It returns ErrNotFound if id was not allocated.
func (r *IDR) Remove(id int) error {
	if r == nil {
		return types.ErrInvalidArgument
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := id - r.start
	if r.destroyed || slot < 0 || slot >= len(r.objects) || r.objects[slot] == nil {
		return fmt.Errorf("%w: id %d", types.ErrNotFound, id)
	}
	r.clear(slot)
	r.objects[slot] = nil
	r.count--
	return nil
}

// Find returns the object stored under id, or nil.
func (r *IDR) Find(id int) any {
	if r == nil {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	slot := id - r.start
	if r.destroyed || slot < 0 || slot >= len(r.objects) {
		return nil
	}
	return r.objects[slot]
}

// Len returns the number of allocated IDs.
func (r *IDR) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Destroy drops every entry. Subsequent Alloc calls fail.
func (r *IDR) Destroy() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.destroyed = true
	r.leaves = nil
	r.summary = nil
	r.objects = nil
	r.count = 0
}

// freeSlot returns the lowest clear slot. Caller holds mu.
func (r *IDR) freeSlot() (int, bool) {
	size := len(r.objects)
	for si, s := range r.summary {
		if s == ^uint64(0) {
			continue
		}
		li := si*wordBits + bits.TrailingZeros64(^s)
		if li >= len(r.leaves) {
			return 0, false
		}
		slot := li*wordBits + bits.TrailingZeros64(^r.leaves[li])
		if slot >= size {
			return 0, false
		}
		return slot, true
	}
	return 0, false
}

func (r *IDR) set(slot int) {
	li := slot / wordBits
	r.leaves[li] |= 1 << (slot % wordBits)
	if r.leafFull(li) {
		r.summary[li/wordBits] |= 1 << (li % wordBits)
	}
}

func (r *IDR) clear(slot int) {
	li := slot / wordBits
	r.leaves[li] &^= 1 << (slot % wordBits)
	r.summary[li/wordBits] &^= 1 << (li % wordBits)
}

// leafFull reports whether every in-range bit of leaf li is set. The last
// leaf may cover fewer than 64 IDs.
func (r *IDR) leafFull(li int) bool {
	n := len(r.objects) - li*wordBits
	if n >= wordBits {
		return r.leaves[li] == ^uint64(0)
	}
	mask := uint64(1)<<n - 1
	return r.leaves[li]&mask == mask
}
