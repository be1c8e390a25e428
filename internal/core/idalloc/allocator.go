// Package idalloc issues small dense integer IDs from a bounded space.
//
// The service uses one Allocator for the global trace buffer namespace.
// IDs start at 1; 0 is reserved to mean "invalid/none". Allocate always
// returns the smallest free ID, so a released ID is the next one handed
// out.
//
// An Allocator is not safe for concurrent use. The service only touches it
// from its task runner.
package idalloc

import "math/bits"

// Invalid is the reserved "no ID" value returned when the space is exhausted
const Invalid uint32 = 0

// Allocator tracks which IDs in [1, max] are in use
type Allocator struct {
	max   uint32
	words []uint64
	used  int
	// every ID below lowest is known to be in use
	lowest uint32
}

// New creates an allocator for the ID space [1, max]
func New(max uint32) *Allocator {
	return &Allocator{
		max:    max,
		words:  make([]uint64, (uint64(max)+1+63)/64),
		lowest: 1,
	}
}

// Allocate returns the smallest unused ID, or Invalid when every ID in the
// space is held.
func (a *Allocator) Allocate() uint32 {
	if a.max == 0 || a.used >= int(a.max) {
		return Invalid
	}

	for w := a.lowest / 64; w < uint32(len(a.words)); w++ {
		free := ^a.words[w]
		if w == a.lowest/64 {
			// mask out bits below the search start
			free &= ^uint64(0) << (a.lowest % 64)
		}
		if free == 0 {
			continue
		}
		id := w*64 + uint32(bits.TrailingZeros64(free))
		if id > a.max {
			return Invalid
		}
		a.words[w] |= 1 << (id % 64)
		a.used++
		a.lowest = id + 1
		return id
	}
	return Invalid
}

// Release returns id to the free pool. Releasing Invalid, an out of range
// ID or an ID that is not held is a no-op.
func (a *Allocator) Release(id uint32) {
	if !a.InUse(id) {
		return
	}
	a.words[id/64] &^= 1 << (id % 64)
	a.used--
	if id < a.lowest {
		a.lowest = id
	}
}

// InUse reports whether id is currently held
func (a *Allocator) InUse(id uint32) bool {
	if id == Invalid || id > a.max {
		return false
	}
	return a.words[id/64]&(1<<(id%64)) != 0
}

// Len returns the number of IDs currently held
func (a *Allocator) Len() int { return a.used }

// Max returns the largest ID the allocator can issue
func (a *Allocator) Max() uint32 { return a.max }
