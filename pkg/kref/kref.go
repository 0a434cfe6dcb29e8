// Package kref implements an embeddable atomic reference count with a
// release hook that runs exactly once, when the count drops to zero.
package kref

import "sync/atomic"

// Ref is a reference count. The zero value is dead: Get fails until Init.
type Ref struct {
	count   atomic.Int32
	release func()
}

// Init sets the count to one and installs the release hook.
func (r *Ref) Init(release func()) {
	r.release = release
	r.count.Store(1)
}

// Get takes a reference. It fails once the count has reached zero, so a
// dying object can never be resurrected.
func (r *Ref) Get() bool {
	for {
		n := r.count.Load()
		if n <= 0 {
			return false
		}
		if r.count.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Put drops a reference and reports whether it was the last one. The
// release hook runs synchronously on the zero transition. Putting a dead
// reference is a no-op that returns false.
func (r *Ref) Put() bool {
	for {
		n := r.count.Load()
		if n <= 0 {
			return false
		}
		if r.count.CompareAndSwap(n, n-1) {
			if n-1 > 0 {
				return false
			}
			if r.release != nil {
				r.release()
			}
			return true
		}
	}
}

// Count returns the current count. Only meaningful for diagnostics.
func (r *Ref) Count() int {
	return int(r.count.Load())
}
