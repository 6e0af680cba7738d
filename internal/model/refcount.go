package model

import "sync/atomic"

// RefCounted is embedded by every object that participates in the
// uniform refcount discipline of spec.md §4.3: IPCPs, Flows, DIFs, and
// RegisteredAppls. The refcount is manipulated under the lock that
// indexes the object (the IPCP-table spinlock, the flow-table RW-lock's
// writer side, or the DIF-list lock); Ref/Unref themselves only touch the
// atomic counter, so callers are responsible for holding that lock around
// the table mutation that must be atomic with the zero transition.
type RefCounted struct {
	rc int32
}

// Ref increments the refcount and returns the new value.
func (r *RefCounted) Ref() int32 {
	return atomic.AddInt32(&r.rc, 1)
}

// Unref decrements the refcount and reports whether it reached zero.
// Reaching zero is a one-way transition: once Unref returns true, no
// further Ref/Unref calls are valid on this object.
func (r *RefCounted) Unref() bool {
	n := atomic.AddInt32(&r.rc, -1)
	if n < 0 {
		panic("model: refcount went negative")
	}
	return n == 0
}

// Load returns the current refcount without mutating it.
func (r *RefCounted) Load() int32 {
	return atomic.LoadInt32(&r.rc)
}
