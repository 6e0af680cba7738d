// Package pduft implements the per-IPCP PDU forwarding table: a
// destination-address to outgoing-flow map consulted on every send by a
// "normal" IPCP (spec.md §4.7).
//
// The table is backed by a BART (balanced ART) longest-prefix table keyed
// on netip.Addr, giving the forwarding table real LPM semantics — a
// supplement over the plain exact-match hash table in spec.md, useful
// once an uipcp starts aggregating routes rather than advertising one
// host route per destination. Exact single-address entries (spec.md's
// literal "set(addr, flow)") are simply /128 host prefixes.
package pduft

import (
	"net/netip"
	"sync"

	"github.com/gaissmai/bart"
)

// Table is a PDU forwarding table mapping a 64-bit destination address to
// a value V, typically a non-owning pointer to an allocated flow. It is
// safe for concurrent use.
type Table[V comparable] struct {
	mu sync.RWMutex
	t  bart.Table[V]
}

// New returns an empty forwarding table.
func New[V comparable]() *Table[V] {
	return &Table[V]{}
}

// addrToPrefix encodes a 64-bit destination address as a /128 host route
// over a synthetic 16-byte address space, so exact-address entries and
// future aggregated routes share one lookup structure.
func addrToPrefix(addr uint64) netip.Prefix {
	var b [16]byte
	b[0], b[1] = 0x20, 0x01 // arbitrary non-loopback prefix tag
	b[8] = byte(addr >> 56)
	b[9] = byte(addr >> 48)
	b[10] = byte(addr >> 40)
	b[11] = byte(addr >> 32)
	b[12] = byte(addr >> 24)
	b[13] = byte(addr >> 16)
	b[14] = byte(addr >> 8)
	b[15] = byte(addr)
	ip := netip.AddrFrom16(b)
	return netip.PrefixFrom(ip, 128)
}

// Set replaces any prior entry for addr with val (spec.md: "set(addr,
// flow) replaces any prior entry for addr").
func (t *Table[V]) Set(addr uint64, val V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.t.Insert(addrToPrefix(addr), val)
}

// Lookup returns the value forwarding traffic to addr, if any.
func (t *Table[V]) Lookup(addr uint64) (V, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.t.Lookup(addrToPrefix(addr).Addr())
}

// DelAddr removes the entry for addr, if any.
func (t *Table[V]) DelAddr(addr uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.t.Delete(addrToPrefix(addr))
}

// Flush clears every entry.
func (t *Table[V]) Flush() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.t = bart.Table[V]{}
}

// FlushByFlow removes every entry whose value equals val (spec.md:
// "flush_by_flow(flow) removes every entry whose value is that flow").
func (t *Table[V]) FlushByFlow(val V) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var doomed []netip.Prefix
	t.t.All()(func(p netip.Prefix, v V) bool {
		if v == val {
			doomed = append(doomed, p)
		}
		return true
	})
	for _, p := range doomed {
		t.t.Delete(p)
	}
}

// Len reports the number of entries currently in the table.
func (t *Table[V]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.t.Size()
}
