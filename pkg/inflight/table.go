// Package inflight implements the fixed-capacity, open-addressed hash
// table mapping a guest TD physical address to its owning URB.
//
// The design deliberately avoids a Go map of allocated nodes in favor of
// a fixed-capacity array indexed by a simple hash: an index into a
// fixed-capacity array is preferred over a hash map of allocated nodes so
// that table capacity (and therefore worst-case scan length) is bounded
// and known at controller-construction time, matching the real
// controllers' fixed 257-entry tables.
package inflight

import (
	"fmt"

	"github.com/cyberus-technology/virtualbox-kvm-sub051/pkg/urb"
)

type entry struct {
	occupied bool
	addr     uint64
	frame    uint32
	u        *urb.URB
}

// Table is a fixed-capacity open-addressed table from guest TD address to
// owning URB.
type Table struct {
	entries    []entry
	population int
}

// New returns a Table with the given fixed capacity (OHCI and EHCI both
// use 257 entries).
func New(capacity int) *Table {
	return &Table{entries: make([]entry, capacity)}
}

func (t *Table) hash(addr uint64) int {
	return int((addr >> 4) % uint64(len(t.entries)))
}

// Add records addr as owned by u, starting the scan at the hashed slot
// and taking the first free entry. It panics if the table is at capacity,
// since that indicates a fixed-size invariant violation upstream (the
// controllers never submit more in-flight TDs than their table size).
func (t *Table) Add(addr uint64, frame uint32, u *urb.URB) {
	if t.population >= len(t.entries) {
		panic(fmt.Sprintf("inflight: table at capacity (%d entries)", len(t.entries)))
	}

	n := len(t.entries)
	start := t.hash(addr)
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if !t.entries[idx].occupied {
			t.entries[idx] = entry{occupied: true, addr: addr, frame: frame, u: u}
			t.population++
			return
		}
	}
	panic("inflight: no free slot found despite population < capacity")
}

// Find returns the URB owning addr, or nil if absent. The scan early-exits
// once it has examined as many occupied entries as the table's current
// population, bounding worst-case work to the actual load rather than the
// full table size.
func (t *Table) Find(addr uint64) *urb.URB {
	n := len(t.entries)
	start := t.hash(addr)
	seen := 0
	for i := 0; i < n && seen < t.population; i++ {
		idx := (start + i) % n
		e := &t.entries[idx]
		if !e.occupied {
			continue
		}
		seen++
		if e.addr == addr {
			return e.u
		}
	}
	return nil
}

// Remove clears the entry for addr and returns the frame age of the
// removed entry (currentFrame - submitFrame), or -1 if addr was not
// present (meaning the TD was already canceled or never submitted).
func (t *Table) Remove(addr uint64, currentFrame uint32) int {
	n := len(t.entries)
	start := t.hash(addr)
	seen := 0
	for i := 0; i < n && seen < t.population; i++ {
		idx := (start + i) % n
		e := &t.entries[idx]
		if !e.occupied {
			continue
		}
		seen++
		if e.addr == addr {
			age := int(currentFrame) - int(e.frame)
			t.entries[idx] = entry{}
			t.population--
			return age
		}
	}
	return -1
}

// ClearForURB defensively removes every entry (regardless of address)
// whose owning URB is u. This protects against a buggy guest that reuses
// one TD address across multiple URBs: without this sweep a stale entry
// for an address the guest has since repurposed could outlive u's
// retirement.
func (t *Table) ClearForURB(u *urb.URB) {
	for i := range t.entries {
		if t.entries[i].occupied && t.entries[i].u == u {
			t.entries[i] = entry{}
			t.population--
		}
	}
}

// RemoveURB removes every TD address in u.TDs, then sweeps with
// ClearForURB as a defensive pass.
func (t *Table) RemoveURB(u *urb.URB, currentFrame uint32) {
	for _, td := range u.TDs {
		t.Remove(td.Addr, currentFrame)
	}
	t.ClearForURB(u)
}

// ForEachURB calls fn once per distinct URB currently recorded in the
// table. fn must not mutate the table.
func (t *Table) ForEachURB(fn func(u *urb.URB)) {
	seen := make(map[*urb.URB]bool)
	for i := range t.entries {
		e := &t.entries[i]
		if !e.occupied || seen[e.u] {
			continue
		}
		seen[e.u] = true
		fn(e.u)
	}
}

// Len returns the current population (number of occupied entries).
func (t *Table) Len() int {
	return t.population
}

// Cap returns the table's fixed capacity.
func (t *Table) Cap() int {
	return len(t.entries)
}
