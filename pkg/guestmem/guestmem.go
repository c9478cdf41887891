// Package guestmem provides typed read/write access to guest-physical
// memory for the host-controller descriptor walkers, with an optional
// single-page read cache.
//
// The shape mirrors a fixed memory region addressed by a physical base,
// with Read/Write entry points that take an address, an offset and a
// buffer. Here the "region" is the entire guest address space and the
// actual copy is delegated to a Primitive supplied by the embedding
// hypervisor (out of scope here).
package guestmem

import (
	"encoding/binary"
	"fmt"
)

// PageSize is the guest page size assumed throughout the host-controller
// core (4 KiB, matching OHCI/EHCI descriptor page-straddling rules).
const PageSize = 0x1000

// Primitive is the external guest-physical-memory read/write collaborator.
// The hypervisor's MMU/DMA plumbing implements it; this package never
// constructs one itself.
type Primitive interface {
	// ReadPhys copies len(buf) bytes from guest-physical address gpa.
	ReadPhys(gpa uint64, buf []byte) error
	// WritePhys copies len(buf) bytes to guest-physical address gpa.
	WritePhys(gpa uint64, buf []byte) error
	// ReadPhysMeta is like ReadPhys but hints that gpa holds a
	// controller descriptor, allowing the primitive to log or protect
	// the access differently.
	ReadPhysMeta(gpa uint64, buf []byte) error
	// WritePhysMeta is the write-side equivalent of ReadPhysMeta.
	WritePhysMeta(gpa uint64, buf []byte) error
}

// PageCache holds the contents of one guest page, keyed by its base
// address. It exists purely to avoid round-tripping through Primitive for
// back-to-back descriptor reads that land in the same page, which is the
// common case while walking an ED/TD or QH/qTD chain.
type PageCache struct {
	valid bool
	base  uint64
	data  [PageSize]byte
}

// Invalidate drops any cached page. Callers must invalidate on every
// device critical-section acquire and release so a cache never survives
// across a window in which another thread could have mutated guest
// memory.
func (c *PageCache) Invalidate() {
	c.valid = false
}

func pageBase(gpa uint64) uint64 {
	return gpa &^ (PageSize - 1)
}

func withinOnePage(gpa uint64, n int) bool {
	return pageBase(gpa) == pageBase(gpa+uint64(n)-1)
}

// Accessor is the typed guest-memory reader/writer used by every
// descriptor walker.
type Accessor struct {
	prim  Primitive
	cache *PageCache
}

// New returns an Accessor delegating to prim. cache may be nil to disable
// the single-page read cache.
func New(prim Primitive, cache *PageCache) *Accessor {
	return &Accessor{prim: prim, cache: cache}
}

// Read copies len(buf) bytes from gpa, serving from the page cache when
// the read lies entirely within the cached page.
func (a *Accessor) Read(gpa uint64, buf []byte) error {
	if a.cache != nil && len(buf) > 0 && len(buf) <= PageSize && withinOnePage(gpa, len(buf)) {
		if !a.cache.valid || a.cache.base != pageBase(gpa) {
			if err := a.prim.ReadPhys(pageBase(gpa), a.cache.data[:]); err != nil {
				a.cache.valid = false
				return err
			}
			a.cache.base = pageBase(gpa)
			a.cache.valid = true
		}
		off := gpa - a.cache.base
		copy(buf, a.cache.data[off:off+uint64(len(buf))])
		return nil
	}
	return a.prim.ReadPhys(gpa, buf)
}

// ReadMeta is the descriptor-hinting variant of Read; it bypasses the
// cache since descriptor structures are always re-validated at their
// point of use (the cancellation check in the completion retirer).
func (a *Accessor) ReadMeta(gpa uint64, buf []byte) error {
	return a.prim.ReadPhysMeta(gpa, buf)
}

// Write copies len(buf) bytes to gpa and invalidates any cached page the
// write falls within.
func (a *Accessor) Write(gpa uint64, buf []byte) error {
	if a.cache != nil && a.cache.valid && withinOnePage(gpa, len(buf)) && pageBase(gpa) == a.cache.base {
		a.cache.valid = false
	}
	return a.prim.WritePhys(gpa, buf)
}

// WriteMeta is the descriptor-hinting variant of Write.
func (a *Accessor) WriteMeta(gpa uint64, buf []byte) error {
	if a.cache != nil && a.cache.valid && withinOnePage(gpa, len(buf)) && pageBase(gpa) == a.cache.base {
		a.cache.valid = false
	}
	return a.prim.WritePhysMeta(gpa, buf)
}

// ReadDwords reads len(words) little-endian 32-bit words starting at gpa.
func (a *Accessor) ReadDwords(gpa uint64, words []uint32) error {
	buf := make([]byte, 4*len(words))
	if err := a.Read(gpa, buf); err != nil {
		return err
	}
	for i := range words {
		words[i] = binary.LittleEndian.Uint32(buf[4*i:])
	}
	return nil
}

// WriteDwords writes words as little-endian 32-bit words starting at gpa.
func (a *Accessor) WriteDwords(gpa uint64, words []uint32) error {
	buf := make([]byte, 4*len(words))
	for i, w := range words {
		binary.LittleEndian.PutUint32(buf[4*i:], w)
	}
	return a.Write(gpa, buf)
}

// Direction selects which way CopyAcrossPages copies.
type Direction int

const (
	// GuestToHost copies from guest memory into host.
	GuestToHost Direction = iota
	// HostToGuest copies from host into guest memory.
	HostToGuest
)

// CopyAcrossPages copies length bytes between a guest buffer spanning at
// most two descriptor-supplied page bases and a host-side buffer, in the
// direction dir. This factors the page-split logic that recurs at every
// OHCI TD, OHCI iTD, EHCI qTD and EHCI iTD data-copy site.
//
// base1 is the page containing the first byte (at byte offset `offset`
// within it); base2 is the page containing any bytes past the first
// page's boundary. base2 is ignored (and must not be dereferenced) when
// the whole range fits in base1.
func (a *Accessor) CopyAcrossPages(base1, base2 uint64, offset int, length int, dir Direction, host []byte) error {
	if length == 0 {
		return nil
	}
	if len(host) < length {
		return fmt.Errorf("guestmem: host buffer too small: have %d need %d", len(host), length)
	}
	first := PageSize - offset
	if first > length {
		first = length
	}

	switch dir {
	case GuestToHost:
		if err := a.Read(base1+uint64(offset), host[:first]); err != nil {
			return err
		}
		if first < length {
			if err := a.Read(base2, host[first:length]); err != nil {
				return err
			}
		}
	case HostToGuest:
		if err := a.Write(base1+uint64(offset), host[:first]); err != nil {
			return err
		}
		if first < length {
			if err := a.Write(base2, host[first:length]); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("guestmem: unknown direction %d", dir)
	}
	return nil
}
