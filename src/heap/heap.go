// Package heap is the kernel heap: a single statically reserved region
// carved into blocks with inline headers and a free list sorted by
// address. Every entry point runs with interrupts disabled; the free
// list is ISR-visible state.
package heap

import "unsafe"

import "alvos/src/cpu"
import "alvos/src/defs"
import "alvos/src/stats"
import "alvos/src/util"

const (
	// header magics; they differ so a double free is detectable
	magicused uint32 = 0xa110ca7e
	magicfree uint32 = 0xf4ee0b1c

	// Hdrsz is the size of a block header.
	Hdrsz = 16
	// Minblock is the smallest payload a split may produce.
	Minblock = 16
	align    = 16

	// allocations larger than this use best fit
	bestfitmin = 4096
	// payloads at least this large are zeroed on allocation
	zeromin = 1024
)

// bhdr_t prefixes every block. next chains only the free list, in
// strictly ascending address order.
type bhdr_t struct {
	magic uint32
	size  uint32
	free  uint32
	next  uint32
}

// Heapstats_t is the exported allocator state.
type Heapstats_t struct {
	Used       uint32
	Free       uint32
	Freeblocks uint32
	Largest    uint32
	Fragpct    uint32
}

// Counters_t accumulates allocator events for the stat surface.
type Counters_t struct {
	Allocs    stats.Counter_t
	Frees     stats.Counter_t
	Fails     stats.Counter_t
	Badfrees  stats.Counter_t
	Coalesces stats.Counter_t
}

// Heap_t is the kernel heap. base is the kernel virtual address of the
// region; mem is the byte view of the same physical bytes.
type Heap_t struct {
	cpu  *cpu.Cpu_t
	mem  []uint8
	base defs.Va_t
	size uint32
	// virtual address of the first free header, zero when empty
	freeh uint32
	used  uint32
	Cnt   Counters_t
}

// Mkheap initializes the heap over the region mapped at base. The
// whole region becomes one free block.
func Mkheap(c *cpu.Cpu_t, backing []uint8, base defs.Va_t) *Heap_t {
	if len(backing) < Hdrsz+Minblock {
		panic("heap region too small")
	}
	if !util.Aligned(uint32(base), uint32(align)) {
		panic("heap base misaligned")
	}
	h := &Heap_t{cpu: c, mem: backing, base: base,
		size: uint32(len(backing))}
	first := h.hdr(uint32(base))
	first.magic = magicfree
	first.size = h.size - Hdrsz
	first.free = 1
	first.next = 0
	h.freeh = uint32(base)
	return h
}

func (h *Heap_t) hdr(va uint32) *bhdr_t {
	off := va - uint32(h.base)
	if off+Hdrsz > h.size {
		panic("header outside heap")
	}
	return (*bhdr_t)(unsafe.Pointer(&h.mem[off]))
}

func (h *Heap_t) inbounds(va uint32) bool {
	return va >= uint32(h.base) && va < uint32(h.base)+h.size
}

// Alloc returns the virtual address of an n-byte block, or zero when
// no fit exists or n is zero. Payloads of a kilobyte or more are
// zeroed; smaller ones are returned as-is to avoid the cache traffic.
func (h *Heap_t) Alloc(n uint32) defs.Va_t {
	if n == 0 {
		return 0
	}
	g := h.cpu.Cli()
	defer g.Restore()
	want := uint32(util.Roundup(n, uint32(align)))

	var chose, prev uint32
	if want > bestfitmin {
		// best fit over the whole free list
		bestsz := ^uint32(0)
		for va, pv := h.freeh, uint32(0); va != 0; {
			b := h.hdr(va)
			if b.size >= want && b.size < bestsz {
				chose, prev = va, pv
				bestsz = b.size
				if b.size == want {
					break
				}
			}
			pv, va = va, b.next
		}
	} else {
		for va, pv := h.freeh, uint32(0); va != 0; {
			b := h.hdr(va)
			if b.size >= want {
				chose, prev = va, pv
				break
			}
			pv, va = va, b.next
		}
	}
	if chose == 0 {
		h.Cnt.Fails.Inc()
		return 0
	}

	b := h.hdr(chose)
	if b.magic != magicfree {
		panic("free list entry with bad magic")
	}
	// split when the remainder can hold a header plus a minimum
	// block
	if b.size >= want+Hdrsz+Minblock {
		nva := chose + Hdrsz + want
		nb := h.hdr(nva)
		nb.magic = magicfree
		nb.size = b.size - want - Hdrsz
		nb.free = 1
		nb.next = b.next
		b.size = want
		b.next = nva
	}
	// unlink
	if prev == 0 {
		h.freeh = b.next
	} else {
		h.hdr(prev).next = b.next
	}
	b.magic = magicused
	b.free = 0
	b.next = 0
	h.used += b.size + Hdrsz
	h.Cnt.Allocs.Inc()

	ret := chose + Hdrsz
	if want >= zeromin {
		pay := h.mem[ret-uint32(h.base) : ret-uint32(h.base)+want]
		for i := range pay {
			pay[i] = 0
		}
	}
	return defs.Va_t(ret)
}

// Free returns the block at p to the free list and coalesces with the
// physically adjacent neighbours when they are free. Freeing a null,
// out-of-heap, misaligned, or already-free pointer fails without side
// effects.
func (h *Heap_t) Free(p defs.Va_t) defs.Err_t {
	if p == 0 {
		return -defs.EINVAL
	}
	va := uint32(p)
	if !h.inbounds(va) || !util.Aligned(va, uint32(align)) ||
		va < uint32(h.base)+Hdrsz {
		h.Cnt.Badfrees.Inc()
		return -defs.EINVAL
	}
	g := h.cpu.Cli()
	defer g.Restore()
	hva := va - Hdrsz
	b := h.hdr(hva)
	if b.magic != magicused {
		// double free or stray pointer
		h.Cnt.Badfrees.Inc()
		return -defs.EINVAL
	}
	b.magic = magicfree
	b.free = 1
	h.used -= b.size + Hdrsz
	h.Cnt.Frees.Inc()

	// sorted insert
	var prev uint32
	next := h.freeh
	for next != 0 && next < hva {
		prev = next
		next = h.hdr(next).next
	}
	b.next = next
	if prev == 0 {
		h.freeh = hva
	} else {
		h.hdr(prev).next = hva
	}
	// forward coalesce at the insertion point and at its predecessor
	h.merge(hva)
	if prev != 0 {
		h.merge(prev)
	}
	return 0
}

// merge joins the block at hva with its free-list successor when the
// successor starts exactly where this block's extent ends.
func (h *Heap_t) merge(hva uint32) bool {
	b := h.hdr(hva)
	nva := b.next
	if nva == 0 || nva != hva+Hdrsz+b.size {
		return false
	}
	nb := h.hdr(nva)
	b.size += Hdrsz + nb.size
	b.next = nb.next
	nb.magic = 0
	h.Cnt.Coalesces.Inc()
	return true
}

// Realloc resizes the block at p. Growing always moves: allocate,
// copy, free. Shrinking splits off a free remainder when it is large
// enough to stand alone.
func (h *Heap_t) Realloc(p defs.Va_t, n uint32) defs.Va_t {
	if p == 0 {
		return h.Alloc(n)
	}
	if n == 0 {
		h.Free(p)
		return 0
	}
	va := uint32(p)
	if !h.inbounds(va) || va < uint32(h.base)+Hdrsz {
		return 0
	}
	want := uint32(util.Roundup(n, uint32(align)))
	g := h.cpu.Cli()
	b := h.hdr(va - Hdrsz)
	if b.magic != magicused {
		g.Restore()
		return 0
	}
	old := b.size
	if want == old {
		g.Restore()
		return p
	}
	if want < old {
		if old-want >= Hdrsz+Minblock {
			nva := va + want
			nb := h.hdr(nva)
			nb.magic = magicused
			nb.size = old - want - Hdrsz
			nb.free = 0
			nb.next = 0
			b.size = want
			g.Restore()
			h.Free(defs.Va_t(nva + Hdrsz))
			return p
		}
		g.Restore()
		return p
	}
	g.Restore()
	np := h.Alloc(n)
	if np == 0 {
		return 0
	}
	src := h.mem[va-uint32(h.base) : va-uint32(h.base)+old]
	dst := h.mem[uint32(np)-uint32(h.base):]
	copy(dst, src)
	h.Free(p)
	return np
}

// Stats computes the allocator statistics in one pass over the free
// list.
func (h *Heap_t) Stats() Heapstats_t {
	g := h.cpu.Cli()
	defer g.Restore()
	var st Heapstats_t
	st.Used = h.used
	for va := h.freeh; va != 0; va = h.hdr(va).next {
		b := h.hdr(va)
		st.Free += b.size
		st.Freeblocks++
		if b.size > st.Largest {
			st.Largest = b.size
		}
	}
	if st.Free > 0 {
		st.Fragpct = 100 - uint32(uint64(st.Largest)*100/uint64(st.Free))
	}
	return st
}

// Walk calls f for every block in address order, used and free, and
// reports whether the headers tile the region exactly. It is the
// heap's consistency check.
func (h *Heap_t) Walk(f func(va defs.Va_t, size uint32, free bool)) bool {
	g := h.cpu.Cli()
	defer g.Restore()
	va := uint32(h.base)
	end := uint32(h.base) + h.size
	for va < end {
		b := h.hdr(va)
		switch b.magic {
		case magicused, magicfree:
		default:
			return false
		}
		if f != nil {
			f(defs.Va_t(va), b.size, b.magic == magicfree)
		}
		va += Hdrsz + b.size
	}
	return va == end
}
