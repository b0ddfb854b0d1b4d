// Package mem owns physical memory: the boot memory-map regions, the
// 4 KiB frame allocator, and the two-level page tables.
package mem

import "sync"
import "unsafe"

import "alvos/src/defs"
import "alvos/src/util"

// PGSHIFT is the base-2 exponent for the page size.
const PGSHIFT uint = 12

// PGSIZE is the size of a single page in bytes.
const PGSIZE = 1 << PGSHIFT

// PGOFFSET masks offsets within a page.
const PGOFFSET defs.Pa_t = 0xfff

// PGMASK masks the page number of an address.
const PGMASK defs.Pa_t = ^PGOFFSET

// Pg_t is one page viewed as 32-bit words.
type Pg_t [PGSIZE / 4]uint32

// Bytepg_t is a byte addressed page.
type Bytepg_t [PGSIZE]uint8

// Pmap_t is a page directory or page table: 1024 32-bit entries.
type Pmap_t [1024]defs.Pa_t

// Pg2bytes converts a page of words to a page of bytes.
func Pg2bytes(pg *Pg_t) *Bytepg_t {
	return (*Bytepg_t)(unsafe.Pointer(pg))
}

// Pg2pmap views a page as a page table.
func Pg2pmap(pg *Pg_t) *Pmap_t {
	return (*Pmap_t)(unsafe.Pointer(pg))
}

// Region_t is one free extent of physical memory, 4 KiB aligned.
type Region_t struct {
	Base uint64
	Len  uint64
}

// Regions_t is the small ordered list of free physical regions derived
// from the loader's memory map. Regions are disjoint and sorted; the
// kernel image, stack, and heap are removed before the frame allocator
// is seeded.
type Regions_t struct {
	Regs []Region_t
}

// Insert adds a region, keeping the list sorted and disjoint. Regions
// are aligned inward to page boundaries.
func (r *Regions_t) Insert(base, length uint64) {
	nb := uint64(util.Roundup(base, uint64(PGSIZE)))
	ne := uint64(util.Rounddown(base+length, uint64(PGSIZE)))
	if ne <= nb {
		return
	}
	nr := Region_t{Base: nb, Len: ne - nb}
	at := len(r.Regs)
	for i, rg := range r.Regs {
		if rg.Base+rg.Len > nb && rg.Base < ne {
			panic("overlapping memory regions")
		}
		if rg.Base >= ne {
			at = i
			break
		}
	}
	r.Regs = append(r.Regs, Region_t{})
	copy(r.Regs[at+1:], r.Regs[at:])
	r.Regs[at] = nr
}

// Remove carves [base, base+length) out of the free list, splitting
// regions as needed. Used at boot to reserve the kernel image, stack,
// and heap.
func (r *Regions_t) Remove(base, length uint64) {
	rb := uint64(util.Rounddown(base, uint64(PGSIZE)))
	re := uint64(util.Roundup(base+length, uint64(PGSIZE)))
	var out []Region_t
	for _, rg := range r.Regs {
		ge := rg.Base + rg.Len
		if re <= rg.Base || rb >= ge {
			out = append(out, rg)
			continue
		}
		if rg.Base < rb {
			out = append(out, Region_t{Base: rg.Base, Len: rb - rg.Base})
		}
		if ge > re {
			out = append(out, Region_t{Base: re, Len: ge - re})
		}
	}
	r.Regs = out
}

// Total returns the number of free bytes described by the list.
func (r *Regions_t) Total() uint64 {
	var t uint64
	for _, rg := range r.Regs {
		t += rg.Len
	}
	return t
}

// Physpg_t describes a single physical frame.
type Physpg_t struct {
	Refcnt int32
	// index of the next frame on the free list
	nexti uint32
}

const nilidx = ^uint32(0)

// Physmem_t manages all physical memory. Frames live in one arena so
// the direct map is a plain reslice.
type Physmem_t struct {
	sync.Mutex
	ram     []Pg_t
	bytes   []uint8
	Pgs     []Physpg_t
	freei   uint32
	freelen int32
	npages  uint32
}

// Mkphys builds the frame allocator for ramsize bytes of physical
// memory. Only frames inside a free region are placed on the free
// list; everything else starts with a poisoned refcount so misuse
// panics instead of corrupting.
func Mkphys(ramsize uint32, free *Regions_t) *Physmem_t {
	np := uint32(util.Roundup(ramsize, uint32(PGSIZE))) >> PGSHIFT
	if np == 0 {
		panic("no memory")
	}
	phys := &Physmem_t{}
	phys.npages = np
	phys.ram = make([]Pg_t, np)
	phys.bytes = unsafe.Slice((*uint8)(unsafe.Pointer(&phys.ram[0])),
		int(np)<<PGSHIFT)
	phys.Pgs = make([]Physpg_t, np)
	for i := range phys.Pgs {
		phys.Pgs[i].Refcnt = -10
		phys.Pgs[i].nexti = nilidx
	}
	phys.freei = nilidx
	for _, rg := range free.Regs {
		if rg.Base+rg.Len > uint64(ramsize) {
			panic("free region outside installed memory")
		}
		for pa := rg.Base; pa < rg.Base+rg.Len; pa += uint64(PGSIZE) {
			idx := uint32(pa >> PGSHIFT)
			phys.Pgs[idx].Refcnt = 0
			phys.Pgs[idx].nexti = phys.freei
			phys.freei = idx
			phys.freelen++
		}
	}
	return phys
}

// Pgcount returns the number of frames on the free list.
func (phys *Physmem_t) Pgcount() int {
	phys.Lock()
	defer phys.Unlock()
	return int(phys.freelen)
}

// Refaddr returns the refcount pointer for the given frame.
func (phys *Physmem_t) Refaddr(p_pg defs.Pa_t) *int32 {
	return &phys.Pgs[uint32(p_pg)>>PGSHIFT].Refcnt
}

// Refcnt returns the current reference count of a frame.
func (phys *Physmem_t) Refcnt(p_pg defs.Pa_t) int {
	phys.Lock()
	defer phys.Unlock()
	return int(*phys.Refaddr(p_pg))
}

// Refup increments the reference count of a frame.
func (phys *Physmem_t) Refup(p_pg defs.Pa_t) {
	phys.Lock()
	ref := phys.Refaddr(p_pg)
	*ref++
	if *ref <= 0 {
		panic("refup of dead page")
	}
	phys.Unlock()
}

// Refdown decrements the reference count of a frame and returns it to
// the free list when the count reaches zero. It reports whether the
// frame was freed.
func (phys *Physmem_t) Refdown(p_pg defs.Pa_t) bool {
	phys.Lock()
	defer phys.Unlock()
	idx := uint32(p_pg) >> PGSHIFT
	ref := &phys.Pgs[idx].Refcnt
	*ref--
	if *ref < 0 {
		panic("negative ref count")
	}
	if *ref == 0 {
		phys.Pgs[idx].nexti = phys.freei
		phys.freei = idx
		phys.freelen++
		return true
	}
	return false
}

func (phys *Physmem_t) _phys_new() (defs.Pa_t, bool) {
	phys.Lock()
	defer phys.Unlock()
	ff := phys.freei
	if ff == nilidx {
		return 0, false
	}
	if phys.Pgs[ff].Refcnt != 0 {
		panic("free frame with references")
	}
	phys.freei = phys.Pgs[ff].nexti
	phys.freelen--
	phys.Pgs[ff].Refcnt = 1
	return defs.Pa_t(ff) << PGSHIFT, true
}

// Refpg_new allocates a zeroed frame with refcount one.
func (phys *Physmem_t) Refpg_new() (*Pg_t, defs.Pa_t, bool) {
	pg, p_pg, ok := phys.Refpg_new_nozero()
	if !ok {
		return nil, 0, false
	}
	for i := range pg {
		pg[i] = 0
	}
	return pg, p_pg, true
}

// Refpg_new_nozero allocates an uninitialised frame.
func (phys *Physmem_t) Refpg_new_nozero() (*Pg_t, defs.Pa_t, bool) {
	p_pg, ok := phys._phys_new()
	if !ok {
		return nil, 0, false
	}
	return phys.Dmap(p_pg), p_pg, true
}

// Dmap returns the page holding the physical address p.
func (phys *Physmem_t) Dmap(p defs.Pa_t) *Pg_t {
	idx := uint32(p) >> PGSHIFT
	if idx >= phys.npages {
		panic("direct map not large enough")
	}
	return &phys.ram[idx]
}

// Dmap8 returns a byte slice from p to the end of its page.
func (phys *Physmem_t) Dmap8(p defs.Pa_t) []uint8 {
	pg := phys.Dmap(p)
	off := p & PGOFFSET
	bpg := Pg2bytes(pg)
	return bpg[off:]
}

// Dmaplen returns a byte slice covering [p, p+l), which may span
// pages; the arena is contiguous.
func (phys *Physmem_t) Dmaplen(p defs.Pa_t, l int) []uint8 {
	if l < 0 || uint64(p)+uint64(l) > uint64(len(phys.bytes)) {
		panic("dmap out of range")
	}
	return phys.bytes[p : uint32(p)+uint32(l)]
}

// Memsize returns the number of bytes of installed physical memory.
func (phys *Physmem_t) Memsize() uint32 {
	return phys.npages << PGSHIFT
}
