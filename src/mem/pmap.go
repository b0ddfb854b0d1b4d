package mem

import "alvos/src/cpu"
import "alvos/src/defs"
import "alvos/src/limits"
import "alvos/src/util"

// Page table entry flags.
const (
	PTE_P   defs.Pa_t = 1 << 0
	PTE_W   defs.Pa_t = 1 << 1
	PTE_U   defs.Pa_t = 1 << 2
	PTE_PWT defs.Pa_t = 1 << 3
	PTE_PCD defs.Pa_t = 1 << 4
	PTE_A   defs.Pa_t = 1 << 5
	PTE_D   defs.Pa_t = 1 << 6
	PTE_PS  defs.Pa_t = 1 << 7
	PTE_G   defs.Pa_t = 1 << 8

	PTE_ADDR  defs.Pa_t = PGMASK
	PTE_FLAGS defs.Pa_t = 0x1ff
)

// KVBASE is where the kernel's higher-half view of physical memory
// begins. The first 768 directory entries (0..3 GiB) are the kernel
// half and are shared by every address space; user mappings live above
// USERMIN.
const (
	KVBASE  defs.Va_t = 0x80000000
	ALTWIN  defs.Va_t = 0xa0000000
	USERMIN defs.Va_t = 0xc0000000

	// directory slots 0..KDIRS-1 are the shared kernel half
	KDIRS = 768
)

func pdx(va defs.Va_t) int {
	return int(va >> 22)
}

func ptx(va defs.Va_t) int {
	return int(va>>12) & 0x3ff
}

// Mmu_t ties the frame allocator to the CPU's paging state and owns
// the kernel page directory.
type Mmu_t struct {
	Phys *Physmem_t
	Cpu  *cpu.Cpu_t
	// physical address of the kernel page directory
	p_kpd defs.Pa_t
	kpd   *Pmap_t
}

// Mkmmu allocates the kernel page directory and returns the MMU. The
// directory is empty; the boot sequencer installs the identity and
// higher-half mappings before paging is enabled.
func Mkmmu(phys *Physmem_t, c *cpu.Cpu_t) (*Mmu_t, defs.Err_t) {
	pg, p_pd, ok := phys.Refpg_new()
	if !ok {
		return nil, -defs.ENOMEM
	}
	return &Mmu_t{Phys: phys, Cpu: c, p_kpd: p_pd, kpd: Pg2pmap(pg)}, 0
}

// Kpd returns the physical address of the kernel page directory.
func (m *Mmu_t) Kpd() defs.Pa_t {
	return m.p_kpd
}

// Pdmap views the directory or table frame at p as entries.
func (m *Mmu_t) Pdmap(p defs.Pa_t) *Pmap_t {
	return Pg2pmap(m.Phys.Dmap(p & PTE_ADDR))
}

// pmap_walk returns the PTE slot for va in the directory at p_pd,
// allocating a zeroed page table when create is true. It fails on
// a 4 MiB directory entry; those are never split.
func (m *Mmu_t) pmap_walk(p_pd defs.Pa_t, va defs.Va_t, create bool,
	ptflags defs.Pa_t) (*defs.Pa_t, defs.Err_t) {
	pd := m.Pdmap(p_pd)
	pde := &pd[pdx(va)]
	if *pde&PTE_P != 0 && *pde&PTE_PS != 0 {
		return nil, -defs.EINVAL
	}
	if *pde&PTE_P == 0 {
		if !create {
			return nil, -defs.ENOENT
		}
		if !limits.Syslimit.Ptpages.Take() {
			return nil, -defs.ENOMEM
		}
		_, p_pt, ok := m.Phys.Refpg_new()
		if !ok {
			limits.Syslimit.Ptpages.Give()
			return nil, -defs.ENOMEM
		}
		*pde = p_pt | PTE_P | PTE_W | ptflags
	}
	pt := m.Pdmap(*pde)
	return &pt[ptx(va)], 0
}

// Map_page installs virt -> phys with the given flags in the directory
// at p_pd. Both addresses are aligned down. An existing mapping to a
// different frame is a failure; remapping the same frame refreshes the
// flags. The TLB entry is invalidated.
func (m *Mmu_t) Map_page(p_pd defs.Pa_t, virt defs.Va_t, phys defs.Pa_t,
	flags defs.Pa_t) defs.Err_t {
	g := m.Cpu.Cli()
	defer g.Restore()
	return m.map_page_locked(p_pd, virt, phys, flags)
}

func (m *Mmu_t) map_page_locked(p_pd defs.Pa_t, virt defs.Va_t,
	phys defs.Pa_t, flags defs.Pa_t) defs.Err_t {
	va := defs.Va_t(util.Rounddown(uint32(virt), uint32(PGSIZE)))
	pa := defs.Pa_t(util.Rounddown(uint32(phys), uint32(PGSIZE)))
	ptflags := flags & PTE_U
	pte, err := m.pmap_walk(p_pd, va, true, ptflags)
	if err != 0 {
		return err
	}
	if *pte&PTE_P != 0 && *pte&PTE_ADDR != pa {
		return -defs.EEXIST
	}
	*pte = pa | (flags & PTE_FLAGS) | PTE_P
	m.Cpu.Invlpg(va)
	return 0
}

// Map_region maps size bytes page by page. The operation is atomic:
// on any failure the pages already installed are unmapped.
func (m *Mmu_t) Map_region(p_pd defs.Pa_t, virt defs.Va_t, phys defs.Pa_t,
	size uint32, flags defs.Pa_t) defs.Err_t {
	g := m.Cpu.Cli()
	defer g.Restore()
	va := defs.Va_t(util.Rounddown(uint32(virt), uint32(PGSIZE)))
	pa := defs.Pa_t(util.Rounddown(uint32(phys), uint32(PGSIZE)))
	end := uint32(util.Roundup(uint32(virt)+size, uint32(PGSIZE)))
	for off := uint32(va); off < end; off += uint32(PGSIZE) {
		err := m.map_page_locked(p_pd, defs.Va_t(off),
			pa+defs.Pa_t(off-uint32(va)), flags)
		if err != 0 {
			for undo := uint32(va); undo < off; undo += uint32(PGSIZE) {
				m.unmap_page_locked(p_pd, defs.Va_t(undo))
			}
			return err
		}
	}
	return 0
}

// Unmap_page removes the mapping for virt. It declines to split 4 MiB
// entries and reports whether a mapping existed.
func (m *Mmu_t) Unmap_page(p_pd defs.Pa_t, virt defs.Va_t) defs.Err_t {
	g := m.Cpu.Cli()
	defer g.Restore()
	return m.unmap_page_locked(p_pd, virt)
}

func (m *Mmu_t) unmap_page_locked(p_pd defs.Pa_t, virt defs.Va_t) defs.Err_t {
	va := defs.Va_t(util.Rounddown(uint32(virt), uint32(PGSIZE)))
	pte, err := m.pmap_walk(p_pd, va, false, 0)
	if err != 0 {
		return err
	}
	if *pte&PTE_P == 0 {
		return -defs.ENOENT
	}
	*pte = 0
	m.Cpu.Invlpg(va)
	return 0
}

// Unmap_region mirrors Map_region.
func (m *Mmu_t) Unmap_region(p_pd defs.Pa_t, virt defs.Va_t,
	size uint32) defs.Err_t {
	g := m.Cpu.Cli()
	defer g.Restore()
	va := uint32(util.Rounddown(uint32(virt), uint32(PGSIZE)))
	end := uint32(util.Roundup(uint32(virt)+size, uint32(PGSIZE)))
	var ret defs.Err_t
	for off := va; off < end; off += uint32(PGSIZE) {
		if err := m.unmap_page_locked(p_pd, defs.Va_t(off)); err != 0 {
			ret = err
		}
	}
	return ret
}

// Virt2phys translates virt in the directory at p_pd, honouring 4 MiB
// entries. The second return is false when virt is unmapped.
func (m *Mmu_t) Virt2phys(p_pd defs.Pa_t, virt defs.Va_t) (defs.Pa_t, bool) {
	pd := m.Pdmap(p_pd)
	pde := pd[pdx(virt)]
	if pde&PTE_P == 0 {
		return 0, false
	}
	if pde&PTE_PS != 0 {
		base := pde & 0xffc00000
		return base + defs.Pa_t(virt&0x3fffff), true
	}
	pt := m.Pdmap(pde)
	pte := pt[ptx(virt)]
	if pte&PTE_P == 0 {
		return 0, false
	}
	return (pte & PTE_ADDR) + (defs.Pa_t(virt) & PGOFFSET), true
}

// Is_mapped reports whether virt has a present mapping.
func (m *Mmu_t) Is_mapped(p_pd defs.Pa_t, virt defs.Va_t) bool {
	_, ok := m.Virt2phys(p_pd, virt)
	return ok
}

// Set_flags replaces the flag bits of an existing mapping, keeping the
// frame.
func (m *Mmu_t) Set_flags(p_pd defs.Pa_t, virt defs.Va_t,
	flags defs.Pa_t) defs.Err_t {
	g := m.Cpu.Cli()
	defer g.Restore()
	pte, err := m.pmap_walk(p_pd, virt, false, 0)
	if err != 0 {
		return err
	}
	if *pte&PTE_P == 0 {
		return -defs.ENOENT
	}
	*pte = (*pte & PTE_ADDR) | (flags & PTE_FLAGS) | PTE_P
	m.Cpu.Invlpg(virt)
	return 0
}

// Ensure_physical_accessible returns a kernel virtual address through
// which [phys, phys+size) can be read. The direct window at
// KVBASE+phys is used when free or already pointing at the right
// frames; otherwise the mapping is retried in the alternate window.
func (m *Mmu_t) Ensure_physical_accessible(phys defs.Pa_t,
	size uint32) (defs.Va_t, bool) {
	for _, win := range []defs.Va_t{KVBASE, ALTWIN} {
		va := win + defs.Va_t(phys)
		if uint32(va) < uint32(win) {
			// wrapped past the top of the window
			continue
		}
		usable, full := m.window_usable(va, phys, size)
		if !usable {
			continue
		}
		if full {
			// a standing mapping already covers the region;
			// leave its flags alone
			return va, true
		}
		if err := m.Map_region(m.p_kpd, va, phys, size,
			PTE_W); err != 0 {
			continue
		}
		return va, true
	}
	return 0, false
}

// window_usable reports whether the window at va can view phys: every
// present page must already point at the right frame. The second
// return is true when the whole region is already mapped.
func (m *Mmu_t) window_usable(va defs.Va_t, phys defs.Pa_t,
	size uint32) (bool, bool) {
	start := uint32(util.Rounddown(uint32(va), uint32(PGSIZE)))
	end := uint32(util.Roundup(uint32(va)+size, uint32(PGSIZE)))
	want := defs.Pa_t(util.Rounddown(uint32(phys), uint32(PGSIZE)))
	mapped := uint32(0)
	for off := start; off < end; off += uint32(PGSIZE) {
		pa, ok := m.Virt2phys(m.p_kpd, defs.Va_t(off))
		if !ok {
			continue
		}
		if pa&PGMASK != want+defs.Pa_t(off-start) {
			return false, false
		}
		mapped += uint32(PGSIZE)
	}
	return true, mapped == end-start
}

// Copy_kernel_mappings copies the shared kernel half of the directory
// into the directory at p_pd. Every address space sees the same kernel
// 0..3 GiB.
func (m *Mmu_t) Copy_kernel_mappings(p_pd defs.Pa_t) {
	g := m.Cpu.Cli()
	defer g.Restore()
	dst := m.Pdmap(p_pd)
	for i := 0; i < KDIRS; i++ {
		dst[i] = m.kpd[i]
	}
}

// Switch_to_address_space loads the directory at p_pd into CR3.
func (m *Mmu_t) Switch_to_address_space(p_pd defs.Pa_t) {
	m.Cpu.Lcr3(p_pd)
}

// Kernel_page_directory returns the physical address of the shared
// kernel directory.
func (m *Mmu_t) Kernel_page_directory() defs.Pa_t {
	return m.p_kpd
}
