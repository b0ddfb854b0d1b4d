// Package vm layers per-process address spaces over the shared MMU.
// The kernel half of every directory is identical; user mappings and
// their frame references are owned here.
package vm

import "alvos/src/defs"
import "alvos/src/mem"

// Aspace_t is one user address space. The page directory's kernel half
// is a copy of the shared kernel entries; the user half is private.
type Aspace_t struct {
	Mmu    *mem.Mmu_t
	P_pmap defs.Pa_t
}

// Mkaspace allocates a fresh page directory with the kernel mappings
// copied in.
func Mkaspace(m *mem.Mmu_t) (*Aspace_t, defs.Err_t) {
	_, p_pd, ok := m.Phys.Refpg_new()
	if !ok {
		return nil, -defs.ENOMEM
	}
	m.Copy_kernel_mappings(p_pd)
	return &Aspace_t{Mmu: m, P_pmap: p_pd}, 0
}

func (as *Aspace_t) userva(va defs.Va_t) bool {
	return va >= mem.USERMIN
}

// Page_insert maps the frame p_pg at va with perms, taking a reference
// on the frame. Replacing a present mapping releases the old frame's
// reference. vempty asserts the slot must be empty.
func (as *Aspace_t) Page_insert(va defs.Va_t, p_pg defs.Pa_t,
	perms defs.Pa_t, vempty bool) defs.Err_t {
	if !as.userva(va) {
		panic("user mapping below USERMIN")
	}
	g := as.Mmu.Cpu.Cli()
	defer g.Restore()
	as.Mmu.Phys.Refup(p_pg)
	old, wasmapped := as.Mmu.Virt2phys(as.P_pmap, va)
	if wasmapped {
		if vempty {
			panic("pte not empty")
		}
		if e := as.Mmu.Unmap_page(as.P_pmap, va); e != 0 {
			as.Mmu.Phys.Refdown(p_pg)
			return e
		}
		as.Mmu.Phys.Refdown(old & mem.PGMASK)
	}
	if err := as.Mmu.Map_page(as.P_pmap, va, p_pg,
		perms|mem.PTE_U); err != 0 {
		as.Mmu.Phys.Refdown(p_pg)
		return err
	}
	return 0
}

// Page_remove unmaps va and releases the frame reference. It reports
// whether a mapping was removed.
func (as *Aspace_t) Page_remove(va defs.Va_t) bool {
	if !as.userva(va) {
		panic("removing kernel page")
	}
	g := as.Mmu.Cpu.Cli()
	defer g.Restore()
	pa, ok := as.Mmu.Virt2phys(as.P_pmap, va)
	if !ok {
		return false
	}
	if as.Mmu.Unmap_page(as.P_pmap, va) != 0 {
		return false
	}
	as.Mmu.Phys.Refdown(pa & mem.PGMASK)
	return true
}

// Uvmfree releases every user mapping, the user page tables, and the
// directory itself. The address space must no longer be loaded.
func (as *Aspace_t) Uvmfree() {
	g := as.Mmu.Cpu.Cli()
	defer g.Restore()
	pd := as.Mmu.Pdmap(as.P_pmap)
	for di := mem.KDIRS; di < len(pd); di++ {
		pde := pd[di]
		if pde&mem.PTE_P == 0 {
			continue
		}
		if pde&mem.PTE_PS != 0 {
			// the user half never gets large pages
			panic("large page in user half")
		}
		pt := as.Mmu.Pdmap(pde)
		for ti := range pt {
			pte := pt[ti]
			if pte&mem.PTE_P != 0 {
				as.Mmu.Phys.Refdown(pte & mem.PTE_ADDR)
			}
			pt[ti] = 0
		}
		as.Mmu.Phys.Refdown(pde & mem.PTE_ADDR)
		pd[di] = 0
	}
	as.Mmu.Phys.Refdown(as.P_pmap)
}

// Switchto loads this address space.
func (as *Aspace_t) Switchto() {
	as.Mmu.Switch_to_address_space(as.P_pmap)
}

// Userdmap8 returns the mapped bytes backing va up to the end of its
// page, or EFAULT when va is unmapped.
func (as *Aspace_t) Userdmap8(va defs.Va_t) ([]uint8, defs.Err_t) {
	if !as.userva(va) {
		return nil, -defs.EFAULT
	}
	pa, ok := as.Mmu.Virt2phys(as.P_pmap, va)
	if !ok {
		return nil, -defs.EFAULT
	}
	return as.Mmu.Phys.Dmap8(pa), 0
}

// K2user copies src into the address space starting at uva.
func (as *Aspace_t) K2user(src []uint8, uva defs.Va_t) defs.Err_t {
	cnt := 0
	for cnt != len(src) {
		dst, err := as.Userdmap8(uva + defs.Va_t(cnt))
		if err != 0 {
			return err
		}
		did := copy(dst, src[cnt:])
		cnt += did
	}
	return 0
}

// User2k copies len(dst) bytes from uva into dst.
func (as *Aspace_t) User2k(dst []uint8, uva defs.Va_t) defs.Err_t {
	cnt := 0
	for cnt != len(dst) {
		src, err := as.Userdmap8(uva + defs.Va_t(cnt))
		if err != 0 {
			return err
		}
		did := copy(dst[cnt:], src)
		cnt += did
	}
	return 0
}
