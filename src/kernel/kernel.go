// Package kernel bundles the core's mutable state into one value and
// runs the boot sequence: memory map, MMU, heap, interrupts, timer,
// scheduler, first task.
package kernel

import "fmt"
import "log/slog"

import "alvos/src/boot"
import "alvos/src/cpu"
import "alvos/src/defs"
import "alvos/src/heap"
import "alvos/src/ipc"
import "alvos/src/klog"
import "alvos/src/mem"
import "alvos/src/proc"
import "alvos/src/trap"
import "alvos/src/vm"

// Kernel memory layout. The image, boot stack, and static heap are
// identity mapped and mirrored at the higher-half base.
const (
	Kimgbase  defs.Pa_t = 0x00100000
	Kimgsize  uint32    = 1 << 20
	Kstackpa  defs.Pa_t = 0x00200000
	Kstacksz  uint32    = 64 << 10
	Kheappa   defs.Pa_t = 0x00400000
	Kheapsize uint32    = 16 << 20

	// BIOS territory stays mapped kernel-readable for the ACPI
	// scanner: low memory, EBDA, VGA, ROM
	biosbase defs.Pa_t = 0x00000000
	biossize uint32    = 1 << 20
)

// Initfn_t is a collaborator bring-up hook run by the sequencer in
// registration order between the core phases.
type Initfn_t func(*Kernel_t) defs.Err_t

// Kernel_t is the core. Every subsystem hangs off this value; the
// out-of-scope collaborators receive it or sub-borrows of it.
type Kernel_t struct {
	Cpu    *cpu.Cpu_t
	Phys   *mem.Physmem_t
	Mmu    *mem.Mmu_t
	Heap   *heap.Heap_t
	Defrag *heap.Defrag_t
	Trap   *trap.Trap_t
	Sched  *proc.Sched_t
	Msgs   *ipc.Msgs_t
	Ring   *klog.Ring_t
	Info   *boot.Bootinfo_t

	Idletid    defs.Tid_t
	Cleanuptid defs.Tid_t
	Defragtid  defs.Tid_t
	Maintid    defs.Tid_t

	// ordered collaborator hooks: vfs, acpi/pci/apic, disk,
	// filesystems, in the order Addinit saw them
	inits []Initfn_t
}

// Addinit registers a collaborator hook before Boot.
func (k *Kernel_t) Addinit(fn Initfn_t) {
	k.inits = append(k.inits, fn)
}

// Mkkernel returns an empty kernel with its log ring installed, so
// boot messages are captured from the first line.
func Mkkernel() *Kernel_t {
	k := &Kernel_t{Cpu: cpu.Mkcpu(), Ring: klog.Mkring(512)}
	slog.SetDefault(slog.New(klog.Mkhandler(k.Ring, slog.LevelDebug)))
	return k
}

// Boot consumes the loader handoff and brings the core up in order:
// memory map, MMU and paging, heap, IDT and PIC, timer, collaborator
// hooks, scheduler and the standing tasks. It stops short of the
// first context switch; Start performs that.
func (k *Kernel_t) Boot(magic uint32, img []uint8,
	main proc.Entry_t) defs.Err_t {
	bi, err := boot.Parse(magic, img)
	if err != 0 {
		return err
	}
	k.Info = bi

	// physical memory map from the loader, minus what the kernel
	// already owns
	var ramtop uint64
	free := &mem.Regions_t{}
	for _, e := range bi.Mmap {
		if e.Type != boot.MMAP_AVAIL {
			continue
		}
		free.Insert(e.Base, e.Len)
		if e.Base+e.Len > ramtop {
			ramtop = e.Base + e.Len
		}
	}
	// the higher-half window covers the first gigabyte; more RAM
	// than that needs the large-page direct map this kernel does
	// not carry
	if ramtop == 0 || ramtop > 1<<30 {
		return -defs.EINVAL
	}
	free.Remove(uint64(biosbase), uint64(biossize))
	free.Remove(uint64(Kimgbase), uint64(Kimgsize))
	free.Remove(uint64(Kstackpa), uint64(Kstacksz))
	free.Remove(uint64(Kheappa), uint64(Kheapsize))
	if bi.Hasfb {
		fbsize := bi.Fb.Pitch * bi.Fb.H
		if bi.Fb.Addr+uint64(fbsize) > ramtop {
			return -defs.EINVAL
		}
		free.Remove(bi.Fb.Addr, uint64(fbsize))
	}
	k.Phys = mem.Mkphys(uint32(ramtop), free)
	slog.Info("physical memory", "top", fmt.Sprintf("%#x", ramtop),
		"freepages", k.Phys.Pgcount())

	// MMU and paging
	m, err := mem.Mkmmu(k.Phys, k.Cpu)
	if err != 0 {
		return err
	}
	k.Mmu = m
	if err := k.mapkernel(); err != 0 {
		return err
	}
	m.Switch_to_address_space(m.Kpd())
	k.Cpu.Enable_paging()

	// heap
	k.Heap = heap.Mkheap(k.Cpu,
		k.Phys.Dmaplen(Kheappa, int(Kheapsize)),
		defs.Va_t(Kheappa))
	k.Defrag = heap.Mkdefrag(k.Heap)

	// IDT, PIC remap, then the timer at 100 Hz
	k.Trap = trap.Mktrap(k.Cpu, m)
	if bi.Hasfb {
		fbsize := bi.Fb.Pitch * bi.Fb.H
		k.Trap.Fb = &trap.Fb_t{
			Pix:   k.Phys.Dmaplen(defs.Pa_t(bi.Fb.Addr), int(fbsize)),
			W:     bi.Fb.W,
			H:     bi.Fb.H,
			Pitch: bi.Fb.Pitch,
			Bpp:   uint32(bi.Fb.Bpp),
		}
	}
	k.Trap.Init_timer()

	// collaborator bring-up: vfs, acpi, pci, apic, disk,
	// filesystems in registration order
	for _, fn := range k.inits {
		if err := fn(k); err != 0 {
			return err
		}
	}

	// scheduler and messaging
	k.Sched = proc.Mksched(k.Cpu, m)
	k.Msgs = ipc.Mkmsgs(k.Sched)
	k.wiretraps()

	// the standing tasks
	if k.Idletid, err = k.Sched.Task_create("idle", proc.LOW,
		k.Sched.Idleloop, nil); err != 0 {
		return err
	}
	k.Sched.Setidle(k.Idletid)
	if k.Cleanuptid, err = k.Sched.Task_create("cleanup", proc.NORMAL,
		k.Sched.Cleanuploop, nil); err != 0 {
		return err
	}
	if k.Defragtid, err = k.Sched.Task_create("kdefragd", proc.LOW,
		k.defragloop, nil); err != 0 {
		return err
	}
	if k.Maintid, err = k.Sched.Task_create("main", proc.NORMAL,
		main, nil); err != 0 {
		return err
	}
	k.Sched.Enabled = true
	slog.Info("boot complete", "tasks", 4)
	return 0
}

// mapkernel installs the boot mappings: identity plus higher-half for
// the image, stack, and heap; identity for BIOS territory; the
// framebuffer uncached at the higher-half window.
func (k *Kernel_t) mapkernel() defs.Err_t {
	m := k.Mmu
	kpd := m.Kpd()
	type span struct {
		pa defs.Pa_t
		sz uint32
	}
	for _, s := range []span{
		{Kimgbase, Kimgsize},
		{Kstackpa, Kstacksz},
		{Kheappa, Kheapsize},
	} {
		if err := m.Map_region(kpd, defs.Va_t(s.pa), s.pa, s.sz,
			mem.PTE_W|mem.PTE_G); err != 0 {
			return err
		}
		if err := m.Map_region(kpd, mem.KVBASE+defs.Va_t(s.pa),
			s.pa, s.sz, mem.PTE_W|mem.PTE_G); err != 0 {
			return err
		}
	}
	if err := m.Map_region(kpd, defs.Va_t(biosbase), biosbase,
		biossize, mem.PTE_G); err != 0 {
		return err
	}
	if k.Info.Hasfb {
		fb := k.Info.Fb
		fbsize := fb.Pitch * fb.H
		if err := m.Map_region(kpd, mem.KVBASE+defs.Va_t(fb.Addr),
			defs.Pa_t(fb.Addr), fbsize,
			mem.PTE_W|mem.PTE_PCD|mem.PTE_PWT); err != 0 {
			return err
		}
	}
	return 0
}

// wiretraps points the dispatcher's hooks at the scheduler.
func (k *Kernel_t) wiretraps() {
	s := k.Sched
	k.Trap.Curtid = s.Current
	k.Trap.Curpd = func() defs.Pa_t {
		if t := s.Curtask(); t != nil && t.Aspace != nil {
			return t.Aspace.P_pmap
		}
		return k.Mmu.Kpd()
	}
	k.Trap.Usrkill = func(*trap.Regs_t) {
		s.Killcurrent()
	}
	k.Trap.Reg_irq(0, func(*trap.Regs_t) {
		s.Ontick()
	})
	k.Cpu.Onhalt = func() {
		k.Trap.Inject(0)
	}
	s.Ondestroy = func(tid defs.Tid_t) {
		k.Msgs.Drop(tid)
	}
}

// defragloop is the background defragmenter task body.
func (k *Kernel_t) defragloop(_ any) {
	for {
		k.Sched.Sleep(heap.Defraginterval)
		k.Defrag.Step(k.Sched.Ticks())
	}
}

// Start validates the first task's context and performs the first
// context switch. The caller's goroutine is not a task; it returns
// once the processor is handed over.
func (k *Kernel_t) Start() defs.Err_t {
	t, ok := k.Sched.Lookup(k.Maintid)
	if !ok {
		return -defs.ENOENT
	}
	if err := boot.Validatectx(&t.Ctx); err != 0 {
		return err
	}
	k.Sched.Startfirst(k.Maintid)
	return 0
}

// Wait blocks until the main task finishes.
func (k *Kernel_t) Wait() {
	k.Sched.Join(k.Maintid)
}

// Tick delivers one timer interrupt. Only the running task's
// goroutine may call it; the idle task's halt loop does, and so can a
// main task standing in for devices.
func (k *Kernel_t) Tick() {
	k.Trap.Inject(0)
}

// Tickn delivers n timer interrupts.
func (k *Kernel_t) Tickn(n int) {
	for i := 0; i < n; i++ {
		k.Tick()
	}
}

// Mkaspace builds a user address space sharing the kernel half.
func (k *Kernel_t) Mkaspace() (*vm.Aspace_t, defs.Err_t) {
	return vm.Mkaspace(k.Mmu)
}

// Mkmutex returns a named mutex bound to this kernel's scheduler.
func (k *Kernel_t) Mkmutex(name string) *ipc.Mutex_t {
	return ipc.Mkmutex(name, k.Sched)
}

// Shutdown parks the idle task so a finished kernel stops consuming
// the host processor. Used by the harness and the tests after Wait.
func (k *Kernel_t) Shutdown() {
	k.Sched.Shutdown()
}
