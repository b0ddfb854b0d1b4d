package trap

import "fmt"
import "log/slog"

import "alvos/src/cpu"
import "alvos/src/defs"
import "alvos/src/mem"
import "alvos/src/stats"

// Regs_t is the register frame every ISR and the syscall gate receive.
type Regs_t struct {
	Eax, Ebx, Ecx, Edx uint32
	Esi, Edi           uint32
	Ebp, Esp           uint32
	Eip, Eflags        uint32
	Cs, Ds, Ss         uint16
	Vector             uint32
	Errcode            uint32
	// faulting address for page faults
	Cr2 uint32
}

// Usermode reports whether the frame was pushed from ring 3.
func (r *Regs_t) Usermode() bool {
	return r.Cs&defs.RPL_USER == defs.RPL_USER
}

// Faultsite_t is computed once per fault and then drives the policy:
// terminate the task or panic the kernel.
type Faultsite_t struct {
	User bool
	Tid  defs.Tid_t
}

// Gate_t is one IDT entry.
type Gate_t struct {
	Present bool
	Dpl     uint8
	Trap    bool
}

// Fb_t is the linear framebuffer handed over by the loader, used only
// by the panic screen.
type Fb_t struct {
	Pix   []uint8
	W     uint32
	H     uint32
	Pitch uint32
	Bpp   uint32
}

var excnames = [32]string{
	0: "divide error", 1: "debug", 2: "NMI", 3: "breakpoint",
	4: "overflow", 5: "bound", 6: "invalid opcode", 7: "no FPU",
	8: "double fault", 9: "FPU overrun", 10: "bad TSS",
	11: "segment not present", 12: "stack fault",
	13: "general protection", 14: "page fault", 16: "FPU error",
	17: "alignment", 18: "machine check", 19: "SIMD",
}

// Excname returns the printable name for an exception vector.
func Excname(vec uint32) string {
	if vec < 32 && excnames[vec] != "" {
		return excnames[vec]
	}
	return fmt.Sprintf("vector %d", vec)
}

// Trap_t owns the IDT, the PIC pair, the PIT, and the dispatch policy.
// The scheduler hooks are injected by the kernel wiring; trap never
// imports the scheduler.
type Trap_t struct {
	Cpu *cpu.Cpu_t
	Mmu *mem.Mmu_t
	Pic *Dualpic_t
	Pit *Pit_t

	idt  [256]Gate_t
	irqh [16]func(*Regs_t)

	// current task and address space, for fault attribution and
	// instruction fetch
	Curtid func() defs.Tid_t
	Curpd  func() defs.Pa_t
	// terminates the current user task and switches away; never
	// returns
	Usrkill func(*Regs_t)
	// the out-of-scope syscall dispatcher
	Syscall func(*Regs_t)

	Fb *Fb_t
	// tests override this; the default renders and halts
	Panichook func(string)

	Cnt struct {
		Faults   stats.Counter_t
		Resumes  stats.Counter_t
		Usrkills stats.Counter_t
	}
}

// Mktrap builds the IDT, attaches and remaps the PIC pair, and leaves
// every IRQ line except the cascade, keyboard, and primary IDE masked.
// The timer line stays masked until Init_timer.
func Mktrap(c *cpu.Cpu_t, m *mem.Mmu_t) *Trap_t {
	t := &Trap_t{Cpu: c, Mmu: m, Pic: Mkdualpic(), Pit: Mkpit()}
	t.Pic.Attach(c)
	t.Pit.Attach(c)

	// exception stubs
	for v := 0; v < 32; v++ {
		t.idt[v] = Gate_t{Present: true, Trap: true}
	}
	// hardware IRQ stubs after the remap
	for v := defs.VEC_IRQBASE; v < defs.VEC_IRQBASE+16; v++ {
		t.idt[v] = Gate_t{Present: true}
	}
	// the syscall trap gate is reachable from ring 3
	t.idt[defs.VEC_SYSCALL] = Gate_t{Present: true, Dpl: 3, Trap: true}
	c.Lidt(0, uint16(len(t.idt)*8-1))

	t.remap_pic()
	return t
}

// remap_pic runs the full ICW sequence, moving IRQs 0..15 to vectors
// 32..47, then programs the boot masks: cascade and keyboard on the
// primary, primary IDE on the secondary.
func (t *Trap_t) remap_pic() {
	c := t.Cpu
	c.Outb(pic1cmd, icw1init)
	c.Outb(pic2cmd, icw1init)
	c.Outb(pic1data, defs.VEC_IRQBASE)
	c.Outb(pic2data, defs.VEC_IRQBASE+8)
	c.Outb(pic1data, 1<<cascadeirq)
	c.Outb(pic2data, cascadeirq)
	c.Outb(pic1data, icw4m86)
	c.Outb(pic2data, icw4m86)

	c.Outb(pic1data, ^uint8(1<<1|1<<cascadeirq))
	c.Outb(pic2data, ^uint8(1<<(14-8)))
}

// Init_timer programs the PIT for the scheduler tick and unmasks IRQ0.
func (t *Trap_t) Init_timer() {
	c := t.Cpu
	// channel 0, lobyte/hibyte, rate generator
	c.Outb(pitctl, 0x34)
	div := uint16(defs.PIT_DIVISOR)
	c.Outb(pitch0, uint8(div))
	c.Outb(pitch0, uint8(div>>8))

	imr := c.Inb(pic1data)
	c.Outb(pic1data, imr&^1)
}

// Reg_irq installs a handler for hardware IRQ line irq.
func (t *Trap_t) Reg_irq(irq uint, h func(*Regs_t)) {
	if irq >= 16 {
		panic("bad irq")
	}
	t.irqh[irq] = h
}

// Gate returns the IDT entry for a vector.
func (t *Trap_t) Gate(vec int) Gate_t {
	return t.idt[vec]
}

// Inject raises IRQ line irq and, when interrupts are enabled,
// delivers every pending vector. Device models and the tick source
// call this.
func (t *Trap_t) Inject(irq uint) {
	t.Pic.Raise(irq)
	t.deliver()
}

func (t *Trap_t) deliver() {
	if !t.Cpu.Intron() {
		return
	}
	for {
		vec, ok := t.Pic.Ack()
		if !ok {
			return
		}
		regs := &Regs_t{Cs: defs.SEG_KCODE, Ss: defs.SEG_KDATA,
			Vector: uint32(vec)}
		t.Isr_handler(regs)
	}
}

// Isr_handler is the single entry every vector funnels into.
func (t *Trap_t) Isr_handler(regs *Regs_t) {
	vec := regs.Vector
	stats.Nirqs[vec&0xff]++
	stats.Irqs++

	if vec == defs.VEC_SYSCALL {
		if t.Syscall != nil {
			t.Syscall(regs)
		}
		return
	}
	if vec >= defs.VEC_IRQBASE && vec < defs.VEC_IRQBASE+16 {
		irq := vec - defs.VEC_IRQBASE
		if h := t.irqh[irq]; h != nil {
			h(regs)
		}
		t.eoi(uint(irq))
		return
	}
	if vec < 32 {
		t.exception(regs)
		return
	}
	slog.Warn("interrupt on unprogrammed vector", "vector", vec)
}

func (t *Trap_t) eoi(irq uint) {
	if irq >= 8 {
		t.Cpu.Outb(pic2cmd, ocw2eoi)
	}
	t.Cpu.Outb(pic1cmd, ocw2eoi)
}

func (t *Trap_t) site(regs *Regs_t) Faultsite_t {
	if regs.Usermode() {
		var tid defs.Tid_t
		if t.Curtid != nil {
			tid = t.Curtid()
		}
		return Faultsite_t{User: true, Tid: tid}
	}
	return Faultsite_t{}
}

func (t *Trap_t) exception(regs *Regs_t) {
	t.Cnt.Faults.Inc()
	site := t.site(regs)
	vec := regs.Vector

	if site.User {
		switch vec {
		case defs.VEC_DBLFAULT:
			t.kpanic(regs)
		default:
			slog.Warn("terminating faulted task",
				"task", uint32(site.Tid),
				"exception", Excname(vec),
				"eip", fmt.Sprintf("%#x", regs.Eip),
				"cr2", fmt.Sprintf("%#x", regs.Cr2))
			t.Cnt.Usrkills.Inc()
			// the faulting address space may be damaged; run
			// the rest of the teardown on kernel mappings
			t.Mmu.Switch_to_address_space(t.Mmu.Kpd())
			t.Usrkill(regs)
			panic("usrkill returned")
		}
		return
	}

	switch vec {
	case defs.VEC_DIVZERO:
		t.kdivzero(regs)
	case defs.VEC_DBLFAULT, defs.VEC_BADTSS, defs.VEC_SEGNP,
		defs.VEC_STACK, defs.VEC_GPF, defs.VEC_PGFAULT:
		t.kpanic(regs)
	default:
		slog.Warn("kernel exception, resuming",
			"exception", Excname(vec),
			"eip", fmt.Sprintf("%#x", regs.Eip))
		t.Cnt.Resumes.Inc()
	}
}

// kdivzero recovers a kernel divide error by zeroing EAX and stepping
// over the faulting instruction. The step uses a real decode of the
// instruction bytes; when the bytes cannot be fetched or decoded the
// fault is fatal instead of guessing a length.
func (t *Trap_t) kdivzero(regs *Regs_t) {
	code, ok := t.fetch(regs.Eip, 15)
	if !ok {
		t.kpanic(regs)
		return
	}
	ilen, ok := insnlen(code)
	if !ok {
		t.kpanic(regs)
		return
	}
	slog.Warn("kernel divide error", "eip",
		fmt.Sprintf("%#x", regs.Eip), "ilen", ilen)
	regs.Eax = 0
	regs.Eip += uint32(ilen)
	t.Cnt.Resumes.Inc()
}

// fetch reads up to n bytes of the current address space at va,
// stopping at the first unmapped page.
func (t *Trap_t) fetch(va uint32, n int) ([]uint8, bool) {
	pd := t.Mmu.Kpd()
	if t.Curpd != nil {
		pd = t.Curpd()
	}
	var out []uint8
	for i := 0; i < n; i++ {
		pa, ok := t.Mmu.Virt2phys(pd, defs.Va_t(va+uint32(i)))
		if !ok {
			break
		}
		out = append(out, t.Mmu.Phys.Dmaplen(pa, 1)[0])
	}
	return out, len(out) > 0
}

// readword reads a 32-bit word of the current address space, for the
// panic stack walk.
func (t *Trap_t) readword(va uint32) (uint32, bool) {
	pd := t.Mmu.Kpd()
	if t.Curpd != nil {
		pd = t.Curpd()
	}
	pa, ok := t.Mmu.Virt2phys(pd, defs.Va_t(va))
	if !ok || pa&3 != 0 {
		return 0, false
	}
	b := t.Mmu.Phys.Dmaplen(pa, 4)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 |
		uint32(b[3])<<24, true
}

// kpanic renders the panic screen and halts. Kernel-mode faults never
// continue.
func (t *Trap_t) kpanic(regs *Regs_t) {
	msg := fmt.Sprintf("kernel %s: err=%#x eip=%#x",
		Excname(regs.Vector), regs.Errcode, regs.Eip)
	frames := t.backtrace(regs.Ebp, 5)
	t.paint()
	slog.Error("kernel panic", "what", msg, "frames",
		fmt.Sprintf("%#x", frames))
	if t.Panichook != nil {
		t.Panichook(msg)
		return
	}
	panic(msg)
}

// backtrace walks saved EBP frames, collecting up to max return
// addresses.
func (t *Trap_t) backtrace(ebp uint32, max int) []uint32 {
	var frames []uint32
	for i := 0; i < max && ebp != 0; i++ {
		ret, ok := t.readword(ebp + 4)
		if !ok || ret == 0 {
			break
		}
		frames = append(frames, ret)
		next, ok := t.readword(ebp)
		if !ok || next <= ebp {
			break
		}
		ebp = next
	}
	return frames
}

// paint fills the framebuffer so a headless machine still shows the
// fault happened.
func (t *Trap_t) paint() {
	fb := t.Fb
	if fb == nil || len(fb.Pix) == 0 {
		return
	}
	bpp := fb.Bpp / 8
	for y := uint32(0); y < fb.H; y++ {
		row := y * fb.Pitch
		for x := uint32(0); x < fb.W; x++ {
			o := row + x*bpp
			if int(o)+2 >= len(fb.Pix) {
				return
			}
			fb.Pix[o] = 0x22   // blue
			fb.Pix[o+1] = 0x22 // green
			fb.Pix[o+2] = 0xaa // red
		}
	}
}
