package trap

import "testing"

import "alvos/src/cpu"
import "alvos/src/defs"
import "alvos/src/mem"

func mktest(t *testing.T) *Trap_t {
	t.Helper()
	free := &mem.Regions_t{}
	free.Insert(0, 256*uint64(mem.PGSIZE))
	phys := mem.Mkphys(256*uint32(mem.PGSIZE), free)
	m, err := mem.Mkmmu(phys, cpu.Mkcpu())
	if err != 0 {
		t.Fatalf("mkmmu: %d", -err)
	}
	return Mktrap(m.Cpu, m)
}

func TestIDTLayout(t *testing.T) {
	tr := mktest(t)
	for v := 0; v < 32; v++ {
		if g := tr.Gate(v); !g.Present || !g.Trap {
			t.Fatalf("exception gate %d: %+v", v, g)
		}
	}
	for v := defs.VEC_IRQBASE; v < defs.VEC_IRQBASE+16; v++ {
		if !tr.Gate(v).Present {
			t.Fatalf("irq gate %d missing", v)
		}
	}
	g := tr.Gate(defs.VEC_SYSCALL)
	if !g.Present || g.Dpl != 3 {
		t.Fatalf("syscall gate: %+v", g)
	}
	if tr.Gate(0x81).Present {
		t.Fatalf("stray gate present")
	}
	if _, lim := tr.Cpu.Idtr(); lim != 256*8-1 {
		t.Fatalf("idt limit %d", lim)
	}
}

func TestPicRemap(t *testing.T) {
	tr := mktest(t)
	if b := tr.Pic.Base(false); b != 32 {
		t.Fatalf("primary base %d", b)
	}
	if b := tr.Pic.Base(true); b != 40 {
		t.Fatalf("secondary base %d", b)
	}
	m1, m2 := tr.Pic.Masks()
	if m1 != 0xf9 || m2 != 0xbf {
		t.Fatalf("masks %#x %#x before timer init", m1, m2)
	}
	tr.Init_timer()
	m1, _ = tr.Pic.Masks()
	if m1 != 0xf8 {
		t.Fatalf("timer line still masked: %#x", m1)
	}
}

func TestPitProgramming(t *testing.T) {
	tr := mktest(t)
	tr.Init_timer()
	if d := tr.Pit.Divisor(); d != defs.PIT_DIVISOR {
		t.Fatalf("divisor %d", d)
	}
	if hz := tr.Pit.Hz(); hz != 100 {
		t.Fatalf("rate %d Hz", hz)
	}
	// reading channel 0 returns the reload in two halves
	lo := tr.Cpu.Inb(0x40)
	hi := tr.Cpu.Inb(0x40)
	if got := uint16(lo) | uint16(hi)<<8; got != defs.PIT_DIVISOR {
		t.Fatalf("readback %d", got)
	}
}

func TestMaskedIRQNotDelivered(t *testing.T) {
	tr := mktest(t)
	fired := 0
	tr.Reg_irq(5, func(*Regs_t) { fired++ })
	tr.Cpu.Sti()
	tr.Inject(5) // line 5 is masked at boot
	if fired != 0 {
		t.Fatalf("masked irq delivered")
	}
	// unmask and the pending line delivers
	imr := tr.Cpu.Inb(0x21)
	tr.Cpu.Outb(0x21, imr&^(1<<5))
	tr.Inject(5)
	if fired != 1 {
		t.Fatalf("fired %d times", fired)
	}
}

func TestIRQHeldWhileInterruptsOff(t *testing.T) {
	tr := mktest(t)
	tr.Init_timer()
	fired := 0
	tr.Reg_irq(0, func(*Regs_t) { fired++ })
	// interrupts start disabled; the line stays pending
	tr.Inject(0)
	if fired != 0 {
		t.Fatalf("delivered with IF clear")
	}
	tr.Cpu.Sti()
	tr.Inject(0)
	// the held line merges with the new edge, one delivery
	if fired != 1 {
		t.Fatalf("fired %d, want 1", fired)
	}
}

func TestSecondaryIRQVector(t *testing.T) {
	tr := mktest(t)
	fired := 0
	tr.Reg_irq(14, func(*Regs_t) { fired++ })
	tr.Cpu.Sti()
	tr.Inject(14) // primary IDE, unmasked at boot
	if fired != 1 {
		t.Fatalf("ide irq fired %d times", fired)
	}
	if stats := tr.Pic.Spurious; stats != 0 {
		t.Fatalf("spurious count %d", stats)
	}
}

func TestSyscallGateDispatch(t *testing.T) {
	tr := mktest(t)
	var got *Regs_t
	tr.Syscall = func(r *Regs_t) { got = r }
	regs := &Regs_t{Vector: defs.VEC_SYSCALL, Cs: defs.SEG_UCODE,
		Eax: 42}
	tr.Isr_handler(regs)
	if got == nil || got.Eax != 42 {
		t.Fatalf("syscall hook not invoked")
	}
	if !got.Usermode() {
		t.Fatalf("user CS not detected")
	}
}

func TestKernelResumableException(t *testing.T) {
	tr := mktest(t)
	regs := &Regs_t{Vector: 6, Cs: defs.SEG_KCODE, Eip: 0x100000}
	// invalid opcode from ring 0 logs and resumes
	tr.Isr_handler(regs)
	if tr.Cnt.Resumes.Read() != 1 {
		t.Fatalf("did not resume")
	}
}

func TestInsnLengths(t *testing.T) {
	cases := []struct {
		code []uint8
		want int
	}{
		{[]uint8{0xf7, 0xf3}, 2},                             // div ebx
		{[]uint8{0xf6, 0xf3}, 2},                             // div bl
		{[]uint8{0xf7, 0x74, 0x24, 0x08}, 4},                 // div [esp+8]
		{[]uint8{0xf7, 0x35, 0x00, 0x00, 0x40, 0x00}, 6},     // div [mem]
		{[]uint8{0xf7, 0xbd, 0x00, 0x01, 0x00, 0x00}, 6},     // idiv [ebp+disp32]
	}
	for _, c := range cases {
		got, ok := insnlen(c.code)
		if !ok || got != c.want {
			t.Fatalf("len(% x) = %d/%v, want %d", c.code, got,
				ok, c.want)
		}
	}
	if _, ok := insnlen([]uint8{0xff}); ok {
		t.Fatalf("truncated instruction decoded")
	}
}
