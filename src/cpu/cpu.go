// Package cpu models the processor state the rest of the kernel treats
// as opaque: the interrupt flag, control registers, the IDT register,
// and the port I/O bus. There is a single hart.
package cpu

import "fmt"
import "sync/atomic"

import "alvos/src/defs"

// Porthandler_i serves reads and writes for a set of I/O ports. The
// data slice length is the access width (1, 2, or 4 bytes).
type Porthandler_i interface {
	ReadIOPort(port uint16, data []uint8) defs.Err_t
	WriteIOPort(port uint16, data []uint8) defs.Err_t
}

// Cpu_t is the single processor. The interrupt flag is modeled
// directly; Cli/Restore pairs follow the pushf/cli/popf idiom as a
// scoped guard.
type Cpu_t struct {
	ifflag bool
	cr3    defs.Pa_t
	idtlim uint16
	idtva  defs.Va_t
	ports  map[uint16]Porthandler_i
	// TLB invalidation counter, large pages and tests observe it
	invlpgs uint64
	halts   uint64
	paging  bool
	// invoked by Halt, normally wired to the timer tick so virtual
	// time advances while every task sleeps
	Onhalt func()
}

// Mkcpu returns a Cpu_t with interrupts initially disabled, as at boot.
func Mkcpu() *Cpu_t {
	return &Cpu_t{ports: map[uint16]Porthandler_i{}}
}

// Intrguard_t remembers the interrupt flag captured by Cli so it can be
// restored exactly, matching the saved-EFLAGS semantics.
type Intrguard_t struct {
	cpu   *Cpu_t
	saved bool
	done  bool
}

// Cli disables interrupts and returns a guard holding the prior flag.
func (c *Cpu_t) Cli() Intrguard_t {
	g := Intrguard_t{cpu: c, saved: c.ifflag}
	c.ifflag = false
	return g
}

// Saved reports the interrupt flag Cli captured, the IF bit of the
// pushf at the top of the critical section.
func (g *Intrguard_t) Saved() bool {
	return g.saved
}

// Restore puts the interrupt flag back the way Cli found it. A guard
// restores at most once.
func (g *Intrguard_t) Restore() {
	if g.done {
		panic("guard restored twice")
	}
	g.done = true
	g.cpu.ifflag = g.saved
}

// Sti enables interrupts unconditionally.
func (c *Cpu_t) Sti() {
	c.ifflag = true
}

// Intron reports the interrupt flag.
func (c *Cpu_t) Intron() bool {
	return c.ifflag
}

// Lidt loads the IDT register.
func (c *Cpu_t) Lidt(base defs.Va_t, lim uint16) {
	c.idtva = base
	c.idtlim = lim
}

// Idtr returns the loaded IDT base and limit.
func (c *Cpu_t) Idtr() (defs.Va_t, uint16) {
	return c.idtva, c.idtlim
}

// Enable_paging sets CR0.PG and CR0.PE. CR3 must already hold a
// directory.
func (c *Cpu_t) Enable_paging() {
	if c.cr3 == 0 {
		panic("paging enabled with no page directory")
	}
	c.paging = true
}

// Paging reports whether paging has been enabled.
func (c *Cpu_t) Paging() bool {
	return c.paging
}

// Lcr3 installs a new page directory and flushes the TLB.
func (c *Cpu_t) Lcr3(pd defs.Pa_t) {
	c.cr3 = pd
	atomic.AddUint64(&c.invlpgs, 1)
}

// Rcr3 returns the current page directory.
func (c *Cpu_t) Rcr3() defs.Pa_t {
	return c.cr3
}

// Invlpg invalidates the TLB entry for va.
func (c *Cpu_t) Invlpg(va defs.Va_t) {
	atomic.AddUint64(&c.invlpgs, 1)
}

// Tlbflushes returns the number of TLB invalidations since boot.
func (c *Cpu_t) Tlbflushes() uint64 {
	return atomic.LoadUint64(&c.invlpgs)
}

// Halt waits for the next interrupt. The idle task spins on this.
func (c *Cpu_t) Halt() {
	c.halts++
	if c.Onhalt != nil {
		c.Onhalt()
	}
}

// Register claims a set of ports for a device. Claiming a port twice is
// a wiring bug.
func (c *Cpu_t) Register(h Porthandler_i, ports ...uint16) {
	for _, p := range ports {
		if _, ok := c.ports[p]; ok {
			panic(fmt.Sprintf("port %#x claimed twice", p))
		}
		c.ports[p] = h
	}
}

func (c *Cpu_t) portio(port uint16, data []uint8, write bool) {
	h, ok := c.ports[port]
	if !ok {
		// unclaimed ports float; reads return all ones
		if !write {
			for i := range data {
				data[i] = 0xff
			}
		}
		return
	}
	if write {
		h.WriteIOPort(port, data)
	} else {
		h.ReadIOPort(port, data)
	}
}

// Outb writes a byte to an I/O port.
func (c *Cpu_t) Outb(port uint16, v uint8) {
	c.portio(port, []uint8{v}, true)
}

// Inb reads a byte from an I/O port.
func (c *Cpu_t) Inb(port uint16) uint8 {
	b := []uint8{0}
	c.portio(port, b, false)
	return b[0]
}

// Outw writes a 16-bit value to an I/O port.
func (c *Cpu_t) Outw(port uint16, v uint16) {
	c.portio(port, []uint8{uint8(v), uint8(v >> 8)}, true)
}

// Inw reads a 16-bit value from an I/O port.
func (c *Cpu_t) Inw(port uint16) uint16 {
	b := []uint8{0, 0}
	c.portio(port, b, false)
	return uint16(b[0]) | uint16(b[1])<<8
}

// Outl writes a 32-bit value to an I/O port.
func (c *Cpu_t) Outl(port uint16, v uint32) {
	c.portio(port, []uint8{uint8(v), uint8(v >> 8), uint8(v >> 16),
		uint8(v >> 24)}, true)
}

// Inl reads a 32-bit value from an I/O port.
func (c *Cpu_t) Inl(port uint16) uint32 {
	b := []uint8{0, 0, 0, 0}
	c.portio(port, b, false)
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 |
		uint32(b[3])<<24
}
