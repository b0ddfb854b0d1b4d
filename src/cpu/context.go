package cpu

import "alvos/src/defs"

// Context_t is the saved register block of a task. The layout mirrors
// the pusha frame plus segment selectors, the stack pair, and the IRET
// triple.
type Context_t struct {
	Eax, Ebx, Ecx, Edx uint32
	Esi, Edi           uint32
	Ebp, Esp           uint32
	Eip                uint32
	Eflags             uint32
	Cs, Ds, Es         uint16
	Fs, Gs, Ss         uint16
}

// Stack pointers below 1 MiB or within 64 KiB of the top of the address
// space are rejected before a switch.
const (
	espmin uint32 = 1 << 20
	espmax uint32 = 1<<32 - (64 << 10)
)

// Espok reports whether esp lies in the plausible kernel-stack range.
func Espok(esp uint32) bool {
	return esp >= espmin && esp < espmax
}

// Ctxswitch validates new and makes it the live context. The caller's
// register block is old; the GPRs, selectors, and SS:ESP already live
// there, and the EFLAGS slot holds the pushf value from the top of the
// switch sequence. It returns false, with nothing changed, when new
// fails validation. On success the IRET semantics apply, the interrupt
// flag is taken from new's EFLAGS.
func (c *Cpu_t) Ctxswitch(old, new *Context_t) bool {
	if !Espok(new.Esp) {
		return false
	}
	c.ifflag = new.Eflags&defs.EFL_IF != 0
	return true
}

// Ctxfirst is the restore half used to enter the very first task. IF is
// forcibly set, the IRET path is always taken.
func (c *Cpu_t) Ctxfirst(new *Context_t) {
	if !Espok(new.Esp) {
		panic("first task context has a bad stack")
	}
	new.Eflags |= defs.EFL_IF
	c.ifflag = true
}
