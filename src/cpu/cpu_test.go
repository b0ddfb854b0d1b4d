package cpu

import "testing"

import "alvos/src/defs"

func TestIntrGuardNests(t *testing.T) {
	c := Mkcpu()
	c.Sti()
	g1 := c.Cli()
	if c.Intron() {
		t.Fatalf("interrupts on inside guard")
	}
	g2 := c.Cli()
	g2.Restore()
	if c.Intron() {
		t.Fatalf("inner restore enabled interrupts")
	}
	g1.Restore()
	if !c.Intron() {
		t.Fatalf("outer restore lost the saved flag")
	}
}

func TestGuardDoubleRestorePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("no panic on double restore")
		}
	}()
	c := Mkcpu()
	g := c.Cli()
	g.Restore()
	g.Restore()
}

func TestEspValidation(t *testing.T) {
	cases := []struct {
		esp uint32
		ok  bool
	}{
		{0, false},
		{0x000fffff, false},
		{0x00100000, true},
		{0xb0003ff0, true},
		{0xfffefff0, true},
		{0xffff0000, false},
		{0xffffffff, false},
	}
	for _, tc := range cases {
		if Espok(tc.esp) != tc.ok {
			t.Fatalf("espok(%#x) != %v", tc.esp, tc.ok)
		}
	}
}

func TestCtxswitchRejectsBadStack(t *testing.T) {
	c := Mkcpu()
	old := &Context_t{Esp: 0x00200000, Eflags: defs.EFL_INIT}
	bad := &Context_t{Esp: 0x1000, Eflags: defs.EFL_INIT}
	if c.Ctxswitch(old, bad) {
		t.Fatalf("switched to an implausible stack")
	}
	good := &Context_t{Esp: 0x00200000, Eflags: defs.EFL_INIT}
	if !c.Ctxswitch(old, good) {
		t.Fatalf("valid switch refused")
	}
	if !c.Intron() {
		t.Fatalf("IF not taken from the new context")
	}
}

func TestCtxfirstForcesIF(t *testing.T) {
	c := Mkcpu()
	ctx := &Context_t{Esp: 0x00200000}
	c.Ctxfirst(ctx)
	if !c.Intron() || ctx.Eflags&defs.EFL_IF == 0 {
		t.Fatalf("first-task entry without IF")
	}
}

type echoport struct {
	last  uint8
	reads int
}

func (e *echoport) ReadIOPort(port uint16, data []uint8) defs.Err_t {
	e.reads++
	for i := range data {
		data[i] = e.last + uint8(i)
	}
	return 0
}

func (e *echoport) WriteIOPort(port uint16, data []uint8) defs.Err_t {
	e.last = data[0]
	return 0
}

func TestPortBus(t *testing.T) {
	c := Mkcpu()
	dev := &echoport{}
	c.Register(dev, 0x3f8)
	c.Outb(0x3f8, 0x41)
	if got := c.Inb(0x3f8); got != 0x41 {
		t.Fatalf("readback %#x", got)
	}
	if got := c.Inw(0x3f8); got != 0x4241 {
		t.Fatalf("word readback %#x", got)
	}
	// floating ports read all ones
	if got := c.Inl(0x9999); got != 0xffffffff {
		t.Fatalf("floating port read %#x", got)
	}
}

func TestClaimTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("no panic on double claim")
		}
	}()
	c := Mkcpu()
	c.Register(&echoport{}, 0x60)
	c.Register(&echoport{}, 0x60)
}
