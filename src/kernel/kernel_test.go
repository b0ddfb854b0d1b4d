package kernel_test

import "testing"

import "alvos/src/boot"
import "alvos/src/defs"
import "alvos/src/kernel"
import "alvos/src/mem"
import "alvos/src/proc"
import "alvos/src/trap"

const testram = 64 << 20

func testimage() []uint8 {
	var ib boot.Imagebuilder_t
	ib.Addmmap([]boot.Mmapent_t{
		{Base: 0, Len: testram, Type: boot.MMAP_AVAIL},
	})
	ib.Addframebuffer(boot.Fbinfo_t{
		Addr:  testram - (1 << 20),
		Pitch: 640 * 4,
		W:     640,
		H:     400,
		Bpp:   32,
	})
	return ib.Image()
}

// run boots a fresh kernel and executes body as the main task.
func run(t *testing.T, body func(k *kernel.Kernel_t)) {
	t.Helper()
	k := kernel.Mkkernel()
	err := k.Boot(defs.MULTIBOOT2_MAGIC, testimage(), func(_ any) {
		body(k)
	})
	if err != 0 {
		t.Fatalf("boot: errno %d", -err)
	}
	if err := k.Start(); err != 0 {
		t.Fatalf("start: errno %d", -err)
	}
	k.Wait()
	k.Shutdown()
}

func TestBootRejectsBadMagic(t *testing.T) {
	k := kernel.Mkkernel()
	err := k.Boot(0xdeadbeef, testimage(), func(_ any) {})
	if err != -defs.EINVAL {
		t.Fatalf("expected EINVAL, got %d", -err)
	}
}

func TestBootOrderAndState(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		if !k.Cpu.Paging() {
			t.Errorf("paging not enabled")
		}
		if k.Cpu.Rcr3() != k.Mmu.Kpd() {
			t.Errorf("cr3 does not hold the kernel directory")
		}
		if hz := k.Trap.Pit.Hz(); hz < 99 || hz > 101 {
			t.Errorf("pit rate %d, want ~100", hz)
		}
		if d := k.Trap.Pit.Divisor(); d != defs.PIT_DIVISOR {
			t.Errorf("pit divisor %d, want %d", d, defs.PIT_DIVISOR)
		}
		if b := k.Trap.Pic.Base(false); b != defs.VEC_IRQBASE {
			t.Errorf("pic base %d, want %d", b, defs.VEC_IRQBASE)
		}
		if b := k.Trap.Pic.Base(true); b != defs.VEC_IRQBASE+8 {
			t.Errorf("pic2 base %d", b)
		}
		m1, m2 := k.Trap.Pic.Masks()
		// timer, keyboard, cascade open; primary IDE open on the
		// secondary
		if m1 != 0xf8 {
			t.Errorf("primary mask %#x, want 0xf8", m1)
		}
		if m2 != 0xbf {
			t.Errorf("secondary mask %#x, want 0xbf", m2)
		}
		// exactly one task is RUNNING: this one
		cur := k.Sched.Curtask()
		if cur.State != proc.RUNNING {
			t.Errorf("current not RUNNING")
		}
		if cur.Id != k.Maintid {
			t.Errorf("first task is %d, want main %d", cur.Id,
				k.Maintid)
		}
	})
}

func TestTimerTickPreempts(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		var ran bool
		_, err := k.Sched.Task_create("peer", proc.NORMAL,
			func(_ any) { ran = true }, nil)
		if err != 0 {
			t.Errorf("task_create: %d", -err)
			return
		}
		// a NORMAL quantum is five ticks; run it down and let the
		// peer go
		k.Tickn(20)
		if !ran {
			t.Errorf("peer never scheduled after quantum expiry")
		}
	})
}

func TestSleepWake(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		// while this task sleeps, only the idle task is runnable;
		// its halt loop drives the timer until the wake fires
		start := k.Sched.Ticks()
		k.Sched.Sleepms(100)
		elapsed := int(k.Sched.Ticks()-start) * defs.TICKMS
		if elapsed < 100 || elapsed >= 120 {
			t.Errorf("woke after %dms, want [100,120)", elapsed)
		}
	})
}

func TestSleeperIsWokenByTicks(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		atid, err := k.Sched.Task_create("sleeper", proc.NORMAL,
			func(_ any) { k.Sched.Sleepms(100) }, nil)
		if err != 0 {
			t.Errorf("task_create: %d", -err)
			return
		}
		k.Sched.Yield() // let the sleeper reach its sleep
		at, _ := k.Sched.Lookup(atid)
		if at.State != proc.SLEEPING {
			t.Errorf("sleeper state %v, want sleeping", at.State)
			return
		}
		k.Tickn(9)
		if at.State != proc.SLEEPING {
			t.Errorf("woke early")
		}
		k.Tick()
		if at.State == proc.SLEEPING {
			t.Errorf("still sleeping after 10 ticks")
		}
	})
}

func TestMessageRoundTrip(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		var rm struct {
			sender defs.Tid_t
			kind   uint32
			size   uint32
			data   [2]uint8
			err    defs.Err_t
		}
		btid, err := k.Sched.Task_create("rcv", proc.NORMAL,
			func(_ any) {
				m, e := k.Msgs.Recv(true)
				rm.err = e
				if e == 0 {
					rm.sender = m.Sender
					rm.kind = m.Kind
					rm.size = m.Size
					copy(rm.data[:], m.Payload[:2])
				}
			}, nil)
		if err != 0 {
			t.Errorf("task_create: %d", -err)
			return
		}
		k.Sched.Yield() // receiver blocks
		bt, _ := k.Sched.Lookup(btid)
		if bt.State != proc.SLEEPING {
			t.Errorf("receiver state %v before send", bt.State)
		}
		me := k.Sched.Current()
		if e := k.Msgs.Send(btid, 7, []uint8("hi")); e != 0 {
			t.Errorf("send: %d", -e)
			return
		}
		if bt.State != proc.READY {
			t.Errorf("receiver state %v after send, want ready",
				bt.State)
		}
		k.Tickn(6) // run the receiver
		if rm.err != 0 {
			t.Errorf("recv: %d", -rm.err)
			return
		}
		if rm.sender != me || rm.kind != 7 || rm.size != 2 ||
			rm.data != [2]uint8{'h', 'i'} {
			t.Errorf("message mismatch: %+v", rm)
		}
	})
}

func TestMessageOrderPerSender(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		me := k.Sched.Current()
		for i := 0; i < 5; i++ {
			if e := k.Msgs.Send(me, uint32(i), nil); e != 0 {
				t.Errorf("send %d: %d", i, -e)
			}
		}
		for i := 0; i < 5; i++ {
			m, e := k.Msgs.Recv(false)
			if e != 0 {
				t.Errorf("recv %d: %d", i, -e)
				return
			}
			if m.Kind != uint32(i) {
				t.Errorf("out of order: got %d want %d",
					m.Kind, i)
			}
		}
		if _, e := k.Msgs.Recv(false); e != -defs.EAGAIN {
			t.Errorf("drained queue returned %d", -e)
		}
	})
}

func TestSendCreatesQueueOnDemand(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		if e := k.Msgs.Send(defs.Tid_t(999), 1, []uint8{1}); e != 0 {
			t.Errorf("send to absent task: %d", -e)
		}
		q, ok := k.Msgs.Queueof(999)
		if !ok || q.Count() != 1 {
			t.Errorf("queue not created on demand")
		}
	})
}

func TestQueueDepthBound(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		target := defs.Tid_t(998)
		for i := 0; i < 32; i++ {
			if e := k.Msgs.Send(target, 0, nil); e != 0 {
				t.Errorf("send %d: %d", i, -e)
				return
			}
		}
		if e := k.Msgs.Send(target, 0, nil); e != -defs.EAGAIN {
			t.Errorf("overfull send returned %d", -e)
		}
	})
}

func TestMutexReentrance(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		m := k.Mkmutex("m")
		if e := m.Lock(); e != 0 {
			t.Errorf("lock: %d", -e)
		}
		if e := m.Lock(); e != 0 {
			t.Errorf("relock: %d", -e)
		}
		if e := m.Unlock(); e != 0 {
			t.Errorf("unlock: %d", -e)
		}
		if !m.Locked() || m.Recursion() != 1 {
			t.Errorf("after one unlock: locked=%v recursion=%d",
				m.Locked(), m.Recursion())
		}
		if e := m.Unlock(); e != 0 {
			t.Errorf("final unlock: %d", -e)
		}
		if m.Locked() {
			t.Errorf("still locked after final unlock")
		}
	})
}

func TestTrylockRejectsOwner(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		m := k.Mkmutex("m")
		if e := m.Lock(); e != 0 {
			t.Errorf("lock: %d", -e)
		}
		if e := m.Trylock(); e != -defs.EBUSY {
			t.Errorf("trylock by owner returned %d", -e)
		}
		m.Unlock()
	})
}

func TestUnlockByNonOwnerIgnored(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		m := k.Mkmutex("m")
		done := false
		_, err := k.Sched.Task_create("locker", proc.NORMAL,
			func(_ any) {
				m.Lock()
				for !done {
					k.Sched.Yield()
				}
				m.Unlock()
			}, nil)
		if err != 0 {
			t.Errorf("task_create: %d", -err)
			return
		}
		k.Sched.Yield()
		if e := m.Unlock(); e != -defs.EPERM {
			t.Errorf("foreign unlock returned %d", -e)
		}
		if !m.Locked() {
			t.Errorf("foreign unlock released the mutex")
		}
		done = true
		k.Tickn(10)
	})
}

func TestUserFaultKillsTask(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		as, err := k.Mkaspace()
		if err != 0 {
			t.Errorf("mkaspace: %d", -err)
			return
		}
		utid, err := k.Sched.Task_create("usr", proc.NORMAL,
			func(_ any) {
				// a ring-3 read of the null page
				regs := &trap.Regs_t{
					Vector: defs.VEC_PGFAULT,
					Cs:     defs.SEG_UCODE,
					Eip:    uint32(mem.USERMIN),
					Cr2:    0,
				}
				k.Trap.Isr_handler(regs)
				t.Errorf("fault handler returned to user task")
			}, nil)
		if err != 0 {
			t.Errorf("task_create: %d", -err)
			return
		}
		ut, _ := k.Sched.Lookup(utid)
		ut.Aspace = as

		k.Sched.Yield() // the user task faults and dies
		if ut.State != proc.ZOMBIE {
			t.Errorf("faulted task state %v, want zombie",
				ut.State)
		}
		if k.Cpu.Rcr3() != k.Mmu.Kpd() {
			t.Errorf("cr3 not back on the kernel directory")
		}
		// the cleanup task reaps it within a second
		k.Tickn(defs.TIMER_HZ)
		if _, ok := k.Sched.Lookup(utid); ok {
			t.Errorf("zombie not reaped within one second")
		}
	})
}

func TestKernelDivideErrorResumes(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		// plant real DIV instructions in kernel memory
		va := k.Heap.Alloc(16)
		if va == 0 {
			t.Errorf("alloc failed")
			return
		}
		pa, ok := k.Mmu.Virt2phys(k.Mmu.Kpd(), va)
		if !ok {
			t.Errorf("heap va unmapped")
			return
		}
		code := k.Phys.Dmaplen(pa, 16)
		// div ebx -- two bytes
		code[0], code[1] = 0xf7, 0xf3
		// div dword [0x00400000] -- six bytes
		copy(code[2:], []uint8{0xf7, 0x35, 0x00, 0x00, 0x40, 0x00})

		regs := &trap.Regs_t{
			Vector: defs.VEC_DIVZERO,
			Cs:     defs.SEG_KCODE,
			Eip:    uint32(va),
			Eax:    1234,
		}
		k.Trap.Isr_handler(regs)
		if regs.Eax != 0 {
			t.Errorf("eax not zeroed")
		}
		if regs.Eip != uint32(va)+2 {
			t.Errorf("eip advanced by %d, want 2",
				regs.Eip-uint32(va))
		}
		regs.Eax = 99
		k.Trap.Isr_handler(regs)
		if regs.Eip != uint32(va)+8 {
			t.Errorf("eip advanced by %d, want 6",
				regs.Eip-uint32(va)-2)
		}
	})
}

func TestKernelGPFPanics(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		var msg string
		k.Trap.Panichook = func(m string) { msg = m }
		regs := &trap.Regs_t{
			Vector:  defs.VEC_GPF,
			Cs:      defs.SEG_KCODE,
			Eip:     0x100000,
			Errcode: 0x10,
		}
		k.Trap.Isr_handler(regs)
		if msg == "" {
			t.Errorf("no panic for kernel GPF")
		}
		// the panic screen painted the framebuffer
		if k.Trap.Fb == nil || k.Trap.Fb.Pix[2] != 0xaa {
			t.Errorf("framebuffer not painted")
		}
	})
}

func TestDestroyCurrentRefused(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		if e := k.Sched.Task_destroy(k.Sched.Current()); e != -defs.EBUSY {
			t.Errorf("destroying current returned %d", -e)
		}
	})
}

func TestExactlyOneRunning(t *testing.T) {
	run(t, func(k *kernel.Kernel_t) {
		for i := 0; i < 3; i++ {
			k.Sched.Task_create("spin", proc.NORMAL, func(_ any) {
				for j := 0; j < 3; j++ {
					k.Sched.Yield()
				}
			}, nil)
		}
		for i := 0; i < 30; i++ {
			running := 0
			for tid := defs.Tid_t(1); tid < 20; tid++ {
				if tk, ok := k.Sched.Lookup(tid); ok &&
					tk.State == proc.RUNNING {
					running++
				}
			}
			if running != 1 {
				t.Errorf("%d tasks RUNNING", running)
				return
			}
			k.Tick()
		}
	})
}

func TestFirstTaskContextSanitised(t *testing.T) {
	k := kernel.Mkkernel()
	err := k.Boot(defs.MULTIBOOT2_MAGIC, testimage(), func(_ any) {})
	if err != 0 {
		t.Fatalf("boot: %d", -err)
	}
	mt, _ := k.Sched.Lookup(k.Maintid)
	mt.Ctx.Esp -= 4 // misalign
	mt.Ctx.Eflags = 0xffffffff
	if err := k.Start(); err != 0 {
		t.Fatalf("start: %d", -err)
	}
	k.Wait()
	k.Shutdown()
	if mt.Ctx.Esp%16 != 0 {
		t.Errorf("esp not realigned: %#x", mt.Ctx.Esp)
	}
	if mt.Ctx.Eflags&^(defs.EFL_SANE|defs.EFL_INIT) != 0 {
		t.Errorf("eflags not sanitised: %#x", mt.Ctx.Eflags)
	}
}
