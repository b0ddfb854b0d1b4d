package proc

import "log/slog"

import "alvos/src/cpu"
import "alvos/src/defs"
import "alvos/src/limits"
import "alvos/src/mem"
import "alvos/src/util"
import "alvos/src/vm"

// Kernel stacks are mapped in their own window with an unmapped guard
// page between slots.
const (
	stackwindow defs.Va_t = 0xb0000000
	// Stacksize is the kernel stack size of every task.
	Stacksize uint32 = 16 << 10
	stackslot uint32 = Stacksize + uint32(mem.PGSIZE)

	// the synthetic return address a task entry returns to; the
	// trampoline turns it into Exit
	taskexitva uint32 = 0x00100ff0
	// synthetic code addresses for task entry points
	entrybase uint32 = 0x00101000
)

// Entry_t is a task body. Returning ends the task.
type Entry_t func(arg any)

// Task_t is the task control block.
type Task_t struct {
	Id    defs.Tid_t
	Name  [defs.TNAMEMAX]byte
	State State_t
	Pri   Pri_t
	Ctx   cpu.Context_t
	// the exclusively owned kernel stack
	Stackbase defs.Va_t
	Stacksz   uint32
	// nil for kernel tasks
	Aspace     *vm.Aspace_t
	Sleepuntil defs.Ticks_t
	Slice      uint32
	Accnt      Accnt_t

	entry Entry_t
	arg   any
	// run queue links, ids into the arena
	nextt defs.Tid_t
	prevt defs.Tid_t
	// the processor baton; holding the token is being RUNNING
	gate chan struct{}
	// closed when the task finishes or dies, for joiners
	done chan struct{}
}

// Task_create allocates a TCB and kernel stack, builds the initial
// context, and links the task into the run queue as READY.
func (s *Sched_t) Task_create(name string, pri Pri_t, entry Entry_t,
	arg any) (defs.Tid_t, defs.Err_t) {
	if !limits.Syslimit.Tasks.Take() {
		return 0, -defs.ENOMEM
	}
	g := s.Cpu.Cli()
	defer g.Restore()

	base, err := s.stackalloc()
	if err != 0 {
		limits.Syslimit.Tasks.Give()
		return 0, err
	}
	t := &Task_t{
		Id:        s.nextid,
		Name:      defs.Mkname(name),
		State:     CREATED,
		Pri:       pri,
		Stackbase: base,
		Stacksz:   Stacksize,
		entry:     entry,
		arg:       arg,
		gate:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	s.nextid++

	// the synthetic frame: if the entry returns, control falls into
	// the exit stub
	esp := uint32(base) + Stacksize - 16
	s.stackput(defs.Va_t(esp), 0)
	s.stackput(defs.Va_t(esp+4), taskexitva)

	t.Ctx = cpu.Context_t{
		Eip:    entrybase + uint32(t.Id)*16,
		Esp:    esp,
		Ebp:    0,
		Eflags: defs.EFL_INIT,
		Cs:     defs.SEG_KCODE,
		Ds:     defs.SEG_KDATA,
		Es:     defs.SEG_KDATA,
		Fs:     defs.SEG_KDATA,
		Gs:     defs.SEG_KDATA,
		Ss:     defs.SEG_KDATA,
	}
	t.Slice = Quantum(pri)

	s.tmu.Lock()
	s.tasks[t.Id] = t
	s.tmu.Unlock()
	s.link(t)
	t.State = READY
	go s.trampoline(t)
	return t.Id, 0
}

// trampoline is the goroutine wrapper: wait to be scheduled, run the
// entry, then fall into the exit stub.
func (s *Sched_t) trampoline(t *Task_t) {
	<-t.gate
	t.entry(t.arg)
	s.Exit()
}

// link inserts t at the tail of the circular run queue.
func (s *Sched_t) link(t *Task_t) {
	if s.runq == 0 {
		s.runq = t.Id
		t.nextt = t.Id
		t.prevt = t.Id
		return
	}
	head := s.tasks[s.runq]
	tail := s.tasks[head.prevt]
	t.prevt = tail.Id
	t.nextt = head.Id
	tail.nextt = t.Id
	head.prevt = t.Id
}

// unlink removes t from the run queue.
func (s *Sched_t) unlink(t *Task_t) {
	if t.nextt == t.Id {
		s.runq = 0
	} else {
		s.tasks[t.prevt].nextt = t.nextt
		s.tasks[t.nextt].prevt = t.prevt
		if s.runq == t.Id {
			s.runq = t.nextt
		}
	}
	t.nextt = 0
	t.prevt = 0
}

// stackalloc maps a fresh kernel stack and returns its base.
func (s *Sched_t) stackalloc() (defs.Va_t, defs.Err_t) {
	var base defs.Va_t
	if n := len(s.stackfree); n > 0 {
		base = s.stackfree[n-1]
		s.stackfree = s.stackfree[:n-1]
	} else {
		base = s.stackva
		s.stackva += defs.Va_t(stackslot)
	}
	kpd := s.Mmu.Kpd()
	for off := uint32(0); off < Stacksize; off += uint32(mem.PGSIZE) {
		_, p_pg, ok := s.Mmu.Phys.Refpg_new()
		if !ok {
			s.stackrelease(base, off)
			return 0, -defs.ENOMEM
		}
		if err := s.Mmu.Map_page(kpd, base+defs.Va_t(off), p_pg,
			mem.PTE_W); err != 0 {
			s.Mmu.Phys.Refdown(p_pg)
			s.stackrelease(base, off)
			return 0, err
		}
	}
	return base, 0
}

// stackrelease unmaps and frees mapped pages of a stack slot.
func (s *Sched_t) stackrelease(base defs.Va_t, mapped uint32) {
	kpd := s.Mmu.Kpd()
	for off := uint32(0); off < mapped; off += uint32(mem.PGSIZE) {
		va := base + defs.Va_t(off)
		if pa, ok := s.Mmu.Virt2phys(kpd, va); ok {
			s.Mmu.Unmap_page(kpd, va)
			s.Mmu.Phys.Refdown(pa & mem.PGMASK)
		}
	}
	s.stackfree = append(s.stackfree, base)
}

// stackput writes a 32-bit word through the kernel mapping of a stack.
func (s *Sched_t) stackput(va defs.Va_t, v uint32) {
	pa, ok := s.Mmu.Virt2phys(s.Mmu.Kpd(), va)
	if !ok {
		panic("stack not mapped")
	}
	b := s.Mmu.Phys.Dmaplen(pa, 4)
	util.Writen(b, 4, 0, int(v))
}

// Stackword reads back a word of a task's kernel stack.
func (s *Sched_t) Stackword(va defs.Va_t) uint32 {
	pa, ok := s.Mmu.Virt2phys(s.Mmu.Kpd(), va)
	if !ok {
		panic("stack not mapped")
	}
	return uint32(util.Readn(s.Mmu.Phys.Dmaplen(pa, 4), 4, 0))
}

// Task_destroy releases a ZOMBIE or FINISHED task's resources. It
// refuses the current task with EBUSY; the cleanup task is the caller
// that reaps.
func (s *Sched_t) Task_destroy(tid defs.Tid_t) defs.Err_t {
	g := s.Cpu.Cli()
	defer g.Restore()
	if tid == s.current {
		return -defs.EBUSY
	}
	t, ok := s.tasks[tid]
	if !ok {
		return -defs.ENOENT
	}
	if t.State != ZOMBIE && t.State != FINISHED {
		return -defs.EBUSY
	}
	s.unlink(t)
	s.stackrelease(t.Stackbase, Stacksize)
	if t.Aspace != nil {
		t.Aspace.Uvmfree()
		t.Aspace = nil
	}
	s.tmu.Lock()
	delete(s.tasks, tid)
	s.tmu.Unlock()
	limits.Syslimit.Tasks.Give()
	s.Cnt.Reaps.Inc()
	if s.Ondestroy != nil {
		s.Ondestroy(tid)
	}
	return 0
}

// Cleanuploop is the cleanup task body: reap dead tasks, then sleep.
func (s *Sched_t) Cleanuploop(_ any) {
	for {
		var dead []defs.Tid_t
		g := s.Cpu.Cli()
		for id, t := range s.tasks {
			if id == s.current {
				continue
			}
			if t.State == ZOMBIE || t.State == FINISHED {
				dead = append(dead, id)
			}
		}
		g.Restore()
		for _, id := range dead {
			if err := s.Task_destroy(id); err != 0 {
				slog.Warn("reap failed", "task", uint32(id),
					"err", int(err))
			}
		}
		s.Sleep(defs.Ticks_t(defs.TIMER_HZ / 4))
	}
}

// Idleloop is the idle task body: halt until the next interrupt, then
// let anything runnable go first.
func (s *Sched_t) Idleloop(_ any) {
	for {
		if s.off.Load() {
			select {}
		}
		s.Cpu.Halt()
		s.Schedule()
	}
}

// Join blocks the calling goroutine until tid finishes or dies. It is
// for the harness and tests, not for kernel tasks.
func (s *Sched_t) Join(tid defs.Tid_t) {
	t, ok := s.Lookup(tid)
	if !ok {
		return
	}
	<-t.done
}
