// Package proc is the scheduler: the TCB arena, the circular run
// queue, and the priority round-robin policy. Tasks are cooperative
// with timer preemption; exactly one task is RUNNING at any time.
package proc

import "log/slog"
import "runtime"
import "sync"
import "sync/atomic"

import "alvos/src/cpu"
import "alvos/src/defs"
import "alvos/src/mem"
import "alvos/src/stats"

// State_t is the task lifecycle state.
type State_t uint8

const (
	CREATED State_t = iota
	READY
	RUNNING
	SLEEPING
	ZOMBIE
	FINISHED
)

func (s State_t) String() string {
	return [...]string{"created", "ready", "running", "sleeping",
		"zombie", "finished"}[s]
}

// Pri_t is a task priority. Priority buys a longer quantum, never a
// better place in line, so low-priority tasks keep making progress.
type Pri_t uint8

const (
	LOW Pri_t = iota
	NORMAL
	HIGH
)

// Quantum returns the tick allotment for a priority.
func Quantum(p Pri_t) uint32 {
	switch p {
	case HIGH:
		return 10
	case NORMAL:
		return 5
	}
	return 2
}

// Counters_t feeds the scheduler's stat surface.
type Counters_t struct {
	Switches stats.Counter_t
	Ticks    stats.Counter_t
	Wakes    stats.Counter_t
	Reaps    stats.Counter_t
	Badctx   stats.Counter_t
}

// Sched_t is the scheduler. The run queue is mutated only from the
// currently running task, with interrupts disabled; other tasks touch
// foreign TCBs only for state transitions.
type Sched_t struct {
	Cpu *cpu.Cpu_t
	Mmu *mem.Mmu_t

	// tmu guards the arena map structure itself: the harness joins
	// and looks tasks up from outside any task. Scheduler state is
	// still interrupt-disable protected.
	tmu    sync.Mutex
	tasks  map[defs.Tid_t]*Task_t
	nextid defs.Tid_t
	// head of the circular run queue, 0 when empty
	runq    defs.Tid_t
	current defs.Tid_t
	idle    defs.Tid_t
	ticks   defs.Ticks_t
	// preemption is held off until the boot sequencer flips this
	Enabled bool
	off     atomic.Bool
	// invoked after a task's resources are released, so owners of
	// per-task state (message queues) can drop theirs
	Ondestroy func(defs.Tid_t)
	Cnt       Counters_t

	// stack window bump pointer and released slots
	stackva   defs.Va_t
	stackfree []defs.Va_t
}

// Mksched returns an empty scheduler.
func Mksched(c *cpu.Cpu_t, m *mem.Mmu_t) *Sched_t {
	return &Sched_t{
		Cpu:     c,
		Mmu:     m,
		tasks:   make(map[defs.Tid_t]*Task_t),
		nextid:  1,
		stackva: stackwindow,
	}
}

// Ticks returns the virtual time in timer ticks.
func (s *Sched_t) Ticks() defs.Ticks_t {
	return s.ticks
}

// Current returns the running task's id.
func (s *Sched_t) Current() defs.Tid_t {
	return s.current
}

// Curtask returns the running task.
func (s *Sched_t) Curtask() *Task_t {
	return s.tasks[s.current]
}

// Lookup returns the TCB for tid.
func (s *Sched_t) Lookup(tid defs.Tid_t) (*Task_t, bool) {
	s.tmu.Lock()
	t, ok := s.tasks[tid]
	s.tmu.Unlock()
	return t, ok
}

// picknext walks the run queue starting after cur and returns the
// first READY task, or the idle task when none is. Queue order decides
// ties; priority only sizes quanta.
func (s *Sched_t) picknext(cur *Task_t) *Task_t {
	start := cur.nextt
	if cur.Id == s.idle || start == 0 {
		start = s.runq
	}
	for tid := start; tid != 0; {
		t := s.tasks[tid]
		if t == nil {
			break
		}
		if t.State == READY && t.Id != s.idle {
			return t
		}
		tid = t.nextt
		if tid == start {
			break
		}
	}
	idle := s.tasks[s.idle]
	if idle == nil {
		panic("no idle task")
	}
	return idle
}

// Schedule demotes the current task to READY, picks the next READY
// task in queue order, and switches to it. Must be called from the
// running task.
func (s *Sched_t) Schedule() {
	g := s.Cpu.Cli()
	cur := s.Curtask()
	if cur == nil {
		panic("schedule with no current task")
	}
	if cur.State == RUNNING {
		cur.State = READY
	}
	next := s.picknext(cur)
	if next == cur {
		if cur.State == READY {
			cur.State = RUNNING
		}
		g.Restore()
		return
	}
	if !s.switchto(cur, next, &g) {
		g.Restore()
		return
	}
	// resumed later; interrupts were re-enabled by the switch
}

// switchto performs the context switch bookkeeping and hands the
// processor to next. It returns false when next's context fails
// validation. On success the calling goroutine blocks until this task
// is scheduled again.
func (s *Sched_t) switchto(cur, next *Task_t, g *cpu.Intrguard_t) bool {
	// the pushf at the top of the switch sequence
	cur.Ctx.Eflags &^= defs.EFL_IF
	if g.Saved() {
		cur.Ctx.Eflags |= defs.EFL_IF
	}
	if !s.Cpu.Ctxswitch(&cur.Ctx, &next.Ctx) {
		s.Cnt.Badctx.Inc()
		slog.Warn("refusing switch to bad context",
			"task", uint32(next.Id), "esp", next.Ctx.Esp)
		return false
	}
	next.State = RUNNING
	next.Slice = Quantum(next.Pri)
	s.current = next.Id
	if next.Aspace != nil {
		s.Mmu.Switch_to_address_space(next.Aspace.P_pmap)
	} else {
		s.Mmu.Switch_to_address_space(s.Mmu.Kpd())
	}
	s.Cnt.Switches.Inc()
	next.gate <- struct{}{}
	<-cur.gate
	return true
}

// switchaway is the no-return variant used by the exit and fault
// paths: the current goroutine hands off and terminates.
func (s *Sched_t) switchaway(cur *Task_t) {
	// interrupts stay off until the IRET into next
	s.Cpu.Cli()
	next := s.picknext(cur)
	if next == cur {
		panic("switching away to self")
	}
	if !s.Cpu.Ctxswitch(nil, &next.Ctx) {
		panic("next context invalid on exit path")
	}
	next.State = RUNNING
	next.Slice = Quantum(next.Pri)
	s.current = next.Id
	if next.Aspace != nil {
		s.Mmu.Switch_to_address_space(next.Aspace.P_pmap)
	} else {
		s.Mmu.Switch_to_address_space(s.Mmu.Kpd())
	}
	s.Cnt.Switches.Inc()
	next.gate <- struct{}{}
	runtime.Goexit()
}

// Yield gives up the processor voluntarily.
func (s *Sched_t) Yield() {
	s.Schedule()
}

// Sleep blocks the current task for at least nticks timer ticks.
func (s *Sched_t) Sleep(nticks defs.Ticks_t) {
	g := s.Cpu.Cli()
	cur := s.Curtask()
	cur.Sleepuntil = s.ticks + nticks
	cur.State = SLEEPING
	g.Restore()
	s.Schedule()
}

// Sleepms sleeps for ms milliseconds of virtual time.
func (s *Sched_t) Sleepms(ms int) {
	n := defs.Ticks_t((ms + defs.TICKMS - 1) / defs.TICKMS)
	if n == 0 {
		n = 1
	}
	s.Sleep(n)
}

// Wake moves tid out of SLEEPING, the wake-on-send half of the
// messaging protocol. Waking a non-sleeping task is a no-op.
func (s *Sched_t) Wake(tid defs.Tid_t) {
	g := s.Cpu.Cli()
	defer g.Restore()
	t, ok := s.tasks[tid]
	if !ok {
		return
	}
	if t.State == SLEEPING {
		t.State = READY
		t.Sleepuntil = 0
		s.Cnt.Wakes.Inc()
	}
}

// Ontick is the timer ISR body: advance time, wake expired sleepers,
// charge the current task's quantum, and preempt when it is spent.
func (s *Sched_t) Ontick() {
	g := s.Cpu.Cli()
	s.ticks++
	s.Cnt.Ticks.Inc()
	for _, t := range s.tasks {
		if t.State == SLEEPING && t.Sleepuntil != 0 &&
			t.Sleepuntil <= s.ticks {
			t.State = READY
			t.Sleepuntil = 0
			s.Cnt.Wakes.Inc()
		}
	}
	cur := s.Curtask()
	need := false
	if cur != nil {
		cur.Accnt.Charge(1)
		if cur.Slice > 0 {
			cur.Slice--
		}
		need = cur.Slice == 0 && s.Enabled
	}
	g.Restore()
	if need {
		s.Schedule()
	}
}

// Exit finishes the current task. Its TCB stays for the cleanup task.
func (s *Sched_t) Exit() {
	g := s.Cpu.Cli()
	cur := s.Curtask()
	cur.State = FINISHED
	if cur.done != nil {
		close(cur.done)
	}
	g.Restore()
	s.switchaway(cur)
}

// Killcurrent is the fault path: the current task becomes a ZOMBIE and
// the processor moves to the next READY task. Never returns.
func (s *Sched_t) Killcurrent() {
	g := s.Cpu.Cli()
	cur := s.Curtask()
	cur.State = ZOMBIE
	if cur.done != nil {
		close(cur.done)
	}
	g.Restore()
	s.switchaway(cur)
}

// Startfirst does no validation of its own; the boot sequencer has
// already checked the context, and Ctxfirst panics on an implausible
// stack. It marks tid RUNNING and enters it with the forced-IF restore
// path. The caller is not a task and simply returns.
func (s *Sched_t) Startfirst(tid defs.Tid_t) {
	t, ok := s.tasks[tid]
	if !ok {
		panic("starting unknown task")
	}
	s.Cpu.Ctxfirst(&t.Ctx)
	t.State = RUNNING
	t.Slice = Quantum(t.Pri)
	s.current = tid
	s.Cnt.Switches.Inc()
	t.gate <- struct{}{}
}

// Setidle records the distinguished idle task. It stays linked in the
// run queue, but picknext never selects it from there; it is RUNNING
// only when nothing else is READY.
func (s *Sched_t) Setidle(tid defs.Tid_t) {
	s.idle = tid
}

// Idle returns the idle task's id.
func (s *Sched_t) Idle() defs.Tid_t {
	return s.idle
}

// Shutdown tells the idle task to park instead of spinning; the
// kernel is done.
func (s *Sched_t) Shutdown() {
	s.off.Store(true)
}

// Runnable counts READY tasks, the idle task excluded.
func (s *Sched_t) Runnable() int {
	g := s.Cpu.Cli()
	defer g.Restore()
	n := 0
	for _, t := range s.tasks {
		if t.State == READY && t.Id != s.idle {
			n++
		}
	}
	return n
}
