package ipc

import "log/slog"
import "sync/atomic"

import "alvos/src/defs"
import "alvos/src/proc"
import "alvos/src/stats"

// Mutex lock attempts give up after this much virtual time.
const locktimeout defs.Ticks_t = 5 * defs.TIMER_HZ

const (
	backoffcap = 1000
	yieldevery = 10
)

// badunlocks dedups unlock-by-non-owner warnings by caller chain.
var badunlocks = Distinct_caller_t{Enabled: true}

// Mutexcnt_t counts lock traffic for the stat surface.
type Mutexcnt_t struct {
	Acquires  stats.Counter_t
	Contended stats.Counter_t
	Timeouts  stats.Counter_t
	Badunlock stats.Counter_t
}

// Mutex_t is a reentrant owner-tracked lock with no wait queue. A
// blocked Lock spins with exponential backoff and yields the
// processor, there is no second CPU to spin against.
type Mutex_t struct {
	locked    bool
	owner     defs.Tid_t
	recursion uint32
	name      string
	sched     *proc.Sched_t
	// bumped with a release store on final unlock so the next
	// acquirer observes everything the holder wrote
	fence uint64
	Cnt   Mutexcnt_t
}

// Mkmutex returns a named unlocked mutex.
func Mkmutex(name string, s *proc.Sched_t) *Mutex_t {
	return &Mutex_t{name: name, sched: s}
}

// Locked reports whether the mutex is held.
func (m *Mutex_t) Locked() bool {
	return m.locked
}

// Owner returns the holder's task id, zero when unlocked.
func (m *Mutex_t) Owner() defs.Tid_t {
	return m.owner
}

// Recursion returns the reentrance depth.
func (m *Mutex_t) Recursion() uint32 {
	return m.recursion
}

// try acquires the mutex when it is free. Runs with interrupts
// disabled, the lock word is ISR-visible state.
func (m *Mutex_t) try(me defs.Tid_t) bool {
	g := m.sched.Cpu.Cli()
	defer g.Restore()
	atomic.LoadUint64(&m.fence)
	if !m.locked {
		m.locked = true
		m.owner = me
		m.recursion = 1
		return true
	}
	return false
}

// Trylock takes the mutex only when it is free. It rejects even the
// current owner, matching the usual try-lock contract.
func (m *Mutex_t) Trylock() defs.Err_t {
	me := m.sched.Current()
	if m.try(me) {
		m.Cnt.Acquires.Inc()
		return 0
	}
	return -defs.EBUSY
}

// Lock acquires the mutex, recursing when the caller already owns it.
// Contention spins with exponential backoff, yielding every few
// rounds; after five seconds the attempt fails with ETIMEDOUT.
func (m *Mutex_t) Lock() defs.Err_t {
	me := m.sched.Current()
	{
		g := m.sched.Cpu.Cli()
		if m.locked && m.owner == me {
			m.recursion++
			g.Restore()
			return 0
		}
		g.Restore()
	}
	if m.try(me) {
		m.Cnt.Acquires.Inc()
		return 0
	}
	m.Cnt.Contended.Inc()
	deadline := m.sched.Ticks() + locktimeout
	backoff := 1
	for i := 0; ; i++ {
		for p := 0; p < backoff; p++ {
			pause()
		}
		if backoff *= 2; backoff > backoffcap {
			backoff = backoffcap
		}
		if i%yieldevery == yieldevery-1 {
			m.sched.Yield()
		}
		if m.try(me) {
			m.Cnt.Acquires.Inc()
			return 0
		}
		if m.sched.Ticks() > deadline {
			m.Cnt.Timeouts.Inc()
			slog.Warn("mutex lock timed out", "mutex", m.name,
				"holder", uint32(m.owner),
				"waiter", uint32(me))
			return -defs.ETIMEDOUT
		}
	}
}

// Unlock releases one level of recursion. Unlocking a mutex the
// caller does not own is logged once per call path and ignored.
func (m *Mutex_t) Unlock() defs.Err_t {
	me := m.sched.Current()
	g := m.sched.Cpu.Cli()
	if !m.locked || m.owner != me {
		g.Restore()
		m.Cnt.Badunlock.Inc()
		if ok, trace := badunlocks.Distinct(); ok {
			slog.Warn("unlock by non-owner", "mutex", m.name,
				"owner", uint32(m.owner),
				"caller", uint32(me), "at", trace)
		}
		return -defs.EPERM
	}
	m.recursion--
	if m.recursion == 0 {
		m.owner = 0
		m.locked = false
		// pair with the acquire in try on the next locker
		atomic.AddUint64(&m.fence, 1)
	}
	g.Restore()
	return 0
}

func pause() {
	// a pause hint; on the host this is just a compiler barrier
}
