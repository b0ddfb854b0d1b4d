package proc

import "sync/atomic"

import "alvos/src/defs"

// Accnt_t accumulates the processor time a task has been charged.
// Ticks are charged by the timer ISR against whichever task was
// running, so reads may race and use atomics.
type Accnt_t struct {
	ticks int64
}

// Charge adds n ticks of processor time.
func (a *Accnt_t) Charge(n int64) {
	atomic.AddInt64(&a.ticks, n)
}

// Elapsed returns the charged time in ticks.
func (a *Accnt_t) Elapsed() defs.Ticks_t {
	return defs.Ticks_t(atomic.LoadInt64(&a.ticks))
}

// Elapsedms converts the charged time to milliseconds.
func (a *Accnt_t) Elapsedms() int {
	return int(a.Elapsed()) * defs.TICKMS
}
