// Package limits tracks system wide resource limits.
package limits

import "sync/atomic"
import "unsafe"

// Lhits counts limit hits.
var Lhits int64

// Sysatomic_t is a numeric limit that can be atomically updated.
type Sysatomic_t int64

// Syslimit_t tracks system wide resource limits.
type Syslimit_t struct {
	// live tasks, including zombies awaiting the cleanup task
	Tasks Sysatomic_t
	// message queues; at most one per task, created lazily
	Queues Sysatomic_t
	// total queued messages across all queues
	Msgs Sysatomic_t
	// pages the MMU may sink into page tables
	Ptpages Sysatomic_t
}

// Syslimit describes the configured system wide limits.
var Syslimit *Syslimit_t = MkSysLimit()

// MkSysLimit returns a pointer to the default set of limits.
func MkSysLimit() *Syslimit_t {
	return &Syslimit_t{
		Tasks:   1 << 10,
		Queues:  1 << 10,
		Msgs:    1 << 14,
		Ptpages: 1 << 12,
	}
}

func (s *Sysatomic_t) _aptr() *int64 {
	return (*int64)(unsafe.Pointer(s))
}

// Given increases the limit by the provided amount.
func (s *Sysatomic_t) Given(n uint) {
	atomic.AddInt64(s._aptr(), int64(n))
}

// Taken tries to decrement the limit by the provided amount.
// It returns true on success.
func (s *Sysatomic_t) Taken(n uint) bool {
	g := atomic.AddInt64(s._aptr(), -int64(n))
	if g >= 0 {
		return true
	}
	atomic.AddInt64(s._aptr(), int64(n))
	atomic.AddInt64(&Lhits, 1)
	return false
}

// Take decrements the limit and reports whether it succeeded.
func (s *Sysatomic_t) Take() bool {
	return s.Taken(1)
}

// Give increments the limit by one.
func (s *Sysatomic_t) Give() {
	s.Given(1)
}
