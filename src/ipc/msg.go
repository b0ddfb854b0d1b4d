package ipc

import "sync/atomic"

import "alvos/src/defs"
import "alvos/src/limits"
import "alvos/src/proc"
import "alvos/src/stats"

const (
	// MAX_MSG is the payload capacity of one message.
	MAX_MSG = 64
	// MAXQDEPTH bounds a queue; senders beyond it are refused.
	MAXQDEPTH = 32

	// a blocked receive polls in short sleeps and gives up after
	// five seconds
	recvpoll    defs.Ticks_t = 1
	recvtimeout defs.Ticks_t = 5 * defs.TIMER_HZ
)

// Msg_t is one message. Payload bytes beyond Size are zero.
type Msg_t struct {
	Sender  defs.Tid_t
	Kind    uint32
	Size    uint32
	Payload [MAX_MSG]uint8
	next    *Msg_t
}

// Queue_t is one task's bounded message queue, created lazily by the
// first send. hasmsgs is the receiver's fast path: a receiver that
// observes it set also observes the payload, the atomic store pairs
// the fence.
type Queue_t struct {
	owner   defs.Tid_t
	head    *Msg_t
	tail    *Msg_t
	count   uint32
	hasmsgs atomic.Bool
	mu      *Mutex_t
}

// Count returns the queued message count.
func (q *Queue_t) Count() uint32 {
	return q.count
}

// Msgcnt_t counts message traffic.
type Msgcnt_t struct {
	Sends    stats.Counter_t
	Recvs    stats.Counter_t
	Fulls    stats.Counter_t
	Timeouts stats.Counter_t
	Wakes    stats.Counter_t
}

// Msgs_t is the kernel's message switch: the registry of per-task
// queues plus the send/receive protocol.
type Msgs_t struct {
	sched *proc.Sched_t
	reg   *registry_t[*Queue_t]
	Cnt   Msgcnt_t
}

// Mkmsgs returns the message switch.
func Mkmsgs(s *proc.Sched_t) *Msgs_t {
	return &Msgs_t{sched: s, reg: mkregistry[*Queue_t](64)}
}

// lookup returns target's queue, creating it on first use.
func (ms *Msgs_t) lookup(target defs.Tid_t) (*Queue_t, defs.Err_t) {
	q, ok := ms.reg.Get(uint32(target))
	if ok {
		return q, 0
	}
	if !limits.Syslimit.Queues.Take() {
		return nil, -defs.ENOMEM
	}
	q, created := ms.reg.Getorset(uint32(target), func() *Queue_t {
		return &Queue_t{owner: target,
			mu: Mkmutex("msgq", ms.sched)}
	})
	if !created {
		limits.Syslimit.Queues.Give()
	}
	return q, 0
}

// Queueof returns target's queue when one exists.
func (ms *Msgs_t) Queueof(target defs.Tid_t) (*Queue_t, bool) {
	return ms.reg.Get(uint32(target))
}

// Send places a message on target's queue and wakes target when it is
// sleeping. The queue manipulation runs with interrupts disabled; the
// whole operation appears atomic to a concurrent receive.
func (ms *Msgs_t) Send(target defs.Tid_t, kind uint32,
	payload []uint8) defs.Err_t {
	if len(payload) > MAX_MSG {
		return -defs.EINVAL
	}
	q, err := ms.lookup(target)
	if err != 0 {
		return err
	}
	if err := q.mu.Lock(); err != 0 {
		return err
	}
	defer q.mu.Unlock()
	g := ms.sched.Cpu.Cli()
	defer g.Restore()
	if q.count >= MAXQDEPTH {
		ms.Cnt.Fulls.Inc()
		return -defs.EAGAIN
	}
	if !limits.Syslimit.Msgs.Take() {
		return -defs.ENOMEM
	}
	m := &Msg_t{
		Sender: ms.sched.Current(),
		Kind:   kind,
		Size:   uint32(len(payload)),
	}
	copy(m.Payload[:], payload)
	if q.tail == nil {
		q.head = m
		q.tail = m
	} else {
		q.tail.next = m
		q.tail = m
	}
	q.count++
	// the release store; the payload copy above is visible to any
	// receiver that sees hasmsgs set
	q.hasmsgs.Store(true)
	ms.Cnt.Sends.Inc()

	if t, ok := ms.sched.Lookup(target); ok &&
		t.State == proc.SLEEPING {
		ms.sched.Wake(target)
		ms.Cnt.Wakes.Inc()
	}
	return 0
}

// tryrecv unlinks the head of the caller's queue.
func (ms *Msgs_t) tryrecv(me defs.Tid_t) (*Msg_t, defs.Err_t) {
	q, ok := ms.reg.Get(uint32(me))
	if !ok || !q.hasmsgs.Load() {
		return nil, -defs.EAGAIN
	}
	if err := q.mu.Lock(); err != 0 {
		return nil, err
	}
	defer q.mu.Unlock()
	g := ms.sched.Cpu.Cli()
	defer g.Restore()
	m := q.head
	if m == nil {
		return nil, -defs.EAGAIN
	}
	q.head = m.next
	if q.head == nil {
		q.tail = nil
	}
	q.count--
	if q.count == 0 {
		q.hasmsgs.Store(false)
	}
	m.next = nil
	limits.Syslimit.Msgs.Give()
	ms.Cnt.Recvs.Inc()
	return m, 0
}

// Recv returns the oldest message sent to the calling task. When
// blocking, the task sleeps in short intervals until a message
// arrives or five seconds elapse.
func (ms *Msgs_t) Recv(blocking bool) (*Msg_t, defs.Err_t) {
	me := ms.sched.Current()
	m, err := ms.tryrecv(me)
	if err == 0 || !blocking {
		return m, err
	}
	deadline := ms.sched.Ticks() + recvtimeout
	for {
		ms.sched.Sleep(recvpoll)
		m, err = ms.tryrecv(me)
		if err == 0 {
			return m, 0
		}
		if ms.sched.Ticks() >= deadline {
			ms.Cnt.Timeouts.Inc()
			return nil, -defs.ETIMEDOUT
		}
	}
}

// Drop releases target's queue and any unread messages, used when a
// task is destroyed.
func (ms *Msgs_t) Drop(target defs.Tid_t) {
	q, ok := ms.reg.Get(uint32(target))
	if !ok {
		return
	}
	g := ms.sched.Cpu.Cli()
	for m := q.head; m != nil; m = m.next {
		limits.Syslimit.Msgs.Give()
	}
	q.head = nil
	q.tail = nil
	q.count = 0
	q.hasmsgs.Store(false)
	g.Restore()
	ms.reg.Del(uint32(target))
	limits.Syslimit.Queues.Give()
}
