package heap

import "log/slog"

import "alvos/src/defs"
import "alvos/src/stats"

// Defragmenter tuning. The task wakes every Defraginterval ticks; a
// pass is forced when the free list has not been compacted for
// Defragforce ticks.
const (
	Defraginterval defs.Ticks_t = 5 * defs.TIMER_HZ
	Defragforce    defs.Ticks_t = 60 * defs.TIMER_HZ

	fragthresh   = 40
	blocksthresh = 20
	maxpasses    = 10
)

// Defragstats_t is the defragmenter's exported state.
type Defragstats_t struct {
	Runs    stats.Counter_t
	Merges  stats.Counter_t
	Skips   stats.Counter_t
	Lastrun defs.Ticks_t
}

// Defrag_t drives periodic multi-pass coalescing over the heap free
// list. The task body belongs to the boot sequencer; this type only
// decides and performs the work.
type Defrag_t struct {
	H  *Heap_t
	St Defragstats_t
}

// Mkdefrag returns a defragmenter for h.
func Mkdefrag(h *Heap_t) *Defrag_t {
	return &Defrag_t{H: h}
}

func (d *Defrag_t) should(st Heapstats_t, now defs.Ticks_t) bool {
	if st.Fragpct > fragthresh {
		return true
	}
	if st.Freeblocks > blocksthresh {
		return true
	}
	if st.Free > 0 && st.Largest < st.Free/2 {
		return true
	}
	if now-d.St.Lastrun >= Defragforce {
		return true
	}
	return false
}

// Step computes the fast statistics and, when a trigger condition
// holds, runs up to maxpasses forward-coalesce sweeps. It returns the
// number of merges performed.
func (d *Defrag_t) Step(now defs.Ticks_t) int {
	st := d.H.Stats()
	if !d.should(st, now) {
		d.St.Skips.Inc()
		return 0
	}
	d.St.Runs.Inc()
	d.St.Lastrun = now
	total := 0
	for pass := 0; pass < maxpasses; pass++ {
		merged := d.sweep()
		total += merged
		if merged == 0 {
			break
		}
	}
	if total > 0 {
		d.St.Merges.Add(int64(total))
		slog.Debug("heap defrag", "merges", total,
			"freeblocks", st.Freeblocks, "fragpct", st.Fragpct)
	}
	return total
}

// sweep walks the free list once, merging every adjacent pair it
// finds.
func (d *Defrag_t) sweep() int {
	h := d.H
	g := h.cpu.Cli()
	defer g.Restore()
	merged := 0
	for va := h.freeh; va != 0; {
		if h.merge(va) {
			merged++
			// stay on this block, it may now abut the next
			continue
		}
		va = h.hdr(va).next
	}
	return merged
}
