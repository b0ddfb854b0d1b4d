package vm

import "alvos/src/defs"
import "alvos/src/util"

// Ubuf_i is the interface between copyin/copyout users and the memory
// that backs them, either a real user mapping or a kernel buffer.
type Ubuf_i interface {
	Uioread(dst []uint8) (int, defs.Err_t)
	Uiowrite(src []uint8) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Userbuf_t references a bounded window of user memory.
type Userbuf_t struct {
	as  *Aspace_t
	uva defs.Va_t
	off int
	len int
}

// Mkuserbuf returns a Userbuf_t over [uva, uva+len).
func (as *Aspace_t) Mkuserbuf(uva defs.Va_t, len int) *Userbuf_t {
	return &Userbuf_t{as: as, uva: uva, len: len}
}

// Remain returns the unread portion of the window.
func (ub *Userbuf_t) Remain() int {
	return ub.len - ub.off
}

// Totalsz returns the window size.
func (ub *Userbuf_t) Totalsz() int {
	return ub.len
}

// Uioread copies from user memory into dst, advancing the window.
func (ub *Userbuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	did := 0
	for len(dst) != 0 && ub.Remain() != 0 {
		src, err := ub.as.Userdmap8(ub.uva + defs.Va_t(ub.off))
		if err != 0 {
			return did, err
		}
		c := util.Min(util.Min(len(dst), len(src)), ub.Remain())
		copy(dst, src[:c])
		dst = dst[c:]
		ub.off += c
		did += c
	}
	return did, 0
}

// Uiowrite copies src into user memory, advancing the window.
func (ub *Userbuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	did := 0
	for len(src) != 0 && ub.Remain() != 0 {
		dst, err := ub.as.Userdmap8(ub.uva + defs.Va_t(ub.off))
		if err != 0 {
			return did, err
		}
		c := util.Min(util.Min(len(src), len(dst)), ub.Remain())
		copy(dst, src[:c])
		src = src[c:]
		ub.off += c
		did += c
	}
	return did, 0
}

// Fakeubuf_t is a kernel-memory Ubuf_i used by tests and by kernel
// callers of interfaces that normally take user windows.
type Fakeubuf_t struct {
	buf []uint8
	off int
}

// Fake_init points the buffer at v.
func (fb *Fakeubuf_t) Fake_init(v []uint8) {
	fb.buf = v
}

// Remain returns the unconsumed byte count.
func (fb *Fakeubuf_t) Remain() int {
	return len(fb.buf) - fb.off
}

// Totalsz returns the buffer size.
func (fb *Fakeubuf_t) Totalsz() int {
	return len(fb.buf)
}

// Uioread copies out of the buffer.
func (fb *Fakeubuf_t) Uioread(dst []uint8) (int, defs.Err_t) {
	c := util.Min(len(dst), fb.Remain())
	copy(dst, fb.buf[fb.off:fb.off+c])
	fb.off += c
	return c, 0
}

// Uiowrite copies into the buffer.
func (fb *Fakeubuf_t) Uiowrite(src []uint8) (int, defs.Err_t) {
	c := util.Min(len(src), fb.Remain())
	copy(fb.buf[fb.off:], src[:c])
	fb.off += c
	return c, 0
}
