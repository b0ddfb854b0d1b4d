// Package boot understands the Multiboot2 handoff: the tag list the
// loader passes, and the checks run before the first context switch.
package boot

import "alvos/src/cpu"
import "alvos/src/defs"
import "alvos/src/util"

// Multiboot2 tag types the kernel consumes. All other tags are
// ignored.
const (
	tagend         uint32 = 0
	tagmmap        uint32 = 6
	tagframebuffer uint32 = 8

	// available RAM in a memory-map entry
	MMAP_AVAIL uint32 = 1
)

// Mmapent_t is one loader memory-map entry.
type Mmapent_t struct {
	Base uint64
	Len  uint64
	Type uint32
}

// Fbinfo_t is the loader's framebuffer description.
type Fbinfo_t struct {
	Addr  uint64
	Pitch uint32
	W     uint32
	H     uint32
	Bpp   uint8
}

// Bootinfo_t is everything the kernel keeps from the tag list.
type Bootinfo_t struct {
	Mmap  []Mmapent_t
	Fb    Fbinfo_t
	Hasfb bool
}

// tag headers are a fixed header plus a payload slice whose length
// comes from the header
func tagat(img []uint8, off int) (uint32, int, bool) {
	if off+8 > len(img) {
		return 0, 0, false
	}
	typ := uint32(util.Readn(img, 4, off))
	size := util.Readn(img, 4, off+4)
	if size < 8 || off+size > len(img) {
		return 0, 0, false
	}
	return typ, size, true
}

// Parse validates the loader magic and walks the tag list, extracting
// the memory map and framebuffer tags.
func Parse(magic uint32, img []uint8) (*Bootinfo_t, defs.Err_t) {
	if magic != defs.MULTIBOOT2_MAGIC {
		return nil, -defs.EINVAL
	}
	if len(img) < 8 {
		return nil, -defs.EINVAL
	}
	total := util.Readn(img, 4, 0)
	if total < 8 || total > len(img) {
		return nil, -defs.EINVAL
	}
	bi := &Bootinfo_t{}
	off := 8
	for off+8 <= total {
		typ, size, ok := tagat(img, off)
		if !ok {
			return nil, -defs.EINVAL
		}
		switch typ {
		case tagend:
			return bi, 0
		case tagmmap:
			if err := bi.parsemmap(img[off : off+size]); err != 0 {
				return nil, err
			}
		case tagframebuffer:
			if err := bi.parsefb(img[off : off+size]); err != 0 {
				return nil, err
			}
		}
		off += util.Roundup(size, 8)
	}
	return bi, 0
}

func (bi *Bootinfo_t) parsemmap(tag []uint8) defs.Err_t {
	if len(tag) < 16 {
		return -defs.EINVAL
	}
	entsz := util.Readn(tag, 4, 8)
	if entsz < 24 {
		return -defs.EINVAL
	}
	for off := 16; off+entsz <= len(tag); off += entsz {
		bi.Mmap = append(bi.Mmap, Mmapent_t{
			Base: uint64(util.Readn(tag, 8, off)),
			Len:  uint64(util.Readn(tag, 8, off+8)),
			Type: uint32(util.Readn(tag, 4, off+16)),
		})
	}
	return 0
}

func (bi *Bootinfo_t) parsefb(tag []uint8) defs.Err_t {
	if len(tag) < 31 {
		return -defs.EINVAL
	}
	bi.Fb = Fbinfo_t{
		Addr:  uint64(util.Readn(tag, 8, 8)),
		Pitch: uint32(util.Readn(tag, 4, 16)),
		W:     uint32(util.Readn(tag, 4, 20)),
		H:     uint32(util.Readn(tag, 4, 24)),
		Bpp:   uint8(util.Readn(tag, 1, 28)),
	}
	bi.Hasfb = true
	return 0
}

// Imagebuilder_t assembles a Multiboot2 tag list, the loader's half of
// the handoff. The harness and the tests are the loader here.
type Imagebuilder_t struct {
	tags []uint8
}

func (ib *Imagebuilder_t) tag(typ uint32, payload []uint8) {
	sz := 8 + len(payload)
	hdr := make([]uint8, 8)
	util.Writen(hdr, 4, 0, int(typ))
	util.Writen(hdr, 4, 4, sz)
	ib.tags = append(ib.tags, hdr...)
	ib.tags = append(ib.tags, payload...)
	for len(ib.tags)%8 != 0 {
		ib.tags = append(ib.tags, 0)
	}
}

// Addmmap appends a memory-map tag.
func (ib *Imagebuilder_t) Addmmap(ents []Mmapent_t) {
	pl := make([]uint8, 8+24*len(ents))
	util.Writen(pl, 4, 0, 24) // entry size
	util.Writen(pl, 4, 4, 0)  // entry version
	for i, e := range ents {
		o := 8 + 24*i
		util.Writen(pl, 8, o, int(e.Base))
		util.Writen(pl, 8, o+8, int(e.Len))
		util.Writen(pl, 4, o+16, int(e.Type))
	}
	ib.tag(tagmmap, pl)
}

// Addframebuffer appends a framebuffer tag.
func (ib *Imagebuilder_t) Addframebuffer(fb Fbinfo_t) {
	pl := make([]uint8, 24)
	util.Writen(pl, 8, 0, int(fb.Addr))
	util.Writen(pl, 4, 8, int(fb.Pitch))
	util.Writen(pl, 4, 12, int(fb.W))
	util.Writen(pl, 4, 16, int(fb.H))
	util.Writen(pl, 1, 20, int(fb.Bpp))
	pl[21] = 1 // direct RGB
	ib.tag(tagframebuffer, pl)
}

// Image finalizes the tag list.
func (ib *Imagebuilder_t) Image() []uint8 {
	ib.tag(tagend, nil)
	img := make([]uint8, 8+len(ib.tags))
	util.Writen(img, 4, 0, len(img))
	copy(img[8:], ib.tags)
	return img
}

// Validatectx runs the checks §the sequencer applies to the first
// task's context before the jump: non-null EIP and ESP, the kernel
// selectors, a 16-byte aligned stack (fixed up when it is not), and
// sanitised EFLAGS.
func Validatectx(ctx *cpu.Context_t) defs.Err_t {
	if ctx.Eip == 0 || ctx.Esp == 0 {
		return -defs.EINVAL
	}
	if ctx.Cs != defs.SEG_KCODE || ctx.Ds != defs.SEG_KDATA ||
		ctx.Ss != defs.SEG_KDATA {
		return -defs.EINVAL
	}
	if !util.Aligned(ctx.Esp, 16) {
		ctx.Esp = util.Rounddown(ctx.Esp, 16)
	}
	ctx.Eflags = (ctx.Eflags & defs.EFL_SANE) | defs.EFL_INIT
	return 0
}
