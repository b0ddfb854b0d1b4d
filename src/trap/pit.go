package trap

import "alvos/src/cpu"
import "alvos/src/defs"

// 8253 PIT ports. Only channel 0 matters to the kernel; it drives the
// scheduler tick.
const (
	pitch0  uint16 = 0x40
	pitch1  uint16 = 0x41
	pitch2  uint16 = 0x42
	pitctl  uint16 = 0x43
	pitfreq        = 1193182
)

// Pit_t models the 8253 channel-0 reload register so the boot
// sequencer's divisor programming is observable.
type Pit_t struct {
	mode    uint8
	reload  uint16
	loadlow bool
	loaded  bool
}

// Mkpit returns an unprogrammed PIT.
func Mkpit() *Pit_t {
	return &Pit_t{}
}

// Attach claims the PIT ports on the bus.
func (p *Pit_t) Attach(c *cpu.Cpu_t) {
	c.Register(p, pitch0, pitch1, pitch2, pitctl)
}

// ReadIOPort implements cpu.Porthandler_i.
func (p *Pit_t) ReadIOPort(port uint16, data []uint8) defs.Err_t {
	if len(data) != 1 {
		return -defs.EINVAL
	}
	if port == pitch0 {
		if p.loadlow {
			data[0] = uint8(p.reload >> 8)
		} else {
			data[0] = uint8(p.reload)
		}
		p.loadlow = !p.loadlow
	}
	return 0
}

// WriteIOPort implements cpu.Porthandler_i.
func (p *Pit_t) WriteIOPort(port uint16, data []uint8) defs.Err_t {
	if len(data) != 1 {
		return -defs.EINVAL
	}
	v := data[0]
	switch port {
	case pitctl:
		p.mode = v
		p.loadlow = false
	case pitch0:
		if p.loadlow {
			p.reload = p.reload&0x00ff | uint16(v)<<8
			p.loaded = true
		} else {
			p.reload = p.reload&0xff00 | uint16(v)
		}
		p.loadlow = !p.loadlow
	}
	return 0
}

// Hz returns the programmed channel-0 rate, zero before programming.
func (p *Pit_t) Hz() int {
	if !p.loaded || p.reload == 0 {
		return 0
	}
	return pitfreq / int(p.reload)
}

// Divisor returns the channel-0 reload value.
func (p *Pit_t) Divisor() uint16 {
	return p.reload
}
