// Command alvos plays the loader: it synthesizes a Multiboot2 handoff
// from a machine description, boots the kernel core, lets it run for a
// while, and prints the kernel log.
package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/charmbracelet/x/ansi"
	"gopkg.in/yaml.v3"

	"alvos/src/boot"
	"alvos/src/defs"
	"alvos/src/kernel"
	"alvos/src/stats"
)

// Machineconf_t describes the synthetic machine.
type Machineconf_t struct {
	Name  string `yaml:"name"`
	RamMB int    `yaml:"ram_mb"`
	Fb    struct {
		W   uint32 `yaml:"width"`
		H   uint32 `yaml:"height"`
		Bpp uint8  `yaml:"bpp"`
	} `yaml:"framebuffer"`
	// how much virtual time to run, in seconds
	RunSecs int `yaml:"run_secs"`
}

func defaults() Machineconf_t {
	var c Machineconf_t
	c.Name = "alvos"
	c.RamMB = 64
	c.Fb.W = 1024
	c.Fb.H = 768
	c.Fb.Bpp = 32
	c.RunSecs = 2
	return c
}

func loadconf(path string) (Machineconf_t, error) {
	c := defaults()
	if path == "" {
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(data, &c); err != nil {
		return c, err
	}
	return c, nil
}

// mkimage builds the loader handoff: one big available region with a
// framebuffer carved from the top of RAM.
func mkimage(c Machineconf_t) ([]uint8, boot.Fbinfo_t) {
	ram := uint64(c.RamMB) << 20
	pitch := c.Fb.W * uint32(c.Fb.Bpp) / 8
	fbsize := uint64(pitch) * uint64(c.Fb.H)
	fbaddr := (ram - fbsize) &^ 0xfff

	fb := boot.Fbinfo_t{
		Addr:  fbaddr,
		Pitch: pitch,
		W:     c.Fb.W,
		H:     c.Fb.H,
		Bpp:   c.Fb.Bpp,
	}
	var ib boot.Imagebuilder_t
	ib.Addmmap([]boot.Mmapent_t{
		{Base: 0, Len: ram, Type: boot.MMAP_AVAIL},
	})
	ib.Addframebuffer(fb)
	return ib.Image(), fb
}

func levelstyle(l slog.Level) ansi.Style {
	switch {
	case l >= slog.LevelError:
		return ansi.Style{}.ForegroundColor(ansi.Red).Bold()
	case l >= slog.LevelWarn:
		return ansi.Style{}.ForegroundColor(ansi.Yellow)
	case l <= slog.LevelDebug:
		return ansi.Style{}.ForegroundColor(ansi.BrightBlack)
	}
	return ansi.Style{}
}

func main() {
	confpath := flag.String("config", "", "machine description (yaml)")
	flag.Parse()

	conf, err := loadconf(*confpath)
	if err != nil {
		log.Fatal(err)
	}
	img, _ := mkimage(conf)

	k := kernel.Mkkernel()
	runticks := conf.RunSecs * defs.TIMER_HZ
	mainloop := func(_ any) {
		for i := 0; i < runticks; i++ {
			k.Tick()
		}
		st := k.Heap.Stats()
		slog.Info("heap", "used", st.Used, "free", st.Free,
			"blocks", st.Freeblocks, "largest", st.Largest,
			"frag", st.Fragpct)
		slog.Info("interrupts", "total", stats.Irqs,
			"timer", stats.Nirqs[defs.VEC_TIMER])
	}
	if err := k.Boot(defs.MULTIBOOT2_MAGIC, img, mainloop); err != 0 {
		log.Fatalf("boot failed: errno %d", -err)
	}
	if err := k.Start(); err != 0 {
		log.Fatalf("start failed: errno %d", -err)
	}
	k.Wait()
	k.Shutdown()

	for _, rec := range k.Ring.Drain() {
		line := rec.Msg
		if rec.Attrs != "" {
			line += "  " + rec.Attrs
		}
		fmt.Println(levelstyle(rec.Level).Styled(line))
	}
	if d := k.Ring.Drops(); d > 0 {
		fmt.Printf("(%d log records dropped)\n", d)
	}
}
