package app

import (
	"fmt"
	"io"

	"kestrel/kernel"
	"kestrel/kernel/klog"
	"kestrel/kernel/machine"
)

const monitorHelp = "monitor: p tasks, s stats, y reschedule, l log level, q halt"

var monitorLevels = []string{"warn", "info", "debug", "stats"}

// monitor is a single-key debug shell on the serial line.
type monitor struct {
	k     *kernel.Kernel
	out   io.Writer
	level int
}

// run reads keys from in until it fails or the kernel halts.
func (m *monitor) run(in io.Reader) {
	fmt.Fprintln(m.out, monitorHelp)
	var buf [1]byte
	for {
		n, err := in.Read(buf[:])
		if err != nil {
			return
		}
		select {
		case <-m.k.Done():
			return
		default:
		}
		if n == 1 {
			m.command(buf[0])
		}
	}
}

func (m *monitor) command(key byte) {
	switch key {
	case 'p':
		for _, t := range m.k.Tasks() {
			fmt.Fprintln(m.out, t)
		}
	case 's':
		st := m.k.Stats()
		fmt.Fprintf(m.out, "ticks=%d switches=%d idle=%d ready=%d tasks=%d mem=%d\n",
			st.Ticks, st.Switches, st.IdleSpawns, st.Ready, st.Tasks, st.MemInUse)
		for i, c := range st.Cores {
			fmt.Fprintf(m.out, "core %d: switches=%d cr3=%d traps=%d\n", i, c.Switches, c.PageTableLoads, c.Traps)
		}
	case 'y':
		for i := range m.k.Machine().Cores() {
			m.k.Machine().Core(i).Raise(machine.IRQSoftware)
		}
	case 'l':
		m.level = (m.level + 1) % len(monitorLevels)
		mask, _ := klog.Level(monitorLevels[m.level])
		m.k.Log().SetMask(mask)
		fmt.Fprintf(m.out, "log level %s\n", monitorLevels[m.level])
	case 'q':
		fmt.Fprintln(m.out, "halting")
		m.k.Halt()
	case '\r', '\n', ' ':
	default:
		fmt.Fprintln(m.out, monitorHelp)
	}
}
