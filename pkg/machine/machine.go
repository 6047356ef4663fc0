// Package machine implements a simulated multiprocessor executing amd64
// code out of a mem.Image. It plays the role of the surrounding system
// the probe engine expects: it delivers traps to a handler,
// invokes detour callouts, and implements the cross-processor
// synchronization barrier and the range quiescence wait.
package machine

import (
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/arch/x86/x86asm"

	"github.com/go-probe/probe/pkg/arch"
	"github.com/go-probe/probe/pkg/logflags"
	"github.com/go-probe/probe/pkg/mem"
)

// TrapFunc is called when a CPU fetches a trap opcode. The context's PC
// is the address of the trap byte. It returns true if the trap was
// handled and the CPU should continue from the (possibly adjusted) PC.
type TrapFunc func(cpu int, ctx arch.Context) bool

// CalloutFunc is called when a CPU arrives at an address that may hold a
// synthesized trampoline. It returns true if a trampoline was there and
// ran; the CPU then continues from the context's PC without re-invoking
// the callout for it.
type CalloutFunc func(cpu int, ctx arch.Context, addr uint64) bool

// CPU is one simulated processor. Its fields are only written by its own
// goroutine; pc and boundary are read by barrier and quiescence waiters.
type CPU struct {
	id       int
	pc       atomic.Uint64
	boundary atomic.Uint64
	running  atomic.Bool

	calloutJust bool
	insns       uint64
	err         error
}

// PC returns the current program counter.
func (c *CPU) PC() uint64 { return c.pc.Load() }

// SetPC adjusts the program counter.
func (c *CPU) SetPC(v uint64) { c.pc.Store(v) }

// Machine is a set of CPUs sharing one text image.
type Machine struct {
	img      *mem.Image
	arch     arch.Arch
	trapByte byte
	cpus     []*CPU

	trap    TrapFunc
	callout CalloutFunc

	stop atomic.Bool
	wg   sync.WaitGroup

	log *logrus.Entry
}

// New creates a machine with ncpu processors over img.
func New(img *mem.Image, a arch.Arch, ncpu int) *Machine {
	m := &Machine{
		img:      img,
		arch:     a,
		trapByte: a.BreakpointInstruction()[0],
		cpus:     make([]*CPU, ncpu),
		log:      logflags.MachineLogger(),
	}
	for i := range m.cpus {
		m.cpus[i] = &CPU{id: i}
	}
	return m
}

// NumCPU returns the number of processors.
func (m *Machine) NumCPU() int { return len(m.cpus) }

// SetTrapHandler installs the trap-delivery entry point. Must be called
// before any CPU starts.
func (m *Machine) SetTrapHandler(fn TrapFunc) { m.trap = fn }

// SetCalloutHandler installs the trampoline callout entry point.
func (m *Machine) SetCalloutHandler(fn CalloutFunc) { m.callout = fn }

// RunCPU starts processor cpu executing at entry, restarting from entry
// after every RET, loops times in total.
func (m *Machine) RunCPU(cpu int, entry uint64, loops int) {
	c := m.cpus[cpu]
	c.running.Store(true)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer c.running.Store(false)
		for i := 0; i < loops && !m.stop.Load(); i++ {
			c.SetPC(entry)
			if err := m.execute(c); err != nil {
				c.err = err
				m.log.Errorf("cpu %d stopped: %v", c.id, err)
				return
			}
		}
	}()
}

// Stop asks all CPUs to halt at the next instruction boundary.
func (m *Machine) Stop() { m.stop.Store(true) }

// Wait blocks until every CPU has halted and returns the first CPU
// error, if any.
func (m *Machine) Wait() error {
	m.wg.Wait()
	for _, c := range m.cpus {
		if c.err != nil {
			return fmt.Errorf("cpu %d: %v", c.id, c.err)
		}
	}
	return nil
}

// Instructions returns the total number of instructions executed.
func (m *Machine) Instructions() uint64 {
	var n uint64
	for _, c := range m.cpus {
		n += c.insns
	}
	return n
}

// execute runs c until it executes a RET.
func (m *Machine) execute(c *CPU) error {
	for {
		if m.stop.Load() {
			return nil
		}
		c.boundary.Add(1)
		pc := c.PC()

		if m.callout != nil && !c.calloutJust {
			if m.callout(c.id, c, pc) {
				c.calloutJust = true
				continue
			}
		}
		c.calloutJust = false

		b, err := m.img.LoadByte(pc)
		if err != nil {
			return err
		}
		if b == m.trapByte {
			if m.trap != nil && m.trap(c.id, c) {
				continue
			}
			return fmt.Errorf("unhandled trap at %#x", pc)
		}

		done, err := m.step(c, pc)
		if err != nil {
			return err
		}
		c.insns++
		if done {
			return nil
		}
	}
}

// step fetches, decodes and executes one instruction at pc. The machine
// models control flow and nothing else: data-moving instructions only
// advance the program counter.
func (m *Machine) step(c *CPU, pc uint64) (done bool, err error) {
	buf := make([]byte, m.arch.MaxInstructionLength())
	if avail := int(m.img.Base() + m.img.Size() - pc); avail < len(buf) {
		buf = buf[:avail]
	}
	if err := m.img.ReadAt(buf, pc); err != nil {
		return false, err
	}
	inst, err := x86asm.Decode(buf, 64)
	if err != nil {
		return false, fmt.Errorf("cannot decode instruction at %#x: %v", pc, err)
	}

	switch inst.Op {
	case x86asm.RET:
		return true, nil
	case x86asm.JMP:
		rel, ok := inst.Args[0].(x86asm.Rel)
		if !ok {
			return false, fmt.Errorf("indirect jump at %#x not supported", pc)
		}
		c.SetPC(uint64(int64(pc) + int64(inst.Len) + int64(rel)))
		return false, nil
	case x86asm.CALL, x86asm.LCALL, x86asm.LJMP, x86asm.IRET, x86asm.SYSCALL:
		return false, fmt.Errorf("instruction %v at %#x not supported", inst.Op, pc)
	}
	// Conditional branches fall through (flags are not modeled); plain
	// instructions just advance.
	c.SetPC(pc + uint64(inst.Len))
	return false, nil
}

// Synchronize implements the cross-processor barrier: it returns once
// every running CPU has passed an instruction boundary after the call,
// so none can still be mid-fetch of bytes written before it.
func (m *Machine) Synchronize() {
	type snap struct {
		c *CPU
		b uint64
	}
	snaps := make([]snap, 0, len(m.cpus))
	for _, c := range m.cpus {
		if c.running.Load() {
			snaps = append(snaps, snap{c: c, b: c.boundary.Load()})
		}
	}
	for _, s := range snaps {
		for s.c.running.Load() && s.c.boundary.Load() == s.b {
			runtime.Gosched()
		}
	}
}

// QuiesceRange returns once no CPU is executing inside [lo, hi). Callers
// sever every entry path into the range first, so a CPU observed outside
// it cannot re-enter.
func (m *Machine) QuiesceRange(lo, hi uint64) {
	for _, c := range m.cpus {
		for c.running.Load() {
			pc := c.pc.Load()
			if pc < lo || pc >= hi {
				break
			}
			runtime.Gosched()
		}
	}
}
