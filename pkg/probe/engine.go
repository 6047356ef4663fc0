// Package probe implements a breakpoint-based instrumentation engine: it
// installs trap instructions into a live, concurrently executing text
// image, dispatches to registered handlers when a trap fires, and
// resumes the original execution, without ever letting a processor
// observe a half-patched instruction.
package probe

import (
	"fmt"
	"runtime"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-probe/probe/pkg/arch"
	"github.com/go-probe/probe/pkg/logflags"
	"github.com/go-probe/probe/pkg/mem"
)

// Quiescer waits for processors to vacate an address range. It is used
// before an instruction slot is reused: quiescence of the dispatcher
// alone does not cover a processor that already resumed into a slot.
type Quiescer interface {
	// QuiesceRange blocks until no processor is executing inside
	// [lo, hi).
	QuiesceRange(lo, hi uint64)
}

// Options configures a new Engine.
type Options struct {
	Image   *mem.Image
	Arch    arch.Arch
	Barrier Barrier
	// Quiescer may be nil if the caller can guarantee no processor
	// resumes into slots (single-context tests).
	Quiescer Quiescer
	// NumCPU is the number of processors traps can be delivered from.
	NumCPU int

	// PoolAddr/PoolSize reserve the instruction slot region inside
	// Image. The region is automatically excluded from probing.
	PoolAddr uint64
	PoolSize int

	Symbols     []Symbol
	DenySymbols []string
	DenyRanges  [][2]uint64

	DisableBoost     bool
	DisableOptimizer bool
	OptimizeInterval time.Duration
}

// Engine ties together the registry, the patcher, the slot pool, the
// per-processor trap control blocks and the optimizer.
type Engine struct {
	arch     arch.Arch
	img      *mem.Image
	pool     *slotPool
	patcher  *patcher
	reg      *registry
	tcbs     []*TrapControlBlock
	quiescer Quiescer
	opt      *optimizer

	disableBoost bool

	log *logrus.Entry
}

// New creates an Engine over the given image. The barrier and quiescer
// are consumed, never implemented: they belong to the surrounding
// system.
func New(opts Options) (*Engine, error) {
	if opts.Image == nil || opts.Arch == nil || opts.Barrier == nil {
		return nil, fmt.Errorf("probe: Image, Arch and Barrier are required")
	}
	if opts.NumCPU <= 0 {
		return nil, fmt.Errorf("probe: NumCPU must be positive, got %d", opts.NumCPU)
	}

	a := opts.Arch
	slotCap := a.MaxInstructionLength() + a.JumpSize()
	pool, err := newSlotPool(opts.Image, opts.PoolAddr, opts.PoolSize, slotCap, a.BreakpointInstruction()[0])
	if err != nil {
		return nil, err
	}

	e := &Engine{
		arch:         a,
		img:          opts.Image,
		pool:         pool,
		patcher:      newPatcher(opts.Image, opts.Barrier, a.BreakpointInstruction()[0]),
		reg:          newRegistry(opts.Symbols),
		quiescer:     opts.Quiescer,
		disableBoost: opts.DisableBoost,
		log:          logflags.RegistryLogger(),
	}
	e.tcbs = make([]*TrapControlBlock, opts.NumCPU)
	for i := range e.tcbs {
		e.tcbs[i] = &TrapControlBlock{cpu: i}
	}

	for _, name := range opts.DenySymbols {
		e.reg.denyName(name)
	}
	for _, rr := range opts.DenyRanges {
		e.reg.denyRange(rr[0], rr[1])
	}
	// The engine's own slots must never be probed.
	e.reg.denyRange(opts.PoolAddr, opts.PoolAddr+uint64(opts.PoolSize))

	interval := opts.OptimizeInterval
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	e.opt = newOptimizer(e, interval)
	if !opts.DisableOptimizer {
		e.opt.start()
	}
	return e, nil
}

// Close stops the optimizer. Registered probes stay armed.
func (e *Engine) Close() {
	e.opt.stop()
}

// Register installs a probe at addr. pre runs before the probed
// instruction and may direct resumption; post runs after its effect is
// complete. If a probe already exists at addr the handlers are appended
// to its chain, in registration order, sharing the existing patch point.
func (e *Engine) Register(addr uint64, pre PreHandler, post PostHandler) (*Registration, error) {
	if pre == nil && post == nil {
		return nil, fmt.Errorf("probe: registration at %#x has no handlers", addr)
	}

	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()

	if _, ok := e.reg.draining[addr]; ok {
		return nil, AlreadyDisarmingError{Addr: addr}
	}
	if reason, excluded := e.reg.excluded(addr); excluded {
		return nil, UnprobeableError{Addr: addr, Reason: reason}
	}
	if e.pool.contains(addr) {
		return nil, UnprobeableError{Addr: addr, Reason: "address is inside the instruction slot pool"}
	}

	entry := handlerEntry{id: e.reg.nextID(), pre: pre, post: post, enabled: newEnabled()}

	if d := e.reg.lookup(addr); d != nil {
		// Aggregation: a second registration shares the patch point.
		if post != nil && d.Optimized() {
			// Post-handlers need precise instruction-boundary trapping,
			// which the jump-based form cannot provide.
			e.unoptimize(d)
		}
		chain := append(append([]handlerEntry{}, d.handlers()...), entry)
		d.setHandlers(chain)
		if d.State() == Unarmed {
			if err := e.arm(d); err != nil {
				d.setHandlers(chain[:len(chain)-1])
				return nil, err
			}
		}
		e.opt.consider(d)
		e.log.Debugf("aggregated handler %d onto probe at %#x", entry.id, addr)
		return &Registration{e: e, addr: addr, id: entry.id}, nil
	}

	// A new probe inside an optimized probe's jump shadow forces that
	// probe back to its trap form first.
	for _, od := range e.reg.all() {
		if od.Optimized() && addr > od.addr && addr < od.insnEnd() {
			e.unoptimize(od)
		}
	}

	d, err := e.newDescriptor(addr)
	if err != nil {
		return nil, err
	}
	d.setHandlers([]handlerEntry{entry})
	e.reg.insert(d)
	if err := e.arm(d); err != nil {
		e.reg.remove(d)
		e.reg.drained(d)
		e.pool.release(d.slot)
		return nil, err
	}
	e.opt.consider(d)
	e.log.Debugf("registered probe at %#x (%s) policy=%s", addr, d.symbol, d.policy)
	return &Registration{e: e, addr: addr, id: entry.id}, nil
}

// newDescriptor classifies the instruction at addr, reserves a slot and
// builds the relocated copy. Caller holds the registry lock.
func (e *Engine) newDescriptor(addr uint64) (*Descriptor, error) {
	maxLen := e.arch.MaxInstructionLength()
	if !e.img.Mapped(addr, 1) {
		return nil, InvalidAddressError{Addr: addr}
	}
	if avail := int(e.img.Base() + e.img.Size() - addr); avail < maxLen {
		maxLen = avail
	}
	buf := make([]byte, maxLen)
	if err := e.img.ReadAt(buf, addr); err != nil {
		return nil, err
	}

	verdict, err := e.arch.Decode(buf, addr)
	if err != nil {
		return nil, UnprobeableError{Addr: addr, Reason: err.Error()}
	}
	if !verdict.SafeToRelocate && verdict.Emulator == nil {
		return nil, UnprobeableError{Addr: addr, Reason: "instruction can be neither relocated nor emulated"}
	}

	policy := ResumeStep
	switch {
	case verdict.Emulator != nil:
		policy = ResumeEmulate
	case verdict.Boostable && !e.disableBoost:
		policy = ResumeBoost
	}

	insn := buf[:verdict.Len]
	slot, err := e.pool.acquire(verdict.Len+e.arch.JumpSize(), addr)
	if err != nil {
		return nil, err
	}

	d := &Descriptor{
		addr:      addr,
		origBytes: append([]byte{}, insn[:e.arch.BreakpointSize()]...),
		insnBytes: append([]byte{}, insn...),
		verdict:   verdict,
		policy:    policy,
		slot:      slot,
	}
	if sym, ok := e.reg.symbolFor(addr); ok {
		d.symbol = sym.Name
	}
	if err := e.buildSlot(d); err != nil {
		e.pool.release(slot)
		return nil, err
	}
	return d, nil
}

// buildSlot writes the relocated instruction copy and its trailer into
// the descriptor's slot. The slot is not reachable yet, so plain writes
// are fine.
func (e *Engine) buildSlot(d *Descriptor) error {
	if err := e.img.WriteAt(d.insnBytes, d.slot.addr); err != nil {
		return err
	}
	end := d.slot.addr + uint64(len(d.insnBytes))
	if d.policy == ResumeBoost {
		// Synthesized return jump: no second trap needed.
		return e.img.WriteAt(e.arch.JumpInstruction(end, d.insnEnd()), end)
	}
	// Transient trap at the slot end completes a single-step.
	return e.img.WriteAt(e.arch.BreakpointInstruction(), end)
}

// arm installs the trap at d.addr. Caller holds the registry lock.
func (e *Engine) arm(d *Descriptor) error {
	d.setState(Arming)
	err := e.patcher.apply(PatchSite{
		Addr: d.addr,
		Old:  d.origBytes,
		New:  e.arch.BreakpointInstruction(),
	})
	if err != nil {
		d.setState(Unarmed)
		return err
	}
	d.setState(Armed)
	return nil
}

// disarm removes the trap at d.addr, restoring the original bytes.
// Caller holds the registry lock.
func (e *Engine) disarm(d *Descriptor) error {
	d.setState(Disarming)
	err := e.patcher.apply(PatchSite{
		Addr: d.addr,
		Old:  e.arch.BreakpointInstruction(),
		New:  d.origBytes,
	})
	if err != nil {
		d.setState(Armed)
		return err
	}
	return nil
}

// Unregister removes a registration. When the last registration at an
// address goes away the trap is removed, a quiescence wait runs, and
// only then are the descriptor and its slots destroyed. Unregistration
// is not a cancellation of the original apply: it is a symmetric apply
// in the opposite direction.
func (e *Engine) Unregister(r *Registration) error {
	if r == nil || r.e != e {
		return fmt.Errorf("probe: registration does not belong to this engine")
	}

	e.reg.mu.Lock()
	d := e.reg.lookup(r.addr)
	if d == nil {
		e.reg.mu.Unlock()
		return NoProbeError{Addr: r.addr}
	}
	old := d.handlers()
	chain := make([]handlerEntry, 0, len(old))
	var removed *handlerEntry
	for i := range old {
		if old[i].id == r.id {
			removed = &old[i]
			continue
		}
		chain = append(chain, old[i])
	}
	if removed == nil {
		e.reg.mu.Unlock()
		return NoProbeError{Addr: r.addr}
	}

	if len(chain) > 0 {
		d.setHandlers(chain)
		if removed.post != nil && !d.hasPostHandler() {
			e.opt.consider(d)
		}
		e.reg.mu.Unlock()
		return nil
	}

	// Last handler: tear the whole probe down.
	if d.Optimized() {
		e.unoptimize(d)
	}
	if d.State() == Armed {
		if err := e.disarm(d); err != nil {
			e.reg.mu.Unlock()
			return err
		}
	}
	e.reg.remove(d)
	e.reg.mu.Unlock()

	// The trap is gone, but a processor may still be inside the
	// dispatcher or a slot. Wait it out before reuse.
	e.synchronize()
	e.quiesceSlot(d.slot)

	e.reg.mu.Lock()
	e.reg.drained(d)
	e.pool.release(d.slot)
	d.setState(Unarmed)
	d.setHandlers([]handlerEntry{})
	e.reg.mu.Unlock()

	e.log.Debugf("unregistered probe at %#x", r.addr)
	return nil
}

// synchronize is the engine's grace period: it returns once every
// processor that was inside the dispatcher when it was called has left
// it. Per-processor sequence counters are odd while dispatching.
func (e *Engine) synchronize() {
	for _, t := range e.tcbs {
		s := t.seq.Load()
		if s&1 == 0 {
			continue
		}
		for t.seq.Load() == s {
			runtime.Gosched()
		}
	}
}

func (e *Engine) quiesceSlot(s *Slot) {
	if s == nil || e.quiescer == nil {
		return
	}
	e.quiescer.QuiesceRange(s.addr, s.addr+uint64(s.size))
}
