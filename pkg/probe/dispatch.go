package probe

import (
	"fmt"
	"sync/atomic"

	"github.com/go-probe/probe/pkg/arch"
)

// Status is the per-processor dispatch state.
type Status int32

const (
	// StatusIdle: not servicing a trap.
	StatusIdle Status = iota
	// StatusHandlerActive: pre-handlers are running.
	StatusHandlerActive
	// StatusStepping: execution was transferred into a relocated slot
	// and the transient trap at its end has not fired yet.
	StatusStepping
	// StatusStepDone: the transient trap fired; post-handlers run and
	// the resumption address is fixed up.
	StatusStepDone
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusHandlerActive:
		return "HandlerActive"
	case StatusStepping:
		return "Stepping"
	case StatusStepDone:
		return "StepDone"
	}
	return fmt.Sprintf("Status(%d)", int32(s))
}

// TrapControlBlock is the per-processor dispatch state machine. It is
// only ever written by its own processor; the sequence counter is read
// by the grace-period wait.
type TrapControlBlock struct {
	cpu    int
	status Status
	active *Descriptor

	// depth counts nested dispatcher activations on this processor
	// (a trap delivered while handlers for an earlier one still run).
	depth int

	// seq is odd while this processor is inside the dispatcher. It flips
	// only at the outermost activation: a reentrant delivery must not
	// close the grace period the outer dispatch holds open.
	seq atomic.Uint64
}

func (t *TrapControlBlock) enter() {
	t.depth++
	if t.depth == 1 {
		t.seq.Add(1)
	}
}

func (t *TrapControlBlock) exit() {
	if t.depth == 1 {
		t.seq.Add(1)
	}
	t.depth--
}

func (t *TrapControlBlock) clear() {
	t.status = StatusIdle
	t.active = nil
}

// Outcome is the dispatcher's answer to a trap delivery.
type Outcome int

const (
	// NotMine: the trap was not installed by this engine; the caller
	// should forward it to whatever else handles traps.
	NotMine Outcome = iota
	// Handled: the execution context has been adjusted and can resume.
	Handled
)

// Trap is the engine's trap-delivery entry point. The surrounding system
// calls it on whichever processor faulted, with the faulting address in
// ctx. This path never blocks, never allocates and never takes a lock:
// it may be running in a context where any of those would deadlock.
func (e *Engine) Trap(cpu int, ctx arch.Context) Outcome {
	if cpu < 0 || cpu >= len(e.tcbs) {
		return NotMine
	}
	t := e.tcbs[cpu]
	t.enter()
	defer t.exit()

	addr := ctx.PC()
	if e.pool.contains(addr) {
		return e.slotTrap(t, ctx, addr)
	}

	d := e.reg.lookup(addr)
	if d == nil {
		return NotMine
	}

	switch d.State() {
	case Unarmed, Arming:
		// Transitional window: the trap marker is (or was just) in
		// place, but the old logical instruction is still the original
		// one. Emulate it without running handlers.
		e.resumeOriginal(d, ctx)
		return Handled
	}
	// Armed, or Disarming with the marker still live: the old logical
	// instruction is the probed one, so the probe fires.

	if t.status != StatusIdle {
		// A trap fired while already servicing one. Never recurse into
		// handler logic from here; count the miss and move on.
		d.missCount.Add(1)
		e.resumeOriginal(d, ctx)
		return Handled
	}

	t.status = StatusHandlerActive
	t.active = d

	chain := d.handlers()
	skip := false
	for i := range chain {
		h := &chain[i]
		if h.pre != nil && h.enabled.Load() {
			if h.pre(ctx, d.addr) == SkipInstruction {
				skip = true
			}
		}
	}
	d.hitCount.Add(1)

	if skip {
		// A handler replaced the instruction's effect itself.
		runPosts(chain, ctx, d.addr)
		ctx.SetPC(d.insnEnd())
		t.clear()
		return Handled
	}

	switch d.policy {
	case ResumeEmulate:
		d.verdict.Emulator(ctx, d.addr)
		runPosts(chain, ctx, d.addr)
		t.clear()
	case ResumeBoost:
		// The slot ends in a synthesized jump back; no second trap will
		// fire, so post-handlers run here, before the transfer.
		runPosts(chain, ctx, d.addr)
		ctx.SetPC(d.slot.addr)
		t.clear()
	case ResumeStep:
		ctx.SetPC(d.slot.addr)
		t.status = StatusStepping
	}
	return Handled
}

// slotTrap handles a trap inside the slot pool: either the transient
// trap that ends a single-step, or a stray entry into a slot (reentrant
// resume, scrubbed slot).
func (e *Engine) slotTrap(t *TrapControlBlock, ctx arch.Context, addr uint64) Outcome {
	d := e.reg.lookupSlot(e.pool.slotBase(addr))
	if d == nil {
		// Scrubbed or unowned slot. Not ours to resume.
		return NotMine
	}
	if t.status == StatusStepping && t.active == d {
		t.status = StatusStepDone
		runPosts(d.handlers(), ctx, d.addr)
		ctx.SetPC(d.insnEnd())
		t.clear()
		return Handled
	}
	// A reentrant resume finished executing the relocated copy; just fix
	// up the resumption address.
	ctx.SetPC(d.insnEnd())
	return Handled
}

// resumeOriginal advances the context past the probed address as if the
// original instruction executed, without running any handlers. Used for
// transitional and reentrant hits.
func (e *Engine) resumeOriginal(d *Descriptor, ctx arch.Context) {
	if d.verdict.Emulator != nil {
		d.verdict.Emulator(ctx, d.addr)
		return
	}
	// Execute the relocated copy. A boost slot jumps back by itself; a
	// step slot re-traps at its end and slotTrap fixes the resumption
	// address up.
	ctx.SetPC(d.slot.addr)
}

// Callout is the entry point for detour trampolines synthesized by the
// optimizer: the surrounding system calls it when execution reaches a
// detour slot's first address. It returns false if addr is not a detour
// this engine owns.
func (e *Engine) Callout(cpu int, ctx arch.Context, addr uint64) bool {
	if cpu < 0 || cpu >= len(e.tcbs) || !e.pool.contains(addr) {
		return false
	}
	d := e.reg.lookupSlot(e.pool.slotBase(addr))
	if d == nil {
		return false
	}
	det := d.detour.Load()
	if det == nil || det.addr != addr {
		return false
	}

	t := e.tcbs[cpu]
	t.enter()
	defer t.exit()

	if t.status != StatusIdle {
		// Reentrant arrival: run no handlers and fall through into the
		// detour body, so the relocated copy and its jump back still
		// execute the original instruction's effect.
		d.missCount.Add(1)
		return true
	}
	t.status = StatusHandlerActive
	t.active = d

	chain := d.handlers()
	skip := false
	for i := range chain {
		h := &chain[i]
		if h.pre != nil && h.enabled.Load() {
			if h.pre(ctx, d.addr) == SkipInstruction {
				skip = true
			}
		}
	}
	d.hitCount.Add(1)

	if skip {
		ctx.SetPC(d.insnEnd())
	}
	// Otherwise execution continues with the relocated copy in the
	// detour, which ends in a jump back. Optimized probes have no
	// post-handlers by construction.
	t.clear()
	return true
}

func runPosts(chain []handlerEntry, ctx arch.Context, addr uint64) {
	for i := range chain {
		h := &chain[i]
		if h.post != nil && h.enabled.Load() {
			h.post(ctx, addr)
		}
	}
}
