package probe

import (
	"fmt"
	"sync/atomic"

	"github.com/go-probe/probe/pkg/arch"
)

// State describes whether the trap instruction for a descriptor is
// currently live at its address.
type State int32

const (
	// Unarmed: the original bytes are in place.
	Unarmed State = iota
	// Arming: the patch protocol that installs the trap is in flight. A
	// trap observed in this state is transitional: the old logical
	// instruction is still the original one, so handlers must not run.
	Arming
	// Armed: the trap is fully installed.
	Armed
	// Disarming: the patch protocol that removes the trap is in flight.
	// A trap observed in this state still belongs to the probe.
	Disarming
)

func (s State) String() string {
	switch s {
	case Unarmed:
		return "Unarmed"
	case Arming:
		return "Arming"
	case Armed:
		return "Armed"
	case Disarming:
		return "Disarming"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ResumePolicy selects how execution resumes after a probe's handlers
// ran. It is decided once, at install time, from the classifier verdict.
type ResumePolicy int

const (
	// ResumeStep executes the relocated copy out of line and re-traps at
	// its end.
	ResumeStep ResumePolicy = iota
	// ResumeEmulate computes the instruction's effect directly.
	ResumeEmulate
	// ResumeBoost jumps into a relocated copy that ends with a
	// synthesized jump back, avoiding a second trap.
	ResumeBoost
)

func (p ResumePolicy) String() string {
	switch p {
	case ResumeStep:
		return "step"
	case ResumeEmulate:
		return "emulate"
	case ResumeBoost:
		return "boost"
	}
	return fmt.Sprintf("ResumePolicy(%d)", int(p))
}

// Action is returned by a pre-handler to direct resumption.
type Action int

const (
	// Resume executes (or emulates) the original instruction normally.
	Resume Action = iota
	// SkipInstruction declares that the handler fully replaced the
	// effect of the original instruction; execution continues directly
	// after it.
	SkipInstruction
)

// PreHandler runs before the probed instruction. ctx is the faulting
// execution context; addr is the probed address.
type PreHandler func(ctx arch.Context, addr uint64) Action

// PostHandler runs after the probed instruction's effect is complete.
type PostHandler func(ctx arch.Context, addr uint64)

// handlerEntry is one registered {pre, post} pair in a descriptor's
// chain. The chain itself is copy-on-write; entries are immutable except
// for the enabled flag.
type handlerEntry struct {
	id      int
	pre     PreHandler
	post    PostHandler
	enabled *atomic.Bool
}

// Descriptor is the engine's record of one probed address. One exists
// per distinct address; independently registered probes at the same
// address aggregate their handlers into its chain.
type Descriptor struct {
	addr   uint64
	symbol string

	// origBytes are the bytes replaced by the trap instruction, sized to
	// the trap opcode width.
	origBytes []byte
	// insnBytes is the full original instruction, used to build the
	// relocated slot and to verify restoration.
	insnBytes []byte
	verdict   arch.Verdict
	policy    ResumePolicy

	// slot holds the verified-safe relocated copy of the original
	// instruction. Owned exclusively by this descriptor; returned to the
	// pool only after quiescence.
	slot *Slot

	state atomic.Int32

	// chain holds []handlerEntry. Read lock-free from the trap path,
	// replaced wholesale under the registry's modification lock.
	chain atomic.Value

	// detour is non-nil while the descriptor is optimized into a direct
	// jump; it names the detour slot the jump lands in. Read from the
	// trap path, written under the registry lock.
	detour atomic.Pointer[Slot]

	hitCount  atomic.Uint64
	missCount atomic.Uint64
}

// Addr returns the probed address.
func (d *Descriptor) Addr() uint64 { return d.addr }

// State returns the descriptor's current arming state.
func (d *Descriptor) State() State {
	return State(d.state.Load())
}

func (d *Descriptor) setState(s State) {
	d.state.Store(int32(s))
}

// Optimized reports whether the trap has been replaced by a direct jump.
func (d *Descriptor) Optimized() bool {
	return d.detour.Load() != nil
}

func (d *Descriptor) handlers() []handlerEntry {
	c, _ := d.chain.Load().([]handlerEntry)
	return c
}

func (d *Descriptor) setHandlers(c []handlerEntry) {
	d.chain.Store(c)
}

// hasPostHandler reports whether any entry in the chain carries a
// post-handler. Optimization is incompatible with post-handlers.
func (d *Descriptor) hasPostHandler() bool {
	for _, h := range d.handlers() {
		if h.post != nil {
			return true
		}
	}
	return false
}

// enabledCount returns the number of enabled entries in the chain.
func (d *Descriptor) enabledCount() int {
	n := 0
	for _, h := range d.handlers() {
		if h.enabled.Load() {
			n++
		}
	}
	return n
}

// insnEnd returns the address of the instruction following the probed
// one.
func (d *Descriptor) insnEnd() uint64 {
	return d.addr + uint64(len(d.insnBytes))
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("probe at %#x (%s) %s policy=%s hits=%d missed=%d",
		d.addr, d.symbol, d.State(), d.policy, d.hitCount.Load(), d.missCount.Load())
}

// Registration is the caller's handle to one registered {pre, post}
// pair. It is returned by Register and consumed by Unregister.
type Registration struct {
	e    *Engine
	addr uint64
	id   int
}

// Addr returns the address the registration probes.
func (r *Registration) Addr() uint64 { return r.addr }
