package probe

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-probe/probe/pkg/logflags"
)

// optimizer asynchronously upgrades eligible trap-based probes to
// direct-jump probes: the trap instruction is replaced, through the same
// patch protocol, with an unconditional jump into a detour slot that
// runs the pre-handler chain and then the relocated instruction. This
// exists purely for throughput; engine correctness never depends on it
// running.
type optimizer struct {
	e        *Engine
	interval time.Duration

	mu     sync.Mutex
	queue  []*Descriptor
	queued map[*Descriptor]bool

	stopc chan struct{}
	done  chan struct{}

	log *logrus.Entry
}

func newOptimizer(e *Engine, interval time.Duration) *optimizer {
	return &optimizer{
		e:        e,
		interval: interval,
		queued:   make(map[*Descriptor]bool),
		log:      logflags.OptimizerLogger(),
	}
}

func (o *optimizer) start() {
	if o.stopc != nil {
		return
	}
	o.stopc = make(chan struct{})
	o.done = make(chan struct{})
	go o.loop()
}

func (o *optimizer) stop() {
	if o.stopc == nil {
		return
	}
	close(o.stopc)
	<-o.done
	o.stopc = nil
}

func (o *optimizer) loop() {
	defer close(o.done)
	tick := time.NewTicker(o.interval)
	defer tick.Stop()
	for {
		select {
		case <-o.stopc:
			return
		case <-tick.C:
			o.drain()
		}
	}
}

// consider queues d for optimization if it looks eligible. Cheap checks
// only; the authoritative re-check happens in optimize, under the
// registry lock, when the queue drains.
func (o *optimizer) consider(d *Descriptor) {
	if !o.eligible(d) {
		return
	}
	o.mu.Lock()
	if !o.queued[d] {
		o.queued[d] = true
		o.queue = append(o.queue, d)
	}
	o.mu.Unlock()
}

// eligible reports whether d can be converted to a direct jump:
//   - no post-handler (the jump form cannot trap at the instruction
//     boundary);
//   - the instruction is long enough to hold the jump, so the patch
//     never spills into a neighboring instruction;
//   - the classifier considers it safe to run out of line and continue.
func (o *optimizer) eligible(d *Descriptor) bool {
	if d.hasPostHandler() || d.Optimized() {
		return false
	}
	if len(d.insnBytes) < o.e.arch.JumpSize() {
		return false
	}
	return d.verdict.Boostable
}

func (o *optimizer) drain() {
	o.mu.Lock()
	queue := o.queue
	o.queue = nil
	o.queued = make(map[*Descriptor]bool)
	o.mu.Unlock()

	for _, d := range queue {
		o.e.reg.mu.Lock()
		o.e.optimize(d, o)
		o.e.reg.mu.Unlock()
	}
}

// optimize converts d to its jump form. Caller holds the registry lock.
func (e *Engine) optimize(d *Descriptor, o *optimizer) {
	// Conditions may have changed since the descriptor was queued.
	if e.reg.lookup(d.addr) != d || d.State() != Armed || !o.eligible(d) {
		return
	}
	// The jump shadow must not cover another probe's patched bytes.
	for _, other := range e.reg.all() {
		if other != d && other.addr > d.addr && other.addr < d.insnEnd() {
			return
		}
	}

	insnLen := len(d.insnBytes)
	detour, err := e.pool.acquire(insnLen+e.arch.JumpSize(), d.addr)
	if err != nil {
		o.log.Debugf("not optimizing %#x: %v", d.addr, err)
		return
	}
	// Detour layout: [relocated instruction][jump back]. The callout at
	// the detour's first address runs the pre-handler chain.
	if err := e.img.WriteAt(d.insnBytes, detour.addr); err != nil {
		e.pool.release(detour)
		return
	}
	end := detour.addr + uint64(insnLen)
	if err := e.img.WriteAt(e.arch.JumpInstruction(end, d.insnEnd()), end); err != nil {
		e.pool.release(detour)
		return
	}
	e.reg.insertSlot(detour, d)
	d.detour.Store(detour)

	// Replace trap with jump; pad to the full instruction length. A
	// processor trapping mid-protocol still sees an armed probe and
	// dispatches normally.
	newBytes := append(e.arch.JumpInstruction(d.addr, detour.addr), e.arch.NopFill(insnLen-e.arch.JumpSize())...)
	oldBytes := append(append([]byte{}, e.arch.BreakpointInstruction()...), d.insnBytes[e.arch.BreakpointSize():]...)
	if err := e.patcher.apply(PatchSite{Addr: d.addr, Old: oldBytes, New: newBytes}); err != nil {
		d.detour.Store(nil)
		e.reg.removeSlot(detour)
		e.pool.release(detour)
		o.log.Debugf("not optimizing %#x: %v", d.addr, err)
		return
	}
	o.log.Debugf("optimized probe at %#x, detour %s", d.addr, detour)
}

// unoptimize restores d to its trap form and retires the detour slot
// after a quiescence wait. Caller holds the registry lock; this blocks,
// which is fine on registration/unregistration and optimizer threads.
func (e *Engine) unoptimize(d *Descriptor) {
	detour := d.detour.Load()
	if detour == nil {
		return
	}
	insnLen := len(d.insnBytes)
	oldBytes := append(e.arch.JumpInstruction(d.addr, detour.addr), e.arch.NopFill(insnLen-e.arch.JumpSize())...)
	newBytes := append(append([]byte{}, e.arch.BreakpointInstruction()...), d.insnBytes[e.arch.BreakpointSize():]...)
	if err := e.patcher.apply(PatchSite{Addr: d.addr, Old: oldBytes, New: newBytes}); err != nil {
		// The jump is still whole; leave the probe optimized.
		e.opt.log.Debugf("cannot unoptimize %#x: %v", d.addr, err)
		return
	}

	// Keep the detour alive until every processor that jumped into it
	// before phase 3 has left it; the callout must stay valid for them.
	e.synchronize()
	e.quiesceSlot(detour)
	d.detour.Store(nil)
	e.reg.removeSlot(detour)
	e.pool.release(detour)
	e.opt.log.Debugf("unoptimized probe at %#x", d.addr)
}
