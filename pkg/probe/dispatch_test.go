package probe

import (
	"bytes"
	"reflect"
	"testing"
	"time"

	"github.com/go-probe/probe/pkg/arch"
)

func TestHandlerOrdering(t *testing.T) {
	img := testImage(t)
	addrs := writeProgram(t, img, testBase, insnNop5, insnRet)

	e, _ := newTestEngine(t, img, nil)
	var log []string
	r1, err := e.Register(addrs[0], tracePre(&log, "h1.pre"), tracePost(&log, "h1.post"))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r1)
	r2, err := e.Register(addrs[0], tracePre(&log, "h2.pre"), tracePost(&log, "h2.post"))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r2)

	ctx := &testCtx{pc: addrs[0]}
	if out := e.Trap(0, ctx); out != Handled {
		t.Fatalf("outcome %v, want Handled", out)
	}

	want := []string{"h1.pre", "h2.pre", "h1.post", "h2.post"}
	if !reflect.DeepEqual(log, want) {
		t.Errorf("handler order %v, want %v", log, want)
	}
	if ctx.pc != addrs[0]+uint64(len(insnNop5)) {
		t.Errorf("resumed at %#x, want %#x", ctx.pc, addrs[0]+uint64(len(insnNop5)))
	}

	d := e.reg.lookup(addrs[0])
	if d.hitCount.Load() != 1 {
		t.Errorf("hit count %d, want 1", d.hitCount.Load())
	}
}

func TestSkipInstruction(t *testing.T) {
	img := testImage(t)
	addrs := writeProgram(t, img, testBase, insnMov, insnRet)

	e, _ := newTestEngine(t, img, nil)
	var log []string
	skip := func(ctx arch.Context, addr uint64) Action {
		log = append(log, "skip.pre")
		return SkipInstruction
	}
	r, err := e.Register(addrs[0], skip, tracePost(&log, "skip.post"))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r)

	ctx := &testCtx{pc: addrs[0]}
	if out := e.Trap(0, ctx); out != Handled {
		t.Fatalf("outcome %v, want Handled", out)
	}
	if want := []string{"skip.pre", "skip.post"}; !reflect.DeepEqual(log, want) {
		t.Errorf("handler order %v, want %v", log, want)
	}
	// The original instruction is skipped, never stepped or emulated.
	if ctx.pc != addrs[0]+uint64(len(insnMov)) {
		t.Errorf("resumed at %#x, want %#x", ctx.pc, addrs[0]+uint64(len(insnMov)))
	}
}

func TestResumeEmulate(t *testing.T) {
	img := testImage(t)
	addrs := writeProgram(t, img, testBase, insnNop5, insnRet)

	e, _ := newTestEngine(t, img, nil)
	r, err := e.Register(addrs[0], resumePre, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r)

	d := e.reg.lookup(addrs[0])
	if d.policy != ResumeEmulate {
		t.Fatalf("policy %v, want emulate", d.policy)
	}

	ctx := &testCtx{pc: addrs[0]}
	e.Trap(0, ctx)
	if ctx.pc != addrs[0]+uint64(len(insnNop5)) {
		t.Errorf("emulated resume at %#x, want %#x", ctx.pc, addrs[0]+uint64(len(insnNop5)))
	}
	if e.tcbs[0].status != StatusIdle {
		t.Errorf("processor left in %v", e.tcbs[0].status)
	}
}

func TestResumeStep(t *testing.T) {
	img := testImage(t)
	addrs := writeProgram(t, img, testBase, insnMov, insnRet)

	e, _ := newTestEngine(t, img, func(o *Options) { o.DisableBoost = true })
	var log []string
	r, err := e.Register(addrs[0], tracePre(&log, "pre"), tracePost(&log, "post"))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r)

	d := e.reg.lookup(addrs[0])
	if d.policy != ResumeStep {
		t.Fatalf("policy %v, want step", d.policy)
	}

	// The slot holds the instruction copy followed by a transient trap.
	slotBytes := readBytes(t, img, d.slot.addr, len(insnMov)+1)
	if !bytes.Equal(slotBytes[:len(insnMov)], insnMov) {
		t.Fatalf("slot does not hold the relocated instruction: % x", slotBytes)
	}
	if slotBytes[len(insnMov)] != 0xcc {
		t.Fatalf("slot missing transient trap: % x", slotBytes)
	}

	ctx := &testCtx{pc: addrs[0]}
	e.Trap(0, ctx)
	if ctx.pc != d.slot.addr {
		t.Fatalf("first trap resumed at %#x, want slot %#x", ctx.pc, d.slot.addr)
	}
	if want := []string{"pre"}; !reflect.DeepEqual(log, want) {
		t.Fatalf("after first trap log is %v, want %v", log, want)
	}
	if e.tcbs[0].status != StatusStepping {
		t.Fatalf("processor in %v, want Stepping", e.tcbs[0].status)
	}

	// The step executes the copy and hits the transient trap.
	ctx.pc = d.slot.addr + uint64(len(insnMov))
	if out := e.Trap(0, ctx); out != Handled {
		t.Fatalf("transient trap outcome %v", out)
	}
	if ctx.pc != addrs[0]+uint64(len(insnMov)) {
		t.Errorf("final resume at %#x, want %#x", ctx.pc, addrs[0]+uint64(len(insnMov)))
	}
	if want := []string{"pre", "post"}; !reflect.DeepEqual(log, want) {
		t.Errorf("log %v, want %v", log, want)
	}
	if e.tcbs[0].status != StatusIdle {
		t.Errorf("processor left in %v", e.tcbs[0].status)
	}
}

func TestResumeBoost(t *testing.T) {
	img := testImage(t)
	addrs := writeProgram(t, img, testBase, insnMov, insnRet)

	e, _ := newTestEngine(t, img, nil)
	var log []string
	r, err := e.Register(addrs[0], tracePre(&log, "pre"), tracePost(&log, "post"))
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r)

	d := e.reg.lookup(addrs[0])
	if d.policy != ResumeBoost {
		t.Fatalf("policy %v, want boost", d.policy)
	}

	// The slot ends with a synthesized jump back to the next instruction.
	a := arch.AMD64Arch()
	jmpAt := d.slot.addr + uint64(len(insnMov))
	wantJmp := a.JumpInstruction(jmpAt, addrs[0]+uint64(len(insnMov)))
	if got := readBytes(t, img, jmpAt, len(wantJmp)); !bytes.Equal(got, wantJmp) {
		t.Fatalf("slot trailer % x, want jump % x", got, wantJmp)
	}

	ctx := &testCtx{pc: addrs[0]}
	e.Trap(0, ctx)
	if ctx.pc != d.slot.addr {
		t.Errorf("resumed at %#x, want slot %#x", ctx.pc, d.slot.addr)
	}
	// No second trap will fire, so both handlers already ran.
	if want := []string{"pre", "post"}; !reflect.DeepEqual(log, want) {
		t.Errorf("log %v, want %v", log, want)
	}
	if e.tcbs[0].status != StatusIdle {
		t.Errorf("processor left in %v", e.tcbs[0].status)
	}
}

func TestReentrantTrapCountsMiss(t *testing.T) {
	img := testImage(t)
	addrs := writeProgram(t, img, testBase, insnNop5, insnRet)

	e, _ := newTestEngine(t, img, nil)

	var log []string
	var nested *testCtx
	reenter := func(ctx arch.Context, addr uint64) Action {
		log = append(log, "outer.pre")
		// A trap delivered on the same processor while handlers run.
		nested = &testCtx{pc: addr}
		if out := e.Trap(0, nested); out != Handled {
			t.Errorf("nested outcome %v", out)
		}
		return Resume
	}
	r, err := e.Register(addrs[0], reenter, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r)

	ctx := &testCtx{pc: addrs[0]}
	e.Trap(0, ctx)

	d := e.reg.lookup(addrs[0])
	if d.missCount.Load() != 1 {
		t.Errorf("miss count %d, want 1", d.missCount.Load())
	}
	if d.hitCount.Load() != 1 {
		t.Errorf("hit count %d, want 1", d.hitCount.Load())
	}
	// The nested hit ran no handlers but still resumed past the probe.
	if want := []string{"outer.pre"}; !reflect.DeepEqual(log, want) {
		t.Errorf("log %v, want %v", log, want)
	}
	if nested.pc != addrs[0]+uint64(len(insnNop5)) {
		t.Errorf("nested resume at %#x, want %#x", nested.pc, addrs[0]+uint64(len(insnNop5)))
	}
}

func TestSynchronizeWaitsDuringNestedDispatch(t *testing.T) {
	img := testImage(t)
	addrs := writeProgram(t, img, testBase, insnNop5, insnRet)

	e, _ := newTestEngine(t, img, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	r, err := e.Register(addrs[0], func(ctx arch.Context, addr uint64) Action {
		// A nested delivery must leave the outer activation's grace
		// period open.
		nested := &testCtx{pc: addr}
		e.Trap(0, nested)
		if s := e.tcbs[0].seq.Load(); s&1 != 1 {
			t.Errorf("sequence counter went even (%d) while dispatch was in flight", s)
		}
		close(entered)
		<-release
		return Resume
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r)

	trapDone := make(chan struct{})
	go func() {
		defer close(trapDone)
		e.Trap(0, &testCtx{pc: addrs[0]})
	}()
	<-entered

	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		e.synchronize()
	}()
	select {
	case <-syncDone:
		t.Error("grace period ended while a dispatch was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-trapDone
	select {
	case <-syncDone:
	case <-time.After(5 * time.Second):
		t.Fatal("grace period never ended after dispatch returned")
	}
}

func TestTransitionalStates(t *testing.T) {
	img := testImage(t)
	addrs := writeProgram(t, img, testBase, insnNop5, insnRet)

	e, _ := newTestEngine(t, img, nil)
	var log []string
	r, err := e.Register(addrs[0], tracePre(&log, "pre"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r)
	d := e.reg.lookup(addrs[0])

	// While arming, the trap is transitional: resume without handlers.
	d.setState(Arming)
	ctx := &testCtx{pc: addrs[0]}
	if out := e.Trap(0, ctx); out != Handled {
		t.Fatalf("outcome %v", out)
	}
	if len(log) != 0 {
		t.Errorf("handlers ran during arming: %v", log)
	}
	if ctx.pc != addrs[0]+uint64(len(insnNop5)) {
		t.Errorf("resumed at %#x", ctx.pc)
	}

	// While disarming, the marker still belongs to the probe: it fires.
	d.setState(Disarming)
	ctx = &testCtx{pc: addrs[0]}
	e.Trap(0, ctx)
	if want := []string{"pre"}; !reflect.DeepEqual(log, want) {
		t.Errorf("disarming trap log %v, want %v", log, want)
	}

	d.setState(Armed)
}

func TestTrapNotMine(t *testing.T) {
	img := testImage(t)
	writeProgram(t, img, testBase, insnNop5, insnRet)

	e, _ := newTestEngine(t, img, nil)

	ctx := &testCtx{pc: testBase + 0x30}
	if out := e.Trap(0, ctx); out != NotMine {
		t.Errorf("unprobed address outcome %v, want NotMine", out)
	}
	if ctx.pc != testBase+0x30 {
		t.Errorf("context modified for foreign trap")
	}

	// A trap in an unowned part of the slot pool is also not ours.
	ctx = &testCtx{pc: testPoolAddr}
	if out := e.Trap(0, ctx); out != NotMine {
		t.Errorf("unowned slot outcome %v, want NotMine", out)
	}

	if out := e.Trap(99, &testCtx{pc: testBase}); out != NotMine {
		t.Errorf("out-of-range processor outcome %v, want NotMine", out)
	}
}

func TestDisabledHandlerDoesNotRun(t *testing.T) {
	img := testImage(t)
	addrs := writeProgram(t, img, testBase, insnNop5, insnRet)

	e, _ := newTestEngine(t, img, nil)
	var log []string
	r1, err := e.Register(addrs[0], tracePre(&log, "h1"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r1)
	r2, err := e.Register(addrs[0], tracePre(&log, "h2"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer e.Unregister(r2)

	if err := r1.Disable(); err != nil {
		t.Fatal(err)
	}
	e.Trap(0, &testCtx{pc: addrs[0]})
	if want := []string{"h2"}; !reflect.DeepEqual(log, want) {
		t.Errorf("log %v, want %v", log, want)
	}

	if err := r1.Enable(); err != nil {
		t.Fatal(err)
	}
	log = nil
	e.Trap(0, &testCtx{pc: addrs[0]})
	if want := []string{"h1", "h2"}; !reflect.DeepEqual(log, want) {
		t.Errorf("log after enable %v, want %v", log, want)
	}
}
