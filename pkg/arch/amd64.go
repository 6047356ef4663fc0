package arch

import (
	"encoding/binary"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/arch/x86/x86asm"
)

// AMD64 represents the AMD64 CPU architecture.
type AMD64 struct {
	decodeCache *lru.Cache
}

var amd64BreakInstruction = []byte{0xcc}

const (
	amd64JumpOpcode = 0xe9
	amd64JumpSize   = 5
	amd64MaxInsnLen = 15

	decodeCacheSize = 512
)

// AMD64Arch returns an initialized AMD64 struct.
func AMD64Arch() *AMD64 {
	cache, _ := lru.New(decodeCacheSize)
	return &AMD64{decodeCache: cache}
}

func (a *AMD64) Name() string {
	return "amd64"
}

// PtrSize returns the size of a pointer on this architecture.
func (a *AMD64) PtrSize() int {
	return 8
}

// BreakpointInstruction returns the breakpoint instruction (int3) for
// this architecture.
func (a *AMD64) BreakpointInstruction() []byte {
	return amd64BreakInstruction
}

// BreakpointSize returns the size of the breakpoint instruction.
func (a *AMD64) BreakpointSize() int {
	return len(amd64BreakInstruction)
}

// JumpInstruction synthesizes a jmp rel32 from `from` to `to`.
func (a *AMD64) JumpInstruction(from, to uint64) []byte {
	buf := make([]byte, amd64JumpSize)
	buf[0] = amd64JumpOpcode
	rel := int32(int64(to) - int64(from+amd64JumpSize))
	binary.LittleEndian.PutUint32(buf[1:], uint32(rel))
	return buf
}

// JumpSize returns the size of a synthesized unconditional jump.
func (a *AMD64) JumpSize() int {
	return amd64JumpSize
}

// NopFill returns n one-byte nops.
func (a *AMD64) NopFill(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = 0x90
	}
	return buf
}

func (a *AMD64) MaxInstructionLength() int {
	return amd64MaxInsnLen
}

type decodeKey struct {
	addr  uint64
	bytes [amd64MaxInsnLen]byte
	n     int
}

// Decode classifies the instruction at mem[0]. Results are cached: the
// classifier runs at probe install time but also from resume paths that
// may not allocate freely.
func (a *AMD64) Decode(mem []byte, addr uint64) (Verdict, error) {
	key := decodeKey{addr: addr, n: len(mem)}
	if key.n > amd64MaxInsnLen {
		key.n = amd64MaxInsnLen
	}
	copy(key.bytes[:], mem[:key.n])
	if v, ok := a.decodeCache.Get(key); ok {
		return v.(Verdict), nil
	}

	inst, err := x86asm.Decode(mem, 64)
	if err != nil {
		return Verdict{}, fmt.Errorf("cannot decode instruction at %#x: %v", addr, err)
	}

	v := Verdict{Len: inst.Len}
	// A control transfer never falls through to the slot's trailer, and
	// a rip-relative operand would resolve against the slot's address:
	// neither can execute out of line as-is.
	v.SafeToRelocate = !ripRelative(&inst) && !controlFlow(inst.Op)
	v.Boostable = v.SafeToRelocate
	v.Emulator = amd64Emulator(&inst)

	a.decodeCache.Add(key, v)
	return v, nil
}

// amd64Emulator returns an emulation routine for instructions whose
// effect on the (pc-only) execution context can be computed directly.
func amd64Emulator(inst *x86asm.Inst) EmulatorFunc {
	ln := uint64(inst.Len)
	switch inst.Op {
	case x86asm.NOP:
		return func(ctx Context, addr uint64) {
			ctx.SetPC(addr + ln)
		}
	case x86asm.JMP:
		if rel, ok := inst.Args[0].(x86asm.Rel); ok {
			return func(ctx Context, addr uint64) {
				ctx.SetPC(uint64(int64(addr) + int64(ln) + int64(rel)))
			}
		}
	}
	return nil
}

// controlFlow reports whether op transfers control. Such instructions
// cannot run out of line: the slot's trailer (trap or return jump) would
// never execute, or would execute after control already left the slot.
func controlFlow(op x86asm.Op) bool {
	switch op {
	case x86asm.JMP, x86asm.LJMP, x86asm.CALL, x86asm.LCALL,
		x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.INT, x86asm.INTO, x86asm.SYSCALL, x86asm.SYSRET,
		x86asm.SYSENTER, x86asm.SYSEXIT,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE,
		x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JCXZ,
		x86asm.JE, x86asm.JECXZ, x86asm.JG, x86asm.JGE, x86asm.JL,
		x86asm.JLE, x86asm.JNE, x86asm.JNO, x86asm.JNP, x86asm.JNS,
		x86asm.JO, x86asm.JP, x86asm.JRCXZ, x86asm.JS:
		return true
	}
	return false
}

// ripRelative reports whether the instruction has a rip-relative memory
// operand. Relocating one of those without re-encoding the displacement
// would make it reference the wrong address.
func ripRelative(inst *x86asm.Inst) bool {
	for _, arg := range inst.Args {
		if arg == nil {
			break
		}
		if mem, ok := arg.(x86asm.Mem); ok && mem.Base == x86asm.RIP {
			return true
		}
	}
	return false
}
