// Package arch contains the architecture-dependent parts of the probe
// engine: trap and jump opcodes and the instruction classifier used to
// decide how execution resumes after a trap. The concurrency core treats
// everything in here as an opaque, swappable policy.
package arch

// Context is a resumable execution context, handed to the engine by
// whatever delivers the trap. The engine only ever reads and adjusts the
// program counter; everything else about the context is opaque.
type Context interface {
	PC() uint64
	SetPC(uint64)
}

// EmulatorFunc directly computes the effect of an instruction on the
// execution context, instead of executing it. addr is the address the
// instruction was originally at.
type EmulatorFunc func(ctx Context, addr uint64)

// Verdict is the classifier's judgement of a single instruction.
type Verdict struct {
	// Len is the length of the instruction in bytes.
	Len int
	// SafeToRelocate is true if the instruction can be copied into an
	// out-of-line slot and executed there.
	SafeToRelocate bool
	// Boostable is true if, after executing the relocated copy, control
	// can continue via a synthesized jump without re-trapping.
	Boostable bool
	// Emulator is non-nil if the instruction's effect can be computed
	// directly, without executing it at all.
	Emulator EmulatorFunc
}

// Arch defines an interface for representing a CPU architecture to the
// probe engine.
type Arch interface {
	Name() string
	PtrSize() int

	// BreakpointInstruction returns the trap instruction. Its first byte
	// must be individually writable: installing it may never tear any
	// other byte of the target.
	BreakpointInstruction() []byte
	BreakpointSize() int

	// JumpInstruction synthesizes an unconditional jump from address
	// `from` to address `to`.
	JumpInstruction(from, to uint64) []byte
	JumpSize() int

	// NopFill returns n bytes of padding that execute as no-ops.
	NopFill(n int) []byte

	MaxInstructionLength() int

	// Decode classifies the instruction starting at mem[0], which
	// originally resides at addr.
	Decode(mem []byte, addr uint64) (Verdict, error)
}
