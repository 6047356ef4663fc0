package machine

import (
	"encoding/binary"
	"fmt"

	"github.com/go-probe/probe/pkg/mem"
	"github.com/go-probe/probe/pkg/probe"
)

// Assembler builds small amd64 programs for the simulated machine. Only
// the handful of encodings the machine executes are provided.
type Assembler struct {
	base uint64
	buf  []byte

	symbols []probe.Symbol
	symAt   uint64
	symName string
}

// NewAssembler starts a program at base.
func NewAssembler(base uint64) *Assembler {
	return &Assembler{base: base}
}

// Addr returns the address the next emitted instruction will have.
func (a *Assembler) Addr() uint64 {
	return a.base + uint64(len(a.buf))
}

// Func starts a named region at the current address; the previous one,
// if any, is closed.
func (a *Assembler) Func(name string) uint64 {
	a.closeSym()
	a.symAt = a.Addr()
	a.symName = name
	return a.symAt
}

func (a *Assembler) closeSym() {
	if a.symName == "" {
		return
	}
	a.symbols = append(a.symbols, probe.Symbol{
		Name: a.symName,
		Addr: a.symAt,
		Size: a.Addr() - a.symAt,
	})
	a.symName = ""
}

// Nop emits a one-byte nop and returns its address.
func (a *Assembler) Nop() uint64 {
	return a.emit(0x90)
}

// Nop5 emits a five-byte nop (0f 1f 44 00 00) and returns its address.
func (a *Assembler) Nop5() uint64 {
	return a.emit(0x0f, 0x1f, 0x44, 0x00, 0x00)
}

// MovEAX emits mov eax, imm32; five bytes, no side effect the machine
// models, but unlike a nop it is not emulatable by the classifier.
func (a *Assembler) MovEAX(imm uint32) uint64 {
	var b [5]byte
	b[0] = 0xb8
	binary.LittleEndian.PutUint32(b[1:], imm)
	return a.emit(b[:]...)
}

// LeaRAX emits lea rax, [rip+0] (7 bytes), a rip-relative instruction
// the classifier refuses to relocate.
func (a *Assembler) LeaRAX() uint64 {
	return a.emit(0x48, 0x8d, 0x05, 0x00, 0x00, 0x00, 0x00)
}

// JmpTo emits jmp rel32 to target and returns its address.
func (a *Assembler) JmpTo(target uint64) uint64 {
	addr := a.Addr()
	rel := int32(int64(target) - int64(addr+5))
	var b [5]byte
	b[0] = 0xe9
	binary.LittleEndian.PutUint32(b[1:], uint32(rel))
	return a.emit(b[:]...)
}

// Ret emits a ret, ending the program for the machine.
func (a *Assembler) Ret() uint64 {
	return a.emit(0xc3)
}

func (a *Assembler) emit(bytes ...byte) uint64 {
	addr := a.Addr()
	a.buf = append(a.buf, bytes...)
	return addr
}

// Symbols returns the regions declared with Func.
func (a *Assembler) Symbols() []probe.Symbol {
	a.closeSym()
	return a.symbols
}

// LoadInto writes the program into the image.
func (a *Assembler) LoadInto(img *mem.Image) error {
	if len(a.buf) == 0 {
		return fmt.Errorf("empty program")
	}
	return img.WriteAt(a.buf, a.base)
}
