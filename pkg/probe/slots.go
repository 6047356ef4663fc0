package probe

import (
	"fmt"

	"github.com/google/btree"

	"github.com/go-probe/probe/pkg/mem"
)

// Slot is a fixed-size region of executable memory holding the relocated
// copy of an original instruction, plus whatever trailer the resume
// policy needs (a trap byte for stepping, a synthesized jump back for
// boosting).
type Slot struct {
	addr uint64
	size int
}

// Addr returns the first address of the slot.
func (s *Slot) Addr() uint64 { return s.addr }

// Size returns the usable size of the slot in bytes.
func (s *Slot) Size() int { return s.size }

func (s *Slot) String() string {
	return fmt.Sprintf("slot %#x+%d", s.addr, s.size)
}

type freeSlot struct {
	addr uint64
}

func (f freeSlot) Less(than btree.Item) bool {
	return f.addr < than.(freeSlot).addr
}

// slotPool carves fixed-size instruction slots out of a region of the
// text image reserved next to the patched code, so relative-addressed
// instructions copied into a slot stay in range. The pool never shrinks;
// released slots go on an address-ordered free index and are preferred
// for allocations near their address. The pool takes no locks of its
// own: allocation and release only happen at probe install/uninstall
// time, under the registry's modification lock.
type slotPool struct {
	img      *mem.Image
	base     uint64
	limit    uint64
	slotCap  int
	trapByte byte

	next uint64
	free *btree.BTree
}

func newSlotPool(img *mem.Image, base uint64, size int, slotCap int, trapByte byte) (*slotPool, error) {
	slotCap = (slotCap + 7) &^ 7
	if !img.Mapped(base, size) {
		return nil, fmt.Errorf("slot pool region %#x+%d is not mapped", base, size)
	}
	if size < slotCap {
		return nil, fmt.Errorf("slot pool of %d bytes cannot hold a single %d byte slot", size, slotCap)
	}
	return &slotPool{
		img:      img,
		base:     base,
		limit:    base + uint64(size),
		slotCap:  slotCap,
		trapByte: trapByte,
		next:     base,
		free:     btree.New(4),
	}, nil
}

// contains reports whether addr falls inside the pool region.
func (p *slotPool) contains(addr uint64) bool {
	return addr >= p.base && addr < p.limit
}

// slotBase returns the base address of the slot containing addr. Slots
// are carved at fixed slotCap strides, so this is pure arithmetic.
func (p *slotPool) slotBase(addr uint64) uint64 {
	return p.base + (addr-p.base)/uint64(p.slotCap)*uint64(p.slotCap)
}

// acquire returns a slot of at least size bytes, preferring free slots
// close to the near address.
func (p *slotPool) acquire(size int, near uint64) (*Slot, error) {
	if size > p.slotCap {
		return nil, OutOfSlotsError{Size: size}
	}
	if s := p.takeFree(near); s != nil {
		return s, nil
	}
	if p.next+uint64(p.slotCap) > p.limit {
		return nil, OutOfSlotsError{Size: size}
	}
	s := &Slot{addr: p.next, size: p.slotCap}
	p.next += uint64(p.slotCap)
	return s, nil
}

// takeFree removes and returns the free slot closest to near, or nil.
func (p *slotPool) takeFree(near uint64) *Slot {
	if p.free.Len() == 0 {
		return nil
	}
	var above, below *freeSlot
	p.free.AscendGreaterOrEqual(freeSlot{addr: near}, func(it btree.Item) bool {
		f := it.(freeSlot)
		above = &f
		return false
	})
	p.free.DescendLessOrEqual(freeSlot{addr: near}, func(it btree.Item) bool {
		f := it.(freeSlot)
		below = &f
		return false
	})
	pick := above
	if pick == nil || (below != nil && near-below.addr < above.addr-near) {
		pick = below
	}
	if pick == nil {
		return nil
	}
	p.free.Delete(freeSlot{addr: pick.addr})
	return &Slot{addr: pick.addr, size: p.slotCap}
}

// release returns a slot to the pool. The caller must have completed a
// quiescence wait: no processor may still be executing inside the slot.
func (p *slotPool) release(s *Slot) {
	if s == nil {
		return
	}
	// Scrub with trap bytes so a stale jump into a recycled slot faults
	// instead of executing leftover instructions.
	trap := make([]byte, s.size)
	for i := range trap {
		trap[i] = p.trapByte
	}
	_ = p.img.WriteAt(trap, s.addr)
	p.free.ReplaceOrInsert(freeSlot{addr: s.addr})
}
