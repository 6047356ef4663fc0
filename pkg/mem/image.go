// Package mem models the executable text image that probes are patched
// into. The image is addressed with target addresses (not slice offsets)
// and every access goes through aligned word-sized atomic operations, so
// a concurrent fetch never observes a torn byte.
package mem

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const wordSize = 8

// Image is a contiguous region of patchable executable memory.
type Image struct {
	base    uint64
	size    uint64
	words   []uint64
	backing []byte
	unmap   func() error
}

// NewImage maps a new image of the given size at the given base address.
// base must be word-aligned.
func NewImage(base uint64, size int) (*Image, error) {
	if base%wordSize != 0 {
		return nil, fmt.Errorf("image base %#x is not %d-byte aligned", base, wordSize)
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid image size %d", size)
	}
	size = (size + wordSize - 1) &^ (wordSize - 1)
	backing, unmap, err := mapMemory(size)
	if err != nil {
		return nil, fmt.Errorf("cannot map image: %v", err)
	}
	img := &Image{
		base:    base,
		size:    uint64(size),
		words:   unsafe.Slice((*uint64)(unsafe.Pointer(&backing[0])), size/wordSize),
		backing: backing,
		unmap:   unmap,
	}
	return img, nil
}

// Base returns the lowest mapped address.
func (img *Image) Base() uint64 { return img.base }

// Size returns the size of the image in bytes.
func (img *Image) Size() uint64 { return img.size }

// Mapped reports whether [addr, addr+n) falls entirely inside the image.
func (img *Image) Mapped(addr uint64, n int) bool {
	if n < 0 || addr < img.base {
		return false
	}
	off := addr - img.base
	return off <= img.size && uint64(n) <= img.size-off
}

// Close releases the image's backing memory.
func (img *Image) Close() error {
	img.words = nil
	img.backing = nil
	if img.unmap == nil {
		return nil
	}
	return img.unmap()
}

func (img *Image) loadWord(i uint64) uint64 {
	return atomic.LoadUint64(&img.words[i])
}

// LoadByte atomically reads one byte.
func (img *Image) LoadByte(addr uint64) (byte, error) {
	if !img.Mapped(addr, 1) {
		return 0, UnmappedError{Addr: addr}
	}
	off := addr - img.base
	w := img.loadWord(off / wordSize)
	return byte(w >> ((off % wordSize) * 8)), nil
}

// StoreByte atomically replaces one byte, leaving the other bytes of the
// containing word untouched. This is the primitive the patch protocol is
// built on: a fetch concurrent with StoreByte sees either the old or the
// new byte, never garbage.
func (img *Image) StoreByte(addr uint64, b byte) error {
	if !img.Mapped(addr, 1) {
		return UnmappedError{Addr: addr}
	}
	off := addr - img.base
	wi := off / wordSize
	shift := (off % wordSize) * 8
	mask := uint64(0xff) << shift
	for {
		old := img.loadWord(wi)
		nw := (old &^ mask) | uint64(b)<<shift
		if atomic.CompareAndSwapUint64(&img.words[wi], old, nw) {
			return nil
		}
	}
}

// ReadAt reads len(buf) bytes starting at addr. Each word is loaded
// exactly once, so bytes within one word are mutually consistent.
func (img *Image) ReadAt(buf []byte, addr uint64) error {
	if !img.Mapped(addr, len(buf)) {
		return UnmappedError{Addr: addr}
	}
	off := addr - img.base
	for n := 0; n < len(buf); {
		wi := (off + uint64(n)) / wordSize
		shift := (off + uint64(n)) % wordSize
		w := img.loadWord(wi)
		var wb [wordSize]byte
		binary.LittleEndian.PutUint64(wb[:], w)
		n += copy(buf[n:], wb[shift:])
	}
	return nil
}

// WriteAt writes len(buf) bytes starting at addr. Writes are atomic at
// byte granularity (per-word CAS merge), not as a unit; callers needing
// multi-byte atomicity must use the patch protocol on top of this.
func (img *Image) WriteAt(buf []byte, addr uint64) error {
	if !img.Mapped(addr, len(buf)) {
		return UnmappedError{Addr: addr}
	}
	off := addr - img.base
	for n := 0; n < len(buf); {
		wi := (off + uint64(n)) / wordSize
		shift := (off + uint64(n)) % wordSize
		nb := int(wordSize - shift)
		if nb > len(buf)-n {
			nb = len(buf) - n
		}
		var mask, val uint64
		for i := 0; i < nb; i++ {
			mask |= 0xff << ((shift + uint64(i)) * 8)
			val |= uint64(buf[n+i]) << ((shift + uint64(i)) * 8)
		}
		for {
			old := img.loadWord(wi)
			nw := (old &^ mask) | val
			if atomic.CompareAndSwapUint64(&img.words[wi], old, nw) {
				break
			}
		}
		n += nb
	}
	return nil
}

// Snapshot returns a copy of the whole image. Diagnostic use only.
func (img *Image) Snapshot() []byte {
	buf := make([]byte, img.size)
	_ = img.ReadAt(buf, img.base)
	return buf
}

// UnmappedError is returned for accesses outside the image.
type UnmappedError struct {
	Addr uint64
}

func (e UnmappedError) Error() string {
	return fmt.Sprintf("address %#x is not mapped", e.Addr)
}
