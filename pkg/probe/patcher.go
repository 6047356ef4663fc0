package probe

import (
	"bytes"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/go-probe/probe/pkg/logflags"
	"github.com/go-probe/probe/pkg/mem"
)

// Barrier is the cross-processor synchronization primitive the patch
// protocol is built on. Synchronize blocks the calling thread until
// every other processor has observed all writes issued before the call
// and is no longer mid-fetch of pre-call bytes. The engine consumes this
// primitive, it does not implement it.
type Barrier interface {
	Synchronize()
}

// PatchSite is one unit of work for the patcher: replace the bytes at
// Addr, currently Old, with New. It carries no identity beyond the
// operation.
type PatchSite struct {
	Addr uint64
	Old  []byte
	New  []byte
}

// patcher installs and removes instructions in the live text image
// without ever letting a processor observe a torn instruction.
//
// The protocol has three phases, each followed by a barrier:
//
//  1. the first byte of every site is replaced by the trap opcode, a
//     single atomic store, so every processor sees either the original
//     instruction or a trap;
//  2. the remaining bytes of the replacement are written; a processor
//     trapping during this window is logically executing the old
//     instruction and the dispatcher must treat it that way;
//  3. the trap byte is replaced with the first byte of the replacement.
//
// Batching runs each phase across all sites before its barrier, so N
// sites cost 3 barriers instead of 3N.
type patcher struct {
	img      *mem.Image
	barrier  Barrier
	trapByte byte
	log      *logrus.Entry
}

func newPatcher(img *mem.Image, barrier Barrier, trapByte byte) *patcher {
	return &patcher{
		img:      img,
		barrier:  barrier,
		trapByte: trapByte,
		log:      logflags.PatcherLogger(),
	}
}

// apply patches a single site.
func (p *patcher) apply(site PatchSite) error {
	return p.applyBatch([]PatchSite{site})
}

// applyBatch patches all sites using one run of the protocol. All
// precondition checks happen before phase 1 starts: there is no rollback
// from a half-applied protocol, so a failure after that point is fatal
// to the engine.
func (p *patcher) applyBatch(sites []PatchSite) error {
	for i := range sites {
		if err := p.validate(&sites[i]); err != nil {
			return err
		}
	}

	// Phase 1: install the trap marker at every site.
	for i := range sites {
		p.mustStore(sites[i].Addr, p.trapByte)
	}
	p.barrier.Synchronize()

	// Phase 2: fill in everything after the marker.
	for i := range sites {
		site := &sites[i]
		if len(site.New) > 1 {
			p.mustWrite(site.Addr+1, site.New[1:])
		}
	}
	p.barrier.Synchronize()

	// Phase 3: replace the marker with the real first byte.
	for i := range sites {
		p.mustStore(sites[i].Addr, sites[i].New[0])
	}
	p.barrier.Synchronize()

	if logflags.Patcher() {
		for i := range sites {
			p.log.Debugf("patched %#x: % x -> % x", sites[i].Addr, sites[i].Old, sites[i].New)
		}
	}
	return nil
}

func (p *patcher) validate(site *PatchSite) error {
	if len(site.New) == 0 || len(site.Old) != len(site.New) {
		return fmt.Errorf("malformed patch site at %#x: %d old bytes, %d new bytes",
			site.Addr, len(site.Old), len(site.New))
	}
	if !p.img.Mapped(site.Addr, len(site.New)) {
		return InvalidAddressError{Addr: site.Addr}
	}
	cur := make([]byte, len(site.Old))
	if err := p.img.ReadAt(cur, site.Addr); err != nil {
		return err
	}
	if !bytes.Equal(cur, site.Old) {
		return fmt.Errorf("refusing to patch %#x: expected % x, found % x", site.Addr, site.Old, cur)
	}
	return nil
}

// mustStore and mustWrite run after validation; a failure here means the
// protocol is half-applied system-wide, which is unrecoverable.
func (p *patcher) mustStore(addr uint64, b byte) {
	if err := p.img.StoreByte(addr, b); err != nil {
		panic(fmt.Sprintf("patch protocol failed mid-flight at %#x: %v", addr, err))
	}
}

func (p *patcher) mustWrite(addr uint64, buf []byte) {
	if err := p.img.WriteAt(buf, addr); err != nil {
		panic(fmt.Sprintf("patch protocol failed mid-flight at %#x: %v", addr, err))
	}
}
