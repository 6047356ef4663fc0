package probe

import (
	"bytes"
	"sync/atomic"
	"testing"

	"github.com/go-probe/probe/pkg/mem"
)

func TestApplyReplacesBytes(t *testing.T) {
	img := testImage(t)
	addrs := writeProgram(t, img, testBase, insnNop5)

	barrier := &testBarrier{}
	p := newPatcher(img, barrier, 0xcc)

	site := PatchSite{
		Addr: addrs[0],
		Old:  append([]byte{}, insnNop5...),
		New:  []byte{0xe9, 0x01, 0x02, 0x03, 0x04},
	}
	if err := p.apply(site); err != nil {
		t.Fatal(err)
	}
	if got := readBytes(t, img, addrs[0], 5); !bytes.Equal(got, site.New) {
		t.Errorf("got % x, want % x", got, site.New)
	}
	if barrier.syncs != 3 {
		t.Errorf("apply used %d barriers, want 3", barrier.syncs)
	}
}

func TestApplyValidatesBeforePhaseOne(t *testing.T) {
	img := testImage(t)
	writeProgram(t, img, testBase, insnNop5)

	barrier := &testBarrier{}
	p := newPatcher(img, barrier, 0xcc)

	// Wrong old bytes: must fail before any write or barrier.
	err := p.apply(PatchSite{Addr: testBase, Old: insnMov, New: []byte{0xcc, 0x90, 0x90, 0x90, 0x90}})
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	if barrier.syncs != 0 {
		t.Errorf("failed apply issued %d barriers, want 0", barrier.syncs)
	}
	if got := readBytes(t, img, testBase, 5); !bytes.Equal(got, insnNop5) {
		t.Errorf("target modified by failed apply: % x", got)
	}

	// Unmapped target.
	err = p.apply(PatchSite{Addr: testBase + testSize, Old: []byte{0}, New: []byte{1}})
	if _, ok := err.(InvalidAddressError); !ok {
		t.Errorf("expected InvalidAddressError, got %v", err)
	}

	// One bad site fails the whole batch up front.
	good := PatchSite{Addr: testBase, Old: append([]byte{}, insnNop5...), New: []byte{0xcc, 0x90, 0x90, 0x90, 0x90}}
	bad := PatchSite{Addr: testBase, Old: insnRet, New: insnRet}
	if err := p.applyBatch([]PatchSite{good, bad}); err == nil {
		t.Fatal("expected batch validation error")
	}
	if got := readBytes(t, img, testBase, 5); !bytes.Equal(got, insnNop5) {
		t.Errorf("target modified by failed batch: % x", got)
	}
}

func TestBatchEquivalence(t *testing.T) {
	// K independent patches through applyBatch must produce the same
	// final image as one-at-a-time apply, with 3 barriers instead of 3K.
	const k = 8

	build := func(t *testing.T) (*mem.Image, []PatchSite) {
		img := testImage(t)
		sites := make([]PatchSite, k)
		for i := 0; i < k; i++ {
			addr := testBase + uint64(i*16)
			writeProgram(t, img, addr, insnNop5)
			sites[i] = PatchSite{
				Addr: addr,
				Old:  append([]byte{}, insnNop5...),
				New:  []byte{0xcc, 0x90, 0x90, 0x90, byte(i)},
			}
		}
		return img, sites
	}

	imgBatch, sitesBatch := build(t)
	batchBarrier := &testBarrier{}
	if err := newPatcher(imgBatch, batchBarrier, 0xcc).applyBatch(sitesBatch); err != nil {
		t.Fatal(err)
	}

	imgSeq, sitesSeq := build(t)
	seqBarrier := &testBarrier{}
	pseq := newPatcher(imgSeq, seqBarrier, 0xcc)
	for _, site := range sitesSeq {
		if err := pseq.apply(site); err != nil {
			t.Fatal(err)
		}
	}

	if !bytes.Equal(imgBatch.Snapshot(), imgSeq.Snapshot()) {
		t.Error("batched and sequential application produced different images")
	}
	if batchBarrier.syncs != 3 {
		t.Errorf("batch used %d barriers, want 3", batchBarrier.syncs)
	}
	if seqBarrier.syncs != 3*k {
		t.Errorf("sequential used %d barriers, want %d", seqBarrier.syncs, 3*k)
	}
}

// observingBarrier lets a concurrent reader goroutine observe the target
// between phases, like a processor fetching during the protocol.
type observingBarrier struct {
	observe func()
}

func (b *observingBarrier) Synchronize() {
	if b.observe != nil {
		b.observe()
	}
}
func (b *observingBarrier) QuiesceRange(lo, hi uint64) {}

func TestAtomicVisibility(t *testing.T) {
	// A concurrent reader must only ever observe: the fully-original
	// bytes, the trap marker with any mix of old/new tail (functionally
	// the old instruction, recognized by the marker), or the fully-new
	// bytes. A first byte that is neither original, marker nor final is
	// a torn instruction.
	img := testImage(t)
	writeProgram(t, img, testBase, insnNop5)

	oldBytes := append([]byte{}, insnNop5...)
	newBytes := []byte{0xb8, 0x07, 0x00, 0x00, 0x00}

	var stop atomic.Bool
	var torn atomic.Int64
	check := func() {
		buf := make([]byte, 5)
		if err := img.ReadAt(buf, testBase); err != nil {
			return
		}
		switch buf[0] {
		case oldBytes[0]:
			if !bytes.Equal(buf, oldBytes) {
				torn.Add(1)
			}
		case 0xcc:
			// Transitional: tail may be mid-rewrite, the marker makes
			// that safe.
		case newBytes[0]:
			if !bytes.Equal(buf, newBytes) {
				torn.Add(1)
			}
		default:
			torn.Add(1)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for !stop.Load() {
			check()
		}
	}()

	p := newPatcher(img, &observingBarrier{observe: check}, 0xcc)
	for i := 0; i < 100; i++ {
		if err := p.apply(PatchSite{Addr: testBase, Old: oldBytes, New: newBytes}); err != nil {
			t.Fatal(err)
		}
		if err := p.apply(PatchSite{Addr: testBase, Old: newBytes, New: oldBytes}); err != nil {
			t.Fatal(err)
		}
	}
	stop.Store(true)
	<-done

	if n := torn.Load(); n != 0 {
		t.Errorf("observed %d torn instruction fetches", n)
	}
}
