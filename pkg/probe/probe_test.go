package probe

import (
	"testing"

	"github.com/go-probe/probe/pkg/arch"
	"github.com/go-probe/probe/pkg/mem"
)

const (
	testBase     uint64 = 0x100000
	testSize            = 1 << 16
	testPoolAddr uint64 = testBase + 1<<15
	testPoolSize        = 1 << 12
)

// testBarrier counts synchronizations. Tests that do not run a simulated
// machine have no concurrent processors, so both primitives are
// trivially satisfied.
type testBarrier struct {
	syncs int
}

func (b *testBarrier) Synchronize()               { b.syncs++ }
func (b *testBarrier) QuiesceRange(lo, hi uint64) {}

type testCtx struct {
	pc uint64
}

func (c *testCtx) PC() uint64     { return c.pc }
func (c *testCtx) SetPC(v uint64) { c.pc = v }

var (
	insnNop  = []byte{0x90}
	insnNop5 = []byte{0x0f, 0x1f, 0x44, 0x00, 0x00}
	insnMov  = []byte{0xb8, 0x2a, 0x00, 0x00, 0x00}
	insnRet  = []byte{0xc3}
)

func testImage(t *testing.T) *mem.Image {
	t.Helper()
	img, err := mem.NewImage(testBase, testSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { img.Close() })
	return img
}

// writeProgram lays out the given instructions back to back at addr and
// returns the address of each one.
func writeProgram(t *testing.T, img *mem.Image, addr uint64, insns ...[]byte) []uint64 {
	t.Helper()
	addrs := make([]uint64, len(insns))
	for i, insn := range insns {
		addrs[i] = addr
		if err := img.WriteAt(insn, addr); err != nil {
			t.Fatal(err)
		}
		addr += uint64(len(insn))
	}
	return addrs
}

func newTestEngine(t *testing.T, img *mem.Image, tweak func(*Options)) (*Engine, *testBarrier) {
	t.Helper()
	barrier := &testBarrier{}
	opts := Options{
		Image:            img,
		Arch:             arch.AMD64Arch(),
		Barrier:          barrier,
		Quiescer:         barrier,
		NumCPU:           2,
		PoolAddr:         testPoolAddr,
		PoolSize:         testPoolSize,
		DisableOptimizer: true,
	}
	if tweak != nil {
		tweak(&opts)
	}
	e, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	return e, barrier
}

func readBytes(t *testing.T, img *mem.Image, addr uint64, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	if err := img.ReadAt(buf, addr); err != nil {
		t.Fatal(err)
	}
	return buf
}
