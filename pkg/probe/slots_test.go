package probe

import (
	"testing"
)

func newTestPool(t *testing.T, size, slotCap int) *slotPool {
	t.Helper()
	img := testImage(t)
	p, err := newSlotPool(img, testPoolAddr, size, slotCap, 0xcc)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestSlotPoolBumpAllocation(t *testing.T) {
	p := newTestPool(t, 4*16, 16)

	var prev *Slot
	for i := 0; i < 4; i++ {
		s, err := p.acquire(10, testBase)
		if err != nil {
			t.Fatal(err)
		}
		if want := testPoolAddr + uint64(i*16); s.addr != want {
			t.Errorf("slot %d at %#x, want %#x", i, s.addr, want)
		}
		if prev != nil && s.addr < prev.addr+uint64(prev.size) {
			t.Errorf("slot %d overlaps previous", i)
		}
		prev = s
	}

	if _, err := p.acquire(10, testBase); err == nil {
		t.Fatal("exhausted pool still allocates")
	} else if _, ok := err.(OutOfSlotsError); !ok {
		t.Fatalf("expected OutOfSlotsError, got %v", err)
	}
}

func TestSlotPoolOversizeRequest(t *testing.T) {
	p := newTestPool(t, 64, 16)
	if _, err := p.acquire(17, testBase); err == nil {
		t.Fatal("oversize request granted")
	} else if _, ok := err.(OutOfSlotsError); !ok {
		t.Fatalf("expected OutOfSlotsError, got %v", err)
	}
}

func TestSlotPoolReuseAfterRelease(t *testing.T) {
	p := newTestPool(t, 2*16, 16)

	a, err := p.acquire(8, testBase)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.acquire(8, testBase); err != nil {
		t.Fatal(err)
	}
	if _, err := p.acquire(8, testBase); err == nil {
		t.Fatal("pool should be exhausted")
	}

	p.release(a)
	s, err := p.acquire(8, testBase)
	if err != nil {
		t.Fatalf("release did not make a slot available: %v", err)
	}
	if s.addr != a.addr {
		t.Errorf("reused slot at %#x, want %#x", s.addr, a.addr)
	}
}

func TestSlotPoolNearPreference(t *testing.T) {
	p := newTestPool(t, 8*16, 16)

	slots := make([]*Slot, 8)
	for i := range slots {
		s, err := p.acquire(8, 0)
		if err != nil {
			t.Fatal(err)
		}
		slots[i] = s
	}
	// Free the first and the last; a nearby request must pick the closer.
	p.release(slots[0])
	p.release(slots[7])

	s, err := p.acquire(8, slots[7].addr+4)
	if err != nil {
		t.Fatal(err)
	}
	if s.addr != slots[7].addr {
		t.Errorf("allocation near end picked %#x, want %#x", s.addr, slots[7].addr)
	}
	s, err = p.acquire(8, testPoolAddr)
	if err != nil {
		t.Fatal(err)
	}
	if s.addr != slots[0].addr {
		t.Errorf("allocation near base picked %#x, want %#x", s.addr, slots[0].addr)
	}
}

func TestSlotReleaseScrubs(t *testing.T) {
	p := newTestPool(t, 64, 16)
	s, err := p.acquire(8, testBase)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.img.WriteAt([]byte{1, 2, 3, 4, 5, 6, 7, 8}, s.addr); err != nil {
		t.Fatal(err)
	}
	p.release(s)

	buf := make([]byte, s.size)
	if err := p.img.ReadAt(buf, s.addr); err != nil {
		t.Fatal(err)
	}
	for i, b := range buf {
		if b != 0xcc {
			t.Fatalf("byte %d of released slot is %#x, want trap fill", i, b)
		}
	}
}

func TestSlotBase(t *testing.T) {
	p := newTestPool(t, 4*16, 16)
	for _, tc := range []struct{ addr, want uint64 }{
		{testPoolAddr, testPoolAddr},
		{testPoolAddr + 1, testPoolAddr},
		{testPoolAddr + 15, testPoolAddr},
		{testPoolAddr + 16, testPoolAddr + 16},
		{testPoolAddr + 37, testPoolAddr + 32},
	} {
		if got := p.slotBase(tc.addr); got != tc.want {
			t.Errorf("slotBase(%#x) = %#x, want %#x", tc.addr, got, tc.want)
		}
	}
}
