package probe

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/derekparker/trie"
)

// Symbol names a contiguous region of the text image. The engine uses
// symbols for the deny list and for diagnostics; it works fine with an
// empty table.
type Symbol struct {
	Name string
	Addr uint64
	Size uint64
}

// registry is the concurrent index from patch address to descriptor.
//
// The descriptor map is copy-on-write: lookup loads the current map from
// an atomic.Value and never blocks, so it is safe from the trap path in
// any execution context. All structural mutation happens under mu, which
// is also the engine-wide exclusive-modification lock: probe churn is
// rare relative to probe hits, so one lock is enough.
type registry struct {
	mu sync.Mutex

	m atomic.Value // map[uint64]*Descriptor, keyed by probed address

	// slots maps slot base addresses to their owning descriptor, so the
	// dispatcher can recognize step-completion traps. Copy-on-write like
	// the descriptor map.
	slots atomic.Value // map[uint64]*Descriptor

	// draining holds descriptors whose trap has been removed but whose
	// quiescence wait has not completed. Registering at a draining
	// address fails with AlreadyDisarmingError.
	draining map[uint64]*Descriptor

	symbols   []Symbol // sorted by Addr
	denyNames *trie.Trie
	denyAddrs []addrRange

	idCounter int
}

type addrRange struct {
	lo, hi uint64
}

func newRegistry(symbols []Symbol) *registry {
	r := &registry{
		draining:  make(map[uint64]*Descriptor),
		denyNames: trie.New(),
	}
	r.symbols = make([]Symbol, len(symbols))
	copy(r.symbols, symbols)
	sort.Slice(r.symbols, func(i, j int) bool { return r.symbols[i].Addr < r.symbols[j].Addr })
	r.m.Store(map[uint64]*Descriptor{})
	r.slots.Store(map[uint64]*Descriptor{})
	return r
}

// lookup returns the descriptor at addr, or nil. Lock-free; safe from
// any execution context.
func (r *registry) lookup(addr uint64) *Descriptor {
	m := r.m.Load().(map[uint64]*Descriptor)
	return m[addr]
}

// lookupSlot returns the descriptor owning the slot whose base address
// is base, or nil. Lock-free.
func (r *registry) lookupSlot(base uint64) *Descriptor {
	m := r.slots.Load().(map[uint64]*Descriptor)
	return m[base]
}

// all returns the current descriptor map. Lock-free snapshot.
func (r *registry) all() map[uint64]*Descriptor {
	return r.m.Load().(map[uint64]*Descriptor)
}

// insert publishes d. Caller holds mu.
func (r *registry) insert(d *Descriptor) {
	old := r.m.Load().(map[uint64]*Descriptor)
	m := make(map[uint64]*Descriptor, len(old)+1)
	for k, v := range old {
		m[k] = v
	}
	m[d.addr] = d
	r.m.Store(m)
	if d.slot != nil {
		r.insertSlot(d.slot, d)
	}
}

// remove unpublishes d and moves it to the draining set. Caller holds
// mu. The descriptor stays reachable through draining until quiescence
// completes, because a concurrent trap may still be servicing it.
func (r *registry) remove(d *Descriptor) {
	old := r.m.Load().(map[uint64]*Descriptor)
	m := make(map[uint64]*Descriptor, len(old))
	for k, v := range old {
		if k != d.addr {
			m[k] = v
		}
	}
	r.m.Store(m)
	r.draining[d.addr] = d
}

// drained drops d from the draining set after its quiescence wait and
// unpublishes its slots. Caller holds mu.
func (r *registry) drained(d *Descriptor) {
	delete(r.draining, d.addr)
	if d.slot != nil {
		r.removeSlot(d.slot)
	}
	if det := d.detour.Load(); det != nil {
		r.removeSlot(det)
	}
}

func (r *registry) insertSlot(s *Slot, d *Descriptor) {
	old := r.slots.Load().(map[uint64]*Descriptor)
	m := make(map[uint64]*Descriptor, len(old)+1)
	for k, v := range old {
		m[k] = v
	}
	m[s.addr] = d
	r.slots.Store(m)
}

func (r *registry) removeSlot(s *Slot) {
	old := r.slots.Load().(map[uint64]*Descriptor)
	m := make(map[uint64]*Descriptor, len(old))
	for k, v := range old {
		if k != s.addr {
			m[k] = v
		}
	}
	r.slots.Store(m)
}

func (r *registry) nextID() int {
	r.idCounter++
	return r.idCounter
}

// denyName excludes a symbol name, or every symbol sharing a prefix,
// from probing.
func (r *registry) denyName(name string) {
	r.denyNames.Add(name, nil)
}

// denyRange excludes [lo, hi) from probing.
func (r *registry) denyRange(lo, hi uint64) {
	r.denyAddrs = append(r.denyAddrs, addrRange{lo: lo, hi: hi})
}

// symbolFor returns the symbol containing addr, if any.
func (r *registry) symbolFor(addr uint64) (Symbol, bool) {
	i := sort.Search(len(r.symbols), func(i int) bool { return r.symbols[i].Addr > addr })
	if i == 0 {
		return Symbol{}, false
	}
	s := r.symbols[i-1]
	if addr >= s.Addr+s.Size {
		return Symbol{}, false
	}
	return s, true
}

// excluded reports whether addr may not be probed, and why.
func (r *registry) excluded(addr uint64) (string, bool) {
	for _, rng := range r.denyAddrs {
		if addr >= rng.lo && addr < rng.hi {
			return "address is in an excluded region", true
		}
	}
	if sym, ok := r.symbolFor(addr); ok {
		// Denied if any deny entry is a prefix of the symbol name.
		for i := 1; i <= len(sym.Name); i++ {
			if _, found := r.denyNames.Find(sym.Name[:i]); found {
				return "symbol " + sym.Name + " is excluded", true
			}
		}
	}
	return "", false
}
