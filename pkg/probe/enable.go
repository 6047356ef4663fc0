package probe

import "sync/atomic"

func newEnabled() *atomic.Bool {
	b := new(atomic.Bool)
	b.Store(true)
	return b
}

// Disable temporarily deactivates this registration without removing it
// from the chain. When the last enabled registration at an address is
// disabled, the trap itself is removed; the descriptor and its slot stay
// allocated for a later Enable.
func (r *Registration) Disable() error {
	e := r.e
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()

	d := e.reg.lookup(r.addr)
	entry := findEntry(d, r.id)
	if entry == nil {
		return NoProbeError{Addr: r.addr}
	}
	entry.enabled.Store(false)

	if d.enabledCount() == 0 && d.State() == Armed {
		if d.Optimized() {
			e.unoptimize(d)
		}
		if err := e.disarm(d); err != nil {
			entry.enabled.Store(true)
			return err
		}
		d.setState(Unarmed)
	}
	return nil
}

// Enable reactivates a disabled registration, re-installing the trap if
// necessary.
func (r *Registration) Enable() error {
	e := r.e
	e.reg.mu.Lock()
	defer e.reg.mu.Unlock()

	d := e.reg.lookup(r.addr)
	entry := findEntry(d, r.id)
	if entry == nil {
		return NoProbeError{Addr: r.addr}
	}
	entry.enabled.Store(true)

	if d.State() == Unarmed {
		if err := e.arm(d); err != nil {
			entry.enabled.Store(false)
			return err
		}
		e.opt.consider(d)
	}
	return nil
}

func findEntry(d *Descriptor, id int) *handlerEntry {
	if d == nil {
		return nil
	}
	chain := d.handlers()
	for i := range chain {
		if chain[i].id == id {
			return &chain[i]
		}
	}
	return nil
}
