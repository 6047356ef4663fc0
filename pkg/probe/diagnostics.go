package probe

import "sort"

// ProbeInfo is a read-only view of one installed descriptor, for
// listing/introspection surfaces outside the engine.
type ProbeInfo struct {
	Addr          uint64
	Symbol        string
	State         State
	Policy        ResumePolicy
	Optimized     bool
	Registrations int
	HitCount      uint64
	MissCount     uint64
}

// Snapshot enumerates the installed descriptors, sorted by address. It
// reads the lock-free registry view and is safe to call at any time.
func (e *Engine) Snapshot() []ProbeInfo {
	m := e.reg.all()
	infos := make([]ProbeInfo, 0, len(m))
	for _, d := range m {
		infos = append(infos, ProbeInfo{
			Addr:          d.addr,
			Symbol:        d.symbol,
			State:         d.State(),
			Policy:        d.policy,
			Optimized:     d.Optimized(),
			Registrations: len(d.handlers()),
			HitCount:      d.hitCount.Load(),
			MissCount:     d.missCount.Load(),
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Addr < infos[j].Addr })
	return infos
}
