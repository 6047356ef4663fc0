package probe

import "fmt"

// UnprobeableError is returned when trying to register a probe at an
// address the exclusion policy forbids, or at an instruction the
// classifier cannot safely relocate.
type UnprobeableError struct {
	Addr   uint64
	Reason string
}

func (e UnprobeableError) Error() string {
	return fmt.Sprintf("address %#x cannot be probed: %s", e.Addr, e.Reason)
}

// OutOfSlotsError is returned when the slot pool is exhausted. The
// registration failed but the engine is intact; the caller may retry
// after unregistering other probes.
type OutOfSlotsError struct {
	Size int
}

func (e OutOfSlotsError) Error() string {
	return fmt.Sprintf("no instruction slot of %d bytes available", e.Size)
}

// AlreadyDisarmingError is returned when registering at an address whose
// previous probe is still mid-teardown. The caller should retry once the
// quiescence wait completes.
type AlreadyDisarmingError struct {
	Addr uint64
}

func (e AlreadyDisarmingError) Error() string {
	return fmt.Sprintf("probe at %#x is being torn down, retry", e.Addr)
}

// InvalidAddressError represents the result of attempting to set a probe
// at an invalid address.
type InvalidAddressError struct {
	Addr uint64
}

func (e InvalidAddressError) Error() string {
	return fmt.Sprintf("invalid address %#x", e.Addr)
}

// NoProbeError is returned when trying to operate on a probe that does
// not exist.
type NoProbeError struct {
	Addr uint64
}

func (e NoProbeError) Error() string {
	return fmt.Sprintf("no probe at %#x", e.Addr)
}
