package mem

import (
	sys "golang.org/x/sys/unix"
)

// mapMemory allocates size bytes of page-aligned anonymous memory. The
// image backs simulated text, so the mapping is never PROT_EXEC; page
// alignment matters because slot pool carving assumes it.
func mapMemory(size int) ([]byte, func() error, error) {
	buf, err := sys.Mmap(-1, 0, size, sys.PROT_READ|sys.PROT_WRITE, sys.MAP_ANON|sys.MAP_PRIVATE)
	if err != nil {
		return nil, nil, err
	}
	return buf, func() error { return sys.Munmap(buf) }, nil
}
