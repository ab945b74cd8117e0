// Package hostmem is a concrete extern.FrameAllocator backed by one real
// anonymous mmap mapping on the host, sliced into fixed-size frames handed
// out from a free list. It exists so the rest of the module's test suites
// can exercise real memory instead of a hand-rolled fake, and so the
// module has a runnable reference collaborator at all.
//
// Grounded on hivekit's hive/mmap_safety.go, which reaches for raw mmap
// syscalls around page-fault-prone regions (PreFaultPages,
// ValidateMappedRegion); this package does the idiomatic version of the
// same thing with golang.org/x/sys/unix instead of syscall.Syscall(
// SYS_MADVISE, ...) directly, and MADV_DONTNEED's use in FreeUserFrame
// mirrors hivekit's tryMadvisePopulate/tryMadviseFree pairing of an advice
// call with the operation it optimizes.
package hostmem

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"defs"
	"extern"
)

// Allocator hands out PGSIZE frames cut from one large anonymous mapping.
type Allocator struct {
	mu       sync.Mutex
	region   []byte
	npages   int
	free     []extern.MPN
	released bool
}

// New creates an Allocator backed by npages frames of host memory.
func New(npages int) (*Allocator, error) {
	if npages <= 0 {
		return nil, fmt.Errorf("hostmem: npages must be positive, got %d", npages)
	}
	size := npages * defs.PGSIZE
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("hostmem: mmap %d bytes: %w", size, err)
	}
	a := &Allocator{region: region, npages: npages}
	a.free = make([]extern.MPN, npages)
	for i := 0; i < npages; i++ {
		a.free[i] = extern.MPN(npages - 1 - i)
	}
	return a, nil
}

// Close unmaps the backing region. Not part of extern.FrameAllocator; the
// owner calls it directly at shutdown.
func (a *Allocator) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.released {
		return nil
	}
	a.released = true
	return unix.Munmap(a.region)
}

func (a *Allocator) slice(mpn extern.MPN) []byte {
	off := int(mpn) * defs.PGSIZE
	return a.region[off : off+defs.PGSIZE]
}

// AllocUserFrame pops a frame off the free list, ignoring the node/color/
// type hints: a single host mapping has no NUMA topology of its own to
// honor them against.
func (a *Allocator) AllocUserFrame(_ defs.CartelID, _, _, _ int) (extern.MPN, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.free) == 0 {
		return 0, false
	}
	n := len(a.free) - 1
	mpn := a.free[n]
	a.free = a.free[:n]
	return mpn, true
}

// FreeUserFrame returns mpn to the free list and advises the kernel it can
// drop the backing physical page immediately, rather than waiting for
// memory pressure to reclaim it lazily.
func (a *Allocator) FreeUserFrame(mpn extern.MPN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.free = append(a.free, mpn)
	unix.Madvise(a.slice(mpn), unix.MADV_DONTNEED)
}

// ReadFrame returns a live byte-slice view onto mpn's frame; writes through
// it are writes to the frame, matching the teacher's Dmap8 direct-map
// convention of handing callers a slice rather than a copy.
func (a *Allocator) ReadFrame(mpn extern.MPN) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.slice(mpn)
}
