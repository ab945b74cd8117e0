// Package swap implements the swap engine (spec.md §4.6): a clock-style
// scan over the region list that picks eviction candidates, the
// swap-out execution against an extern.SwapDevice, and a
// round-robin slot ring so writes spread across the device instead of
// reusing the first free slot forever. Swap-in itself lives in the fault
// package (a swapped page is faulted back in, not proactively restored);
// this package owns only the outbound direction plus the bookkeeping a
// racing fault needs to cancel an in-flight eviction.
//
// Grounded on the teacher's res/bounds-charged loops in vm/as.go (every
// per-page step of a scan charges res.Resadd_noblock(bounds.Bounds(...))
// rather than blocking while holding the cartel lock) and on limits.go's
// Sysatomic_t pattern of plain atomics over a channel for a counter that
// many goroutines touch but few ever contend.
package swap

import (
	"sync"
	"sync/atomic"

	"bounds"
	"defs"
	"extern"
	"pte"
	"ptable"
	"region"
	"res"
)

// SlotRing hands out swap-device slot hints round-robin across capacity
// slots, so repeated swap-outs don't all pile onto slot 0.
type SlotRing struct {
	capacity uint64
	next     atomic.Uint64
}

// NewSlotRing creates a ring over [0, capacity).
func NewSlotRing(capacity uint64) *SlotRing {
	return &SlotRing{capacity: capacity}
}

// Hint returns the next slot hint in round-robin order.
func (r *SlotRing) Hint() extern.SlotID {
	if r.capacity == 0 {
		return 0
	}
	return extern.SlotID(r.next.Add(1) % r.capacity)
}

// Engine runs eviction scans and executes swap-outs for one cartel.
type Engine struct {
	Table   *ptable.Table
	Regions *region.Regionmap_t
	Frames  extern.FrameAllocator
	Device  extern.SwapDevice
	Pshare  extern.PshareBackend
	Ring    *SlotRing
	World   defs.CartelID

	mu       sync.Mutex
	cursor   int // clock hand: index into the region snapshot from the last scan
	inflight map[uintptr]*atomic.Bool // la -> cancel-requested flag, while Swapping
}

// NewEngine creates a swap engine with an empty clock hand.
func NewEngine(table *ptable.Table, regions *region.Regionmap_t, frames extern.FrameAllocator, dev extern.SwapDevice, pshare extern.PshareBackend, ring *SlotRing, world defs.CartelID) *Engine {
	return &Engine{
		Table:    table,
		Regions:  regions,
		Frames:   frames,
		Device:   dev,
		Pshare:   pshare,
		Ring:     ring,
		World:    world,
		inflight: make(map[uintptr]*atomic.Bool),
	}
}

func swappable(r *region.Region_t) bool {
	return !r.Pinned
}

// ScanAndSwapOut runs one clock pass looking for up to target pages to
// evict, resuming from wherever the previous pass left off. It returns the
// number of pages actually swapped out, which may be less than target if
// the device is unavailable or the scan budget (bounds.B_SWAP_SCAN) runs
// out first. A page whose accessed bit is set is given a second chance
// (the bit is cleared and the page is skipped this pass) rather than
// evicted immediately, the standard clock/second-chance policy.
func (e *Engine) ScanAndSwapOut(target int) (int, defs.Err_t) {
	if !e.Device.Enabled() {
		return 0, defs.ENOTSUPPORTED
	}
	regions := e.Regions.All()
	if len(regions) == 0 {
		return 0, 0
	}

	e.mu.Lock()
	start := e.cursor % len(regions)
	e.mu.Unlock()

	freed := 0
	i := 0
	for ; i < len(regions) && freed < target; i++ {
		r := regions[(start+i)%len(regions)]
		if !swappable(r) {
			continue
		}
		n, err := e.scanRegion(r, target-freed)
		freed += n
		if err != 0 && err != defs.ENORESOURCES {
			e.mu.Lock()
			e.cursor = (start + i) % len(regions)
			e.mu.Unlock()
			return freed, err
		}
		if err == defs.ENORESOURCES {
			break
		}
	}
	e.mu.Lock()
	e.cursor = (start + i) % len(regions)
	e.mu.Unlock()
	return freed, 0
}

func (e *Engine) scanRegion(r *region.Region_t, want int) (int, defs.Err_t) {
	npages := r.Length / defs.PGSIZE
	freed := 0
	err := e.Table.ForRange(r.Start, npages, func(la uintptr, entry *pte.Pte_t) defs.Err_t {
		if freed >= want {
			return defs.ECANCELLED
		}
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_SWAP_SCAN)) {
			return defs.ENORESOURCES
		}
		if entry.Tag() != pte.Present || entry.Pinned() {
			return 0
		}
		if entry.Accessed() {
			entry.ClearAccessed()
			return 0
		}
		if serr := e.swapOutOne(r, la, entry); serr == 0 {
			freed++
		}
		return 0
	})
	if err == defs.ECANCELLED {
		err = 0
	}
	return freed, err
}

// swapOutOne evicts the single Present page at la. The PTE transits
// Present -> Swapping (carrying the old MPN so a failed or cancelled write
// can put it back; a fault meanwhile gets EBUSY) -> Swapped, unless
// Cancel(la) is called before the device write returns, in which case
// the PTE is restored to Present and the device write's result, if it
// still lands, is discarded.
func (e *Engine) swapOutOne(r *region.Region_t, la uintptr, entry *pte.Pte_t) defs.Err_t {
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_SWAP_OUT_EXEC)) {
		return defs.ENORESOURCES
	}
	defer res.Resdel(bounds.Bounds(bounds.B_SWAP_OUT_EXEC))

	mpn, _ := entry.MPN()
	savedProt := entry.Protection()
	if entry.Shared() {
		// Pshared pages are reclaimed by the sharing mechanism, not swap.
		return defs.ENOTSUPPORTED
	}

	cancelled := &atomic.Bool{}
	e.mu.Lock()
	e.inflight[la] = cancelled
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.inflight, la)
		e.mu.Unlock()
	}()

	entry.SetSwapBusy(mpn, true, savedProt)

	slot, werr := e.Device.Write(e.World, e.Ring.Hint(), extern.LPN(uint64(la)>>defs.PGSHIFT), mpn)
	if werr != 0 {
		entry.SetPresent(mpn, savedProt, false, false, false)
		return werr
	}
	if cancelled.Load() {
		e.Device.FreeSlot(slot)
		entry.SetPresent(mpn, savedProt, false, false, false)
		return defs.ECANCELLED
	}

	entry.SetSwapped(slot, savedProt)
	e.Frames.FreeUserFrame(mpn)
	return 0
}

// Cancel requests that an in-flight swap-out at la abort and leave the page
// Present, used when a fault races a scan for the same address (spec.md
// §4.6's cancellation contract). It is a best-effort request: if the
// swap-out already committed to Swapped before Cancel runs, the page stays
// swapped and the caller must fault it back in normally.
func (e *Engine) Cancel(la uintptr) {
	e.mu.Lock()
	flag, ok := e.inflight[la]
	e.mu.Unlock()
	if ok {
		flag.Store(true)
	}
}
