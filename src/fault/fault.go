// Package fault implements the page-fault handler (spec.md §4.5): the
// routine that takes a faulting linear address and access type and brings
// the backing PTE to Present, allocating, reading in, or copy-on-write
// breaking a frame as the PTE's prior state and the region's backing
// demand. Grounded almost line-for-line on the teacher's vm.Vm_t.Sys_pgfault
// in as.go: the guard-page/writeok checks, the PTE_WASCOW/PTE_COW
// deferred-write handling, the claim-in-place optimization when a
// copy-on-write frame's refcount is 1, and the zero-page install for a
// fresh anonymous read all come from that function, generalized off
// biscuit's x86 Pmap_t onto this module's Pte_t/extern collaborators.
package fault

import (
	"bounds"
	"defs"
	"extern"
	"pte"
	"ptable"
	"region"
	"res"
)

// Deps bundles the external collaborators a fault needs. One Deps is
// shared by every fault on a cartel; nothing here is per-fault state.
type Deps struct {
	Frames extern.FrameAllocator
	Pshare extern.PshareBackend
	Swap   extern.SwapDevice
	Backer extern.Backing
	Guest  extern.GuestPhys
	TLB    extern.TLB
	World  defs.CartelID
}

// Handle resolves a fault at la for access (READ, WRITE, or EXEC) inside r,
// whose canonical PTE lives in table. Returns 0 on success (the PTE is now
// Present and permits access), defs.EBUSY if the PTE was mid-swap and the
// caller should retry after yielding, or another Err_t if the fault cannot
// be resolved at all (bad access, backing-store failure, out of resources).
func Handle(d Deps, table *ptable.Table, r *region.Region_t, la uintptr, access pte.Prot) defs.Err_t {
	if !access.Subset(r.Prot) {
		return defs.ENOACCESS
	}
	if !res.Resadd_noblock(bounds.Bounds(bounds.B_FAULT_PAGEIN)) {
		return defs.ENORESOURCES
	}
	defer res.Resdel(bounds.Bounds(bounds.B_FAULT_PAGEIN))

	tb, _, err := table.CanonicalPageTable(la)
	if err != 0 {
		return err
	}
	defer table.Release()
	entry := ptable.PTEAt(tb, la)

	switch entry.Tag() {
	case pte.InUse:
		return handleFirstTouch(d, r, la, access, entry)
	case pte.Present:
		return handlePresent(d, r, la, access, entry)
	case pte.Swapping:
		// Another thread is mid-swap on this page; the caller should back
		// off and retry rather than spin inside the fault path (spec.md
		// §4.5's restart semantics).
		return defs.EBUSY
	case pte.Swapped:
		return handleSwapIn(d, r, la, access, entry)
	default:
		return defs.EINVALIDADDR
	}
}

func handleFirstTouch(d Deps, r *region.Region_t, la uintptr, access pte.Prot, entry *pte.Pte_t) defs.Err_t {
	mpn, ok := d.Frames.AllocUserFrame(d.World, -1, -1, int(r.Type))
	if !ok {
		return defs.ENOMEM
	}

	switch r.Type {
	case region.Anonymous:
		zero(d.Frames, mpn)
		// A fresh page is exclusively owned. A read fault on a writable
		// region installs it with the write bit deferred, so the first
		// write re-faults; a write fault installs it writable at once.
		entry.SetPresent(mpn, r.Prot, r.Pinned, false, r.Prot&pte.WRITE != 0 && access&pte.WRITE == 0)

	case region.FileBacked, region.KernelText:
		if d.Backer == nil {
			d.Frames.FreeUserFrame(mpn)
			return defs.ENOTSUPPORTED
		}
		if _, ferr := d.Backer.ReadPage(r.Object.Handle, mpn, r.Object.Offset+int64(la-r.Start)); ferr != 0 {
			d.Frames.FreeUserFrame(mpn)
			return ferr
		}
		shared := r.Object.Writable
		deferWrite := !shared && r.Prot&pte.WRITE != 0
		entry.SetPresent(mpn, r.Prot, r.Pinned, shared, deferWrite)

	case region.GuestPhysical:
		if d.Guest == nil {
			d.Frames.FreeUserFrame(mpn)
			return defs.ENOTSUPPORTED
		}
		real, gerr := d.Guest.Resolve(r.Object.Handle, extern.PPN(uint64(la-r.Start)/uint64(defs.PGSIZE)))
		if gerr != 0 {
			d.Frames.FreeUserFrame(mpn)
			return gerr
		}
		d.Frames.FreeUserFrame(mpn) // drop the scratch frame; we map the guest's directly
		entry.SetPresent(real, r.Prot, r.Pinned, true, false)

	default:
		d.Frames.FreeUserFrame(mpn)
		return defs.ENOTSUPPORTED
	}
	return 0
}

func handlePresent(d Deps, r *region.Region_t, la uintptr, access pte.Prot, entry *pte.Pte_t) defs.Err_t {
	if access&pte.WRITE == 0 || entry.HWWriteEnabled() {
		return 0
	}
	mpn, _ := entry.MPN()
	if !entry.Shared() {
		entry.EnableWrite()
		return 0
	}

	key, count, ok := d.Pshare.LookupByMPN(mpn)
	if ok && count <= 1 {
		// We are the last referent of this shared frame: claim it in place
		// rather than copying, the teacher's refcount-1 COW-claim fast
		// path in Page_insert.
		d.Pshare.Remove(key, mpn)
		entry.SetPresent(mpn, r.Prot, r.Pinned, false, false)
		d.TLB.InvalidatePage(d.World, la)
		return 0
	}

	newMPN, allocOK := d.Frames.AllocUserFrame(d.World, -1, -1, int(r.Type))
	if !allocOK {
		return defs.ENOMEM
	}
	copy(d.Frames.ReadFrame(newMPN), d.Frames.ReadFrame(mpn))
	if ok {
		d.Pshare.Remove(key, mpn)
	}
	entry.SetPresent(newMPN, r.Prot, r.Pinned, false, false)
	d.TLB.InvalidatePage(d.World, la)
	return 0
}

func handleSwapIn(d Deps, r *region.Region_t, la uintptr, access pte.Prot, entry *pte.Pte_t) defs.Err_t {
	slot, _ := entry.SlotID()
	savedProt := entry.Protection()
	entry.SetSwapBusy(0, false, savedProt)

	// Bringing back a page the region permits executing costs more than a
	// plain swap-in: the instruction cache needs the fresh frame synced
	// before it is safe to run, so charge the dedicated exec-reload budget
	// on top of the fault path's general B_FAULT_PAGEIN charge.
	if savedProt&pte.EXEC != 0 {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_SWAP_IN_EXEC)) {
			entry.SetSwapped(slot, savedProt)
			return defs.ENORESOURCES
		}
		defer res.Resdel(bounds.Bounds(bounds.B_SWAP_IN_EXEC))
	}

	mpn, ok := d.Frames.AllocUserFrame(d.World, -1, -1, int(r.Type))
	if !ok {
		entry.SetSwapped(slot, savedProt)
		return defs.ENOMEM
	}
	if serr := d.Swap.Read(slot, mpn); serr != 0 {
		d.Frames.FreeUserFrame(mpn)
		entry.SetSwapped(slot, savedProt)
		return serr
	}
	d.Swap.FreeSlot(slot)
	deferWrite := savedProt&pte.WRITE != 0 && access&pte.WRITE == 0
	entry.SetPresent(mpn, savedProt, r.Pinned, false, deferWrite)
	return 0
}

func zero(frames extern.FrameAllocator, mpn extern.MPN) {
	buf := frames.ReadFrame(mpn)
	for i := range buf {
		buf[i] = 0
	}
}
