// Package pshare wraps extern.PshareBackend with the page-table mechanics
// of folding one cartel's private frame into another's, the content-
// addressed sharing spec.md §4 calls out alongside swap as a way to shrink
// physical footprint without giving anything up behaviorally: a pshared
// page reads exactly like the private page it replaced and write-faults
// back apart the moment anyone writes it (the same deferred-write PTE
// state the fault handler already uses for ordinary copy-on-write).
//
// Grounded on the teacher's refcounted Page_i frames (Refup/Refdown in
// mem.go) generalized from "one frame, N page-table entries" to "one
// frame, N page-table entries across possibly different cartels",
// which is what a real content-addressed sharer needs the backend
// interface for in the first place.
package pshare

import (
	"bounds"
	"defs"
	"extern"
	"pte"
	"ptable"
	"res"
)

// Helper folds Present, stable anonymous pages into the shared backend.
type Helper struct {
	Backend extern.PshareBackend
	Frames  extern.FrameAllocator
}

// TryShare attempts to fold the frame backing entry into an existing
// pshare group, or registers it as the first member of a new one.
// Candidates must already be Present and not themselves pinned or already
// shared; callers filter for that before calling in (see ScanRegion).
// After TryShare, entry is always Shared() and its hardware write bit is
// clear, so the next write takes the ordinary COW-break path in the fault
// handler even if it is now the sole referent again.
func (h *Helper) TryShare(entry *pte.Pte_t, prot pte.Prot, pinned bool) {
	mpn, ok := entry.MPN()
	if !ok {
		return
	}
	key := h.Backend.Hash(mpn)
	winner, _ := h.Backend.Add(key, mpn)
	if winner != mpn {
		h.Frames.FreeUserFrame(mpn)
	}
	entry.SetPresent(winner, prot, pinned, true, true)
}

// Unshare drops this PTE's reference to a shared frame. Nothing in this
// module calls it: region.ClearRange drops shared references through the
// backend directly, and a write fault goes through the COW-claim path in
// the fault package, which may reuse the frame rather than truly dropping
// it.
func (h *Helper) Unshare(entry *pte.Pte_t) {
	mpn, ok := entry.MPN()
	if !ok || !entry.Shared() {
		return
	}
	key, _, ok := h.Backend.LookupByMPN(mpn)
	if !ok {
		return
	}
	h.Backend.Remove(key, mpn)
}

// ScanRegion walks [start, start+n*PGSIZE) folding eligible pages into the
// shared backend. It reuses the swap scan's budget line: both are
// best-effort background walks over the same address space and compete
// for the same per-tick allowance.
func (h *Helper) ScanRegion(table *ptable.Table, start uintptr, npages int, pinned bool) defs.Err_t {
	return table.ForRange(start, npages, func(_ uintptr, entry *pte.Pte_t) defs.Err_t {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_SWAP_SCAN)) {
			return defs.ENORESOURCES
		}
		if entry.Tag() != pte.Present || entry.Shared() || entry.Pinned() {
			return 0
		}
		h.TryShare(entry, entry.Protection(), pinned)
		return 0
	})
}
