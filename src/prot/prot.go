// Package prot implements the protection manager (spec.md §4.4): changing
// the permitted access on a range of pages, regardless of which transit
// state each individual PTE currently sits in. The teacher has no generic
// mprotect entry point; this is grounded instead on the writeok check
// Sys_pgfault (vm/as.go) runs before doing any page-in work
// (`writeok := vmi.Perms&uint(PTE_W) != 0`, rejecting a write against a
// read-only region before touching any PTE) and on Page_insert's handling
// of the hardware write bit versus the stored protection field,
// generalized into a two-pass range operation: one pass verifies every PTE
// can accept the change, the second mutates, so a rejected call never
// touches a PTE the first pass already walked past.
package prot

import (
	"bounds"
	"defs"
	"extern"
	"pte"
	"ptable"
	"res"
)

// SetProtection changes the stored (and, for Present pages, hardware)
// protection across [start, start+length) to newProt. It never faults a
// page in: an InUse or Swapped/Swapping PTE just has its saved protection
// field rewritten, to take effect the next time the page is faulted in or
// swapped back. A Present PTE whose new protection drops WRITE has its
// hardware write bit cleared immediately and the page invalidated on every
// CPU that might have cached the old translation, so a concurrent writer
// cannot race past the permission change (spec.md §8 invariant: a
// protection downgrade is visible before SetProtection returns). A Present
// PTE whose new protection adds WRITE is *not* granted the hardware write
// bit here even if nothing marks the page copy-on-write: the next write
// fault re-derives whether a COW break is required and installs the bit
// then, so this function never has to reason about sharing state itself.
//
// writable reports whether the region's backing object permits WRITE at
// all (always true for anonymous/guest-physical regions; false for a
// file-backed region opened read-only). Setting WRITE on a non-writable
// backing is rejected with NoAccess before either pass runs. Dropping all
// access (newProt == NONE) on a region with any Present PTE is rejected
// with Busy: this module has no page-out-on-protect path, so there is no
// way to honor a NONE downgrade on a mapped page without silently losing
// the mapping.
//
// The range is walked twice. The first pass only verifies — checks every
// PTE's tag and the Busy/NoAccess conditions above, and reserves the
// per-page budget the second pass will spend — so any rejection leaves
// every PTE exactly as SetProtection found it (spec.md §4.4: "verification
// pass runs before mutation pass; if verification returns non-OK for any
// region the whole call fails without mutation"). The second pass cannot
// fail: everything it does was already validated by the first.
func SetProtection(table *ptable.Table, tlb extern.TLB, world defs.CartelID, start uintptr, length int, newProt pte.Prot, writable bool) defs.Err_t {
	if length <= 0 || length%defs.PGSIZE != 0 {
		return defs.EBADPARAM
	}
	if newProt&pte.WRITE != 0 && !writable {
		return defs.ENOACCESS
	}
	npages := length / defs.PGSIZE

	verifyErr := table.ForRange(start, npages, func(_ uintptr, entry *pte.Pte_t) defs.Err_t {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_FAULT_PAGEIN)) {
			return defs.ENORESOURCES
		}
		switch entry.Tag() {
		case pte.Empty:
			return defs.EINVALIDADDR
		case pte.Present:
			if newProt == 0 { // prot = NONE: no READ, WRITE, or EXEC bit
				return defs.EBUSY
			}
		}
		return 0
	})
	if verifyErr != 0 {
		return verifyErr
	}

	table.ForRange(start, npages, func(la uintptr, entry *pte.Pte_t) defs.Err_t {
		switch entry.Tag() {
		case pte.InUse:
			entry.Rewrite(newProt)
		case pte.Present:
			hadWrite := entry.HWWriteEnabled()
			entry.Rewrite(newProt)
			if newProt&pte.WRITE == 0 && hadWrite {
				entry.DisableWrite()
				tlb.InvalidatePage(world, la)
			}
		case pte.Swapping, pte.Swapped:
			entry.Rewrite(newProt)
		}
		return 0
	})
	return 0
}

// CheckAccess reports whether access (a subset of READ|WRITE|EXEC) is
// permitted by prot, the invariant the fault handler checks before doing
// any work (spec.md §4.5 step 1).
func CheckAccess(access, prot pte.Prot) bool {
	return access.Subset(prot)
}
