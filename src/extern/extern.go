// Package extern declares the contracts the memory manager consumes from
// the rest of the hypervisor: the physical frame allocator, the
// content-addressed page-sharing backend, the swap device, the memory
// scheduler's admission and usage counters, TLB shootdown, and the two
// page-in sources (backing files and guest-physical memory). spec.md §1
// calls these out explicitly as non-goals of this module — they are
// external collaborators whose contracts we consume, not reimplement.
//
// Grounded on the teacher's mem.Page_i / fdops.Fdops_i interface style:
// a small, behavior-only interface that the concrete physical allocator
// (outside this module's scope) must satisfy.
package extern

import "defs"

// MPN is a machine (physical) page number.
type MPN uint64

// LPN is a linear page number within a cartel's address space.
type LPN uint64

// PPN is a guest-physical page number (for virtualized guests).
type PPN uint64

// SlotID identifies a swap-device slot.
type SlotID uint64

// PshareKey is the content-hash key used to fold identical read-only pages.
type PshareKey [32]byte

// Category groups regions for quota accounting (spec.md §4.3 admission
// check and §6 per-category usage counters).
type Category int

const (
	CatAnon Category = iota
	CatShared
	CatKernel
	CatUncounted
)

// FrameAllocator hands out and reclaims physical frames. Mirrors the
// teacher's mem.Page_i, renamed to the spec's MPN vocabulary.
type FrameAllocator interface {
	AllocUserFrame(world defs.CartelID, nodeHint, colorHint, typeHint int) (MPN, bool)
	FreeUserFrame(MPN)
	// ReadFrame gives the codec access to a frame's contents (a live view
	// that callers may also write through) without exposing the
	// allocator's internal direct-map mechanics.
	ReadFrame(MPN) []byte
}

// PshareBackend performs opportunistic content-addressed page sharing.
type PshareBackend interface {
	Hash(MPN) PshareKey
	Add(key PshareKey, mpn MPN) (sharedMPN MPN, count int)
	LookupByMPN(mpn MPN) (key PshareKey, count int, ok bool)
	Remove(key PshareKey, mpn MPN) (count int)
}

// SwapDevice persists and restores page contents to swap storage.
type SwapDevice interface {
	Write(world defs.CartelID, slotHint SlotID, lpn LPN, mpn MPN) (SlotID, defs.Err_t)
	Read(slot SlotID, mpn MPN) defs.Err_t
	FreeSlot(SlotID)
	Enabled() bool
}

// MemSched gates admission of new pageable/shared/pinned virtual pages and
// reports per-category usage, standing in for the real memory scheduler.
type MemSched interface {
	Admit(world defs.CartelID, cat Category, deltaPages int) bool
	Usage(world defs.CartelID) Usage_t
}

// Usage_t is the set of per-world usage counters the scheduler reports;
// spec.md §8 invariant 3 requires their sum to track the region list.
type Usage_t struct {
	Pageable int64
	Shared   int64
	Swapped  int64
	Pinned   int64
	ByCat    [4]int64
}

// TLB performs cartel-wide and single-page shootdowns. Grounded on the
// teacher's as.go Tlbshoot (cpumap-driven broadcast with a fast path when
// the pmap is loaded on exactly one CPU).
type TLB interface {
	FlushCartel(world defs.CartelID)
	InvalidatePage(world defs.CartelID, va uintptr)
}

// Backing reads page-sized slices out of a file-backed mapping's backing
// object.
type Backing interface {
	ReadPage(obj any, mpn MPN, offset int64) (bytesRead int, err defs.Err_t)
}

// GuestPhys resolves a virtualized guest's physical page to a machine
// frame, used by GuestPhysical-backed regions.
type GuestPhys interface {
	Resolve(vmmLeader any, ppn PPN) (MPN, defs.Err_t)
}
