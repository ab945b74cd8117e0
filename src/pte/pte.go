// Package pte implements the per-page state word: the leaf codec spec.md
// §4.1 describes, packing the tag (Empty/InUse/Present/Swapping/Swapped),
// protection, flags, and a payload (region identifier, MPN, or swap slot)
// into one machine word. Grounded on mem.Pa_t/PTE_P/PTE_W/PTE_ADDR in the
// teacher's mem package: a real architectural PTE packs a physical address
// and flag bits into the low/high halves of a word, and this module reuses
// that trick for its own (non-hardware) per-page word.
package pte

import (
	"sync/atomic"

	"extern"
)

// Prot is a protection bitmask; READ/WRITE/EXEC mirror the teacher's
// PTE_U/PTE_W convention of treating permission as independent bits.
type Prot uint8

const (
	READ Prot = 1 << iota
	WRITE
	EXEC
)

// Subset reports whether p is a subset of other (spec.md §8 invariant 2:
// a PTE's protection must be a subset of its region's protection).
func (p Prot) Subset(other Prot) bool {
	return p&^other == 0
}

// State is the PTE's tag (spec.md §3).
type State uint8

const (
	Empty State = iota
	InUse
	Present
	Swapping
	Swapped
)

func (s State) String() string {
	switch s {
	case Empty:
		return "empty"
	case InUse:
		return "in-use"
	case Present:
		return "present"
	case Swapping:
		return "swapping"
	case Swapped:
		return "swapped"
	default:
		return "invalid"
	}
}

// Bit layout of the packed word (low to high):
//
//	[0:3)   tag            (State)
//	[3:6)   protection     (Prot)
//	6       pinned
//	7       shared
//	8       hw-write-enabled
//	9       accessed
//	10      swap-has-mpn (Swapping only: true=outbound, false=inbound)
//	[16:64) payload: region id (InUse), MPN (Present/Swapping-out), slot id (Swapped)
const (
	tagShift      = 0
	tagMask       = 0x7
	protShift     = 3
	protMask      = 0x7
	pinnedBit     = 1 << 6
	sharedBit     = 1 << 7
	hwWriteBit    = 1 << 8
	accessedBit   = 1 << 9
	swapHasMPNBit = 1 << 10
	payloadShift  = 16
)

// Pte_t is one page-table entry. The word is stored behind sync/atomic so
// the hardware MMU (or a concurrent walker) never observes a torn update,
// matching spec.md §4.1's "atomic writes use immediate-store helpers".
type Pte_t struct {
	word atomic.Uint64
}

func pack(tag State, prot Prot, flags uint64, payload uint64) uint64 {
	return uint64(tag)<<tagShift | uint64(prot)<<protShift | flags | payload<<payloadShift
}

func (pte *Pte_t) load() uint64 {
	return pte.word.Load()
}

// Tag returns the PTE's current state.
func (pte *Pte_t) Tag() State {
	return State(pte.load() >> tagShift & tagMask)
}

// Protection returns the PTE's stored protection bits.
func (pte *Pte_t) Protection() Prot {
	return Prot(pte.load() >> protShift & protMask)
}

// Pinned reports whether the page is pinned (non-swappable, quota-reserved).
func (pte *Pte_t) Pinned() bool {
	return pte.load()&pinnedBit != 0
}

// Shared reports whether the mapped frame is pshared (Present only).
func (pte *Pte_t) Shared() bool {
	return pte.load()&sharedBit != 0
}

// HWWriteEnabled reports whether the hardware write bit is set.
func (pte *Pte_t) HWWriteEnabled() bool {
	return pte.load()&hwWriteBit != 0
}

// Accessed reports the hardware accessed bit (set on install, cleared by
// the swap scan's first pass over a page).
func (pte *Pte_t) Accessed() bool {
	return pte.load()&accessedBit != 0
}

// ClearAccessed clears the accessed bit in place, used by the swap scan.
func (pte *Pte_t) ClearAccessed() {
	for {
		old := pte.load()
		if old&accessedBit == 0 {
			return
		}
		if pte.word.CompareAndSwap(old, old&^uint64(accessedBit)) {
			return
		}
	}
}

// MPN returns the machine frame, valid for Present, or for Swapping when
// SwapHasMPN is true (outbound swap).
func (pte *Pte_t) MPN() (extern.MPN, bool) {
	tag := pte.Tag()
	if tag == Present || (tag == Swapping && pte.SwapHasMPN()) {
		return extern.MPN(pte.load() >> payloadShift), true
	}
	return 0, false
}

// RegionID returns the owning region identifier, valid for InUse.
func (pte *Pte_t) RegionID() (uint32, bool) {
	if pte.Tag() != InUse {
		return 0, false
	}
	return uint32(pte.load() >> payloadShift), true
}

// SlotID returns the swap slot, valid for Swapped.
func (pte *Pte_t) SlotID() (extern.SlotID, bool) {
	if pte.Tag() != Swapped {
		return 0, false
	}
	return extern.SlotID(pte.load() >> payloadShift), true
}

// SwapHasMPN reports, for a Swapping PTE, whether the payload holds a
// valid MPN (outbound) rather than being meaningless (inbound).
func (pte *Pte_t) SwapHasMPN() bool {
	return pte.load()&swapHasMPNBit != 0
}

// SetPresent installs mpn as the mapping. When deferWrite is true and prot
// includes WRITE, the hardware write bit is left clear so the first write
// re-faults — this is how a freshly-installed read fault defers the
// copy-on-write decision to the next write fault (spec.md §4.5 step 4).
// The hardware write bit is never set when prot lacks WRITE.
func (pte *Pte_t) SetPresent(mpn extern.MPN, prot Prot, pinned, shared, deferWrite bool) {
	var flags uint64
	if pinned {
		flags |= pinnedBit
	}
	if shared {
		flags |= sharedBit
	}
	if prot&WRITE != 0 && !deferWrite {
		flags |= hwWriteBit
	}
	flags |= accessedBit
	pte.word.Store(pack(Present, prot, flags, uint64(mpn)))
}

// SetInUse reserves the PTE for region without backing it with a frame
// yet; a fault will materialize it.
func (pte *Pte_t) SetInUse(prot Prot, regionID uint32) {
	pte.word.Store(pack(InUse, prot, 0, uint64(regionID)))
}

// SetSwapBusy transitions the PTE into transit. If hasMPN is true this is
// an outbound swap (mpn still backs the page); otherwise it is inbound and
// mpn is ignored. savedProt is the protection to restore the PTE to if the
// swap is rolled back.
func (pte *Pte_t) SetSwapBusy(mpn extern.MPN, hasMPN bool, savedProt Prot) {
	var flags uint64
	if hasMPN {
		flags |= swapHasMPNBit
	}
	payload := uint64(0)
	if hasMPN {
		payload = uint64(mpn)
	}
	pte.word.Store(pack(Swapping, savedProt, flags, payload))
}

// SetSwapped records that the page's content now lives in swap slot.
func (pte *Pte_t) SetSwapped(slot extern.SlotID, prot Prot) {
	pte.word.Store(pack(Swapped, prot, 0, uint64(slot)))
}

// Clear resets the PTE to Empty.
func (pte *Pte_t) Clear() {
	pte.word.Store(0)
}

// EnableWrite sets the hardware write bit on a Present PTE and reports
// whether a TLB flush is required: true whenever it set the bit (some other
// CPU may have cached the old read-only translation), false when the PTE is
// not Present or the bit was already set.
func (pte *Pte_t) EnableWrite() bool {
	for {
		old := pte.load()
		if State(old>>tagShift&tagMask) != Present {
			return false
		}
		if old&hwWriteBit != 0 {
			return false
		}
		if pte.word.CompareAndSwap(old, old|hwWriteBit) {
			return true
		}
	}
}

// DisableWrite clears the hardware write bit on a Present PTE and reports
// whether a TLB flush is required.
func (pte *Pte_t) DisableWrite() bool {
	for {
		old := pte.load()
		if State(old>>tagShift&tagMask) != Present {
			return false
		}
		if old&hwWriteBit == 0 {
			return false
		}
		if pte.word.CompareAndSwap(old, old&^uint64(hwWriteBit)) {
			return true
		}
	}
}

// Rewrite replaces the stored protection in place without otherwise
// disturbing tag/flags/payload — used by the protection manager on every
// PTE it changes, Present or not (spec.md §4.4).
func (pte *Pte_t) Rewrite(prot Prot) {
	for {
		old := pte.load()
		newWord := (old &^ (uint64(protMask) << protShift)) | uint64(prot)<<protShift
		if pte.word.CompareAndSwap(old, newWord) {
			return
		}
	}
}
