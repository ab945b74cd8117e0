// Package cartel implements the top-level address-space object: lifecycle
// (create/destroy), the brk-style data segment, the mmap/munmap/mprotect
// syscall-facing facade, the remap/move engine, and the core-dump
// enumerator (spec.md §4.7, §4.8, §4.9, §6). It is the thing that ties
// region, ptable, pte, fault, swap, pshare, quota, and stats together the
// way the teacher's vm.Vm_t ties together its Vmregion list, Pmap/P_pmap,
// and the Pgfault entry point in vm/as.go — Cartel_t plays the same role
// Vm_t does (one embedded lock guarding the region list and the page
// tables together), generalized off a single x86 pmap and the teacher's
// narrower Vmadd_*/Pgfault surface onto this module's extern-backed
// mmap/munmap/mprotect/remap facade.
package cartel

import (
	"io"
	"sync"
	"sync/atomic"

	"bounds"
	"defs"
	"extern"
	"fault"
	"prot"
	"pshare"
	"pte"
	"ptable"
	"quota"
	"region"
	"res"
	"stats"
	"swap"
)

// Cartel_t is one cartel's (address-space group's) memory manager state.
type Cartel_t struct {
	mu sync.Mutex

	ID      defs.CartelID
	Table   *ptable.Table
	Regions *region.Regionmap_t
	Quota   *quota.Table
	Swap    *swap.Engine
	Pshare  *pshare.Helper
	Stats   stats.Registry

	deps fault.Deps

	dataStart, dataEnd uintptr

	refcount int32
}

// Config bundles the external collaborators and initial limits a new
// cartel needs. Every field mirrors one of extern's interfaces; only Quota
// limits and the address-space bounds are concrete values.
type Config struct {
	World  defs.CartelID
	Frames extern.FrameAllocator
	Pshare extern.PshareBackend
	Swap   extern.SwapDevice
	Backer extern.Backing
	Guest  extern.GuestPhys
	TLB    extern.TLB

	QuotaAnon, QuotaShared, QuotaKernel, QuotaUncounted int64
	SwapSlots                                           uint64

	DataStart uintptr
}

// New creates a cartel with an empty region map and canonical page-table
// tree.
func New(cfg Config) *Cartel_t {
	table := ptable.NewTable(cfg.World, cfg.Frames)
	regions := region.NewRegionmap(table, cfg.Frames, cfg.Swap)
	ring := swap.NewSlotRing(cfg.SwapSlots)

	c := &Cartel_t{
		ID:      cfg.World,
		Table:   table,
		Regions: regions,
		Quota:   quota.NewTable(cfg.QuotaAnon, cfg.QuotaShared, cfg.QuotaKernel, cfg.QuotaUncounted),
		Pshare:  &pshare.Helper{Backend: cfg.Pshare, Frames: cfg.Frames},
		deps: fault.Deps{
			Frames: cfg.Frames,
			Pshare: cfg.Pshare,
			Swap:   cfg.Swap,
			Backer: cfg.Backer,
			Guest:  cfg.Guest,
			TLB:    cfg.TLB,
			World:  cfg.World,
		},
		dataStart: cfg.DataStart,
		dataEnd:   cfg.DataStart,
	}
	c.Swap = swap.NewEngine(table, regions, cfg.Frames, cfg.Swap, cfg.Pshare, ring, cfg.World)
	return c
}

// RefUp pins the cartel against Destroy, taken by whatever owns a thread
// currently executing in this address space.
func (c *Cartel_t) RefUp() {
	atomic.AddInt32(&c.refcount, 1)
}

// RefDown releases a pin taken by RefUp.
func (c *Cartel_t) RefDown() {
	if atomic.AddInt32(&c.refcount, -1) < 0 {
		panic("cartel: refcount underflow")
	}
}

// Destroy tears down every region, releasing backing frames and swap slots,
// then waits for the page-table walker to drain before returning. Mirrors
// vm.Vm_t.Uvmfree's full-address-space teardown loop.
func (c *Cartel_t) Destroy() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.Regions.All() {
		c.Regions.Remove(r)
		r.WaitDrained()
		if err := c.Regions.ClearRange(r.Start, r.Length, c.deps.Pshare); err != 0 {
			return err
		}
	}
	c.deps.TLB.FlushCartel(c.ID)
	c.Table.WaitDrained()
	return 0
}

func category(typ region.Backing, obj *region.BackingObj) extern.Category {
	switch typ {
	case region.Anonymous:
		return extern.CatAnon
	case region.FileBacked:
		if obj != nil && obj.Writable {
			return extern.CatShared
		}
		return extern.CatAnon
	case region.GuestPhysical:
		return extern.CatUncounted
	default:
		return extern.CatUncounted
	}
}

func (c *Cartel_t) admit(typ region.Backing, obj *region.BackingObj, length int) bool {
	if c.deps.Frames == nil {
		return true
	}
	return c.Quota.Admit(category(typ, obj), int64(length/defs.PGSIZE))
}

func (c *Cartel_t) release(typ region.Backing, obj *region.BackingObj, length int) {
	c.Quota.Release(category(typ, obj), int64(length/defs.PGSIZE))
}

// Mmap installs a new mapping. When fixed is true, addr is authoritative
// and the range must be empty (EEXISTS otherwise); if allowExtend is also
// set, the mapping is anonymous, and addr is exactly the end of an existing
// anonymous region with the same protection, that region is grown in place
// (SPEC_FULL.md §9's resolution of the extend_existing open question)
// instead of a new region being created. When fixed is false, addr is
// ignored and AllocateRange places the mapping in the first free range at
// or above the data-segment end. Takes the cartel lock for its
// entire body, the single cartel-wide lock spec.md §5 requires around every
// region-structure mutation.
func (c *Cartel_t) Mmap(addr uintptr, length int, prot pte.Prot, typ region.Backing, obj *region.BackingObj, pinned, fixed, allowExtend bool) (uintptr, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mmapLocked(addr, length, prot, typ, obj, pinned, fixed, allowExtend)
}

// mmapLocked is Mmap's body, callable directly by other Cartel_t methods
// that already hold c.mu (SetDataEnd's grow-from-empty path) without
// relocking a non-reentrant mutex.
func (c *Cartel_t) mmapLocked(addr uintptr, length int, prot pte.Prot, typ region.Backing, obj *region.BackingObj, pinned, fixed, allowExtend bool) (uintptr, defs.Err_t) {
	if length <= 0 || length%defs.PGSIZE != 0 {
		return 0, defs.EBADPARAM
	}
	if !c.admit(typ, obj, length) {
		return 0, defs.ELIMIT
	}

	if fixed {
		if !c.Regions.CheckEmpty(addr, length) {
			c.release(typ, obj, length)
			return 0, defs.EEXISTS
		}
		if allowExtend && typ == region.Anonymous {
			if _, err := c.Regions.ExtendExisting(addr, length, prot, true); err == 0 {
				return addr, 0
			}
		}
		r := region.NewRegion(addr, length, prot, typ, obj, pinned)
		if err := c.Regions.MarkInUse(r); err != 0 {
			c.release(typ, obj, length)
			return 0, err
		}
		return r.Start, 0
	}

	r, err := c.Regions.AllocateRange(c.dataEnd, ^uintptr(0), length, prot, typ, obj, pinned)
	if err != 0 {
		c.release(typ, obj, length)
		return 0, err
	}
	return r.Start, 0
}

// Munmap removes the mapping covering exactly [addr, addr+length). Partial
// unmaps of a larger region are handled by Split-ing first. Takes the
// cartel lock for the find/split/remove step so no new fault can start
// against the doomed region once it leaves the map, then drops the lock
// and waits for any fault already in flight (pinned via Region_t.RefUp) to
// finish before freeing its frames — the suspension point spec.md §5
// describes, and the reason PageFault's RefUp/RefDown pin exists at all.
func (c *Cartel_t) Munmap(addr uintptr, length int) defs.Err_t {
	c.mu.Lock()
	r := c.Regions.Find(addr)
	if r == nil {
		c.mu.Unlock()
		return defs.EINVALIDADDR
	}
	if r.Start != addr || r.Length != length {
		left, right, err := c.splitToCover(r, addr, length)
		if err != 0 {
			c.mu.Unlock()
			return err
		}
		r = right
		_ = left
	}
	c.Regions.Remove(r)
	c.mu.Unlock()

	r.WaitDrained()
	if err := c.Regions.ClearRange(r.Start, r.Length, c.deps.Pshare); err != 0 {
		return err
	}
	c.release(r.Type, r.Object, r.Length)
	c.deps.TLB.FlushCartel(c.ID)
	return 0
}

// splitToCover carves r down (via up to two Split calls) until some
// resulting region exactly matches [addr, addr+length).
func (c *Cartel_t) splitToCover(r *region.Region_t, addr uintptr, length int) (*region.Region_t, *region.Region_t, defs.Err_t) {
	if addr > r.Start {
		_, right, err := c.Regions.Split(r, int(addr-r.Start))
		if err != 0 {
			return nil, nil, err
		}
		r = right
	}
	if r.Length > length {
		left, _, err := c.Regions.Split(r, length)
		if err != 0 {
			return nil, nil, err
		}
		return left, left, 0
	}
	return r, r, 0
}

// Mprotect changes protection across [addr, addr+length). The covering
// region is first split (as Munmap does) so that the range is a region of
// its own, and that region's Prot field is also updated so later faults see
// the new limit, not just the PTEs changed right now; when the range runs
// past the covering region's end, only the PTEs are changed. Holds the cartel lock for its
// entire body and waits for any fault already in flight on r to drain
// before touching r.Prot, so fault.Handle's unsynchronized read of r.Prot
// never races this write (spec.md §5).
func (c *Cartel_t) Mprotect(addr uintptr, length int, newProt pte.Prot) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.Regions.Find(addr)
	if r == nil {
		return defs.EINVALIDADDR
	}
	r.WaitDrained()
	if r.Start != addr || r.Length != length {
		_, piece, err := c.splitToCover(r, addr, length)
		if err != 0 {
			return err
		}
		r = piece
	}
	writable := r.Type != region.FileBacked || (r.Object != nil && r.Object.Writable)
	if err := prot.SetProtection(c.Table, c.deps.TLB, c.ID, addr, length, newProt, writable); err != 0 {
		return err
	}
	if addr == r.Start && length == r.Length {
		r.Prot = newProt
	}
	return 0
}

// PageFault resolves a fault at la for access, retrying once if the PTE
// was caught mid-swap (defs.EBUSY): Swap.Cancel asks the in-flight eviction
// to restore the PTE to Present once its device write returns, and the
// single retry returns EBUSY again if that has not happened yet. Only the
// region lookup and the RefUp pin happen under the cartel lock; the lock
// is released before fault.Handle does any page-in work, since that may
// block on the backing store or swap device (spec.md §5's suspension-point
// discipline: "acquire cartel lock ... page-in: bump region refcount, drop
// cartel lock"). The pin keeps Munmap/Remap/Mprotect from freeing or
// retyping r until this fault finishes.
func (c *Cartel_t) PageFault(la uintptr, access pte.Prot) defs.Err_t {
	c.mu.Lock()
	r := c.Regions.Find(la)
	if r == nil {
		c.mu.Unlock()
		return defs.EINVALIDADDR
	}
	r.RefUp()
	c.mu.Unlock()
	defer r.RefDown()

	c.Stats.Faults.Inc()
	err := fault.Handle(c.deps, c.Table, r, la, access)
	if err == defs.EBUSY {
		c.Swap.Cancel(la)
		err = fault.Handle(c.deps, c.Table, r, la, access)
	}
	return err
}

// LookupMPN returns the machine frame currently backing la, faulting it in
// first if necessary.
func (c *Cartel_t) LookupMPN(la uintptr) (extern.MPN, defs.Err_t) {
	if err := c.PageFault(la, pte.READ); err != 0 {
		return 0, err
	}
	tb, _, err := c.Table.CanonicalPageTable(la)
	if err != 0 {
		return 0, err
	}
	defer c.Table.Release()
	mpn, ok := ptable.PTEAt(tb, la).MPN()
	if !ok {
		return 0, defs.EINVALIDADDR
	}
	return mpn, 0
}

// Resolve implements userbuf.Resolver: bring la Present and return the
// page-sized slice backing it.
func (c *Cartel_t) Resolve(la uintptr, write bool) ([]byte, defs.Err_t) {
	access := pte.READ
	if write {
		access = pte.WRITE
	}
	if err := c.PageFault(la, access); err != 0 {
		return nil, err
	}
	tb, _, err := c.Table.CanonicalPageTable(la)
	if err != 0 {
		return nil, err
	}
	defer c.Table.Release()
	mpn, ok := ptable.PTEAt(tb, la).MPN()
	if !ok {
		return nil, defs.EINVALIDADDR
	}
	return c.deps.Frames.ReadFrame(mpn), 0
}

// GetDataStart and GetDataEnd report the current brk-style data segment.
func (c *Cartel_t) GetDataStart() uintptr { return c.dataStart }
func (c *Cartel_t) GetDataEnd() uintptr   { return c.dataEnd }

// SetDataStart relocates the segment's low bound; only valid before the
// segment has been mapped (dataStart == dataEnd).
func (c *Cartel_t) SetDataStart(addr uintptr) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dataStart != c.dataEnd {
		return defs.EBUSY
	}
	c.dataStart = addr
	c.dataEnd = addr
	return 0
}

// SetDataEnd grows or shrinks the data segment to newEnd, the classic brk
// syscall. Growing extends the data region in place (ENOMEM if something
// else occupies the space, or EEXISTS when the segment was still empty and
// its first mapping overlaps something); shrinking clears and releases the pages past
// newEnd.
func (c *Cartel_t) SetDataEnd(newEnd uintptr, prot pte.Prot) defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()

	if newEnd == c.dataEnd {
		return 0
	}
	if c.dataStart == c.dataEnd {
		length := int(newEnd - c.dataStart)
		if length <= 0 {
			return defs.EBADPARAM
		}
		if _, err := c.mmapLocked(c.dataStart, length, prot, region.Anonymous, nil, false, true, false); err != 0 {
			return err
		}
		c.dataEnd = newEnd
		return 0
	}

	r := c.Regions.Find(c.dataEnd - 1)
	if r == nil {
		return defs.EINVALIDADDR
	}

	if newEnd > c.dataEnd {
		extra := int(newEnd - c.dataEnd)
		if !c.admit(r.Type, r.Object, extra) {
			return defs.ELIMIT
		}
		if !c.Regions.TryExtending(r, extra) {
			c.release(r.Type, r.Object, extra)
			return defs.ENOMEM
		}
		c.dataEnd = newEnd
		return 0
	}

	shrink := int(c.dataEnd - newEnd)
	r.WaitDrained()
	if err := c.Regions.ClearRange(newEnd, shrink, c.deps.Pshare); err != 0 {
		return err
	}
	r.Length -= shrink
	c.release(r.Type, r.Object, shrink)
	c.dataEnd = newEnd
	c.deps.TLB.FlushCartel(c.ID)
	return 0
}

// Remap implements mremap-style resizing of an existing mapping. Shrinking
// always succeeds in place. Growing tries in place first and, if mayMove
// is set and that fails, relocates the mapping to a fresh range, carrying
// every already-resolved page (Present or Swapped) over without refaulting
// it. Holds the cartel lock for its entire body (spec.md §5); a shrink
// waits for any in-flight fault on r to drain before touching r.Length or
// freeing the tail pages.
func (c *Cartel_t) Remap(oldAddr uintptr, oldLength, newLength int, mayMove bool) (uintptr, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()

	r := c.Regions.Find(oldAddr)
	if r == nil || r.Start != oldAddr || r.Length != oldLength {
		return 0, defs.EINVALIDADDR
	}

	if newLength <= oldLength {
		shrink := oldLength - newLength
		if shrink > 0 {
			r.WaitDrained()
			if err := c.Regions.ClearRange(oldAddr+uintptr(newLength), shrink, c.deps.Pshare); err != 0 {
				return 0, err
			}
			r.Length = newLength
			c.release(r.Type, r.Object, shrink)
		}
		return oldAddr, 0
	}

	grow := newLength - oldLength
	if !c.admit(r.Type, r.Object, grow) {
		return 0, defs.ELIMIT
	}
	if c.Regions.TryExtending(r, grow) {
		return oldAddr, 0
	}
	c.release(r.Type, r.Object, grow)
	if !mayMove {
		return 0, defs.ENOMEM
	}

	newStart, err := c.moveRegion(r, newLength)
	if err != 0 {
		return 0, err
	}
	return newStart, 0
}

// moveRegion relocates r to a freshly allocated range of newLength bytes,
// transferring each page's PTE state (Present/Swapped) directly rather
// than copying through a fault, then frees the old range's now-empty PTEs
// without touching the frames/slots it just moved.
func (c *Cartel_t) moveRegion(r *region.Region_t, newLength int) (uintptr, defs.Err_t) {
	r.WaitDrained()
	dst, err := c.Regions.AllocateRange(c.dataEnd, ^uintptr(0), newLength, r.Prot, r.Type, r.Object, r.Pinned)
	if err != 0 {
		return 0, err
	}

	npages := r.Length / defs.PGSIZE
	moveErr := c.Table.ForRange(r.Start, npages, func(la uintptr, entry *pte.Pte_t) defs.Err_t {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_REMAP_COPY_PTE)) {
			return defs.ENORESOURCES
		}
		if entry.Tag() != pte.Present && entry.Tag() != pte.Swapped {
			return 0
		}
		offset := la - r.Start
		dstLA := dst.Start + offset
		dtb, _, derr := c.Table.CanonicalPageTable(dstLA)
		if derr != 0 {
			return derr
		}
		dstEntry := ptable.PTEAt(dtb, dstLA)
		switch entry.Tag() {
		case pte.Present:
			mpn, _ := entry.MPN()
			dstEntry.SetPresent(mpn, entry.Protection(), entry.Pinned(), entry.Shared(), !entry.HWWriteEnabled())
		case pte.Swapped:
			slot, _ := entry.SlotID()
			dstEntry.SetSwapped(slot, entry.Protection())
		}
		c.Table.Release()
		entry.Clear()
		return 0
	})
	if moveErr != 0 {
		c.Regions.ClearRange(dst.Start, newLength, c.deps.Pshare)
		c.Regions.Remove(dst)
		return 0, moveErr
	}

	c.Regions.Remove(r)
	c.deps.TLB.FlushCartel(c.ID)
	return dst.Start, 0
}

// DumpHeader describes one mapping for the core-dump enumerator.
type DumpHeader struct {
	Start  uintptr
	Length int
	Prot   pte.Prot
	Type   region.Backing
	Pinned bool
}

// DumpMmapHeaders returns one DumpHeader per live region, ordered by
// address, for a core-dump's mapping table (spec.md §4.9).
func (c *Cartel_t) DumpMmapHeaders() []DumpHeader {
	regions := c.Regions.All()
	out := make([]DumpHeader, len(regions))
	for i, r := range regions {
		out[i] = DumpHeader{Start: r.Start, Length: r.Length, Prot: r.Prot, Type: r.Type, Pinned: r.Pinned}
	}
	return out
}

// DumpMapTypes names each Backing kind, for a core-dump's mapping-type
// legend.
func (c *Cartel_t) DumpMapTypes() map[region.Backing]string {
	return map[region.Backing]string{
		region.Anonymous:     "anonymous",
		region.FileBacked:    "file",
		region.GuestPhysical: "guest-physical",
		region.KernelText:    "kernel-text",
	}
}

// DumpMmapData writes every region's page contents to w, in address order.
// A Present page is read directly; a Swapped page is staged through a
// scratch frame read from the swap device and freed again immediately
// afterward, without disturbing the PTE (a core dump must not mutate the
// address space it's describing). Every other page, including one caught
// Swapping, is written as a page of zeros; there is no wait for an
// in-flight swap to finish.
func (c *Cartel_t) DumpMmapData(w io.Writer) defs.Err_t {
	for _, r := range c.Regions.All() {
		if r.Type == region.KernelText {
			continue
		}
		if err := c.dumpRegionData(w, r); err != 0 {
			return err
		}
	}
	return 0
}

func (c *Cartel_t) dumpRegionData(w io.Writer, r *region.Region_t) defs.Err_t {
	npages := r.Length / defs.PGSIZE
	return c.Table.ForRange(r.Start, npages, func(_ uintptr, entry *pte.Pte_t) defs.Err_t {
		switch entry.Tag() {
		case pte.Present:
			mpn, _ := entry.MPN()
			if _, err := w.Write(c.deps.Frames.ReadFrame(mpn)); err != nil {
				return defs.ENOMEM
			}
		case pte.Swapped:
			slot, _ := entry.SlotID()
			scratch, ok := c.deps.Frames.AllocUserFrame(c.ID, -1, -1, 0)
			if !ok {
				return defs.ENOMEM
			}
			defer c.deps.Frames.FreeUserFrame(scratch)
			if serr := c.deps.Swap.Read(slot, scratch); serr != 0 {
				return serr
			}
			if _, err := w.Write(c.deps.Frames.ReadFrame(scratch)); err != nil {
				return defs.ENOMEM
			}
		default:
			zero := make([]byte, defs.PGSIZE)
			if _, err := w.Write(zero); err != nil {
				return defs.ENOMEM
			}
		}
		return 0
	})
}
