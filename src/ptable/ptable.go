// Package ptable walks and materializes the address space's page tables:
// the canonical tree every thread shares, plus the lightweight private
// roots threads use to cache a weak reference to the canonical tables they
// touch. Grounded on the teacher's mem.Pmap_t ([512]Pa_t, a 4K-aligned
// table of slots) and vm.Vm_t's P_pmap/Pmap canonical-root pair, but
// simplified to two levels: this module has no hardware walker to satisfy,
// so a two-level radix (directory -> table of 512 PTEs) is enough to carry
// the same "allocate tables on demand, release them when done" contract.
package ptable

import (
	"sync"

	"defs"
	"extern"
	"pte"
)

const (
	// tableBits is the number of VPN bits a leaf table covers.
	tableBits = 9
	tableSize = 1 << tableBits
	tableMask = tableSize - 1
)

// table is one leaf page table: tableSize consecutive PTEs.
type table struct {
	entries [tableSize]pte.Pte_t
	mpn     extern.MPN // backing frame, for bookkeeping/teardown only
}

func split(vpn uint64) (dirIdx uint64, leafIdx uint64) {
	return vpn >> tableBits, vpn & tableMask
}

// Table is the canonical page-table tree for one cartel's address space.
// Every thread's private root ultimately resolves into the same *table
// pointers held here, so a PTE materialized by one thread is immediately
// visible to every other thread walking the same VPN.
type Table struct {
	mu   sync.Mutex
	dirs map[uint64]*table

	// outstanding is the walker's reference counter: incremented whenever a
	// lookup hands out a *table the caller must later Release, decremented
	// by Release. Teardown (spec.md §4.7 destroy) waits for it to reach 0.
	outstanding int32
	drained     sync.Cond

	alloc extern.FrameAllocator
	world defs.CartelID

	maxDirs int // 0 means unlimited; a reached cap makes allocation fail with ENOMEM
}

// NewTable creates an empty canonical tree backed by alloc for table-page
// frames.
func NewTable(world defs.CartelID, alloc extern.FrameAllocator) *Table {
	t := &Table{
		dirs:  make(map[uint64]*table),
		alloc: alloc,
		world: world,
	}
	t.drained.L = &t.mu
	return t
}

// SetMaxDirs caps the number of directories this tree will allocate,
// simulating physical-frame exhaustion; 0 removes the cap. Test-only.
func (t *Table) SetMaxDirs(n int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.maxDirs = n
}

// canonicalTable returns the leaf table for vpn's directory, allocating one
// if none exists yet. Must be called with t.mu held.
func (t *Table) canonicalTable(dirIdx uint64) (*table, defs.Err_t) {
	if tb, ok := t.dirs[dirIdx]; ok {
		return tb, 0
	}
	if t.maxDirs != 0 && len(t.dirs) >= t.maxDirs {
		return nil, defs.ENOMEM
	}
	mpn, ok := t.alloc.AllocUserFrame(t.world, -1, -1, 0)
	if !ok {
		return nil, defs.ENOMEM
	}
	tb := &table{mpn: mpn}
	t.dirs[dirIdx] = tb
	return tb, 0
}

// CanonicalPageTable locates or creates the leaf table backing la in the
// canonical tree, bumping the outstanding-reference counter. The caller
// must call Release exactly once when done with the returned table.
func (t *Table) CanonicalPageTable(la uintptr) (*table, extern.MPN, defs.Err_t) {
	vpn := uint64(la) >> defs.PGSHIFT
	dirIdx, _ := split(vpn)

	t.mu.Lock()
	defer t.mu.Unlock()
	tb, err := t.canonicalTable(dirIdx)
	if err != 0 {
		return nil, 0, err
	}
	t.outstanding++
	return tb, tb.mpn, 0
}

// Release decrements the outstanding-table reference counter, waking any
// teardown waiting for it to drain.
func (t *Table) Release() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.outstanding == 0 {
		panic("ptable: Release without matching acquire")
	}
	t.outstanding--
	if t.outstanding == 0 {
		t.drained.Broadcast()
	}
}

// WaitDrained blocks until every CanonicalPageTable/PrivateRoot lookup has
// been released. Used by cartel teardown before it frees the tree's frames.
func (t *Table) WaitDrained() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for t.outstanding != 0 {
		t.drained.Wait()
	}
}

// PTEAt returns the PTE slot for la within tb (as returned by
// CanonicalPageTable or LookupPageTable).
func PTEAt(tb *table, la uintptr) *pte.Pte_t {
	_, leafIdx := split(uint64(la) >> defs.PGSHIFT)
	return &tb.entries[leafIdx]
}

// PrivateRoot is a thread-local cache of weak references into a Table's
// canonical directories, mirroring the teacher's per-thread pmap that
// shadows the process-wide canonical root. It owns no frames and never
// allocates one; a miss always falls through to the canonical tree.
type PrivateRoot struct {
	mu   sync.Mutex
	weak map[uint64]*table
}

// NewPrivateRoot creates an empty private root.
func NewPrivateRoot() *PrivateRoot {
	return &PrivateRoot{weak: make(map[uint64]*table)}
}

// LookupPageTable returns the leaf table backing la, first checking pr's
// cache and falling through to canon.CanonicalPageTable on a miss. A
// successful miss increments canon's outstanding counter exactly once; a
// cache hit does not, since the reference the
// earlier miss took is still held by pr. Callers release through
// ReleasePageTable, not Table.Release, so the bookkeeping stays paired.
func LookupPageTable(pr *PrivateRoot, canon *Table, la uintptr) (*table, extern.MPN, defs.Err_t) {
	vpn := uint64(la) >> defs.PGSHIFT
	dirIdx, _ := split(vpn)

	pr.mu.Lock()
	if tb, ok := pr.weak[dirIdx]; ok {
		pr.mu.Unlock()
		return tb, tb.mpn, 0
	}
	pr.mu.Unlock()

	tb, mpn, err := canon.CanonicalPageTable(la)
	if err != 0 {
		return nil, 0, err
	}
	pr.mu.Lock()
	pr.weak[dirIdx] = tb
	pr.mu.Unlock()
	return tb, mpn, 0
}

// ReleasePageTable releases a reference obtained through LookupPageTable.
// Because PrivateRoot caches the directory for the thread's lifetime, the
// underlying canonical reference is only actually released when the root
// itself is discarded via Teardown.
func ReleasePageTable(*PrivateRoot) {
	// No-op by design: the canonical reference stays held for as long as
	// the private root caches the directory. See Teardown.
}

// Teardown releases every canonical reference pr is holding. Called when a
// thread exits or its private root is otherwise discarded.
func Teardown(pr *PrivateRoot, canon *Table) {
	pr.mu.Lock()
	n := len(pr.weak)
	pr.weak = make(map[uint64]*table)
	pr.mu.Unlock()
	for i := 0; i < n; i++ {
		canon.Release()
	}
}

// VisitFunc is invoked once per page in a for_range walk. Returning a
// non-zero Err_t aborts the walk early.
type VisitFunc func(la uintptr, entry *pte.Pte_t) defs.Err_t

// ForRange walks [start, start+n*PGSIZE) in the canonical tree, holding at
// most one leaf table mapped at a time and releasing it at every
// page-directory crossing, matching spec.md §4.2's for_range contract. It
// materializes (allocates) leaf tables as needed, same as
// CanonicalPageTable.
func (t *Table) ForRange(start uintptr, n int, visit VisitFunc) defs.Err_t {
	la := start
	remaining := n
	for remaining > 0 {
		tb, _, err := t.CanonicalPageTable(la)
		if err != 0 {
			return err
		}
		_, leafIdx := split(uint64(la) >> defs.PGSHIFT)
		for leafIdx < tableSize && remaining > 0 {
			if verr := visit(la, &tb.entries[leafIdx]); verr != 0 {
				t.Release()
				return verr
			}
			la += uintptr(defs.PGSIZE)
			leafIdx++
			remaining--
		}
		t.Release()
	}
	return 0
}
