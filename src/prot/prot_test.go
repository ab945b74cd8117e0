package prot

import (
	"testing"

	"defs"
	"extern"
	"pte"
	"ptable"
)

type fakeAlloc struct{ next extern.MPN }

func (f *fakeAlloc) AllocUserFrame(defs.CartelID, int, int, int) (extern.MPN, bool) {
	f.next++
	return f.next, true
}
func (f *fakeAlloc) FreeUserFrame(extern.MPN)    {}
func (f *fakeAlloc) ReadFrame(extern.MPN) []byte { return make([]byte, defs.PGSIZE) }

type fakeTLB struct{ invalidated []uintptr }

func (t *fakeTLB) FlushCartel(defs.CartelID) {}
func (t *fakeTLB) InvalidatePage(_ defs.CartelID, la uintptr) {
	t.invalidated = append(t.invalidated, la)
}

func TestSetProtectionDowngradesPresentPage(t *testing.T) {
	alloc := &fakeAlloc{}
	table := ptable.NewTable(1, alloc)
	tb, _, _ := table.CanonicalPageTable(0)
	entry := ptable.PTEAt(tb, 0)
	entry.SetPresent(extern.MPN(1), pte.READ|pte.WRITE, false, false, false)
	table.Release()

	tlb := &fakeTLB{}
	if err := SetProtection(table, tlb, 1, 0, defs.PGSIZE, pte.READ, true); err != 0 {
		t.Fatalf("SetProtection failed: %v", err)
	}

	tb, _, _ = table.CanonicalPageTable(0)
	defer table.Release()
	entry = ptable.PTEAt(tb, 0)
	if entry.HWWriteEnabled() {
		t.Fatal("hardware write bit should be cleared on downgrade")
	}
	if entry.Protection() != pte.READ {
		t.Fatalf("Protection() = %v, want READ", entry.Protection())
	}
	if len(tlb.invalidated) != 1 || tlb.invalidated[0] != 0 {
		t.Fatalf("expected exactly one invalidation of address 0, got %v", tlb.invalidated)
	}
}

func TestSetProtectionRejectsNoneDowngradeOfPresentPage(t *testing.T) {
	alloc := &fakeAlloc{}
	table := ptable.NewTable(1, alloc)
	tb, _, _ := table.CanonicalPageTable(0)
	entry := ptable.PTEAt(tb, 0)
	entry.SetPresent(extern.MPN(1), pte.READ|pte.WRITE, false, false, false)
	table.Release()

	tlb := &fakeTLB{}
	if err := SetProtection(table, tlb, 1, 0, defs.PGSIZE, 0, true); err != defs.EBUSY {
		t.Fatalf("SetProtection(NONE) on a Present page = %v, want Busy", err)
	}
	if len(tlb.invalidated) != 0 {
		t.Fatal("a rejected SetProtection call must not invalidate any TLB entry")
	}

	tb, _, _ = table.CanonicalPageTable(0)
	defer table.Release()
	entry = ptable.PTEAt(tb, 0)
	if !entry.HWWriteEnabled() || entry.Protection() != pte.READ|pte.WRITE {
		t.Fatal("a rejected SetProtection call must leave the PTE untouched")
	}
}

func TestSetProtectionRejectsWriteOnReadOnlyBacking(t *testing.T) {
	alloc := &fakeAlloc{}
	table := ptable.NewTable(1, alloc)
	tb, _, _ := table.CanonicalPageTable(0)
	entry := ptable.PTEAt(tb, 0)
	entry.SetPresent(extern.MPN(1), pte.READ, false, true, false)
	table.Release()

	tlb := &fakeTLB{}
	if err := SetProtection(table, tlb, 1, 0, defs.PGSIZE, pte.READ|pte.WRITE, false); err != defs.ENOACCESS {
		t.Fatalf("SetProtection(WRITE) on a read-only backing = %v, want NoAccess", err)
	}

	tb, _, _ = table.CanonicalPageTable(0)
	defer table.Release()
	if got := ptable.PTEAt(tb, 0).Protection(); got != pte.READ {
		t.Fatalf("Protection() = %v, want unchanged READ", got)
	}
}

func TestSetProtectionRewritesInUseWithoutFlush(t *testing.T) {
	alloc := &fakeAlloc{}
	table := ptable.NewTable(1, alloc)
	tb, _, _ := table.CanonicalPageTable(0)
	ptable.PTEAt(tb, 0).SetInUse(pte.READ, 7)
	table.Release()

	tlb := &fakeTLB{}
	if err := SetProtection(table, tlb, 1, 0, defs.PGSIZE, pte.READ|pte.WRITE, true); err != 0 {
		t.Fatalf("SetProtection failed: %v", err)
	}
	if len(tlb.invalidated) != 0 {
		t.Fatal("an InUse (not yet faulted) page should never need a TLB flush")
	}

	tb, _, _ = table.CanonicalPageTable(0)
	defer table.Release()
	if got := ptable.PTEAt(tb, 0).Protection(); got != pte.READ|pte.WRITE {
		t.Fatalf("Protection() = %v, want READ|WRITE", got)
	}
}

func TestCheckAccess(t *testing.T) {
	if !CheckAccess(pte.READ, pte.READ|pte.WRITE) {
		t.Fatal("READ should be permitted by READ|WRITE")
	}
	if CheckAccess(pte.WRITE, pte.READ) {
		t.Fatal("WRITE should not be permitted by READ-only")
	}
}
