package ptable

import (
	"testing"

	"defs"
	"extern"
	"pte"
)

// fakeAlloc hands out incrementing MPNs; frame contents don't matter for
// these tests, only that allocation succeeds or fails on cue.
type fakeAlloc struct {
	next extern.MPN
	fail bool
}

func (f *fakeAlloc) AllocUserFrame(defs.CartelID, int, int, int) (extern.MPN, bool) {
	if f.fail {
		return 0, false
	}
	f.next++
	return f.next, true
}
func (f *fakeAlloc) FreeUserFrame(extern.MPN)    {}
func (f *fakeAlloc) ReadFrame(extern.MPN) []byte { return make([]byte, defs.PGSIZE) }

func TestCanonicalPageTableMaterializesOnce(t *testing.T) {
	table := NewTable(1, &fakeAlloc{})

	tb1, _, err := table.CanonicalPageTable(0x1000)
	if err != 0 {
		t.Fatalf("unexpected error %v", err)
	}
	table.Release()

	tb2, _, err := table.CanonicalPageTable(0x2000) // same directory as 0x1000
	if err != 0 {
		t.Fatalf("unexpected error %v", err)
	}
	table.Release()

	if tb1 != tb2 {
		t.Fatal("two addresses in the same directory must share one leaf table")
	}
}

func TestCanonicalPageTableNoMemory(t *testing.T) {
	table := NewTable(1, &fakeAlloc{fail: true})
	if _, _, err := table.CanonicalPageTable(0x1000); err != defs.ENOMEM {
		t.Fatalf("err = %v, want ENOMEM", err)
	}
}

func TestWaitDrainedBlocksUntilReleased(t *testing.T) {
	table := NewTable(1, &fakeAlloc{})
	tb, _, _ := table.CanonicalPageTable(0)

	done := make(chan struct{})
	go func() {
		table.WaitDrained()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitDrained returned before the outstanding reference was released")
	default:
	}

	_ = tb
	table.Release()
	<-done
}

func TestForRangeCrossesDirectories(t *testing.T) {
	table := NewTable(1, &fakeAlloc{})
	var visited []uintptr
	err := table.ForRange(0, tableSize+1, func(la uintptr, entry *pte.Pte_t) defs.Err_t {
		visited = append(visited, la)
		entry.SetInUse(pte.READ, 1)
		return 0
	})
	if err != 0 {
		t.Fatalf("unexpected error %v", err)
	}
	if len(visited) != tableSize+1 {
		t.Fatalf("visited %d pages, want %d", len(visited), tableSize+1)
	}

	tb, _, _ := table.CanonicalPageTable(uintptr(tableSize) << defs.PGSHIFT)
	defer table.Release()
	entry := PTEAt(tb, uintptr(tableSize)<<defs.PGSHIFT)
	if entry.Tag() != pte.InUse {
		t.Fatalf("page at the directory crossing was not visited: tag = %v", entry.Tag())
	}
}

func TestPrivateRootCachesDirectory(t *testing.T) {
	canon := NewTable(1, &fakeAlloc{})
	pr := NewPrivateRoot()

	tb1, _, err := LookupPageTable(pr, canon, 0x1000)
	if err != 0 {
		t.Fatalf("unexpected error %v", err)
	}
	tb2, _, err := LookupPageTable(pr, canon, 0x1000)
	if err != 0 {
		t.Fatalf("unexpected error %v", err)
	}
	if tb1 != tb2 {
		t.Fatal("repeated lookups through the same private root must return the same table")
	}
	Teardown(pr, canon)
}
