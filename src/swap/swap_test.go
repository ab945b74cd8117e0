package swap

import (
	"testing"

	"defs"
	"extern"
	"pte"
	"ptable"
	"region"
)

func TestSlotRingRoundRobins(t *testing.T) {
	ring := NewSlotRing(4)
	seen := map[extern.SlotID]bool{}
	for i := 0; i < 4; i++ {
		seen[ring.Hint()] = true
	}
	if len(seen) != 4 {
		t.Fatalf("expected 4 distinct slots from one full cycle, got %d", len(seen))
	}
}

func TestSlotRingZeroCapacity(t *testing.T) {
	ring := NewSlotRing(0)
	if ring.Hint() != 0 {
		t.Fatal("a zero-capacity ring must always hint slot 0")
	}
}

type fakeAlloc struct{ next extern.MPN }

func (f *fakeAlloc) AllocUserFrame(defs.CartelID, int, int, int) (extern.MPN, bool) {
	f.next++
	return f.next, true
}
func (f *fakeAlloc) FreeUserFrame(extern.MPN)    {}
func (f *fakeAlloc) ReadFrame(extern.MPN) []byte { return make([]byte, defs.PGSIZE) }

type fakeDevice struct {
	written map[extern.SlotID]extern.MPN
	next    extern.SlotID
}

func (d *fakeDevice) Write(_ defs.CartelID, hint extern.SlotID, _ extern.LPN, mpn extern.MPN) (extern.SlotID, defs.Err_t) {
	if d.written == nil {
		d.written = map[extern.SlotID]extern.MPN{}
	}
	d.next++
	slot := d.next
	d.written[slot] = mpn
	return slot, 0
}
func (d *fakeDevice) Read(extern.SlotID, extern.MPN) defs.Err_t { return 0 }
func (d *fakeDevice) FreeSlot(extern.SlotID)                    {}
func (d *fakeDevice) Enabled() bool                             { return true }

func TestScanAndSwapOutEvictsUnaccessedPresentPages(t *testing.T) {
	frames := &fakeAlloc{}
	table := ptable.NewTable(1, frames)
	regions := region.NewRegionmap(table, frames, &fakeDevice{})

	r, err := regions.AllocateRange(0, 1<<30, 2*defs.PGSIZE, pte.READ|pte.WRITE, region.Anonymous, nil, false)
	if err != 0 {
		t.Fatalf("AllocateRange failed: %v", err)
	}

	// Materialize both pages as Present, as the fault handler would.
	n := 0
	table.ForRange(r.Start, 2, func(la uintptr, entry *pte.Pte_t) defs.Err_t {
		n++
		entry.SetPresent(extern.MPN(100+n), pte.READ|pte.WRITE, false, false, false)
		entry.ClearAccessed()
		return 0
	})

	dev := &fakeDevice{}
	engine := NewEngine(table, regions, frames, dev, nil, NewSlotRing(8), 1)

	freed, serr := engine.ScanAndSwapOut(2)
	if serr != 0 {
		t.Fatalf("ScanAndSwapOut failed: %v", serr)
	}
	if freed != 2 {
		t.Fatalf("freed = %d, want 2", freed)
	}

	table.ForRange(r.Start, 2, func(_ uintptr, entry *pte.Pte_t) defs.Err_t {
		if entry.Tag() != pte.Swapped {
			t.Errorf("page tag after scan = %v, want Swapped", entry.Tag())
		}
		return 0
	})
}

func TestScanGivesAccessedPagesASecondChance(t *testing.T) {
	frames := &fakeAlloc{}
	table := ptable.NewTable(1, frames)
	regions := region.NewRegionmap(table, frames, &fakeDevice{})

	r, _ := regions.AllocateRange(0, 1<<30, defs.PGSIZE, pte.READ, region.Anonymous, nil, false)
	table.ForRange(r.Start, 1, func(_ uintptr, entry *pte.Pte_t) defs.Err_t {
		entry.SetPresent(extern.MPN(5), pte.READ, false, false, false) // accessed bit set by SetPresent
		return 0
	})

	engine := NewEngine(table, regions, frames, &fakeDevice{}, nil, NewSlotRing(4), 1)
	freed, err := engine.ScanAndSwapOut(1)
	if err != 0 {
		t.Fatalf("unexpected error: %v", err)
	}
	if freed != 0 {
		t.Fatalf("freed = %d, want 0 (accessed page should get a second chance)", freed)
	}

	table.ForRange(r.Start, 1, func(_ uintptr, entry *pte.Pte_t) defs.Err_t {
		if entry.Accessed() {
			t.Error("accessed bit should have been cleared on the first pass")
		}
		if entry.Tag() != pte.Present {
			t.Errorf("tag = %v, want Present (not evicted on first pass)", entry.Tag())
		}
		return 0
	})
}
