package fault

import (
	"testing"

	"defs"
	"extern"
	"pte"
	"ptable"
	"region"
)

type fakeAlloc struct {
	next  extern.MPN
	pages map[extern.MPN][]byte
	fail  bool
}

func (f *fakeAlloc) AllocUserFrame(defs.CartelID, int, int, int) (extern.MPN, bool) {
	if f.fail {
		return 0, false
	}
	f.next++
	if f.pages == nil {
		f.pages = map[extern.MPN][]byte{}
	}
	f.pages[f.next] = make([]byte, defs.PGSIZE)
	return f.next, true
}
func (f *fakeAlloc) FreeUserFrame(mpn extern.MPN) { delete(f.pages, mpn) }
func (f *fakeAlloc) ReadFrame(mpn extern.MPN) []byte {
	if f.pages == nil {
		f.pages = map[extern.MPN][]byte{}
	}
	if _, ok := f.pages[mpn]; !ok {
		f.pages[mpn] = make([]byte, defs.PGSIZE)
	}
	return f.pages[mpn]
}

type fakePshare struct {
	groups map[extern.PshareKey][]extern.MPN
}

func (p *fakePshare) Hash(mpn extern.MPN) extern.PshareKey {
	var k extern.PshareKey
	k[0] = byte(mpn)
	return k
}
func (p *fakePshare) Add(key extern.PshareKey, mpn extern.MPN) (extern.MPN, int) {
	if p.groups == nil {
		p.groups = map[extern.PshareKey][]extern.MPN{}
	}
	p.groups[key] = append(p.groups[key], mpn)
	return p.groups[key][0], len(p.groups[key])
}
func (p *fakePshare) LookupByMPN(mpn extern.MPN) (extern.PshareKey, int, bool) {
	for k, members := range p.groups {
		for _, m := range members {
			if m == mpn {
				return k, len(members), true
			}
		}
	}
	return extern.PshareKey{}, 0, false
}
func (p *fakePshare) Remove(key extern.PshareKey, mpn extern.MPN) int {
	members := p.groups[key]
	for i, m := range members {
		if m == mpn {
			members = append(members[:i], members[i+1:]...)
			break
		}
	}
	p.groups[key] = members
	return len(members)
}

type fakeTLB struct{ flushes int }

func (t *fakeTLB) FlushCartel(defs.CartelID)             {}
func (t *fakeTLB) InvalidatePage(defs.CartelID, uintptr)  { t.flushes++ }

func markInUse(table *ptable.Table, r *region.Region_t) {
	tb, _, _ := table.CanonicalPageTable(r.Start)
	ptable.PTEAt(tb, r.Start).SetInUse(r.Prot, 1)
	table.Release()
}

func newDeps(frames *fakeAlloc) Deps {
	return Deps{
		Frames: frames,
		Pshare: &fakePshare{},
		TLB:    &fakeTLB{},
		World:  1,
	}
}

func TestHandleFirstTouchAnonZerosPage(t *testing.T) {
	frames := &fakeAlloc{}
	table := ptable.NewTable(1, frames)
	r := region.NewRegion(0, defs.PGSIZE, pte.READ|pte.WRITE, region.Anonymous, nil, false)
	markInUse(table, r)

	if err := Handle(newDeps(frames), table, r, 0, pte.READ); err != 0 {
		t.Fatalf("Handle failed: %v", err)
	}

	tb, _, _ := table.CanonicalPageTable(0)
	defer table.Release()
	entry := ptable.PTEAt(tb, 0)
	if entry.Tag() != pte.Present {
		t.Fatalf("tag = %v, want Present", entry.Tag())
	}
	mpn, _ := entry.MPN()
	for _, b := range frames.ReadFrame(mpn) {
		if b != 0 {
			t.Fatal("fresh anonymous page must be zero-filled")
		}
	}
}

func TestHandleRejectsAccessOutsideRegionProt(t *testing.T) {
	frames := &fakeAlloc{}
	table := ptable.NewTable(1, frames)
	r := region.NewRegion(0, defs.PGSIZE, pte.READ, region.Anonymous, nil, false)
	markInUse(table, r)

	if err := Handle(newDeps(frames), table, r, 0, pte.WRITE); err != defs.ENOACCESS {
		t.Fatalf("err = %v, want ENOACCESS", err)
	}
}

func TestHandleSwappingReturnsBusy(t *testing.T) {
	frames := &fakeAlloc{}
	table := ptable.NewTable(1, frames)
	tb, _, _ := table.CanonicalPageTable(0)
	ptable.PTEAt(tb, 0).SetSwapBusy(extern.MPN(1), true, pte.READ)
	table.Release()

	r := region.NewRegion(0, defs.PGSIZE, pte.READ, region.Anonymous, nil, false)
	if err := Handle(newDeps(frames), table, r, 0, pte.READ); err != defs.EBUSY {
		t.Fatalf("err = %v, want EBUSY", err)
	}
}

func TestHandleCOWClaimWhenSoleReferent(t *testing.T) {
	frames := &fakeAlloc{}
	table := ptable.NewTable(1, frames)
	ps := &fakePshare{}
	mpn, _ := frames.AllocUserFrame(1, 0, 0, 0)
	key := ps.Hash(mpn)
	ps.Add(key, mpn)

	tb, _, _ := table.CanonicalPageTable(0)
	ptable.PTEAt(tb, 0).SetPresent(mpn, pte.READ|pte.WRITE, false, true, true)
	table.Release()

	r := region.NewRegion(0, defs.PGSIZE, pte.READ|pte.WRITE, region.Anonymous, nil, false)
	tlb := &fakeTLB{}
	deps := Deps{Frames: frames, Pshare: ps, TLB: tlb, World: 1}

	if err := Handle(deps, table, r, 0, pte.WRITE); err != 0 {
		t.Fatalf("Handle failed: %v", err)
	}

	tb, _, _ = table.CanonicalPageTable(0)
	defer table.Release()
	entry := ptable.PTEAt(tb, 0)
	if entry.Shared() {
		t.Fatal("sole referent should have claimed the frame privately, not stayed shared")
	}
	gotMPN, _ := entry.MPN()
	if gotMPN != mpn {
		t.Fatal("claim-in-place must keep the same frame, not copy")
	}
	if !entry.HWWriteEnabled() {
		t.Fatal("claimed frame must now be writable")
	}
}
