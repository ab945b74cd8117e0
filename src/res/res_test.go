package res

import "testing"

func TestResaddRespectsBudget(t *testing.T) {
	SetBudget(10)
	defer SetBudget(0)

	used = 0
	if !Resadd_noblock(6) {
		t.Fatal("expected first reservation of 6/10 to succeed")
	}
	if Resadd_noblock(5) {
		t.Fatal("expected second reservation of 5 to exceed the 10-word budget")
	}
	Resdel(6)
	if !Resadd_noblock(10) {
		t.Fatal("expected full budget to be reservable after release")
	}
	Resdel(10)
}

func TestResaddZeroOrNegativeAlwaysSucceeds(t *testing.T) {
	SetBudget(0)
	if !Resadd_noblock(0) {
		t.Fatal("zero-size reservation must always succeed")
	}
	if !Resadd_noblock(-5) {
		t.Fatal("negative-size reservation must always succeed")
	}
}
