package util

import "testing"

func TestMinMax(t *testing.T) {
	if got := Min(3, 7); got != 3 {
		t.Fatalf("Min(3,7) = %d, want 3", got)
	}
	if got := Max(3, 7); got != 7 {
		t.Fatalf("Max(3,7) = %d, want 7", got)
	}
	if got := Min(-1, -5); got != -5 {
		t.Fatalf("Min(-1,-5) = %d, want -5", got)
	}
}

func TestRoundupRounddown(t *testing.T) {
	cases := []struct{ v, n, up, down int }{
		{0, 8, 0, 0},
		{1, 8, 8, 0},
		{8, 8, 8, 8},
		{9, 8, 16, 8},
	}
	for _, c := range cases {
		if got := Roundup(c.v, c.n); got != c.up {
			t.Errorf("Roundup(%d,%d) = %d, want %d", c.v, c.n, got, c.up)
		}
		if got := Rounddown(c.v, c.n); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.v, c.n, got, c.down)
		}
	}
}

func TestWritenReadnRoundTrip(t *testing.T) {
	buf := make([]byte, 16)
	Writen(buf, 8, 0, 0x0102030405060708)
	got := Readn(buf, 8, 0)
	if got != 0x0102030405060708 {
		t.Fatalf("round trip = %#x, want %#x", got, 0x0102030405060708)
	}
}

func TestWritenPanicsOutOfBounds(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic writing past buffer end")
		}
	}()
	buf := make([]byte, 4)
	Writen(buf, 8, 0, 1)
}
