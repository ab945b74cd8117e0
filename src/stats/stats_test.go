package stats

import (
	"strings"
	"testing"
)

func TestCounterIncAdd(t *testing.T) {
	var c Counter
	c.Inc()
	c.Add(4)
	if c.Get() != 5 {
		t.Fatalf("Get() = %d, want 5", c.Get())
	}
}

func TestCyclesRecordNoopWhenDisabled(t *testing.T) {
	var c Cycles
	c.Record(1000)
	if got := c.Mean(); got != 0 {
		t.Fatalf("Mean() = %d, want 0 while Enabled is false", got)
	}
}

func TestRegistryStringOmitsZeroCounters(t *testing.T) {
	var r Registry
	r.Faults.Add(3)
	s := r.String()
	if !strings.Contains(s, "Faults=3") {
		t.Fatalf("String() = %q, want it to mention Faults=3", s)
	}
	if strings.Contains(s, "SwapOuts") {
		t.Fatalf("String() = %q, should omit zero-valued SwapOuts", s)
	}
}
