// Package quota implements the per-cartel, per-category admission counters
// spec.md §4.3's allocate_range and §6's mmap facade check before growing
// the address space: a page request is admitted only if the category's
// taken count plus the request still fits under its given limit.
//
// Grounded directly on the teacher's limits.go Sysatomic_t: a given/taken
// pair of int64s, Take/Give adjusting taken under a CAS loop and failing
// closed rather than blocking.
package quota

import (
	"sync/atomic"

	"extern"
)

// Counter is one category's admission gate.
type Counter struct {
	given atomic.Int64
	taken atomic.Int64
}

// SetGiven sets the category's limit, in pages.
func (c *Counter) SetGiven(pages int64) {
	c.given.Store(pages)
}

// Given returns the category's current limit.
func (c *Counter) Given() int64 {
	return c.given.Load()
}

// Taken returns the category's current usage.
func (c *Counter) Taken() int64 {
	return c.taken.Load()
}

// Take attempts to admit delta more pages (delta may be negative, which
// always succeeds and never goes through the CAS loop below). Returns
// false without changing taken if the request would exceed the given
// limit.
func (c *Counter) Take(delta int64) bool {
	if delta <= 0 {
		c.taken.Add(delta)
		return true
	}
	for {
		cur := c.taken.Load()
		lim := c.given.Load()
		if cur+delta > lim {
			return false
		}
		if c.taken.CompareAndSwap(cur, cur+delta) {
			return true
		}
	}
}

// Give releases delta pages back to the category (the inverse of a
// positive Take).
func (c *Counter) Give(delta int64) {
	c.taken.Add(-delta)
}

// Table holds one Counter per extern.Category for a single cartel.
type Table struct {
	counters [4]Counter
}

// NewTable creates a quota table with each category's limit set to its own
// argument, in pages.
func NewTable(anon, shared, kernel, uncounted int64) *Table {
	t := &Table{}
	t.counters[extern.CatAnon].SetGiven(anon)
	t.counters[extern.CatShared].SetGiven(shared)
	t.counters[extern.CatKernel].SetGiven(kernel)
	t.counters[extern.CatUncounted].SetGiven(uncounted)
	return t
}

// Admit requests delta pages of cat, returning false if the category's
// limit would be exceeded.
func (t *Table) Admit(cat extern.Category, delta int64) bool {
	return t.counters[cat].Take(delta)
}

// Release returns delta pages of cat to the pool.
func (t *Table) Release(cat extern.Category, delta int64) {
	t.counters[cat].Give(delta)
}

// Usage reports the current taken count for cat.
func (t *Table) Usage(cat extern.Category) int64 {
	return t.counters[cat].Taken()
}
