// Package bounds catalogs the worst-case kernel-heap words each
// possibly-looping operation in the memory manager can consume per
// iteration. res.Resadd_noblock charges against this before the loop body
// runs, so a loop that would exhaust kernel heap fails fast with
// defs.ENOMEMRETRY/ENORESOURCES instead of blocking while the cartel lock is
// held — mirrors the teacher's vm.K2user_inner / Userbuf_t._tx discipline.
package bounds

// Bound_t names one accounted call site.
type Bound_t int

const (
	B_FAULT_PAGEIN Bound_t = iota
	B_SWAP_SCAN
	B_SWAP_OUT_EXEC
	B_SWAP_IN_EXEC
	B_CLEAR_RANGE
	B_REMAP_COPY_PTE
	B_USERBUF_TX
	B_MAX
)

// words-per-iteration table. These are small, fixed estimates of the
// transient kernel-heap words a single loop iteration allocates (a PTE
// snapshot, a frame descriptor, a wait-channel registration); they exist so
// res can refuse to start an iteration it cannot finish, not to model real
// allocator internals.
var table = [B_MAX]int{
	B_FAULT_PAGEIN:   4,
	B_SWAP_SCAN:      2,
	B_SWAP_OUT_EXEC:  3,
	B_SWAP_IN_EXEC:   3,
	B_CLEAR_RANGE:    2,
	B_REMAP_COPY_PTE: 3,
	B_USERBUF_TX:     1,
}

// Bounds returns the accounted word cost of one iteration at b.
func Bounds(b Bound_t) int {
	if b < 0 || b >= B_MAX {
		panic("bad bound")
	}
	return table[b]
}
