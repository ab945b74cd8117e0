// Package oommsg carries memory-pressure signals from the external memory
// scheduler into a cartel's swap engine. Grounded directly on the
// teacher's oommsg.go (a package-level channel of Oommsg_t plus a Resume
// channel the requester blocks on), generalized from a single global
// channel to one per cartel so a pressured cartel's swap engine, not every
// cartel's, responds to a given signal.
package oommsg

// Request asks a cartel to free at least Need pages; Resume is closed
// once the cartel's swap engine has made an attempt (whether or not it
// fully met Need — the caller re-checks pressure and re-signals if not).
type Request struct {
	Need   int
	Resume chan struct{}
}

// Chan is a memory-pressure signal channel. A cartel's lifecycle owns one
// and has its swap engine select on it alongside its normal fault-driven
// work.
type Chan chan Request

// New creates a signal channel with the given buffering (0 for
// synchronous hand-off, matching the teacher's unbuffered OomCh).
func New(buffer int) Chan {
	return make(Chan, buffer)
}

// Signal sends a pressure request carrying a newly created Resume channel
// and returns that channel to wait on.
func Signal(ch Chan, need int) chan struct{} {
	resume := make(chan struct{})
	ch <- Request{Need: need, Resume: resume}
	return resume
}

// Done closes resume, waking whoever called Signal.
func Done(resume chan struct{}) {
	close(resume)
}
