// Package userbuf implements safe copying between kernel buffers and a
// cartel's user address space, one page at a time, faulting each page in
// on demand rather than requiring the whole range be resident up front.
// Grounded on the teacher's vm/userbuf.go Userbuf_t: the same uva/len/off
// fields, the same per-page _tx loop charging res.Resadd_noblock against
// bounds.Bounds before touching each page, and the same Fakeubuf_t shim
// for callers that already have a plain kernel byte slice but want to go
// through the one Uio-shaped interface everywhere else uses.
package userbuf

import (
	"bounds"
	"defs"
	"res"
)

// Resolver brings la's page to Present (faulting it in through the normal
// handler if needed) and returns the whole page-sized slice backing it;
// callers index into it at la's in-page offset, not at slice index 0.
type Resolver interface {
	Resolve(la uintptr, write bool) ([]byte, defs.Err_t)
}

// Uio is anything that can be copied into or out of a page at a time; both
// Userbuf and Fakeubuf implement it, so callers that don't care whether
// they're talking to real user memory or a kernel-owned staging buffer can
// take this interface instead.
type Uio interface {
	Uioread(dst []byte) (int, defs.Err_t)
	Uiowrite(src []byte) (int, defs.Err_t)
	Remain() int
	Totalsz() int
}

// Userbuf is a cursor over [uva, uva+length) in one cartel's address
// space.
type Userbuf struct {
	uva     uintptr
	length  int
	off     int
	resolve Resolver
}

// New creates a Userbuf over length bytes starting at uva, resolved
// through resolve.
func New(uva uintptr, length int, resolve Resolver) *Userbuf {
	return &Userbuf{uva: uva, length: length, resolve: resolve}
}

// Remain returns the number of bytes left unconsumed.
func (u *Userbuf) Remain() int {
	return u.length - u.off
}

// Totalsz returns the buffer's total length.
func (u *Userbuf) Totalsz() int {
	return u.length
}

// Uioread copies up to len(dst) bytes from user memory into dst.
func (u *Userbuf) Uioread(dst []byte) (int, defs.Err_t) {
	return u.tx(dst, false)
}

// Uiowrite copies up to len(src) bytes from src into user memory.
func (u *Userbuf) Uiowrite(src []byte) (int, defs.Err_t) {
	return u.tx(src, true)
}

func (u *Userbuf) tx(buf []byte, write bool) (int, defs.Err_t) {
	did := 0
	want := len(buf)
	if want > u.Remain() {
		want = u.Remain()
	}
	for did < want {
		if !res.Resadd_noblock(bounds.Bounds(bounds.B_USERBUF_TX)) {
			return did, defs.ENORESOURCES
		}
		la := u.uva + uintptr(u.off)
		pagebuf, err := u.resolve.Resolve(la, write)
		if err != 0 {
			return did, err
		}
		pageOff := int(la) & int(defs.PGMASK)
		n := len(pagebuf) - pageOff
		if remain := want - did; n > remain {
			n = remain
		}
		if write {
			copy(pagebuf[pageOff:pageOff+n], buf[did:did+n])
		} else {
			copy(buf[did:did+n], pagebuf[pageOff:pageOff+n])
		}
		did += n
		u.off += n
	}
	return did, 0
}

// Fakeubuf wraps a plain kernel byte slice so it can be passed wherever a
// Uio is expected, mirroring the teacher's Fakeubuf_t shim for in-kernel
// callers that already hold the bytes directly.
type Fakeubuf struct {
	buf []byte
	off int
}

// NewFake wraps buf.
func NewFake(buf []byte) *Fakeubuf {
	return &Fakeubuf{buf: buf}
}

func (f *Fakeubuf) Remain() int  { return len(f.buf) - f.off }
func (f *Fakeubuf) Totalsz() int { return len(f.buf) }

func (f *Fakeubuf) Uioread(dst []byte) (int, defs.Err_t) {
	n := copy(dst, f.buf[f.off:])
	f.off += n
	return n, 0
}

func (f *Fakeubuf) Uiowrite(src []byte) (int, defs.Err_t) {
	n := copy(f.buf[f.off:], src)
	f.off += n
	return n, 0
}
