// Package memmap reserves, commits, protects, and releases aligned
// address ranges backing the heap's spaces.
package memmap

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Protection is a bitmask mirroring PROT_READ|PROT_WRITE|PROT_EXEC.
type Protection int

const (
	ProtNone Protection = 0
	ProtRead Protection = 1 << iota
	ProtWrite
	ProtExec
)

func (p Protection) toUnix() int {
	prot := unix.PROT_NONE
	if p&ProtRead != 0 {
		prot |= unix.PROT_READ
	}
	if p&ProtWrite != 0 {
		prot |= unix.PROT_WRITE
	}
	if p&ProtExec != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// AbortFunc is called on an unrecoverable mapping failure (spec §7.5).
// If it returns, Reserve returns the mapping error to its caller; tests
// inject a function that records the call and returns. A Pool with no
// AbortFunc panics instead.
type AbortFunc func(format string, args ...interface{})

// Pool reserves anonymous mappings for spaces. It has no state beyond
// the abort hook: every Mapping it returns owns its own lifecycle.
type Pool struct {
	Abort AbortFunc
}

// Mapping is a single reserved, page-aligned address range.
type Mapping struct {
	Name  string
	Begin uintptr
	Size  uintptr
	data  []byte
}

// Addr returns the mapping's base address.
func (m *Mapping) Addr() uintptr { return m.Begin }

// End returns the address immediately past the mapping.
func (m *Mapping) End() uintptr { return m.Begin + m.Size }

// Bytes exposes the mapping's backing storage for direct reads/writes
// by the space that owns it.
func (m *Mapping) Bytes() []byte { return m.data }

func pageAlignUp(size uintptr) uintptr {
	pageSize := uintptr(unix.Getpagesize())
	return (size + pageSize - 1) &^ (pageSize - 1)
}

// Reserve maps a new anonymous, zero-filled range of at least size
// bytes with the given protection. A failure here is fatal per spec
// §7.5: startup cannot proceed without its address space.
func (p *Pool) Reserve(name string, size uintptr, prot Protection) (*Mapping, error) {
	aligned := pageAlignUp(size)
	data, err := unix.Mmap(-1, 0, int(aligned), prot.toUnix(), unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		p.fatalf("memmap: reserve %q (%d bytes): %v", name, aligned, err)
		return nil, fmt.Errorf("memmap: reserve %q: %w", name, err)
	}
	begin := uintptr(0)
	if len(data) > 0 {
		begin = uintptr(unsafe.Pointer(&data[0]))
	}
	return &Mapping{
		Name:  name,
		Begin: begin,
		Size:  aligned,
		data:  data,
	}, nil
}

func (p *Pool) fatalf(format string, args ...interface{}) {
	if p.Abort != nil {
		p.Abort(format, args...)
		return
	}
	panic(fmt.Sprintf(format, args...))
}

// Protect changes the protection of the whole mapping in place.
func (m *Mapping) Protect(prot Protection) error {
	return unix.Mprotect(m.data, prot.toUnix())
}

// MadviseDontNeed releases the physical pages covering [begin, end)
// back to the OS without unmapping the virtual range. Used by malloc
// space Trim (spec §4.3).
func (m *Mapping) MadviseDontNeed(begin, end uintptr) error {
	lo := begin - m.Begin
	hi := end - m.Begin
	if lo > uintptr(len(m.data)) || hi > uintptr(len(m.data)) || lo > hi {
		return fmt.Errorf("memmap: madvise range out of bounds for %q", m.Name)
	}
	return unix.Madvise(m.data[lo:hi], unix.MADV_DONTNEED)
}

// Release unmaps the entire range. The large-object space calls this
// when it frees an object; continuous spaces keep their mappings, and a
// semi-space from-space is reset rather than released.
func (m *Mapping) Release() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}
