// Package memory owns the host-resident region registered with the
// hypervisor as guest physical memory, and provides typed,
// bounds-checked access to it at guest addresses.
//
// Decoupling a typed accessor from raw host pointers makes the block
// device testable without a live hypervisor: a GuestMemory backed by
// an ordinary host allocation fully exercises request parsing.
package memory

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// GuestMemory is a contiguous, page-aligned host allocation mapped
// into a partition's guest-physical address space starting at Base.
type GuestMemory struct {
	Base uint64
	host []byte
}

// Allocate mmaps a private, anonymous region of the given size. The
// mapping is RW; execute permission on KVM is conferred by guest page
// tables, not the host mapping, so PROT_EXEC is never requested here.
func Allocate(size uint64) (*GuestMemory, error) {
	if size == 0 {
		return nil, fmt.Errorf("guest memory: size must be non-zero")
	}
	host, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("guest memory: mmap %d bytes: %w", size, err)
	}
	return &GuestMemory{host: host}, nil
}

// SetBase records the guest-physical base address this region is (or
// will be) registered at. Partition.MapMemory implementations call
// this so the typed accessors and ReadSlice/WriteSlice can translate
// guest addresses.
func (m *GuestMemory) SetBase(base uint64) { m.Base = base }

// Len returns the region's size in bytes.
func (m *GuestMemory) Len() uint64 { return uint64(len(m.host)) }

// HostAddress returns the host-virtual pointer backing this region,
// required once at memory-registration time on KVM.
func (m *GuestMemory) HostAddress() uintptr {
	if len(m.host) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&m.host[0]))
}

// Bytes exposes the raw backing slice, indexed by offset from Base
// rather than by guest address. The block device does not use it (it
// copies through ReadSlice/WriteSlice); callers must respect guest
// address bounds themselves when using this escape hatch.
func (m *GuestMemory) Bytes() []byte { return m.host }

// Close unmaps the region. Safe to call once; subsequent calls are a
// no-op.
func (m *GuestMemory) Close() error {
	if m.host == nil {
		return nil
	}
	err := unix.Munmap(m.host)
	m.host = nil
	return err
}

func (m *GuestMemory) offset(addr uint64, width uint64) (uint64, error) {
	if addr < m.Base {
		return 0, fmt.Errorf("%w: guest address 0x%x below base 0x%x", ErrOutOfBounds, addr, m.Base)
	}
	off := addr - m.Base
	end := off + width
	if end < off || end > uint64(len(m.host)) {
		return 0, fmt.Errorf("%w: guest address 0x%x+%d exceeds region of %d bytes", ErrOutOfBounds, addr, width, len(m.host))
	}
	return off, nil
}

// ReadUint8, ReadUint32, ReadUint64 read little-endian scalars at a
// guest address. ReadUint32/ReadUint64 additionally require the guest
// address to be naturally aligned; alignment is checked before bounds.

func (m *GuestMemory) ReadUint8(addr uint64) (uint8, error) {
	off, err := m.offset(addr, 1)
	if err != nil {
		return 0, err
	}
	return m.host[off], nil
}

func (m *GuestMemory) WriteUint8(addr uint64, v uint8) error {
	off, err := m.offset(addr, 1)
	if err != nil {
		return err
	}
	m.host[off] = v
	return nil
}

func (m *GuestMemory) ReadUint32(addr uint64) (uint32, error) {
	if addr%4 != 0 {
		return 0, fmt.Errorf("%w: guest address 0x%x is not 4-byte aligned", ErrAlignment, addr)
	}
	off, err := m.offset(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.host[off : off+4]), nil
}

func (m *GuestMemory) WriteUint32(addr uint64, v uint32) error {
	if addr%4 != 0 {
		return fmt.Errorf("%w: guest address 0x%x is not 4-byte aligned", ErrAlignment, addr)
	}
	off, err := m.offset(addr, 4)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.host[off:off+4], v)
	return nil
}

func (m *GuestMemory) ReadUint64(addr uint64) (uint64, error) {
	if addr%8 != 0 {
		return 0, fmt.Errorf("%w: guest address 0x%x is not 8-byte aligned", ErrAlignment, addr)
	}
	off, err := m.offset(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(m.host[off : off+8]), nil
}

func (m *GuestMemory) WriteUint64(addr uint64, v uint64) error {
	if addr%8 != 0 {
		return fmt.Errorf("%w: guest address 0x%x is not 8-byte aligned", ErrAlignment, addr)
	}
	off, err := m.offset(addr, 8)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(m.host[off:off+8], v)
	return nil
}

// ReadSlice copies length bytes starting at addr into a new slice.
func (m *GuestMemory) ReadSlice(addr uint64, length int) ([]byte, error) {
	off, err := m.offset(addr, uint64(length))
	if err != nil {
		return nil, err
	}
	out := make([]byte, length)
	copy(out, m.host[off:off+uint64(length)])
	return out, nil
}

// WriteSlice copies data into guest memory starting at addr.
func (m *GuestMemory) WriteSlice(addr uint64, data []byte) error {
	off, err := m.offset(addr, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(m.host[off:off+uint64(len(data))], data)
	return nil
}

// InBounds reports whether [addr, addr+length) lies entirely within
// this region. Used by Virtqueue.IsValid to check ring addresses
// without triggering a read.
func (m *GuestMemory) InBounds(addr uint64, length uint64) bool {
	_, err := m.offset(addr, length)
	return err == nil
}
