// Package virtio implements a split virtqueue and the virtio-mmio
// block device built on top of it, per the virtio 1.x specification's
// ring layout. Ring storage lives in guest memory; only cursors are
// device-local state, grounded in the teacher's device-local IOBus
// pattern generalized to a queue instead of a port map.
package virtio

import (
	"fmt"

	"example.com/microvmm/memory"
	"example.com/microvmm/vmerr"
)

// Descriptor flag bits, per the virtio 1.x split-queue layout.
const (
	descFlagNext     uint16 = 1 << 0
	descFlagWrite    uint16 = 1 << 1
	descFlagIndirect uint16 = 1 << 2
)

const (
	descriptorSize = 16 // addr u64, len u32, flags u16, next u16
	usedEntrySize  = 8  // id u32, len u32

	descTableAlign = 16
	availRingAlign = 2
	usedRingAlign  = 4
)

// Descriptor is one link in a descriptor chain, decoded from guest
// memory at DescTableAddr + index*16.
type Descriptor struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

func (d Descriptor) hasNext() bool  { return d.Flags&descFlagNext != 0 }
func (d Descriptor) isWrite() bool  { return d.Flags&descFlagWrite != 0 }

// DescriptorChain is the fully-walked sequence of descriptors rooted
// at a single available-ring head, plus the head index needed to
// publish completion.
type DescriptorChain struct {
	HeadIndex   uint16
	Descriptors []Descriptor
}

// Virtqueue is the device-local half of a split virtqueue: ring
// addresses and the ready flag (configured by MMIO writes) plus the
// cursor into the available ring. Ring contents themselves are never
// cached here — every walk re-reads guest memory so a malicious or
// buggy driver cannot desync device and guest state.
type Virtqueue struct {
	size uint16

	descTableAddr uint64
	availRingAddr uint64
	usedRingAddr  uint64
	ready         bool

	lastAvailIdx uint16
	usedIdx      uint16
}

// NewVirtqueue allocates device-local queue state. size defaults to
// 1024 descriptors per the block device's sole queue, matching the
// reference QueueSync::new(1024) call.
func NewVirtqueue(size uint16) *Virtqueue {
	return &Virtqueue{size: size}
}

// SetAddresses configures the three ring addresses from an MMIO
// queue-PFN-style write. Must be called, and the queue marked ready,
// before the first PopChain.
func (q *Virtqueue) SetAddresses(desc, avail, used uint64) {
	q.descTableAddr = desc
	q.availRingAddr = avail
	q.usedRingAddr = used
}

// SetReady marks the queue configured and ready for notifications.
func (q *Virtqueue) SetReady(ready bool) { q.ready = ready }

// Ready reports whether SetReady(true) has been called.
func (q *Virtqueue) Ready() bool { return q.ready }

// Size returns the queue's descriptor-table capacity.
func (q *Virtqueue) Size() uint16 { return q.size }

// IsValid verifies the three ring addresses lie within mem and
// satisfy their respective alignment requirements.
func (q *Virtqueue) IsValid(mem *memory.GuestMemory) bool {
	descBytes := uint64(q.size) * descriptorSize
	availBytes := uint64(4) + uint64(q.size)*2 + 2 // flags+idx+ring+used_event
	usedBytes := uint64(4) + uint64(q.size)*usedEntrySize + 2

	if q.descTableAddr%descTableAlign != 0 || !mem.InBounds(q.descTableAddr, descBytes) {
		return false
	}
	if q.availRingAddr%availRingAlign != 0 || !mem.InBounds(q.availRingAddr, availBytes) {
		return false
	}
	if q.usedRingAddr%usedRingAlign != 0 || !mem.InBounds(q.usedRingAddr, usedBytes) {
		return false
	}
	return true
}

func (q *Virtqueue) readDescriptor(mem *memory.GuestMemory, index uint16) (Descriptor, error) {
	base := q.descTableAddr + uint64(index)*descriptorSize
	addr, err := mem.ReadUint64(base)
	if err != nil {
		return Descriptor{}, err
	}
	length, err := mem.ReadUint32(base + 8)
	if err != nil {
		return Descriptor{}, err
	}
	flags, err := mem.ReadUint32(base + 12) // read as 32 to pick up flags(16)+next(16) together
	if err != nil {
		return Descriptor{}, err
	}
	return Descriptor{
		Addr:  addr,
		Len:   length,
		Flags: uint16(flags & 0xFFFF),
		Next:  uint16(flags >> 16),
	}, nil
}

func (q *Virtqueue) availRingEntry(mem *memory.GuestMemory, slot uint16) (uint16, error) {
	idx := slot % q.size
	off := q.availRingAddr + 4 + uint64(idx)*2
	lo, err := mem.ReadUint8(off)
	if err != nil {
		return 0, err
	}
	hi, err := mem.ReadUint8(off + 1)
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

func (q *Virtqueue) availIdx(mem *memory.GuestMemory) (uint16, error) {
	lo, err := mem.ReadUint8(q.availRingAddr + 2)
	if err != nil {
		return 0, err
	}
	hi, err := mem.ReadUint8(q.availRingAddr + 3)
	if err != nil {
		return 0, err
	}
	return uint16(lo) | uint16(hi)<<8, nil
}

const maxChainLength = 1024 // bounds descriptor walks against malicious cycles, per queue size cap

// PopChain returns the next available descriptor chain, advancing
// lastAvailIdx, or ok=false if the queue isn't ready or the available
// ring is empty (no head was popped, so nothing to publish).
//
// A protocol violation (out-of-range head, cycle, out-of-range next)
// is reported as ok=true with a non-nil error: the head was popped
// and lastAvailIdx has moved past it, so the caller must still
// publish something for that head — a dropped head with no used-ring
// entry leaves the driver waiting forever on a completion that will
// never come. chain.HeadIndex and whatever descriptors were walked
// before the violation are populated so the caller can do so.
func (q *Virtqueue) PopChain(mem *memory.GuestMemory) (DescriptorChain, bool, error) {
	if !q.ready {
		return DescriptorChain{}, false, nil
	}
	idx, err := q.availIdx(mem)
	if err != nil {
		return DescriptorChain{}, false, err
	}
	if idx == q.lastAvailIdx {
		return DescriptorChain{}, false, nil
	}

	head, err := q.availRingEntry(mem, q.lastAvailIdx)
	if err != nil {
		return DescriptorChain{}, false, err
	}
	q.lastAvailIdx++

	chain := DescriptorChain{HeadIndex: head}
	if head >= q.size {
		return chain, true, vmerr.NewProtocolViolationError(fmt.Sprintf("available ring head %d out of range for queue size %d", head, q.size))
	}

	visited := make(map[uint16]bool, 4)
	cur := head
	for i := 0; i < maxChainLength; i++ {
		if visited[cur] {
			return chain, true, vmerr.NewProtocolViolationError(fmt.Sprintf("descriptor cycle detected at index %d", cur))
		}
		visited[cur] = true

		d, err := q.readDescriptor(mem, cur)
		if err != nil {
			return chain, true, vmerr.NewProtocolViolationError(fmt.Sprintf("reading descriptor %d: %v", cur, err))
		}
		chain.Descriptors = append(chain.Descriptors, d)

		if !d.hasNext() {
			return chain, true, nil
		}
		if d.Next >= q.size {
			return chain, true, vmerr.NewProtocolViolationError(fmt.Sprintf("descriptor next %d out of range for queue size %d", d.Next, q.size))
		}
		cur = d.Next
	}
	return chain, true, vmerr.NewProtocolViolationError("descriptor chain exceeds queue size, probable cycle")
}

// AddUsed writes a (head, len) pair into the used ring at the current
// used-ring index, then advances the published index. The write
// ordering here — ring entry first, index second — is this package's
// release-fence equivalent: Go's memory model guarantees program
// order within a goroutine, and the drainer is the queue's sole
// writer (spec §5), so no explicit barrier instruction is needed, only
// the ordering of the two writes.
func (q *Virtqueue) AddUsed(mem *memory.GuestMemory, head uint16, length uint32) error {
	slot := q.usedIdx % q.size
	entryOff := q.usedRingAddr + 4 + uint64(slot)*usedEntrySize
	if err := mem.WriteUint32(entryOff, uint32(head)); err != nil {
		return err
	}
	if err := mem.WriteUint32(entryOff+4, length); err != nil {
		return err
	}

	q.usedIdx++
	if err := mem.WriteUint8(q.usedRingAddr+2, uint8(q.usedIdx&0xFF)); err != nil {
		return err
	}
	if err := mem.WriteUint8(q.usedRingAddr+3, uint8(q.usedIdx>>8)); err != nil {
		return err
	}
	return nil
}

// NeedsNotification implements the VIRTIO_F_EVENT_IDX check: the
// driver publishes used_event just past its avail ring, and the
// device signals only once the published used index has just crossed
// it (virtio 1.x §2.6.7's vring_need_event, specialized to the single
// new completion AddUsed always produces: new_idx - old_idx == 1, so
// the distance check collapses to usedIdx-1 == used_event).
func (q *Virtqueue) NeedsNotification(mem *memory.GuestMemory) (bool, error) {
	eventOff := q.availRingAddr + 4 + uint64(q.size)*2
	lo, err := mem.ReadUint8(eventOff)
	if err != nil {
		return true, nil // driver never published used_event: default to always-notify
	}
	hi, err := mem.ReadUint8(eventOff + 1)
	if err != nil {
		return true, nil
	}
	usedEvent := uint16(lo) | uint16(hi)<<8

	return q.usedIdx-1 == usedEvent, nil
}
