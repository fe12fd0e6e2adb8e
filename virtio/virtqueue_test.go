package virtio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/microvmm/memory"
	"example.com/microvmm/virtio"
	"example.com/microvmm/vmerr"
)

const (
	testDescAddr  = 0x1000
	testAvailAddr = 0x2000
	testUsedAddr  = 0x3000
)

func newTestMemory(t *testing.T) *memory.GuestMemory {
	t.Helper()
	m, err := memory.Allocate(64 * 1024)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// writeDescriptor writes one 16-byte descriptor entry at
// testDescAddr + index*16.
func writeDescriptor(t *testing.T, mem *memory.GuestMemory, index uint16, addr uint64, length uint32, flags uint16, next uint16) {
	t.Helper()
	base := testDescAddr + uint64(index)*16
	require.NoError(t, mem.WriteUint64(base, addr))
	require.NoError(t, mem.WriteUint32(base+8, length))
	require.NoError(t, mem.WriteUint32(base+12, uint32(flags)|uint32(next)<<16))
}

func pushAvail(t *testing.T, mem *memory.GuestMemory, idx uint16, head uint16) {
	t.Helper()
	require.NoError(t, mem.WriteUint8(testAvailAddr+4+uint64(idx)*2, uint8(head)))
	require.NoError(t, mem.WriteUint8(testAvailAddr+4+uint64(idx)*2+1, uint8(head>>8)))
	require.NoError(t, mem.WriteUint8(testAvailAddr+2, uint8((idx+1)&0xFF)))
	require.NoError(t, mem.WriteUint8(testAvailAddr+3, uint8((idx+1)>>8)))
}

func newReadyQueue(t *testing.T, mem *memory.GuestMemory) *virtio.Virtqueue {
	t.Helper()
	q := virtio.NewVirtqueue(8)
	q.SetAddresses(testDescAddr, testAvailAddr, testUsedAddr)
	require.True(t, q.IsValid(mem))
	q.SetReady(true)
	return q
}

func TestIsValidRejectsOutOfBoundsRingAddress(t *testing.T) {
	mem := newTestMemory(t)
	q := virtio.NewVirtqueue(8)
	q.SetAddresses(testDescAddr, testAvailAddr, 1<<30)
	require.False(t, q.IsValid(mem))
}

func TestPopChainReturnsWellFormedThreeDescriptorChain(t *testing.T) {
	mem := newTestMemory(t)
	q := newReadyQueue(t, mem)

	writeDescriptor(t, mem, 0, 0x5000, 16, 1 /* NEXT */, 1)
	writeDescriptor(t, mem, 1, 0x5100, 512, 1|2 /* NEXT|WRITE */, 2)
	writeDescriptor(t, mem, 2, 0x5400, 1, 2 /* WRITE only */, 0)
	pushAvail(t, mem, 0, 0)

	chain, ok, err := q.PopChain(mem)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint16(0), chain.HeadIndex)
	require.Len(t, chain.Descriptors, 3)
	require.Equal(t, uint64(0x5000), chain.Descriptors[0].Addr)
	require.Equal(t, uint64(0x5400), chain.Descriptors[2].Addr)

	_, ok, err = q.PopChain(mem)
	require.NoError(t, err)
	require.False(t, ok)
}

// TestPopChainPublishesCycleAsProtocolViolation exercises spec.md §9's
// mandated resolution: a malformed chain still reaches the caller with
// ok=true and its head populated, so a single completion can be
// published for it instead of leaving the driver waiting forever.
func TestPopChainPublishesCycleAsProtocolViolation(t *testing.T) {
	mem := newTestMemory(t)
	q := newReadyQueue(t, mem)

	writeDescriptor(t, mem, 0, 0x5000, 16, 1 /* NEXT */, 1)
	writeDescriptor(t, mem, 1, 0x5100, 16, 1 /* NEXT */, 0) // 1 -> 0, closing the cycle
	pushAvail(t, mem, 0, 0)

	chain, ok, err := q.PopChain(mem)
	require.True(t, ok)
	require.Error(t, err)
	require.IsType(t, &vmerr.ProtocolViolationError{}, err)
	require.Equal(t, uint16(0), chain.HeadIndex)

	require.NoError(t, q.AddUsed(mem, chain.HeadIndex, 0))
	head, err := mem.ReadUint32(testUsedAddr + 4)
	require.NoError(t, err)
	require.Equal(t, uint32(chain.HeadIndex), head)
}

func TestAddUsedPublishesHeadAndLen(t *testing.T) {
	mem := newTestMemory(t)
	q := newReadyQueue(t, mem)

	require.NoError(t, q.AddUsed(mem, 3, 512))

	head, err := mem.ReadUint32(testUsedAddr + 4)
	require.NoError(t, err)
	require.Equal(t, uint32(3), head)

	length, err := mem.ReadUint32(testUsedAddr + 8)
	require.NoError(t, err)
	require.Equal(t, uint32(512), length)

	idxLo, err := mem.ReadUint8(testUsedAddr + 2)
	require.NoError(t, err)
	require.Equal(t, uint8(1), idxLo)
}

func TestNeedsNotificationDefaultsTrueWhenEventIdxUnset(t *testing.T) {
	mem := newTestMemory(t)
	q := newReadyQueue(t, mem)

	require.NoError(t, q.AddUsed(mem, 0, 512))
	notify, err := q.NeedsNotification(mem)
	require.NoError(t, err)
	require.True(t, notify)
}
