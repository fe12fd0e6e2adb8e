package virtio_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/microvmm/hypervisor"
	"example.com/microvmm/irq"
	"example.com/microvmm/memory"
	"example.com/microvmm/virtio"
)

// fakePartition accepts RegisterIRQFD so irq.New can construct a real
// Line without a hypervisor; the block device only needs Trigger to
// succeed, not an actual guest to observe it.
type fakePartition struct{}

func (fakePartition) MapMemory(*memory.GuestMemory, uint64) error           { return nil }
func (fakePartition) CreateVCPU(int) (hypervisor.VCPU, error)              { return nil, nil }
func (fakePartition) RegisterIRQFD(eventFD int, gsi uint32) error           { return nil }
func (fakePartition) Close() error                                         { return nil }

type fakeBacking struct {
	data []byte
}

func newFakeBacking(size int) *fakeBacking { return &fakeBacking{data: make([]byte, size)} }

func (b *fakeBacking) ReadAt(offset uint64, length int) ([]byte, error) {
	out := make([]byte, length)
	copy(out, b.data[offset:offset+uint64(length)])
	return out, nil
}

func (b *fakeBacking) WriteAt(offset uint64, data []byte) error {
	copy(b.data[offset:offset+uint64(len(data))], data)
	return nil
}

func (b *fakeBacking) Len() uint64 { return uint64(len(b.data)) }
func (b *fakeBacking) Flush() error { return nil }

func newTestDevice(t *testing.T, backing *fakeBacking) (*virtio.BlockDevice, *memory.GuestMemory) {
	t.Helper()
	mem := newTestMemory(t)
	line, err := irq.New(fakePartition{}, 5, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = line.Close() })

	dev, err := virtio.NewBlockDevice(0x1000, mem, backing, line)
	require.NoError(t, err)
	require.NoError(t, dev.ConfigureQueue(testDescAddr, testAvailAddr, testUsedAddr))
	return dev, mem
}

func TestMMIOMagicProbe(t *testing.T) {
	dev, _ := newTestDevice(t, newFakeBacking(4096))

	v, err := dev.ReadMMIO(0x000, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x74726976), v)

	v, err = dev.ReadMMIO(0x004, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	v, err = dev.ReadMMIO(0x008, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(2), v)

	v, err = dev.ReadMMIO(0x00C, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x554D4551), v)

	v, err = dev.ReadMMIO(0x010, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)

	v, err = dev.ReadMMIO(0x100, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0), v)
}

func queueInChain(t *testing.T, mem *memory.GuestMemory, reqType uint32, sector uint64, dataAddr uint64, dataLen uint32, statusAddr uint64) {
	t.Helper()
	const hdrAddr = 0x4000
	require.NoError(t, mem.WriteUint32(hdrAddr, reqType))
	require.NoError(t, mem.WriteUint64(hdrAddr+8, sector))

	writeDescriptor(t, mem, 0, hdrAddr, 16, 1, 1)
	writeDescriptor(t, mem, 1, dataAddr, dataLen, 1|2, 2)
	writeDescriptor(t, mem, 2, statusAddr, 1, 2, 0)
	pushAvail(t, mem, 0, 0)
}

func TestSingleSectorRead(t *testing.T) {
	backing := newFakeBacking(4096)
	copy(backing.data[:4], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	dev, mem := newTestDevice(t, backing)

	queueInChain(t, mem, 0 /* IN */, 0, 0x5000, 512, 0x5400)
	require.NoError(t, dev.ProcessQueue())

	got, err := mem.ReadSlice(0x5000, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, got)

	status, err := mem.ReadUint8(0x5400)
	require.NoError(t, err)
	require.Equal(t, uint8(0), status)
}

func TestSingleSectorWrite(t *testing.T) {
	backing := newFakeBacking(4096)
	dev, mem := newTestDevice(t, backing)

	payload := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	require.NoError(t, mem.WriteSlice(0x5000, payload))
	for i := len(payload); i < 512; i++ {
		require.NoError(t, mem.WriteUint8(0x5000+uint64(i), 0))
	}

	queueInChain(t, mem, 1 /* OUT */, 3, 0x5000, 512, 0x5400)
	require.NoError(t, dev.ProcessQueue())

	require.Equal(t, payload, backing.data[1536:1544])

	status, err := mem.ReadUint8(0x5400)
	require.NoError(t, err)
	require.Equal(t, uint8(0), status)
}

func TestUnsupportedRequestType(t *testing.T) {
	backing := newFakeBacking(4096)
	dev, mem := newTestDevice(t, backing)
	snapshot := append([]byte(nil), backing.data...)

	queueInChain(t, mem, 99, 0, 0x5000, 512, 0x5400)
	require.NoError(t, dev.ProcessQueue())

	status, err := mem.ReadUint8(0x5400)
	require.NoError(t, err)
	require.Equal(t, uint8(2), status)
	require.Equal(t, snapshot, backing.data)
}

func TestOutOfBoundsSectorReportsIOError(t *testing.T) {
	backing := newFakeBacking(4096)
	dev, mem := newTestDevice(t, backing)

	queueInChain(t, mem, 0, 1<<30, 0x5000, 512, 0x5400)
	require.NoError(t, dev.ProcessQueue())

	status, err := mem.ReadUint8(0x5400)
	require.NoError(t, err)
	require.Equal(t, uint8(1), status)
}

// TestDiscardAndGetIDAreNoOpSuccesses covers the Non-goal that neither
// request type trims the backing store nor reports a serial number,
// but both must still report success rather than unsupported.
func TestDiscardAndGetIDAreNoOpSuccesses(t *testing.T) {
	for _, reqType := range []uint32{8 /* GET_ID */, 11 /* DISCARD */} {
		backing := newFakeBacking(4096)
		snapshot := append([]byte(nil), backing.data...)
		dev, mem := newTestDevice(t, backing)

		queueInChain(t, mem, reqType, 0, 0x5000, 512, 0x5400)
		require.NoError(t, dev.ProcessQueue())

		status, err := mem.ReadUint8(0x5400)
		require.NoError(t, err)
		require.Equal(t, uint8(0), status)
		require.Equal(t, snapshot, backing.data)
	}
}

// TestMalformedChainPublishesUnsupportedInsteadOfHanging covers
// spec.md §9's mandate: a chain too short to be a valid request is
// still published to the used ring with status byte 2, so the driver
// never waits forever on a completion that will never come.
func TestMalformedChainPublishesUnsupportedInsteadOfHanging(t *testing.T) {
	backing := newFakeBacking(4096)
	dev, mem := newTestDevice(t, backing)

	// Only two descriptors: header and status, no data descriptor.
	const hdrAddr = 0x4000
	require.NoError(t, mem.WriteUint32(hdrAddr, 0))
	require.NoError(t, mem.WriteUint64(hdrAddr+8, 0))
	writeDescriptor(t, mem, 0, hdrAddr, 16, 1, 1)
	writeDescriptor(t, mem, 1, 0x5400, 1, 2, 0)
	pushAvail(t, mem, 0, 0)

	require.NoError(t, dev.ProcessQueue())

	status, err := mem.ReadUint8(0x5400)
	require.NoError(t, err)
	require.Equal(t, uint8(2), status)
}
