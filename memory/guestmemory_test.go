package memory_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/microvmm/memory"
)

func newRegion(t *testing.T, base uint64, size uint64) *memory.GuestMemory {
	t.Helper()
	m, err := memory.Allocate(size)
	require.NoError(t, err)
	m.SetBase(base)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestReadWriteUint32RoundTrip(t *testing.T) {
	m := newRegion(t, 0x1000, 4096)

	require.NoError(t, m.WriteUint32(0x1010, 0xDEADBEEF))
	got, err := m.ReadUint32(0x1010)
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), got)
}

func TestReadWriteUint64LittleEndian(t *testing.T) {
	m := newRegion(t, 0, 4096)

	require.NoError(t, m.WriteUint64(0x100, 0x0102030405060708))
	raw, err := m.ReadSlice(0x100, 8)
	require.NoError(t, err)
	require.Equal(t, []byte{0x08, 0x07, 0x06, 0x05, 0x04, 0x03, 0x02, 0x01}, raw)
}

func TestSliceRoundTrip(t *testing.T) {
	m := newRegion(t, 0, 4096)
	data := []byte{0xDE, 0xAD, 0xBE, 0xEF}

	require.NoError(t, m.WriteSlice(0x200, data))
	got, err := m.ReadSlice(0x200, len(data))
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestOutOfBoundsRejected(t *testing.T) {
	m := newRegion(t, 0x1000, 4096)

	_, err := m.ReadUint32(0x900) // below base
	require.ErrorIs(t, err, memory.ErrOutOfBounds)

	_, err = m.ReadSlice(0x1000+4096-2, 4) // crosses region end
	require.ErrorIs(t, err, memory.ErrOutOfBounds)
}

func TestMisalignedScalarRejected(t *testing.T) {
	m := newRegion(t, 0, 4096)

	_, err := m.ReadUint32(0x101)
	require.ErrorIs(t, err, memory.ErrAlignment)

	_, err = m.ReadUint64(0x104)
	require.ErrorIs(t, err, memory.ErrAlignment)
}

func TestInBounds(t *testing.T) {
	m := newRegion(t, 0x2000, 8192)

	require.True(t, m.InBounds(0x2000, 1024))
	require.True(t, m.InBounds(0x2000+8192-16, 16))
	require.False(t, m.InBounds(0x2000+8192-16, 17))
	require.False(t, m.InBounds(0x1000, 16))
}
