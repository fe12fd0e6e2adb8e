package mmiobus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/microvmm/mmiobus"
)

type recordingDevice struct {
	reads  []uint64
	writes map[uint64]uint64
}

func newRecordingDevice() *recordingDevice {
	return &recordingDevice{writes: make(map[uint64]uint64)}
}

func (d *recordingDevice) ReadMMIO(offset uint64, size int) (uint64, error) {
	d.reads = append(d.reads, offset)
	return offset, nil
}

func (d *recordingDevice) WriteMMIO(offset uint64, size int, value uint64) error {
	d.writes[offset] = value
	return nil
}

func TestRouteReadAndWriteToRegisteredRange(t *testing.T) {
	bus := mmiobus.New()
	dev := newRecordingDevice()
	bus.Register(0x1000, 0x1000, dev)

	v, err := bus.Read(0x1010, 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x10), v)

	require.NoError(t, bus.Write(0x1050, 4, 42))
	require.Equal(t, uint64(42), dev.writes[0x50])
}

func TestUnhandledAddressErrors(t *testing.T) {
	bus := mmiobus.New()
	_, err := bus.Read(0x9999, 4)
	require.Error(t, err)
}

func TestOverlappingRegistrationPrefersMostRecent(t *testing.T) {
	bus := mmiobus.New()
	first := newRecordingDevice()
	second := newRecordingDevice()
	bus.Register(0x1000, 0x1000, first)
	bus.Register(0x1800, 0x1000, second)

	_, err := bus.Read(0x1900, 4)
	require.NoError(t, err)
	require.Len(t, second.reads, 1)
	require.Empty(t, first.reads)
}
