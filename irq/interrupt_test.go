package irq_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"example.com/microvmm/hypervisor"
	"example.com/microvmm/irq"
	"example.com/microvmm/memory"
)

// fakePartition accepts or rejects RegisterIRQFD depending on
// rejectIRQFD, letting tests exercise both the irqfd path and the
// per-vCPU injection fallback without a real hypervisor.
type fakePartition struct {
	rejectIRQFD    bool
	registeredGSI  uint32
	registeredOnce bool
}

func (p *fakePartition) MapMemory(*memory.GuestMemory, uint64) error { return nil }
func (p *fakePartition) CreateVCPU(int) (hypervisor.VCPU, error) { return nil, nil }
func (p *fakePartition) RegisterIRQFD(eventFD int, gsi uint32) error {
	if p.rejectIRQFD {
		return errRejected
	}
	p.registeredGSI = gsi
	p.registeredOnce = true
	return nil
}
func (p *fakePartition) Close() error { return nil }

type fakeVCPU struct {
	id       int
	injected []uint32
}

func (v *fakeVCPU) ID() int                      { return v.id }
func (v *fakeVCPU) InitRegs(uint64) error        { return nil }
func (v *fakeVCPU) Run() (hypervisor.ExitInfo, error) { return hypervisor.ExitInfo{}, nil }
func (v *fakeVCPU) CompleteMmioRead([]byte) error     { return nil }
func (v *fakeVCPU) InjectInterrupt(vector uint32) error {
	v.injected = append(v.injected, vector)
	return nil
}
func (v *fakeVCPU) Cancel() error { return nil }
func (v *fakeVCPU) Close() error  { return nil }

func TestTriggerViaIRQFDWritesEventfd(t *testing.T) {
	p := &fakePartition{}
	line, err := irq.New(p, 5, nil)
	require.NoError(t, err)
	defer line.Close()

	require.True(t, p.registeredOnce)
	require.Equal(t, uint32(5), line.GSI())
	require.NoError(t, line.Trigger(32))
}

func TestTriggerFallsBackToInjectionWhenIRQFDUnsupported(t *testing.T) {
	p := &fakePartition{rejectIRQFD: true}
	v1 := &fakeVCPU{id: 0}
	v2 := &fakeVCPU{id: 1}
	line, err := irq.New(p, 5, []hypervisor.VCPU{v1, v2})
	require.NoError(t, err)
	defer line.Close()

	require.NoError(t, line.Trigger(33))
	require.Equal(t, []uint32{33}, v1.injected)
	require.Equal(t, []uint32{33}, v2.injected)
}

func TestCloseIsIdempotent(t *testing.T) {
	p := &fakePartition{}
	line, err := irq.New(p, 7, nil)
	require.NoError(t, err)
	require.NoError(t, line.Close())
	require.NoError(t, line.Close())
}

var errRejected = unix.ENOSYS
