// Package irq delivers device interrupts to a running partition. On
// KVM it registers a host eventfd as an irqfd against a GSI and
// triggers delivery with a single write(2); the in-kernel IRQ chip
// takes it from there, so no vCPU ever polls a software interrupt
// controller. Backends without irqfd support (HVF, WHP) fall back to
// calling VCPU.InjectInterrupt directly on every vCPU.
package irq

import (
	"golang.org/x/sys/unix"

	"example.com/microvmm/hypervisor"
	"example.com/microvmm/vmerr"
)

// Line is one guest interrupt source: a virtio-mmio device's single
// IRQ line, bound to a GSI (or, on backends without an in-kernel IRQ
// chip, to a fixed set of vCPUs) on construction.
type Line struct {
	partition    hypervisor.Partition
	eventFD      int
	gsi          uint32
	vcpus        []hypervisor.VCPU
	viaInjection bool
}

// New creates an eventfd and registers it as an irqfd for gsi against
// partition. If the backend rejects RegisterIRQFD (HVF, WHP have no
// irqfd concept), New falls back to direct per-vCPU injection; vcpus
// is only consulted on that path.
func New(partition hypervisor.Partition, gsi uint32, vcpus []hypervisor.VCPU) (*Line, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return nil, vmerr.NewHostResourceError("eventfd", err)
	}

	l := &Line{partition: partition, eventFD: fd, gsi: gsi, vcpus: vcpus}

	if err := partition.RegisterIRQFD(fd, gsi); err != nil {
		l.viaInjection = true
	}
	return l, nil
}

// Trigger raises the line once, edge-style: a single write(2) of the
// value 1 to the eventfd per vmm_sys_util::eventfd::EventFd::write's
// contract, coalesced by the kernel eventfd counter if the guest has
// not yet serviced a previous trigger.
func (l *Line) Trigger(vector uint32) error {
	if l.viaInjection {
		var firstErr error
		for _, v := range l.vcpus {
			if err := v.InjectInterrupt(vector); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	buf := [8]byte{1, 0, 0, 0, 0, 0, 0, 0}
	_, err := unix.Write(l.eventFD, buf[:])
	if err != nil {
		return vmerr.NewHostResourceError("eventfd write", err)
	}
	return nil
}

// GSI reports the guest system interrupt number this line was bound
// to, primarily for log lines.
func (l *Line) GSI() uint32 { return l.gsi }

// Close releases the eventfd. The irqfd registration itself is torn
// down implicitly when the owning partition closes.
func (l *Line) Close() error {
	if l.eventFD == 0 {
		return nil
	}
	fd := l.eventFD
	l.eventFD = 0
	return unix.Close(fd)
}
