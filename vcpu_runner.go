package vmm

import (
	"context"
	"encoding/binary"

	"example.com/microvmm/hypervisor"
	"example.com/microvmm/mmiobus"
	"example.com/microvmm/vmerr"
)

// runVCPU drives a single vCPU through spec.md §4.5's Ready → Running
// → {Halted, Shutdown, Cancelled, Faulted, Exited} loop. MMIO exits
// inside a registered device's window are serviced and the vCPU is
// resumed; every other exit reason terminates the vCPU with a
// GuestFaultError, per "exits other than halt/shutdown on a bare
// guest are surfaced as terminal Faulted outcomes unless a registered
// device claims the address."
func runVCPU(ctx context.Context, vcpu hypervisor.VCPU, bus *mmiobus.Bus) (hypervisor.ExitReason, error) {
	for {
		if ctx.Err() != nil {
			return hypervisor.ExitCancelled, nil
		}

		exit, err := vcpu.Run()
		if err != nil {
			return hypervisor.ExitFault, err
		}

		switch exit.Reason {
		case hypervisor.ExitHalt:
			return hypervisor.ExitHalt, nil
		case hypervisor.ExitShutdown:
			return hypervisor.ExitShutdown, nil
		case hypervisor.ExitCancelled:
			return hypervisor.ExitCancelled, nil

		case hypervisor.ExitMmioRead:
			value, err := bus.Read(exit.Addr, exit.Size)
			if err != nil {
				return hypervisor.ExitFault, vmerr.NewGuestFaultError(vcpu.ID(), "unclaimed mmio read", err.Error())
			}
			buf := make([]byte, exit.Size)
			putUintLE(buf, value)
			if err := vcpu.CompleteMmioRead(buf); err != nil {
				return hypervisor.ExitFault, err
			}

		case hypervisor.ExitMmioWrite:
			value := getUintLE(exit.Data)
			if err := bus.Write(exit.Addr, exit.Size, value); err != nil {
				return hypervisor.ExitFault, vmerr.NewGuestFaultError(vcpu.ID(), "unclaimed mmio write", err.Error())
			}

		default:
			return hypervisor.ExitFault, vmerr.NewGuestFaultError(vcpu.ID(), "unhandled exit", exit.Reason.String())
		}
	}
}

// putUintLE/getUintLE pack an exit's data width (1, 2, 4, or 8 bytes)
// the way kvm_run's mmio union and HVF/WHP's decoded register values
// both already are: little-endian, width taken from the exit itself
// rather than assumed fixed at 4 or 8.
func putUintLE(buf []byte, v uint64) {
	switch len(buf) {
	case 1:
		buf[0] = byte(v)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(v))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(v))
	case 8:
		binary.LittleEndian.PutUint64(buf, v)
	default:
		for i := range buf {
			buf[i] = byte(v >> (8 * uint(i)))
		}
	}
}

func getUintLE(data []byte) uint64 {
	switch len(data) {
	case 1:
		return uint64(data[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(data))
	case 4:
		return uint64(binary.LittleEndian.Uint32(data))
	case 8:
		return binary.LittleEndian.Uint64(data)
	default:
		var v uint64
		for i, b := range data {
			v |= uint64(b) << (8 * uint(i))
		}
		return v
	}
}
