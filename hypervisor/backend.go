// Package hypervisor abstracts over the host's native virtualization
// facility. Three backends implement the same Backend/Partition/VCPU
// capability set: Linux/KVM, macOS/Hypervisor.framework (HVF), and
// Windows/WHP. Dispatch between them is by compile target, not
// inheritance — callers never see which backend they hold.
package hypervisor

import "example.com/microvmm/memory"

// ExitReason is the VCPU Runner's normalized exit classification,
// reduced from each backend's own exit-reason sum type per spec.md §4.5.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitHalt
	ExitShutdown
	ExitCancelled
	ExitMmioRead
	ExitMmioWrite
	ExitIoIn
	ExitIoOut
	ExitFault
)

func (r ExitReason) String() string {
	switch r {
	case ExitHalt:
		return "Halt"
	case ExitShutdown:
		return "Shutdown"
	case ExitCancelled:
		return "Cancelled"
	case ExitMmioRead:
		return "MmioRead"
	case ExitMmioWrite:
		return "MmioWrite"
	case ExitIoIn:
		return "IoIn"
	case ExitIoOut:
		return "IoOut"
	case ExitFault:
		return "Fault"
	default:
		return "Unknown"
	}
}

// ExitInfo carries everything the vCPU Runner needs to dispatch an
// exit: the address (MMIO physical address or I/O port), the width in
// bytes, and — for writes — the data the guest supplied, or — for
// reads — a buffer the Runner must fill before resuming.
type ExitInfo struct {
	Reason      ExitReason
	Addr        uint64
	Size        int
	Data        []byte
	FaultDetail string
}

// VCPU is a single virtual CPU's execution handle. Run is a
// synchronous, blocking call into the host hypervisor; it returns
// once per guest exit, never suspending cooperatively.
type VCPU interface {
	ID() int
	InitRegs(entryIP uint64) error
	Run() (ExitInfo, error)
	// CompleteMmioRead supplies the value a device produced for an
	// ExitMmioRead, so the trapping load instruction can retire before
	// Run is called again. Must be called exactly once between an
	// ExitMmioRead and the next Run call, never for any other reason.
	CompleteMmioRead(data []byte) error
	InjectInterrupt(vector uint32) error
	Cancel() error
	Close() error
}

// Partition is an owning handle to a host hypervisor VM object.
// Exactly one Close call tears down every vCPU created from it, then
// the partition itself.
type Partition interface {
	MapMemory(mem *memory.GuestMemory, guestBase uint64) error
	CreateVCPU(id int) (VCPU, error)
	RegisterIRQFD(eventFD int, gsi uint32) error
	Close() error
}

// Backend constructs partitions. Each supported OS/arch provides
// exactly one backend, selected at compile time.
type Backend interface {
	CreatePartition(vcpuCount int) (Partition, error)
}
