//go:build darwin

package hypervisor

// #cgo LDFLAGS: -framework Hypervisor
// #include <Hypervisor/hv.h>
// #include <Hypervisor/hv_vcpu.h>
// #include <stdlib.h>
//
// static hv_return_t vmm_vm_create(void) { return hv_vm_create(NULL); }
import "C"

import (
	"fmt"
	"sync"
	"unsafe"

	"example.com/microvmm/memory"
	"example.com/microvmm/vmerr"
)

// HVFBackend targets Apple Silicon/Intel macOS via Hypervisor.framework.
// hv_vm_create is process-global — only one partition may exist per
// process — so CreatePartition enforces single use the way
// applevisor's VirtualMachine::new implicitly relies on the framework
// to do.
type HVFBackend struct {
	mu      sync.Mutex
	created bool
}

func NewHVFBackend() Backend { return &HVFBackend{} }

func (b *HVFBackend) CreatePartition(vcpuCount int) (Partition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.created {
		return nil, vmerr.NewHostResourceError("hv_vm_create", fmt.Errorf("only one HVF partition per process"))
	}
	if ret := C.vmm_vm_create(); ret != C.HV_SUCCESS {
		return nil, vmerr.NewHostResourceError("hv_vm_create", hvError(ret))
	}
	b.created = true
	return &hvfPartition{vcpuCount: vcpuCount}, nil
}

func hvError(ret C.hv_return_t) error {
	return fmt.Errorf("hv_return_t 0x%x", uint32(ret))
}

type hvfPartition struct {
	mu        sync.Mutex
	vcpuCount int
	vcpus     []*hvfVCPU
}

// MapMemory maps a GuestMemory region RWX at guestBase, matching
// macos_setup.rs's Mapping::map(0x4000, MemPerms::RWX); guest page
// tables (not the host mapping) are what actually restrict execute
// rights once in long mode, identically to the KVM backend.
func (p *hvfPartition) MapMemory(mem *memory.GuestMemory, guestBase uint64) error {
	mem.SetBase(guestBase)
	flags := C.hv_memory_flags_t(C.HV_MEMORY_READ | C.HV_MEMORY_WRITE | C.HV_MEMORY_EXEC)
	ret := C.hv_vm_map(
		unsafe.Pointer(mem.HostAddress()),
		C.hv_ipa_t(guestBase),
		C.size_t(mem.Len()),
		flags,
	)
	if ret != C.HV_SUCCESS {
		return vmerr.NewHostResourceError("hv_vm_map", hvError(ret))
	}
	return nil
}

func (p *hvfPartition) CreateVCPU(id int) (VCPU, error) {
	var vcpuHandle C.hv_vcpu_t
	var exitPtr *C.hv_vcpu_exit_t
	if ret := C.hv_vcpu_create(&vcpuHandle, &exitPtr, nil); ret != C.HV_SUCCESS {
		return nil, vmerr.NewHostResourceError("hv_vcpu_create", hvError(ret))
	}
	v := &hvfVCPU{id: id, handle: vcpuHandle, exit: exitPtr}
	p.mu.Lock()
	p.vcpus = append(p.vcpus, v)
	p.mu.Unlock()
	return v, nil
}

// RegisterIRQFD has no HVF equivalent: Apple's framework delivers
// interrupts via hv_vcpu_set_pending_interrupt on the target vCPU
// directly, not a host-side eventfd/GSI table. InjectInterrupt below
// is this backend's delivery path; irq.Line falls back to calling it
// per vCPU when built for darwin instead of registering an irqfd.
func (p *hvfPartition) RegisterIRQFD(eventFD int, gsi uint32) error {
	return vmerr.NewHostResourceError("RegisterIRQFD", fmt.Errorf("not supported on HVF, use VCPU.InjectInterrupt"))
}

func (p *hvfPartition) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, v := range p.vcpus {
		if err := v.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if ret := C.hv_vm_destroy(); ret != C.HV_SUCCESS && firstErr == nil {
		firstErr = vmerr.NewHostResourceError("hv_vm_destroy", hvError(ret))
	}
	return firstErr
}

type hvfVCPU struct {
	id          int
	handle      C.hv_vcpu_t
	exit        *C.hv_vcpu_exit_t
	closed      bool
	cancel      bool
	lastMmioReg uint32
	mu          sync.Mutex
}

func (v *hvfVCPU) ID() int { return v.id }

// aarch64 general registers; PC is HV_REG_PC per applevisor's Reg::PC.
func (v *hvfVCPU) InitRegs(entryIP uint64) error {
	if ret := C.hv_vcpu_set_reg(v.handle, C.HV_REG_PC, C.uint64_t(entryIP)); ret != C.HV_SUCCESS {
		return vmerr.NewHostResourceError("hv_vcpu_set_reg PC", hvError(ret))
	}
	return nil
}

func (v *hvfVCPU) Run() (ExitInfo, error) {
	for {
		v.mu.Lock()
		cancelled := v.cancel
		v.mu.Unlock()
		if cancelled {
			return ExitInfo{Reason: ExitCancelled}, nil
		}

		if ret := C.hv_vcpu_run(v.handle); ret != C.HV_SUCCESS {
			return ExitInfo{}, vmerr.NewGuestFaultError(v.id, "hv_vcpu_run", hvError(ret).Error())
		}

		switch v.exit.reason {
		case C.HV_EXIT_REASON_CANCELED:
			return ExitInfo{Reason: ExitCancelled}, nil
		case C.HV_EXIT_REASON_EXCEPTION:
			syndrome := uint64(v.exit.exception.syndrome)
			ec := (syndrome >> 26) & 0x3F
			switch ec {
			case 0x24: // Data Abort (stage-2, lower EL): MMIO accesses land here on aarch64.
				addr := uint64(v.exit.exception.physical_address)
				isWrite := (syndrome>>6)&1 == 1
				size := 1 << ((syndrome >> 22) & 0x3) // SAS field: access size in bytes
				if isWrite {
					srt := uint32((syndrome >> 16) & 0x1F) // source register holding the stored value
					var val C.uint64_t
					if ret := C.hv_vcpu_get_reg(v.handle, C.HV_REG_X0+C.hv_reg_t(srt), &val); ret != C.HV_SUCCESS {
						return ExitInfo{}, vmerr.NewGuestFaultError(v.id, "hv_vcpu_get_reg", hvError(ret).Error())
					}
					buf := make([]byte, 8)
					for i := range buf {
						buf[i] = byte(val >> (8 * uint(i)))
					}
					if err := v.advancePC(); err != nil {
						return ExitInfo{}, err
					}
					return ExitInfo{Reason: ExitMmioWrite, Addr: addr, Size: size, Data: buf[:size]}, nil
				}
				v.lastMmioReg = uint32((syndrome >> 16) & 0x1F)
				return ExitInfo{Reason: ExitMmioRead, Addr: addr, Size: size, Data: make([]byte, size)}, nil
			default:
				return ExitInfo{}, vmerr.NewGuestFaultError(v.id, "exception", fmt.Sprintf("EC 0x%x syndrome 0x%x", ec, syndrome))
			}
		case C.HV_EXIT_REASON_VTIMER_ACTIVATED:
			return ExitInfo{Reason: ExitUnknown}, nil
		default:
			return ExitInfo{}, vmerr.NewGuestFaultError(v.id, "unhandled exit", fmt.Sprintf("hv_exit_reason_t %d", v.exit.reason))
		}
	}
}

// CompleteMmioRead writes the device's value into the destination
// register the trapping load decoded (Rt, captured by Run), so the
// instruction retires with the correct result on the next Run call.
func (v *hvfVCPU) CompleteMmioRead(data []byte) error {
	if len(data) > 8 {
		return vmerr.NewGuestFaultError(v.id, "CompleteMmioRead", fmt.Sprintf("data length %d exceeds 8 bytes", len(data)))
	}
	var val C.uint64_t
	for i, b := range data {
		val |= C.uint64_t(b) << (8 * uint(i))
	}
	if ret := C.hv_vcpu_set_reg(v.handle, C.HV_REG_X0+C.hv_reg_t(v.lastMmioReg), val); ret != C.HV_SUCCESS {
		return vmerr.NewGuestFaultError(v.id, "hv_vcpu_set_reg", hvError(ret).Error())
	}
	return v.advancePC()
}

// advancePC steps past the trapping 4-byte aarch64 instruction; HVF
// does not do this itself for an emulated MMIO data abort.
func (v *hvfVCPU) advancePC() error {
	var pc C.uint64_t
	if ret := C.hv_vcpu_get_reg(v.handle, C.HV_REG_PC, &pc); ret != C.HV_SUCCESS {
		return vmerr.NewGuestFaultError(v.id, "hv_vcpu_get_reg PC", hvError(ret).Error())
	}
	if ret := C.hv_vcpu_set_reg(v.handle, C.HV_REG_PC, pc+4); ret != C.HV_SUCCESS {
		return vmerr.NewGuestFaultError(v.id, "hv_vcpu_set_reg PC", hvError(ret).Error())
	}
	return nil
}

func (v *hvfVCPU) InjectInterrupt(vector uint32) error {
	if ret := C.hv_vcpu_set_pending_interrupt(v.handle, C.HV_INTERRUPT_TYPE_IRQ, true); ret != C.HV_SUCCESS {
		return vmerr.NewGuestFaultError(v.id, "hv_vcpu_set_pending_interrupt", hvError(ret).Error())
	}
	return nil
}

func (v *hvfVCPU) Cancel() error {
	v.mu.Lock()
	v.cancel = true
	v.mu.Unlock()
	handles := [1]C.hv_vcpu_t{v.handle}
	if ret := C.hv_vcpus_exit(&handles[0], 1); ret != C.HV_SUCCESS {
		return vmerr.NewHostResourceError("hv_vcpus_exit", hvError(ret))
	}
	return nil
}

func (v *hvfVCPU) Close() error {
	if v.closed {
		return nil
	}
	v.closed = true
	if ret := C.hv_vcpu_destroy(v.handle); ret != C.HV_SUCCESS {
		return hvError(ret)
	}
	return nil
}
