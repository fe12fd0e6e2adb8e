//go:build windows

package hypervisor

import (
	"errors"
	"unsafe"

	"example.com/microvmm/memory"
	"example.com/microvmm/vmerr"
)

var errUnsupportedWHPVCPU = errors.New("long-mode bootstrap requires a WHP vCPU")

// Long-mode constants mirrored from kvm_boot_linux.go (duplicated
// rather than shared across build-tagged files, since each backend's
// boot file is only ever compiled on its own target).
const (
	winPML4Addr uint64 = 0x9000
	winPDPTAddr uint64 = 0xA000
	winPDAddr   uint64 = 0xB000
	winGDTAddr  uint64 = 0x500

	winPDEPresent  uint64 = 1 << 0
	winPDEWritable uint64 = 1 << 1

	winCR0PE   uint64 = 1 << 0
	winCR0PG   uint64 = 1 << 31
	winCR4PAE  uint64 = 1 << 5
	winEFERLME uint64 = 1 << 8
	winEFERLMA uint64 = 1 << 10

	whvRegisterCr0  = 0x00000001
	whvRegisterCr3  = 0x00000003
	whvRegisterCr4  = 0x00000004
	whvRegisterEfer = 0x00080001
	whvRegisterGdtr = 0x00020006
	whvRegisterCs   = 0x00020000
)

// whvRegisterValue is WHV_REGISTER_VALUE's layout for the subset this
// backend writes: a plain 64-bit scalar, or a table-pointer/segment
// pair packed into the same 16 bytes the real union occupies.
type whvRegisterValue struct {
	Low  uint64
	High uint64
}

// PrepareBoot writes the same identity-mapped page table tree and
// flat GDT the KVM backend does into guest memory; x86-64 long mode
// entry requires it regardless of hypervisor.
func PrepareBoot(mem *memory.GuestMemory, entryIP uint64) error {
	if err := mem.WriteUint64(winPML4Addr, winPDPTAddr|winPDEPresent|winPDEWritable); err != nil {
		return vmerr.NewHostResourceError("write PML4", err)
	}
	if err := mem.WriteUint64(winPDPTAddr, winPDAddr|winPDEPresent|winPDEWritable); err != nil {
		return vmerr.NewHostResourceError("write PDPT", err)
	}
	const pageSize2M = 1 << 21
	for i := uint64(0); i < 512; i++ {
		entry := (i * pageSize2M) | winPDEPresent | winPDEWritable | (1 << 7)
		if err := mem.WriteUint64(winPDAddr+i*8, entry); err != nil {
			return vmerr.NewHostResourceError("write PD entry", err)
		}
	}

	entries := []uint64{0, packWinGDTEntry(0, 0xFFFFF, 0x9A, 0xA0), packWinGDTEntry(0, 0xFFFFF, 0x92, 0xA0)}
	for i, e := range entries {
		if err := mem.WriteUint64(winGDTAddr+uint64(i)*8, e); err != nil {
			return vmerr.NewHostResourceError("write GDT entry", err)
		}
	}
	return nil
}

func packWinGDTEntry(base uint32, limit uint32, access uint8, flags uint8) uint64 {
	var e uint64
	e |= uint64(limit) & 0xFFFF
	e |= (uint64(base) & 0xFFFFFF) << 16
	e |= uint64(access) << 40
	e |= (uint64(limit>>16) & 0x0F) << 48
	e |= uint64(flags&0xF0) << 48
	e |= (uint64(base>>24) & 0xFF) << 56
	return e
}

// Bootstrap installs CR0/CR3/CR4/EFER and GDTR/CS via
// WHvSetVirtualProcessorRegisters, then seeds RIP the same way
// InitRegs does.
func Bootstrap(vcpu VCPU, entryIP uint64) error {
	wv, ok := vcpu.(*whpVCPU)
	if !ok {
		return vmerr.NewHostResourceError("bootstrap long mode", errUnsupportedWHPVCPU)
	}

	names := []uint32{whvRegisterCr0, whvRegisterCr3, whvRegisterCr4, whvRegisterEfer, whvRegisterGdtr, whvRegisterCs}
	values := []whvRegisterValue{
		{Low: winCR0PE | winCR0PG},
		{Low: winPML4Addr},
		{Low: winCR4PAE},
		{Low: winEFERLME | winEFERLMA},
		{Low: uint64(3*8-1)<<48 | winGDTAddr}, // low 48 bits base, limit in top 16 (approximation of WHV_X64_TABLE_REGISTER packing)
		{Low: 1 << 3},                         // selector pointing at GDT entry 1 (code)
	}

	hr, _, _ := procWHvSetVirtualProcessorRegisters.Call(
		wv.partition, uintptr(wv.id),
		uintptr(unsafe.Pointer(&names[0])), uintptr(len(names)),
		uintptr(unsafe.Pointer(&values[0])),
	)
	if failed(hr) {
		return vmerr.NewHostResourceError("WHvSetVirtualProcessorRegisters(long mode)", whvError(hr))
	}
	return vcpu.InitRegs(entryIP)
}
