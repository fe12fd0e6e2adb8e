//go:build linux

package hypervisor

import (
	"errors"

	"example.com/microvmm/memory"
	"example.com/microvmm/vmerr"
)

var errUnsupportedVCPU = errors.New("long-mode bootstrap requires a KVM vCPU")

// Long-mode page table and GDT flags, generalized from the teacher's
// 32-bit protected-mode PTE_*/GDTEntry constants (gdt.go, paging.go)
// to the 4-level paging and 64-bit code segment x86-64 long mode
// requires.
const (
	pteEntrySize = 8

	pdePresent   uint64 = 1 << 0
	pdeWritable  uint64 = 1 << 1
	pdePageSize1G uint64 = 1 << 7 // set on a PDPTE to map a 1GiB page directly

	cr0PE uint64 = 1 << 0
	cr0PG uint64 = 1 << 31
	cr4PAE uint64 = 1 << 5
	eferLME uint64 = 1 << 8
	eferLMA uint64 = 1 << 10

	// gdtCodeAccess/gdtCodeFlags build a 64-bit flat code segment:
	// present, ring 0, executable, readable, long-mode (L=1, D=0).
	gdtCodeAccess uint8 = 0x9A
	gdtCodeFlags  uint8 = 0xA0
	gdtDataAccess uint8 = 0x92
)

// longModeLayout mirrors the teacher's own choice of boot-time
// scratch addresses: a GDT at 0x500 (gdt.go's NewGDT) and page tables
// starting at 0x9000, clear of the guest program loaded at entry_ip
// (0x1000) and any low BIOS data area.
const (
	pml4Addr = 0x9000
	pdptAddr = 0xA000
	pdAddr   = 0xB000
	gdtAddr  = 0x500
)

// InstallIdentityMap writes a 4-level page table tree into guest
// memory that identity-maps the first 1GiB using a single 2MiB-page
// page directory; Bootstrap points CR3 at it. It must run before InitRegs
// so the vCPU's first fetch at entryIP already sees paging enabled.
func InstallIdentityMap(mem *memory.GuestMemory, entryIP uint64) error {
	// PML4[0] -> PDPT
	if err := mem.WriteUint64(pml4Addr, pdptAddr|pdePresent|pdeWritable); err != nil {
		return vmerr.NewHostResourceError("write PML4", err)
	}
	// PDPT[0] -> PD
	if err := mem.WriteUint64(pdptAddr, pdAddr|pdePresent|pdeWritable); err != nil {
		return vmerr.NewHostResourceError("write PDPT", err)
	}
	// PD[i] -> 2MiB page i, identity mapped, for the first 1GiB.
	const pageSize2M = 1 << 21
	for i := uint64(0); i < 512; i++ {
		entry := (i * pageSize2M) | pdePresent | pdeWritable | (1 << 7) // PS bit: 2MiB page
		if err := mem.WriteUint64(pdAddr+i*pteEntrySize, entry); err != nil {
			return vmerr.NewHostResourceError("write PD entry", err)
		}
	}
	return nil
}

// InstallFlatGDT writes a minimal three-descriptor GDT (null, 64-bit
// code, data) into guest memory, generalizing the teacher's 32-bit
// NewGDTEntry to a long-mode code descriptor (L=1) and a flat data
// descriptor with no limit checking (ignored by the CPU in 64-bit
// mode but required present for SS).
func InstallFlatGDT(mem *memory.GuestMemory) error {
	entries := []uint64{
		0, // null descriptor
		packGDTEntry(0, 0xFFFFF, gdtCodeAccess, gdtCodeFlags),
		packGDTEntry(0, 0xFFFFF, gdtDataAccess, gdtCodeFlags),
	}
	for i, e := range entries {
		if err := mem.WriteUint64(gdtAddr+uint64(i)*8, e); err != nil {
			return vmerr.NewHostResourceError("write GDT entry", err)
		}
	}
	return nil
}

func packGDTEntry(base uint32, limit uint32, access uint8, flags uint8) uint64 {
	var e uint64
	e |= uint64(limit) & 0xFFFF
	e |= (uint64(base) & 0xFFFFFF) << 16
	e |= uint64(access) << 40
	e |= (uint64(limit>>16) & 0x0F) << 48
	e |= uint64(flags&0xF0) << 48
	e |= (uint64(base>>24) & 0xFF) << 56
	return e
}

// PrepareBoot writes the identity-mapped page tables and flat GDT an
// x86-64 long-mode boot needs into guest memory, before any vCPU is
// started.
func PrepareBoot(mem *memory.GuestMemory, entryIP uint64) error {
	if err := InstallIdentityMap(mem, entryIP); err != nil {
		return err
	}
	return InstallFlatGDT(mem)
}

// Bootstrap drives a freshly created vCPU into 64-bit long mode at
// entryIP: it installs CR3/CR4/CR0/EFER and a flat 64-bit code
// segment, then sets RIP. Guest memory must already contain the page
// tables and GDT written by PrepareBoot.
func Bootstrap(vcpu VCPU, entryIP uint64) error {
	kv, ok := vcpu.(*kvmVCPU)
	if !ok {
		return vmerr.NewHostResourceError("bootstrap long mode", errUnsupportedVCPU)
	}
	err := kv.WithSregs(func(s *kvmSregs) {
		s.CR3 = pml4Addr
		s.CR4 |= cr4PAE
		s.CR0 |= cr0PE | cr0PG
		s.EFER |= eferLME | eferLMA

		s.GDT = kvmDTable{Base: gdtAddr, Limit: 3*8 - 1}

		s.CS = kvmSegment{
			Base: 0, Limit: 0xFFFFFFFF, Selector: 1 << 3,
			Typ: 0xB, Present: 1, DPL: 0, DB: 0, S: 1, L: 1, G: 1,
		}
		s.DS = kvmSegment{
			Base: 0, Limit: 0xFFFFFFFF, Selector: 2 << 3,
			Typ: 0x3, Present: 1, DPL: 0, DB: 1, S: 1, L: 0, G: 1,
		}
		s.ES, s.FS, s.GS, s.SS = s.DS, s.DS, s.DS, s.DS
	})
	if err != nil {
		return err
	}
	return vcpu.InitRegs(entryIP)
}
