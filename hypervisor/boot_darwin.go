//go:build darwin

package hypervisor

import "example.com/microvmm/memory"

// PrepareBoot is a no-op on HVF/aarch64: macos_setup.rs starts the
// vCPU directly at PC with the MMU off, there is no host-installed
// page table or GDT to write.
func PrepareBoot(mem *memory.GuestMemory, entryIP uint64) error { return nil }

// Bootstrap just seeds PC; aarch64 needs no segment/paging setup.
func Bootstrap(vcpu VCPU, entryIP uint64) error { return vcpu.InitRegs(entryIP) }
