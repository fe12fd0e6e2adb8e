// Package config loads and validates the VM's sole external input: a
// TOML configuration file naming memory size, vCPU count, backing
// disk path, and MMIO base address.
package config

import (
	"fmt"

	"code.cloudfoundry.org/bytefmt"
	"github.com/BurntSushi/toml"
	"github.com/pbnjay/memory"

	"example.com/microvmm/vmerr"
)

const (
	minVCPUs = 1
	maxVCPUs = 64

	defaultMmioBase = 0x1000
	pageSize        = 4096
)

// raw mirrors the TOML file's shape before normalization.
type raw struct {
	MemoryMB uint64 `toml:"memory_mb"`
	VCPUs    uint32 `toml:"vcpus"`
	DiskPath string `toml:"disk_path"`
	MmioBase *uint64 `toml:"mmio_base"`
}

// VmConfig is the immutable, validated record consumed once at VM
// construction. VCPUCount is normalized per spec §3: {0, 1} → 2.
type VmConfig struct {
	MemoryBytes uint64
	VCPUCount   uint32
	DiskPath    string
	MmioBase    uint64
}

// String renders memory size in human-readable units for log lines and
// error messages, e.g. "128M".
func (c *VmConfig) String() string {
	return fmt.Sprintf("VmConfig{memory=%s, vcpus=%d, disk=%q, mmio_base=0x%x}",
		bytefmt.ByteSize(c.MemoryBytes), c.VCPUCount, c.DiskPath, c.MmioBase)
}

// Load reads and validates a TOML configuration file at path.
func Load(path string) (*VmConfig, error) {
	var r raw
	if _, err := toml.DecodeFile(path, &r); err != nil {
		return nil, vmerr.NewConfigError("file", fmt.Errorf("decoding %q: %w", path, err))
	}
	return normalize(r)
}

func normalize(r raw) (*VmConfig, error) {
	if r.DiskPath == "" {
		return nil, vmerr.NewConfigError("disk_path", fmt.Errorf("must name a backing disk image"))
	}

	vcpus := r.VCPUs
	if vcpus <= minVCPUs {
		vcpus = 2
	}
	if vcpus > maxVCPUs {
		return nil, vmerr.NewConfigError("vcpus", fmt.Errorf("%d exceeds maximum of %d", vcpus, maxVCPUs))
	}

	memBytes := r.MemoryMB * bytefmt.MEGABYTE
	if memBytes == 0 {
		return nil, vmerr.NewConfigError("memory_mb", fmt.Errorf("must be non-zero"))
	}
	if memBytes%pageSize != 0 {
		return nil, vmerr.NewConfigError("memory_mb", fmt.Errorf("%s is not page-aligned", bytefmt.ByteSize(memBytes)))
	}
	if avail := memory.FreeMemory(); avail > 0 && memBytes > avail {
		return nil, vmerr.NewConfigError("memory_mb", fmt.Errorf("requested %s exceeds available host memory %s", bytefmt.ByteSize(memBytes), bytefmt.ByteSize(avail)))
	}

	mmioBase := uint64(defaultMmioBase)
	if r.MmioBase != nil {
		mmioBase = *r.MmioBase
	}
	if mmioBase%4 != 0 {
		return nil, vmerr.NewConfigError("mmio_base", fmt.Errorf("0x%x is not 4-byte aligned", mmioBase))
	}

	return &VmConfig{
		MemoryBytes: memBytes,
		VCPUCount:   vcpus,
		DiskPath:    r.DiskPath,
		MmioBase:    mmioBase,
	}, nil
}
