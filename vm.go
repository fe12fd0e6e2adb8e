// Package vmm wires the hypervisor, virtio, interrupt, and mmiobus
// packages together into a runnable virtual machine: it owns guest
// memory and the block device, spawns one vCPU Runner per configured
// core, and reduces their outcomes per spec.md §4.5's "first fault
// wins" join.
package vmm

import (
	"context"
	"fmt"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"example.com/microvmm/config"
	"example.com/microvmm/hypervisor"
	"example.com/microvmm/irq"
	"example.com/microvmm/memory"
	"example.com/microvmm/mmiobus"
	"example.com/microvmm/vmerr"
	"example.com/microvmm/virtio"
)

// mmioWindowSize is the span the vCPU Runner treats as belonging to a
// single virtio-mmio device, per spec.md §4.5's "[device.mmio_base,
// device.mmio_base + 0x1000)".
const mmioWindowSize = 0x1000

// blockGSI is this core's sole interrupt source; one device, one
// line, so a fixed GSI needs no allocator.
const blockGSI = 5

// VM owns every host resource backing one running guest: a
// hypervisor partition, guest memory, the block device and its
// interrupt line, and the vCPUs executing inside it.
type VM struct {
	cfg       *config.VmConfig
	partition hypervisor.Partition
	mem       *memory.GuestMemory
	bus       *mmiobus.Bus
	block     *virtio.BlockDevice
	disk      *virtio.DiskImage
	line      *irq.Line
	vcpus     []hypervisor.VCPU
	entryIP   uint64
}

// defaultEntryIP returns spec.md §3's per-architecture vCPU reset
// address: 0x1000 on x86-64, 0x4000 on aarch64 (HVF's only target).
func defaultEntryIP() uint64 {
	if runtime.GOARCH == "arm64" {
		return 0x4000
	}
	return 0x1000
}

// New constructs a VM per spec.md §4.5's control flow: create a
// Partition, allocate and map Guest Memory, prepare the boot
// environment, create one vCPU per configured core, construct the
// Block Device bound to Guest Memory and a fresh Interrupt Line, then
// bootstrap every vCPU to its entry point. The backend is selected by
// the caller's compile target (hypervisor.NewKVMBackend,
// NewHVFBackend, or NewWHPBackend). debug configures the process's
// sole logrus level for the lifetime of the returned VM: debug level
// when true, info level otherwise.
func New(backend hypervisor.Backend, cfg *config.VmConfig, debug bool) (*VM, error) {
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}

	partition, err := backend.CreatePartition(int(cfg.VCPUCount))
	if err != nil {
		return nil, fmt.Errorf("creating partition: %w", err)
	}

	mem, err := memory.Allocate(cfg.MemoryBytes)
	if err != nil {
		partition.Close()
		return nil, fmt.Errorf("allocating guest memory: %w", err)
	}
	if err := partition.MapMemory(mem, 0); err != nil {
		mem.Close()
		partition.Close()
		return nil, fmt.Errorf("mapping guest memory: %w", err)
	}

	entryIP := defaultEntryIP()
	if err := hypervisor.PrepareBoot(mem, entryIP); err != nil {
		mem.Close()
		partition.Close()
		return nil, fmt.Errorf("preparing boot environment: %w", err)
	}

	vcpus := make([]hypervisor.VCPU, 0, cfg.VCPUCount)
	for i := 0; i < int(cfg.VCPUCount); i++ {
		vcpu, err := partition.CreateVCPU(i)
		if err != nil {
			mem.Close()
			partition.Close()
			return nil, fmt.Errorf("creating vcpu %d: %w", i, err)
		}
		vcpus = append(vcpus, vcpu)
	}

	line, err := irq.New(partition, blockGSI, vcpus)
	if err != nil {
		mem.Close()
		partition.Close()
		return nil, fmt.Errorf("creating interrupt line: %w", err)
	}

	disk, err := virtio.OpenDiskImage(cfg.DiskPath)
	if err != nil {
		line.Close()
		mem.Close()
		partition.Close()
		return nil, fmt.Errorf("opening disk image %q: %w", cfg.DiskPath, err)
	}

	block, err := virtio.NewBlockDevice(cfg.MmioBase, mem, disk, line)
	if err != nil {
		disk.Close()
		line.Close()
		mem.Close()
		partition.Close()
		return nil, fmt.Errorf("constructing block device: %w", err)
	}

	bus := mmiobus.New()
	bus.Register(cfg.MmioBase, mmioWindowSize, block)

	for _, vcpu := range vcpus {
		if err := hypervisor.Bootstrap(vcpu, entryIP); err != nil {
			disk.Close()
			line.Close()
			mem.Close()
			partition.Close()
			return nil, fmt.Errorf("bootstrapping vcpu %d: %w", vcpu.ID(), err)
		}
	}

	logrus.WithFields(logrus.Fields{
		"config":   cfg.String(),
		"entry_ip": fmt.Sprintf("0x%x", entryIP),
	}).Info("vm: constructed")

	return &VM{
		cfg:       cfg,
		partition: partition,
		mem:       mem,
		bus:       bus,
		block:     block,
		disk:      disk,
		line:      line,
		vcpus:     vcpus,
		entryIP:   entryIP,
	}, nil
}

// Run spawns one vCPU Runner per core and blocks until every one
// terminates. If ctx is cancelled first, every vCPU is cancelled via
// the hypervisor's native cancellation primitive. A fault in one
// runner does not stop the others. The first runner to return a
// non-nil error wins; Halted/Shutdown/Cancelled outcomes are not
// errors, matching spec.md §4.5's termination contract.
func (vm *VM) Run(ctx context.Context) error {
	var g errgroup.Group

	for _, vcpu := range vm.vcpus {
		vcpu := vcpu
		g.Go(func() error {
			reason, err := runVCPU(ctx, vcpu, vm.bus)
			logrus.WithFields(logrus.Fields{"vcpu": vcpu.ID(), "reason": reason}).Debug("vm: vcpu terminated")
			return err
		})
	}

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		for _, vcpu := range vm.vcpus {
			if err := vcpu.Cancel(); err != nil {
				logrus.WithError(err).WithField("vcpu", vcpu.ID()).Warn("vm: cancel failed")
			}
		}
	}()

	return g.Wait()
}

// Close tears down every owned resource: the vCPUs, the block
// device's backing disk, the interrupt line, guest memory, and finally
// the partition. Failures in independent teardown steps are aggregated
// rather than masked.
func (vm *VM) Close() error {
	var result *multierror.Error
	for _, vcpu := range vm.vcpus {
		if err := vcpu.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing vcpu %d: %w", vcpu.ID(), err))
		}
	}
	if err := vm.disk.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing disk image: %w", err))
	}
	if err := vm.line.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing interrupt line: %w", err))
	}
	if err := vm.mem.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("unmapping guest memory: %w", err))
	}
	if err := vm.partition.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("closing partition: %w", err))
	}
	return result.ErrorOrNil()
}

// LoadProgram writes data into guest memory at the architecture's
// entry point, mirroring the teacher's LoadBinary. Call before Run;
// vCPUs are already bootstrapped to fetch from this address.
func (vm *VM) LoadProgram(data []byte) error {
	return vm.mem.WriteSlice(vm.entryIP, data)
}

// GetVCPU returns the vCPU with the given id, or an error if it is
// out of range, mirroring the teacher's VirtualMachine.GetVCPU lookup.
func (vm *VM) GetVCPU(id int) (hypervisor.VCPU, error) {
	if id < 0 || id >= len(vm.vcpus) {
		return nil, vmerr.NewConfigError("vcpu id", fmt.Errorf("%d out of range [0,%d)", id, len(vm.vcpus)))
	}
	return vm.vcpus[id], nil
}
