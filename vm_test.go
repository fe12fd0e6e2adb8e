//go:build linux

package vmm_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"example.com/microvmm/config"
	"example.com/microvmm/hypervisor"
	vmm "example.com/microvmm"
)

// hltProgram is a single x86-64 HLT instruction; with the identity
// map and flat GDT PrepareBoot installs, this is the entire guest
// payload scenario 6 of spec.md §8 needs.
var hltProgram = []byte{0xF4}

func requireKVM(t *testing.T) {
	t.Helper()
	if _, err := os.Stat("/dev/kvm"); err != nil {
		t.Skip("/dev/kvm not available")
	}
}

func writeTestConfig(t *testing.T, diskPath string) *config.VmConfig {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.toml")
	body := "memory_mb = 4\nvcpus = 1\ndisk_path = \"" + diskPath + "\"\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}

func writeTestDisk(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 512), 0o644))
	return path
}

// TestVCPUHaltTerminatesCleanly implements spec.md §8 scenario 6: with
// 4 MiB of guest memory and vcpus = 1 (which config.Load normalizes to
// two vCPUs), every vCPU executing a tiny HLT program at the
// architecture's entry point must terminate the VM's Run call with no
// error.
func TestVCPUHaltTerminatesCleanly(t *testing.T) {
	requireKVM(t)

	cfg := writeTestConfig(t, writeTestDisk(t))
	backend, err := hypervisor.NewKVMBackend()
	require.NoError(t, err)

	vm, err := vmm.New(backend, cfg, false)
	require.NoError(t, err)
	defer vm.Close()

	require.NoError(t, vm.LoadProgram(hltProgram))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, vm.Run(ctx))
}
