package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"example.com/microvmm/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "vm.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadNormalizesVCPUCountZeroAndOne(t *testing.T) {
	for _, vcpus := range []string{"0", "1"} {
		path := writeConfig(t, "memory_mb = 64\nvcpus = "+vcpus+"\ndisk_path = \"/tmp/disk.img\"\n")
		cfg, err := config.Load(path)
		require.NoError(t, err)
		require.Equal(t, uint32(2), cfg.VCPUCount)
	}
}

func TestLoadRejectsMissingDiskPath(t *testing.T) {
	path := writeConfig(t, "memory_mb = 64\nvcpus = 2\n")
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadRejectsExcessiveVCPUCount(t *testing.T) {
	path := writeConfig(t, "memory_mb = 64\nvcpus = 65\ndisk_path = \"/tmp/disk.img\"\n")
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadDefaultsMmioBase(t *testing.T) {
	path := writeConfig(t, "memory_mb = 64\nvcpus = 4\ndisk_path = \"/tmp/disk.img\"\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), cfg.MmioBase)
}

func TestLoadRejectsMisalignedMmioBase(t *testing.T) {
	path := writeConfig(t, "memory_mb = 64\nvcpus = 4\ndisk_path = \"/tmp/disk.img\"\nmmio_base = 0x1002\n")
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoadAcceptsMmioBaseAlignedToFourButNotToPage(t *testing.T) {
	path := writeConfig(t, "memory_mb = 64\nvcpus = 4\ndisk_path = \"/tmp/disk.img\"\nmmio_base = 0x1004\n")
	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1004), cfg.MmioBase)
}
