package virtio

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DiskImage memory-maps a raw block image file as the block device's
// backing store, grounded in disk_setup.rs's use of
// memmap2::MmapOptions::map_mut over an opened file. Sector s occupies
// bytes [512s, 512(s+1)); no metadata, no journal.
type DiskImage struct {
	file *os.File
	data []byte
}

// OpenDiskImage opens path read-write and maps it whole. The file's
// length must already be a multiple of 512 bytes; callers that need
// to create one first should truncate it to the desired size before
// calling OpenDiskImage.
func OpenDiskImage(path string) (*DiskImage, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("open disk image %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat disk image %q: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		f.Close()
		return nil, fmt.Errorf("disk image %q is empty", path)
	}
	if size%sectorSize != 0 {
		f.Close()
		return nil, fmt.Errorf("disk image %q length %d is not a multiple of %d", path, size, sectorSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap disk image %q: %w", path, err)
	}

	return &DiskImage{file: f, data: data}, nil
}

func (d *DiskImage) ReadAt(offset uint64, length int) ([]byte, error) {
	if offset+uint64(length) > uint64(len(d.data)) {
		return nil, fmt.Errorf("disk image: read [%d, %d) exceeds length %d", offset, offset+uint64(length), len(d.data))
	}
	out := make([]byte, length)
	copy(out, d.data[offset:offset+uint64(length)])
	return out, nil
}

func (d *DiskImage) WriteAt(offset uint64, data []byte) error {
	if offset+uint64(len(data)) > uint64(len(d.data)) {
		return fmt.Errorf("disk image: write [%d, %d) exceeds length %d", offset, offset+uint64(len(data)), len(d.data))
	}
	copy(d.data[offset:offset+uint64(len(data))], data)
	return nil
}

func (d *DiskImage) Len() uint64 { return uint64(len(d.data)) }

// Flush msyncs the mapping to disk, the backing-store equivalent of
// VIRTIO_BLK_T_FLUSH.
func (d *DiskImage) Flush() error {
	return unix.Msync(d.data, unix.MS_SYNC)
}

// Close unmaps and closes the backing file.
func (d *DiskImage) Close() error {
	if d.data == nil {
		return nil
	}
	err := unix.Munmap(d.data)
	d.data = nil
	return errClose(err, d.file.Close())
}

func errClose(a, b error) error {
	if a != nil {
		return a
	}
	return b
}
