package virtio

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"example.com/microvmm/irq"
	"example.com/microvmm/memory"
	"example.com/microvmm/vmerr"
)

// MMIO register offsets and constant values, per spec's virtio-mmio
// wire contract (§4.3), grounded in block_device.rs's read_mmio/
// write_mmio.
const (
	regMagicValue      = 0x000
	regVersion         = 0x004
	regDeviceID        = 0x008
	regVendorID        = 0x00C
	regHostFeatures    = 0x010
	regQueueSel        = 0x030
	regQueueNumMax     = 0x034
	regQueueNum        = 0x038
	regQueueReady      = 0x044
	regQueueNotify     = 0x050
	regQueueDescLow    = 0x080
	regQueueDescHigh   = 0x084
	regQueueAvailLow   = 0x090
	regQueueAvailHigh  = 0x094
	regQueueUsedLow    = 0x0A0
	regQueueUsedHigh   = 0x0A4

	magicValue  = 0x74726976 // "virt"
	mmioVersion = 2
	deviceIDBlk = 2
	vendorID    = 0x554D4551 // "QEMU"

	sectorSize = 512

	queueSizeMax = 1024
)

// virtio-blk request types this device services. DISCARD and GET_ID
// are accepted as no-ops with success status rather than unsupported,
// per the Non-goals: neither trims the backing store nor reports a
// serial number, but a driver issuing either must not see a failure.
const (
	blkTypeIn      = 0
	blkTypeOut     = 1
	blkTypeFlush   = 4
	blkTypeGetID   = 8
	blkTypeDiscard = 11
)

// Status byte values written to a chain's last descriptor.
const (
	statusOK          = 0
	statusIOErr       = 1
	statusUnsupported = 2
)

// BackingStore is the block device's disk image: a memory-mapped flat
// file addressed by byte offset, matching disk_setup.rs's
// MmapOptions::map_mut contract.
type BackingStore interface {
	ReadAt(offset uint64, length int) ([]byte, error)
	WriteAt(offset uint64, data []byte) error
	Len() uint64
	Flush() error
}

// BlockDevice is the virtio-mmio block device: MMIO config-space
// registers plus a bound Virtqueue, backing store, and interrupt
// line. The drainer (ProcessQueue) is the sole writer of queue
// cursors and backing-store bytes, serialized by mu per spec §5's
// single-mutex-per-device discipline.
type BlockDevice struct {
	mu sync.Mutex

	mmioBase uint64
	queue    *Virtqueue
	mem      *memory.GuestMemory
	backing  BackingStore
	line     *irq.Line

	queueSel      uint32
	pendingDesc   [2]uint32
	pendingAvail  [2]uint32
	pendingUsed   [2]uint32
}

// NewBlockDevice binds a Virtqueue to guest memory and an interrupt
// line to a backing store, matching VirtioBlockDevice::new's
// construction order: allocate queue state, then validate addresses
// once they are configured via MMIO.
func NewBlockDevice(mmioBase uint64, mem *memory.GuestMemory, backing BackingStore, line *irq.Line) (*BlockDevice, error) {
	if backing.Len()%sectorSize != 0 {
		return nil, vmerr.NewConfigError("backing", fmt.Errorf("backing store length %d is not a multiple of %d", backing.Len(), sectorSize))
	}
	return &BlockDevice{
		mmioBase: mmioBase,
		queue:    NewVirtqueue(queueSizeMax),
		mem:      mem,
		backing:  backing,
		line:     line,
	}, nil
}

// ReadMMIO implements mmiobus.Device for config-space reads.
func (d *BlockDevice) ReadMMIO(offset uint64, size int) (uint64, error) {
	switch offset {
	case regMagicValue:
		return magicValue, nil
	case regVersion:
		return mmioVersion, nil
	case regDeviceID:
		return deviceIDBlk, nil
	case regVendorID:
		return vendorID, nil
	case regHostFeatures:
		return 0, nil
	case regQueueNumMax:
		return queueSizeMax, nil
	case regQueueReady:
		if d.queue.Ready() {
			return 1, nil
		}
		return 0, nil
	default:
		return 0, nil
	}
}

// WriteMMIO implements mmiobus.Device for config-space and
// queue-configuration writes, resolving spec §9's open question: the
// source accepted only QUEUE_NOTIFY and ignored feature/queue-select
// writes, which only works against a bespoke driver preconfiguring
// the queue out of band. This wires queue-PFN-equivalent writes into
// Virtqueue.SetAddresses/SetReady so a conforming driver's standard
// negotiation sequence (select queue, write desc/avail/used
// addresses, set ready) actually takes effect.
func (d *BlockDevice) WriteMMIO(offset uint64, size int, value uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch offset {
	case regQueueSel:
		d.queueSel = uint32(value) // single-queue device: only queue 0 is meaningful
	case regQueueNum:
		// Guest may shrink the queue; it may not grow past queueSizeMax.
		if uint32(value) > 0 && uint32(value) <= queueSizeMax {
			d.queue = NewVirtqueue(uint16(value))
		}
	case regQueueDescLow:
		d.pendingDesc[0] = uint32(value)
	case regQueueDescHigh:
		d.pendingDesc[1] = uint32(value)
	case regQueueAvailLow:
		d.pendingAvail[0] = uint32(value)
	case regQueueAvailHigh:
		d.pendingAvail[1] = uint32(value)
	case regQueueUsedLow:
		d.pendingUsed[0] = uint32(value)
	case regQueueUsedHigh:
		d.pendingUsed[1] = uint32(value)
	case regQueueReady:
		if value != 0 {
			desc := uint64(d.pendingDesc[0]) | uint64(d.pendingDesc[1])<<32
			avail := uint64(d.pendingAvail[0]) | uint64(d.pendingAvail[1])<<32
			used := uint64(d.pendingUsed[0]) | uint64(d.pendingUsed[1])<<32
			d.queue.SetAddresses(desc, avail, used)
			if !d.queue.IsValid(d.mem) {
				logrus.WithField("mmio_base", fmt.Sprintf("0x%x", d.mmioBase)).Warn("virtio-blk: rejecting queue_ready, ring addresses invalid")
				return nil
			}
			d.queue.SetReady(true)
		} else {
			d.queue.SetReady(false)
		}
	case regQueueNotify:
		d.processQueueLocked()
	default:
		// Feature-select and other config-space writes are accepted
		// and otherwise ignored, matching write_mmio's fallthrough.
	}
	return nil
}

// ConfigureQueue is a test/bootstrap convenience that installs ring
// addresses and marks the queue ready directly, for callers (such as
// the end-to-end boot scenario) that preconfigure the queue out of
// band instead of driving the standard MMIO negotiation sequence.
func (d *BlockDevice) ConfigureQueue(desc, avail, used uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue.SetAddresses(desc, avail, used)
	if !d.queue.IsValid(d.mem) {
		return vmerr.NewConfigError("queue addresses", fmt.Errorf("desc=0x%x avail=0x%x used=0x%x invalid", desc, avail, used))
	}
	d.queue.SetReady(true)
	return nil
}

// ProcessQueue drains every available descriptor chain. Exposed
// separately from WriteMMIO so tests can trigger draining without
// going through the MMIO register dance.
func (d *BlockDevice) ProcessQueue() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.processQueueLocked()
}

func (d *BlockDevice) processQueueLocked() error {
	if !d.queue.Ready() {
		return nil
	}
	for {
		chain, ok, err := d.queue.PopChain(d.mem)
		if !ok {
			return err
		}
		if err != nil {
			// Malformed chain: the head was already popped, so it must
			// still reach the used ring with an unsupported status —
			// dropping it here would leave the driver waiting forever
			// on a completion that will never come.
			logrus.WithError(err).Warn("virtio-blk: chain fails protocol validation, publishing unsupported status")
			if pubErr := d.publishMalformed(chain); pubErr != nil {
				return pubErr
			}
			continue
		}
		if err := d.processChain(chain); err != nil {
			return err
		}
	}
}

// publishMalformed advances the used ring for a chain that failed
// protocol validation, writing an unsupported status byte when a
// status descriptor can be identified. A driver that never sees its
// head reappear in the used ring has no way to recover; this keeps it
// moving instead.
func (d *BlockDevice) publishMalformed(chain DescriptorChain) error {
	if n := len(chain.Descriptors); n > 0 {
		status := chain.Descriptors[n-1]
		if status.isWrite() {
			if err := d.mem.WriteUint8(status.Addr, statusUnsupported); err != nil {
				logrus.WithError(err).Warn("virtio-blk: could not write status byte on malformed chain")
			}
		}
	}
	if err := d.queue.AddUsed(d.mem, chain.HeadIndex, 0); err != nil {
		return err
	}
	notify, err := d.queue.NeedsNotification(d.mem)
	if err != nil {
		return err
	}
	if notify {
		return d.line.Trigger(0)
	}
	return nil
}

func (d *BlockDevice) processChain(chain DescriptorChain) error {
	if len(chain.Descriptors) < 3 {
		logrus.WithField("count", len(chain.Descriptors)).Warn("virtio-blk: chain has too few descriptors, publishing unsupported status")
		return d.publishMalformed(chain)
	}
	header := chain.Descriptors[0]
	data := chain.Descriptors[1]
	status := chain.Descriptors[len(chain.Descriptors)-1]

	if header.Len < 12 {
		logrus.Warn("virtio-blk: request header shorter than 12 bytes, publishing unsupported status")
		return d.publishMalformed(chain)
	}
	if header.isWrite() {
		logrus.Warn("virtio-blk: request header descriptor is device-writable, publishing unsupported status")
		return d.publishMalformed(chain)
	}
	if !status.isWrite() {
		logrus.Warn("virtio-blk: status descriptor is not device-writable, publishing unsupported status")
		return d.publishMalformed(chain)
	}

	reqType, err := d.mem.ReadUint32(header.Addr)
	if err != nil {
		logrus.WithError(err).Warn("virtio-blk: cannot read request type, publishing unsupported status")
		return d.publishMalformed(chain)
	}
	sector, err := d.mem.ReadUint64(header.Addr + 8)
	if err != nil {
		logrus.WithError(err).Warn("virtio-blk: cannot read sector, publishing unsupported status")
		return d.publishMalformed(chain)
	}

	statusByte, ioErr := d.performIO(reqType, sector, data)
	if ioErr != nil {
		logrus.WithError(ioErr).WithField("type", reqType).Debug("virtio-blk: request failed")
	}

	if err := d.mem.WriteUint8(status.Addr, statusByte); err != nil {
		logrus.WithError(err).Warn("virtio-blk: cannot write status byte, publishing unsupported status")
		return d.publishMalformed(chain)
	}
	if err := d.queue.AddUsed(d.mem, chain.HeadIndex, data.Len); err != nil {
		return err
	}

	notify, err := d.queue.NeedsNotification(d.mem)
	if err != nil {
		return err
	}
	if notify {
		return d.line.Trigger(0)
	}
	return nil
}

// performIO dispatches on the request type, applying spec §9's
// mandated checked sector arithmetic (sector*512 + len must not
// overflow uint64 and must not exceed the backing store) in place of
// the source's unchecked multiply.
func (d *BlockDevice) performIO(reqType uint32, sector uint64, data Descriptor) (uint8, error) {
	switch reqType {
	case blkTypeFlush:
		if err := d.backing.Flush(); err != nil {
			return statusIOErr, vmerr.NewIoFaultError("flush", err)
		}
		return statusOK, nil

	case blkTypeIn, blkTypeOut:
		byteOffset, overflowed := checkedSectorOffset(sector, uint64(data.Len))
		if overflowed || byteOffset+uint64(data.Len) > d.backing.Len() {
			return statusIOErr, vmerr.NewIoFaultError("bounds", fmt.Errorf("sector %d len %d exceeds backing store", sector, data.Len))
		}

		if reqType == blkTypeIn {
			buf, err := d.backing.ReadAt(byteOffset, int(data.Len))
			if err != nil {
				return statusIOErr, vmerr.NewIoFaultError("read", err)
			}
			if err := d.mem.WriteSlice(data.Addr, buf); err != nil {
				return statusIOErr, vmerr.NewIoFaultError("guest write", err)
			}
			return statusOK, nil
		}

		buf, err := d.mem.ReadSlice(data.Addr, int(data.Len))
		if err != nil {
			return statusIOErr, vmerr.NewIoFaultError("guest read", err)
		}
		if err := d.backing.WriteAt(byteOffset, buf); err != nil {
			return statusIOErr, vmerr.NewIoFaultError("write", err)
		}
		return statusOK, nil

	case blkTypeDiscard, blkTypeGetID:
		// Neither trims the backing store nor reports a serial
		// number; accepted as a no-op so a driver issuing either
		// sees success rather than a spurious failure.
		return statusOK, nil

	default:
		// Genuinely unsupported type: accepted, status unsupported,
		// chain still published rather than dropped.
		return statusUnsupported, nil
	}
}

// checkedSectorOffset computes sector*512 + no further addition,
// reporting overflow rather than wrapping silently, per spec §9's
// mandated checked arithmetic.
func checkedSectorOffset(sector uint64, length uint64) (uint64, bool) {
	const maxSector = (^uint64(0)) / sectorSize
	if sector > maxSector {
		return 0, true
	}
	offset := sector * sectorSize
	if offset+length < offset {
		return 0, true
	}
	return offset, false
}
