// Package fat implements read/write FAT16 and FAT32 filesystems with long
// filename support. On-disk structures are encoded and decoded through
// explicit little-endian readers so the driver is bit-exact regardless of
// host layout.
package fat

import (
	"frostbyte/device"
	"frostbyte/kernel"
	"frostbyte/kernel/kfmt"
)

// Variant selects the FAT flavor of a mount.
type Variant uint8

// FAT variants.
const (
	FAT16 Variant = iota
	FAT32
)

// sectorSize is the only sector size this driver accepts.
const sectorSize = 512

// Cluster-chain terminators. Only 28 bits of a FAT32 entry are significant;
// the top nibble is preserved across updates.
const (
	fat16EOC     = uint32(0xFFF8)
	fat32EOC     = uint32(0x0FFFFFF8)
	fat32EOCMark = uint32(0x0FFFFFFF)
	fat32Mask    = uint32(0x0FFFFFFF)

	freeCluster = uint32(0)
)

// FSInfo signatures.
const (
	fsInfoLeadSig   = uint32(0x41615252)
	fsInfoStructSig = uint32(0x61417272)
	fsInfoTrailSig  = uint32(0xAA550000)
	fsInfoUnknown   = uint32(0xFFFFFFFF)
)

// Errors.
var (
	ErrBadSuperblock = &kernel.Error{Module: "fat", Message: "invalid FAT boot sector", Errno: kernel.EINVAL}
	ErrNoSpace       = &kernel.Error{Module: "fat", Message: "no free clusters", Errno: kernel.ENOSPC}
	ErrIO            = &kernel.Error{Module: "fat", Message: "device I/O error", Errno: kernel.EIO}
)

// le16/le32 decode little-endian fields.
func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}
func putLE16(b []byte, v uint16) { b[0] = byte(v); b[1] = byte(v >> 8) }
func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

// bpb carries the parsed BIOS parameter block fields the driver needs.
type bpb struct {
	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	rootEntryCount    uint16
	totalSectors16    uint16
	fatSize16         uint16
	totalSectors32    uint32

	// FAT32 extension.
	fatSize32   uint32
	rootCluster uint32
	fsInfoSec   uint16
}

// fsInfo mirrors the FAT32 FSInfo sector fields the driver maintains.
type fsInfo struct {
	freeCount uint32
	nextFree  uint32
}

// Mount is the per-mount state of one FAT filesystem.
type Mount struct {
	dev     *device.Device
	variant Variant
	bpb     bpb
	fsinfo  fsInfo

	fatBeginLBA     uint32 // first FAT sector
	rootDirLBA      uint32 // FAT16 fixed root directory region
	rootDirSectors  uint32
	clusterBeginLBA uint32 // first data sector
	bytesPerCluster uint32
	totalClusters   uint32
	rootCluster     uint32 // 0 for FAT16 (fixed region)
}

// readBytes reads byte ranges from the backing device.
func (m *Mount) readBytes(off uint32, buf []byte) *kernel.Error {
	n, err := m.dev.Read(off, buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return ErrIO
	}
	return nil
}

func (m *Mount) writeBytes(off uint32, data []byte) *kernel.Error {
	n, err := m.dev.Write(off, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return ErrIO
	}
	return nil
}

// parseBPB decodes and validates the boot sector for the requested variant.
func parseBPB(sector []byte, variant Variant) (bpb, *kernel.Error) {
	var b bpb
	if len(sector) < 90 {
		return b, ErrBadSuperblock
	}

	b.bytesPerSector = le16(sector[0x0B:])
	b.sectorsPerCluster = sector[0x0D]
	b.reservedSectors = le16(sector[0x0E:])
	b.numFATs = sector[0x10]
	b.rootEntryCount = le16(sector[0x11:])
	b.totalSectors16 = le16(sector[0x13:])
	b.fatSize16 = le16(sector[0x16:])
	b.totalSectors32 = le32(sector[0x20:])
	b.fatSize32 = le32(sector[0x24:])
	b.rootCluster = le32(sector[0x2C:])
	b.fsInfoSec = le16(sector[0x30:])

	if b.bytesPerSector != sectorSize {
		return b, ErrBadSuperblock
	}
	if b.sectorsPerCluster == 0 || b.numFATs == 0 {
		return b, ErrBadSuperblock
	}

	if variant == FAT32 {
		// FAT32 forbids the FAT16-only fields.
		if b.rootEntryCount != 0 || b.fatSize16 != 0 {
			return b, ErrBadSuperblock
		}
		if b.fatSize32 == 0 || b.rootCluster < 2 {
			return b, ErrBadSuperblock
		}
	} else {
		if b.fatSize16 == 0 || b.rootEntryCount == 0 {
			return b, ErrBadSuperblock
		}
	}

	return b, nil
}

// mountDevice builds the Mount geometry from a device's boot sector.
func mountDevice(dev *device.Device, variant Variant) (*Mount, *kernel.Error) {
	var sector [sectorSize]byte
	m := &Mount{dev: dev, variant: variant}

	if err := m.readBytes(0, sector[:]); err != nil {
		return nil, err
	}

	b, err := parseBPB(sector[:], variant)
	if err != nil {
		return nil, err
	}
	m.bpb = b

	fatSize := uint32(b.fatSize16)
	if variant == FAT32 {
		fatSize = b.fatSize32
	}
	totalSectors := uint32(b.totalSectors16)
	if totalSectors == 0 {
		totalSectors = b.totalSectors32
	}

	m.fatBeginLBA = uint32(b.reservedSectors)
	m.rootDirSectors = (uint32(b.rootEntryCount)*32 + sectorSize - 1) / sectorSize
	m.rootDirLBA = m.fatBeginLBA + uint32(b.numFATs)*fatSize
	m.clusterBeginLBA = m.rootDirLBA + m.rootDirSectors
	m.bytesPerCluster = uint32(b.sectorsPerCluster) * sectorSize

	dataSectors := totalSectors - m.clusterBeginLBA
	m.totalClusters = dataSectors / uint32(b.sectorsPerCluster)

	if variant == FAT16 {
		// The cluster count is what actually decides the FAT type.
		if m.totalClusters < 4085 || m.totalClusters >= 65525 {
			return nil, ErrBadSuperblock
		}
		m.rootCluster = 0
	} else {
		m.rootCluster = b.rootCluster
		if err := m.readFSInfo(); err != nil {
			return nil, err
		}
	}

	kfmt.Printf("[fat] mounted %s: %d clusters of %d bytes\n",
		variantName(variant), m.totalClusters, m.bytesPerCluster)
	return m, nil
}

func variantName(v Variant) string {
	if v == FAT32 {
		return "fat32"
	}
	return "fat16"
}

// readFSInfo loads the FAT32 FSInfo sector, tolerating a missing one by
// marking the counters unknown.
func (m *Mount) readFSInfo() *kernel.Error {
	m.fsinfo = fsInfo{freeCount: fsInfoUnknown, nextFree: fsInfoUnknown}
	if m.bpb.fsInfoSec == 0 || m.bpb.fsInfoSec == 0xFFFF {
		return nil
	}

	var sector [sectorSize]byte
	if err := m.readBytes(uint32(m.bpb.fsInfoSec)*sectorSize, sector[:]); err != nil {
		return err
	}
	if le32(sector[0:]) != fsInfoLeadSig || le32(sector[484:]) != fsInfoStructSig {
		return nil
	}
	m.fsinfo.freeCount = le32(sector[488:])
	m.fsinfo.nextFree = le32(sector[492:])
	return nil
}

// writeFSInfo persists the FSInfo counters; failures are logged and
// swallowed, the counters are advisory.
func (m *Mount) writeFSInfo() {
	if m.variant != FAT32 || m.bpb.fsInfoSec == 0 || m.bpb.fsInfoSec == 0xFFFF {
		return
	}

	var sector [sectorSize]byte
	off := uint32(m.bpb.fsInfoSec) * sectorSize
	if err := m.readBytes(off, sector[:]); err != nil {
		kfmt.Printf("[fat] warning: FSInfo read-back failed: %s\n", err.Message)
		return
	}
	putLE32(sector[488:], m.fsinfo.freeCount)
	putLE32(sector[492:], m.fsinfo.nextFree)
	if err := m.writeBytes(off, sector[:]); err != nil {
		kfmt.Printf("[fat] warning: FSInfo update failed: %s\n", err.Message)
	}
}

// clusterToLBA maps a data cluster number to its first sector.
func (m *Mount) clusterToLBA(cluster uint32) uint32 {
	return m.clusterBeginLBA + (cluster-2)*uint32(m.bpb.sectorsPerCluster)
}

// isEOC reports whether a FAT entry terminates a chain.
func (m *Mount) isEOC(entry uint32) bool {
	if m.variant == FAT32 {
		return entry&fat32Mask >= fat32EOC
	}
	return entry >= fat16EOC
}

// eocValue is the terminator written when extending a chain.
func (m *Mount) eocValue() uint32 {
	if m.variant == FAT32 {
		return fat32EOCMark
	}
	return 0xFFFF
}
