// Package handoff builds the fixed-layout, 256-byte descriptor passed
// to a loaded image and performs the final, non-returning control
// transfer into it.
package handoff

import (
	"encoding/binary"
	"hash/crc32"

	"mimiboot/src/core/image"
	"mimiboot/src/platform"
)

// Size is the wire size of Descriptor, fixed for predictable
// placement in memory.
const Size = 256

const (
	Magic   uint32 = 0x494D494D
	Version uint32 = 1
)

const maxRegions = 8

// Region flags, distinct from platform.RegionFlags: these describe a
// handoff region entry's semantic role, not loader permissions.
const (
	RegionRAM       uint32 = 1 << 0
	RegionFlash     uint32 = 1 << 1
	RegionPeriph    uint32 = 1 << 2
	RegionLoader    uint32 = 1 << 4
	RegionPayload   uint32 = 1 << 5
	RegionHandoff   uint32 = 1 << 6
	RegionReserved  uint32 = 1 << 7
)

// Region is one memory-region descriptor inside the handoff table.
type Region struct {
	Base  uint32
	Size  uint32
	Flags uint32
}

// Descriptor is the decoded form of the 256-byte wire structure. See
// Marshal for the exact byte layout.
type Descriptor struct {
	Version       uint32
	HeaderCRC     uint32
	BootReason    uint32
	BootSource    uint32
	BootCount     uint32
	BootFlags     uint32
	SysClockHz    uint32
	BootTimeUs    uint32
	LoaderTimeUs  uint32
	RAMBase       uint32
	RAMSize       uint32
	LoaderBase    uint32
	LoaderSize    uint32
	ImageEntry    uint32
	ImageLoadBase uint32
	ImageLoadSize uint32
	ImageCRC32    uint32
	ImageName     string // truncated to 31 bytes, nul-terminated on the wire
	Regions       []Region
}

// Build populates a Descriptor from a load result and platform info,
// the way the handoff builder design specifies: boot context and
// memory layout copied verbatim from platform, image info from the
// load result, two region entries (RAM and loader flash) always
// present.
func Build(result image.Result, p platform.Info, bootTimeUs, loaderTimeUs uint64, imageName string) Descriptor {
	if len(imageName) > 31 {
		imageName = imageName[:31]
	}
	return Descriptor{
		Version:       Version,
		BootReason:    p.ResetReason,
		BootSource:    p.BootSource,
		SysClockHz:    p.SysClockHz,
		BootTimeUs:    uint32(bootTimeUs),
		LoaderTimeUs:  uint32(loaderTimeUs),
		RAMBase:       p.RAMBase,
		RAMSize:       p.RAMSize,
		LoaderBase:    p.LoaderBase,
		LoaderSize:    p.LoaderSize,
		ImageEntry:    result.Entry,
		ImageLoadBase: result.LoadBase,
		ImageLoadSize: result.TotalMemBytes,
		ImageName:     imageName,
		Regions: []Region{
			{Base: p.RAMBase, Size: p.RAMSize, Flags: RegionRAM | RegionPayload},
			{Base: p.LoaderBase, Size: p.LoaderSize, Flags: RegionFlash | RegionLoader},
		},
	}
}

// Marshal writes d to the bit-exact 256-byte little-endian layout
// documented in the external-interfaces table, computing header_crc
// last over bytes 0..15 with that field read as zero.
func Marshal(d Descriptor) [Size]byte {
	var out [Size]byte

	binary.LittleEndian.PutUint32(out[0x00:], Magic)
	binary.LittleEndian.PutUint32(out[0x04:], d.Version)
	binary.LittleEndian.PutUint32(out[0x08:], Size)
	// 0x0C header_crc: filled last.

	binary.LittleEndian.PutUint32(out[0x10:], d.BootReason)
	binary.LittleEndian.PutUint32(out[0x14:], d.BootSource)
	binary.LittleEndian.PutUint32(out[0x18:], d.BootCount)
	binary.LittleEndian.PutUint32(out[0x1C:], d.BootFlags)

	binary.LittleEndian.PutUint32(out[0x20:], d.SysClockHz)
	binary.LittleEndian.PutUint32(out[0x24:], d.BootTimeUs)
	binary.LittleEndian.PutUint32(out[0x28:], d.LoaderTimeUs)

	binary.LittleEndian.PutUint32(out[0x30:], d.RAMBase)
	binary.LittleEndian.PutUint32(out[0x34:], d.RAMSize)
	binary.LittleEndian.PutUint32(out[0x38:], d.LoaderBase)
	binary.LittleEndian.PutUint32(out[0x3C:], d.LoaderSize)

	binary.LittleEndian.PutUint32(out[0x40:], d.ImageEntry)
	binary.LittleEndian.PutUint32(out[0x44:], d.ImageLoadBase)
	binary.LittleEndian.PutUint32(out[0x48:], d.ImageLoadSize)
	binary.LittleEndian.PutUint32(out[0x4C:], d.ImageCRC32)
	copy(out[0x50:0x70], d.ImageName)

	binary.LittleEndian.PutUint32(out[0x70:], uint32(len(d.Regions)))
	for i, r := range d.Regions {
		if i >= maxRegions {
			break
		}
		base := 0x78 + i*16
		binary.LittleEndian.PutUint32(out[base:], r.Base)
		binary.LittleEndian.PutUint32(out[base+4:], r.Size)
		binary.LittleEndian.PutUint32(out[base+8:], r.Flags)
	}

	crc := crc32.ChecksumIEEE(out[0:16])
	binary.LittleEndian.PutUint32(out[0x0C:], crc)

	return out
}

// VerifyCRC recomputes the header CRC32 over the first 16 bytes (with
// the stored CRC field read as zero) and compares it to the value on
// the wire.
func VerifyCRC(wire [Size]byte) bool {
	var header [16]byte
	copy(header[:], wire[0:16])
	binary.LittleEndian.PutUint32(header[0x0C:], 0)
	return crc32.ChecksumIEEE(header[:]) == binary.LittleEndian.Uint32(wire[0x0C:])
}
