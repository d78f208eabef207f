package boot

import (
	"encoding/binary"
	"testing"

	"mimiboot/src/core/handoff"
	"mimiboot/src/platform"
)

// memDisk plays the role of a real SD-over-SPI driver in orchestration
// tests, same as in the fat32 package's own tests.
type memDisk struct {
	sectors [][512]byte
}

func newMemDisk(n int) *memDisk {
	return &memDisk{sectors: make([][512]byte, n)}
}

func (d *memDisk) ReadSector(index uint32, buf *[512]byte) error {
	*buf = d.sectors[index]
	return nil
}

func buildSuperfloppy(d *memDisk, sectorsPerCluster uint8, reserved uint16, fats uint8, sectorsPerFAT uint32, rootCluster uint32) {
	b := &d.sectors[0]
	b[0] = 0xEB
	binary.LittleEndian.PutUint16(b[11:], 512)
	b[13] = sectorsPerCluster
	binary.LittleEndian.PutUint16(b[14:], reserved)
	b[16] = fats
	binary.LittleEndian.PutUint32(b[36:], sectorsPerFAT)
	binary.LittleEndian.PutUint32(b[44:], rootCluster)
	binary.LittleEndian.PutUint16(b[19:], uint16(len(d.sectors)))
	b[510] = 0x55
	b[511] = 0xAA
}

func setFATEntry(d *memDisk, fatStart, cluster, value uint32) {
	off := cluster * 4
	sector := fatStart + off/512
	binary.LittleEndian.PutUint32(d.sectors[sector][off%512:], value&0x0FFFFFFF)
}

func writeShortDirEntry(dir *[512]byte, slot int, name string, cluster, size uint32, attr uint8) {
	rec := dir[slot*32 : slot*32+32]
	for i := range rec {
		rec[i] = ' '
	}
	copy(rec[0:11], name)
	rec[11] = attr
	binary.LittleEndian.PutUint16(rec[20:], uint16(cluster>>16))
	binary.LittleEndian.PutUint16(rec[26:], uint16(cluster))
	binary.LittleEndian.PutUint32(rec[28:], size)
}

func putELFHeader(buf []byte, entry, phoff uint32, phnum uint16) {
	buf[0], buf[1], buf[2], buf[3] = 0x7F, 'E', 'L', 'F'
	buf[4] = 1 // class32
	buf[5] = 1 // LSB
	buf[6] = 1 // version
	binary.LittleEndian.PutUint16(buf[16:], 2)  // ET_EXEC
	binary.LittleEndian.PutUint16(buf[18:], 40) // EM_ARM
	binary.LittleEndian.PutUint32(buf[20:], 1)
	binary.LittleEndian.PutUint32(buf[24:], entry)
	binary.LittleEndian.PutUint32(buf[28:], phoff)
	binary.LittleEndian.PutUint16(buf[42:], 32)
	binary.LittleEndian.PutUint16(buf[44:], phnum)
}

func putELFProgramHeader(buf []byte, off int, typ, fileOff, vaddr, fileSize, memSize, flags uint32) {
	p := buf[off : off+32]
	binary.LittleEndian.PutUint32(p[0:], typ)
	binary.LittleEndian.PutUint32(p[4:], fileOff)
	binary.LittleEndian.PutUint32(p[8:], vaddr)
	binary.LittleEndian.PutUint32(p[16:], fileSize)
	binary.LittleEndian.PutUint32(p[20:], memSize)
	binary.LittleEndian.PutUint32(p[24:], flags)
}

// ramSink stands in for physical RAM that Write/ReadBack land bytes in.
type ramSink struct {
	base uint32
	mem  []byte
}

func (r *ramSink) write(addr uint32, data []byte) {
	copy(r.mem[addr-r.base:], data)
}

func (r *ramSink) readBack(addr uint32, size uint32) []byte {
	return r.mem[addr-r.base : addr-r.base+size]
}

// buildImageDisk writes a single-file FAT32 volume at /boot/kernel.elf
// containing a minimal one-segment ELF image, returning the disk.
func buildImageDisk(t *testing.T, path string, entry uint32, payload []byte) *memDisk {
	t.Helper()
	d := newMemDisk(128)
	buildSuperfloppy(d, 1, 4, 1, 8, 2)

	elfBuf := make([]byte, 0x1000+len(payload))
	putELFHeader(elfBuf, entry, 52, 1)
	putELFProgramHeader(elfBuf, 52, 1, 0x1000, entry&0xFFFFF000, uint32(len(payload)), uint32(len(payload)), 7)
	copy(elfBuf[0x1000:], payload)

	// lay the file across consecutive clusters of 512 bytes each,
	// starting at cluster 3 (cluster 2 is the root directory).
	cluster := uint32(3)
	clustersNeeded := (len(elfBuf) + 511) / 512
	for i := 0; i < clustersNeeded; i++ {
		sector := 12 + (cluster - 2)
		lo := i * 512
		hi := lo + 512
		if hi > len(elfBuf) {
			hi = len(elfBuf)
		}
		copy(d.sectors[sector][:], elfBuf[lo:hi])
		if i == clustersNeeded-1 {
			setFATEntry(d, 4, cluster, fatEOCTest)
		} else {
			setFATEntry(d, 4, cluster, cluster+1)
		}
		cluster++
	}

	// root directory at cluster 2, data sector 12: a "boot" subdirectory.
	root := &d.sectors[12]
	writeShortDirEntry(root, 0, "BOOT       ", 5+uint32(clustersNeeded), 0, 0x10)

	bootDirCluster := 5 + uint32(clustersNeeded)
	bootDirSector := 12 + (bootDirCluster - 2)
	writeShortDirEntry(&d.sectors[bootDirSector], 0, path, 3, uint32(len(elfBuf)), 0x20)
	setFATEntry(d, 4, bootDirCluster, fatEOCTest)

	return d
}

const fatEOCTest = 0x0FFFFFF8

func TestRunLoadsAndTransfers(t *testing.T) {
	payload := make([]byte, 64)
	for i := range payload {
		payload[i] = byte(i)
	}
	d := buildImageDisk(t, "KERNEL  ELF", 0x20000010, payload)

	ram := &ramSink{base: 0x20000000, mem: make([]byte, 0x40000)}
	var rec handoff.Recorder

	err := Run(Deps{
		Source: d,
		Info: platform.Info{
			ResetReason: platform.ResetCold,
			BootSource:  platform.SourceSD,
			SysClockHz:  48000000,
			RAMBase:     0x20000000,
			RAMSize:     0x40000,
			LoaderBase:  0x08000000,
			LoaderSize:  0x8000,
		},
		Clock:     platform.ClockFunc(func() uint64 { return 1000 }),
		Transfer:  &rec,
		RAMRegion: platform.MemoryRegion{Base: 0x20000000, Size: 0x40000, Flags: platform.Writable | platform.VolatileRAM},
		Write:     ram.write,
		ReadBack:  ram.readBack,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !rec.Called {
		t.Fatal("expected Transfer to be called")
	}
	if rec.Entry != 0x20000010 {
		t.Fatalf("Entry = %#x, want %#x", rec.Entry, 0x20000010)
	}

	wantHandoffAddr := uint32(0x20000000 + 0x40000 - handoff.Size)
	if rec.HandoffAddr != wantHandoffAddr {
		t.Fatalf("HandoffAddr = %#x, want %#x", rec.HandoffAddr, wantHandoffAddr)
	}
	if rec.HandoffAddr%handoff.Size != 0 {
		t.Fatalf("HandoffAddr %#x is not %d-byte aligned", rec.HandoffAddr, handoff.Size)
	}

	var wire [handoff.Size]byte
	copy(wire[:], ram.readBack(rec.HandoffAddr, handoff.Size))
	if !handoff.VerifyCRC(wire) {
		t.Fatal("handoff descriptor written to RAM does not carry a valid CRC")
	}
	if got := binary.LittleEndian.Uint32(wire[0:]); got != handoff.Magic {
		t.Fatalf("handoff magic in RAM = %#x, want %#x", got, handoff.Magic)
	}
}

func TestRunRejectsSegmentReachingHandoffReservation(t *testing.T) {
	// vaddr = entry &^ 0xFFF = 0x2003F000; a 4096-byte segment there
	// runs all the way to 0x20040000, the very top of RAM, colliding
	// with the 256-byte handoff slice reserved just below it.
	payload := make([]byte, 4096)
	d := buildImageDisk(t, "KERNEL  ELF", 0x2003F010, payload)

	ram := &ramSink{base: 0x20000000, mem: make([]byte, 0x40000)}
	var rec handoff.Recorder

	err := Run(Deps{
		Source: d,
		Info: platform.Info{
			ResetReason: platform.ResetCold,
			BootSource:  platform.SourceSD,
			SysClockHz:  48000000,
			RAMBase:     0x20000000,
			RAMSize:     0x40000,
			LoaderBase:  0x08000000,
			LoaderSize:  0x8000,
		},
		Clock:     platform.ClockFunc(func() uint64 { return 1000 }),
		Transfer:  &rec,
		RAMRegion: platform.MemoryRegion{Base: 0x20000000, Size: 0x40000, Flags: platform.Writable | platform.VolatileRAM},
		Write:     ram.write,
		ReadBack:  ram.readBack,
	})
	if err == nil {
		t.Fatal("expected a segment reaching the handoff reservation to be rejected")
	}
	f, ok := err.(*Failure)
	if !ok || f.Code != BlinkNoMemory {
		t.Fatalf("err = %#v, want *Failure{Code: BlinkNoMemory}", err)
	}
	if rec.Called {
		t.Fatal("Transfer must not be called when the load is rejected")
	}
}

func TestRunFailsClosedOnMountFailure(t *testing.T) {
	d := newMemDisk(4) // all-zero sectors: no valid signature
	var rec handoff.Recorder

	err := Run(Deps{
		Source:    d,
		Info:      platform.Info{RAMBase: 0x20000000, RAMSize: 0x1000},
		Clock:     platform.ClockFunc(func() uint64 { return 0 }),
		Transfer:  &rec,
		RAMRegion: platform.MemoryRegion{Base: 0x20000000, Size: 0x1000, Flags: platform.Writable},
	})
	if err == nil {
		t.Fatal("expected mount failure")
	}
	f, ok := err.(*Failure)
	if !ok || f.Code != BlinkFSFail {
		t.Fatalf("err = %#v, want *Failure{Code: BlinkFSFail}", err)
	}
	if rec.Called {
		t.Fatal("Transfer must not be called on failure")
	}
}
