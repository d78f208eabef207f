// Package image validates and loads 32-bit little-endian ARM
// executable images in the standard object format. Only program
// headers are consulted; section headers and symbol tables are never
// read.
package image

import (
	"encoding/binary"
	"fmt"

	"mimiboot/src/core/mimierr"
)

const (
	ehdrSize = 52
	phdrSize = 32

	elfClass32   = 1
	elfData2LSB  = 1
	elfVersion   = 1
	etExec       = 2
	emARM        = 40
	ptLoad       = 1

	// PfX is the executable permission bit in a program header's flags.
	PfX = 1 << 0
	PfW = 1 << 1
	PfR = 1 << 2

	// MaxProgramHeaders is the sanity limit on e_phnum.
	MaxProgramHeaders = 64

	// MaxLoadSegments bounds the accepted-LOAD-segment table; the
	// seventeenth accepted segment is rejected rather than silently
	// dropped.
	MaxLoadSegments = 16
)

var magic = [4]byte{0x7F, 'E', 'L', 'F'}

// Header is the decoded subset of the ELF32 header the loader needs.
type Header struct {
	Entry     uint32
	PhOff     uint32
	PhEntSize uint16
	PhNum     uint16
}

// Source is the small dynamic-I/O-dispatch capability the loader
// consumes: a random-access byte reader plus its size, keyed by
// whatever opaque handle the caller wraps (typically a *fat32.File).
type Source interface {
	ReadAt(offset uint32, p []byte) (int, error)
	Size() uint32
}

func readExact(src Source, offset uint32, p []byte) error {
	n, err := src.ReadAt(offset, p)
	if err != nil {
		return fmt.Errorf("image: read at %d: %w", offset, mimierr.IO)
	}
	if n != len(p) {
		return fmt.Errorf("image: short read at %d: %w", offset, mimierr.ReadShort)
	}
	return nil
}

// ParseHeader reads and validates the 52-byte ELF32 header, in the
// order specified: identification, class/encoding/version, type and
// machine, entry point, program header table shape.
func ParseHeader(src Source) (Header, error) {
	var raw [ehdrSize]byte
	if err := readExact(src, 0, raw[:]); err != nil {
		return Header{}, err
	}

	if raw[0] != magic[0] || raw[1] != magic[1] || raw[2] != magic[2] || raw[3] != magic[3] {
		return Header{}, fmt.Errorf("image: %w", mimierr.BadMagic)
	}
	if raw[4] != elfClass32 {
		return Header{}, fmt.Errorf("image: %w", mimierr.BadClass)
	}
	if raw[5] != elfData2LSB {
		return Header{}, fmt.Errorf("image: %w", mimierr.BadEncoding)
	}
	if raw[6] != elfVersion || binary.LittleEndian.Uint32(raw[20:]) != elfVersion {
		return Header{}, fmt.Errorf("image: %w", mimierr.BadVersion)
	}

	etype := binary.LittleEndian.Uint16(raw[16:])
	if etype != etExec {
		return Header{}, fmt.Errorf("image: %w", mimierr.BadType)
	}
	machine := binary.LittleEndian.Uint16(raw[18:])
	if machine != emARM {
		return Header{}, fmt.Errorf("image: %w", mimierr.BadMachine)
	}

	entry := binary.LittleEndian.Uint32(raw[24:])
	if entry == 0 {
		return Header{}, fmt.Errorf("image: %w", mimierr.NoEntryPoint)
	}

	phoff := binary.LittleEndian.Uint32(raw[28:])
	phnum := binary.LittleEndian.Uint16(raw[44:])
	if phoff == 0 || phnum == 0 {
		return Header{}, fmt.Errorf("image: %w", mimierr.NoProgramHeader)
	}

	phentsize := binary.LittleEndian.Uint16(raw[42:])
	if phentsize != phdrSize {
		return Header{}, fmt.Errorf("image: phentsize %d: %w", phentsize, mimierr.BadPhentsize)
	}
	if phnum > MaxProgramHeaders {
		return Header{}, fmt.Errorf("image: phnum %d: %w", phnum, mimierr.TooManyPhdrs)
	}

	return Header{Entry: entry, PhOff: phoff, PhEntSize: phentsize, PhNum: phnum}, nil
}

// ProgramHeader is the decoded subset of an Elf32_Phdr entry.
type ProgramHeader struct {
	Type     uint32
	FileOff  uint32
	VAddr    uint32
	FileSize uint32
	MemSize  uint32
	Flags    uint32
	Align    uint32
}

func readProgramHeader(src Source, hdr Header, index uint16) (ProgramHeader, error) {
	var raw [phdrSize]byte
	offset := hdr.PhOff + uint32(index)*uint32(hdr.PhEntSize)
	if err := readExact(src, offset, raw[:]); err != nil {
		return ProgramHeader{}, err
	}
	return ProgramHeader{
		Type:     binary.LittleEndian.Uint32(raw[0:]),
		FileOff:  binary.LittleEndian.Uint32(raw[4:]),
		VAddr:    binary.LittleEndian.Uint32(raw[8:]),
		FileSize: binary.LittleEndian.Uint32(raw[16:]),
		MemSize:  binary.LittleEndian.Uint32(raw[20:]),
		Flags:    binary.LittleEndian.Uint32(raw[24:]),
		Align:    binary.LittleEndian.Uint32(raw[28:]),
	}, nil
}
