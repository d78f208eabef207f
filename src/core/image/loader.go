package image

import (
	"bytes"
	"fmt"

	"mimiboot/src/core/mimierr"
	"mimiboot/src/platform"
)

const chunkSize = 512

// Config governs how the loader treats an image once its header has
// been validated.
type Config struct {
	Regions           []platform.MemoryRegion
	ValidateAddresses bool
	ZeroBSS           bool
	VerifyAfterLoad   bool

	// Write is where copy/zero actually land. In firmware this
	// writes directly to physical memory; tests substitute a
	// []byte-backed sink.
	Write func(addr uint32, data []byte)
	// ReadBack returns the current contents at addr for the verify
	// phase. Only called when VerifyAfterLoad is set.
	ReadBack func(addr uint32, size uint32) []byte
}

// SegmentInfo mirrors one accepted LOAD segment for the load result.
type SegmentInfo struct {
	VAddr   uint32
	MemSize uint32
	Flags   uint32
	Loaded  bool
}

// Result is the outcome of a Load call.
type Result struct {
	Entry         uint32
	LoadBase      uint32
	LoadEnd       uint32
	TotalMemBytes uint32
	BytesCopied   uint32
	BytesZeroed   uint32
	SegmentCount  int
	Segments      [MaxLoadSegments]SegmentInfo
}

func addrValid(vaddr, memSize uint32, regions []platform.MemoryRegion) bool {
	end := vaddr + memSize
	if end < vaddr {
		return false // overflow
	}
	for _, r := range regions {
		if !r.Flags.Has(platform.Writable | platform.VolatileRAM) {
			continue
		}
		if vaddr >= r.Base && end <= r.End() {
			return true
		}
	}
	return false
}

func rangesOverlap(aStart, aSize, bStart, bSize uint32) bool {
	aEnd := aStart + aSize
	bEnd := bStart + bSize
	return aStart < bEnd && bStart < aEnd
}

// Load performs the two-pass validate-then-materialize load described
// by the segment loader design: pass 1 proves the entire program
// header table is consistent before any byte is written; pass 2 then
// copies without further validation branches.
//
// The verify phase re-reads the image through src, so it only proves
// anything if the underlying medium does not change during the load.
func Load(src Source, cfg Config) (Result, error) {
	hdr, err := ParseHeader(src)
	if err != nil {
		return Result{}, err
	}

	result := Result{Entry: hdr.Entry, LoadBase: 0xFFFFFFFF}

	type accepted struct {
		vaddr, memSize uint32
	}
	var table []accepted

	for i := uint16(0); i < hdr.PhNum; i++ {
		ph, err := readProgramHeader(src, hdr, i)
		if err != nil {
			return Result{}, err
		}
		if ph.Type != ptLoad || ph.MemSize == 0 {
			continue
		}

		if cfg.ValidateAddresses && !addrValid(ph.VAddr, ph.MemSize, cfg.Regions) {
			return Result{}, fmt.Errorf("image: segment @%#x size %#x: %w", ph.VAddr, ph.MemSize, mimierr.AddressInvalid)
		}

		for _, prev := range table {
			if rangesOverlap(ph.VAddr, ph.MemSize, prev.vaddr, prev.memSize) {
				return Result{}, fmt.Errorf("image: segment @%#x overlaps @%#x: %w", ph.VAddr, prev.vaddr, mimierr.AddressOverlap)
			}
		}

		if len(table) >= MaxLoadSegments {
			return Result{}, fmt.Errorf("image: more than %d loadable segments: %w", MaxLoadSegments, mimierr.ImageTooLarge)
		}
		table = append(table, accepted{ph.VAddr, ph.MemSize})

		if ph.VAddr < result.LoadBase {
			result.LoadBase = ph.VAddr
		}
		if end := ph.VAddr + ph.MemSize; end > result.LoadEnd {
			result.LoadEnd = end
		}
		result.TotalMemBytes += ph.MemSize
	}

	if len(table) == 0 {
		return Result{}, fmt.Errorf("image: %w", mimierr.NoLoadable)
	}

	segIndex := 0
	for i := uint16(0); i < hdr.PhNum; i++ {
		ph, err := readProgramHeader(src, hdr, i)
		if err != nil {
			return Result{}, err
		}
		if ph.Type != ptLoad || ph.MemSize == 0 {
			continue
		}
		if segIndex >= MaxLoadSegments {
			break
		}

		if err := loadSegment(src, cfg, ph, &result.Segments[segIndex], &result.BytesCopied, &result.BytesZeroed); err != nil {
			return Result{}, err
		}
		segIndex++
	}
	result.SegmentCount = segIndex

	if result.Entry < result.LoadBase || result.Entry >= result.LoadEnd {
		return Result{}, fmt.Errorf("image: entry %#x outside [%#x,%#x): %w", result.Entry, result.LoadBase, result.LoadEnd, mimierr.NoEntryPoint)
	}

	return result, nil
}

func loadSegment(src Source, cfg Config, ph ProgramHeader, info *SegmentInfo, bytesCopied, bytesZeroed *uint32) error {
	info.VAddr = ph.VAddr
	info.MemSize = ph.MemSize
	info.Flags = ph.Flags

	fileOffset := ph.FileOff
	dest := ph.VAddr
	remaining := ph.FileSize

	buf := make([]byte, chunkSize)
	for remaining > 0 {
		chunk := uint32(chunkSize)
		if remaining < chunk {
			chunk = remaining
		}
		n, err := src.ReadAt(fileOffset, buf[:chunk])
		if err != nil || uint32(n) != chunk {
			return fmt.Errorf("image: copy phase read at %d: %w", fileOffset, mimierr.ReadShort)
		}
		cfg.Write(dest, buf[:chunk])

		fileOffset += chunk
		dest += chunk
		remaining -= chunk
		*bytesCopied += chunk
	}

	if cfg.ZeroBSS && ph.MemSize > ph.FileSize {
		bssSize := ph.MemSize - ph.FileSize
		zero := make([]byte, chunkSize)
		remaining = bssSize
		at := dest
		for remaining > 0 {
			chunk := uint32(chunkSize)
			if remaining < chunk {
				chunk = remaining
			}
			cfg.Write(at, zero[:chunk])
			at += chunk
			remaining -= chunk
		}
		*bytesZeroed += bssSize
	}

	if cfg.VerifyAfterLoad && ph.FileSize > 0 {
		fileOffset = ph.FileOff
		dest = ph.VAddr
		remaining = ph.FileSize
		for remaining > 0 {
			chunk := uint32(chunkSize)
			if remaining < chunk {
				chunk = remaining
			}
			n, err := src.ReadAt(fileOffset, buf[:chunk])
			if err != nil || uint32(n) != chunk {
				return fmt.Errorf("image: verify phase read at %d: %w", fileOffset, mimierr.ReadShort)
			}
			mem := cfg.ReadBack(dest, chunk)
			if !bytes.Equal(mem, buf[:chunk]) {
				return fmt.Errorf("image: verify mismatch @%#x: %w", dest, mimierr.VerifyMismatch)
			}
			fileOffset += chunk
			dest += chunk
			remaining -= chunk
		}
	}

	info.Loaded = true
	return nil
}
