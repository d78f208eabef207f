// Package boot sequences the three core subsystems: mount, config
// read, image open, validate, load, handoff build, and transfer. It
// is the "Orchestration" component of the design: sequencing,
// retry/fallback selection, and diagnostic output live here, nowhere
// else.
package boot

import (
	"errors"
	"fmt"

	"mimiboot/src/core/fat32"
	"mimiboot/src/core/handoff"
	"mimiboot/src/core/image"
	"mimiboot/src/core/mimierr"
	"mimiboot/src/boot/bootcfg"
	"mimiboot/src/diag"
	"mimiboot/src/platform"
)

// BlinkCode identifies the LED pulse pattern for a terminal boot
// failure. Numbering matches the reference implementation so a board
// bring-up engineer's muscle memory for "5 blinks = image not found"
// carries over.
type BlinkCode int

const (
	BlinkInitFail      BlinkCode = 2
	BlinkStorageFail   BlinkCode = 3
	BlinkFSFail        BlinkCode = 4
	BlinkFileNotFound  BlinkCode = 5
	BlinkELFInvalid    BlinkCode = 6
	BlinkLoadFail      BlinkCode = 7
	BlinkNoMemory      BlinkCode = 8
)

// Failure is a terminal boot error carrying the blink code the HAL
// should signal forever. Non-recoverable failures always come back as
// a *Failure so orchestration's caller can drive the LED without
// re-deriving the mapping from an mimierr.Code.
type Failure struct {
	Code    BlinkCode
	Message string
	Err     error
}

func (f *Failure) Error() string { return fmt.Sprintf("%s: %v", f.Message, f.Err) }
func (f *Failure) Unwrap() error { return f.Err }

func fail(code BlinkCode, message string, err error) error {
	return &Failure{Code: code, Message: message, Err: err}
}

// Deps are the external collaborators orchestration wires together.
// Every field is required; there is no discovery or allocation here.
type Deps struct {
	Source    platform.BlockSource
	Info      platform.Info
	Clock     platform.Clock
	Transfer  handoff.Transferer
	RAMRegion platform.MemoryRegion

	// Write and ReadBack land segment bytes in real memory; see
	// image.Config for their contract.
	Write    func(addr uint32, data []byte)
	ReadBack func(addr uint32, size uint32) []byte
}

// Run executes the full boot sequence once. On success it calls
// deps.Transfer, which does not return on real hardware; Run's own
// return after that point exists only so the function type-checks and
// so tests using a recording Transferer can observe completion.
func Run(deps Deps) error {
	bootStart := deps.Clock.NowMicros()

	diag.Infof("MimiBoot")
	diag.Infof("RAM: %#08x-%#08x", deps.Info.RAMBase, deps.Info.RAMBase+deps.Info.RAMSize)

	diag.Infof("mounting filesystem")
	fs, err := fat32.Mount(deps.Source)
	if err != nil {
		return fail(BlinkFSFail, "FAT32 mount failed", err)
	}

	cfg := bootcfg.Default()
	if cfgFile, err := fs.Open("/boot.cfg"); err == nil {
		data := make([]byte, cfgFile.Size())
		if n, rerr := cfgFile.Read(data); rerr == nil {
			cfg = bootcfg.Parse(data[:n])
		}
	} else {
		diag.Debugf("no boot.cfg present, using defaults")
	}

	imagePath := cfg.ImagePath
	diag.Infof("loading: %s", imagePath)
	file, err := fs.Open(imagePath)
	if err != nil {
		if cfg.HasFallback && errors.Is(err, mimierr.NotFound) {
			diag.Warnf("primary image not found, trying fallback %s", cfg.FallbackPath)
			imagePath = cfg.FallbackPath
			file, err = fs.Open(imagePath)
		}
		if err != nil {
			return fail(BlinkFileNotFound, "boot image not found", err)
		}
	}

	// The handoff descriptor occupies a fixed slice at the top of RAM;
	// no loaded segment may reach into it, so the region handed to the
	// loader is truncated below it before any address is validated.
	handoffAddr := (deps.Info.RAMBase + deps.Info.RAMSize - handoff.Size) &^ (handoff.Size - 1)
	loadRegion := deps.RAMRegion
	if loadRegion.End() > handoffAddr {
		loadRegion.Size = handoffAddr - loadRegion.Base
	}

	loadStart := deps.Clock.NowMicros()
	result, err := image.Load(file, image.Config{
		Regions:           []platform.MemoryRegion{loadRegion},
		ValidateAddresses: true,
		ZeroBSS:           cfg.ZeroBSS,
		VerifyAfterLoad:   cfg.Verify,
		Write:             deps.Write,
		ReadBack:          deps.ReadBack,
	})
	loadTime := deps.Clock.NowMicros() - loadStart
	if err != nil {
		return fail(classifyLoadError(err), "ELF load failed", err)
	}

	diag.Infof("loaded: entry=%#08x range=[%#08x,%#08x) segments=%d copied=%d zeroed=%d",
		result.Entry, result.LoadBase, result.LoadEnd, result.SegmentCount, result.BytesCopied, result.BytesZeroed)

	name := imagePath
	for i := len(imagePath) - 1; i >= 0; i-- {
		if imagePath[i] == '/' {
			name = imagePath[i+1:]
			break
		}
	}

	bootTime := deps.Clock.NowMicros() - bootStart
	desc := handoff.Build(result, deps.Info, bootTime, loadTime, name)
	wire := handoff.Marshal(desc)
	if !handoff.VerifyCRC(wire) {
		return fail(BlinkLoadFail, "handoff CRC self-check failed", fmt.Errorf("handoff: crc mismatch"))
	}
	deps.Write(handoffAddr, wire[:])

	diag.Infof("jumping to payload at %#08x", result.Entry)
	deps.Transfer.Transfer(handoffAddr, result.Entry)
	return nil
}

// classifyLoadError maps an mimierr.Code to the blink pattern the
// reference implementation uses for the same failure class.
func classifyLoadError(err error) BlinkCode {
	switch {
	case errors.Is(err, mimierr.BadMagic), errors.Is(err, mimierr.BadClass),
		errors.Is(err, mimierr.BadEncoding), errors.Is(err, mimierr.BadType),
		errors.Is(err, mimierr.BadMachine):
		return BlinkELFInvalid
	case errors.Is(err, mimierr.AddressInvalid), errors.Is(err, mimierr.ImageTooLarge):
		return BlinkNoMemory
	default:
		return BlinkLoadFail
	}
}
