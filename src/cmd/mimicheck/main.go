// Command mimicheck validates a FAT32 disk image and an ELF payload
// offline, using the exact same fat32 and image packages the firmware
// build links, so a green mimicheck run is a strong signal the
// firmware will boot the same image.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"mimiboot/src/core/fat32"
	"mimiboot/src/core/image"
	"mimiboot/src/diag"
	"mimiboot/src/platform"
)

// fileBlockSource adapts an *os.File holding a raw disk image to
// platform.BlockSource.
type fileBlockSource struct {
	f *os.File
}

func (s *fileBlockSource) ReadSector(index uint32, buf *[512]byte) error {
	_, err := s.f.ReadAt(buf[:], int64(index)*512)
	return err
}

// fileImageSource adapts an *os.File holding a raw ELF file to
// image.Source.
type fileImageSource struct {
	f    *os.File
	size int64
}

func (s *fileImageSource) ReadAt(offset uint32, p []byte) (int, error) {
	n, err := s.f.ReadAt(p, int64(offset))
	if err != nil && err != io.EOF {
		return n, err
	}
	return n, nil
}

func (s *fileImageSource) Size() uint32 { return uint32(s.size) }

func main() {
	app := &cli.App{
		Name:  "mimicheck",
		Usage: "validate MimiBoot disk images and payloads offline",
		Commands: []*cli.Command{
			checkFSCommand(),
			checkELFCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkFSCommand() *cli.Command {
	return &cli.Command{
		Name:      "fs",
		Usage:     "mount a raw disk image and resolve a path on it",
		ArgsUsage: "<disk-image> <path>",
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 2 {
				return cli.Exit("usage: mimicheck fs <disk-image> <path>", 2)
			}
			f, err := os.Open(c.Args().Get(0))
			if err != nil {
				return err
			}
			defer f.Close()

			fs, err := fat32.Mount(&fileBlockSource{f: f})
			if err != nil {
				return fmt.Errorf("mount: %w", err)
			}
			file, err := fs.Open(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("open %s: %w", c.Args().Get(1), err)
			}
			diag.Infof("resolved %s: size=%d bytes dir=%v", c.Args().Get(1), file.Size(), file.IsDir())
			return nil
		},
	}
}

func checkELFCommand() *cli.Command {
	var ramBase, ramSize uint64
	return &cli.Command{
		Name:      "elf",
		Usage:     "validate and dry-run load a standalone ELF image",
		ArgsUsage: "<elf-file>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{Name: "ram-base", Value: 0x20000000, Destination: &ramBase},
			&cli.Uint64Flag{Name: "ram-size", Value: 0x40000, Destination: &ramSize},
		},
		Action: func(c *cli.Context) error {
			if c.Args().Len() < 1 {
				return cli.Exit("usage: mimicheck elf <elf-file>", 2)
			}
			f, err := os.Open(c.Args().Get(0))
			if err != nil {
				return err
			}
			defer f.Close()
			info, err := f.Stat()
			if err != nil {
				return err
			}
			src := &fileImageSource{f: f, size: info.Size()}

			sink := make([]byte, ramSize)
			cfg := image.Config{
				Regions: []platform.MemoryRegion{
					{Base: uint32(ramBase), Size: uint32(ramSize), Flags: platform.Writable | platform.VolatileRAM},
				},
				ValidateAddresses: true,
				ZeroBSS:           true,
				Write: func(addr uint32, data []byte) {
					copy(sink[addr-uint32(ramBase):], data)
				},
			}

			result, err := image.Load(src, cfg)
			if err != nil {
				return fmt.Errorf("load: %w", err)
			}
			diag.Infof("valid: entry=%#08x load=[%#08x,%#08x) segments=%d copied=%d zeroed=%d",
				result.Entry, result.LoadBase, result.LoadEnd, result.SegmentCount, result.BytesCopied, result.BytesZeroed)
			return nil
		},
	}
}
