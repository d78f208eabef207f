//go:build linux || darwin

// Command mimiflash writes a raw disk image to a block device using
// direct pread/pwrite syscalls, retrying transient write failures the
// same way the firmware's sdspi driver retries transient reads.
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

const sectorSize = 512

func main() {
	imagePath := flag.String("image", "", "path to the raw disk image")
	devicePath := flag.String("device", "", "path to the target block device")
	verify := flag.Bool("verify", true, "read back every sector after writing and compare")
	flag.Parse()

	if *imagePath == "" || *devicePath == "" {
		fmt.Fprintln(os.Stderr, "usage: mimiflash -image <file> -device </dev/sdX> [-verify]")
		os.Exit(2)
	}

	if err := run(*imagePath, *devicePath, *verify); err != nil {
		fmt.Fprintln(os.Stderr, "mimiflash:", err)
		os.Exit(1)
	}
}

func run(imagePath, devicePath string, verify bool) error {
	img, err := os.Open(imagePath)
	if err != nil {
		return err
	}
	defer img.Close()

	fd, err := unix.Open(devicePath, unix.O_RDWR|unix.O_SYNC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", devicePath, err)
	}
	defer unix.Close(fd)

	var buf [sectorSize]byte
	var offset int64
	for {
		n, rerr := img.Read(buf[:])
		if n > 0 {
			if werr := writeSectorWithRetry(fd, buf[:n], offset); werr != nil {
				return fmt.Errorf("write at offset %d: %w", offset, werr)
			}
			if verify {
				if verr := verifySector(fd, buf[:n], offset); verr != nil {
					return fmt.Errorf("verify at offset %d: %w", offset, verr)
				}
			}
			offset += int64(n)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return rerr
		}
	}

	return unix.Fsync(fd)
}

func writeSectorWithRetry(fd int, data []byte, offset int64) error {
	op := func() error {
		_, err := unix.Pwrite(fd, data, offset)
		return err
	}
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 500_000_000 // 500ms
	return backoff.Retry(op, b)
}

func verifySector(fd int, want []byte, offset int64) error {
	got := make([]byte, len(want))
	if _, err := unix.Pread(fd, got, offset); err != nil {
		return err
	}
	for i := range want {
		if want[i] != got[i] {
			return fmt.Errorf("mismatch at byte %d: wrote %#x read %#x", i, want[i], got[i])
		}
	}
	return nil
}
