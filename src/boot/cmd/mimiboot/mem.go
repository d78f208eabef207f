//go:build mimiboot

package main

// Memory layout for the reference Cortex-M target. A real deployment
// overrides these via board-specific build tags; they are placeholder
// constants the way the RPi3 bootloader's own mem.go hardcodes its
// physical layout.
const (
	ramBase    = 0x2000_0000
	ramSize    = 0x0004_0000 // 256KiB SRAM
	loaderBase = 0x0800_0000
	loaderSize = 0x0000_8000 // 32KiB loader flash
	clockHz    = 48_000_000
)
