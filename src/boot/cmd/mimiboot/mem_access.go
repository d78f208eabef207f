//go:build mimiboot

package main

import "unsafe"

// writeMemory pokes data directly into RAM, one byte at a time, the
// way the loader's Write callback is meant to be implemented on real
// hardware: no MMU, no cache maintenance beyond what the barrier
// sequence in transfer_arm.s already covers.
func writeMemory(addr uint32, data []byte) {
	for i, b := range data {
		p := (*byte)(unsafe.Pointer(uintptr(addr) + uintptr(i)))
		*p = b
	}
}

// readMemory reads size bytes back from addr for the loader's
// verify-after-load pass.
func readMemory(addr uint32, size uint32) []byte {
	out := make([]byte, size)
	for i := range out {
		p := (*byte)(unsafe.Pointer(uintptr(addr) + uintptr(i)))
		out[i] = *p
	}
	return out
}
