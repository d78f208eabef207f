//go:build mimiboot

// Command mimiboot is the firmware entrypoint. It never returns: boot.Run
// either transfers control into the loaded payload or this file's
// blink loop spins forever signalling the failure code.
package main

import (
	"device/arm"
	"machine"

	"mimiboot/src/boot"
	"mimiboot/src/core/handoff"
	"mimiboot/src/diag"
	"mimiboot/src/drivers/sdspi"
	"mimiboot/src/platform"
)

var led = machine.LED

// sdCSPin is the SD card's SPI chip-select line; board-specific and
// overridden by a build-tagged board file in a real deployment.
const sdCSPin = machine.Pin(5)

// microsSinceBoot is a software counter driven by delay's busy loop.
// It stands in for a hardware free-running timer, which is board
// specific and out of scope here.
var microsSinceBoot uint64

func micros() uint64 { return microsSinceBoot }

func main() {
	machine.UART0.Configure(machine.UARTConfig{BaudRate: 115200})
	diag.Out = machine.UART0
	diag.SetLevel(diag.InfoMask | diag.WarnMask | diag.ErrorMask)

	led.Configure(machine.PinConfig{Mode: machine.PinOutput})

	card := &sdspi.Card{SPI: machine.SPI0, CS: sdCSPin}
	if err := card.Init(); err != nil {
		blinkForever(boot.BlinkStorageFail)
	}

	resilient := &sdspi.Resilient{Source: card, Reinit: card.Init}

	err := boot.Run(boot.Deps{
		Source: resilient,
		Info: platform.Info{
			ResetReason: platform.ResetCold,
			BootSource:  platform.SourceSD,
			SysClockHz:  clockHz,
			RAMBase:     ramBase,
			RAMSize:     ramSize,
			LoaderBase:  loaderBase,
			LoaderSize:  loaderSize,
		},
		Clock:     platform.ClockFunc(micros),
		Transfer:  handoff.ARMTransfer{},
		RAMRegion: platform.MemoryRegion{Base: ramBase, Size: ramSize, Flags: platform.Writable | platform.Executable | platform.VolatileRAM},
		Write:     writeMemory,
		ReadBack:  readMemory,
	})
	if err != nil {
		if f, ok := err.(*boot.Failure); ok {
			diag.Fatalf("boot failed: %v", f)
			blinkForever(f.Code)
		}
		diag.Fatalf("boot failed: %v", err)
		blinkForever(boot.BlinkInitFail)
	}
}

// blinkForever pulses the activity LED code times, pauses, and
// repeats: the only diagnostic surface left once UART output can no
// longer be trusted to reach anyone.
func blinkForever(code boot.BlinkCode) {
	for {
		for i := 0; i < int(code); i++ {
			led.High()
			delay(200)
			led.Low()
			delay(200)
		}
		delay(1000)
	}
}

// delay busy-waits roughly ms milliseconds. There is no OS scheduler
// this early in boot to sleep against.
func delay(ms int) {
	iterations := ms * (clockHz / 1000 / 4)
	for i := 0; i < iterations; i++ {
		arm.Asm("nop")
	}
	microsSinceBoot += uint64(ms) * 1000
}
