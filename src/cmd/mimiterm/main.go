// Command mimiterm is a minimal serial console companion for watching
// diag output from a board running MimiBoot and forwarding keystrokes
// back to it, the way ioProto's tty plumbing in the release tooling
// talks to a board's UART.
package main

import (
	"fmt"
	"io"
	"log"
	"os"

	tty "github.com/mattn/go-tty"
)

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: mimiterm <tty-device>")
		os.Exit(2)
	}
	devPath := os.Args[1]

	dev, err := tty.OpenDevice(devPath)
	if err != nil {
		log.Fatalf("open %s: %v", devPath, err)
	}
	defer dev.Close()
	_ = dev.MustRaw()

	done := make(chan struct{})
	go relayDeviceToStdout(dev, done)
	relayStdinToDevice(dev)
	<-done
}

// relayDeviceToStdout copies bytes arriving on the board's UART to
// stdout until the device is closed, then signals done.
func relayDeviceToStdout(dev *tty.TTY, done chan<- struct{}) {
	buf := make([]byte, 256)
	for {
		n, err := dev.Input().Read(buf)
		if n > 0 {
			os.Stdout.Write(buf[:n])
		}
		if err != nil {
			close(done)
			return
		}
	}
}

// relayStdinToDevice copies operator keystrokes to the board until
// stdin is closed (Ctrl-D).
func relayStdinToDevice(dev *tty.TTY) {
	buf := make([]byte, 1)
	out := dev.Output()
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err == io.EOF || err != nil {
			return
		}
	}
}
