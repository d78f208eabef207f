//go:build mimiboot

// SD card driver in SPI mode, read-only: the bootloader never writes
// to the card. Talks to machine.SPI0 with a GPIO chip-select, the way
// TinyGo boards expose their SPI peripheral.
package sdspi

import (
	"machine"

	"mimiboot/src/core/mimierr"
)

const (
	cmd0   = 0
	cmd1   = 1
	cmd8   = 8
	cmd9   = 9
	cmd12  = 12
	cmd16  = 16
	cmd17  = 17
	cmd55  = 55
	cmd58  = 58
	acmd41 = 41

	r1IdleState  = 1 << 0
	r1IllegalCmd = 1 << 2

	dataToken = 0xFE

	initTimeout = 1000
	cmdTimeout  = 100
	readTimeout = 100000
)

// Card drives an SD card over SPI and satisfies platform.BlockSource.
type Card struct {
	SPI machine.SPI
	CS  machine.Pin

	sdhc bool
	init bool
}

func (c *Card) csLow()  { c.CS.Low() }
func (c *Card) csHigh() { c.CS.High() }

func (c *Card) xfer(b byte) byte {
	rx, _ := c.SPI.Transfer(b)
	return rx
}

func (c *Card) waitReady(timeout int) bool {
	for i := 0; i < timeout; i++ {
		if c.xfer(0xFF) == 0xFF {
			return true
		}
	}
	return false
}

func crc7(data []byte) byte {
	var crc byte
	for _, b := range data {
		for bit := 0; bit < 8; bit++ {
			crc <<= 1
			if (b^crc)&0x80 != 0 {
				crc ^= 0x09
			}
			b <<= 1
		}
	}
	return (crc << 1) | 1
}

func (c *Card) command(cmd byte, arg uint32) byte {
	if !c.waitReady(cmdTimeout) {
		return 0xFF
	}
	frame := [6]byte{
		0x40 | cmd,
		byte(arg >> 24), byte(arg >> 16), byte(arg >> 8), byte(arg),
		0,
	}
	frame[5] = crc7(frame[:5])
	for _, b := range frame {
		c.xfer(b)
	}
	resp := byte(0xFF)
	for i := 0; i < cmdTimeout; i++ {
		resp = c.xfer(0xFF)
		if resp&0x80 == 0 {
			break
		}
	}
	return resp
}

func (c *Card) appCommand(cmd byte, arg uint32) byte {
	resp := c.command(cmd55, 0)
	if resp > 1 {
		return resp
	}
	return c.command(cmd, arg)
}

// Init runs the CMD0/CMD8/ACMD41 negotiation sequence and determines
// whether the card is block-addressed (SDHC/SDXC) or byte-addressed
// (SDv1/MMC). It is also the Reinit callback a sdspi.Resilient wraps
// this card with.
func (c *Card) Init() error {
	c.init = false
	c.sdhc = false

	c.csHigh()
	for i := 0; i < 10; i++ {
		c.xfer(0xFF)
	}
	c.csLow()
	defer c.csHigh()

	var resp byte
	for attempt := 0; attempt < initTimeout; attempt++ {
		resp = c.command(cmd0, 0)
		if resp == r1IdleState {
			break
		}
		if attempt == initTimeout-1 {
			return mimierr.IO
		}
	}

	resp = c.command(cmd8, 0x000001AA)
	switch {
	case resp == r1IdleState:
		var ocr [4]byte
		for i := range ocr {
			ocr[i] = c.xfer(0xFF)
		}
		if ocr[2] != 0x01 || ocr[3] != 0xAA {
			return mimierr.IO
		}
		for attempt := 0; attempt < initTimeout; attempt++ {
			resp = c.appCommand(acmd41, 0x40000000)
			if resp == 0 {
				break
			}
			if attempt == initTimeout-1 {
				return mimierr.IO
			}
		}
		resp = c.command(cmd58, 0)
		if resp != 0 {
			return mimierr.IO
		}
		for i := range ocr {
			ocr[i] = c.xfer(0xFF)
		}
		c.sdhc = ocr[0]&0x40 != 0

	case resp == r1IdleState|r1IllegalCmd:
		c.sdhc = false
		resp = c.appCommand(acmd41, 0)
		if resp <= 1 {
			for attempt := 0; attempt < initTimeout; attempt++ {
				resp = c.appCommand(acmd41, 0)
				if resp == 0 {
					break
				}
			}
		} else {
			for attempt := 0; attempt < initTimeout; attempt++ {
				resp = c.command(cmd1, 0)
				if resp == 0 {
					break
				}
			}
		}
		if resp != 0 {
			return mimierr.IO
		}
		if resp = c.command(cmd16, 512); resp != 0 {
			return mimierr.IO
		}

	default:
		return mimierr.IO
	}

	c.init = true
	return nil
}

// ReadSector implements platform.BlockSource, reading one 512-byte
// block via CMD17.
func (c *Card) ReadSector(index uint32, buf *[512]byte) error {
	if !c.init {
		return mimierr.IO
	}
	addr := index
	if !c.sdhc {
		addr = index * 512
	}

	c.csLow()
	defer c.csHigh()

	if resp := c.command(cmd17, addr); resp != 0 {
		return mimierr.IO
	}

	resp := byte(0xFF)
	for i := 0; i < readTimeout; i++ {
		resp = c.xfer(0xFF)
		if resp == dataToken {
			break
		}
		if resp&0xF0 == 0x00 {
			return mimierr.IO
		}
	}
	if resp != dataToken {
		return mimierr.IO
	}

	for i := range buf {
		buf[i] = c.xfer(0xFF)
	}
	c.xfer(0xFF)
	c.xfer(0xFF)
	return nil
}
