// Package pl011 implements the transmit side of an ARM PrimeCell PL011
// UART, enough for earlycon and the amba-pl011 driver to print. Received
// data is never reported; guest input goes through the virtio console.
package pl011

import (
	"encoding/binary"
	"io"
	"log/slog"
	"sync"
)

const (
	regDR   = 0x00
	regRSR  = 0x04
	regFR   = 0x18
	regILPR = 0x20
	regIBRD = 0x24
	regFBRD = 0x28
	regLCRH = 0x2c
	regCR   = 0x30
	regIFLS = 0x34
	regIMSC = 0x38
	regRIS  = 0x3c
	regMIS  = 0x40
	regICR  = 0x44
	regDMAC = 0x48

	regPeriphID0 = 0xfe0
	regPCellID3  = 0xffc

	flagRxEmpty = 1 << 4
	flagTxEmpty = 1 << 7

	intTX   = 1 << 5
	intMask = 0x7ff
)

// Size of the register window.
const Size = 0x1000

// PrimeCell identification read from 0xfe0-0xffc, one byte per word.
var primeCellID = [8]byte{0x11, 0x10, 0x14, 0x00, 0x0d, 0xf0, 0x05, 0xb1}

// Line is the interrupt output.
type Line interface {
	Set(level bool) error
}

// UART is a bus device. The transmit FIFO drains instantly, so the transmit
// interrupt is raised whenever it is unmasked.
type UART struct {
	out  io.Writer
	line Line
	log  *slog.Logger

	mu    sync.Mutex
	cr    uint32
	lcrh  uint32
	ibrd  uint32
	fbrd  uint32
	ifls  uint32
	imsc  uint32
	ris   uint32
	dmacr uint32
	level bool
}

// New returns a UART writing to out. line may be nil for a polled UART.
func New(out io.Writer, line Line, logger *slog.Logger) *UART {
	if out == nil {
		out = io.Discard
	}
	if logger == nil {
		logger = slog.Default()
	}
	u := &UART{out: out, line: line, log: logger.With("device", "pl011")}
	u.Reset()
	return u
}

// Reset restores the power-on register state.
func (u *UART) Reset() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.cr = 0x300
	u.lcrh, u.ibrd, u.fbrd, u.dmacr = 0, 0, 0, 0
	u.ifls = 0x12
	u.imsc = 0
	u.ris = intTX
	u.updateLocked()
}

func (u *UART) Read(_ uint64, offset uint64, data []byte) {
	clear(data)
	u.mu.Lock()
	v := u.readRegister(offset &^ 3)
	u.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if shift := offset & 3; int(shift) < len(buf) {
		copy(data, buf[shift:])
	}
}

func (u *UART) Write(_ uint64, offset uint64, data []byte) {
	if len(data) == 0 || len(data) > 4 {
		u.log.Warn("pl011: unsupported write size", "offset", offset, "size", len(data))
		return
	}
	var buf [4]byte
	copy(buf[:], data)
	v := binary.LittleEndian.Uint32(buf[:])

	u.mu.Lock()
	defer u.mu.Unlock()
	switch offset {
	case regDR:
		if _, err := u.out.Write([]byte{byte(v)}); err != nil {
			u.log.Warn("pl011: output write failed", "error", err)
		}
		u.ris |= intTX
	case regRSR, regILPR:
	case regIBRD:
		u.ibrd = v
	case regFBRD:
		u.fbrd = v
	case regLCRH:
		u.lcrh = v
	case regCR:
		u.cr = v
	case regIFLS:
		u.ifls = v
	case regIMSC:
		u.imsc = v & intMask
	case regICR:
		u.ris &^= v
	case regDMAC:
		u.dmacr = v
	}
	u.updateLocked()
}

// Interrupt raises the interrupts in mask as if the hardware had.
func (u *UART) Interrupt(mask uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.ris |= mask & intMask
	u.updateLocked()
	return nil
}

func (u *UART) readRegister(offset uint64) uint32 {
	switch {
	case offset == regFR:
		return flagTxEmpty | flagRxEmpty
	case offset == regIBRD:
		return u.ibrd
	case offset == regFBRD:
		return u.fbrd
	case offset == regLCRH:
		return u.lcrh
	case offset == regCR:
		return u.cr
	case offset == regIFLS:
		return u.ifls
	case offset == regIMSC:
		return u.imsc
	case offset == regRIS:
		return u.ris
	case offset == regMIS:
		return u.ris & u.imsc
	case offset == regDMAC:
		return u.dmacr
	case offset >= regPeriphID0 && offset <= regPCellID3:
		return uint32(primeCellID[(offset-regPeriphID0)/4])
	}
	return 0
}

func (u *UART) updateLocked() {
	level := u.ris&u.imsc != 0
	if u.line == nil || level == u.level {
		return
	}
	u.level = level
	if err := u.line.Set(level); err != nil {
		u.log.Warn("pl011: drive interrupt failed", "error", err)
	}
}
