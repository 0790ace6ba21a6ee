// Package pl031 implements the ARM PrimeCell PL031 real time clock. The
// counter follows host wall-clock seconds from the moment it was loaded.
package pl031

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"time"
)

const (
	regDR   = 0x00
	regMR   = 0x04
	regLR   = 0x08
	regCR   = 0x0c
	regIMSC = 0x10
	regRIS  = 0x14
	regMIS  = 0x18
	regICR  = 0x1c

	regPeriphID0 = 0xfe0
	regPCellID3  = 0xffc

	crEnable = 1 << 0
	intAlarm = 1 << 0
)

// Size of the register window.
const Size = 0x1000

var primeCellID = [8]byte{0x31, 0x10, 0x04, 0x00, 0x0d, 0xf0, 0x05, 0xb1}

// Line is the alarm interrupt output.
type Line interface {
	Set(level bool) error
}

// RTC is a bus device.
type RTC struct {
	line Line
	log  *slog.Logger
	now  func() time.Time

	mu       sync.Mutex
	loadedAt time.Time
	lr       uint32
	mr       uint32
	cr       uint32
	imsc     uint32
	ris      uint32
	level    bool
	alarm    *time.Timer
}

// New returns an RTC loaded with the current host time.
func New(line Line, logger *slog.Logger) *RTC {
	return newRTC(line, logger, time.Now)
}

func newRTC(line Line, logger *slog.Logger, now func() time.Time) *RTC {
	if logger == nil {
		logger = slog.Default()
	}
	r := &RTC{line: line, log: logger.With("device", "pl031"), now: now}
	r.Reset()
	return r
}

// Reset reloads the counter from the host clock and cancels the alarm.
func (r *RTC) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loadedAt = r.now()
	r.lr = uint32(r.loadedAt.Unix())
	r.mr, r.imsc, r.ris = 0, 0, 0
	r.cr = crEnable
	r.stopAlarmLocked()
	r.updateLocked()
}

// counterLocked is the value of DR. It stops advancing while disabled.
func (r *RTC) counterLocked() uint32 {
	if r.cr&crEnable == 0 {
		return r.lr
	}
	return r.lr + uint32(r.now().Sub(r.loadedAt)/time.Second)
}

func (r *RTC) Read(_ uint64, offset uint64, data []byte) {
	clear(data)
	r.mu.Lock()
	v := r.readRegister(offset &^ 3)
	r.mu.Unlock()

	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if shift := offset & 3; int(shift) < len(buf) {
		copy(data, buf[shift:])
	}
}

func (r *RTC) readRegister(offset uint64) uint32 {
	switch {
	case offset == regDR:
		return r.counterLocked()
	case offset == regMR:
		return r.mr
	case offset == regLR:
		return r.lr
	case offset == regCR:
		return r.cr
	case offset == regIMSC:
		return r.imsc
	case offset == regRIS:
		return r.ris
	case offset == regMIS:
		return r.ris & r.imsc
	case offset >= regPeriphID0 && offset <= regPCellID3:
		return uint32(primeCellID[(offset-regPeriphID0)/4])
	}
	return 0
}

func (r *RTC) Write(_ uint64, offset uint64, data []byte) {
	if len(data) != 4 || offset%4 != 0 {
		r.log.Warn("pl031: unaligned register write", "offset", offset, "size", len(data))
		return
	}
	v := binary.LittleEndian.Uint32(data)

	r.mu.Lock()
	defer r.mu.Unlock()
	switch offset {
	case regMR:
		r.mr = v
		r.armAlarmLocked()
	case regLR:
		r.lr = v
		r.loadedAt = r.now()
		r.armAlarmLocked()
	case regCR:
		// The enable bit cannot be cleared once set.
		if v&crEnable != 0 && r.cr&crEnable == 0 {
			r.loadedAt = r.now()
			r.cr |= crEnable
			r.armAlarmLocked()
		}
	case regIMSC:
		r.imsc = v & intAlarm
	case regICR:
		r.ris &^= v
	default:
		return
	}
	r.updateLocked()
}

// Interrupt raises the alarm interrupt when mask includes it.
func (r *RTC) Interrupt(mask uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ris |= mask & intAlarm
	r.updateLocked()
	return nil
}

func (r *RTC) armAlarmLocked() {
	r.stopAlarmLocked()
	if r.cr&crEnable == 0 {
		return
	}
	now := r.counterLocked()
	if r.mr <= now {
		return
	}
	due := r.loadedAt.Add(time.Duration(r.mr-r.lr) * time.Second)
	r.alarm = time.AfterFunc(due.Sub(r.now()), r.fire)
}

func (r *RTC) stopAlarmLocked() {
	if r.alarm != nil {
		r.alarm.Stop()
		r.alarm = nil
	}
}

func (r *RTC) fire() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarm = nil
	r.ris |= intAlarm
	r.updateLocked()
}

// Close cancels a pending alarm.
func (r *RTC) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopAlarmLocked()
	return nil
}

func (r *RTC) updateLocked() {
	level := r.ris&r.imsc != 0
	if r.line == nil || level == r.level {
		return
	}
	r.level = level
	if err := r.line.Set(level); err != nil {
		r.log.Warn("pl031: drive interrupt failed", "error", err)
	}
}
