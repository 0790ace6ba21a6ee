// Package bus routes guest physical accesses, trapped system registers and
// device hypercalls to the emulated device that owns them.
package bus

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
)

var (
	// ErrInvalidRange is returned for zero-length or wrapping ranges.
	ErrInvalidRange = errors.New("bus: invalid range")
	// ErrOverlap is returned when a range would alias an existing device.
	ErrOverlap = errors.New("bus: range overlaps an existing device")
	// ErrSysRegClaimed is returned when a system register already has an owner.
	ErrSysRegClaimed = errors.New("bus: system register already claimed")
	// ErrHvcClaimed is returned when a hypercall id already has a handler.
	ErrHvcClaimed = errors.New("bus: hypercall id already registered")
)

// Device services accesses that fall inside its registered range. Offsets
// are relative to the range base.
type Device interface {
	Read(vcpu uint64, offset uint64, data []byte)
	Write(vcpu uint64, offset uint64, data []byte)
	Interrupt(mask uint32) error
}

// SysRegDevice is a Device that also owns trapped system registers. SysRegs
// is consulted once, when the device is inserted.
type SysRegDevice interface {
	Device
	SysRegs() []SysRegID
	ReadSysReg(vcpu uint64, reg SysRegID) uint64
	WriteSysReg(vcpu uint64, reg SysRegID, value uint64)
}

// HvcHandler services a device hypercall. argsAddr is a guest physical
// address whose layout is defined by the device.
type HvcHandler interface {
	Hvc(vcpu uint64, argsAddr uint64) int64
}

// HvcUnknown is returned to the guest for unregistered hypercall ids.
const HvcUnknown int64 = -1

type entry struct {
	start  uint64
	length uint64
	dev    Device
}

func (e entry) end() uint64 { return e.start + e.length }

func entryLess(a, b entry) bool { return a.start < b.start }

type table struct {
	ranges  *btree.BTreeG[entry]
	sysregs map[SysRegID]SysRegDevice
	hvcs    map[uint32]HvcHandler
}

// Bus is safe for concurrent lookups from any number of vCPU threads.
// Mutations are serialized and publish a new snapshot, so lookups never
// take a lock.
type Bus struct {
	mu  sync.Mutex
	cur atomic.Pointer[table]
}

// New returns an empty bus.
func New() *Bus {
	b := &Bus{}
	b.cur.Store(&table{
		ranges:  btree.NewG(8, entryLess),
		sysregs: make(map[SysRegID]SysRegDevice),
		hvcs:    make(map[uint32]HvcHandler),
	})
	return b
}

func overlaps(a, b entry) bool {
	return a.start < b.end() && b.start < a.end()
}

// Insert maps dev at [base, base+length). If dev implements SysRegDevice
// its registers are claimed in the same step. Nothing is registered unless
// every check passes.
func (b *Bus) Insert(dev Device, base, length uint64) error {
	if dev == nil {
		return fmt.Errorf("bus: insert nil device at 0x%x", base)
	}
	if length == 0 || base+length < base {
		return fmt.Errorf("%w: [0x%x, +0x%x)", ErrInvalidRange, base, length)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.cur.Load()
	n := entry{start: base, length: length, dev: dev}

	var conflict *entry
	old.ranges.DescendLessOrEqual(n, func(e entry) bool {
		if overlaps(e, n) {
			conflict = &e
		}
		return false
	})
	if conflict == nil {
		old.ranges.AscendGreaterOrEqual(n, func(e entry) bool {
			if overlaps(e, n) {
				conflict = &e
			}
			return false
		})
	}
	if conflict != nil {
		return fmt.Errorf("%w: [0x%x-0x%x) overlaps [0x%x-0x%x)",
			ErrOverlap, n.start, n.end(), conflict.start, conflict.end())
	}

	next := &table{ranges: old.ranges.Clone(), sysregs: old.sysregs, hvcs: old.hvcs}
	if sd, ok := dev.(SysRegDevice); ok {
		regs, err := claimSysRegs(old.sysregs, sd)
		if err != nil {
			return err
		}
		next.sysregs = regs
	}
	next.ranges.ReplaceOrInsert(n)
	b.cur.Store(next)
	return nil
}

// InsertSysRegs claims the registers of a device that has no MMIO range.
func (b *Bus) InsertSysRegs(dev SysRegDevice) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.cur.Load()
	regs, err := claimSysRegs(old.sysregs, dev)
	if err != nil {
		return err
	}
	b.cur.Store(&table{ranges: old.ranges, sysregs: regs, hvcs: old.hvcs})
	return nil
}

// claimSysRegs validates every register of dev against cur and returns a
// new map containing the claims. cur is never modified, so a failure leaves
// no partial claim behind.
func claimSysRegs(cur map[SysRegID]SysRegDevice, dev SysRegDevice) (map[SysRegID]SysRegDevice, error) {
	regs := dev.SysRegs()
	seen := make(map[SysRegID]struct{}, len(regs))
	for _, r := range regs {
		if _, ok := cur[r]; ok {
			return nil, fmt.Errorf("%w: %s", ErrSysRegClaimed, r)
		}
		if _, ok := seen[r]; ok {
			return nil, fmt.Errorf("%w: %s listed twice by one device", ErrSysRegClaimed, r)
		}
		seen[r] = struct{}{}
	}
	next := maps.Clone(cur)
	for _, r := range regs {
		next[r] = dev
	}
	return next, nil
}

// RegisterHvc installs the handler for hypercall id.
func (b *Bus) RegisterHvc(id uint32, h HvcHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.cur.Load()
	if _, ok := old.hvcs[id]; ok {
		return fmt.Errorf("%w: %d", ErrHvcClaimed, id)
	}
	hvcs := maps.Clone(old.hvcs)
	hvcs[id] = h
	b.cur.Store(&table{ranges: old.ranges, sysregs: old.sysregs, hvcs: hvcs})
	return nil
}

// GetDevice returns the device owning addr and the offset of addr inside
// its range.
func (b *Bus) GetDevice(addr uint64) (uint64, Device, bool) {
	var (
		found entry
		ok    bool
	)
	b.cur.Load().ranges.DescendLessOrEqual(entry{start: addr}, func(e entry) bool {
		if addr-e.start < e.length {
			found, ok = e, true
		}
		return false
	})
	if !ok {
		return 0, nil, false
	}
	return addr - found.start, found.dev, true
}

// Read forwards a guest load. It reports false, touching no device, when
// addr is unmapped.
func (b *Bus) Read(vcpu uint64, addr uint64, data []byte) bool {
	off, dev, ok := b.GetDevice(addr)
	if !ok {
		return false
	}
	dev.Read(vcpu, off, data)
	return true
}

// Write forwards a guest store. It reports false, touching no device, when
// addr is unmapped.
func (b *Bus) Write(vcpu uint64, addr uint64, data []byte) bool {
	off, dev, ok := b.GetDevice(addr)
	if !ok {
		return false
	}
	dev.Write(vcpu, off, data)
	return true
}

// ReadSysReg returns the register value, or zero for unclaimed registers.
func (b *Bus) ReadSysReg(vcpu uint64, reg SysRegID) uint64 {
	dev, ok := b.cur.Load().sysregs[reg]
	if !ok {
		return 0
	}
	return dev.ReadSysReg(vcpu, reg)
}

// WriteSysReg forwards a register write. Writes to unclaimed registers are
// dropped and reported as false.
func (b *Bus) WriteSysReg(vcpu uint64, reg SysRegID, value uint64) bool {
	dev, ok := b.cur.Load().sysregs[reg]
	if !ok {
		return false
	}
	dev.WriteSysReg(vcpu, reg, value)
	return true
}

// CallHvc dispatches a device hypercall.
func (b *Bus) CallHvc(vcpu uint64, id uint32, argsAddr uint64) int64 {
	h, ok := b.cur.Load().hvcs[id]
	if !ok {
		slog.Debug("bus: hypercall to unregistered device", "vcpu", vcpu, "id", id)
		return HvcUnknown
	}
	return h.Hvc(vcpu, argsAddr)
}

// Len returns the number of mapped ranges.
func (b *Bus) Len() int { return b.cur.Load().ranges.Len() }

// Close drops every mapping. Devices themselves are owned by the caller.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cur.Store(&table{
		ranges:  btree.NewG(8, entryLess),
		sysregs: make(map[SysRegID]SysRegDevice),
		hvcs:    make(map[uint32]HvcHandler),
	})
}
