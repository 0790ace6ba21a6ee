package virtio

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/ccvmm/internal/bus"
)

// virtio-mmio version 2 register file.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueAvailLow     = 0x090
	regQueueAvailHigh    = 0x094
	regQueueUsedLow      = 0x0a0
	regQueueUsedHigh     = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	mmioMagic    = 0x74726976 // "virt"
	mmioVersion  = 2
	mmioVendorID = 0x4343564d // "CCVM"

	// MMIOSize is the register window of one device.
	MMIOSize = 0x1000
)

// Interrupt status bits.
const (
	IntUsedRing uint32 = 1 << 0
	IntConfig   uint32 = 1 << 1
)

// Device status bits written by the driver.
const (
	statusAcknowledge    = 1
	statusDriver         = 2
	statusDriverOK       = 4
	statusFeaturesOK     = 8
	statusNeedsReset     = 64
	statusFailed         = 128
	transportFeatureMask = FeatureRingEventIdx | FeatureVersion1
)

// IRQLine is the level-triggered interrupt line a transport drives.
type IRQLine interface {
	Set(level bool) error
}

type queueRegs struct {
	num   uint16
	ready bool
	desc  uint64
	avail uint64
	used  uint64
}

// MMIO exposes a Device through the virtio-mmio register window. It
// implements bus.Device. Register state is shared by every vCPU thread and
// guarded by mu; the interrupt status is also updated by device workers.
type MMIO struct {
	dev  Device
	mem  Memory
	line IRQLine
	log  *slog.Logger

	mu               sync.Mutex
	deviceFeatureSel uint32
	driverFeatureSel uint32
	driverFeatures   uint64
	queueSel         uint32
	status           uint32
	queues           []queueRegs
	active           bool
	fail             func(error)

	interruptStatus  atomic.Uint32
	lineMu           sync.Mutex
	irqHigh          bool
	configGeneration atomic.Uint32
}

var _ bus.Device = (*MMIO)(nil)

// NewMMIO wraps dev. mem is guest RAM and line the device's interrupt.
func NewMMIO(dev Device, mem Memory, line IRQLine, logger *slog.Logger) *MMIO {
	if logger == nil {
		logger = slog.Default()
	}
	return &MMIO{
		dev:    dev,
		mem:    mem,
		line:   line,
		log:    logger.With("device", dev.Type().String()),
		queues: make([]queueRegs, len(dev.QueueMaxSizes())),
	}
}

func (m *MMIO) Device() Device { return m.dev }

// OnFailure sets the function told when the device stops servicing its
// queues on an error. It applies from the next activation.
func (m *MMIO) OnFailure(fn func(error)) {
	m.mu.Lock()
	m.fail = fn
	m.mu.Unlock()
}

func (m *MMIO) deviceFeatures() uint64 {
	return m.dev.Features() | transportFeatureMask
}

// Read implements bus.Device.
func (m *MMIO) Read(vcpu uint64, offset uint64, data []byte) {
	if offset >= regConfig {
		m.dev.ReadConfig(offset-regConfig, data)
		return
	}
	clear(data)
	if len(data) != 4 || offset%4 != 0 {
		m.log.Warn("virtio: unaligned register read", "vcpu", vcpu, "offset", offset, "size", len(data))
		return
	}
	binary.LittleEndian.PutUint32(data, m.readRegister(offset))
}

func (m *MMIO) readRegister(offset uint64) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch offset {
	case regMagicValue:
		return mmioMagic
	case regVersion:
		return mmioVersion
	case regDeviceID:
		return uint32(m.dev.Type())
	case regVendorID:
		return mmioVendorID
	case regDeviceFeatures:
		switch m.deviceFeatureSel {
		case 0:
			return uint32(m.deviceFeatures())
		case 1:
			return uint32(m.deviceFeatures() >> 32)
		}
		return 0
	case regQueueNumMax:
		if q := m.selected(); q != nil {
			return uint32(m.dev.QueueMaxSizes()[m.queueSel])
		}
		return 0
	case regQueueReady:
		if q := m.selected(); q != nil && q.ready {
			return 1
		}
		return 0
	case regInterruptStatus:
		return m.interruptStatus.Load()
	case regStatus:
		return m.status
	case regConfigGeneration:
		return m.configGeneration.Load()
	default:
		return 0
	}
}

// Write implements bus.Device.
func (m *MMIO) Write(vcpu uint64, offset uint64, data []byte) {
	if offset >= regConfig {
		m.dev.WriteConfig(offset-regConfig, data)
		return
	}
	if len(data) != 4 || offset%4 != 0 {
		m.log.Warn("virtio: unaligned register write", "vcpu", vcpu, "offset", offset, "size", len(data))
		return
	}
	value := binary.LittleEndian.Uint32(data)

	// Notifications and interrupt acks are the hot path and do not touch
	// the register state.
	switch offset {
	case regQueueNotify:
		if int(value) < len(m.queues) {
			m.dev.Notify(int(value))
		}
		return
	case regInterruptAck:
		m.interruptStatus.And(^value)
		m.updateLine()
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeRegister(vcpu, offset, value)
}

func setLow(v uint64, low uint32) uint64 {
	return v&^0xffffffff | uint64(low)
}

func setHigh(v uint64, high uint32) uint64 {
	return v&0xffffffff | uint64(high)<<32
}

func (m *MMIO) selected() *queueRegs {
	if int(m.queueSel) >= len(m.queues) {
		return nil
	}
	return &m.queues[m.queueSel]
}

func (m *MMIO) writeRegister(vcpu uint64, offset uint64, value uint32) {
	// Queue layout may only change before the driver sets DRIVER_OK.
	q := m.selected()
	if m.status&statusDriverOK != 0 && offset >= regQueueNum && offset <= regQueueUsedHigh && offset != regQueueReady {
		m.log.Warn("virtio: queue register written after DRIVER_OK", "vcpu", vcpu, "offset", offset)
		return
	}

	switch offset {
	case regDeviceFeaturesSel:
		m.deviceFeatureSel = value
	case regDriverFeaturesSel:
		m.driverFeatureSel = value
	case regDriverFeatures:
		switch m.driverFeatureSel {
		case 0:
			m.driverFeatures = setLow(m.driverFeatures, value)
		case 1:
			m.driverFeatures = setHigh(m.driverFeatures, value)
		}
	case regQueueSel:
		m.queueSel = value
	case regQueueNum:
		if q != nil {
			if value == 0 || value > uint32(m.dev.QueueMaxSizes()[m.queueSel]) {
				m.log.Warn("virtio: invalid queue size", "queue", m.queueSel, "size", value)
				return
			}
			q.num = uint16(value)
		}
	case regQueueReady:
		if q != nil {
			q.ready = value&1 == 1
		}
	case regQueueDescLow:
		if q != nil {
			q.desc = setLow(q.desc, value)
		}
	case regQueueDescHigh:
		if q != nil {
			q.desc = setHigh(q.desc, value)
		}
	case regQueueAvailLow:
		if q != nil {
			q.avail = setLow(q.avail, value)
		}
	case regQueueAvailHigh:
		if q != nil {
			q.avail = setHigh(q.avail, value)
		}
	case regQueueUsedLow:
		if q != nil {
			q.used = setLow(q.used, value)
		}
	case regQueueUsedHigh:
		if q != nil {
			q.used = setHigh(q.used, value)
		}
	case regStatus:
		m.writeStatus(value)
	default:
		m.log.Debug("virtio: write to unknown register", "vcpu", vcpu, "offset", offset, "value", value)
	}
}

func (m *MMIO) writeStatus(value uint32) {
	if value == 0 {
		m.resetLocked()
		return
	}
	if value&statusFeaturesOK != 0 && m.status&statusFeaturesOK == 0 {
		if extra := m.driverFeatures &^ m.deviceFeatures(); extra != 0 {
			m.log.Warn("virtio: driver accepted features the device does not offer", "features", fmt.Sprintf("%#x", extra))
			value &^= statusFeaturesOK
		}
	}
	m.status = value
	if value&statusDriverOK != 0 && !m.active {
		if err := m.activateLocked(); err != nil {
			m.log.Error("virtio: activation failed", "error", err)
			m.status |= statusNeedsReset
			m.raise(IntConfig)
		}
	}
}

func (m *MMIO) activateLocked() error {
	eventIdx := m.driverFeatures&FeatureRingEventIdx != 0
	queues := make([]*Queue, len(m.queues))
	for i, r := range m.queues {
		if !r.ready {
			continue
		}
		q, err := NewQueue(m.mem, QueueConfig{
			Size:      r.num,
			DescAddr:  r.desc,
			AvailAddr: r.avail,
			UsedAddr:  r.used,
			EventIdx:  eventIdx,
		}, m.log.With("queue", i))
		if err != nil {
			return fmt.Errorf("queue %d: %w", i, err)
		}
		queues[i] = q
	}
	if err := m.dev.Activate(Activation{
		Mem:      m.mem,
		Features: m.driverFeatures,
		Queues:   queues,
		IRQ:      (*mmioSignaller)(m),
		Fail:     m.fail,
	}); err != nil {
		return err
	}
	m.active = true
	return nil
}

func (m *MMIO) resetLocked() {
	if m.active {
		m.dev.Reset()
		m.active = false
	}
	m.deviceFeatureSel = 0
	m.driverFeatureSel = 0
	m.driverFeatures = 0
	m.queueSel = 0
	m.status = 0
	clear(m.queues)
	m.interruptStatus.Store(0)
	m.updateLine()
}

// Interrupt implements bus.Device. It sets mask in the interrupt status
// register and raises the line.
func (m *MMIO) Interrupt(mask uint32) error {
	return m.raise(mask)
}

func (m *MMIO) raise(mask uint32) error {
	m.interruptStatus.Or(mask)
	return m.updateLine()
}

func (m *MMIO) updateLine() error {
	m.lineMu.Lock()
	defer m.lineMu.Unlock()
	level := m.interruptStatus.Load() != 0
	if m.irqHigh == level {
		return nil
	}
	m.irqHigh = level
	if err := m.line.Set(level); err != nil {
		m.log.Error("virtio: set irq failed", "level", level, "error", err)
		return err
	}
	return nil
}

// ConfigChanged bumps the configuration generation and notifies the driver.
// Device workers call it without holding the register lock.
func (m *MMIO) ConfigChanged() error {
	m.configGeneration.Add(1)
	return m.raise(IntConfig)
}

type mmioSignaller MMIO

func (s *mmioSignaller) SignalUsed() error   { return (*MMIO)(s).raise(IntUsedRing) }
func (s *mmioSignaller) SignalConfig() error { return (*MMIO)(s).ConfigChanged() }
