// Package vmm assembles a virtual machine from its configuration: guest
// RAM, the address bus, virtio-mmio devices on shared interrupt lines, the
// memory reclaimer and one exit loop per powered-on vCPU.
package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/ccvmm/internal/blockdev"
	"github.com/tinyrange/ccvmm/internal/bus"
	"github.com/tinyrange/ccvmm/internal/config"
	"github.com/tinyrange/ccvmm/internal/devices/pl011"
	"github.com/tinyrange/ccvmm/internal/devices/pl031"
	"github.com/tinyrange/ccvmm/internal/devices/virtio"
	"github.com/tinyrange/ccvmm/internal/hv"
	"github.com/tinyrange/ccvmm/internal/irq"
	"github.com/tinyrange/ccvmm/internal/linux/boot/arm64"
	"github.com/tinyrange/ccvmm/internal/netbackend"
	"github.com/tinyrange/ccvmm/internal/pvlock"
	"github.com/tinyrange/ccvmm/internal/reclaim"
	"github.com/tinyrange/ccvmm/internal/signal"
	"github.com/tinyrange/ccvmm/internal/vcpu"
)

// Guest physical layout below RAM. The GIC frames are fixed by hv.
const (
	UARTBase = 0x0900_0000
	RTCBase  = 0x0901_0000

	VirtioMMIOBase   = 0x0a00_0000
	VirtioMMIOStride = 0x200

	// Shared interrupt lines handed to devices, as SPI offsets.
	FirstDeviceSPI = 16
	LastDeviceSPI  = 63
)

var ErrClosed = errors.New("vmm: machine closed")

// errAllVCPUsOff ends Run once the last powered-on vCPU turned itself off.
var errAllVCPUsOff = errors.New("vmm: every vcpu is off")

// Options carries what the configuration file cannot: the loaded kernel and
// the host side of the console.
type Options struct {
	Kernel *arm64.Kernel
	Initrd []byte

	ConsoleOut io.Writer
	ConsoleIn  io.Reader

	Logger *slog.Logger
}

type powerState uint8

const (
	powerOff powerState = iota
	powerPending
	powerOn
)

type attachment struct {
	name string
	dev  virtio.Device
	mmio *virtio.MMIO
	base uint64
	line *irq.Line
}

// Machine is one assembled virtual machine. Run may be called once.
type Machine struct {
	cfg *config.Config
	vm  hv.VM
	log *slog.Logger

	bus       *bus.Bus
	irqs      *irq.Controller
	locks     *pvlock.Coordinator
	reclaimer *reclaim.Reclaimer
	plan      *arm64.Plan

	devices []*attachment
	uart    *pl011.UART
	rtc     *pl031.RTC
	console *virtio.Console
	balloon *virtio.Balloon
	net     *virtio.Net
	closers []io.Closer
	// fatal carries the first device or reclaimer failure into Run.
	fatal chan error

	mu     sync.Mutex
	power  map[uint64]powerState
	loops  map[uint64]*vcpu.Loop
	group  *errgroup.Group
	ran    bool
	closed bool
}

// New creates the VM on h, builds every configured device and loads the
// kernel. On error everything created so far is released.
func New(h hv.Hypervisor, cfg *config.Config, opts Options) (m *Machine, err error) {
	if opts.Kernel == nil {
		return nil, errors.New("vmm: a kernel is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	vm, err := h.NewVM(hv.VMConfig{
		MemoryBase:       cfg.MemoryBase,
		MemorySize:       uint64(cfg.Memory),
		CPUs:             cfg.CPUs,
		InterruptSupport: true,
	})
	if err != nil {
		return nil, fmt.Errorf("vmm: create vm: %w", err)
	}

	m = &Machine{
		cfg:   cfg,
		vm:    vm,
		log:   logger,
		bus:   bus.New(),
		irqs:  irq.NewController(vm, FirstDeviceSPI, LastDeviceSPI),
		locks: pvlock.New(pvlock.Options{Timeout: cfg.PVLockTimeout, Logger: logger}),
		power: make(map[uint64]powerState),
		loops: make(map[uint64]*vcpu.Loop),
		fatal: make(chan error, 1),
	}
	defer func() {
		if err != nil {
			if cerr := m.Close(); cerr != nil {
				logger.Error("vmm: cleanup after failed start", "error", cerr)
			}
			m = nil
		}
	}()

	if err := m.buildDevices(opts); err != nil {
		return nil, err
	}

	bootOpts := arm64.Options{
		Cmdline: cfg.Cmdline,
		Initrd:  opts.Initrd,
		CPUs:    cfg.CPUs,
	}
	for _, a := range m.devices {
		bootOpts.Devices = append(bootOpts.Devices, arm64.VirtioMMIO{Base: a.base, Size: VirtioMMIOStride, SPI: a.line.Number()})
	}
	if bootOpts.UART, bootOpts.RTC, err = m.buildPlatform(opts); err != nil {
		return nil, err
	}
	m.plan, err = opts.Kernel.Prepare(vm.Memory(), bootOpts)
	if err != nil {
		return nil, fmt.Errorf("vmm: load kernel: %w", err)
	}
	logger.Info("vmm: machine ready",
		"cpus", cfg.CPUs,
		"memory", cfg.Memory.String(),
		"devices", len(m.devices),
		"entry", fmt.Sprintf("%#x", m.plan.Entry))
	return m, nil
}

func (m *Machine) buildDevices(opts Options) error {
	cfg := m.cfg
	if cfg.Console == config.ConsoleStdio {
		out := opts.ConsoleOut
		if out == nil {
			out = io.Discard
		}
		m.console = virtio.NewConsole(out, opts.ConsoleIn, m.log)
		if err := m.attach("console", m.console); err != nil {
			return err
		}
	}

	for _, d := range cfg.Disks {
		f, err := blockdev.Open(d.Path, d.ReadOnly)
		if err != nil {
			return fmt.Errorf("vmm: disk %s: %w", d.ID, err)
		}
		m.closers = append(m.closers, f)
		blk := virtio.NewBlk(f, virtio.BlkOptions{ID: d.ID, ReadOnly: d.ReadOnly, Logger: m.log})
		if err := m.attach("blk-"+d.ID, blk); err != nil {
			return err
		}
	}

	if err := m.buildNet(); err != nil {
		return err
	}

	if cfg.Balloon.Enabled {
		opts := reclaim.Options{
			PageSize:           uint64(cfg.Balloon.PageSize),
			CorrectionInterval: cfg.Balloon.CorrectionInterval,
			Fail:               m.fail,
			Logger:             m.log,
		}
		if r, ok := m.vm.(reclaim.Remapper); ok {
			opts.Remapper = r
		}
		r, err := reclaim.New(m.vm.Memory(), m.vm, opts)
		if err != nil {
			return fmt.Errorf("vmm: reclaimer: %w", err)
		}
		m.reclaimer = r
		m.balloon = virtio.NewBalloon(r, virtio.BalloonOptions{
			DeflateOnOOM: cfg.Balloon.DeflateOnOOM,
			Reporting:    cfg.Balloon.Reporting,
			Logger:       m.log,
		})
		if err := m.attach("balloon", m.balloon); err != nil {
			return err
		}
	}
	return nil
}

// buildPlatform maps the PL031 RTC and, when configured, the PL011 UART.
// Their lines come after the virtio devices'.
func (m *Machine) buildPlatform(opts Options) (uart, rtc *arm64.PrimeCell, err error) {
	line, err := m.irqs.Allocate("rtc")
	if err != nil {
		return nil, nil, fmt.Errorf("vmm: rtc: %w", err)
	}
	m.rtc = pl031.New(line, m.log)
	m.closers = append(m.closers, m.rtc)
	if err := m.bus.Insert(m.rtc, RTCBase, pl031.Size); err != nil {
		return nil, nil, fmt.Errorf("vmm: map rtc: %w", err)
	}
	rtc = &arm64.PrimeCell{Base: RTCBase, Size: pl031.Size, SPI: line.Number()}

	if !m.cfg.Serial {
		return nil, rtc, nil
	}
	line, err = m.irqs.Allocate("uart")
	if err != nil {
		return nil, nil, fmt.Errorf("vmm: uart: %w", err)
	}
	m.uart = pl011.New(opts.ConsoleOut, line, m.log)
	if err := m.bus.Insert(m.uart, UARTBase, pl011.Size); err != nil {
		return nil, nil, fmt.Errorf("vmm: map uart: %w", err)
	}
	uart = &arm64.PrimeCell{Base: UARTBase, Size: pl011.Size, SPI: line.Number()}
	return uart, rtc, nil
}

func (m *Machine) buildNet() error {
	n := m.cfg.Network
	var backend netbackend.Backend
	switch n.Backend {
	case config.NetworkNone:
		return nil
	case config.NetworkUnixgram:
		u, err := netbackend.DialUnixgram(n.Local, n.Socket)
		if err != nil {
			return fmt.Errorf("vmm: network: %w", err)
		}
		backend = u
	case config.NetworkGvisor:
		subnet, err := netip.ParsePrefix(n.Subnet)
		if err != nil {
			return fmt.Errorf("vmm: network subnet: %w", err)
		}
		g, err := netbackend.NewGvisor(netbackend.GvisorOptions{
			Subnet:     subnet,
			Hosts:      n.HostsMap(),
			ForwardDNS: n.ForwardDNS,
			Logger:     m.log,
		})
		if err != nil {
			return fmt.Errorf("vmm: network: %w", err)
		}
		backend = g
	default:
		return fmt.Errorf("vmm: unknown network backend %q", n.Backend)
	}
	if n.Capture != "" {
		c, err := netbackend.NewCapture(backend, n.Capture)
		if err != nil {
			backend.Close()
			return err
		}
		backend = c
	}
	m.closers = append(m.closers, backend)

	mac, err := net.ParseMAC(n.MAC)
	if err != nil {
		return fmt.Errorf("vmm: network mac: %w", err)
	}
	dev, err := virtio.NewNet(backend, virtio.NetOptions{MAC: mac, MTU: n.MTU, Logger: m.log})
	if err != nil {
		return err
	}
	m.net = dev
	return m.attach("net", dev)
}

// attach gives dev the next virtio-mmio window and interrupt line.
func (m *Machine) attach(name string, dev virtio.Device) error {
	line, err := m.irqs.Allocate(name)
	if err != nil {
		return fmt.Errorf("vmm: %s: %w", name, err)
	}
	base := uint64(VirtioMMIOBase + len(m.devices)*VirtioMMIOStride)
	mmio := virtio.NewMMIO(dev, m.vm.Memory(), line, m.log.With("mmio", fmt.Sprintf("%#x", base)))
	if err := m.bus.Insert(mmio, base, VirtioMMIOStride); err != nil {
		return fmt.Errorf("vmm: map %s: %w", name, err)
	}
	mmio.OnFailure(func(err error) { m.fail(fmt.Errorf("vmm: %s: %w", name, err)) })
	m.devices = append(m.devices, &attachment{name: name, dev: dev, mmio: mmio, base: base, line: line})
	m.log.Debug("vmm: attached device", "name", name, "type", dev.Type().String(), "base", fmt.Sprintf("%#x", base), "spi", line.Number())
	return nil
}

// fail stops the machine with err. Only the first failure is kept.
func (m *Machine) fail(err error) {
	select {
	case m.fatal <- err:
	default:
		m.log.Error("vmm: further failure while stopping", "error", err)
	}
}

// Console returns the virtio console, or nil when it is disabled.
func (m *Machine) Console() *virtio.Console { return m.console }

// Balloon returns the memory balloon, or nil when it is disabled.
func (m *Machine) Balloon() *virtio.Balloon { return m.balloon }

// Bus exposes the address bus for debugging tools.
func (m *Machine) Bus() *bus.Bus { return m.bus }

// Run boots vCPU 0 and returns once the guest powers off (nil), asks for a
// reboot (hv.ErrGuestRequestedReboot), fails, or ctx is done.
func (m *Machine) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.ran {
		m.mu.Unlock()
		return errors.New("vmm: machine already ran")
	}
	m.ran = true
	group, gctx := errgroup.WithContext(ctx)
	m.group = group
	m.power[0] = powerPending
	m.mu.Unlock()

	group.Go(func() error {
		select {
		case err := <-m.fatal:
			return err
		case <-gctx.Done():
			return nil
		}
	})
	if m.net != nil {
		group.Go(func() error {
			return signal.Multiplex(gctx, []signal.Handler{m.net})
		})
	}
	m.startVCPU(gctx, 0, m.plan.ConfigureBoot)

	err := group.Wait()
	switch {
	case errors.Is(err, hv.ErrVMHalted):
		m.log.Info("vmm: guest powered off")
		return nil
	case errors.Is(err, hv.ErrGuestRequestedReboot):
		m.log.Info("vmm: guest requested reboot")
		return err
	case errors.Is(err, errAllVCPUsOff):
		m.log.Info("vmm: every vcpu turned itself off")
		return nil
	case err == nil:
		return nil
	default:
		return err
	}
}

// startVCPU runs vCPU id on its own locked OS thread. setup programs the
// registers it starts from.
func (m *Machine) startVCPU(ctx context.Context, id uint64, setup func(hv.VCPU) error) {
	m.group.Go(func() error {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		defer m.setPower(id, powerOff)

		cpu, err := m.vm.NewVCPU(id)
		if err != nil {
			return fmt.Errorf("vmm: create vcpu %d: %w", id, err)
		}
		defer func() {
			if err := cpu.Close(); err != nil {
				m.log.Error("vmm: close vcpu", "vcpu", id, "error", err)
			}
		}()
		if err := setup(cpu); err != nil {
			return err
		}

		lc := vcpu.Config{
			VCPU:         cpu,
			Bus:          m.bus,
			Exiter:       m.vm,
			Locks:        m.locks,
			OnCPUOn:      func(req vcpu.CPUOnRequest) int64 { return m.cpuOn(ctx, req) },
			AffinityInfo: m.affinityInfo,
			Logger:       m.log,
		}
		if m.reclaimer != nil {
			lc.RAM = m.reclaimer
		}
		loop, err := vcpu.New(lc)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.loops[id] = loop
		m.power[id] = powerOn
		m.mu.Unlock()
		m.irqs.AttachVCPU(id, loop)
		defer func() {
			m.irqs.DetachVCPU(id)
			m.mu.Lock()
			delete(m.loops, id)
			m.mu.Unlock()
		}()

		if err := loop.Run(ctx); err != nil {
			return err
		}
		return m.cpuOff(id)
	})
}

// cpuOff records that vCPU id left through CPU_OFF and reports
// errAllVCPUsOff when no other vCPU is on or starting.
func (m *Machine) cpuOff(id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.power[id] = powerOff
	for _, s := range m.power {
		if s != powerOff {
			return nil
		}
	}
	return errAllVCPUsOff
}

func (m *Machine) setPower(id uint64, s powerState) {
	m.mu.Lock()
	m.power[id] = s
	m.mu.Unlock()
}

// vcpuIndex maps an MPIDR to a vCPU id; vCPUs use Aff0 and Aff1 only.
func (m *Machine) vcpuIndex(mpidr uint64) (uint64, bool) {
	id := mpidr&0xff | (mpidr>>8&0xff)<<8
	if mpidr&^0xffff != 0 || id >= uint64(m.cfg.CPUs) {
		return 0, false
	}
	return id, true
}

func (m *Machine) cpuOn(ctx context.Context, req vcpu.CPUOnRequest) int64 {
	id, ok := m.vcpuIndex(req.TargetMPIDR)
	if !ok {
		return vcpu.PSCIInvalidParams
	}
	m.mu.Lock()
	switch m.power[id] {
	case powerOn:
		m.mu.Unlock()
		return vcpu.PSCIAlreadyOn
	case powerPending:
		m.mu.Unlock()
		return vcpu.PSCIOnPending
	}
	m.power[id] = powerPending
	m.mu.Unlock()

	m.log.Debug("vmm: cpu on", "vcpu", id, "entry", fmt.Sprintf("%#x", req.Entry))
	m.startVCPU(ctx, id, func(cpu hv.VCPU) error {
		return arm64.ConfigureSecondary(cpu, req.Entry, req.Context)
	})
	return vcpu.PSCISuccess
}

func (m *Machine) affinityInfo(mpidr uint64) int64 {
	id, ok := m.vcpuIndex(mpidr)
	if !ok {
		return vcpu.PSCIInvalidParams
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.power[id] {
	case powerOn:
		return vcpu.PSCIAffinityOn
	case powerPending:
		return vcpu.PSCIAffinityOnPending
	default:
		return vcpu.PSCIAffinityOff
	}
}

// Close stops every device, releases the backends and destroys the VM.
// It must not be called while Run is still running.
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	var result *multierror.Error
	for _, a := range m.devices {
		a.dev.Reset()
	}
	if m.reclaimer != nil {
		if err := m.reclaimer.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := m.locks.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	m.bus.Close()
	if err := m.vm.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("vmm: close vm: %w", err))
	}
	return result.ErrorOrNil()
}
