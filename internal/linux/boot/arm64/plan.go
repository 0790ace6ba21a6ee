package arm64

import (
	"errors"
	"fmt"

	"github.com/tinyrange/ccvmm/internal/fdt"
	"github.com/tinyrange/ccvmm/internal/hv"
)

const (
	initrdAlignment = 0x1000
	// The device tree lives in its own 2MiB block at the top of RAM; the
	// kernel maps it with a single block descriptor.
	dtbRegion  = 2 << 20
	dtbMaxSize = dtbRegion

	gicPhandle   = 1
	clockPhandle = 2

	// PrimeCell peripherals are clocked from a fixed 24MHz APB clock.
	apbClockHz = 24_000_000

	// GIC interrupt specifier cells.
	irqTypeSPI     = 0
	irqTypePPI     = 1
	irqLevelHigh   = 4
	ppiVTimer      = 11
	ppiHypTimer    = 10
	ppiSecureTimer = 13
	ppiPhysTimer   = 14

	// EL1h with D, A, I and F masked.
	bootPSTATE = 0x3c5
)

// VirtioMMIO is a virtio-mmio window and the SPI offset of its interrupt.
type VirtioMMIO struct {
	Base uint64
	Size uint64
	SPI  uint32
}

// PrimeCell is the window and SPI offset of an AMBA peripheral.
type PrimeCell struct {
	Base uint64
	Size uint64
	SPI  uint32
}

// Options describes the machine the kernel is booted on.
type Options struct {
	Cmdline string
	Initrd  []byte
	CPUs    int
	Devices []VirtioMMIO

	// UART and RTC are optional. A UART becomes the stdout-path.
	UART *PrimeCell
	RTC  *PrimeCell
}

// Plan is where Prepare put everything.
type Plan struct {
	Entry       uint64
	DeviceTree  uint64
	InitrdStart uint64
	InitrdEnd   uint64
}

// Prepare copies the kernel, the initrd and a device tree describing opts
// into mem.
func (k *Kernel) Prepare(mem *hv.GuestMemory, opts Options) (*Plan, error) {
	if k == nil || len(k.Image) == 0 {
		return nil, errors.New("arm64: kernel image is empty")
	}
	if opts.CPUs <= 0 {
		opts.CPUs = 1
	}
	memEnd := mem.Base + mem.Size()

	base := alignUp(mem.Base, imageAlignment)
	entry, err := k.Header.EntryPoint(base)
	if err != nil {
		return nil, err
	}
	kernelEnd := entry + k.Footprint()

	dtbAddr := alignDown(memEnd, dtbRegion)
	if dtbAddr == memEnd {
		dtbAddr -= dtbRegion
	}
	if kernelEnd > dtbAddr {
		return nil, fmt.Errorf("arm64: kernel [%#x, %#x) does not fit in RAM [%#x, %#x)", entry, kernelEnd, mem.Base, memEnd)
	}
	if err := write(mem, entry, k.Image); err != nil {
		return nil, fmt.Errorf("arm64: write kernel: %w", err)
	}

	plan := &Plan{Entry: entry, DeviceTree: dtbAddr}
	if len(opts.Initrd) > 0 {
		plan.InitrdStart = alignUp(kernelEnd, initrdAlignment)
		plan.InitrdEnd = plan.InitrdStart + uint64(len(opts.Initrd))
		if plan.InitrdEnd > dtbAddr {
			return nil, fmt.Errorf("arm64: initrd [%#x, %#x) overlaps the device tree at %#x", plan.InitrdStart, plan.InitrdEnd, dtbAddr)
		}
		if err := write(mem, plan.InitrdStart, opts.Initrd); err != nil {
			return nil, fmt.Errorf("arm64: write initrd: %w", err)
		}
	}

	blob := fdt.Build(DeviceTree(mem.Base, mem.Size(), opts, plan))
	if len(blob) > dtbMaxSize {
		return nil, fmt.Errorf("arm64: device tree is %d bytes", len(blob))
	}
	if err := write(mem, dtbAddr, blob); err != nil {
		return nil, fmt.Errorf("arm64: write device tree: %w", err)
	}
	return plan, nil
}

// DeviceTree describes RAM, the vCPUs, the PSCI conduit, the architected
// timer, the GICv3, every virtio-mmio window and the optional PrimeCell
// peripherals.
func DeviceTree(memBase, memSize uint64, opts Options, plan *Plan) *fdt.Node {
	root := &fdt.Node{}
	root.Add(
		fdt.U32("#address-cells", 2),
		fdt.U32("#size-cells", 2),
		fdt.String("compatible", "tinyrange,ccvmm"),
		fdt.String("model", "ccvmm"),
		fdt.U32("interrupt-parent", gicPhandle),
	)

	cpus := root.Child("cpus", fdt.U32("#address-cells", 2), fdt.U32("#size-cells", 0))
	for i := 0; i < opts.CPUs; i++ {
		cpus.Child(fmt.Sprintf("cpu@%d", i),
			fdt.String("device_type", "cpu"),
			fdt.String("compatible", "arm,arm-v8"),
			fdt.U64("reg", uint64(i)),
			fdt.String("enable-method", "psci"),
		)
	}

	root.Child(fmt.Sprintf("memory@%x", memBase),
		fdt.String("device_type", "memory"),
		fdt.U64("reg", memBase, memSize),
	)

	root.Child("psci",
		fdt.String("compatible", "arm,psci-1.0", "arm,psci-0.2", "arm,psci"),
		fdt.String("method", "hvc"),
	)

	root.Child("timer",
		fdt.String("compatible", "arm,armv8-timer"),
		fdt.U32("interrupts",
			irqTypePPI, ppiSecureTimer, irqLevelHigh,
			irqTypePPI, ppiPhysTimer, irqLevelHigh,
			irqTypePPI, ppiVTimer, irqLevelHigh,
			irqTypePPI, ppiHypTimer, irqLevelHigh,
		),
		fdt.Flag("always-on"),
	)

	root.Child(fmt.Sprintf("intc@%x", hv.GICDistributorBase),
		fdt.String("compatible", "arm,gic-v3"),
		fdt.U32("#interrupt-cells", 3),
		fdt.U32("#address-cells", 2),
		fdt.U32("#size-cells", 2),
		fdt.Flag("interrupt-controller"),
		fdt.U64("reg",
			hv.GICDistributorBase, hv.GICDistributorSize,
			hv.GICRedistributorBase, hv.GICRedistributorStride*uint64(opts.CPUs),
		),
		fdt.U32("interrupts", irqTypePPI, hv.GICMaintenanceInterrupt, irqLevelHigh),
		fdt.U32("phandle", gicPhandle),
	)

	for _, d := range opts.Devices {
		root.Child(fmt.Sprintf("virtio_mmio@%x", d.Base),
			fdt.String("compatible", "virtio,mmio"),
			fdt.U64("reg", d.Base, d.Size),
			fdt.U32("interrupts", irqTypeSPI, d.SPI, irqLevelHigh),
			fdt.Flag("dma-coherent"),
		)
	}

	if opts.UART != nil || opts.RTC != nil {
		root.Child("apb-pclk",
			fdt.String("compatible", "fixed-clock"),
			fdt.U32("#clock-cells", 0),
			fdt.U32("clock-frequency", apbClockHz),
			fdt.String("clock-output-names", "clk24mhz"),
			fdt.U32("phandle", clockPhandle),
		)
	}
	var uartPath string
	if u := opts.UART; u != nil {
		uartPath = fmt.Sprintf("/pl011@%x", u.Base)
		root.Child(uartPath[1:],
			fdt.String("compatible", "arm,pl011", "arm,primecell"),
			fdt.U64("reg", u.Base, u.Size),
			fdt.U32("interrupts", irqTypeSPI, u.SPI, irqLevelHigh),
			fdt.U32("clocks", clockPhandle, clockPhandle),
			fdt.String("clock-names", "uartclk", "apb_pclk"),
		)
	}
	if r := opts.RTC; r != nil {
		root.Child(fmt.Sprintf("pl031@%x", r.Base),
			fdt.String("compatible", "arm,pl031", "arm,primecell"),
			fdt.U64("reg", r.Base, r.Size),
			fdt.U32("interrupts", irqTypeSPI, r.SPI, irqLevelHigh),
			fdt.U32("clocks", clockPhandle),
			fdt.String("clock-names", "apb_pclk"),
		)
	}

	chosen := root.Child("chosen")
	if uartPath != "" {
		chosen.Add(fdt.String("stdout-path", uartPath))
	}
	if opts.Cmdline != "" {
		chosen.Add(fdt.String("bootargs", opts.Cmdline))
	}
	if plan != nil && plan.InitrdEnd > plan.InitrdStart {
		chosen.Add(
			fdt.U64("linux,initrd-start", plan.InitrdStart),
			fdt.U64("linux,initrd-end", plan.InitrdEnd),
		)
	}
	return root
}

// ConfigureBoot sets up the boot vCPU per the arm64 boot protocol: x0 holds
// the device tree address and x1-x3 are zero.
func (p *Plan) ConfigureBoot(cpu hv.VCPU) error {
	return enter(cpu, p.Entry, p.DeviceTree)
}

// ConfigureSecondary starts a vCPU brought up with PSCI CPU_ON at entry
// with context in x0.
func ConfigureSecondary(cpu hv.VCPU, entry, context uint64) error {
	return enter(cpu, entry, context)
}

func enter(cpu hv.VCPU, pc, x0 uint64) error {
	regs := []struct {
		reg hv.Register
		val uint64
	}{
		{hv.RegisterPC, pc},
		{hv.RegisterX0, x0},
		{hv.RegisterX1, 0},
		{hv.RegisterX2, 0},
		{hv.RegisterX3, 0},
		{hv.RegisterCPSR, bootPSTATE},
	}
	for _, r := range regs {
		if err := cpu.SetReg(r.reg, r.val); err != nil {
			return fmt.Errorf("arm64: vcpu %d: set %s: %w", cpu.ID(), r.reg, err)
		}
	}
	return nil
}

func write(mem *hv.GuestMemory, gpa uint64, data []byte) error {
	dst, err := mem.Slice(gpa, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

func alignUp(v, align uint64) uint64 { return (v + align - 1) &^ (align - 1) }

func alignDown(v, align uint64) uint64 { return v &^ (align - 1) }
