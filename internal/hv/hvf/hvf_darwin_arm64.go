//go:build darwin && arm64

// Package hvf implements the hv interfaces on Apple's Hypervisor.framework.
package hvf

import (
	"fmt"
	"log/slog"
	"math"
	"math/bits"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/ccvmm/internal/hv"
	"github.com/tinyrange/ccvmm/internal/hv/hvf/bindings"
)

// Hypervisor.framework allows one VM per process.
var slot hv.Slot

const (
	gicDistributorBase   = bindings.IPA(hv.GICDistributorBase)
	gicRedistributorBase = bindings.IPA(hv.GICRedistributorBase)
	armSPIBase           = hv.GICSPIBase

	memoryRWX = bindings.HV_MEMORY_READ | bindings.HV_MEMORY_WRITE | bindings.HV_MEMORY_EXEC
)

type hypervisor struct{}

// Open loads Hypervisor.framework.
func Open() (hv.Hypervisor, error) {
	if err := bindings.Load(); err != nil {
		return nil, fmt.Errorf("hvf: failed to load Hypervisor.framework: %w", err)
	}
	return &hypervisor{}, nil
}

// NewVM implements [hv.Hypervisor].
func (h *hypervisor) NewVM(cfg hv.VMConfig) (hv.VM, error) {
	return slot.Create(func() (hv.VM, error) { return newVirtualMachine(cfg) })
}

// Close implements [hv.Hypervisor].
func (h *hypervisor) Close() error {
	if vm := slot.Current(); vm != nil {
		return vm.Close()
	}
	return nil
}

type virtualMachine struct {
	mem *hv.GuestMemory

	mu     sync.Mutex
	vcpus  map[uint64]bindings.VCPU
	closed bool
}

func newVirtualMachine(cfg hv.VMConfig) (*virtualMachine, error) {
	if cfg.MemorySize == 0 {
		return nil, fmt.Errorf("hvf: memory size must be non-zero")
	}
	if err := bindings.HvVmCreate(0).Err(); err != nil {
		return nil, fmt.Errorf("hvf: failed to create VM: %w", err)
	}

	mem, err := unix.Mmap(-1, 0, int(cfg.MemorySize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANONYMOUS|unix.MAP_PRIVATE)
	if err != nil {
		bindings.HvVmDestroy()
		return nil, fmt.Errorf("hvf: failed to allocate guest memory: %w", err)
	}

	vm := &virtualMachine{
		mem:   &hv.GuestMemory{Base: cfg.MemoryBase, Data: mem},
		vcpus: make(map[uint64]bindings.VCPU),
	}
	if err := vm.MapMemory(mem, cfg.MemoryBase); err != nil {
		unix.Munmap(mem)
		bindings.HvVmDestroy()
		return nil, err
	}

	if cfg.InterruptSupport {
		gic := bindings.HvGicConfigCreate()
		if err := bindings.HvGicConfigSetDistributorBase(gic, gicDistributorBase).Err(); err != nil {
			vm.Close()
			return nil, fmt.Errorf("hvf: failed to set GIC distributor base: %w", err)
		}
		if err := bindings.HvGicConfigSetRedistributorBase(gic, gicRedistributorBase).Err(); err != nil {
			vm.Close()
			return nil, fmt.Errorf("hvf: failed to set GIC redistributor base: %w", err)
		}
		if err := bindings.HvGicCreate(gic).Err(); err != nil {
			vm.Close()
			return nil, fmt.Errorf("hvf: failed to create GICv3: %w", err)
		}
	}

	return vm, nil
}

// Memory implements [hv.VM].
func (v *virtualMachine) Memory() *hv.GuestMemory { return v.mem }

// MapMemory implements [hv.VM].
func (v *virtualMachine) MapMemory(host []byte, gpa uint64) error {
	if len(host) == 0 {
		return fmt.Errorf("hvf: map of empty range at 0x%x", gpa)
	}
	if err := bindings.HvVmMap(unsafe.Pointer(&host[0]), bindings.IPA(gpa), uintptr(len(host)), memoryRWX).Err(); err != nil {
		return fmt.Errorf("hvf: failed to map memory at 0x%x,0x%x: %w", gpa, len(host), err)
	}
	return nil
}

// UnmapMemory implements [hv.VM].
func (v *virtualMachine) UnmapMemory(gpa, size uint64) error {
	if err := bindings.HvVmUnmap(bindings.IPA(gpa), uintptr(size)).Err(); err != nil {
		return fmt.Errorf("hvf: failed to unmap memory at 0x%x,0x%x: %w", gpa, size, err)
	}
	return nil
}

// RemapInPlace re-establishes the host mapping of guest RAM over itself.
// The stage-2 mapping is dropped around the remap so no vCPU observes the
// range half replaced.
func (v *virtualMachine) RemapInPlace(host []byte) error {
	if len(host) == 0 {
		return nil
	}
	gpa := v.mem.Base + uint64(uintptr(unsafe.Pointer(&host[0]))-uintptr(unsafe.Pointer(&v.mem.Data[0])))
	if err := v.UnmapMemory(gpa, uint64(len(host))); err != nil {
		return err
	}
	if kr := bindings.MachVmRemapInPlace(uintptr(unsafe.Pointer(&host[0])), uint64(len(host))); kr != 0 {
		if err := v.MapMemory(host, gpa); err != nil {
			slog.Error("hvf: failed to restore mapping after remap", "error", err)
		}
		return fmt.Errorf("hvf: mach_vm_remap failed: kern_return %d", kr)
	}
	return v.MapMemory(host, gpa)
}

// SetIRQ implements [hv.VM]. line is the SPI offset.
func (v *virtualMachine) SetIRQ(line uint32, level bool) error {
	intid := line + armSPIBase
	if err := bindings.HvGicSetSpi(intid, level).Err(); err != nil {
		return fmt.Errorf("hvf: failed to set SPI (intid=%d): %w", intid, err)
	}
	return nil
}

// NewVCPU implements [hv.VM].
func (v *virtualMachine) NewVCPU(id uint64) (hv.VCPU, error) {
	var (
		handle bindings.VCPU
		exit   *bindings.VcpuExit
	)
	if err := bindings.HvVcpuCreate(&handle, &exit, 0).Err(); err != nil {
		return nil, fmt.Errorf("hvf: failed to create vCPU %d: %w", id, err)
	}

	// The GIC routes by affinity, so MPIDR must carry the vCPU index.
	mpidr := (id & 0xff) | ((id >> 8) & 0xff << 8)
	if err := bindings.HvVcpuSetSysReg(handle, bindings.SysReg(hv.SysRegMPIDR), mpidr).Err(); err != nil {
		bindings.HvVcpuDestroy(handle)
		return nil, fmt.Errorf("hvf: failed to set MPIDR_EL1: %w", err)
	}

	var tb bindings.MachTimebaseInfo
	if rc := bindings.MachTimebaseInfo(&tb); rc != 0 || tb.Denom == 0 {
		tb = bindings.MachTimebaseInfo{Numer: 1, Denom: 1}
	}

	v.mu.Lock()
	v.vcpus[id] = handle
	v.mu.Unlock()

	return &virtualCPU{vm: v, id: id, handle: handle, exit: exit, timebase: tb}, nil
}

// RequestExit implements [hv.VM].
func (v *virtualMachine) RequestExit(ids ...uint64) error {
	v.mu.Lock()
	handles := make([]bindings.VCPU, 0, len(ids))
	for _, id := range ids {
		if h, ok := v.vcpus[id]; ok {
			handles = append(handles, h)
		}
	}
	v.mu.Unlock()

	if err := bindings.HvVcpusExit(handles).Err(); err != nil {
		return fmt.Errorf("hvf: failed to force vCPU exit: %w", err)
	}
	return nil
}

// Close implements [hv.VM].
func (v *virtualMachine) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	defer slot.Release(v)

	if v.mem != nil {
		if err := v.UnmapMemory(v.mem.Base, v.mem.Size()); err != nil {
			slog.Error("hvf: failed to unmap guest memory", "error", err)
		}
		if err := unix.Munmap(v.mem.Data); err != nil {
			return fmt.Errorf("hvf: failed to release guest memory: %w", err)
		}
		v.mem.Data = nil
	}

	if err := bindings.HvVmDestroy().Err(); err != nil {
		return fmt.Errorf("hvf: failed to destroy VM: %w", err)
	}
	return nil
}

type virtualCPU struct {
	vm       *virtualMachine
	id       uint64
	handle   bindings.VCPU
	exit     *bindings.VcpuExit
	timebase bindings.MachTimebaseInfo
}

// ID implements [hv.VCPU].
func (c *virtualCPU) ID() uint64 { return c.id }

// Run implements [hv.VCPU].
func (c *virtualCPU) Run() (hv.Exit, error) {
	if err := bindings.HvVcpuRun(c.handle).Err(); err != nil {
		return hv.Exit{}, fmt.Errorf("hvf: failed to run vCPU %d: %w", c.id, err)
	}
	switch c.exit.Reason {
	case bindings.HV_EXIT_REASON_CANCELED:
		return hv.Exit{Reason: hv.ExitCanceled}, nil
	case bindings.HV_EXIT_REASON_EXCEPTION:
		return hv.Exit{
			Reason:          hv.ExitException,
			Syndrome:        c.exit.Exception.Syndrome,
			VirtualAddress:  c.exit.Exception.VirtualAddress,
			PhysicalAddress: uint64(c.exit.Exception.PhysicalAddress),
		}, nil
	case bindings.HV_EXIT_REASON_VTIMER_ACTIVATED:
		return hv.Exit{Reason: hv.ExitVTimer}, nil
	default:
		return hv.Exit{Reason: hv.ExitUnknown}, nil
	}
}

func hvReg(reg hv.Register) (bindings.Reg, error) {
	switch {
	case reg <= hv.RegisterX30:
		return bindings.HV_REG_X0 + bindings.Reg(reg), nil
	case reg == hv.RegisterPC:
		return bindings.HV_REG_PC, nil
	case reg == hv.RegisterCPSR:
		return bindings.HV_REG_CPSR, nil
	default:
		return 0, fmt.Errorf("hvf: unsupported register %s", reg)
	}
}

// Reg implements [hv.VCPU].
func (c *virtualCPU) Reg(reg hv.Register) (uint64, error) {
	if reg == hv.RegisterXZR {
		return 0, nil
	}
	r, err := hvReg(reg)
	if err != nil {
		return 0, err
	}
	var value uint64
	if err := bindings.HvVcpuGetReg(c.handle, r, &value).Err(); err != nil {
		return 0, fmt.Errorf("hvf: failed to get register %s: %w", reg, err)
	}
	return value, nil
}

// SetReg implements [hv.VCPU]. Writes to the zero register are discarded.
func (c *virtualCPU) SetReg(reg hv.Register, value uint64) error {
	if reg == hv.RegisterXZR {
		return nil
	}
	r, err := hvReg(reg)
	if err != nil {
		return err
	}
	if err := bindings.HvVcpuSetReg(c.handle, r, value).Err(); err != nil {
		return fmt.Errorf("hvf: failed to set register %s: %w", reg, err)
	}
	return nil
}

// SysReg implements [hv.VCPU].
func (c *virtualCPU) SysReg(reg hv.SysReg) (uint64, error) {
	var value uint64
	if err := bindings.HvVcpuGetSysReg(c.handle, bindings.SysReg(reg), &value).Err(); err != nil {
		return 0, fmt.Errorf("hvf: failed to get system register %#x: %w", uint16(reg), err)
	}
	return value, nil
}

// SetSysReg implements [hv.VCPU].
func (c *virtualCPU) SetSysReg(reg hv.SysReg, value uint64) error {
	if err := bindings.HvVcpuSetSysReg(c.handle, bindings.SysReg(reg), value).Err(); err != nil {
		return fmt.Errorf("hvf: failed to set system register %#x: %w", uint16(reg), err)
	}
	return nil
}

// SetPendingIRQ implements [hv.VCPU].
func (c *virtualCPU) SetPendingIRQ(pending bool) error {
	if err := bindings.HvVcpuSetPendingInterrupt(c.handle, bindings.HV_INTERRUPT_TYPE_IRQ, pending).Err(); err != nil {
		return fmt.Errorf("hvf: failed to set pending IRQ: %w", err)
	}
	return nil
}

// SetVTimerMask implements [hv.VCPU].
func (c *virtualCPU) SetVTimerMask(masked bool) error {
	if err := bindings.HvVcpuSetVtimerMask(c.handle, masked).Err(); err != nil {
		return fmt.Errorf("hvf: failed to set vtimer mask: %w", err)
	}
	return nil
}

const (
	cntvCtlEnable = 1 << 0
	cntvCtlIMask  = 1 << 1
)

// TimerDeadline implements [hv.VCPU]. On Apple silicon the guest virtual
// counter ticks with mach_absolute_time, shifted by the vtimer offset.
func (c *virtualCPU) TimerDeadline() (time.Duration, bool, error) {
	ctl, err := c.SysReg(hv.SysRegCNTVCtl)
	if err != nil {
		return 0, false, err
	}
	if ctl&cntvCtlEnable == 0 || ctl&cntvCtlIMask != 0 {
		return 0, false, nil
	}
	cval, err := c.SysReg(hv.SysRegCNTVCval)
	if err != nil {
		return 0, false, err
	}
	var offset uint64
	if err := bindings.HvVcpuGetVtimerOffset(c.handle, &offset).Err(); err != nil {
		return 0, false, fmt.Errorf("hvf: failed to get vtimer offset: %w", err)
	}
	now := bindings.MachAbsoluteTime() - offset
	if cval <= now {
		return 0, true, nil
	}

	hi, lo := bits.Mul64(cval-now, uint64(c.timebase.Numer))
	if hi >= uint64(c.timebase.Denom) {
		return time.Duration(math.MaxInt64), true, nil
	}
	ns, _ := bits.Div64(hi, lo, uint64(c.timebase.Denom))
	if ns > math.MaxInt64 {
		return time.Duration(math.MaxInt64), true, nil
	}
	return time.Duration(ns), true, nil
}

// Close implements [hv.VCPU].
func (c *virtualCPU) Close() error {
	c.vm.mu.Lock()
	delete(c.vm.vcpus, c.id)
	c.vm.mu.Unlock()
	if err := bindings.HvVcpuDestroy(c.handle).Err(); err != nil {
		return fmt.Errorf("hvf: failed to destroy vCPU %d: %w", c.id, err)
	}
	return nil
}

var (
	_ hv.Hypervisor = &hypervisor{}
	_ hv.VM         = &virtualMachine{}
	_ hv.VCPU       = &virtualCPU{}
)
