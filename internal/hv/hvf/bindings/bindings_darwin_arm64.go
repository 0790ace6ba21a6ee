//go:build darwin && arm64

// Package bindings binds the subset of Hypervisor.framework the VMM uses.
// Higher level safety belongs in the hvf package.
package bindings

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	loadOnce sync.Once
	loadErr  error
)

// Load opens Hypervisor.framework and libSystem and binds every function.
func Load() error {
	loadOnce.Do(func() {
		lib, err := purego.Dlopen(
			"/System/Library/Frameworks/Hypervisor.framework/Hypervisor",
			purego.RTLD_GLOBAL|purego.RTLD_LAZY,
		)
		if err != nil {
			loadErr = fmt.Errorf("purego dlopen Hypervisor.framework: %w", err)
			return
		}

		purego.RegisterLibFunc(&hv_vm_create, lib, "hv_vm_create")
		purego.RegisterLibFunc(&hv_vm_destroy, lib, "hv_vm_destroy")
		purego.RegisterLibFunc(&hv_vm_map, lib, "hv_vm_map")
		purego.RegisterLibFunc(&hv_vm_unmap, lib, "hv_vm_unmap")

		purego.RegisterLibFunc(&hv_vcpu_create, lib, "hv_vcpu_create")
		purego.RegisterLibFunc(&hv_vcpu_destroy, lib, "hv_vcpu_destroy")
		purego.RegisterLibFunc(&hv_vcpu_get_reg, lib, "hv_vcpu_get_reg")
		purego.RegisterLibFunc(&hv_vcpu_set_reg, lib, "hv_vcpu_set_reg")
		purego.RegisterLibFunc(&hv_vcpu_get_sys_reg, lib, "hv_vcpu_get_sys_reg")
		purego.RegisterLibFunc(&hv_vcpu_set_sys_reg, lib, "hv_vcpu_set_sys_reg")
		purego.RegisterLibFunc(&hv_vcpu_set_pending_interrupt, lib, "hv_vcpu_set_pending_interrupt")
		purego.RegisterLibFunc(&hv_vcpu_run, lib, "hv_vcpu_run")
		purego.RegisterLibFunc(&hv_vcpus_exit, lib, "hv_vcpus_exit")
		purego.RegisterLibFunc(&hv_vcpu_set_vtimer_mask, lib, "hv_vcpu_set_vtimer_mask")
		purego.RegisterLibFunc(&hv_vcpu_get_vtimer_offset, lib, "hv_vcpu_get_vtimer_offset")

		purego.RegisterLibFunc(&hv_gic_config_create, lib, "hv_gic_config_create")
		purego.RegisterLibFunc(&hv_gic_config_set_distributor_base, lib, "hv_gic_config_set_distributor_base")
		purego.RegisterLibFunc(&hv_gic_config_set_redistributor_base, lib, "hv_gic_config_set_redistributor_base")
		purego.RegisterLibFunc(&hv_gic_create, lib, "hv_gic_create")
		purego.RegisterLibFunc(&hv_gic_set_spi, lib, "hv_gic_set_spi")

		libSystem, err := purego.Dlopen("/usr/lib/libSystem.B.dylib", purego.RTLD_GLOBAL|purego.RTLD_LAZY)
		if err != nil {
			loadErr = fmt.Errorf("purego dlopen libSystem: %w", err)
			return
		}
		purego.RegisterLibFunc(&mach_absolute_time, libSystem, "mach_absolute_time")
		purego.RegisterLibFunc(&mach_timebase_info, libSystem, "mach_timebase_info")
		purego.RegisterLibFunc(&mach_vm_remap, libSystem, "mach_vm_remap")

		// mach_task_self() is a macro over this global.
		taskSelf, err := purego.Dlsym(libSystem, "mach_task_self_")
		if err != nil {
			loadErr = fmt.Errorf("purego dlsym mach_task_self_: %w", err)
			return
		}
		machTaskSelf = *(*uint32)(unsafe.Pointer(taskSelf))
	})
	return loadErr
}

var (
	hv_vm_create  func(config VMConfig) Return
	hv_vm_destroy func() Return
	hv_vm_map     func(addr unsafe.Pointer, ipa IPA, size uintptr, flags MemoryFlags) Return
	hv_vm_unmap   func(ipa IPA, size uintptr) Return

	hv_vcpu_create                func(vcpu *VCPU, exit **VcpuExit, config VcpuConfig) Return
	hv_vcpu_destroy               func(vcpu VCPU) Return
	hv_vcpu_get_reg               func(vcpu VCPU, reg Reg, value *uint64) Return
	hv_vcpu_set_reg               func(vcpu VCPU, reg Reg, value uint64) Return
	hv_vcpu_get_sys_reg           func(vcpu VCPU, reg SysReg, value *uint64) Return
	hv_vcpu_set_sys_reg           func(vcpu VCPU, reg SysReg, value uint64) Return
	hv_vcpu_set_pending_interrupt func(vcpu VCPU, typ InterruptType, pending bool) Return
	hv_vcpu_run                   func(vcpu VCPU) Return
	hv_vcpus_exit                 func(vcpus *VCPU, count uint32) Return
	hv_vcpu_set_vtimer_mask       func(vcpu VCPU, masked bool) Return
	hv_vcpu_get_vtimer_offset     func(vcpu VCPU, offset *uint64) Return

	hv_gic_config_create                 func() GICConfig
	hv_gic_config_set_distributor_base   func(config GICConfig, base IPA) Return
	hv_gic_config_set_redistributor_base func(config GICConfig, base IPA) Return
	hv_gic_create                        func(config GICConfig) Return
	hv_gic_set_spi                       func(intid uint32, level bool) Return

	mach_absolute_time func() uint64
	mach_timebase_info func(info *MachTimebaseInfo) int32
	mach_vm_remap      func(target uint32, address *uint64, size uint64, mask uint64, flags int32,
		src uint32, srcAddress uint64, copy bool, cur *int32, max *int32, inherit uint32) int32

	machTaskSelf uint32
)

const (
	vmFlagsFixed     = 0x0000
	vmFlagsOverwrite = 0x4000
	vmInheritDefault = 1
)

func HvVmCreate(config VMConfig) Return { return hv_vm_create(config) }
func HvVmDestroy() Return               { return hv_vm_destroy() }

func HvVmMap(addr unsafe.Pointer, ipa IPA, size uintptr, flags MemoryFlags) Return {
	return hv_vm_map(addr, ipa, size, flags)
}

func HvVmUnmap(ipa IPA, size uintptr) Return { return hv_vm_unmap(ipa, size) }

func HvVcpuCreate(vcpu *VCPU, exit **VcpuExit, config VcpuConfig) Return {
	return hv_vcpu_create(vcpu, exit, config)
}

func HvVcpuDestroy(vcpu VCPU) Return { return hv_vcpu_destroy(vcpu) }

func HvVcpuGetReg(vcpu VCPU, reg Reg, value *uint64) Return {
	return hv_vcpu_get_reg(vcpu, reg, value)
}

func HvVcpuSetReg(vcpu VCPU, reg Reg, value uint64) Return {
	return hv_vcpu_set_reg(vcpu, reg, value)
}

func HvVcpuGetSysReg(vcpu VCPU, reg SysReg, value *uint64) Return {
	return hv_vcpu_get_sys_reg(vcpu, reg, value)
}

func HvVcpuSetSysReg(vcpu VCPU, reg SysReg, value uint64) Return {
	return hv_vcpu_set_sys_reg(vcpu, reg, value)
}

func HvVcpuSetPendingInterrupt(vcpu VCPU, typ InterruptType, pending bool) Return {
	return hv_vcpu_set_pending_interrupt(vcpu, typ, pending)
}

func HvVcpuRun(vcpu VCPU) Return { return hv_vcpu_run(vcpu) }

func HvVcpusExit(vcpus []VCPU) Return {
	if len(vcpus) == 0 {
		return HV_SUCCESS
	}
	return hv_vcpus_exit(&vcpus[0], uint32(len(vcpus)))
}

func HvVcpuSetVtimerMask(vcpu VCPU, masked bool) Return {
	return hv_vcpu_set_vtimer_mask(vcpu, masked)
}

func HvVcpuGetVtimerOffset(vcpu VCPU, offset *uint64) Return {
	return hv_vcpu_get_vtimer_offset(vcpu, offset)
}

func HvGicConfigCreate() GICConfig { return hv_gic_config_create() }

func HvGicConfigSetDistributorBase(config GICConfig, base IPA) Return {
	return hv_gic_config_set_distributor_base(config, base)
}

func HvGicConfigSetRedistributorBase(config GICConfig, base IPA) Return {
	return hv_gic_config_set_redistributor_base(config, base)
}

func HvGicCreate(config GICConfig) Return { return hv_gic_create(config) }

func HvGicSetSpi(intid uint32, level bool) Return { return hv_gic_set_spi(intid, level) }

func MachAbsoluteTime() uint64 { return mach_absolute_time() }

func MachTimebaseInfo(info *MachTimebaseInfo) int32 { return mach_timebase_info(info) }

// MachVmRemapInPlace replaces the mapping at [addr, addr+size) with a fresh
// mapping of the same pages, keeping their contents.
func MachVmRemapInPlace(addr uintptr, size uint64) int32 {
	target := uint64(addr)
	var cur, max int32
	return mach_vm_remap(machTaskSelf, &target, size, 0, vmFlagsFixed|vmFlagsOverwrite,
		machTaskSelf, uint64(addr), false, &cur, &max, vmInheritDefault)
}
