//go:build darwin && arm64

package bindings

import "fmt"

// Return is hv_return_t.
type Return uint32

const (
	HV_SUCCESS             Return = 0
	HV_ERROR               Return = 0xfae94001
	HV_BUSY                Return = 0xfae94002
	HV_BAD_ARGUMENT        Return = 0xfae94003
	HV_ILLEGAL_GUEST_STATE Return = 0xfae94004
	HV_NO_RESOURCES        Return = 0xfae94005
	HV_NO_DEVICE           Return = 0xfae94006
	HV_DENIED              Return = 0xfae94007
	HV_UNSUPPORTED         Return = 0xfae9400f
)

func (r Return) Error() string {
	switch r {
	case HV_SUCCESS:
		return "success"
	case HV_ERROR:
		return "error"
	case HV_BUSY:
		return "busy"
	case HV_BAD_ARGUMENT:
		return "bad argument"
	case HV_ILLEGAL_GUEST_STATE:
		return "illegal guest state"
	case HV_NO_RESOURCES:
		return "no resources"
	case HV_NO_DEVICE:
		return "no device"
	case HV_DENIED:
		return "denied"
	case HV_UNSUPPORTED:
		return "unsupported"
	default:
		return fmt.Sprintf("unknown error: %#x", uint32(r))
	}
}

// Err converts r into a Go error, nil on success.
func (r Return) Err() error {
	if r == HV_SUCCESS {
		return nil
	}
	return r
}

// VMConfig, VcpuConfig and GICConfig are opaque os_object handles.
type (
	VMConfig   uintptr
	VcpuConfig uintptr
	GICConfig  uintptr
)

// IPA is a guest intermediate physical address (hv_ipa_t).
type IPA uint64

// VCPU is hv_vcpu_t.
type VCPU uint64

// MemoryFlags is hv_memory_flags_t.
type MemoryFlags uint64

const (
	HV_MEMORY_READ  MemoryFlags = 1 << 0
	HV_MEMORY_WRITE MemoryFlags = 1 << 1
	HV_MEMORY_EXEC  MemoryFlags = 1 << 2
)

// ExitReason is hv_exit_reason_t.
type ExitReason uint32

const (
	HV_EXIT_REASON_CANCELED         ExitReason = 0
	HV_EXIT_REASON_EXCEPTION        ExitReason = 1
	HV_EXIT_REASON_VTIMER_ACTIVATED ExitReason = 2
	HV_EXIT_REASON_UNKNOWN          ExitReason = 3
)

// VcpuExitException is hv_vcpu_exit_exception_t.
type VcpuExitException struct {
	Syndrome        uint64
	VirtualAddress  uint64
	PhysicalAddress IPA
}

// VcpuExit is hv_vcpu_exit_t, including the padding after the reason.
type VcpuExit struct {
	Reason    ExitReason
	_         uint32
	Exception VcpuExitException
}

// Reg is hv_reg_t. X0..X30 are 0..30.
type Reg uint32

const (
	HV_REG_X0   Reg = 0
	HV_REG_PC   Reg = 31
	HV_REG_FPCR Reg = 32
	HV_REG_FPSR Reg = 33
	HV_REG_CPSR Reg = 34
)

// SysReg is hv_sys_reg_t.
type SysReg uint16

// InterruptType is hv_interrupt_type_t.
type InterruptType uint32

const (
	HV_INTERRUPT_TYPE_IRQ InterruptType = 0
	HV_INTERRUPT_TYPE_FIQ InterruptType = 1
)

// MachTimebaseInfo is mach_timebase_info_data_t.
type MachTimebaseInfo struct {
	Numer uint32
	Denom uint32
}
