// Package hv defines the host hypervisor abstraction the VMM core runs on:
// a single virtual machine with one stage-2 mapping of guest RAM and a set
// of AArch64 vCPUs, each driven from its own OS thread.
package hv

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrVMHalted              = errors.New("virtual machine halted")
	ErrGuestRequestedReboot  = errors.New("guest requested reboot")
	ErrHypervisorUnsupported = errors.New("hypervisor unsupported on this platform")
	ErrVMExists              = errors.New("hv: a virtual machine already exists in this process")
)

// Register names an AArch64 general purpose or special register. X0..X30
// are numbered by their architectural index so that register fields decoded
// from a syndrome convert directly.
type Register uint32

const (
	RegisterX0   Register = 0
	RegisterX1   Register = 1
	RegisterX2   Register = 2
	RegisterX3   Register = 3
	RegisterX30  Register = 30
	RegisterXZR  Register = 31
	RegisterPC   Register = 32
	RegisterCPSR Register = 33
)

// GeneralRegister returns Xn for n in [0, 31]; 31 is the zero register.
func GeneralRegister(n int) (Register, bool) {
	if n < 0 || n > 31 {
		return 0, false
	}
	return Register(n), true
}

func (r Register) String() string {
	switch {
	case r <= RegisterX30:
		return fmt.Sprintf("x%d", r)
	case r == RegisterXZR:
		return "xzr"
	case r == RegisterPC:
		return "pc"
	case r == RegisterCPSR:
		return "cpsr"
	default:
		return fmt.Sprintf("reg(%d)", uint32(r))
	}
}

// SysReg is a system register encoded as op0<<14|op1<<11|CRn<<7|CRm<<3|op2.
type SysReg uint16

const (
	SysRegMPIDR    SysReg = 0xc005
	SysRegSCTLR    SysReg = 0xc080
	SysRegSPEL1    SysReg = 0xe208
	SysRegCNTVCtl  SysReg = 0xdf19
	SysRegCNTVCval SysReg = 0xdf1a
)

// ExitReason classifies why Run returned.
type ExitReason uint8

const (
	ExitCanceled ExitReason = iota
	ExitException
	ExitVTimer
	ExitUnknown
)

func (r ExitReason) String() string {
	switch r {
	case ExitCanceled:
		return "canceled"
	case ExitException:
		return "exception"
	case ExitVTimer:
		return "vtimer activated"
	default:
		return "unknown"
	}
}

// Exit describes one return from guest execution. The exception fields
// are only meaningful for ExitException.
type Exit struct {
	Reason          ExitReason
	Syndrome        uint64
	VirtualAddress  uint64
	PhysicalAddress uint64
}

// VCPU is one virtual CPU. Every method except ID must be called from the
// OS thread that created it.
type VCPU interface {
	ID() uint64

	// Run enters the guest and blocks until it exits.
	Run() (Exit, error)

	Reg(reg Register) (uint64, error)
	SetReg(reg Register, value uint64) error
	SysReg(reg SysReg) (uint64, error)
	SetSysReg(reg SysReg, value uint64) error

	// SetPendingIRQ raises or clears the IRQ line injected on the next entry.
	SetPendingIRQ(pending bool) error
	// SetVTimerMask masks the virtual timer after it fired so the guest is
	// not re-entered with the same pending timer.
	SetVTimerMask(masked bool) error
	// TimerDeadline returns how long until the guest's virtual timer fires,
	// and false when the timer is disabled or masked.
	TimerDeadline() (time.Duration, bool, error)

	Close() error
}

// Guest physical layout of the GICv3 a backend creates for
// VMConfig.InterruptSupport. Redistributor frames are RedistributorStride
// bytes per vCPU.
const (
	GICDistributorBase      = 0x0800_0000
	GICDistributorSize      = 0x1_0000
	GICRedistributorBase    = 0x080a_0000
	GICRedistributorStride  = 0x2_0000
	GICMaintenanceInterrupt = 9
	// SPIs are numbered from here in the GIC's interrupt id space.
	GICSPIBase = 32
)

// VMConfig sizes a virtual machine.
type VMConfig struct {
	MemoryBase uint64
	MemorySize uint64
	CPUs       int
	// InterruptSupport creates an in-kernel GIC when the backend has one.
	InterruptSupport bool
}

// VM is the process-wide virtual machine.
type VM interface {
	// Memory returns the host mapping of guest RAM, starting at MemoryBase.
	Memory() *GuestMemory

	// MapMemory installs host memory at gpa in the stage-2 translation.
	MapMemory(host []byte, gpa uint64) error
	// UnmapMemory removes [gpa, gpa+size) from the stage-2 translation.
	UnmapMemory(gpa, size uint64) error

	// SetIRQ drives a shared peripheral interrupt line.
	SetIRQ(line uint32, level bool) error

	// NewVCPU creates a vCPU bound to the calling OS thread, which must
	// stay locked for the lifetime of the vCPU.
	NewVCPU(id uint64) (VCPU, error)

	// RequestExit forces the given vCPUs out of guest execution. It may be
	// called from any thread.
	RequestExit(ids ...uint64) error

	Close() error
}

// Hypervisor creates virtual machines.
type Hypervisor interface {
	NewVM(cfg VMConfig) (VM, error)
	Close() error
}
