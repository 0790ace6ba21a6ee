package vcpu

import (
	"fmt"

	"github.com/tinyrange/ccvmm/internal/bus"
	"github.com/tinyrange/ccvmm/internal/hv"
)

// ExceptionClass is ESR_ELx.EC.
type ExceptionClass uint8

const (
	ClassWFx            ExceptionClass = 0x01
	ClassHvc            ExceptionClass = 0x16
	ClassSmc            ExceptionClass = 0x17
	ClassMsrAccess      ExceptionClass = 0x18
	ClassDataAbortLower ExceptionClass = 0x24
	ClassBreakpointLow  ExceptionClass = 0x30
	ClassSoftwareStep   ExceptionClass = 0x32
	ClassWatchpointLow  ExceptionClass = 0x34
	ClassBrk            ExceptionClass = 0x3c
)

func (ec ExceptionClass) String() string {
	switch ec {
	case ClassWFx:
		return "WFI/WFE"
	case ClassHvc:
		return "HVC"
	case ClassSmc:
		return "SMC"
	case ClassMsrAccess:
		return "MSR access"
	case ClassDataAbortLower:
		return "data abort lower EL"
	case ClassBreakpointLow:
		return "breakpoint lower EL"
	case ClassSoftwareStep:
		return "software step lower EL"
	case ClassWatchpointLow:
		return "watchpoint lower EL"
	case ClassBrk:
		return "BRK"
	default:
		return fmt.Sprintf("exception class %#x", uint8(ec))
	}
}

const (
	exceptionClassShift = 26
	exceptionClassMask  = 0x3f
	issMask             = (1 << 25) - 1
)

func classOf(syndrome uint64) ExceptionClass {
	return ExceptionClass((syndrome >> exceptionClassShift) & exceptionClassMask)
}

type dataAbort struct {
	size       int
	write      bool
	target     hv.Register
	signExtend bool
	sixtyFour  bool
}

func decodeDataAbort(syndrome uint64) (dataAbort, error) {
	const (
		isvBit   = 24
		sasShift = 22
		sseBit   = 21
		srtShift = 16
		sfBit    = 15
		wnrBit   = 6
	)

	iss := syndrome & issMask
	if (iss>>isvBit)&1 == 0 {
		return dataAbort{}, fmt.Errorf("data abort without ISV set (syndrome=0x%x)", syndrome)
	}

	reg, _ := hv.GeneralRegister(int((iss >> srtShift) & 0x1f))
	return dataAbort{
		size:       1 << ((iss >> sasShift) & 0x3),
		write:      (iss>>wnrBit)&1 == 1,
		target:     reg,
		signExtend: (iss>>sseBit)&1 == 1,
		sixtyFour:  (iss>>sfBit)&1 == 1,
	}, nil
}

// extend widens a loaded value the way the faulting load instruction would.
func (d dataAbort) extend(v uint64) uint64 {
	bitsLoaded := uint(d.size * 8)
	if bitsLoaded < 64 {
		v &= (uint64(1) << bitsLoaded) - 1
		if d.signExtend && v&(uint64(1)<<(bitsLoaded-1)) != 0 {
			v |= ^uint64(0) << bitsLoaded
		}
	}
	if !d.sixtyFour {
		v &= 0xffffffff
	}
	return v
}

type msrAccess struct {
	reg    bus.SysRegID
	read   bool
	target hv.Register
}

func decodeMsrAccess(syndrome uint64) msrAccess {
	iss := syndrome & issMask
	crm := uint8((iss >> 1) & 0xf)
	rt := int((iss >> 5) & 0x1f)
	crn := uint8((iss >> 10) & 0xf)
	op1 := uint8((iss >> 14) & 0x7)
	op2 := uint8((iss >> 17) & 0x7)
	op0 := uint8((iss >> 20) & 0x3)

	target, _ := hv.GeneralRegister(rt)
	return msrAccess{
		reg:    bus.NewSysRegID(op0, op1, crn, crm, op2),
		read:   iss&1 == 1,
		target: target,
	}
}

// isWFE reports whether a WFx trap came from WFE rather than WFI.
func isWFE(syndrome uint64) bool { return syndrome&1 == 1 }
