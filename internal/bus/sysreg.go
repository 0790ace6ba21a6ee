package bus

import "fmt"

// SysRegID identifies an AArch64 system register by its MSR/MRS encoding,
// packed as op0<<14 | op1<<11 | CRn<<7 | CRm<<3 | op2. This is the same
// packing Hypervisor.framework uses for hv_sys_reg_t.
type SysRegID uint64

// NewSysRegID packs the five encoding fields.
func NewSysRegID(op0, op1, crn, crm, op2 uint8) SysRegID {
	return SysRegID(uint64(op0&0x3)<<14 | uint64(op1&0x7)<<11 | uint64(crn&0xf)<<7 | uint64(crm&0xf)<<3 | uint64(op2&0x7))
}

func (r SysRegID) Op0() uint8 { return uint8(r>>14) & 0x3 }
func (r SysRegID) Op1() uint8 { return uint8(r>>11) & 0x7 }
func (r SysRegID) CRn() uint8 { return uint8(r>>7) & 0xf }
func (r SysRegID) CRm() uint8 { return uint8(r>>3) & 0xf }
func (r SysRegID) Op2() uint8 { return uint8(r) & 0x7 }

func (r SysRegID) String() string {
	return fmt.Sprintf("S%d_%d_C%d_C%d_%d", r.Op0(), r.Op1(), r.CRn(), r.CRm(), r.Op2())
}
