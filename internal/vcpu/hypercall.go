package vcpu

// PSCI 1.0 function ids (SMC calling convention, fast calls).
const (
	psciVersion         uint32 = 0x84000000
	psciCPUOff          uint32 = 0x84000002
	psciCPUOn32         uint32 = 0x84000003
	psciAffinityInfo32  uint32 = 0x84000004
	psciMigrateInfoType uint32 = 0x84000006
	psciSystemOff       uint32 = 0x84000008
	psciSystemReset     uint32 = 0x84000009
	psciFeatures        uint32 = 0x8400000a
	psciCPUOn64         uint32 = 0xc4000003
	psciAffinityInfo64  uint32 = 0xc4000004

	psciVersion1_0 uint64 = 0x10000
	// Trusted OS not present, migration not required.
	psciTOSNotPresentMP uint64 = 2
)

// PSCI return codes handed back in x0.
const (
	PSCISuccess           int64 = 0
	PSCINotSupported      int64 = -1
	PSCIInvalidParams     int64 = -2
	PSCIAlreadyOn         int64 = -4
	PSCIOnPending         int64 = -5
	PSCIInternalFailure   int64 = -6
	PSCIAffinityOn        int64 = 0
	PSCIAffinityOff       int64 = 1
	PSCIAffinityOnPending int64 = 2
)

// Vendor hypercalls understood by the paravirtual guest drivers.
const (
	// HvcLockWait parks the calling vCPU until another vCPU kicks it.
	HvcLockWait uint32 = 0xc6000001
	// HvcLockKick unparks the vCPU whose id is in x1.
	HvcLockKick uint32 = 0xc6000002
	// HvcDeviceCall forwards x1 (device id) and x2 (argument block address)
	// to the bus; the handler's result is returned in x0.
	HvcDeviceCall uint32 = 0xc6000010
)

// psciRange covers the PSCI function ids of both calling conventions.
const (
	psciRangeBase uint32 = 0x84000000
	psciRangeMask uint32 = 0x4000001f
)

func isPSCI(fn uint32) bool { return fn&^psciRangeMask == psciRangeBase }

func psciSupported(fn uint32) bool {
	switch fn {
	case psciVersion, psciCPUOff, psciCPUOn32, psciCPUOn64,
		psciAffinityInfo32, psciAffinityInfo64, psciMigrateInfoType,
		psciSystemOff, psciSystemReset, psciFeatures:
		return true
	}
	return false
}
