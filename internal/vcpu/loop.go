// Package vcpu drives one virtual CPU: it enters the guest, classifies each
// exit and turns it into a bus access or a control plane outcome.
package vcpu

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/tinyrange/ccvmm/internal/bus"
	"github.com/tinyrange/ccvmm/internal/hv"
	"github.com/tinyrange/ccvmm/internal/metrics"
	"github.com/tinyrange/ccvmm/internal/signal"
	"github.com/tinyrange/ccvmm/internal/timeslice"
)

// Bus is the part of the address bus an exit loop dispatches to.
type Bus interface {
	Read(vcpu uint64, addr uint64, data []byte) bool
	Write(vcpu uint64, addr uint64, data []byte) bool
	ReadSysReg(vcpu uint64, reg bus.SysRegID) uint64
	WriteSysReg(vcpu uint64, reg bus.SysRegID, value uint64) bool
	CallHvc(vcpu uint64, id uint32, argsAddr uint64) int64
}

// LockCoordinator services the paravirtual spinlock hypercalls.
type LockCoordinator interface {
	Park(vcpu uint64) error
	Unpark(vcpu uint64)
}

// GuestRAM is guest memory whose stage-2 mapping may be withdrawn for a
// moment while pages are reclaimed.
type GuestRAM interface {
	Contains(gpa, length uint64) bool
	// Settle blocks while a stage-2 change is in flight and returns the
	// number of changes completed so far.
	Settle() uint64
}

// Exiter forces vCPUs out of guest execution from any thread.
type Exiter interface {
	RequestExit(ids ...uint64) error
}

// State is the coarse position of a loop in its run cycle.
type State uint32

const (
	StateRunnable State = iota
	StateRunning
	StateExited
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateRunnable:
		return "runnable"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateShutdown:
		return "shutdown"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

// OutcomeKind tells the caller of Step what, if anything, it has to do
// before the next Step.
type OutcomeKind uint8

const (
	OutcomeContinue OutcomeKind = iota
	OutcomeBreakpoint
	OutcomeWaitForEvent
	OutcomeVTimer
	OutcomeCPUOn
	OutcomeCPUOff
	OutcomeShutdown
	OutcomeReboot
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeContinue:
		return "continue"
	case OutcomeBreakpoint:
		return "breakpoint"
	case OutcomeWaitForEvent:
		return "wait-for-event"
	case OutcomeVTimer:
		return "vtimer"
	case OutcomeCPUOn:
		return "cpu-on"
	case OutcomeCPUOff:
		return "cpu-off"
	case OutcomeShutdown:
		return "shutdown"
	case OutcomeReboot:
		return "reboot"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(k))
	}
}

// CPUOnRequest is a PSCI CPU_ON call. The result must be handed back with
// CompleteHypercall before the next Step.
type CPUOnRequest struct {
	TargetMPIDR uint64
	Entry       uint64
	Context     uint64
}

type Outcome struct {
	Kind OutcomeKind
	// WFE is set for OutcomeWaitForEvent when the guest executed WFE rather
	// than WFI.
	WFE   bool
	CPUOn CPUOnRequest
}

// FatalExitError reports an exit the loop cannot emulate. Continuing would
// leave the guest in an undefined state.
type FatalExitError struct {
	VCPU     uint64
	Class    ExceptionClass
	Syndrome uint64
	Err      error
}

func (e *FatalExitError) Error() string {
	msg := fmt.Sprintf("vcpu %d: unhandled %s (syndrome=%#x)", e.VCPU, e.Class, e.Syndrome)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FatalExitError) Unwrap() error { return e.Err }

var ErrBreakpoint = errors.New("vcpu: guest breakpoint with no debugger attached")

// Config wires a loop to its collaborators. VCPU, Bus and Exiter are required.
type Config struct {
	VCPU   hv.VCPU
	Bus    Bus
	Exiter Exiter

	Locks LockCoordinator
	// RAM is consulted on data aborts. Faults inside it are retried once the
	// mapping is back instead of being emulated as MMIO.
	RAM GuestRAM

	// OnCPUOn starts a secondary vCPU and returns a PSCI status.
	OnCPUOn func(req CPUOnRequest) int64
	// AffinityInfo reports the PSCI power state of the vCPU with mpidr.
	AffinityInfo func(mpidr uint64) int64
	// OnVTimer delivers the virtual timer interrupt. When nil the loop
	// raises its own IRQ line.
	OnVTimer func(vcpu uint64)
	// OnBreakpoint is consulted by Run for breakpoint exits. When nil a
	// breakpoint ends the loop with ErrBreakpoint.
	OnBreakpoint func(vcpu uint64) error

	Logger *slog.Logger
}

const (
	wakeKick signal.Mask = 1 << iota
	wakeTimer
	wakeStop

	parkWaker signal.WakerID = 0
)

const (
	cntvCtlEnable  = 1 << 0
	cntvCtlIMask   = 1 << 1
	cntvCtlIStatus = 1 << 2
)

var (
	sliceGuest = timeslice.Register("vcpu-guest", timeslice.FlagGuest)
	sliceHost  = timeslice.Register("vcpu-host", 0)
	sliceIdle  = timeslice.Register("vcpu-idle", timeslice.FlagIdle)
)

var (
	exitCanceled    = metrics.VCPUExits.WithLabelValues("canceled")
	exitMMIO        = metrics.VCPUExits.WithLabelValues("mmio")
	exitSysReg      = metrics.VCPUExits.WithLabelValues("sysreg")
	exitHvc         = metrics.VCPUExits.WithLabelValues("hvc")
	exitWFx         = metrics.VCPUExits.WithLabelValues("wfx")
	exitDebug       = metrics.VCPUExits.WithLabelValues("debug")
	exitVTimer      = metrics.VCPUExits.WithLabelValues("vtimer")
	exitRAMRetry    = metrics.VCPUExits.WithLabelValues("ram-retry")
	missMMIORead    = metrics.BusMisses.WithLabelValues("mmio-read")
	missMMIOWrite   = metrics.BusMisses.WithLabelValues("mmio-write")
	missSysRegWrite = metrics.BusMisses.WithLabelValues("sysreg-write")
)

type ramFault struct {
	addr    uint64
	changes uint64
	valid   bool
}

// Loop is the exit loop of one vCPU. Step, Run and CompleteHypercall must be
// called from the OS thread that owns the vCPU; SetIRQ, Kick and State may
// be called from anywhere.
type Loop struct {
	cfg Config
	cpu hv.VCPU
	id  uint64
	log *slog.Logger

	state    atomic.Uint32
	irqLevel atomic.Bool

	wakeup *signal.Channel

	// Deferred effects of the previous exit, applied before re-entry.
	pendingRead  *dataAbort
	advancePC    bool
	vtimerMasked bool
	timerIRQ     bool
	mmio         [8]byte
	lastRAMFault ramFault

	rec *timeslice.Recorder
}

// New builds a loop around cfg.VCPU.
func New(cfg Config) (*Loop, error) {
	if cfg.VCPU == nil || cfg.Bus == nil || cfg.Exiter == nil {
		return nil, fmt.Errorf("vcpu: VCPU, Bus and Exiter are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	l := &Loop{
		cfg:    cfg,
		cpu:    cfg.VCPU,
		id:     cfg.VCPU.ID(),
		log:    logger.With("vcpu", cfg.VCPU.ID()),
		wakeup: signal.NewChannel(signal.NewWakerSet(signal.NewParkWaker())),
		rec:    timeslice.NewRecorder(),
	}
	l.state.Store(uint32(StateRunnable))
	return l, nil
}

func (l *Loop) ID() uint64 { return l.id }

func (l *Loop) State() State { return State(l.state.Load()) }

// SetIRQ drives the vCPU's IRQ input. Raising it wakes an idle vCPU and
// forces a running one to exit so the interrupt is injected on re-entry.
func (l *Loop) SetIRQ(level bool) {
	if l.irqLevel.Swap(level) == level || !level {
		return
	}
	l.Kick()
}

// Wake ends an idle wait without forcing a running vCPU out of the guest.
// Interrupts routed through the in-kernel GIC only need this.
func (l *Loop) Wake() {
	l.wakeup.Assert(wakeKick)
}

// Kick wakes the vCPU if it is idle and forces it out of the guest if it is
// running.
func (l *Loop) Kick() {
	l.wakeup.Assert(wakeKick)
	if err := l.cfg.Exiter.RequestExit(l.id); err != nil {
		l.log.Error("vcpu: request exit failed", "error", err)
	}
}

func (l *Loop) reg(r hv.Register) (uint64, error) {
	if r == hv.RegisterXZR {
		return 0, nil
	}
	return l.cpu.Reg(r)
}

func (l *Loop) setReg(r hv.Register, v uint64) error {
	if r == hv.RegisterXZR {
		return nil
	}
	return l.cpu.SetReg(r, v)
}

// CompleteHypercall stores a hypercall result in x0.
func (l *Loop) CompleteHypercall(result int64) error {
	return l.cpu.SetReg(hv.RegisterX0, uint64(result))
}

func (l *Loop) applyDeferred() error {
	if d := l.pendingRead; d != nil {
		l.pendingRead = nil
		v := d.extend(binary.LittleEndian.Uint64(l.mmio[:]))
		if err := l.setReg(d.target, v); err != nil {
			return fmt.Errorf("vcpu %d: complete mmio read into %s: %w", l.id, d.target, err)
		}
	}
	if l.advancePC {
		l.advancePC = false
		pc, err := l.cpu.Reg(hv.RegisterPC)
		if err != nil {
			return fmt.Errorf("vcpu %d: read pc: %w", l.id, err)
		}
		if err := l.cpu.SetReg(hv.RegisterPC, pc+4); err != nil {
			return fmt.Errorf("vcpu %d: advance pc: %w", l.id, err)
		}
	}
	if l.irqLevel.Load() || l.timerIRQ {
		if err := l.cpu.SetPendingIRQ(true); err != nil {
			return fmt.Errorf("vcpu %d: inject irq: %w", l.id, err)
		}
	}
	return l.syncVTimer()
}

// syncVTimer unmasks the virtual timer once the guest has handled the
// interrupt that masked it.
func (l *Loop) syncVTimer() error {
	if !l.vtimerMasked {
		return nil
	}
	ctl, err := l.cpu.SysReg(hv.SysRegCNTVCtl)
	if err != nil {
		return fmt.Errorf("vcpu %d: read CNTV_CTL: %w", l.id, err)
	}
	if ctl&cntvCtlEnable != 0 && ctl&cntvCtlIMask == 0 && ctl&cntvCtlIStatus != 0 {
		return nil
	}
	if err := l.cpu.SetVTimerMask(false); err != nil {
		return fmt.Errorf("vcpu %d: unmask vtimer: %w", l.id, err)
	}
	l.vtimerMasked = false
	l.timerIRQ = false
	return nil
}

// Step applies the effects of the previous exit, runs the guest until its
// next exit and classifies it.
func (l *Loop) Step() (Outcome, error) {
	if err := l.applyDeferred(); err != nil {
		return Outcome{}, err
	}

	l.rec.Record(sliceHost)
	l.state.Store(uint32(StateRunning))
	exit, err := l.cpu.Run()
	l.state.Store(uint32(StateExited))
	l.rec.Record(sliceGuest)
	if err != nil {
		return Outcome{}, fmt.Errorf("vcpu %d: run: %w", l.id, err)
	}

	switch exit.Reason {
	case hv.ExitCanceled:
		exitCanceled.Inc()
		return Outcome{}, nil
	case hv.ExitVTimer:
		exitVTimer.Inc()
		l.vtimerMasked = true
		return Outcome{Kind: OutcomeVTimer}, nil
	case hv.ExitException:
		return l.handleException(exit)
	default:
		return Outcome{}, &FatalExitError{VCPU: l.id, Syndrome: exit.Syndrome,
			Err: fmt.Errorf("exit reason %s", exit.Reason)}
	}
}

func (l *Loop) handleException(exit hv.Exit) (Outcome, error) {
	class := classOf(exit.Syndrome)
	switch class {
	case ClassDataAbortLower:
		return Outcome{}, l.handleDataAbort(exit)
	case ClassMsrAccess:
		exitSysReg.Inc()
		l.advancePC = true
		return Outcome{}, l.handleMsrAccess(exit.Syndrome)
	case ClassHvc:
		// The preferred return address of HVC is already the next instruction.
		exitHvc.Inc()
		return l.handleHypercall()
	case ClassSmc:
		exitHvc.Inc()
		l.advancePC = true
		return l.handleHypercall()
	case ClassWFx:
		exitWFx.Inc()
		l.advancePC = true
		return Outcome{Kind: OutcomeWaitForEvent, WFE: isWFE(exit.Syndrome)}, nil
	case ClassBrk, ClassBreakpointLow, ClassSoftwareStep, ClassWatchpointLow:
		exitDebug.Inc()
		return Outcome{Kind: OutcomeBreakpoint}, nil
	default:
		return Outcome{}, &FatalExitError{VCPU: l.id, Class: class, Syndrome: exit.Syndrome}
	}
}

func (l *Loop) handleDataAbort(exit hv.Exit) error {
	if ram := l.cfg.RAM; ram != nil && ram.Contains(exit.PhysicalAddress, 1) {
		return l.retryRAMFault(exit, ram)
	}
	exitMMIO.Inc()
	da, err := decodeDataAbort(exit.Syndrome)
	if err != nil {
		return &FatalExitError{VCPU: l.id, Class: ClassDataAbortLower, Syndrome: exit.Syndrome, Err: err}
	}
	l.advancePC = true
	buf := l.mmio[:da.size]
	addr := exit.PhysicalAddress

	if da.write {
		v, err := l.reg(da.target)
		if err != nil {
			return fmt.Errorf("vcpu %d: read %s for mmio write: %w", l.id, da.target, err)
		}
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		copy(buf, tmp[:da.size])
		if !l.cfg.Bus.Write(l.id, addr, buf) {
			missMMIOWrite.Inc()
			l.log.Debug("vcpu: mmio write to unmapped address", "addr", fmt.Sprintf("%#x", addr), "size", da.size)
		}
		return nil
	}

	clear(l.mmio[:])
	if !l.cfg.Bus.Read(l.id, addr, buf) {
		missMMIORead.Inc()
		l.log.Debug("vcpu: mmio read from unmapped address", "addr", fmt.Sprintf("%#x", addr), "size", da.size)
	}
	l.pendingRead = &da
	return nil
}

// retryRAMFault waits out the stage-2 change that made guest RAM fault and
// re-executes the instruction. A second fault at the same address with no
// change completed in between means the page is really missing.
func (l *Loop) retryRAMFault(exit hv.Exit, ram GuestRAM) error {
	changes := ram.Settle()
	prev := l.lastRAMFault
	if prev.valid && prev.addr == exit.PhysicalAddress && prev.changes == changes {
		return &FatalExitError{VCPU: l.id, Class: ClassDataAbortLower, Syndrome: exit.Syndrome,
			Err: fmt.Errorf("guest RAM at %#x is not mapped", exit.PhysicalAddress)}
	}
	l.lastRAMFault = ramFault{addr: exit.PhysicalAddress, changes: changes, valid: true}
	exitRAMRetry.Inc()
	return nil
}

func (l *Loop) handleMsrAccess(syndrome uint64) error {
	acc := decodeMsrAccess(syndrome)
	if acc.read {
		v := l.cfg.Bus.ReadSysReg(l.id, acc.reg)
		if err := l.setReg(acc.target, v); err != nil {
			return fmt.Errorf("vcpu %d: write %s from %s: %w", l.id, acc.target, acc.reg, err)
		}
		return nil
	}
	v, err := l.reg(acc.target)
	if err != nil {
		return fmt.Errorf("vcpu %d: read %s for %s: %w", l.id, acc.target, acc.reg, err)
	}
	if !l.cfg.Bus.WriteSysReg(l.id, acc.reg, v) {
		missSysRegWrite.Inc()
		l.log.Debug("vcpu: write to unclaimed system register", "reg", acc.reg.String(), "value", v)
	}
	return nil
}

func (l *Loop) handleHypercall() (Outcome, error) {
	x0, err := l.cpu.Reg(hv.RegisterX0)
	if err != nil {
		return Outcome{}, fmt.Errorf("vcpu %d: read hypercall id: %w", l.id, err)
	}
	fn := uint32(x0)
	args := func(n int) ([]uint64, error) {
		out := make([]uint64, n)
		for i := range out {
			v, err := l.cpu.Reg(hv.Register(1 + i))
			if err != nil {
				return nil, fmt.Errorf("vcpu %d: read hypercall argument x%d: %w", l.id, 1+i, err)
			}
			if fn&0x40000000 == 0 {
				v &= 0xffffffff
			}
			out[i] = v
		}
		return out, nil
	}
	ret := func(v int64) (Outcome, error) {
		return Outcome{}, l.CompleteHypercall(v)
	}

	switch fn {
	case psciVersion:
		return ret(int64(psciVersion1_0))
	case psciMigrateInfoType:
		return ret(int64(psciTOSNotPresentMP))
	case psciFeatures:
		a, err := args(1)
		if err != nil {
			return Outcome{}, err
		}
		if psciSupported(uint32(a[0])) {
			return ret(PSCISuccess)
		}
		return ret(PSCINotSupported)
	case psciAffinityInfo32, psciAffinityInfo64:
		a, err := args(1)
		if err != nil {
			return Outcome{}, err
		}
		if l.cfg.AffinityInfo == nil {
			return ret(PSCIAffinityOn)
		}
		return ret(l.cfg.AffinityInfo(a[0]))
	case psciCPUOn32, psciCPUOn64:
		a, err := args(3)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Kind: OutcomeCPUOn, CPUOn: CPUOnRequest{TargetMPIDR: a[0], Entry: a[1], Context: a[2]}}, nil
	case psciCPUOff:
		return Outcome{Kind: OutcomeCPUOff}, nil
	case psciSystemOff:
		return Outcome{Kind: OutcomeShutdown}, nil
	case psciSystemReset:
		return Outcome{Kind: OutcomeReboot}, nil
	case HvcLockWait:
		if l.cfg.Locks == nil {
			return ret(PSCINotSupported)
		}
		if err := l.cfg.Locks.Park(l.id); err != nil {
			l.log.Warn("vcpu: lock park failed", "error", err)
			return ret(-1)
		}
		return ret(0)
	case HvcLockKick:
		if l.cfg.Locks == nil {
			return ret(PSCINotSupported)
		}
		a, err := args(1)
		if err != nil {
			return Outcome{}, err
		}
		l.cfg.Locks.Unpark(a[0])
		return ret(0)
	case HvcDeviceCall:
		a, err := args(2)
		if err != nil {
			return Outcome{}, err
		}
		return ret(l.cfg.Bus.CallHvc(l.id, uint32(a[0]), a[1]))
	default:
		if isPSCI(fn) {
			return ret(PSCINotSupported)
		}
		l.log.Debug("vcpu: ignoring unknown hypercall", "id", fmt.Sprintf("%#x", fn))
		return Outcome{}, nil
	}
}

// Run steps the vCPU until the guest turns it off, powers the machine down
// or ctx is done. It returns nil for CPU_OFF, hv.ErrVMHalted for
// SYSTEM_OFF and hv.ErrGuestRequestedReboot for SYSTEM_RESET.
func (l *Loop) Run(ctx context.Context) error {
	defer l.state.Store(uint32(StateShutdown))

	stop := context.AfterFunc(ctx, func() {
		l.wakeup.Assert(wakeStop)
		if err := l.cfg.Exiter.RequestExit(l.id); err != nil {
			l.log.Error("vcpu: request exit failed", "error", err)
		}
	})
	defer stop()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		out, err := l.Step()
		if err != nil {
			return err
		}

		switch out.Kind {
		case OutcomeContinue:
		case OutcomeWaitForEvent:
			if out.WFE {
				runtime.Gosched()
				continue
			}
			if err := l.idle(); err != nil {
				return err
			}
		case OutcomeVTimer:
			if l.cfg.OnVTimer != nil {
				l.cfg.OnVTimer(l.id)
			} else {
				l.timerIRQ = true
			}
		case OutcomeCPUOn:
			result := PSCINotSupported
			if l.cfg.OnCPUOn != nil {
				result = l.cfg.OnCPUOn(out.CPUOn)
			}
			if err := l.CompleteHypercall(result); err != nil {
				return err
			}
		case OutcomeBreakpoint:
			if l.cfg.OnBreakpoint == nil {
				return ErrBreakpoint
			}
			if err := l.cfg.OnBreakpoint(l.id); err != nil {
				return err
			}
		case OutcomeCPUOff:
			l.log.Debug("vcpu: powered off by guest")
			return nil
		case OutcomeShutdown:
			return hv.ErrVMHalted
		case OutcomeReboot:
			return hv.ErrGuestRequestedReboot
		}
	}
}

// idle parks the thread after WFI until an interrupt is raised, the guest's
// virtual timer is due, or the loop is stopped.
func (l *Loop) idle() error {
	if l.irqLevel.Load() || l.timerIRQ {
		return nil
	}
	d, armed, err := l.cpu.TimerDeadline()
	if err != nil {
		return fmt.Errorf("vcpu %d: timer deadline: %w", l.id, err)
	}
	if armed {
		if d <= 0 {
			return nil
		}
		t := time.AfterFunc(d, func() { l.wakeup.Assert(wakeTimer) })
		defer t.Stop()
	}

	l.rec.Record(sliceHost)
	l.wakeup.WaitPark(wakeKick|wakeTimer|wakeStop, parkWaker)
	l.rec.Record(sliceIdle)
	return nil
}
