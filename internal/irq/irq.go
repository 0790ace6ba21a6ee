// Package irq tracks interrupt line levels and forwards level changes to the
// host interrupt controller or to a vCPU's private interrupt input.
package irq

import (
	"errors"
	"fmt"
	"sync"
)

// AnyVCPU routes an interrupt through the shared controller instead of a
// specific vCPU.
const AnyVCPU = ^uint64(0)

var (
	ErrNoLinesLeft  = errors.New("irq: no interrupt lines left")
	ErrUnknownVCPU  = errors.New("irq: vcpu has no attached interrupt input")
	ErrLineReserved = errors.New("irq: line already allocated")
)

// Sink drives shared interrupt lines, typically hv.VM.
type Sink interface {
	SetIRQ(line uint32, level bool) error
}

// VCPUInput is the interrupt side of a vCPU exit loop.
type VCPUInput interface {
	// SetIRQ drives the vCPU's private interrupt input.
	SetIRQ(level bool)
	// Wake ends an idle wait so the vCPU re-enters the guest, where the host
	// controller delivers pending shared interrupts.
	Wake()
}

// Controller hands out shared lines and deduplicates level changes so the
// sink only sees transitions.
type Controller struct {
	mu sync.Mutex

	sink  Sink
	first uint32
	last  uint32
	next  uint32

	levels map[uint32]bool
	names  map[uint32]string
	vcpus  map[uint64]VCPUInput
}

// NewController manages lines [first, last].
func NewController(sink Sink, first, last uint32) *Controller {
	return &Controller{
		sink:   sink,
		first:  first,
		last:   last,
		next:   first,
		levels: make(map[uint32]bool),
		names:  make(map[uint32]string),
		vcpus:  make(map[uint64]VCPUInput),
	}
}

// Allocate reserves the next free line for name.
func (c *Controller) Allocate(name string) (*Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for c.next <= c.last {
		n := c.next
		c.next++
		if _, taken := c.names[n]; taken {
			continue
		}
		c.names[n] = name
		return &Line{c: c, num: n}, nil
	}
	return nil, fmt.Errorf("%w (allocating for %s)", ErrNoLinesLeft, name)
}

// Reserve claims a specific line.
func (c *Controller) Reserve(name string, line uint32) (*Line, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if owner, taken := c.names[line]; taken {
		return nil, fmt.Errorf("%w: %d by %s", ErrLineReserved, line, owner)
	}
	c.names[line] = name
	return &Line{c: c, num: line}, nil
}

// AttachVCPU registers a running vCPU. It is woken whenever a shared line
// rises.
func (c *Controller) AttachVCPU(id uint64, in VCPUInput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vcpus[id] = in
}

// DetachVCPU forgets a vCPU that stopped running.
func (c *Controller) DetachVCPU(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.vcpus, id)
}

// SetIRQ drives a shared line. A rising edge wakes every attached vCPU; the
// host controller picks the one that takes it.
func (c *Controller) SetIRQ(line uint32, level bool) error {
	c.mu.Lock()
	if c.levels[line] == level {
		c.mu.Unlock()
		return nil
	}
	c.levels[line] = level
	var wake []VCPUInput
	if level {
		wake = make([]VCPUInput, 0, len(c.vcpus))
		for _, v := range c.vcpus {
			wake = append(wake, v)
		}
	}
	c.mu.Unlock()

	if err := c.sink.SetIRQ(line, level); err != nil {
		return fmt.Errorf("irq: set line %d to %t: %w", line, level, err)
	}
	for _, v := range wake {
		v.Wake()
	}
	return nil
}

// SetIRQForVCPU drives line on one vCPU's private input, or on the shared
// controller when vcpu is AnyVCPU.
func (c *Controller) SetIRQForVCPU(vcpu uint64, line uint32, level bool) error {
	if vcpu == AnyVCPU {
		return c.SetIRQ(line, level)
	}
	c.mu.Lock()
	in, ok := c.vcpus[vcpu]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: vcpu %d line %d", ErrUnknownVCPU, vcpu, line)
	}
	in.SetIRQ(level)
	return nil
}

// Level reports the last level driven on a shared line.
func (c *Controller) Level(line uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.levels[line]
}

// Line is one allocated shared interrupt line.
type Line struct {
	c   *Controller
	num uint32
}

func (l *Line) Number() uint32 { return l.num }

// Set drives the line level. Repeating the current level is a no-op.
func (l *Line) Set(level bool) error { return l.c.SetIRQ(l.num, level) }
