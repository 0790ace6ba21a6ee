// Package pvlock services the paravirtual spinlock hypercalls. A vCPU that
// spins too long on a contended lock parks; the lock holder kicks it on
// release.
package pvlock

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/ccvmm/internal/signal"
)

var ErrClosed = errors.New("pvlock: coordinator closed")

const (
	bitKick signal.Mask = 1 << iota
	bitTimeout
	bitClosed

	parkWaker signal.WakerID = 0
)

// DefaultTimeout bounds a single park. The guest re-checks the lock word
// after every return, so an early return only costs a spin.
const DefaultTimeout = 10 * time.Millisecond

type Options struct {
	Timeout time.Duration
	Logger  *slog.Logger
}

// Coordinator holds one wake permit per vCPU. A kick that arrives before
// the matching park is kept, so Park returns at once and the wakeup is not
// lost.
type Coordinator struct {
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	vcpus  map[uint64]*signal.Channel
	closed bool
}

func New(opts Options) *Coordinator {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		timeout: opts.Timeout,
		log:     logger.With("component", "pvlock"),
		vcpus:   make(map[uint64]*signal.Channel),
	}
}

func (c *Coordinator) channel(vcpu uint64) (*signal.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	ch, ok := c.vcpus[vcpu]
	if !ok {
		ch = signal.NewChannel(signal.NewWakerSet(signal.NewParkWaker()))
		c.vcpus[vcpu] = ch
	}
	return ch, nil
}

// Park blocks the calling vCPU thread until it is kicked, the park times out
// or the coordinator is closed. It consumes the vCPU's permit.
func (c *Coordinator) Park(vcpu uint64) error {
	ch, err := c.channel(vcpu)
	if err != nil {
		return err
	}
	if ch.Take(bitKick) != 0 {
		return nil
	}

	t := time.AfterFunc(c.timeout, func() { ch.Assert(bitTimeout) })
	got := ch.WaitPark(bitKick|bitTimeout|bitClosed, parkWaker)
	t.Stop()
	// A timeout that fired after the kick must not satisfy the next park.
	ch.Take(bitTimeout)

	if got.Has(bitClosed) {
		ch.Assert(bitClosed)
		return ErrClosed
	}
	if !got.Has(bitKick) {
		c.log.Debug("pvlock: park timed out", "vcpu", vcpu)
	}
	return nil
}

// Unpark grants vcpu a permit, waking it if it is parked.
func (c *Coordinator) Unpark(vcpu uint64) {
	ch, err := c.channel(vcpu)
	if err != nil {
		return
	}
	ch.Assert(bitKick)
}

// Close wakes every parked vCPU. Later parks fail with ErrClosed.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	for _, ch := range c.vcpus {
		ch.Assert(bitClosed)
	}
	return nil
}
