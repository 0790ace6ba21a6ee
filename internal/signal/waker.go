package signal

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/syncevent"
)

// Waker is one wake strategy. The set of implementations is closed:
// *ParkWaker, *ReadinessWaker and *DynamicWaker.
type Waker interface {
	wake()
}

// WakerSet is the fixed list of wakers a device chooses at construction
// time. Channels refer to its members by WakerID.
type WakerSet struct {
	wakers []Waker
}

// NewWakerSet builds a set; the WakerID of each waker is its position.
func NewWakerSet(wakers ...Waker) *WakerSet {
	return &WakerSet{wakers: wakers}
}

// Len returns the number of wakers in the set.
func (s *WakerSet) Len() int { return len(s.wakers) }

// Waker returns the waker registered under id.
func (s *WakerSet) Waker(id WakerID) Waker { return s.get(id) }

func (s *WakerSet) get(id WakerID) Waker {
	if int(id) >= len(s.wakers) {
		panic(fmt.Sprintf("signal: waker %d out of range (%d wakers)", id, len(s.wakers)))
	}
	return s.wakers[id]
}

// ParkWaker parks a dedicated thread until it is woken.
type ParkWaker struct {
	w syncevent.Waiter
}

// NewParkWaker returns a ready to use ParkWaker.
func NewParkWaker() *ParkWaker {
	p := &ParkWaker{}
	p.w.Init()
	return p
}

func (p *ParkWaker) wake() { p.w.Notify(1) }

// Park blocks until the waker fires. A wake delivered while nobody was
// parked is remembered and consumed by the next Park.
func (p *ParkWaker) Park() { p.w.WaitAndAckAll() }

// ReadinessWaker makes a file descriptor readable when it fires, so that a
// channel can be folded into an external epoll/kqueue loop.
type ReadinessWaker struct {
	n *notifier
}

// NewReadinessWaker allocates the underlying descriptor.
func NewReadinessWaker() (*ReadinessWaker, error) {
	n, err := newNotifier()
	if err != nil {
		return nil, fmt.Errorf("signal: create readiness waker: %w", err)
	}
	return &ReadinessWaker{n: n}, nil
}

func (r *ReadinessWaker) wake() {
	if err := r.n.notify(); err != nil {
		slog.Error("signal: readiness wake failed", "fd", r.n.fd(), "error", err)
	}
}

// FD returns the descriptor that becomes readable on wake.
func (r *ReadinessWaker) FD() int { return r.n.fd() }

// Acknowledge consumes pending wakes. Call it only after the descriptor was
// reported readable.
func (r *ReadinessWaker) Acknowledge() error { return r.n.drain() }

// Close releases the descriptor.
func (r *ReadinessWaker) Close() error { return r.n.close() }

// DynamicWaker invokes a callback that may be rebound at runtime. An unbound
// DynamicWaker drops wakes.
type DynamicWaker struct {
	fn atomic.Pointer[func()]
}

// Bind installs fn as the callback. Passing nil unbinds.
func (d *DynamicWaker) Bind(fn func()) {
	if fn == nil {
		d.fn.Store(nil)
		return
	}
	d.fn.Store(&fn)
}

func (d *DynamicWaker) wake() {
	if fn := d.fn.Load(); fn != nil {
		(*fn)()
	}
}
