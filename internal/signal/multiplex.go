package signal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync/atomic"
)

// Interest selects the readiness events a descriptor is watched for.
type Interest uint8

const (
	InterestRead Interest = 1 << iota
	InterestWrite
)

// Readiness reports one descriptor that became ready.
type Readiness struct {
	FD       int
	Readable bool
	Writable bool
}

// Subscription ties a handler to one channel. Waker must name a
// DynamicWaker in the channel's set; the multiplexer rebinds it.
type Subscription struct {
	Channel *Channel
	Mask    Mask
	Waker   WakerID
}

// Handler is a device serviced by a shared multiplexer thread instead of a
// dedicated worker.
type Handler interface {
	// Subscriptions is called once, before the first Process.
	Subscriptions() []Subscription
	// Process must take every subscribed bit it was woken for.
	Process(ctl *InterestCtrl) error
}

// ErrInterestCtrlClosed is returned when an InterestCtrl is used outside
// the Process call it was passed to.
var ErrInterestCtrlClosed = errors.New("signal: interest control used outside Process")

// InterestCtrl lets a handler add its own descriptors to the multiplexer's
// readiness set. It is only valid for the duration of Process.
type InterestCtrl struct {
	m       *multiplexer
	handler int
	open    bool
	ready   []Readiness
}

// Register starts watching fd for in. Readiness of fd wakes this handler.
func (c *InterestCtrl) Register(fd int, in Interest) error {
	if !c.open {
		return ErrInterestCtrlClosed
	}
	if owner, ok := c.m.fds[fd]; ok {
		return fmt.Errorf("signal: fd %d already registered by handler %d", fd, owner)
	}
	if err := c.m.poll.add(fd, in); err != nil {
		return fmt.Errorf("signal: register fd %d: %w", fd, err)
	}
	c.m.fds[fd] = c.handler
	return nil
}

// Modify changes the interest set of a descriptor this handler registered.
func (c *InterestCtrl) Modify(fd int, in Interest) error {
	if !c.open {
		return ErrInterestCtrlClosed
	}
	if owner, ok := c.m.fds[fd]; !ok || owner != c.handler {
		return fmt.Errorf("signal: fd %d not registered by this handler", fd)
	}
	return c.m.poll.modify(fd, in)
}

// Deregister stops watching fd.
func (c *InterestCtrl) Deregister(fd int) error {
	if !c.open {
		return ErrInterestCtrlClosed
	}
	if owner, ok := c.m.fds[fd]; !ok || owner != c.handler {
		return fmt.Errorf("signal: fd %d not registered by this handler", fd)
	}
	delete(c.m.fds, fd)
	return c.m.poll.remove(fd)
}

// Ready returns the descriptors of this handler that became ready since
// its previous Process call.
func (c *InterestCtrl) Ready() []Readiness { return c.ready }

type multiplexer struct {
	handlers []Handler
	subs     [][]Subscription
	ctls     []InterestCtrl

	dirty   []atomic.Uint64
	pending atomic.Bool

	wake *notifier
	poll *poller
	fds  map[int]int
}

func (m *multiplexer) markDirty(i int) {
	m.dirty[i/64].Or(uint64(1) << (i % 64))
	if m.pending.CompareAndSwap(false, true) {
		if err := m.wake.notify(); err != nil {
			slog.Error("signal: multiplexer wake failed", "error", err)
		}
	}
}

// arm registers every subscription of handler i, marking it dirty if one of
// them already has pending bits.
func (m *multiplexer) arm(i int) {
	for _, s := range m.subs[i] {
		if !s.Channel.Arm(s.Mask, s.Waker) {
			m.markDirty(i)
		}
	}
}

// Multiplex services handlers from the calling goroutine until ctx is
// cancelled or a handler fails.
func Multiplex(ctx context.Context, handlers []Handler) (err error) {
	wake, err := newNotifier()
	if err != nil {
		return fmt.Errorf("signal: multiplexer notifier: %w", err)
	}
	defer wake.close()

	poll, err := newPoller()
	if err != nil {
		return fmt.Errorf("signal: multiplexer poller: %w", err)
	}
	defer poll.close()

	if err := poll.add(wake.fd(), InterestRead); err != nil {
		return fmt.Errorf("signal: multiplexer poller: %w", err)
	}

	m := &multiplexer{
		handlers: handlers,
		subs:     make([][]Subscription, len(handlers)),
		ctls:     make([]InterestCtrl, len(handlers)),
		dirty:    make([]atomic.Uint64, (len(handlers)+63)/64),
		wake:     wake,
		poll:     poll,
		fds:      make(map[int]int),
	}

	for i, h := range handlers {
		m.ctls[i] = InterestCtrl{m: m, handler: i}
		m.subs[i] = h.Subscriptions()
		for _, s := range m.subs[i] {
			dw, ok := s.Channel.Wakers().Waker(s.Waker).(*DynamicWaker)
			if !ok {
				return fmt.Errorf("signal: handler %d subscribes with waker %d which is not dynamic", i, s.Waker)
			}
			dw.Bind(func() { m.markDirty(i) })
		}
	}
	defer func() {
		for i := range m.subs {
			for _, s := range m.subs[i] {
				s.Channel.Disarm(s.Waker)
				s.Channel.Wakers().Waker(s.Waker).(*DynamicWaker).Bind(nil)
			}
		}
	}()

	// Every handler gets one initial pass so it can register descriptors.
	for i := range handlers {
		m.dirty[i/64].Or(uint64(1) << (i % 64))
	}

	stop := context.AfterFunc(ctx, func() {
		if err := wake.notify(); err != nil {
			slog.Error("signal: multiplexer cancel wake failed", "error", err)
		}
	})
	defer stop()

	var ready []Readiness
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		m.pending.Store(false)
		ran, err := m.runDirty()
		if err != nil {
			return err
		}
		if ran {
			continue
		}

		ready, err = poll.wait(ready[:0])
		if err != nil {
			return fmt.Errorf("signal: multiplexer wait: %w", err)
		}
		for _, r := range ready {
			if r.FD == wake.fd() {
				if err := wake.drain(); err != nil {
					return fmt.Errorf("signal: multiplexer drain: %w", err)
				}
				continue
			}
			owner, ok := m.fds[r.FD]
			if !ok {
				continue
			}
			m.ctls[owner].ready = append(m.ctls[owner].ready, r)
			m.dirty[owner/64].Or(uint64(1) << (owner % 64))
		}
	}
}

// runDirty processes every handler whose dirty bit is set and reports
// whether any ran.
func (m *multiplexer) runDirty() (bool, error) {
	ran := false
	for w := range m.dirty {
		word := m.dirty[w].Swap(0)
		for word != 0 {
			b := bits.TrailingZeros64(word)
			word &= word - 1
			i := w*64 + b
			ran = true

			ctl := &m.ctls[i]
			ctl.open = true
			err := m.handlers[i].Process(ctl)
			ctl.open = false
			ctl.ready = ctl.ready[:0]
			if err != nil {
				return ran, fmt.Errorf("signal: handler %d: %w", i, err)
			}

			if debugChecks {
				for _, s := range m.subs[i] {
					if s.Channel.CouldTake(s.Mask) {
						panic(fmt.Sprintf("signal: handler %d left bits %#x pending after Process", i, s.Mask))
					}
				}
			}
			m.arm(i)
		}
	}
	return ran, nil
}
