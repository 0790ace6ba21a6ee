// Package signal implements the event and wake coordination used between
// vCPU threads, device code and device workers.
//
// A Channel carries up to 64 independent event bits. Any thread may assert
// bits. A single waiter at a time may register interest in a subset of bits
// together with a Waker from the channel's WakerSet; the waker then fires at
// most once for that registration, when one of the interesting bits is newly
// asserted.
package signal

import (
	"fmt"
	"math"
	"sync/atomic"

	"gvisor.dev/gvisor/pkg/hostarch"
)

// Mask is a set of event bits. Each device assigns a fixed meaning to each
// bit it uses.
type Mask uint64

// Has reports whether any bit of other is set in m.
func (m Mask) Has(other Mask) bool { return m&other != 0 }

// WakerID indexes a Waker inside a WakerSet.
type WakerID uint32

const noWaker = math.MaxUint32

// Channel is a lock-free multi-bit event with a pluggable waker.
//
// All fields are accessed with sequentially consistent atomics. Assert
// publishes the bit before it inspects the registration and Arm publishes
// the registration before it inspects the bits, so one of the two always
// observes the other.
type Channel struct {
	asserted atomic.Uint64

	_ [hostarch.CacheLineSize - 8]byte

	wakeMask atomic.Uint64
	active   atomic.Uint32

	wakers *WakerSet
}

// NewChannel returns a channel bound to wakers.
func NewChannel(wakers *WakerSet) *Channel {
	c := &Channel{wakers: wakers}
	c.active.Store(noWaker)
	return c
}

// Wakers returns the set the channel was created with.
func (c *Channel) Wakers() *WakerSet { return c.wakers }

// Assert sets mask and fires the registered waker if it waits on any of the
// newly set bits.
func (c *Channel) Assert(mask Mask) {
	prev := Mask(c.asserted.Or(uint64(mask)))
	fresh := mask &^ prev
	if fresh == 0 {
		return
	}
	if Mask(c.wakeMask.Load())&fresh == 0 {
		return
	}
	id := c.active.Swap(noWaker)
	if id == noWaker {
		return
	}
	c.wakers.get(WakerID(id)).wake()
}

// Take clears mask and returns the bits of mask that were set.
func (c *Channel) Take(mask Mask) Mask {
	return Mask(c.asserted.And(^uint64(mask))) & mask
}

// CouldTake reports whether any bit of mask is set without clearing it.
func (c *Channel) CouldTake(mask Mask) bool {
	return Mask(c.asserted.Load())&mask != 0
}

// Arm registers id as the waker for mask. It returns false, leaving nothing
// registered, if a bit of mask is already set; the caller should Take
// instead of blocking.
//
// Re-arming the waker that is already registered only updates the mask.
// Arming a different waker while one is registered is a programming error.
func (c *Channel) Arm(mask Mask, id WakerID) bool {
	c.wakeMask.Store(uint64(mask))
	if !c.active.CompareAndSwap(noWaker, uint32(id)) {
		if cur := c.active.Load(); cur != uint32(id) {
			if debugChecks {
				panic(fmt.Sprintf("signal: waker %d armed while waker %d is registered", id, cur))
			}
			c.active.Store(uint32(id))
		}
	}
	if c.CouldTake(mask) {
		c.Disarm(id)
		return false
	}
	return true
}

// Disarm removes the registration of id if it is still the active one.
// A wake that Assert already claimed may still be delivered after Disarm
// returns; wakers tolerate one such late delivery as a spurious wakeup.
func (c *Channel) Disarm(id WakerID) {
	c.active.CompareAndSwap(uint32(id), noWaker)
}

// Wait registers id for mask and, unless a bit of mask is already set, runs
// body, which is expected to block until the waker fires. It reports whether
// body ran. The registration is cleared on every return path, including a
// panic inside body.
//
// A caller that gets true must still call Take to learn which bits fired.
func (c *Channel) Wait(mask Mask, id WakerID, body func()) bool {
	if !c.Arm(mask, id) {
		return false
	}
	defer c.Disarm(id)
	body()
	return true
}

// WaitPark blocks the calling thread until a bit of mask is set, then takes
// and returns the set bits. id must name a ParkWaker.
func (c *Channel) WaitPark(mask Mask, id WakerID) Mask {
	pw, ok := c.wakers.get(id).(*ParkWaker)
	if !ok {
		panic(fmt.Sprintf("signal: waker %d is not a park waker", id))
	}
	for {
		if got := c.Take(mask); got != 0 {
			return got
		}
		c.Wait(mask, id, pw.Park)
	}
}
