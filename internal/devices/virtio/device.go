package virtio

import (
	"log/slog"

	"github.com/tinyrange/ccvmm/internal/signal"
)

// DeviceType is the virtio device id reported through the transport.
type DeviceType uint32

const (
	TypeNet     DeviceType = 1
	TypeBlock   DeviceType = 2
	TypeConsole DeviceType = 3
	TypeBalloon DeviceType = 5
)

func (t DeviceType) String() string {
	switch t {
	case TypeNet:
		return "virtio-net"
	case TypeBlock:
		return "virtio-blk"
	case TypeConsole:
		return "virtio-console"
	case TypeBalloon:
		return "virtio-balloon"
	default:
		return "virtio"
	}
}

const (
	FeatureRingEventIdx uint64 = 1 << 29
	FeatureVersion1     uint64 = 1 << 32
)

// Signaller raises the transport's interrupt on behalf of a device.
type Signaller interface {
	// SignalUsed reports new used-ring entries. Call it only after the
	// entries are published.
	SignalUsed() error
	// SignalConfig reports a change of the device configuration space.
	SignalConfig() error
}

// Activation is everything a device needs to start servicing its queues.
// Queues the driver did not enable are nil.
type Activation struct {
	Mem      Memory
	Features uint64
	Queues   []*Queue
	IRQ      Signaller
	// Fail, if set, receives the error that stopped the device's worker.
	Fail func(error)
}

// Device is the transport-independent part of a virtio device.
type Device interface {
	Type() DeviceType
	// Features is the device feature set, excluding transport features.
	Features() uint64
	// QueueMaxSizes has one entry per queue the device can expose.
	QueueMaxSizes() []uint16

	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)

	// Notify is called from a vCPU thread when the driver kicks queue.
	Notify(queue int)

	// Activate starts the device's workers.
	Activate(act Activation) error
	// Reset stops the workers and waits for them to exit.
	Reset()
}

// Wakers every device channel is created with. Dedicated workers park on
// wakerPark; devices serviced by the multiplexer subscribe with wakerShared.
const (
	wakerPark signal.WakerID = iota
	wakerShared
)

const bitStop signal.Mask = 1 << 63

func queueBit(i int) signal.Mask { return signal.Mask(1) << i }

func newDeviceChannel() *signal.Channel {
	return signal.NewChannel(signal.NewWakerSet(signal.NewParkWaker(), &signal.DynamicWaker{}))
}

// worker is a dedicated goroutine parked on a device channel between
// batches of work.
type worker struct {
	ch   *signal.Channel
	done chan struct{}
}

func startWorker(ch *signal.Channel, mask signal.Mask, logger *slog.Logger, fail func(error), fn func(bits signal.Mask) error) *worker {
	w := &worker{ch: ch, done: make(chan struct{})}
	// Work signalled before activation is serviced on the first pass.
	ch.Assert(mask &^ bitStop)
	go func() {
		defer close(w.done)
		for {
			bits := ch.WaitPark(mask|bitStop, wakerPark)
			if bits.Has(bitStop) {
				return
			}
			if err := fn(bits); err != nil {
				logger.Error("virtio: worker stopped", "error", err)
				if fail != nil {
					fail(err)
				}
				return
			}
		}
	}()
	return w
}

func (w *worker) stop() {
	if w == nil {
		return
	}
	w.ch.Assert(bitStop)
	<-w.done
}
