package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/tinyrange/ccvmm/internal/metrics"
	"github.com/tinyrange/ccvmm/internal/netbackend"
	"github.com/tinyrange/ccvmm/internal/signal"
)

// Virtio net feature bits
const (
	VIRTIO_NET_F_MTU    = 1 << 3
	VIRTIO_NET_F_MAC    = 1 << 5
	VIRTIO_NET_F_STATUS = 1 << 16

	VIRTIO_NET_S_LINK_UP = 1
)

const (
	netQueueRX     = 0
	netQueueTX     = 1
	netQueueNumMax = 256

	// virtio_net_hdr_v1: flags, gso_type, hdr_len, gso_size, csum_start,
	// csum_offset, num_buffers.
	netHdrSize = 12

	netMaxFrame   = 65550
	netDefaultMTU = 1500

	netBitActivate = signal.Mask(1) << 62
	netBits        = 1<<netQueueRX | 1<<netQueueTX | netBitActivate
)

// NetBackend exchanges ethernet frames with the host side of the link.
// ReadFrame returns netbackend.ErrNothingRead when no frame is waiting and
// WriteFrame returns netbackend.ErrNothingWritten or ErrPartialWrite when the
// frame must be retried after FD becomes writable.
type NetBackend interface {
	ReadFrame(p []byte) (int, error)
	WriteFrame(p []byte) error
	FD() int
}

// NetOptions configures a Net device.
type NetOptions struct {
	MAC    net.HardwareAddr
	MTU    uint16
	Logger *slog.Logger
}

// Net is a virtio network device. It has no thread of its own: it is a
// signal.Handler serviced by the shared multiplexer, which also watches the
// backend descriptor.
type Net struct {
	backend NetBackend
	log     *slog.Logger
	ch      *signal.Channel
	config  [10]byte

	mu         sync.Mutex
	rx, tx     *Queue
	irq        Signaller
	active     bool
	registered bool
	interest   signal.Interest

	buf     []byte
	pending []byte
	rxFull  bool
	txBlock bool
}

var (
	_ Device         = (*Net)(nil)
	_ signal.Handler = (*Net)(nil)
)

// NewNet creates a network device over backend.
func NewNet(backend NetBackend, opts NetOptions) (*Net, error) {
	if len(opts.MAC) != 6 {
		return nil, fmt.Errorf("virtio-net: invalid MAC address %q", opts.MAC)
	}
	if opts.MTU == 0 {
		opts.MTU = netDefaultMTU
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	n := &Net{
		backend: backend,
		log:     logger.With("device", TypeNet.String()),
		ch:      newDeviceChannel(),
		buf:     make([]byte, netMaxFrame),
	}
	copy(n.config[0:6], opts.MAC)
	binary.LittleEndian.PutUint16(n.config[6:], VIRTIO_NET_S_LINK_UP)
	binary.LittleEndian.PutUint16(n.config[8:], opts.MTU)
	return n, nil
}

func (n *Net) Type() DeviceType { return TypeNet }

func (n *Net) Features() uint64 {
	return VIRTIO_NET_F_MAC | VIRTIO_NET_F_STATUS | VIRTIO_NET_F_MTU
}

func (n *Net) QueueMaxSizes() []uint16 { return []uint16{netQueueNumMax, netQueueNumMax} }

func (n *Net) ReadConfig(offset uint64, data []byte) {
	readConfigBytes(n.config[:], offset, data)
}

func (n *Net) WriteConfig(offset uint64, data []byte) {
	n.log.Debug("virtio-net: ignoring config write", "offset", offset, "size", len(data))
}

func (n *Net) Notify(queue int) {
	switch queue {
	case netQueueRX, netQueueTX:
		n.ch.Assert(queueBit(queue))
	}
}

func (n *Net) Activate(act Activation) error {
	if len(act.Queues) < 2 || act.Queues[netQueueRX] == nil || act.Queues[netQueueTX] == nil {
		return errors.New("virtio-net: rx and tx queues must both be enabled")
	}
	n.mu.Lock()
	n.rx, n.tx = act.Queues[netQueueRX], act.Queues[netQueueTX]
	n.irq = act.IRQ
	n.active = true
	n.pending = nil
	n.rxFull, n.txBlock = false, false
	n.mu.Unlock()
	n.ch.Assert(netBitActivate)
	return nil
}

// Reset detaches the queues. Process holds mu while it touches them, so no
// queue access happens after Reset returns.
func (n *Net) Reset() {
	n.mu.Lock()
	n.rx, n.tx, n.irq = nil, nil, nil
	n.active = false
	n.pending = nil
	n.mu.Unlock()
	// Let the multiplexer drop the backend descriptor.
	n.ch.Assert(netBitActivate)
}

// Subscriptions implements signal.Handler.
func (n *Net) Subscriptions() []signal.Subscription {
	return []signal.Subscription{{Channel: n.ch, Mask: netBits, Waker: wakerShared}}
}

// Process implements signal.Handler.
func (n *Net) Process(ctl *signal.InterestCtrl) error {
	bits := n.ch.Take(netBits)

	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.active {
		if n.registered {
			n.registered = false
			return ctl.Deregister(n.backend.FD())
		}
		return nil
	}
	if !n.registered {
		if err := ctl.Register(n.backend.FD(), signal.InterestRead); err != nil {
			return err
		}
		n.registered = true
		n.interest = signal.InterestRead
	}

	var readable, writable bool
	for _, r := range ctl.Ready() {
		if r.FD == n.backend.FD() {
			readable = readable || r.Readable
			writable = writable || r.Writable
		}
	}

	if bits.Has(queueBit(netQueueTX)) || (writable && n.txBlock) || bits.Has(netBitActivate) {
		if err := n.transmit(); err != nil {
			return err
		}
	}
	if bits.Has(queueBit(netQueueRX)) {
		n.rxFull = false
	}
	if !n.rxFull && (readable || n.pending != nil || bits.Has(queueBit(netQueueRX)) || bits.Has(netBitActivate)) {
		if err := n.receive(); err != nil {
			return err
		}
	}
	return n.updateInterest(ctl)
}

// updateInterest watches for readability only while the guest has rx
// buffers, and for writability only while a tx frame is deferred, so the
// level-triggered poller does not spin.
func (n *Net) updateInterest(ctl *signal.InterestCtrl) error {
	var in signal.Interest
	if !n.rxFull {
		in |= signal.InterestRead
	}
	if n.txBlock {
		in |= signal.InterestWrite
	}
	if in == n.interest {
		return nil
	}
	n.interest = in
	return ctl.Modify(n.backend.FD(), in)
}

func (n *Net) transmit() error {
	res, err := DrainLoop(n.tx, func(c *Chain) error {
		r := c.Reader()
		total := r.Remaining()
		if total < netHdrSize || total > netHdrSize+netMaxFrame {
			n.log.Warn("virtio-net: dropping malformed tx chain", "head", c.Head, "length", total)
			metrics.VirtioRequests.WithLabelValues(TypeNet.String(), "dropped").Inc()
			return n.tx.AddUsed(c.Head, 0)
		}
		frame := make([]byte, total)
		if _, err := io.ReadFull(r, frame); err != nil {
			return fmt.Errorf("virtio-net: copy tx frame: %w", err)
		}
		err := n.backend.WriteFrame(frame[netHdrSize:])
		switch {
		case errors.Is(err, netbackend.ErrNothingWritten), errors.Is(err, netbackend.ErrPartialWrite):
			n.tx.UndoPop()
			return ErrDeferred
		case err != nil:
			n.log.Warn("virtio-net: backend write failed, dropping frame", "error", err)
			metrics.VirtioRequests.WithLabelValues(TypeNet.String(), "dropped").Inc()
		default:
			metrics.VirtioRequests.WithLabelValues(TypeNet.String(), "tx").Inc()
		}
		return n.tx.AddUsed(c.Head, 0)
	})
	if err != nil {
		return err
	}
	n.txBlock = res.Deferred
	if res.Notify {
		return n.signal()
	}
	return nil
}

// receive moves frames from the backend into guest rx buffers until either
// side runs dry. A frame read while the ring is full is held in pending.
func (n *Net) receive() error {
	var delivered bool
	for {
		if n.pending == nil {
			clear(n.buf[:netHdrSize])
			size, err := n.backend.ReadFrame(n.buf[netHdrSize:])
			if errors.Is(err, netbackend.ErrNothingRead) {
				break
			}
			if err != nil {
				n.log.Warn("virtio-net: backend read failed", "error", err)
				break
			}
			// num_buffers
			binary.LittleEndian.PutUint16(n.buf[10:], 1)
			n.pending = n.buf[:netHdrSize+size]
		}

		c, err := n.rx.Pop()
		if err != nil {
			return err
		}
		if c == nil {
			more, err := n.rx.EnableNotification()
			if err != nil {
				return err
			}
			if more {
				continue
			}
			n.rxFull = true
			break
		}

		w := c.Writer()
		if _, err := w.Write(n.pending); err != nil {
			n.log.Warn("virtio-net: rx buffer too small, frame truncated", "head", c.Head, "frame", len(n.pending), "error", err)
		}
		if err := n.rx.AddUsed(c.Head, w.Written()); err != nil {
			return err
		}
		metrics.VirtioRequests.WithLabelValues(TypeNet.String(), "rx").Inc()
		n.pending = nil
		delivered = true
	}

	if !delivered {
		return nil
	}
	notify, err := n.rx.NeedsNotification()
	if err != nil {
		return err
	}
	if notify {
		return n.signal()
	}
	return nil
}

func (n *Net) signal() error {
	metrics.VirtioInterrupts.WithLabelValues(TypeNet.String()).Inc()
	return n.irq.SignalUsed()
}
