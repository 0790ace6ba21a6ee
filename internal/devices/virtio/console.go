package virtio

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/ccvmm/internal/metrics"
	"github.com/tinyrange/ccvmm/internal/signal"
)

const (
	VIRTIO_CONSOLE_F_SIZE = 1 << 0
)

const (
	consoleQueueReceive  = 0
	consoleQueueTransmit = 1
	consoleQueueNumMax   = 256
	consoleConfigSize    = 12
	consoleInputBacklog  = 64
	consoleReadChunk     = 4096

	consoleBitInput = signal.Mask(1) << 2
)

// Console is a single-port virtio console. Host input is pumped from In by
// a reader goroutine; guest output is written to Out by the worker.
type Console struct {
	out io.Writer
	in  io.Reader
	log *slog.Logger
	ch  *signal.Channel

	input    chan []byte
	pumpOnce sync.Once
	pending  []byte
	configMu sync.Mutex
	config   [consoleConfigSize]byte
	irqMu    sync.Mutex
	irq      Signaller
	workerMu sync.Mutex
	worker   *worker
}

var _ Device = (*Console)(nil)

// NewConsole creates a console. in may be nil for an output-only console.
func NewConsole(out io.Writer, in io.Reader, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Console{
		out:   out,
		in:    in,
		log:   logger.With("device", TypeConsole.String()),
		ch:    newDeviceChannel(),
		input: make(chan []byte, consoleInputBacklog),
	}
	binary.LittleEndian.PutUint32(c.config[4:], 1)
	return c
}

func (c *Console) Type() DeviceType { return TypeConsole }

func (c *Console) Features() uint64 { return VIRTIO_CONSOLE_F_SIZE }

func (c *Console) QueueMaxSizes() []uint16 {
	return []uint16{consoleQueueNumMax, consoleQueueNumMax}
}

func (c *Console) ReadConfig(offset uint64, data []byte) {
	c.configMu.Lock()
	defer c.configMu.Unlock()
	readConfigBytes(c.config[:], offset, data)
}

// WriteConfig handles emerg_wr, the only driver-writable field.
func (c *Console) WriteConfig(offset uint64, data []byte) {
	if offset == 8 && len(data) > 0 {
		if _, err := c.out.Write(data[:1]); err != nil {
			c.log.Warn("virtio-console: emergency write failed", "error", err)
		}
	}
}

// SetSize updates the terminal size reported to the guest.
func (c *Console) SetSize(cols, rows uint16) error {
	c.configMu.Lock()
	binary.LittleEndian.PutUint16(c.config[0:], cols)
	binary.LittleEndian.PutUint16(c.config[2:], rows)
	c.configMu.Unlock()

	c.irqMu.Lock()
	irq := c.irq
	c.irqMu.Unlock()
	if irq == nil {
		return nil
	}
	return irq.SignalConfig()
}

func (c *Console) Notify(queue int) {
	switch queue {
	case consoleQueueReceive, consoleQueueTransmit:
		c.ch.Assert(queueBit(queue))
	}
}

func (c *Console) Activate(act Activation) error {
	if len(act.Queues) < 2 || act.Queues[consoleQueueReceive] == nil || act.Queues[consoleQueueTransmit] == nil {
		return errors.New("virtio-console: receive and transmit queues must both be enabled")
	}
	rx, tx := act.Queues[consoleQueueReceive], act.Queues[consoleQueueTransmit]

	c.workerMu.Lock()
	defer c.workerMu.Unlock()
	if c.worker != nil {
		return errors.New("virtio-console: already active")
	}
	c.irqMu.Lock()
	c.irq = act.IRQ
	c.irqMu.Unlock()

	c.pumpOnce.Do(c.startPump)
	c.pending = nil
	mask := queueBit(consoleQueueReceive) | queueBit(consoleQueueTransmit) | consoleBitInput
	c.worker = startWorker(c.ch, mask, c.log, act.Fail, func(bits signal.Mask) error {
		return c.service(rx, tx, act.IRQ)
	})
	return nil
}

func (c *Console) Reset() {
	c.workerMu.Lock()
	w := c.worker
	c.worker = nil
	c.workerMu.Unlock()
	w.stop()
	c.ch.Take(^signal.Mask(0))

	c.irqMu.Lock()
	c.irq = nil
	c.irqMu.Unlock()
}

// startPump reads host input for the lifetime of the process. A read from a
// terminal cannot be interrupted, so the pump is not tied to activation.
func (c *Console) startPump() {
	if c.in == nil {
		return
	}
	go func() {
		for {
			buf := make([]byte, consoleReadChunk)
			n, err := c.in.Read(buf)
			if n > 0 {
				c.input <- buf[:n]
				c.ch.Assert(consoleBitInput)
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					c.log.Warn("virtio-console: input read failed", "error", err)
				}
				return
			}
		}
	}()
}

func (c *Console) service(rx, tx *Queue, irq Signaller) error {
	notify := false

	res, err := DrainLoop(tx, func(ch *Chain) error {
		if _, err := io.Copy(c.out, ch.Reader()); err != nil {
			c.log.Warn("virtio-console: output write failed", "error", err)
		}
		metrics.VirtioRequests.WithLabelValues(TypeConsole.String(), "tx").Inc()
		return tx.AddUsed(ch.Head, 0)
	})
	if err != nil {
		return err
	}
	notify = notify || res.Notify

	delivered, err := c.fillReceive(rx)
	if err != nil {
		return err
	}
	if delivered {
		n, err := rx.NeedsNotification()
		if err != nil {
			return err
		}
		notify = notify || n
	}

	if notify {
		metrics.VirtioInterrupts.WithLabelValues(TypeConsole.String()).Inc()
		return irq.SignalUsed()
	}
	return nil
}

// fillReceive copies pending host input into receive buffers. Input that
// does not fit stays pending until the guest posts more buffers.
func (c *Console) fillReceive(rx *Queue) (bool, error) {
	delivered := false
	for {
		if len(c.pending) == 0 {
			select {
			case chunk := <-c.input:
				c.pending = chunk
			default:
				return delivered, nil
			}
		}

		ch, err := rx.Pop()
		if err != nil {
			return delivered, err
		}
		if ch == nil {
			more, err := rx.EnableNotification()
			if err != nil || !more {
				return delivered, err
			}
			continue
		}

		w := ch.Writer()
		n, _ := w.Write(c.pending)
		c.pending = c.pending[n:]
		if err := rx.AddUsed(ch.Head, w.Written()); err != nil {
			return delivered, err
		}
		metrics.VirtioRequests.WithLabelValues(TypeConsole.String(), "rx").Inc()
		delivered = true
	}
}
