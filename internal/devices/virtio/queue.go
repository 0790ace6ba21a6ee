package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
)

// Memory is guest physical memory; offsets passed to ReadAt and WriteAt are
// guest physical addresses.
type Memory interface {
	io.ReaderAt
	io.WriterAt
}

const (
	descFNext     = 1
	descFWrite    = 2
	descFIndirect = 4

	availFNoInterrupt = 1
	usedFNoNotify     = 1

	descSize     = 16
	usedElemSize = 8

	MaxQueueSize = 32768
)

var (
	ErrInvalidQueueSize = errors.New("virtio: queue size must be a power of two no larger than 32768")
	ErrRingOverrun      = errors.New("virtio: available index moved past the ring size")
	ErrChainTooLong     = errors.New("virtio: descriptor chain longer than the queue")
	ErrDescriptorIndex  = errors.New("virtio: descriptor index out of range")
	ErrChainOrder       = errors.New("virtio: readable descriptor after a writable one")
	ErrIndirect         = errors.New("virtio: indirect descriptors not negotiated")
)

var fenceWord atomic.Uint64

// fence orders ring accesses against the guest running on other CPUs.
func fence() { fenceWord.Add(0) }

// QueueConfig is the ring layout the driver programmed through the transport.
type QueueConfig struct {
	Size      uint16
	DescAddr  uint64
	AvailAddr uint64
	UsedAddr  uint64
	EventIdx  bool
}

// Queue is the device side of one split virtqueue. It is owned by a single
// worker; none of its methods are safe for concurrent use.
type Queue struct {
	mem Memory
	cfg QueueConfig
	log *slog.Logger

	nextAvail uint16
	nextUsed  uint16

	signalledUsed  uint16
	signalledValid bool
}

// NewQueue validates cfg and returns a queue positioned at the start of
// both rings.
func NewQueue(mem Memory, cfg QueueConfig, logger *slog.Logger) (*Queue, error) {
	if cfg.Size == 0 || cfg.Size&(cfg.Size-1) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidQueueSize, cfg.Size)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{mem: mem, cfg: cfg, log: logger}, nil
}

func (q *Queue) Size() uint16 { return q.cfg.Size }

func (q *Queue) Memory() Memory { return q.mem }

// Ring layout offsets. used_event trails the available ring and
// avail_event trails the used ring.
func (q *Queue) availRing(i uint16) uint64 {
	return q.cfg.AvailAddr + 4 + 2*uint64(i%q.cfg.Size)
}

func (q *Queue) usedEvent() uint64 {
	return q.cfg.AvailAddr + 4 + 2*uint64(q.cfg.Size)
}

func (q *Queue) usedRing(i uint16) uint64 {
	return q.cfg.UsedAddr + 4 + usedElemSize*uint64(i%q.cfg.Size)
}

func (q *Queue) availEvent() uint64 {
	return q.cfg.UsedAddr + 4 + usedElemSize*uint64(q.cfg.Size)
}

func (q *Queue) readU16(addr uint64) (uint16, error) {
	var b [2]byte
	if _, err := q.mem.ReadAt(b[:], int64(addr)); err != nil {
		return 0, fmt.Errorf("virtio: read guest %#x: %w", addr, err)
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (q *Queue) writeU16(addr uint64, v uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	if _, err := q.mem.WriteAt(b[:], int64(addr)); err != nil {
		return fmt.Errorf("virtio: write guest %#x: %w", addr, err)
	}
	return nil
}

func (q *Queue) availIdx() (uint16, error) { return q.readU16(q.cfg.AvailAddr + 2) }

// Pop returns the next available chain, or nil when the ring is empty.
// Chains that fail validation are retired with a zero length and skipped.
func (q *Queue) Pop() (*Chain, error) {
	for {
		avail, err := q.availIdx()
		if err != nil {
			return nil, err
		}
		if avail == q.nextAvail {
			return nil, nil
		}
		if avail-q.nextAvail > q.cfg.Size {
			return nil, fmt.Errorf("%w: avail=%d next=%d size=%d", ErrRingOverrun, avail, q.nextAvail, q.cfg.Size)
		}
		fence()

		head, err := q.readU16(q.availRing(q.nextAvail))
		if err != nil {
			return nil, err
		}
		q.nextAvail++

		c, err := q.walk(head)
		if err == nil {
			return c, nil
		}
		q.log.Warn("virtio: dropping malformed descriptor chain", "head", head, "error", err)
		if err := q.AddUsed(head, 0); err != nil {
			return nil, err
		}
	}
}

// UndoPop hands the most recently popped chain back to the ring so the next
// Pop returns it again.
func (q *Queue) UndoPop() { q.nextAvail-- }

func (q *Queue) walk(head uint16) (*Chain, error) {
	c := &Chain{Head: head, mem: q.mem, firstWritable: -1}
	idx := head
	for n := uint16(0); ; n++ {
		if n >= q.cfg.Size {
			return nil, ErrChainTooLong
		}
		if idx >= q.cfg.Size {
			return nil, fmt.Errorf("%w: %d", ErrDescriptorIndex, idx)
		}
		var raw [descSize]byte
		if _, err := q.mem.ReadAt(raw[:], int64(q.cfg.DescAddr+uint64(idx)*descSize)); err != nil {
			return nil, fmt.Errorf("virtio: read descriptor %d: %w", idx, err)
		}
		d := Descriptor{
			Addr:  binary.LittleEndian.Uint64(raw[0:8]),
			Len:   binary.LittleEndian.Uint32(raw[8:12]),
			Flags: binary.LittleEndian.Uint16(raw[12:14]),
			Next:  binary.LittleEndian.Uint16(raw[14:16]),
		}
		if d.Flags&descFIndirect != 0 {
			return nil, ErrIndirect
		}
		if d.Writable() {
			if c.firstWritable < 0 {
				c.firstWritable = len(c.Descs)
			}
		} else if c.firstWritable >= 0 {
			return nil, ErrChainOrder
		}
		c.Descs = append(c.Descs, d)
		if d.Flags&descFNext == 0 {
			break
		}
		idx = d.Next
	}
	if c.firstWritable < 0 {
		c.firstWritable = len(c.Descs)
	}
	return c, nil
}

// AddUsed retires a chain. The element is visible in guest memory before the
// used index that publishes it.
func (q *Queue) AddUsed(head uint16, length uint32) error {
	var elem [usedElemSize]byte
	binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:8], length)
	addr := q.usedRing(q.nextUsed)
	if _, err := q.mem.WriteAt(elem[:], int64(addr)); err != nil {
		return fmt.Errorf("virtio: write used element %#x: %w", addr, err)
	}
	fence()
	q.nextUsed++
	return q.writeU16(q.cfg.UsedAddr+2, q.nextUsed)
}

// DisableNotification asks the driver not to kick the device. With
// EVENT_IDX the driver stops kicking on its own once it passes avail_event.
func (q *Queue) DisableNotification() error {
	if q.cfg.EventIdx {
		return nil
	}
	flags, err := q.readU16(q.cfg.UsedAddr)
	if err != nil {
		return err
	}
	return q.writeU16(q.cfg.UsedAddr, flags|usedFNoNotify)
}

// EnableNotification re-arms driver kicks and reports whether chains became
// available while they were off.
func (q *Queue) EnableNotification() (bool, error) {
	if q.cfg.EventIdx {
		if err := q.writeU16(q.availEvent(), q.nextAvail); err != nil {
			return false, err
		}
	} else {
		flags, err := q.readU16(q.cfg.UsedAddr)
		if err != nil {
			return false, err
		}
		if err := q.writeU16(q.cfg.UsedAddr, flags&^usedFNoNotify); err != nil {
			return false, err
		}
	}
	fence()
	avail, err := q.availIdx()
	if err != nil {
		return false, err
	}
	return avail != q.nextAvail, nil
}

// NeedsNotification reports whether the driver asked to be interrupted for
// the chains retired since the previous call.
func (q *Queue) NeedsNotification() (bool, error) {
	fence()
	if !q.cfg.EventIdx {
		flags, err := q.readU16(q.cfg.AvailAddr)
		if err != nil {
			return false, err
		}
		return flags&availFNoInterrupt == 0, nil
	}

	used := q.nextUsed
	old, valid := q.signalledUsed, q.signalledValid
	q.signalledUsed, q.signalledValid = used, true
	if !valid {
		return true, nil
	}
	event, err := q.readU16(q.usedEvent())
	if err != nil {
		return false, err
	}
	return used-event-1 < used-old, nil
}
