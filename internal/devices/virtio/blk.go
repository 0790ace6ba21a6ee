package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/ccvmm/internal/blockdev"
	"github.com/tinyrange/ccvmm/internal/metrics"
	"github.com/tinyrange/ccvmm/internal/signal"
)

// Virtio block request types
const (
	VIRTIO_BLK_T_IN           = 0
	VIRTIO_BLK_T_OUT          = 1
	VIRTIO_BLK_T_FLUSH        = 4
	VIRTIO_BLK_T_GET_ID       = 8
	VIRTIO_BLK_T_DISCARD      = 11
	VIRTIO_BLK_T_WRITE_ZEROES = 13
)

// Virtio block status codes
const (
	VIRTIO_BLK_S_OK     = 0
	VIRTIO_BLK_S_IOERR  = 1
	VIRTIO_BLK_S_UNSUPP = 2
)

// Virtio block feature bits
const (
	VIRTIO_BLK_F_SEG_MAX      = 1 << 2
	VIRTIO_BLK_F_RO           = 1 << 5
	VIRTIO_BLK_F_BLK_SIZE     = 1 << 6
	VIRTIO_BLK_F_FLUSH        = 1 << 9
	VIRTIO_BLK_F_DISCARD      = 1 << 13
	VIRTIO_BLK_F_WRITE_ZEROES = 1 << 14

	VIRTIO_BLK_WRITE_ZEROES_FLAG_UNMAP = 1
)

const (
	blkSectorSize   = 512
	blkQueueNumMax  = 256
	blkSegMax       = blkQueueNumMax - 2
	blkHeaderSize   = 16
	blkSegmentSize  = 16
	blkIDBytes      = 20
	blkMaxSegments  = 1
	blkMaxSectors   = 1 << 22
	blkConfigSize   = 60
	blkMaxIOChunk   = 1 << 20
	blkRequestQueue = 0
)

// BlockBackend is the storage behind a Blk device.
type BlockBackend = blockdev.Backend

// BlkOptions configures a Blk device.
type BlkOptions struct {
	// ID is returned for GET_ID, truncated to 20 bytes.
	ID       string
	ReadOnly bool
	Logger   *slog.Logger
}

// Blk is a virtio block device with one request queue serviced by a
// dedicated worker.
type Blk struct {
	backend BlockBackend
	opts    BlkOptions
	log     *slog.Logger
	ch      *signal.Channel
	config  [blkConfigSize]byte

	mu     sync.Mutex
	worker *worker
}

var _ Device = (*Blk)(nil)

// NewBlk creates a block device over backend.
func NewBlk(backend BlockBackend, opts BlkOptions) *Blk {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Blk{
		backend: backend,
		opts:    opts,
		log:     logger.With("device", TypeBlock.String()),
		ch:      newDeviceChannel(),
	}
	b.fillConfig()
	return b
}

func (b *Blk) fillConfig() {
	c := b.config[:]
	binary.LittleEndian.PutUint64(c[0:], uint64(b.backend.Size())/blkSectorSize)
	binary.LittleEndian.PutUint32(c[12:], blkSegMax)
	binary.LittleEndian.PutUint32(c[20:], blkSectorSize)
	binary.LittleEndian.PutUint32(c[36:], blkMaxSectors)
	binary.LittleEndian.PutUint32(c[40:], blkMaxSegments)
	binary.LittleEndian.PutUint32(c[44:], 1)
	binary.LittleEndian.PutUint32(c[48:], blkMaxSectors)
	binary.LittleEndian.PutUint32(c[52:], blkMaxSegments)
	c[56] = 1
}

func (b *Blk) Type() DeviceType { return TypeBlock }

func (b *Blk) Features() uint64 {
	f := uint64(VIRTIO_BLK_F_SEG_MAX | VIRTIO_BLK_F_BLK_SIZE | VIRTIO_BLK_F_FLUSH |
		VIRTIO_BLK_F_DISCARD | VIRTIO_BLK_F_WRITE_ZEROES)
	if b.opts.ReadOnly {
		f |= VIRTIO_BLK_F_RO
	}
	return f
}

func (b *Blk) QueueMaxSizes() []uint16 { return []uint16{blkQueueNumMax} }

func (b *Blk) ReadConfig(offset uint64, data []byte) {
	readConfigBytes(b.config[:], offset, data)
}

// WriteConfig ignores writes; the block config space is read-only here.
func (b *Blk) WriteConfig(offset uint64, data []byte) {
	b.log.Debug("virtio-blk: ignoring config write", "offset", offset, "size", len(data))
}

func (b *Blk) Notify(queue int) {
	if queue == blkRequestQueue {
		b.ch.Assert(queueBit(blkRequestQueue))
	}
}

func (b *Blk) Activate(act Activation) error {
	if len(act.Queues) == 0 || act.Queues[blkRequestQueue] == nil {
		return errors.New("virtio-blk: request queue not enabled")
	}
	q := act.Queues[blkRequestQueue]

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.worker != nil {
		return errors.New("virtio-blk: already active")
	}
	b.worker = startWorker(b.ch, queueBit(blkRequestQueue), b.log, act.Fail, func(signal.Mask) error {
		return b.service(q, act.IRQ)
	})
	return nil
}

func (b *Blk) Reset() {
	b.mu.Lock()
	w := b.worker
	b.worker = nil
	b.mu.Unlock()
	w.stop()
	b.ch.Take(^signal.Mask(0))
}

// service drains the request queue once. Backend failures are reported to
// the guest per request; only ring access failures stop the worker.
func (b *Blk) service(q *Queue, irq Signaller) error {
	res, err := DrainLoop(q, func(c *Chain) error {
		used, status := b.handle(c)
		metrics.VirtioRequests.WithLabelValues(TypeBlock.String(), blkStatusName(status)).Inc()
		return q.AddUsed(c.Head, used)
	})
	if err != nil {
		return err
	}
	if res.Notify {
		metrics.VirtioInterrupts.WithLabelValues(TypeBlock.String()).Inc()
		return irq.SignalUsed()
	}
	return nil
}

func blkStatusName(status byte) string {
	switch status {
	case VIRTIO_BLK_S_OK:
		return "ok"
	case VIRTIO_BLK_S_IOERR:
		return "ioerr"
	default:
		return "unsupported"
	}
}

type blkRequest struct {
	typ    uint32
	sector uint64
}

// handle executes one request and returns the used length and status. The
// status byte is the last writable byte of the chain.
func (b *Blk) handle(c *Chain) (uint32, byte) {
	if c.WritableLen() == 0 {
		b.log.Warn("virtio-blk: request without status byte", "head", c.Head)
		return 0, VIRTIO_BLK_S_IOERR
	}

	r := c.Reader()
	var hdr [blkHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		b.log.Warn("virtio-blk: short request header", "head", c.Head, "error", err)
		return b.finish(c, 0, VIRTIO_BLK_S_IOERR)
	}
	req := blkRequest{
		typ:    binary.LittleEndian.Uint32(hdr[0:4]),
		sector: binary.LittleEndian.Uint64(hdr[8:16]),
	}

	switch req.typ {
	case VIRTIO_BLK_T_IN:
		return b.read(c, req)
	case VIRTIO_BLK_T_OUT:
		return b.finish(c, 0, b.write(r, req))
	case VIRTIO_BLK_T_FLUSH:
		if err := b.backend.Flush(); err != nil {
			b.log.Error("virtio-blk: flush failed", "error", err)
			return b.finish(c, 0, VIRTIO_BLK_S_IOERR)
		}
		return b.finish(c, 0, VIRTIO_BLK_S_OK)
	case VIRTIO_BLK_T_GET_ID:
		return b.getID(c)
	case VIRTIO_BLK_T_DISCARD, VIRTIO_BLK_T_WRITE_ZEROES:
		return b.finish(c, 0, b.segments(r, req.typ))
	default:
		b.log.Debug("virtio-blk: unsupported request", "type", req.typ)
		return b.finish(c, 0, VIRTIO_BLK_S_UNSUPP)
	}
}

// finish writes the status byte after n bytes of data and returns the used
// length.
func (b *Blk) finish(c *Chain, n uint32, status byte) (uint32, byte) {
	w := c.Writer()
	skip := c.WritableLen() - 1
	if err := writeAt(w, skip, []byte{status}); err != nil {
		b.log.Warn("virtio-blk: write status failed", "head", c.Head, "error", err)
		return 0, status
	}
	return n + 1, status
}

// writeAt writes p at byte offset off of the writable part of a chain.
func writeAt(w *ChainWriter, off uint64, p []byte) error {
	for _, d := range w.descs {
		if off < uint64(d.Len) {
			_, err := w.mem.WriteAt(p, int64(d.Addr+off))
			return err
		}
		off -= uint64(d.Len)
	}
	return io.ErrShortWrite
}

func (b *Blk) inRange(sector, length uint64) bool {
	off := sector * blkSectorSize
	size := uint64(b.backend.Size())
	return sector < size/blkSectorSize+1 && off <= size && length <= size-off
}

func (b *Blk) read(c *Chain, req blkRequest) (uint32, byte) {
	want := c.WritableLen() - 1
	if want%blkSectorSize != 0 {
		b.log.Warn("virtio-blk: read length not a multiple of the sector size", "length", want)
		return b.finish(c, 0, VIRTIO_BLK_S_IOERR)
	}
	if !b.inRange(req.sector, want) {
		b.log.Warn("virtio-blk: read past end of device", "sector", req.sector, "length", want)
		return b.finish(c, 0, VIRTIO_BLK_S_IOERR)
	}

	w := c.Writer()
	off := int64(req.sector * blkSectorSize)
	buf := make([]byte, min(want, blkMaxIOChunk))
	var done uint64
	for done < want {
		chunk := buf[:min(want-done, uint64(len(buf)))]
		n, err := b.backend.ReadAt(chunk, off+int64(done))
		if n < len(chunk) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			b.log.Warn("virtio-blk: short read", "sector", req.sector, "offset", off+int64(done), "got", n, "want", len(chunk), "error", err)
			return b.finish(c, uint32(done), VIRTIO_BLK_S_IOERR)
		}
		if _, err := w.Write(chunk); err != nil {
			b.log.Warn("virtio-blk: copy to guest failed", "error", err)
			return b.finish(c, uint32(done), VIRTIO_BLK_S_IOERR)
		}
		done += uint64(n)
	}
	return b.finish(c, uint32(done), VIRTIO_BLK_S_OK)
}

func (b *Blk) write(r *ChainReader, req blkRequest) byte {
	if b.opts.ReadOnly {
		return VIRTIO_BLK_S_IOERR
	}
	length := r.Remaining()
	if length%blkSectorSize != 0 || !b.inRange(req.sector, length) {
		b.log.Warn("virtio-blk: invalid write", "sector", req.sector, "length", length)
		return VIRTIO_BLK_S_IOERR
	}

	off := int64(req.sector * blkSectorSize)
	buf := make([]byte, min(length, blkMaxIOChunk))
	var done uint64
	for done < length {
		chunk := buf[:min(length-done, uint64(len(buf)))]
		if _, err := io.ReadFull(r, chunk); err != nil {
			b.log.Warn("virtio-blk: copy from guest failed", "error", err)
			return VIRTIO_BLK_S_IOERR
		}
		if _, err := b.backend.WriteAt(chunk, off+int64(done)); err != nil {
			b.log.Error("virtio-blk: write failed", "offset", off+int64(done), "error", err)
			return VIRTIO_BLK_S_IOERR
		}
		done += uint64(len(chunk))
	}
	return VIRTIO_BLK_S_OK
}

func (b *Blk) getID(c *Chain) (uint32, byte) {
	var id [blkIDBytes]byte
	copy(id[:], b.opts.ID)
	n := min(uint64(blkIDBytes), c.WritableLen()-1)
	if _, err := c.Writer().Write(id[:n]); err != nil {
		return b.finish(c, 0, VIRTIO_BLK_S_IOERR)
	}
	return b.finish(c, uint32(n), VIRTIO_BLK_S_OK)
}

// segments handles DISCARD and WRITE_ZEROES, whose payload is a list of
// {sector, num_sectors, flags} segments.
func (b *Blk) segments(r *ChainReader, typ uint32) byte {
	if b.opts.ReadOnly {
		return VIRTIO_BLK_S_IOERR
	}
	if r.Remaining() == 0 || r.Remaining()%blkSegmentSize != 0 {
		return VIRTIO_BLK_S_UNSUPP
	}
	for r.Remaining() > 0 {
		var seg [blkSegmentSize]byte
		if _, err := io.ReadFull(r, seg[:]); err != nil {
			return VIRTIO_BLK_S_IOERR
		}
		sector := binary.LittleEndian.Uint64(seg[0:8])
		length := uint64(binary.LittleEndian.Uint32(seg[8:12])) * blkSectorSize
		flags := binary.LittleEndian.Uint32(seg[12:16])
		if !b.inRange(sector, length) {
			b.log.Warn("virtio-blk: segment past end of device", "sector", sector, "length", length)
			return VIRTIO_BLK_S_IOERR
		}
		off := int64(sector * blkSectorSize)

		if typ == VIRTIO_BLK_T_DISCARD {
			// Discard is a hint; hosts that cannot deallocate keep the data.
			if err := b.backend.PunchHole(off, int64(length)); err != nil && !errors.Is(err, blockdev.ErrPunchHoleUnsupported) {
				b.log.Error("virtio-blk: discard failed", "offset", off, "error", err)
				return VIRTIO_BLK_S_IOERR
			}
			continue
		}

		// With UNMAP the guest relies on the range being deallocated, so a
		// host that cannot punch holes fails the request.
		if flags&VIRTIO_BLK_WRITE_ZEROES_FLAG_UNMAP != 0 {
			if err := b.backend.PunchHole(off, int64(length)); err != nil {
				b.log.Error("virtio-blk: write zeroes (unmap) failed", "offset", off, "error", err)
				return VIRTIO_BLK_S_IOERR
			}
			continue
		}
		if err := b.zero(off, length); err != nil {
			b.log.Error("virtio-blk: write zeroes failed", "offset", off, "error", err)
			return VIRTIO_BLK_S_IOERR
		}
	}
	return VIRTIO_BLK_S_OK
}

func (b *Blk) zero(off int64, length uint64) error {
	buf := make([]byte, min(length, blkMaxIOChunk))
	for length > 0 {
		chunk := buf[:min(length, uint64(len(buf)))]
		if _, err := b.backend.WriteAt(chunk, off); err != nil {
			return fmt.Errorf("zero %d bytes at %d: %w", len(chunk), off, err)
		}
		off += int64(len(chunk))
		length -= uint64(len(chunk))
	}
	return nil
}

// readConfigBytes copies the config window at offset into data, zero
// filling past the end.
func readConfigBytes(config []byte, offset uint64, data []byte) {
	clear(data)
	if offset >= uint64(len(config)) {
		return
	}
	copy(data, config[offset:])
}
