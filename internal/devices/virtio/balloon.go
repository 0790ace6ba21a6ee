package virtio

import (
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/ccvmm/internal/metrics"
	"github.com/tinyrange/ccvmm/internal/reclaim"
	"github.com/tinyrange/ccvmm/internal/signal"
)

// Virtio balloon feature bits
const (
	VIRTIO_BALLOON_F_MUST_TELL_HOST = 1 << 0
	VIRTIO_BALLOON_F_STATS_VQ       = 1 << 1
	VIRTIO_BALLOON_F_DEFLATE_ON_OOM = 1 << 2
	VIRTIO_BALLOON_F_REPORTING      = 1 << 5
)

// Balloon statistics tags
const (
	VIRTIO_BALLOON_S_SWAP_IN  = 0
	VIRTIO_BALLOON_S_SWAP_OUT = 1
	VIRTIO_BALLOON_S_MAJFLT   = 2
	VIRTIO_BALLOON_S_MINFLT   = 3
	VIRTIO_BALLOON_S_MEMFREE  = 4
	VIRTIO_BALLOON_S_MEMTOT   = 5
	VIRTIO_BALLOON_S_AVAIL    = 6
	VIRTIO_BALLOON_S_CACHES   = 7
)

const (
	balloonPFNShift   = 12
	balloonQueueMax   = 256
	balloonConfigSize = 16
	balloonStatSize   = 10

	balloonBitStats = signal.Mask(1) << 8
)

type balloonRole int

const (
	roleInflate balloonRole = iota
	roleDeflate
	roleStats
	roleReporting
	roleUnused
)

// Reclaimer takes guest ranges the balloon gives back.
type Reclaimer interface {
	Reclaim(gpa, size uint64) error
	RequestCorrection()
	// PageSize is the alignment Reclaim requires.
	PageSize() uint64
}

// BalloonOptions configures a Balloon.
type BalloonOptions struct {
	// DeflateOnOOM lets the guest take pages back under memory pressure.
	DeflateOnOOM bool
	// Reporting enables free page reporting.
	Reporting bool
	Logger    *slog.Logger
}

// Balloon is a virtio memory balloon with statistics and free page
// reporting. Inflated and reported pages are handed to the Reclaimer.
type Balloon struct {
	reclaimer Reclaimer
	opts      BalloonOptions
	log       *slog.Logger
	ch        *signal.Channel

	mu        sync.Mutex
	config    [balloonConfigSize]byte
	stats     map[uint16]uint64
	irq       Signaller
	worker    *worker
	statsHead *uint16
}

var _ Device = (*Balloon)(nil)

func NewBalloon(reclaimer Reclaimer, opts BalloonOptions) *Balloon {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Balloon{
		reclaimer: reclaimer,
		opts:      opts,
		log:       logger.With("device", TypeBalloon.String()),
		ch:        newDeviceChannel(),
		stats:     make(map[uint16]uint64),
	}
}

func (b *Balloon) Type() DeviceType { return TypeBalloon }

func (b *Balloon) Features() uint64 {
	f := uint64(VIRTIO_BALLOON_F_STATS_VQ)
	if b.opts.DeflateOnOOM {
		f |= VIRTIO_BALLOON_F_DEFLATE_ON_OOM
	}
	if b.opts.Reporting {
		f |= VIRTIO_BALLOON_F_REPORTING
	}
	return f
}

// QueueMaxSizes covers every queue the device can expose. Which index
// carries which queue depends on the negotiated features.
func (b *Balloon) QueueMaxSizes() []uint16 {
	return []uint16{balloonQueueMax, balloonQueueMax, balloonQueueMax, balloonQueueMax}
}

// queueRoles maps queue indices to their function for the negotiated
// features. Queues of features not negotiated are skipped in the numbering.
func queueRoles(features uint64) []balloonRole {
	roles := []balloonRole{roleInflate, roleDeflate}
	if features&VIRTIO_BALLOON_F_STATS_VQ != 0 {
		roles = append(roles, roleStats)
	}
	if features&VIRTIO_BALLOON_F_REPORTING != 0 {
		roles = append(roles, roleReporting)
	}
	for len(roles) < 4 {
		roles = append(roles, roleUnused)
	}
	return roles
}

func (b *Balloon) ReadConfig(offset uint64, data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	readConfigBytes(b.config[:], offset, data)
}

// WriteConfig accepts the driver's update of actual, the number of pages
// currently in the balloon.
func (b *Balloon) WriteConfig(offset uint64, data []byte) {
	if offset < 4 || offset+uint64(len(data)) > 8 {
		b.log.Debug("virtio-balloon: ignoring config write", "offset", offset, "size", len(data))
		return
	}
	b.mu.Lock()
	copy(b.config[offset:], data)
	b.mu.Unlock()
}

// SetTarget asks the guest to grow or shrink the balloon to pages 4 KiB
// pages.
func (b *Balloon) SetTarget(pages uint32) error {
	b.mu.Lock()
	binary.LittleEndian.PutUint32(b.config[0:], pages)
	irq := b.irq
	b.mu.Unlock()
	if irq == nil {
		return nil
	}
	return irq.SignalConfig()
}

// Actual returns the balloon size the guest last reported, in 4 KiB pages.
func (b *Balloon) Actual() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return binary.LittleEndian.Uint32(b.config[4:])
}

// Stats returns the most recent guest memory statistics by tag.
func (b *Balloon) Stats() map[uint16]uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[uint16]uint64, len(b.stats))
	for k, v := range b.stats {
		out[k] = v
	}
	return out
}

// RequestStats returns the held statistics buffer so the guest refills it.
func (b *Balloon) RequestStats() {
	b.ch.Assert(balloonBitStats)
}

func (b *Balloon) Notify(queue int) {
	if queue >= 0 && queue < 4 {
		b.ch.Assert(queueBit(queue))
	}
}

func (b *Balloon) Activate(act Activation) error {
	roles := queueRoles(act.Features)
	queues := make(map[balloonRole]*Queue)
	var mask signal.Mask
	for i, q := range act.Queues {
		if q == nil || i >= len(roles) || roles[i] == roleUnused {
			continue
		}
		queues[roles[i]] = q
		mask |= queueBit(i)
	}
	if queues[roleInflate] == nil || queues[roleDeflate] == nil {
		return errors.New("virtio-balloon: inflate and deflate queues must be enabled")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.worker != nil {
		return errors.New("virtio-balloon: already active")
	}
	b.irq = act.IRQ
	b.statsHead = nil
	b.worker = startWorker(b.ch, mask|balloonBitStats, b.log, act.Fail, func(bits signal.Mask) error {
		return b.service(queues, bits, act.IRQ)
	})
	return nil
}

func (b *Balloon) Reset() {
	b.mu.Lock()
	w := b.worker
	b.worker = nil
	b.irq = nil
	b.mu.Unlock()
	w.stop()
	b.ch.Take(^signal.Mask(0))
}

func (b *Balloon) service(queues map[balloonRole]*Queue, bits signal.Mask, irq Signaller) error {
	notify := false
	reclaimed := false

	for _, role := range []balloonRole{roleInflate, roleDeflate, roleReporting} {
		q := queues[role]
		if q == nil {
			continue
		}
		res, err := DrainLoop(q, func(c *Chain) error {
			var ok bool
			var err error
			switch role {
			case roleInflate:
				ok, err = b.inflate(c)
			case roleReporting:
				ok, err = b.report(c)
			}
			if err != nil {
				return err
			}
			reclaimed = reclaimed || ok
			metrics.VirtioRequests.WithLabelValues(TypeBalloon.String(), roleName(role)).Inc()
			return q.AddUsed(c.Head, 0)
		})
		if err != nil {
			return err
		}
		notify = notify || res.Notify
	}

	if q := queues[roleStats]; q != nil {
		n, err := b.serviceStats(q, bits.Has(balloonBitStats))
		if err != nil {
			return err
		}
		notify = notify || n
	}

	if reclaimed {
		b.reclaimer.RequestCorrection()
	}
	if notify {
		metrics.VirtioInterrupts.WithLabelValues(TypeBalloon.String()).Inc()
		return irq.SignalUsed()
	}
	return nil
}

func roleName(r balloonRole) string {
	switch r {
	case roleInflate:
		return "inflate"
	case roleDeflate:
		return "deflate"
	case roleReporting:
		return "report"
	default:
		return "stats"
	}
}

type pageRange struct{ start, end uint64 }

// inflate reclaims the pages listed in an inflate chain. The chain carries
// 32-bit page frame numbers of 4 KiB guest pages.
func (b *Balloon) inflate(c *Chain) (bool, error) {
	r := c.Reader()
	var pfns []uint64
	var raw [4]byte
	for {
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			break
		}
		pfns = append(pfns, uint64(binary.LittleEndian.Uint32(raw[:])))
	}
	if len(pfns) == 0 {
		return false, nil
	}
	sort.Slice(pfns, func(i, j int) bool { return pfns[i] < pfns[j] })

	var ranges []pageRange
	for _, pfn := range pfns {
		gpa := pfn << balloonPFNShift
		if n := len(ranges); n > 0 && ranges[n-1].end >= gpa {
			ranges[n-1].end = max(ranges[n-1].end, gpa+1<<balloonPFNShift)
			continue
		}
		ranges = append(ranges, pageRange{gpa, gpa + 1<<balloonPFNShift})
	}

	ok := false
	for _, rg := range ranges {
		done, err := b.reclaimRange(rg.start, rg.end-rg.start)
		if err != nil {
			return ok, err
		}
		ok = ok || done
	}
	return ok, nil
}

// report reclaims the free page blocks of a reporting chain. Each
// descriptor is one block.
func (b *Balloon) report(c *Chain) (bool, error) {
	ok := false
	for _, d := range c.Descs {
		done, err := b.reclaimRange(d.Addr, uint64(d.Len))
		if err != nil {
			return ok, err
		}
		ok = ok || done
	}
	return ok, nil
}

// reclaimRange trims [gpa, gpa+size) to host pages and reclaims what is
// left. Guest pages smaller than the host page only count once a whole
// host page is covered. A bad range from the guest is logged and skipped;
// a failed stage-2 change leaves guest RAM unmapped and is returned.
func (b *Balloon) reclaimRange(gpa, size uint64) (bool, error) {
	page := b.reclaimer.PageSize()
	start := (gpa + page - 1) &^ (page - 1)
	end := (gpa + size) &^ (page - 1)
	if end <= start {
		return false, nil
	}
	if err := b.reclaimer.Reclaim(start, end-start); err != nil {
		if errors.Is(err, reclaim.ErrStage2) {
			return false, err
		}
		b.log.Warn("virtio-balloon: reclaim failed", "gpa", start, "size", end-start, "error", err)
		return false, nil
	}
	return true, nil
}

// serviceStats parses a new statistics buffer and holds it until the host
// asks for fresh numbers.
func (b *Balloon) serviceStats(q *Queue, requested bool) (bool, error) {
	notify := false
	b.mu.Lock()
	held := b.statsHead
	b.mu.Unlock()

	if held != nil && requested {
		if err := q.AddUsed(*held, 0); err != nil {
			return false, err
		}
		b.mu.Lock()
		b.statsHead = nil
		b.mu.Unlock()
		n, err := q.NeedsNotification()
		if err != nil {
			return false, err
		}
		notify = n
		held = nil
	}
	if held != nil {
		return notify, nil
	}

	c, err := q.Pop()
	if err != nil {
		return notify, err
	}
	// Re-arm the kick for the next buffer and catch one that raced with it.
	more, err := q.EnableNotification()
	if err != nil {
		return notify, err
	}
	if c == nil {
		if !more {
			return notify, nil
		}
		if c, err = q.Pop(); err != nil || c == nil {
			return notify, err
		}
	}
	stats := make(map[uint16]uint64)
	r := c.Reader()
	var raw [balloonStatSize]byte
	for {
		if _, err := io.ReadFull(r, raw[:]); err != nil {
			break
		}
		stats[binary.LittleEndian.Uint16(raw[0:2])] = binary.LittleEndian.Uint64(raw[2:10])
	}
	head := c.Head
	b.mu.Lock()
	b.stats = stats
	b.statsHead = &head
	b.mu.Unlock()
	metrics.VirtioRequests.WithLabelValues(TypeBalloon.String(), "stats").Inc()
	return notify, nil
}
