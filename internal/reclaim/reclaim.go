// Package reclaim returns guest pages the guest reported as free to the
// host, keeping the hypervisor's stage-2 translation and the host's
// resident-memory accounting consistent.
package reclaim

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/tinyrange/ccvmm/internal/hv"
	"github.com/tinyrange/ccvmm/internal/metrics"
)

var (
	ErrUnaligned  = errors.New("reclaim: range is not page aligned")
	ErrOutOfRange = errors.New("reclaim: range outside guest memory")
	ErrClosed     = errors.New("reclaim: reclaimer closed")
	// ErrStage2 marks a failed map or unmap. Guest memory may be left with
	// a hole, so the VM cannot continue.
	ErrStage2 = errors.New("reclaim: stage-2 mapping failed")
)

// DefaultCorrectionInterval is the minimum spacing of correction passes.
const DefaultCorrectionInterval = 5 * time.Second

// Stage2 is the hypervisor's guest-physical mapping.
type Stage2 interface {
	MapMemory(host []byte, gpa uint64) error
	UnmapMemory(gpa, size uint64) error
}

// PageAdvisor tells the host kernel a page's contents may be discarded.
type PageAdvisor interface {
	Discard(page []byte) error
}

// Remapper re-establishes a host mapping over itself in place. Hosts whose
// resident accounting drifts as the VMM touches guest memory provide one.
type Remapper interface {
	RemapInPlace(host []byte) error
}

// Options tunes a Reclaimer. Zero values select defaults.
type Options struct {
	PageSize           uint64
	CorrectionInterval time.Duration
	Advisor            PageAdvisor
	// Remapper runs the correction pass; nil disables correction.
	Remapper Remapper
	// Fail receives a correction pass error wrapping ErrStage2. Passes run
	// off the caller's goroutine, so this is their only way out.
	Fail   func(error)
	Logger *slog.Logger
}

// Stats are cumulative counters.
type Stats struct {
	Ranges      uint64
	Bytes       uint64
	Corrections uint64
}

// Reclaimer discards guest ranges. It is safe for concurrent use.
type Reclaimer struct {
	mem      *hv.GuestMemory
	stage2   Stage2
	advisor  PageAdvisor
	remapper Remapper
	fail     func(error)
	pageSize uint64
	log      *slog.Logger

	// opMu serialises stage-2 changes made by reclaims and corrections.
	// Settle takes it shared to wait for the change in flight.
	opMu    sync.RWMutex
	changes atomic.Uint64

	mu      sync.Mutex
	limiter *rate.Limiter
	pending *time.Timer
	closed  bool

	ranges      atomic.Uint64
	bytes       atomic.Uint64
	corrections atomic.Uint64
}

// New creates a Reclaimer for mem, which must be mapped in stage2.
func New(mem *hv.GuestMemory, stage2 Stage2, opts Options) (*Reclaimer, error) {
	if opts.PageSize == 0 {
		opts.PageSize = uint64(os.Getpagesize())
	}
	if opts.PageSize&(opts.PageSize-1) != 0 {
		return nil, fmt.Errorf("reclaim: page size %d is not a power of two", opts.PageSize)
	}
	if opts.CorrectionInterval <= 0 {
		opts.CorrectionInterval = DefaultCorrectionInterval
	}
	if opts.Advisor == nil {
		opts.Advisor = MadviseAdvisor{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Reclaimer{
		mem:      mem,
		stage2:   stage2,
		advisor:  opts.Advisor,
		remapper: opts.Remapper,
		fail:     opts.Fail,
		pageSize: opts.PageSize,
		log:      opts.Logger.With("component", "reclaim"),
		limiter:  rate.NewLimiter(rate.Every(opts.CorrectionInterval), 1),
	}, nil
}

// PageSize is the alignment Reclaim requires.
func (r *Reclaimer) PageSize() uint64 { return r.pageSize }

// Contains reports whether [gpa, gpa+length) is guest RAM.
func (r *Reclaimer) Contains(gpa, length uint64) bool { return r.mem.Contains(gpa, length) }

// Settle waits for the stage-2 change in flight, if any, and returns the
// number of changes completed. A vCPU that faulted on guest RAM calls it
// before re-entering the guest.
func (r *Reclaimer) Settle() uint64 {
	r.opMu.RLock()
	defer r.opMu.RUnlock()
	return r.changes.Load()
}

// Reclaim discards [gpa, gpa+size). The range is unmapped from stage-2,
// each page is advised individually, and the range is mapped back so later
// guest accesses fault in zeroed pages. Reclaiming a range twice is
// harmless.
func (r *Reclaimer) Reclaim(gpa, size uint64) error {
	if size == 0 {
		return nil
	}
	if gpa%r.pageSize != 0 || size%r.pageSize != 0 {
		return fmt.Errorf("%w: [%#x, +%#x) with page size %#x", ErrUnaligned, gpa, size, r.pageSize)
	}
	host, err := r.mem.Slice(gpa, size)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrOutOfRange, err)
	}

	r.opMu.Lock()
	defer r.opMu.Unlock()
	defer r.changes.Add(1)

	if err := r.stage2.UnmapMemory(gpa, size); err != nil {
		return fmt.Errorf("%w: unmap [%#x, +%#x): %w", ErrStage2, gpa, size, err)
	}
	// One call per page: a bulk discard of pages no longer in the stage-2
	// mapping misses the host's fast path.
	var adviseErr error
	for off := uint64(0); off < size; off += r.pageSize {
		if err := r.advisor.Discard(host[off : off+r.pageSize]); err != nil {
			adviseErr = fmt.Errorf("reclaim: discard page %#x: %w", gpa+off, err)
			break
		}
	}
	if err := r.stage2.MapMemory(host, gpa); err != nil {
		return fmt.Errorf("%w: remap [%#x, +%#x): %w", ErrStage2, gpa, size, err)
	}
	if adviseErr != nil {
		return adviseErr
	}

	r.ranges.Add(1)
	r.bytes.Add(size)
	metrics.ReclaimedBytes.Add(float64(size))
	return nil
}

// RequestCorrection schedules a correction pass. The first request after a
// quiet period runs immediately; requests inside the interval coalesce into
// one pass at the end of it.
func (r *Reclaimer) RequestCorrection() {
	if r.remapper == nil {
		return
	}
	r.mu.Lock()
	if r.closed || r.pending != nil {
		r.mu.Unlock()
		return
	}
	if r.limiter.Allow() {
		r.mu.Unlock()
		r.correct()
		return
	}
	delay := r.limiter.Reserve().Delay()
	r.pending = time.AfterFunc(delay, func() {
		r.mu.Lock()
		r.pending = nil
		closed := r.closed
		r.mu.Unlock()
		if !closed {
			r.correct()
		}
	})
	r.mu.Unlock()
}

func (r *Reclaimer) correct() {
	r.opMu.Lock()
	defer r.opMu.Unlock()
	defer r.changes.Add(1)

	start := time.Now()
	if err := r.remapper.RemapInPlace(r.mem.Data); err != nil {
		err = fmt.Errorf("%w: correction pass: %w", ErrStage2, err)
		r.log.Error("reclaim: correction pass failed", "error", err)
		if r.fail != nil {
			r.fail(err)
		}
		return
	}
	r.corrections.Add(1)
	metrics.CorrectionPasses.Inc()
	r.log.Debug("reclaim: correction pass", "bytes", len(r.mem.Data), "took", time.Since(start))
}

// Stats returns the counters so far.
func (r *Reclaimer) Stats() Stats {
	return Stats{
		Ranges:      r.ranges.Load(),
		Bytes:       r.bytes.Load(),
		Corrections: r.corrections.Load(),
	}
}

// Close cancels a pending correction. A pass already running completes.
func (r *Reclaimer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	r.closed = true
	if r.pending != nil {
		r.pending.Stop()
		r.pending = nil
	}
	return nil
}
