// Package timeslice records where vCPU threads spend wall time.
//
// Records are fixed size (kind, nanoseconds) pairs streamed to a writer by a
// single background goroutine. Recording is a no-op until Start is called.
package timeslice

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	magic   uint32 = 0x4343544c // "CCTL"
	version uint32 = 1

	pageAlign = 4096
)

var (
	ErrAlreadyStarted = errors.New("timeslice: recording already started")
	ErrNotStarted     = errors.New("timeslice: recording not started")
	ErrBadHeader      = errors.New("timeslice: bad header")
)

type Kind uint32

type Flags uint32

const (
	FlagGuest Flags = 1 << iota
	FlagIdle
)

func (f Flags) String() string {
	var parts []string
	if f&FlagGuest != 0 {
		parts = append(parts, "guest")
	}
	if f&FlagIdle != 0 {
		parts = append(parts, "idle")
	}
	return strings.Join(parts, ",")
}

type kindInfo struct {
	Name  string `json:"name"`
	Flags Flags  `json:"flags"`
}

var (
	kindsMu sync.Mutex
	kinds   = map[Kind]kindInfo{}
)

// Register declares a record kind. Kinds are normally registered from
// package-level var initializers.
func Register(name string, flags Flags) Kind {
	kindsMu.Lock()
	defer kindsMu.Unlock()

	k := Kind(len(kinds) + 1)
	kinds[k] = kindInfo{Name: name, Flags: flags}
	return k
}

type header struct {
	Magic      uint32
	Version    uint32
	KindsBytes uint32
}

type record struct {
	Kind     uint32
	_        uint32
	Duration int64
}

const recordSize = 16

type sink struct {
	w    io.Writer
	ch   chan record
	done chan error
}

var active atomic.Pointer[sink]

func (s *sink) run() {
	var (
		buf [pageAlign]byte
		off int
	)
	flush := func() error {
		if off == 0 {
			return nil
		}
		_, err := s.w.Write(buf[:off])
		off = 0
		return err
	}

	var err error
	for r := range s.ch {
		if err != nil {
			continue
		}
		if off+recordSize > len(buf) {
			err = flush()
		}
		binary.LittleEndian.PutUint32(buf[off:], r.Kind)
		binary.LittleEndian.PutUint32(buf[off+4:], 0)
		binary.LittleEndian.PutUint64(buf[off+8:], uint64(r.Duration))
		off += recordSize
	}
	if err == nil {
		err = flush()
	}
	s.done <- err
}

// Close stops recording and waits for buffered records to reach the writer.
func (s *sink) Close() error {
	if !active.CompareAndSwap(s, nil) {
		return ErrNotStarted
	}
	close(s.ch)
	if err := <-s.done; err != nil {
		return fmt.Errorf("timeslice: flush: %w", err)
	}
	return nil
}

// Start begins streaming records to w. The returned closer flushes and stops.
func Start(w io.Writer) (io.Closer, error) {
	if active.Load() != nil {
		return nil, ErrAlreadyStarted
	}

	kindsMu.Lock()
	table, err := json.Marshal(kinds)
	kindsMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("timeslice: encode kinds: %w", err)
	}

	hdr := header{Magic: magic, Version: version, KindsBytes: uint32(len(table))}
	if err := binary.Write(w, binary.LittleEndian, hdr); err != nil {
		return nil, fmt.Errorf("timeslice: write header: %w", err)
	}
	if _, err := w.Write(table); err != nil {
		return nil, fmt.Errorf("timeslice: write kinds: %w", err)
	}
	if pad := padding(binary.Size(hdr) + len(table)); pad > 0 {
		if _, err := w.Write(make([]byte, pad)); err != nil {
			return nil, fmt.Errorf("timeslice: write padding: %w", err)
		}
	}

	s := &sink{w: w, ch: make(chan record, 4096), done: make(chan error, 1)}
	if !active.CompareAndSwap(nil, s) {
		return nil, ErrAlreadyStarted
	}
	go s.run()
	return s, nil
}

func padding(n int) int {
	if n%pageAlign == 0 {
		return 0
	}
	return pageAlign - n%pageAlign
}

// Record emits one record if recording is active.
func Record(k Kind, d time.Duration) {
	if s := active.Load(); s != nil {
		s.ch <- record{Kind: uint32(k), Duration: d.Nanoseconds()}
	}
}

// Recorder attributes the time since its previous call to a kind.
// A Recorder belongs to one goroutine.
type Recorder struct {
	last time.Time
}

func NewRecorder() *Recorder { return &Recorder{last: time.Now()} }

func (r *Recorder) Record(k Kind) {
	now := time.Now()
	d := now.Sub(r.last)
	r.last = now
	Record(k, d)
}

// Read decodes a stream produced by Start, calling fn for each record.
func Read(r io.Reader, fn func(name string, flags Flags, d time.Duration) error) error {
	br := bufio.NewReaderSize(r, pageAlign)

	var hdr header
	if err := binary.Read(br, binary.LittleEndian, &hdr); err != nil {
		return fmt.Errorf("timeslice: read header: %w", err)
	}
	if hdr.Magic != magic || hdr.Version != version {
		return ErrBadHeader
	}

	var table map[Kind]kindInfo
	if err := json.NewDecoder(io.LimitReader(br, int64(hdr.KindsBytes))).Decode(&table); err != nil {
		return fmt.Errorf("timeslice: decode kinds: %w", err)
	}
	if _, err := br.Discard(padding(binary.Size(hdr) + int(hdr.KindsBytes))); err != nil {
		return fmt.Errorf("timeslice: skip padding: %w", err)
	}

	var raw [recordSize]byte
	for {
		if _, err := io.ReadFull(br, raw[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("timeslice: read record: %w", err)
		}
		k := Kind(binary.LittleEndian.Uint32(raw[0:]))
		info, ok := table[k]
		if !ok {
			return fmt.Errorf("timeslice: unknown kind %d", k)
		}
		d := time.Duration(binary.LittleEndian.Uint64(raw[8:]))
		if err := fn(info.Name, info.Flags, d); err != nil {
			return err
		}
	}
}

// Totals sums a stream by kind name.
func Totals(r io.Reader) (map[string]time.Duration, error) {
	out := map[string]time.Duration{}
	err := Read(r, func(name string, _ Flags, d time.Duration) error {
		out[name] += d
		return nil
	})
	return out, err
}
