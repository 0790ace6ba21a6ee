// Package netbackend provides the host side of a virtio network link: a
// datagram socket that carries one ethernet frame per message.
package netbackend

import "errors"

var (
	// ErrNothingRead means no frame is waiting; retry when the descriptor
	// is readable.
	ErrNothingRead = errors.New("netbackend: no frame available")
	// ErrNothingWritten means the frame was not sent; retry when the
	// descriptor is writable.
	ErrNothingWritten = errors.New("netbackend: frame not written")
	// ErrPartialWrite means the frame was truncated by the transport and
	// must be sent again in full.
	ErrPartialWrite = errors.New("netbackend: partial frame written")
	// ErrProcessNotRunning means the peer that owns the other end of the
	// link has gone away.
	ErrProcessNotRunning = errors.New("netbackend: network process not running")
	ErrInternal          = errors.New("netbackend: internal error")
)

// Backend is one end of a frame link.
type Backend interface {
	ReadFrame(p []byte) (int, error)
	WriteFrame(p []byte) error
	// FD is a non-blocking descriptor that polls readable when ReadFrame
	// can make progress and writable when WriteFrame can.
	FD() int
	Close() error
}

// MaxFrame is the largest frame a backend carries: a 64 KiB payload plus
// the ethernet header.
const MaxFrame = 65550
