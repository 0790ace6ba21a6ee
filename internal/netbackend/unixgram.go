//go:build linux || darwin

package netbackend

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

const socketBufferSize = 4 << 20

// Unixgram is a Backend over a connected AF_UNIX datagram socket, the
// framing used by user-mode network helpers.
type Unixgram struct {
	fd    int
	local string
}

var _ Backend = (*Unixgram)(nil)

// DialUnixgram binds a datagram socket at local and connects it to the
// helper listening at remote. local is removed on Close.
func DialUnixgram(local, remote string) (*Unixgram, error) {
	fd, err := newDatagramSocket()
	if err != nil {
		return nil, err
	}
	_ = os.Remove(local)
	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: local}); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netbackend: bind %s: %w", local, err)
	}
	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: remote}); err != nil {
		unix.Close(fd)
		os.Remove(local)
		if errors.Is(err, unix.ECONNREFUSED) || errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("%w: connect %s: %v", ErrProcessNotRunning, remote, err)
		}
		return nil, fmt.Errorf("netbackend: connect %s: %w", remote, err)
	}
	return &Unixgram{fd: fd, local: local}, nil
}

// NewUnixgramPair returns a backend and the blocking descriptor of its
// peer, connected by a socketpair.
func NewUnixgramPair() (*Unixgram, int, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return nil, -1, fmt.Errorf("netbackend: socketpair: %w", err)
	}
	for _, fd := range fds {
		unix.CloseOnExec(fd)
		setBuffers(fd)
	}
	if err := unix.SetNonblock(fds[0], true); err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, -1, fmt.Errorf("netbackend: set nonblock: %w", err)
	}
	return &Unixgram{fd: fds[0]}, fds[1], nil
}

func newDatagramSocket() (int, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		return -1, fmt.Errorf("netbackend: socket: %w", err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("netbackend: set nonblock: %w", err)
	}
	setBuffers(fd)
	return fd, nil
}

// setBuffers raises the socket buffers; the darwin defaults are smaller
// than one jumbo frame. Failure leaves the defaults.
func setBuffers(fd int) {
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, socketBufferSize)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, socketBufferSize)
}

func (u *Unixgram) FD() int { return u.fd }

func (u *Unixgram) ReadFrame(p []byte) (int, error) {
	n, err := unix.Read(u.fd, p)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, ErrNothingRead
	case errors.Is(err, unix.ECONNREFUSED):
		return 0, ErrProcessNotRunning
	case err != nil:
		return 0, fmt.Errorf("netbackend: read: %w", err)
	}
	return n, nil
}

func (u *Unixgram) WriteFrame(p []byte) error {
	n, err := unix.Write(u.fd, p)
	switch {
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.EINTR):
		return ErrNothingWritten
	case errors.Is(err, unix.ECONNREFUSED), errors.Is(err, unix.ENOTCONN):
		return ErrProcessNotRunning
	case err != nil:
		return fmt.Errorf("netbackend: write: %w", err)
	case n < len(p):
		return ErrPartialWrite
	}
	return nil
}

func (u *Unixgram) Close() error {
	err := unix.Close(u.fd)
	if u.local != "" {
		os.Remove(u.local)
	}
	return err
}
