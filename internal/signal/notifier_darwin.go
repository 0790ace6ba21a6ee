package signal

import (
	"errors"

	"golang.org/x/sys/unix"
)

// notifier is a non-blocking self-pipe; macOS has no eventfd.
type notifier struct {
	r, w int
}

func newNotifier() (*notifier, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, err
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, err
		}
	}
	return &notifier{r: p[0], w: p[1]}, nil
}

func (n *notifier) fd() int { return n.r }

func (n *notifier) notify() error {
	_, err := unix.Write(n.w, []byte{1})
	if errors.Is(err, unix.EAGAIN) {
		// The pipe is full, so the reader is already going to wake.
		return nil
	}
	return err
}

func (n *notifier) drain() error {
	var buf [64]byte
	for {
		_, err := unix.Read(n.r, buf[:])
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func (n *notifier) close() error {
	return errors.Join(unix.Close(n.r), unix.Close(n.w))
}
