package signal

import (
	"errors"

	"golang.org/x/sys/unix"
)

type poller struct {
	epfd int
}

func newPoller() (*poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &poller{epfd: fd}, nil
}

func epollEvents(in Interest) uint32 {
	var ev uint32
	if in&InterestRead != 0 {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if in&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (p *poller) add(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
}

func (p *poller) modify(fd int, in Interest) error {
	ev := unix.EpollEvent{Events: epollEvents(in), Fd: int32(fd)}
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
}

func (p *poller) remove(fd int) error {
	return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// wait blocks until at least one descriptor is ready and appends the ready
// set to out.
func (p *poller) wait(out []Readiness) ([]Readiness, error) {
	var events [32]unix.EpollEvent
	for {
		n, err := unix.EpollWait(p.epfd, events[:], -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return out, err
		}
		for _, ev := range events[:n] {
			out = append(out, Readiness{
				FD:       int(ev.Fd),
				Readable: ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0,
				Writable: ev.Events&(unix.EPOLLOUT|unix.EPOLLERR) != 0,
			})
		}
		return out, nil
	}
}

func (p *poller) close() error { return unix.Close(p.epfd) }
