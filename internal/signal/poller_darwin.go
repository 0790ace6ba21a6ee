package signal

import (
	"errors"

	"golang.org/x/sys/unix"
)

type poller struct {
	kq int
}

func newPoller() (*poller, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	unix.CloseOnExec(kq)
	return &poller{kq: kq}, nil
}

func (p *poller) apply(fd int, in Interest) error {
	var changes [2]unix.Kevent_t
	readFlags := unix.EV_DELETE
	if in&InterestRead != 0 {
		readFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	writeFlags := unix.EV_DELETE
	if in&InterestWrite != 0 {
		writeFlags = unix.EV_ADD | unix.EV_ENABLE
	}
	unix.SetKevent(&changes[0], fd, unix.EVFILT_READ, readFlags)
	unix.SetKevent(&changes[1], fd, unix.EVFILT_WRITE, writeFlags)
	for i := range changes {
		// Deleting a filter that was never added reports ENOENT.
		_, err := unix.Kevent(p.kq, changes[i:i+1], nil, nil)
		if err != nil && !errors.Is(err, unix.ENOENT) {
			return err
		}
	}
	return nil
}

func (p *poller) add(fd int, in Interest) error    { return p.apply(fd, in) }
func (p *poller) modify(fd int, in Interest) error { return p.apply(fd, in) }
func (p *poller) remove(fd int) error              { return p.apply(fd, 0) }

func (p *poller) wait(out []Readiness) ([]Readiness, error) {
	var events [32]unix.Kevent_t
	for {
		n, err := unix.Kevent(p.kq, nil, events[:], nil)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return out, err
		}
		for _, ev := range events[:n] {
			r := Readiness{FD: int(ev.Ident)}
			switch ev.Filter {
			case unix.EVFILT_READ:
				r.Readable = true
			case unix.EVFILT_WRITE:
				r.Writable = true
			}
			out = append(out, r)
		}
		return out, nil
	}
}

func (p *poller) close() error { return unix.Close(p.kq) }
