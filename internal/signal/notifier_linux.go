package signal

import (
	"gvisor.dev/gvisor/pkg/eventfd"
)

type notifier struct {
	ev eventfd.Eventfd
}

func newNotifier() (*notifier, error) {
	ev, err := eventfd.Create()
	if err != nil {
		return nil, err
	}
	return &notifier{ev: ev}, nil
}

func (n *notifier) fd() int { return n.ev.FD() }

func (n *notifier) notify() error { return n.ev.Notify() }

func (n *notifier) drain() error {
	_, err := n.ev.Read()
	return err
}

func (n *notifier) close() error { return n.ev.Close() }
