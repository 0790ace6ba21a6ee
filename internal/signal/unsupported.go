//go:build !linux && !darwin

package signal

import "errors"

var errNoPoller = errors.New("signal: readiness polling is not supported on this platform")

type notifier struct{}

func newNotifier() (*notifier, error) { return nil, errNoPoller }
func (n *notifier) fd() int           { return -1 }
func (n *notifier) notify() error     { return errNoPoller }
func (n *notifier) drain() error      { return errNoPoller }
func (n *notifier) close() error      { return nil }

type poller struct{}

func newPoller() (*poller, error)                           { return nil, errNoPoller }
func (p *poller) add(int, Interest) error                   { return errNoPoller }
func (p *poller) modify(int, Interest) error                { return errNoPoller }
func (p *poller) remove(int) error                          { return errNoPoller }
func (p *poller) wait(out []Readiness) ([]Readiness, error) { return out, errNoPoller }
func (p *poller) close() error                              { return nil }
