//go:build !linux && !darwin

package reclaim

import "errors"

// MadviseAdvisor is unavailable on this host.
type MadviseAdvisor struct{}

func (MadviseAdvisor) Discard([]byte) error {
	return errors.New("reclaim: page discard not supported on this host")
}
