package reclaim

import "golang.org/x/sys/unix"

// MadviseAdvisor discards pages with madvise(MADV_DONTNEED). Private
// anonymous pages read back as zero afterwards.
type MadviseAdvisor struct{}

func (MadviseAdvisor) Discard(page []byte) error {
	return unix.Madvise(page, unix.MADV_DONTNEED)
}
