//go:build !linux

package blockdev

import "os"

// TODO: use F_PUNCHHOLE on darwin once x/sys exposes the fpunchhole_t layout.
func punchHole(*os.File, int64, int64) error {
	return ErrPunchHoleUnsupported
}
