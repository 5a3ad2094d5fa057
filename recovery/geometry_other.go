//go:build !linux

package recovery

import "errors"

// ErrUnsupportedPlatform is returned by ProbeSectorGeometry on platforms
// without a BLKSSZGET/BLKBSZGET-equivalent ioctl wired up (grounded on
// diskfs_other.go's fallback for the same gap).
var ErrUnsupportedPlatform = errors.New("recovery: sector geometry probing not supported on this platform")

// ProbeSectorGeometry is the non-Linux fallback: recovery's XOR path
// (RecoverDeviceParams) does not need it, so a real disk's sector geometry
// is simply unavailable outside Linux here, same as diskfs_other.go.
func ProbeSectorGeometry(path string) (logicalSectorSize, physicalSectorSize int64, err error) {
	return 0, 0, ErrUnsupportedPlatform
}
