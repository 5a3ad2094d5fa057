//go:build linux

package recovery

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Linux BLKSSZGET/BLKBSZGET ioctl numbers (grounded on diskfs.go's
// blksszGet/blkbszGet).
const (
	blkSSZGet = 0x1268
	blkBSZGet = 0x80081270
)

// ProbeSectorGeometry reads the logical and physical sector sizes straight
// from the kernel for a block device opened at path, so a /usr recovery
// pass (spec §4.9) that has no WfsDeviceHeader to read geometry from still
// has a sane starting guess before the XOR recovery in RecoverDeviceParams
// narrows it down to the WFS-level values. Grounded on diskfs.go's
// getSectorSizes.
func ProbeSectorGeometry(path string) (logicalSectorSize, physicalSectorSize int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("recovery: open %s: %w", path, err)
	}
	defer f.Close()

	fd := f.Fd()
	logical, err := unix.IoctlGetInt(int(fd), blkSSZGet)
	if err != nil {
		return 0, 0, fmt.Errorf("recovery: BLKSSZGET %s: %w", path, err)
	}
	physical, err := unix.IoctlGetInt(int(fd), blkBSZGet)
	if err != nil {
		return 0, 0, fmt.Errorf("recovery: BLKBSZGET %s: %w", path, err)
	}
	return int64(logical), int64(physical), nil
}
