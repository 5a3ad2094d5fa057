package wfs

import (
	"fmt"

	"github.com/koolkdev/wfslib-sub000/area"
	"github.com/koolkdev/wfslib-sub000/directory"
)

// Entry is the common surface of Directory, File and Link (spec §4.8's
// Entry model), mirroring the teacher's fs.FileInfo-shaped ReadDir entries
// closely enough that callers used to an os.FileInfo view feel at home
// (SPEC_FULL.md's additive Stat()-style accessor set).
type Entry interface {
	Name() string
	IsDirectory() bool
	IsFile() bool
	IsLink() bool
	Attributes() directory.Attributes
}

// loadEntry dispatches an Attributes record to its concrete Entry kind
// (spec §4.8 "Loading an entry from Attributes"):
//   - link -> Link
//   - directory + quota -> open nested QuotaArea, return its root directory
//   - directory -> load directory metadata block, return Directory
//   - otherwise -> File
func loadEntry(quota *area.QuotaArea, dirMap *directory.DirectoryMap, name string, attrs directory.Attributes) (Entry, error) {
	switch {
	case attrs.IsLink():
		return newLink(quota, dirMap, name), nil
	case attrs.IsDirectory() && attrs.IsQuota():
		return openNestedQuotaDirectory(quota, name, attrs)
	case attrs.IsDirectory():
		dirBlk, err := quota.LoadDirectory(attrs.DirectoryBlockNumber)
		if err != nil {
			return nil, fmt.Errorf("wfs: load directory %q: %w", name, err)
		}
		return &Directory{quota: quota, dirMap: directory.Open(quota, dirBlk), name: name, attrs: attrs}, nil
	default:
		return &File{quota: quota, dirMap: dirMap, name: name}, nil
	}
}

// openNestedQuotaDirectory opens the nested QuotaArea an `is_quota`
// directory entry names (spec §3: "loading them instantiates a nested
// QuotaArea") and returns its root directory. The child's deviceIV is the
// parent area's own header IV (spec §4.3's centralized IV derivation,
// area.Area.IV's doc comment): this realizes "wfs.iv XOR area.iv" without
// this core needing a separately stored device-level IV for ordinary
// (non-recovery) operation.
func openNestedQuotaDirectory(parent *area.QuotaArea, name string, attrs directory.Attributes) (*Directory, error) {
	firstDeviceBlock := parent.DeviceBlockFor(attrs.DirectoryBlockNumber)
	child, err := area.OpenQuota(parent.BlockDevice(), firstDeviceBlock, parent.BlockSizeLog2(), parent.IV(), parent.Encrypted())
	if err != nil {
		return nil, fmt.Errorf("wfs: open nested quota area %q: %w", name, err)
	}
	rootDirBlk, err := child.LoadRootDirectory()
	if err != nil {
		return nil, fmt.Errorf("wfs: load nested quota root directory %q: %w", name, err)
	}
	return &Directory{quota: child, dirMap: directory.Open(child, rootDirBlk), name: name, attrs: attrs, ownsQuota: true}, nil
}
