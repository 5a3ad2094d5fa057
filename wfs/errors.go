package wfs

import (
	"errors"
	"fmt"

	"github.com/koolkdev/wfslib-sub000/allocator"
	"github.com/koolkdev/wfslib-sub000/area"
	"github.com/koolkdev/wfslib-sub000/blockdevice"
	"github.com/koolkdev/wfslib-sub000/file"
)

// Error kinds, exhaustively enumerated per spec §7.
var (
	ErrItemNotFound  = errors.New("wfs: item not found")
	ErrNotDirectory  = errors.New("wfs: not a directory")
	ErrNotFile       = errors.New("wfs: not a file")
	ErrIsDirectory   = errors.New("wfs: is a directory")
	ErrAlreadyExists = errors.New("wfs: item already exists")

	// ErrBlockBadHash mirrors blockdevice.ErrBadHash at the public API
	// boundary (spec §7's BlockBadHash).
	ErrBlockBadHash = blockdevice.ErrBadHash
	// ErrAreaHeaderCorrupted mirrors area.ErrHeaderCorrupted.
	ErrAreaHeaderCorrupted = area.ErrHeaderCorrupted
	// ErrFreeBlocksAllocatorCorrupted mirrors allocator's structural
	// corruption signal.
	ErrFreeBlocksAllocatorCorrupted = errors.New("wfs: free blocks allocator corrupted")
	// ErrFileDataCorrupted mirrors file.ErrFileDataCorrupted.
	ErrFileDataCorrupted = file.ErrFileDataCorrupted
	// ErrNoSpace mirrors allocator.ErrNoSpace/area.ErrNoSpace.
	ErrNoSpace = allocator.ErrNoSpace

	// ErrDirectoryCorrupted, ErrFileMetadataCorrupted and
	// ErrTransactionsAreaCorrupted have no single underlying package
	// sentinel to mirror: they are raised directly by this package when a
	// structural check it alone is responsible for fails.
	ErrDirectoryCorrupted        = errors.New("wfs: directory structure corrupted")
	ErrFileMetadataCorrupted     = errors.New("wfs: file metadata corrupted")
	ErrTransactionsAreaCorrupted = errors.New("wfs: transactions area corrupted")

	// ErrInvalidWfsVersion is WfsDevice.Open's verdict when neither size
	// class yields WfsDeviceHeader.version == VersionMagic.
	ErrInvalidWfsVersion = errors.New("wfs: invalid or unrecognized wfs version")
)

// wrapf wraps err with a public sentinel while preserving the underlying
// cause for errors.Is/errors.As, mirroring the teacher's fmt.Errorf("%w")
// convention throughout blockdevice/area/directory/file.
func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), sentinel)
}
