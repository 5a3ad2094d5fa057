package wfs

import (
	"errors"
	"fmt"

	"github.com/koolkdev/wfslib-sub000/area"
	"github.com/koolkdev/wfslib-sub000/blockdevice"
	"github.com/koolkdev/wfslib-sub000/directory"
	"github.com/koolkdev/wfslib-sub000/file"
)

// File is a handle to one WFS file's payload (spec §4.7/§4.8).
//
// Unlike file.File (which addresses its Attributes record by a fixed
// block/offset pair), File is stateless across calls: every operation
// re-resolves (block, offset, attrs) through its owning DirectoryMap
// immediately before touching the payload. This matters because
// directory.DirectoryMap.Insert can relocate a record's storage to a
// fresh sub-block allocation whenever its serialized size changes (see
// directory/directorymap.go's insertIntoLeaf) — exactly what happens
// whenever a Write/Resize grows or shrinks a file's tail far enough to
// change its Attributes.Size(). A File that cached its location across
// calls could silently operate on stale bytes after such a relocation;
// re-resolving on every call makes that impossible by construction.
type File struct {
	quota  *area.QuotaArea
	dirMap *directory.DirectoryMap
	name   string
}

func (f *File) Name() string     { return f.name }
func (f *File) IsDirectory() bool { return false }
func (f *File) IsFile() bool      { return true }
func (f *File) IsLink() bool      { return false }

// Attributes re-reads the file's current Attributes record (see the
// File type doc comment on why this is never cached).
func (f *File) Attributes() directory.Attributes {
	a, _ := f.dirMap.Find(f.name)
	return a
}

func (f *File) resolve() (*file.File, error) {
	blk, off, attrs, err := f.dirMap.FindWithLocation(f.name)
	if err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil, fmt.Errorf("wfs: %q: %w", f.name, ErrItemNotFound)
		}
		return nil, err
	}
	if attrs.IsDirectory() {
		return nil, fmt.Errorf("wfs: %q: %w", f.name, ErrNotFile)
	}
	return file.Open(f.quota, blk, off, attrs), nil
}

func (f *File) persist(ff *file.File) error {
	return f.dirMap.Insert(f.name, ff.Attributes())
}

// Size returns the file's current logical length.
func (f *File) Size() (int64, error) {
	ff, err := f.resolve()
	if err != nil {
		return 0, err
	}
	return ff.Size(), nil
}

// Read reads into p starting at offset (spec §4.7 "Reading at byte offset o").
func (f *File) Read(p []byte, offset int64) (int, error) {
	ff, err := f.resolve()
	if err != nil {
		return 0, err
	}
	n, err := ff.Read(p, offset)
	if err != nil {
		return n, wrapFileErr(f.name, err)
	}
	return n, nil
}

// Write writes p starting at offset, growing the file and migrating its
// storage category as needed (spec §4.7's FileResizer), then persists the
// (possibly relocated) Attributes record back to the parent directory.
//
// file.File.Write itself only ever writes within the file's current
// logical size (see file/file.go's ErrInvalidOffset check) — it never
// grows a file on its own. Write supplies the POSIX-style
// write-extends-the-file behavior callers expect by resizing first
// whenever offset+len(p) reaches past the current end.
func (f *File) Write(p []byte, offset int64) (int, error) {
	ff, err := f.resolve()
	if err != nil {
		return 0, err
	}
	if end := offset + int64(len(p)); offset >= 0 && end > ff.Size() {
		if err := ff.Resize(end); err != nil {
			return 0, wrapFileErr(f.name, err)
		}
	}
	n, err := ff.Write(p, offset)
	if err != nil {
		return n, wrapFileErr(f.name, err)
	}
	if err := f.persist(ff); err != nil {
		return n, err
	}
	return n, nil
}

// Resize changes the file's logical length, migrating storage category as
// needed (spec §4.7's state machine across Inline/Single/Large/Cluster/
// ExtendedCluster).
func (f *File) Resize(n int64) error {
	ff, err := f.resolve()
	if err != nil {
		return err
	}
	if err := ff.Resize(n); err != nil {
		return wrapFileErr(f.name, err)
	}
	return f.persist(ff)
}

// EnsureSize grows the file to at least n bytes, zero-filling the
// extension.
func (f *File) EnsureSize(n int64) error {
	ff, err := f.resolve()
	if err != nil {
		return err
	}
	if err := ff.EnsureSize(n); err != nil {
		return wrapFileErr(f.name, err)
	}
	return f.persist(ff)
}

// Truncate shrinks the file to n bytes.
func (f *File) Truncate(n int64) error {
	ff, err := f.resolve()
	if err != nil {
		return err
	}
	if err := ff.Truncate(n); err != nil {
		return wrapFileErr(f.name, err)
	}
	return f.persist(ff)
}

// wrapFileErr translates package file's sentinels to this package's
// public ones (spec §7's outer-API translation policy).
func wrapFileErr(name string, err error) error {
	switch {
	case errors.Is(err, file.ErrFileDataCorrupted):
		return wrapf(ErrFileDataCorrupted, "wfs: %q", name)
	case errors.Is(err, blockdevice.ErrBadHash):
		return wrapf(ErrBlockBadHash, "wfs: %q", name)
	case errors.Is(err, area.ErrNoSpace):
		return wrapf(ErrNoSpace, "wfs: %q", name)
	default:
		return err
	}
}
