package wfs

import (
	"github.com/koolkdev/wfslib-sub000/area"
	"github.com/koolkdev/wfslib-sub000/directory"
)

// Link is a symbolic reference to another path (spec §4.8's Entry model,
// the FlagLink case). original_source/include/wfslib/*.h gives no
// separate wire format for a link's target beyond the FlagLink bit; this
// core stores the target path as the entry's ordinary file payload (the
// same Inline/Single/... storage categories any File uses), read through
// the same File type.
type Link struct {
	file File
}

func newLink(quota *area.QuotaArea, dirMap *directory.DirectoryMap, name string) *Link {
	return &Link{file: File{quota: quota, dirMap: dirMap, name: name}}
}

func (l *Link) Name() string                     { return l.file.name }
func (l *Link) IsDirectory() bool                { return false }
func (l *Link) IsFile() bool                     { return false }
func (l *Link) IsLink() bool                     { return true }
func (l *Link) Attributes() directory.Attributes { return l.file.Attributes() }

// Target reads the link's destination path out of its file payload.
func (l *Link) Target() (string, error) {
	size, err := l.file.Size()
	if err != nil {
		return "", err
	}
	buf := make([]byte, size)
	if _, err := l.file.Read(buf, 0); err != nil {
		return "", err
	}
	return string(buf), nil
}
