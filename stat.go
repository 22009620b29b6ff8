package gofat

import (
	"os"
	"time"
)

// FileInfo returns the entry as os.FileInfo. Sys() returns the DirEntry itself.
func (e DirEntry) FileInfo() os.FileInfo {
	return entryFileInfo{entry: e}
}

type entryFileInfo struct {
	entry DirEntry
	name  string // overrides entry.Name if set
}

func (e entryFileInfo) Name() string {
	if e.name != "" {
		return e.name
	}
	return e.entry.Name
}

func (e entryFileInfo) Size() int64 {
	if e.IsDir() {
		return 0
	}
	return int64(e.entry.Size)
}

// Mode maps the attributes to permissions. FAT only knows the read only flag.
func (e entryFileInfo) Mode() os.FileMode {
	perm := os.FileMode(0666)
	if e.IsDir() {
		perm = os.ModeDir | 0777
	}
	if e.entry.Attr&AttrReadOnly != 0 {
		perm &^= 0222
	}
	return perm
}

func (e entryFileInfo) ModTime() time.Time {
	return e.entry.Modified
}

func (e entryFileInfo) IsDir() bool {
	return e.entry.IsDir()
}

func (e entryFileInfo) Sys() interface{} {
	return e.entry
}

// attrFromMode returns the attributes matching the permission bits of mode.
func attrFromMode(mode os.FileMode) Attr {
	if mode&0222 == 0 {
		return AttrReadOnly
	}
	return 0
}
