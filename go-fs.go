package gofat

import (
	"io/fs"
	"os"
	"strings"
)

type GoDirEntry struct {
	fs.FileInfo
}

func (g GoDirEntry) Type() fs.FileMode {
	return g.FileInfo.Mode().Type()
}

func (g GoDirEntry) Info() (fs.FileInfo, error) {
	return g.FileInfo, nil
}

type GoFile struct {
	*File
}

// Stat names the root directory ".", as io/fs expects.
func (g GoFile) Stat() (fs.FileInfo, error) {
	info, err := g.File.Stat()
	if err != nil {
		return nil, err
	}
	return rootAsDot(info), nil
}

func (g GoFile) ReadDir(n int) ([]fs.DirEntry, error) {
	entries, err := g.File.Readdir(n)

	goEntries := make([]fs.DirEntry, len(entries))
	for i, e := range entries {
		goEntries[i] = GoDirEntry{e}
	}

	return goEntries, err
}

func rootAsDot(info fs.FileInfo) fs.FileInfo {
	if e, ok := info.Sys().(DirEntry); ok && e.IsRoot() {
		return entryFileInfo{entry: e, name: "."}
	}
	return info
}

// GoFs just wraps the afero FAT implementation to be compatible with fs.FS.
// Paths have to be valid io/fs paths, see fs.ValidPath.
type GoFs struct {
	*Fs
}

// NewGoFS mounts dev just like Mount and returns it as fs.FS compatible filesystem.
func NewGoFS(dev BlockDevice, partition uint32, opts ...Option) (*GoFs, error) {
	mounted, err := Mount(dev, partition, opts...)
	if err != nil {
		return nil, err
	}

	return &GoFs{mounted}, nil
}

// checkGoPath only accepts io/fs paths. A backslash is part of a name for io/fs, and no FAT name
// contains one, so such a path never exists.
func checkGoPath(name string) error {
	if !fs.ValidPath(name) {
		return fs.ErrInvalid
	}
	if strings.Contains(name, `\`) {
		return fs.ErrNotExist
	}
	return nil
}

func (g GoFs) Open(name string) (fs.File, error) {
	if err := checkGoPath(name); err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	file, err := g.Fs.openFile(name, os.O_RDONLY, 0)
	if err != nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: err}
	}

	return GoFile{file}, nil
}

func (g GoFs) Stat(name string) (fs.FileInfo, error) {
	if err := checkGoPath(name); err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}

	info, err := g.Fs.Stat(name)
	if err != nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: err}
	}
	return rootAsDot(info), nil
}

func (g GoFs) ReadFile(name string) ([]byte, error) {
	if err := checkGoPath(name); err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}

	data, err := g.Fs.ReadFile(name)
	if err != nil {
		return nil, &fs.PathError{Op: "readfile", Path: name, Err: err}
	}
	return data, nil
}
