package gofat

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aligator/fatengine/checkpoint"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// Option configures a mount.
type Option func(*options)

type options struct {
	log        logrus.FieldLogger
	now        func() time.Time
	skipChecks bool
	readOnly   bool
}

// WithLogger sets the logger of the session. The default is the logrus standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *options) {
		o.log = log
	}
}

// WithClock replaces time.Now for all timestamps written to directory entries.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

// SkipChecks relaxes some validations of the boot sector which may allow you to mount
// not perfectly standard FAT filesystems.
// Use with caution!
func SkipChecks() Option {
	return func(o *options) {
		o.skipChecks = true
	}
}

// ReadOnly rejects every operation which would write to the device.
func ReadOnly() Option {
	return func(o *options) {
		o.readOnly = true
	}
}

// Fs is a mounted FAT volume. It implements afero.Fs and offers some FAT specific operations.
// All methods are safe for concurrent use. After Unmount every call fails with ErrSessionClosed.
//
// Locks are always taken in this order: gate, File.mu, meta, fatTable.mu.
type Fs struct {
	gate   sync.RWMutex
	closed bool

	// meta guards the directory entries.
	meta sync.RWMutex
	vol  *Volume
	fat  *fatTable

	log      logrus.FieldLogger
	now      func() time.Time
	readOnly bool
	closer   io.Closer

	openMu sync.Mutex
	open   map[*File]struct{}
}

// Mount reads the volume of the given partition. Partition 0 is also the whole device if it has
// no partition table.
func Mount(dev BlockDevice, partition uint32, opts ...Option) (*Fs, error) {
	o := options{
		log: logrus.StandardLogger(),
		now: time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}

	vol, err := mountVolume(dev, partition, o.skipChecks, o.log)
	if err != nil {
		return nil, err
	}

	fat := newFatTable(vol, o.log)
	if err := fat.loadFSInfo(); err != nil {
		return nil, err
	}

	o.log.WithFields(logrus.Fields{
		"type":     vol.Type,
		"clusters": vol.ClusterCount,
		"label":    vol.Label,
	}).Debug("mounted volume")

	return &Fs{
		vol:      vol,
		fat:      fat,
		log:      o.log,
		now:      o.now,
		readOnly: o.readOnly,
		open:     make(map[*File]struct{}),
	}, nil
}

// MountImage opens an image file of host and mounts it. The image is closed by Unmount.
func MountImage(host afero.Fs, name string, blockSize int, partition uint32, opts ...Option) (*Fs, error) {
	dev, err := OpenImage(host, name, blockSize)
	if err != nil {
		return nil, err
	}

	fs, err := Mount(dev, partition, opts...)
	if err != nil {
		_ = dev.Close()
		return nil, err
	}
	fs.closer = dev
	return fs, nil
}

// enter has to be called by every public method. If it succeeds exit must be called afterwards.
func (fs *Fs) enter() error {
	fs.gate.RLock()
	if fs.closed {
		fs.gate.RUnlock()
		return checkpoint.Errorf(ErrSessionClosed, "volume is unmounted")
	}
	return nil
}

func (fs *Fs) exit() {
	fs.gate.RUnlock()
}

// track registers f as open. A file may be open for writing only once
// and not at the same time for reading.
func (fs *Fs) track(f *File) error {
	fs.openMu.Lock()
	defer fs.openMu.Unlock()

	if !f.key.root {
		for other := range fs.open {
			if other.key == f.key && (other.writable() || f.writable()) {
				return checkpoint.Errorf(ErrInUse, "%q is already open", f.name)
			}
		}
	}
	fs.open[f] = struct{}{}
	return nil
}

func (fs *Fs) untrack(f *File) {
	fs.openMu.Lock()
	defer fs.openMu.Unlock()
	delete(fs.open, f)
}

// isOpen reports whether any handle refers to the slot of e.
func (fs *Fs) isOpen(e DirEntry) bool {
	if e.root {
		return false
	}

	key := keyOf(e)
	fs.openMu.Lock()
	defer fs.openMu.Unlock()
	for f := range fs.open {
		if f.key == key {
			return true
		}
	}
	return false
}

func (fs *Fs) checkWritable() error {
	if fs.readOnly {
		return checkpoint.Errorf(ErrReadOnly, "session is read only")
	}
	return nil
}

// Unmount waits for all running operations, syncs and closes every open file and writes the FAT.
// The device is closed if the session opened it.
func (fs *Fs) Unmount() error {
	fs.gate.Lock()
	defer fs.gate.Unlock()

	if fs.closed {
		return checkpoint.Errorf(ErrSessionClosed, "volume is already unmounted")
	}
	fs.closed = true

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	fs.openMu.Lock()
	files := make([]*File, 0, len(fs.open))
	for f := range fs.open {
		files = append(files, f)
	}
	fs.open = make(map[*File]struct{})
	fs.openMu.Unlock()

	for _, f := range files {
		f.mu.Lock()
		if !f.closed {
			keep(f.sync())
			f.closed = true
		}
		f.mu.Unlock()
	}

	keep(fs.fat.flush())
	if syncer, ok := fs.vol.dev.(Syncer); ok {
		keep(syncer.Sync())
	}
	if fs.closer != nil {
		keep(fs.closer.Close())
	}

	fs.log.WithFields(logrus.Fields{
		"files": len(files),
		"label": fs.vol.Label,
	}).Debug("unmounted volume")
	return checkpoint.From(firstErr)
}

// Volume returns the geometry of the mounted volume.
func (fs *Fs) Volume() Volume {
	v := *fs.vol
	v.dev = nil
	return v
}

func (fs *Fs) Create(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

func (fs *Fs) Mkdir(name string, perm os.FileMode) error {
	if err := fs.enter(); err != nil {
		return err
	}
	defer fs.exit()

	fs.meta.Lock()
	defer fs.meta.Unlock()

	parentPath, base := splitParent(name)
	if base == "" || base == ".." {
		return checkpoint.Errorf(ErrNameExists, "%q", name)
	}
	parent, err := fs.resolveLocked(parentPath)
	if err != nil {
		return err
	}
	_, err = fs.createLocked(parent, base, AttrDirectory|attrFromMode(perm))
	return err
}

// MkdirAll creates all missing directories of path.
func (fs *Fs) MkdirAll(path string, perm os.FileMode) error {
	if err := fs.enter(); err != nil {
		return err
	}
	defer fs.exit()

	fs.meta.Lock()
	defer fs.meta.Unlock()

	stack := []DirEntry{fs.rootEntry()}
	for _, segment := range splitPath(path) {
		if segment == ".." {
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		cur := stack[len(stack)-1]
		e, err := fs.lookupLocked(cur, segment)
		switch {
		case err == nil && !e.IsDir():
			return checkpoint.Errorf(ErrNotADirectory, "%q in %q", e.Name, path)
		case err != nil && Status(err) == StatusNotFound:
			e, err = fs.createLocked(cur, segment, AttrDirectory|attrFromMode(perm))
			if err != nil {
				return err
			}
		case err != nil:
			return err
		}
		stack = append(stack, e)
	}
	return nil
}

func (fs *Fs) Open(name string) (afero.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

// OpenFile supports O_RDONLY, O_WRONLY, O_RDWR, O_CREATE, O_EXCL, O_TRUNC and O_APPEND.
// perm is only used for new files, a perm without write bits creates a read only file.
func (fs *Fs) OpenFile(name string, flag int, perm os.FileMode) (afero.File, error) {
	f, err := fs.openFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (fs *Fs) openFile(name string, flag int, perm os.FileMode) (*File, error) {
	if err := fs.enter(); err != nil {
		return nil, err
	}
	defer fs.exit()

	write := flag&(os.O_WRONLY|os.O_RDWR) != 0
	if write || flag&(os.O_CREATE|os.O_TRUNC) != 0 {
		if err := fs.checkWritable(); err != nil {
			return nil, err
		}
	}

	fs.meta.Lock()
	defer fs.meta.Unlock()

	created := false
	entry, err := fs.resolveLocked(name)
	switch {
	case err == nil:
		if flag&os.O_CREATE != 0 && flag&os.O_EXCL != 0 {
			return nil, checkpoint.Errorf(ErrNameExists, "%q", name)
		}
	case Status(err) == StatusNotFound && flag&os.O_CREATE != 0:
		parentPath, base := splitParent(name)
		parent, err := fs.resolveLocked(parentPath)
		if err != nil {
			return nil, err
		}
		entry, err = fs.createLocked(parent, base, attrFromMode(perm)|AttrArchive)
		if err != nil {
			return nil, err
		}
		created = true
	default:
		return nil, err
	}

	if entry.IsDir() && (write || flag&os.O_TRUNC != 0) {
		return nil, checkpoint.Errorf(ErrIsADirectory, "%q", name)
	}
	if write && !created && entry.Attr&AttrReadOnly != 0 {
		return nil, checkpoint.Errorf(ErrReadOnly, "%q has the read only attribute", name)
	}

	f := newFile(fs, name, entry, flag)
	if err := fs.track(f); err != nil {
		return nil, err
	}

	if flag&os.O_TRUNC != 0 && write && (entry.Size != 0 || entry.FirstCluster != 0) {
		if err := fs.truncateEntryLocked(&f.entry); err != nil {
			fs.untrack(f)
			return nil, err
		}
	}

	return f, nil
}

// truncateEntryLocked empties a file. The entry is written before its clusters are freed.
func (fs *Fs) truncateEntryLocked(e *DirEntry) error {
	first := e.FirstCluster
	e.FirstCluster = 0
	e.Size = 0
	e.Modified = fs.now()
	e.Attr |= AttrArchive
	if err := fs.writeEntry(*e); err != nil {
		return err
	}
	if err := fs.fat.free(first); err != nil {
		return err
	}
	return fs.fat.flush()
}

func (fs *Fs) Remove(name string) error {
	if err := fs.enter(); err != nil {
		return err
	}
	defer fs.exit()

	fs.meta.Lock()
	defer fs.meta.Unlock()

	e, err := fs.resolveLocked(name)
	if err != nil {
		return err
	}
	return fs.removeLocked(e)
}

// RemoveAll removes path and everything below it. A missing path is no error.
// For the root directory only its content is removed.
func (fs *Fs) RemoveAll(path string) error {
	if err := fs.enter(); err != nil {
		return err
	}
	defer fs.exit()

	fs.meta.Lock()
	defer fs.meta.Unlock()

	e, err := fs.resolveLocked(path)
	if Status(err) == StatusNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	return fs.removeTreeLocked(e)
}

func (fs *Fs) removeTreeLocked(e DirEntry) error {
	if e.IsDir() {
		children, err := fs.readDirLocked(e)
		if err != nil {
			return err
		}
		for _, child := range children {
			if err := fs.removeTreeLocked(child); err != nil {
				return err
			}
		}
	}

	if e.root {
		return nil
	}
	return fs.removeLocked(e)
}

// Rename moves oldname to newname. Unlike os.Rename an existing newname is not replaced.
func (fs *Fs) Rename(oldname, newname string) error {
	_, err := fs.Move(oldname, newname)
	return err
}

func (fs *Fs) Stat(name string) (os.FileInfo, error) {
	e, err := fs.Resolve(name)
	if err != nil {
		return nil, err
	}
	return e.FileInfo(), nil
}

func (fs *Fs) Name() string {
	return "gofat"
}

// Chmod sets or clears the read only attribute depending on the write bits of mode.
func (fs *Fs) Chmod(name string, mode os.FileMode) error {
	return fs.updateEntry(name, func(e *DirEntry) {
		e.Attr = e.Attr&^AttrReadOnly | attrFromMode(mode)
	})
}

// Chown does nothing as FAT has no owners.
func (fs *Fs) Chown(name string, uid, gid int) error {
	_, err := fs.Resolve(name)
	return err
}

// Chtimes sets the access date and the modification time. FAT stores no access time of day.
func (fs *Fs) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return fs.updateEntry(name, func(e *DirEntry) {
		e.Accessed = atime
		e.Modified = mtime
	})
}

// updateEntry changes the entry of a file which is not open.
func (fs *Fs) updateEntry(name string, fn func(e *DirEntry)) error {
	if err := fs.enter(); err != nil {
		return err
	}
	defer fs.exit()

	if err := fs.checkWritable(); err != nil {
		return err
	}

	fs.meta.Lock()
	defer fs.meta.Unlock()

	e, err := fs.resolveLocked(name)
	if err != nil {
		return err
	}
	if e.root {
		return checkpoint.Errorf(ErrReadOnly, "the root directory has no entry")
	}
	if fs.isOpen(e) {
		return checkpoint.Errorf(ErrInUse, "%q", name)
	}

	fn(&e)
	return fs.writeEntry(e)
}

// Resolve returns the entry at path. Both '/' and '\' separate the segments and names are
// matched case insensitive against the long and the short name.
func (fs *Fs) Resolve(path string) (DirEntry, error) {
	if err := fs.enter(); err != nil {
		return DirEntry{}, err
	}
	defer fs.exit()

	fs.meta.RLock()
	defer fs.meta.RUnlock()
	return fs.resolveLocked(path)
}

// List returns an iterator over the directory at path.
func (fs *Fs) List(path string) (*DirIterator, error) {
	if err := fs.enter(); err != nil {
		return nil, err
	}
	defer fs.exit()

	fs.meta.RLock()
	defer fs.meta.RUnlock()

	dir, err := fs.resolveLocked(path)
	if err != nil {
		return nil, err
	}
	if !dir.IsDir() {
		return nil, checkpoint.Errorf(ErrNotADirectory, "%q", path)
	}
	return fs.iterate(dir.FirstCluster)
}

// ReadDir returns all entries of the directory at path in on-disk order.
func (fs *Fs) ReadDir(path string) ([]DirEntry, error) {
	if err := fs.enter(); err != nil {
		return nil, err
	}
	defer fs.exit()

	fs.meta.RLock()
	defer fs.meta.RUnlock()

	dir, err := fs.resolveLocked(path)
	if err != nil {
		return nil, err
	}
	return fs.readDirLocked(dir)
}

// CreateEntry adds an empty file or, if attr contains AttrDirectory, an empty directory to parent.
func (fs *Fs) CreateEntry(parent DirEntry, name string, attr Attr) (DirEntry, error) {
	if err := fs.enter(); err != nil {
		return DirEntry{}, err
	}
	defer fs.exit()

	fs.meta.Lock()
	defer fs.meta.Unlock()

	parent, err := fs.reloadLocked(parent)
	if err != nil {
		return DirEntry{}, err
	}
	return fs.createLocked(parent, name, attr)
}

// RemoveEntry deletes e and frees its clusters. Directories have to be empty.
func (fs *Fs) RemoveEntry(e DirEntry) error {
	if err := fs.enter(); err != nil {
		return err
	}
	defer fs.exit()

	fs.meta.Lock()
	defer fs.meta.Unlock()

	e, err := fs.reloadLocked(e)
	if err != nil {
		return err
	}
	return fs.removeLocked(e)
}

// reloadLocked reads e again from its slot, so entries which were removed in the meantime are detected.
func (fs *Fs) reloadLocked(e DirEntry) (DirEntry, error) {
	if e.root {
		return fs.rootEntry(), nil
	}

	sectors, err := fs.dirSectors(e.parent)
	if err != nil {
		return DirEntry{}, err
	}
	sector, offset, err := fs.slotLocation(sectors, e.slot)
	if err != nil {
		return DirEntry{}, checkpoint.Wrap(err, checkpoint.Errorf(ErrNotFound, "%q", e.Name))
	}
	buf := fs.vol.newSectorBuffer()
	if err := fs.vol.readSector(sector, buf); err != nil {
		return DirEntry{}, err
	}

	h := decodeHeader(buf[offset : offset+entrySize])
	if h.Name[0] == entryFree || h.Name[0] == entryDeleted || decodeShortName(h.Name) != e.ShortName {
		return DirEntry{}, checkpoint.Errorf(ErrNotFound, "%q", e.Name)
	}

	fresh := fs.newDirEntry(h, e.parent, e.slot)
	fresh.Name = e.Name
	fresh.lfnStart = e.lfnStart
	return fresh, nil
}

// Move re-links the entry at oldPath as newPath. The data is not copied and the destination
// must not exist.
func (fs *Fs) Move(oldPath, newPath string) (DirEntry, error) {
	if err := fs.enter(); err != nil {
		return DirEntry{}, err
	}
	defer fs.exit()

	fs.meta.Lock()
	defer fs.meta.Unlock()

	e, err := fs.resolveLocked(oldPath)
	if err != nil {
		return DirEntry{}, err
	}

	parentPath, base := splitParent(newPath)
	if base == "" || base == ".." {
		return DirEntry{}, checkpoint.Errorf(ErrInvalidName, "%q", newPath)
	}
	parent, err := fs.resolveLocked(parentPath)
	if err != nil {
		return DirEntry{}, err
	}
	return fs.moveLocked(e, parent, base)
}

// ReadFile returns the whole content of the file at path.
func (fs *Fs) ReadFile(path string) ([]byte, error) {
	f, err := fs.openFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, err
	}

	data, err := io.ReadAll(f)
	if err != nil {
		_ = f.Close()
		return nil, checkpoint.From(err)
	}
	return data, f.Close()
}

// CopyIn copies the file src of host into the volume. If dst is a directory the file keeps its name.
func (fs *Fs) CopyIn(host afero.Fs, src, dst string) (int64, error) {
	if e, err := fs.Resolve(dst); err == nil && e.IsDir() {
		dst = path.Join(dst, filepath.Base(src))
	}

	in, err := host.Open(src)
	if err != nil {
		return 0, checkpoint.Wrap(err, ErrIO)
	}
	defer in.Close()

	out, err := fs.openFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, checkpoint.From(err)
	}
	return n, out.Close()
}

// CopyOut copies the file src of the volume to dst on host. If dst is a directory the file keeps its name.
func (fs *Fs) CopyOut(host afero.Fs, src, dst string) (int64, error) {
	if info, err := host.Stat(dst); err == nil && info.IsDir() {
		_, base := splitParent(src)
		dst = filepath.Join(dst, base)
	}

	in, err := fs.openFile(src, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := host.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return 0, checkpoint.Wrap(err, ErrIO)
	}

	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, checkpoint.From(err)
	}
	return n, checkpoint.Wrap(out.Close(), ErrIO)
}

// Copy duplicates the file src inside of the volume. If dst is a directory the file keeps its name.
// An existing dst is never replaced.
func (fs *Fs) Copy(src, dst string) (int64, error) {
	if e, err := fs.Resolve(dst); err == nil && e.IsDir() {
		_, base := splitParent(src)
		dst = path.Join(dst, base)
	}

	in, err := fs.openFile(src, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	if in.entry.IsDir() {
		return 0, checkpoint.Errorf(ErrIsADirectory, "%q", src)
	}

	out, err := fs.openFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		_ = out.Close()
		return n, checkpoint.From(err)
	}
	return n, out.Close()
}

// VolumeInfo summarizes a mounted volume.
type VolumeInfo struct {
	Type          FATType
	Label         string
	SerialNumber  uint32
	ClusterSize   uint32
	TotalClusters uint32
	FreeClusters  uint32
}

// TotalBytes is the size of the data region.
func (i VolumeInfo) TotalBytes() uint64 {
	return uint64(i.TotalClusters) * uint64(i.ClusterSize)
}

// FreeBytes is the space available for new data.
func (i VolumeInfo) FreeBytes() uint64 {
	return uint64(i.FreeClusters) * uint64(i.ClusterSize)
}

// Info returns the volume summary. The label of the root directory is preferred over the one in
// the boot sector, as most tools only update the former.
func (fs *Fs) Info() (VolumeInfo, error) {
	if err := fs.enter(); err != nil {
		return VolumeInfo{}, err
	}
	defer fs.exit()

	free, err := fs.fat.freeCount()
	if err != nil {
		return VolumeInfo{}, err
	}

	info := VolumeInfo{
		Type:          fs.vol.Type,
		Label:         fs.vol.Label,
		SerialNumber:  fs.vol.SerialNumber,
		ClusterSize:   fs.vol.ClusterSize(),
		TotalClusters: fs.vol.ClusterCount,
		FreeClusters:  free,
	}

	fs.meta.RLock()
	defer fs.meta.RUnlock()

	it, err := fs.iterate(fs.rootEntry().FirstCluster)
	if err != nil {
		return VolumeInfo{}, err
	}
	it.withLabel = true
	for it.next() {
		if e := it.entry; e.Attr&AttrVolumeID != 0 {
			info.Label = trimLabel(e.raw.Name)
			break
		}
	}
	return info, it.err
}
