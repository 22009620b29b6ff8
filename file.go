package gofat

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"

	"github.com/aligator/fatengine/checkpoint"
	"github.com/spf13/afero"
)

// These errors may occur while processing a file.
var (
	ErrReadFile  = errors.New("could not read file completely")
	ErrWriteFile = errors.New("could not write file completely")
	ErrSeekFile  = errors.New("could not seek inside of the file")
	ErrReadDir   = errors.New("could not read the directory")
)

// maxFileSize is the limit of the 32 bit size field.
const maxFileSize = 0xFFFFFFFF

// File is an open file or directory of a mounted volume.
// Changes are only visible to other handles after Sync or Close.
type File struct {
	mu   sync.Mutex
	fs   *Fs
	name string
	flag int

	entry  DirEntry
	key    slotKey
	offset int64
	closed bool

	// lastIndex and lastCluster remember the last visited position in the chain.
	lastIndex   int
	lastCluster uint32
	clusters    int // length of the chain, -1 if not yet known

	buf       []byte
	bufSector uint32
	bufValid  bool
	bufDirty  bool

	entryDirty bool
	modified   bool

	dirOffset int
}

// slotKey identifies the directory slot of an entry for the whole session.
type slotKey struct {
	root   bool
	parent uint32
	slot   int
}

func newFile(fs *Fs, name string, entry DirEntry, flag int) *File {
	return &File{
		fs:        fs,
		name:      name,
		flag:      flag,
		entry:     entry,
		key:       keyOf(entry),
		lastIndex: -1,
		clusters:  -1,
	}
}

func keyOf(e DirEntry) slotKey {
	return slotKey{root: e.root, parent: e.parent, slot: e.slot}
}

func (f *File) writable() bool {
	return f.flag&(os.O_WRONLY|os.O_RDWR) != 0
}

// enter guards every public method. It returns with f.mu held.
func (f *File) enter() error {
	if err := f.fs.enter(); err != nil {
		return err
	}
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		f.fs.exit()
		return checkpoint.Errorf(ErrFileClosed, "%q", f.name)
	}
	return nil
}

func (f *File) exit() {
	f.mu.Unlock()
	f.fs.exit()
}

func (f *File) clusterSize() int64 {
	return int64(f.fs.vol.ClusterSize())
}

// clusterAt returns the cluster with the given index inside of the chain.
// Walking forward starts at the last visited cluster.
func (f *File) clusterAt(index int) (uint32, error) {
	if f.entry.FirstCluster == 0 {
		return 0, checkpoint.Errorf(ErrInvalidFilesystem, "%q has no clusters", f.name)
	}

	cur, i := f.entry.FirstCluster, 0
	if f.lastIndex >= 0 && f.lastIndex <= index {
		cur, i = f.lastCluster, f.lastIndex
	}
	for ; i < index; i++ {
		next, eoc, err := f.fs.fat.next(cur)
		if err != nil {
			return 0, err
		}
		if eoc {
			return 0, checkpoint.Errorf(ErrInvalidFilesystem, "chain of %q ends before cluster %d", f.name, index)
		}
		cur = next
	}

	f.lastIndex, f.lastCluster = index, cur
	return cur, nil
}

func (f *File) chainLength() (int, error) {
	if f.clusters >= 0 {
		return f.clusters, nil
	}

	chain, err := f.fs.fat.chain(f.entry.FirstCluster)
	if err != nil {
		return 0, err
	}
	f.clusters = len(chain)
	if len(chain) > 0 {
		f.lastIndex, f.lastCluster = len(chain)-1, chain[len(chain)-1]
	}
	return f.clusters, nil
}

// ensureClusters grows the chain to at least need clusters. Either all clusters are added or none.
func (f *File) ensureClusters(need int) error {
	have, err := f.chainLength()
	if err != nil || need <= have {
		return err
	}

	if f.entry.FirstCluster == 0 {
		clusters, err := f.fs.fat.allocate(need)
		if err != nil {
			return err
		}
		f.entry.FirstCluster = clusters[0]
		f.lastIndex, f.lastCluster = 0, clusters[0]
	} else {
		last, err := f.clusterAt(have - 1)
		if err != nil {
			return err
		}
		if _, err := f.fs.fat.extend(last, need-have); err != nil {
			return err
		}
	}

	f.clusters = need
	f.entryDirty = true
	return nil
}

// sectorFor maps a byte position of the file to a sector and the offset inside of it.
func (f *File) sectorFor(pos int64) (uint32, int, error) {
	cluster, err := f.clusterAt(int(pos / f.clusterSize()))
	if err != nil {
		return 0, 0, err
	}

	inCluster := uint32(pos % f.clusterSize())
	bps := f.fs.vol.BytesPerSector
	return f.fs.vol.clusterSector(cluster) + inCluster/bps, int(inCluster % bps), nil
}

// load makes sector the buffered one. If fill is false the old content is not needed and not read.
func (f *File) load(sector uint32, fill bool) error {
	if f.bufValid && f.bufSector == sector {
		return nil
	}
	if err := f.flushBuffer(); err != nil {
		return err
	}

	if f.buf == nil {
		f.buf = f.fs.vol.newSectorBuffer()
	}
	f.bufValid = false
	if fill {
		if err := f.fs.vol.readSector(sector, f.buf); err != nil {
			return err
		}
	} else {
		for i := range f.buf {
			f.buf[i] = 0
		}
	}

	f.bufSector, f.bufValid = sector, true
	return nil
}

func (f *File) flushBuffer() error {
	if !f.bufValid || !f.bufDirty {
		return nil
	}
	if err := f.fs.vol.writeSector(f.bufSector, f.buf); err != nil {
		return err
	}
	f.bufDirty = false
	return nil
}

func (f *File) readAt(p []byte, off int64) (int, error) {
	size := int64(f.entry.Size)
	if off >= size {
		return 0, io.EOF
	}

	want := len(p)
	if int64(want) > size-off {
		want = int(size - off)
	}

	n := 0
	for n < want {
		sector, inSector, err := f.sectorFor(off + int64(n))
		if err != nil {
			return n, err
		}
		if err := f.load(sector, true); err != nil {
			return n, err
		}
		n += copy(p[n:want], f.buf[inSector:])
	}

	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *File) writeAt(p []byte, off int64) (int, error) {
	size := int64(f.entry.Size)
	if off > size {
		// The gap reads back as zeros.
		if err := f.zeroFill(size, off); err != nil {
			return 0, err
		}
		size = off
	}

	end := off + int64(len(p))
	if end > maxFileSize {
		return 0, checkpoint.Errorf(ErrNoSpace, "%q would exceed the maximum file size", f.name)
	}
	need := int((end + f.clusterSize() - 1) / f.clusterSize())
	if err := f.ensureClusters(need); err != nil {
		return 0, err
	}

	bps := int(f.fs.vol.BytesPerSector)
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		sector, inSector, err := f.sectorFor(pos)
		if err != nil {
			return n, err
		}

		// Sectors which are overwritten completely or start behind the data do not need to be read.
		whole := inSector == 0 && len(p)-n >= bps
		fresh := pos-int64(inSector) >= size
		if err := f.load(sector, !whole && !fresh); err != nil {
			return n, err
		}

		c := copy(f.buf[inSector:], p[n:])
		f.bufDirty = true
		n += c

		if pos+int64(c) > int64(f.entry.Size) {
			f.entry.Size = uint32(pos + int64(c))
		}
		f.entryDirty = true
		f.modified = true
	}
	return n, nil
}

func (f *File) zeroFill(from, to int64) error {
	zeros := make([]byte, f.clusterSize())
	for from < to {
		chunk := int64(len(zeros))
		if to-from < chunk {
			chunk = to - from
		}
		if _, err := f.writeAt(zeros[:chunk], from); err != nil {
			return err
		}
		from += chunk
	}
	return nil
}

func (f *File) truncate(size int64) error {
	cur := int64(f.entry.Size)
	if size > cur {
		return f.zeroFill(cur, size)
	}
	if size == cur {
		return nil
	}

	// Buffered data has to reach the disk before its cluster may be reused.
	if err := f.flushBuffer(); err != nil {
		return err
	}
	f.bufValid = false

	keep := int((size + f.clusterSize() - 1) / f.clusterSize())
	if err := f.fs.fat.truncate(f.entry.FirstCluster, keep); err != nil {
		return err
	}
	if keep == 0 {
		f.entry.FirstCluster = 0
	}
	f.clusters = keep
	f.lastIndex = -1
	f.entry.Size = uint32(size)
	f.entryDirty = true
	f.modified = true
	return nil
}

// sync writes the buffered sector, the FAT and the directory entry in this order.
func (f *File) sync() error {
	if err := f.flushBuffer(); err != nil {
		return err
	}
	if err := f.fs.fat.flush(); err != nil {
		return err
	}
	if !f.entryDirty {
		return nil
	}

	if f.modified {
		f.entry.Modified = f.fs.now()
		f.entry.Accessed = f.entry.Modified
		f.entry.Attr |= AttrArchive
	}

	f.fs.meta.Lock()
	defer f.fs.meta.Unlock()
	if err := f.fs.writeEntry(f.entry); err != nil {
		return err
	}
	f.entryDirty = false
	f.modified = false
	return nil
}

func (f *File) Close() error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.exit()

	err := f.sync()
	f.closed = true
	f.fs.untrack(f)
	return checkpoint.From(err)
}

func (f *File) Read(p []byte) (n int, err error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.exit()

	if f.entry.IsDir() {
		return 0, checkpoint.Errorf(ErrIsADirectory, "%q", f.name)
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err = f.readAt(p, f.offset)
	f.offset += int64(n)
	if err == io.EOF && n > 0 {
		err = nil
	}
	return n, checkpoint.Wrap(err, ErrReadFile)
}

func (f *File) ReadAt(p []byte, off int64) (n int, err error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.exit()

	if f.entry.IsDir() {
		return 0, checkpoint.Errorf(ErrIsADirectory, "%q", f.name)
	}
	if off < 0 {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v", ErrReadFile, off))
	}

	n, err = f.readAt(p, off)
	return n, checkpoint.Wrap(err, ErrReadFile)
}

// Seek sets the offset for the next Read or Write. Seeking past the end is allowed,
// writing there fills the gap with zeros.
// May return a syscall.EINVAL error if the whence value is invalid.
// May return an afero.ErrOutOfRange error if the resulting offset is negative.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.exit()

	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset = f.offset + offset
	case io.SeekEnd:
		offset = int64(f.entry.Size) + offset
	default:
		return 0, checkpoint.Wrap(syscall.EINVAL, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	if offset < 0 {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v, whence: %v", ErrSeekFile, offset, whence))
	}

	f.offset = offset
	return offset, nil
}

func (f *File) checkWritable() error {
	if f.entry.IsDir() {
		return checkpoint.Errorf(ErrIsADirectory, "%q", f.name)
	}
	if !f.writable() {
		return checkpoint.Errorf(ErrReadOnly, "%q is not open for writing", f.name)
	}
	return nil
}

func (f *File) Write(p []byte) (n int, err error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.exit()

	if err := f.checkWritable(); err != nil {
		return 0, err
	}
	if f.flag&os.O_APPEND != 0 {
		f.offset = int64(f.entry.Size)
	}

	n, err = f.writeAt(p, f.offset)
	f.offset += int64(n)
	return n, checkpoint.Wrap(err, ErrWriteFile)
}

func (f *File) WriteAt(p []byte, off int64) (n int, err error) {
	if err := f.enter(); err != nil {
		return 0, err
	}
	defer f.exit()

	if err := f.checkWritable(); err != nil {
		return 0, err
	}
	if f.flag&os.O_APPEND != 0 {
		return 0, checkpoint.Errorf(ErrWriteFile, "WriteAt on %q opened with O_APPEND", f.name)
	}
	if off < 0 {
		return 0, checkpoint.Wrap(afero.ErrOutOfRange, fmt.Errorf("%w, offset: %v", ErrWriteFile, off))
	}

	n, err = f.writeAt(p, off)
	return n, checkpoint.Wrap(err, ErrWriteFile)
}

func (f *File) WriteString(s string) (ret int, err error) {
	return f.Write([]byte(s))
}

// Name returns the name as passed to Open.
func (f *File) Name() string {
	return f.name
}

// Readdir reads the contents of a directory.
// May return syscall.ENOTDIR if the current File is no directory.
func (f *File) Readdir(count int) ([]os.FileInfo, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.exit()

	if !f.entry.IsDir() {
		return nil, checkpoint.Wrap(syscall.ENOTDIR, ErrReadDir)
	}

	f.fs.meta.RLock()
	content, err := f.fs.readDirLocked(f.entry)
	f.fs.meta.RUnlock()
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	if f.dirOffset > len(content) {
		f.dirOffset = len(content)
	}
	content = content[f.dirOffset:]

	if count > 0 {
		if len(content) == 0 {
			return nil, io.EOF
		}
		if count < len(content) {
			content = content[:count]
		}
	}
	f.dirOffset += len(content)

	result := make([]os.FileInfo, len(content))
	for i := range content {
		result[i] = content[i].FileInfo()
	}
	return result, nil
}

func (f *File) Readdirnames(count int) ([]string, error) {
	content, err := f.Readdir(count)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrReadDir)
	}

	names := make([]string, len(content))
	for i, entry := range content {
		names[i] = entry.Name()
	}

	return names, nil
}

func (f *File) Stat() (os.FileInfo, error) {
	if err := f.enter(); err != nil {
		return nil, err
	}
	defer f.exit()

	return f.entry.FileInfo(), nil
}

// Sync writes all pending changes of the file to the device.
func (f *File) Sync() error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.exit()

	return checkpoint.From(f.sync())
}

// Truncate changes the size of the file. Clusters behind the new size are freed,
// growing the file appends zeros.
func (f *File) Truncate(size int64) error {
	if err := f.enter(); err != nil {
		return err
	}
	defer f.exit()

	if err := f.checkWritable(); err != nil {
		return err
	}
	if size < 0 || size > maxFileSize {
		return checkpoint.Wrap(syscall.EINVAL, fmt.Errorf("invalid size %d for %q", size, f.name))
	}
	return checkpoint.From(f.truncate(size))
}

// Entry returns the current state of the directory entry of the file, including unsynced changes.
func (f *File) Entry() DirEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entry
}
