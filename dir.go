package gofat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/aligator/fatengine/checkpoint"
)

// DirEntry is a live entry of a directory.
type DirEntry struct {
	// Name is the long name if the entry has one, else the same as ShortName.
	Name      string
	ShortName string
	Attr      Attr

	FirstCluster uint32
	Size         uint32

	Created  time.Time
	Modified time.Time
	Accessed time.Time

	raw      EntryHeader
	root     bool
	parent   uint32 // first cluster of the parent directory, 0 for the fixed root
	slot     int    // slot of the short entry inside the parent
	lfnStart int    // first slot belonging to the entry, including long name slots
}

// IsDir reports whether the entry is a directory.
func (e DirEntry) IsDir() bool {
	return e.Attr&AttrDirectory != 0
}

// IsRoot reports whether the entry is the root directory, which has no slot of its own.
func (e DirEntry) IsRoot() bool {
	return e.root
}

func (e DirEntry) sameSlot(o DirEntry) bool {
	return !e.root && !o.root && e.parent == o.parent && e.slot == o.slot
}

// header builds the on-disk form of the entry. Fields which are not represented in DirEntry are kept.
func (e DirEntry) header() EntryHeader {
	h := e.raw
	h.Attribute = byte(e.Attr)
	h.FirstClusterHI = uint16(e.FirstCluster >> 16)
	h.FirstClusterLO = uint16(e.FirstCluster)
	h.FileSize = e.Size
	if !e.Created.IsZero() {
		h.CreateDate = EncodeDate(e.Created)
		h.CreateTime = EncodeTime(e.Created)
		h.CreateTimeTenth = encodeTenth(e.Created)
	}
	if !e.Modified.IsZero() {
		h.WriteDate = EncodeDate(e.Modified)
		h.WriteTime = EncodeTime(e.Modified)
	}
	if !e.Accessed.IsZero() {
		h.LastAccessDate = EncodeDate(e.Accessed)
	}
	return h
}

func (fs *Fs) newDirEntry(h EntryHeader, parent uint32, slot int) DirEntry {
	first := uint32(h.FirstClusterLO)
	if fs.vol.Type == FAT32 {
		first |= uint32(h.FirstClusterHI) << 16
	}

	short := decodeShortName(h.Name)
	return DirEntry{
		Name:         short,
		ShortName:    short,
		Attr:         Attr(h.Attribute),
		FirstCluster: first,
		Size:         h.FileSize,
		Created:      combineDateTime(h.CreateDate, h.CreateTime, h.CreateTimeTenth),
		Modified:     combineDateTime(h.WriteDate, h.WriteTime, 0),
		Accessed:     ParseDate(h.LastAccessDate),
		raw:          h,
		parent:       parent,
		slot:         slot,
		lfnStart:     slot,
	}
}

func (fs *Fs) rootEntry() DirEntry {
	e := DirEntry{
		Name:      "/",
		ShortName: "/",
		Attr:      AttrDirectory,
		root:      true,
	}
	if fs.vol.Type == FAT32 {
		e.FirstCluster = fs.vol.RootCluster
	}
	return e
}

// dirCluster maps the cluster stored for a directory to the cluster used to address it.
// ".." entries store 0 for the root directory, also on FAT32.
func (fs *Fs) dirCluster(cluster uint32) uint32 {
	if cluster == 0 && fs.vol.Type == FAT32 {
		return fs.vol.RootCluster
	}
	return cluster
}

// parentRef is what ".." entries and DirEntry.parent store for a directory.
func (fs *Fs) parentRef(dir uint32) uint32 {
	if fs.vol.Type == FAT32 && dir == fs.vol.RootCluster {
		return 0
	}
	return dir
}

func (fs *Fs) isRootDir(dir uint32) bool {
	return fs.dirCluster(dir) == fs.rootEntry().FirstCluster
}

// dirSectors lists all sectors of a directory in order.
func (fs *Fs) dirSectors(dir uint32) ([]uint32, error) {
	dir = fs.dirCluster(dir)
	if dir == 0 {
		sectors := make([]uint32, fs.vol.RootDirSectors)
		for i := range sectors {
			sectors[i] = fs.vol.RootDirSector + uint32(i)
		}
		return sectors, nil
	}

	chain, err := fs.fat.chain(dir)
	if err != nil {
		return nil, err
	}
	sectors := make([]uint32, 0, len(chain)*int(fs.vol.SectorsPerCluster))
	for _, cluster := range chain {
		first := fs.vol.clusterSector(cluster)
		for i := uint32(0); i < fs.vol.SectorsPerCluster; i++ {
			sectors = append(sectors, first+i)
		}
	}
	return sectors, nil
}

func (fs *Fs) slotsPerSector() int {
	return int(fs.vol.BytesPerSector / entrySize)
}

func decodeHeader(raw []byte) EntryHeader {
	h := EntryHeader{}
	// Reading 32 bytes from a 32 byte slot cannot fail.
	_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &h)
	return h
}

func encodeHeader(h EntryHeader, dst []byte) {
	buf := bytes.NewBuffer(make([]byte, 0, entrySize))
	_ = binary.Write(buf, binary.LittleEndian, h)
	copy(dst, buf.Bytes())
}

// DirIterator walks the entries of a directory one sector at a time.
// It cannot be restarted and does not see changes made to the directory after it was created.
type DirIterator struct {
	fs      *Fs
	dir     uint32
	sectors []uint32

	buf    []byte
	sector int
	offset int
	slot   int
	lfn    longNameBuilder

	withLabel bool

	entry DirEntry
	err   error
	done  bool
}

func (fs *Fs) iterate(dir uint32) (*DirIterator, error) {
	sectors, err := fs.dirSectors(dir)
	if err != nil {
		return nil, err
	}
	return &DirIterator{
		fs:      fs,
		dir:     fs.parentRef(fs.dirCluster(dir)),
		sectors: sectors,
		sector:  -1,
	}, nil
}

// Next advances to the next entry. It returns false at the end of the directory or on an error.
func (it *DirIterator) Next() bool {
	if err := it.fs.enter(); err != nil {
		it.err = err
		return false
	}
	defer it.fs.exit()

	it.fs.meta.RLock()
	defer it.fs.meta.RUnlock()
	return it.next()
}

// Entry returns the current entry.
func (it *DirIterator) Entry() DirEntry {
	return it.entry
}

// Err returns the error which stopped the iteration, if any.
func (it *DirIterator) Err() error {
	return it.err
}

// nextSlot returns the next raw slot and its index.
func (it *DirIterator) nextSlot() ([]byte, int, bool) {
	if it.done {
		return nil, 0, false
	}

	if it.buf == nil || it.offset >= len(it.buf) {
		it.sector++
		if it.sector >= len(it.sectors) {
			it.done = true
			return nil, 0, false
		}
		if it.buf == nil {
			it.buf = it.fs.vol.newSectorBuffer()
		}
		if err := it.fs.vol.readSector(it.sectors[it.sector], it.buf); err != nil {
			it.err = err
			it.done = true
			return nil, 0, false
		}
		it.offset = 0
	}

	raw := it.buf[it.offset : it.offset+entrySize]
	slot := it.slot
	it.offset += entrySize
	it.slot++
	return raw, slot, true
}

func (it *DirIterator) next() bool {
	for {
		raw, slot, ok := it.nextSlot()
		if !ok {
			return false
		}

		switch raw[0] {
		case entryFree:
			it.done = true
			return false
		case entryDeleted:
			it.lfn.reset()
			continue
		}

		if Attr(raw[11])&0x3F == attrLongName {
			l := LongFilenameEntry{}
			_ = binary.Read(bytes.NewReader(raw), binary.LittleEndian, &l)
			it.lfn.add(slot, l)
			continue
		}

		h := decodeHeader(raw)
		e := it.fs.newDirEntry(h, it.dir, slot)
		if name, ok := it.lfn.name(h.Name); ok {
			e.Name = name
			e.lfnStart = it.lfn.start
		}
		it.lfn.reset()

		if Attr(h.Attribute)&AttrVolumeID != 0 && !it.withLabel {
			continue
		}
		if h.Name == dotName || h.Name == dotDotName {
			continue
		}

		it.entry = e
		return true
	}
}

func (fs *Fs) readDirLocked(dir DirEntry) ([]DirEntry, error) {
	if !dir.IsDir() {
		return nil, checkpoint.Errorf(ErrNotADirectory, "%q", dir.Name)
	}

	it, err := fs.iterate(dir.FirstCluster)
	if err != nil {
		return nil, err
	}
	var entries []DirEntry
	for it.next() {
		entries = append(entries, it.entry)
	}
	return entries, it.err
}

func (fs *Fs) lookupLocked(dir DirEntry, name string) (DirEntry, error) {
	it, err := fs.iterate(dir.FirstCluster)
	if err != nil {
		return DirEntry{}, err
	}
	for it.next() {
		e := it.entry
		if strings.EqualFold(e.Name, name) || strings.EqualFold(e.ShortName, name) {
			return e, nil
		}
	}
	if it.err != nil {
		return DirEntry{}, it.err
	}
	return DirEntry{}, checkpoint.Errorf(ErrNotFound, "%q in %q", name, dir.Name)
}

// splitPath accepts '/' and '\' as separators. Empty and "." segments are dropped.
func splitPath(path string) []string {
	parts := strings.FieldsFunc(path, func(r rune) bool {
		return r == '/' || r == '\\'
	})

	segments := parts[:0]
	for _, p := range parts {
		if p != "." {
			segments = append(segments, p)
		}
	}
	return segments
}

// splitParent returns the path of the parent directory and the last segment.
func splitParent(path string) (string, string) {
	segments := splitPath(path)
	if len(segments) == 0 {
		return "", ""
	}
	return strings.Join(segments[:len(segments)-1], "/"), segments[len(segments)-1]
}

func (fs *Fs) resolveLocked(path string) (DirEntry, error) {
	stack := []DirEntry{fs.rootEntry()}
	for _, segment := range splitPath(path) {
		cur := stack[len(stack)-1]
		if segment == ".." {
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		if !cur.IsDir() {
			return DirEntry{}, checkpoint.Errorf(ErrNotADirectory, "%q in %q", cur.Name, path)
		}

		e, err := fs.lookupLocked(cur, segment)
		if err != nil {
			return DirEntry{}, checkpoint.Wrap(err, fmt.Errorf("resolving %q", path))
		}
		stack = append(stack, e)
	}
	return stack[len(stack)-1], nil
}

// slotLocation returns the sector of a slot and the byte offset inside of it.
func (fs *Fs) slotLocation(sectors []uint32, slot int) (uint32, int, error) {
	per := fs.slotsPerSector()
	if slot < 0 || slot/per >= len(sectors) {
		return 0, 0, checkpoint.Errorf(ErrInvalidFilesystem, "directory slot %d out of range", slot)
	}
	return sectors[slot/per], slot % per * entrySize, nil
}

// updateSlots runs fn on the raw bytes of every slot in [from, to] and writes the touched sectors.
func (fs *Fs) updateSlots(dir uint32, from, to int, fn func(raw []byte)) error {
	sectors, err := fs.dirSectors(dir)
	if err != nil {
		return err
	}

	buf := fs.vol.newSectorBuffer()
	current := uint32(0)
	loaded := false
	for slot := from; slot <= to; slot++ {
		sector, offset, err := fs.slotLocation(sectors, slot)
		if err != nil {
			return err
		}
		if !loaded || sector != current {
			if loaded {
				if err := fs.vol.writeSector(current, buf); err != nil {
					return err
				}
			}
			if err := fs.vol.readSector(sector, buf); err != nil {
				return err
			}
			current, loaded = sector, true
		}
		fn(buf[offset : offset+entrySize])
	}

	if !loaded {
		return nil
	}
	return fs.vol.writeSector(current, buf)
}

func (fs *Fs) writeSlot(dir uint32, slot int, h EntryHeader) error {
	return fs.updateSlots(dir, slot, slot, func(raw []byte) {
		encodeHeader(h, raw)
	})
}

// writeEntry stores e at its own slot.
func (fs *Fs) writeEntry(e DirEntry) error {
	if e.root {
		return nil
	}
	return fs.writeSlot(e.parent, e.slot, e.header())
}

// tombstone marks all slots of e as deleted.
func (fs *Fs) tombstone(e DirEntry) error {
	return fs.updateSlots(e.parent, e.lfnStart, e.slot, func(raw []byte) {
		raw[0] = entryDeleted
	})
}

// zeroCluster clears all sectors of a cluster.
func (fs *Fs) zeroCluster(cluster uint32) error {
	zero := fs.vol.newSectorBuffer()
	first := fs.vol.clusterSector(cluster)
	for i := uint32(0); i < fs.vol.SectorsPerCluster; i++ {
		if err := fs.vol.writeSector(first+i, zero); err != nil {
			return err
		}
	}
	return nil
}

// freeSlot returns the first unused slot of dir. Deleted slots are reused first.
// If there is none the directory grows by one cluster, a full fixed root directory is an error.
func (fs *Fs) freeSlot(dir uint32) (int, error) {
	sectors, err := fs.dirSectors(dir)
	if err != nil {
		return 0, err
	}

	buf := fs.vol.newSectorBuffer()
	per := fs.slotsPerSector()
	for i, sector := range sectors {
		if err := fs.vol.readSector(sector, buf); err != nil {
			return 0, err
		}
		for s := 0; s < per; s++ {
			if first := buf[s*entrySize]; first == entryFree || first == entryDeleted {
				return i*per + s, nil
			}
		}
	}

	dir = fs.dirCluster(dir)
	if dir == 0 {
		return 0, checkpoint.Errorf(ErrNoSpace, "root directory is full")
	}

	chain, err := fs.fat.chain(dir)
	if err != nil {
		return 0, err
	}
	added, err := fs.fat.extend(chain[len(chain)-1], 1)
	if err != nil {
		return 0, err
	}
	if err := fs.zeroCluster(added[0]); err != nil {
		return 0, err
	}
	return len(sectors) * per, nil
}

func (fs *Fs) newHeader(name [11]byte, attr Attr, first uint32) EntryHeader {
	e := DirEntry{
		Attr:         attr,
		FirstCluster: first,
	}
	now := fs.now()
	e.Created, e.Modified, e.Accessed = now, now, now

	h := e.header()
	h.Name = name
	return h
}

// createLocked adds a new entry to parent. Directories get a cluster holding "." and "..",
// files start without any cluster.
func (fs *Fs) createLocked(parent DirEntry, name string, attr Attr) (DirEntry, error) {
	if !parent.IsDir() {
		return DirEntry{}, checkpoint.Errorf(ErrNotADirectory, "%q", parent.Name)
	}
	if fs.readOnly {
		return DirEntry{}, checkpoint.Errorf(ErrReadOnly, "session is read only")
	}

	short, err := encodeShortName(name)
	if err != nil {
		return DirEntry{}, err
	}
	attr &^= AttrVolumeID

	_, err = fs.lookupLocked(parent, name)
	if err == nil {
		return DirEntry{}, checkpoint.Errorf(ErrNameExists, "%q", name)
	}
	if Status(err) != StatusNotFound {
		return DirEntry{}, err
	}

	var first uint32
	if attr&AttrDirectory != 0 {
		clusters, err := fs.fat.allocate(1)
		if err != nil {
			return DirEntry{}, err
		}
		first = clusters[0]

		if err := fs.initDirCluster(first, fs.parentRef(parent.FirstCluster)); err != nil {
			_ = fs.fat.free(first)
			return DirEntry{}, err
		}
	}

	slot, err := fs.freeSlot(parent.FirstCluster)
	if err != nil {
		if first != 0 {
			_ = fs.fat.free(first)
		}
		return DirEntry{}, err
	}

	h := fs.newHeader(short, attr, first)
	if err := fs.writeSlot(parent.FirstCluster, slot, h); err != nil {
		return DirEntry{}, err
	}
	if err := fs.fat.flush(); err != nil {
		return DirEntry{}, err
	}

	return fs.newDirEntry(h, fs.parentRef(fs.dirCluster(parent.FirstCluster)), slot), nil
}

// initDirCluster prepares the first cluster of a new directory.
func (fs *Fs) initDirCluster(cluster, parent uint32) error {
	if err := fs.zeroCluster(cluster); err != nil {
		return err
	}

	dot := fs.newHeader(dotName, AttrDirectory, cluster)
	dotDot := fs.newHeader(dotDotName, AttrDirectory, parent)

	buf := fs.vol.newSectorBuffer()
	encodeHeader(dot, buf[0:entrySize])
	encodeHeader(dotDot, buf[entrySize:2*entrySize])
	return fs.vol.writeSector(fs.vol.clusterSector(cluster), buf)
}

func (fs *Fs) isEmptyDirLocked(dir DirEntry) (bool, error) {
	it, err := fs.iterate(dir.FirstCluster)
	if err != nil {
		return false, err
	}
	if it.next() {
		return false, nil
	}
	return it.err == nil, it.err
}

// removeLocked deletes an entry and frees its clusters.
func (fs *Fs) removeLocked(e DirEntry) error {
	if e.root {
		return checkpoint.Errorf(ErrReadOnly, "the root directory cannot be removed")
	}
	if fs.readOnly {
		return checkpoint.Errorf(ErrReadOnly, "session is read only")
	}
	if fs.isOpen(e) {
		return checkpoint.Errorf(ErrInUse, "%q", e.Name)
	}

	if e.IsDir() {
		empty, err := fs.isEmptyDirLocked(e)
		if err != nil {
			return err
		}
		if !empty {
			return checkpoint.Errorf(ErrDirectoryNotEmpty, "%q", e.Name)
		}
	}

	// The entry goes first. A failure in between leaks clusters instead of cross linking them.
	if err := fs.tombstone(e); err != nil {
		return err
	}
	if err := fs.fat.free(e.FirstCluster); err != nil {
		return err
	}
	return fs.fat.flush()
}

// dotDotOf reads the parent reference of a directory from its ".." entry.
func (fs *Fs) dotDotOf(dir uint32) (uint32, error) {
	buf := fs.vol.newSectorBuffer()
	if err := fs.vol.readSector(fs.vol.clusterSector(dir), buf); err != nil {
		return 0, err
	}
	h := decodeHeader(buf[entrySize : 2*entrySize])
	if h.Name != dotDotName {
		return 0, checkpoint.Errorf(ErrInvalidFilesystem, "directory at cluster %d has no \"..\" entry", dir)
	}

	parent := uint32(h.FirstClusterLO)
	if fs.vol.Type == FAT32 {
		parent |= uint32(h.FirstClusterHI) << 16
	}
	return parent, nil
}

// isInside reports whether the directory dir is ancestor itself or lies below it.
func (fs *Fs) isInside(dir, ancestor uint32) (bool, error) {
	for depth := uint32(0); depth <= fs.vol.ClusterCount; depth++ {
		if dir == ancestor {
			return true, nil
		}
		if fs.isRootDir(dir) {
			return false, nil
		}

		parent, err := fs.dotDotOf(dir)
		if err != nil {
			return false, err
		}
		dir = fs.dirCluster(parent)
	}
	return false, checkpoint.Errorf(ErrInvalidFilesystem, "directory tree loops at cluster %d", dir)
}

// moveLocked links e into newParent under newName and removes it from its old directory.
// The cluster chain of e is not touched.
func (fs *Fs) moveLocked(e DirEntry, newParent DirEntry, newName string) (DirEntry, error) {
	if e.root {
		return DirEntry{}, checkpoint.Errorf(ErrReadOnly, "the root directory cannot be moved")
	}
	if fs.readOnly {
		return DirEntry{}, checkpoint.Errorf(ErrReadOnly, "session is read only")
	}
	if !newParent.IsDir() {
		return DirEntry{}, checkpoint.Errorf(ErrNotADirectory, "%q", newParent.Name)
	}
	if fs.isOpen(e) {
		return DirEntry{}, checkpoint.Errorf(ErrInUse, "%q", e.Name)
	}

	short, err := encodeShortName(newName)
	if err != nil {
		return DirEntry{}, err
	}

	existing, err := fs.lookupLocked(newParent, newName)
	switch {
	case err == nil && !existing.sameSlot(e):
		return DirEntry{}, checkpoint.Errorf(ErrNameExists, "%q", newName)
	case err != nil && Status(err) != StatusNotFound:
		return DirEntry{}, err
	}

	newDir := fs.dirCluster(newParent.FirstCluster)
	if e.IsDir() {
		inside, err := fs.isInside(newDir, e.FirstCluster)
		if err != nil {
			return DirEntry{}, err
		}
		if inside {
			return DirEntry{}, checkpoint.Errorf(ErrInvalidName, "cannot move %q into itself", e.Name)
		}
	}

	slot, err := fs.freeSlot(newDir)
	if err != nil {
		return DirEntry{}, err
	}

	h := e.header()
	h.Name = short
	if err := fs.writeSlot(newDir, slot, h); err != nil {
		return DirEntry{}, err
	}
	if err := fs.tombstone(e); err != nil {
		return DirEntry{}, err
	}

	newRef := fs.parentRef(newDir)
	if e.IsDir() && newRef != e.parent {
		if err := fs.updateSlots(e.FirstCluster, 1, 1, func(raw []byte) {
			binary.LittleEndian.PutUint16(raw[20:], uint16(newRef>>16))
			binary.LittleEndian.PutUint16(raw[26:], uint16(newRef))
		}); err != nil {
			return DirEntry{}, err
		}
	}

	if err := fs.fat.flush(); err != nil {
		return DirEntry{}, err
	}
	return fs.newDirEntry(h, newRef, slot), nil
}
