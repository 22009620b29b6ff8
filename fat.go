package gofat

import (
	"encoding/binary"
	"sort"
	"sync"

	"github.com/aligator/fatengine/checkpoint"
	"github.com/sirupsen/logrus"
)

// fatTable caches the sectors of the first FAT and tracks which of them have to be written back.
// Every loaded sector stays cached for the whole session, so entries which were read once
// can always be written without touching the device.
type fatTable struct {
	mu  sync.Mutex
	vol *Volume
	log logrus.FieldLogger

	sectors map[uint32][]byte // relative to the start of the FAT
	dirty   map[uint32]struct{}

	freeClusters int64  // -1 until the first full scan
	cursor       uint32 // where the next allocation starts looking
	infoDirty    bool
}

func newFatTable(vol *Volume, log logrus.FieldLogger) *fatTable {
	return &fatTable{
		vol:          vol,
		log:          log,
		sectors:      make(map[uint32][]byte),
		dirty:        make(map[uint32]struct{}),
		freeClusters: -1,
		cursor:       2,
	}
}

func (t *fatTable) eocMin() uint32 {
	switch t.vol.Type {
	case FAT12:
		return 0xFF8
	case FAT16:
		return 0xFFF8
	default:
		return 0x0FFFFFF8
	}
}

func (t *fatTable) eocMark() uint32 {
	switch t.vol.Type {
	case FAT12:
		return 0xFFF
	case FAT16:
		return 0xFFFF
	default:
		return 0x0FFFFFFF
	}
}

func (t *fatTable) badMark() uint32 {
	return t.eocMin() - 1
}

func (t *fatTable) sector(rel uint32) ([]byte, error) {
	if buf, ok := t.sectors[rel]; ok {
		return buf, nil
	}
	if rel >= t.vol.FATSize {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "FAT sector %d beyond the FAT", rel)
	}

	buf := t.vol.newSectorBuffer()
	if err := t.vol.readSector(t.vol.ReservedSectors+rel, buf); err != nil {
		return nil, err
	}
	t.sectors[rel] = buf
	return buf, nil
}

// locate returns the sector holding byte off of the FAT and the position inside of it.
func (t *fatTable) locate(off uint64) ([]byte, uint32, uint32, error) {
	bps := uint64(t.vol.BytesPerSector)
	rel := uint32(off / bps)
	buf, err := t.sector(rel)
	return buf, rel, uint32(off % bps), err
}

func (t *fatTable) byteAt(off uint64) (byte, error) {
	buf, _, idx, err := t.locate(off)
	if err != nil {
		return 0, err
	}
	return buf[idx], nil
}

func (t *fatTable) setByte(off uint64, b byte) error {
	buf, rel, idx, err := t.locate(off)
	if err != nil {
		return err
	}
	buf[idx] = b
	t.dirty[rel] = struct{}{}
	return nil
}

// entry reads the raw value of FAT slot n.
func (t *fatTable) entry(n uint32) (uint32, error) {
	switch t.vol.Type {
	case FAT12:
		// 12 bit entries are packed, one may span two sectors.
		off := uint64(n) + uint64(n)/2
		lo, err := t.byteAt(off)
		if err != nil {
			return 0, err
		}
		hi, err := t.byteAt(off + 1)
		if err != nil {
			return 0, err
		}
		v := uint32(lo) | uint32(hi)<<8
		if n&1 == 1 {
			return v >> 4, nil
		}
		return v & 0xFFF, nil
	case FAT16:
		buf, _, idx, err := t.locate(uint64(n) * 2)
		if err != nil {
			return 0, err
		}
		return uint32(binary.LittleEndian.Uint16(buf[idx:])), nil
	default:
		buf, _, idx, err := t.locate(uint64(n) * 4)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint32(buf[idx:]) & 0x0FFFFFFF, nil
	}
}

// setEntry writes FAT slot n and marks the touched sectors dirty.
func (t *fatTable) setEntry(n, v uint32) error {
	switch t.vol.Type {
	case FAT12:
		off := uint64(n) + uint64(n)/2
		lo, err := t.byteAt(off)
		if err != nil {
			return err
		}
		hi, err := t.byteAt(off + 1)
		if err != nil {
			return err
		}
		if n&1 == 1 {
			lo = lo&0x0F | byte(v<<4)
			hi = byte(v >> 4)
		} else {
			lo = byte(v)
			hi = hi&0xF0 | byte(v>>8)&0x0F
		}
		if err := t.setByte(off, lo); err != nil {
			return err
		}
		return t.setByte(off+1, hi)
	case FAT16:
		buf, rel, idx, err := t.locate(uint64(n) * 2)
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint16(buf[idx:], uint16(v))
		t.dirty[rel] = struct{}{}
	default:
		buf, rel, idx, err := t.locate(uint64(n) * 4)
		if err != nil {
			return err
		}
		// The top 4 bits are reserved and must be kept.
		old := binary.LittleEndian.Uint32(buf[idx:])
		binary.LittleEndian.PutUint32(buf[idx:], old&0xF0000000|v&0x0FFFFFFF)
		t.dirty[rel] = struct{}{}
	}
	return nil
}

func (t *fatTable) isEOC(v uint32) bool {
	return v >= t.eocMin()
}

func (t *fatTable) validCluster(c uint32) bool {
	return c >= 2 && c <= t.vol.maxCluster()
}

func (t *fatTable) nextLocked(n uint32) (uint32, bool, error) {
	if !t.validCluster(n) {
		return 0, false, checkpoint.Errorf(ErrInvalidFilesystem, "cluster %d out of range", n)
	}

	v, err := t.entry(n)
	if err != nil {
		return 0, false, err
	}
	if t.isEOC(v) {
		return 0, true, nil
	}
	if !t.validCluster(v) || v == t.badMark() {
		return 0, false, checkpoint.Errorf(ErrInvalidFilesystem, "corrupt chain: cluster %d links to %#x", n, v)
	}
	return v, false, nil
}

// next returns the cluster following n. eoc is true if n is the last cluster of its chain.
func (t *fatTable) next(n uint32) (next uint32, eoc bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextLocked(n)
}

func (t *fatTable) chainLocked(first uint32) ([]uint32, error) {
	if first == 0 {
		return nil, nil
	}

	var clusters []uint32
	for cur := first; ; {
		clusters = append(clusters, cur)
		if uint32(len(clusters)) > t.vol.ClusterCount {
			return nil, checkpoint.Errorf(ErrInvalidFilesystem, "chain starting at %d loops", first)
		}

		next, eoc, err := t.nextLocked(cur)
		if err != nil {
			return nil, err
		}
		if eoc {
			return clusters, nil
		}
		cur = next
	}
}

// chain returns all clusters of the chain starting at first. An empty chain has first == 0.
func (t *fatTable) chain(first uint32) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chainLocked(first)
}

func (t *fatTable) scanFreeLocked() (uint32, error) {
	var free uint32
	for c := uint32(2); c <= t.vol.maxCluster(); c++ {
		v, err := t.entry(c)
		if err != nil {
			return 0, err
		}
		if v == 0 {
			free++
		}
	}
	return free, nil
}

// scanFree counts the free clusters by reading the whole FAT, ignoring the cache.
func (t *fatTable) scanFree() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.scanFreeLocked()
}

// forEachUsed calls fn for every allocated cluster. Clusters marked bad are skipped.
func (t *fatTable) forEachUsed(fn func(cluster uint32)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	for c := uint32(2); c <= t.vol.maxCluster(); c++ {
		v, err := t.entry(c)
		if err != nil {
			return err
		}
		if v != 0 && v != t.badMark() {
			fn(c)
		}
	}
	return nil
}

func (t *fatTable) freeCountLocked() (uint32, error) {
	if t.freeClusters < 0 {
		free, err := t.scanFreeLocked()
		if err != nil {
			return 0, err
		}
		t.freeClusters = int64(free)
	}
	return uint32(t.freeClusters), nil
}

// freeCount returns the cached amount of free clusters.
func (t *fatTable) freeCount() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeCountLocked()
}

// allocateLocked finds count free clusters starting at the cursor and links them to a new chain.
// Nothing is changed if it fails.
func (t *fatTable) allocateLocked(count int) ([]uint32, error) {
	if count <= 0 {
		return nil, nil
	}

	free, err := t.freeCountLocked()
	if err != nil {
		return nil, err
	}
	if uint64(count) > uint64(free) {
		return nil, checkpoint.Errorf(ErrNoSpace, "%d clusters needed, %d free", count, free)
	}

	clusters := make([]uint32, 0, count)
	c := t.cursor
	if !t.validCluster(c) {
		c = 2
	}
	for scanned := uint32(0); len(clusters) < count && scanned < t.vol.ClusterCount; scanned++ {
		v, err := t.entry(c)
		if err != nil {
			return nil, err
		}
		if v == 0 {
			clusters = append(clusters, c)
		}

		c++
		if c > t.vol.maxCluster() {
			c = 2
		}
	}

	if len(clusters) < count {
		// The cached count was wrong, rescan next time.
		t.freeClusters = -1
		return nil, checkpoint.Errorf(ErrNoSpace, "%d clusters needed, found %d", count, len(clusters))
	}

	// All touched sectors are cached by now, so linking cannot fail half way.
	for i, cluster := range clusters {
		v := t.eocMark()
		if i+1 < len(clusters) {
			v = clusters[i+1]
		}
		if err := t.setEntry(cluster, v); err != nil {
			return nil, err
		}
	}

	t.freeClusters -= int64(count)
	t.cursor = c
	t.infoDirty = true
	return clusters, nil
}

// allocate creates a new chain of count clusters.
func (t *fatTable) allocate(count int) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.allocateLocked(count)
}

// extend appends count new clusters to the chain ending at last.
func (t *fatTable) extend(last uint32, count int) ([]uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.validCluster(last) {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "cluster %d out of range", last)
	}
	// Load the sector of last before allocating to keep the operation atomic.
	if _, err := t.entry(last); err != nil {
		return nil, err
	}

	clusters, err := t.allocateLocked(count)
	if err != nil || len(clusters) == 0 {
		return clusters, err
	}
	return clusters, t.setEntry(last, clusters[0])
}

func (t *fatTable) freeLocked(first uint32) error {
	for cur, n := first, uint32(0); t.validCluster(cur); n++ {
		if n > t.vol.ClusterCount {
			return checkpoint.Errorf(ErrInvalidFilesystem, "chain starting at %d loops", first)
		}

		next, err := t.entry(cur)
		if err != nil {
			return err
		}
		if err := t.setEntry(cur, 0); err != nil {
			return err
		}
		if t.freeClusters >= 0 {
			t.freeClusters++
		}
		t.infoDirty = true

		if t.isEOC(next) {
			break
		}
		cur = next
	}
	return nil
}

// free releases the whole chain starting at first.
func (t *fatTable) free(first uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.freeLocked(first)
}

// truncate keeps the first keep clusters of the chain and frees the rest.
func (t *fatTable) truncate(first uint32, keep int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if first == 0 {
		return nil
	}
	if keep <= 0 {
		return t.freeLocked(first)
	}

	last := first
	for i := 1; i < keep; i++ {
		next, eoc, err := t.nextLocked(last)
		if err != nil {
			return err
		}
		if eoc {
			return nil
		}
		last = next
	}

	rest, eoc, err := t.nextLocked(last)
	if err != nil || eoc {
		return err
	}
	if err := t.setEntry(last, t.eocMark()); err != nil {
		return err
	}
	return t.freeLocked(rest)
}

// loadFSInfo seeds the allocation cursor from the FSInfo sector of FAT32 volumes.
// The free count stored there is not trusted.
func (t *fatTable) loadFSInfo() error {
	if t.vol.FSInfoSector == 0 {
		return nil
	}

	buf := t.vol.newSectorBuffer()
	if err := t.vol.readSector(t.vol.FSInfoSector, buf); err != nil {
		return err
	}
	if !validFSInfo(buf) {
		t.log.WithField("sector", t.vol.FSInfoSector).Debug("ignoring invalid FSInfo sector")
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if hint := binary.LittleEndian.Uint32(buf[fsInfoNextFreeOffset:]); t.validCluster(hint) {
		t.cursor = hint
	}
	return nil
}

func validFSInfo(buf []byte) bool {
	return binary.LittleEndian.Uint32(buf) == fsInfoLeadSignature &&
		binary.LittleEndian.Uint32(buf[fsInfoStructOffset:]) == fsInfoStructSignature
}

// flush writes every dirty FAT sector to all FAT copies.
// A copy which cannot be written is logged, the first error is returned after all copies were tried.
func (t *fatTable) flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rels := make([]uint32, 0, len(t.dirty))
	for rel := range t.dirty {
		rels = append(rels, rel)
	}
	sort.Slice(rels, func(i, j int) bool { return rels[i] < rels[j] })

	var firstErr error
	for _, rel := range rels {
		ok := true
		for copyIndex := uint32(0); copyIndex < t.vol.NumFATs; copyIndex++ {
			sector := t.vol.ReservedSectors + copyIndex*t.vol.FATSize + rel
			if err := t.vol.writeSector(sector, t.sectors[rel]); err != nil {
				t.log.WithFields(logrus.Fields{
					"copy":   copyIndex,
					"sector": sector,
				}).WithError(err).Warn("could not write FAT sector")
				if firstErr == nil {
					firstErr = err
				}
				ok = false
			}
		}
		if ok {
			delete(t.dirty, rel)
		}
	}

	if len(rels) > 0 {
		t.log.WithField("sectors", len(rels)).Debug("flushed FAT")
	}

	if err := t.flushFSInfoLocked(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (t *fatTable) flushFSInfoLocked() error {
	if !t.infoDirty || t.vol.FSInfoSector == 0 {
		return nil
	}

	buf := t.vol.newSectorBuffer()
	if err := t.vol.readSector(t.vol.FSInfoSector, buf); err != nil {
		return err
	}
	if !validFSInfo(buf) {
		t.infoDirty = false
		return nil
	}

	free := uint32(fsInfoUnknown)
	if t.freeClusters >= 0 {
		free = uint32(t.freeClusters)
	}
	binary.LittleEndian.PutUint32(buf[fsInfoFreeCountOffset:], free)
	binary.LittleEndian.PutUint32(buf[fsInfoNextFreeOffset:], t.cursor)
	if err := t.vol.writeSector(t.vol.FSInfoSector, buf); err != nil {
		return err
	}
	t.infoDirty = false
	return nil
}

// isDirty reports whether flush has anything to write.
func (t *fatTable) isDirty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dirty) > 0 || t.infoDirty && t.vol.FSInfoSector != 0
}
