package gofat

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/aligator/fatengine/checkpoint"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// FormatConfig describes the volume written by Format. Zero values select defaults.
type FormatConfig struct {
	// Type forces the FAT variant. By default volumes below 8 MiB get FAT12,
	// below 512 MiB FAT16 and FAT32 above.
	Type FATType

	BytesPerSector    uint32 // 512
	SectorsPerCluster uint32 // the smallest one which results in a valid cluster count for Type
	NumFATs           uint32 // 2
	RootEntries       uint32 // 224 for FAT12, 512 for FAT16, ignored for FAT32

	// StartBlock is the first device block of the volume, for example the start of a partition.
	StartBlock uint64
	// TotalSectors defaults to the rest of the device.
	TotalSectors uint32

	Label        string
	OEMName      string // "GOFAT"
	SerialNumber uint32 // derived from a random UUID if 0

	Log logrus.FieldLogger
}

const (
	formatMedia       = 0xF8
	fat32Reserved     = 32
	fat32RootCluster  = 2
	fat32FSInfoSector = 1
	fat32BackupBoot   = 6
	maxClusterBytes   = 32 * 1024
)

type formatLayout struct {
	typ               FATType
	bytesPerSector    uint32
	sectorsPerCluster uint32
	reserved          uint32
	numFATs           uint32
	rootEntries       uint32
	rootSectors       uint32
	fatSize           uint32
	totalSectors      uint32
	hiddenSectors     uint32
	clusters          uint32
}

// Format writes an empty FAT volume to dev. Existing data in the volume area is lost.
func Format(dev BlockDevice, cfg FormatConfig) error {
	log := cfg.Log
	if log == nil {
		log = logrus.StandardLogger()
	}

	layout, err := planFormat(dev, cfg)
	if err != nil {
		return err
	}

	label, err := encodeLabel(cfg.Label)
	if err != nil {
		return err
	}

	serial := cfg.SerialNumber
	if serial == 0 {
		id := uuid.New()
		serial = binary.LittleEndian.Uint32(id[:4])
	}

	boot, err := bootSector(layout, cfg, label, serial)
	if err != nil {
		return err
	}

	// Build the volume from the boot sector just like a mount would,
	// so the FAT can be written with the regular table code.
	bpb := BPB{}
	if err := binary.Read(bytes.NewReader(boot), binary.LittleEndian, &bpb); err != nil {
		return checkpoint.Wrap(err, ErrInvalidFilesystem)
	}
	vol, err := parseVolume(boot, bpb, false)
	if err != nil {
		return err
	}
	if vol.Type != layout.typ {
		return checkpoint.Errorf(ErrInvalidFilesystem, "planned %v but the layout results in %v", layout.typ, vol.Type)
	}
	vol.dev = dev
	vol.start = cfg.StartBlock
	vol.blocksPerSector = uint64(vol.BytesPerSector) / uint64(dev.BlockSize())

	// Reserved sectors, all FATs and the fixed root directory start out zeroed.
	zero := vol.newSectorBuffer()
	for sector := uint32(0); sector < vol.FirstDataSector; sector++ {
		if err := vol.writeSector(sector, zero); err != nil {
			return err
		}
	}

	if err := vol.writeSector(0, boot); err != nil {
		return err
	}

	fat := newFatTable(vol, log)
	if err := fat.setEntry(0, 0x0FFFFF00|formatMedia); err != nil {
		return err
	}
	if err := fat.setEntry(1, fat.eocMark()); err != nil {
		return err
	}

	rootSector := vol.RootDirSector
	if vol.Type == FAT32 {
		if err := fat.setEntry(fat32RootCluster, fat.eocMark()); err != nil {
			return err
		}
		rootSector = vol.clusterSector(fat32RootCluster)
		for i := uint32(0); i < vol.SectorsPerCluster; i++ {
			if err := vol.writeSector(rootSector+i, zero); err != nil {
				return err
			}
		}

		if err := writeFSInfo(vol, layout.clusters-1); err != nil {
			return err
		}
		if err := vol.writeSector(fat32BackupBoot, boot); err != nil {
			return err
		}
	}

	if err := fat.flush(); err != nil {
		return err
	}

	if cfg.Label != "" {
		root := vol.newSectorBuffer()
		encodeHeader(EntryHeader{Name: label, Attribute: byte(AttrVolumeID)}, root[:entrySize])
		if err := vol.writeSector(rootSector, root); err != nil {
			return err
		}
	}

	if syncer, ok := dev.(Syncer); ok {
		if err := syncer.Sync(); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}

	log.WithFields(logrus.Fields{
		"type":     vol.Type,
		"clusters": vol.ClusterCount,
		"fatSize":  vol.FATSize,
		"label":    cfg.Label,
	}).Debug("formatted volume")
	return nil
}

func planFormat(dev BlockDevice, cfg FormatConfig) (formatLayout, error) {
	l := formatLayout{
		bytesPerSector: cfg.BytesPerSector,
		numFATs:        cfg.NumFATs,
		totalSectors:   cfg.TotalSectors,
	}
	if l.bytesPerSector == 0 {
		l.bytesPerSector = 512
	}
	if l.numFATs == 0 {
		l.numFATs = 2
	}

	if l.bytesPerSector > 0xFFFF || !isValidSectorSize(uint16(l.bytesPerSector)) {
		return l, checkpoint.Errorf(ErrInvalidFilesystem, "invalid sector size %d", l.bytesPerSector)
	}
	bs := uint32(dev.BlockSize())
	if bs == 0 || l.bytesPerSector%bs != 0 {
		return l, checkpoint.Errorf(ErrInvalidFilesystem, "sector size %d is not a multiple of the block size %d", l.bytesPerSector, bs)
	}
	blocksPerSector := uint64(l.bytesPerSector / bs)
	l.hiddenSectors = uint32(cfg.StartBlock / blocksPerSector)

	if cfg.StartBlock >= dev.TotalBlocks() {
		return l, checkpoint.Errorf(ErrInvalidFilesystem, "start block %d behind the end of the device", cfg.StartBlock)
	}
	available := (dev.TotalBlocks() - cfg.StartBlock) / blocksPerSector
	if available > 0xFFFFFFFF {
		available = 0xFFFFFFFF
	}
	if l.totalSectors == 0 {
		l.totalSectors = uint32(available)
	}
	if uint64(l.totalSectors) > available {
		return l, checkpoint.Errorf(ErrNoSpace, "%d sectors requested but only %d available", l.totalSectors, available)
	}

	l.typ = cfg.Type
	if l.typ == 0 {
		size := uint64(l.totalSectors) * uint64(l.bytesPerSector)
		switch {
		case size < 8<<20:
			l.typ = FAT12
		case size < 512<<20:
			l.typ = FAT16
		default:
			l.typ = FAT32
		}
	}

	switch l.typ {
	case FAT12, FAT16:
		l.reserved = 1
		l.rootEntries = cfg.RootEntries
		if l.rootEntries == 0 {
			l.rootEntries = 512
			if l.typ == FAT12 {
				l.rootEntries = 224
			}
		}
		// The root directory has to fill whole sectors.
		perSector := l.bytesPerSector / entrySize
		l.rootEntries = (l.rootEntries + perSector - 1) / perSector * perSector
		if l.rootEntries > 0xFFFF {
			return l, checkpoint.Errorf(ErrInvalidFilesystem, "too many root entries %d", l.rootEntries)
		}
		l.rootSectors = l.rootEntries / perSector
	case FAT32:
		l.reserved = fat32Reserved
	default:
		return l, checkpoint.Errorf(ErrInvalidFilesystem, "unknown FAT type %d", l.typ)
	}

	candidates := []uint32{cfg.SectorsPerCluster}
	if cfg.SectorsPerCluster == 0 {
		candidates = nil
		for spc := uint32(1); spc <= 128 && spc*l.bytesPerSector <= maxClusterBytes; spc *= 2 {
			candidates = append(candidates, spc)
		}
	}

	for _, spc := range candidates {
		if spc == 0 || spc > 128 || spc&(spc-1) != 0 {
			return l, checkpoint.Errorf(ErrInvalidFilesystem, "invalid sectors per cluster %d", spc)
		}
		l.sectorsPerCluster = spc
		if l.fit() {
			return l, nil
		}
	}
	return l, checkpoint.Errorf(ErrInvalidFilesystem, "%d sectors cannot hold a %v volume", l.totalSectors, l.typ)
}

// fit sizes the FAT for the current cluster size and reports whether the cluster count matches the type.
// The FAT size depends on the cluster count which depends on the FAT size, so it is
// increased until it is large enough.
func (l *formatLayout) fit() bool {
	l.fatSize = 1
	for {
		meta := l.reserved + l.numFATs*l.fatSize + l.rootSectors
		if meta >= l.totalSectors {
			return false
		}
		l.clusters = (l.totalSectors - meta) / l.sectorsPerCluster

		needed := uint32((fatBytes(l.typ, l.clusters+2) + uint64(l.bytesPerSector) - 1) / uint64(l.bytesPerSector))
		if needed <= l.fatSize {
			break
		}
		l.fatSize = needed
	}

	if l.clusters == 0 || typeForClusters(l.clusters) != l.typ {
		return false
	}
	return l.typ == FAT32 || l.fatSize <= 0xFFFF
}

func bootSector(l formatLayout, cfg FormatConfig, label [11]byte, serial uint32) ([]byte, error) {
	oem := cfg.OEMName
	if oem == "" {
		oem = "GOFAT"
	}

	bpb := BPB{
		BSJumpBoot:          [3]byte{0xEB, 0x3C, 0x90},
		BytesPerSector:      uint16(l.bytesPerSector),
		SectorsPerCluster:   byte(l.sectorsPerCluster),
		ReservedSectorCount: uint16(l.reserved),
		NumFATs:             byte(l.numFATs),
		RootEntryCount:      uint16(l.rootEntries),
		Media:               formatMedia,
		SectorsPerTrack:     32,
		NumberOfHeads:       64,
		HiddenSectors:       l.hiddenSectors,
	}
	copy(bpb.BSOEMName[:], padded(oem, 8))

	if l.typ != FAT32 && l.totalSectors <= 0xFFFF {
		bpb.TotalSectors16 = uint16(l.totalSectors)
	} else {
		bpb.TotalSectors32 = l.totalSectors
	}

	if cfg.Label == "" {
		copy(label[:], "NO NAME    ")
	}

	specific := new(bytes.Buffer)
	switch l.typ {
	case FAT32:
		bpb.BSJumpBoot[1] = 0x58
		if err := binary.Write(specific, binary.LittleEndian, FAT32SpecificData{
			FATSize:          l.fatSize,
			RootCluster:      fat32RootCluster,
			FSInfo:           fat32FSInfoSector,
			BkBootSector:     fat32BackupBoot,
			BSDriveNumber:    0x80,
			BSBootSignature:  extBootSignature,
			BSVolumeID:       serial,
			BSVolumeLabel:    label,
			BSFileSystemType: fsTypeName("FAT32"),
		}); err != nil {
			return nil, checkpoint.From(err)
		}
	default:
		bpb.FATSize16 = uint16(l.fatSize)
		if err := binary.Write(specific, binary.LittleEndian, FAT16SpecificData{
			BSDriveNumber:    0x80,
			BSBootSignature:  extBootSignature,
			BSVolumeID:       serial,
			BSVolumeLabel:    label,
			BSFileSystemType: fsTypeName(l.typ.String()),
		}); err != nil {
			return nil, checkpoint.From(err)
		}
	}
	copy(bpb.FATSpecificData[:], specific.Bytes())

	encoded := new(bytes.Buffer)
	if err := binary.Write(encoded, binary.LittleEndian, bpb); err != nil {
		return nil, checkpoint.From(err)
	}

	sector := make([]byte, l.bytesPerSector)
	copy(sector, encoded.Bytes())
	sector[bootSignatureOffset] = 0x55
	sector[bootSignatureOffset+1] = 0xAA
	return sector, nil
}

func writeFSInfo(vol *Volume, free uint32) error {
	buf := vol.newSectorBuffer()
	binary.LittleEndian.PutUint32(buf, fsInfoLeadSignature)
	binary.LittleEndian.PutUint32(buf[fsInfoStructOffset:], fsInfoStructSignature)
	binary.LittleEndian.PutUint32(buf[fsInfoFreeCountOffset:], free)
	binary.LittleEndian.PutUint32(buf[fsInfoNextFreeOffset:], fat32RootCluster+1)
	binary.LittleEndian.PutUint32(buf[fsInfoTrailOffset:], fsInfoTrailSignature)
	if err := vol.writeSector(fat32FSInfoSector, buf); err != nil {
		return err
	}
	// The backup copy lives right behind the backup boot sector.
	return vol.writeSector(fat32BackupBoot+1, buf)
}

// encodeLabel converts a volume label into its padded on-disk form.
func encodeLabel(label string) ([11]byte, error) {
	var raw [11]byte
	copy(raw[:], padded("", 11))
	if label == "" {
		return raw, nil
	}

	encoded, err := oemCodePage.NewEncoder().String(strings.ToUpper(label))
	if err != nil {
		return raw, checkpoint.Wrap(err, checkpoint.Errorf(ErrInvalidName, "label %q", label))
	}
	if len(encoded) > len(raw) {
		return raw, checkpoint.Errorf(ErrInvalidName, "label %q is longer than 11 characters", label)
	}
	for i := 0; i < len(encoded); i++ {
		if encoded[i] != ' ' && !isValidShortChar(encoded[i]) {
			return raw, checkpoint.Errorf(ErrInvalidName, "label %q contains %q", label, encoded[i])
		}
	}
	if encoded[0] == ' ' {
		return raw, checkpoint.Errorf(ErrInvalidName, "label %q starts with a space", label)
	}

	copy(raw[:], encoded)
	return raw, nil
}

func fsTypeName(name string) [8]byte {
	var raw [8]byte
	copy(raw[:], padded(name, 8))
	return raw
}

func padded(s string, n int) string {
	if len(s) >= n {
		return s[:n]
	}
	return s + strings.Repeat(" ", n-len(s))
}
