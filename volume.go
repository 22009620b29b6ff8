package gofat

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/aligator/fatengine/checkpoint"
	"github.com/diskfs/go-diskfs/partition/mbr"
	"github.com/sirupsen/logrus"
)

// FATType is the FAT variant of a volume. Its value is the FAT entry width in bits.
type FATType uint8

const (
	FAT12 FATType = 12
	FAT16 FATType = 16
	FAT32 FATType = 32
)

func (t FATType) String() string {
	switch t {
	case FAT12, FAT16, FAT32:
		return fmt.Sprintf("FAT%d", uint8(t))
	}
	return "unknown"
}

// Cluster count limits which decide the variant of a volume.
const (
	maxClustersFAT12 = 4085
	maxClustersFAT16 = 65525
)

// typeForClusters returns the variant of a volume with the given amount of data clusters.
// The type string in the boot sector is never used for this.
func typeForClusters(clusters uint32) FATType {
	switch {
	case clusters < maxClustersFAT12:
		return FAT12
	case clusters < maxClustersFAT16:
		return FAT16
	default:
		return FAT32
	}
}

// Volume is the geometry of a mounted FAT volume.
type Volume struct {
	dev             BlockDevice
	start           uint64 // first device block of the volume
	blocksPerSector uint64

	Type              FATType
	BytesPerSector    uint32
	SectorsPerCluster uint32
	ReservedSectors   uint32
	NumFATs           uint32
	FATSize           uint32 // in sectors, for each copy
	TotalSectors      uint32
	ClusterCount      uint32
	Media             byte

	// RootEntryCount, RootDirSector and RootDirSectors describe the fixed root of FAT12 and FAT16.
	RootEntryCount uint32
	RootDirSector  uint32
	RootDirSectors uint32
	// RootCluster is the first cluster of the root directory on FAT32.
	RootCluster uint32

	FirstDataSector uint32
	FSInfoSector    uint32 // 0 if the volume has none

	Label        string
	SerialNumber uint32
}

func isValidSectorSize(size uint16) bool {
	return size == 512 || size == 1024 || size == 2048 || size == 4096
}

func isPowerOfTwo(v uint8) bool {
	return v != 0 && v&(v-1) == 0
}

func isValidMedia(media byte) bool {
	return media == 0xF0 || media >= 0xF8
}

func readBootSector(df *deviceFile, offset int64) ([]byte, BPB, error) {
	buf := make([]byte, 512)
	n, err := df.ReadAt(buf, offset)
	if n < len(buf) {
		if err == nil || err == io.EOF {
			return nil, BPB{}, checkpoint.Errorf(ErrInvalidFilesystem, "device too small for a boot sector at %d", offset)
		}
		return nil, BPB{}, checkpoint.Wrap(err, ErrIO)
	}

	bpb := BPB{}
	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &bpb); err != nil {
		return nil, BPB{}, checkpoint.Wrap(err, ErrInvalidFilesystem)
	}
	return buf, bpb, nil
}

// looksLikeBootSector decides if a sector holds a volume boot record rather than an MBR.
func looksLikeBootSector(buf []byte, bpb BPB) bool {
	return buf[bootSignatureOffset] == 0x55 && buf[bootSignatureOffset+1] == 0xAA &&
		isValidSectorSize(bpb.BytesPerSector) &&
		isPowerOfTwo(bpb.SectorsPerCluster) &&
		bpb.ReservedSectorCount != 0 &&
		bpb.NumFATs != 0
}

// mountVolume locates and validates the volume selected by partition.
// If the device starts with a boot sector it is a super floppy which only has partition 0.
// Otherwise partition selects one of the four primary MBR entries.
func mountVolume(dev BlockDevice, partition uint32, skipChecks bool, log logrus.FieldLogger) (*Volume, error) {
	if dev.BlockSize() <= 0 || 512%dev.BlockSize() != 0 && dev.BlockSize()%512 != 0 {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "unsupported device block size %d", dev.BlockSize())
	}

	df := &deviceFile{dev: dev}
	buf, bpb, err := readBootSector(df, 0)
	if err != nil {
		return nil, err
	}

	var start uint64
	if looksLikeBootSector(buf, bpb) {
		if partition != 0 {
			return nil, checkpoint.Errorf(ErrInvalidFilesystem, "partition %d requested but the device has no partition table", partition)
		}
	} else {
		table, err := mbr.Read(df, dev.BlockSize(), dev.BlockSize())
		if err != nil {
			return nil, checkpoint.Wrap(err, ErrInvalidFilesystem)
		}
		if int(partition) >= len(table.Partitions) {
			return nil, checkpoint.Errorf(ErrInvalidFilesystem, "partition %d does not exist", partition)
		}

		p := table.Partitions[partition]
		if p.Type == mbr.Empty || p.Size == 0 {
			return nil, checkpoint.Errorf(ErrInvalidFilesystem, "partition %d is empty", partition)
		}
		log.WithFields(logrus.Fields{
			"partition": partition,
			"type":      fmt.Sprintf("%#02x", byte(p.Type)),
			"start":     p.Start,
			"size":      p.Size,
		}).Debug("using partition")

		start = uint64(p.Start)
		buf, bpb, err = readBootSector(df, int64(start)*int64(dev.BlockSize()))
		if err != nil {
			return nil, err
		}
	}

	vol, err := parseVolume(buf, bpb, skipChecks)
	if err != nil {
		return nil, err
	}

	if vol.BytesPerSector%uint32(dev.BlockSize()) != 0 {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "sector size %d is not a multiple of the block size %d", vol.BytesPerSector, dev.BlockSize())
	}
	vol.dev = dev
	vol.start = start
	vol.blocksPerSector = uint64(vol.BytesPerSector) / uint64(dev.BlockSize())

	if !skipChecks {
		end := start + uint64(vol.TotalSectors)*vol.blocksPerSector
		if end > dev.TotalBlocks() {
			return nil, checkpoint.Errorf(ErrInvalidFilesystem, "volume needs %d blocks but the device has only %d", end, dev.TotalBlocks())
		}
	}

	return vol, nil
}

// parseVolume validates a boot sector and derives the geometry from it.
func parseVolume(buf []byte, bpb BPB, skipChecks bool) (*Volume, error) {
	if buf[bootSignatureOffset] != 0x55 || buf[bootSignatureOffset+1] != 0xAA {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "missing boot sector signature")
	}

	if !skipChecks {
		if !(bpb.BSJumpBoot[0] == 0xEB && bpb.BSJumpBoot[2] == 0x90) && bpb.BSJumpBoot[0] != 0xE9 {
			return nil, checkpoint.Errorf(ErrInvalidFilesystem, "no valid jump instructions at the beginning")
		}
		if !isValidMedia(bpb.Media) {
			return nil, checkpoint.Errorf(ErrInvalidFilesystem, "invalid media value %#02x", bpb.Media)
		}
	}

	// FAT only supports 512, 1024, 2048 and 4096.
	if !isValidSectorSize(bpb.BytesPerSector) {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "invalid sector size %d", bpb.BytesPerSector)
	}
	if !isPowerOfTwo(bpb.SectorsPerCluster) {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "invalid sectors per cluster %d", bpb.SectorsPerCluster)
	}
	if bpb.ReservedSectorCount == 0 {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "invalid reserved sector count")
	}
	if bpb.NumFATs == 0 {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "no FAT")
	}

	fat16 := FAT16SpecificData{}
	fat32 := FAT32SpecificData{}
	if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &fat16); err != nil {
		return nil, checkpoint.Wrap(err, ErrInvalidFilesystem)
	}
	if err := binary.Read(bytes.NewReader(bpb.FATSpecificData[:]), binary.LittleEndian, &fat32); err != nil {
		return nil, checkpoint.Wrap(err, ErrInvalidFilesystem)
	}

	vol := &Volume{
		BytesPerSector:    uint32(bpb.BytesPerSector),
		SectorsPerCluster: uint32(bpb.SectorsPerCluster),
		ReservedSectors:   uint32(bpb.ReservedSectorCount),
		NumFATs:           uint32(bpb.NumFATs),
		RootEntryCount:    uint32(bpb.RootEntryCount),
		Media:             bpb.Media,
	}

	vol.TotalSectors = uint32(bpb.TotalSectors16)
	if vol.TotalSectors == 0 {
		vol.TotalSectors = bpb.TotalSectors32
	}
	vol.FATSize = uint32(bpb.FATSize16)
	if vol.FATSize == 0 {
		vol.FATSize = fat32.FATSize
	}
	if vol.TotalSectors == 0 || vol.FATSize == 0 {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "total sectors %d, FAT size %d", vol.TotalSectors, vol.FATSize)
	}

	vol.RootDirSectors = (vol.RootEntryCount*entrySize + vol.BytesPerSector - 1) / vol.BytesPerSector
	vol.RootDirSector = vol.ReservedSectors + vol.NumFATs*vol.FATSize
	vol.FirstDataSector = vol.RootDirSector + vol.RootDirSectors
	if vol.FirstDataSector >= vol.TotalSectors {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "no data region: metadata ends at sector %d of %d", vol.FirstDataSector, vol.TotalSectors)
	}

	vol.ClusterCount = (vol.TotalSectors - vol.FirstDataSector) / vol.SectorsPerCluster
	if vol.ClusterCount == 0 {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "volume has no clusters")
	}
	vol.Type = typeForClusters(vol.ClusterCount)

	if needed := fatBytes(vol.Type, vol.ClusterCount+2); uint64(vol.FATSize)*uint64(vol.BytesPerSector) < needed {
		return nil, checkpoint.Errorf(ErrInvalidFilesystem, "FAT of %d sectors cannot map %d clusters", vol.FATSize, vol.ClusterCount)
	}

	if vol.Type == FAT32 {
		if vol.RootEntryCount != 0 {
			return nil, checkpoint.Errorf(ErrInvalidFilesystem, "FAT32 volume with a fixed root directory")
		}
		if fat32.RootCluster < 2 || fat32.RootCluster > vol.maxCluster() {
			return nil, checkpoint.Errorf(ErrInvalidFilesystem, "root cluster %d out of range", fat32.RootCluster)
		}
		vol.RootCluster = fat32.RootCluster
		if fat32.FSInfo != 0 && fat32.FSInfo != 0xFFFF && uint32(fat32.FSInfo) < vol.ReservedSectors {
			vol.FSInfoSector = uint32(fat32.FSInfo)
		}
		if fat32.BSBootSignature == extBootSignature {
			vol.SerialNumber = fat32.BSVolumeID
			vol.Label = trimLabel(fat32.BSVolumeLabel)
		}
	} else {
		if vol.RootEntryCount == 0 {
			return nil, checkpoint.Errorf(ErrInvalidFilesystem, "%v volume without root directory entries", vol.Type)
		}
		if fat16.BSBootSignature == extBootSignature {
			vol.SerialNumber = fat16.BSVolumeID
			vol.Label = trimLabel(fat16.BSVolumeLabel)
		}
	}

	return vol, nil
}

func trimLabel(label [11]byte) string {
	return strings.TrimRight(decodeOEM(label[:]), " ")
}

// fatBytes returns the size of a FAT holding entries entries.
func fatBytes(t FATType, entries uint32) uint64 {
	switch t {
	case FAT12:
		return (uint64(entries)*3 + 1) / 2
	case FAT16:
		return uint64(entries) * 2
	default:
		return uint64(entries) * 4
	}
}

// maxCluster is the highest valid cluster index.
func (v *Volume) maxCluster() uint32 {
	return v.ClusterCount + 1
}

// ClusterSize returns the size of a cluster in bytes.
func (v *Volume) ClusterSize() uint32 {
	return v.BytesPerSector * v.SectorsPerCluster
}

// clusterSector returns the first sector of a data cluster.
func (v *Volume) clusterSector(cluster uint32) uint32 {
	return v.FirstDataSector + (cluster-2)*v.SectorsPerCluster
}

func (v *Volume) sectorBlock(sector uint32) uint64 {
	return v.start + uint64(sector)*v.blocksPerSector
}

func (v *Volume) readSector(sector uint32, dst []byte) error {
	if sector >= v.TotalSectors {
		return checkpoint.Errorf(ErrIO, "sector %d out of volume", sector)
	}

	bs := v.dev.BlockSize()
	block := v.sectorBlock(sector)
	for i := 0; i < int(v.blocksPerSector); i++ {
		if err := v.dev.ReadBlock(block+uint64(i), dst[i*bs:(i+1)*bs]); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}
	return nil
}

func (v *Volume) writeSector(sector uint32, src []byte) error {
	if sector >= v.TotalSectors {
		return checkpoint.Errorf(ErrIO, "sector %d out of volume", sector)
	}

	bs := v.dev.BlockSize()
	block := v.sectorBlock(sector)
	for i := 0; i < int(v.blocksPerSector); i++ {
		if err := v.dev.WriteBlock(block+uint64(i), src[i*bs:(i+1)*bs]); err != nil {
			return checkpoint.Wrap(err, ErrIO)
		}
	}
	return nil
}

func (v *Volume) newSectorBuffer() []byte {
	return make([]byte, v.BytesPerSector)
}
