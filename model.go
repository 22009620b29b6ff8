// File model contains the structs which match the direct structures of the FAT filesystem.
// They are decoded and encoded using encoding/binary, so the field order is the on-disk order.

package gofat

// BPB is the BIOS parameter block at the start of every FAT volume.
type BPB struct {
	BSJumpBoot          [3]byte
	BSOEMName           [8]byte
	BytesPerSector      uint16 // 0x0B
	SectorsPerCluster   byte   // 0x0D
	ReservedSectorCount uint16 // 0x0E
	NumFATs             byte   // 0x10
	RootEntryCount      uint16 // 0x11
	TotalSectors16      uint16 // 0x13
	Media               byte   // 0x15
	FATSize16           uint16 // 0x16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32 // 0x20
	FATSpecificData     [54]byte
}

// FAT16SpecificData follows the BPB on FAT12 and FAT16 volumes.
type FAT16SpecificData struct {
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// FAT32SpecificData follows the BPB on FAT32 volumes.
type FAT32SpecificData struct {
	FATSize          uint32
	ExtFlags         uint16
	FSVersion        uint16
	RootCluster      uint32
	FSInfo           uint16
	BkBootSector     uint16
	Reserved         [12]byte
	BSDriveNumber    byte
	BSReserved1      byte
	BSBootSignature  byte
	BSVolumeID       uint32
	BSVolumeLabel    [11]byte
	BSFileSystemType [8]byte
}

// EntryHeader is a single 32 byte short name directory entry.
type EntryHeader struct {
	Name            [11]byte
	Attribute       byte
	NTReserved      byte
	CreateTimeTenth byte
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// LongFilenameEntry is a VFAT long name slot. It shares the size of EntryHeader.
type LongFilenameEntry struct {
	Sequence  byte
	First     [5]uint16
	Attribute byte
	EntryType byte
	Checksum  byte
	Second    [6]uint16
	Zero      [2]byte
	Third     [2]uint16
}

// Attr is the attribute byte of a directory entry.
type Attr uint8

const (
	AttrReadOnly  Attr = 0x01
	AttrHidden    Attr = 0x02
	AttrSystem    Attr = 0x04
	AttrVolumeID  Attr = 0x08
	AttrDirectory Attr = 0x10
	AttrArchive   Attr = 0x20

	attrLongName = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

const (
	bootSignatureOffset = 510
	entrySize           = 32

	entryFree    = 0x00 // this and all following slots are unused
	entryDeleted = 0xE5 // tombstone
	entryKanji   = 0x05 // stands for a leading 0xE5 in the name

	lfnLast         = 0x40
	lfnSequenceMask = 0x1F
	lfnCharsPerSlot = 13

	extBootSignature = 0x29
)

// FSInfo sector layout of FAT32 volumes.
const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoTrailSignature  = 0xAA550000
	fsInfoStructOffset    = 484
	fsInfoFreeCountOffset = 488
	fsInfoNextFreeOffset  = 492
	fsInfoTrailOffset     = 508
	fsInfoUnknown         = 0xFFFFFFFF
)
