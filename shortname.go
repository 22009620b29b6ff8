package gofat

import (
	"strings"
	"unicode/utf16"

	"github.com/aligator/fatengine/checkpoint"
	"golang.org/x/text/encoding/charmap"
)

// Short names are stored in the OEM code page. Code page 437 is what DOS and most tools use.
var oemCodePage = charmap.CodePage437

var (
	dotName    = [11]byte{'.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
	dotDotName = [11]byte{'.', '.', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' ', ' '}
)

func decodeOEM(b []byte) string {
	s, err := oemCodePage.NewDecoder().Bytes(b)
	if err != nil {
		return string(b)
	}
	return string(s)
}

// isValidShortChar reports whether c may be part of an (already encoded) 8.3 name.
func isValidShortChar(c byte) bool {
	switch {
	case c >= 0x80:
		return true
	case c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("$%'-_@~`!(){}^#&", c) >= 0
}

// encodeShortName converts a name like "readme.txt" into its padded on-disk form "README  TXT".
// Names which do not fit into 8.3 are rejected, no ~N alias is generated.
func encodeShortName(name string) ([11]byte, error) {
	var raw [11]byte
	for i := range raw {
		raw[i] = ' '
	}

	if name == "" || name == "." || name == ".." {
		return raw, checkpoint.Errorf(ErrInvalidName, "%q", name)
	}

	encoded, err := oemCodePage.NewEncoder().String(strings.ToUpper(name))
	if err != nil {
		return raw, checkpoint.Wrap(err, checkpoint.Errorf(ErrInvalidName, "%q", name))
	}

	base, ext := encoded, ""
	if dot := strings.LastIndexByte(encoded, '.'); dot >= 0 {
		base, ext = encoded[:dot], encoded[dot+1:]
	}
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 || strings.HasSuffix(encoded, ".") {
		return raw, checkpoint.Errorf(ErrInvalidName, "%q is not an 8.3 name", name)
	}
	for i := 0; i < len(base); i++ {
		if !isValidShortChar(base[i]) {
			return raw, checkpoint.Errorf(ErrInvalidName, "%q contains %q", name, base[i])
		}
	}
	for i := 0; i < len(ext); i++ {
		if !isValidShortChar(ext[i]) {
			return raw, checkpoint.Errorf(ErrInvalidName, "%q contains %q", name, ext[i])
		}
	}

	copy(raw[:8], base)
	copy(raw[8:], ext)

	if raw[0] == entryDeleted {
		raw[0] = entryKanji
	}
	return raw, nil
}

// decodeShortName turns the on-disk name into "NAME.EXT".
func decodeShortName(raw [11]byte) string {
	if raw[0] == entryKanji {
		raw[0] = entryDeleted
	}

	name := strings.TrimRight(decodeOEM(raw[:8]), " ")
	ext := strings.TrimRight(decodeOEM(raw[8:11]), " ")
	if ext != "" {
		name += "." + ext
	}
	return name
}

// lfnChecksum is the checksum of a short name stored in each of its long name slots.
func lfnChecksum(name [11]byte) byte {
	var sum byte
	for _, c := range name {
		sum = (sum>>1 | sum<<7) + c
	}
	return sum
}

// lfnChars returns the 13 UTF-16 code units of a long name slot.
func (l LongFilenameEntry) lfnChars() []uint16 {
	chars := make([]uint16, 0, lfnCharsPerSlot)
	chars = append(chars, l.First[:]...)
	chars = append(chars, l.Second[:]...)
	return append(chars, l.Third[:]...)
}

// longNameBuilder collects the slots preceding a short entry.
// Slots are stored in reverse order, the one flagged with lfnLast comes first.
type longNameBuilder struct {
	parts    [][]uint16
	checksum byte
	expect   byte
	start    int // slot index of the first long name slot
}

func (b *longNameBuilder) reset() {
	b.parts = nil
	b.expect = 0
}

func (b *longNameBuilder) add(slot int, l LongFilenameEntry) {
	seq := l.Sequence & lfnSequenceMask
	if l.Sequence&lfnLast != 0 {
		b.parts = make([][]uint16, seq)
		b.checksum = l.Checksum
		b.expect = seq
		b.start = slot
	}
	if b.expect == 0 || seq != b.expect || seq == 0 || l.Checksum != b.checksum {
		b.reset()
		return
	}

	b.parts[seq-1] = l.lfnChars()
	b.expect--
}

// name returns the long name if all slots were seen and belong to short.
func (b *longNameBuilder) name(short [11]byte) (string, bool) {
	if b.parts == nil || b.expect != 0 || lfnChecksum(short) != b.checksum {
		return "", false
	}

	var chars []uint16
	for _, part := range b.parts {
		chars = append(chars, part...)
	}
	for i, c := range chars {
		if c == 0 {
			chars = chars[:i]
			break
		}
	}
	return string(utf16.Decode(chars)), true
}
