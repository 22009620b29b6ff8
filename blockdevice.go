package gofat

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/aligator/fatengine/checkpoint"
	"github.com/spf13/afero"
)

// BlockDevice is the backing store of a volume: a linear array of fixed size blocks.
// It does not cache anything, all caching is done by the engine.
// Implementations should return errors which can be detected using errors.Is(err, ErrIO).
//
// Generated mock using mockgen:
//  mockgen -source=blockdevice.go -destination=blockdevice_mock.go -package gofat BlockDevice
type BlockDevice interface {
	// ReadBlock reads the block at index into dst, which is exactly BlockSize() long.
	ReadBlock(index uint64, dst []byte) error
	// WriteBlock writes src, which is exactly BlockSize() long, to the block at index.
	WriteBlock(index uint64, src []byte) error
	BlockSize() int
	TotalBlocks() uint64
}

// Syncer is implemented by devices which buffer writes themselves.
// The session calls Sync on unmount after everything is written.
type Syncer interface {
	Sync() error
}

var errOutOfRange = errors.New("block index out of range")

func checkBlock(dev BlockDevice, index uint64, buf []byte) error {
	if index >= dev.TotalBlocks() {
		return checkpoint.Wrap(fmt.Errorf("%w: %d of %d", errOutOfRange, index, dev.TotalBlocks()), ErrIO)
	}
	if len(buf) != dev.BlockSize() {
		return checkpoint.Errorf(ErrIO, "buffer of %d bytes for block size %d", len(buf), dev.BlockSize())
	}
	return nil
}

// MemoryDevice keeps all blocks in RAM.
type MemoryDevice struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int
}

// NewMemoryDevice creates a zeroed device with the given geometry.
func NewMemoryDevice(blockSize int, blocks uint64) *MemoryDevice {
	return &MemoryDevice{
		data:      make([]byte, uint64(blockSize)*blocks),
		blockSize: blockSize,
	}
}

// NewMemoryDeviceFrom uses data as the device content without copying it.
// A trailing partial block is not addressable.
func NewMemoryDeviceFrom(data []byte, blockSize int) *MemoryDevice {
	return &MemoryDevice{
		data:      data,
		blockSize: blockSize,
	}
}

func (m *MemoryDevice) ReadBlock(index uint64, dst []byte) error {
	if err := checkBlock(m, index, dst); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	copy(dst, m.data[index*uint64(m.blockSize):])
	return nil
}

func (m *MemoryDevice) WriteBlock(index uint64, src []byte) error {
	if err := checkBlock(m, index, src); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[index*uint64(m.blockSize):], src)
	return nil
}

func (m *MemoryDevice) BlockSize() int {
	return m.blockSize
}

func (m *MemoryDevice) TotalBlocks() uint64 {
	return uint64(len(m.data)) / uint64(m.blockSize)
}

// Bytes returns a copy of the whole device content.
func (m *MemoryDevice) Bytes() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]byte(nil), m.data...)
}

// ImageDevice is a disk image stored in a file of any afero.Fs.
type ImageDevice struct {
	mu        sync.Mutex
	file      afero.File
	blockSize int
	blocks    uint64
}

// OpenImage opens an existing image file for reading and writing.
func OpenImage(fs afero.Fs, name string, blockSize int) (*ImageDevice, error) {
	if blockSize <= 0 {
		return nil, checkpoint.Errorf(ErrIO, "invalid block size %d", blockSize)
	}

	file, err := fs.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}

	stat, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, checkpoint.Wrap(err, ErrIO)
	}

	return &ImageDevice{
		file:      file,
		blockSize: blockSize,
		blocks:    uint64(stat.Size()) / uint64(blockSize),
	}, nil
}

// CreateImage creates (or truncates) an image file with the given number of zeroed blocks.
func CreateImage(fs afero.Fs, name string, blockSize int, blocks uint64) (*ImageDevice, error) {
	if blockSize <= 0 {
		return nil, checkpoint.Errorf(ErrIO, "invalid block size %d", blockSize)
	}

	file, err := fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, checkpoint.Wrap(err, ErrIO)
	}

	if err := file.Truncate(int64(blocks) * int64(blockSize)); err != nil {
		_ = file.Close()
		return nil, checkpoint.Wrap(err, ErrIO)
	}

	return &ImageDevice{
		file:      file,
		blockSize: blockSize,
		blocks:    blocks,
	}, nil
}

func (d *ImageDevice) ReadBlock(index uint64, dst []byte) error {
	if err := checkBlock(d, index, dst); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	n, err := d.file.ReadAt(dst, int64(index)*int64(d.blockSize))
	if err != nil && !(err == io.EOF && n == len(dst)) {
		return checkpoint.Wrap(err, ErrIO)
	}
	return nil
}

func (d *ImageDevice) WriteBlock(index uint64, src []byte) error {
	if err := checkBlock(d, index, src); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.file.WriteAt(src, int64(index)*int64(d.blockSize))
	return checkpoint.Wrap(err, ErrIO)
}

func (d *ImageDevice) BlockSize() int {
	return d.blockSize
}

func (d *ImageDevice) TotalBlocks() uint64 {
	return d.blocks
}

func (d *ImageDevice) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return checkpoint.Wrap(d.file.Sync(), ErrIO)
}

func (d *ImageDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return checkpoint.Wrap(d.file.Close(), ErrIO)
}

// deviceFile exposes a byte addressed view of a BlockDevice.
// It satisfies the util.File interface of go-diskfs so its partition table readers can be used.
type deviceFile struct {
	dev    BlockDevice
	offset int64
}

func (f *deviceFile) size() int64 {
	return int64(f.dev.TotalBlocks()) * int64(f.dev.BlockSize())
}

// span calls fn for every block touched by [off, off+length) with the block content,
// the part of the block inside the range and the position of that part in the range.
func (f *deviceFile) span(off int64, length int, fn func(index uint64, block []byte, from, to, pos int) error) error {
	bs := int64(f.dev.BlockSize())
	block := make([]byte, bs)

	pos := 0
	for pos < length {
		abs := off + int64(pos)
		index := uint64(abs / bs)
		from := int(abs % bs)
		to := int(bs)
		if rest := length - pos; to-from > rest {
			to = from + rest
		}

		if err := f.dev.ReadBlock(index, block); err != nil {
			return err
		}
		if err := fn(index, block, from, to, pos); err != nil {
			return err
		}
		pos += to - from
	}
	return nil
}

func (f *deviceFile) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, checkpoint.Errorf(ErrIO, "negative offset %d", off)
	}
	if off >= f.size() {
		return 0, io.EOF
	}

	n := len(p)
	if rest := f.size() - off; int64(n) > rest {
		n = int(rest)
	}

	err := f.span(off, n, func(_ uint64, block []byte, from, to, pos int) error {
		copy(p[pos:], block[from:to])
		return nil
	})
	if err != nil {
		return 0, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (f *deviceFile) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > f.size() {
		return 0, checkpoint.Errorf(ErrIO, "write of %d bytes at %d exceeds the device", len(p), off)
	}

	err := f.span(off, len(p), func(index uint64, block []byte, from, to, pos int) error {
		copy(block[from:to], p[pos:])
		return f.dev.WriteBlock(index, block)
	})
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func (f *deviceFile) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += f.offset
	case io.SeekEnd:
		offset += f.size()
	default:
		return 0, checkpoint.Errorf(ErrIO, "invalid whence %d", whence)
	}
	if offset < 0 {
		return 0, checkpoint.Errorf(ErrIO, "negative offset %d", offset)
	}
	f.offset = offset
	return offset, nil
}
