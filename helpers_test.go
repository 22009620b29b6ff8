package gofat

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

// testTime is used as clock of all test sessions.
var testTime = time.Date(2021, 3, 14, 15, 9, 26, 0, time.UTC)

func testClock() time.Time {
	return testTime
}

const testSerial = 0x1234ABCD

// The images used by the tests. Each is the smallest size which results in its FAT type
// with a cluster size of one sector.
var (
	fat12Image = FormatConfig{Type: FAT12, TotalSectors: 2880, Label: "FLOPPY"}
	fat16Image = FormatConfig{Type: FAT16, Label: "GOFAT16"}
	fat32Image = FormatConfig{Type: FAT32, SectorsPerCluster: 1, Label: "GOFAT32"}
)

// imageSize returns the device size in bytes used for cfg.
func imageSize(cfg FormatConfig) uint64 {
	switch cfg.Type {
	case FAT12:
		return 2880 * 512
	case FAT32:
		return 34 << 20
	default:
		return 10 << 20
	}
}

func nullLogger() logrus.FieldLogger {
	log, _ := test.NewNullLogger()
	return log
}

// testingDevice creates a memory device holding a freshly formatted volume.
func testingDevice(t *testing.T, cfg FormatConfig) *MemoryDevice {
	t.Helper()

	dev := NewMemoryDevice(512, imageSize(cfg)/512)
	cfg.SerialNumber = testSerial
	cfg.Log = nullLogger()
	if err := Format(dev, cfg); err != nil {
		t.Fatalf("Format() error = %v", err)
	}
	return dev
}

// testingMount mounts dev with the test clock and a silent logger.
func testingMount(t *testing.T, dev BlockDevice, opts ...Option) *Fs {
	t.Helper()

	opts = append([]Option{WithClock(testClock), WithLogger(nullLogger())}, opts...)
	fs, err := Mount(dev, 0, opts...)
	if err != nil {
		t.Fatalf("Mount() error = %v", err)
	}
	return fs
}

// testingNew formats a new volume and mounts it.
func testingNew(t *testing.T, cfg FormatConfig) (*Fs, *MemoryDevice) {
	t.Helper()
	dev := testingDevice(t, cfg)
	return testingMount(t, dev), dev
}

func testingWriteFile(t *testing.T, fs *Fs, name string, data []byte) {
	t.Helper()

	f, err := fs.Create(name)
	if err != nil {
		t.Fatalf("Create(%q) error = %v", name, err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("Write(%q) error = %v", name, err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close(%q) error = %v", name, err)
	}
}

func testingReadFile(t *testing.T, fs *Fs, name string) []byte {
	t.Helper()

	f, err := fs.Open(name)
	if err != nil {
		t.Fatalf("Open(%q) error = %v", name, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		t.Fatalf("ReadAll(%q) error = %v", name, err)
	}
	return data
}

// pattern returns n bytes which differ between neighbouring sectors.
func pattern(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i*7 + i/512)
	}
	return data
}

var testImages = []struct {
	name string
	cfg  FormatConfig
}{
	{name: "FAT12", cfg: fat12Image},
	{name: "FAT16", cfg: fat16Image},
	{name: "FAT32", cfg: fat32Image},
}
