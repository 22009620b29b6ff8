package gofat

import (
	"bytes"
	"errors"
	"io"
	"os"
	"reflect"
	"syscall"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/spf13/afero"
)

func TestFile_ReadWrite(t *testing.T) {
	for _, img := range testImages {
		t.Run(img.name, func(t *testing.T) {
			fs, dev := testingNew(t, img.cfg)
			data := pattern(3000)
			testingWriteFile(t, fs, "/DATA.BIN", data)
			if err := fs.Unmount(); err != nil {
				t.Fatalf("Unmount() error = %v", err)
			}

			fs = testingMount(t, dev)
			if got := testingReadFile(t, fs, "/data.bin"); !bytes.Equal(got, data) {
				t.Errorf("content differs after remount, got %d bytes, want %d", len(got), len(data))
			}

			f, err := fs.Open("/DATA.BIN")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer f.Close()

			tests := []struct {
				name    string
				off     int64
				size    int
				wantN   int
				wantErr error
			}{
				{name: "start", off: 0, size: 100, wantN: 100},
				{name: "across sectors", off: 500, size: 100, wantN: 100},
				{name: "across clusters", off: 1000, size: 1100, wantN: 1100},
				{name: "end", off: 2990, size: 100, wantN: 10, wantErr: io.EOF},
				{name: "behind end", off: 3000, size: 10, wantN: 0, wantErr: io.EOF},
				{name: "negative", off: -1, size: 10, wantN: 0, wantErr: afero.ErrOutOfRange},
			}
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					buf := make([]byte, tt.size)
					n, err := f.ReadAt(buf, tt.off)
					if !errors.Is(err, tt.wantErr) {
						t.Fatalf("File.ReadAt() error = %v, wantErr %v", err, tt.wantErr)
					}
					if n != tt.wantN {
						t.Fatalf("File.ReadAt() n = %v, want %v", n, tt.wantN)
					}
					if n > 0 && !bytes.Equal(buf[:n], data[tt.off:tt.off+int64(n)]) {
						t.Errorf("File.ReadAt() returned other data")
					}
				})
			}
		})
	}
}

func TestFile_Read(t *testing.T) {
	fs, _ := testingNew(t, fat16Image)
	data := pattern(1000)
	testingWriteFile(t, fs, "/DATA.BIN", data)

	f, err := fs.Open("/DATA.BIN")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	buf := make([]byte, 600)
	if n, err := f.Read(buf); n != 600 || err != nil {
		t.Fatalf("File.Read() = %v, %v, want 600, nil", n, err)
	}
	if n, err := f.Read(buf); n != 400 || err != nil {
		t.Fatalf("File.Read() = %v, %v, want 400, nil", n, err)
	}
	if !bytes.Equal(buf[:400], data[600:]) {
		t.Errorf("File.Read() returned other data")
	}
	if n, err := f.Read(buf); n != 0 || err != io.EOF {
		t.Errorf("File.Read() at the end = %v, %v, want 0, %v", n, err, io.EOF)
	}
	if n, err := f.Read(nil); n != 0 || err != nil {
		t.Errorf("File.Read() of nothing = %v, %v, want 0, nil", n, err)
	}
}

func TestFile_Seek(t *testing.T) {
	fs, _ := testingNew(t, fat16Image)
	testingWriteFile(t, fs, "/DATA.BIN", pattern(100))

	tests := []struct {
		name    string
		offset  int64
		whence  int
		want    int64
		wantErr error
	}{
		{name: "start", offset: 10, whence: io.SeekStart, want: 10},
		{name: "current", offset: 10, whence: io.SeekCurrent, want: 30},
		{name: "end", offset: -10, whence: io.SeekEnd, want: 90},
		{name: "behind end", offset: 50, whence: io.SeekEnd, want: 150},
		{name: "negative", offset: -1, whence: io.SeekStart, wantErr: afero.ErrOutOfRange},
		{name: "negative from end", offset: -101, whence: io.SeekEnd, wantErr: afero.ErrOutOfRange},
		{name: "invalid whence", offset: 0, whence: 3, wantErr: syscall.EINVAL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := fs.Open("/DATA.BIN")
			if err != nil {
				t.Fatalf("Open() error = %v", err)
			}
			defer f.Close()

			if _, err := f.Seek(20, io.SeekStart); err != nil {
				t.Fatalf("File.Seek() error = %v", err)
			}

			got, err := f.Seek(tt.offset, tt.whence)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("File.Seek() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && got != tt.want {
				t.Errorf("File.Seek() = %v, want %v", got, tt.want)
			}
			if err != nil && !errors.Is(err, ErrSeekFile) {
				t.Errorf("File.Seek() error = %v, want it to be %v", err, ErrSeekFile)
			}
		})
	}
}

func TestFile_WriteBehindEnd(t *testing.T) {
	fs, _ := testingNew(t, fat16Image)
	free, _ := fs.fat.freeCount()

	f, err := fs.Create("/GAP.BIN")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.Seek(2000, io.SeekStart); err != nil {
		t.Fatalf("File.Seek() error = %v", err)
	}
	if _, err := f.Write([]byte("end")); err != nil {
		t.Fatalf("File.Write() error = %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}

	want := append(make([]byte, 2000), "end"...)
	if got := testingReadFile(t, fs, "/GAP.BIN"); !bytes.Equal(got, want) {
		t.Errorf("content = %d bytes, want %d bytes of zeros followed by \"end\"", len(got), len(want))
	}
	// 2003 bytes need four clusters of one sector.
	if got, _ := fs.fat.freeCount(); got != free-4 {
		t.Errorf("free clusters = %v, want %v", got, free-4)
	}
}

func TestFile_Truncate(t *testing.T) {
	fs, _ := testingNew(t, fat16Image)
	free, _ := fs.fat.freeCount()
	data := pattern(3000)

	f, err := fs.Create("/DATA.BIN")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := f.Write(data); err != nil {
		t.Fatalf("File.Write() error = %v", err)
	}

	tests := []struct {
		name       string
		size       int64
		want       []byte
		wantFree   uint32
		wantErr    error
		wantNoData bool
	}{
		{name: "shrink", size: 600, want: data[:600], wantFree: free - 2},
		{name: "grow", size: 1500, want: append(append([]byte{}, data[:600]...), make([]byte, 900)...), wantFree: free - 3},
		{name: "same size", size: 1500, want: append(append([]byte{}, data[:600]...), make([]byte, 900)...), wantFree: free - 3},
		{name: "negative", size: -1, wantErr: syscall.EINVAL},
		{name: "too large", size: maxFileSize + 1, wantErr: syscall.EINVAL},
		{name: "empty", size: 0, want: []byte{}, wantFree: free, wantNoData: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.Truncate(tt.size)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("File.Truncate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			got := make([]byte, len(tt.want)+10)
			n, err := f.ReadAt(got, 0)
			if err != io.EOF || !bytes.Equal(got[:n], tt.want) {
				t.Errorf("File.ReadAt() = %v bytes, %v, want %v bytes", n, err, len(tt.want))
			}
			if free, _ := fs.fat.freeCount(); free != tt.wantFree {
				t.Errorf("free clusters = %v, want %v", free, tt.wantFree)
			}
			if e := f.(*File).Entry(); (e.FirstCluster == 0) != tt.wantNoData || int64(e.Size) != tt.size {
				t.Errorf("File.Entry() = %+v, want size %v", e, tt.size)
			}
		})
	}

	if err := f.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}
	if e, _ := fs.Resolve("/DATA.BIN"); e.Size != 0 || e.FirstCluster != 0 {
		t.Errorf("entry after Close() = %+v, want an empty file", e)
	}
}

func TestFile_Append(t *testing.T) {
	fs, _ := testingNew(t, fat16Image)
	testingWriteFile(t, fs, "/LOG.TXT", []byte("hello"))

	f, err := fs.OpenFile("/LOG.TXT", os.O_WRONLY|os.O_APPEND, 0)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		t.Fatalf("File.Seek() error = %v", err)
	}
	if _, err := f.WriteString(" world"); err != nil {
		t.Fatalf("File.WriteString() error = %v", err)
	}
	if _, err := f.WriteAt([]byte("x"), 0); !errors.Is(err, ErrWriteFile) {
		t.Errorf("File.WriteAt() with O_APPEND error = %v, want %v", err, ErrWriteFile)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}

	if got := testingReadFile(t, fs, "/LOG.TXT"); string(got) != "hello world" {
		t.Errorf("content = %q, want %q", got, "hello world")
	}
}

func TestFile_WriteAt(t *testing.T) {
	fs, _ := testingNew(t, fat12Image)
	data := pattern(2000)
	testingWriteFile(t, fs, "/DATA.BIN", data)

	f, err := fs.OpenFile("/DATA.BIN", os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if n, err := f.WriteAt([]byte("middle"), 1020); n != 6 || err != nil {
		t.Fatalf("File.WriteAt() = %v, %v, want 6, nil", n, err)
	}
	if _, err := f.WriteAt([]byte("x"), -1); !errors.Is(err, afero.ErrOutOfRange) {
		t.Errorf("File.WriteAt() at a negative offset error = %v, want %v", err, afero.ErrOutOfRange)
	}
	if e := f.(*File).Entry(); e.Size != 2000 {
		t.Errorf("File.Entry().Size = %v, want 2000", e.Size)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("File.Close() error = %v", err)
	}

	copy(data[1020:], "middle")
	if got := testingReadFile(t, fs, "/DATA.BIN"); !bytes.Equal(got, data) {
		t.Errorf("content differs after File.WriteAt()")
	}
}

func TestFile_Errors(t *testing.T) {
	fs, _ := testingNew(t, fat16Image)
	testingWriteFile(t, fs, "/FILE.TXT", []byte("content"))
	if err := fs.Mkdir("/DIR", 0777); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	tests := []struct {
		name    string
		path    string
		flag    int
		do      func(f afero.File) error
		wantErr error
	}{
		{
			name:    "write to read only handle",
			path:    "/FILE.TXT",
			flag:    os.O_RDONLY,
			do:      func(f afero.File) error { _, err := f.Write([]byte("x")); return err },
			wantErr: ErrReadOnly,
		},
		{
			name:    "truncate read only handle",
			path:    "/FILE.TXT",
			flag:    os.O_RDONLY,
			do:      func(f afero.File) error { return f.Truncate(0) },
			wantErr: ErrReadOnly,
		},
		{
			name:    "read directory",
			path:    "/DIR",
			flag:    os.O_RDONLY,
			do:      func(f afero.File) error { _, err := f.Read(make([]byte, 1)); return err },
			wantErr: ErrIsADirectory,
		},
		{
			name:    "write directory",
			path:    "/DIR",
			flag:    os.O_RDONLY,
			do:      func(f afero.File) error { _, err := f.Write([]byte("x")); return err },
			wantErr: ErrIsADirectory,
		},
		{
			name:    "readdir of a file",
			path:    "/FILE.TXT",
			flag:    os.O_RDONLY,
			do:      func(f afero.File) error { _, err := f.Readdir(-1); return err },
			wantErr: syscall.ENOTDIR,
		},
		{
			name: "read after close",
			path: "/FILE.TXT",
			flag: os.O_RDONLY,
			do: func(f afero.File) error {
				_ = f.Close()
				_, err := f.Read(make([]byte, 1))
				return err
			},
			wantErr: ErrFileClosed,
		},
		{
			name: "close twice",
			path: "/FILE.TXT",
			flag: os.O_RDWR,
			do: func(f afero.File) error {
				_ = f.Close()
				return f.Close()
			},
			wantErr: os.ErrClosed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := fs.OpenFile(tt.path, tt.flag, 0)
			if err != nil {
				t.Fatalf("OpenFile() error = %v", err)
			}
			defer f.Close()

			if err := tt.do(f); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if _, err := fs.OpenFile("/DIR", os.O_RDWR, 0); !errors.Is(err, ErrIsADirectory) {
		t.Errorf("OpenFile() of a directory for writing error = %v, want %v", err, ErrIsADirectory)
	}
	if _, err := fs.OpenFile("/FILE.TXT", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666); !errors.Is(err, ErrNameExists) {
		t.Errorf("OpenFile() with O_EXCL error = %v, want %v", err, ErrNameExists)
	}
	if _, err := fs.Open("/MISSING.TXT"); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Open() of a missing file error = %v, want %v", err, os.ErrNotExist)
	}
}

func TestFile_Readdir(t *testing.T) {
	fs, _ := testingNew(t, fat32Image)
	if err := fs.Mkdir("/DIR", 0777); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}
	for _, name := range []string{"/DIR/A.TXT", "/DIR/B.TXT", "/DIR/C.TXT"} {
		testingWriteFile(t, fs, name, []byte(name))
	}

	f, err := fs.Open("/DIR")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	steps := []struct {
		count     int
		wantNames []string
		wantErr   error
	}{
		{count: 2, wantNames: []string{"A.TXT", "B.TXT"}},
		{count: 2, wantNames: []string{"C.TXT"}},
		{count: 2, wantErr: io.EOF},
		{count: -1, wantNames: []string{}},
	}
	for i, step := range steps {
		infos, err := f.Readdir(step.count)
		if err != step.wantErr {
			t.Fatalf("step %d: File.Readdir() error = %v, wantErr %v", i, err, step.wantErr)
		}
		if err != nil {
			continue
		}
		names := make([]string, len(infos))
		for j, info := range infos {
			names[j] = info.Name()
		}
		if !reflect.DeepEqual(names, step.wantNames) {
			t.Errorf("step %d: File.Readdir() = %v, want %v", i, names, step.wantNames)
		}
	}

	g, err := fs.Open("/DIR")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer g.Close()
	names, err := g.Readdirnames(-1)
	if want := []string{"A.TXT", "B.TXT", "C.TXT"}; err != nil || !reflect.DeepEqual(names, want) {
		t.Errorf("File.Readdirnames() = %v, %v, want %v", names, err, want)
	}

	info, err := g.Stat()
	if err != nil || !info.IsDir() || info.Name() != "DIR" {
		t.Errorf("File.Stat() = %v, %v, want the directory DIR", info, err)
	}
	if g.Name() != "/DIR" {
		t.Errorf("File.Name() = %v, want /DIR", g.Name())
	}
}

func TestFile_DeviceWriteFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// All blocks of the data region fail.
	backing := testingDevice(t, fat16Image)
	fs := testingMount(t, mockDevice(ctrl, backing, nil, blocksFrom(193)))

	f, err := fs.Create("/DATA.BIN")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	// The data stays in the buffer of the file until it is synced.
	if _, err := f.Write([]byte("some data")); err != nil {
		t.Fatalf("File.Write() error = %v", err)
	}

	err = f.Close()
	if !errors.Is(err, ErrIO) || !errors.Is(err, errInjected) {
		t.Errorf("File.Close() error = %v, want %v caused by %v", err, ErrIO, errInjected)
	}
	if Status(err) != StatusIOError {
		t.Errorf("Status() = %v, want %v", Status(err), StatusIOError)
	}
}

func TestFile_DeviceReadFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	backing := testingDevice(t, fat16Image)
	fs := testingMount(t, backing)
	testingWriteFile(t, fs, "/DATA.BIN", pattern(100))
	if err := fs.Unmount(); err != nil {
		t.Fatalf("Unmount() error = %v", err)
	}

	fs = testingMount(t, mockDevice(ctrl, backing, blocksFrom(193), nil))
	f, err := fs.Open("/DATA.BIN")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	n, err := f.Read(make([]byte, 10))
	if n != 0 || !errors.Is(err, ErrIO) || !errors.Is(err, ErrReadFile) {
		t.Errorf("File.Read() = %v, %v, want 0 and %v", n, err, ErrIO)
	}
}
