package gofat

import (
	"reflect"
	"testing"
)

// checkTree writes two files: A.TXT with three clusters and B.TXT with two.
func checkTree(t *testing.T, cfg FormatConfig) (*Fs, []uint32, []uint32) {
	t.Helper()

	fs, _ := testingNew(t, cfg)
	testingWriteFile(t, fs, "/A.TXT", pattern(1500))
	testingWriteFile(t, fs, "/B.TXT", pattern(1000))

	chains := make([][]uint32, 2)
	for i, p := range []string{"/A.TXT", "/B.TXT"} {
		e, err := fs.Resolve(p)
		if err != nil {
			t.Fatalf("Fs.Resolve() error = %v", err)
		}
		if chains[i], err = fs.fat.chain(e.FirstCluster); err != nil {
			t.Fatalf("chain() error = %v", err)
		}
	}
	return fs, chains[0], chains[1]
}

func TestFs_Check(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(t *testing.T, fs *Fs, a, b []uint32) CheckReport
	}{
		{
			name: "consistent",
			corrupt: func(t *testing.T, fs *Fs, a, b []uint32) CheckReport {
				if err := fs.MkdirAll("/DIR/SUB", 0777); err != nil {
					t.Fatal(err)
				}
				testingWriteFile(t, fs, "/DIR/SUB/C.TXT", pattern(10))
				testingWriteFile(t, fs, "/DIR/EMPTY.TXT", nil)
				return CheckReport{}
			},
		},
		{
			name: "cross linked",
			corrupt: func(t *testing.T, fs *Fs, a, b []uint32) CheckReport {
				// A continues into the chain of B.
				if err := fs.fat.setEntry(a[len(a)-1], b[0]); err != nil {
					t.Fatal(err)
				}
				return CheckReport{CrossLinked: b, SizeMismatch: []string{"/A.TXT"}}
			},
		},
		{
			name: "lost clusters",
			corrupt: func(t *testing.T, fs *Fs, a, b []uint32) CheckReport {
				lost, err := fs.fat.allocate(2)
				if err != nil {
					t.Fatal(err)
				}
				return CheckReport{Lost: lost}
			},
		},
		{
			name: "size without clusters",
			corrupt: func(t *testing.T, fs *Fs, a, b []uint32) CheckReport {
				testingWriteFile(t, fs, "/EMPTY.TXT", nil)
				if err := fs.updateEntry("/EMPTY.TXT", func(e *DirEntry) { e.Size = 100 }); err != nil {
					t.Fatal(err)
				}
				return CheckReport{SizeMismatch: []string{"/EMPTY.TXT"}}
			},
		},
		{
			name: "chain too short",
			corrupt: func(t *testing.T, fs *Fs, a, b []uint32) CheckReport {
				// B ends after its first cluster, the second one is lost.
				if err := fs.fat.setEntry(b[0], fs.fat.eocMark()); err != nil {
					t.Fatal(err)
				}
				return CheckReport{Lost: b[1:], SizeMismatch: []string{"/B.TXT"}}
			},
		},
	}
	for _, img := range testImages {
		t.Run(img.name, func(t *testing.T) {
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					fs, a, b := checkTree(t, img.cfg)
					want := tt.corrupt(t, fs, a, b)

					got, err := fs.Check()
					if err != nil {
						t.Fatalf("Fs.Check() error = %v", err)
					}
					if !reflect.DeepEqual(got.CrossLinked, want.CrossLinked) {
						t.Errorf("Fs.Check() CrossLinked = %v, want %v", got.CrossLinked, want.CrossLinked)
					}
					if !reflect.DeepEqual(got.Lost, want.Lost) {
						t.Errorf("Fs.Check() Lost = %v, want %v", got.Lost, want.Lost)
					}
					if !reflect.DeepEqual(got.SizeMismatch, want.SizeMismatch) {
						t.Errorf("Fs.Check() SizeMismatch = %v, want %v", got.SizeMismatch, want.SizeMismatch)
					}
					if got.FreeCached != got.FreeScanned {
						t.Errorf("Fs.Check() FreeCached = %v, FreeScanned = %v", got.FreeCached, got.FreeScanned)
					}
					wantOK := want.CrossLinked == nil && want.Lost == nil && want.SizeMismatch == nil
					if got.OK() != wantOK {
						t.Errorf("CheckReport.OK() = %v, want %v", got.OK(), wantOK)
					}
				})
			}
		})
	}
}

func TestFs_CheckFreeCount(t *testing.T) {
	fs, _, _ := checkTree(t, fat32Image)

	free, err := fs.fat.freeCount()
	if err != nil {
		t.Fatalf("freeCount() error = %v", err)
	}
	fs.fat.freeClusters -= 5

	got, err := fs.Check()
	if err != nil {
		t.Fatalf("Fs.Check() error = %v", err)
	}
	if got.FreeCached != free-5 || got.FreeScanned != free {
		t.Errorf("Fs.Check() = %+v, want cached %v and scanned %v", got, free-5, free)
	}
	if got.OK() {
		t.Errorf("CheckReport.OK() = true, want false")
	}
}
