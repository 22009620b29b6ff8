package checkpoint

import (
	"errors"
	"io"
	"io/fs"
	"strings"
	"testing"
)

var (
	errKind  = errors.New("kind")
	errCause = errors.New("cause")
)

func TestFrom(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantNil bool
		wantRaw bool
	}{
		{name: "nil stays nil", err: nil, wantNil: true},
		{name: "io.EOF is passed through", err: io.EOF, wantRaw: true},
		{name: "io.ErrUnexpectedEOF is passed through", err: io.ErrUnexpectedEOF, wantRaw: true},
		{name: "other errors are decorated", err: errCause},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := From(tt.err)
			if tt.wantNil {
				if got != nil {
					t.Errorf("From() = %v, want nil", got)
				}
				return
			}
			if tt.wantRaw {
				if got != tt.err {
					t.Errorf("From() = %v, want %v unchanged", got, tt.err)
				}
				return
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("From() = %v, does not match %v", got, tt.err)
			}
			if !strings.Contains(got.Error(), "checkpoint_test.go:") {
				t.Errorf("From() = %q, missing caller location", got.Error())
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, errKind) != nil {
		t.Error("Wrap(nil, kind) should be nil")
	}
	if Wrap(io.EOF, errKind) != io.EOF {
		t.Error("Wrap(io.EOF, kind) should return io.EOF")
	}

	err := Wrap(errCause, errKind)
	if !errors.Is(err, errKind) {
		t.Errorf("Wrap() = %v, does not match the kind", err)
	}
	if !errors.Is(err, errCause) {
		t.Errorf("Wrap() = %v, does not match the cause", err)
	}
	if errors.Is(err, fs.ErrNotExist) {
		t.Errorf("Wrap() = %v, matches an unrelated error", err)
	}

	// Nested checkpoints keep every kind reachable.
	outer := Wrap(err, fs.ErrInvalid)
	if !errors.Is(outer, fs.ErrInvalid) || !errors.Is(outer, errKind) || !errors.Is(outer, errCause) {
		t.Errorf("nested Wrap() = %v, lost a kind", outer)
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf(errKind, "path %q", "A/B")
	if !errors.Is(err, errKind) {
		t.Errorf("Errorf() = %v, does not match the kind", err)
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "kind [checkpoint_test.go:") || !strings.HasSuffix(msg, `path "A/B"`) {
		t.Errorf("Errorf() message = %q", msg)
	}
}

type pathErr struct{ path string }

func (p *pathErr) Error() string { return p.path }

func TestAs(t *testing.T) {
	err := Wrap(errCause, &pathErr{path: "X"})
	var target *pathErr
	if !errors.As(err, &target) {
		t.Fatalf("errors.As() failed on %v", err)
	}
	if target.path != "X" {
		t.Errorf("errors.As() path = %v, want X", target.path)
	}
}
