package gofat

import (
	"errors"
	"io/fs"
)

// kindError is a sentinel error which may additionally match one of the io/fs errors,
// so callers of the afero and fs.FS surfaces can keep using fs.ErrNotExist and friends.
type kindError struct {
	msg  string
	code StatusCode
	is   error
}

func (e *kindError) Error() string {
	return e.msg
}

func (e *kindError) Is(target error) bool {
	return e.is != nil && target == e.is
}

// These are the kinds of errors the engine returns. They are always wrapped using the checkpoint
// package, so use errors.Is to check for them.
var (
	ErrIO                = &kindError{msg: "device i/o failure", code: StatusIOError}
	ErrInvalidFilesystem = &kindError{msg: "invalid FAT filesystem", code: StatusInvalidFilesystem}
	ErrNotFound          = &kindError{msg: "no such file or directory", code: StatusNotFound, is: fs.ErrNotExist}
	ErrNameExists        = &kindError{msg: "name already exists", code: StatusNameExists, is: fs.ErrExist}
	ErrNotADirectory     = &kindError{msg: "not a directory", code: StatusNotADirectory}
	ErrDirectoryNotEmpty = &kindError{msg: "directory not empty", code: StatusDirectoryNotEmpty}
	ErrNoSpace           = &kindError{msg: "no space left on volume", code: StatusNoSpace}
	ErrSessionClosed     = &kindError{msg: "session closed", code: StatusSessionClosed}

	ErrInvalidName  = &kindError{msg: "invalid 8.3 name", code: StatusInvalidName, is: fs.ErrInvalid}
	ErrIsADirectory = &kindError{msg: "is a directory", code: StatusIsADirectory}
	ErrInUse        = &kindError{msg: "file is open", code: StatusInUse}
	ErrFileClosed   = &kindError{msg: "file already closed", code: StatusFileClosed, is: fs.ErrClosed}
	ErrReadOnly     = &kindError{msg: "not writable", code: StatusReadOnly, is: fs.ErrPermission}
)

// StatusCode is the numeric form of an error for C style callers. 0 means success.
type StatusCode int

const (
	StatusOK StatusCode = iota
	StatusIOError
	StatusInvalidFilesystem
	StatusNotFound
	StatusNameExists
	StatusNotADirectory
	StatusDirectoryNotEmpty
	StatusNoSpace
	StatusSessionClosed
	StatusInvalidName
	StatusIsADirectory
	StatusInUse
	StatusFileClosed
	StatusReadOnly

	// StatusUnknown is used for errors not created by this package.
	StatusUnknown StatusCode = 255
)

var statusNames = map[StatusCode]string{
	StatusOK:                "ok",
	StatusIOError:           "io error",
	StatusInvalidFilesystem: "invalid filesystem",
	StatusNotFound:          "not found",
	StatusNameExists:        "name exists",
	StatusNotADirectory:     "not a directory",
	StatusDirectoryNotEmpty: "directory not empty",
	StatusNoSpace:           "no space",
	StatusSessionClosed:     "session closed",
	StatusInvalidName:       "invalid name",
	StatusIsADirectory:      "is a directory",
	StatusInUse:             "in use",
	StatusFileClosed:        "file closed",
	StatusReadOnly:          "read only",
	StatusUnknown:           "unknown error",
}

func (s StatusCode) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return statusNames[StatusUnknown]
}

// statusOrder lists the kinds in the order they are checked.
// A closed session wins over everything else, then device failures.
var statusOrder = []*kindError{
	ErrSessionClosed,
	ErrIO,
	ErrInvalidFilesystem,
	ErrNoSpace,
	ErrNotFound,
	ErrNameExists,
	ErrNotADirectory,
	ErrIsADirectory,
	ErrDirectoryNotEmpty,
	ErrInvalidName,
	ErrInUse,
	ErrFileClosed,
	ErrReadOnly,
}

// Status converts an error returned by this package into its StatusCode.
func Status(err error) StatusCode {
	if err == nil {
		return StatusOK
	}

	for _, kind := range statusOrder {
		if errors.Is(err, kind) {
			return kind.code
		}
	}
	return StatusUnknown
}
