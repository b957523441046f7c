package fatfs

import "fmt"

// ErrorKind classifies engine failures.
type ErrorKind int

const (
	KindIO ErrorKind = iota
	KindInvalidInput
	KindNotFound
	KindAlreadyExists
	KindDirectoryIsNotEmpty
	KindCorruptedFileSystem
	KindNotEnoughSpace
	KindInvalidFileNameLength
	KindUnsupportedFileNameCharacter
	KindFileTooLarge
)

var kindNames = map[ErrorKind]string{
	KindIO:                           "I/O error",
	KindInvalidInput:                 "invalid input",
	KindNotFound:                     "not found",
	KindAlreadyExists:                "already exists",
	KindDirectoryIsNotEmpty:          "directory is not empty",
	KindCorruptedFileSystem:          "corrupted file system",
	KindNotEnoughSpace:               "not enough space",
	KindInvalidFileNameLength:        "invalid file name length",
	KindUnsupportedFileNameCharacter: "unsupported file name character",
	KindFileTooLarge:                 "file too large",
}

// Error is the engine's error type. Errors compare equal under errors.Is
// when their kinds match.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatfs: %s: %v", kindNames[e.Kind], e.Err)
	}
	return "fatfs: " + kindNames[e.Kind]
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

var (
	ErrInvalidInput                 = &Error{Kind: KindInvalidInput}
	ErrNotFound                     = &Error{Kind: KindNotFound}
	ErrAlreadyExists                = &Error{Kind: KindAlreadyExists}
	ErrDirectoryIsNotEmpty          = &Error{Kind: KindDirectoryIsNotEmpty}
	ErrCorruptedFileSystem          = &Error{Kind: KindCorruptedFileSystem}
	ErrNotEnoughSpace               = &Error{Kind: KindNotEnoughSpace}
	ErrInvalidFileNameLength        = &Error{Kind: KindInvalidFileNameLength}
	ErrUnsupportedFileNameCharacter = &Error{Kind: KindUnsupportedFileNameCharacter}
	ErrFileTooLarge                 = &Error{Kind: KindFileTooLarge}
)

func ioError(err error) error {
	return &Error{Kind: KindIO, Err: err}
}
