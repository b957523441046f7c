// Package errors provides the structured error taxonomy shared by every
// diskvfs adapter, engine and bridge.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrorCode identifies one entry of the error taxonomy.
type ErrorCode string

const (
	// Node errors surfaced to VFS callers
	ErrCodeNotFound        ErrorCode = "NOT_FOUND"
	ErrCodeAlreadyExists   ErrorCode = "ALREADY_EXISTS"
	ErrCodeInvalidArgument ErrorCode = "INVALID_ARGUMENT"
	ErrCodeNotPermitted    ErrorCode = "NOT_PERMITTED"
	ErrCodeIO              ErrorCode = "IO_ERROR"
	ErrCodeNoSpace         ErrorCode = "NO_SPACE"

	// Structural errors reported by engines
	ErrCodeNotDirectory ErrorCode = "NOT_DIRECTORY"
	ErrCodeIsDirectory  ErrorCode = "IS_DIRECTORY"
	ErrCodeNotEmpty     ErrorCode = "NOT_EMPTY"
	ErrCodeNameTooLong  ErrorCode = "NAME_TOO_LONG"

	// Configuration and mount errors
	ErrCodeInvalidConfig ErrorCode = "INVALID_CONFIG"
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD"
	ErrCodeMountFailed   ErrorCode = "MOUNT_FAILED"
	ErrCodeUnsupported   ErrorCode = "UNSUPPORTED"
)

// ErrorCategory groups error codes.
type ErrorCategory string

const (
	CategoryNode          ErrorCategory = "node"
	CategoryStructure     ErrorCategory = "structure"
	CategoryConfiguration ErrorCategory = "configuration"
	CategoryMount         ErrorCategory = "mount"
)

// FSError is a structured error carrying a taxonomy code and the operation
// context it was raised in.
type FSError struct {
	Code     ErrorCode         `json:"code"`
	Category ErrorCategory     `json:"category"`
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`

	// Cause is the engine or library error this one was translated from.
	Cause error `json:"-"`

	Component string `json:"component,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// Sentinels for errors.Is comparisons. They must not be mutated; use New to
// build errors that are returned to callers.
var (
	ErrNotFound        = &FSError{Code: ErrCodeNotFound, Message: "no such file or directory"}
	ErrAlreadyExists   = &FSError{Code: ErrCodeAlreadyExists, Message: "file exists"}
	ErrInvalidArgument = &FSError{Code: ErrCodeInvalidArgument, Message: "invalid argument"}
	ErrNotPermitted    = &FSError{Code: ErrCodeNotPermitted, Message: "operation not permitted"}
	ErrIO              = &FSError{Code: ErrCodeIO, Message: "input/output error"}
	ErrNoSpace         = &FSError{Code: ErrCodeNoSpace, Message: "no space left on device"}
	ErrNotDirectory    = &FSError{Code: ErrCodeNotDirectory, Message: "not a directory"}
	ErrIsDirectory     = &FSError{Code: ErrCodeIsDirectory, Message: "is a directory"}
	ErrNotEmpty        = &FSError{Code: ErrCodeNotEmpty, Message: "directory not empty"}
	ErrNameTooLong     = &FSError{Code: ErrCodeNameTooLong, Message: "file name too long"}
)

// Error implements the error interface.
func (e *FSError) Error() string {
	if e.Component != "" {
		if e.Operation != "" {
			return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Code, e.Message)
		}
		return fmt.Sprintf("[%s] %s: %s", e.Component, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause error for error wrapping compatibility.
func (e *FSError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an FSError with the same code.
func (e *FSError) Is(target error) bool {
	if other, ok := target.(*FSError); ok {
		return e.Code == other.Code
	}
	return false
}

// String returns a detailed string representation for logging.
func (e *FSError) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("Code=%s", e.Code))
	parts = append(parts, fmt.Sprintf("Category=%s", e.Category))
	parts = append(parts, fmt.Sprintf("Message=%q", e.Message))

	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("Component=%s", e.Component))
	}
	if e.Operation != "" {
		parts = append(parts, fmt.Sprintf("Operation=%s", e.Operation))
	}
	if len(e.Context) > 0 {
		ctx, _ := json.Marshal(e.Context)
		parts = append(parts, fmt.Sprintf("Context=%s", ctx))
	}
	if e.Cause != nil {
		parts = append(parts, fmt.Sprintf("Cause=%q", e.Cause.Error()))
	}

	return fmt.Sprintf("FSError{%s}", strings.Join(parts, ", "))
}

// New creates a new error for code. An empty message uses the code's
// default text.
func New(code ErrorCode, message string) *FSError {
	if message == "" {
		message = defaultMessage(code)
	}
	return &FSError{
		Code:     code,
		Category: GetCategory(code),
		Message:  message,
	}
}

// Newf creates a new error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *FSError {
	return New(code, fmt.Sprintf(format, args...))
}

// GetCategory determines the category of an error code.
func GetCategory(code ErrorCode) ErrorCategory {
	switch code {
	case ErrCodeNotFound, ErrCodeAlreadyExists, ErrCodeInvalidArgument,
		ErrCodeNotPermitted, ErrCodeIO, ErrCodeNoSpace:
		return CategoryNode
	case ErrCodeNotDirectory, ErrCodeIsDirectory, ErrCodeNotEmpty, ErrCodeNameTooLong:
		return CategoryStructure
	case ErrCodeInvalidConfig, ErrCodeConfigLoad:
		return CategoryConfiguration
	default:
		return CategoryMount
	}
}

func defaultMessage(code ErrorCode) string {
	for _, s := range []*FSError{
		ErrNotFound, ErrAlreadyExists, ErrInvalidArgument, ErrNotPermitted, ErrIO,
		ErrNoSpace, ErrNotDirectory, ErrIsDirectory, ErrNotEmpty, ErrNameTooLong,
	} {
		if s.Code == code {
			return s.Message
		}
	}
	return strings.ToLower(strings.ReplaceAll(string(code), "_", " "))
}

// WithContext adds contextual information to an error.
func (e *FSError) WithContext(key, value string) *FSError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// WithComponent sets the component for an error.
func (e *FSError) WithComponent(component string) *FSError {
	e.Component = component
	return e
}

// WithOperation sets the operation for an error.
func (e *FSError) WithOperation(operation string) *FSError {
	e.Operation = operation
	return e
}

// WithCause sets the underlying cause.
func (e *FSError) WithCause(cause error) *FSError {
	e.Cause = cause
	return e
}

// CodeOf returns the taxonomy code carried by err, or ErrCodeIO for errors
// that never went through translation.
func CodeOf(err error) ErrorCode {
	var fsErr *FSError
	if stderrors.As(err, &fsErr) {
		return fsErr.Code
	}
	return ErrCodeIO
}

// Errno maps err onto the errno a POSIX caller expects. A nil error maps to
// zero.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}
	switch CodeOf(err) {
	case ErrCodeNotFound:
		return unix.ENOENT
	case ErrCodeAlreadyExists:
		return unix.EEXIST
	case ErrCodeInvalidArgument:
		return unix.EINVAL
	case ErrCodeNotPermitted:
		return unix.EPERM
	case ErrCodeNoSpace:
		return unix.ENOSPC
	case ErrCodeNotDirectory:
		return unix.ENOTDIR
	case ErrCodeIsDirectory:
		return unix.EISDIR
	case ErrCodeNotEmpty:
		return unix.ENOTEMPTY
	case ErrCodeNameTooLong:
		return unix.ENAMETOOLONG
	case ErrCodeUnsupported:
		return unix.ENOTSUP
	default:
		return unix.EIO
	}
}

// Is is a convenience for the standard library errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As is a convenience for the standard library errors.As.
func As(err error, target interface{}) bool {
	return stderrors.As(err, target)
}
