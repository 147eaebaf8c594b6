package driver

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// Status represents an Ethos-U runtime status code
type Status int

// Runtime status codes
const (
	StatusSuccess         Status = 0
	StatusInvalidArgument Status = 1
	StatusOutOfMemory     Status = 2
	StatusFaulted         Status = 3
	StatusNoDevice        Status = 4
	StatusInterrupted     Status = 5
	StatusTimeout         Status = 6
	StatusBadMessage      Status = 7
	StatusProtocolError   Status = 8
	StatusBadFile         Status = 9
	StatusTooManyFiles    Status = 10
	StatusMessageTooLong  Status = 11
	StatusBusy            Status = 12
	StatusTransportFailed Status = 13
)

var statusMessages = map[Status]string{
	StatusSuccess:         "success",
	StatusInvalidArgument: "invalid argument",
	StatusOutOfMemory:     "out of memory",
	StatusFaulted:         "bad address or handle",
	StatusNoDevice:        "no such device",
	StatusInterrupted:     "interrupted",
	StatusTimeout:         "timeout",
	StatusBadMessage:      "bad message",
	StatusProtocolError:   "protocol error",
	StatusBadFile:         "bad file",
	StatusTooManyFiles:    "too many files",
	StatusMessageTooLong:  "message too long",
	StatusBusy:            "device busy",
	StatusTransportFailed: "transport operation failed",
}

// String returns the human-readable status message
func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// Error represents an error from the Ethos-U runtime or transport
type Error struct {
	Status  Status
	Context string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Context != "" {
		if e.Cause != nil {
			return fmt.Sprintf("%s: %s: %v", e.Context, e.Status.String(), e.Cause)
		}
		return fmt.Sprintf("%s: %s", e.Context, e.Status.String())
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Status.String(), e.Cause)
	}
	return e.Status.String()
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches a target status
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Status == other.Status
	}
	return false
}

// NewError creates an error with a status and context
func NewError(status Status, context string) *Error {
	return &Error{Status: status, Context: context}
}

// NewErrorWithCause creates an error wrapping an underlying cause
func NewErrorWithCause(status Status, context string, cause error) *Error {
	return &Error{Status: status, Context: context, Cause: cause}
}

// IsStatus reports whether err carries the given runtime status
func IsStatus(err error, status Status) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == status
}

// StatusFromErrno maps a unix errno to a runtime error
func StatusFromErrno(errno unix.Errno, context string) *Error {
	var status Status
	switch errno {
	case unix.EINVAL:
		status = StatusInvalidArgument
	case unix.ENOMEM:
		status = StatusOutOfMemory
	case unix.EFAULT:
		status = StatusFaulted
	case unix.ENODEV, unix.ENXIO:
		status = StatusNoDevice
	case unix.EINTR:
		status = StatusInterrupted
	case unix.ETIMEDOUT, unix.ETIME:
		status = StatusTimeout
	case unix.EBADMSG:
		status = StatusBadMessage
	case unix.EPROTO:
		status = StatusProtocolError
	case unix.EBADF:
		status = StatusBadFile
	case unix.ENFILE, unix.EMFILE:
		status = StatusTooManyFiles
	case unix.EMSGSIZE:
		status = StatusMessageTooLong
	case unix.EBUSY:
		status = StatusBusy
	default:
		status = StatusTransportFailed
	}
	return &Error{Status: status, Context: context, Cause: errno}
}
