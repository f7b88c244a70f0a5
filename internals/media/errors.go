package media

import (
	"errors"
	"fmt"
	"os"
)

// ErrorKind classifies why a capture device could not be acquired. The
// caller surfaces the kind verbatim; a call never starts on any of them.
type ErrorKind int

const (
	PermissionDenied ErrorKind = iota
	DeviceNotFound
	Other
)

func (k ErrorKind) String() string {
	switch k {
	case PermissionDenied:
		return "permission-denied"
	case DeviceNotFound:
		return "device-not-found"
	default:
		return "other"
	}
}

// Error is a device acquisition failure with its classified kind.
type Error struct {
	Kind   ErrorKind
	Device string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("media: %s: %s: %v", e.Device, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify wraps a provider error with its kind. Provider errors that
// are already classified pass through unchanged.
func Classify(device string, err error) *Error {
	var me *Error
	if errors.As(err, &me) {
		return me
	}

	kind := Other
	switch {
	case errors.Is(err, os.ErrPermission):
		kind = PermissionDenied
	case errors.Is(err, os.ErrNotExist):
		kind = DeviceNotFound
	}

	return &Error{Kind: kind, Device: device, Err: err}
}
