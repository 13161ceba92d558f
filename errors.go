// Package nvmstore implements a wear-aware, power-fail-safe persistent
// settings store over a generic non-volatile memory abstraction. See the
// device, access, and settings sub-packages for the three layers: device
// I/O, address translation, and the append-only settings log itself.
package nvmstore

import (
	"fmt"

	"github.com/hashicorp/go-multierror"
)

// DriverError is the error type returned across the device, access, and
// settings layers. It carries one of the abstract codes from the error
// taxonomy and an optional wrapped cause.
type DriverError interface {
	error
	WithMessage(message string) DriverError
	Wrap(err error) DriverError
	Unwrap() error
}

type baseError string

const rootError = baseError("")

// Invalid argument, alignment violation, or bounds violation. Always a
// caller bug; never recovered.
var ErrInvalid = rootError.WithMessage("invalid argument")

// The backend has no hook for the requested operation (write, erase, or
// sync).
var ErrNotSupported = rootError.WithMessage("operation not supported")

// A partition scan reached the end without finding any frame.
var ErrNotFound = rootError.WithMessage("partition empty")

// A partition's frame chain is malformed: a header with a magic that is
// neither a valid frame nor the erased-flash sentinel.
var ErrIllSequence = rootError.WithMessage("corrupt partition chain")

// An on-disk frame's declared length exceeds the current frame size. This
// means the record was written by firmware newer than the code reading it;
// misinterpreting it would silently corrupt settings, so it is rejected.
var ErrTooLarge = rootError.WithMessage("on-disk frame too large")

// The underlying I/O operation failed for a reason other than the above.
var ErrIOFailed = rootError.WithMessage("input/output error")

func (e baseError) Error() string {
	return string(e)
}

func (e baseError) WithMessage(message string) DriverError {
	return detailedError{message: message, cause: e}
}

func (e baseError) Wrap(err error) DriverError {
	return detailedError{
		message: fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		cause:   multierror.Append(e, err),
	}
}

func (e baseError) Unwrap() error {
	return nil
}

// -----------------------------------------------------------------------------

type detailedError struct {
	message string
	cause   error
}

func (e detailedError) Error() string {
	return e.message
}

func (e detailedError) WithMessage(message string) DriverError {
	return detailedError{
		message: fmt.Sprintf("%s: %s", e.message, message),
		cause:   e,
	}
}

func (e detailedError) Wrap(err error) DriverError {
	return detailedError{
		message: fmt.Sprintf("%s: %s", e.Error(), err.Error()),
		cause:   multierror.Append(e, err),
	}
}

func (e detailedError) Unwrap() error {
	return e.cause
}
