package perf

import (
	"errors"
	"fmt"
	"os"
)

// Error kinds returned by the package. Every error returned by an
// operation wraps exactly one of these so that callers can branch
// with errors.Is. When an underlying system error exists, it is
// wrapped as well.
var (
	// ErrIO is returned when a file or descriptor operation fails.
	ErrIO = errors.New("io error")
	// ErrLibraryFailure is returned when a supporting call succeeded
	// but the requested sub-operation did not.
	ErrLibraryFailure = errors.New("library failure")
	// ErrCapabilityNotSupported is returned when the running kernel
	// does not know the requested capability.
	ErrCapabilityNotSupported = errors.New("unsupported capability")
	// ErrEventOpen is returned when perf_event_open rejects an event
	// for a reason that does not indicate a missing counter.
	ErrEventOpen = errors.New("perf_event_open failed")
	// ErrBadParameters is returned when a measurement is misconfigured
	// before any kernel interaction took place.
	ErrBadParameters = errors.New("bad parameters")
	// ErrNotSupported is returned when the counter cannot exist in
	// the current environment.
	ErrNotSupported = errors.New("not supported")

	// ErrMeasurementClosed is returned by operations on closed measurements.
	ErrMeasurementClosed = fmt.Errorf("measurement closed: %w", os.ErrClosed)
	// ErrPermissionDenied is returned when the privilege evaluation
	// denies a measurement.
	ErrPermissionDenied = errors.New("insufficient privilege")
)

var errorKinds = []error{
	ErrIO,
	ErrLibraryFailure,
	ErrCapabilityNotSupported,
	ErrEventOpen,
	ErrBadParameters,
	ErrNotSupported,
	ErrMeasurementClosed,
	ErrPermissionDenied,
}

// wrap annotates cause with the given kind. A nil cause returns kind.
func wrap(kind error, cause error) error {
	if cause == nil {
		return kind
	}

	return fmt.Errorf("%w: %w", kind, cause)
}

// Describe returns a diagnostic text for err meant for operators. The
// text starts with the error kind and carries the underlying cause,
// if any.
func Describe(err error) string {
	if err == nil {
		return ""
	}

	for _, kind := range errorKinds {
		if !errors.Is(err, kind) {
			continue
		}

		if err.Error() == kind.Error() {
			return kind.Error()
		}

		return err.Error()
	}

	return "unknown error: " + err.Error()
}
