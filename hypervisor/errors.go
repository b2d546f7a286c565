package hypervisor

import (
	"errors"
	"fmt"

	"github.com/jbweber/virtcore/internal/handle"
)

var (
	// ErrInvalidArgument reports a caller-supplied value that fails a local
	// precondition. No driver call was made.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotConnected reports an operation on a session that is not connected.
	ErrNotConnected = errors.New("hypervisor not connected")
	// ErrAlreadyConnected reports a connect on a session that is connecting,
	// connected or closed.
	ErrAlreadyConnected = errors.New("hypervisor already connected")

	// ErrInvalidHandle reports a null handle returned by the driver.
	ErrInvalidHandle = handle.ErrInvalidHandle
	// ErrStaleHandle reports use of a released domain.
	ErrStaleHandle = handle.ErrStaleHandle
	// ErrDoubleRelease reports a second Free of the same domain.
	ErrDoubleRelease = handle.ErrDoubleRelease
)

// CodeUnknown is the DriverError code used when a driver call signalled
// failure without leaving a last-error record.
const CodeUnknown int32 = -1

// DriverError is a failure reported by the daemon. Error returns the daemon's
// message unmodified.
type DriverError struct {
	// Op is the operation that failed, e.g. "lookupByName".
	Op string
	// Code is the daemon's error number, or CodeUnknown.
	Code int32
	// Domain is the daemon subsystem that raised the error.
	Domain int32
	// Message is the daemon's diagnostic text.
	Message string
}

func (e *DriverError) Error() string {
	return e.Message
}

func invalidArgument(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
