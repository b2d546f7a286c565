package hypervisor

import (
	"errors"
	"runtime"

	"github.com/jbweber/virtcore/driver"
)

const unknownErrorMessage = "An error occurred, but the cause is unknown"

// capture reads the last-error record of a call that signalled failure. It is
// called exactly once per failing call, on the thread that made the call.
func capture(op string, err error) *DriverError {
	var last *driver.LastError
	if errors.As(err, &last) && last.IsSet() {
		return &DriverError{Op: op, Code: last.Code, Domain: last.Domain, Message: last.Message}
	}
	if err != nil && last == nil {
		return &DriverError{Op: op, Code: CodeUnknown, Message: err.Error()}
	}
	return &DriverError{Op: op, Code: CodeUnknown, Message: unknownErrorMessage}
}

// checkHandle applies the null-handle convention.
func checkHandle[H comparable](op string, h H, err error) (H, error) {
	var zero H
	if h == zero {
		return zero, capture(op, err)
	}
	return h, nil
}

// checkStatus applies the negative-status convention.
func checkStatus[N int | int32](op string, rc N, err error) (N, error) {
	if rc < 0 {
		return rc, capture(op, err)
	}
	return rc, nil
}

// checkErr is for calls whose only failure signal is the error itself.
func checkErr[T any](op string, v T, err error) (T, error) {
	if err != nil {
		var zero T
		return zero, capture(op, err)
	}
	return v, nil
}

// checkID interprets the "no id" sentinel. Without a last error the absence
// of an id is a normal outcome.
func checkID(op string, id uint32, err error) (uint32, bool, error) {
	if id != driver.NoID {
		return id, true, nil
	}
	var last *driver.LastError
	if err == nil || (errors.As(err, &last) && !last.IsSet()) {
		return 0, false, nil
	}
	return 0, false, capture(op, err)
}

// onThread runs a synchronous driver call and its error check on one OS
// thread so the last-error read observes the calling thread's state.
func onThread[T any](fn func() (T, error)) (T, error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	return fn()
}
