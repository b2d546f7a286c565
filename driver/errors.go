package driver

import (
	"errors"
	"fmt"
)

// Error codes shared by every backend. The values match the daemon's own
// error numbering.
const (
	CodeOK            int32 = 0
	CodeInternal      int32 = 1
	CodeNoSupport     int32 = 3
	CodeNoConnect     int32 = 5
	CodeInvalidConn   int32 = 6
	CodeInvalidDomain int32 = 7
	CodeInvalidArg    int32 = 8
	CodeOperationFail int32 = 9
	CodeNoDomain      int32 = 42
	CodeAuthFailed    int32 = 45
	CodeOperationInv  int32 = 55
)

// Error domains (the subsystem that raised the error).
const (
	FromNone   int32 = 0
	FromDomain int32 = 6
	FromRPC    int32 = 7
	FromTest   int32 = 12
	FromRemote int32 = 13
)

// LastError is the daemon's last-error record for a failing call.
// A record with Code == CodeOK means no error was set.
type LastError struct {
	Code    int32
	Domain  int32
	Message string
}

func (e *LastError) Error() string {
	return e.Message
}

// IsSet reports whether the record carries an actual error.
func (e *LastError) IsSet() bool {
	return e != nil && e.Code != CodeOK
}

// Errorf builds a LastError with a formatted message.
func Errorf(code, domain int32, format string, args ...any) *LastError {
	return &LastError{Code: code, Domain: domain, Message: fmt.Sprintf(format, args...)}
}

// ErrUnknownDriver is returned by Open for an unregistered backend name.
var ErrUnknownDriver = errors.New("unknown driver")
