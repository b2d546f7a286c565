package hypervisor

import (
	"github.com/go-logr/logr"

	"github.com/jbweber/virtcore/dispatch"
)

// Config describes how to reach a daemon. It is copied into the Session and
// never mutated afterwards.
type Config struct {
	URI      string
	Username string
	Password string
	ReadOnly bool
}

// Validate checks the local preconditions of a Config.
func (c Config) Validate() error {
	if c.URI == "" {
		return invalidArgument("uri is required")
	}
	if c.Password != "" && c.Username == "" {
		return invalidArgument("password given without username")
	}
	return nil
}

// Option configures a Session.
type Option func(*Session)

// WithDispatcher runs the session's blocking calls on d instead of the
// package's shared dispatcher. The caller keeps ownership of d.
func WithDispatcher(d *dispatch.Dispatcher) Option {
	return func(s *Session) {
		s.disp = d
	}
}

// WithLogger sets the session logger. Per-call traces are logged at V(1).
func WithLogger(log logr.Logger) Option {
	return func(s *Session) {
		s.log = log
	}
}
