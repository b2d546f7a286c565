package hypervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/virtcore/dispatch"
	"github.com/jbweber/virtcore/driver"
	"github.com/jbweber/virtcore/internal/handle"
)

var sharedDispatcher = sync.OnceValues(func() (*dispatch.Dispatcher, error) {
	return dispatch.New()
})

// Session is one logical connection to a daemon.
//
// A Session is created with its configuration only. Connect opens the
// connection, Disconnect closes it for good: a Closed session cannot be
// reconnected and must be discarded.
type Session struct {
	cfg  Config
	drv  driver.Driver
	disp *dispatch.Dispatcher
	log  logr.Logger

	conns *handle.Registry[driver.Conn]
	doms  *handle.Registry[driver.Dom]

	mu    sync.Mutex
	state State
	conn  *handle.Owned[driver.Conn]
}

// NewSession returns a disconnected Session. It performs no I/O.
func NewSession(cfg Config, drv driver.Driver, opts ...Option) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if drv == nil {
		return nil, invalidArgument("driver is required")
	}

	s := &Session{
		cfg: cfg,
		drv: drv,
		log: logr.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.disp == nil {
		d, err := sharedDispatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to start dispatcher: %w", err)
		}
		s.disp = d
	}

	s.conns = handle.NewRegistry(func(c driver.Conn) error {
		rc, err := drv.Close(c)
		_, err = checkStatus("disconnect", rc, err)
		return err
	})
	s.doms = handle.NewRegistry(func(d driver.Dom) error {
		_, err := onThread(func() (int, error) {
			rc, err := drv.DomainFree(d)
			return checkStatus("free", rc, err)
		})
		return err
	})
	return s, nil
}

// Config returns the session configuration.
func (s *Session) Config() Config {
	return s.cfg
}

// State returns the current connection state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Live returns the number of domain handles obtained from this session that
// have not been freed.
func (s *Session) Live() int {
	return s.doms.Live()
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = st
}

// submit dispatches op and reports whether the dispatcher rejected it
// without running it.
func submit[T any](ctx context.Context, s *Session, op func() (T, error)) (*dispatch.Future[T], bool) {
	var ran atomic.Bool
	f := dispatch.Submit(ctx, s.disp, func() (T, error) {
		ran.Store(true)
		return op()
	})
	_, _, done := f.Result()
	return f, done && !ran.Load()
}

// ConnectAsync opens the connection on a worker. It fails immediately with
// ErrAlreadyConnected unless the session is Disconnected.
func (s *Session) ConnectAsync(ctx context.Context) *dispatch.Future[struct{}] {
	s.mu.Lock()
	if s.state != Disconnected {
		st := s.state
		s.mu.Unlock()
		s.log.V(1).Info("connect rejected", "state", st)
		return dispatch.Failed[struct{}](ErrAlreadyConnected)
	}
	s.state = Connecting
	s.mu.Unlock()

	req := driver.OpenRequest{
		URI:      s.cfg.URI,
		Username: s.cfg.Username,
		Password: s.cfg.Password,
		ReadOnly: s.cfg.ReadOnly,
	}
	s.log.V(1).Info("connecting", "uri", req.URI, "readOnly", req.ReadOnly)

	f, rejected := submit(ctx, s, func() (struct{}, error) {
		raw, err := s.drv.Open(req)
		raw, err = checkHandle("connect", raw, err)
		if err != nil {
			s.setState(Disconnected)
			return struct{}{}, err
		}
		owned, err := s.conns.Acquire(raw)
		if err != nil {
			s.setState(Disconnected)
			return struct{}{}, err
		}

		s.mu.Lock()
		s.conn = owned
		s.state = Connected
		s.mu.Unlock()
		s.log.V(1).Info("connected", "uri", req.URI)
		return struct{}{}, nil
	})
	if rejected {
		s.setState(Disconnected)
	}
	return f
}

// Connect is the blocking form of ConnectAsync.
func (s *Session) Connect(ctx context.Context) error {
	_, err := s.ConnectAsync(ctx).Wait(ctx)
	return err
}

// DisconnectAsync closes the connection on a worker. It fails with
// ErrNotConnected unless the session is Connected. The session is Closed
// from this point on whatever the outcome of the close.
//
// The close waits for queries already holding the connection to finish. If
// the dispatcher refuses the job, the close runs on the calling goroutine.
func (s *Session) DisconnectAsync(ctx context.Context) *dispatch.Future[struct{}] {
	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		return dispatch.Failed[struct{}](ErrNotConnected)
	}
	owned := s.conn
	s.conn = nil
	s.state = Closed
	s.mu.Unlock()

	s.log.V(1).Info("disconnecting", "uri", s.cfg.URI)
	closeConn := func() (struct{}, error) {
		return struct{}{}, owned.Release()
	}

	f, rejected := submit(ctx, s, closeConn)
	if rejected {
		_, err := onThread(closeConn)
		if err != nil {
			return dispatch.Failed[struct{}](err)
		}
		return dispatch.Resolved(struct{}{})
	}
	return f
}

// Disconnect is the blocking form of DisconnectAsync.
func (s *Session) Disconnect(ctx context.Context) error {
	_, err := s.DisconnectAsync(ctx).Wait(ctx)
	return err
}

// connRef returns a liveness-checked reference to the open connection.
func (s *Session) connRef() (handle.Ref[driver.Conn], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Connected || s.conn == nil {
		return handle.Ref[driver.Conn]{}, ErrNotConnected
	}
	return s.conn.Ref(), nil
}

// withConn runs call against the open connection on the current thread.
func withConn[T any](ref handle.Ref[driver.Conn], call func(driver.Conn) (T, error)) (T, error) {
	var out T
	err := ref.Use(func(c driver.Conn) error {
		v, err := onThread(func() (T, error) { return call(c) })
		out = v
		return err
	})
	if err != nil {
		var zero T
		if errors.Is(err, handle.ErrStaleHandle) {
			return zero, ErrNotConnected
		}
		return zero, err
	}
	return out, nil
}

// query runs a synchronous single-call operation.
func query[T any](s *Session, call func(driver.Conn) (T, error)) (T, error) {
	ref, err := s.connRef()
	if err != nil {
		var zero T
		return zero, err
	}
	return withConn(ref, call)
}

// queryAsync runs call on a worker. State is checked before dispatch so a
// disconnected session makes no driver call.
func queryAsync[T any](ctx context.Context, s *Session, call func(driver.Conn) (T, error)) *dispatch.Future[T] {
	ref, err := s.connRef()
	if err != nil {
		return dispatch.Failed[T](err)
	}
	f, _ := submit(ctx, s, func() (T, error) {
		var out T
		err := ref.Use(func(c driver.Conn) error {
			v, err := call(c)
			out = v
			return err
		})
		if errors.Is(err, handle.ErrStaleHandle) {
			err = ErrNotConnected
		}
		return out, err
	})
	return f
}

// Capabilities returns the host capabilities description.
func (s *Session) Capabilities() (string, error) {
	return query(s, func(c driver.Conn) (string, error) {
		v, err := s.drv.Capabilities(c)
		return checkErr("capabilities", v, err)
	})
}

// Hostname returns the daemon host's name.
func (s *Session) Hostname() (string, error) {
	return query(s, func(c driver.Conn) (string, error) {
		v, err := s.drv.Hostname(c)
		return checkErr("hostname", v, err)
	})
}

// SystemInfo returns the host's system information description.
func (s *Session) SystemInfo() (string, error) {
	return query(s, func(c driver.Conn) (string, error) {
		v, err := s.drv.SystemInfo(c, 0)
		return checkErr("systemInfo", v, err)
	})
}

// MaxVirtualCPUs returns the maximum number of virtual CPUs the daemon
// supports for a guest of the given kind. An empty kind asks for the
// connection's default.
func (s *Session) MaxVirtualCPUs(kind string) (int, error) {
	n, err := query(s, func(c driver.Conn) (int32, error) {
		v, err := s.drv.MaxVCPUs(c, kind)
		return checkStatus("maxVirtualCpus", v, err)
	})
	return int(n), err
}

// NodeInfo returns the host hardware summary.
func (s *Session) NodeInfo() (NodeInfo, error) {
	return query(s, func(c driver.Conn) (NodeInfo, error) {
		v, err := s.drv.NodeInfo(c)
		raw, err := checkErr("nodeInfo", v, err)
		return nodeInfoFrom(raw), err
	})
}

// LibraryVersion returns the daemon's library version.
func (s *Session) LibraryVersion() (Version, error) {
	return query(s, func(c driver.Conn) (Version, error) {
		v, err := s.drv.LibraryVersion(c)
		raw, err := checkErr("libraryVersion", v, err)
		return versionFrom(raw), err
	})
}

// URI returns the canonical URI of the open connection.
func (s *Session) URI() (string, error) {
	return query(s, func(c driver.Conn) (string, error) {
		v, err := s.drv.URI(c)
		return checkErr("uri", v, err)
	})
}

// wrap takes ownership of a domain handle returned by a factory call.
func (s *Session) wrap(op string, raw driver.Dom, err error) (*Domain, error) {
	raw, err = checkHandle(op, raw, err)
	if err != nil {
		return nil, err
	}
	owned, err := s.doms.Acquire(raw)
	if err != nil {
		return nil, err
	}
	return newDomain(s, owned), nil
}

// DefineFromDescription defines a persistent domain without starting it.
func (s *Session) DefineFromDescription(desc string, flags DefineFlags) (*Domain, error) {
	if desc == "" {
		return nil, invalidArgument("domain description is empty")
	}
	return query(s, func(c driver.Conn) (*Domain, error) {
		raw, err := s.drv.DefineXML(c, desc, uint32(flags))
		return s.wrap("defineFromDescription", raw, err)
	})
}

// CreateFromDescription creates and starts a transient domain.
func (s *Session) CreateFromDescription(desc string, flags CreateFlags) (*Domain, error) {
	if desc == "" {
		return nil, invalidArgument("domain description is empty")
	}
	return query(s, func(c driver.Conn) (*Domain, error) {
		raw, err := s.drv.CreateXML(c, desc, uint32(flags))
		return s.wrap("createFromDescription", raw, err)
	})
}

// ListAllDomains returns every domain matching flags. Either every handle
// in the daemon's list is wrapped or the call fails and none are kept. The
// daemon's list is freed exactly once on every path.
func (s *Session) ListAllDomains(flags ListFlags) ([]*Domain, error) {
	return query(s, func(c driver.Conn) ([]*Domain, error) {
		list, err := s.drv.ListAllDomains(c, uint32(flags))
		if err != nil || list == nil {
			return nil, capture("listAllDomains", err)
		}
		defer list.Free()

		raws := list.Handles()
		out := make([]*Domain, 0, len(raws))
		for i, raw := range raws {
			owned, err := s.doms.Acquire(raw)
			if err != nil {
				s.log.V(1).Info("discarding partial domain list", "index", i, "count", len(raws))
				for _, d := range out {
					if ferr := d.Free(); ferr != nil {
						s.log.V(1).Info("failed to release listed domain", "error", ferr.Error())
					}
				}
				for _, rest := range raws[i+1:] {
					if rest == 0 {
						continue
					}
					rc, ferr := s.drv.DomainFree(rest)
					if _, ferr = checkStatus("free", rc, ferr); ferr != nil {
						s.log.V(1).Info("failed to free listed domain handle", "error", ferr.Error())
					}
				}
				return nil, err
			}
			out = append(out, newDomain(s, owned))
		}
		return out, nil
	})
}

// LookupByIDAsync finds an active domain by numeric id.
func (s *Session) LookupByIDAsync(ctx context.Context, id uint32) *dispatch.Future[*Domain] {
	return queryAsync(ctx, s, func(c driver.Conn) (*Domain, error) {
		raw, err := s.drv.LookupByID(c, id)
		return s.wrap("lookupById", raw, err)
	})
}

// LookupByID is the blocking form of LookupByIDAsync.
func (s *Session) LookupByID(ctx context.Context, id uint32) (*Domain, error) {
	return s.LookupByIDAsync(ctx, id).Wait(ctx)
}

// LookupByNameAsync finds a domain by name.
func (s *Session) LookupByNameAsync(ctx context.Context, name string) *dispatch.Future[*Domain] {
	if name == "" {
		return dispatch.Failed[*Domain](invalidArgument("domain name is empty"))
	}
	return queryAsync(ctx, s, func(c driver.Conn) (*Domain, error) {
		raw, err := s.drv.LookupByName(c, name)
		return s.wrap("lookupByName", raw, err)
	})
}

// LookupByName is the blocking form of LookupByNameAsync.
func (s *Session) LookupByName(ctx context.Context, name string) (*Domain, error) {
	return s.LookupByNameAsync(ctx, name).Wait(ctx)
}

// LookupByUUIDAsync finds a domain by UUID in any of the standard textual
// forms.
func (s *Session) LookupByUUIDAsync(ctx context.Context, id string) *dispatch.Future[*Domain] {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return dispatch.Failed[*Domain](invalidArgument("malformed uuid %q", id))
	}
	return queryAsync(ctx, s, func(c driver.Conn) (*Domain, error) {
		raw, err := s.drv.LookupByUUID(c, parsed)
		return s.wrap("lookupByUuid", raw, err)
	})
}

// LookupByUUID is the blocking form of LookupByUUIDAsync.
func (s *Session) LookupByUUID(ctx context.Context, id string) (*Domain, error) {
	return s.LookupByUUIDAsync(ctx, id).Wait(ctx)
}

// RestoreSavedAsync restores a domain from a save image. An empty
// alternateDescription means none.
func (s *Session) RestoreSavedAsync(ctx context.Context, path, alternateDescription string, flags SaveRestoreFlags) *dispatch.Future[struct{}] {
	if path == "" {
		return dispatch.Failed[struct{}](invalidArgument("save image path is empty"))
	}
	return queryAsync(ctx, s, func(c driver.Conn) (struct{}, error) {
		rc, err := s.drv.Restore(c, path, alternateDescription, uint32(flags))
		_, err = checkStatus("restoreSaved", rc, err)
		return struct{}{}, err
	})
}

// RestoreSaved is the blocking form of RestoreSavedAsync.
func (s *Session) RestoreSaved(ctx context.Context, path, alternateDescription string, flags SaveRestoreFlags) error {
	_, err := s.RestoreSavedAsync(ctx, path, alternateDescription, flags).Wait(ctx)
	return err
}
