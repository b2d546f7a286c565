// Package rpc implements driver.Driver on the daemon's RPC protocol using
// github.com/digitalocean/go-libvirt. It needs no cgo and no client library.
//
// Supported URIs are local sockets (qemu:///system, qemu+unix:///system,
// with an optional ?socket= override), plain TCP (qemu+tcp://host[:port]/system)
// and ssh tunnels to the remote socket (qemu+ssh://user@host/system with the
// keyfile, known_hosts and no_verify parameters). Read-only connections use
// the daemon's read-only socket. Username and password are only used to
// authenticate ssh tunnels.
package rpc

import (
	"errors"
	"sync"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/jbweber/virtcore/driver"
)

func init() {
	driver.Register("rpc", func() (driver.Driver, error) {
		return New(), nil
	})
}

// DefaultTimeout bounds dialing the daemon.
const DefaultTimeout = 5 * time.Second

// Save parameters understood by the daemon.
const (
	saveParamFile        = "file"
	saveParamDXML        = "dxml"
	saveParamImageFormat = "image_format"
	typedParamString     = 7
)

// Option configures a Driver.
type Option func(*Driver)

// WithTimeout sets the dial timeout.
func WithTimeout(d time.Duration) Option {
	return func(drv *Driver) {
		if d > 0 {
			drv.timeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(drv *Driver) {
		drv.log = log
	}
}

// WithDialer replaces how a Target is dialed.
func WithDialer(dial func(Target, time.Duration) socket.Dialer) Option {
	return func(drv *Driver) {
		drv.dial = dial
	}
}

type domainRef struct {
	conn driver.Conn
	dom  libvirt.Domain
}

type domainList struct {
	handles []driver.Dom
}

func (l *domainList) Handles() []driver.Dom { return l.handles }

// Free is a no-op: the RPC reply is already decoded into Go values.
func (l *domainList) Free() {}

// Driver talks to one or more daemons over RPC.
type Driver struct {
	timeout time.Duration
	log     logr.Logger
	dial    func(Target, time.Duration) socket.Dialer

	mu       sync.Mutex
	nextConn driver.Conn
	nextDom  driver.Dom
	conns    map[driver.Conn]*libvirt.Libvirt
	doms     map[driver.Dom]domainRef
}

// New returns an RPC driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		timeout: DefaultTimeout,
		log:     logr.Discard(),
		dial:    newDialer,
		conns:   make(map[driver.Conn]*libvirt.Libvirt),
		doms:    make(map[driver.Dom]domainRef),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func newDialer(t Target, timeout time.Duration) socket.Dialer {
	switch t.Transport {
	case "tcp":
		return dialers.NewRemote(t.Host,
			dialers.UsePort(t.Port),
			dialers.WithRemoteTimeout(timeout),
		)
	case "ssh":
		return &sshDialer{target: t, timeout: timeout}
	}
	return dialers.NewLocal(
		dialers.WithSocket(t.Socket),
		dialers.WithLocalTimeout(timeout),
	)
}

// lastError converts a go-libvirt error into the daemon's error record.
// Transport failures carry no daemon code and are reported as internal
// RPC errors with the transport's message.
func lastError(err error) *driver.LastError {
	if err == nil {
		return nil
	}
	var le *driver.LastError
	if errors.As(err, &le) {
		return le
	}
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		return &driver.LastError{Code: int32(lerr.Code), Domain: driver.FromRemote, Message: lerr.Message}
	}
	return &driver.LastError{Code: driver.CodeInternal, Domain: driver.FromRPC, Message: err.Error()}
}

func optString(s string) libvirt.OptString {
	if s == "" {
		return nil
	}
	return libvirt.OptString{s}
}

func (d *Driver) client(c driver.Conn) (*libvirt.Libvirt, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.conns[c]
	if !ok {
		return nil, driver.Errorf(driver.CodeInvalidConn, driver.FromRPC, "invalid connection pointer")
	}
	return l, nil
}

func (d *Driver) domain(h driver.Dom) (*libvirt.Libvirt, libvirt.Domain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ref, ok := d.doms[h]
	if !ok {
		return nil, libvirt.Domain{}, driver.Errorf(driver.CodeInvalidDomain, driver.FromDomain, "invalid domain pointer")
	}
	l, ok := d.conns[ref.conn]
	if !ok {
		return nil, libvirt.Domain{}, driver.Errorf(driver.CodeInvalidConn, driver.FromRPC, "invalid connection pointer")
	}
	return l, ref.dom, nil
}

func (d *Driver) track(c driver.Conn, dom libvirt.Domain) driver.Dom {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextDom++
	d.doms[d.nextDom] = domainRef{conn: c, dom: dom}
	return d.nextDom
}

// Open implements driver.Driver.
func (d *Driver) Open(req driver.OpenRequest) (driver.Conn, error) {
	t, err := ParseURI(req.URI, req.ReadOnly)
	if err != nil {
		return 0, err
	}
	if req.Username != "" || req.Password != "" {
		if t.Transport != "ssh" {
			return 0, driver.Errorf(driver.CodeAuthFailed, driver.FromRPC, "credentials are not supported by the rpc driver over %s", t.Transport)
		}
		if req.Username != "" {
			t.User = req.Username
		}
		t.Password = req.Password
	}

	d.log.V(1).Info("dialing daemon", "transport", t.Transport, "address", t.Address(), "uri", t.DaemonURI)
	l := libvirt.NewWithDialer(d.dial(t, d.timeout))
	if err := l.ConnectToURI(libvirt.ConnectURI(t.DaemonURI)); err != nil {
		le := lastError(err)
		if le.Domain == driver.FromRPC {
			le = driver.Errorf(driver.CodeNoConnect, driver.FromRPC, "Failed to connect socket to '%s': %s", t.Address(), le.Message)
		}
		return 0, le
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextConn++
	d.conns[d.nextConn] = l
	return d.nextConn, nil
}

// Close implements driver.Driver. Domain handles of the connection stay
// tracked until freed but fail every call.
func (d *Driver) Close(c driver.Conn) (int, error) {
	d.mu.Lock()
	l, ok := d.conns[c]
	delete(d.conns, c)
	d.mu.Unlock()
	if !ok {
		return -1, driver.Errorf(driver.CodeInvalidConn, driver.FromRPC, "invalid connection pointer")
	}
	if err := l.Disconnect(); err != nil {
		return -1, lastError(err)
	}
	return 0, nil
}

// LibraryVersion implements driver.Driver.
func (d *Driver) LibraryVersion(c driver.Conn) (uint64, error) {
	l, err := d.client(c)
	if err != nil {
		return 0, err
	}
	v, err := l.ConnectGetLibVersion()
	if err != nil {
		return 0, lastError(err)
	}
	return v, nil
}

// URI implements driver.Driver.
func (d *Driver) URI(c driver.Conn) (string, error) {
	return d.connString(c, func(l *libvirt.Libvirt) (string, error) { return l.ConnectGetUri() })
}

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities(c driver.Conn) (string, error) {
	return d.connString(c, func(l *libvirt.Libvirt) (string, error) { return l.ConnectGetCapabilities() })
}

// Hostname implements driver.Driver.
func (d *Driver) Hostname(c driver.Conn) (string, error) {
	return d.connString(c, func(l *libvirt.Libvirt) (string, error) { return l.ConnectGetHostname() })
}

// SystemInfo implements driver.Driver.
func (d *Driver) SystemInfo(c driver.Conn, flags uint32) (string, error) {
	return d.connString(c, func(l *libvirt.Libvirt) (string, error) { return l.ConnectGetSysinfo(flags) })
}

func (d *Driver) connString(c driver.Conn, get func(*libvirt.Libvirt) (string, error)) (string, error) {
	l, err := d.client(c)
	if err != nil {
		return "", err
	}
	s, err := get(l)
	if err != nil {
		return "", lastError(err)
	}
	return s, nil
}

// MaxVCPUs implements driver.Driver.
func (d *Driver) MaxVCPUs(c driver.Conn, kind string) (int32, error) {
	l, err := d.client(c)
	if err != nil {
		return -1, err
	}
	n, err := l.ConnectGetMaxVcpus(optString(kind))
	if err != nil {
		return -1, lastError(err)
	}
	return n, nil
}

// NodeInfo implements driver.Driver.
func (d *Driver) NodeInfo(c driver.Conn) (driver.NodeInfo, error) {
	l, err := d.client(c)
	if err != nil {
		return driver.NodeInfo{}, err
	}
	model, mem, cpus, mhz, nodes, sockets, cores, threads, err := l.NodeGetInfo()
	if err != nil {
		return driver.NodeInfo{}, lastError(err)
	}
	return driver.NodeInfo{
		Model:    cString(model[:]),
		MemoryKB: mem,
		CPUs:     uint32(cpus),
		MHz:      uint32(mhz),
		Nodes:    uint32(nodes),
		Sockets:  uint32(sockets),
		Cores:    uint32(cores),
		Threads:  uint32(threads),
	}, nil
}

// cString decodes a NUL-terminated fixed-size char array.
func cString(b []int8) string {
	out := make([]byte, 0, len(b))
	for _, c := range b {
		if c == 0 {
			break
		}
		out = append(out, byte(c))
	}
	return string(out)
}

// ListAllDomains implements driver.Driver.
func (d *Driver) ListAllDomains(c driver.Conn, flags uint32) (driver.DomainList, error) {
	l, err := d.client(c)
	if err != nil {
		return nil, err
	}
	doms, _, err := l.ConnectListAllDomains(1, libvirt.ConnectListAllDomainsFlags(flags))
	if err != nil {
		return nil, lastError(err)
	}
	list := &domainList{handles: make([]driver.Dom, 0, len(doms))}
	for _, dom := range doms {
		list.handles = append(list.handles, d.track(c, dom))
	}
	return list, nil
}

func (d *Driver) lookup(c driver.Conn, find func(*libvirt.Libvirt) (libvirt.Domain, error)) (driver.Dom, error) {
	l, err := d.client(c)
	if err != nil {
		return 0, err
	}
	dom, err := find(l)
	if err != nil {
		return 0, lastError(err)
	}
	return d.track(c, dom), nil
}

// LookupByID implements driver.Driver.
func (d *Driver) LookupByID(c driver.Conn, id uint32) (driver.Dom, error) {
	return d.lookup(c, func(l *libvirt.Libvirt) (libvirt.Domain, error) { return l.DomainLookupByID(int32(id)) })
}

// LookupByName implements driver.Driver.
func (d *Driver) LookupByName(c driver.Conn, name string) (driver.Dom, error) {
	return d.lookup(c, func(l *libvirt.Libvirt) (libvirt.Domain, error) { return l.DomainLookupByName(name) })
}

// LookupByUUID implements driver.Driver.
func (d *Driver) LookupByUUID(c driver.Conn, id [16]byte) (driver.Dom, error) {
	return d.lookup(c, func(l *libvirt.Libvirt) (libvirt.Domain, error) { return l.DomainLookupByUUID(libvirt.UUID(id)) })
}

// DefineXML implements driver.Driver.
func (d *Driver) DefineXML(c driver.Conn, xml string, flags uint32) (driver.Dom, error) {
	return d.lookup(c, func(l *libvirt.Libvirt) (libvirt.Domain, error) {
		return l.DomainDefineXMLFlags(xml, libvirt.DomainDefineFlags(flags))
	})
}

// CreateXML implements driver.Driver.
func (d *Driver) CreateXML(c driver.Conn, xml string, flags uint32) (driver.Dom, error) {
	return d.lookup(c, func(l *libvirt.Libvirt) (libvirt.Domain, error) {
		return l.DomainCreateXML(xml, libvirt.DomainCreateFlags(flags))
	})
}

// Restore implements driver.Driver.
func (d *Driver) Restore(c driver.Conn, path, description string, flags uint32) (int, error) {
	l, err := d.client(c)
	if err != nil {
		return -1, err
	}
	if err := l.DomainRestoreFlags(path, optString(description), flags); err != nil {
		return -1, lastError(err)
	}
	return 0, nil
}

// DomainCreate implements driver.Driver.
func (d *Driver) DomainCreate(h driver.Dom, flags uint32) (int, error) {
	l, dom, err := d.domain(h)
	if err != nil {
		return -1, err
	}
	if _, err := l.DomainCreateWithFlags(dom, flags); err != nil {
		return -1, lastError(err)
	}
	return 0, nil
}

// DomainShutdown implements driver.Driver.
func (d *Driver) DomainShutdown(h driver.Dom, flags uint32) (int, error) {
	l, dom, err := d.domain(h)
	if err != nil {
		return -1, err
	}
	if err := l.DomainShutdownFlags(dom, libvirt.DomainShutdownFlagValues(flags)); err != nil {
		return -1, lastError(err)
	}
	return 0, nil
}

// DomainSave implements driver.Driver. A compression format switches to the
// parameterized save call.
func (d *Driver) DomainSave(h driver.Dom, req driver.SaveRequest) (int, error) {
	l, dom, err := d.domain(h)
	if err != nil {
		return -1, err
	}
	if req.Compression == "" {
		err = l.DomainSaveFlags(dom, req.Path, optString(req.Description), req.Flags)
	} else {
		err = l.DomainSaveParams(dom, saveParams(req), req.Flags)
	}
	if err != nil {
		return -1, lastError(err)
	}
	return 0, nil
}

func saveParams(req driver.SaveRequest) []libvirt.TypedParam {
	str := func(field, v string) libvirt.TypedParam {
		return libvirt.TypedParam{Field: field, Value: libvirt.TypedParamValue{D: typedParamString, I: v}}
	}
	params := []libvirt.TypedParam{str(saveParamFile, req.Path)}
	if req.Description != "" {
		params = append(params, str(saveParamDXML, req.Description))
	}
	return append(params, str(saveParamImageFormat, req.Compression))
}

// DomainInfo implements driver.Driver.
func (d *Driver) DomainInfo(h driver.Dom) (driver.DomainInfo, error) {
	l, dom, err := d.domain(h)
	if err != nil {
		return driver.DomainInfo{}, err
	}
	state, maxMem, mem, vcpus, cpuTime, err := l.DomainGetInfo(dom)
	if err != nil {
		return driver.DomainInfo{}, lastError(err)
	}
	return driver.DomainInfo{
		State:       state,
		MaxMemoryKB: maxMem,
		MemoryKB:    mem,
		VirtualCPUs: vcpus,
		CPUTimeNs:   cpuTime,
	}, nil
}

// DomainID implements driver.Driver. The id captured with the handle goes
// stale across start and stop, so it is looked up again.
func (d *Driver) DomainID(h driver.Dom) (uint32, error) {
	l, dom, err := d.domain(h)
	if err != nil {
		return driver.NoID, err
	}
	fresh, err := l.DomainLookupByUUID(dom.UUID)
	if err != nil {
		return driver.NoID, lastError(err)
	}
	if fresh.ID < 0 {
		return driver.NoID, nil
	}
	return uint32(fresh.ID), nil
}

// DomainName implements driver.Driver.
func (d *Driver) DomainName(h driver.Dom) (string, error) {
	_, dom, err := d.domain(h)
	if err != nil {
		return "", err
	}
	return dom.Name, nil
}

// DomainUUIDString implements driver.Driver.
func (d *Driver) DomainUUIDString(h driver.Dom) (string, error) {
	_, dom, err := d.domain(h)
	if err != nil {
		return "", err
	}
	return uuid.UUID(dom.UUID).String(), nil
}

// DomainXMLDesc implements driver.Driver.
func (d *Driver) DomainXMLDesc(h driver.Dom, flags uint32) (string, error) {
	l, dom, err := d.domain(h)
	if err != nil {
		return "", err
	}
	xml, err := l.DomainGetXMLDesc(dom, libvirt.DomainXMLFlags(flags))
	if err != nil {
		return "", lastError(err)
	}
	return xml, nil
}

// DomainFree implements driver.Driver. RPC domain references hold no daemon
// resources, so freeing only forgets the handle.
func (d *Driver) DomainFree(h driver.Dom) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.doms[h]; !ok {
		return -1, driver.Errorf(driver.CodeInvalidDomain, driver.FromDomain, "invalid domain pointer in virDomainFree")
	}
	delete(d.doms, h)
	return 0, nil
}
