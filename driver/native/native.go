//go:build cgo && libvirt_native

package native

import (
	"errors"
	"sync"

	"github.com/go-logr/logr"
	"libvirt.org/go/libvirt"

	"github.com/jbweber/virtcore/driver"
)

func init() {
	driver.Register("native", func() (driver.Driver, error) {
		return New(), nil
	})
}

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(log logr.Logger) Option {
	return func(d *Driver) {
		d.log = log
	}
}

type domainList struct {
	handles []driver.Dom
}

func (l *domainList) Handles() []driver.Dom { return l.handles }

// Free is a no-op: the binding releases the C array before returning.
func (l *domainList) Free() {}

// Driver maps opaque handles onto client library objects.
type Driver struct {
	log logr.Logger

	mu       sync.Mutex
	nextConn driver.Conn
	nextDom  driver.Dom
	conns    map[driver.Conn]*libvirt.Connect
	doms     map[driver.Dom]*libvirt.Domain
}

// New returns a native driver.
func New(opts ...Option) *Driver {
	d := &Driver{
		log:   logr.Discard(),
		conns: make(map[driver.Conn]*libvirt.Connect),
		doms:  make(map[driver.Dom]*libvirt.Domain),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// lastError converts a binding error into the daemon's error record. An
// error carrying ERR_OK means nothing was set and converts to nil.
func lastError(err error) error {
	if err == nil {
		return nil
	}
	var lerr libvirt.Error
	if errors.As(err, &lerr) {
		if lerr.Code == libvirt.ERR_OK {
			return nil
		}
		return &driver.LastError{Code: int32(lerr.Code), Domain: int32(lerr.Domain), Message: lerr.Message}
	}
	return &driver.LastError{Code: driver.CodeInternal, Domain: driver.FromNone, Message: err.Error()}
}

func (d *Driver) conn(c driver.Conn) (*libvirt.Connect, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.conns[c]
	if !ok {
		return nil, driver.Errorf(driver.CodeInvalidConn, driver.FromNone, "invalid connection pointer")
	}
	return l, nil
}

func (d *Driver) domain(h driver.Dom) (*libvirt.Domain, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dom, ok := d.doms[h]
	if !ok {
		return nil, driver.Errorf(driver.CodeInvalidDomain, driver.FromDomain, "invalid domain pointer")
	}
	return dom, nil
}

func (d *Driver) track(dom *libvirt.Domain) driver.Dom {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextDom++
	d.doms[d.nextDom] = dom
	return d.nextDom
}

func (d *Driver) authenticate(req driver.OpenRequest) *libvirt.ConnectAuth {
	return &libvirt.ConnectAuth{
		CredType: []libvirt.ConnectCredentialType{libvirt.CRED_AUTHNAME, libvirt.CRED_PASSPHRASE},
		Callback: func(creds []*libvirt.ConnectCredential) {
			for _, cred := range creds {
				switch cred.Type {
				case libvirt.CRED_AUTHNAME:
					cred.Result = req.Username
					cred.ResultLen = len(req.Username)
				case libvirt.CRED_PASSPHRASE:
					cred.Result = req.Password
					cred.ResultLen = len(req.Password)
				}
			}
		},
	}
}

// Open implements driver.Driver.
func (d *Driver) Open(req driver.OpenRequest) (driver.Conn, error) {
	var (
		c   *libvirt.Connect
		err error
	)
	switch {
	case req.Username != "" || req.Password != "":
		var flags libvirt.ConnectFlags
		if req.ReadOnly {
			flags |= libvirt.CONNECT_RO
		}
		c, err = libvirt.NewConnectWithAuth(req.URI, d.authenticate(req), flags)
	case req.ReadOnly:
		c, err = libvirt.NewConnectReadOnly(req.URI)
	default:
		c, err = libvirt.NewConnect(req.URI)
	}
	if err != nil {
		return 0, lastError(err)
	}
	if c == nil {
		return 0, nil
	}

	d.log.V(1).Info("opened connection", "uri", req.URI, "readOnly", req.ReadOnly)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextConn++
	d.conns[d.nextConn] = c
	return d.nextConn, nil
}

// Close implements driver.Driver.
func (d *Driver) Close(c driver.Conn) (int, error) {
	d.mu.Lock()
	l, ok := d.conns[c]
	delete(d.conns, c)
	d.mu.Unlock()
	if !ok {
		return -1, driver.Errorf(driver.CodeInvalidConn, driver.FromNone, "invalid connection pointer")
	}
	rc, err := l.Close()
	if err != nil {
		return -1, lastError(err)
	}
	if rc > 0 {
		d.log.V(1).Info("connection still referenced after close", "refs", rc)
	}
	return 0, nil
}

// LibraryVersion implements driver.Driver.
func (d *Driver) LibraryVersion(c driver.Conn) (uint64, error) {
	l, err := d.conn(c)
	if err != nil {
		return 0, err
	}
	v, err := l.GetLibVersion()
	if err != nil {
		return 0, lastError(err)
	}
	return uint64(v), nil
}

// URI implements driver.Driver.
func (d *Driver) URI(c driver.Conn) (string, error) {
	return d.connString(c, (*libvirt.Connect).GetURI)
}

// Capabilities implements driver.Driver.
func (d *Driver) Capabilities(c driver.Conn) (string, error) {
	return d.connString(c, (*libvirt.Connect).GetCapabilities)
}

// Hostname implements driver.Driver.
func (d *Driver) Hostname(c driver.Conn) (string, error) {
	return d.connString(c, (*libvirt.Connect).GetHostname)
}

// SystemInfo implements driver.Driver.
func (d *Driver) SystemInfo(c driver.Conn, flags uint32) (string, error) {
	return d.connString(c, func(l *libvirt.Connect) (string, error) { return l.GetSysinfo(flags) })
}

func (d *Driver) connString(c driver.Conn, get func(*libvirt.Connect) (string, error)) (string, error) {
	l, err := d.conn(c)
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
	l, err := d.conn(c)
	if err != nil {
		return -1, err
	}
	n, err := l.GetMaxVcpus(kind)
	if err != nil {
		return -1, lastError(err)
	}
	return int32(n), nil
}

// NodeInfo implements driver.Driver.
func (d *Driver) NodeInfo(c driver.Conn) (driver.NodeInfo, error) {
	l, err := d.conn(c)
	if err != nil {
		return driver.NodeInfo{}, err
	}
	ni, err := l.GetNodeInfo()
	if err != nil {
		return driver.NodeInfo{}, lastError(err)
	}
	return driver.NodeInfo{
		Model:    ni.Model,
		MemoryKB: ni.Memory,
		CPUs:     uint32(ni.Cpus),
		MHz:      uint32(ni.MHz),
		Nodes:    ni.Nodes,
		Sockets:  ni.Sockets,
		Cores:    ni.Cores,
		Threads:  ni.Threads,
	}, nil
}

// ListAllDomains implements driver.Driver.
func (d *Driver) ListAllDomains(c driver.Conn, flags uint32) (driver.DomainList, error) {
	l, err := d.conn(c)
	if err != nil {
		return nil, err
	}
	doms, err := l.ListAllDomains(libvirt.ConnectListAllDomainsFlags(flags))
	if err != nil {
		return nil, lastError(err)
	}
	list := &domainList{handles: make([]driver.Dom, 0, len(doms))}
	for i := range doms {
		list.handles = append(list.handles, d.track(&doms[i]))
	}
	return list, nil
}

func (d *Driver) lookup(c driver.Conn, find func(*libvirt.Connect) (*libvirt.Domain, error)) (driver.Dom, error) {
	l, err := d.conn(c)
	if err != nil {
		return 0, err
	}
	dom, err := find(l)
	if err != nil {
		return 0, lastError(err)
	}
	if dom == nil {
		return 0, nil
	}
	return d.track(dom), nil
}

// LookupByID implements driver.Driver.
func (d *Driver) LookupByID(c driver.Conn, id uint32) (driver.Dom, error) {
	return d.lookup(c, func(l *libvirt.Connect) (*libvirt.Domain, error) { return l.LookupDomainById(id) })
}

// LookupByName implements driver.Driver.
func (d *Driver) LookupByName(c driver.Conn, name string) (driver.Dom, error) {
	return d.lookup(c, func(l *libvirt.Connect) (*libvirt.Domain, error) { return l.LookupDomainByName(name) })
}

// LookupByUUID implements driver.Driver.
func (d *Driver) LookupByUUID(c driver.Conn, id [16]byte) (driver.Dom, error) {
	return d.lookup(c, func(l *libvirt.Connect) (*libvirt.Domain, error) { return l.LookupDomainByUUID(id[:]) })
}

// DefineXML implements driver.Driver.
func (d *Driver) DefineXML(c driver.Conn, xml string, flags uint32) (driver.Dom, error) {
	return d.lookup(c, func(l *libvirt.Connect) (*libvirt.Domain, error) {
		return l.DomainDefineXMLFlags(xml, libvirt.DomainDefineFlags(flags))
	})
}

// CreateXML implements driver.Driver.
func (d *Driver) CreateXML(c driver.Conn, xml string, flags uint32) (driver.Dom, error) {
	return d.lookup(c, func(l *libvirt.Connect) (*libvirt.Domain, error) {
		return l.DomainCreateXML(xml, libvirt.DomainCreateFlags(flags))
	})
}

// Restore implements driver.Driver.
func (d *Driver) Restore(c driver.Conn, path, description string, flags uint32) (int, error) {
	l, err := d.conn(c)
	if err != nil {
		return -1, err
	}
	if err := l.DomainRestoreFlags(path, description, libvirt.DomainSaveRestoreFlags(flags)); err != nil {
		return -1, lastError(err)
	}
	return 0, nil
}

func (d *Driver) status(h driver.Dom, fn func(*libvirt.Domain) error) (int, error) {
	dom, err := d.domain(h)
	if err != nil {
		return -1, err
	}
	if err := fn(dom); err != nil {
		return -1, lastError(err)
	}
	return 0, nil
}

// DomainCreate implements driver.Driver.
func (d *Driver) DomainCreate(h driver.Dom, flags uint32) (int, error) {
	return d.status(h, func(dom *libvirt.Domain) error {
		return dom.CreateWithFlags(libvirt.DomainCreateFlags(flags))
	})
}

// DomainShutdown implements driver.Driver.
func (d *Driver) DomainShutdown(h driver.Dom, flags uint32) (int, error) {
	return d.status(h, func(dom *libvirt.Domain) error {
		return dom.ShutdownFlags(libvirt.DomainShutdownFlags(flags))
	})
}

// DomainSave implements driver.Driver. Selecting a compression format is
// only available through the rpc backend.
func (d *Driver) DomainSave(h driver.Dom, req driver.SaveRequest) (int, error) {
	if req.Compression != "" {
		return -1, driver.Errorf(driver.CodeNoSupport, driver.FromDomain, "save image format '%s' is not supported by the native driver", req.Compression)
	}
	return d.status(h, func(dom *libvirt.Domain) error {
		return dom.SaveFlags(req.Path, req.Description, libvirt.DomainSaveRestoreFlags(req.Flags))
	})
}

// DomainInfo implements driver.Driver.
func (d *Driver) DomainInfo(h driver.Dom) (driver.DomainInfo, error) {
	dom, err := d.domain(h)
	if err != nil {
		return driver.DomainInfo{}, err
	}
	info, err := dom.GetInfo()
	if err != nil {
		return driver.DomainInfo{}, lastError(err)
	}
	return driver.DomainInfo{
		State:       uint8(info.State),
		MaxMemoryKB: info.MaxMem,
		MemoryKB:    info.Memory,
		VirtualCPUs: uint16(info.NrVirtCpu),
		CPUTimeNs:   info.CpuTime,
	}, nil
}

// DomainID implements driver.Driver.
func (d *Driver) DomainID(h driver.Dom) (uint32, error) {
	dom, err := d.domain(h)
	if err != nil {
		return driver.NoID, err
	}
	return domainID(dom.GetID())
}

// domainID narrows the library's id. The daemon's failure sentinel is a
// C unsigned int, so it is compared after narrowing to 32 bits.
func domainID(id uint, err error) (uint32, error) {
	if uint32(id) == driver.NoID {
		return driver.NoID, lastError(err)
	}
	return uint32(id), nil
}

// DomainName implements driver.Driver.
func (d *Driver) DomainName(h driver.Dom) (string, error) {
	return d.domString(h, (*libvirt.Domain).GetName)
}

// DomainUUIDString implements driver.Driver.
func (d *Driver) DomainUUIDString(h driver.Dom) (string, error) {
	return d.domString(h, (*libvirt.Domain).GetUUIDString)
}

// DomainXMLDesc implements driver.Driver.
func (d *Driver) DomainXMLDesc(h driver.Dom, flags uint32) (string, error) {
	return d.domString(h, func(dom *libvirt.Domain) (string, error) {
		return dom.GetXMLDesc(libvirt.DomainXMLFlags(flags))
	})
}

func (d *Driver) domString(h driver.Dom, get func(*libvirt.Domain) (string, error)) (string, error) {
	dom, err := d.domain(h)
	if err != nil {
		return "", err
	}
	s, err := get(dom)
	if err != nil {
		return "", lastError(err)
	}
	return s, nil
}

// DomainFree implements driver.Driver.
func (d *Driver) DomainFree(h driver.Dom) (int, error) {
	d.mu.Lock()
	dom, ok := d.doms[h]
	delete(d.doms, h)
	d.mu.Unlock()
	if !ok {
		return -1, driver.Errorf(driver.CodeInvalidDomain, driver.FromDomain, "invalid domain pointer in virDomainFree")
	}
	if err := dom.Free(); err != nil {
		return -1, lastError(err)
	}
	return 0, nil
}
