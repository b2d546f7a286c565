// Package fake provides an in-memory Driver that records every call.
//
// The fake behaves like a tiny daemon: domains can be defined, started,
// shut down, saved and restored; descriptions are echoed back unchanged.
// Failures are injected per method with Fail (sentinel plus last error) or
// FailSilently (sentinel with no last error set).
package fake

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"

	"github.com/jbweber/virtcore/driver"
)

func init() {
	driver.Register("fake", func() (driver.Driver, error) {
		return New(), nil
	})
}

// Domain states, matching the daemon's numbering.
const (
	StateRunning  uint8 = 1
	StatePaused   uint8 = 3
	StateShutdown uint8 = 4
	StateShutoff  uint8 = 5
)

// Domain is the fake's record of one domain.
type Domain struct {
	Name        string
	UUID        uuid.UUID
	ID          uint32 // 0 when inactive
	State       uint8
	Description string
	Persistent  bool
	MaxMemoryKB uint64
	MemoryKB    uint64
	VirtualCPUs uint16
	CPUTimeNs   uint64
}

// HostFacts are the strings the fake reports for host introspection.
type HostFacts struct {
	Hostname     string
	Capabilities string
	SystemInfo   string
}

type failure struct {
	err *driver.LastError
}

// Driver is the in-memory fake.
type Driver struct {
	mu sync.Mutex

	Host    HostFacts
	Node    driver.NodeInfo
	Version uint64

	domains  map[string]*Domain // by name
	saved    map[string]Domain  // by path
	nextID   uint32
	nextConn driver.Conn
	nextDom  driver.Dom
	conns    map[driver.Conn]driver.OpenRequest
	doms     map[driver.Dom]string
	failures map[string]failure

	calls       map[string]int
	nullAt      int
	listFrees   int
	doubleFrees int
	lastOpen    driver.OpenRequest
	lastRestore RestoreCall
	openGate    chan struct{}
}

// RestoreCall records the arguments of the most recent Restore.
type RestoreCall struct {
	Path        string
	Description string
	Flags       uint32
}

// New returns an empty fake daemon.
func New() *Driver {
	return &Driver{
		Host: HostFacts{
			Hostname:     "fake-host",
			Capabilities: "<capabilities/>",
			SystemInfo:   "<sysinfo type='smbios'/>",
		},
		Node: driver.NodeInfo{
			Model: "x86_64", MemoryKB: 16 << 20, CPUs: 8, MHz: 2400,
			Nodes: 1, Sockets: 1, Cores: 4, Threads: 2,
		},
		Version:  11010000,
		domains:  make(map[string]*Domain),
		saved:    make(map[string]Domain),
		nextID:   1,
		conns:    make(map[driver.Conn]driver.OpenRequest),
		doms:     make(map[driver.Dom]string),
		failures: make(map[string]failure),
		calls:    make(map[string]int),
		nullAt:   -1,
	}
}

// AddDomain seeds a domain and returns the stored record. An active domain
// gets the next numeric id.
func (f *Driver) AddDomain(d Domain) Domain {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d.UUID == uuid.Nil {
		d.UUID = uuid.New()
	}
	if d.State == 0 {
		d.State = StateShutoff
	}
	if d.State != StateShutoff && d.ID == 0 {
		d.ID = f.nextID
		f.nextID++
	}
	dom := d
	f.domains[d.Name] = &dom
	return dom
}

// Lookup returns a copy of the named domain record.
func (f *Driver) Lookup(name string) (Domain, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[name]
	if !ok {
		return Domain{}, false
	}
	return *d, true
}

// Fail makes every later call of method fail with err until Clear is called.
func (f *Driver) Fail(method string, err *driver.LastError) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[method] = failure{err: err}
}

// FailSilently makes method return its failure sentinel without setting a
// last error.
func (f *Driver) FailSilently(method string) {
	f.Fail(method, nil)
}

// Clear removes an injected failure.
func (f *Driver) Clear(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.failures, method)
}

// Calls returns how many times method was called.
func (f *Driver) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// TotalCalls returns the number of driver calls of any kind.
func (f *Driver) TotalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// ListFrees returns how many domain lists were freed.
func (f *Driver) ListFrees() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listFrees
}

// DoubleFrees returns how many times an already freed handle was freed.
func (f *Driver) DoubleFrees() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doubleFrees
}

// LiveDomainHandles returns the number of domain handles not yet freed.
func (f *Driver) LiveDomainHandles() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.doms)
}

// HoldOpen makes later Open calls block until the returned release function
// is called.
func (f *Driver) HoldOpen() (release func()) {
	gate := make(chan struct{})
	f.mu.Lock()
	f.openGate = gate
	f.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			f.mu.Lock()
			f.openGate = nil
			f.mu.Unlock()
			close(gate)
		})
	}
}

// LastRestore returns the arguments of the most recent Restore.
func (f *Driver) LastRestore() RestoreCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastRestore
}

// LastOpen returns the most recent open request.
func (f *Driver) LastOpen() driver.OpenRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastOpen
}

// enter records a call and reports an injected failure. Callers hold f.mu.
func (f *Driver) enter(method string) (bool, error) {
	f.calls[method]++
	fl, ok := f.failures[method]
	if !ok {
		return false, nil
	}
	if fl.err == nil {
		return true, nil
	}
	e := *fl.err
	return true, &e
}

func (f *Driver) checkConn(c driver.Conn) error {
	if _, ok := f.conns[c]; !ok {
		return driver.Errorf(driver.CodeInvalidConn, driver.FromTest, "invalid connection pointer in %s", "fake")
	}
	return nil
}

func (f *Driver) domain(d driver.Dom) (*Domain, error) {
	name, ok := f.doms[d]
	if !ok {
		return nil, driver.Errorf(driver.CodeInvalidDomain, driver.FromDomain, "invalid domain pointer")
	}
	dom, ok := f.domains[name]
	if !ok {
		return nil, driver.Errorf(driver.CodeNoDomain, driver.FromDomain, "Domain not found: no domain with matching name '%s'", name)
	}
	return dom, nil
}

func (f *Driver) newHandle(name string) driver.Dom {
	f.nextDom++
	f.doms[f.nextDom] = name
	return f.nextDom
}

func notFound(format string, args ...any) error {
	return driver.Errorf(driver.CodeNoDomain, driver.FromDomain, "Domain not found: "+format, args...)
}

// Open implements driver.Driver.
func (f *Driver) Open(req driver.OpenRequest) (driver.Conn, error) {
	f.mu.Lock()
	gate := f.openGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastOpen = req
	if failed, err := f.enter("Open"); failed {
		return 0, err
	}
	f.nextConn++
	f.conns[f.nextConn] = req
	return f.nextConn, nil
}

// Close implements driver.Driver.
func (f *Driver) Close(c driver.Conn) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("Close"); failed {
		delete(f.conns, c)
		return -1, err
	}
	if err := f.checkConn(c); err != nil {
		return -1, err
	}
	delete(f.conns, c)
	return 0, nil
}

// LibraryVersion implements driver.Driver.
func (f *Driver) LibraryVersion(c driver.Conn) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("LibraryVersion"); failed {
		return 0, err
	}
	if err := f.checkConn(c); err != nil {
		return 0, err
	}
	return f.Version, nil
}

// URI implements driver.Driver.
func (f *Driver) URI(c driver.Conn) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("URI"); failed {
		return "", err
	}
	if err := f.checkConn(c); err != nil {
		return "", err
	}
	return f.conns[c].URI, nil
}

// Capabilities implements driver.Driver.
func (f *Driver) Capabilities(c driver.Conn) (string, error) {
	return f.connString("Capabilities", c, func() string { return f.Host.Capabilities })
}

// Hostname implements driver.Driver.
func (f *Driver) Hostname(c driver.Conn) (string, error) {
	return f.connString("Hostname", c, func() string { return f.Host.Hostname })
}

// SystemInfo implements driver.Driver.
func (f *Driver) SystemInfo(c driver.Conn, _ uint32) (string, error) {
	return f.connString("SystemInfo", c, func() string { return f.Host.SystemInfo })
}

func (f *Driver) connString(method string, c driver.Conn, get func() string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter(method); failed {
		return "", err
	}
	if err := f.checkConn(c); err != nil {
		return "", err
	}
	return get(), nil
}

// MaxVCPUs implements driver.Driver.
func (f *Driver) MaxVCPUs(c driver.Conn, kind string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("MaxVCPUs"); failed {
		return -1, err
	}
	if err := f.checkConn(c); err != nil {
		return -1, err
	}
	switch kind {
	case "", "kvm", "qemu":
		return 255, nil
	default:
		return -1, driver.Errorf(driver.CodeInvalidArg, driver.FromTest, "unknown type '%s'", kind)
	}
}

// NodeInfo implements driver.Driver.
func (f *Driver) NodeInfo(c driver.Conn) (driver.NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("NodeInfo"); failed {
		return driver.NodeInfo{}, err
	}
	if err := f.checkConn(c); err != nil {
		return driver.NodeInfo{}, err
	}
	return f.Node, nil
}

type domainList struct {
	f       *Driver
	handles []driver.Dom
}

func (l *domainList) Handles() []driver.Dom { return l.handles }

func (l *domainList) Free() {
	l.f.mu.Lock()
	defer l.f.mu.Unlock()
	l.f.listFrees++
}

// ListAllDomains implements driver.Driver. Domains come back sorted by name.
// Flags are ignored.
func (f *Driver) ListAllDomains(c driver.Conn, _ uint32) (driver.DomainList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("ListAllDomains"); failed {
		return nil, err
	}
	if err := f.checkConn(c); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(f.domains))
	for name := range f.domains {
		names = append(names, name)
	}
	sort.Strings(names)

	l := &domainList{f: f, handles: make([]driver.Dom, 0, len(names))}
	for i, name := range names {
		if i == f.nullAt {
			l.handles = append(l.handles, 0)
			continue
		}
		l.handles = append(l.handles, f.newHandle(name))
	}
	f.nullAt = -1
	return l, nil
}

// NullHandleAt makes the next ListAllDomains result carry a null handle at
// position i, the way a daemon list can come back partially populated.
func (f *Driver) NullHandleAt(i int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nullAt = i
}

func (f *Driver) lookup(method string, c driver.Conn, match func(*Domain) bool, missing func() error) (driver.Dom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter(method); failed {
		return 0, err
	}
	if err := f.checkConn(c); err != nil {
		return 0, err
	}
	for name, d := range f.domains {
		if match(d) {
			return f.newHandle(name), nil
		}
	}
	return 0, missing()
}

// LookupByID implements driver.Driver.
func (f *Driver) LookupByID(c driver.Conn, id uint32) (driver.Dom, error) {
	return f.lookup("LookupByID", c,
		func(d *Domain) bool { return d.ID != 0 && d.ID == id },
		func() error { return notFound("no domain with matching id %d", id) })
}

// LookupByName implements driver.Driver.
func (f *Driver) LookupByName(c driver.Conn, name string) (driver.Dom, error) {
	return f.lookup("LookupByName", c,
		func(d *Domain) bool { return d.Name == name },
		func() error { return notFound("no domain with matching name '%s'", name) })
}

// LookupByUUID implements driver.Driver.
func (f *Driver) LookupByUUID(c driver.Conn, id [16]byte) (driver.Dom, error) {
	return f.lookup("LookupByUUID", c,
		func(d *Domain) bool { return d.UUID == uuid.UUID(id) },
		func() error { return notFound("no domain with matching uuid '%s'", uuid.UUID(id)) })
}

// DefineXML implements driver.Driver. The description must carry a domain
// name and is stored verbatim.
func (f *Driver) DefineXML(c driver.Conn, xml string, _ uint32) (driver.Dom, error) {
	return f.defineOrCreate("DefineXML", c, xml, false)
}

// CreateXML implements driver.Driver. The domain is transient and running.
func (f *Driver) CreateXML(c driver.Conn, xml string, _ uint32) (driver.Dom, error) {
	return f.defineOrCreate("CreateXML", c, xml, true)
}

func (f *Driver) defineOrCreate(method string, c driver.Conn, desc string, start bool) (driver.Dom, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter(method); failed {
		return 0, err
	}
	if err := f.checkConn(c); err != nil {
		return 0, err
	}
	var parsed libvirtxml.Domain
	if err := parsed.Unmarshal(desc); err != nil {
		return 0, driver.Errorf(driver.CodeInvalidArg, driver.FromDomain, "XML error: %v", err)
	}
	name := parsed.Name
	if name == "" {
		return 0, driver.Errorf(driver.CodeInvalidArg, driver.FromDomain, "XML error: missing domain name information")
	}

	d, ok := f.domains[name]
	if !ok {
		id := uuid.New()
		if parsed.UUID != "" {
			given, err := uuid.Parse(parsed.UUID)
			if err != nil {
				return 0, driver.Errorf(driver.CodeInvalidArg, driver.FromDomain, "XML error: malformed uuid element")
			}
			id = given
		}
		d = &Domain{
			Name: name, UUID: id, State: StateShutoff,
			MaxMemoryKB: 1 << 20, MemoryKB: 1 << 20, VirtualCPUs: 1,
		}
		f.domains[name] = d
	} else if start && d.State != StateShutoff {
		return 0, driver.Errorf(driver.CodeOperationInv, driver.FromDomain, "Requested operation is not valid: domain '%s' is already active", name)
	}
	d.Description = desc
	if start {
		d.State = StateRunning
		d.ID = f.nextID
		f.nextID++
	} else {
		d.Persistent = true
	}
	return f.newHandle(name), nil
}

// Restore implements driver.Driver.
func (f *Driver) Restore(c driver.Conn, path, description string, flags uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastRestore = RestoreCall{Path: path, Description: description, Flags: flags}
	if failed, err := f.enter("Restore"); failed {
		return -1, err
	}
	if err := f.checkConn(c); err != nil {
		return -1, err
	}
	saved, ok := f.saved[path]
	if !ok {
		return -1, driver.Errorf(driver.CodeOperationFail, driver.FromDomain, "operation failed: failed to open domain image file '%s'", path)
	}
	if description != "" {
		saved.Description = description
	}
	saved.State = StateRunning
	saved.ID = f.nextID
	f.nextID++
	f.domains[saved.Name] = &saved
	delete(f.saved, path)
	return 0, nil
}

// DomainCreate implements driver.Driver.
func (f *Driver) DomainCreate(h driver.Dom, flags uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("DomainCreate"); failed {
		return -1, err
	}
	d, err := f.domain(h)
	if err != nil {
		return -1, err
	}
	if d.State != StateShutoff {
		return -1, driver.Errorf(driver.CodeOperationInv, driver.FromDomain, "Requested operation is not valid: domain is already running")
	}
	d.State = StateRunning
	if flags&1 != 0 {
		d.State = StatePaused
	}
	d.ID = f.nextID
	f.nextID++
	return 0, nil
}

// DomainShutdown implements driver.Driver. The fake completes the shutdown
// immediately.
func (f *Driver) DomainShutdown(h driver.Dom, _ uint32) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("DomainShutdown"); failed {
		return -1, err
	}
	d, err := f.domain(h)
	if err != nil {
		return -1, err
	}
	if d.State == StateShutoff {
		return -1, driver.Errorf(driver.CodeOperationInv, driver.FromDomain, "Requested operation is not valid: domain is not running")
	}
	d.State = StateShutoff
	d.ID = 0
	return 0, nil
}

// DomainSave implements driver.Driver.
func (f *Driver) DomainSave(h driver.Dom, req driver.SaveRequest) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("DomainSave"); failed {
		return -1, err
	}
	d, err := f.domain(h)
	if err != nil {
		return -1, err
	}
	if d.State == StateShutoff {
		return -1, driver.Errorf(driver.CodeOperationInv, driver.FromDomain, "Requested operation is not valid: domain is not running")
	}
	saved := *d
	if req.Description != "" {
		saved.Description = req.Description
	}
	f.saved[req.Path] = saved
	d.State = StateShutoff
	d.ID = 0
	if !d.Persistent {
		delete(f.domains, d.Name)
	}
	return 0, nil
}

// DomainInfo implements driver.Driver.
func (f *Driver) DomainInfo(h driver.Dom) (driver.DomainInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("DomainInfo"); failed {
		return driver.DomainInfo{}, err
	}
	d, err := f.domain(h)
	if err != nil {
		return driver.DomainInfo{}, err
	}
	return driver.DomainInfo{
		State:       d.State,
		MaxMemoryKB: d.MaxMemoryKB,
		MemoryKB:    d.MemoryKB,
		VirtualCPUs: d.VirtualCPUs,
		CPUTimeNs:   d.CPUTimeNs,
	}, nil
}

// DomainID implements driver.Driver. Inactive domains return driver.NoID
// without an error, like the daemon.
func (f *Driver) DomainID(h driver.Dom) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("DomainID"); failed {
		return driver.NoID, err
	}
	d, err := f.domain(h)
	if err != nil {
		return driver.NoID, err
	}
	if d.ID == 0 {
		return driver.NoID, nil
	}
	return d.ID, nil
}

// DomainName implements driver.Driver.
func (f *Driver) DomainName(h driver.Dom) (string, error) {
	return f.domString("DomainName", h, func(d *Domain) string { return d.Name })
}

// DomainUUIDString implements driver.Driver.
func (f *Driver) DomainUUIDString(h driver.Dom) (string, error) {
	return f.domString("DomainUUIDString", h, func(d *Domain) string { return d.UUID.String() })
}

// DomainXMLDesc implements driver.Driver. The stored description is echoed
// back verbatim.
func (f *Driver) DomainXMLDesc(h driver.Dom, _ uint32) (string, error) {
	return f.domString("DomainXMLDesc", h, func(d *Domain) string { return d.Description })
}

func (f *Driver) domString(method string, h driver.Dom, get func(*Domain) string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter(method); failed {
		return "", err
	}
	d, err := f.domain(h)
	if err != nil {
		return "", err
	}
	return get(d), nil
}

// DomainFree implements driver.Driver. Freeing an unknown handle is counted
// as a double free.
func (f *Driver) DomainFree(h driver.Dom) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if failed, err := f.enter("DomainFree"); failed {
		return -1, err
	}
	if _, ok := f.doms[h]; !ok {
		f.doubleFrees++
		return -1, driver.Errorf(driver.CodeInvalidDomain, driver.FromDomain, "invalid domain pointer in %s", "virDomainFree")
	}
	delete(f.doms, h)
	return 0, nil
}

// String describes the fake's state for test failure messages.
func (f *Driver) String() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fmt.Sprintf("fake{domains=%d conns=%d handles=%d}", len(f.domains), len(f.conns), len(f.doms))
}
