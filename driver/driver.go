// Package driver defines the blocking call surface of a hypervisor management
// daemon.
//
// A Driver mirrors the daemon's own calling convention: connection and domain
// objects are opaque handles where the zero value means "null", status calls
// return a negative value on failure, and every failing call reports the
// daemon's last-error record as a *LastError. Backends translate their native
// error types into *LastError so callers never depend on a specific client
// library.
//
// Backends register themselves by name:
//
//	import _ "github.com/jbweber/virtcore/driver/rpc"
//
//	drv, err := driver.Open("rpc")
//
// Handles are not safe to share between Drivers. A Driver itself must be safe
// for concurrent use.
package driver

// Conn is an opaque connection handle. The zero value is the null handle.
type Conn uint64

// Dom is an opaque domain handle. The zero value is the null handle.
type Dom uint64

// NoID is the sentinel a driver returns from DomainID when the domain has no
// numeric id. Inactive domains legitimately have none.
const NoID = ^uint32(0)

// OpenRequest carries everything needed to open a connection.
type OpenRequest struct {
	URI      string
	Username string
	Password string
	ReadOnly bool
}

// SaveRequest carries the arguments of a domain save.
type SaveRequest struct {
	Path string
	// Description optionally replaces host-specific parts of the saved
	// domain description. Empty means none.
	Description string
	// Compression selects the image format of the save file. Empty means
	// the daemon default.
	Compression string
	Flags       uint32
}

// NodeInfo is the raw hardware summary reported by the daemon.
type NodeInfo struct {
	Model    string
	MemoryKB uint64
	CPUs     uint32
	MHz      uint32
	Nodes    uint32
	Sockets  uint32
	Cores    uint32
	Threads  uint32
}

// DomainInfo is the raw point-in-time domain summary reported by the daemon.
type DomainInfo struct {
	State       uint8
	MaxMemoryKB uint64
	MemoryKB    uint64
	VirtualCPUs uint16
	CPUTimeNs   uint64
}

// DomainList is a driver-allocated batch of domain handles. The receiver owns
// every handle in the batch and must call Free exactly once after taking
// them over.
type DomainList interface {
	Handles() []Dom
	Free()
}

// Driver is the blocking call surface of a hypervisor management daemon.
type Driver interface {
	// Open connects to the daemon. A zero Conn signals failure.
	Open(req OpenRequest) (Conn, error)
	// Close returns a negative status on failure.
	Close(c Conn) (int, error)

	LibraryVersion(c Conn) (uint64, error)
	URI(c Conn) (string, error)
	Capabilities(c Conn) (string, error)
	Hostname(c Conn) (string, error)
	SystemInfo(c Conn, flags uint32) (string, error)
	// MaxVCPUs returns a negative count on failure.
	MaxVCPUs(c Conn, kind string) (int32, error)
	NodeInfo(c Conn) (NodeInfo, error)

	ListAllDomains(c Conn, flags uint32) (DomainList, error)
	LookupByID(c Conn, id uint32) (Dom, error)
	LookupByName(c Conn, name string) (Dom, error)
	LookupByUUID(c Conn, uuid [16]byte) (Dom, error)
	DefineXML(c Conn, xml string, flags uint32) (Dom, error)
	CreateXML(c Conn, xml string, flags uint32) (Dom, error)
	// Restore returns a negative status on failure. An empty description
	// is passed to the daemon as none.
	Restore(c Conn, path, description string, flags uint32) (int, error)

	DomainCreate(d Dom, flags uint32) (int, error)
	DomainShutdown(d Dom, flags uint32) (int, error)
	DomainSave(d Dom, req SaveRequest) (int, error)
	DomainInfo(d Dom) (DomainInfo, error)
	// DomainID returns NoID when the domain has no id. Whether that is an
	// error depends on the accompanying *LastError.
	DomainID(d Dom) (uint32, error)
	DomainName(d Dom) (string, error)
	DomainUUIDString(d Dom) (string, error)
	DomainXMLDesc(d Dom, flags uint32) (string, error)
	DomainFree(d Dom) (int, error)
}
