package hypervisor

import (
	"fmt"
	"time"

	"github.com/jbweber/virtcore/driver"
)

// State is the connection state of a Session.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DomainState is the run state of a domain as reported by the daemon.
type DomainState uint8

const (
	DomainNoState DomainState = iota
	DomainRunning
	DomainBlocked
	DomainPaused
	DomainShutdown
	DomainShutoff
	DomainCrashed
	DomainPMSuspended
)

var domainStateNames = [...]string{
	DomainNoState:     "nostate",
	DomainRunning:     "running",
	DomainBlocked:     "blocked",
	DomainPaused:      "paused",
	DomainShutdown:    "shutdown",
	DomainShutoff:     "shutoff",
	DomainCrashed:     "crashed",
	DomainPMSuspended: "pmsuspended",
}

func (s DomainState) String() string {
	if int(s) < len(domainStateNames) {
		return domainStateNames[s]
	}
	return fmt.Sprintf("unknown(%d)", uint8(s))
}

// DomainInfo is a point-in-time snapshot of a domain.
type DomainInfo struct {
	State       DomainState
	MaxMemoryKB uint64
	MemoryKB    uint64
	VirtualCPUs uint16
	CPUTime     time.Duration
}

func domainInfoFrom(raw driver.DomainInfo) DomainInfo {
	return DomainInfo{
		State:       DomainState(raw.State),
		MaxMemoryKB: raw.MaxMemoryKB,
		MemoryKB:    raw.MemoryKB,
		VirtualCPUs: raw.VirtualCPUs,
		CPUTime:     time.Duration(raw.CPUTimeNs),
	}
}

// NodeInfo summarizes the host hardware.
type NodeInfo struct {
	Model     string
	MemoryKB  uint64
	CPUs      uint32
	MHz       uint32
	NumaNodes uint32
	Sockets   uint32
	Cores     uint32
	Threads   uint32
}

func nodeInfoFrom(raw driver.NodeInfo) NodeInfo {
	return NodeInfo{
		Model:     raw.Model,
		MemoryKB:  raw.MemoryKB,
		CPUs:      raw.CPUs,
		MHz:       raw.MHz,
		NumaNodes: raw.Nodes,
		Sockets:   raw.Sockets,
		Cores:     raw.Cores,
		Threads:   raw.Threads,
	}
}

// Version is a daemon library version, encoded by the daemon as
// major*1000000 + minor*1000 + release.
type Version struct {
	Major   uint32
	Minor   uint32
	Release uint32
}

func versionFrom(v uint64) Version {
	return Version{
		Major:   uint32(v / 1000000),
		Minor:   uint32(v / 1000 % 1000),
		Release: uint32(v % 1000),
	}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Release)
}

// Flag sets are passed to the daemon uninterpreted. Combinations are the
// daemon's to validate.

// CreateFlags modify how a domain starts.
type CreateFlags uint32

const (
	StartPaused      CreateFlags = 1 << 0
	StartAutodestroy CreateFlags = 1 << 1
	StartBypassCache CreateFlags = 1 << 2
	StartForceBoot   CreateFlags = 1 << 3
	StartValidate    CreateFlags = 1 << 4
	StartResetNVRAM  CreateFlags = 1 << 5
)

// ShutdownFlags select the shutdown mechanism.
type ShutdownFlags uint32

const (
	ShutdownDefault         ShutdownFlags = 0
	ShutdownACPIPowerButton ShutdownFlags = 1 << 0
	ShutdownGuestAgent      ShutdownFlags = 1 << 1
	ShutdownInitctl         ShutdownFlags = 1 << 2
	ShutdownSignal          ShutdownFlags = 1 << 3
	ShutdownParavirt        ShutdownFlags = 1 << 4
)

// SaveRestoreFlags modify save and restore.
type SaveRestoreFlags uint32

const (
	SaveBypassCache SaveRestoreFlags = 1 << 0
	SaveRunning     SaveRestoreFlags = 1 << 1
	SavePaused      SaveRestoreFlags = 1 << 2
	SaveResetNVRAM  SaveRestoreFlags = 1 << 3
)

// DefineFlags modify DefineFromDescription.
type DefineFlags uint32

const DefineValidate DefineFlags = 1 << 0

// XMLFlags select what a domain description includes.
type XMLFlags uint32

const (
	XMLSecure     XMLFlags = 1 << 0
	XMLInactive   XMLFlags = 1 << 1
	XMLUpdateCPU  XMLFlags = 1 << 2
	XMLMigratable XMLFlags = 1 << 3
)

// ListFlags filter ListAllDomains. Zero lists every domain.
type ListFlags uint32

const (
	ListActive     ListFlags = 1 << 0
	ListInactive   ListFlags = 1 << 1
	ListPersistent ListFlags = 1 << 2
	ListTransient  ListFlags = 1 << 3
	ListRunning    ListFlags = 1 << 4
	ListPaused     ListFlags = 1 << 5
	ListShutoff    ListFlags = 1 << 6
	ListOther      ListFlags = 1 << 7
)

// SaveOptions are the optional arguments of Domain.Save.
type SaveOptions struct {
	Flags SaveRestoreFlags
	// Description replaces host-specific parts of the saved description.
	Description string
	// Compression names the save image format, e.g. "zstd". Empty uses the
	// daemon default.
	Compression string
}
