// Package output renders host and domain summaries as tables, YAML or JSON.
package output

import (
	"fmt"
	"time"

	"github.com/jbweber/virtcore/hypervisor"
)

// Format represents an output format type.
type Format string

const (
	// FormatTable is a human-readable table format.
	FormatTable Format = "table"
	// FormatYAML is a YAML format.
	FormatYAML Format = "yaml"
	// FormatJSON is a JSON format for machine consumption.
	FormatJSON Format = "json"
)

// HostSummary describes the daemon host.
type HostSummary struct {
	Hostname       string `json:"hostname" yaml:"hostname"`
	URI            string `json:"uri" yaml:"uri"`
	LibraryVersion string `json:"libraryVersion" yaml:"libraryVersion"`
	Model          string `json:"model" yaml:"model"`
	MemoryKB       uint64 `json:"memoryKiB" yaml:"memoryKiB"`
	CPUs           uint32 `json:"cpus" yaml:"cpus"`
	MHz            uint32 `json:"mhz" yaml:"mhz"`
	NumaNodes      uint32 `json:"numaNodes" yaml:"numaNodes"`
	Sockets        uint32 `json:"sockets" yaml:"sockets"`
	Cores          uint32 `json:"cores" yaml:"cores"`
	Threads        uint32 `json:"threads" yaml:"threads"`
}

// NewHostSummary combines the host introspection results of a session.
func NewHostSummary(hostname, uri string, v hypervisor.Version, n hypervisor.NodeInfo) HostSummary {
	return HostSummary{
		Hostname:       hostname,
		URI:            uri,
		LibraryVersion: v.String(),
		Model:          n.Model,
		MemoryKB:       n.MemoryKB,
		CPUs:           n.CPUs,
		MHz:            n.MHz,
		NumaNodes:      n.NumaNodes,
		Sockets:        n.Sockets,
		Cores:          n.Cores,
		Threads:        n.Threads,
	}
}

// DomainSummary describes one domain.
type DomainSummary struct {
	Name string `json:"name" yaml:"name"`
	UUID string `json:"uuid" yaml:"uuid"`
	// ID is nil for inactive domains.
	ID          *uint32 `json:"id,omitempty" yaml:"id,omitempty"`
	State       string  `json:"state" yaml:"state"`
	VCPUs       uint16  `json:"vcpus" yaml:"vcpus"`
	MemoryKB    uint64  `json:"memoryKiB" yaml:"memoryKiB"`
	MaxMemoryKB uint64  `json:"maxMemoryKiB" yaml:"maxMemoryKiB"`
	CPUTime     string  `json:"cpuTime" yaml:"cpuTime"`
}

// NewDomainSummary combines the identity and info of a domain.
func NewDomainSummary(name, uuid string, id uint32, hasID bool, info hypervisor.DomainInfo) DomainSummary {
	s := DomainSummary{
		Name:        name,
		UUID:        uuid,
		State:       info.State.String(),
		VCPUs:       info.VirtualCPUs,
		MemoryKB:    info.MemoryKB,
		MaxMemoryKB: info.MaxMemoryKB,
		CPUTime:     info.CPUTime.Round(time.Millisecond).String(),
	}
	if hasID {
		s.ID = &id
	}
	return s
}

// Formatter formats summaries for output.
type Formatter interface {
	// FormatHost formats the host summary.
	FormatHost(h HostSummary) (string, error)

	// FormatDomain formats a single domain.
	FormatDomain(d DomainSummary) (string, error)

	// FormatDomainList formats a list of domains.
	FormatDomainList(ds []DomainSummary) (string, error)
}

// Options contains options for formatting output.
type Options struct {
	// Format specifies the output format.
	Format Format
	// NoHeaders omits headers in table format.
	NoHeaders bool
}

// NewFormatter creates a new Formatter based on the specified format.
func NewFormatter(opts Options) (Formatter, error) {
	switch opts.Format {
	case FormatTable:
		return &TableFormatter{NoHeaders: opts.NoHeaders}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, yaml, json)", opts.Format)
	}
}

// ValidateFormat checks if a format string is valid.
func ValidateFormat(format string) error {
	switch Format(format) {
	case FormatTable, FormatYAML, FormatJSON:
		return nil
	default:
		return fmt.Errorf("invalid format: %s (valid formats: table, yaml, json)", format)
	}
}
