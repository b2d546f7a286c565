// Package describe renders minimal domain descriptions for probing a daemon.
//
// The output is only ever handed to the daemon; nothing here parses
// descriptions coming back from it.
package describe

import (
	"fmt"

	"github.com/google/uuid"
	"libvirt.org/go/libvirtxml"
)

const (
	// DefaultType is the hypervisor type of generated domains.
	DefaultType = "kvm"
	// DefaultMemoryMiB is the memory of generated domains.
	DefaultMemoryMiB = 256
	// DefaultArch is the guest architecture of generated domains.
	DefaultArch = "x86_64"
)

// Spec selects what goes into a generated description.
type Spec struct {
	Name string
	// UUID in canonical form; empty lets the daemon assign one.
	UUID string
	// Type is the hypervisor type, e.g. "kvm", "qemu" or "test".
	Type      string
	MemoryMiB uint
	VCPUs     uint
	Arch      string
	// Disk is an optional path to a qcow2 image attached as vda.
	Disk string
	// Bridge and IP add one virtio interface whose MAC and tap name are
	// derived from IP.
	Bridge string
	IP     string
}

func (s *Spec) applyDefaults() {
	if s.Type == "" {
		s.Type = DefaultType
	}
	if s.MemoryMiB == 0 {
		s.MemoryMiB = DefaultMemoryMiB
	}
	if s.VCPUs == 0 {
		s.VCPUs = 1
	}
	if s.Arch == "" {
		s.Arch = DefaultArch
	}
}

// Validate checks the spec.
func (s Spec) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.UUID != "" {
		if _, err := uuid.Parse(s.UUID); err != nil {
			return fmt.Errorf("invalid uuid %q: %w", s.UUID, err)
		}
	}
	if (s.Bridge == "") != (s.IP == "") {
		return fmt.Errorf("bridge and ip must be set together")
	}
	return nil
}

// Domain renders spec as a domain description.
func Domain(spec Spec) (string, error) {
	if err := spec.Validate(); err != nil {
		return "", err
	}
	spec.applyDefaults()

	port := uint(0)
	domain := &libvirtxml.Domain{
		Type: spec.Type,
		Name: spec.Name,
		UUID: spec.UUID,
		Memory: &libvirtxml.DomainMemory{
			Value: spec.MemoryMiB,
			Unit:  "MiB",
		},
		VCPU: &libvirtxml.DomainVCPU{
			Placement: "static",
			Value:     spec.VCPUs,
		},
		OS: &libvirtxml.DomainOS{
			Type: &libvirtxml.DomainOSType{
				Arch: spec.Arch,
				Type: "hvm",
			},
		},
		OnPoweroff: "destroy",
		OnReboot:   "restart",
		OnCrash:    "destroy",
		Devices: &libvirtxml.DomainDeviceList{
			Serials: []libvirtxml.DomainSerial{
				{
					Source: &libvirtxml.DomainChardevSource{
						Pty: &libvirtxml.DomainChardevSourcePty{},
					},
					Target: &libvirtxml.DomainSerialTarget{Port: &port},
				},
			},
		},
	}

	if spec.Disk != "" {
		domain.Devices.Disks = append(domain.Devices.Disks, libvirtxml.DomainDisk{
			Device: "disk",
			Driver: &libvirtxml.DomainDiskDriver{
				Name: "qemu",
				Type: "qcow2",
			},
			Source: &libvirtxml.DomainDiskSource{
				File: &libvirtxml.DomainDiskSourceFile{File: spec.Disk},
			},
			Target: &libvirtxml.DomainDiskTarget{
				Dev: "vda",
				Bus: "virtio",
			},
		})
	}

	if spec.IP != "" {
		mac, err := MACFromIP(spec.IP)
		if err != nil {
			return "", fmt.Errorf("failed to calculate MAC address for %s: %w", spec.IP, err)
		}
		tap, err := TapNameFromIP(spec.IP)
		if err != nil {
			return "", fmt.Errorf("failed to calculate interface name for %s: %w", spec.IP, err)
		}
		domain.Devices.Interfaces = append(domain.Devices.Interfaces, libvirtxml.DomainInterface{
			MAC: &libvirtxml.DomainInterfaceMAC{Address: mac},
			Source: &libvirtxml.DomainInterfaceSource{
				Bridge: &libvirtxml.DomainInterfaceSourceBridge{Bridge: spec.Bridge},
			},
			Model:  &libvirtxml.DomainInterfaceModel{Type: "virtio"},
			Target: &libvirtxml.DomainInterfaceTarget{Dev: tap},
		})
	}

	xml, err := domain.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to marshal domain XML: %w", err)
	}
	return xml, nil
}
