// Package config loads connection profiles from YAML files.
//
// A profile file names one or more daemons and how to reach them:
//
//	default: local
//	dispatch:
//	  workers: 4
//	profiles:
//	  - name: local
//	    uri: qemu:///system
//	  - name: hv01
//	    uri: qemu+ssh://root@hv01/system?keyfile=/root/.ssh/id_ed25519
//	    timeout: 10s
//	    read_only: true
//
// Passwords are never stored inline; password_file points at a file holding
// one.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jbweber/virtcore/hypervisor"
)

const (
	// DefaultDriver is the backend used when a profile names none.
	DefaultDriver = "rpc"
	// DefaultTimeout bounds dialing the daemon.
	DefaultTimeout = 5 * time.Second
)

var profileName = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]*$`)

// File is a parsed profile file.
type File struct {
	Default  string         `yaml:"default,omitempty"`
	Dispatch DispatchConfig `yaml:"dispatch,omitempty"`
	Profiles []Profile      `yaml:"profiles"`
}

// DispatchConfig sizes the worker pool that runs blocking calls.
// Zero values keep the dispatcher defaults.
type DispatchConfig struct {
	Workers   int `yaml:"workers,omitempty"`
	QueueSize int `yaml:"queue_size,omitempty"`
}

// Profile describes one daemon.
type Profile struct {
	Name         string        `yaml:"name"`
	URI          string        `yaml:"uri"`
	Driver       string        `yaml:"driver,omitempty"` // backend name (default: "rpc")
	Username     string        `yaml:"username,omitempty"`
	PasswordFile string        `yaml:"password_file,omitempty"`
	ReadOnly     bool          `yaml:"read_only,omitempty"`
	Timeout      time.Duration `yaml:"timeout,omitempty"`

	// Password is read from PasswordFile by LoadFromFile.
	Password string `yaml:"-"`
}

// Normalize sanitizes user input and fills in defaults.
func (f *File) Normalize() {
	f.Default = strings.ToLower(strings.TrimSpace(f.Default))
	for i := range f.Profiles {
		f.Profiles[i].Normalize()
	}
	if f.Default == "" && len(f.Profiles) == 1 {
		f.Default = f.Profiles[0].Name
	}
}

// Normalize sanitizes user input and fills in defaults.
func (p *Profile) Normalize() {
	p.Name = strings.ToLower(strings.TrimSpace(p.Name))
	p.URI = strings.TrimSpace(p.URI)
	p.Driver = strings.ToLower(strings.TrimSpace(p.Driver))
	if p.Driver == "" {
		p.Driver = DefaultDriver
	}
	if p.Timeout == 0 {
		p.Timeout = DefaultTimeout
	}
}

// Validate checks the file for errors. It does not contact any daemon.
func (f *File) Validate() error {
	if len(f.Profiles) == 0 {
		return fmt.Errorf("at least one profiles entry is required")
	}
	if f.Dispatch.Workers < 0 {
		return fmt.Errorf("dispatch.workers must be >= 0, got %d", f.Dispatch.Workers)
	}
	if f.Dispatch.QueueSize < 0 {
		return fmt.Errorf("dispatch.queue_size must be >= 0, got %d", f.Dispatch.QueueSize)
	}

	seen := make(map[string]bool)
	for i := range f.Profiles {
		p := &f.Profiles[i]
		if err := p.Validate(); err != nil {
			return fmt.Errorf("profiles[%d]: %w", i, err)
		}
		if seen[p.Name] {
			return fmt.Errorf("profiles[%d]: duplicate name %q", i, p.Name)
		}
		seen[p.Name] = true
	}

	if f.Default != "" && !seen[f.Default] {
		return fmt.Errorf("default profile %q is not defined", f.Default)
	}
	return nil
}

// Validate checks one profile.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("name is required")
	}
	if !profileName.MatchString(p.Name) {
		return fmt.Errorf("name must start with an alphanumeric character and contain only alphanumeric, dots, hyphens, or underscores, got %q", p.Name)
	}
	if p.URI == "" {
		return fmt.Errorf("uri is required")
	}
	u, err := url.Parse(p.URI)
	if err != nil {
		return fmt.Errorf("invalid uri %q: %w", p.URI, err)
	}
	if u.Scheme == "" {
		return fmt.Errorf("uri %q has no driver scheme", p.URI)
	}
	if p.PasswordFile != "" && p.Username == "" {
		return fmt.Errorf("password_file requires username")
	}
	if p.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", p.Timeout)
	}
	return nil
}

// Profile returns the named profile, or the default profile when name is
// empty.
func (f *File) Profile(name string) (*Profile, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = f.Default
	}
	if name == "" {
		return nil, fmt.Errorf("no profile selected and no default profile set")
	}
	for i := range f.Profiles {
		if f.Profiles[i].Name == name {
			return &f.Profiles[i], nil
		}
	}
	return nil, fmt.Errorf("profile %q not found", name)
}

// Names returns the profile names in file order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Profiles))
	for _, p := range f.Profiles {
		names = append(names, p.Name)
	}
	return names
}

// SessionConfig converts the profile into a session configuration.
func (p *Profile) SessionConfig() hypervisor.Config {
	return hypervisor.Config{
		URI:      p.URI,
		Username: p.Username,
		Password: p.Password,
		ReadOnly: p.ReadOnly,
	}
}

// Parse decodes, normalizes and validates a profile file.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	f.Normalize()

	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &f, nil
}

// LoadFromFile loads a profile file and reads referenced password files.
func LoadFromFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, err
	}

	for i := range f.Profiles {
		p := &f.Profiles[i]
		if p.PasswordFile == "" {
			continue
		}
		secret, err := os.ReadFile(p.PasswordFile)
		if err != nil {
			return nil, fmt.Errorf("profile %s: failed to read password file: %w", p.Name, err)
		}
		p.Password = strings.TrimRight(string(secret), "\r\n")
	}
	return f, nil
}

// SaveToFile writes the file as YAML. Passwords are never written.
func SaveToFile(f *File, path string) error {
	data, err := yaml.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
