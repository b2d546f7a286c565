package rpc

import (
	"net"
	"net/url"
	"strings"

	"github.com/jbweber/virtcore/driver"
)

const (
	// DefaultSocket is the daemon's privileged socket.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"
	// DefaultReadOnlySocket is the daemon's read-only socket.
	DefaultReadOnlySocket = "/var/run/libvirt/libvirt-sock-ro"
	// DefaultPort is the daemon's plain TCP port.
	DefaultPort = "16509"
	// DefaultSSHPort is used for ssh tunnels without an explicit port.
	DefaultSSHPort = "22"
)

// Target is where and how to reach a daemon, derived from a connection URI.
type Target struct {
	// Transport is "unix", "tcp" or "ssh".
	Transport string
	// Socket is the unix socket path, on the remote host for ssh.
	Socket string
	// Host and Port address a tcp daemon or an ssh server.
	Host string
	Port string

	// ssh only.
	User       string
	Password   string
	KeyFile    string
	KnownHosts string
	NoVerify   bool

	// DaemonURI is the URI handed to the daemon once the transport is up,
	// with the transport and client-side parameters removed.
	DaemonURI string
}

// ParseURI maps a connection URI such as qemu:///system,
// qemu+unix:///system?socket=/tmp/sock, qemu+tcp://host:16509/system or
// qemu+ssh://user@host/system?keyfile=/root/.ssh/id_ed25519 to a Target. Failures are reported as *driver.LastError.
func ParseURI(raw string, readOnly bool) (Target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Target{}, driver.Errorf(driver.CodeInvalidArg, driver.FromRPC, "invalid connection URI '%s': %v", raw, err)
	}
	if u.Scheme == "" {
		return Target{}, driver.Errorf(driver.CodeInvalidArg, driver.FromRPC, "no driver in connection URI '%s'", raw)
	}

	drv, transport, _ := strings.Cut(u.Scheme, "+")
	if transport == "" {
		transport = "unix"
		if u.Host != "" {
			transport = "tls"
		}
	}

	t := Target{Transport: transport, DaemonURI: daemonURI(drv, u)}
	switch transport {
	case "unix":
		t.Socket = socketPath(u, readOnly)
	case "tcp":
		if readOnly {
			return Target{}, driver.Errorf(driver.CodeNoSupport, driver.FromRPC, "read-only connections need a local socket, got '%s'", raw)
		}
		t.Host = u.Hostname()
		t.Port = u.Port()
		if t.Host == "" {
			return Target{}, driver.Errorf(driver.CodeInvalidArg, driver.FromRPC, "no host in connection URI '%s'", raw)
		}
		if t.Port == "" {
			t.Port = DefaultPort
		}
	case "ssh":
		q := u.Query()
		t.Socket = socketPath(u, readOnly)
		t.Host = u.Hostname()
		t.Port = u.Port()
		t.User = u.User.Username()
		t.KeyFile = q.Get("keyfile")
		t.KnownHosts = q.Get("known_hosts")
		t.NoVerify = q.Get("no_verify") == "1"
		if t.Host == "" {
			return Target{}, driver.Errorf(driver.CodeInvalidArg, driver.FromRPC, "no host in connection URI '%s'", raw)
		}
		if t.Port == "" {
			t.Port = DefaultSSHPort
		}
	default:
		return Target{}, driver.Errorf(driver.CodeNoSupport, driver.FromRPC, "transport '%s' is not supported by the rpc driver", transport)
	}
	return t, nil
}

// Address returns the dial address of the target.
func (t Target) Address() string {
	switch t.Transport {
	case "tcp":
		return net.JoinHostPort(t.Host, t.Port)
	case "ssh":
		return net.JoinHostPort(t.Host, t.Port) + ":" + t.Socket
	}
	return t.Socket
}

func socketPath(u *url.URL, readOnly bool) string {
	if s := u.Query().Get("socket"); s != "" {
		return s
	}
	if readOnly {
		return DefaultReadOnlySocket
	}
	return DefaultSocket
}

// daemonURI drops the transport, host and client-side query parameters.
func daemonURI(drv string, u *url.URL) string {
	q := u.Query()
	for _, key := range []string{"socket", "no_verify", "pkipath", "keyfile", "known_hosts"} {
		q.Del(key)
	}
	out := url.URL{Scheme: drv, Path: u.Path, RawQuery: q.Encode()}
	if out.Path == "" {
		out.Path = "/"
	}
	return out.String()
}
